/*
store.go - Read interface over persisted configuration, plus a TTL cache

The pipeline resolves rules, thresholds, criteria, templates and payer/payee
masters on every claim. Those rows change rarely, so hot paths read through
Cached; anything that must observe its own uncommitted writes (the
aggregator's auto-create inside a transaction) talks to the backing store
directly.
*/
package config

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is the read-mostly configuration repository, implemented by
// store/sqlite. Lookups return remit.ErrNotFound-wrapped errors when the row
// does not exist.
type Store interface {
	// Master records. Save* exist for the aggregator's auto-create path.
	GetPayerByExternalID(ctx context.Context, payerID string) (*Payer, error)
	GetPayeeByExternalID(ctx context.Context, payeeID string) (*Payee, error)
	SavePayer(ctx context.Context, p *Payer) error
	SavePayee(ctx context.Context, p *Payee) error

	ActiveBucketingRules(ctx context.Context) ([]BucketingRule, error)
	GetBucketingRule(ctx context.Context, id string) (*BucketingRule, error)

	ActiveThresholdsForRule(ctx context.Context, ruleID string) ([]GenerationThreshold, error)
	ActiveCommitCriteriaForRule(ctx context.Context, ruleID string) ([]CommitCriteria, error)
	ActiveWorkflowForThreshold(ctx context.Context, thresholdID string) (*WorkflowConfig, error)

	GetTemplate(ctx context.Context, id string) (*FileNamingTemplate, error)
	TemplateForRule(ctx context.Context, ruleID string) (*FileNamingTemplate, error)
	DefaultTemplate(ctx context.Context) (*FileNamingTemplate, error)

	// Settings returns the raw key/value rows (see settings.go for parsing).
	Settings(ctx context.Context) (map[string]string, error)
}

// =============================================================================
// CACHED STORE
// =============================================================================

// DefaultCacheTTL bounds how stale a configuration read may be.
const DefaultCacheTTL = 5 * time.Minute

// Cached wraps a Store with a TTL cache. Misses and errors pass through
// uncached, so a row created mid-TTL becomes visible on the next read.
// Writes invalidate the whole cache; configuration churn is low enough that
// precision eviction is not worth the bookkeeping.
type Cached struct {
	inner Store
	cache *gocache.Cache
}

func NewCached(inner Store, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Invalidate drops every cached entry. Call after external configuration
// changes that must be visible immediately.
func (c *Cached) Invalidate() {
	c.cache.Flush()
}

func cachedLookup[T any](c *Cached, key string, load func() (T, error)) (T, error) {
	if v, ok := c.cache.Get(key); ok {
		return v.(T), nil
	}
	v, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	c.cache.SetDefault(key, v)
	return v, nil
}

func (c *Cached) GetPayerByExternalID(ctx context.Context, payerID string) (*Payer, error) {
	return cachedLookup(c, "payer:"+payerID, func() (*Payer, error) {
		return c.inner.GetPayerByExternalID(ctx, payerID)
	})
}

func (c *Cached) GetPayeeByExternalID(ctx context.Context, payeeID string) (*Payee, error) {
	return cachedLookup(c, "payee:"+payeeID, func() (*Payee, error) {
		return c.inner.GetPayeeByExternalID(ctx, payeeID)
	})
}

func (c *Cached) SavePayer(ctx context.Context, p *Payer) error {
	if err := c.inner.SavePayer(ctx, p); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

func (c *Cached) SavePayee(ctx context.Context, p *Payee) error {
	if err := c.inner.SavePayee(ctx, p); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

func (c *Cached) ActiveBucketingRules(ctx context.Context) ([]BucketingRule, error) {
	return cachedLookup(c, "rules:active", func() ([]BucketingRule, error) {
		return c.inner.ActiveBucketingRules(ctx)
	})
}

func (c *Cached) GetBucketingRule(ctx context.Context, id string) (*BucketingRule, error) {
	return cachedLookup(c, "rule:"+id, func() (*BucketingRule, error) {
		return c.inner.GetBucketingRule(ctx, id)
	})
}

func (c *Cached) ActiveThresholdsForRule(ctx context.Context, ruleID string) ([]GenerationThreshold, error) {
	return cachedLookup(c, "thresholds:"+ruleID, func() ([]GenerationThreshold, error) {
		return c.inner.ActiveThresholdsForRule(ctx, ruleID)
	})
}

func (c *Cached) ActiveCommitCriteriaForRule(ctx context.Context, ruleID string) ([]CommitCriteria, error) {
	return cachedLookup(c, "criteria:"+ruleID, func() ([]CommitCriteria, error) {
		return c.inner.ActiveCommitCriteriaForRule(ctx, ruleID)
	})
}

func (c *Cached) ActiveWorkflowForThreshold(ctx context.Context, thresholdID string) (*WorkflowConfig, error) {
	return cachedLookup(c, "workflow:"+thresholdID, func() (*WorkflowConfig, error) {
		return c.inner.ActiveWorkflowForThreshold(ctx, thresholdID)
	})
}

func (c *Cached) GetTemplate(ctx context.Context, id string) (*FileNamingTemplate, error) {
	return cachedLookup(c, "template:"+id, func() (*FileNamingTemplate, error) {
		return c.inner.GetTemplate(ctx, id)
	})
}

func (c *Cached) TemplateForRule(ctx context.Context, ruleID string) (*FileNamingTemplate, error) {
	return cachedLookup(c, "template:rule:"+ruleID, func() (*FileNamingTemplate, error) {
		return c.inner.TemplateForRule(ctx, ruleID)
	})
}

func (c *Cached) DefaultTemplate(ctx context.Context) (*FileNamingTemplate, error) {
	return cachedLookup(c, "template:default", func() (*FileNamingTemplate, error) {
		return c.inner.DefaultTemplate(ctx)
	})
}

func (c *Cached) Settings(ctx context.Context) (map[string]string, error) {
	return cachedLookup(c, "settings", func() (map[string]string, error) {
		return c.inner.Settings(ctx)
	})
}

var _ Store = (*Cached)(nil)
