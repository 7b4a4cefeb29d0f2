package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
)

// countingStore records how many times each lookup hits the backing store.
type countingStore struct {
	config.Store // panics on anything not overridden

	payers map[string]*config.Payer
	rules  []config.BucketingRule
	calls  map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{
		payers: map[string]*config.Payer{},
		calls:  map[string]int{},
	}
}

func (s *countingStore) GetPayerByExternalID(_ context.Context, payerID string) (*config.Payer, error) {
	s.calls["payer"]++
	p, ok := s.payers[payerID]
	if !ok {
		return nil, &remit.NotFoundError{Kind: "payer", ID: payerID}
	}
	return p, nil
}

func (s *countingStore) SavePayer(_ context.Context, p *config.Payer) error {
	s.calls["savePayer"]++
	s.payers[p.PayerID] = p
	return nil
}

func (s *countingStore) ActiveBucketingRules(_ context.Context) ([]config.BucketingRule, error) {
	s.calls["rules"]++
	return s.rules, nil
}

func TestCached_ServesRepeatReadsFromCache(t *testing.T) {
	inner := newCountingStore()
	inner.payers["BCBS"] = &config.Payer{ID: "p1", PayerID: "BCBS", PayerName: "Blue Cross"}
	cached := config.NewCached(inner, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p, err := cached.GetPayerByExternalID(ctx, "BCBS")
		require.NoError(t, err)
		assert.Equal(t, "Blue Cross", p.PayerName)
	}

	assert.Equal(t, 1, inner.calls["payer"], "only the first read should hit the store")
}

func TestCached_DoesNotCacheMisses(t *testing.T) {
	inner := newCountingStore()
	cached := config.NewCached(inner, time.Minute)
	ctx := context.Background()

	_, err := cached.GetPayerByExternalID(ctx, "GHOST")
	assert.ErrorIs(t, err, remit.ErrNotFound)

	// Row appears between reads; the next read must see it.
	inner.payers["GHOST"] = &config.Payer{ID: "p2", PayerID: "GHOST", PayerName: "Ghost Health"}
	p, err := cached.GetPayerByExternalID(ctx, "GHOST")
	require.NoError(t, err)
	assert.Equal(t, "Ghost Health", p.PayerName)
	assert.Equal(t, 2, inner.calls["payer"])
}

func TestCached_SaveInvalidates(t *testing.T) {
	inner := newCountingStore()
	inner.payers["BCBS"] = &config.Payer{ID: "p1", PayerID: "BCBS", PayerName: "Blue Cross"}
	cached := config.NewCached(inner, time.Minute)
	ctx := context.Background()

	_, err := cached.GetPayerByExternalID(ctx, "BCBS")
	require.NoError(t, err)

	err = cached.SavePayer(ctx, &config.Payer{ID: "p1", PayerID: "BCBS", PayerName: "Blue Cross CA"})
	require.NoError(t, err)

	p, err := cached.GetPayerByExternalID(ctx, "BCBS")
	require.NoError(t, err)
	assert.Equal(t, "Blue Cross CA", p.PayerName, "stale entry must be evicted on save")
	assert.Equal(t, 2, inner.calls["payer"])
}

func TestCached_InvalidateFlushesEverything(t *testing.T) {
	inner := newCountingStore()
	inner.rules = []config.BucketingRule{{ID: "r1", RuleName: "a", RuleType: config.RulePayerPayee, IsActive: true}}
	cached := config.NewCached(inner, time.Minute)
	ctx := context.Background()

	_, err := cached.ActiveBucketingRules(ctx)
	require.NoError(t, err)
	_, err = cached.ActiveBucketingRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls["rules"])

	cached.Invalidate()

	_, err = cached.ActiveBucketingRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls["rules"])
}
