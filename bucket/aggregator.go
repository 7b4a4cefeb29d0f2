/*
aggregator.go - Claim intake and bucket accumulation

PURPOSE:
  One claim in, one bucket updated. The Aggregator resolves the bucketing
  rule, finds or creates the matching ACCUMULATING bucket, adds the claim's
  paid amount, writes a PROCESSED log row and immediately evaluates the
  bucket's thresholds. All of that happens in a single transaction: either
  the claim is fully absorbed (including any state transition it caused) or
  nothing changed.

FAILURE ISOLATION:
  Claims are not retried here. Any failure rolls the transaction back, then a
  REJECTED processing log is written in a fresh transaction so the claim
  leaves a trace, and the bucket (when one was resolved) keeps the error in
  lastErrorMessage. Upstream decides whether to resubmit.

AUTO-CREATED MASTERS:
  A claim may arrive for a payer or payee that has no master record yet. The
  Aggregator creates one with createdBy=SYSTEM_AUTO and a generated ISA
  sender id; an administrator fills in addresses and SFTP details later.
*/
package bucket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

// GroupingFunc computes the extra grouping key for a CUSTOM rule. The
// returned bin/pcn pair extends the payer/payee key the same way a BIN_PCN
// rule does. Registered per grouping expression name.
type GroupingFunc func(claim *remit.Claim) (binNumber, pcnNumber string, err error)

type Aggregator struct {
	Store   *sqlite.Store
	Config  config.Store // cached reads for rule resolution
	Manager *Manager
	Logger  *zap.Logger

	mu        sync.RWMutex
	groupings map[string]GroupingFunc
}

// RegisterGrouping installs the implementation for a CUSTOM rule's grouping
// expression. Claims hitting an unregistered expression fall back to
// payer/payee grouping.
func (a *Aggregator) RegisterGrouping(name string, fn GroupingFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.groupings == nil {
		a.groupings = make(map[string]GroupingFunc)
	}
	a.groupings[name] = fn
}

func (a *Aggregator) grouping(name string) GroupingFunc {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.groupings[name]
}

// =============================================================================
// AGGREGATION
// =============================================================================

// AggregateClaim buckets one claim under the highest-priority active rule.
func (a *Aggregator) AggregateClaim(ctx context.Context, claim *remit.Claim) error {
	rule, err := a.resolveRule(ctx)
	if err != nil {
		a.recordRejection(ctx, claim, "", err)
		return err
	}
	return a.AggregateClaimWithRule(ctx, claim, rule)
}

// AggregateClaimWithRule buckets one claim under an explicit rule.
func (a *Aggregator) AggregateClaimWithRule(ctx context.Context, claim *remit.Claim, rule *config.BucketingRule) error {
	payerID, payeeID, err := validateClaim(claim)
	if err != nil {
		a.recordRejection(ctx, claim, "", err)
		return err
	}

	var bucketID string
	err = a.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := a.resolveBucket(ctx, tx, claim, rule, payerID, payeeID)
		if err != nil {
			return err
		}
		bucketID = b.ID

		updated, err := tx.AccumulateClaim(ctx, b.ID, claim.PaidAmount)
		if err != nil {
			return err
		}
		if err := tx.AppendProcessingLog(ctx, &remit.ClaimProcessingLog{
			ClaimID:      claim.ID,
			BucketID:     b.ID,
			PayerID:      payerID,
			PayeeID:      payeeID,
			Outcome:      remit.ClaimProcessed,
			ChargeAmount: claim.TotalChargeAmount,
			PaidAmount:   claim.PaidAmount,
		}); err != nil {
			return err
		}
		return a.Manager.EvaluateBucketThresholds(ctx, tx, updated)
	})
	if err != nil {
		a.recordRejection(ctx, claim, bucketID, err)
		return err
	}

	claim.Status = string(remit.ClaimProcessed)
	return nil
}

// resolveRule picks the highest-priority active bucketing rule, ties broken
// by rule name. Reads go through the cached config store: rules change on an
// administrator's timescale and a few minutes of staleness only delays which
// rule new claims land under.
func (a *Aggregator) resolveRule(ctx context.Context) (*config.BucketingRule, error) {
	rules, err := a.Config.ActiveBucketingRules(ctx)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("no active bucketing rule configured")
	}
	return &rules[0], nil
}

// =============================================================================
// BUCKET RESOLUTION
// =============================================================================

func (a *Aggregator) resolveBucket(ctx context.Context, tx *sqlite.Store, claim *remit.Claim, rule *config.BucketingRule, payerID, payeeID string) (*remit.Bucket, error) {
	binNumber, pcnNumber := a.groupingKey(claim, rule)

	existing, err := tx.FindAccumulatingBucket(ctx, rule.ID, payerID, payeeID, binNumber, pcnNumber)
	if err == nil {
		return existing, nil
	}
	if !remit.IsNotFound(err) {
		return nil, err
	}

	payer, err := a.ensurePayer(ctx, tx, payerID)
	if err != nil {
		return nil, err
	}
	payee, err := a.ensurePayee(ctx, tx, payeeID)
	if err != nil {
		return nil, err
	}

	paymentRequired, err := a.paymentRequired(ctx, tx, rule.ID)
	if err != nil {
		return nil, err
	}

	var templateID string
	tpl, err := tx.TemplateForRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	if tpl != nil {
		templateID = tpl.ID
	}

	b := &remit.Bucket{
		ID:                   remit.NewID(),
		BucketingRuleID:      rule.ID,
		PayerID:              payerID,
		PayerName:            payer.PayerName,
		PayeeID:              payeeID,
		PayeeName:            payee.PayeeName,
		BinNumber:            binNumber,
		PCNNumber:            pcnNumber,
		Status:               remit.BucketAccumulating,
		TotalAmount:          decimal.Zero,
		PaymentRequired:      paymentRequired,
		PaymentStatus:        remit.PaymentNone,
		FileNamingTemplateID: templateID,
	}
	got, created, err := tx.InsertAccumulatingBucket(ctx, b)
	if err != nil {
		return nil, err
	}
	if created {
		a.Logger.Info("bucket created",
			zap.String("bucketId", got.ID),
			zap.String("ruleId", rule.ID),
			zap.String("payerId", payerID),
			zap.String("payeeId", payeeID),
			zap.Bool("paymentRequired", paymentRequired))
	}
	return got, nil
}

// groupingKey derives the bin/pcn key extension for the rule type. BIN_PCN
// without a BIN on the claim, and CUSTOM without a registered grouping, both
// degrade to plain payer/payee grouping with a warning so the claim is never
// dropped over a grouping config gap.
func (a *Aggregator) groupingKey(claim *remit.Claim, rule *config.BucketingRule) (binNumber, pcnNumber string) {
	switch rule.RuleType {
	case config.RuleBinPCN:
		if claim.BinNumber == "" {
			a.Logger.Warn("BIN_PCN rule but claim has no BIN, using payer/payee grouping",
				zap.String("claimId", claim.ID),
				zap.String("ruleId", rule.ID))
			return "", ""
		}
		return claim.BinNumber, claim.PCNNumber
	case config.RuleCustom:
		fn := a.grouping(rule.GroupingExpression)
		if fn == nil {
			a.Logger.Warn("no grouping registered for CUSTOM rule expression, using payer/payee grouping",
				zap.String("ruleId", rule.ID),
				zap.String("expression", rule.GroupingExpression))
			return "", ""
		}
		bin, pcn, err := fn(claim)
		if err != nil {
			a.Logger.Warn("custom grouping failed, using payer/payee grouping",
				zap.String("claimId", claim.ID),
				zap.String("expression", rule.GroupingExpression),
				zap.Error(err))
			return "", ""
		}
		return bin, pcn
	default:
		return "", ""
	}
}

// paymentRequired snapshots the rule's commit criteria flag for a new
// bucket. The flag is fixed for the bucket's lifetime even if the criteria
// changes afterwards.
func (a *Aggregator) paymentRequired(ctx context.Context, tx *sqlite.Store, ruleID string) (bool, error) {
	rows, err := tx.ActiveCommitCriteriaForRule(ctx, ruleID)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return rows[0].PaymentRequired, nil
}

// =============================================================================
// MASTER AUTO-CREATION
// =============================================================================

func (a *Aggregator) ensurePayer(ctx context.Context, tx *sqlite.Store, payerID string) (*config.Payer, error) {
	p, err := tx.GetPayerByExternalID(ctx, payerID)
	if err == nil {
		return p, nil
	}
	if !remit.IsNotFound(err) {
		return nil, err
	}

	p = &config.Payer{
		PayerID:     payerID,
		PayerName:   friendlyName(payerID),
		ISASenderID: remit.GenerateISASenderID(payerID),
		IsActive:    true,
		CreatedBy:   SystemActor,
	}
	if err := tx.SavePayer(ctx, p); err != nil {
		return nil, err
	}
	a.Logger.Info("payer auto-created from claim",
		zap.String("payerId", payerID),
		zap.String("isaSenderId", p.ISASenderID))
	return p, nil
}

func (a *Aggregator) ensurePayee(ctx context.Context, tx *sqlite.Store, payeeID string) (*config.Payee, error) {
	p, err := tx.GetPayeeByExternalID(ctx, payeeID)
	if err == nil {
		return p, nil
	}
	if !remit.IsNotFound(err) {
		return nil, err
	}

	p = &config.Payee{
		PayeeID:   payeeID,
		PayeeName: friendlyName(payeeID),
		IsActive:  true,
		CreatedBy: SystemActor,
	}
	if err := tx.SavePayee(ctx, p); err != nil {
		return nil, err
	}
	a.Logger.Info("payee auto-created from claim", zap.String("payeeId", payeeID))
	return p, nil
}

// friendlyName turns a canonical id into a readable display name:
// BLUE_CROSS_CA -> "Blue Cross Ca".
func friendlyName(id string) string {
	words := strings.Split(strings.ToLower(id), "_")
	out := words[:0]
	for _, w := range words {
		if w == "" {
			continue
		}
		out = append(out, strings.ToUpper(w[:1])+w[1:])
	}
	return strings.Join(out, " ")
}

// =============================================================================
// VALIDATION AND REJECTION
// =============================================================================

// validateClaim checks the claim and returns the canonical payer/payee ids.
func validateClaim(claim *remit.Claim) (payerID, payeeID string, err error) {
	if strings.TrimSpace(claim.PayerID) == "" {
		return "", "", &remit.ValidationError{Field: "payerId", Reason: "required"}
	}
	if strings.TrimSpace(claim.PayeeID) == "" {
		return "", "", &remit.ValidationError{Field: "payeeId", Reason: "required"}
	}
	if claim.PaidAmount.IsNegative() {
		return "", "", &remit.ValidationError{Field: "paidAmount", Reason: "must not be negative"}
	}

	payerID = remit.NormalizePayerPayeeID(claim.PayerID)
	payeeID = remit.NormalizePayerPayeeID(claim.PayeeID)
	if payerID == "" {
		return "", "", &remit.ValidationError{Field: "payerId", Reason: "no usable characters after canonicalisation"}
	}
	if payeeID == "" {
		return "", "", &remit.ValidationError{Field: "payeeId", Reason: "no usable characters after canonicalisation"}
	}
	return payerID, payeeID, nil
}

// recordRejection leaves a trace of a claim the pipeline could not absorb.
// Runs in its own transaction because the aggregation transaction has
// already rolled back.
func (a *Aggregator) recordRejection(ctx context.Context, claim *remit.Claim, bucketID string, cause error) {
	claim.Status = string(remit.ClaimRejected)

	err := a.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		// A bucket created inside the rolled-back transaction no longer
		// exists; only reference buckets that survived.
		logBucketID := ""
		if bucketID != "" {
			b, err := tx.GetBucket(ctx, bucketID)
			if err == nil {
				logBucketID = bucketID
				now := time.Now().UTC()
				b.LastErrorMessage = cause.Error()
				b.LastErrorAt = &now
				if err := tx.UpdateBucket(ctx, b); err != nil {
					return err
				}
			}
		}
		return tx.AppendProcessingLog(ctx, &remit.ClaimProcessingLog{
			ClaimID:      claim.ID,
			BucketID:     logBucketID,
			PayerID:      claim.PayerID,
			PayeeID:      claim.PayeeID,
			Outcome:      remit.ClaimRejected,
			Reason:       cause.Error(),
			ChargeAmount: claim.TotalChargeAmount,
			PaidAmount:   claim.PaidAmount,
		})
	})
	if err != nil {
		a.Logger.Error("failed to record claim rejection",
			zap.String("claimId", claim.ID),
			zap.Error(err))
	}
}
