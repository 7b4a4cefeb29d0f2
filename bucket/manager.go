/*
Package bucket turns incoming pharmacy claims into remittance buckets and
drives each bucket through its lifecycle.

STATE MACHINE:

	ACCUMULATING -> PENDING_APPROVAL -> GENERATING -> COMPLETED
	     |                 |                |
	     +-> GENERATING    +-> FAILED       +-> FAILED -> ACCUMULATING (reset)
	     +-> MISSING_CONFIGURATION -> ACCUMULATING

The Manager owns every transition. Other components never set a bucket
status directly; they go through the Manager so that transition legality,
payment readiness and event publication are enforced in one place.
Re-entering a state is rejected with InvalidState: state setters are
idempotence guards, not upserts.

TRANSACTIONS:
  Methods that take a *sqlite.Store operate on whatever store they are
  handed. Inside an aggregation or approval flow that is the tx-bound store,
  so threshold evaluation and any resulting transition commit with the claim
  or approval that caused them. Events queue through PublishAfterCommit and
  reach subscribers only if the transaction commits.

SEE ALSO:
  - aggregator.go: claim intake, bucket find-or-create, accumulation
  - approval.go: the human side of PENDING_APPROVAL
  - criteria.go: AUTO / MANUAL / HYBRID commit decision
*/
package bucket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

// SystemActor is recorded as the acting user on automatic transitions.
const SystemActor = "SYSTEM_AUTO"

// CheckAssigner reserves a check number and attaches the payment to the
// bucket, all on the given store. The implementation mutates b in place
// (paymentStatus, checkPaymentId) so callers see the assignment without a
// reload. Implemented by checks.PaymentService and injected after
// construction, the two services form a call cycle.
type CheckAssigner interface {
	AssignFromBucket(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, assignedBy string) (*remit.CheckPayment, error)
}

type Manager struct {
	Store    *sqlite.Store
	Settings *config.SettingsSource
	Checks   CheckAssigner // set after construction
	Logger   *zap.Logger
}

// =============================================================================
// THRESHOLD EVALUATION
// =============================================================================

// EvaluateBucketThresholds checks whether the bucket should leave
// ACCUMULATING. Buckets in any other state are left alone. When the bucket's
// rule has been deleted or deactivated the bucket parks in
// MISSING_CONFIGURATION until the monitor sees the rule return.
//
// The first satisfied threshold wins, in persistence order. The rule's commit
// criteria then picks the exit: AUTO commits straight to GENERATING, MANUAL
// waits for a human, HYBRID asks RequiresApproval.
func (m *Manager) EvaluateBucketThresholds(ctx context.Context, tx *sqlite.Store, b *remit.Bucket) error {
	if b.Status != remit.BucketAccumulating {
		return nil
	}

	rule, err := tx.GetBucketingRule(ctx, b.BucketingRuleID)
	if remit.IsNotFound(err) || (err == nil && !rule.IsActive) {
		m.Logger.Warn("bucketing rule missing or inactive, parking bucket",
			zap.String("bucketId", b.ID),
			zap.String("ruleId", b.BucketingRuleID))
		return m.MarkMissingConfiguration(ctx, tx, b)
	}
	if err != nil {
		return err
	}

	thresholds, err := tx.ActiveThresholdsForRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	fired := firstSatisfied(thresholds, b, time.Now().UTC())
	if fired == nil {
		return nil
	}
	m.Logger.Info("generation threshold satisfied",
		zap.String("bucketId", b.ID),
		zap.String("thresholdType", string(fired.ThresholdType)),
		zap.Int("claimCount", b.ClaimCount),
		zap.String("totalAmount", b.TotalAmount.StringFixed(2)))

	criteria, err := m.activeCriteria(ctx, tx, rule.ID)
	if err != nil {
		return err
	}

	switch {
	case criteria == nil:
		m.Logger.Warn("no active commit criteria for rule, committing as AUTO",
			zap.String("bucketId", b.ID),
			zap.String("ruleId", rule.ID))
		return m.HandleAutoCommitWithPayment(ctx, tx, b, fired)
	case criteria.CommitMode == config.CommitManual:
		return m.MarkPendingApproval(ctx, tx, b)
	case criteria.CommitMode == config.CommitHybrid && RequiresApproval(b, criteria, m.Logger):
		return m.MarkPendingApproval(ctx, tx, b)
	default:
		return m.HandleAutoCommitWithPayment(ctx, tx, b, fired)
	}
}

// EvaluateBucket runs threshold evaluation for one bucket in its own
// transaction. Entry point for the monitor loops.
func (m *Manager) EvaluateBucket(ctx context.Context, bucketID string) error {
	return m.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		return m.EvaluateBucketThresholds(ctx, tx, b)
	})
}

// activeCriteria returns the rule's single active commit criteria. The schema
// enforces at most one active row per rule; a legacy store that slipped more
// in still works, first row wins with a warning.
func (m *Manager) activeCriteria(ctx context.Context, tx *sqlite.Store, ruleID string) (*config.CommitCriteria, error) {
	rows, err := tx.ActiveCommitCriteriaForRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows) > 1 {
		m.Logger.Warn("multiple active commit criteria for rule, using the oldest",
			zap.String("ruleId", ruleID),
			zap.Int("count", len(rows)))
	}
	return &rows[0], nil
}

func firstSatisfied(thresholds []config.GenerationThreshold, b *remit.Bucket, now time.Time) *config.GenerationThreshold {
	for i := range thresholds {
		if thresholdSatisfied(&thresholds[i], b, now) {
			return &thresholds[i]
		}
	}
	return nil
}

func thresholdSatisfied(t *config.GenerationThreshold, b *remit.Bucket, now time.Time) bool {
	countMet := t.MaxClaims != nil && b.ClaimCount >= *t.MaxClaims
	amountMet := t.MaxAmount != nil && b.TotalAmount.GreaterThanOrEqual(*t.MaxAmount)
	ageMet := t.TimeDuration != nil && now.Sub(b.CreatedAt) >= time.Duration(t.TimeDuration.Hours())*time.Hour

	switch t.ThresholdType {
	case config.ThresholdClaimCount:
		return countMet
	case config.ThresholdAmount:
		return amountMet
	case config.ThresholdTime:
		return ageMet
	case config.ThresholdHybrid:
		return countMet || amountMet || ageMet
	}
	return false
}

// =============================================================================
// AUTO COMMIT
// =============================================================================

// HandleAutoCommitWithPayment moves a bucket whose threshold fired under an
// AUTO (or HYBRID-below-thresholds) criteria towards GENERATING.
//
// When the bucket needs a payment that is not yet assigned, the threshold's
// workflow config decides: SEPARATE + AUTO reserves a check through the
// payment service and generation proceeds atomically with the assignment.
// Anything else parks the bucket in PENDING_APPROVAL to wait for a manual
// check, accumulated claims stay committed.
func (m *Manager) HandleAutoCommitWithPayment(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, fired *config.GenerationThreshold) error {
	if !b.PaymentRequired || b.HasPaymentAssigned() {
		return m.TransitionToGeneration(ctx, tx, b, SystemActor)
	}

	err := m.autoAssign(ctx, tx, b, fired, SystemActor)
	if err == nil {
		return m.TransitionToGeneration(ctx, tx, b, SystemActor)
	}
	if remit.IsPaymentRequired(err) || remit.IsNoChecksAvailable(err) {
		m.Logger.Warn("auto commit needs a manual check assignment",
			zap.String("bucketId", b.ID),
			zap.Error(err))
		if b.Status == remit.BucketAccumulating {
			return m.MarkPendingApproval(ctx, tx, b)
		}
		return nil
	}
	return err
}

// autoAssign attaches a check through the SEPARATE+AUTO workflow of the fired
// threshold. Returns PaymentRequired when no such workflow applies; any other
// error is a genuine assignment failure. When fired is nil (approval path,
// where the original trigger is not recorded) the satisfied threshold is
// re-derived from current bucket state.
func (m *Manager) autoAssign(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, fired *config.GenerationThreshold, by string) error {
	if m.Checks == nil {
		return &remit.PaymentRequiredError{BucketID: b.ID, Reason: "no check assignment service configured"}
	}
	if fired == nil {
		thresholds, err := tx.ActiveThresholdsForRule(ctx, b.BucketingRuleID)
		if err != nil {
			return err
		}
		fired = firstSatisfied(thresholds, b, time.Now().UTC())
		if fired == nil {
			return &remit.PaymentRequiredError{BucketID: b.ID, Reason: "no satisfied threshold to derive a payment workflow from"}
		}
	}

	wf, err := tx.ActiveWorkflowForThreshold(ctx, fired.ID)
	if remit.IsNotFound(err) {
		return &remit.PaymentRequiredError{BucketID: b.ID, Reason: "no payment workflow configured for threshold"}
	}
	if err != nil {
		return err
	}
	if wf.Mode != config.WorkflowSeparate || wf.Assignment != config.AssignmentAuto {
		return &remit.PaymentRequiredError{
			BucketID: b.ID,
			Reason:   fmt.Sprintf("workflow %s/%s requires manual check assignment", wf.Mode, wf.Assignment),
		}
	}

	_, err = m.Checks.AssignFromBucket(ctx, tx, b, by)
	return err
}

// =============================================================================
// GENERATION GATE
// =============================================================================

// TransitionToGeneration advances the bucket to GENERATING after the payment
// readiness gate. The EDI generator picks the bucket up from the status
// change event once the surrounding transaction commits.
func (m *Manager) TransitionToGeneration(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, by string) error {
	if err := m.validatePaymentReadiness(ctx, tx, b); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := m.setStatus(ctx, tx, b, remit.BucketGenerating, func(b *remit.Bucket) {
		b.GenerationStartedAt = &now
	}); err != nil {
		return err
	}
	m.Logger.Info("generation triggered",
		zap.String("bucketId", b.ID),
		zap.String("triggeredBy", by))
	return nil
}

func (m *Manager) validatePaymentReadiness(ctx context.Context, tx *sqlite.Store, b *remit.Bucket) error {
	if !b.PaymentRequired {
		return nil
	}
	if !b.HasPaymentAssigned() {
		return &remit.PaymentRequiredError{BucketID: b.ID, Reason: "payment required but no check assigned"}
	}
	if m.settings(ctx).CheckRequireAckBeforeEDI {
		p, err := tx.GetCheckPaymentByBucket(ctx, b.ID)
		if err != nil {
			return err
		}
		if p.Status == remit.CheckAssigned {
			return &remit.PaymentRequiredError{
				BucketID: b.ID,
				Reason:   "check " + p.CheckNumber + " must be acknowledged before generation",
			}
		}
	}
	return nil
}

func (m *Manager) settings(ctx context.Context) config.Settings {
	if m.Settings == nil {
		return config.DefaultSettings()
	}
	return m.Settings.Current(ctx)
}

// =============================================================================
// STATE SETTERS
// =============================================================================

func (m *Manager) MarkCompleted(ctx context.Context, tx *sqlite.Store, b *remit.Bucket) error {
	now := time.Now().UTC()
	return m.setStatus(ctx, tx, b, remit.BucketCompleted, func(b *remit.Bucket) {
		b.GenerationCompletedAt = &now
	})
}

func (m *Manager) MarkFailed(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, errorMessage string) error {
	now := time.Now().UTC()
	return m.setStatus(ctx, tx, b, remit.BucketFailed, func(b *remit.Bucket) {
		b.LastErrorMessage = errorMessage
		b.LastErrorAt = &now
	})
}

func (m *Manager) MarkMissingConfiguration(ctx context.Context, tx *sqlite.Store, b *remit.Bucket) error {
	return m.setStatus(ctx, tx, b, remit.BucketMissingConfig, nil)
}

func (m *Manager) MarkPendingApproval(ctx context.Context, tx *sqlite.Store, b *remit.Bucket) error {
	now := time.Now().UTC()
	return m.setStatus(ctx, tx, b, remit.BucketPendingApproval, func(b *remit.Bucket) {
		b.AwaitingApprovalSince = &now
	})
}

// ReturnToAccumulating reopens a FAILED (approval reset) or
// MISSING_CONFIGURATION (rule restored) bucket for claims.
func (m *Manager) ReturnToAccumulating(ctx context.Context, tx *sqlite.Store, b *remit.Bucket) error {
	return m.setStatus(ctx, tx, b, remit.BucketAccumulating, func(b *remit.Bucket) {
		b.AwaitingApprovalSince = nil
	})
}

// ResolveMissingConfiguration returns a parked bucket to ACCUMULATING when
// its rule is active again. Reports whether the bucket moved.
func (m *Manager) ResolveMissingConfiguration(ctx context.Context, bucketID string) (bool, error) {
	resolved := false
	err := m.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.Status != remit.BucketMissingConfig {
			return nil
		}
		rule, err := tx.GetBucketingRule(ctx, b.BucketingRuleID)
		if remit.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !rule.IsActive {
			return nil
		}
		if err := m.ReturnToAccumulating(ctx, tx, b); err != nil {
			return err
		}
		resolved = true
		return nil
	})
	return resolved, err
}

func (m *Manager) setStatus(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, next remit.BucketStatus, mutate func(*remit.Bucket)) error {
	if !b.Status.CanTransition(next) {
		return &remit.InvalidStateError{
			Entity:    "bucket",
			ID:        b.ID,
			Current:   string(b.Status),
			Attempted: string(next),
		}
	}
	prev := b.Status
	b.Status = next
	if mutate != nil {
		mutate(b)
	}
	if err := tx.UpdateBucket(ctx, b); err != nil {
		return err
	}
	tx.PublishAfterCommit(remit.BucketStatusChanged{
		BucketID: b.ID,
		From:     prev,
		To:       next,
		At:       time.Now().UTC(),
	})
	m.Logger.Info("bucket status changed",
		zap.String("bucketId", b.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
	return nil
}
