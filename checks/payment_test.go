package checks_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lumera/remit-engine/checks"
	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

// fakeTrigger stands in for the bucket manager's generation hand-off.
type fakeTrigger struct {
	calls  int
	lastBy string
}

func (f *fakeTrigger) TransitionToGeneration(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, by string) error {
	f.calls++
	f.lastBy = by
	now := time.Now().UTC()
	b.Status = remit.BucketGenerating
	b.GenerationStartedAt = &now
	return tx.UpdateBucket(ctx, b)
}

type paymentEnv struct {
	store        *sqlite.Store
	settings     *config.SettingsSource
	reservations *checks.ReservationService
	payments     *checks.PaymentService
	trigger      *fakeTrigger
}

func newPaymentEnv(t *testing.T) *paymentEnv {
	t.Helper()
	store := newStore(t)
	logger := zaptest.NewLogger(t)
	settings := config.NewSettingsSource(store, time.Minute, logger)
	reservations := checks.NewReservationService(store, settings, logger)
	payments := checks.NewPaymentService(store, settings, reservations, logger)
	trigger := &fakeTrigger{}
	payments.Trigger = trigger
	return &paymentEnv{
		store:        store,
		settings:     settings,
		reservations: reservations,
		payments:     payments,
		trigger:      trigger,
	}
}

// seedBucket inserts an accumulating bucket that requires payment.
func seedBucket(t *testing.T, store *sqlite.Store, payerExternalID string) *remit.Bucket {
	t.Helper()
	b := &remit.Bucket{
		ID:              remit.NewID(),
		BucketingRuleID: remit.NewID(),
		PayerID:         payerExternalID,
		PayerName:       "Payer " + payerExternalID,
		PayeeID:         "PHR_001",
		PayeeName:       "Pharmacy One",
		Status:          remit.BucketAccumulating,
		ClaimCount:      2,
		TotalAmount:     decimal.RequireFromString("125.50"),
		PaymentRequired: true,
		PaymentStatus:   remit.PaymentNone,
	}
	inserted, _, err := store.InsertAccumulatingBucket(context.Background(), b)
	require.NoError(t, err)
	return inserted
}

// parkPendingApproval moves a seeded bucket into PENDING_APPROVAL, optionally
// with the approval already recorded.
func parkPendingApproval(t *testing.T, store *sqlite.Store, b *remit.Bucket, approved bool) {
	t.Helper()
	now := time.Now().UTC()
	b.Status = remit.BucketPendingApproval
	b.AwaitingApprovalSince = &now
	if approved {
		b.ApprovedBy = "alex"
		b.ApprovedAt = &now
	}
	require.NoError(t, store.UpdateBucket(context.Background(), b))
}

func TestAssignFromBucket_CreatesPaymentAndAudit(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	payer := savePayer(t, e.store, "BCBS")
	mustReserveRange(t, e.reservations, payer.ID, "1001", "1005")
	b := seedBucket(t, e.store, "BCBS")

	p, err := e.payments.AssignFromBucket(ctx, e.store, b, "SYSTEM_AUTO")
	require.NoError(t, err)

	assert.Equal(t, "1001", p.CheckNumber)
	assert.Equal(t, "First National", p.BankName)
	assert.Equal(t, remit.CheckAssigned, p.Status)
	assert.True(t, p.CheckAmount.Equal(b.TotalAmount))

	// The bucket was mutated in place and persisted.
	assert.Equal(t, remit.PaymentAssigned, b.PaymentStatus)
	assert.Equal(t, p.ID, b.CheckPaymentID)
	stored, err := e.store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.PaymentAssigned, stored.PaymentStatus)
	assert.Equal(t, p.ID, stored.CheckPaymentID)

	trail, err := e.payments.AuditTrail(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, remit.CheckAuditAssigned, trail[0].Action)
	assert.Equal(t, "1001", trail[0].CheckNumber)
	require.NotNil(t, trail[0].Amount)
	assert.True(t, trail[0].Amount.Equal(b.TotalAmount))

	// An unapproved accumulating bucket does not start generation.
	assert.Equal(t, 0, e.trigger.calls)
}

func TestAssignFromBucket_TriggersGenerationWhenApprovedAndWaiting(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	payer := savePayer(t, e.store, "BCBS")
	mustReserveRange(t, e.reservations, payer.ID, "1001", "1005")
	b := seedBucket(t, e.store, "BCBS")
	parkPendingApproval(t, e.store, b, true)

	_, err := e.payments.AssignFromBucket(ctx, e.store, b, "maria")
	require.NoError(t, err)

	assert.Equal(t, 1, e.trigger.calls)
	assert.Equal(t, "maria", e.trigger.lastBy)
	stored, err := e.store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.BucketGenerating, stored.Status)
}

func TestAssignFromBucket_NoInventoryLeavesBucketUntouched(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	savePayer(t, e.store, "BCBS")
	b := seedBucket(t, e.store, "BCBS")

	_, err := e.payments.AssignFromBucket(ctx, e.store, b, "SYSTEM_AUTO")
	assert.ErrorIs(t, err, remit.ErrNoChecksAvailable)

	stored, err := e.store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.PaymentNone, stored.PaymentStatus)
	_, err = e.store.GetCheckPaymentByBucket(ctx, b.ID)
	assert.ErrorIs(t, err, remit.ErrNotFound)
}

func TestAssignFromBucket_SeparateModeReleasesNumberOnFailure(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.SetSetting(ctx, config.KeyReservationSeparateTx, "true"))

	payer := savePayer(t, e.store, "BCBS")
	res := mustReserveRange(t, e.reservations, payer.ID, "1001", "1005")

	// Burn two numbers so the next draw would be 1003.
	for i := 0; i < 2; i++ {
		_, err := e.reservations.GetAndReserveNextCheck(ctx, e.store, payer.ID, "")
		require.NoError(t, err)
	}

	// GIVEN a bucket that already carries a live check, so the payment
	// insert fails after the reservation increment has committed
	b := seedBucket(t, e.store, "BCBS")
	_, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "M-100",
		PerformedBy: "maria",
	})
	require.NoError(t, err)

	_, err = e.payments.AssignFromBucket(ctx, e.store, b, "SYSTEM_AUTO")
	require.ErrorIs(t, err, remit.ErrCheckAssignment)

	// THEN the increment was compensated
	got, err := e.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChecksUsed)
	assert.Equal(t, remit.ReservationActive, got.Status)

	// AND no ASSIGNED audit for 1003 survives; the release itself is on
	// record instead
	orphaned, err := e.store.CheckAuditsForPayment(ctx, "")
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, remit.CheckAuditReleased, orphaned[0].Action)
	assert.Equal(t, "1003", orphaned[0].CheckNumber)

	// AND the next assignment draws 1003 again
	b2 := seedBucket(t, e.store, "BCBS")
	p2, err := e.payments.AssignFromBucket(ctx, e.store, b2, "SYSTEM_AUTO")
	require.NoError(t, err)
	assert.Equal(t, "1003", p2.CheckNumber)
}

func TestAssignFromBucket_JoinedModeRollsBackWithCallerTx(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()

	payer := savePayer(t, e.store, "BCBS")
	res := mustReserveRange(t, e.reservations, payer.ID, "1001", "1005")
	for i := 0; i < 2; i++ {
		_, err := e.reservations.GetAndReserveNextCheck(ctx, e.store, payer.ID, "")
		require.NoError(t, err)
	}

	b := seedBucket(t, e.store, "BCBS")
	_, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "M-100",
		PerformedBy: "maria",
	})
	require.NoError(t, err)

	// GIVEN the assignment runs inside a caller transaction
	err = e.store.WithTx(ctx, func(tx *sqlite.Store) error {
		_, err := e.payments.AssignFromBucket(ctx, tx, b, "SYSTEM_AUTO")
		return err
	})
	require.ErrorIs(t, err, remit.ErrCheckAssignment)

	// THEN the rollback undid the increment, so there is nothing to
	// compensate and nothing to record
	got, err := e.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChecksUsed)

	orphaned, err := e.store.CheckAuditsForPayment(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orphaned)
}

func TestAssignCheckManually_PreAssignsWhileAccumulating(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	savePayer(t, e.store, "BCBS")
	b := seedBucket(t, e.store, "BCBS")

	p, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "55001",
		BankName:    "First National",
		PerformedBy: "maria",
	})
	require.NoError(t, err)
	assert.Equal(t, "55001", p.CheckNumber)
	assert.Empty(t, p.ReservationID)
	assert.True(t, p.CheckAmount.Equal(b.TotalAmount))

	stored, err := e.store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.PaymentAssigned, stored.PaymentStatus)
	assert.Equal(t, 0, e.trigger.calls)

	trail, err := e.payments.AuditTrail(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "manually assigned", trail[0].Notes)

	// A second manual assignment has to go through replace.
	_, err = e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "55002",
		PerformedBy: "maria",
	})
	assert.ErrorIs(t, err, remit.ErrCheckAssignment)
}

func TestAssignCheckManually_Validation(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()

	_, err := e.payments.AssignCheckManually(ctx, "some-bucket", checks.ManualCheck{PerformedBy: "maria"})
	assert.ErrorIs(t, err, remit.ErrValidation)

	_, err = e.payments.AssignCheckManually(ctx, "some-bucket", checks.ManualCheck{CheckNumber: "1"})
	assert.ErrorIs(t, err, remit.ErrValidation)

	_, err = e.payments.AssignCheckManually(ctx, "missing-bucket", checks.ManualCheck{
		CheckNumber: "55001",
		PerformedBy: "maria",
	})
	assert.ErrorIs(t, err, remit.ErrNotFound)
}

func TestAssignCheckManually_TriggersGenerationForApprovedBucket(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	savePayer(t, e.store, "BCBS")
	b := seedBucket(t, e.store, "BCBS")
	parkPendingApproval(t, e.store, b, true)

	_, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "55001",
		PerformedBy: "maria",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, e.trigger.calls)
	stored, err := e.store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.BucketGenerating, stored.Status)
}

func TestAssignCheckManually_RejectsFinishedBucket(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	savePayer(t, e.store, "BCBS")
	b := seedBucket(t, e.store, "BCBS")
	b.Status = remit.BucketCompleted
	require.NoError(t, e.store.UpdateBucket(ctx, b))

	_, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "55001",
		PerformedBy: "maria",
	})
	assert.ErrorIs(t, err, remit.ErrCheckAssignment)
}

func TestReplaceCheck_SwapsNumberInPlace(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	savePayer(t, e.store, "BCBS")
	b := seedBucket(t, e.store, "BCBS")
	parkPendingApproval(t, e.store, b, false)

	original, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "77001",
		PerformedBy: "maria",
	})
	require.NoError(t, err)

	replaced, err := e.payments.ReplaceCheck(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "77002",
		PerformedBy: "maria",
	})
	require.NoError(t, err)

	// Same payment row, new number.
	assert.Equal(t, original.ID, replaced.ID)
	assert.Equal(t, "77002", replaced.CheckNumber)
	assert.Equal(t, remit.CheckAssigned, replaced.Status)

	trail, err := e.payments.AuditTrail(ctx, original.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, remit.CheckAuditAssigned, trail[0].Action)
	assert.Equal(t, "77001", trail[0].CheckNumber)
	assert.Equal(t, remit.CheckAuditVoid, trail[1].Action)
	assert.Equal(t, "77001", trail[1].CheckNumber)
	assert.Contains(t, trail[1].Notes, "77002")
	assert.Equal(t, remit.CheckAuditReplaced, trail[2].Action)
	assert.Equal(t, "77002", trail[2].CheckNumber)
}

func TestReplaceCheck_RequiresPendingApprovalWithAssignedCheck(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	savePayer(t, e.store, "BCBS")

	// Accumulating bucket with a check: wrong bucket state.
	b1 := seedBucket(t, e.store, "BCBS")
	_, err := e.payments.AssignCheckManually(ctx, b1.ID, checks.ManualCheck{
		CheckNumber: "77001",
		PerformedBy: "maria",
	})
	require.NoError(t, err)
	_, err = e.payments.ReplaceCheck(ctx, b1.ID, checks.ManualCheck{
		CheckNumber: "77002",
		PerformedBy: "maria",
	})
	assert.ErrorIs(t, err, remit.ErrCheckAssignment)

	// Pending bucket without a check: nothing to replace.
	b2 := seedBucket(t, e.store, "BCBS")
	parkPendingApproval(t, e.store, b2, false)
	_, err = e.payments.ReplaceCheck(ctx, b2.ID, checks.ManualCheck{
		CheckNumber: "77003",
		PerformedBy: "maria",
	})
	assert.ErrorIs(t, err, remit.ErrCheckAssignment)
}

func TestCheckLifecycle_AcknowledgeIssueVoid(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	savePayer(t, e.store, "BCBS")
	b := seedBucket(t, e.store, "BCBS")
	parkPendingApproval(t, e.store, b, false)

	p, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "88001",
		PerformedBy: "maria",
	})
	require.NoError(t, err)

	require.NoError(t, e.payments.AcknowledgeCheck(ctx, p.ID, "sam"))
	stored, err := e.store.GetCheckPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.CheckAcknowledged, stored.Status)
	assert.Equal(t, "sam", stored.AcknowledgedBy)
	require.NotNil(t, stored.AcknowledgedAt)
	bucket, err := e.store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.PaymentAcknowledged, bucket.PaymentStatus)

	require.NoError(t, e.payments.MarkCheckIssued(ctx, p.ID, "sam"))
	bucket, err = e.store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.PaymentIssued, bucket.PaymentStatus)

	require.NoError(t, e.payments.VoidCheck(ctx, p.ID, "sam", "printer jam"))
	stored, err = e.store.GetCheckPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.CheckVoid, stored.Status)
	assert.Equal(t, "printer jam", stored.VoidReason)

	// The void frees the bucket for a fresh assignment.
	bucket, err = e.store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.PaymentNone, bucket.PaymentStatus)
	assert.False(t, bucket.HasPaymentAssigned())

	trail, err := e.payments.AuditTrail(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	assert.Equal(t, remit.CheckAuditAssigned, trail[0].Action)
	assert.Equal(t, remit.CheckAuditAcknowledged, trail[1].Action)
	assert.Equal(t, remit.CheckAuditIssued, trail[2].Action)
	assert.Equal(t, remit.CheckAuditVoid, trail[3].Action)

	replacement, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "88002",
		PerformedBy: "maria",
	})
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, replacement.ID)
	live, err := e.store.GetCheckPaymentByBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "88002", live.CheckNumber)
}

func TestCheckLifecycle_GuardsOrder(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	savePayer(t, e.store, "BCBS")
	b := seedBucket(t, e.store, "BCBS")
	parkPendingApproval(t, e.store, b, false)

	p, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "88001",
		PerformedBy: "maria",
	})
	require.NoError(t, err)

	// Issue before acknowledge, void before issue.
	assert.ErrorIs(t, e.payments.MarkCheckIssued(ctx, p.ID, "sam"), remit.ErrInvalidState)
	assert.ErrorIs(t, e.payments.VoidCheck(ctx, p.ID, "sam", "reason"), remit.ErrInvalidState)

	require.NoError(t, e.payments.AcknowledgeCheck(ctx, p.ID, "sam"))
	assert.ErrorIs(t, e.payments.AcknowledgeCheck(ctx, p.ID, "sam"), remit.ErrInvalidState)
}

func TestVoidCheck_EnforcesTimeWindow(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	savePayer(t, e.store, "BCBS")
	b := seedBucket(t, e.store, "BCBS")
	parkPendingApproval(t, e.store, b, false)

	p, err := e.payments.AssignCheckManually(ctx, b.ID, checks.ManualCheck{
		CheckNumber: "88001",
		PerformedBy: "maria",
	})
	require.NoError(t, err)
	require.NoError(t, e.payments.AcknowledgeCheck(ctx, p.ID, "sam"))
	require.NoError(t, e.payments.MarkCheckIssued(ctx, p.ID, "sam"))

	// Push the issue timestamp outside the default 24h window.
	stored, err := e.store.GetCheckPayment(ctx, p.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-25 * time.Hour)
	stored.IssuedAt = &past
	require.NoError(t, e.store.UpdateCheckPayment(ctx, stored))

	err = e.payments.VoidCheck(ctx, p.ID, "sam", "too late")
	assert.ErrorIs(t, err, remit.ErrValidation)
	assert.Contains(t, err.Error(), "void window")

	// A missing reason is rejected before any lookup.
	err = e.payments.VoidCheck(ctx, p.ID, "sam", "  ")
	assert.ErrorIs(t, err, remit.ErrValidation)
}

func TestCancelCheckAssignment_FreesBucketWithoutReturningNumber(t *testing.T) {
	e := newPaymentEnv(t)
	ctx := context.Background()
	payer := savePayer(t, e.store, "BCBS")
	res := mustReserveRange(t, e.reservations, payer.ID, "1001", "1005")
	b := seedBucket(t, e.store, "BCBS")

	p, err := e.payments.AssignFromBucket(ctx, e.store, b, "SYSTEM_AUTO")
	require.NoError(t, err)

	require.NoError(t, e.payments.CancelCheckAssignment(ctx, p.ID, "maria", "bucket rejected"))

	stored, err := e.store.GetCheckPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.CheckCancelled, stored.Status)

	bucket, err := e.store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.PaymentNone, bucket.PaymentStatus)
	assert.Empty(t, bucket.CheckPaymentID)

	// The number stays consumed; 1002 is next, not 1001.
	got, err := e.store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ChecksUsed)
	info, err := e.reservations.GetAndReserveNextCheck(ctx, e.store, payer.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "1002", info.CheckNumber)

	// Acknowledging a cancelled check is refused.
	assert.ErrorIs(t, e.payments.AcknowledgeCheck(ctx, p.ID, "sam"), remit.ErrInvalidState)
}
