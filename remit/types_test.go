package remit_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/lumera/remit-engine/remit"
)

// =============================================================================
// BUCKET STATE MACHINE TESTS
// =============================================================================

func TestBucketStatus_AllowedTransitions(t *testing.T) {
	// The full transition table. Anything not listed here is illegal.

	allowed := []struct {
		from, to remit.BucketStatus
	}{
		{remit.BucketAccumulating, remit.BucketPendingApproval},
		{remit.BucketAccumulating, remit.BucketGenerating},
		{remit.BucketAccumulating, remit.BucketMissingConfig},
		{remit.BucketPendingApproval, remit.BucketGenerating},
		{remit.BucketPendingApproval, remit.BucketFailed},
		{remit.BucketPendingApproval, remit.BucketMissingConfig},
		{remit.BucketGenerating, remit.BucketCompleted},
		{remit.BucketGenerating, remit.BucketFailed},
		{remit.BucketFailed, remit.BucketAccumulating},
		{remit.BucketMissingConfig, remit.BucketAccumulating},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}
}

func TestBucketStatus_ForbiddenTransitions(t *testing.T) {
	forbidden := []struct {
		from, to remit.BucketStatus
	}{
		{remit.BucketAccumulating, remit.BucketCompleted},
		{remit.BucketAccumulating, remit.BucketFailed},
		{remit.BucketGenerating, remit.BucketAccumulating},
		{remit.BucketGenerating, remit.BucketPendingApproval},
		{remit.BucketCompleted, remit.BucketAccumulating},
		{remit.BucketCompleted, remit.BucketGenerating},
		{remit.BucketCompleted, remit.BucketFailed},
		{remit.BucketFailed, remit.BucketGenerating},
		{remit.BucketFailed, remit.BucketCompleted},
		{remit.BucketPendingApproval, remit.BucketAccumulating},
		{remit.BucketPendingApproval, remit.BucketCompleted},
	}
	for _, tc := range forbidden {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s must be rejected", tc.from, tc.to)
	}
}

func TestBucketStatus_SelfTransitionRejected(t *testing.T) {
	all := []remit.BucketStatus{
		remit.BucketAccumulating,
		remit.BucketPendingApproval,
		remit.BucketGenerating,
		remit.BucketCompleted,
		remit.BucketFailed,
		remit.BucketMissingConfig,
	}
	for _, s := range all {
		assert.False(t, s.CanTransition(s), "%s -> %s must be rejected", s, s)
	}
}

func TestBucketStatus_CompletedIsTerminal(t *testing.T) {
	assert.True(t, remit.BucketCompleted.Terminal())
	assert.False(t, remit.BucketFailed.Terminal(), "FAILED must allow reset to ACCUMULATING")
	assert.False(t, remit.BucketMissingConfig.Terminal())
}

// =============================================================================
// CHECK LIFECYCLE TESTS
// =============================================================================

func TestCheckStatus_Lifecycle(t *testing.T) {
	assert.True(t, remit.CheckAssigned.CanTransition(remit.CheckAcknowledged))
	assert.True(t, remit.CheckAssigned.CanTransition(remit.CheckCancelled))
	assert.True(t, remit.CheckAcknowledged.CanTransition(remit.CheckIssued))
	assert.True(t, remit.CheckIssued.CanTransition(remit.CheckVoid))

	// No skipping acknowledgment, no resurrecting cancelled checks.
	assert.False(t, remit.CheckAssigned.CanTransition(remit.CheckIssued))
	assert.False(t, remit.CheckCancelled.CanTransition(remit.CheckAssigned))
	assert.False(t, remit.CheckVoid.CanTransition(remit.CheckIssued))
	assert.False(t, remit.CheckAcknowledged.CanTransition(remit.CheckCancelled))
}

func TestCheckReservation_ChecksRemaining(t *testing.T) {
	r := remit.CheckReservation{
		CheckNumberStart: "1000",
		CheckNumberEnd:   "1099",
		TotalChecks:      100,
	}
	assert.Equal(t, 100, r.ChecksRemaining())

	r.ChecksUsed = 99
	assert.Equal(t, 1, r.ChecksRemaining())

	r.ChecksUsed = 100 // exhausted
	assert.Equal(t, 0, r.ChecksRemaining())
}

// =============================================================================
// BUCKET HELPERS
// =============================================================================

func TestBucket_HasPaymentAssigned(t *testing.T) {
	b := remit.Bucket{PaymentStatus: remit.PaymentNone}
	assert.False(t, b.HasPaymentAssigned())

	b.CheckPaymentID = "chk-1"
	b.PaymentStatus = remit.PaymentAssigned
	assert.True(t, b.HasPaymentAssigned())

	b.PaymentStatus = remit.PaymentAcknowledged
	assert.True(t, b.HasPaymentAssigned())
}

func TestBucket_TotalAmountUsesExactArithmetic(t *testing.T) {
	// 0.1 + 0.2 must be exactly 0.3 in remittance totals.

	total := decimal.Zero
	total = total.Add(decimal.RequireFromString("0.1"))
	total = total.Add(decimal.RequireFromString("0.2"))
	assert.True(t, total.Equal(decimal.RequireFromString("0.3")))
}
