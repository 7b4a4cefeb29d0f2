package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newBucket(ruleID, payerID, payeeID string) *remit.Bucket {
	return &remit.Bucket{
		ID:              remit.NewID(),
		BucketingRuleID: ruleID,
		PayerID:         payerID,
		PayerName:       payerID + " Inc",
		PayeeID:         payeeID,
		PayeeName:       payeeID + " Pharmacy",
		Status:          remit.BucketAccumulating,
		TotalAmount:     decimal.Zero,
		PaymentStatus:   remit.PaymentNone,
	}
}

// =============================================================================
// TRANSACTIONS AND EVENTS
// =============================================================================

func TestWithTx_RollbackDiscardsWritesAndEvents(t *testing.T) {
	// GIVEN: a transaction that inserts a bucket and queues an event
	// WHEN: the callback fails
	// THEN: neither the row nor the event survives

	store := newTestStore(t)
	bus := remit.NewBus(zaptest.NewLogger(t))
	store.SetEventBus(bus)

	var events []remit.BucketStatusChanged
	bus.Subscribe("recorder", func(ev remit.BucketStatusChanged) { events = append(events, ev) })

	ctx := context.Background()
	b := newBucket("rule-1", "BCBS", "PHR_001")

	err := store.WithTx(ctx, func(tx *sqlite.Store) error {
		if _, _, err := tx.InsertAccumulatingBucket(ctx, b); err != nil {
			return err
		}
		tx.PublishAfterCommit(remit.BucketStatusChanged{BucketID: b.ID})
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, err = store.GetBucket(ctx, b.ID)
	assert.ErrorIs(t, err, remit.ErrNotFound, "insert must roll back")

	bus.Close()
	assert.Empty(t, events, "queued events must be dropped on rollback")
}

func TestWithTx_CommitFlushesEventsInOrder(t *testing.T) {
	store := newTestStore(t)
	bus := remit.NewBus(zaptest.NewLogger(t))
	store.SetEventBus(bus)

	var events []remit.BucketStatusChanged
	bus.Subscribe("recorder", func(ev remit.BucketStatusChanged) { events = append(events, ev) })

	ctx := context.Background()
	err := store.WithTx(ctx, func(tx *sqlite.Store) error {
		tx.PublishAfterCommit(remit.BucketStatusChanged{BucketID: "first"})
		tx.PublishAfterCommit(remit.BucketStatusChanged{BucketID: "second"})
		return nil
	})
	require.NoError(t, err)

	bus.Close()
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].BucketID)
	assert.Equal(t, "second", events[1].BucketID)
}

func TestWithTx_NestedCallsJoin(t *testing.T) {
	// An inner WithTx must share the outer transaction: when the outer
	// callback fails after the inner completed, the inner writes roll
	// back too.

	store := newTestStore(t)
	ctx := context.Background()
	b := newBucket("rule-1", "BCBS", "PHR_001")

	err := store.WithTx(ctx, func(tx *sqlite.Store) error {
		inner := tx.WithTx(ctx, func(tx2 *sqlite.Store) error {
			_, _, err := tx2.InsertAccumulatingBucket(ctx, b)
			return err
		})
		require.NoError(t, inner)
		return fmt.Errorf("outer failure")
	})
	require.Error(t, err)

	_, err = store.GetBucket(ctx, b.ID)
	assert.ErrorIs(t, err, remit.ErrNotFound)
}

// =============================================================================
// BUCKET UNIQUENESS
// =============================================================================

func TestInsertAccumulatingBucket_AdoptsExistingOnConflict(t *testing.T) {
	// GIVEN: an ACCUMULATING bucket for (rule, payer, payee)
	// WHEN: a second creator inserts the same key
	// THEN: the existing bucket is returned, no duplicate row

	store := newTestStore(t)
	ctx := context.Background()

	first := newBucket("rule-1", "BCBS", "PHR_001")
	got, created, err := store.InsertAccumulatingBucket(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, got.ID)

	second := newBucket("rule-1", "BCBS", "PHR_001")
	got, created, err = store.InsertAccumulatingBucket(ctx, second)
	require.NoError(t, err)
	assert.False(t, created, "conflict must adopt, not create")
	assert.Equal(t, first.ID, got.ID)
}

func TestInsertAccumulatingBucket_DistinctBinsCoexist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := newBucket("rule-1", "BCBS", "PHR_001")
	a.BinNumber = "004336"
	b := newBucket("rule-1", "BCBS", "PHR_001")
	b.BinNumber = "610011"

	_, created, err := store.InsertAccumulatingBucket(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = store.InsertAccumulatingBucket(ctx, b)
	require.NoError(t, err)
	assert.True(t, created, "different BIN is a different grouping key")
}

func TestInsertAccumulatingBucket_CompletedKeyCanBeReused(t *testing.T) {
	// The unique index is partial: once a bucket leaves ACCUMULATING its
	// key is free for a fresh bucket.

	store := newTestStore(t)
	ctx := context.Background()

	first := newBucket("rule-1", "BCBS", "PHR_001")
	_, _, err := store.InsertAccumulatingBucket(ctx, first)
	require.NoError(t, err)

	first.Status = remit.BucketGenerating
	require.NoError(t, store.UpdateBucket(ctx, first))

	second := newBucket("rule-1", "BCBS", "PHR_001")
	_, created, err := store.InsertAccumulatingBucket(ctx, second)
	require.NoError(t, err)
	assert.True(t, created)
}

// =============================================================================
// ACCUMULATION
// =============================================================================

func TestAccumulateClaim_AddsCountAndAmount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := newBucket("rule-1", "BCBS", "PHR_001")
	_, _, err := store.InsertAccumulatingBucket(ctx, b)
	require.NoError(t, err)

	updated, err := store.AccumulateClaim(ctx, b.ID, decimal.RequireFromString("10.50"))
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ClaimCount)
	assert.True(t, updated.TotalAmount.Equal(decimal.RequireFromString("10.50")))

	updated, err = store.AccumulateClaim(ctx, b.ID, decimal.RequireFromString("0.25"))
	require.NoError(t, err)
	assert.Equal(t, 2, updated.ClaimCount)
	assert.True(t, updated.TotalAmount.Equal(decimal.RequireFromString("10.75")))

	// Persisted state matches the returned value.
	loaded, err := store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.ClaimCount)
	assert.True(t, loaded.TotalAmount.Equal(decimal.RequireFromString("10.75")))
}

func TestAccumulateClaim_RejectsNonAccumulatingBucket(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := newBucket("rule-1", "BCBS", "PHR_001")
	_, _, err := store.InsertAccumulatingBucket(ctx, b)
	require.NoError(t, err)

	b.Status = remit.BucketGenerating
	require.NoError(t, store.UpdateBucket(ctx, b))

	_, err = store.AccumulateClaim(ctx, b.ID, decimal.New(1, 0))
	assert.ErrorIs(t, err, remit.ErrInvalidState)
}

// =============================================================================
// CONFIG TABLES
// =============================================================================

func TestSaveCommitCriteria_SecondActiveRowRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &config.CommitCriteria{
		LinkedBucketingRuleID: "rule-1",
		CommitMode:            config.CommitAuto,
		IsActive:              true,
	}
	require.NoError(t, store.SaveCommitCriteria(ctx, first))

	second := &config.CommitCriteria{
		LinkedBucketingRuleID: "rule-1",
		CommitMode:            config.CommitManual,
		ApprovalRoles:         []string{"APPROVER"},
		IsActive:              true,
	}
	err := store.SaveCommitCriteria(ctx, second)
	assert.ErrorIs(t, err, remit.ErrValidation)

	// An inactive second row is allowed.
	second.IsActive = false
	second.ID = ""
	assert.NoError(t, store.SaveCommitCriteria(ctx, second))
}

func TestSaveTemplate_SingleDefaultEnforced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &config.FileNamingTemplate{
		TemplateName:    "standard",
		TemplatePattern: "{payerId}_{date}",
		IsDefault:       true,
		IsActive:        true,
	}
	require.NoError(t, store.SaveTemplate(ctx, first))

	second := &config.FileNamingTemplate{
		TemplateName:    "alternate",
		TemplatePattern: "{payeeId}_{date}",
		IsDefault:       true,
		IsActive:        true,
	}
	err := store.SaveTemplate(ctx, second)
	assert.ErrorIs(t, err, remit.ErrValidation)
}

func TestTemplateForRule_FallsBackToDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No templates at all: resolution yields nil without error.
	tpl, err := store.TemplateForRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Nil(t, tpl)

	def := &config.FileNamingTemplate{
		TemplateName:    "standard",
		TemplatePattern: "{payerId}_{date}",
		IsDefault:       true,
		IsActive:        true,
	}
	require.NoError(t, store.SaveTemplate(ctx, def))

	tpl, err = store.TemplateForRule(ctx, "rule-1")
	require.NoError(t, err)
	require.NotNil(t, tpl)
	assert.Equal(t, "standard", tpl.TemplateName)

	linked := &config.FileNamingTemplate{
		TemplateName:          "rule-specific",
		TemplatePattern:       "{payeeId}_{date}",
		LinkedBucketingRuleID: "rule-1",
		IsActive:              true,
	}
	require.NoError(t, store.SaveTemplate(ctx, linked))

	tpl, err = store.TemplateForRule(ctx, "rule-1")
	require.NoError(t, err)
	require.NotNil(t, tpl)
	assert.Equal(t, "rule-specific", tpl.TemplateName, "rule-linked template wins over default")
}

func TestActiveBucketingRules_OrderedByPriorityThenName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	save := func(name string, priority int) {
		require.NoError(t, store.SaveBucketingRule(ctx, &config.BucketingRule{
			RuleName: name,
			RuleType: config.RulePayerPayee,
			Priority: priority,
			IsActive: true,
		}))
	}
	save("beta", 10)
	save("alpha", 10)
	save("gamma", 20)
	require.NoError(t, store.SaveBucketingRule(ctx, &config.BucketingRule{
		RuleName: "inactive", RuleType: config.RulePayerPayee, Priority: 99, IsActive: false,
	}))

	rules, err := store.ActiveBucketingRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "gamma", rules[0].RuleName)
	assert.Equal(t, "alpha", rules[1].RuleName)
	assert.Equal(t, "beta", rules[2].RuleName)
}

func TestSettings_Roundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSetting(ctx, config.KeyDeliveryMaxRetries, "5"))
	require.NoError(t, store.SetSetting(ctx, config.KeyDeliveryMaxRetries, "7")) // overwrite

	raw, err := store.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", raw[config.KeyDeliveryMaxRetries])

	s, warnings := config.ParseSettings(raw)
	assert.Empty(t, warnings)
	assert.Equal(t, 7, s.DeliveryMaxRetries)
}

// =============================================================================
// COUNTERS
// =============================================================================

func TestNextControlNumber_MonotonicFromOne(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := store.NextControlNumber(ctx, "isa835")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Independent counters do not interfere.
	got, err := store.NextControlNumber(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestNamingSequence_Roundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetNamingSequence(ctx, "tpl-1", "BCBS")
	assert.ErrorIs(t, err, remit.ErrNotFound)

	seq := &config.FileNamingSequence{
		TemplateID:      "tpl-1",
		PayerID:         "BCBS",
		CurrentSequence: 1,
		ResetFrequency:  config.ResetDaily,
		LastResetAt:     time.Now().UTC(),
	}
	require.NoError(t, store.PutNamingSequence(ctx, seq))

	loaded, err := store.GetNamingSequence(ctx, "tpl-1", "BCBS")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentSequence)
	assert.Equal(t, config.ResetDaily, loaded.ResetFrequency)

	seq.CurrentSequence = 2
	require.NoError(t, store.PutNamingSequence(ctx, seq))
	loaded, err = store.GetNamingSequence(ctx, "tpl-1", "BCBS")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CurrentSequence)
}

// =============================================================================
// FILE HISTORY
// =============================================================================

func TestFileHistory_InsertAndDeliveryUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := &remit.FileGenerationHistory{
		ID:                remit.NewID(),
		BucketID:          "bucket-1",
		GeneratedFileName: "BCBS_PHR_001_20260824_000001.835",
		FileContent:       []byte("ISA*00*..."),
		FileSize:          10,
		ClaimCount:        3,
		TotalAmount:       decimal.RequireFromString("30.00"),
		GeneratedBy:       "SYSTEM",
		DeliveryStatus:    remit.DeliveryPending,
	}
	require.NoError(t, store.InsertFileHistory(ctx, f))

	// Duplicate file names violate the unique index.
	dup := *f
	dup.ID = remit.NewID()
	assert.ErrorIs(t, store.InsertFileHistory(ctx, &dup), remit.ErrValidation)

	pending, err := store.ListDeliveries(ctx, []remit.DeliveryStatus{remit.DeliveryPending}, -1, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, f.GeneratedFileName, pending[0].GeneratedFileName)
	assert.Equal(t, []byte("ISA*00*..."), pending[0].FileContent)

	now := time.Now().UTC()
	f.DeliveryStatus = remit.DeliveryDelivered
	f.DeliveredAt = &now
	f.DeliveredBy = "scheduler"
	f.RetryCount = 1
	require.NoError(t, store.UpdateFileDelivery(ctx, f))

	loaded, err := store.GetFileHistory(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.DeliveryDelivered, loaded.DeliveryStatus)
	assert.Equal(t, "scheduler", loaded.DeliveredBy)
	assert.Equal(t, 1, loaded.RetryCount)
	require.NotNil(t, loaded.DeliveredAt)
}

func TestListDeliveries_RetryFilterExcludesExhausted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mk := func(name string, status remit.DeliveryStatus, retries int) {
		require.NoError(t, store.InsertFileHistory(ctx, &remit.FileGenerationHistory{
			ID:                remit.NewID(),
			BucketID:          "b",
			GeneratedFileName: name,
			FileContent:       []byte("x"),
			FileSize:          1,
			TotalAmount:       decimal.Zero,
			DeliveryStatus:    status,
			RetryCount:        retries,
		}))
	}
	mk("a.835", remit.DeliveryFailed, 1)
	mk("b.835", remit.DeliveryFailed, 3)
	mk("c.835", remit.DeliveryRetry, 2)

	retryable, err := store.ListDeliveries(ctx,
		[]remit.DeliveryStatus{remit.DeliveryFailed, remit.DeliveryRetry}, 3, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 2, "retry_count >= maxRetries is exhausted")
}

// =============================================================================
// RESERVATIONS AND PAYMENTS
// =============================================================================

func TestOldestActiveReservation_SkipsExhaustedAndCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mk := func(start, end string, total, used int, status remit.ReservationStatus, createdAt time.Time) {
		require.NoError(t, store.InsertReservation(ctx, &remit.CheckReservation{
			ID:               remit.NewID(),
			PayerID:          "payer-uuid-1",
			CheckNumberStart: start,
			CheckNumberEnd:   end,
			TotalChecks:      total,
			ChecksUsed:       used,
			Status:           status,
			BankName:         "First National",
			CreatedAt:        createdAt,
		}))
	}
	base := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	mk("1001", "1005", 5, 5, remit.ReservationExhausted, base)
	mk("2001", "2005", 5, 0, remit.ReservationCancelled, base.Add(time.Hour))
	mk("3001", "3005", 5, 2, remit.ReservationActive, base.Add(2*time.Hour))
	mk("4001", "4005", 5, 0, remit.ReservationActive, base.Add(3*time.Hour))

	r, err := store.OldestActiveReservation(ctx, "payer-uuid-1")
	require.NoError(t, err)
	assert.Equal(t, "3001", r.CheckNumberStart, "oldest usable reservation wins")

	_, err = store.OldestActiveReservation(ctx, "payer-uuid-2")
	assert.ErrorIs(t, err, remit.ErrNoChecksAvailable)
}

func TestInsertCheckPayment_UniquePerBucketAndNumber(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &remit.CheckPayment{
		ID:          remit.NewID(),
		BucketID:    "bucket-1",
		CheckNumber: "1003",
		CheckAmount: decimal.RequireFromString("600.00"),
		CheckDate:   time.Now().UTC(),
		Status:      remit.CheckAssigned,
		AssignedBy:  "ops",
		AssignedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.InsertCheckPayment(ctx, p))

	sameBucket := *p
	sameBucket.ID = remit.NewID()
	sameBucket.CheckNumber = "1004"
	assert.ErrorIs(t, store.InsertCheckPayment(ctx, &sameBucket), remit.ErrCheckAssignment)

	sameNumber := *p
	sameNumber.ID = remit.NewID()
	sameNumber.BucketID = "bucket-2"
	assert.ErrorIs(t, store.InsertCheckPayment(ctx, &sameNumber), remit.ErrCheckAssignment)
}
