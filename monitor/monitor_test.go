package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lumera/remit-engine/bucket"
	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/monitor"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

func newMonitor(t *testing.T) (*monitor.Monitor, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zaptest.NewLogger(t)
	m := &monitor.Monitor{
		Store:   store,
		Manager: &bucket.Manager{Store: store, Logger: logger},
		Logger:  logger,
	}
	return m, store
}

func saveDailyTimeRule(t *testing.T, store *sqlite.Store) *config.BucketingRule {
	t.Helper()
	ctx := context.Background()
	rule := &config.BucketingRule{
		RuleName: "bcbs daily",
		RuleType: config.RulePayerPayee,
		IsActive: true,
	}
	require.NoError(t, store.SaveBucketingRule(ctx, rule))

	daily := config.DurationDaily
	require.NoError(t, store.SaveThreshold(ctx, &config.GenerationThreshold{
		ThresholdType:         config.ThresholdTime,
		LinkedBucketingRuleID: rule.ID,
		TimeDuration:          &daily,
		IsActive:              true,
	}))
	return rule
}

func insertBucket(t *testing.T, store *sqlite.Store, ruleID string, age time.Duration, mutate ...func(*remit.Bucket)) *remit.Bucket {
	t.Helper()
	b := &remit.Bucket{
		BucketingRuleID: ruleID,
		PayerID:         "BCBS",
		PayeeID:         "PHR_001",
		Status:          remit.BucketAccumulating,
		CreatedAt:       time.Now().UTC().Add(-age),
	}
	for _, m := range mutate {
		m(b)
	}
	b, created, err := store.InsertAccumulatingBucket(context.Background(), b)
	require.NoError(t, err)
	require.True(t, created)
	return b
}

func TestSweep_FiresTimeThresholdOnAgedBucket(t *testing.T) {
	m, store := newMonitor(t)
	ctx := context.Background()
	rule := saveDailyTimeRule(t, store)

	old := insertBucket(t, store, rule.ID, 25*time.Hour)
	young := insertBucket(t, store, rule.ID, time.Hour, func(b *remit.Bucket) {
		b.PayeeID = "PHR_002"
	})

	transitioned, recovered, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, transitioned)
	assert.Zero(t, recovered)

	after, err := store.GetBucket(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.BucketGenerating, after.Status, "no criteria defaults to AUTO commit")

	stillYoung, err := store.GetBucket(ctx, young.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.BucketAccumulating, stillYoung.Status)
}

func TestSweep_ParksAndRecoversMissingConfiguration(t *testing.T) {
	m, store := newMonitor(t)
	ctx := context.Background()

	// The bucket references a rule that does not exist yet.
	b := insertBucket(t, store, "rule-not-yet", time.Hour)

	_, _, err := m.Sweep(ctx)
	require.NoError(t, err)
	parked, err := store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.BucketMissingConfig, parked.Status)

	// Once the rule appears the next sweep returns the bucket to
	// ACCUMULATING.
	rule := &config.BucketingRule{ID: "rule-not-yet", RuleName: "late rule", RuleType: config.RulePayerPayee, IsActive: true}
	require.NoError(t, store.SaveBucketingRule(ctx, rule))

	_, recovered, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	after, err := store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.BucketAccumulating, after.Status)
}

func TestInspectPendingApprovals_CountsWithoutMutating(t *testing.T) {
	m, store := newMonitor(t)
	ctx := context.Background()
	rule := saveDailyTimeRule(t, store)

	b := insertBucket(t, store, rule.ID, time.Hour)
	since := time.Now().UTC().Add(-30 * time.Minute)
	b.Status = remit.BucketPendingApproval
	b.AwaitingApprovalSince = &since
	require.NoError(t, store.UpdateBucket(ctx, b))

	assert.Equal(t, 1, m.InspectPendingApprovals(ctx))

	after, err := store.GetBucket(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, remit.BucketPendingApproval, after.Status, "inspection never mutates")
}

func TestScanStaleBuckets_WarnsOnOldNonCompleted(t *testing.T) {
	m, store := newMonitor(t)
	ctx := context.Background()
	rule := saveDailyTimeRule(t, store)

	insertBucket(t, store, rule.ID, 31*24*time.Hour, func(b *remit.Bucket) {
		b.PayeeID = "PHR_OLD"
	})
	fresh := insertBucket(t, store, rule.ID, time.Hour, func(b *remit.Bucket) {
		b.PayeeID = "PHR_NEW"
	})
	_ = fresh

	assert.Equal(t, 1, m.ScanStaleBuckets(ctx))
}

func TestStartStop(t *testing.T) {
	m, store := newMonitor(t)
	ctx := context.Background()

	// A short interval proves the loop actually ticks, then stops cleanly.
	require.NoError(t, store.SetSetting(ctx, config.KeyMonitorFastIntervalMs, "10"))
	require.NoError(t, store.SetSetting(ctx, config.KeyMonitorInitialDelayMs, "0"))
	m.Settings = config.NewSettingsSource(store, time.Minute, zaptest.NewLogger(t))

	require.NoError(t, m.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	// Stopping twice is safe.
	m.Stop()
}
