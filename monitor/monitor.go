/*
Package monitor drives the time-dependent parts of the bucket lifecycle.

PURPOSE:
  Claims trigger threshold evaluation inline, but TIME thresholds fire on
  calendar progression alone, MISSING_CONFIGURATION buckets recover only
  when someone re-checks their rule, and humans forget buckets waiting for
  approval. The monitor schedules all of that:

  - Fast loop (ticker, default every 5 minutes after a 60s start delay):
    evaluates thresholds for every ACCUMULATING bucket and returns
    MISSING_CONFIGURATION buckets whose rule came back.
  - Time-based cron (default daily 02:00): the same sweep, anchoring the
    thresholds that can only fire overnight.
  - Pending-approval cron (default hourly): logs every PENDING_APPROVAL
    bucket with its waiting time. Inspection only, no mutation.
  - Stale cron (default daily 03:00): warns about buckets older than
    staleDays. Alert-only; operators decide what to do.

SINGLE-FLIGHT:
  The fast loop runs on its own goroutine and never overlaps itself; cron
  entries are wrapped in SkipIfStillRunning.
*/
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lumera/remit-engine/bucket"
	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

type Monitor struct {
	Store    *sqlite.Store
	Manager  *bucket.Manager
	Settings *config.SettingsSource
	Logger   *zap.Logger

	cron   *cron.Cron
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// Start launches the fast loop and registers the cron activities.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil
	}

	settings := m.settings(ctx)
	cronLogger := cron.PrintfLogger(zap.NewStdLog(m.Logger.Named("cron")))
	m.cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := m.cron.AddFunc(settings.MonitorTimeBasedCron, func() {
		m.runSweep(context.Background(), "time-based")
	}); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(settings.MonitorPendingCron, func() {
		m.InspectPendingApprovals(context.Background())
	}); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(settings.MonitorCleanupCron, func() {
		m.ScanStaleBuckets(context.Background())
	}); err != nil {
		return err
	}
	m.cron.Start()

	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.fastLoop(settings.MonitorInitialDelay, settings.MonitorFastInterval)

	m.active = true
	m.Logger.Info("threshold monitor started",
		zap.Duration("fastInterval", settings.MonitorFastInterval),
		zap.Duration("initialDelay", settings.MonitorInitialDelay))
	return nil
}

// Stop halts the fast loop and the cron, waiting for in-flight sweeps.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	close(m.stop)
	m.wg.Wait()
	<-m.cron.Stop().Done()
	m.active = false
	m.Logger.Info("threshold monitor stopped")
}

func (m *Monitor) fastLoop(initialDelay, interval time.Duration) {
	defer m.wg.Done()

	select {
	case <-time.After(initialDelay):
	case <-m.stop:
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.runSweep(context.Background(), "fast")
		select {
		case <-ticker.C:
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) runSweep(ctx context.Context, kind string) {
	transitioned, recovered, err := m.Sweep(ctx)
	if err != nil {
		m.Logger.Warn("monitor sweep finished with errors",
			zap.String("sweep", kind),
			zap.Int("transitioned", transitioned),
			zap.Error(err))
		return
	}
	if transitioned > 0 || recovered > 0 {
		m.Logger.Info("monitor sweep finished",
			zap.String("sweep", kind),
			zap.Int("transitioned", transitioned),
			zap.Int("recovered", recovered))
	}
}

// =============================================================================
// ACTIVITIES
// =============================================================================

// Sweep evaluates every ACCUMULATING bucket and recovers parked
// MISSING_CONFIGURATION buckets. Per-bucket failures do not stop the sweep;
// the first error is returned for the run log.
func (m *Monitor) Sweep(ctx context.Context) (transitioned, recovered int, firstErr error) {
	accumulating, err := m.Store.ListBucketsByStatus(ctx, remit.BucketAccumulating, 0)
	if err != nil {
		return 0, 0, err
	}
	for i := range accumulating {
		id := accumulating[i].ID
		if err := m.Manager.EvaluateBucket(ctx, id); err != nil {
			m.Logger.Warn("threshold evaluation failed",
				zap.String("bucketId", id),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		after, err := m.Store.GetBucket(ctx, id)
		if err == nil && after.Status != remit.BucketAccumulating {
			transitioned++
		}
	}

	parked, err := m.Store.ListBucketsByStatus(ctx, remit.BucketMissingConfig, 0)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return transitioned, recovered, firstErr
	}
	for i := range parked {
		moved, err := m.Manager.ResolveMissingConfiguration(ctx, parked[i].ID)
		if err != nil {
			m.Logger.Warn("missing-configuration recovery failed",
				zap.String("bucketId", parked[i].ID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if moved {
			recovered++
		}
	}
	return transitioned, recovered, firstErr
}

// InspectPendingApprovals logs each waiting bucket and how long it has been
// waiting. Returns the count for the ops surface.
func (m *Monitor) InspectPendingApprovals(ctx context.Context) int {
	pending, err := m.Store.ListBucketsByStatus(ctx, remit.BucketPendingApproval, 0)
	if err != nil {
		m.Logger.Warn("pending-approval inspection failed", zap.Error(err))
		return 0
	}
	now := time.Now().UTC()
	for i := range pending {
		b := &pending[i]
		waiting := now.Sub(b.CreatedAt)
		if b.AwaitingApprovalSince != nil {
			waiting = now.Sub(*b.AwaitingApprovalSince)
		}
		m.Logger.Info("bucket awaiting approval",
			zap.String("bucketId", b.ID),
			zap.String("payerId", b.PayerID),
			zap.String("payeeId", b.PayeeID),
			zap.Int("claimCount", b.ClaimCount),
			zap.String("totalAmount", b.TotalAmount.StringFixed(2)),
			zap.Duration("waiting", waiting))
	}
	return len(pending)
}

// ScanStaleBuckets warns about buckets older than staleDays. Alert-only.
func (m *Monitor) ScanStaleBuckets(ctx context.Context) int {
	staleDays := m.settings(ctx).MonitorStaleDays
	if staleDays <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -staleDays)
	stale, err := m.Store.ListStaleBuckets(ctx, cutoff)
	if err != nil {
		m.Logger.Warn("stale-bucket scan failed", zap.Error(err))
		return 0
	}
	for i := range stale {
		b := &stale[i]
		m.Logger.Warn("stale bucket",
			zap.String("bucketId", b.ID),
			zap.String("status", string(b.Status)),
			zap.Time("createdAt", b.CreatedAt),
			zap.Int("ageDays", int(time.Since(b.CreatedAt).Hours()/24)))
	}
	return len(stale)
}

func (m *Monitor) settings(ctx context.Context) config.Settings {
	if m.Settings == nil {
		return config.DefaultSettings()
	}
	return m.Settings.Current(ctx)
}
