/*
scheduler.go - Cron-driven delivery sweeps

Two schedules, both single-flight (a tick that finds the previous one still
running skips instead of stacking):
  - the pending sweep (default every 5 minutes) delivers PENDING files,
    up to batchSize per run;
  - the retry sweep (default hourly) re-runs FAILED files that still have
    retry budget, when auto-retry is enabled.

Per-file failures never abort a sweep; they are aggregated into one run log
line.
*/
package delivery

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
)

type Scheduler struct {
	Engine   *Engine
	Settings *config.SettingsSource
	Logger   *zap.Logger

	cron *cron.Cron
}

// Start registers the cron entries and launches the scheduler. Cron specs
// come from the settings table (Quartz-style six-field expressions).
func (s *Scheduler) Start(ctx context.Context) error {
	settings := s.settings(ctx)
	if !settings.DeliveryEnabled {
		s.Logger.Info("delivery scheduler disabled by configuration")
		return nil
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(s.Logger.Named("cron")))
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
	)

	if _, err := s.cron.AddFunc(settings.DeliveryCron, func() {
		s.runSweep(context.Background(), "pending")
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(settings.DeliveryRetryCron, func() {
		s.runSweep(context.Background(), "retry")
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.Logger.Info("delivery scheduler started",
		zap.String("sweepCron", settings.DeliveryCron),
		zap.String("retryCron", settings.DeliveryRetryCron))
	return nil
}

// Stop halts the cron and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.Logger.Info("delivery scheduler stopped")
}

func (s *Scheduler) runSweep(ctx context.Context, kind string) {
	var delivered, failed int
	var err error
	switch kind {
	case "pending":
		delivered, failed, err = s.SweepPending(ctx)
	case "retry":
		delivered, failed, err = s.SweepFailed(ctx)
	}
	if err != nil {
		s.Logger.Warn("delivery sweep finished with errors",
			zap.String("sweep", kind),
			zap.Int("delivered", delivered),
			zap.Int("failed", failed),
			zap.Error(err))
		return
	}
	if delivered > 0 || failed > 0 {
		s.Logger.Info("delivery sweep finished",
			zap.String("sweep", kind),
			zap.Int("delivered", delivered),
			zap.Int("failed", failed))
	}
}

// SweepPending delivers up to batchSize PENDING files, oldest first. Also
// the body of the manual "deliver now" trigger.
func (s *Scheduler) SweepPending(ctx context.Context) (delivered, failed int, err error) {
	settings := s.settings(ctx)
	files, listErr := s.Engine.Store.ListDeliveries(ctx,
		[]remit.DeliveryStatus{remit.DeliveryPending}, -1, settings.DeliveryBatchSize)
	if listErr != nil {
		return 0, 0, listErr
	}
	return s.deliverAll(ctx, files)
}

// SweepFailed re-runs FAILED deliveries that have not exhausted maxRetries.
func (s *Scheduler) SweepFailed(ctx context.Context) (delivered, failed int, err error) {
	settings := s.settings(ctx)
	if !settings.DeliveryAutoRetry {
		return 0, 0, nil
	}
	files, listErr := s.Engine.Store.ListDeliveries(ctx,
		[]remit.DeliveryStatus{remit.DeliveryFailed},
		settings.DeliveryMaxRetries, settings.DeliveryBatchSize)
	if listErr != nil {
		return 0, 0, listErr
	}
	return s.deliverAll(ctx, files)
}

func (s *Scheduler) deliverAll(ctx context.Context, files []remit.FileGenerationHistory) (delivered, failed int, err error) {
	for i := range files {
		if deliverErr := s.Engine.DeliverFile(ctx, files[i].ID); deliverErr != nil {
			failed++
			err = multierr.Append(err, deliverErr)
			continue
		}
		delivered++
	}
	return delivered, failed, err
}

func (s *Scheduler) settings(ctx context.Context) config.Settings {
	if s.Settings == nil {
		return config.DefaultSettings()
	}
	return s.Settings.Current(ctx)
}
