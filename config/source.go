package config

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// SETTINGS SOURCE - runtime settings with periodic refresh
// =============================================================================

// SettingsSource hands out the current operational Settings. Values live in
// the settings table and can change at runtime; the source re-reads them at
// most once per TTL and keeps the last good snapshot when a reload fails.
type SettingsSource struct {
	store  Store
	logger *zap.Logger
	ttl    time.Duration

	mu       sync.Mutex
	snapshot Settings
	loadedAt time.Time
}

func NewSettingsSource(store Store, ttl time.Duration, logger *zap.Logger) *SettingsSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsSource{
		store:    store,
		logger:   logger.Named("settings"),
		ttl:      ttl,
		snapshot: DefaultSettings(),
	}
}

// Current returns the active settings snapshot, refreshing it when stale.
func (s *SettingsSource) Current(ctx context.Context) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loadedAt.IsZero() && time.Since(s.loadedAt) < s.ttl {
		return s.snapshot
	}

	raw, err := s.store.Settings(ctx)
	if err != nil {
		s.logger.Warn("settings reload failed, keeping previous values", zap.Error(err))
		s.loadedAt = time.Now() // back off until the next TTL window
		return s.snapshot
	}

	parsed, warnings := ParseSettings(raw)
	for _, w := range warnings {
		s.logger.Warn("invalid setting ignored", zap.String("detail", w))
	}
	s.snapshot = parsed
	s.loadedAt = time.Now()
	return s.snapshot
}

// Invalidate forces the next Current call to re-read the store.
func (s *SettingsSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedAt = time.Time{}
}
