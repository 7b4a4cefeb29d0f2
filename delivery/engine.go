/*
Package delivery moves generated 835 files to the payers' SFTP endpoints.

PURPOSE:
  Every generated file starts life as a PENDING FileGenerationHistory row.
  The engine uploads the bytes to the payer's configured SFTP drop, with
  bounded retries and exponential backoff, and records the outcome on the
  row. A cron sweeper (scheduler.go) picks up pending work; a second cron
  re-runs failed deliveries that still have retry budget.

RETRY MODEL:
  Up to maxRetries attempts per DeliverFile call, waiting 5s, 10s, 20s...
  between attempts. Each attempt increments the persisted retryCount before
  connecting, so a crash mid-attempt is visible. After the last attempt the
  row is FAILED with the error truncated to 1000 characters.

IDEMPOTENCY:
  Delivering an already-DELIVERED file is a no-op; the schedulers and the
  manual trigger can overlap safely.

SESSIONS:
  SFTP access goes through the SessionFactory interface; production uses
  the ssh+sftp implementation in sftp.go, tests use a fake. A session
  opened for an attempt is closed on every exit path.
*/
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/secrets"
	"github.com/lumera/remit-engine/store/sqlite"
)

// DeliveredBySystem is recorded on automatic deliveries.
const DeliveredBySystem = "SYSTEM_AUTO"

const maxErrorMessageLen = 1000

// Target is one payer's SFTP endpoint, password already decrypted.
type Target struct {
	Host     string
	Port     int
	Username string
	Password string
	Path     string
}

// Session is one open SFTP connection. Upload writes the full content to the
// remote path. Close must be called on every exit path.
type Session interface {
	Upload(remotePath string, content []byte) error
	Close() error
}

// SessionFactory opens sessions; one per delivery attempt.
type SessionFactory interface {
	Connect(ctx context.Context, target Target) (Session, error)
}

type Engine struct {
	Store    *sqlite.Store
	Settings *config.SettingsSource
	Cipher   secrets.Cipher
	Sessions SessionFactory
	Logger   *zap.Logger

	// BaseDelay is the wait before the second attempt; it doubles per
	// attempt. Zero means the production default of 5s. Tests shrink it.
	BaseDelay time.Duration
}

// =============================================================================
// DELIVERY
// =============================================================================

// DeliverFile uploads one file to its payer's SFTP endpoint. No-op when the
// file is already DELIVERED. Missing SFTP configuration fails the row
// immediately; transient upload errors burn through the retry budget first.
func (e *Engine) DeliverFile(ctx context.Context, fileID string) error {
	f, err := e.Store.GetFileHistory(ctx, fileID)
	if err != nil {
		return err
	}
	if f.DeliveryStatus == remit.DeliveryDelivered {
		e.Logger.Debug("file already delivered", zap.String("fileId", fileID))
		return nil
	}

	target, err := e.resolveTarget(ctx, f)
	if err != nil {
		e.recordFailure(ctx, f, err)
		return err
	}

	maxRetries := e.settings(ctx).DeliveryMaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	remotePath := strings.TrimRight(target.Path, "/") + "/" + f.GeneratedFileName

	err = retry.Do(
		func() error { return e.attempt(ctx, f, target, remotePath) },
		retry.Context(ctx),
		retry.Attempts(uint(maxRetries)),
		retry.Delay(e.baseDelay()),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		e.recordFailure(ctx, f, err)
		return fmt.Errorf("delivery of file %s failed after %d attempts: %w", f.ID, f.RetryCount, err)
	}

	now := time.Now().UTC()
	f.DeliveryStatus = remit.DeliveryDelivered
	f.DeliveredAt = &now
	f.DeliveredBy = DeliveredBySystem
	f.ErrorMessage = ""
	if err := e.Store.UpdateFileDelivery(ctx, f); err != nil {
		return err
	}
	e.Logger.Info("file delivered",
		zap.String("fileId", f.ID),
		zap.String("fileName", f.GeneratedFileName),
		zap.String("remotePath", remotePath),
		zap.Int("attempts", f.RetryCount))
	return nil
}

// attempt runs one upload. The retryCount increment is persisted before
// connecting so every attempt leaves a trace even if the process dies.
func (e *Engine) attempt(ctx context.Context, f *remit.FileGenerationHistory, target Target, remotePath string) error {
	f.RetryCount++
	f.DeliveryStatus = remit.DeliveryRetry
	if err := e.Store.UpdateFileDelivery(ctx, f); err != nil {
		return retry.Unrecoverable(err)
	}

	session, err := e.Sessions.Connect(ctx, target)
	if err != nil {
		e.Logger.Warn("sftp connect failed",
			zap.String("fileId", f.ID),
			zap.Int("attempt", f.RetryCount),
			zap.Error(err))
		return err
	}
	defer session.Close()

	if err := session.Upload(remotePath, f.FileContent); err != nil {
		e.Logger.Warn("sftp upload failed",
			zap.String("fileId", f.ID),
			zap.Int("attempt", f.RetryCount),
			zap.Error(err))
		return err
	}
	return nil
}

// resolveTarget finds the payer behind the file's bucket and checks its SFTP
// configuration.
func (e *Engine) resolveTarget(ctx context.Context, f *remit.FileGenerationHistory) (Target, error) {
	b, err := e.Store.GetBucket(ctx, f.BucketID)
	if err != nil {
		return Target{}, err
	}
	payer, err := e.Store.GetPayerByExternalID(ctx, b.PayerID)
	if err != nil {
		if remit.IsNotFound(err) {
			return Target{}, fmt.Errorf("no SFTP configuration: payer %s not found", b.PayerID)
		}
		return Target{}, err
	}
	if !payer.HasSFTPConfig() {
		return Target{}, fmt.Errorf("no SFTP configuration for payer %s", b.PayerID)
	}

	password := payer.SFTPPassword
	if e.Cipher != nil && password != "" {
		password, err = e.Cipher.Decrypt(payer.SFTPPassword)
		if err != nil {
			return Target{}, fmt.Errorf("failed to decrypt SFTP password for payer %s: %w", b.PayerID, err)
		}
	}
	return Target{
		Host:     payer.SFTPHost,
		Port:     payer.SFTPPort,
		Username: payer.SFTPUsername,
		Password: password,
		Path:     payer.SFTPPath,
	}, nil
}

func (e *Engine) recordFailure(ctx context.Context, f *remit.FileGenerationHistory, cause error) {
	msg := cause.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	f.DeliveryStatus = remit.DeliveryFailed
	f.ErrorMessage = msg
	if err := e.Store.UpdateFileDelivery(ctx, f); err != nil {
		e.Logger.Error("failed to record delivery failure",
			zap.String("fileId", f.ID),
			zap.Error(err))
		return
	}
	e.Logger.Error("delivery failed",
		zap.String("fileId", f.ID),
		zap.String("fileName", f.GeneratedFileName),
		zap.Int("retryCount", f.RetryCount),
		zap.String("error", msg))
}

// =============================================================================
// MANUAL OPERATIONS
// =============================================================================

// MarkAsDelivered is the operator override for files delivered out of band.
func (e *Engine) MarkAsDelivered(ctx context.Context, fileID, by string) error {
	if strings.TrimSpace(by) == "" {
		return &remit.ValidationError{Field: "by", Reason: "required"}
	}
	f, err := e.Store.GetFileHistory(ctx, fileID)
	if err != nil {
		return err
	}
	if f.DeliveryStatus == remit.DeliveryDelivered {
		return &remit.InvalidStateError{
			Entity:    "file",
			ID:        fileID,
			Current:   string(f.DeliveryStatus),
			Attempted: string(remit.DeliveryDelivered),
		}
	}
	now := time.Now().UTC()
	f.DeliveryStatus = remit.DeliveryDelivered
	f.DeliveredAt = &now
	f.DeliveredBy = by + " (manual)"
	f.ErrorMessage = ""
	if err := e.Store.UpdateFileDelivery(ctx, f); err != nil {
		return err
	}
	e.Logger.Info("file marked delivered manually",
		zap.String("fileId", fileID),
		zap.String("by", by))
	return nil
}

// ValidateSFTPConfig reports which of the required SFTP fields a payer is
// missing, as a validation error naming the first gap.
func (e *Engine) ValidateSFTPConfig(ctx context.Context, payerID string) error {
	payer, err := e.Store.GetPayerByExternalID(ctx, payerID)
	if err != nil {
		return err
	}
	switch {
	case payer.SFTPHost == "":
		return &remit.ValidationError{Field: "sftpHost", Reason: "required"}
	case payer.SFTPPort <= 0:
		return &remit.ValidationError{Field: "sftpPort", Reason: "must be positive"}
	case payer.SFTPUsername == "":
		return &remit.ValidationError{Field: "sftpUsername", Reason: "required"}
	case payer.SFTPPath == "":
		return &remit.ValidationError{Field: "sftpPath", Reason: "required"}
	}
	return nil
}

func (e *Engine) baseDelay() time.Duration {
	if e.BaseDelay > 0 {
		return e.BaseDelay
	}
	return 5 * time.Second
}

func (e *Engine) settings(ctx context.Context) config.Settings {
	if e.Settings == nil {
		return config.DefaultSettings()
	}
	return e.Settings.Current(ctx)
}
