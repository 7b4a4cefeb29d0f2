/*
Package sqlite provides the SQLite-backed implementation of the pipeline's
storage interfaces.

PURPOSE:
  Single backing store for every entity the pipeline owns: buckets and their
  processing logs, check reservations and payments, file generation history,
  naming sequences, control numbers, and the configuration tables
  (config.Store). In production the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

TRANSACTIONS:
  WithTx runs a callback against a tx-bound shadow *Store. Every mutating
  sequence in the pipeline (claim aggregation, approval, check assignment,
  generation bookkeeping) runs inside WithTx so that it commits or rolls back
  as a unit. Nested WithTx calls join the enclosing transaction.

  IMPORTANT: inside a WithTx callback, always use the *Store passed to the
  callback. Calling methods on the root store from inside a callback blocks
  on the write mutex.

EVENTS:
  PublishAfterCommit queues a bucket-transition event on the tx-bound store;
  queued events reach the bus only after a successful commit, so subscribers
  never observe state that later rolled back. On the root store (no
  transaction) it publishes immediately.

CONCURRENCY:
  SQLite is a single-writer store. The write mutex held for the duration of
  each root WithTx plays the role row locks play on PostgreSQL: concurrent
  mutators of the same bucket serialise, and read-modify-write inside a
  transaction is safe. Readers outside transactions take the read lock only.

KEY INDEXES:
  - idx_buckets_accumulating_key: at most one ACCUMULATING bucket per
    (rule, payer, payee, bin, pcn)
  - check_payments.bucket_id / .check_number UNIQUE: one check per bucket,
    check numbers never reused
  - idx_commit_criteria_active_rule: one active criteria row per rule;
    legacy multi-row data fails the migration and must be repaired
  - idx_templates_single_default: at most one default naming template
  - file_generation_history.generated_file_name UNIQUE

WAL MODE:
  Opened with WAL (Write-Ahead Logging): readers don't block on the writer,
  better crash recovery.

USAGE:
  store, err := sqlite.New("./data/remit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - buckets.go / claims.go / checks.go / files.go: entity operations
  - masters.go: config.Store implementation
  - remit/events.go: the bus PublishAfterCommit flushes into
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/lumera/remit-engine/remit"
)

// Store implements the storage interfaces using SQLite. The zero value is
// not usable; construct with New. Stores returned to WithTx callbacks are
// bound to the transaction and must not outlive it.
type Store struct {
	db *sql.DB
	tx *sql.Tx
	mu sync.RWMutex

	bus *remit.Bus

	// pending holds events queued during the enclosing transaction. Only
	// set on tx-bound stores.
	pending []remit.BucketStatusChanged
}

// New creates a SQLite store at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.tx != nil {
		return fmt.Errorf("close called on a transaction-bound store")
	}
	return s.db.Close()
}

// SetEventBus attaches the bus that receives committed bucket transitions.
// Call once during wiring, before any WithTx work begins.
func (s *Store) SetEventBus(bus *remit.Bus) {
	s.bus = bus
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// rlock takes the read lock on the root store and is a no-op on tx-bound
// stores (the root WithTx already holds the write lock).
func (s *Store) rlock() func() {
	if s.tx != nil {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// wlock is rlock's writer counterpart for single-statement root writes.
func (s *Store) wlock() func() {
	if s.tx != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTx reports whether this store handle is bound to an open transaction.
// Services that can run a sub-step in its own transaction use this to decide
// whether a compensation path is needed.
func (s *Store) InTx() bool {
	return s.tx != nil
}

// WithTx runs fn inside a transaction. fn receives a tx-bound *Store; when
// fn is already running inside a transaction the call joins it. On commit,
// events queued via PublishAfterCommit are flushed to the bus, in order.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	shadow := &Store{tx: tx, bus: s.bus}
	if err := fn(shadow); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.bus != nil {
		for _, ev := range shadow.pending {
			s.bus.Publish(ev)
		}
	}
	return nil
}

// PublishAfterCommit queues ev until the enclosing transaction commits.
// Outside a transaction it publishes immediately.
func (s *Store) PublishAfterCommit(ev remit.BucketStatusChanged) {
	if s.tx != nil {
		s.pending = append(s.pending, ev)
		return
	}
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Store) migrate() error {
	schema := `
	-- Payers (master records; SFTP endpoint for delivery)
	CREATE TABLE IF NOT EXISTS payers (
		id TEXT PRIMARY KEY,
		payer_id TEXT NOT NULL UNIQUE,
		payer_name TEXT NOT NULL,
		isa_sender_id TEXT NOT NULL DEFAULT '',
		address_line1 TEXT NOT NULL DEFAULT '',
		address_line2 TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		zip_code TEXT NOT NULL DEFAULT '',
		sftp_host TEXT NOT NULL DEFAULT '',
		sftp_port INTEGER NOT NULL DEFAULT 0,
		sftp_username TEXT NOT NULL DEFAULT '',
		sftp_password TEXT NOT NULL DEFAULT '',
		sftp_path TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Payees (receiving pharmacies / provider groups)
	CREATE TABLE IF NOT EXISTS payees (
		id TEXT PRIMARY KEY,
		payee_id TEXT NOT NULL UNIQUE,
		payee_name TEXT NOT NULL,
		npi TEXT NOT NULL DEFAULT '',
		address_line1 TEXT NOT NULL DEFAULT '',
		address_line2 TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		zip_code TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Bucketing rules
	CREATE TABLE IF NOT EXISTS bucketing_rules (
		id TEXT PRIMARY KEY,
		rule_name TEXT NOT NULL UNIQUE,
		rule_type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		grouping_expression TEXT NOT NULL DEFAULT '',
		linked_payer_id TEXT NOT NULL DEFAULT '',
		linked_payee_id TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_active_priority
		ON bucketing_rules(is_active, priority DESC, rule_name ASC);

	-- Generation thresholds
	CREATE TABLE IF NOT EXISTS generation_thresholds (
		id TEXT PRIMARY KEY,
		threshold_type TEXT NOT NULL,
		linked_rule_id TEXT NOT NULL,
		max_claims INTEGER,
		max_amount TEXT,
		time_duration TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_thresholds_rule
		ON generation_thresholds(linked_rule_id, is_active);

	-- Commit criteria. One active row per rule: the partial unique index
	-- turns legacy multi-row data into a migration failure.
	CREATE TABLE IF NOT EXISTS commit_criteria (
		id TEXT PRIMARY KEY,
		linked_rule_id TEXT NOT NULL,
		commit_mode TEXT NOT NULL,
		approval_claim_count_threshold INTEGER,
		approval_amount_threshold TEXT,
		approval_roles TEXT NOT NULL DEFAULT '',
		payment_required BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_commit_criteria_active_rule
		ON commit_criteria(linked_rule_id) WHERE is_active;

	-- Workflow configs (payment attachment during auto-commit)
	CREATE TABLE IF NOT EXISTS workflow_configs (
		id TEXT PRIMARY KEY,
		linked_threshold_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		assignment TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_threshold
		ON workflow_configs(linked_threshold_id, is_active);

	-- File naming templates
	CREATE TABLE IF NOT EXISTS file_naming_templates (
		id TEXT PRIMARY KEY,
		template_name TEXT NOT NULL,
		template_pattern TEXT NOT NULL,
		case_conversion TEXT NOT NULL DEFAULT 'NONE',
		sequence_reset_frequency TEXT NOT NULL DEFAULT 'NEVER',
		linked_rule_id TEXT NOT NULL DEFAULT '',
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_single_default
		ON file_naming_templates(is_default) WHERE is_default;

	-- Per-(template, payer) naming sequence counters
	CREATE TABLE IF NOT EXISTS file_naming_sequences (
		template_id TEXT NOT NULL,
		payer_id TEXT NOT NULL DEFAULT '',
		current_sequence INTEGER NOT NULL DEFAULT 0,
		reset_frequency TEXT NOT NULL DEFAULT 'NEVER',
		last_reset_at TEXT NOT NULL,
		PRIMARY KEY (template_id, payer_id)
	);

	-- Buckets
	CREATE TABLE IF NOT EXISTS buckets (
		id TEXT PRIMARY KEY,
		bucketing_rule_id TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payer_name TEXT NOT NULL DEFAULT '',
		payee_id TEXT NOT NULL,
		payee_name TEXT NOT NULL DEFAULT '',
		bin_number TEXT NOT NULL DEFAULT '',
		pcn_number TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		claim_count INTEGER NOT NULL DEFAULT 0,
		total_amount TEXT NOT NULL DEFAULT '0',
		payment_required BOOLEAN NOT NULL DEFAULT FALSE,
		payment_status TEXT NOT NULL DEFAULT 'NONE',
		check_payment_id TEXT,
		file_naming_template_id TEXT,
		approved_by TEXT,
		approved_at TEXT,
		awaiting_approval_since TEXT,
		generation_started_at TEXT,
		generation_completed_at TEXT,
		last_error_message TEXT,
		last_error_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one ACCUMULATING bucket per grouping key. Racing
	-- creators insert, catch the conflict, and adopt the winner.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_buckets_accumulating_key
		ON buckets(bucketing_rule_id, payer_id, payee_id, bin_number, pcn_number)
		WHERE status = 'ACCUMULATING';

	CREATE INDEX IF NOT EXISTS idx_buckets_status
		ON buckets(status);
	CREATE INDEX IF NOT EXISTS idx_buckets_payer
		ON buckets(payer_id);

	-- Per-claim processing audit (append-only)
	CREATE TABLE IF NOT EXISTS claim_processing_logs (
		id TEXT PRIMARY KEY,
		claim_id TEXT NOT NULL,
		bucket_id TEXT,
		payer_id TEXT NOT NULL DEFAULT '',
		payee_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		charge_amount TEXT,
		paid_amount TEXT,
		processed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_processing_logs_bucket
		ON claim_processing_logs(bucket_id, outcome);
	CREATE INDEX IF NOT EXISTS idx_processing_logs_claim
		ON claim_processing_logs(claim_id);

	-- Approval audit (append-only)
	CREATE TABLE IF NOT EXISTS approval_logs (
		id TEXT PRIMARY KEY,
		bucket_id TEXT NOT NULL,
		action TEXT NOT NULL,
		performed_by TEXT NOT NULL,
		comments TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approval_logs_bucket
		ON approval_logs(bucket_id);

	-- Check reservations (pre-allocated check number ranges)
	CREATE TABLE IF NOT EXISTS check_reservations (
		id TEXT PRIMARY KEY,
		payer_id TEXT NOT NULL,
		check_number_start TEXT NOT NULL,
		check_number_end TEXT NOT NULL,
		total_checks INTEGER NOT NULL,
		checks_used INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		bank_name TEXT NOT NULL DEFAULT '',
		routing_number TEXT NOT NULL DEFAULT '',
		account_number_last4 TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_payer
		ON check_reservations(payer_id, status, created_at);

	-- Check payments (one per bucket, lifecycle audited)
	CREATE TABLE IF NOT EXISTS check_payments (
		id TEXT PRIMARY KEY,
		bucket_id TEXT NOT NULL,
		reservation_id TEXT,
		check_number TEXT NOT NULL UNIQUE,
		check_amount TEXT NOT NULL,
		check_date TEXT NOT NULL,
		bank_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ASSIGNED',
		assigned_by TEXT NOT NULL DEFAULT '',
		assigned_at TEXT NOT NULL,
		acknowledged_by TEXT,
		acknowledged_at TEXT,
		issued_by TEXT,
		issued_at TEXT,
		void_reason TEXT,
		voided_by TEXT,
		voided_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One live check per bucket; VOID and CANCELLED rows stay for the audit
	-- trail and free the bucket for a fresh assignment.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_check_payments_live_bucket
		ON check_payments(bucket_id)
		WHERE status NOT IN ('VOID', 'CANCELLED');

	-- Check audit trail (append-only)
	CREATE TABLE IF NOT EXISTS check_audit_logs (
		id TEXT PRIMARY KEY,
		check_payment_id TEXT NOT NULL,
		action TEXT NOT NULL,
		check_number TEXT NOT NULL DEFAULT '',
		amount TEXT,
		performed_by TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_check_audit_payment
		ON check_audit_logs(check_payment_id);

	-- Generated 835 files and their delivery state
	CREATE TABLE IF NOT EXISTS file_generation_history (
		id TEXT PRIMARY KEY,
		bucket_id TEXT NOT NULL,
		generated_file_name TEXT NOT NULL UNIQUE,
		file_content BLOB NOT NULL,
		file_size INTEGER NOT NULL,
		claim_count INTEGER NOT NULL,
		total_amount TEXT NOT NULL,
		generated_by TEXT NOT NULL DEFAULT '',
		generated_at TEXT NOT NULL,
		delivery_status TEXT NOT NULL DEFAULT 'PENDING',
		delivered_at TEXT,
		delivered_by TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_file_history_bucket
		ON file_generation_history(bucket_id);
	CREATE INDEX IF NOT EXISTS idx_file_history_delivery
		ON file_generation_history(delivery_status, retry_count);

	-- Key/value settings (see config.ParseSettings)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Named monotonic counters (ISA interchange control numbers)
	CREATE TABLE IF NOT EXISTS control_numbers (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decimalPtr(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d := parseDecimal(ns.String)
	return &d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
