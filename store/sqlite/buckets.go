/*
buckets.go - Bucket persistence

The bucket is the pipeline's central aggregate. Creation goes through
InsertAccumulatingBucket, which resolves races on the partial unique index by
adopting the winning row. Accumulation and state changes are read-modify-write
sequences that callers run inside WithTx.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumera/remit-engine/remit"
)

const bucketColumns = `id, bucketing_rule_id, payer_id, payer_name, payee_id, payee_name,
	bin_number, pcn_number, status, claim_count, total_amount,
	payment_required, payment_status, check_payment_id, file_naming_template_id,
	approved_by, approved_at, awaiting_approval_since,
	generation_started_at, generation_completed_at,
	last_error_message, last_error_at, created_at, updated_at`

// InsertAccumulatingBucket persists a new ACCUMULATING bucket. When a
// concurrent creator won the unique-index race, the existing bucket is
// fetched and returned instead; created reports which happened.
func (s *Store) InsertAccumulatingBucket(ctx context.Context, b *remit.Bucket) (bucket *remit.Bucket, created bool, err error) {
	unlock := s.wlock()
	defer unlock()

	b.Status = remit.BucketAccumulating
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	query := `
		INSERT INTO buckets
		(id, bucketing_rule_id, payer_id, payer_name, payee_id, payee_name,
		 bin_number, pcn_number, status, claim_count, total_amount,
		 payment_required, payment_status, check_payment_id, file_naming_template_id,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.q().ExecContext(ctx, query,
		b.ID,
		b.BucketingRuleID,
		b.PayerID,
		b.PayerName,
		b.PayeeID,
		b.PayeeName,
		b.BinNumber,
		b.PCNNumber,
		string(b.Status),
		b.ClaimCount,
		b.TotalAmount.String(),
		b.PaymentRequired,
		string(b.PaymentStatus),
		nullString(b.CheckPaymentID),
		nullString(b.FileNamingTemplateID),
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	)
	if err == nil {
		return b, true, nil
	}
	if !isUniqueConstraintError(err) {
		return nil, false, fmt.Errorf("failed to insert bucket: %w", err)
	}

	existing, findErr := s.findAccumulating(ctx, b.BucketingRuleID, b.PayerID, b.PayeeID, b.BinNumber, b.PCNNumber)
	if findErr != nil {
		return nil, false, fmt.Errorf("bucket insert conflicted but winner not found: %w", findErr)
	}
	return existing, false, nil
}

// FindAccumulatingBucket returns the single ACCUMULATING bucket for the
// grouping key, or remit.ErrNotFound.
func (s *Store) FindAccumulatingBucket(ctx context.Context, ruleID, payerID, payeeID, binNumber, pcnNumber string) (*remit.Bucket, error) {
	unlock := s.rlock()
	defer unlock()
	return s.findAccumulating(ctx, ruleID, payerID, payeeID, binNumber, pcnNumber)
}

func (s *Store) findAccumulating(ctx context.Context, ruleID, payerID, payeeID, binNumber, pcnNumber string) (*remit.Bucket, error) {
	query := `
		SELECT ` + bucketColumns + `
		FROM buckets
		WHERE bucketing_rule_id = ? AND payer_id = ? AND payee_id = ?
		  AND bin_number = ? AND pcn_number = ? AND status = 'ACCUMULATING'
	`
	row := s.q().QueryRowContext(ctx, query, ruleID, payerID, payeeID, binNumber, pcnNumber)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "accumulating bucket", ID: payerID + "/" + payeeID}
	}
	return b, err
}

// GetBucket loads a bucket by id or returns remit.ErrNotFound.
func (s *Store) GetBucket(ctx context.Context, id string) (*remit.Bucket, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "bucket", ID: id}
	}
	return b, err
}

// UpdateBucket writes every mutable bucket field. Callers mutate a loaded
// bucket inside WithTx and persist it through here.
func (s *Store) UpdateBucket(ctx context.Context, b *remit.Bucket) error {
	unlock := s.wlock()
	defer unlock()

	b.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE buckets SET
			payer_name = ?, payee_name = ?, status = ?,
			claim_count = ?, total_amount = ?,
			payment_required = ?, payment_status = ?, check_payment_id = ?,
			file_naming_template_id = ?,
			approved_by = ?, approved_at = ?, awaiting_approval_since = ?,
			generation_started_at = ?, generation_completed_at = ?,
			last_error_message = ?, last_error_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.q().ExecContext(ctx, query,
		b.PayerName,
		b.PayeeName,
		string(b.Status),
		b.ClaimCount,
		b.TotalAmount.String(),
		b.PaymentRequired,
		string(b.PaymentStatus),
		nullString(b.CheckPaymentID),
		nullString(b.FileNamingTemplateID),
		nullString(b.ApprovedBy),
		nullTime(b.ApprovedAt),
		nullTime(b.AwaitingApprovalSince),
		nullTime(b.GenerationStartedAt),
		nullTime(b.GenerationCompletedAt),
		nullString(b.LastErrorMessage),
		nullTime(b.LastErrorAt),
		formatTime(b.UpdatedAt),
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update bucket %s: %w", b.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &remit.NotFoundError{Kind: "bucket", ID: b.ID}
	}
	return nil
}

// AccumulateClaim adds one claim's paid amount to the bucket. The update is
// guarded on ACCUMULATING so a bucket that advanced concurrently rejects the
// claim instead of mutating frozen totals.
func (s *Store) AccumulateClaim(ctx context.Context, bucketID string, paidAmount decimal.Decimal) (*remit.Bucket, error) {
	unlock := s.wlock()
	defer unlock()

	b, err := s.getBucketLocked(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if b.Status != remit.BucketAccumulating {
		return nil, &remit.InvalidStateError{
			Entity:    "bucket",
			ID:        bucketID,
			Current:   string(b.Status),
			Attempted: "accumulate claim",
		}
	}

	b.ClaimCount++
	b.TotalAmount = b.TotalAmount.Add(paidAmount)
	b.UpdatedAt = time.Now().UTC()

	res, err := s.q().ExecContext(ctx, `
		UPDATE buckets SET claim_count = ?, total_amount = ?, updated_at = ?
		WHERE id = ? AND status = 'ACCUMULATING'
	`, b.ClaimCount, b.TotalAmount.String(), formatTime(b.UpdatedAt), bucketID)
	if err != nil {
		return nil, fmt.Errorf("failed to accumulate into bucket %s: %w", bucketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &remit.InvalidStateError{
			Entity:    "bucket",
			ID:        bucketID,
			Current:   "advanced concurrently",
			Attempted: "accumulate claim",
		}
	}
	return b, nil
}

func (s *Store) getBucketLocked(ctx context.Context, id string) (*remit.Bucket, error) {
	row := s.q().QueryRowContext(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "bucket", ID: id}
	}
	return b, err
}

// ListBucketsByStatus returns buckets in a given status, oldest first.
// limit <= 0 means no limit.
func (s *Store) ListBucketsByStatus(ctx context.Context, status remit.BucketStatus, limit int) ([]remit.Bucket, error) {
	unlock := s.rlock()
	defer unlock()

	query := `SELECT ` + bucketColumns + ` FROM buckets WHERE status = ? ORDER BY created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryBuckets(ctx, query, args...)
}

// ListBuckets returns recently-touched buckets for the operational surface.
func (s *Store) ListBuckets(ctx context.Context, limit int) ([]remit.Bucket, error) {
	unlock := s.rlock()
	defer unlock()

	query := `SELECT ` + bucketColumns + ` FROM buckets ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryBuckets(ctx, query, args...)
}

// ListStaleBuckets returns non-terminal buckets created before cutoff.
func (s *Store) ListStaleBuckets(ctx context.Context, cutoff time.Time) ([]remit.Bucket, error) {
	unlock := s.rlock()
	defer unlock()

	query := `
		SELECT ` + bucketColumns + `
		FROM buckets
		WHERE status != 'COMPLETED' AND created_at < ?
		ORDER BY created_at ASC
	`
	return s.queryBuckets(ctx, query, formatTime(cutoff))
}

func (s *Store) queryBuckets(ctx context.Context, query string, args ...any) ([]remit.Bucket, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query buckets: %w", err)
	}
	defer rows.Close()

	var buckets []remit.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, *b)
	}
	return buckets, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (*remit.Bucket, error) {
	var b remit.Bucket
	var status, paymentStatus, totalAmount, createdAt, updatedAt string
	var checkPaymentID, templateID, approvedBy, lastError sql.NullString
	var approvedAt, awaitingSince, genStarted, genCompleted, lastErrorAt sql.NullString

	err := row.Scan(
		&b.ID,
		&b.BucketingRuleID,
		&b.PayerID,
		&b.PayerName,
		&b.PayeeID,
		&b.PayeeName,
		&b.BinNumber,
		&b.PCNNumber,
		&status,
		&b.ClaimCount,
		&totalAmount,
		&b.PaymentRequired,
		&paymentStatus,
		&checkPaymentID,
		&templateID,
		&approvedBy,
		&approvedAt,
		&awaitingSince,
		&genStarted,
		&genCompleted,
		&lastError,
		&lastErrorAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = remit.BucketStatus(status)
	b.PaymentStatus = remit.PaymentStatus(paymentStatus)
	b.TotalAmount = parseDecimal(totalAmount)
	b.CheckPaymentID = checkPaymentID.String
	b.FileNamingTemplateID = templateID.String
	b.ApprovedBy = approvedBy.String
	b.LastErrorMessage = lastError.String
	b.ApprovedAt = timePtr(approvedAt)
	b.AwaitingApprovalSince = timePtr(awaitingSince)
	b.GenerationStartedAt = timePtr(genStarted)
	b.GenerationCompletedAt = timePtr(genCompleted)
	b.LastErrorAt = timePtr(lastErrorAt)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}
