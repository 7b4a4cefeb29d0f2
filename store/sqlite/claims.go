/*
claims.go - Per-claim processing audit and approval audit (both append-only)

Invariant carried here: a bucket's claim_count always equals the number of
PROCESSED rows pointing at it, because the log append and the bucket update
share one transaction in the aggregator.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lumera/remit-engine/remit"
)

// AppendProcessingLog records one claim's outcome. claimLog.ID is assigned
// when empty.
func (s *Store) AppendProcessingLog(ctx context.Context, claimLog *remit.ClaimProcessingLog) error {
	unlock := s.wlock()
	defer unlock()

	if claimLog.ID == "" {
		claimLog.ID = remit.NewID()
	}
	if claimLog.ProcessedAt.IsZero() {
		claimLog.ProcessedAt = time.Now().UTC()
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO claim_processing_logs
		(id, claim_id, bucket_id, payer_id, payee_id, outcome, reason,
		 charge_amount, paid_amount, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		claimLog.ID,
		claimLog.ClaimID,
		nullString(claimLog.BucketID),
		claimLog.PayerID,
		claimLog.PayeeID,
		string(claimLog.Outcome),
		claimLog.Reason,
		claimLog.ChargeAmount.String(),
		claimLog.PaidAmount.String(),
		formatTime(claimLog.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append processing log for claim %s: %w", claimLog.ClaimID, err)
	}
	return nil
}

// ProcessingLogsForBucket returns a bucket's processing logs in processing
// order. outcome empty means all outcomes; bucketID empty selects the logs
// that never resolved a bucket (rejections before bucket lookup).
func (s *Store) ProcessingLogsForBucket(ctx context.Context, bucketID string, outcome remit.ClaimOutcome) ([]remit.ClaimProcessingLog, error) {
	unlock := s.rlock()
	defer unlock()

	query := `
		SELECT id, claim_id, bucket_id, payer_id, payee_id, outcome, reason,
		       charge_amount, paid_amount, processed_at
		FROM claim_processing_logs
	`
	var args []any
	if bucketID == "" {
		query += ` WHERE bucket_id IS NULL`
	} else {
		query += ` WHERE bucket_id = ?`
		args = append(args, bucketID)
	}
	if outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(outcome))
	}
	query += ` ORDER BY processed_at ASC, id ASC`

	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query processing logs: %w", err)
	}
	defer rows.Close()

	var logs []remit.ClaimProcessingLog
	for rows.Next() {
		var l remit.ClaimProcessingLog
		var outcome, processedAt string
		var bucket, charge, paid sql.NullString

		if err := rows.Scan(&l.ID, &l.ClaimID, &bucket, &l.PayerID, &l.PayeeID,
			&outcome, &l.Reason, &charge, &paid, &processedAt); err != nil {
			return nil, err
		}
		l.BucketID = bucket.String
		l.Outcome = remit.ClaimOutcome(outcome)
		l.ChargeAmount = parseDecimal(charge.String)
		l.PaidAmount = parseDecimal(paid.String)
		l.ProcessedAt = parseTime(processedAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AppendApprovalLog records an APPROVAL / REJECTION / OVERRIDE action.
func (s *Store) AppendApprovalLog(ctx context.Context, a *remit.ApprovalLog) error {
	unlock := s.wlock()
	defer unlock()

	if a.ID == "" {
		a.ID = remit.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO approval_logs (id, bucket_id, action, performed_by, comments, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.BucketID, string(a.Action), a.PerformedBy, a.Comments, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append approval log for bucket %s: %w", a.BucketID, err)
	}
	return nil
}

// ApprovalLogsForBucket returns a bucket's approval trail, oldest first.
func (s *Store) ApprovalLogsForBucket(ctx context.Context, bucketID string) ([]remit.ApprovalLog, error) {
	unlock := s.rlock()
	defer unlock()

	rows, err := s.q().QueryContext(ctx, `
		SELECT id, bucket_id, action, performed_by, comments, created_at
		FROM approval_logs
		WHERE bucket_id = ?
		ORDER BY created_at ASC, id ASC
	`, bucketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval logs: %w", err)
	}
	defer rows.Close()

	var logs []remit.ApprovalLog
	for rows.Next() {
		var l remit.ApprovalLog
		var action, createdAt string
		if err := rows.Scan(&l.ID, &l.BucketID, &action, &l.PerformedBy, &l.Comments, &createdAt); err != nil {
			return nil, err
		}
		l.Action = remit.ApprovalAction(action)
		l.CreatedAt = parseTime(createdAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
