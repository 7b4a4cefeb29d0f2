/*
files.go - Generated-file history, naming sequence counters, control numbers

The file name is unique system-wide; the delivery engine mutates only the
delivery columns. Naming sequences and the ISA control counter are mutated
inside the caller's transaction so increments are exclusive and never lost.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
)

const fileColumns = `id, bucket_id, generated_file_name, file_content, file_size,
	claim_count, total_amount, generated_by, generated_at,
	delivery_status, delivered_at, delivered_by, retry_count, error_message`

// InsertFileHistory persists a freshly generated 835 file with its content.
func (s *Store) InsertFileHistory(ctx context.Context, f *remit.FileGenerationHistory) error {
	unlock := s.wlock()
	defer unlock()

	if f.GeneratedAt.IsZero() {
		f.GeneratedAt = time.Now().UTC()
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO file_generation_history
		(id, bucket_id, generated_file_name, file_content, file_size,
		 claim_count, total_amount, generated_by, generated_at,
		 delivery_status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID,
		f.BucketID,
		f.GeneratedFileName,
		f.FileContent,
		f.FileSize,
		f.ClaimCount,
		f.TotalAmount.String(),
		f.GeneratedBy,
		formatTime(f.GeneratedAt),
		string(f.DeliveryStatus),
		f.RetryCount,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &remit.ValidationError{Field: "generatedFileName", Reason: fmt.Sprintf("file name %q already exists", f.GeneratedFileName)}
		}
		return fmt.Errorf("failed to insert file history: %w", err)
	}
	return nil
}

// GetFileHistory loads a file record (content included) by id.
func (s *Store) GetFileHistory(ctx context.Context, id string) (*remit.FileGenerationHistory, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file_generation_history WHERE id = ?`, id)
	f, err := scanFileHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "file generation history", ID: id}
	}
	return f, err
}

// GetFileHistoryByBucket loads the most recent file generated for a bucket.
func (s *Store) GetFileHistoryByBucket(ctx context.Context, bucketID string) (*remit.FileGenerationHistory, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx, `
		SELECT `+fileColumns+`
		FROM file_generation_history
		WHERE bucket_id = ?
		ORDER BY generated_at DESC, id DESC
		LIMIT 1
	`, bucketID)
	f, err := scanFileHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "file for bucket", ID: bucketID}
	}
	return f, err
}

// UpdateFileDelivery persists the delivery-tracking columns only.
func (s *Store) UpdateFileDelivery(ctx context.Context, f *remit.FileGenerationHistory) error {
	unlock := s.wlock()
	defer unlock()

	res, err := s.q().ExecContext(ctx, `
		UPDATE file_generation_history
		SET delivery_status = ?, delivered_at = ?, delivered_by = ?,
		    retry_count = ?, error_message = ?
		WHERE id = ?
	`,
		string(f.DeliveryStatus),
		nullTime(f.DeliveredAt),
		nullString(f.DeliveredBy),
		f.RetryCount,
		nullString(f.ErrorMessage),
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery for file %s: %w", f.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &remit.NotFoundError{Kind: "file generation history", ID: f.ID}
	}
	return nil
}

// ListDeliveries returns files in the given delivery statuses, oldest first,
// capped at limit. maxRetries >= 0 additionally filters retry_count below it.
func (s *Store) ListDeliveries(ctx context.Context, statuses []remit.DeliveryStatus, maxRetries, limit int) ([]remit.FileGenerationHistory, error) {
	unlock := s.rlock()
	defer unlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + fileColumns + ` FROM file_generation_history WHERE delivery_status IN (`
	args := make([]any, 0, len(statuses)+2)
	for i, st := range statuses {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, string(st))
	}
	query += `)`
	if maxRetries >= 0 {
		query += ` AND retry_count < ?`
		args = append(args, maxRetries)
	}
	query += ` ORDER BY generated_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []remit.FileGenerationHistory
	for rows.Next() {
		f, err := scanFileHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func scanFileHistory(row rowScanner) (*remit.FileGenerationHistory, error) {
	var f remit.FileGenerationHistory
	var totalAmount, generatedAt, deliveryStatus string
	var deliveredAt, deliveredBy, errorMessage sql.NullString

	err := row.Scan(
		&f.ID,
		&f.BucketID,
		&f.GeneratedFileName,
		&f.FileContent,
		&f.FileSize,
		&f.ClaimCount,
		&totalAmount,
		&f.GeneratedBy,
		&generatedAt,
		&deliveryStatus,
		&deliveredAt,
		&deliveredBy,
		&f.RetryCount,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	f.TotalAmount = parseDecimal(totalAmount)
	f.GeneratedAt = parseTime(generatedAt)
	f.DeliveryStatus = remit.DeliveryStatus(deliveryStatus)
	f.DeliveredAt = timePtr(deliveredAt)
	f.DeliveredBy = deliveredBy.String
	f.ErrorMessage = errorMessage.String
	return &f, nil
}

// =============================================================================
// NAMING SEQUENCES
// =============================================================================

// GetNamingSequence loads the counter row for (templateID, payerID),
// or remit.ErrNotFound when no counter exists yet.
func (s *Store) GetNamingSequence(ctx context.Context, templateID, payerID string) (*config.FileNamingSequence, error) {
	unlock := s.rlock()
	defer unlock()

	var seq config.FileNamingSequence
	var freq, lastReset string
	err := s.q().QueryRowContext(ctx, `
		SELECT template_id, payer_id, current_sequence, reset_frequency, last_reset_at
		FROM file_naming_sequences
		WHERE template_id = ? AND payer_id = ?
	`, templateID, payerID).Scan(&seq.TemplateID, &seq.PayerID, &seq.CurrentSequence, &freq, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "naming sequence", ID: templateID + "/" + payerID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load naming sequence: %w", err)
	}
	seq.ResetFrequency = config.ResetFrequency(freq)
	seq.LastResetAt = parseTime(lastReset)
	return &seq, nil
}

// PutNamingSequence upserts the counter row. Callers run inside WithTx so the
// read-increment-write sequence holds the exclusive lock.
func (s *Store) PutNamingSequence(ctx context.Context, seq *config.FileNamingSequence) error {
	unlock := s.wlock()
	defer unlock()

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO file_naming_sequences
		(template_id, payer_id, current_sequence, reset_frequency, last_reset_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(template_id, payer_id) DO UPDATE SET
			current_sequence = excluded.current_sequence,
			reset_frequency = excluded.reset_frequency,
			last_reset_at = excluded.last_reset_at
	`,
		seq.TemplateID,
		seq.PayerID,
		seq.CurrentSequence,
		string(seq.ResetFrequency),
		formatTime(seq.LastResetAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store naming sequence: %w", err)
	}
	return nil
}

// =============================================================================
// CONTROL NUMBERS
// =============================================================================

// NextControlNumber increments and returns the named counter. The first call
// returns 1. Run inside WithTx when the number must commit with its file.
func (s *Store) NextControlNumber(ctx context.Context, name string) (int64, error) {
	unlock := s.wlock()
	defer unlock()

	if _, err := s.q().ExecContext(ctx, `
		INSERT INTO control_numbers (name, value) VALUES (?, 0)
		ON CONFLICT(name) DO NOTHING
	`, name); err != nil {
		return 0, fmt.Errorf("failed to seed control number %s: %w", name, err)
	}
	if _, err := s.q().ExecContext(ctx,
		`UPDATE control_numbers SET value = value + 1 WHERE name = ?`, name); err != nil {
		return 0, fmt.Errorf("failed to increment control number %s: %w", name, err)
	}

	var v int64
	if err := s.q().QueryRowContext(ctx,
		`SELECT value FROM control_numbers WHERE name = ?`, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read control number %s: %w", name, err)
	}
	return v, nil
}
