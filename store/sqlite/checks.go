/*
checks.go - Check reservations, check payments, and the check audit trail

Reservation rows carry the invariant 0 <= checks_used <= total_checks with
status EXHAUSTED exactly when checks_used == total_checks. The reservation
service owns that arithmetic; this file persists and guards it.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumera/remit-engine/remit"
)

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, payer_id, check_number_start, check_number_end,
	total_checks, checks_used, status, bank_name, routing_number,
	account_number_last4, created_by, created_at, updated_at`

// InsertReservation persists a new check-number range.
func (s *Store) InsertReservation(ctx context.Context, r *remit.CheckReservation) error {
	unlock := s.wlock()
	defer unlock()

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO check_reservations
		(id, payer_id, check_number_start, check_number_end, total_checks,
		 checks_used, status, bank_name, routing_number, account_number_last4,
		 created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.PayerID,
		r.CheckNumberStart,
		r.CheckNumberEnd,
		r.TotalChecks,
		r.ChecksUsed,
		string(r.Status),
		r.BankName,
		r.RoutingNumber,
		r.AccountNumberLast4,
		r.CreatedBy,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation for payer %s: %w", r.PayerID, err)
	}
	return nil
}

// GetReservation loads a reservation by id or returns remit.ErrNotFound.
func (s *Store) GetReservation(ctx context.Context, id string) (*remit.CheckReservation, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM check_reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "check reservation", ID: id}
	}
	return r, err
}

// ListReservationsForPayer returns every reservation for a payer, oldest
// first. Used for overlap checks and the inventory view.
func (s *Store) ListReservationsForPayer(ctx context.Context, payerID string) ([]remit.CheckReservation, error) {
	unlock := s.rlock()
	defer unlock()

	rows, err := s.q().QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM check_reservations
		WHERE payer_id = ?
		ORDER BY created_at ASC, id ASC
	`, payerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []remit.CheckReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// OldestActiveReservation returns the allocation source for a payer: the
// oldest ACTIVE reservation that still has unused numbers.
func (s *Store) OldestActiveReservation(ctx context.Context, payerID string) (*remit.CheckReservation, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM check_reservations
		WHERE payer_id = ? AND status = 'ACTIVE' AND checks_used < total_checks
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, payerID)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NoChecksAvailableError{PayerID: payerID}
	}
	return r, err
}

// UpdateReservation persists checks_used / status changes.
func (s *Store) UpdateReservation(ctx context.Context, r *remit.CheckReservation) error {
	unlock := s.wlock()
	defer unlock()

	r.UpdatedAt = time.Now().UTC()
	res, err := s.q().ExecContext(ctx, `
		UPDATE check_reservations
		SET checks_used = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, r.ChecksUsed, string(r.Status), formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update reservation %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &remit.NotFoundError{Kind: "check reservation", ID: r.ID}
	}
	return nil
}

func scanReservation(row rowScanner) (*remit.CheckReservation, error) {
	var r remit.CheckReservation
	var status, createdAt, updatedAt string
	err := row.Scan(
		&r.ID,
		&r.PayerID,
		&r.CheckNumberStart,
		&r.CheckNumberEnd,
		&r.TotalChecks,
		&r.ChecksUsed,
		&status,
		&r.BankName,
		&r.RoutingNumber,
		&r.AccountNumberLast4,
		&r.CreatedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = remit.ReservationStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// =============================================================================
// CHECK PAYMENTS
// =============================================================================

const checkPaymentColumns = `id, bucket_id, reservation_id, check_number,
	check_amount, check_date, bank_name, status, assigned_by, assigned_at,
	acknowledged_by, acknowledged_at, issued_by, issued_at,
	void_reason, voided_by, voided_at, created_at, updated_at`

// InsertCheckPayment persists a newly assigned check. The unique index on
// check_number and the live-payment index on bucket_id surface duplicate
// assignments as remit.ErrCheckAssignment.
func (s *Store) InsertCheckPayment(ctx context.Context, p *remit.CheckPayment) error {
	unlock := s.wlock()
	defer unlock()

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO check_payments
		(id, bucket_id, reservation_id, check_number, check_amount, check_date,
		 bank_name, status, assigned_by, assigned_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.BucketID,
		nullString(p.ReservationID),
		p.CheckNumber,
		p.CheckAmount.String(),
		formatTime(p.CheckDate),
		p.BankName,
		string(p.Status),
		p.AssignedBy,
		formatTime(p.AssignedAt),
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &remit.CheckAssignmentError{BucketID: p.BucketID, Cause: fmt.Errorf("check %s or bucket already assigned: %w", p.CheckNumber, err)}
		}
		return fmt.Errorf("failed to insert check payment: %w", err)
	}
	return nil
}

// GetCheckPayment loads a payment by id or returns remit.ErrNotFound.
func (s *Store) GetCheckPayment(ctx context.Context, id string) (*remit.CheckPayment, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx,
		`SELECT `+checkPaymentColumns+` FROM check_payments WHERE id = ?`, id)
	p, err := scanCheckPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "check payment", ID: id}
	}
	return p, err
}

// GetCheckPaymentByBucket loads the (at most one) live payment for a bucket.
// VOID and CANCELLED rows are history, not the bucket's current check.
func (s *Store) GetCheckPaymentByBucket(ctx context.Context, bucketID string) (*remit.CheckPayment, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx, `
		SELECT `+checkPaymentColumns+`
		FROM check_payments
		WHERE bucket_id = ? AND status NOT IN ('VOID', 'CANCELLED')
	`, bucketID)
	p, err := scanCheckPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "check payment for bucket", ID: bucketID}
	}
	return p, err
}

// UpdateCheckPayment writes every mutable payment field, including the check
// number (replacement updates the row in place; bucket_id stays unique).
func (s *Store) UpdateCheckPayment(ctx context.Context, p *remit.CheckPayment) error {
	unlock := s.wlock()
	defer unlock()

	p.UpdatedAt = time.Now().UTC()
	res, err := s.q().ExecContext(ctx, `
		UPDATE check_payments SET
			reservation_id = ?, check_number = ?, check_amount = ?, check_date = ?,
			bank_name = ?, status = ?, assigned_by = ?, assigned_at = ?,
			acknowledged_by = ?, acknowledged_at = ?,
			issued_by = ?, issued_at = ?,
			void_reason = ?, voided_by = ?, voided_at = ?, updated_at = ?
		WHERE id = ?
	`,
		nullString(p.ReservationID),
		p.CheckNumber,
		p.CheckAmount.String(),
		formatTime(p.CheckDate),
		p.BankName,
		string(p.Status),
		p.AssignedBy,
		formatTime(p.AssignedAt),
		nullString(p.AcknowledgedBy),
		nullTime(p.AcknowledgedAt),
		nullString(p.IssuedBy),
		nullTime(p.IssuedAt),
		nullString(p.VoidReason),
		nullString(p.VoidedBy),
		nullTime(p.VoidedAt),
		formatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &remit.CheckAssignmentError{BucketID: p.BucketID, Cause: fmt.Errorf("check number %s already in use: %w", p.CheckNumber, err)}
		}
		return fmt.Errorf("failed to update check payment %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &remit.NotFoundError{Kind: "check payment", ID: p.ID}
	}
	return nil
}

func scanCheckPayment(row rowScanner) (*remit.CheckPayment, error) {
	var p remit.CheckPayment
	var status, amount, checkDate, assignedAt, createdAt, updatedAt string
	var reservationID, ackBy, issuedBy, voidReason, voidedBy sql.NullString
	var ackAt, issuedAt, voidedAt sql.NullString

	err := row.Scan(
		&p.ID,
		&p.BucketID,
		&reservationID,
		&p.CheckNumber,
		&amount,
		&checkDate,
		&p.BankName,
		&status,
		&p.AssignedBy,
		&assignedAt,
		&ackBy,
		&ackAt,
		&issuedBy,
		&issuedAt,
		&voidReason,
		&voidedBy,
		&voidedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ReservationID = reservationID.String
	p.CheckAmount = parseDecimal(amount)
	p.CheckDate = parseTime(checkDate)
	p.Status = remit.CheckStatus(status)
	p.AssignedAt = parseTime(assignedAt)
	p.AcknowledgedBy = ackBy.String
	p.AcknowledgedAt = timePtr(ackAt)
	p.IssuedBy = issuedBy.String
	p.IssuedAt = timePtr(issuedAt)
	p.VoidReason = voidReason.String
	p.VoidedBy = voidedBy.String
	p.VoidedAt = timePtr(voidedAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// =============================================================================
// CHECK AUDIT TRAIL
// =============================================================================

// AppendCheckAudit records one lifecycle action on a check payment.
func (s *Store) AppendCheckAudit(ctx context.Context, a *remit.CheckAuditLog) error {
	unlock := s.wlock()
	defer unlock()

	if a.ID == "" {
		a.ID = remit.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO check_audit_logs
		(id, check_payment_id, action, check_number, amount, performed_by, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.CheckPaymentID,
		string(a.Action),
		a.CheckNumber,
		nullDecimal(a.Amount),
		a.PerformedBy,
		a.Notes,
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append check audit: %w", err)
	}
	return nil
}

// CheckAuditsForPayment returns a payment's audit trail, oldest first.
func (s *Store) CheckAuditsForPayment(ctx context.Context, checkPaymentID string) ([]remit.CheckAuditLog, error) {
	unlock := s.rlock()
	defer unlock()

	rows, err := s.q().QueryContext(ctx, `
		SELECT id, check_payment_id, action, check_number, amount, performed_by, notes, created_at
		FROM check_audit_logs
		WHERE check_payment_id = ?
		ORDER BY created_at ASC, id ASC
	`, checkPaymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query check audits: %w", err)
	}
	defer rows.Close()

	var out []remit.CheckAuditLog
	for rows.Next() {
		var a remit.CheckAuditLog
		var action, createdAt string
		var amount sql.NullString
		if err := rows.Scan(&a.ID, &a.CheckPaymentID, &action, &a.CheckNumber,
			&amount, &a.PerformedBy, &a.Notes, &createdAt); err != nil {
			return nil, err
		}
		a.Action = remit.CheckAuditAction(action)
		a.Amount = decimalPtr(amount)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
