/*
payment.go - Attaching checks to buckets and walking the check lifecycle

A bucket that requires payment cannot generate its remittance file until a
check is attached. Attachment happens three ways:

  - automatically, drawing the next number from the payer's reservation
    (AssignFromBucket, called by the bucket manager)
  - manually, an operator keys in a physical check number
    (AssignCheckManually)
  - by replacement, swapping the number on an already-assigned check
    (ReplaceCheck)

After attachment the check advances ASSIGNED -> ACKNOWLEDGED -> ISSUED and
may be voided from ISSUED inside the configured window. Every action appends
a CheckAuditLog row and keeps the bucket's paymentStatus in step.

GENERATION HAND-OFF:

When a check lands on a bucket that is already approved and waiting in
PENDING_APPROVAL, this service triggers file generation itself through the
injected GenerationTrigger. The approval flow relies on that: it never
re-checks whether assignment succeeded.

SEE ALSO:

	reservation.go     - where automatic numbers come from
	bucket/manager.go  - the GenerationTrigger implementation
*/
package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

// GenerationTrigger starts remittance file generation for a bucket whose
// payment just became ready. The bucket manager implements it; the field is
// injected after construction because the manager also depends on this
// package's assignment service.
type GenerationTrigger interface {
	TransitionToGeneration(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, by string) error
}

// PaymentService attaches checks to buckets and advances them through the
// check lifecycle.
type PaymentService struct {
	Store        *sqlite.Store
	Settings     *config.SettingsSource
	Reservations *ReservationService
	Trigger      GenerationTrigger // set after construction
	Logger       *zap.Logger
}

func NewPaymentService(store *sqlite.Store, settings *config.SettingsSource, reservations *ReservationService, logger *zap.Logger) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{
		Store:        store,
		Settings:     settings,
		Reservations: reservations,
		Logger:       logger.Named("payments"),
	}
}

// =============================================================================
// AUTOMATIC ASSIGNMENT
// =============================================================================

// AssignFromBucket draws the next check number from the bucket payer's
// reservation, creates the payment, and marks the bucket paid. It mutates b
// in place (paymentStatus, checkPaymentId) and persists the change.
//
// When the call arrives inside a transaction, or the independent reservation
// mode is off, everything runs in one transaction and a failure rolls the
// reservation increment back with the rest. When the independent mode is on
// and no transaction is open, the reservation commits first and a later
// failure releases the number explicitly.
func (ps *PaymentService) AssignFromBucket(ctx context.Context, st *sqlite.Store, b *remit.Bucket, assignedBy string) (*remit.CheckPayment, error) {
	if st.InTx() || !ps.settings(ctx).ReservationSeparateTx {
		var p *remit.CheckPayment
		err := st.WithTx(ctx, func(tx *sqlite.Store) error {
			info, err := ps.reserveForBucket(ctx, tx, b)
			if err != nil {
				return err
			}
			p, err = ps.attach(ctx, tx, b, info, assignedBy, "assigned from reservation "+info.ReservationID)
			return err
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return ps.assignIndependent(ctx, b, assignedBy)
}

// assignIndependent is the compensation-based variant: the reservation
// increment commits on its own, then the payment work runs in a second
// transaction. A failure in the second step hands the number back.
func (ps *PaymentService) assignIndependent(ctx context.Context, b *remit.Bucket, assignedBy string) (*remit.CheckPayment, error) {
	info, err := ps.reserveForBucket(ctx, ps.Store, b)
	if err != nil {
		return nil, err
	}

	var p *remit.CheckPayment
	err = ps.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		var err error
		p, err = ps.attach(ctx, tx, b, info, assignedBy, "assigned from reservation "+info.ReservationID)
		return err
	})
	if err != nil {
		reason := "check assignment failed: " + err.Error()
		if relErr := ps.Reservations.ReleaseReservedCheck(ctx, info.CheckNumber, info.ReservationID, reason); relErr == nil {
			audit := &remit.CheckAuditLog{
				Action:      remit.CheckAuditReleased,
				CheckNumber: info.CheckNumber,
				PerformedBy: assignedBy,
				Notes:       reason,
			}
			if auditErr := ps.Store.AppendCheckAudit(ctx, audit); auditErr != nil {
				ps.Logger.Warn("failed to record release audit",
					zap.String("checkNumber", info.CheckNumber),
					zap.Error(auditErr))
			}
		}
		return nil, err
	}
	return p, nil
}

func (ps *PaymentService) reserveForBucket(ctx context.Context, st *sqlite.Store, b *remit.Bucket) (*remit.ReservedCheckInfo, error) {
	// Reservations are keyed by the payer master row, not the external id.
	payer, err := st.GetPayerByExternalID(ctx, b.PayerID)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve payer %s for check assignment: %w", b.PayerID, err)
	}
	return ps.Reservations.GetAndReserveNextCheck(ctx, st, payer.ID, b.ID)
}

// attach creates the payment row, marks the bucket paid, writes the ASSIGNED
// audit, and triggers generation when the bucket was already approved and
// only waiting for its check.
func (ps *PaymentService) attach(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, info *remit.ReservedCheckInfo, assignedBy, notes string) (*remit.CheckPayment, error) {
	now := time.Now().UTC()
	p := &remit.CheckPayment{
		ID:            remit.NewID(),
		BucketID:      b.ID,
		ReservationID: info.ReservationID,
		CheckNumber:   info.CheckNumber,
		CheckAmount:   b.TotalAmount,
		CheckDate:     now,
		BankName:      info.BankName,
		Status:        remit.CheckAssigned,
		AssignedBy:    assignedBy,
		AssignedAt:    now,
	}
	if err := tx.InsertCheckPayment(ctx, p); err != nil {
		return nil, err
	}

	b.PaymentStatus = remit.PaymentAssigned
	b.CheckPaymentID = p.ID
	if err := tx.UpdateBucket(ctx, b); err != nil {
		return nil, err
	}

	if err := tx.AppendCheckAudit(ctx, &remit.CheckAuditLog{
		CheckPaymentID: p.ID,
		Action:         remit.CheckAuditAssigned,
		CheckNumber:    p.CheckNumber,
		Amount:         &p.CheckAmount,
		PerformedBy:    assignedBy,
		Notes:          notes,
	}); err != nil {
		return nil, err
	}

	ps.Logger.Info("check assigned to bucket",
		zap.String("bucketId", b.ID),
		zap.String("checkNumber", p.CheckNumber),
		zap.String("amount", p.CheckAmount.StringFixed(2)),
		zap.String("assignedBy", assignedBy))

	if b.ApprovedAt != nil && b.Status == remit.BucketPendingApproval && ps.Trigger != nil {
		if err := ps.Trigger.TransitionToGeneration(ctx, tx, b, assignedBy); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// =============================================================================
// MANUAL ASSIGNMENT AND REPLACEMENT
// =============================================================================

// ManualCheck is the operator input for manual assignment and replacement.
type ManualCheck struct {
	CheckNumber string
	BankName    string
	CheckDate   time.Time
	PerformedBy string
}

func (in ManualCheck) validate() error {
	if strings.TrimSpace(in.CheckNumber) == "" {
		return &remit.ValidationError{Field: "checkNumber", Reason: "check number is required"}
	}
	if strings.TrimSpace(in.PerformedBy) == "" {
		return &remit.ValidationError{Field: "performedBy", Reason: "operator is required"}
	}
	return nil
}

// AssignCheckManually attaches an operator-supplied check to a bucket that
// does not have one yet. Allowed while the bucket is still ACCUMULATING
// (pre-assignment) or parked in PENDING_APPROVAL. If the bucket was already
// approved and only waiting for payment, generation starts immediately.
func (ps *PaymentService) AssignCheckManually(ctx context.Context, bucketID string, in ManualCheck) (*remit.CheckPayment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var p *remit.CheckPayment
	err := ps.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.Status != remit.BucketAccumulating && b.Status != remit.BucketPendingApproval {
			return &remit.CheckAssignmentError{
				BucketID: bucketID,
				Cause:    fmt.Errorf("bucket in status %s cannot take a check", b.Status),
			}
		}
		if b.HasPaymentAssigned() {
			return &remit.CheckAssignmentError{
				BucketID: bucketID,
				Cause:    fmt.Errorf("bucket already has check payment %s; use replace", b.CheckPaymentID),
			}
		}

		checkDate := in.CheckDate
		if checkDate.IsZero() {
			checkDate = time.Now().UTC()
		}
		now := time.Now().UTC()
		p = &remit.CheckPayment{
			ID:          remit.NewID(),
			BucketID:    b.ID,
			CheckNumber: strings.TrimSpace(in.CheckNumber),
			CheckAmount: b.TotalAmount,
			CheckDate:   checkDate,
			BankName:    in.BankName,
			Status:      remit.CheckAssigned,
			AssignedBy:  in.PerformedBy,
			AssignedAt:  now,
		}
		if err := tx.InsertCheckPayment(ctx, p); err != nil {
			return err
		}

		b.PaymentStatus = remit.PaymentAssigned
		b.CheckPaymentID = p.ID
		if err := tx.UpdateBucket(ctx, b); err != nil {
			return err
		}

		if err := tx.AppendCheckAudit(ctx, &remit.CheckAuditLog{
			CheckPaymentID: p.ID,
			Action:         remit.CheckAuditAssigned,
			CheckNumber:    p.CheckNumber,
			Amount:         &p.CheckAmount,
			PerformedBy:    in.PerformedBy,
			Notes:          "manually assigned",
		}); err != nil {
			return err
		}

		ps.Logger.Info("check manually assigned",
			zap.String("bucketId", b.ID),
			zap.String("checkNumber", p.CheckNumber),
			zap.String("assignedBy", in.PerformedBy))

		if b.ApprovedAt != nil && b.Status == remit.BucketPendingApproval && ps.Trigger != nil {
			return ps.Trigger.TransitionToGeneration(ctx, tx, b, in.PerformedBy)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReplaceCheck swaps the number on an already-assigned check, for misprints
// and torn checks. The payment row is updated in place: a VOID audit records
// the old number and a fresh ASSIGNED audit records the new one. Only
// buckets sitting in PENDING_APPROVAL with an ASSIGNED payment can replace;
// once acknowledgment starts the physical check is in play.
func (ps *PaymentService) ReplaceCheck(ctx context.Context, bucketID string, in ManualCheck) (*remit.CheckPayment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var p *remit.CheckPayment
	err := ps.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.Status != remit.BucketPendingApproval || b.PaymentStatus != remit.PaymentAssigned {
			return &remit.CheckAssignmentError{
				BucketID: bucketID,
				Cause: fmt.Errorf("replacement requires PENDING_APPROVAL with an ASSIGNED check, bucket is %s/%s",
					b.Status, b.PaymentStatus),
			}
		}
		p, err = tx.GetCheckPaymentByBucket(ctx, bucketID)
		if err != nil {
			return err
		}

		oldNumber := p.CheckNumber
		newNumber := strings.TrimSpace(in.CheckNumber)
		if err := tx.AppendCheckAudit(ctx, &remit.CheckAuditLog{
			CheckPaymentID: p.ID,
			Action:         remit.CheckAuditVoid,
			CheckNumber:    oldNumber,
			PerformedBy:    in.PerformedBy,
			Notes:          "replaced by " + newNumber,
		}); err != nil {
			return err
		}

		now := time.Now().UTC()
		p.CheckNumber = newNumber
		// The new number was keyed in by hand, so the reservation link no
		// longer describes where it came from. The old number stays consumed.
		p.ReservationID = ""
		p.CheckAmount = b.TotalAmount
		if in.BankName != "" {
			p.BankName = in.BankName
		}
		if !in.CheckDate.IsZero() {
			p.CheckDate = in.CheckDate
		}
		p.AssignedBy = in.PerformedBy
		p.AssignedAt = now
		if err := tx.UpdateCheckPayment(ctx, p); err != nil {
			return err
		}

		if err := tx.AppendCheckAudit(ctx, &remit.CheckAuditLog{
			CheckPaymentID: p.ID,
			Action:         remit.CheckAuditReplaced,
			CheckNumber:    newNumber,
			Amount:         &p.CheckAmount,
			PerformedBy:    in.PerformedBy,
			Notes:          "replacement for " + oldNumber,
		}); err != nil {
			return err
		}

		ps.Logger.Info("check replaced",
			zap.String("bucketId", bucketID),
			zap.String("oldCheckNumber", oldNumber),
			zap.String("newCheckNumber", newNumber),
			zap.String("performedBy", in.PerformedBy))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// AcknowledgeCheck records that the physical check has been printed and
// matched against the bucket. Some payers require this before the 835 may
// be generated (checkPayment.requireAcknowledgmentBeforeEdi).
func (ps *PaymentService) AcknowledgeCheck(ctx context.Context, checkPaymentID, acknowledgedBy string) error {
	return ps.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		p, err := ps.loadForTransition(ctx, tx, checkPaymentID, remit.CheckAcknowledged)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		p.Status = remit.CheckAcknowledged
		p.AcknowledgedBy = acknowledgedBy
		p.AcknowledgedAt = &now
		if err := tx.UpdateCheckPayment(ctx, p); err != nil {
			return err
		}
		if err := ps.syncBucketPaymentStatus(ctx, tx, p.BucketID, remit.PaymentAcknowledged, ""); err != nil {
			return err
		}
		if err := tx.AppendCheckAudit(ctx, &remit.CheckAuditLog{
			CheckPaymentID: p.ID,
			Action:         remit.CheckAuditAcknowledged,
			CheckNumber:    p.CheckNumber,
			PerformedBy:    acknowledgedBy,
		}); err != nil {
			return err
		}
		ps.Logger.Info("check acknowledged",
			zap.String("checkNumber", p.CheckNumber),
			zap.String("bucketId", p.BucketID),
			zap.String("acknowledgedBy", acknowledgedBy))
		return nil
	})
}

// MarkCheckIssued records that the check has physically gone out the door.
func (ps *PaymentService) MarkCheckIssued(ctx context.Context, checkPaymentID, issuedBy string) error {
	return ps.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		p, err := ps.loadForTransition(ctx, tx, checkPaymentID, remit.CheckIssued)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		p.Status = remit.CheckIssued
		p.IssuedBy = issuedBy
		p.IssuedAt = &now
		if err := tx.UpdateCheckPayment(ctx, p); err != nil {
			return err
		}
		if err := ps.syncBucketPaymentStatus(ctx, tx, p.BucketID, remit.PaymentIssued, ""); err != nil {
			return err
		}
		if err := tx.AppendCheckAudit(ctx, &remit.CheckAuditLog{
			CheckPaymentID: p.ID,
			Action:         remit.CheckAuditIssued,
			CheckNumber:    p.CheckNumber,
			PerformedBy:    issuedBy,
		}); err != nil {
			return err
		}
		ps.Logger.Info("check issued",
			zap.String("checkNumber", p.CheckNumber),
			zap.String("bucketId", p.BucketID),
			zap.String("issuedBy", issuedBy))
		return nil
	})
}

// VoidCheck voids an issued check inside the configured time window
// (checkPayment.voidTimeLimitHours). The bucket's payment pointer is cleared
// so a fresh check can be assigned if the remittance is ever re-run.
func (ps *PaymentService) VoidCheck(ctx context.Context, checkPaymentID, voidedBy, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return &remit.ValidationError{Field: "reason", Reason: "a void reason is required"}
	}

	return ps.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		p, err := ps.loadForTransition(ctx, tx, checkPaymentID, remit.CheckVoid)
		if err != nil {
			return err
		}
		limit := ps.settings(ctx).CheckVoidTimeLimitHours
		if p.IssuedAt == nil || time.Since(*p.IssuedAt) > time.Duration(limit)*time.Hour {
			return &remit.ValidationError{
				Field:  "issuedAt",
				Reason: fmt.Sprintf("void window of %d hours has passed for check %s", limit, p.CheckNumber),
			}
		}

		now := time.Now().UTC()
		p.Status = remit.CheckVoid
		p.VoidReason = reason
		p.VoidedBy = voidedBy
		p.VoidedAt = &now
		if err := tx.UpdateCheckPayment(ctx, p); err != nil {
			return err
		}
		if err := ps.syncBucketPaymentStatus(ctx, tx, p.BucketID, remit.PaymentNone, p.ID); err != nil {
			return err
		}
		if err := tx.AppendCheckAudit(ctx, &remit.CheckAuditLog{
			CheckPaymentID: p.ID,
			Action:         remit.CheckAuditVoid,
			CheckNumber:    p.CheckNumber,
			PerformedBy:    voidedBy,
			Notes:          reason,
		}); err != nil {
			return err
		}
		ps.Logger.Warn("check voided",
			zap.String("checkNumber", p.CheckNumber),
			zap.String("bucketId", p.BucketID),
			zap.String("voidedBy", voidedBy),
			zap.String("reason", reason))
		return nil
	})
}

// CancelCheckAssignment withdraws a check that was assigned but never
// acknowledged, for buckets that get rejected after their check went on.
// The number stays consumed; cancellation does not return it to the
// reservation.
func (ps *PaymentService) CancelCheckAssignment(ctx context.Context, checkPaymentID, cancelledBy, reason string) error {
	return ps.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		p, err := ps.loadForTransition(ctx, tx, checkPaymentID, remit.CheckCancelled)
		if err != nil {
			return err
		}
		p.Status = remit.CheckCancelled
		if err := tx.UpdateCheckPayment(ctx, p); err != nil {
			return err
		}
		if err := ps.syncBucketPaymentStatus(ctx, tx, p.BucketID, remit.PaymentNone, p.ID); err != nil {
			return err
		}
		if err := tx.AppendCheckAudit(ctx, &remit.CheckAuditLog{
			CheckPaymentID: p.ID,
			Action:         remit.CheckAuditReleased,
			CheckNumber:    p.CheckNumber,
			PerformedBy:    cancelledBy,
			Notes:          "assignment cancelled: " + reason,
		}); err != nil {
			return err
		}
		ps.Logger.Info("check assignment cancelled",
			zap.String("checkNumber", p.CheckNumber),
			zap.String("bucketId", p.BucketID),
			zap.String("cancelledBy", cancelledBy))
		return nil
	})
}

// GetPaymentForBucket returns the bucket's live check payment.
func (ps *PaymentService) GetPaymentForBucket(ctx context.Context, bucketID string) (*remit.CheckPayment, error) {
	return ps.Store.GetCheckPaymentByBucket(ctx, bucketID)
}

// AuditTrail returns the full audit history of a payment, oldest first.
func (ps *PaymentService) AuditTrail(ctx context.Context, checkPaymentID string) ([]remit.CheckAuditLog, error) {
	return ps.Store.CheckAuditsForPayment(ctx, checkPaymentID)
}

// =============================================================================
// INTERNAL
// =============================================================================

func (ps *PaymentService) loadForTransition(ctx context.Context, tx *sqlite.Store, checkPaymentID string, next remit.CheckStatus) (*remit.CheckPayment, error) {
	p, err := tx.GetCheckPayment(ctx, checkPaymentID)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(next) {
		return nil, &remit.InvalidStateError{
			Entity:    "check payment",
			ID:        checkPaymentID,
			Current:   string(p.Status),
			Attempted: string(next),
		}
	}
	return p, nil
}

// syncBucketPaymentStatus mirrors the check's state onto its bucket. When
// clearPaymentID matches the bucket's pointer the pointer is dropped too
// (void and cancel paths).
func (ps *PaymentService) syncBucketPaymentStatus(ctx context.Context, tx *sqlite.Store, bucketID string, status remit.PaymentStatus, clearPaymentID string) error {
	b, err := tx.GetBucket(ctx, bucketID)
	if err != nil {
		return err
	}
	b.PaymentStatus = status
	if clearPaymentID != "" && b.CheckPaymentID == clearPaymentID {
		b.CheckPaymentID = ""
	}
	return tx.UpdateBucket(ctx, b)
}

func (ps *PaymentService) settings(ctx context.Context) config.Settings {
	if ps.Settings == nil {
		return config.DefaultSettings()
	}
	return ps.Settings.Current(ctx)
}
