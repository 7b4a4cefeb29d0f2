/*
approval.go - The human side of PENDING_APPROVAL

PURPOSE:
  Approve, reject or reset buckets that a MANUAL or HYBRID commit criteria
  parked for review. Approval and any automatic check assignment it triggers
  share one transaction: the approval log, approvedBy/approvedAt, the payment
  row and the GENERATING transition commit together or not at all. Only the
  check reservation increment may commit separately, when the reservation
  service runs in its independent-transaction mode.

AUTHORIZATION:
  Role checks sit behind AuthorizationPolicy. The default keyword policy
  (role contains ADMIN / MANAGER / APPROVER) mirrors what operations teams
  run today; RoleSetAuthorization does exact set membership for deployments
  that map the commit criteria's approvalRoles onto real groups.
*/
package bucket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

// AuthorizationPolicy answers whether a caller holding the given roles (a
// comma-separated list, as carried by the upstream identity header) may
// approve buckets.
type AuthorizationPolicy interface {
	IsAuthorizedToApprove(roles string) bool
}

type Approval struct {
	Store   *sqlite.Store
	Manager *Manager
	Auth    AuthorizationPolicy // nil means KeywordAuthorization
	Logger  *zap.Logger
}

// =============================================================================
// APPROVE
// =============================================================================

// ApproveBucket records the approval and moves the bucket towards
// GENERATING. When the bucket needs a payment that is not yet assigned, the
// threshold's workflow may auto-assign a check; in that case the payment
// service itself triggers generation and the transition is not repeated
// here. An assignment failure rolls the whole approval back.
func (s *Approval) ApproveBucket(ctx context.Context, bucketID, approvedBy, comments string) error {
	if strings.TrimSpace(approvedBy) == "" {
		return &remit.ValidationError{Field: "approvedBy", Reason: "required"}
	}

	return s.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.Status != remit.BucketPendingApproval {
			return &remit.InvalidStateError{
				Entity:    "bucket",
				ID:        b.ID,
				Current:   string(b.Status),
				Attempted: string(remit.BucketGenerating),
			}
		}

		if err := tx.AppendApprovalLog(ctx, &remit.ApprovalLog{
			BucketID:    b.ID,
			Action:      remit.ApprovalActionApproval,
			PerformedBy: approvedBy,
			Comments:    comments,
		}); err != nil {
			return err
		}

		now := time.Now().UTC()
		b.ApprovedBy = approvedBy
		b.ApprovedAt = &now
		if err := tx.UpdateBucket(ctx, b); err != nil {
			return err
		}

		if !b.PaymentRequired || b.HasPaymentAssigned() {
			return s.Manager.TransitionToGeneration(ctx, tx, b, approvedBy)
		}

		err = s.Manager.autoAssign(ctx, tx, b, nil, approvedBy)
		switch {
		case err == nil:
			// The payment service saw an approved bucket and triggered
			// generation itself.
			return nil
		case remit.IsPaymentRequired(err):
			s.Logger.Info("approval recorded, awaiting manual check assignment",
				zap.String("bucketId", b.ID),
				zap.String("detail", err.Error()))
			return nil
		case errors.Is(err, remit.ErrCheckAssignment):
			return err
		default:
			return &remit.CheckAssignmentError{BucketID: b.ID, Cause: err}
		}
	})
}

// BulkApproveBuckets approves each bucket in its own transaction; one
// failure does not abort the rest. Returns how many were approved, plus the
// combined failures.
func (s *Approval) BulkApproveBuckets(ctx context.Context, bucketIDs []string, approvedBy, comments string) (int, error) {
	approved := 0
	var errs error
	for _, id := range bucketIDs {
		if err := s.ApproveBucket(ctx, id, approvedBy, comments); err != nil {
			s.Logger.Warn("bulk approval skipped bucket",
				zap.String("bucketId", id),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("bucket %s: %w", id, err))
			continue
		}
		approved++
	}
	return approved, errs
}

// =============================================================================
// REJECT AND RESET
// =============================================================================

// RejectBucket fails a pending bucket. The rejection reason lands in the
// approval log and in the bucket's lastErrorMessage.
func (s *Approval) RejectBucket(ctx context.Context, bucketID, rejectedBy, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return &remit.ValidationError{Field: "reason", Reason: "required"}
	}

	return s.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.Status != remit.BucketPendingApproval {
			return &remit.InvalidStateError{
				Entity:    "bucket",
				ID:        b.ID,
				Current:   string(b.Status),
				Attempted: string(remit.BucketFailed),
			}
		}

		if err := tx.AppendApprovalLog(ctx, &remit.ApprovalLog{
			BucketID:    b.ID,
			Action:      remit.ApprovalActionRejection,
			PerformedBy: rejectedBy,
			Comments:    reason,
		}); err != nil {
			return err
		}
		return s.Manager.MarkFailed(ctx, tx, b, fmt.Sprintf("Rejected by %s: %s", rejectedBy, reason))
	})
}

// ResetFailedBucket reopens a FAILED bucket for accumulation. An OVERRIDE
// entry keeps the manual intervention on the audit trail.
func (s *Approval) ResetFailedBucket(ctx context.Context, bucketID, by, reason string) error {
	return s.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.Status != remit.BucketFailed {
			return &remit.InvalidStateError{
				Entity:    "bucket",
				ID:        b.ID,
				Current:   string(b.Status),
				Attempted: string(remit.BucketAccumulating),
			}
		}

		if err := tx.AppendApprovalLog(ctx, &remit.ApprovalLog{
			BucketID:    b.ID,
			Action:      remit.ApprovalActionOverride,
			PerformedBy: by,
			Comments:    "RESET: " + reason,
		}); err != nil {
			return err
		}
		return s.Manager.ReturnToAccumulating(ctx, tx, b)
	})
}

// =============================================================================
// AUTHORIZATION POLICIES
// =============================================================================

func (s *Approval) IsAuthorizedToApprove(roles string) bool {
	policy := s.Auth
	if policy == nil {
		policy = KeywordAuthorization{}
	}
	return policy.IsAuthorizedToApprove(roles)
}

// KeywordAuthorization approves any role whose name contains ADMIN, MANAGER
// or APPROVER. Placeholder until the identity provider exposes real groups.
type KeywordAuthorization struct{}

func (KeywordAuthorization) IsAuthorizedToApprove(roles string) bool {
	for _, role := range strings.Split(roles, ",") {
		role = strings.ToUpper(strings.TrimSpace(role))
		if strings.Contains(role, "ADMIN") ||
			strings.Contains(role, "MANAGER") ||
			strings.Contains(role, "APPROVER") {
			return true
		}
	}
	return false
}

// RoleSetAuthorization approves exact membership in a configured role set.
type RoleSetAuthorization struct {
	Allowed []string
}

func (p RoleSetAuthorization) IsAuthorizedToApprove(roles string) bool {
	allowed := make(map[string]struct{}, len(p.Allowed))
	for _, r := range p.Allowed {
		allowed[strings.ToUpper(strings.TrimSpace(r))] = struct{}{}
	}
	for _, role := range strings.Split(roles, ",") {
		if _, ok := allowed[strings.ToUpper(strings.TrimSpace(role))]; ok {
			return true
		}
	}
	return false
}
