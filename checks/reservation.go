/*
Package checks manages physical check inventory and the payments that attach
checks to remittance buckets.

TWO HALVES:

  - ReservationService: ranges of pre-printed check numbers registered per
    payer ("checks 1001-1500 from First National"). Numbers are handed out
    strictly in sequence from the oldest ACTIVE range.
  - PaymentService: attaching one check to one bucket, and walking the check
    through its lifecycle (ASSIGNED -> ACKNOWLEDGED -> ISSUED -> VOID).

TRANSACTION MODES:

Reserving a number is a read-modify-write on the reservation row. The service
supports two modes, selected by checkReservation.useSeparateTransaction:

  - joined (default): the increment runs inside the caller's transaction. A
    later failure rolls the increment back with everything else, so no
    compensation is ever needed. This is the right mode for a single-writer
    store.
  - independent: the increment commits on its own before the payment work
    starts. If the payment work then fails, ReleaseReservedCheck must undo
    the increment. A failed release is logged CRITICAL and requires manual
    intervention.

SEE ALSO:

	reservation.go  - ranges, allocation, release, cancel
	payment.go      - check <-> bucket attachment and lifecycle
*/
package checks

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

// ReservationService owns check number ranges. Allocation always draws from
// the oldest ACTIVE reservation with numbers left, so ranges drain in the
// order they were registered.
type ReservationService struct {
	Store    *sqlite.Store
	Settings *config.SettingsSource
	Logger   *zap.Logger
}

func NewReservationService(store *sqlite.Store, settings *config.SettingsSource, logger *zap.Logger) *ReservationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationService{Store: store, Settings: settings, Logger: logger.Named("checks")}
}

// =============================================================================
// RANGE REGISTRATION
// =============================================================================

// NewReservation is the input for registering a check range.
type NewReservation struct {
	PayerID            string
	CheckNumberStart   string
	CheckNumberEnd     string
	BankName           string
	RoutingNumber      string
	AccountNumberLast4 string
	CreatedBy          string
}

// CreateReservation registers a range of physical check numbers for a payer.
// Start and end must share the same non-numeric prefix, the numeric parts
// must form a non-empty ascending range, and the range must not overlap any
// existing ACTIVE or EXHAUSTED reservation for the payer. Cancelled ranges
// never issued a number, so their numbers may be registered again.
func (rs *ReservationService) CreateReservation(ctx context.Context, in NewReservation) (*remit.CheckReservation, error) {
	if strings.TrimSpace(in.PayerID) == "" {
		return nil, &remit.ValidationError{Field: "payerId", Reason: "payer is required"}
	}
	startPrefix, startNum, err := splitCheckNumber(in.CheckNumberStart)
	if err != nil {
		return nil, &remit.ValidationError{Field: "checkNumberStart", Reason: err.Error()}
	}
	endPrefix, endNum, err := splitCheckNumber(in.CheckNumberEnd)
	if err != nil {
		return nil, &remit.ValidationError{Field: "checkNumberEnd", Reason: err.Error()}
	}
	if startPrefix != endPrefix {
		return nil, &remit.ValidationError{Field: "checkNumberEnd", Reason: "start and end must share the same prefix"}
	}
	total := endNum - startNum + 1
	if total < 1 {
		return nil, &remit.ValidationError{Field: "checkNumberEnd", Reason: "end must not be lower than start"}
	}

	r := &remit.CheckReservation{
		ID:                 remit.NewID(),
		PayerID:            in.PayerID,
		CheckNumberStart:   strings.TrimSpace(in.CheckNumberStart),
		CheckNumberEnd:     strings.TrimSpace(in.CheckNumberEnd),
		TotalChecks:        total,
		ChecksUsed:         0,
		Status:             remit.ReservationActive,
		BankName:           in.BankName,
		RoutingNumber:      in.RoutingNumber,
		AccountNumberLast4: in.AccountNumberLast4,
		CreatedBy:          in.CreatedBy,
	}

	err = rs.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		existing, err := tx.ListReservationsForPayer(ctx, in.PayerID)
		if err != nil {
			return err
		}
		for i := range existing {
			other := &existing[i]
			if other.Status == remit.ReservationCancelled {
				continue
			}
			oPrefix, oStart, err := splitCheckNumber(other.CheckNumberStart)
			if err != nil {
				continue
			}
			_, oEnd, err := splitCheckNumber(other.CheckNumberEnd)
			if err != nil {
				continue
			}
			if oPrefix != startPrefix {
				continue
			}
			if startNum <= oEnd && oStart <= endNum {
				return fmt.Errorf("range %s-%s collides with reservation %s (%s-%s): %w",
					in.CheckNumberStart, in.CheckNumberEnd,
					other.ID, other.CheckNumberStart, other.CheckNumberEnd,
					remit.ErrReservationOverlap)
			}
		}
		return tx.InsertReservation(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	rs.Logger.Info("check reservation created",
		zap.String("reservationId", r.ID),
		zap.String("payerId", r.PayerID),
		zap.String("range", r.CheckNumberStart+"-"+r.CheckNumberEnd),
		zap.Int("totalChecks", r.TotalChecks))
	return r, nil
}

// =============================================================================
// ALLOCATION
// =============================================================================

// GetAndReserveNextCheck takes the next unused number from the oldest ACTIVE
// reservation for the payer and increments checksUsed. When the last number
// goes out the reservation flips to EXHAUSTED; when remaining stock falls to
// the configured low-stock threshold a warning is logged.
//
// The work runs through st.WithTx: pass a tx-bound store to join the caller's
// transaction (joined mode), or the root store to commit independently. In
// the independent case the caller owns the compensation path and must call
// ReleaseReservedCheck if its follow-up work fails.
func (rs *ReservationService) GetAndReserveNextCheck(ctx context.Context, st *sqlite.Store, payerID, bucketID string) (*remit.ReservedCheckInfo, error) {
	var info *remit.ReservedCheckInfo
	err := st.WithTx(ctx, func(tx *sqlite.Store) error {
		r, err := tx.OldestActiveReservation(ctx, payerID)
		if err != nil {
			return err
		}
		next, err := nextCheckNumber(r)
		if err != nil {
			return err
		}
		r.ChecksUsed++
		if r.ChecksUsed >= r.TotalChecks {
			r.Status = remit.ReservationExhausted
		}
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		info = &remit.ReservedCheckInfo{
			CheckNumber:   next,
			ReservationID: r.ID,
			BankName:      r.BankName,
			Remaining:     r.ChecksRemaining(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if threshold := rs.lowStockThreshold(ctx); info.Remaining <= threshold {
		rs.Logger.Warn("check stock low for payer",
			zap.String("payerId", payerID),
			zap.String("reservationId", info.ReservationID),
			zap.Int("remaining", info.Remaining),
			zap.Int("threshold", threshold))
	}
	rs.Logger.Info("check number reserved",
		zap.String("checkNumber", info.CheckNumber),
		zap.String("reservationId", info.ReservationID),
		zap.String("bucketId", bucketID),
		zap.Int("remaining", info.Remaining))
	return info, nil
}

// ReleaseReservedCheck is the compensation for GetAndReserveNextCheck in
// independent mode: it decrements checksUsed and reopens an EXHAUSTED
// reservation. Only the most recently issued number can be released, so the
// sequence stays dense.
//
// If the release itself fails the reserved number is lost until an operator
// fixes the reservation by hand, so the failure is logged CRITICAL with both
// identifiers.
func (rs *ReservationService) ReleaseReservedCheck(ctx context.Context, checkNumber, reservationID, reason string) error {
	err := rs.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.ChecksUsed <= 0 {
			return fmt.Errorf("reservation %s has no issued checks to release", reservationID)
		}
		last, err := lastIssuedNumber(r)
		if err != nil {
			return err
		}
		if last != checkNumber {
			return fmt.Errorf("check %s is not the last issued number of reservation %s (expected %s)",
				checkNumber, reservationID, last)
		}
		r.ChecksUsed--
		if r.Status == remit.ReservationExhausted {
			r.Status = remit.ReservationActive
		}
		return tx.UpdateReservation(ctx, r)
	})
	if err != nil {
		rs.Logger.Error("CRITICAL: failed to release reserved check, reservation requires manual correction",
			zap.String("checkNumber", checkNumber),
			zap.String("reservationId", reservationID),
			zap.String("releaseReason", reason),
			zap.Error(err))
		return err
	}

	rs.Logger.Info("reserved check released",
		zap.String("checkNumber", checkNumber),
		zap.String("reservationId", reservationID),
		zap.String("reason", reason))
	return nil
}

// CancelReservation retires a range that never issued a number. Ranges with
// issued checks cannot be cancelled; their numbers are out in the world.
func (rs *ReservationService) CancelReservation(ctx context.Context, reservationID, cancelledBy string) error {
	return rs.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.ChecksUsed != 0 {
			return &remit.ValidationError{
				Field:  "checksUsed",
				Reason: fmt.Sprintf("reservation has issued %d checks and cannot be cancelled", r.ChecksUsed),
			}
		}
		if r.Status == remit.ReservationCancelled {
			return nil
		}
		r.Status = remit.ReservationCancelled
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		rs.Logger.Info("check reservation cancelled",
			zap.String("reservationId", reservationID),
			zap.String("cancelledBy", cancelledBy))
		return nil
	})
}

// ListReservations returns every reservation registered for a payer.
func (rs *ReservationService) ListReservations(ctx context.Context, payerID string) ([]remit.CheckReservation, error) {
	return rs.Store.ListReservationsForPayer(ctx, payerID)
}

func (rs *ReservationService) lowStockThreshold(ctx context.Context) int {
	if rs.Settings == nil {
		return config.DefaultSettings().CheckLowStockThreshold
	}
	return rs.Settings.Current(ctx).CheckLowStockThreshold
}

// =============================================================================
// CHECK NUMBER ARITHMETIC
// =============================================================================

// splitCheckNumber splits "A01001" into its prefix "A" and numeric value
// 1001. The numeric part is everything from the first digit onward.
func splitCheckNumber(s string) (prefix string, num int, err error) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if i < 0 {
		return "", 0, fmt.Errorf("check number %q has no numeric part", s)
	}
	num, err = strconv.Atoi(s[i:])
	if err != nil {
		return "", 0, fmt.Errorf("check number %q has a malformed numeric part", s)
	}
	return s[:i], num, nil
}

// nextCheckNumber computes the number that the reservation will issue next,
// preserving the prefix and the zero-padding width of the range start.
func nextCheckNumber(r *remit.CheckReservation) (string, error) {
	return numberAt(r, r.ChecksUsed)
}

// lastIssuedNumber is the number most recently handed out, used to validate
// a release.
func lastIssuedNumber(r *remit.CheckReservation) (string, error) {
	return numberAt(r, r.ChecksUsed-1)
}

func numberAt(r *remit.CheckReservation, offset int) (string, error) {
	prefix, start, err := splitCheckNumber(r.CheckNumberStart)
	if err != nil {
		return "", err
	}
	width := len(r.CheckNumberStart) - len(prefix)
	return fmt.Sprintf("%s%0*d", prefix, width, start+offset), nil
}
