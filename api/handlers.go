/*
handlers.go - HTTP handlers of the remittance operations surface

PURPOSE:
  Exposes the pipeline over REST: claim intake, bucket inspection and
  approval actions, check reservation and payment actions, generated-file
  queries and delivery triggers. Handlers parse, validate, delegate to the
  domain services, and serialize; no business rules live here.

ENDPOINTS:
  Claims:
    POST   /api/claims                       Ingest one normalized claim

  Buckets:
    GET    /api/buckets                      List (optional ?status=)
    GET    /api/buckets/{id}                 One bucket
    GET    /api/buckets/{id}/logs            Processing log (?outcome=)
    GET    /api/buckets/{id}/approvals       Approval audit trail
    POST   /api/buckets/{id}/approve         PENDING_APPROVAL -> GENERATING
    POST   /api/buckets/{id}/reject          PENDING_APPROVAL -> ACCUMULATING
    POST   /api/buckets/{id}/reset           FAILED -> ACCUMULATING
    POST   /api/buckets/approve              Bulk approve
    POST   /api/buckets/{id}/evaluate        Force a threshold evaluation

  Checks:
    POST   /api/reservations                 Register a check-number range
    GET    /api/reservations                 List (?payerId=)
    DELETE /api/reservations/{id}            Cancel an unused range
    GET    /api/buckets/{id}/payment         Check attached to a bucket
    POST   /api/buckets/{id}/payment         Manual check assignment
    PUT    /api/buckets/{id}/payment         Replace an assigned check
    POST   /api/payments/{id}/acknowledge    ASSIGNED -> ACKNOWLEDGED
    POST   /api/payments/{id}/issue          ACKNOWLEDGED -> ISSUED
    POST   /api/payments/{id}/void           Void (bucket must not be in flight)
    POST   /api/payments/{id}/cancel         Detach before generation
    GET    /api/payments/{id}/audit          Check audit trail

  Files:
    GET    /api/files                        Delivery queue (?status=)
    GET    /api/files/{id}                   Metadata
    GET    /api/files/{id}/content           Raw 835 download
    POST   /api/files/{id}/deliver           Push one file now
    POST   /api/files/{id}/mark-delivered    Manual delivery confirmation
    POST   /api/files/deliver-pending        Run the pending sweep now

  GET /healthz                               Liveness

ERROR MAPPING:
  Domain sentinels map to statuses: validation 400, not-found 404,
  invalid-state / payment-required / no-checks 409, everything else 500.
  Actor identity arrives in request bodies; authn is upstream.

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lumera/remit-engine/bucket"
	"github.com/lumera/remit-engine/checks"
	"github.com/lumera/remit-engine/delivery"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

const listLimit = 200

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the services behind the HTTP surface.
type Handler struct {
	Store        *sqlite.Store
	Aggregator   *bucket.Aggregator
	Approval     *bucket.Approval
	Manager      *bucket.Manager
	Payments     *checks.PaymentService
	Reservations *checks.ReservationService
	Delivery     *delivery.Engine
	Sweeper      *delivery.Scheduler
	Logger       *zap.Logger
}

// =============================================================================
// CLAIM INTAKE
// =============================================================================

// IngestClaim accepts one normalized claim and folds it into a bucket.
// Rejected claims still return an error body; their rejection is already
// recorded in the processing log.
func (h *Handler) IngestClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	charge, err := parseAmount("totalChargeAmount", req.TotalChargeAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	paid, err := parseAmount("paidAmount", req.PaidAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	claim := &remit.Claim{
		ID:                req.ID,
		PayerID:           req.PayerID,
		PayeeID:           req.PayeeID,
		BinNumber:         req.BinNumber,
		PCNNumber:         req.PCNNumber,
		TotalChargeAmount: charge,
		PaidAmount:        paid,
		Status:            req.Status,
	}

	if err := h.Aggregator.AggregateClaim(r.Context(), claim); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"claimId": claim.ID,
		"status":  claim.Status,
	})
}

// =============================================================================
// BUCKETS
// =============================================================================

// ListBuckets returns buckets, newest first, optionally filtered by status.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := r.URL.Query().Get("status")

	var (
		buckets []remit.Bucket
		err     error
	)
	if status != "" {
		buckets, err = h.Store.ListBucketsByStatus(ctx, remit.BucketStatus(strings.ToUpper(status)), listLimit)
	} else {
		buckets, err = h.Store.ListBuckets(ctx, listLimit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list buckets", err)
		return
	}

	dtos := make([]BucketDTO, len(buckets))
	for i := range buckets {
		dtos[i] = toBucketDTO(&buckets[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBucket returns one bucket.
func (h *Handler) GetBucket(w http.ResponseWriter, r *http.Request) {
	b, err := h.Store.GetBucket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBucketDTO(b))
}

// GetBucketLogs returns the per-claim processing log of a bucket.
func (h *Handler) GetBucketLogs(w http.ResponseWriter, r *http.Request) {
	outcome := remit.ClaimOutcome(strings.ToUpper(r.URL.Query().Get("outcome")))
	logs, err := h.Store.ProcessingLogsForBucket(r.Context(), chi.URLParam(r, "id"), outcome)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load processing logs", err)
		return
	}
	dtos := make([]ProcessingLogDTO, len(logs))
	for i := range logs {
		dtos[i] = toProcessingLogDTO(&logs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBucketApprovals returns the approval audit trail of a bucket.
func (h *Handler) GetBucketApprovals(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Store.ApprovalLogsForBucket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load approval logs", err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// ApproveBucket moves a PENDING_APPROVAL bucket into generation.
func (h *Handler) ApproveBucket(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Approval.ApproveBucket(r.Context(), chi.URLParam(r, "id"), req.ApprovedBy, req.Comments); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkApproveBuckets approves a batch; reports how many succeeded.
func (h *Handler) BulkApproveBuckets(w http.ResponseWriter, r *http.Request) {
	var req BulkApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	approved, err := h.Approval.BulkApproveBuckets(r.Context(), req.BucketIDs, req.ApprovedBy, req.Comments)
	if err != nil && approved == 0 {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: approved})
}

// RejectBucket returns a PENDING_APPROVAL bucket to accumulation.
func (h *Handler) RejectBucket(w http.ResponseWriter, r *http.Request) {
	var req RejectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Approval.RejectBucket(r.Context(), chi.URLParam(r, "id"), req.RejectedBy, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetFailedBucket returns a FAILED bucket to accumulation.
func (h *Handler) ResetFailedBucket(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Approval.ResetFailedBucket(r.Context(), chi.URLParam(r, "id"), req.By, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EvaluateBucket forces a threshold evaluation outside the monitor schedule.
func (h *Handler) EvaluateBucket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Manager.EvaluateBucket(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	b, err := h.Store.GetBucket(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBucketDTO(b))
}

// =============================================================================
// CHECK RESERVATIONS
// =============================================================================

// CreateReservation registers a contiguous check-number range for a payer.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req ReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	res, err := h.Reservations.CreateReservation(r.Context(), checks.NewReservation{
		PayerID:            req.PayerID,
		CheckNumberStart:   req.CheckNumberStart,
		CheckNumberEnd:     req.CheckNumberEnd,
		BankName:           req.BankName,
		RoutingNumber:      req.RoutingNumber,
		AccountNumberLast4: req.AccountNumberLast4,
		CreatedBy:          req.CreatedBy,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res))
}

// ListReservations returns reservations, optionally for one payer.
func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reservations.ListReservations(r.Context(), r.URL.Query().Get("payerId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list reservations", err)
		return
	}
	dtos := make([]ReservationDTO, len(res))
	for i := range res {
		dtos[i] = toReservationDTO(&res[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelReservation cancels a reservation with no issued checks.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Reservations.CancelReservation(r.Context(), chi.URLParam(r, "id"), req.By); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CHECK PAYMENTS
// =============================================================================

// GetBucketPayment returns the check attached to a bucket.
func (h *Handler) GetBucketPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.GetPaymentForBucket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckPaymentDTO(p))
}

// AssignCheck attaches a manually-entered check number to a bucket.
func (h *Handler) AssignCheck(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeManualCheck(w, r)
	if !ok {
		return
	}
	p, err := h.Payments.AssignCheckManually(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCheckPaymentDTO(p))
}

// ReplaceCheck swaps the assigned check before generation consumes it.
func (h *Handler) ReplaceCheck(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeManualCheck(w, r)
	if !ok {
		return
	}
	p, err := h.Payments.ReplaceCheck(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckPaymentDTO(p))
}

func (h *Handler) decodeManualCheck(w http.ResponseWriter, r *http.Request) (checks.ManualCheck, bool) {
	var req ManualCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return checks.ManualCheck{}, false
	}
	checkDate := time.Now().UTC()
	if req.CheckDate != "" {
		d, err := time.Parse("2006-01-02", req.CheckDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid checkDate (use YYYY-MM-DD)", err)
			return checks.ManualCheck{}, false
		}
		checkDate = d
	}
	return checks.ManualCheck{
		CheckNumber: req.CheckNumber,
		BankName:    req.BankName,
		CheckDate:   checkDate,
		PerformedBy: req.AssignedBy,
	}, true
}

// AcknowledgeCheck confirms the physical check has been prepared.
func (h *Handler) AcknowledgeCheck(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, h.Payments.AcknowledgeCheck)
}

// IssueCheck records the check as mailed or handed over.
func (h *Handler) IssueCheck(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, h.Payments.MarkCheckIssued)
}

// paymentAction runs a two-argument payment transition from an ActorRequest.
func (h *Handler) paymentAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, by string) error) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := fn(r.Context(), chi.URLParam(r, "id"), req.By); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VoidCheck voids an assigned check; the number is burned, never reused.
func (h *Handler) VoidCheck(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Payments.VoidCheck(r.Context(), chi.URLParam(r, "id"), req.By, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelCheckAssignment detaches a check from its bucket before generation.
func (h *Handler) CancelCheckAssignment(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Payments.CancelCheckAssignment(r.Context(), chi.URLParam(r, "id"), req.By, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCheckAudit returns the audit trail of a check payment.
func (h *Handler) GetCheckAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := h.Payments.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

// =============================================================================
// GENERATED FILES
// =============================================================================

// ListFiles returns the delivery queue, optionally filtered by status.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	var statuses []remit.DeliveryStatus
	if s := r.URL.Query().Get("status"); s != "" {
		statuses = append(statuses, remit.DeliveryStatus(strings.ToUpper(s)))
	}
	files, err := h.Store.ListDeliveries(r.Context(), statuses, -1, listLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list files", err)
		return
	}
	dtos := make([]FileDTO, len(files))
	for i := range files {
		dtos[i] = toFileDTO(&files[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetFile returns file metadata without content.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.Store.GetFileHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileDTO(f))
}

// DownloadFile streams the raw 835 content.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.Store.GetFileHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/edi-x12")
	w.Header().Set("Content-Disposition", `attachment; filename="`+f.GeneratedFileName+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(f.FileContent)
}

// DeliverFile pushes one file to its payer's SFTP endpoint now.
func (h *Handler) DeliverFile(w http.ResponseWriter, r *http.Request) {
	if err := h.Delivery.DeliverFile(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkFileDelivered records an out-of-band delivery confirmation.
func (h *Handler) MarkFileDelivered(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Delivery.MarkAsDelivered(r.Context(), chi.URLParam(r, "id"), req.By); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeliverPending runs the pending-delivery sweep outside the cron schedule.
func (h *Handler) DeliverPending(w http.ResponseWriter, r *http.Request) {
	delivered, failed, err := h.Sweeper.SweepPending(r.Context())
	if err != nil {
		h.Logger.Warn("manual delivery sweep finished with failures",
			zap.Int("delivered", delivered),
			zap.Int("failed", failed),
			zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered, "failed": failed})
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness; a failing settings read means the store is gone.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Store.Settings(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		message = message + ": " + err.Error()
	}
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps domain sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case remit.IsValidation(err):
		status = http.StatusBadRequest
	case remit.IsNotFound(err):
		status = http.StatusNotFound
	case remit.IsClientError(err):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
