/*
Package remit provides the core domain model for the remittance pipeline.

PURPOSE:
  This package contains the entities and state machines shared by every other
  package: buckets, claims, processing logs, check reservations and payments,
  approval and check audit trails, and generated-file history. It has no
  persistence and no I/O - services in bucket/, checks/, edi/ and delivery/
  operate on these values through the store.

KEY CONCEPTS IN THIS FILE (types.go):
  - Bucket: a working set of claims destined for one 835 output file
  - BucketStatus: the bucket state machine (ACCUMULATING ... COMPLETED)
  - ClaimProcessingLog: append-only per-claim audit (PROCESSED / REJECTED)
  - CheckReservation / CheckPayment: pre-allocated check ranges and the
    check lifecycle attached to a bucket
  - FileGenerationHistory: the generated 835 bytes plus delivery state

DESIGN PRINCIPLES:
  1. Ids only: entities reference each other by id, never by pointer.
     Relations are resolved by explicit store lookups at use-site.
  2. Precision: decimal.Decimal for every monetary amount.
  3. One transition table: BucketStatus.CanTransition is the single
     source of legality for state changes; services never hand-roll it.
  4. Auditability: every state-changing operation leaves a log row.

SEE ALSO:
  - errors.go: sentinel and structured error types
  - normalize.go: payer/payee identifier canonicalisation
  - events.go: in-process bucket-transition event bus
*/
package remit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewID returns a fresh opaque identifier. All entity ids in the system are
// UUID strings.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// BUCKET - The central aggregate of the pipeline
// =============================================================================

type BucketStatus string

const (
	BucketAccumulating    BucketStatus = "ACCUMULATING"
	BucketPendingApproval BucketStatus = "PENDING_APPROVAL"
	BucketGenerating      BucketStatus = "GENERATING"
	BucketCompleted       BucketStatus = "COMPLETED"
	BucketFailed          BucketStatus = "FAILED"
	BucketMissingConfig   BucketStatus = "MISSING_CONFIGURATION"
)

// bucketTransitions encodes the legal edges of the bucket state machine.
//
//	ACCUMULATING     -> PENDING_APPROVAL | GENERATING | MISSING_CONFIGURATION
//	PENDING_APPROVAL -> GENERATING | FAILED | MISSING_CONFIGURATION
//	GENERATING       -> COMPLETED | FAILED
//	FAILED           -> ACCUMULATING            (operator reset)
//	MISSING_CONFIGURATION -> ACCUMULATING       (configuration restored)
//	COMPLETED        -> (terminal)
var bucketTransitions = map[BucketStatus][]BucketStatus{
	BucketAccumulating:    {BucketPendingApproval, BucketGenerating, BucketMissingConfig},
	BucketPendingApproval: {BucketGenerating, BucketFailed, BucketMissingConfig},
	BucketGenerating:      {BucketCompleted, BucketFailed},
	BucketFailed:          {BucketAccumulating},
	BucketMissingConfig:   {BucketAccumulating},
	BucketCompleted:       nil,
}

// CanTransition reports whether moving from s to next is a legal edge.
// Re-entering the current state is never legal - state setters are
// one-shot and repeating one is an InvalidStateError.
func (s BucketStatus) CanTransition(next BucketStatus) bool {
	for _, allowed := range bucketTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing edges.
func (s BucketStatus) Terminal() bool {
	return len(bucketTransitions[s]) == 0
}

type PaymentStatus string

const (
	PaymentNone         PaymentStatus = "NONE"
	PaymentAssigned     PaymentStatus = "ASSIGNED"
	PaymentAcknowledged PaymentStatus = "ACKNOWLEDGED"
	PaymentIssued       PaymentStatus = "ISSUED"
)

// Bucket accumulates claims for a single (rule, payer, payee[, bin, pcn]) key
// until a generation threshold fires. Payer/payee names are denormalised so
// file naming and 835 assembly do not need master lookups on the hot path.
type Bucket struct {
	ID              string
	BucketingRuleID string

	PayerID   string
	PayerName string
	PayeeID   string
	PayeeName string
	BinNumber string // BIN_PCN rules only
	PCNNumber string // BIN_PCN rules only

	Status      BucketStatus
	ClaimCount  int
	TotalAmount decimal.Decimal // sum of paid amounts, scale 2

	// Fixed at creation from the rule's commit criteria.
	PaymentRequired bool
	PaymentStatus   PaymentStatus
	CheckPaymentID  string

	// Resolved at creation: rule-linked template preferred, else the
	// system default, else empty (expander falls back).
	FileNamingTemplateID string

	ApprovedBy            string
	ApprovedAt            *time.Time
	AwaitingApprovalSince *time.Time
	GenerationStartedAt   *time.Time
	GenerationCompletedAt *time.Time

	LastErrorMessage string
	LastErrorAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPaymentAssigned reports whether a check has been attached to the bucket.
func (b *Bucket) HasPaymentAssigned() bool {
	return b.CheckPaymentID != "" && b.PaymentStatus != PaymentNone
}

// =============================================================================
// CLAIM - Input record (not persisted; its processing log is)
// =============================================================================

// Claim is a normalized pharmacy claim as handed over by the upstream
// ingestion layer. The core consumes it exactly once.
type Claim struct {
	ID                string
	PayerID           string
	PayeeID           string
	BinNumber         string
	PCNNumber         string
	TotalChargeAmount decimal.Decimal
	PaidAmount        decimal.Decimal
	Status            string
}

type ClaimOutcome string

const (
	ClaimProcessed ClaimOutcome = "PROCESSED"
	ClaimRejected  ClaimOutcome = "REJECTED"
)

// ClaimProcessingLog is the append-only per-claim audit row. For PROCESSED
// claims it records the bucket the claim landed in and the amounts that were
// folded into the bucket totals; those rows later become the CLP loops of the
// generated 835.
type ClaimProcessingLog struct {
	ID           string
	ClaimID      string
	BucketID     string // empty for claims rejected before bucket resolution
	PayerID      string
	PayeeID      string
	Outcome      ClaimOutcome
	Reason       string
	ChargeAmount decimal.Decimal
	PaidAmount   decimal.Decimal
	ProcessedAt  time.Time
}

// =============================================================================
// CHECK RESERVATION - Pre-allocated contiguous check-number ranges
// =============================================================================

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationExhausted ReservationStatus = "EXHAUSTED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// CheckReservation is a contiguous range of check numbers pre-allocated to a
// payer. Ranges for the same payer never overlap. Invariant:
// 0 <= ChecksUsed <= TotalChecks, and Status is EXHAUSTED exactly when
// ChecksUsed == TotalChecks.
type CheckReservation struct {
	ID                 string
	PayerID            string
	CheckNumberStart   string
	CheckNumberEnd     string
	TotalChecks        int
	ChecksUsed         int
	Status             ReservationStatus
	BankName           string
	RoutingNumber      string
	AccountNumberLast4 string
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ChecksRemaining returns how many numbers are still available in the range.
func (r *CheckReservation) ChecksRemaining() int {
	return r.TotalChecks - r.ChecksUsed
}

// ReservedCheckInfo is returned by the reservation service when a number has
// been taken from a range. The caller keeps it for the compensation path.
type ReservedCheckInfo struct {
	CheckNumber   string
	ReservationID string
	BankName      string
	Remaining     int
}

// =============================================================================
// CHECK PAYMENT - One check attached to one bucket
// =============================================================================

type CheckStatus string

const (
	CheckAssigned     CheckStatus = "ASSIGNED"
	CheckAcknowledged CheckStatus = "ACKNOWLEDGED"
	CheckIssued       CheckStatus = "ISSUED"
	CheckVoid         CheckStatus = "VOID"
	CheckCancelled    CheckStatus = "CANCELLED"
)

// checkTransitions: the lifecycle advances linearly, VOID only from ISSUED
// (and only inside the configured void window - enforced by the service).
// CANCELLED is reserved for operator cancellation of a not-yet-acknowledged
// check.
var checkTransitions = map[CheckStatus][]CheckStatus{
	CheckAssigned:     {CheckAcknowledged, CheckCancelled},
	CheckAcknowledged: {CheckIssued},
	CheckIssued:       {CheckVoid},
	CheckVoid:         nil,
	CheckCancelled:    nil,
}

func (s CheckStatus) CanTransition(next CheckStatus) bool {
	for _, allowed := range checkTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckPayment is the check attached to a bucket. BucketID and CheckNumber
// are both unique - one bucket carries at most one live check, and a check
// number is never attached twice.
type CheckPayment struct {
	ID            string
	BucketID      string
	ReservationID string // empty for manually entered checks
	CheckNumber   string
	CheckAmount   decimal.Decimal
	CheckDate     time.Time
	BankName      string
	Status        CheckStatus

	AssignedBy     string
	AssignedAt     time.Time
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	IssuedBy       string
	IssuedAt       *time.Time
	VoidReason     string
	VoidedBy       string
	VoidedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type CheckAuditAction string

const (
	CheckAuditAssigned     CheckAuditAction = "ASSIGNED"
	CheckAuditAcknowledged CheckAuditAction = "ACKNOWLEDGED"
	CheckAuditIssued       CheckAuditAction = "ISSUED"
	CheckAuditVoid         CheckAuditAction = "VOID"
	CheckAuditReleased     CheckAuditAction = "RELEASED"
	CheckAuditReplaced     CheckAuditAction = "REPLACED"
)

// CheckAuditLog records every action taken on a check payment. Append-only.
type CheckAuditLog struct {
	ID             string
	CheckPaymentID string
	Action         CheckAuditAction
	CheckNumber    string
	Amount         *decimal.Decimal
	PerformedBy    string
	Notes          string
	CreatedAt      time.Time
}

// =============================================================================
// APPROVAL LOG - Append-only approval decisions per bucket
// =============================================================================

type ApprovalAction string

const (
	ApprovalActionApproval  ApprovalAction = "APPROVAL"
	ApprovalActionRejection ApprovalAction = "REJECTION"
	ApprovalActionOverride  ApprovalAction = "OVERRIDE"
)

type ApprovalLog struct {
	ID          string
	BucketID    string
	Action      ApprovalAction
	PerformedBy string
	Comments    string
	CreatedAt   time.Time
}

// =============================================================================
// FILE GENERATION HISTORY - Generated 835 bytes and delivery state
// =============================================================================

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryRetry     DeliveryStatus = "RETRY"
)

// FileGenerationHistory stores the generated 835 file content together with
// the delivery lifecycle. GeneratedFileName is unique system-wide.
type FileGenerationHistory struct {
	ID                string
	BucketID          string
	GeneratedFileName string
	FileContent       []byte
	FileSize          int64
	ClaimCount        int
	TotalAmount       decimal.Decimal
	GeneratedBy       string
	GeneratedAt       time.Time

	DeliveryStatus DeliveryStatus
	DeliveredAt    *time.Time
	DeliveredBy    string
	RetryCount     int
	ErrorMessage   string
}
