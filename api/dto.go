/*
dto.go - JSON shapes of the operational HTTP surface

Amounts travel as decimal strings ("30.00"), never floats. Actor identity
arrives as plain request fields; authentication is the upstream gateway's
job.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumera/remit-engine/remit"
)

// =============================================================================
// REQUESTS
// =============================================================================

// ClaimRequest is one normalized pharmacy claim posted by the upstream
// ingestion layer.
type ClaimRequest struct {
	ID                string `json:"id"`
	PayerID           string `json:"payerId"`
	PayeeID           string `json:"payeeId"`
	BinNumber         string `json:"binNumber,omitempty"`
	PCNNumber         string `json:"pcnNumber,omitempty"`
	TotalChargeAmount string `json:"totalChargeAmount"`
	PaidAmount        string `json:"paidAmount"`
	Status            string `json:"status,omitempty"`
}

type ApprovalRequest struct {
	ApprovedBy string `json:"approvedBy"`
	Comments   string `json:"comments,omitempty"`
}

type BulkApprovalRequest struct {
	BucketIDs  []string `json:"bucketIds"`
	ApprovedBy string   `json:"approvedBy"`
	Comments   string   `json:"comments,omitempty"`
}

type RejectionRequest struct {
	RejectedBy string `json:"rejectedBy"`
	Reason     string `json:"reason"`
}

type ResetRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

type ReservationRequest struct {
	PayerID            string `json:"payerId"`
	CheckNumberStart   string `json:"checkNumberStart"`
	CheckNumberEnd     string `json:"checkNumberEnd"`
	BankName           string `json:"bankName"`
	RoutingNumber      string `json:"routingNumber,omitempty"`
	AccountNumberLast4 string `json:"accountNumberLast4,omitempty"`
	CreatedBy          string `json:"createdBy"`
}

type ManualCheckRequest struct {
	CheckNumber string `json:"checkNumber"`
	CheckDate   string `json:"checkDate,omitempty"` // yyyy-MM-dd, default today
	BankName    string `json:"bankName,omitempty"`
	AssignedBy  string `json:"assignedBy"`
}

type ActorRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type BucketDTO struct {
	ID                    string     `json:"id"`
	BucketingRuleID       string     `json:"bucketingRuleId"`
	PayerID               string     `json:"payerId"`
	PayerName             string     `json:"payerName"`
	PayeeID               string     `json:"payeeId"`
	PayeeName             string     `json:"payeeName"`
	BinNumber             string     `json:"binNumber,omitempty"`
	PCNNumber             string     `json:"pcnNumber,omitempty"`
	Status                string     `json:"status"`
	ClaimCount            int        `json:"claimCount"`
	TotalAmount           string     `json:"totalAmount"`
	PaymentRequired       bool       `json:"paymentRequired"`
	PaymentStatus         string     `json:"paymentStatus"`
	CheckPaymentID        string     `json:"checkPaymentId,omitempty"`
	ApprovedBy            string     `json:"approvedBy,omitempty"`
	ApprovedAt            *time.Time `json:"approvedAt,omitempty"`
	AwaitingApprovalSince *time.Time `json:"awaitingApprovalSince,omitempty"`
	LastErrorMessage      string     `json:"lastErrorMessage,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

func toBucketDTO(b *remit.Bucket) BucketDTO {
	return BucketDTO{
		ID:                    b.ID,
		BucketingRuleID:       b.BucketingRuleID,
		PayerID:               b.PayerID,
		PayerName:             b.PayerName,
		PayeeID:               b.PayeeID,
		PayeeName:             b.PayeeName,
		BinNumber:             b.BinNumber,
		PCNNumber:             b.PCNNumber,
		Status:                string(b.Status),
		ClaimCount:            b.ClaimCount,
		TotalAmount:           b.TotalAmount.StringFixed(2),
		PaymentRequired:       b.PaymentRequired,
		PaymentStatus:         string(b.PaymentStatus),
		CheckPaymentID:        b.CheckPaymentID,
		ApprovedBy:            b.ApprovedBy,
		ApprovedAt:            b.ApprovedAt,
		AwaitingApprovalSince: b.AwaitingApprovalSince,
		LastErrorMessage:      b.LastErrorMessage,
		CreatedAt:             b.CreatedAt,
		UpdatedAt:             b.UpdatedAt,
	}
}

type ProcessingLogDTO struct {
	ClaimID      string    `json:"claimId"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	ChargeAmount string    `json:"chargeAmount,omitempty"`
	PaidAmount   string    `json:"paidAmount,omitempty"`
	ProcessedAt  time.Time `json:"processedAt"`
}

func toProcessingLogDTO(l *remit.ClaimProcessingLog) ProcessingLogDTO {
	dto := ProcessingLogDTO{
		ClaimID:     l.ClaimID,
		Outcome:     string(l.Outcome),
		Reason:      l.Reason,
		ProcessedAt: l.ProcessedAt,
	}
	if !l.ChargeAmount.IsZero() || l.Outcome == remit.ClaimProcessed {
		dto.ChargeAmount = l.ChargeAmount.StringFixed(2)
		dto.PaidAmount = l.PaidAmount.StringFixed(2)
	}
	return dto
}

type ReservationDTO struct {
	ID               string `json:"id"`
	PayerID          string `json:"payerId"`
	CheckNumberStart string `json:"checkNumberStart"`
	CheckNumberEnd   string `json:"checkNumberEnd"`
	TotalChecks      int    `json:"totalChecks"`
	ChecksUsed       int    `json:"checksUsed"`
	ChecksRemaining  int    `json:"checksRemaining"`
	Status           string `json:"status"`
	BankName         string `json:"bankName"`
}

func toReservationDTO(r *remit.CheckReservation) ReservationDTO {
	return ReservationDTO{
		ID:               r.ID,
		PayerID:          r.PayerID,
		CheckNumberStart: r.CheckNumberStart,
		CheckNumberEnd:   r.CheckNumberEnd,
		TotalChecks:      r.TotalChecks,
		ChecksUsed:       r.ChecksUsed,
		ChecksRemaining:  r.ChecksRemaining(),
		Status:           string(r.Status),
		BankName:         r.BankName,
	}
}

type CheckPaymentDTO struct {
	ID          string     `json:"id"`
	BucketID    string     `json:"bucketId"`
	CheckNumber string     `json:"checkNumber"`
	CheckAmount string     `json:"checkAmount"`
	CheckDate   time.Time  `json:"checkDate"`
	BankName    string     `json:"bankName,omitempty"`
	Status      string     `json:"status"`
	AssignedBy  string     `json:"assignedBy"`
	AssignedAt  time.Time  `json:"assignedAt"`
	IssuedAt    *time.Time `json:"issuedAt,omitempty"`
	VoidReason  string     `json:"voidReason,omitempty"`
}

func toCheckPaymentDTO(p *remit.CheckPayment) CheckPaymentDTO {
	return CheckPaymentDTO{
		ID:          p.ID,
		BucketID:    p.BucketID,
		CheckNumber: p.CheckNumber,
		CheckAmount: p.CheckAmount.StringFixed(2),
		CheckDate:   p.CheckDate,
		BankName:    p.BankName,
		Status:      string(p.Status),
		AssignedBy:  p.AssignedBy,
		AssignedAt:  p.AssignedAt,
		IssuedAt:    p.IssuedAt,
		VoidReason:  p.VoidReason,
	}
}

type FileDTO struct {
	ID             string     `json:"id"`
	BucketID       string     `json:"bucketId"`
	FileName       string     `json:"fileName"`
	FileSize       int64      `json:"fileSize"`
	ClaimCount     int        `json:"claimCount"`
	TotalAmount    string     `json:"totalAmount"`
	GeneratedAt    time.Time  `json:"generatedAt"`
	DeliveryStatus string     `json:"deliveryStatus"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	DeliveredBy    string     `json:"deliveredBy,omitempty"`
	RetryCount     int        `json:"retryCount"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
}

func toFileDTO(f *remit.FileGenerationHistory) FileDTO {
	return FileDTO{
		ID:             f.ID,
		BucketID:       f.BucketID,
		FileName:       f.GeneratedFileName,
		FileSize:       f.FileSize,
		ClaimCount:     f.ClaimCount,
		TotalAmount:    f.TotalAmount.StringFixed(2),
		GeneratedAt:    f.GeneratedAt,
		DeliveryStatus: string(f.DeliveryStatus),
		DeliveredAt:    f.DeliveredAt,
		DeliveredBy:    f.DeliveredBy,
		RetryCount:     f.RetryCount,
		ErrorMessage:   f.ErrorMessage,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type countResponse struct {
	Count int `json:"count"`
}

// parseAmount converts a decimal string, rejecting empty and malformed
// values with a field-named validation error.
func parseAmount(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, &remit.ValidationError{Field: field, Reason: "required"}
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, &remit.ValidationError{Field: field, Reason: "not a decimal amount"}
	}
	return d, nil
}
