/*
Package edi assembles 835 remittance advice files for completed buckets.

PURPOSE:
  When a bucket reaches GENERATING, this package gathers the bucket, its
  PROCESSED claim logs and the payer/payee master records into a
  RemittanceAdvice value, renders it through the x12 writer, stores the
  resulting bytes as FileGenerationHistory and marks the bucket COMPLETED.

KEY CONCEPTS IN THIS FILE (advice.go):
  - RemittanceAdvice: everything one 835 file says, as plain values
  - ClaimPayment: one CLP loop, built from one PROCESSED claim log
  - Party: the N1/N3/N4 identification loop for payer (PR) and payee (PE)

SEE ALSO:
  - generator.go: the event subscriber that drives assembly
  - x12/writer.go: the wire format
*/
package edi

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumera/remit-engine/edi/x12"
)

// Codes fixed for pharmacy remittances produced by this pipeline.
const (
	claimStatusProcessedPrimary = "1"  // CLP02: processed as primary
	filingIndicatorPPO          = "12" // CLP06: preferred provider organization
	payeeIDQualifierNPI         = "XX" // N104 qualifier for an NPI
)

// Party is one side of the remittance: the paying plan (PR) or the receiving
// pharmacy (PE). Address lines are optional; N3/N4 are only written when the
// master record carries them.
type Party struct {
	Name         string
	IDQualifier  string // N103, empty to omit the id pair
	ID           string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	ZipCode      string
}

// ClaimPayment is one CLP loop of the 835.
type ClaimPayment struct {
	ClaimID      string
	ChargeAmount decimal.Decimal
	PaidAmount   decimal.Decimal
}

// adjustment reports the contractual write-off carried in the CAS segment:
// the gap between charged and paid, when positive.
func (c ClaimPayment) adjustment() decimal.Decimal {
	gap := c.ChargeAmount.Sub(c.PaidAmount)
	if gap.IsPositive() {
		return gap
	}
	return decimal.Zero
}

// RemittanceAdvice is the complete content of one 835 file.
type RemittanceAdvice struct {
	SenderID   string // ISA06/GS02, already ISA-normalised
	ReceiverID string // ISA08/GS03

	Payer Party
	Payee Party

	Claims     []ClaimPayment
	TotalPaid  decimal.Decimal
	CheckNumber string    // empty for non-check remittances
	CheckDate   time.Time // zero unless a check is attached

	ControlNumber int64 // ISA13 (9-digit when rendered)
	Usage         x12.Usage
	CreatedAt     time.Time
}

// TraceNumber is the TRN02 reassociation key: the check number when one is
// attached, otherwise the interchange control number.
func (ra *RemittanceAdvice) TraceNumber() string {
	if ra.CheckNumber != "" {
		return ra.CheckNumber
	}
	return fmt.Sprintf("%09d", ra.ControlNumber)
}

// Write renders the advice as one complete interchange.
func (ra *RemittanceAdvice) Write(w *x12.Writer) error {
	if err := w.BeginInterchange(x12.ISAHeader{
		SenderID:      ra.SenderID,
		ReceiverID:    ra.ReceiverID,
		ControlNumber: ra.ControlNumber,
		Usage:         ra.Usage,
		At:            ra.CreatedAt,
	}); err != nil {
		return err
	}
	if err := w.BeginTransactionSet(); err != nil {
		return err
	}

	if err := ra.writeBPR(w); err != nil {
		return err
	}
	originator := "1" + strings.TrimSpace(ra.SenderID)
	if err := w.Segment("TRN", "1", ra.TraceNumber(), originator); err != nil {
		return err
	}
	if err := writeParty(w, "PR", ra.Payer); err != nil {
		return err
	}
	if err := writeParty(w, "PE", ra.Payee); err != nil {
		return err
	}
	for _, c := range ra.Claims {
		if err := writeClaim(w, c); err != nil {
			return err
		}
	}

	if err := w.EndTransactionSet(); err != nil {
		return err
	}
	return w.EndInterchange()
}

// writeBPR emits the financial information segment. BPR02 is the total paid
// amount in cents. BPR04 is CHK when a check backs the payment, NON when the
// file is remittance information only.
func (ra *RemittanceAdvice) writeBPR(w *x12.Writer) error {
	method := "NON"
	date := ra.CreatedAt
	if ra.CheckNumber != "" {
		method = "CHK"
		if !ra.CheckDate.IsZero() {
			date = ra.CheckDate
		}
	}
	return w.Segment("BPR",
		"I",                    // transaction handling: remittance information
		x12.Cents(ra.TotalPaid), // BPR02
		"C",                    // credit
		method,
		"", "", "", "", "", "", "", "", "", "", "",
		date.UTC().Format("20060102"), // BPR16
	)
}

func writeParty(w *x12.Writer, code string, p Party) error {
	if p.IDQualifier != "" && p.ID != "" {
		if err := w.Segment("N1", code, p.Name, p.IDQualifier, p.ID); err != nil {
			return err
		}
	} else {
		if err := w.Segment("N1", code, p.Name); err != nil {
			return err
		}
	}
	if p.AddressLine1 != "" {
		if err := w.Segment("N3", p.AddressLine1, p.AddressLine2); err != nil {
			return err
		}
	}
	if p.City != "" || p.State != "" || p.ZipCode != "" {
		if err := w.Segment("N4", p.City, p.State, p.ZipCode); err != nil {
			return err
		}
	}
	return nil
}

func writeClaim(w *x12.Writer, c ClaimPayment) error {
	if err := w.Segment("CLP",
		c.ClaimID,
		claimStatusProcessedPrimary,
		x12.Cents(c.ChargeAmount),
		x12.Cents(c.PaidAmount),
		"",
		filingIndicatorPPO,
	); err != nil {
		return err
	}
	if adj := c.adjustment(); adj.IsPositive() {
		// CO/45: contractual obligation, charge exceeds fee schedule.
		if err := w.Segment("CAS", "CO", "45", x12.Cents(adj)); err != nil {
			return err
		}
	}
	// The upstream claim feed is de-identified; the patient loop carries the
	// claim reference as the member identifier.
	return w.Segment("NM1", "QC", "1", "", "", "", "", "", "MI", c.ClaimID)
}
