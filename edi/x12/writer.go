/*
Package x12 writes ANSI X12 interchanges, version 005010, as the remittance
pipeline needs them: one ISA/GS envelope around one or more 835 transaction
sets.

PURPOSE:
  The EDI generator (package edi) decides WHAT goes into the file; this
  package owns the wire format: delimiters, the fixed ISA header fields and
  their space padding, control-number mirroring between header and trailer
  segments, and the ST..SE segment count that lands in SE01.

DELIMITERS:
  Site default is segment '~', element '*', component '>'. A site override
  is a different Delimiters value at construction; the writer rejects
  element content containing the active delimiters rather than escaping (X12
  has no escape mechanism).

COUNTING:
  Segments are counted from ST through SE inclusive. SE01 is filled in by
  EndTransactionSet, GE01 counts transaction sets, IEA01 counts functional
  groups, and GE02/IEA02 mirror GS06/ISA13.
*/
package x12

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Delimiters is the active separator set.
type Delimiters struct {
	Segment   byte
	Element   byte
	Component byte
}

// DefaultDelimiters is the standard site configuration.
func DefaultDelimiters() Delimiters {
	return Delimiters{Segment: '~', Element: '*', Component: '>'}
}

// Usage selects ISA15: production or test interchange.
type Usage string

const (
	UsageProduction Usage = "P"
	UsageTest       Usage = "T"
)

const (
	versionISA   = "00501"
	versionImpl  = "005010X221A1"
	functionalID = "HP" // health care claim payment/advice
)

// Writer assembles one interchange. Not safe for concurrent use; build one
// per file.
type Writer struct {
	delims Delimiters
	buf    strings.Builder

	interchangeControl string
	groupControl       string
	setControl         string

	inSet       bool
	setSegments int
	setCount    int
	groupClosed bool
}

// NewWriter creates a writer with the given delimiters.
func NewWriter(delims Delimiters) *Writer {
	if delims.Segment == 0 {
		delims = DefaultDelimiters()
	}
	return &Writer{delims: delims}
}

// =============================================================================
// ENVELOPE
// =============================================================================

// ISAHeader carries the variable parts of the interchange header; everything
// else in ISA is fixed by the 005010 standard (authorization/security "00", ZZ
// qualifiers, repetition separator "U", version 00501).
type ISAHeader struct {
	SenderID      string
	ReceiverID    string
	ControlNumber int64 // 9 digits
	Usage         Usage
	At            time.Time
}

// BeginInterchange writes ISA and GS. GS06 reuses the interchange control
// number, so GE02 mirrors it for free.
func (w *Writer) BeginInterchange(h ISAHeader) error {
	if w.interchangeControl != "" {
		return fmt.Errorf("interchange already open")
	}
	usage := h.Usage
	if usage != UsageProduction && usage != UsageTest {
		usage = UsageProduction
	}
	w.interchangeControl = fmt.Sprintf("%09d", h.ControlNumber)
	w.groupControl = fmt.Sprintf("%d", h.ControlNumber)

	at := h.At.UTC()
	if err := w.seg("ISA",
		"00", strings.Repeat(" ", 10),
		"00", strings.Repeat(" ", 10),
		"ZZ", pad15(h.SenderID),
		"ZZ", pad15(h.ReceiverID),
		at.Format("060102"), at.Format("1504"),
		"U", versionISA,
		w.interchangeControl,
		"0", string(usage), string(w.delims.Component),
	); err != nil {
		return err
	}
	return w.seg("GS",
		functionalID,
		strings.TrimSpace(h.SenderID), strings.TrimSpace(h.ReceiverID),
		at.Format("20060102"), at.Format("1504"),
		w.groupControl,
		"X", versionImpl,
	)
}

// BeginTransactionSet opens an ST(835). Control numbers are 4-digit
// zero-padded, starting at 0001 within the group.
func (w *Writer) BeginTransactionSet() error {
	if w.interchangeControl == "" {
		return fmt.Errorf("no open interchange")
	}
	if w.inSet {
		return fmt.Errorf("transaction set already open")
	}
	w.setCount++
	w.setControl = fmt.Sprintf("%04d", w.setCount)
	w.inSet = true
	w.setSegments = 0
	return w.seg("ST", "835", w.setControl)
}

// EndTransactionSet writes SE with the ST..SE inclusive segment count.
func (w *Writer) EndTransactionSet() error {
	if !w.inSet {
		return fmt.Errorf("no open transaction set")
	}
	// SE itself is part of the count.
	count := w.setSegments + 1
	w.inSet = false
	return w.seg("SE", fmt.Sprintf("%d", count), w.setControl)
}

// EndInterchange writes GE and IEA, mirroring the control numbers.
func (w *Writer) EndInterchange() error {
	if w.inSet {
		return fmt.Errorf("transaction set still open")
	}
	if w.interchangeControl == "" || w.groupClosed {
		return fmt.Errorf("no open interchange")
	}
	w.groupClosed = true
	if err := w.seg("GE", fmt.Sprintf("%d", w.setCount), w.groupControl); err != nil {
		return err
	}
	return w.seg("IEA", "1", w.interchangeControl)
}

// =============================================================================
// BODY SEGMENTS
// =============================================================================

// Segment writes an arbitrary segment. Trailing empty elements are trimmed,
// as senders conventionally do.
func (w *Writer) Segment(id string, elements ...string) error {
	if !w.inSet {
		return fmt.Errorf("segment %s outside a transaction set", id)
	}
	for len(elements) > 0 && elements[len(elements)-1] == "" {
		elements = elements[:len(elements)-1]
	}
	return w.seg(id, elements...)
}

func (w *Writer) seg(id string, elements ...string) error {
	// X12 has no escape mechanism: content containing the segment or element
	// separator is rejected outright. Component separators are allowed; they
	// delimit composites (and ISA16 declares one).
	for _, el := range elements {
		if strings.ContainsAny(el, string([]byte{w.delims.Segment, w.delims.Element})) {
			return fmt.Errorf("segment %s: element %q contains a delimiter", id, el)
		}
	}
	w.buf.WriteString(id)
	for _, el := range elements {
		w.buf.WriteByte(w.delims.Element)
		w.buf.WriteString(el)
	}
	w.buf.WriteByte(w.delims.Segment)
	if w.inSet {
		w.setSegments++
	}
	return nil
}

// Bytes returns the assembled interchange.
func (w *Writer) Bytes() []byte {
	return []byte(w.buf.String())
}

// InterchangeControlNumber returns the 9-digit ISA13 value, for callers that
// record it.
func (w *Writer) InterchangeControlNumber() string {
	return w.interchangeControl
}

// =============================================================================
// VALUE FORMATTING
// =============================================================================

// Cents renders a monetary amount as the integer number of cents, half-up,
// no decimal point. Used for BPR02, CLP03-05, CAS03 and SVC02-03.
func Cents(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).Round(0).String()
}

// pad15 left-justifies an ISA06/ISA08 id in a 15-character space-padded
// field, truncating when longer.
func pad15(s string) string {
	if len(s) > 15 {
		return s[:15]
	}
	return s + strings.Repeat(" ", 15-len(s))
}
