/*
normalize.go - Payer/payee identifier canonicalisation

PURPOSE:
  Canonicalises free-form payer and payee identifiers into the [A-Z0-9_]+
  alphabet used as bucket keys and master-record ids, and derives the
  15-character alphanumeric ISA/GS sender ids for the X12 envelope.

PROPERTIES:
  - Idempotent: normalize(normalize(x)) == normalize(x)
  - Deterministic: no randomness, no locale dependence
  - Total: never returns an error; empty output only when the input had
    no alphanumerics at all (sender-id generation then falls back to a
    time-derived placeholder)
*/
package remit

import (
	"fmt"
	"strings"
	"time"
)

// NormalizePayerPayeeID canonicalises s: uppercase, '-', '.' and spaces
// become '_', anything outside [A-Z0-9_] is stripped, runs of '_' collapse
// to one, leading/trailing '_' are trimmed.
func NormalizePayerPayeeID(s string) string {
	up := strings.ToUpper(s)

	var b strings.Builder
	b.Grow(len(up))
	for _, r := range up {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '.' || r == ' ' || r == '_':
			b.WriteByte('_')
		default:
			// dropped
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

// GenerateISASenderID derives the ISA06/ISA08 sender identifier from a payer
// id: normalised, underscores removed, truncated to 15 characters. When the
// input carries no alphanumerics at all, a time-derived placeholder of the
// form PAYERnnnn is returned so the envelope always has a sender.
func GenerateISASenderID(payerID string) string {
	id := strings.ReplaceAll(NormalizePayerPayeeID(payerID), "_", "")
	if len(id) > 15 {
		id = id[:15]
	}
	if id == "" {
		return fmt.Sprintf("PAYER%d", time.Now().UnixMilli()%10000)
	}
	return id
}

// GenerateGSApplicationSenderID is an alias of GenerateISASenderID; the GS
// application sender carries the same derived identifier.
func GenerateGSApplicationSenderID(payerID string) string {
	return GenerateISASenderID(payerID)
}
