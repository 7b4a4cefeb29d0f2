package remit_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lumera/remit-engine/remit"
)

// =============================================================================
// IDENTIFIER NORMALIZATION TESTS
// =============================================================================

func TestNormalizePayerPayeeID_Canonicalizes(t *testing.T) {
	// GIVEN: raw identifiers as they arrive on claims
	// WHEN: normalized
	// THEN: uppercase, separators unified to underscore, junk stripped

	cases := []struct {
		in   string
		want string
	}{
		{"Blue-Cross CA", "BLUE_CROSS_CA"},
		{"payer.one", "PAYER_ONE"},
		{"  acme rx  ", "ACME_RX"},
		{"a--b..c  d__e", "A_B_C_D_E"},
		{"_leading_and_trailing_", "LEADING_AND_TRAILING"},
		{"pay#er!42", "PAYER42"},
		{"ALREADY_CANONICAL", "ALREADY_CANONICAL"},
		{"", ""},
		{"###", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, remit.NormalizePayerPayeeID(tc.in), "input %q", tc.in)
	}
}

func TestNormalizePayerPayeeID_Idempotent(t *testing.T) {
	// GIVEN: any raw identifier
	// WHEN: normalized twice
	// THEN: second pass is a no-op

	inputs := []string{
		"Blue-Cross CA", "payer.one", "A--B", "x", "9 9 9", "Mixed_Case-Id.v2",
	}
	for _, in := range inputs {
		once := remit.NormalizePayerPayeeID(in)
		twice := remit.NormalizePayerPayeeID(once)
		assert.Equal(t, once, twice, "normalization must be idempotent for %q", in)
	}
}

func TestNormalizePayerPayeeID_OutputCharset(t *testing.T) {
	// Normalized ids contain only [A-Z0-9_], never doubled or edge underscores.

	inputs := []string{"we?ird--input  here", "a.b.c", "__x__", "tab\tchar"}
	for _, in := range inputs {
		out := remit.NormalizePayerPayeeID(in)
		for _, r := range out {
			ok := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
			assert.True(t, ok, "unexpected rune %q in %q", r, out)
		}
		assert.NotContains(t, out, "__")
		assert.False(t, strings.HasPrefix(out, "_"))
		assert.False(t, strings.HasSuffix(out, "_"))
	}
}

// =============================================================================
// ISA / GS SENDER DERIVATION TESTS
// =============================================================================

func TestGenerateISASenderID_TruncatesAndStripsUnderscores(t *testing.T) {
	// GIVEN: a payer id that normalizes with underscores and exceeds 15 chars
	// WHEN: deriving the ISA06 sender id
	// THEN: underscores removed, result capped at 15 characters

	got := remit.GenerateISASenderID("blue-cross of northern california")
	assert.LessOrEqual(t, len(got), 15)
	assert.NotContains(t, got, "_")
	assert.Equal(t, "BLUECROSSOFNORT", got)
}

func TestGenerateISASenderID_EmptyInputFallsBack(t *testing.T) {
	// An unusable payer id still yields a non-empty sender id.

	got := remit.GenerateISASenderID("###")
	assert.NotEmpty(t, got)
	assert.True(t, strings.HasPrefix(got, "PAYER"))
	assert.LessOrEqual(t, len(got), 15)
}

func TestGenerateGSApplicationSenderID_MatchesISADerivation(t *testing.T) {
	in := "Acme-Rx Partners"
	assert.Equal(t, remit.GenerateISASenderID(in), remit.GenerateGSApplicationSenderID(in))
}
