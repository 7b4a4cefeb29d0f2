/*
Package naming expands file naming templates into concrete 835 file names.

A template is a pattern of literal text and {variable} placeholders:

	{payerName}-{date:yyyy-MM-dd}-{sequenceNumber:4}

expands for payer "Blue Cross" on 2024-05-17, first file of the day, to

	Blue_Cross-2024-05-17-0001.835

VARIABLES:

	payerId, payerName, payeeId, payeeName   bucket identity fields
	binNumber, pcnNumber                      BIN_PCN rule buckets only
	bucketId                                  option = prefix length
	date, timestamp                           option = date layout (yyyyMMdd,
	                                          yyyy-MM-dd, ... the layout
	                                          letters payers ask for)
	sequenceNumber                            option = zero-pad width

Values are sanitized before substitution: whitespace becomes "_" and anything
outside [A-Za-z0-9_.-] is dropped. Literal text is validated at save time
instead. The ".835" extension is always appended.

SEQUENCES:

{sequenceNumber} draws from a per-(template, payer) counter that resets
DAILY, MONTHLY, YEARLY, or NEVER. The counter moves inside the caller's
transaction, so a failed generation does not burn a number.

SEE ALSO:

	edi/generator.go   - the only production caller
	config/types.go    - FileNamingTemplate, FileNamingSequence
*/
package naming

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

// DefaultPattern is the pattern seeded as the system default template.
const DefaultPattern = "{payerId}_{payeeId}_{date}_{sequenceNumber:6}"

// Extension is appended to every expanded name.
const Extension = ".835"

const (
	defaultDateLayout      = "yyyyMMdd"
	defaultTimestampLayout = "yyyyMMddHHmmss"
)

var knownVariables = map[string]bool{
	"payerId":        true,
	"payerName":      true,
	"payeeId":        true,
	"payeeName":      true,
	"binNumber":      true,
	"pcnNumber":      true,
	"bucketId":       true,
	"date":           true,
	"timestamp":      true,
	"sequenceNumber": true,
}

// Expander turns templates plus bucket state into file names.
type Expander struct {
	Logger *zap.Logger
	Now    func() time.Time
}

func NewExpander(logger *zap.Logger) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expander{Logger: logger.Named("naming"), Now: time.Now}
}

func (e *Expander) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// FileNameForBucket resolves the bucket's template and expands it. A missing
// or inactive template falls back to a fixed safe pattern rather than
// blocking generation.
func (e *Expander) FileNameForBucket(ctx context.Context, tx *sqlite.Store, b *remit.Bucket) (string, error) {
	if b.FileNamingTemplateID != "" {
		tmpl, err := tx.GetTemplate(ctx, b.FileNamingTemplateID)
		switch {
		case err == nil && tmpl.IsActive:
			return e.Expand(ctx, tx, tmpl, b)
		case err == nil:
			e.Logger.Warn("naming template inactive, using fallback name",
				zap.String("templateId", b.FileNamingTemplateID),
				zap.String("bucketId", b.ID))
		case remit.IsNotFound(err):
			e.Logger.Warn("naming template missing, using fallback name",
				zap.String("templateId", b.FileNamingTemplateID),
				zap.String("bucketId", b.ID))
		default:
			return "", err
		}
	}
	return e.fallbackName(b), nil
}

// Expand renders one template for one bucket. The sequence counter only
// moves when the pattern references {sequenceNumber}.
func (e *Expander) Expand(ctx context.Context, tx *sqlite.Store, tmpl *config.FileNamingTemplate, b *remit.Bucket) (string, error) {
	tokens, err := parsePattern(tmpl.TemplatePattern)
	if err != nil {
		return "", err
	}

	now := e.now()
	var out strings.Builder
	for _, tok := range tokens {
		if tok.literal != "" {
			out.WriteString(tok.literal)
			continue
		}
		value, err := e.expandVariable(ctx, tx, tmpl, b, tok, now)
		if err != nil {
			return "", err
		}
		out.WriteString(value)
	}

	name := applyCase(out.String(), tmpl.CaseConversion)
	if !strings.HasSuffix(name, Extension) {
		name += Extension
	}
	return name, nil
}

func (e *Expander) expandVariable(ctx context.Context, tx *sqlite.Store, tmpl *config.FileNamingTemplate, b *remit.Bucket, tok token, now time.Time) (string, error) {
	switch tok.variable {
	case "payerId":
		return sanitizeValue(b.PayerID), nil
	case "payerName":
		return sanitizeValue(b.PayerName), nil
	case "payeeId":
		return sanitizeValue(b.PayeeID), nil
	case "payeeName":
		return sanitizeValue(b.PayeeName), nil
	case "binNumber":
		return sanitizeValue(b.BinNumber), nil
	case "pcnNumber":
		return sanitizeValue(b.PCNNumber), nil
	case "bucketId":
		id := b.ID
		if tok.option != "" {
			n, err := strconv.Atoi(tok.option)
			if err != nil || n < 1 {
				return "", &remit.ValidationError{Field: "templatePattern", Reason: "bucketId option must be a positive length"}
			}
			if n < len(id) {
				id = id[:n]
			}
		}
		return sanitizeValue(id), nil
	case "date":
		layout := tok.option
		if layout == "" {
			layout = defaultDateLayout
		}
		return now.Format(javaToGoLayout(layout)), nil
	case "timestamp":
		layout := tok.option
		if layout == "" {
			layout = defaultTimestampLayout
		}
		return now.Format(javaToGoLayout(layout)), nil
	case "sequenceNumber":
		n, err := e.nextSequence(ctx, tx, tmpl, b.PayerID, now)
		if err != nil {
			return "", err
		}
		if tok.option == "" {
			return strconv.Itoa(n), nil
		}
		width, err := strconv.Atoi(tok.option)
		if err != nil || width < 1 {
			return "", &remit.ValidationError{Field: "templatePattern", Reason: "sequenceNumber option must be a positive width"}
		}
		return fmt.Sprintf("%0*d", width, n), nil
	default:
		e.Logger.Warn("unknown template variable expands to empty",
			zap.String("variable", tok.variable),
			zap.String("templateId", tmpl.ID))
		return "", nil
	}
}

// nextSequence advances the per-(template, payer) counter, resetting first
// when the calendar period rolled over since the last use.
func (e *Expander) nextSequence(ctx context.Context, tx *sqlite.Store, tmpl *config.FileNamingTemplate, payerID string, now time.Time) (int, error) {
	seq, err := tx.GetNamingSequence(ctx, tmpl.ID, payerID)
	if remit.IsNotFound(err) {
		seq = &config.FileNamingSequence{
			TemplateID:     tmpl.ID,
			PayerID:        payerID,
			ResetFrequency: tmpl.SequenceResetFrequency,
			LastResetAt:    now,
		}
	} else if err != nil {
		return 0, err
	}

	if shouldReset(seq.ResetFrequency, seq.LastResetAt, now) {
		seq.CurrentSequence = 0
		seq.LastResetAt = now
	}
	seq.CurrentSequence++
	seq.ResetFrequency = tmpl.SequenceResetFrequency
	if err := tx.PutNamingSequence(ctx, seq); err != nil {
		return 0, err
	}
	return seq.CurrentSequence, nil
}

func shouldReset(freq config.ResetFrequency, last, now time.Time) bool {
	last, now = last.UTC(), now.UTC()
	switch freq {
	case config.ResetDaily:
		return last.Year() != now.Year() || last.YearDay() != now.YearDay()
	case config.ResetMonthly:
		return last.Year() != now.Year() || last.Month() != now.Month()
	case config.ResetYearly:
		return last.Year() != now.Year()
	default:
		return false
	}
}

// fallbackName is used when no template can be resolved. It is collision-safe
// through the bucket id prefix.
func (e *Expander) fallbackName(b *remit.Bucket) string {
	short := b.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s_%s%s",
		sanitizeValue(b.PayerID),
		sanitizeValue(b.PayeeID),
		e.now().Format("20060102"),
		sanitizeValue(short),
		Extension)
}

// =============================================================================
// PATTERN PARSING AND VALIDATION
// =============================================================================

type token struct {
	literal  string
	variable string
	option   string
}

func parsePattern(pattern string) ([]token, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, &remit.ValidationError{Field: "templatePattern", Reason: "pattern is empty"}
	}

	var tokens []token
	rest := pattern
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return nil, &remit.ValidationError{Field: "templatePattern", Reason: "unbalanced '}' in pattern"}
			}
			tokens = append(tokens, token{literal: rest})
			break
		}
		if open > 0 {
			lit := rest[:open]
			if strings.IndexByte(lit, '}') >= 0 {
				return nil, &remit.ValidationError{Field: "templatePattern", Reason: "unbalanced '}' in pattern"}
			}
			tokens = append(tokens, token{literal: lit})
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, &remit.ValidationError{Field: "templatePattern", Reason: "unbalanced '{' in pattern"}
		}
		body := rest[open+1 : open+closing]
		if strings.IndexByte(body, '{') >= 0 {
			return nil, &remit.ValidationError{Field: "templatePattern", Reason: "nested '{' in pattern"}
		}
		name, option := body, ""
		if i := strings.IndexByte(body, ':'); i >= 0 {
			name, option = body[:i], body[i+1:]
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &remit.ValidationError{Field: "templatePattern", Reason: "empty variable name"}
		}
		tokens = append(tokens, token{variable: name, option: strings.TrimSpace(option)})
		rest = rest[open+closing+1:]
	}
	return tokens, nil
}

// ValidatePattern checks a pattern at save time: balanced braces and literal
// text that is safe in a file name. Unknown variables are returned for a
// warning, not an error, so templates can be saved ahead of new fields.
func ValidatePattern(pattern string) (unknown []string, err error) {
	tokens, err := parsePattern(pattern)
	if err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		if tok.literal != "" {
			if i := strings.IndexAny(tok.literal, `<>:"/\|?*`); i >= 0 {
				return nil, &remit.ValidationError{
					Field:  "templatePattern",
					Reason: fmt.Sprintf("literal text contains forbidden character %q", tok.literal[i]),
				}
			}
			for _, r := range tok.literal {
				if unicode.IsControl(r) {
					return nil, &remit.ValidationError{Field: "templatePattern", Reason: "literal text contains a control character"}
				}
			}
			continue
		}
		if !knownVariables[tok.variable] {
			unknown = append(unknown, tok.variable)
		}
	}
	return unknown, nil
}

// sanitizeValue makes a substituted value safe inside a file name: runs of
// whitespace collapse to "_", anything outside [A-Za-z0-9_.-] is dropped,
// and leading/trailing underscores are trimmed.
func sanitizeValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			b.WriteByte('_')
			inSpace = false
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "_")
}

func applyCase(s string, conv config.CaseConversion) string {
	switch conv {
	case config.CaseUpper:
		return strings.ToUpper(s)
	case config.CaseLower:
		return strings.ToLower(s)
	case config.CaseCapitalize:
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	default:
		return s
	}
}

// javaToGoLayout translates the date layout letters payers specify
// (yyyy, MM, dd, HH, mm, ss) into Go's reference time.
var layoutReplacer = strings.NewReplacer(
	"yyyy", "2006",
	"yy", "06",
	"MM", "01",
	"dd", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

func javaToGoLayout(layout string) string {
	return layoutReplacer.Replace(layout)
}
