package naming_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/naming"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

var fixedNow = time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)

func newExpander(t *testing.T) *naming.Expander {
	t.Helper()
	e := naming.NewExpander(zaptest.NewLogger(t))
	e.Now = func() time.Time { return fixedNow }
	return e
}

func newNamingStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func saveTemplate(t *testing.T, store *sqlite.Store, pattern string, mutate ...func(*config.FileNamingTemplate)) *config.FileNamingTemplate {
	t.Helper()
	tmpl := &config.FileNamingTemplate{
		TemplateName:           "test template",
		TemplatePattern:        pattern,
		CaseConversion:         config.CaseNone,
		SequenceResetFrequency: config.ResetDaily,
		IsActive:               true,
	}
	for _, m := range mutate {
		m(tmpl)
	}
	require.NoError(t, store.SaveTemplate(context.Background(), tmpl))
	return tmpl
}

func namingBucket() *remit.Bucket {
	return &remit.Bucket{
		ID:        "a1b2c3d4e5f6a7b8c9d0",
		PayerID:   "BCBS",
		PayerName: "Blue Cross",
		PayeeID:   "PHR_001",
		PayeeName: "Pharmacy One",
		BinNumber: "014455",
		PCNNumber: "RXA",
	}
}

func TestExpand_PayerNameDateAndPaddedSequence(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	ctx := context.Background()
	tmpl := saveTemplate(t, store, "{payerName}-{date:yyyy-MM-dd}-{sequenceNumber:4}")
	b := namingBucket()

	// The payer name is sanitized, the date uses the requested layout, and
	// the first sequence number of the day is 0001.
	name, err := e.Expand(ctx, store, tmpl, b)
	require.NoError(t, err)
	assert.Equal(t, "Blue_Cross-2024-05-17-0001.835", name)

	// The second file the same day advances the counter.
	name, err = e.Expand(ctx, store, tmpl, b)
	require.NoError(t, err)
	assert.Equal(t, "Blue_Cross-2024-05-17-0002.835", name)
}

func TestExpand_DefaultPattern(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	tmpl := saveTemplate(t, store, naming.DefaultPattern)

	name, err := e.Expand(context.Background(), store, tmpl, namingBucket())
	require.NoError(t, err)
	assert.Equal(t, "BCBS_PHR_001_20240517_000001.835", name)
}

func TestExpand_SequenceResetsByCalendarPeriod(t *testing.T) {
	cases := []struct {
		name      string
		frequency config.ResetFrequency
		later     time.Time
		want      string
	}{
		{"daily resets next day", config.ResetDaily, fixedNow.Add(24 * time.Hour), "1"},
		{"daily holds same day", config.ResetDaily, fixedNow.Add(2 * time.Hour), "2"},
		{"monthly holds within month", config.ResetMonthly, fixedNow.Add(10 * 24 * time.Hour), "2"},
		{"monthly resets next month", config.ResetMonthly, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "1"},
		{"yearly resets next year", config.ResetYearly, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), "1"},
		{"never keeps counting", config.ResetNever, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newNamingStore(t)
			e := newExpander(t)
			ctx := context.Background()
			tmpl := saveTemplate(t, store, "{sequenceNumber}", func(f *config.FileNamingTemplate) {
				f.SequenceResetFrequency = tc.frequency
			})
			b := namingBucket()

			_, err := e.Expand(ctx, store, tmpl, b)
			require.NoError(t, err)

			e.Now = func() time.Time { return tc.later }
			name, err := e.Expand(ctx, store, tmpl, b)
			require.NoError(t, err)
			assert.Equal(t, tc.want+".835", name)
		})
	}
}

func TestExpand_SequencesAreIndependentPerPayerAndTemplate(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	ctx := context.Background()
	tmplA := saveTemplate(t, store, "{payerId}_{sequenceNumber}")
	tmplB := saveTemplate(t, store, "B_{payerId}_{sequenceNumber}")

	bcbs := namingBucket()
	aetna := namingBucket()
	aetna.PayerID = "AETNA"

	name, err := e.Expand(ctx, store, tmplA, bcbs)
	require.NoError(t, err)
	assert.Equal(t, "BCBS_1.835", name)

	// A different payer on the same template starts from 1.
	name, err = e.Expand(ctx, store, tmplA, aetna)
	require.NoError(t, err)
	assert.Equal(t, "AETNA_1.835", name)

	// The same payer on a different template starts from 1 too.
	name, err = e.Expand(ctx, store, tmplB, bcbs)
	require.NoError(t, err)
	assert.Equal(t, "B_BCBS_1.835", name)

	name, err = e.Expand(ctx, store, tmplA, bcbs)
	require.NoError(t, err)
	assert.Equal(t, "BCBS_2.835", name)
}

func TestExpand_SequenceNotBurnedOnRollback(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	ctx := context.Background()
	tmpl := saveTemplate(t, store, "{sequenceNumber:4}")
	b := namingBucket()

	err := store.WithTx(ctx, func(tx *sqlite.Store) error {
		name, err := e.Expand(ctx, tx, tmpl, b)
		if err != nil {
			return err
		}
		assert.Equal(t, "0001.835", name)
		return fmt.Errorf("generation failed")
	})
	require.Error(t, err)

	// The rolled-back increment never committed.
	name, err := e.Expand(ctx, store, tmpl, b)
	require.NoError(t, err)
	assert.Equal(t, "0001.835", name)
}

func TestExpand_SequenceUntouchedWhenPatternOmitsIt(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	ctx := context.Background()
	tmpl := saveTemplate(t, store, "{payerId}_{date}")

	_, err := e.Expand(ctx, store, tmpl, namingBucket())
	require.NoError(t, err)

	_, err = store.GetNamingSequence(ctx, tmpl.ID, "BCBS")
	assert.ErrorIs(t, err, remit.ErrNotFound)
}

func TestExpand_VariableCatalog(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	ctx := context.Background()
	b := namingBucket()

	cases := []struct {
		pattern string
		want    string
	}{
		{"{payerId}", "BCBS.835"},
		{"{payeeName}", "Pharmacy_One.835"},
		{"{binNumber}_{pcnNumber}", "014455_RXA.835"},
		{"{bucketId:8}", "a1b2c3d4.835"},
		{"{bucketId}", "a1b2c3d4e5f6a7b8c9d0.835"},
		{"{timestamp}", "20240517103000.835"},
		{"{timestamp:yyyy-MM-dd_HHmmss}", "2024-05-17_103000.835"},
	}
	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			tmpl := saveTemplate(t, store, tc.pattern)
			name, err := e.Expand(ctx, store, tmpl, b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, name)
		})
	}
}

func TestExpand_SanitizesSubstitutedValues(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	tmpl := saveTemplate(t, store, "{payerName}")
	b := namingBucket()
	b.PayerName = "Blue Cross & Shield (CA)"

	name, err := e.Expand(context.Background(), store, tmpl, b)
	require.NoError(t, err)
	assert.Equal(t, "Blue_Cross__Shield_CA.835", name)
}

func TestExpand_CaseConversion(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	ctx := context.Background()
	b := namingBucket()

	upper := saveTemplate(t, store, "{payerName}", func(f *config.FileNamingTemplate) {
		f.CaseConversion = config.CaseUpper
	})
	name, err := e.Expand(ctx, store, upper, b)
	require.NoError(t, err)
	assert.Equal(t, "BLUE_CROSS.835", name)

	lower := saveTemplate(t, store, "{payerName}", func(f *config.FileNamingTemplate) {
		f.CaseConversion = config.CaseLower
	})
	name, err = e.Expand(ctx, store, lower, b)
	require.NoError(t, err)
	assert.Equal(t, "blue_cross.835", name)
}

func TestExpand_UnknownVariableExpandsEmpty(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	tmpl := saveTemplate(t, store, "{payerId}_{mystery}_X")

	name, err := e.Expand(context.Background(), store, tmpl, namingBucket())
	require.NoError(t, err)
	assert.Equal(t, "BCBS__X.835", name)
}

func TestFileNameForBucket_FallsBackWhenTemplateUnresolvable(t *testing.T) {
	store := newNamingStore(t)
	e := newExpander(t)
	ctx := context.Background()
	b := namingBucket()

	// No template linked at all.
	b.FileNamingTemplateID = ""
	name, err := e.FileNameForBucket(ctx, store, b)
	require.NoError(t, err)
	assert.Equal(t, "BCBS_PHR_001_20240517_a1b2c3d4.835", name)

	// Linked template vanished.
	b.FileNamingTemplateID = "gone"
	name, err = e.FileNameForBucket(ctx, store, b)
	require.NoError(t, err)
	assert.Equal(t, "BCBS_PHR_001_20240517_a1b2c3d4.835", name)

	// Linked template deactivated.
	tmpl := saveTemplate(t, store, "{payerId}", func(f *config.FileNamingTemplate) {
		f.IsActive = false
	})
	b.FileNamingTemplateID = tmpl.ID
	name, err = e.FileNameForBucket(ctx, store, b)
	require.NoError(t, err)
	assert.Equal(t, "BCBS_PHR_001_20240517_a1b2c3d4.835", name)

	// An active linked template is used.
	active := saveTemplate(t, store, "{payerId}-{payeeId}")
	b.FileNamingTemplateID = active.ID
	name, err = e.FileNameForBucket(ctx, store, b)
	require.NoError(t, err)
	assert.Equal(t, "BCBS-PHR_001.835", name)
}

func TestValidatePattern(t *testing.T) {
	// Valid patterns pass and surface unknown variables for a warning.
	unknown, err := naming.ValidatePattern("{payerId}_{date:yyyyMMdd}_{sequenceNumber:6}")
	require.NoError(t, err)
	assert.Empty(t, unknown)

	unknown, err = naming.ValidatePattern("{payerId}_{futureField}")
	require.NoError(t, err)
	assert.Equal(t, []string{"futureField"}, unknown)

	invalid := []string{
		"",
		"{payerId",
		"payerId}",
		"{payerId}}",
		"{pay{erId}",
		"{}",
		`{payerId}/`,
		`{payerId}?`,
	}
	for _, pattern := range invalid {
		_, err := naming.ValidatePattern(pattern)
		assert.ErrorIs(t, err, remit.ErrValidation, "pattern %q", pattern)
	}
}
