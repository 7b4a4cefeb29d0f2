/*
Package config holds the administrator-defined configuration the pipeline
reads: who the payers and payees are, how claims group into buckets, when a
bucket commits, whether a human must approve, and how output files are named.

PURPOSE:
  The pipeline treats this data as read-mostly reference: rules and
  thresholds change on an administrator's timescale, not a claim's. CRUD
  lives outside the core; this package defines the entities, their
  validation, the read interface, and a caching wrapper.

KEY CONCEPTS IN THIS FILE (types.go):
  - Payer/Payee: master records, auto-created by the aggregator when a claim
    references an unknown party
  - BucketingRule: which claims share a bucket (priority ordered)
  - GenerationThreshold: when an accumulating bucket commits
  - CommitCriteria: whether commit is automatic, manual, or conditional
  - WorkflowConfig: how check payments attach during auto-commit
  - FileNamingTemplate: the output file name pattern

SEE ALSO:
  - validate.go: structural and conditional validation
  - settings.go: typed view of the key/value settings table
  - store.go: read interface and cache
*/
package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYER / PAYEE - master records
// =============================================================================

// Payer is an insurance payer. SFTP fields describe where its 835 files are
// delivered; SFTPPassword is stored encrypted (secrets package).
type Payer struct {
	ID            string `validate:"required"`
	PayerID       string `validate:"required"` // canonical external id
	PayerName     string `validate:"required"`
	ISASenderID   string
	AddressLine1  string
	AddressLine2  string
	City          string
	State         string
	ZipCode       string
	SFTPHost      string
	SFTPPort      int
	SFTPUsername  string
	SFTPPassword  string // encrypted at rest
	SFTPPath      string
	IsActive      bool
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasSFTPConfig reports whether every field delivery needs is present.
func (p Payer) HasSFTPConfig() bool {
	return p.SFTPHost != "" && p.SFTPPort > 0 && p.SFTPUsername != "" && p.SFTPPath != ""
}

// Payee is the receiving pharmacy or provider group.
type Payee struct {
	ID           string `validate:"required"`
	PayeeID      string `validate:"required"`
	PayeeName    string `validate:"required"`
	NPI          string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	ZipCode      string
	IsActive     bool
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// BUCKETING RULES - which claims group together
// =============================================================================

type RuleType string

const (
	RulePayerPayee RuleType = "PAYER_PAYEE"
	RuleBinPCN     RuleType = "BIN_PCN"
	RuleCustom     RuleType = "CUSTOM"
)

// BucketingRule selects claims into buckets. Higher priority wins; ties break
// by RuleName ascending.
type BucketingRule struct {
	ID                 string   `validate:"required"`
	RuleName           string   `validate:"required"`
	RuleType           RuleType `validate:"required,oneof=PAYER_PAYEE BIN_PCN CUSTOM"`
	Priority           int
	GroupingExpression string // CUSTOM only
	LinkedPayerID      string
	LinkedPayeeID      string
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// =============================================================================
// GENERATION THRESHOLDS - when a bucket commits
// =============================================================================

type ThresholdType string

const (
	ThresholdClaimCount ThresholdType = "CLAIM_COUNT"
	ThresholdAmount     ThresholdType = "AMOUNT"
	ThresholdTime       ThresholdType = "TIME"
	ThresholdHybrid     ThresholdType = "HYBRID"
)

type TimeDuration string

const (
	DurationDaily    TimeDuration = "DAILY"
	DurationWeekly   TimeDuration = "WEEKLY"
	DurationBiweekly TimeDuration = "BIWEEKLY"
	DurationMonthly  TimeDuration = "MONTHLY"
)

// Hours returns the age in hours at which a TIME threshold fires.
func (d TimeDuration) Hours() int {
	switch d {
	case DurationDaily:
		return 24
	case DurationWeekly:
		return 168
	case DurationBiweekly:
		return 336
	case DurationMonthly:
		return 720
	}
	return 0
}

// GenerationThreshold fires when its predicate holds for a bucket. HYBRID
// evaluates every operand that is set and fires on any.
type GenerationThreshold struct {
	ID                   string        `validate:"required"`
	ThresholdType        ThresholdType `validate:"required,oneof=CLAIM_COUNT AMOUNT TIME HYBRID"`
	LinkedBucketingRuleID string       `validate:"required"`
	MaxClaims            *int
	MaxAmount            *decimal.Decimal
	TimeDuration         *TimeDuration
	IsActive             bool
	CreatedAt            time.Time
}

// =============================================================================
// COMMIT CRITERIA - auto vs manual commit
// =============================================================================

type CommitMode string

const (
	CommitAuto   CommitMode = "AUTO"
	CommitManual CommitMode = "MANUAL"
	CommitHybrid CommitMode = "HYBRID"
)

// CommitCriteria decides what happens when a threshold fires. PaymentRequired
// is copied onto the bucket at creation and fixed from then on.
type CommitCriteria struct {
	ID                          string     `validate:"required"`
	LinkedBucketingRuleID       string     `validate:"required"`
	CommitMode                  CommitMode `validate:"required,oneof=AUTO MANUAL HYBRID"`
	ApprovalClaimCountThreshold *int
	ApprovalAmountThreshold     *decimal.Decimal
	ApprovalRoles               []string
	PaymentRequired             bool
	IsActive                    bool
	CreatedAt                   time.Time
}

// =============================================================================
// WORKFLOW CONFIG - payment attachment during auto-commit
// =============================================================================

type WorkflowMode string

const (
	WorkflowSeparate   WorkflowMode = "SEPARATE"
	WorkflowIntegrated WorkflowMode = "INTEGRATED"
)

type AssignmentMode string

const (
	AssignmentAuto   AssignmentMode = "AUTO"
	AssignmentManual AssignmentMode = "MANUAL"
)

// WorkflowConfig links a threshold to a payment-assignment behaviour. Only
// SEPARATE + AUTO lets the auto-commit path reserve a check by itself.
type WorkflowConfig struct {
	ID                string         `validate:"required"`
	LinkedThresholdID string         `validate:"required"`
	Mode              WorkflowMode   `validate:"required,oneof=SEPARATE INTEGRATED"`
	Assignment        AssignmentMode `validate:"required,oneof=AUTO MANUAL"`
	IsActive          bool
	CreatedAt         time.Time
}

// =============================================================================
// FILE NAMING - output name templates and sequences
// =============================================================================

type CaseConversion string

const (
	CaseNone       CaseConversion = "NONE"
	CaseUpper      CaseConversion = "UPPER"
	CaseLower      CaseConversion = "LOWER"
	CaseCapitalize CaseConversion = "CAPITALIZE"
)

type ResetFrequency string

const (
	ResetDaily   ResetFrequency = "DAILY"
	ResetMonthly ResetFrequency = "MONTHLY"
	ResetYearly  ResetFrequency = "YEARLY"
	ResetNever   ResetFrequency = "NEVER"
)

// FileNamingTemplate is the pattern an output file name expands from. At most
// one template may be the system default.
type FileNamingTemplate struct {
	ID                    string         `validate:"required"`
	TemplateName          string         `validate:"required"`
	TemplatePattern       string         `validate:"required"`
	CaseConversion        CaseConversion `validate:"omitempty,oneof=NONE UPPER LOWER CAPITALIZE"`
	SequenceResetFrequency ResetFrequency
	LinkedBucketingRuleID string
	IsDefault             bool
	IsActive              bool
	CreatedAt             time.Time
}

// FileNamingSequence is the per-(template, payer) counter backing
// {sequenceNumber} expansion. Mutated only under an exclusive store lock.
type FileNamingSequence struct {
	TemplateID      string
	PayerID         string
	CurrentSequence int
	ResetFrequency  ResetFrequency
	LastResetAt     time.Time
}
