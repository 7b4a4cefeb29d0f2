/*
bootstrap.go - YAML seed file for first-run configuration

PURPOSE:
  A deployment starts from an empty database; without payers, rules and
  thresholds every claim parks in MISSING_CONFIGURATION. The bootstrap file
  declares the initial masters so the pipeline is live from the first claim.
  Loading is idempotent: records are matched by external id / name and
  updated in place, so re-running with the same file is safe.

FILE SHAPE (yaml):
  payers:
    - payerId: BCBS
      payerName: Blue Cross Blue Shield
      isaSenderId: BCBSMI
      sftp: {host: edi.bcbs.example, port: 22, username: lumera, password: s3cret, path: /inbound/835}
  payees:
    - payeeId: PHR_001
      payeeName: Main Street Pharmacy
      npi: "1234567890"
  rules:
    - name: bcbs daily
      type: PAYER_PAYEE
      priority: 10
      thresholds:
        - type: CLAIM_COUNT
          maxClaims: 100
      commit:
        mode: AUTO
        paymentRequired: true
      template:
        name: bcbs standard
        pattern: "{payerId}_{payeeId}_{yyyyMMdd}_{sequenceNumber}.835"
  settings:
    delivery.enabled: "true"

SFTP passwords arrive in plaintext and are encrypted before they reach the
payer row; with no encryption key configured they are stored as-is.
*/
package config

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/secrets"
)

// BootstrapStore is the writable slice of the store the loader needs;
// store/sqlite implements it.
type BootstrapStore interface {
	Store
	SaveBucketingRule(ctx context.Context, r *BucketingRule) error
	SaveThreshold(ctx context.Context, t *GenerationThreshold) error
	SaveCommitCriteria(ctx context.Context, c *CommitCriteria) error
	SaveWorkflowConfig(ctx context.Context, w *WorkflowConfig) error
	SaveTemplate(ctx context.Context, t *FileNamingTemplate) error
	SetSetting(ctx context.Context, key, value string) error
}

// =============================================================================
// FILE SHAPE
// =============================================================================

type BootstrapFile struct {
	Payers   []BootstrapPayer  `yaml:"payers"`
	Payees   []BootstrapPayee  `yaml:"payees"`
	Rules    []BootstrapRule   `yaml:"rules"`
	Settings map[string]string `yaml:"settings"`
}

type BootstrapPayer struct {
	PayerID     string        `yaml:"payerId"`
	PayerName   string        `yaml:"payerName"`
	ISASenderID string        `yaml:"isaSenderId"`
	Address     yamlAddress   `yaml:"address"`
	SFTP        BootstrapSFTP `yaml:"sftp"`
}

type BootstrapSFTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"`
}

type BootstrapPayee struct {
	PayeeID   string      `yaml:"payeeId"`
	PayeeName string      `yaml:"payeeName"`
	NPI       string      `yaml:"npi"`
	Address   yamlAddress `yaml:"address"`
}

type yamlAddress struct {
	Line1 string `yaml:"line1"`
	Line2 string `yaml:"line2"`
	City  string `yaml:"city"`
	State string `yaml:"state"`
	Zip   string `yaml:"zip"`
}

type BootstrapRule struct {
	Name               string               `yaml:"name"`
	Type               string               `yaml:"type"`
	Priority           int                  `yaml:"priority"`
	GroupingExpression string               `yaml:"groupingExpression"`
	LinkedPayerID      string               `yaml:"linkedPayerId"`
	LinkedPayeeID      string               `yaml:"linkedPayeeId"`
	Thresholds         []BootstrapThreshold `yaml:"thresholds"`
	Commit             *BootstrapCommit     `yaml:"commit"`
	Template           *BootstrapTemplate   `yaml:"template"`
}

type BootstrapThreshold struct {
	Type         string  `yaml:"type"`
	MaxClaims    *int    `yaml:"maxClaims"`
	MaxAmount    *string `yaml:"maxAmount"`
	TimeDuration *string `yaml:"timeDuration"`
	Workflow     *struct {
		Mode       string `yaml:"mode"`
		Assignment string `yaml:"assignment"`
	} `yaml:"workflow"`
}

type BootstrapCommit struct {
	Mode                   string   `yaml:"mode"`
	ApprovalClaimThreshold *int     `yaml:"approvalClaimThreshold"`
	ApprovalAmount         *string  `yaml:"approvalAmount"`
	ApprovalRoles          []string `yaml:"approvalRoles"`
	PaymentRequired        bool     `yaml:"paymentRequired"`
}

type BootstrapTemplate struct {
	Name           string `yaml:"name"`
	Pattern        string `yaml:"pattern"`
	CaseConversion string `yaml:"caseConversion"`
	SequenceReset  string `yaml:"sequenceReset"`
	IsDefault      bool   `yaml:"isDefault"`
}

// =============================================================================
// LOADER
// =============================================================================

// Bootstrapper writes a BootstrapFile into the master tables.
type Bootstrapper struct {
	Store  BootstrapStore
	Cipher secrets.Cipher
	Logger *zap.Logger
}

// LoadFile reads and applies a bootstrap YAML file. Any invalid entry aborts
// the whole load so a deployment never starts half-configured.
func (b *Bootstrapper) LoadFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	var file BootstrapFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse bootstrap file: %w", err)
	}
	return b.Apply(ctx, &file)
}

// Apply writes the declared masters in dependency order: payers and payees
// first, then rules with their thresholds, criteria, workflows and
// templates, then raw settings.
func (b *Bootstrapper) Apply(ctx context.Context, file *BootstrapFile) error {
	for i := range file.Payers {
		if err := b.applyPayer(ctx, &file.Payers[i]); err != nil {
			return fmt.Errorf("bootstrap payer %q: %w", file.Payers[i].PayerID, err)
		}
	}
	for i := range file.Payees {
		if err := b.applyPayee(ctx, &file.Payees[i]); err != nil {
			return fmt.Errorf("bootstrap payee %q: %w", file.Payees[i].PayeeID, err)
		}
	}
	for i := range file.Rules {
		if err := b.applyRule(ctx, &file.Rules[i]); err != nil {
			return fmt.Errorf("bootstrap rule %q: %w", file.Rules[i].Name, err)
		}
	}
	for key, value := range file.Settings {
		if err := b.Store.SetSetting(ctx, key, value); err != nil {
			return fmt.Errorf("bootstrap setting %q: %w", key, err)
		}
	}
	if b.Logger != nil {
		b.Logger.Info("bootstrap applied",
			zap.Int("payers", len(file.Payers)),
			zap.Int("payees", len(file.Payees)),
			zap.Int("rules", len(file.Rules)),
			zap.Int("settings", len(file.Settings)))
	}
	return nil
}

func (b *Bootstrapper) applyPayer(ctx context.Context, in *BootstrapPayer) error {
	p, err := b.Store.GetPayerByExternalID(ctx, in.PayerID)
	switch {
	case remit.IsNotFound(err):
		p = &Payer{ID: remit.NewID(), PayerID: in.PayerID, CreatedBy: "bootstrap"}
	case err != nil:
		return err
	}
	p.PayerName = in.PayerName
	p.ISASenderID = in.ISASenderID
	p.AddressLine1 = in.Address.Line1
	p.AddressLine2 = in.Address.Line2
	p.City = in.Address.City
	p.State = in.Address.State
	p.ZipCode = in.Address.Zip
	p.IsActive = true

	if in.SFTP.Host != "" {
		password := in.SFTP.Password
		if b.Cipher != nil && password != "" {
			password, err = b.Cipher.Encrypt(password)
			if err != nil {
				return err
			}
		}
		p.SFTPHost = in.SFTP.Host
		p.SFTPPort = in.SFTP.Port
		p.SFTPUsername = in.SFTP.Username
		p.SFTPPassword = password
		p.SFTPPath = in.SFTP.Path
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return b.Store.SavePayer(ctx, p)
}

func (b *Bootstrapper) applyPayee(ctx context.Context, in *BootstrapPayee) error {
	p, err := b.Store.GetPayeeByExternalID(ctx, in.PayeeID)
	switch {
	case remit.IsNotFound(err):
		p = &Payee{ID: remit.NewID(), PayeeID: in.PayeeID, CreatedBy: "bootstrap"}
	case err != nil:
		return err
	}
	p.PayeeName = in.PayeeName
	p.NPI = in.NPI
	p.AddressLine1 = in.Address.Line1
	p.AddressLine2 = in.Address.Line2
	p.City = in.Address.City
	p.State = in.Address.State
	p.ZipCode = in.Address.Zip
	p.IsActive = true
	if err := p.Validate(); err != nil {
		return err
	}
	return b.Store.SavePayee(ctx, p)
}

func (b *Bootstrapper) applyRule(ctx context.Context, in *BootstrapRule) error {
	rule := &BucketingRule{
		RuleName:           in.Name,
		RuleType:           RuleType(in.Type),
		Priority:           in.Priority,
		GroupingExpression: in.GroupingExpression,
		LinkedPayerID:      in.LinkedPayerID,
		LinkedPayeeID:      in.LinkedPayeeID,
		IsActive:           true,
	}
	if existing := b.findRuleByName(ctx, in.Name); existing != nil {
		rule.ID = existing.ID
	} else {
		rule.ID = remit.NewID()
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := b.Store.SaveBucketingRule(ctx, rule); err != nil {
		return err
	}

	// Existing children are matched for id reuse so re-runs update rather
	// than accumulate.
	existingThresholds, err := b.Store.ActiveThresholdsForRule(ctx, rule.ID)
	if err != nil {
		return err
	}

	for i := range in.Thresholds {
		tin := &in.Thresholds[i]
		threshold := &GenerationThreshold{
			ID:                    remit.NewID(),
			ThresholdType:         ThresholdType(tin.Type),
			LinkedBucketingRuleID: rule.ID,
			MaxClaims:             tin.MaxClaims,
			IsActive:              true,
		}
		for j := range existingThresholds {
			if existingThresholds[j].ThresholdType == threshold.ThresholdType {
				threshold.ID = existingThresholds[j].ID
				existingThresholds = append(existingThresholds[:j], existingThresholds[j+1:]...)
				break
			}
		}
		if tin.MaxAmount != nil {
			amount, err := decimal.NewFromString(*tin.MaxAmount)
			if err != nil {
				return fmt.Errorf("threshold maxAmount: %w", err)
			}
			threshold.MaxAmount = &amount
		}
		if tin.TimeDuration != nil {
			d := TimeDuration(*tin.TimeDuration)
			threshold.TimeDuration = &d
		}
		if err := threshold.Validate(); err != nil {
			return err
		}
		if err := b.Store.SaveThreshold(ctx, threshold); err != nil {
			return err
		}
		if tin.Workflow != nil {
			workflowID := remit.NewID()
			if existing, err := b.Store.ActiveWorkflowForThreshold(ctx, threshold.ID); err == nil && existing != nil {
				workflowID = existing.ID
			}
			workflow := &WorkflowConfig{
				ID:                workflowID,
				LinkedThresholdID: threshold.ID,
				Mode:              WorkflowMode(tin.Workflow.Mode),
				Assignment:        AssignmentMode(tin.Workflow.Assignment),
				IsActive:          true,
			}
			if err := workflow.Validate(); err != nil {
				return err
			}
			if err := b.Store.SaveWorkflowConfig(ctx, workflow); err != nil {
				return err
			}
		}
	}

	if in.Commit != nil {
		criteriaID := remit.NewID()
		if existing, err := b.Store.ActiveCommitCriteriaForRule(ctx, rule.ID); err == nil && len(existing) > 0 {
			criteriaID = existing[0].ID
		}
		criteria := &CommitCriteria{
			ID:                          criteriaID,
			LinkedBucketingRuleID:       rule.ID,
			CommitMode:                  CommitMode(in.Commit.Mode),
			ApprovalClaimCountThreshold: in.Commit.ApprovalClaimThreshold,
			ApprovalRoles:               in.Commit.ApprovalRoles,
			PaymentRequired:             in.Commit.PaymentRequired,
			IsActive:                    true,
		}
		if in.Commit.ApprovalAmount != nil {
			amount, err := decimal.NewFromString(*in.Commit.ApprovalAmount)
			if err != nil {
				return fmt.Errorf("commit approvalAmount: %w", err)
			}
			criteria.ApprovalAmountThreshold = &amount
		}
		if err := criteria.Validate(); err != nil {
			return err
		}
		if err := b.Store.SaveCommitCriteria(ctx, criteria); err != nil {
			return err
		}
	}

	if in.Template != nil {
		caseConv := CaseConversion(in.Template.CaseConversion)
		if caseConv == "" {
			caseConv = CaseNone
		}
		reset := ResetFrequency(in.Template.SequenceReset)
		if reset == "" {
			reset = ResetNever
		}
		templateID := remit.NewID()
		// TemplateForRule falls back to the system default on a miss, so
		// only a template actually linked to this rule is reused.
		if existing, err := b.Store.TemplateForRule(ctx, rule.ID); err == nil &&
			existing != nil && existing.LinkedBucketingRuleID == rule.ID {
			templateID = existing.ID
		}
		tpl := &FileNamingTemplate{
			ID:                     templateID,
			TemplateName:           in.Template.Name,
			TemplatePattern:        in.Template.Pattern,
			CaseConversion:         caseConv,
			SequenceResetFrequency: reset,
			LinkedBucketingRuleID:  rule.ID,
			IsDefault:              in.Template.IsDefault,
			IsActive:               true,
		}
		if err := tpl.Validate(); err != nil {
			return err
		}
		if err := b.Store.SaveTemplate(ctx, tpl); err != nil {
			return err
		}
	}
	return nil
}

// findRuleByName matches an existing rule so re-running a bootstrap updates
// instead of duplicating.
func (b *Bootstrapper) findRuleByName(ctx context.Context, name string) *BucketingRule {
	rules, err := b.Store.ActiveBucketingRules(ctx)
	if err != nil {
		return nil
	}
	for i := range rules {
		if rules[i].RuleName == name {
			return &rules[i]
		}
	}
	return nil
}
