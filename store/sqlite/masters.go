/*
masters.go - config.Store implementation

Payer/payee master records, bucketing rules, thresholds, commit criteria,
workflow configs, naming templates, and the settings table. Save methods
upsert so the bootstrap seeder and the aggregator's auto-create share them.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
)

var _ config.Store = (*Store)(nil)

// =============================================================================
// PAYERS / PAYEES
// =============================================================================

const payerColumns = `id, payer_id, payer_name, isa_sender_id,
	address_line1, address_line2, city, state, zip_code,
	sftp_host, sftp_port, sftp_username, sftp_password, sftp_path,
	is_active, created_by, created_at, updated_at`

func (s *Store) GetPayerByExternalID(ctx context.Context, payerID string) (*config.Payer, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx,
		`SELECT `+payerColumns+` FROM payers WHERE payer_id = ?`, payerID)
	p, err := scanPayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "payer", ID: payerID}
	}
	return p, err
}

// SavePayer upserts by external payer_id.
func (s *Store) SavePayer(ctx context.Context, p *config.Payer) error {
	unlock := s.wlock()
	defer unlock()

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = remit.NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO payers
		(id, payer_id, payer_name, isa_sender_id, address_line1, address_line2,
		 city, state, zip_code, sftp_host, sftp_port, sftp_username,
		 sftp_password, sftp_path, is_active, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payer_id) DO UPDATE SET
			payer_name = excluded.payer_name,
			isa_sender_id = excluded.isa_sender_id,
			address_line1 = excluded.address_line1,
			address_line2 = excluded.address_line2,
			city = excluded.city,
			state = excluded.state,
			zip_code = excluded.zip_code,
			sftp_host = excluded.sftp_host,
			sftp_port = excluded.sftp_port,
			sftp_username = excluded.sftp_username,
			sftp_password = excluded.sftp_password,
			sftp_path = excluded.sftp_path,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`,
		p.ID, p.PayerID, p.PayerName, p.ISASenderID,
		p.AddressLine1, p.AddressLine2, p.City, p.State, p.ZipCode,
		p.SFTPHost, p.SFTPPort, p.SFTPUsername, p.SFTPPassword, p.SFTPPath,
		p.IsActive, p.CreatedBy, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save payer %s: %w", p.PayerID, err)
	}
	return nil
}

func scanPayer(row rowScanner) (*config.Payer, error) {
	var p config.Payer
	var createdAt, updatedAt string
	err := row.Scan(
		&p.ID, &p.PayerID, &p.PayerName, &p.ISASenderID,
		&p.AddressLine1, &p.AddressLine2, &p.City, &p.State, &p.ZipCode,
		&p.SFTPHost, &p.SFTPPort, &p.SFTPUsername, &p.SFTPPassword, &p.SFTPPath,
		&p.IsActive, &p.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

const payeeColumns = `id, payee_id, payee_name, npi,
	address_line1, address_line2, city, state, zip_code,
	is_active, created_by, created_at, updated_at`

func (s *Store) GetPayeeByExternalID(ctx context.Context, payeeID string) (*config.Payee, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx,
		`SELECT `+payeeColumns+` FROM payees WHERE payee_id = ?`, payeeID)
	p, err := scanPayee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "payee", ID: payeeID}
	}
	return p, err
}

// SavePayee upserts by external payee_id.
func (s *Store) SavePayee(ctx context.Context, p *config.Payee) error {
	unlock := s.wlock()
	defer unlock()

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = remit.NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO payees
		(id, payee_id, payee_name, npi, address_line1, address_line2,
		 city, state, zip_code, is_active, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payee_id) DO UPDATE SET
			payee_name = excluded.payee_name,
			npi = excluded.npi,
			address_line1 = excluded.address_line1,
			address_line2 = excluded.address_line2,
			city = excluded.city,
			state = excluded.state,
			zip_code = excluded.zip_code,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`,
		p.ID, p.PayeeID, p.PayeeName, p.NPI,
		p.AddressLine1, p.AddressLine2, p.City, p.State, p.ZipCode,
		p.IsActive, p.CreatedBy, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save payee %s: %w", p.PayeeID, err)
	}
	return nil
}

func scanPayee(row rowScanner) (*config.Payee, error) {
	var p config.Payee
	var createdAt, updatedAt string
	err := row.Scan(
		&p.ID, &p.PayeeID, &p.PayeeName, &p.NPI,
		&p.AddressLine1, &p.AddressLine2, &p.City, &p.State, &p.ZipCode,
		&p.IsActive, &p.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// =============================================================================
// BUCKETING RULES
// =============================================================================

const ruleColumns = `id, rule_name, rule_type, priority, grouping_expression,
	linked_payer_id, linked_payee_id, is_active, created_at, updated_at`

// ActiveBucketingRules returns active rules in match order: priority
// descending, ties by rule_name ascending.
func (s *Store) ActiveBucketingRules(ctx context.Context) ([]config.BucketingRule, error) {
	unlock := s.rlock()
	defer unlock()

	rows, err := s.q().QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM bucketing_rules
		WHERE is_active
		ORDER BY priority DESC, rule_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []config.BucketingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) GetBucketingRule(ctx context.Context, id string) (*config.BucketingRule, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM bucketing_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "bucketing rule", ID: id}
	}
	return r, err
}

// SaveBucketingRule upserts by id (bootstrap seeding and tests).
func (s *Store) SaveBucketingRule(ctx context.Context, r *config.BucketingRule) error {
	unlock := s.wlock()
	defer unlock()

	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = remit.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO bucketing_rules
		(id, rule_name, rule_type, priority, grouping_expression,
		 linked_payer_id, linked_payee_id, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_name = excluded.rule_name,
			rule_type = excluded.rule_type,
			priority = excluded.priority,
			grouping_expression = excluded.grouping_expression,
			linked_payer_id = excluded.linked_payer_id,
			linked_payee_id = excluded.linked_payee_id,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`,
		r.ID, r.RuleName, string(r.RuleType), r.Priority, r.GroupingExpression,
		r.LinkedPayerID, r.LinkedPayeeID, r.IsActive,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", r.RuleName, err)
	}
	return nil
}

func scanRule(row rowScanner) (*config.BucketingRule, error) {
	var r config.BucketingRule
	var ruleType, createdAt, updatedAt string
	err := row.Scan(
		&r.ID, &r.RuleName, &ruleType, &r.Priority, &r.GroupingExpression,
		&r.LinkedPayerID, &r.LinkedPayeeID, &r.IsActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.RuleType = config.RuleType(ruleType)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// =============================================================================
// GENERATION THRESHOLDS
// =============================================================================

// ActiveThresholdsForRule returns active thresholds in persistence order
// (first matching threshold wins in the manager).
func (s *Store) ActiveThresholdsForRule(ctx context.Context, ruleID string) ([]config.GenerationThreshold, error) {
	unlock := s.rlock()
	defer unlock()

	rows, err := s.q().QueryContext(ctx, `
		SELECT id, threshold_type, linked_rule_id, max_claims, max_amount,
		       time_duration, is_active, created_at
		FROM generation_thresholds
		WHERE linked_rule_id = ? AND is_active
		ORDER BY created_at ASC, id ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thresholds: %w", err)
	}
	defer rows.Close()

	var out []config.GenerationThreshold
	for rows.Next() {
		var t config.GenerationThreshold
		var thresholdType, createdAt string
		var maxClaims sql.NullInt64
		var maxAmount, timeDuration sql.NullString

		if err := rows.Scan(&t.ID, &thresholdType, &t.LinkedBucketingRuleID,
			&maxClaims, &maxAmount, &timeDuration, &t.IsActive, &createdAt); err != nil {
			return nil, err
		}
		t.ThresholdType = config.ThresholdType(thresholdType)
		if maxClaims.Valid {
			n := int(maxClaims.Int64)
			t.MaxClaims = &n
		}
		t.MaxAmount = decimalPtr(maxAmount)
		if timeDuration.Valid {
			d := config.TimeDuration(timeDuration.String)
			t.TimeDuration = &d
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveThreshold upserts by id.
func (s *Store) SaveThreshold(ctx context.Context, t *config.GenerationThreshold) error {
	unlock := s.wlock()
	defer unlock()

	if t.ID == "" {
		t.ID = remit.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	var maxClaims sql.NullInt64
	if t.MaxClaims != nil {
		maxClaims = sql.NullInt64{Int64: int64(*t.MaxClaims), Valid: true}
	}
	var timeDuration sql.NullString
	if t.TimeDuration != nil {
		timeDuration = sql.NullString{String: string(*t.TimeDuration), Valid: true}
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO generation_thresholds
		(id, threshold_type, linked_rule_id, max_claims, max_amount,
		 time_duration, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			threshold_type = excluded.threshold_type,
			linked_rule_id = excluded.linked_rule_id,
			max_claims = excluded.max_claims,
			max_amount = excluded.max_amount,
			time_duration = excluded.time_duration,
			is_active = excluded.is_active
	`,
		t.ID, string(t.ThresholdType), t.LinkedBucketingRuleID,
		maxClaims, nullDecimal(t.MaxAmount), timeDuration,
		t.IsActive, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save threshold: %w", err)
	}
	return nil
}

// =============================================================================
// COMMIT CRITERIA
// =============================================================================

// ActiveCommitCriteriaForRule returns active criteria in persistence order.
// The partial unique index keeps this to one row; the slice shape survives
// for callers that tolerate legacy data.
func (s *Store) ActiveCommitCriteriaForRule(ctx context.Context, ruleID string) ([]config.CommitCriteria, error) {
	unlock := s.rlock()
	defer unlock()

	rows, err := s.q().QueryContext(ctx, `
		SELECT id, linked_rule_id, commit_mode, approval_claim_count_threshold,
		       approval_amount_threshold, approval_roles, payment_required,
		       is_active, created_at
		FROM commit_criteria
		WHERE linked_rule_id = ? AND is_active
		ORDER BY created_at ASC, id ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query commit criteria: %w", err)
	}
	defer rows.Close()

	var out []config.CommitCriteria
	for rows.Next() {
		var c config.CommitCriteria
		var mode, roles, createdAt string
		var claimThreshold sql.NullInt64
		var amountThreshold sql.NullString

		if err := rows.Scan(&c.ID, &c.LinkedBucketingRuleID, &mode,
			&claimThreshold, &amountThreshold, &roles,
			&c.PaymentRequired, &c.IsActive, &createdAt); err != nil {
			return nil, err
		}
		c.CommitMode = config.CommitMode(mode)
		if claimThreshold.Valid {
			n := int(claimThreshold.Int64)
			c.ApprovalClaimCountThreshold = &n
		}
		c.ApprovalAmountThreshold = decimalPtr(amountThreshold)
		c.ApprovalRoles = splitRoles(roles)
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCommitCriteria upserts by id. The partial unique index rejects a
// second active row for the same rule.
func (s *Store) SaveCommitCriteria(ctx context.Context, c *config.CommitCriteria) error {
	unlock := s.wlock()
	defer unlock()

	if c.ID == "" {
		c.ID = remit.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	var claimThreshold sql.NullInt64
	if c.ApprovalClaimCountThreshold != nil {
		claimThreshold = sql.NullInt64{Int64: int64(*c.ApprovalClaimCountThreshold), Valid: true}
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO commit_criteria
		(id, linked_rule_id, commit_mode, approval_claim_count_threshold,
		 approval_amount_threshold, approval_roles, payment_required,
		 is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			linked_rule_id = excluded.linked_rule_id,
			commit_mode = excluded.commit_mode,
			approval_claim_count_threshold = excluded.approval_claim_count_threshold,
			approval_amount_threshold = excluded.approval_amount_threshold,
			approval_roles = excluded.approval_roles,
			payment_required = excluded.payment_required,
			is_active = excluded.is_active
	`,
		c.ID, c.LinkedBucketingRuleID, string(c.CommitMode),
		claimThreshold, nullDecimal(c.ApprovalAmountThreshold),
		strings.Join(c.ApprovalRoles, ","), c.PaymentRequired,
		c.IsActive, formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &remit.ValidationError{Field: "linkedBucketingRuleId", Reason: "an active commit criteria already exists for this rule"}
		}
		return fmt.Errorf("failed to save commit criteria: %w", err)
	}
	return nil
}

func splitRoles(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// =============================================================================
// WORKFLOW CONFIGS
// =============================================================================

// ActiveWorkflowForThreshold returns the active workflow config linked to a
// threshold, or remit.ErrNotFound.
func (s *Store) ActiveWorkflowForThreshold(ctx context.Context, thresholdID string) (*config.WorkflowConfig, error) {
	unlock := s.rlock()
	defer unlock()

	var w config.WorkflowConfig
	var mode, assignment, createdAt string
	err := s.q().QueryRowContext(ctx, `
		SELECT id, linked_threshold_id, mode, assignment, is_active, created_at
		FROM workflow_configs
		WHERE linked_threshold_id = ? AND is_active
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, thresholdID).Scan(&w.ID, &w.LinkedThresholdID, &mode, &assignment, &w.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "workflow config for threshold", ID: thresholdID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow config: %w", err)
	}
	w.Mode = config.WorkflowMode(mode)
	w.Assignment = config.AssignmentMode(assignment)
	w.CreatedAt = parseTime(createdAt)
	return &w, nil
}

// SaveWorkflowConfig upserts by id.
func (s *Store) SaveWorkflowConfig(ctx context.Context, w *config.WorkflowConfig) error {
	unlock := s.wlock()
	defer unlock()

	if w.ID == "" {
		w.ID = remit.NewID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO workflow_configs (id, linked_threshold_id, mode, assignment, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			linked_threshold_id = excluded.linked_threshold_id,
			mode = excluded.mode,
			assignment = excluded.assignment,
			is_active = excluded.is_active
	`, w.ID, w.LinkedThresholdID, string(w.Mode), string(w.Assignment), w.IsActive, formatTime(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save workflow config: %w", err)
	}
	return nil
}

// =============================================================================
// FILE NAMING TEMPLATES
// =============================================================================

const templateColumns = `id, template_name, template_pattern, case_conversion,
	sequence_reset_frequency, linked_rule_id, is_default, is_active, created_at`

func (s *Store) GetTemplate(ctx context.Context, id string) (*config.FileNamingTemplate, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM file_naming_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remit.NotFoundError{Kind: "file naming template", ID: id}
	}
	return t, err
}

// TemplateForRule resolves the template a bucket should use: the rule-linked
// active template when present, else the system default, else (nil, nil).
func (s *Store) TemplateForRule(ctx context.Context, ruleID string) (*config.FileNamingTemplate, error) {
	unlock := s.rlock()
	defer unlock()

	row := s.q().QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM file_naming_templates
		WHERE linked_rule_id = ? AND is_active
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, ruleID)
	t, err := scanTemplate(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return s.defaultTemplate(ctx)
}

// DefaultTemplate returns the system default template, or (nil, nil) when
// none is configured.
func (s *Store) DefaultTemplate(ctx context.Context) (*config.FileNamingTemplate, error) {
	unlock := s.rlock()
	defer unlock()
	return s.defaultTemplate(ctx)
}

func (s *Store) defaultTemplate(ctx context.Context) (*config.FileNamingTemplate, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT ` + templateColumns + `
		FROM file_naming_templates
		WHERE is_default AND is_active
		LIMIT 1
	`)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// SaveTemplate upserts by id. The partial unique index rejects a second
// default template.
func (s *Store) SaveTemplate(ctx context.Context, t *config.FileNamingTemplate) error {
	unlock := s.wlock()
	defer unlock()

	if t.ID == "" {
		t.ID = remit.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.CaseConversion == "" {
		t.CaseConversion = config.CaseNone
	}
	if t.SequenceResetFrequency == "" {
		t.SequenceResetFrequency = config.ResetNever
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO file_naming_templates
		(id, template_name, template_pattern, case_conversion,
		 sequence_reset_frequency, linked_rule_id, is_default, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			template_name = excluded.template_name,
			template_pattern = excluded.template_pattern,
			case_conversion = excluded.case_conversion,
			sequence_reset_frequency = excluded.sequence_reset_frequency,
			linked_rule_id = excluded.linked_rule_id,
			is_default = excluded.is_default,
			is_active = excluded.is_active
	`,
		t.ID, t.TemplateName, t.TemplatePattern, string(t.CaseConversion),
		string(t.SequenceResetFrequency), t.LinkedBucketingRuleID,
		t.IsDefault, t.IsActive, formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &remit.ValidationError{Field: "isDefault", Reason: "a default template already exists"}
		}
		return fmt.Errorf("failed to save template %s: %w", t.TemplateName, err)
	}
	return nil
}

func scanTemplate(row rowScanner) (*config.FileNamingTemplate, error) {
	var t config.FileNamingTemplate
	var caseConv, resetFreq, createdAt string
	err := row.Scan(
		&t.ID, &t.TemplateName, &t.TemplatePattern, &caseConv,
		&resetFreq, &t.LinkedBucketingRuleID, &t.IsDefault, &t.IsActive, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	t.CaseConversion = config.CaseConversion(caseConv)
	t.SequenceResetFrequency = config.ResetFrequency(resetFreq)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings returns the raw settings rows.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	unlock := s.rlock()
	defer unlock()

	rows, err := s.q().QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetSetting upserts one settings row.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	unlock := s.wlock()
	defer unlock()

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}
