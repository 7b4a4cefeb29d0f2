/*
validate.go - Structural and conditional validation for configuration entities

Struct tags cover the unconditional shape (required fields, enum membership).
The Validate methods add the conditional rules that tags cannot express:
a HYBRID threshold needs at least one operand, MANUAL criteria need roles,
a CUSTOM rule needs its grouping expression.
*/
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/lumera/remit-engine/remit"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func structError(err error) error {
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		f := verrs[0]
		return &remit.ValidationError{Field: f.Field(), Reason: fmt.Sprintf("failed %q", f.Tag())}
	}
	return &remit.ValidationError{Field: "", Reason: err.Error()}
}

func (r BucketingRule) Validate() error {
	if err := structError(validate.Struct(r)); err != nil {
		return err
	}
	if r.RuleType == RuleCustom && r.GroupingExpression == "" {
		return &remit.ValidationError{Field: "GroupingExpression", Reason: "required for CUSTOM rules"}
	}
	return nil
}

func (t GenerationThreshold) Validate() error {
	if err := structError(validate.Struct(t)); err != nil {
		return err
	}
	switch t.ThresholdType {
	case ThresholdClaimCount:
		if t.MaxClaims == nil || *t.MaxClaims <= 0 {
			return &remit.ValidationError{Field: "MaxClaims", Reason: "must be > 0 for CLAIM_COUNT"}
		}
	case ThresholdAmount:
		if t.MaxAmount == nil || !t.MaxAmount.IsPositive() {
			return &remit.ValidationError{Field: "MaxAmount", Reason: "must be > 0 for AMOUNT"}
		}
	case ThresholdTime:
		if t.TimeDuration == nil || t.TimeDuration.Hours() == 0 {
			return &remit.ValidationError{Field: "TimeDuration", Reason: "must be DAILY, WEEKLY, BIWEEKLY or MONTHLY"}
		}
	case ThresholdHybrid:
		if t.MaxClaims == nil && t.MaxAmount == nil && t.TimeDuration == nil {
			return &remit.ValidationError{Field: "ThresholdType", Reason: "HYBRID requires at least one of maxClaims, maxAmount, timeDuration"}
		}
		if t.MaxClaims != nil && *t.MaxClaims <= 0 {
			return &remit.ValidationError{Field: "MaxClaims", Reason: "must be > 0 when set"}
		}
		if t.MaxAmount != nil && !t.MaxAmount.IsPositive() {
			return &remit.ValidationError{Field: "MaxAmount", Reason: "must be > 0 when set"}
		}
	}
	return nil
}

func (c CommitCriteria) Validate() error {
	if err := structError(validate.Struct(c)); err != nil {
		return err
	}
	switch c.CommitMode {
	case CommitManual:
		if len(c.ApprovalRoles) == 0 {
			return &remit.ValidationError{Field: "ApprovalRoles", Reason: "required for MANUAL commit mode"}
		}
	case CommitHybrid:
		if c.ApprovalClaimCountThreshold == nil && c.ApprovalAmountThreshold == nil && len(c.ApprovalRoles) == 0 {
			return &remit.ValidationError{Field: "CommitMode", Reason: "HYBRID requires a claim-count threshold, amount threshold, or approval roles"}
		}
	}
	return nil
}

func (w WorkflowConfig) Validate() error {
	return structError(validate.Struct(w))
}

func (t FileNamingTemplate) Validate() error {
	return structError(validate.Struct(t))
}

func (p Payer) Validate() error {
	if err := structError(validate.Struct(p)); err != nil {
		return err
	}
	if p.SFTPPort < 0 || p.SFTPPort > 65535 {
		return &remit.ValidationError{Field: "SFTPPort", Reason: "out of range"}
	}
	return nil
}

func (p Payee) Validate() error {
	return structError(validate.Struct(p))
}
