package bucket

import (
	"go.uber.org/zap"

	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/remit"
)

// =============================================================================
// COMMIT CRITERIA - does a committed bucket need a human?
// =============================================================================

// RequiresApproval decides whether a bucket that satisfied a generation
// threshold must pass through PENDING_APPROVAL before generating.
//
//   - AUTO: never.
//   - MANUAL: always.
//   - HYBRID: yes when any configured approval trigger matches: claim count
//     at or above approvalClaimCountThreshold, amount at or above
//     approvalAmountThreshold, or a non-empty approvalRoles list.
//
// A nil or unrecognised criteria behaves as AUTO and logs a warning, so a
// configuration gap degrades to the hands-off path instead of blocking claims.
func RequiresApproval(b *remit.Bucket, c *config.CommitCriteria, logger *zap.Logger) bool {
	if c == nil {
		logger.Warn("no active commit criteria for bucket, defaulting to AUTO",
			zap.String("bucketId", b.ID),
			zap.String("ruleId", b.BucketingRuleID))
		return false
	}

	switch c.CommitMode {
	case config.CommitAuto:
		return false
	case config.CommitManual:
		return true
	case config.CommitHybrid:
		if c.ApprovalClaimCountThreshold != nil && b.ClaimCount >= *c.ApprovalClaimCountThreshold {
			return true
		}
		if c.ApprovalAmountThreshold != nil && b.TotalAmount.GreaterThanOrEqual(*c.ApprovalAmountThreshold) {
			return true
		}
		return len(c.ApprovalRoles) > 0
	default:
		logger.Warn("unknown commit mode, defaulting to AUTO",
			zap.String("bucketId", b.ID),
			zap.String("commitMode", string(c.CommitMode)))
		return false
	}
}
