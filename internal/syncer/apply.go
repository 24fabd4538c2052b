package syncer

import (
	"time"

	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/quota"
)

// applyResult folds one fetch outcome into the stored account.
func applyResult(acc *models.ConnectedAccount, r fetchResult, strict bool, now time.Time) {
	acc.LastSyncAttemptAt = now

	switch {
	case r.err != nil:
		e, issue := syncError(acc, r.err)
		acc.SyncError = e.Message
		acc.SyncIssue = issue
		acc.QuotaSyncStatus = degradedStatus(acc, issue, strict)

	case r.noData:
		acc.SyncError = ""
		acc.SyncIssue = nil
		switch {
		case acc.ManualLimits, acc.Estimate.Started():
			acc.QuotaSyncStatus = models.SyncStale
		default:
			// Drop placeholder figures left over from an earlier live sync.
			acc.Quota = models.NewQuotaState(now)
			acc.QuotaSyncStatus = models.SyncUnavailable
		}
		if strict {
			acc.QuotaSyncStatus = models.SyncUnavailable
		}

	default:
		quota.ApplySnapshot(acc, r.snapshot, now)
		acc.Estimate = models.UsageEstimate{}
		acc.SyncError = ""
		acc.SyncIssue = nil
		acc.LastSyncedAt = now
		acc.QuotaSyncStatus = models.SyncLive
		if r.snapshot.Partial {
			acc.QuotaSyncStatus = models.SyncStale
		}
	}
	acc.UpdatedAt = now
}

// degradedStatus picks the status after a failed sync. Accounts the provider
// refuses to report on, or that never had figures, become unavailable; the
// rest keep their last known quota as stale.
func degradedStatus(acc *models.ConnectedAccount, issue *models.SyncIssue, strict bool) models.SyncStatus {
	if issue != nil && (issue.Code == models.IssueReauthRequired || issue.Code == models.IssueVerificationRequired) {
		return models.SyncUnavailable
	}
	if strict || acc.Quota.Unknown() {
		return models.SyncUnavailable
	}
	return models.SyncStale
}
