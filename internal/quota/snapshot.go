package quota

import (
	"time"

	"github.com/quotaguard/quotamux/internal/models"
)

// ApplySnapshot copies a provider snapshot onto acc and normalizes the result.
// Reported windows restart at now since the provider owns their counters.
// A window the snapshot does not carry keeps its previous value; if it was
// never known it becomes an empty percent window so the reported window alone
// decides admission.
func ApplySnapshot(acc *models.ConnectedAccount, snap *models.QuotaSnapshot, now time.Time) {
	applyWindow(&acc.Quota.FiveHour, snap.FiveHour, now)
	applyWindow(&acc.Quota.Weekly, snap.Weekly, now)

	if snap.PlanType != "" {
		acc.PlanType = snap.PlanType
	}
	if snap.Credits != nil {
		c := *snap.Credits
		acc.Credits = &c
	}
	Normalize(&acc.Quota, now)
}

func applyWindow(w *models.QuotaWindow, s models.WindowSnapshot, now time.Time) {
	if s.Mode == "" {
		if w.Limit <= 0 {
			*w = models.QuotaWindow{Limit: 100, Mode: models.QuotaModePercent, WindowStartedAt: now}
		}
		return
	}

	*w = models.QuotaWindow{
		Limit:           s.Limit,
		Used:            s.Used,
		Mode:            s.Mode,
		Label:           s.Label,
		WindowMinutes:   s.WindowMinutes,
		WindowStartedAt: now,
	}
	if s.Mode == models.QuotaModePercent {
		w.Limit = 100
	}
	if s.ResetsAt != nil {
		t := *s.ResetsAt
		w.ResetsAt = &t
	}
}
