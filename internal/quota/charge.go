package quota

import (
	"math"
	"time"

	"github.com/quotaguard/quotamux/internal/models"
)

const (
	minEstimatedFiveHour = 120
	fiveHourPerRequest   = 24
	weeklyMultiplier     = 10
)

// ChargeResult describes what a charge did to an account.
type ChargeResult struct {
	Units             int  `json:"units"`
	Decremented       bool `json:"quota_decremented"`
	Estimated         bool `json:"estimated"`
	FiveHourRemaining int  `json:"five_hour_remaining"`
	WeeklyRemaining   int  `json:"weekly_remaining"`
}

// Charge records units of work against acc. Live accounts are not touched
// because the provider owns their counters. Accounts with unknown limits start
// or continue local estimation; everything else has used bumped in both windows.
func Charge(acc *models.ConnectedAccount, units int, now time.Time) ChargeResult {
	result := ChargeResult{Units: units}
	if units <= 0 || acc.QuotaSyncStatus == models.SyncLive {
		result.FiveHourRemaining = Remaining(acc.Quota.FiveHour)
		result.WeeklyRemaining = Remaining(acc.Quota.Weekly)
		return result
	}

	switch {
	case acc.ManualLimits:
		addUsed(&acc.Quota, units)
	case acc.Quota.Unknown():
		bootstrapEstimate(acc, units, now)
		result.Estimated = true
	case acc.Estimate.Started():
		updateEstimate(acc, units, now)
		result.Estimated = true
	default:
		addUsed(&acc.Quota, units)
	}

	if result.Estimated {
		acc.QuotaSyncStatus = models.SyncStale
	}
	acc.Quota.FiveHour.Clamp()
	acc.Quota.Weekly.Clamp()
	acc.UpdatedAt = now

	result.Decremented = true
	result.FiveHourRemaining = Remaining(acc.Quota.FiveHour)
	result.WeeklyRemaining = Remaining(acc.Quota.Weekly)
	return result
}

func addUsed(state *models.AccountQuotaState, units int) {
	state.FiveHour.Used += units
	state.Weekly.Used += units
}

func bootstrapEstimate(acc *models.ConnectedAccount, units int, now time.Time) {
	five := max(minEstimatedFiveHour, units*fiveHourPerRequest)
	q := &acc.Quota
	for _, w := range []*models.QuotaWindow{&q.FiveHour, &q.Weekly} {
		w.Mode = models.QuotaModeUnits
		w.ResetsAt = nil
		if w.WindowStartedAt.IsZero() {
			w.WindowStartedAt = now
		}
	}
	q.FiveHour.Limit = five
	q.Weekly.Limit = five * weeklyMultiplier
	addUsed(q, units)

	acc.Estimate = models.UsageEstimate{
		Samples:      1,
		AverageUnits: float64(units),
		TotalUnits:   units,
		UpdatedAt:    now,
	}
}

// sampleWeight smooths the running average: the first sample sets it, the
// next four move it halfway, later ones a quarter of the way.
func sampleWeight(samples int) float64 {
	switch {
	case samples <= 1:
		return 1.0
	case samples <= 5:
		return 0.5
	default:
		return 0.25
	}
}

func updateEstimate(acc *models.ConnectedAccount, units int, now time.Time) {
	e := &acc.Estimate
	e.Samples++
	e.AverageUnits += sampleWeight(e.Samples) * (float64(units) - e.AverageUnits)
	e.TotalUnits += units
	e.UpdatedAt = now

	q := &acc.Quota
	addUsed(q, units)

	projected := int(math.Ceil(e.AverageUnits * fiveHourPerRequest))
	five := max(minEstimatedFiveHour, projected, 2*q.FiveHour.Used)
	q.FiveHour.Limit = five
	q.Weekly.Limit = max(five*weeklyMultiplier, 2*q.Weekly.Used)
}
