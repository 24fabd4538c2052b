// Package quota holds the pure functions over account quota windows:
// normalization, scoring, admission and charging.
package quota

import (
	"math"
	"strings"
	"time"

	"github.com/quotaguard/quotamux/internal/models"
)

// Normalize applies time-based resets to both windows, clamps usage and then
// forces the five-hour window fully used when the weekly window is exhausted.
func Normalize(state *models.AccountQuotaState, now time.Time) {
	normalizeWindow(&state.FiveHour, models.FiveHourWindow, now)
	normalizeWindow(&state.Weekly, models.WeeklyWindow, now)

	if Remaining(state.Weekly) == 0 {
		state.FiveHour.Used = state.FiveHour.Limit
	}
}

func normalizeWindow(w *models.QuotaWindow, duration time.Duration, now time.Time) {
	switch {
	case w.ResetsAt != nil:
		if !now.Before(*w.ResetsAt) {
			w.Reset(now)
		}
	case w.WindowStartedAt.IsZero():
		w.WindowStartedAt = now
	case now.Sub(w.WindowStartedAt) > windowDuration(*w, duration):
		w.Reset(now)
	}
	w.Clamp()
}

func windowDuration(w models.QuotaWindow, fallback time.Duration) time.Duration {
	if w.WindowMinutes > 0 {
		return time.Duration(w.WindowMinutes) * time.Minute
	}
	return fallback
}

// NormalizeAccount normalizes the quota state of acc in place.
func NormalizeAccount(acc *models.ConnectedAccount, now time.Time) {
	Normalize(&acc.Quota, now)
}

// Remaining returns the capacity left in a window, never negative.
func Remaining(w models.QuotaWindow) int {
	if r := w.Limit - w.Used; r > 0 {
		return r
	}
	return 0
}

// RemainingRatio returns remaining/limit, or 0 for windows with no limit.
func RemainingRatio(w models.QuotaWindow) float64 {
	if w.Limit <= 0 {
		return 0
	}
	return float64(Remaining(w)) / float64(w.Limit)
}

// RoutingScore is the smaller of the two remaining ratios rounded to four decimals.
func RoutingScore(state models.AccountQuotaState) float64 {
	score := math.Min(RemainingRatio(state.FiveHour), RemainingRatio(state.Weekly))
	return math.Round(score*10000) / 10000
}

// CanServe reports whether both windows have at least units remaining.
func CanServe(state models.AccountQuotaState, units int) bool {
	return Remaining(state.FiveHour) >= units && Remaining(state.Weekly) >= units
}

// Admissible reports whether the router may pick acc for units. Accounts whose
// limits are still unknown and that are not live are admitted so estimation
// can bootstrap.
func Admissible(acc *models.ConnectedAccount, units int) bool {
	if CanServe(acc.Quota, units) {
		return true
	}
	return acc.Quota.Unknown() && acc.QuotaSyncStatus != models.SyncLive && !acc.ManualLimits
}

// Compare orders accounts by availability: higher routing score first, then
// larger weekly remaining, larger five-hour remaining, older creation time.
// It returns a negative number when a sorts before b.
func Compare(a, b *models.ConnectedAccount) int {
	if sa, sb := RoutingScore(a.Quota), RoutingScore(b.Quota); sa != sb {
		if sa > sb {
			return -1
		}
		return 1
	}
	if wa, wb := Remaining(a.Quota.Weekly), Remaining(b.Quota.Weekly); wa != wb {
		return wb - wa
	}
	if fa, fb := Remaining(a.Quota.FiveHour), Remaining(b.Quota.FiveHour); fa != fb {
		return fb - fa
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}
