package router

import (
	"context"
	"slices"

	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/quota"
)

// DashboardSnapshot gives a sync pass the dashboard budget to finish, then
// returns every account sanitized and ordered by availability. Figures may be
// stale when the pass is still running.
func (s *Service) DashboardSnapshot(ctx context.Context) (*Dashboard, error) {
	synced := true
	if s.syncer != nil {
		synced = s.syncer.SyncWithBudget(ctx, s.budget)
	}

	state, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	normalizeAll(state, now)

	d := &Dashboard{
		Accounts:        make(models.AccountSlice, 0, len(state.Accounts)),
		Preferences:     state.Preferences.Clone(),
		StrictLiveQuota: state.StrictLiveQuota,
		Synced:          synced,
		GeneratedAt:     now,
	}

	for i := range state.Accounts {
		acc := &state.Accounts[i]
		d.Totals.Accounts++
		if acc.Enabled {
			d.Totals.Enabled++
			d.Totals.FiveHourRemaining += quota.Remaining(acc.Quota.FiveHour)
			d.Totals.WeeklyRemaining += quota.Remaining(acc.Quota.Weekly)
		}
		switch acc.QuotaSyncStatus {
		case models.SyncLive:
			d.Totals.Live++
		case models.SyncStale:
			d.Totals.Stale++
		default:
			d.Totals.Unavailable++
		}
		d.Accounts = append(d.Accounts, acc.Sanitized())
	}
	slices.SortStableFunc(d.Accounts, func(a, b models.ConnectedAccount) int {
		return quota.Compare(&a, &b)
	})

	if ranked, err := rank(state, MinUnits, ""); err == nil {
		best := ranked[0].Sanitized()
		d.BestAccount = &best
	}
	return d, nil
}
