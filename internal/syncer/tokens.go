package syncer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/provider"
)

type refreshResult struct {
	accountID   string
	provider    models.Provider
	usedRefresh string
	token       *provider.Token
	err         error
}

// runTokenRefresh refreshes expiring credentials and returns the ids of the
// accounts whose refresh failed.
func (o *Orchestrator) runTokenRefresh(ctx context.Context) (map[string]bool, error) {
	start := time.Now()
	state, err := o.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}

	cfg := o.Config()
	now := o.now()
	type job struct {
		acc     models.ConnectedAccount
		adapter provider.TokenAdapter
	}
	var jobs []job
	for _, acc := range state.Accounts {
		if !acc.Enabled || !acc.TokenExpiresWithin(now, cfg.TokenRefreshBuffer) {
			continue
		}
		adapter, ok := o.registry.TokensFor(&acc)
		if !ok {
			continue
		}
		jobs = append(jobs, job{acc: acc, adapter: adapter})
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	results := make([]refreshResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			tok, err := j.adapter.Refresh(gctx, j.acc.RefreshToken)
			results[i] = refreshResult{
				accountID:   j.acc.ID,
				provider:    j.acc.Provider,
				usedRefresh: j.acc.RefreshToken,
				token:       tok,
				err:         err,
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]bool)
	_, err = o.store.Update(ctx, func(s *models.ConnectorState) error {
		at := o.now()
		for _, r := range results {
			acc, ok := s.Accounts.FindByID(r.accountID)
			// Skip accounts relinked while the refresh was in flight.
			if !ok || acc.RefreshToken != r.usedRefresh {
				continue
			}
			if r.err != nil {
				failed[r.accountID] = true
				e, issue := syncError(acc, r.err)
				acc.SyncError = e.Message
				acc.SyncIssue = issue
				acc.QuotaSyncStatus = degradedStatus(acc, issue, s.StrictLiveQuota)
				acc.LastSyncAttemptAt = at
			} else {
				acc.AccessToken = r.token.AccessToken
				acc.RefreshToken = r.token.RefreshToken
				acc.ExpiresAt = r.token.ExpiresAt
			}
			acc.UpdatedAt = at
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store refreshed tokens: %w", err)
	}

	for _, r := range results {
		outcome := "success"
		if r.err != nil {
			outcome = "error"
			o.logger.Warn("token refresh failed",
				"account_id", r.accountID,
				"provider", string(r.provider),
				"error", logging.RedactError(r.err))
		}
		if o.metrics != nil {
			o.metrics.RecordTokenRefresh(string(r.provider), outcome)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordSyncPass("token", "success", time.Since(start).Seconds())
	}
	return failed, nil
}
