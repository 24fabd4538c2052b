// Package syncer keeps account credentials and quota figures fresh. A pass
// refreshes expiring OAuth tokens and then polls the usage adapters for every
// account whose data is due; concurrent callers share the in-flight pass.
package syncer

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/quotaguard/quotamux/internal/config"
	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/metrics"
	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/provider"
	"github.com/quotaguard/quotamux/internal/store"
)

// Single-flight keys. Token refresh is deduplicated on its own because quota
// fetches depend on it.
const (
	keyQuotaSync    = "quota-sync"
	keyTokenRefresh = "token-refresh"
)

// Orchestrator runs synchronization passes against the account store.
type Orchestrator struct {
	store    store.Store
	registry *provider.Registry
	logger   *logging.Logger
	metrics  *metrics.Metrics
	breakers *breakerSet
	group    singleflight.Group
	now      func() time.Time
	// passSeq numbers quota passes in start order.
	passSeq atomic.Uint64

	mu      sync.RWMutex
	cfg     config.SyncConfig
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithMetrics records pass and per-account outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator. cfg must already be validated.
func New(st store.Store, registry *provider.Registry, cfg config.SyncConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		registry: registry,
		cfg:      cfg,
		logger:   logging.NewLogger(logging.WithService("syncer")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.breakers = newBreakerSet(cfg.CircuitBreaker, func(p models.Provider, from, to CircuitState) {
		o.logger.Warn("provider circuit changed",
			"provider", string(p), "from", from.String(), "to", to.String())
	})
	return o
}

// Config returns the settings in effect.
func (o *Orchestrator) Config() config.SyncConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// UpdateConfig applies new settings to subsequent passes.
func (o *Orchestrator) UpdateConfig(cfg config.SyncConfig) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	o.breakers.reconfigure(cfg.CircuitBreaker)
}

// BreakerStates reports the circuit state of every provider seen so far.
func (o *Orchestrator) BreakerStates() map[models.Provider]CircuitState {
	return o.breakers.States()
}

// SyncNow runs a pass, or joins the one in flight, and waits for it. A
// cancelled ctx stops the wait but not the pass.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	select {
	case res := <-o.ensureSyncInFlight(ctx):
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncWithBudget starts a pass if none is running and waits at most budget
// for it. It reports whether the pass finished in time; a pass that did not
// keeps running in the background.
func (o *Orchestrator) SyncWithBudget(ctx context.Context, budget time.Duration) bool {
	ch := o.ensureSyncInFlight(ctx)
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			o.logger.WarnWithContext(ctx, "sync pass failed", "error", res.Err)
		}
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// SyncFresh waits for a pass that started after the call, so it observes
// every store write made before it. A pass already in flight read the store
// too early; SyncFresh waits it out and then runs or joins the next one.
func (o *Orchestrator) SyncFresh(ctx context.Context) error {
	want := o.passSeq.Load() + 1
	for {
		var res singleflight.Result
		select {
		case res = <-o.ensureSyncInFlight(ctx):
		case <-ctx.Done():
			return ctx.Err()
		}
		if seq, _ := res.Val.(uint64); seq >= want {
			return res.Err
		}
	}
}

func (o *Orchestrator) ensureSyncInFlight(ctx context.Context) <-chan singleflight.Result {
	return o.group.DoChan(keyQuotaSync, func() (any, error) {
		// Numbered before the pass reads the store.
		seq := o.passSeq.Add(1)
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.Config().PassTimeout)
		defer cancel()
		return seq, o.runPass(pctx)
	})
}

// RefreshTokens refreshes every OAuth credential expiring within the refresh
// buffer. Per-account failures are recorded on the account, not returned.
func (o *Orchestrator) RefreshTokens(ctx context.Context) error {
	_, err := o.refreshTokens(ctx)
	return err
}

func (o *Orchestrator) refreshTokens(ctx context.Context) (map[string]bool, error) {
	ch := o.group.DoChan(keyTokenRefresh, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.Config().PassTimeout)
		defer cancel()
		return o.runTokenRefresh(pctx)
	})
	select {
	case res := <-ch:
		failed, _ := res.Val.(map[string]bool)
		return failed, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) runPass(ctx context.Context) error {
	start := time.Now()
	err := o.syncQuota(ctx)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if o.metrics != nil {
		o.metrics.RecordSyncPass("quota", outcome, time.Since(start).Seconds())
	}
	return err
}

func (o *Orchestrator) syncQuota(ctx context.Context) error {
	refreshFailed, err := o.refreshTokens(ctx)
	if err != nil {
		return fmt.Errorf("refresh tokens: %w", err)
	}

	state, err := o.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read accounts: %w", err)
	}

	cfg := o.Config()
	now := o.now()
	var due []models.ConnectedAccount
	for _, acc := range state.Accounts {
		if refreshFailed[acc.ID] {
			continue
		}
		if needsQuotaRefresh(&acc, state.StrictLiveQuota, cfg, now) {
			due = append(due, acc)
		}
	}
	if len(due) == 0 {
		return nil
	}

	results := make([]fetchResult, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := range due {
		g.Go(func() error {
			results[i] = o.fetch(gctx, &due[i])
			return nil
		})
	}
	_ = g.Wait()

	updated, err := o.store.Update(ctx, func(s *models.ConnectorState) error {
		at := o.now()
		for _, r := range results {
			if acc, ok := s.Accounts.FindByID(r.accountID); ok {
				applyResult(acc, r, s.StrictLiveQuota, at)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store sync results: %w", err)
	}

	o.report(updated, results)
	return nil
}

// needsQuotaRefresh decides whether acc is due for a live-quota fetch.
func needsQuotaRefresh(acc *models.ConnectedAccount, strict bool, cfg config.SyncConfig, now time.Time) bool {
	if !acc.Enabled {
		return false
	}
	if acc.LastSyncAttemptAt.IsZero() {
		return true
	}
	if acc.QuotaSyncStatus == models.SyncLive {
		return now.Sub(acc.LastSyncedAt) >= cfg.LiveRefreshInterval
	}
	cooldown := cfg.StaleCooldown
	if strict && acc.SyncError != "" {
		cooldown = cfg.StrictFailureCooldown
	}
	return now.Sub(acc.LastSyncAttemptAt) >= cooldown
}

type fetchResult struct {
	accountID string
	provider  models.Provider
	snapshot  *models.QuotaSnapshot
	noData    bool
	err       error
}

func (o *Orchestrator) fetch(ctx context.Context, acc *models.ConnectedAccount) fetchResult {
	r := fetchResult{accountID: acc.ID, provider: acc.Provider}

	adapter, ok := o.registry.UsageFor(acc)
	if !ok {
		r.noData = true
		return r
	}

	snap, err := o.breakers.run(acc.Provider, func() (*models.QuotaSnapshot, error) {
		return adapter.FetchLiveQuota(ctx, acc)
	})
	switch {
	case err != nil:
		r.err = err
	case snap == nil:
		r.noData = true
	default:
		r.snapshot = snap
	}
	return r
}

func (o *Orchestrator) report(state *models.ConnectorState, results []fetchResult) {
	for _, r := range results {
		outcome := "live"
		switch {
		case r.err != nil:
			outcome = "error"
			o.logger.Warn("live quota fetch failed",
				"account_id", r.accountID,
				"provider", string(r.provider),
				"error", logging.RedactError(r.err))
		case r.noData:
			outcome = "no_data"
		case r.snapshot.Partial:
			outcome = "partial"
		}
		if o.metrics == nil {
			continue
		}
		o.metrics.RecordAccountSync(string(r.provider), outcome)
		if acc, ok := state.Accounts.FindByID(r.accountID); ok {
			o.metrics.SetAccountSyncStatus(acc.ID, string(acc.Provider), string(acc.QuotaSyncStatus))
			o.metrics.SetQuotaRemaining(acc.ID, string(acc.Provider), "five_hour", acc.Quota.FiveHour.Limit-acc.Quota.FiveHour.Used)
			o.metrics.SetQuotaRemaining(acc.ID, string(acc.Provider), "weekly", acc.Quota.Weekly.Limit-acc.Quota.Weekly.Used)
		}
	}
}

// syncError builds the redacted per-account error and its remediation issue.
func syncError(acc *models.ConnectedAccount, err error) (*errors.ErrProviderSync, *models.SyncIssue) {
	e := &errors.ErrProviderSync{
		AccountID: acc.ID,
		Provider:  string(acc.Provider),
		Message:   logging.RedactError(err),
		Err:       err,
	}

	var issueErr *provider.IssueError
	var open *CircuitOpenError
	var issue *models.SyncIssue
	switch {
	case stderrors.As(err, &issueErr):
		i := issueErr.Issue
		issue = &i
	case stderrors.As(err, &open):
		issue = &models.SyncIssue{
			Code:    models.IssueProviderUnavailable,
			Message: open.Error(),
		}
	}
	if issue != nil {
		e.Issue = &errors.Issue{Code: issue.Code, Message: issue.Message, RemediationURL: issue.RemediationURL}
	}
	return e, issue
}
