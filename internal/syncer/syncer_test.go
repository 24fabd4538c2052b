package syncer

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotamux/internal/config"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/provider"
	"github.com/quotaguard/quotamux/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeUsage struct {
	provider models.Provider
	calls    atomic.Int32
	gate     chan struct{}
	fetch    func(acc *models.ConnectedAccount) (*models.QuotaSnapshot, error)
}

func (f *fakeUsage) Provider() models.Provider { return f.provider }
func (f *fakeUsage) IsConfigured() bool        { return true }
func (f *fakeUsage) IsAccountConfigured(acc *models.ConnectedAccount) bool {
	return acc.AccessToken != ""
}

func (f *fakeUsage) FetchLiveQuota(ctx context.Context, acc *models.ConnectedAccount) (*models.QuotaSnapshot, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fetch(acc)
}

type fakeTokens struct {
	provider models.Provider
	calls    atomic.Int32
	gate     chan struct{}
	refresh  func(refreshToken string) (*provider.Token, error)
}

func (f *fakeTokens) ProfileID() string                        { return string(f.provider) + "-default" }
func (f *fakeTokens) Provider() models.Provider                { return f.provider }
func (f *fakeTokens) AuthCodeURL(state, verifier string) string { return "" }
func (f *fakeTokens) Exchange(context.Context, string, string) (*provider.Identity, error) {
	return nil, stderrors.New("not used")
}

func (f *fakeTokens) Refresh(ctx context.Context, refreshToken string) (*provider.Token, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.refresh(refreshToken)
}

func liveSnapshot(fiveUsed, weeklyUsed int) *models.QuotaSnapshot {
	return &models.QuotaSnapshot{
		FiveHour: models.WindowSnapshot{Limit: 100, Used: fiveUsed, Mode: models.QuotaModePercent, WindowMinutes: 300},
		Weekly:   models.WindowSnapshot{Limit: 100, Used: weeklyUsed, Mode: models.QuotaModePercent, WindowMinutes: 10080},
		PlanType: "plus",
	}
}

func testAccount(id string, p models.Provider, now time.Time) models.ConnectedAccount {
	return models.ConnectedAccount{
		ID:                id,
		Provider:          p,
		AuthMethod:        models.AuthOAuth,
		ProviderAccountID: "user-" + id,
		AccessToken:       "access-" + id,
		RefreshToken:      "refresh-" + id,
		ExpiresAt:         now.Add(time.Hour),
		CreatedAt:         now,
		UpdatedAt:         now,
		Enabled:           true,
		QuotaSyncStatus:   models.SyncStale,
		Quota:             models.NewQuotaState(now),
	}
}

func testSyncConfig() config.SyncConfig {
	cfg := config.SyncConfig{}
	_ = cfg.Validate()
	cfg.CircuitBreaker.FailureThreshold = 2
	cfg.CircuitBreaker.Timeout = time.Hour
	return cfg
}

type fixture struct {
	store    *store.MemoryStore
	registry *provider.Registry
	clock    *fakeClock
	orch     *Orchestrator
}

func newFixture(t *testing.T, strict bool, accounts ...models.ConnectedAccount) *fixture {
	t.Helper()
	clock := newFakeClock()
	state := models.NewConnectorState("qmx_test", clock.Now())
	state.Accounts = accounts
	state.StrictLiveQuota = strict

	f := &fixture{
		store:    store.NewMemoryStoreWithState(state),
		registry: provider.NewRegistry(),
		clock:    clock,
	}
	f.orch = New(f.store, f.registry, testSyncConfig(),
		WithClock(clock.Now),
		WithLogger(logging.NewLogger(logging.WithOutput(io.Discard))))
	return f
}

func (f *fixture) account(t *testing.T, id string) models.ConnectedAccount {
	t.Helper()
	state, err := f.store.Read(context.Background())
	require.NoError(t, err)
	acc, ok := state.Accounts.FindByID(id)
	require.True(t, ok, "account %s missing", id)
	return *acc
}

func TestSyncNow_AppliesLiveSnapshot(t *testing.T) {
	now := newFakeClock().Now()
	f := newFixture(t, false, testAccount("a", models.ProviderCodex, now))
	usage := &fakeUsage{provider: models.ProviderCodex, fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
		return liveSnapshot(25, 40), nil
	}}
	f.registry.RegisterUsage(usage)

	require.NoError(t, f.orch.SyncNow(context.Background()))

	acc := f.account(t, "a")
	assert.Equal(t, models.SyncLive, acc.QuotaSyncStatus)
	assert.Equal(t, 25, acc.Quota.FiveHour.Used)
	assert.Equal(t, 40, acc.Quota.Weekly.Used)
	assert.Equal(t, "plus", acc.PlanType)
	assert.Equal(t, f.clock.Now(), acc.LastSyncedAt)
	assert.Empty(t, acc.SyncError)

	// a fresh live account is not fetched again before the refresh interval
	require.NoError(t, f.orch.SyncNow(context.Background()))
	assert.EqualValues(t, 1, usage.calls.Load())

	f.clock.Advance(testSyncConfig().LiveRefreshInterval)
	require.NoError(t, f.orch.SyncNow(context.Background()))
	assert.EqualValues(t, 2, usage.calls.Load())
}

func TestSyncNow_PartialSnapshotIsStale(t *testing.T) {
	now := newFakeClock().Now()
	f := newFixture(t, false, testAccount("a", models.ProviderCodex, now))
	f.registry.RegisterUsage(&fakeUsage{provider: models.ProviderCodex, fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
		snap := liveSnapshot(10, 0)
		snap.Weekly = models.WindowSnapshot{}
		snap.Partial = true
		return snap, nil
	}})

	require.NoError(t, f.orch.SyncNow(context.Background()))

	acc := f.account(t, "a")
	assert.Equal(t, models.SyncStale, acc.QuotaSyncStatus)
	assert.Equal(t, 10, acc.Quota.FiveHour.Used)
}

func TestSyncNow_NoAdapter(t *testing.T) {
	clock := newFakeClock()
	placeholder := testAccount("placeholder", models.ProviderGemini, clock.Now())
	placeholder.Quota.FiveHour.Limit = 100
	placeholder.Quota.FiveHour.Used = 50
	placeholder.Quota.Weekly.Limit = 100

	estimating := testAccount("estimating", models.ProviderGemini, clock.Now())
	estimating.Quota.FiveHour.Limit = 120
	estimating.Quota.Weekly.Limit = 1200
	estimating.Estimate = models.UsageEstimate{Samples: 1, AverageUnits: 5, TotalUnits: 5, UpdatedAt: clock.Now()}

	f := newFixture(t, false, placeholder, estimating)
	require.NoError(t, f.orch.SyncNow(context.Background()))

	acc := f.account(t, "placeholder")
	assert.Equal(t, models.SyncUnavailable, acc.QuotaSyncStatus)
	assert.True(t, acc.Quota.Unknown(), "placeholder quota is cleared")

	acc = f.account(t, "estimating")
	assert.Equal(t, models.SyncStale, acc.QuotaSyncStatus)
	assert.Equal(t, 120, acc.Quota.FiveHour.Limit)
}

func TestSyncNow_NoDataInStrictModeIsUnavailable(t *testing.T) {
	clock := newFakeClock()
	estimating := testAccount("estimating", models.ProviderGemini, clock.Now())
	estimating.Quota.FiveHour.Limit = 120
	estimating.Quota.Weekly.Limit = 1200
	estimating.Estimate = models.UsageEstimate{Samples: 1, AverageUnits: 5, TotalUnits: 5, UpdatedAt: clock.Now()}

	f := newFixture(t, true, estimating)
	require.NoError(t, f.orch.SyncNow(context.Background()))
	assert.Equal(t, models.SyncUnavailable, f.account(t, "estimating").QuotaSyncStatus)
}

func TestSyncNow_FailureIsIsolated(t *testing.T) {
	now := newFakeClock().Now()
	known := testAccount("known", models.ProviderCodex, now)
	known.Quota.FiveHour.Limit = 100
	known.Quota.Weekly.Limit = 100
	verify := testAccount("verify", models.ProviderCodex, now)
	healthy := testAccount("healthy", models.ProviderCodex, now)

	f := newFixture(t, false, known, verify, healthy)
	f.registry.RegisterUsage(&fakeUsage{provider: models.ProviderCodex, fetch: func(acc *models.ConnectedAccount) (*models.QuotaSnapshot, error) {
		switch acc.ID {
		case "known":
			return nil, &provider.StatusError{Provider: models.ProviderCodex, StatusCode: 502, Body: "upstream said Bearer abcdefghijklmnop"}
		case "verify":
			return nil, &provider.IssueError{
				Issue: models.SyncIssue{Code: models.IssueVerificationRequired, Message: "verify", RemediationURL: "https://verify"},
				Err:   stderrors.New("HTTP 403"),
			}
		}
		return liveSnapshot(1, 1), nil
	}})

	require.NoError(t, f.orch.SyncNow(context.Background()))

	acc := f.account(t, "known")
	assert.Equal(t, models.SyncStale, acc.QuotaSyncStatus)
	assert.Contains(t, acc.SyncError, "502")
	assert.NotContains(t, acc.SyncError, "abcdefghijklmnop")
	assert.Nil(t, acc.SyncIssue)

	acc = f.account(t, "verify")
	assert.Equal(t, models.SyncUnavailable, acc.QuotaSyncStatus)
	require.NotNil(t, acc.SyncIssue)
	assert.Equal(t, models.IssueVerificationRequired, acc.SyncIssue.Code)
	assert.Equal(t, "https://verify", acc.SyncIssue.RemediationURL)

	assert.Equal(t, models.SyncLive, f.account(t, "healthy").QuotaSyncStatus)
}

func TestSyncNow_SingleFlight(t *testing.T) {
	now := newFakeClock().Now()
	f := newFixture(t, false, testAccount("a", models.ProviderCodex, now))
	usage := &fakeUsage{
		provider: models.ProviderCodex,
		gate:     make(chan struct{}),
		fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
			return liveSnapshot(1, 1), nil
		},
	}
	f.registry.RegisterUsage(usage)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.orch.SyncNow(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return usage.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	close(usage.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, usage.calls.Load())
}

func TestSyncFresh_WaitsOutPassInFlight(t *testing.T) {
	now := newFakeClock().Now()
	waiting := testAccount("b", models.ProviderClaude, now)
	waiting.QuotaSyncStatus = models.SyncUnavailable
	waiting.SyncError = "verification required"
	waiting.LastSyncAttemptAt = now
	f := newFixture(t, false, testAccount("a", models.ProviderCodex, now), waiting)

	codex := &fakeUsage{
		provider: models.ProviderCodex,
		gate:     make(chan struct{}),
		fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
			return liveSnapshot(1, 1), nil
		},
	}
	claude := &fakeUsage{
		provider: models.ProviderClaude,
		fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
			return liveSnapshot(2, 2), nil
		},
	}
	f.registry.RegisterUsage(codex)
	f.registry.RegisterUsage(claude)

	ctx := context.Background()
	assert.False(t, f.orch.SyncWithBudget(ctx, 0))
	require.Eventually(t, func() bool { return codex.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// b becomes due after the running pass has read the store.
	_, err := f.store.Update(ctx, func(s *models.ConnectorState) error {
		acc, _ := s.Accounts.FindByID("b")
		acc.LastSyncAttemptAt = time.Time{}
		acc.SyncError = ""
		return nil
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.orch.SyncFresh(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(codex.gate)

	require.NoError(t, <-done)
	assert.EqualValues(t, 1, claude.calls.Load())
	assert.Equal(t, models.SyncLive, f.account(t, "b").QuotaSyncStatus)
	assert.EqualValues(t, 1, codex.calls.Load())
}

func TestSyncFresh_RunsOnePassWhenIdle(t *testing.T) {
	now := newFakeClock().Now()
	f := newFixture(t, false, testAccount("a", models.ProviderCodex, now))
	usage := &fakeUsage{
		provider: models.ProviderCodex,
		fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
			return liveSnapshot(3, 3), nil
		},
	}
	f.registry.RegisterUsage(usage)

	require.NoError(t, f.orch.SyncFresh(context.Background()))
	assert.EqualValues(t, 1, usage.calls.Load())
	assert.Equal(t, models.SyncLive, f.account(t, "a").QuotaSyncStatus)
}

func TestSyncWithBudget_ReturnsBeforePassCompletes(t *testing.T) {
	now := newFakeClock().Now()
	f := newFixture(t, false, testAccount("a", models.ProviderCodex, now))
	usage := &fakeUsage{
		provider: models.ProviderCodex,
		gate:     make(chan struct{}),
		fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
			return liveSnapshot(5, 5), nil
		},
	}
	f.registry.RegisterUsage(usage)

	assert.False(t, f.orch.SyncWithBudget(context.Background(), 20*time.Millisecond))

	close(usage.gate)
	require.Eventually(t, func() bool {
		return f.account(t, "a").QuotaSyncStatus == models.SyncLive
	}, 2*time.Second, 5*time.Millisecond)

	f.clock.Advance(time.Minute)
	assert.True(t, f.orch.SyncWithBudget(context.Background(), time.Second))
}

func TestSyncNow_CallerCancelDoesNotStopPass(t *testing.T) {
	now := newFakeClock().Now()
	f := newFixture(t, false, testAccount("a", models.ProviderCodex, now))
	usage := &fakeUsage{
		provider: models.ProviderCodex,
		gate:     make(chan struct{}),
		fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
			return liveSnapshot(5, 5), nil
		},
	}
	f.registry.RegisterUsage(usage)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.SyncNow(ctx) }()

	require.Eventually(t, func() bool { return usage.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(usage.gate)
	require.Eventually(t, func() bool {
		return f.account(t, "a").QuotaSyncStatus == models.SyncLive
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRefreshTokens(t *testing.T) {
	clock := newFakeClock()
	expiring := testAccount("expiring", models.ProviderClaude, clock.Now())
	expiring.ExpiresAt = clock.Now().Add(2 * time.Minute)
	fresh := testAccount("fresh", models.ProviderClaude, clock.Now())

	f := newFixture(t, false, expiring, fresh)
	tokens := &fakeTokens{provider: models.ProviderClaude, refresh: func(rt string) (*provider.Token, error) {
		return &provider.Token{AccessToken: "new-access", RefreshToken: rt + "-rotated", ExpiresAt: clock.Now().Add(8 * time.Hour)}, nil
	}}
	f.registry.RegisterTokens(tokens)

	require.NoError(t, f.orch.RefreshTokens(context.Background()))

	acc := f.account(t, "expiring")
	assert.Equal(t, "new-access", acc.AccessToken)
	assert.Equal(t, "refresh-expiring-rotated", acc.RefreshToken)
	assert.Equal(t, clock.Now().Add(8*time.Hour), acc.ExpiresAt)
	assert.Equal(t, "access-fresh", f.account(t, "fresh").AccessToken)
	assert.EqualValues(t, 1, tokens.calls.Load())
}

func TestRefreshTokens_SingleFlight(t *testing.T) {
	clock := newFakeClock()
	expiring := testAccount("expiring", models.ProviderClaude, clock.Now())
	expiring.ExpiresAt = clock.Now()

	f := newFixture(t, false, expiring)
	tokens := &fakeTokens{
		provider: models.ProviderClaude,
		gate:     make(chan struct{}),
		refresh: func(rt string) (*provider.Token, error) {
			return &provider.Token{AccessToken: "new", RefreshToken: rt, ExpiresAt: clock.Now().Add(time.Hour)}, nil
		},
	}
	f.registry.RegisterTokens(tokens)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.orch.RefreshTokens(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return tokens.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	close(tokens.gate)
	wg.Wait()

	assert.EqualValues(t, 1, tokens.calls.Load())
}

func TestSyncNow_RefreshFailureSkipsQuotaFetch(t *testing.T) {
	clock := newFakeClock()
	expiring := testAccount("expiring", models.ProviderClaude, clock.Now())
	expiring.ExpiresAt = clock.Now().Add(-time.Minute)

	f := newFixture(t, false, expiring)
	f.registry.RegisterTokens(&fakeTokens{provider: models.ProviderClaude, refresh: func(string) (*provider.Token, error) {
		return nil, &provider.IssueError{
			Issue: models.SyncIssue{Code: models.IssueReauthRequired, Message: "reconnect"},
			Err:   stderrors.New("invalid_grant"),
		}
	}})
	usage := &fakeUsage{provider: models.ProviderClaude, fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
		return liveSnapshot(1, 1), nil
	}}
	f.registry.RegisterUsage(usage)

	require.NoError(t, f.orch.SyncNow(context.Background()))

	acc := f.account(t, "expiring")
	assert.Equal(t, models.SyncUnavailable, acc.QuotaSyncStatus)
	require.NotNil(t, acc.SyncIssue)
	assert.Equal(t, models.IssueReauthRequired, acc.SyncIssue.Code)
	assert.Equal(t, "refresh-expiring", acc.RefreshToken)
	assert.EqualValues(t, 0, usage.calls.Load())
}

func TestSyncNow_CircuitBreakerSkipsProvider(t *testing.T) {
	clock := newFakeClock()
	acc := testAccount("a", models.ProviderCodex, clock.Now())
	acc.Quota.FiveHour.Limit = 100
	acc.Quota.Weekly.Limit = 100

	f := newFixture(t, false, acc)
	usage := &fakeUsage{provider: models.ProviderCodex, fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
		return nil, &provider.StatusError{Provider: models.ProviderCodex, StatusCode: 503}
	}}
	f.registry.RegisterUsage(usage)

	cooldown := testSyncConfig().StaleCooldown
	for range 2 {
		require.NoError(t, f.orch.SyncNow(context.Background()))
		f.clock.Advance(cooldown)
	}
	assert.Equal(t, CircuitOpen, f.orch.BreakerStates()[models.ProviderCodex])

	require.NoError(t, f.orch.SyncNow(context.Background()))
	assert.EqualValues(t, 2, usage.calls.Load())

	got := f.account(t, "a")
	assert.Equal(t, models.SyncStale, got.QuotaSyncStatus)
	require.NotNil(t, got.SyncIssue)
	assert.Equal(t, models.IssueProviderUnavailable, got.SyncIssue.Code)
}

func TestNeedsQuotaRefresh(t *testing.T) {
	cfg := testSyncConfig()
	now := newFakeClock().Now()

	base := testAccount("a", models.ProviderCodex, now)
	base.LastSyncAttemptAt = now.Add(-10 * time.Second)
	base.LastSyncedAt = now.Add(-10 * time.Second)

	tests := []struct {
		name   string
		strict bool
		mutate func(a *models.ConnectedAccount)
		want   bool
	}{
		{name: "never synced", mutate: func(a *models.ConnectedAccount) { a.LastSyncAttemptAt = time.Time{} }, want: true},
		{name: "disabled", mutate: func(a *models.ConnectedAccount) { a.Enabled = false; a.LastSyncAttemptAt = time.Time{} }, want: false},
		{name: "stale within cooldown", mutate: func(a *models.ConnectedAccount) {}, want: false},
		{name: "stale past cooldown", mutate: func(a *models.ConnectedAccount) { a.LastSyncAttemptAt = now.Add(-cfg.StaleCooldown) }, want: true},
		{name: "strict failure past short cooldown", strict: true, mutate: func(a *models.ConnectedAccount) {
			a.SyncError = "boom"
			a.LastSyncAttemptAt = now.Add(-cfg.StrictFailureCooldown)
		}, want: true},
		{name: "failure without strict waits full cooldown", mutate: func(a *models.ConnectedAccount) {
			a.SyncError = "boom"
			a.LastSyncAttemptAt = now.Add(-cfg.StrictFailureCooldown)
		}, want: false},
		{name: "live and recent", mutate: func(a *models.ConnectedAccount) { a.QuotaSyncStatus = models.SyncLive }, want: false},
		{name: "live and old", mutate: func(a *models.ConnectedAccount) {
			a.QuotaSyncStatus = models.SyncLive
			a.LastSyncedAt = now.Add(-cfg.LiveRefreshInterval)
		}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := base.Clone()
			tt.mutate(&acc)
			assert.Equal(t, tt.want, needsQuotaRefresh(&acc, tt.strict, cfg, now))
		})
	}
}

func TestStartStop(t *testing.T) {
	now := newFakeClock().Now()
	f := newFixture(t, false, testAccount("a", models.ProviderCodex, now))
	usage := &fakeUsage{provider: models.ProviderCodex, fetch: func(*models.ConnectedAccount) (*models.QuotaSnapshot, error) {
		return liveSnapshot(1, 1), nil
	}}
	f.registry.RegisterUsage(usage)

	cfg := f.orch.Config()
	cfg.BackgroundInterval = 10 * time.Millisecond
	f.orch.UpdateConfig(cfg)

	require.NoError(t, f.orch.Start(context.Background()))
	assert.True(t, f.orch.IsRunning())
	assert.Error(t, f.orch.Start(context.Background()))

	require.Eventually(t, func() bool { return usage.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.orch.Stop())
	assert.False(t, f.orch.IsRunning())
	require.NoError(t, f.orch.Stop())
}

func TestStart_ZeroIntervalIsNoop(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.orch.Start(context.Background()))
	assert.False(t, f.orch.IsRunning())
}
