// Package oauth coordinates browser authorization flows: the PKCE
// authorization-code flow that links accounts and the verification side-flow
// some providers require before usage data is served.
package oauth

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/metrics"
	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/provider"
	"github.com/quotaguard/quotamux/internal/router"
)

// Pending flows are pruned by age and count before every insert.
const (
	PendingTTL = 20 * time.Minute
	MaxPending = 24
)

// ExchangeTimeout bounds a code exchange and the account link that follows.
const ExchangeTimeout = time.Minute

// Flow labels used in metrics.
const (
	flowAuthorize = "authorize"
	flowVerify    = "verify"
)

// AccountLinker is the part of the router the coordinator writes through.
type AccountLinker interface {
	Account(ctx context.Context, accountID string) (*models.ConnectedAccount, error)
	LinkOAuthAccount(ctx context.Context, link router.OAuthLink) (*models.ConnectedAccount, error)
	ResetSync(ctx context.Context, accountID string) error
}

// Syncer runs a pass that sees the coordinator's writes to the store.
type Syncer interface {
	SyncFresh(ctx context.Context) error
}

// StartRequest selects the client profile to authorize with. ProfileID may be
// empty, in which case the first profile configured for Provider is used.
type StartRequest struct {
	Provider  string `json:"provider"`
	ProfileID string `json:"profile_id,omitempty"`
	ReturnTo  string `json:"return_to,omitempty"`
}

// Authorization is a started flow.
type Authorization struct {
	State     string          `json:"state"`
	URL       string          `json:"url"`
	Provider  models.Provider `json:"provider"`
	ProfileID string          `json:"profile_id"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Completion is the outcome of a callback. Duplicate is set when the state was
// already completed and nothing was exchanged.
type Completion struct {
	Account   *models.ConnectedAccount `json:"account"`
	Duplicate bool                     `json:"duplicate"`
	ReturnTo  string                   `json:"return_to,omitempty"`
}

type pendingFlow struct {
	verifier  string
	provider  models.Provider
	profileID string
	returnTo  string
	createdAt time.Time
}

// Coordinator tracks pending flows for one process.
type Coordinator struct {
	registry *provider.Registry
	linker   AccountLinker
	syncer   Syncer
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	group    singleflight.Group

	mu            sync.Mutex
	pending       map[string]*pendingFlow
	lastState     string
	lastComplete  *Completion
	verifications map[string]*pendingVerification
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics records flow events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator. syncer may be nil.
func NewCoordinator(registry *provider.Registry, linker AccountLinker, syncer Syncer, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:      registry,
		linker:        linker,
		syncer:        syncer,
		logger:        logging.NewLogger(logging.WithService("oauth")),
		now:           func() time.Time { return time.Now().UTC() },
		pending:       make(map[string]*pendingFlow),
		verifications: make(map[string]*pendingVerification),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start issues a state token and PKCE verifier and returns the consent URL.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*Authorization, error) {
	adapter, err := c.adapter(req)
	if err != nil {
		return nil, err
	}

	state := rand.Text()
	verifier := oauth2.GenerateVerifier()
	now := c.now()

	c.mu.Lock()
	pruned := prune(c.pending, now, func(f *pendingFlow) time.Time { return f.createdAt })
	c.pending[state] = &pendingFlow{
		verifier:  verifier,
		provider:  adapter.Provider(),
		profileID: adapter.ProfileID(),
		returnTo:  req.ReturnTo,
		createdAt: now,
	}
	c.mu.Unlock()

	if pruned > 0 {
		c.record(flowAuthorize, "pruned")
	}
	c.record(flowAuthorize, "started")
	c.logger.InfoWithContext(ctx, "oauth flow started",
		"provider", string(adapter.Provider()),
		"profile_id", adapter.ProfileID())

	return &Authorization{
		State:     state,
		URL:       adapter.AuthCodeURL(state, verifier),
		Provider:  adapter.Provider(),
		ProfileID: adapter.ProfileID(),
		ExpiresAt: now.Add(PendingTTL),
	}, nil
}

func (c *Coordinator) adapter(req StartRequest) (provider.TokenAdapter, error) {
	p, err := models.ParseProvider(req.Provider)
	if err != nil {
		return nil, &errors.ErrInput{Field: "provider", Err: fmt.Errorf("%w: %v", errors.ErrInvalidProvider, err)}
	}
	if req.ProfileID != "" {
		a, ok := c.registry.Tokens(req.ProfileID)
		if !ok || a.Provider() != p {
			return nil, fmt.Errorf("%w: %s", errors.ErrOAuthProfileNotConfigured, req.ProfileID)
		}
		return a, nil
	}
	profiles := c.registry.Profiles(p)
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrOAuthProfileNotConfigured, p)
	}
	return profiles[0], nil
}

// Complete exchanges the code for state and links the account. Delivering
// the most recently completed state again succeeds without another exchange;
// any other unknown state fails with ErrStateMismatch. Concurrent deliveries
// of one state share a single exchange.
func (c *Coordinator) Complete(ctx context.Context, state, code string) (*Completion, error) {
	if state == "" {
		return nil, errors.ErrStateMismatch
	}
	ch := c.group.DoChan(state, func() (any, error) {
		// Shared by every delivery of state, so it outlives the caller that
		// started it.
		xctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ExchangeTimeout)
		defer cancel()
		return c.complete(xctx, state, code)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Completion), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) complete(ctx context.Context, state, code string) (*Completion, error) {
	c.mu.Lock()
	if state == c.lastState && c.lastComplete != nil {
		dup := *c.lastComplete
		c.mu.Unlock()
		dup.Duplicate = true
		c.record(flowAuthorize, "duplicate")
		return &dup, nil
	}
	flow, ok := c.pending[state]
	if ok && c.now().Sub(flow.createdAt) > PendingTTL {
		delete(c.pending, state)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		c.record(flowAuthorize, "state_mismatch")
		c.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.AuthFailure, logging.StatusFailure).
			WithError(errors.ErrStateMismatch))
		return nil, errors.ErrStateMismatch
	}

	acc, err := c.exchange(ctx, flow, code)

	c.mu.Lock()
	// The verifier is single use whatever the outcome.
	delete(c.pending, state)
	var result *Completion
	if err == nil {
		result = &Completion{Account: acc, ReturnTo: flow.returnTo}
		last := *result
		c.lastState = state
		c.lastComplete = &last
	}
	c.mu.Unlock()

	if err != nil {
		c.record(flowAuthorize, "failed")
		c.logger.WarnWithContext(ctx, "oauth flow failed",
			"provider", string(flow.provider),
			"profile_id", flow.profileID,
			"error", logging.RedactError(err))
		return nil, err
	}

	c.record(flowAuthorize, "completed")
	c.logger.InfoWithContext(ctx, "oauth flow completed",
		"provider", string(flow.provider),
		"account_id", acc.ID)
	c.kickSync(ctx)
	return result, nil
}

func (c *Coordinator) exchange(ctx context.Context, flow *pendingFlow, code string) (*models.ConnectedAccount, error) {
	if code == "" {
		return nil, &errors.ErrInput{Field: "code", Err: fmt.Errorf("authorization code is required")}
	}
	adapter, ok := c.registry.Tokens(flow.profileID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrOAuthProfileNotConfigured, flow.profileID)
	}

	id, err := adapter.Exchange(ctx, code, flow.verifier)
	if err != nil {
		return nil, err
	}
	return c.linker.LinkOAuthAccount(ctx, router.OAuthLink{
		Provider:          flow.provider,
		ProfileID:         flow.profileID,
		ProviderAccountID: id.ProviderAccountID,
		WorkspaceID:       id.WorkspaceID,
		DisplayName:       id.Email,
		AccessToken:       id.Token.AccessToken,
		RefreshToken:      id.Token.RefreshToken,
		ExpiresAt:         id.Token.ExpiresAt,
	})
}

// kickSync syncs the new account in the background. The callback request
// does not wait for it.
func (c *Coordinator) kickSync(ctx context.Context) {
	if c.syncer == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := c.syncer.SyncFresh(bg); err != nil {
			c.logger.WarnWithContext(bg, "sync after link failed", "error", err)
		}
	}()
}

// PendingCount returns the number of authorization flows awaiting a callback.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) record(flow, event string) {
	if c.metrics != nil {
		c.metrics.RecordOAuthFlow(flow, event)
	}
}

// prune drops entries older than PendingTTL, then the oldest entries until
// there is room for one more. It returns how many were dropped.
func prune[T any](m map[string]T, now time.Time, createdAt func(T) time.Time) int {
	dropped := 0
	for k, v := range m {
		if now.Sub(createdAt(v)) > PendingTTL {
			delete(m, k)
			dropped++
		}
	}
	for len(m) >= MaxPending {
		var oldestKey string
		var oldest time.Time
		for k, v := range m {
			if t := createdAt(v); oldestKey == "" || t.Before(oldest) || (t.Equal(oldest) && k < oldestKey) {
				oldestKey, oldest = k, t
			}
		}
		delete(m, oldestKey)
		dropped++
	}
	return dropped
}
