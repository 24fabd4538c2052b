// Package router picks, orders and charges connected accounts for incoming
// units of work and exposes the account management operations around them.
package router

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/metrics"
	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/quota"
	"github.com/quotaguard/quotamux/internal/store"
)

// Unit bounds accepted by Route and ConsumeUsage.
const (
	MinUnits = 1
	MaxUnits = 1000
)

// DefaultDashboardBudget caps how long DashboardSnapshot waits for a sync.
const DefaultDashboardBudget = 350 * time.Millisecond

// Service implements Router on top of the account store.
type Service struct {
	store   store.Store
	syncer  Syncer
	logger  *logging.Logger
	metrics *metrics.Metrics
	budget  time.Duration
	now     func() time.Time
	newID   func() string
}

var _ Router = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for decisions and audit events.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithMetrics records route decisions and charged units.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDashboardBudget sets how long dashboard reads wait for a sync pass.
func WithDashboardBudget(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.budget = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the routing service. syncer may be nil, in which case
// decisions use whatever is stored.
func NewService(st store.Store, syncer Syncer, opts ...Option) *Service {
	s := &Service{
		store:  st,
		syncer: syncer,
		logger: logging.NewLogger(logging.WithService("router")),
		budget: DefaultDashboardBudget,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authorize compares connectorKey with the stored key in constant time.
func (s *Service) Authorize(ctx context.Context, connectorKey string) error {
	state, err := s.store.Read(ctx)
	if err != nil {
		return err
	}
	if connectorKey == "" || subtle.ConstantTimeCompare([]byte(connectorKey), []byte(state.ConnectorKey)) != 1 {
		s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.AuthFailure, logging.StatusFailure).
			WithError(errors.ErrUnauthorized))
		s.recordDecision("unauthorized", "")
		return errors.ErrUnauthorized
	}
	return nil
}

// Route authorizes the caller, waits for a full sync and charges the best
// admissible account.
func (s *Service) Route(ctx context.Context, req RouteRequest) (*Decision, error) {
	if err := s.Authorize(ctx, req.ConnectorKey); err != nil {
		return nil, err
	}
	if err := validateUnits(req.Units); err != nil {
		s.recordDecision("invalid", "")
		return nil, err
	}
	if err := s.syncForCharge(ctx); err != nil {
		return nil, err
	}

	var decision *Decision
	_, err := s.store.Update(ctx, func(state *models.ConnectorState) error {
		now := s.now()
		normalizeAll(state, now)

		ranked, err := rank(state, req.Units, req.Model)
		if err != nil {
			return err
		}
		acc := ranked[0]
		charge := quota.Charge(acc, req.Units, now)
		decision = newDecision(acc, charge)
		return nil
	})
	if err != nil {
		s.recordAdmissionFailure(err)
		return nil, err
	}

	s.recordDecision("routed", string(decision.Provider))
	s.recordCharge(decision.Provider, decision.Units, decision.QuotaDecremented, decision.Estimated)
	s.logger.InfoWithContext(ctx, "request routed",
		"account_id", decision.AccountID,
		"provider", string(decision.Provider),
		"units", decision.Units,
		"quota_decremented", decision.QuotaDecremented,
		"five_hour_remaining", decision.FiveHourRemaining,
		"weekly_remaining", decision.WeeklyRemaining)
	return decision, nil
}

// RouteCandidates returns every admissible account in routing order. Nothing
// is charged; callers report what they used through ConsumeUsage.
func (s *Service) RouteCandidates(ctx context.Context, req RouteRequest) (models.AccountSlice, error) {
	if err := s.Authorize(ctx, req.ConnectorKey); err != nil {
		return nil, err
	}
	if err := validateUnits(req.Units); err != nil {
		return nil, err
	}
	if err := s.syncForCharge(ctx); err != nil {
		return nil, err
	}

	state, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	normalizeAll(state, s.now())
	ranked, err := rank(state, req.Units, req.Model)
	if err != nil {
		s.recordAdmissionFailure(err)
		return nil, err
	}

	out := make(models.AccountSlice, len(ranked))
	for i, acc := range ranked {
		out[i] = acc.Clone()
	}
	return out, nil
}

// ConsumeUsage charges units to accountID, as Route does for the account it picks.
func (s *Service) ConsumeUsage(ctx context.Context, accountID string, units int) (*quota.ChargeResult, error) {
	if err := validateUnits(units); err != nil {
		return nil, err
	}

	var result quota.ChargeResult
	var p models.Provider
	_, err := s.store.Update(ctx, func(state *models.ConnectorState) error {
		acc, ok := state.Accounts.FindByID(accountID)
		if !ok {
			return accountNotFound(accountID)
		}
		now := s.now()
		quota.NormalizeAccount(acc, now)
		result = quota.Charge(acc, units, now)
		p = acc.Provider
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordCharge(p, result.Units, result.Decremented, result.Estimated)
	return &result, nil
}

// syncForCharge waits for a full pass. Sync failures are per account and
// already recorded; only cancellation aborts the request.
func (s *Service) syncForCharge(ctx context.Context) error {
	if s.syncer == nil {
		return nil
	}
	if err := s.syncer.SyncNow(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WarnWithContext(ctx, "sync before routing failed", "error", err)
	}
	return nil
}

func validateUnits(units int) error {
	if units < MinUnits || units > MaxUnits {
		return &errors.ErrInput{Field: "units", Err: errors.ErrInvalidUnits}
	}
	return nil
}

func normalizeAll(state *models.ConnectorState, now time.Time) {
	for i := range state.Accounts {
		quota.NormalizeAccount(&state.Accounts[i], now)
	}
}

// rank filters state to the accounts that may serve units and orders them:
// model hint provider, preferred provider, priority-model order, fallback
// order, then availability.
func rank(state *models.ConnectorState, units int, model string) ([]*models.ConnectedAccount, error) {
	var enabled, admissible, live []*models.ConnectedAccount
	for i := range state.Accounts {
		acc := &state.Accounts[i]
		if !acc.Enabled {
			continue
		}
		enabled = append(enabled, acc)
		if !quota.Admissible(acc, units) {
			continue
		}
		admissible = append(admissible, acc)
		if acc.QuotaSyncStatus == models.SyncLive {
			live = append(live, acc)
		}
	}

	candidates := admissible
	if state.StrictLiveQuota {
		candidates = live
	}
	if len(candidates) == 0 {
		switch {
		case len(enabled) == 0:
			return nil, &errors.ErrAdmission{Reason: "no enabled accounts", Units: units}
		case state.StrictLiveQuota && len(admissible) > 0:
			return nil, &errors.ErrAdmission{Reason: "no account has live quota data", Units: units, Strict: true}
		default:
			return nil, &errors.ErrAdmission{Reason: "every account is out of quota", Units: units}
		}
	}

	prefs := state.Preferences
	hint, hasHint := models.ProviderFromModel(model)
	preferred, hasPreferred := prefs.Preferred()
	order := prefs.ProviderOrder()

	key := func(acc *models.ConnectedAccount) [4]int {
		return [4]int{
			boolRank(hasHint && acc.Provider == hint),
			boolRank(hasPreferred && acc.Provider == preferred),
			position(order, acc.Provider),
			position(prefs.FallbackProviders, acc.Provider),
		}
	}

	slices.SortStableFunc(candidates, func(a, b *models.ConnectedAccount) int {
		ka, kb := key(a), key(b)
		for i := range ka {
			if ka[i] != kb[i] {
				return ka[i] - kb[i]
			}
		}
		return quota.Compare(a, b)
	})
	return candidates, nil
}

func boolRank(match bool) int {
	if match {
		return 0
	}
	return 1
}

// position returns the index of p in list, or len(list) when absent.
func position(list []models.Provider, p models.Provider) int {
	if i := slices.Index(list, p); i >= 0 {
		return i
	}
	return len(list)
}

func newDecision(acc *models.ConnectedAccount, charge quota.ChargeResult) *Decision {
	return &Decision{
		AccountID:         acc.ID,
		Provider:          acc.Provider,
		AuthMethod:        acc.EffectiveAuthMethod(),
		DisplayName:       acc.MaskedDisplayName(),
		Credential:        acc.AccessToken,
		Units:             charge.Units,
		QuotaDecremented:  charge.Decremented,
		Estimated:         charge.Estimated,
		FiveHourRemaining: charge.FiveHourRemaining,
		WeeklyRemaining:   charge.WeeklyRemaining,
		SyncStatus:        acc.QuotaSyncStatus,
	}
}

func (s *Service) recordAdmissionFailure(err error) {
	var adm *errors.ErrAdmission
	if !stderrors.As(err, &adm) {
		return
	}
	outcome := "no_accounts"
	if adm.Strict {
		outcome = "strict_blocked"
	}
	s.recordDecision(outcome, "")
	s.logger.Warn("no account available", "units", adm.Units, "reason", adm.Reason, "strict", adm.Strict)
}

func (s *Service) recordDecision(outcome, provider string) {
	if s.metrics != nil {
		s.metrics.RecordRouteDecision(outcome, provider)
	}
}

func (s *Service) recordCharge(p models.Provider, units int, decremented, estimated bool) {
	if s.metrics == nil {
		return
	}
	mode := "local"
	switch {
	case !decremented:
		mode = "live"
	case estimated:
		mode = "estimated"
	}
	s.metrics.RecordUnitsCharged(string(p), mode, units)
}

func accountNotFound(id string) error {
	return fmt.Errorf("%w: %s", errors.ErrAccountNotFound, id)
}
