package syncer

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/quotaguard/quotamux/internal/config"
	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/provider"
)

// CircuitState is the state of a provider breaker.
type CircuitState = gobreaker.State

const (
	CircuitClosed   = gobreaker.StateClosed
	CircuitHalfOpen = gobreaker.StateHalfOpen
	CircuitOpen     = gobreaker.StateOpen
)

// CircuitOpenError is returned for fetches skipped while a provider breaker is open.
type CircuitOpenError struct {
	Provider models.Provider
}

func (e *CircuitOpenError) Error() string {
	return "provider " + string(e.Provider) + " temporarily unavailable"
}

// breakerSet holds one breaker per provider, created on first use. A breaker
// trips after FailureThreshold consecutive live-quota failures and lets
// HalfOpenLimit probes through once Timeout has passed. Account-level issues
// such as a revoked grant are the account's problem, not the provider's, and
// do not count.
type breakerSet struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	breakers map[models.Provider]*gobreaker.CircuitBreaker
	onChange func(p models.Provider, from, to CircuitState)
}

func newBreakerSet(cfg config.CircuitBreakerConfig, onChange func(models.Provider, CircuitState, CircuitState)) *breakerSet {
	return &breakerSet{
		cfg:      cfg,
		breakers: make(map[models.Provider]*gobreaker.CircuitBreaker),
		onChange: onChange,
	}
}

func (s *breakerSet) get(p models.Provider) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[p]; ok {
		return cb
	}
	threshold := uint32(max(1, s.cfg.FailureThreshold))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(p),
		MaxRequests: uint32(max(1, s.cfg.HalfOpenLimit)),
		Timeout:     s.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if s.onChange != nil {
				s.onChange(p, from, to)
			}
		},
	})
	s.breakers[p] = cb
	return cb
}

// countsAsSuccess treats account-scoped failures and caller cancellation as
// healthy provider responses.
func countsAsSuccess(err error) bool {
	var issue *provider.IssueError
	return err == nil ||
		stderrors.As(err, &issue) ||
		stderrors.Is(err, context.Canceled)
}

// run executes fetch under the provider's breaker.
func (s *breakerSet) run(p models.Provider, fetch func() (*models.QuotaSnapshot, error)) (*models.QuotaSnapshot, error) {
	out, err := s.get(p).Execute(func() (any, error) {
		return fetch()
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &CircuitOpenError{Provider: p}
	}
	snap, _ := out.(*models.QuotaSnapshot)
	return snap, err
}

// reconfigure applies new thresholds to breakers created from now on.
func (s *breakerSet) reconfigure(cfg config.CircuitBreakerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// States reports the breaker state per provider.
func (s *breakerSet) States() map[models.Provider]CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.Provider]CircuitState, len(s.breakers))
	for p, cb := range s.breakers {
		out[p] = cb.State()
	}
	return out
}
