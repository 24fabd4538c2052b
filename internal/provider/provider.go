// Package provider holds the per-provider adapters the engine talks to: usage
// adapters that report live quota windows and OAuth token adapters that link
// and refresh accounts.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/quotaguard/quotamux/internal/httpclient"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/models"
)

// UsageAdapter reports live quota for accounts of one provider.
//
// FetchLiveQuota returns (nil, nil) when the provider answered but had no quota
// data for the account.
type UsageAdapter interface {
	Provider() models.Provider
	IsConfigured() bool
	IsAccountConfigured(acc *models.ConnectedAccount) bool
	FetchLiveQuota(ctx context.Context, acc *models.ConnectedAccount) (*models.QuotaSnapshot, error)
}

// StatusError is a non-2xx answer from a provider endpoint.
type StatusError struct {
	Provider   models.Provider
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// RateLimitError is a 429 answer, with the provider's Retry-After hint if any.
type RateLimitError struct {
	Provider   models.Provider
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// IssueError carries a remediation hint the user must act on.
type IssueError struct {
	Issue models.SyncIssue
	Err   error
}

func (e *IssueError) Error() string {
	if e.Err == nil {
		return e.Issue.Message
	}
	return e.Issue.Message + ": " + e.Err.Error()
}

func (e *IssueError) Unwrap() error {
	return e.Err
}

const maxErrorBody = 200

// getJSON sends a GET through the resilient client and decodes a 2xx body.
func getJSON(ctx context.Context, client *httpclient.Client, p models.Provider, url string, header http.Header, out any) error {
	resp, err := client.Send(ctx, url, httpclient.RequestSpec{Method: http.MethodGet, Header: header}, nil)
	if err != nil {
		return err
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", p, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter, _ := httpclient.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return &RateLimitError{Provider: p, RetryAfter: retryAfter}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Provider: p, StatusCode: resp.StatusCode, Body: truncate(logging.Redact(string(body)), maxErrorBody)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode usage response: %w", p, err)
	}
	return nil
}

// authIssue maps 401 and 403 answers to remediation issues.
func authIssue(err error, verificationURL string) error {
	se, ok := err.(*StatusError)
	if !ok {
		return err
	}
	switch se.StatusCode {
	case http.StatusUnauthorized:
		return &IssueError{
			Issue: models.SyncIssue{
				Code:    models.IssueReauthRequired,
				Message: "credentials were rejected, reconnect the account",
			},
			Err: err,
		}
	case http.StatusForbidden:
		return &IssueError{
			Issue: models.SyncIssue{
				Code:           models.IssueVerificationRequired,
				Message:        "account verification required",
				RemediationURL: verificationURL,
			},
			Err: err,
		}
	}
	return err
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Accept", "application/json")
	return h
}

// Registry looks up adapters by provider and OAuth profile.
type Registry struct {
	mu     sync.RWMutex
	usage  map[models.Provider]UsageAdapter
	tokens map[string]TokenAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		usage:  make(map[models.Provider]UsageAdapter),
		tokens: make(map[string]TokenAdapter),
	}
}

// RegisterUsage adds or replaces the usage adapter for its provider.
func (r *Registry) RegisterUsage(a UsageAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage[a.Provider()] = a
}

// Usage returns the configured usage adapter for p.
func (r *Registry) Usage(p models.Provider) (UsageAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.usage[p]
	if !ok || !a.IsConfigured() {
		return nil, false
	}
	return a, true
}

// UsageFor returns the adapter able to fetch live quota for acc.
func (r *Registry) UsageFor(acc *models.ConnectedAccount) (UsageAdapter, bool) {
	a, ok := r.Usage(acc.Provider)
	if !ok || !a.IsAccountConfigured(acc) {
		return nil, false
	}
	return a, true
}

// RegisterTokens adds or replaces a token adapter keyed by its profile id.
func (r *Registry) RegisterTokens(a TokenAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[a.ProfileID()] = a
}

// Tokens returns the token adapter for profileID.
func (r *Registry) Tokens(profileID string) (TokenAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.tokens[profileID]
	return a, ok
}

// TokensFor returns the adapter that refreshes acc: its own profile when set,
// otherwise the first profile registered for the provider.
func (r *Registry) TokensFor(acc *models.ConnectedAccount) (TokenAdapter, bool) {
	if acc.ProfileID != "" {
		if a, ok := r.Tokens(acc.ProfileID); ok {
			return a, true
		}
	}
	if profiles := r.Profiles(acc.Provider); len(profiles) > 0 {
		return profiles[0], true
	}
	return nil, false
}

// Profiles lists token adapters for p ordered by profile id.
func (r *Registry) Profiles(p models.Provider) []TokenAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TokenAdapter
	for _, a := range r.tokens {
		if a.Provider() == p {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID() < out[j].ProfileID() })
	return out
}
