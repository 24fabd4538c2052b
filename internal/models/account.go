package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus classifies how fresh an account's quota data is.
type SyncStatus string

const (
	SyncLive        SyncStatus = "live"
	SyncStale       SyncStatus = "stale"
	SyncUnavailable SyncStatus = "unavailable"
)

// apiKeyExpiryHorizon is how far in the future an expiry must be before it is
// treated as the "never expires" sentinel that API keys are stored with.
const apiKeyExpiryHorizon = 50 * 365 * 24 * time.Hour

// SyncIssue is a structured remediation hint attached to a failed sync.
type SyncIssue struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RemediationURL string `json:"remediation_url,omitempty"`
}

// Issue codes reported by usage adapters.
const (
	IssueVerificationRequired = "verification_required"
	IssueReauthRequired       = "reauth_required"
	IssueProviderUnavailable  = "provider_unavailable"
)

// UsageEstimate tracks locally observed usage for accounts without live data.
type UsageEstimate struct {
	Samples      int       `json:"samples"`
	AverageUnits float64   `json:"average_units"`
	TotalUnits   int       `json:"total_units"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Started reports whether estimation has observed at least one charge.
func (e UsageEstimate) Started() bool {
	return e.Samples > 0
}

// ConnectedAccount is one authenticated identity at one provider.
type ConnectedAccount struct {
	ID                string            `json:"id"`
	Provider          Provider          `json:"provider"`
	AuthMethod        AuthMethod        `json:"auth_method"`
	ProfileID         string            `json:"profile_id,omitempty"`
	ProviderAccountID string            `json:"provider_account_id"`
	WorkspaceID       string            `json:"workspace_id,omitempty"`
	DisplayName       string            `json:"display_name"`
	AccessToken       string            `json:"access_token"`
	RefreshToken      string            `json:"refresh_token,omitempty"`
	ExpiresAt         time.Time         `json:"expires_at"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Enabled           bool              `json:"enabled"`
	ManualLimits      bool              `json:"manual_limits,omitempty"`
	QuotaSyncStatus   SyncStatus        `json:"quota_sync_status"`
	SyncError         string            `json:"sync_error,omitempty"`
	SyncIssue         *SyncIssue        `json:"sync_issue,omitempty"`
	PlanType          string            `json:"plan_type,omitempty"`
	Credits           *Credits          `json:"credits,omitempty"`
	Estimate          UsageEstimate     `json:"estimate"`
	LastSyncedAt      time.Time         `json:"last_synced_at"`
	LastSyncAttemptAt time.Time         `json:"last_sync_attempt_at"`
	Quota             AccountQuotaState `json:"quota"`
}

// Validate checks if the account is valid.
func (a *ConnectedAccount) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account ID is required")
	}
	if !a.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", a.Provider)
	}
	if a.AuthMethod != AuthOAuth && a.AuthMethod != AuthAPI {
		return fmt.Errorf("unknown auth method %q", a.AuthMethod)
	}
	if a.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}
	if err := a.Quota.FiveHour.Validate(); err != nil {
		return fmt.Errorf("five-hour window: %w", err)
	}
	if err := a.Quota.Weekly.Validate(); err != nil {
		return fmt.Errorf("weekly window: %w", err)
	}
	return nil
}

// EffectiveAuthMethod returns the auth method used for routing. OAuth accounts
// that carry no refresh token and either an api_-prefixed id or a sentinel
// far-future expiry are really API keys and are reported as such.
func (a *ConnectedAccount) EffectiveAuthMethod() AuthMethod {
	if a.AuthMethod != AuthOAuth {
		return a.AuthMethod
	}
	if a.RefreshToken != "" {
		return AuthOAuth
	}
	if strings.HasPrefix(strings.ToLower(a.ProviderAccountID), "api_") {
		return AuthAPI
	}
	if !a.ExpiresAt.IsZero() && a.ExpiresAt.Sub(a.UpdatedAt) > apiKeyExpiryHorizon {
		return AuthAPI
	}
	return AuthOAuth
}

// TokenExpiresWithin reports whether an OAuth credential expires before now+buffer.
func (a *ConnectedAccount) TokenExpiresWithin(now time.Time, buffer time.Duration) bool {
	if a.EffectiveAuthMethod() != AuthOAuth || a.RefreshToken == "" || a.ExpiresAt.IsZero() {
		return false
	}
	return !a.ExpiresAt.After(now.Add(buffer))
}

// MaskedDisplayName returns a display name safe to hand to callers.
func (a *ConnectedAccount) MaskedDisplayName() string {
	name := strings.TrimSpace(a.DisplayName)
	if name == "" {
		name = a.ProviderAccountID
	}
	if at := strings.Index(name, "@"); at > 0 {
		local, domain := []rune(name[:at]), name[at:]
		keep := 2
		if len(local) <= 2 {
			keep = 1
		}
		return string(local[:keep]) + "***" + domain
	}
	if looksLikeSecret(name) {
		return MaskSecret(name)
	}
	return name
}

// MaskSecret keeps the first and last four characters of a credential.
func MaskSecret(s string) string {
	r := []rune(s)
	if len(r) <= 8 {
		return "****"
	}
	return string(r[:4]) + "..." + string(r[len(r)-4:])
}

func looksLikeSecret(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "sk-") || strings.HasPrefix(l, "api_") || len(s) > 40 && !strings.Contains(s, " ")
}

// Sanitized returns a copy of the account with credentials removed.
func (a ConnectedAccount) Sanitized() ConnectedAccount {
	a.AccessToken = ""
	a.RefreshToken = ""
	a.DisplayName = a.MaskedDisplayName()
	if a.SyncIssue != nil {
		issue := *a.SyncIssue
		a.SyncIssue = &issue
	}
	return a
}

// Clone returns a deep copy of the account.
func (a ConnectedAccount) Clone() ConnectedAccount {
	if a.SyncIssue != nil {
		issue := *a.SyncIssue
		a.SyncIssue = &issue
	}
	if a.Credits != nil {
		credits := *a.Credits
		if credits.Balance != nil {
			b := *credits.Balance
			credits.Balance = &b
		}
		a.Credits = &credits
	}
	a.Quota.FiveHour.ResetsAt = cloneTime(a.Quota.FiveHour.ResetsAt)
	a.Quota.Weekly.ResetsAt = cloneTime(a.Quota.Weekly.ResetsAt)
	return a
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AccountSlice is a slice of accounts with helper methods.
type AccountSlice []ConnectedAccount

// FindByID returns an account by ID.
func (as AccountSlice) FindByID(id string) (*ConnectedAccount, bool) {
	for i := range as {
		if as[i].ID == id {
			return &as[i], true
		}
	}
	return nil, false
}

// IndexOf returns the position of the account with id, or -1.
func (as AccountSlice) IndexOf(id string) int {
	for i := range as {
		if as[i].ID == id {
			return i
		}
	}
	return -1
}

// FilterEnabled returns only enabled accounts.
func (as AccountSlice) FilterEnabled() AccountSlice {
	result := make(AccountSlice, 0, len(as))
	for _, a := range as {
		if a.Enabled {
			result = append(result, a)
		}
	}
	return result
}

// FilterByProvider returns accounts for a specific provider.
func (as AccountSlice) FilterByProvider(provider Provider) AccountSlice {
	result := make(AccountSlice, 0, len(as))
	for _, a := range as {
		if a.Provider == provider {
			result = append(result, a)
		}
	}
	return result
}
