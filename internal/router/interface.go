package router

import (
	"context"
	"time"

	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/quota"
)

// Router is the surface the HTTP layer and the CLI talk to.
type Router interface {
	// Authorize checks a connector key against the stored one.
	Authorize(ctx context.Context, connectorKey string) error

	// Route picks an account for the request and charges it.
	Route(ctx context.Context, req RouteRequest) (*Decision, error)

	// RouteCandidates returns every admissible account in routing order without charging.
	RouteCandidates(ctx context.Context, req RouteRequest) (models.AccountSlice, error)

	// ConsumeUsage charges units to a specific account.
	ConsumeUsage(ctx context.Context, accountID string, units int) (*quota.ChargeResult, error)

	// DashboardSnapshot returns a sanitized view of every account.
	DashboardSnapshot(ctx context.Context) (*Dashboard, error)

	// Account returns one sanitized account.
	Account(ctx context.Context, accountID string) (*models.ConnectedAccount, error)

	LinkOAuthAccount(ctx context.Context, link OAuthLink) (*models.ConnectedAccount, error)
	LinkAPIAccount(ctx context.Context, link APILink) (*models.ConnectedAccount, error)
	RemoveAccount(ctx context.Context, accountID string) error
	UpdateAccountSettings(ctx context.Context, accountID string, settings AccountSettings) (*models.ConnectedAccount, error)

	// ResetSync clears a sync issue so the next pass fetches the account again.
	ResetSync(ctx context.Context, accountID string) error

	ConnectorKey(ctx context.Context) (string, error)
	RotateConnectorKey(ctx context.Context) (string, error)

	GetRoutingPreferences(ctx context.Context) (models.RoutingPreferences, error)
	SetRoutingPreferences(ctx context.Context, prefs models.RoutingPreferences) (models.RoutingPreferences, error)
	SetStrictLiveQuota(ctx context.Context, enabled bool) error
}

// Syncer is what the router needs from the synchronization orchestrator.
type Syncer interface {
	SyncNow(ctx context.Context) error
	SyncWithBudget(ctx context.Context, budget time.Duration) bool
}

// RouteRequest is one unit of work to place.
type RouteRequest struct {
	ConnectorKey string `json:"-"`
	Units        int    `json:"units"`
	Model        string `json:"model,omitempty"`
}

// Decision is the account chosen for a request and what charging it did.
type Decision struct {
	AccountID         string            `json:"account_id"`
	Provider          models.Provider   `json:"provider"`
	AuthMethod        models.AuthMethod `json:"auth_method"`
	DisplayName       string            `json:"display_name"`
	Credential        string            `json:"-"`
	Units             int               `json:"units"`
	QuotaDecremented  bool              `json:"quota_decremented"`
	Estimated         bool              `json:"estimated"`
	FiveHourRemaining int               `json:"five_hour_remaining"`
	WeeklyRemaining   int               `json:"weekly_remaining"`
	SyncStatus        models.SyncStatus `json:"quota_sync_status"`
}

// Dashboard is the read-only overview of the connector.
type Dashboard struct {
	Accounts        models.AccountSlice       `json:"accounts"`
	Totals          Totals                    `json:"totals"`
	BestAccount     *models.ConnectedAccount  `json:"best_account,omitempty"`
	Preferences     models.RoutingPreferences `json:"preferences"`
	StrictLiveQuota bool                      `json:"strict_live_quota"`
	Synced          bool                      `json:"synced"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

// Totals aggregates account counts and remaining capacity.
type Totals struct {
	Accounts          int `json:"accounts"`
	Enabled           int `json:"enabled"`
	Live              int `json:"live"`
	Stale             int `json:"stale"`
	Unavailable       int `json:"unavailable"`
	FiveHourRemaining int `json:"five_hour_remaining"`
	WeeklyRemaining   int `json:"weekly_remaining"`
}

// OAuthLink is the identity and tokens from a completed authorization.
type OAuthLink struct {
	Provider          models.Provider
	ProfileID         string
	ProviderAccountID string
	WorkspaceID       string
	DisplayName       string
	AccessToken       string
	RefreshToken      string
	ExpiresAt         time.Time
}

// APILink registers an API-key account.
type APILink struct {
	Provider      string `json:"provider"`
	APIKey        string `json:"api_key"`
	DisplayName   string `json:"display_name,omitempty"`
	FiveHourLimit int    `json:"five_hour_limit,omitempty"`
	WeeklyLimit   int    `json:"weekly_limit,omitempty"`
}

// AccountSettings is a partial update; nil fields are left unchanged.
type AccountSettings struct {
	DisplayName       *string `json:"display_name,omitempty"`
	Enabled           *bool   `json:"enabled,omitempty"`
	FiveHourLimit     *int    `json:"five_hour_limit,omitempty"`
	WeeklyLimit       *int    `json:"weekly_limit,omitempty"`
	ClearManualLimits bool    `json:"clear_manual_limits,omitempty"`
}
