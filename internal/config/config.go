package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/quotaguard/quotamux/internal/models"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	HTTP      HTTPConfig      `yaml:"http"`
	Sync      SyncConfig      `yaml:"sync"`
	Routing   RoutingConfig   `yaml:"routing"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	PublicURL       string        `yaml:"public_url"`
	AdminKeys       []string      `yaml:"admin_keys"`
	AdminKeyHeader  string        `yaml:"admin_key_header"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
}

// RateLimit bounds requests per client IP.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// StoreConfig locates the encrypted connector document.
type StoreConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
	KeyFile    string `yaml:"key_file"`
}

// HTTPConfig is the default policy of the resilient outbound client.
type HTTPConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	MaxAttempts          int           `yaml:"max_attempts"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	JitterRatio          *float64      `yaml:"jitter_ratio"`
	RetryableStatusCodes []int         `yaml:"retryable_status_codes"`
	UTLS                 bool          `yaml:"utls"`
	UserAgent            string        `yaml:"user_agent"`
	ProxyURL             string        `yaml:"proxy_url"`
}

// SyncConfig controls the synchronization orchestrator.
type SyncConfig struct {
	TokenRefreshBuffer    time.Duration        `yaml:"token_refresh_buffer"`
	StaleCooldown         time.Duration        `yaml:"stale_cooldown"`
	StrictFailureCooldown time.Duration        `yaml:"strict_failure_cooldown"`
	LiveRefreshInterval   time.Duration        `yaml:"live_refresh_interval"`
	DashboardBudget       time.Duration        `yaml:"dashboard_budget"`
	PassTimeout           time.Duration        `yaml:"pass_timeout"`
	Concurrency           int                  `yaml:"concurrency"`
	BackgroundInterval    time.Duration        `yaml:"background_interval"`
	CircuitBreaker        CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig contains circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenLimit    int           `yaml:"half_open_limit"` // Number of successes in half-open state to close
}

// RoutingConfig holds routing defaults applied to a fresh connector state.
type RoutingConfig struct {
	StrictLiveQuota   bool     `yaml:"strict_live_quota"`
	PreferredProvider string   `yaml:"preferred_provider"`
	FallbackProviders []string `yaml:"fallback_providers"`
	PriorityModels    []string `yaml:"priority_models"`
}

// OAuthConfig lists OAuth client profiles.
type OAuthConfig struct {
	Profiles []OAuthProfile `yaml:"profiles"`
}

// OAuthProfile is one OAuth client registration at a provider.
type OAuthProfile struct {
	ID              string            `yaml:"id"`
	Provider        string            `yaml:"provider"`
	ClientID        string            `yaml:"client_id"`
	ClientSecret    string            `yaml:"client_secret"`
	AuthURL         string            `yaml:"auth_url"`
	TokenURL        string            `yaml:"token_url"`
	RedirectURL     string            `yaml:"redirect_url"`
	Scopes          []string          `yaml:"scopes"`
	AuthParams      map[string]string `yaml:"auth_params"`
	AccountIDClaim  string            `yaml:"account_id_claim"`
	WorkspaceClaim  string            `yaml:"workspace_claim"`
	EmailClaim      string            `yaml:"email_claim"`
	VerificationURL string            `yaml:"verification_url"`
}

// ProvidersConfig points usage adapters at their endpoints.
type ProvidersConfig struct {
	Codex  UsageEndpointConfig `yaml:"codex"`
	Claude UsageEndpointConfig `yaml:"claude"`
}

// UsageEndpointConfig configures one provider's usage endpoint.
type UsageEndpointConfig struct {
	Disabled        bool   `yaml:"disabled"`
	UsageURL        string `yaml:"usage_url"`
	VerificationURL string `yaml:"verification_url"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	if err := c.OAuth.Validate(); err != nil {
		return fmt.Errorf("oauth: %w", err)
	}

	c.Providers.applyDefaults()

	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.PublicURL == "" {
		s.PublicURL = fmt.Sprintf("http://%s:%d", s.Host, s.HTTPPort)
	}
	s.AdminKeys = trimAll(s.AdminKeys)
	if s.AdminKeyHeader == "" {
		s.AdminKeyHeader = "X-Admin-Key"
	}
	if s.RateLimit.RequestsPerMinute < 0 || s.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values cannot be negative")
	}
	if s.RateLimit.RequestsPerMinute == 0 {
		s.RateLimit.RequestsPerMinute = 1000
	}
	if s.RateLimit.Burst == 0 {
		s.RateLimit.Burst = 100
	}
	return nil
}

func (s *StoreConfig) Validate() error {
	if s.Path == "" {
		s.Path = "quotamux.db"
	}
	if s.KeyFile == "" && s.Passphrase == "" {
		s.KeyFile = s.Path + ".key"
	}
	return nil
}

func (h *HTTPConfig) Validate() error {
	if h.Timeout <= 0 {
		h.Timeout = 15 * time.Second
	}
	if h.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative")
	}
	if h.MaxAttempts == 0 {
		h.MaxAttempts = 3
	}
	if h.BaseDelay <= 0 {
		h.BaseDelay = 250 * time.Millisecond
	}
	if h.MaxDelay <= 0 {
		h.MaxDelay = 4 * time.Second
	}
	if h.MaxDelay < h.BaseDelay {
		h.MaxDelay = h.BaseDelay
	}
	if h.JitterRatio == nil {
		ratio := 0.2
		h.JitterRatio = &ratio
	}
	if *h.JitterRatio < 0 || *h.JitterRatio > 1 {
		return fmt.Errorf("jitter_ratio must be between 0 and 1")
	}
	for _, code := range h.RetryableStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("retryable status code %d is not an HTTP status", code)
		}
	}
	// The uTLS transport picks a browser user agent to match its fingerprint.
	if h.UserAgent == "" && !h.UTLS {
		h.UserAgent = "quotamux/1.0"
	}
	if h.ProxyURL != "" {
		u, err := url.Parse(h.ProxyURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("proxy_url %q is not a valid URL", h.ProxyURL)
		}
	}
	return nil
}

func (s *SyncConfig) Validate() error {
	if s.TokenRefreshBuffer <= 0 {
		s.TokenRefreshBuffer = 5 * time.Minute
	}
	if s.StaleCooldown <= 0 {
		s.StaleCooldown = 45 * time.Second
	}
	if s.StrictFailureCooldown <= 0 {
		s.StrictFailureCooldown = 25 * time.Second
	}
	if s.LiveRefreshInterval <= 0 {
		s.LiveRefreshInterval = 45 * time.Second
	}
	if s.DashboardBudget <= 0 {
		s.DashboardBudget = 350 * time.Millisecond
	}
	if s.PassTimeout <= 0 {
		s.PassTimeout = 60 * time.Second
	}
	if s.Concurrency < 0 {
		return fmt.Errorf("concurrency cannot be negative")
	}
	if s.Concurrency == 0 {
		s.Concurrency = 4
	}
	if s.BackgroundInterval < 0 {
		return fmt.Errorf("background_interval cannot be negative")
	}
	if s.CircuitBreaker.FailureThreshold <= 0 {
		s.CircuitBreaker.FailureThreshold = 5
	}
	if s.CircuitBreaker.Timeout <= 0 {
		s.CircuitBreaker.Timeout = 30 * time.Second
	}
	if s.CircuitBreaker.HalfOpenLimit <= 0 {
		s.CircuitBreaker.HalfOpenLimit = 1
	}
	return nil
}

func (r *RoutingConfig) Validate() error {
	_, err := r.Preferences()
	return err
}

// Preferences converts the routing defaults into normalized preferences.
func (r *RoutingConfig) Preferences() (models.RoutingPreferences, error) {
	fallbacks := make([]models.Provider, 0, len(r.FallbackProviders))
	for _, p := range r.FallbackProviders {
		fallbacks = append(fallbacks, models.Provider(p))
	}
	return models.NormalizePreferences(models.RoutingPreferences{
		PreferredProvider: r.PreferredProvider,
		FallbackProviders: fallbacks,
		PriorityModels:    r.PriorityModels,
	})
}

func (o *OAuthConfig) Validate() error {
	seen := make(map[string]bool, len(o.Profiles))
	for i := range o.Profiles {
		p := &o.Profiles[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile[%d]: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("profile[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// Profile returns the profile with the given id.
func (o *OAuthConfig) Profile(id string) (*OAuthProfile, bool) {
	for i := range o.Profiles {
		if o.Profiles[i].ID == id {
			return &o.Profiles[i], true
		}
	}
	return nil, false
}

func (p *OAuthProfile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	provider, err := models.ParseProvider(p.Provider)
	if err != nil {
		return err
	}
	p.Provider = string(provider)
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	for name, raw := range map[string]string{"auth_url": p.AuthURL, "token_url": p.TokenURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	if p.AccountIDClaim == "" {
		p.AccountIDClaim = "sub"
	}
	if p.EmailClaim == "" {
		p.EmailClaim = "email"
	}
	p.Scopes = trimAll(p.Scopes)
	return nil
}

func (p *ProvidersConfig) applyDefaults() {
	if p.Codex.UsageURL == "" {
		p.Codex.UsageURL = "https://chatgpt.com/backend-api/wham/usage"
	}
	if p.Claude.UsageURL == "" {
		p.Claude.UsageURL = "https://api.anthropic.com/api/oauth/usage"
	}
	if p.Claude.VerificationURL == "" {
		p.Claude.VerificationURL = "https://claude.ai/settings/account"
	}
	if p.Codex.VerificationURL == "" {
		p.Codex.VerificationURL = "https://chatgpt.com/#settings/Security"
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
