package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/models"
)

func validConfig() Config {
	return Config{
		Version: "1",
		Server: ServerConfig{
			HTTPPort: 8318,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid minimal config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing version",
			mutate:  func(c *Config) { c.Version = "" },
			wantErr: true,
			errMsg:  "version is required",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.HTTPPort = 70000 },
			wantErr: true,
			errMsg:  "server: http_port must be between 1 and 65535",
		},
		{
			name:    "negative shutdown timeout",
			mutate:  func(c *Config) { c.Server.ShutdownTimeout = -time.Second },
			wantErr: true,
			errMsg:  "server: shutdown_timeout must be positive",
		},
		{
			name:    "negative attempts",
			mutate:  func(c *Config) { c.HTTP.MaxAttempts = -1 },
			wantErr: true,
			errMsg:  "http: max_attempts cannot be negative",
		},
		{
			name:    "jitter above one",
			mutate:  func(c *Config) { c.HTTP.JitterRatio = ratio(1.5) },
			wantErr: true,
			errMsg:  "http: jitter_ratio must be between 0 and 1",
		},
		{
			name:    "bogus retryable status",
			mutate:  func(c *Config) { c.HTTP.RetryableStatusCodes = []int{429, 42} },
			wantErr: true,
			errMsg:  "retryable status code 42",
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Sync.Concurrency = -2 },
			wantErr: true,
			errMsg:  "sync: concurrency cannot be negative",
		},
		{
			name:    "negative background interval",
			mutate:  func(c *Config) { c.Sync.BackgroundInterval = -time.Second },
			wantErr: true,
			errMsg:  "sync: background_interval cannot be negative",
		},
		{
			name:    "unknown preferred provider",
			mutate:  func(c *Config) { c.Routing.PreferredProvider = "mistral" },
			wantErr: true,
			errMsg:  "routing:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfig_ValidateFillsDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "http://127.0.0.1:8318", cfg.Server.PublicURL)
	assert.Equal(t, "X-Admin-Key", cfg.Server.AdminKeyHeader)
	assert.Equal(t, 1000, cfg.Server.RateLimit.RequestsPerMinute)
	assert.Equal(t, 100, cfg.Server.RateLimit.Burst)

	assert.Equal(t, "quotamux.db", cfg.Store.Path)
	assert.Equal(t, "quotamux.db.key", cfg.Store.KeyFile)

	assert.Equal(t, 15*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 3, cfg.HTTP.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.HTTP.BaseDelay)
	assert.Equal(t, 4*time.Second, cfg.HTTP.MaxDelay)
	assert.Equal(t, "quotamux/1.0", cfg.HTTP.UserAgent)

	assert.Equal(t, 5*time.Minute, cfg.Sync.TokenRefreshBuffer)
	assert.Equal(t, 45*time.Second, cfg.Sync.StaleCooldown)
	assert.Equal(t, 25*time.Second, cfg.Sync.StrictFailureCooldown)
	assert.Equal(t, 45*time.Second, cfg.Sync.LiveRefreshInterval)
	assert.Equal(t, 350*time.Millisecond, cfg.Sync.DashboardBudget)
	assert.Equal(t, 60*time.Second, cfg.Sync.PassTimeout)
	assert.Equal(t, 4, cfg.Sync.Concurrency)
	assert.Equal(t, 5, cfg.Sync.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 1, cfg.Sync.CircuitBreaker.HalfOpenLimit)

	assert.Equal(t, "https://chatgpt.com/backend-api/wham/usage", cfg.Providers.Codex.UsageURL)
	assert.Equal(t, "https://api.anthropic.com/api/oauth/usage", cfg.Providers.Claude.UsageURL)
	assert.NotEmpty(t, cfg.Providers.Claude.VerificationURL)
}

func TestStoreConfig_PassphraseSkipsKeyFile(t *testing.T) {
	s := StoreConfig{Path: "/var/lib/q.db", Passphrase: "hunter2"}
	require.NoError(t, s.Validate())
	assert.Empty(t, s.KeyFile)
}

func TestHTTPConfig_MaxDelayNotBelowBase(t *testing.T) {
	h := HTTPConfig{BaseDelay: 2 * time.Second, MaxDelay: time.Second}
	require.NoError(t, h.Validate())
	assert.Equal(t, 2*time.Second, h.MaxDelay)
}

func ratio(r float64) *float64 { return &r }

func TestHTTPConfig_JitterRatio(t *testing.T) {
	h := HTTPConfig{}
	require.NoError(t, h.Validate())
	require.NotNil(t, h.JitterRatio)
	assert.Equal(t, 0.2, *h.JitterRatio)

	h = HTTPConfig{JitterRatio: ratio(0)}
	require.NoError(t, h.Validate())
	assert.Zero(t, *h.JitterRatio)

	cfg, err := Parse([]byte("version: \"1\"\nhttp:\n  jitter_ratio: 0\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.HTTP.JitterRatio)
	assert.Zero(t, *cfg.HTTP.JitterRatio)
}

func TestHTTPConfig_ProxyAndUserAgent(t *testing.T) {
	h := HTTPConfig{UTLS: true, ProxyURL: "socks5://127.0.0.1:1080"}
	require.NoError(t, h.Validate())
	assert.Empty(t, h.UserAgent, "utls leaves the user agent to the transport")

	h = HTTPConfig{ProxyURL: "not a url"}
	assert.ErrorContains(t, h.Validate(), "proxy_url")
}

func TestRoutingConfig_Preferences(t *testing.T) {
	r := RoutingConfig{
		PreferredProvider: "anthropic",
		FallbackProviders: []string{"openai", "gemini"},
		PriorityModels:    []string{" gpt-5 ", ""},
	}
	prefs, err := r.Preferences()
	require.NoError(t, err)
	assert.Equal(t, string(models.ProviderClaude), prefs.PreferredProvider)
	assert.Equal(t, []models.Provider{models.ProviderCodex, models.ProviderGemini}, prefs.FallbackProviders)
	assert.Equal(t, []string{"gpt-5"}, prefs.PriorityModels)
}

func TestOAuthProfile_Validate(t *testing.T) {
	base := func() OAuthProfile {
		return OAuthProfile{
			ID:       "codex-default",
			Provider: "openai",
			ClientID: "app_123",
			AuthURL:  "https://auth.example.com/oauth/authorize",
			TokenURL: "https://auth.example.com/oauth/token",
			Scopes:   []string{" openid ", "", "offline_access"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*OAuthProfile)
		wantErr string
	}{
		{name: "valid", mutate: func(*OAuthProfile) {}},
		{name: "missing id", mutate: func(p *OAuthProfile) { p.ID = "" }, wantErr: "id is required"},
		{name: "missing client id", mutate: func(p *OAuthProfile) { p.ClientID = "" }, wantErr: "client_id is required"},
		{name: "bad provider", mutate: func(p *OAuthProfile) { p.Provider = "nope" }, wantErr: "provider"},
		{name: "relative token url", mutate: func(p *OAuthProfile) { p.TokenURL = "/oauth/token" }, wantErr: "token_url must be an absolute URL"},
		{name: "missing auth url", mutate: func(p *OAuthProfile) { p.AuthURL = "" }, wantErr: "auth_url must be an absolute URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "codex", p.Provider)
			assert.Equal(t, "sub", p.AccountIDClaim)
			assert.Equal(t, "email", p.EmailClaim)
			assert.Equal(t, []string{"openid", "offline_access"}, p.Scopes)
		})
	}
}

func TestOAuthConfig_DuplicateIDs(t *testing.T) {
	p := OAuthProfile{
		ID:       "dup",
		Provider: "claude",
		ClientID: "c",
		AuthURL:  "https://a.example/authorize",
		TokenURL: "https://a.example/token",
	}
	o := OAuthConfig{Profiles: []OAuthProfile{p, p}}
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate id "dup"`)
}

func TestOAuthConfig_Profile(t *testing.T) {
	o := OAuthConfig{Profiles: []OAuthProfile{{ID: "a"}, {ID: "b"}}}
	p, ok := o.Profile("b")
	require.True(t, ok)
	assert.Equal(t, "b", p.ID)

	_, ok = o.Profile("missing")
	assert.False(t, ok)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("QMX_TEST_SECRET", "s3cret")
	out := substituteEnvVars([]byte("passphrase: ${QMX_TEST_SECRET}\nother: $QMX_TEST_SECRET"))
	assert.Equal(t, "passphrase: s3cret\nother: s3cret", string(out))
}

func TestParse(t *testing.T) {
	data := []byte(`
version: "1"
server:
  host: 0.0.0.0
  http_port: 9000
store:
  path: /tmp/state.db
  passphrase: correct horse
http:
  max_attempts: 5
  retryable_status_codes: [429, 503]
  utls: true
sync:
  background_interval: 2m
  concurrency: 8
routing:
  strict_live_quota: true
  preferred_provider: codex
  fallback_providers: [claude]
oauth:
  profiles:
    - id: claude-main
      provider: anthropic
      client_id: abc
      auth_url: https://claude.ai/oauth/authorize
      token_url: https://console.anthropic.com/v1/oauth/token
      scopes: [user:inference]
providers:
  codex:
    disabled: true
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "http://0.0.0.0:9000", cfg.Server.PublicURL)
	assert.Equal(t, "/tmp/state.db", cfg.Store.Path)
	assert.Empty(t, cfg.Store.KeyFile)
	assert.Equal(t, 5, cfg.HTTP.MaxAttempts)
	assert.Equal(t, []int{429, 503}, cfg.HTTP.RetryableStatusCodes)
	assert.True(t, cfg.HTTP.UTLS)
	assert.Equal(t, 2*time.Minute, cfg.Sync.BackgroundInterval)
	assert.Equal(t, 8, cfg.Sync.Concurrency)
	assert.True(t, cfg.Routing.StrictLiveQuota)
	assert.Equal(t, []string{"claude"}, cfg.Routing.FallbackProviders)
	require.Len(t, cfg.OAuth.Profiles, 1)
	assert.Equal(t, "claude", cfg.OAuth.Profiles[0].Provider)
	assert.True(t, cfg.Providers.Codex.Disabled)
	assert.NotEmpty(t, cfg.Providers.Codex.UsageURL)
}

func TestParse_DefaultPort(t *testing.T) {
	cfg, err := Parse([]byte(`version: "1"`))
	require.NoError(t, err)
	assert.Equal(t, 8318, cfg.Server.HTTPPort)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("version: [unterminated"))
	require.Error(t, err)
	var parseErr *qerrors.ErrConfigParse
	assert.ErrorAs(t, err, &parseErr)
}

func TestParse_InvalidConfig(t *testing.T) {
	_, err := Parse([]byte("server:\n  http_port: 8080\n"))
	require.Error(t, err)
	var validationErr *qerrors.ErrConfigValidation
	assert.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "version is required")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)
	assert.Equal(t, "1", cfg.Version)
	assert.Equal(t, 4, cfg.Sync.Concurrency)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quotamux.yaml")
	t.Setenv("QMX_TEST_PORT", "8400")
	writeConfig(t, path, "version: \"1\"\nserver:\n  http_port: ${QMX_TEST_PORT}\n")

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 8400, cfg.Server.HTTPPort)
	assert.Same(t, cfg, loader.Get())
	assert.Equal(t, path, loader.Path())
}

func TestLoader_FileNotFound(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loader.Load()
	var notFound *qerrors.ErrConfigNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestLoader_LoadOrDefault(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := loader.LoadOrDefault()
	require.NoError(t, err)
	assert.Equal(t, "1", cfg.Version)
	assert.Same(t, cfg, loader.Get())
}

func TestLoader_ReloadCallsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quotamux.yaml")
	writeConfig(t, path, "version: \"1\"\n")

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	var got *Config
	loader.SetOnChange(func(c *Config) { got = c })

	writeConfig(t, path, "version: \"2\"\n")
	cfg, err := loader.Reload()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2", got.Version)
	assert.Same(t, cfg, got)
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quotamux.yaml")
	writeConfig(t, path, "version: \"1\"\n")

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	loader.SetOnChange(func(c *Config) { changed <- c })
	var errorsSeen atomic.Int32
	loader.SetOnError(func(error) { errorsSeen.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.Watch(ctx))

	// Ensure the modification time moves forward on coarse filesystems.
	future := time.Now().Add(2 * time.Second)
	writeConfig(t, path, "version: \"1\"\nsync:\n  concurrency: 7\n")
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case cfg := <-changed:
		assert.Equal(t, 7, cfg.Sync.Concurrency)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
	assert.Equal(t, 7, loader.Get().Sync.Concurrency)
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, "quotamux.yaml", PathFromEnv())

	t.Setenv(EnvConfigPath, "/etc/quotamux/config.yaml")
	assert.Equal(t, "/etc/quotamux/config.yaml", PathFromEnv())
}
