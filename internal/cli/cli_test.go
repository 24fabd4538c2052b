package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotamux/internal/config"
	qerrors "github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/httpclient"
	"github.com/quotaguard/quotamux/internal/metrics"
	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/provider"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	RootCmd.SetOut(&buf)
	RootCmd.SetErr(&buf)
	defer func() {
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
	}()
	err := Execute(args)
	return buf.String(), err
}

// writeConfig points the store at a temp dir and disables the network-backed
// usage adapters.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "quotamux.yaml")
	content := `version: "1"
server:
  log_level: error
store:
  path: ` + filepath.Join(dir, "state.db") + `
  passphrase: cli-test-passphrase
providers:
  codex:
    disabled: true
  claude:
    disabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	InitCLI()
	assert.Equal(t, "quotamux", RootCmd.Use)
	assert.NotEmpty(t, GetGlobalFlags().Config)

	names := map[string]bool{}
	for _, cmd := range RootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "route", "accounts", "prefs", "connector-key", "doctor", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "quotamux version: "+GetVersionInfo().Version)
	assert.Equal(t, 0, ExecuteWithErrorCode([]string{"version"}))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{qerrors.ErrInvalidUnits, exitInput},
		{&qerrors.ErrAdmission{Units: 5}, exitAdmission},
		{fmt.Errorf("remove: %w", qerrors.ErrAccountNotFound), exitNotFound},
		{fmt.Errorf("disk"), exitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.OS)
	assert.NotEmpty(t, info.Arch)
}

func TestAccountLifecycle(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "--json=true", "accounts", "add-api",
		"--provider", "openrouter", "--key", "sk-or-abcdef123456", "--five-hour", "100", "--weekly", "0", "--name", "")
	require.NoError(t, err, out)
	var acc models.ConnectedAccount
	require.NoError(t, json.Unmarshal([]byte(out), &acc), out)
	assert.Equal(t, models.ProviderOpenRouter, acc.Provider)
	assert.True(t, acc.ManualLimits)
	assert.NotContains(t, out, "sk-or-abcdef123456")

	out, err = runCLI(t, "--config", cfgPath, "--json=true", "route", "--units", "3", "--model", "", "--candidates=false")
	require.NoError(t, err, out)
	var decision map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decision), out)
	assert.Equal(t, acc.ID, decision["account_id"])
	assert.Equal(t, true, decision["quota_decremented"])
	assert.Equal(t, float64(97), decision["five_hour_remaining"])

	out, err = runCLI(t, "--config", cfgPath, "--json=true", "route", "--units", "1", "--candidates=true")
	require.NoError(t, err, out)
	var candidates []models.ConnectedAccount
	require.NoError(t, json.Unmarshal([]byte(out), &candidates), out)
	require.Len(t, candidates, 1)
	assert.Empty(t, candidates[0].AccessToken)

	out, err = runCLI(t, "--config", cfgPath, "--json=false", "accounts", "disable", acc.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "enabled=false")

	_, err = runCLI(t, "--config", cfgPath, "--json=false", "route", "--units", "1", "--candidates=false")
	assert.Error(t, err)

	out, err = runCLI(t, "--config", cfgPath, "--json=false", "accounts", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "openrouter")
	assert.Contains(t, out, "1 accounts (0 enabled)")

	out, err = runCLI(t, "--config", cfgPath, "--json=false", "accounts", "remove", acc.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Removed account "+acc.ID)

	_, err = runCLI(t, "--config", cfgPath, "accounts", "remove", acc.ID)
	assert.Error(t, err)
}

func TestConnectorKeyCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "--json=false", "connector-key", "--rotate=false")
	require.NoError(t, err, out)
	first := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(first, "qmx_"), first)

	out, err = runCLI(t, "--config", cfgPath, "--json=false", "connector-key", "--rotate=true")
	require.NoError(t, err, out)
	rotated := strings.TrimSpace(out)
	assert.NotEqual(t, first, rotated)

	out, err = runCLI(t, "--config", cfgPath, "--json=false", "connector-key", "--rotate=false")
	require.NoError(t, err, out)
	assert.Equal(t, rotated, strings.TrimSpace(out))
}

func TestPrefsCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "--json=true", "prefs",
		"--preferred", "anthropic", "--fallback", "codex,gemini", "--strict=true")
	require.NoError(t, err, out)

	var got struct {
		Preferences models.RoutingPreferences `json:"preferences"`
		Strict      bool                      `json:"strict_live_quota"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got), out)
	assert.Equal(t, "claude", got.Preferences.PreferredProvider)
	assert.Equal(t, []models.Provider{models.ProviderCodex, models.ProviderGemini}, got.Preferences.FallbackProviders)
	assert.True(t, got.Strict)

	_, err = runCLI(t, "--config", cfgPath, "prefs", "--preferred", "mistral")
	assert.Error(t, err)
}

func TestConfigChecks(t *testing.T) {
	cfg := config.Default()
	checks := configChecks(cfg, "quotamux.yaml", false)
	statuses := map[string]string{}
	for _, c := range checks {
		statuses[c.Name] = c.Status
	}
	assert.Equal(t, statusWarn, statuses["Config File"])
	assert.Equal(t, statusWarn, statuses["OAuth Profiles"])
	_, flagged := statuses["Admin Keys"]
	assert.False(t, flagged, "loopback bind needs no admin key")

	cfg.Server.Host = "0.0.0.0"
	checks = configChecks(cfg, "quotamux.yaml", true)
	assert.Contains(t, checks, DoctorCheck{
		Category:    "Configuration",
		Name:        "Admin Keys",
		Status:      statusFail,
		Message:     "Admin endpoints are open and the server binds 0.0.0.0",
		Remediation: "Set server.admin_keys or bind server.host to 127.0.0.1",
	})
}

func TestAccountChecks(t *testing.T) {
	state := models.NewConnectorState("qmx_k", time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, statusWarn, accountChecks(state, provider.NewRegistry())[0].Status)

	state.Accounts = models.AccountSlice{
		{ID: "a", Provider: models.ProviderClaude, AuthMethod: models.AuthOAuth, DisplayName: "dev@example.com",
			Enabled: true, RefreshToken: "r", QuotaSyncStatus: models.SyncUnavailable,
			SyncIssue: &models.SyncIssue{Code: models.IssueVerificationRequired, Message: "verify", RemediationURL: "https://claude.ai/verify"}},
		{ID: "b", Provider: models.ProviderOpenRouter, AuthMethod: models.AuthAPI, DisplayName: "key", Enabled: false},
	}
	checks := accountChecks(state, provider.NewRegistry())
	require.Len(t, checks, 3)
	assert.Equal(t, statusFail, checks[0].Status)
	assert.Contains(t, checks[0].Remediation, "https://claude.ai/verify")
	assert.Equal(t, statusWarn, checks[1].Status)
	assert.Equal(t, "Token Refresh", checks[2].Name)
	assert.Contains(t, checks[2].Message, "claude")
}

func TestRecommendations(t *testing.T) {
	assert.Equal(t, []string{"Everything looks fine."}, recommendations([]DoctorCheck{{Status: statusOK}}))

	recs := recommendations([]DoctorCheck{
		{Category: "Store", Name: "Open", Status: statusFail, Remediation: "fix it"},
		{Status: statusWarn},
	})
	assert.Equal(t, []string{"[Store] Open: fix it", "Found 1 problem(s) and 1 warning(s)."}, recs)
}

func TestDoctorCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "--json=false", "doctor")
	require.NoError(t, err, out)
	assert.Contains(t, out, "=== quotamux doctor ===")
	assert.Contains(t, out, "No accounts connected")
}

func TestClientOptions(t *testing.T) {
	cfg := config.Default()
	opts := clientOptions(cfg.HTTP)
	assert.Equal(t, cfg.HTTP.Timeout, opts.Timeout)
	assert.Equal(t, cfg.HTTP.MaxAttempts, opts.MaxAttempts)
}

func TestNewClient(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.ProxyURL = "socks5://user:pw@127.0.0.1:1080"
	cfg.HTTP.UTLS = true
	_, err := newClient(cfg.HTTP, metrics.NewMetrics("cli_client_test"))
	require.NoError(t, err)

	cfg.HTTP.ProxyURL = "http://127.0.0.1:3128"
	_, err = newClient(cfg.HTTP, nil)
	assert.ErrorContains(t, err, "utls cannot be combined")
}

func TestNewRegistry(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Claude.Disabled = true
	cfg.OAuth.Profiles = []config.OAuthProfile{{ID: "openai", Provider: "codex", ClientID: "c"}}

	registry := newRegistry(cfg, httpclient.New(httpclient.DefaultOptions()))
	_, ok := registry.Usage(models.ProviderCodex)
	assert.True(t, ok)
	_, ok = registry.Usage(models.ProviderClaude)
	assert.False(t, ok)
	_, ok = registry.Tokens("openai")
	assert.True(t, ok)
}
