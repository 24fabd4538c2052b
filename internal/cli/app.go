package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/quotaguard/quotamux/internal/config"
	"github.com/quotaguard/quotamux/internal/httpclient"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/metrics"
	"github.com/quotaguard/quotamux/internal/oauth"
	"github.com/quotaguard/quotamux/internal/provider"
	"github.com/quotaguard/quotamux/internal/router"
	"github.com/quotaguard/quotamux/internal/store"
	"github.com/quotaguard/quotamux/internal/syncer"
)

// app is the assembled process: one store, one outbound client, and the
// services built on them.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	store    *store.SQLiteStore
	client   *httpclient.Client
	registry *provider.Registry
	syncer   *syncer.Orchestrator
	router   *router.Service
	oauth    *oauth.Coordinator
}

// loadConfig reads the file named by --config after loading --env-file, or
// a .env beside the config. A missing config yields the defaults so one-off
// commands work without any setup.
func loadConfig() (*config.Loader, *config.Config, error) {
	if _, err := config.LoadDotEnv(globalFlags.EnvFile, filepath.Join(filepath.Dir(globalFlags.Config), ".env")); err != nil {
		return nil, nil, fmt.Errorf("failed to load env file: %w", err)
	}
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.LoadOrDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return loader, cfg, nil
}

// newLogger writes JSON logs to stderr. One-off commands only log warnings
// unless --verbose is set.
func newLogger(cfg *config.Config, w io.Writer, quiet bool) *logging.Logger {
	level := logging.ParseLevel(cfg.Server.LogLevel)
	switch {
	case globalFlags.Verbose:
		level = logging.LevelDebug
	case quiet:
		level = logging.LevelWarn
	}
	return logging.NewLogger(
		logging.WithOutput(w),
		logging.WithLevel(level),
		logging.WithService("quotamux"),
	)
}

func clientOptions(h config.HTTPConfig) httpclient.Options {
	return httpclient.Options{
		Timeout:              h.Timeout,
		MaxAttempts:          h.MaxAttempts,
		BaseDelay:            h.BaseDelay,
		MaxDelay:             h.MaxDelay,
		JitterRatio:          h.JitterRatio,
		RetryableStatusCodes: h.RetryableStatusCodes,
	}
}

// newClient builds the shared outbound client. Every provider call, token
// exchanges included, goes through it.
func newClient(h config.HTTPConfig, m *metrics.Metrics) (*httpclient.Client, error) {
	transport, err := httpclient.NewTransport(httpclient.TransportOptions{UTLS: h.UTLS, ProxyURL: h.ProxyURL})
	if err != nil {
		return nil, fmt.Errorf("outbound transport: %w", err)
	}
	ua := h.UserAgent
	if ua == "" && h.UTLS {
		ua = httpclient.ChromeUserAgent
	}
	return httpclient.New(clientOptions(h),
		httpclient.WithTransport(transport),
		httpclient.WithUserAgent(ua),
		httpclient.WithMetrics(m),
	), nil
}

// newRegistry registers the usage adapters and one token adapter per OAuth
// profile.
func newRegistry(cfg *config.Config, client *httpclient.Client) *provider.Registry {
	registry := provider.NewRegistry()
	if !cfg.Providers.Codex.Disabled {
		registry.RegisterUsage(provider.NewCodexUsage(client, cfg.Providers.Codex))
	}
	if !cfg.Providers.Claude.Disabled {
		registry.RegisterUsage(provider.NewClaudeUsage(client, cfg.Providers.Claude))
	}
	for _, profile := range cfg.OAuth.Profiles {
		registry.RegisterTokens(provider.NewOAuthClient(profile, client))
	}
	return registry
}

func newApp(ctx context.Context, cfg *config.Config, quiet bool) (*app, error) {
	a := &app{cfg: cfg}
	a.logger = newLogger(cfg, os.Stderr, quiet)
	a.metrics = metrics.NewMetrics("quotamux")

	prefs, err := cfg.Routing.Preferences()
	if err != nil {
		return nil, fmt.Errorf("routing preferences: %w", err)
	}
	a.store, err = store.NewSQLiteStore(ctx, cfg.Store.Path, store.SQLiteOptions{
		Passphrase: cfg.Store.Passphrase,
		KeyFile:    cfg.Store.KeyFile,
		Defaults:   store.Defaults{Preferences: prefs, StrictLiveQuota: cfg.Routing.StrictLiveQuota},
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a.client, err = newClient(cfg.HTTP, a.metrics)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.registry = newRegistry(cfg, a.client)

	a.syncer = syncer.New(a.store, a.registry, cfg.Sync,
		syncer.WithLogger(a.logger),
		syncer.WithMetrics(a.metrics),
	)
	a.router = router.NewService(a.store, a.syncer,
		router.WithLogger(a.logger),
		router.WithMetrics(a.metrics),
		router.WithDashboardBudget(cfg.Sync.DashboardBudget),
	)
	if len(cfg.OAuth.Profiles) > 0 {
		a.oauth = oauth.NewCoordinator(a.registry, a.router, a.syncer,
			oauth.WithLogger(a.logger),
			oauth.WithMetrics(a.metrics),
		)
	}
	return a, nil
}

// Close stops the sync loop and closes the store.
func (a *app) Close() error {
	if err := a.syncer.Stop(); err != nil {
		a.logger.Warn("failed to stop syncer", "error", err)
	}
	return a.store.Close()
}

// openApp loads the config and assembles a quiet app for one-off commands.
func openApp(ctx context.Context) (*app, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, true)
}
