package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// ErrorCounter counts errors by kind and endpoint
	ErrorCounter *prometheus.CounterVec
	// RouteDecisions counts routing outcomes by provider
	RouteDecisions *prometheus.CounterVec
	// UnitsCharged counts units charged against accounts
	UnitsCharged *prometheus.CounterVec
	// QuotaRemaining tracks remaining units per account and window
	QuotaRemaining *prometheus.GaugeVec
	// AccountSyncStatus is 1 for the account's current sync status, 0 otherwise
	AccountSyncStatus *prometheus.GaugeVec
	// SyncPasses counts synchronization passes by outcome
	SyncPasses *prometheus.CounterVec
	// SyncDuration tracks how long a synchronization pass takes
	SyncDuration prometheus.Histogram
	// AccountSyncs counts per-account live quota fetch outcomes
	AccountSyncs *prometheus.CounterVec
	// TokenRefreshes counts OAuth token refresh outcomes
	TokenRefreshes *prometheus.CounterVec
	// OutboundAttempts counts resilient client attempts by host and outcome
	OutboundAttempts *prometheus.CounterVec
	// OAuthFlows counts OAuth flow transitions
	OAuthFlows *prometheus.CounterVec
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"kind", "endpoint", "method"},
		),
		RouteDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_decisions_total",
				Help:      "Total number of routing decisions",
			},
			[]string{"outcome", "provider"},
		),
		UnitsCharged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_charged_total",
				Help:      "Units charged against accounts",
			},
			[]string{"provider", "mode"},
		),
		QuotaRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_remaining_units",
				Help:      "Remaining units per account window",
			},
			[]string{"account_id", "provider", "window"},
		),
		AccountSyncStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "account_sync_status",
				Help:      "Quota sync status of accounts (1 for the current status)",
			},
			[]string{"account_id", "provider", "status"},
		),
		SyncPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_passes_total",
				Help:      "Total number of synchronization passes",
			},
			[]string{"kind", "outcome"},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of quota synchronization passes",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		AccountSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "account_syncs_total",
				Help:      "Live quota fetch outcomes per provider",
			},
			[]string{"provider", "outcome"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "OAuth token refresh outcomes per provider",
			},
			[]string{"provider", "outcome"},
		),
		OutboundAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_attempts_total",
				Help:      "Outbound HTTP attempts by host and outcome",
			},
			[]string{"host", "outcome"},
		),
		OAuthFlows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oauth_flows_total",
				Help:      "OAuth and verification flow transitions",
			},
			[]string{"flow", "event"},
		),
	}

	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.ErrorCounter,
		m.RouteDecisions,
		m.UnitsCharged,
		m.QuotaRemaining,
		m.AccountSyncStatus,
		m.SyncPasses,
		m.SyncDuration,
		m.AccountSyncs,
		m.TokenRefreshes,
		m.OutboundAttempts,
		m.OAuthFlows,
	)

	return m
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordError records an error
func (m *Metrics) RecordError(kind, endpoint, method string) {
	m.ErrorCounter.WithLabelValues(kind, endpoint, method).Inc()
}

// RecordRouteDecision records a routing outcome
func (m *Metrics) RecordRouteDecision(outcome, provider string) {
	m.RouteDecisions.WithLabelValues(outcome, provider).Inc()
}

// RecordUnitsCharged records units charged; mode is "local", "estimated" or "live"
func (m *Metrics) RecordUnitsCharged(provider, mode string, units int) {
	m.UnitsCharged.WithLabelValues(provider, mode).Add(float64(units))
}

// SetQuotaRemaining sets remaining units for one account window
func (m *Metrics) SetQuotaRemaining(accountID, provider, window string, remaining int) {
	m.QuotaRemaining.WithLabelValues(accountID, provider, window).Set(float64(remaining))
}

// SetAccountSyncStatus flags the current status of an account
func (m *Metrics) SetAccountSyncStatus(accountID, provider, status string) {
	for _, s := range []string{"live", "stale", "unavailable"} {
		value := 0.0
		if s == status {
			value = 1.0
		}
		m.AccountSyncStatus.WithLabelValues(accountID, provider, s).Set(value)
	}
}

// ForgetAccount removes per-account series after an account is deleted
func (m *Metrics) ForgetAccount(accountID string) {
	labels := prometheus.Labels{"account_id": accountID}
	m.QuotaRemaining.DeletePartialMatch(labels)
	m.AccountSyncStatus.DeletePartialMatch(labels)
}

// RecordSyncPass records a synchronization pass; kind is "quota" or "token"
func (m *Metrics) RecordSyncPass(kind, outcome string, durationSeconds float64) {
	m.SyncPasses.WithLabelValues(kind, outcome).Inc()
	if kind == "quota" {
		m.SyncDuration.Observe(durationSeconds)
	}
}

// RecordAccountSync records a live quota fetch outcome
func (m *Metrics) RecordAccountSync(provider, outcome string) {
	m.AccountSyncs.WithLabelValues(provider, outcome).Inc()
}

// RecordTokenRefresh records a token refresh outcome
func (m *Metrics) RecordTokenRefresh(provider, outcome string) {
	m.TokenRefreshes.WithLabelValues(provider, outcome).Inc()
}

// RecordHTTPAttempt records one resilient client attempt
func (m *Metrics) RecordHTTPAttempt(host, outcome string) {
	m.OutboundAttempts.WithLabelValues(host, outcome).Inc()
}

// RecordOAuthFlow records an OAuth or verification flow event
func (m *Metrics) RecordOAuthFlow(flow, event string) {
	m.OAuthFlows.WithLabelValues(flow, event).Inc()
}
