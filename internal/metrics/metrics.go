package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for mailrun
type Metrics struct {
	// Campaigns
	CampaignsStartedTotal  prometheus.Counter
	CampaignsFinishedTotal *prometheus.CounterVec
	CampaignsActive        prometheus.Gauge

	// Per-recipient outcomes
	MessagesSentTotal    *prometheus.CounterVec
	MessagesFailedTotal  *prometheus.CounterVec
	MessagesSkippedTotal prometheus.Counter
	ProviderBlocksTotal  prometheus.Counter
	TestMessagesTotal    *prometheus.CounterVec

	// Relay sessions
	RelayConnectsTotal *prometheus.CounterVec

	// Capture relay
	SinkMessagesTotal   *prometheus.CounterVec
	SinkAuthFailedTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	SandboxMessages  prometheus.Gauge
	SandboxSizeBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CampaignsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrun_campaigns_started_total",
				Help: "Total number of campaigns started",
			},
		),
		CampaignsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_campaigns_finished_total",
				Help: "Total number of campaigns that reached a final status",
			},
			[]string{"status", "halt_reason"},
		),
		CampaignsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_campaigns_active",
				Help: "Number of campaigns currently sending",
			},
		),

		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_messages_sent_total",
				Help: "Total number of messages accepted by the relay",
			},
			[]string{"domain"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_messages_failed_total",
				Help: "Total number of messages the relay did not accept",
			},
			[]string{"domain"},
		),
		MessagesSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrun_messages_skipped_total",
				Help: "Total number of recipient records without an address",
			},
		),
		ProviderBlocksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrun_provider_blocks_total",
				Help: "Total number of campaigns halted by a provider block",
			},
		),
		TestMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_test_messages_total",
				Help: "Total number of single test messages",
			},
			[]string{"result"},
		),

		RelayConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_relay_connects_total",
				Help: "Total number of relay connection attempts",
			},
			[]string{"result"},
		),

		SinkMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_sink_messages_total",
				Help: "Total number of transactions seen by the capture relay",
			},
			[]string{"result"},
		),
		SinkAuthFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrun_sink_auth_failed_total",
				Help: "Total number of failed capture relay logins",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailrun_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_goroutines",
				Help: "Number of active goroutines",
			},
		),
		SandboxMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_sandbox_messages",
				Help: "Number of captured messages in the sandbox store",
			},
		),
		SandboxSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_sandbox_size_bytes",
				Help: "Total size of captured messages",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.CampaignsStartedTotal,
		m.CampaignsFinishedTotal,
		m.CampaignsActive,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesSkippedTotal,
		m.ProviderBlocksTotal,
		m.TestMessagesTotal,
		m.RelayConnectsTotal,
		m.SinkMessagesTotal,
		m.SinkAuthFailedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.SandboxMessages,
		m.SandboxSizeBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// CampaignStarted counts a new campaign and marks it active
func CampaignStarted() {
	if m := Global(); m != nil {
		m.CampaignsStartedTotal.Inc()
		m.CampaignsActive.Inc()
	}
}

// CampaignFinished counts a campaign reaching a final status
func CampaignFinished(status, haltReason string) {
	if m := Global(); m != nil {
		if haltReason == "" {
			haltReason = "none"
		}
		m.CampaignsFinishedTotal.WithLabelValues(status, haltReason).Inc()
		m.CampaignsActive.Dec()
	}
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(domain string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(domain).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(domain string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(domain).Inc()
	}
}

func IncMessagesSkipped() {
	if m := Global(); m != nil {
		m.MessagesSkippedTotal.Inc()
	}
}

func IncProviderBlocks() {
	if m := Global(); m != nil {
		m.ProviderBlocksTotal.Inc()
	}
}

// IncTestMessages counts a single test send by result (sent, failed)
func IncTestMessages(result string) {
	if m := Global(); m != nil {
		m.TestMessagesTotal.WithLabelValues(result).Inc()
	}
}

// IncRelayConnect counts a relay connection attempt by result (success, failure)
func IncRelayConnect(result string) {
	if m := Global(); m != nil {
		m.RelayConnectsTotal.WithLabelValues(result).Inc()
	}
}

// IncSinkMessages counts a capture relay transaction by result
// (accepted, rejected, blocked, error)
func IncSinkMessages(result string) {
	if m := Global(); m != nil {
		m.SinkMessagesTotal.WithLabelValues(result).Inc()
	}
}

func IncSinkAuthFailed() {
	if m := Global(); m != nil {
		m.SinkAuthFailedTotal.Inc()
	}
}
