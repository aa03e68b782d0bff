package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Total number of inbound gateway events labeled by event and status",
		},
		[]string{"event", "status"},
	)
	gatewayEventDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_event_duration_seconds",
			Help:    "Duration of inbound gateway event handling in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)
	gatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Current number of open client connections",
		},
	)
	matchesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matches_created_total",
			Help: "Total number of matches created labeled by opponent kind",
		},
		[]string{"opponent"},
	)
	movesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_moves_total",
			Help: "Total number of submitted moves labeled by result",
		},
		[]string{"result"},
	)
	matchTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_transitions_total",
			Help: "Total number of match status transitions",
		},
		[]string{"from", "to"},
	)
	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Total number of settlement attempts labeled by outcome and result",
		},
		[]string{"outcome", "result"},
	)
	settlementDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Duration of match settlement including retries",
			Buckets: prometheus.DefBuckets,
		},
	)
	ledgerAdjustmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_adjustments_total",
			Help: "Total number of balance adjustments labeled by transaction type and result",
		},
		[]string{"type", "result"},
	)
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors split by kind and severity",
		},
		[]string{"kind", "severity"},
	)
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests labeled by method, route and status",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	matchesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matches_by_status",
			Help: "Number of matches in the active registry per status",
		},
		[]string{"status"},
	)
	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Background tasks processed by type and result",
		},
		[]string{"task_type", "result"},
	)
	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Background task processing time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker position per dependency (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

var trackedStatuses = []string{"waiting", "playing", "completed", "draw"}

// RecordGatewayEvent increments event counters and records duration.
func RecordGatewayEvent(event, status string, duration time.Duration) {
	event = orUnknown(event)
	status = orUnknown(status)

	gatewayEventsTotal.WithLabelValues(event, status).Inc()
	gatewayEventDurationSeconds.WithLabelValues(event).Observe(duration.Seconds())
}

// ConnectionOpened increments the open connections gauge.
func ConnectionOpened() {
	gatewayConnections.Inc()
}

// ConnectionClosed decrements the open connections gauge.
func ConnectionClosed() {
	gatewayConnections.Dec()
}

// RecordHTTPRequest counts a served HTTP request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	route = orUnknown(route)
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordMatchCreated counts a new match.
func RecordMatchCreated(vsBot bool) {
	opponent := "player"
	if vsBot {
		opponent = "bot"
	}
	matchesCreatedTotal.WithLabelValues(opponent).Inc()
}

// RecordMove counts a submitted move by its result code.
func RecordMove(result string) {
	movesTotal.WithLabelValues(orUnknown(result)).Inc()
}

// RecordMatchTransition tracks match status transitions.
func RecordMatchTransition(from, to string) {
	matchTransitionsTotal.WithLabelValues(orUnknown(from), orUnknown(to)).Inc()
}

// RecordSettlement counts a settlement attempt and its duration.
func RecordSettlement(outcome, result string, duration time.Duration) {
	settlementsTotal.WithLabelValues(orUnknown(outcome), orUnknown(result)).Inc()
	settlementDurationSeconds.Observe(duration.Seconds())
}

// RecordLedgerAdjustment counts a balance change attempt.
func RecordLedgerAdjustment(kind, result string) {
	ledgerAdjustmentsTotal.WithLabelValues(orUnknown(kind), orUnknown(result)).Inc()
}

// RecordError increments error counters with metadata.
func RecordError(kind, severity string) {
	errorsTotal.WithLabelValues(orUnknown(kind), orUnknown(severity)).Inc()
}

// SetMatchesByStatus updates the gauge for the given status.
func SetMatchesByStatus(status string, count int) {
	matchesByStatus.WithLabelValues(orUnknown(status)).Set(float64(count))
}

// RecordJob counts a processed background task and its duration.
func RecordJob(taskType, result string, duration time.Duration) {
	taskType = orUnknown(taskType)
	jobsProcessedTotal.WithLabelValues(taskType, orUnknown(result)).Inc()
	jobDurationSeconds.WithLabelValues(taskType).Observe(duration.Seconds())
}

// SetBreakerState exports the position of a named circuit breaker.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(orUnknown(name)).Set(float64(state))
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// StatusCounter reports the number of active matches per status.
type StatusCounter interface {
	CountByStatus() map[string]int
}

// MatchCollector periodically gathers registry counts and emits gauge metrics.
type MatchCollector struct {
	source   StatusCounter
	interval time.Duration
}

// NewMatchCollector builds a collector bound to the provided source.
func NewMatchCollector(source StatusCounter, interval time.Duration) *MatchCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MatchCollector{source: source, interval: interval}
}

// Run polls the source until ctx is cancelled.
func (c *MatchCollector) Run(ctx context.Context) {
	if c == nil || c.source == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		c.Collect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

// Collect takes a single sample.
func (c *MatchCollector) Collect() {
	counts := c.source.CountByStatus()

	matchesByStatus.Reset()

	for _, tracked := range trackedStatuses {
		SetMatchesByStatus(tracked, counts[tracked])
		delete(counts, tracked)
	}

	for label, count := range counts {
		SetMatchesByStatus(label, count)
	}
}
