package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the gateway.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics. All
// recording helpers are nil-safe so components can run without metrics.
type Metrics struct {
	// JSON-RPC dispatch metrics
	rpcRequestsTotal   *prometheus.CounterVec
	rpcRequestDuration *prometheus.HistogramVec
	rpcBatchSize       prometheus.Histogram

	// Operation metrics
	operationsTotal       *prometheus.CounterVec
	operationDuration     *prometheus.HistogramVec
	operationRetriesTotal *prometheus.CounterVec
	slippageRejectsTotal  *prometheus.CounterVec

	// Chain RPC metrics
	chainCallsTotal   *prometheus.CounterVec
	chainCallDuration *prometheus.HistogramVec

	// Transaction tracking metrics
	trackedTransactions   *prometheus.GaugeVec
	transitionsTotal      *prometheus.CounterVec
	confirmationLatency   *prometheus.HistogramVec
	trackActivityDuration *prometheus.HistogramVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_requests_total",
				Help: "Total number of JSON-RPC requests by method and status",
			},
			[]string{"method", "status"},
		),
		rpcRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpc_request_duration_seconds",
				Help:    "Duration of JSON-RPC request handling in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		rpcBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rpc_batch_size",
				Help:    "Number of requests per JSON-RPC batch",
				Buckets: []float64{1, 2, 5, 10, 25, 50},
			},
		),

		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operations_total",
				Help: "Total number of DeFi operations by kind, chain and status",
			},
			[]string{"kind", "chain", "status"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "operation_duration_seconds",
				Help:    "Duration of operation execution (quote through broadcast) in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind", "chain"},
		),
		operationRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operation_retries_total",
				Help: "Total number of operation retries after transient chain failures",
			},
			[]string{"kind", "chain"},
		),
		slippageRejectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slippage_rejects_total",
				Help: "Total number of swaps rejected because quoted price impact exceeded the cap",
			},
			[]string{"chain"},
		),

		chainCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_calls_total",
				Help: "Total number of chain RPC calls by chain, operation and status",
			},
			[]string{"chain", "op", "status"},
		),
		chainCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"chain", "op"},
		),

		trackedTransactions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracked_transactions",
				Help: "Number of transactions currently in a non-terminal state",
			},
			[]string{"chain"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tx_transitions_total",
				Help: "Total number of applied transaction state transitions",
			},
			[]string{"chain", "from", "to"},
		),
		confirmationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tx_confirmation_latency_seconds",
				Help:    "Time from submission to terminal state in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"chain", "state"},
		),
		trackActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "track_activity_duration_seconds",
				Help:    "Duration of tracking workflow activities in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"activity", "chain"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// JSON-RPC dispatch helpers

// RecordRPCRequest records a dispatched JSON-RPC method call with duration.
func (m *Metrics) RecordRPCRequest(method, status string, duration float64) {
	if m == nil {
		return
	}
	m.rpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.rpcRequestDuration.WithLabelValues(method).Observe(duration)
}

// RecordRPCBatch records the size of a batch request.
func (m *Metrics) RecordRPCBatch(size int) {
	if m == nil {
		return
	}
	m.rpcBatchSize.Observe(float64(size))
}

// Operation helpers

// RecordOperation records a completed (or failed) operation with duration.
func (m *Metrics) RecordOperation(kind, chain, status string, duration float64) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(kind, chain, status).Inc()
	m.operationDuration.WithLabelValues(kind, chain).Observe(duration)
}

// RecordOperationRetry records a retry after a transient chain failure.
func (m *Metrics) RecordOperationRetry(kind, chain string) {
	if m == nil {
		return
	}
	m.operationRetriesTotal.WithLabelValues(kind, chain).Inc()
}

// RecordSlippageReject records a swap rejected before broadcast.
func (m *Metrics) RecordSlippageReject(chain string) {
	if m == nil {
		return
	}
	m.slippageRejectsTotal.WithLabelValues(chain).Inc()
}

// Chain RPC helpers

// RecordChainCall records a chain RPC call with duration.
func (m *Metrics) RecordChainCall(chain, op, status string, duration float64) {
	if m == nil {
		return
	}
	m.chainCallsTotal.WithLabelValues(chain, op, status).Inc()
	m.chainCallDuration.WithLabelValues(chain, op).Observe(duration)
}

// Tracking helpers

// RecordTrackedTransactions sets the open-transaction gauge for a chain.
func (m *Metrics) RecordTrackedTransactions(chain string, count float64) {
	if m == nil {
		return
	}
	m.trackedTransactions.WithLabelValues(chain).Set(count)
}

// RecordTransition records an applied state transition.
func (m *Metrics) RecordTransition(chain, from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(chain, from, to).Inc()
}

// RecordConfirmationLatency records time from submission to terminal state.
func (m *Metrics) RecordConfirmationLatency(chain, state string, seconds float64) {
	if m == nil {
		return
	}
	m.confirmationLatency.WithLabelValues(chain, state).Observe(seconds)
}

// RecordTrackActivityDuration records tracking activity execution duration.
func (m *Metrics) RecordTrackActivityDuration(activity, chain string, duration float64) {
	if m == nil {
		return
	}
	m.trackActivityDuration.WithLabelValues(activity, chain).Observe(duration)
}

// Database helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
