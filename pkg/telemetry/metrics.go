package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCommandsExecutedTotal = "oms_commands_executed_total"
	MetricQueueClaimsTotal      = "oms_queue_claims_total"
	MetricQueueDepth            = "oms_queue_depth"
	MetricReconcileTicksTotal   = "oms_reconcile_ticks_total"
	MetricDealsProjectedTotal   = "oms_deals_projected_total"
	MetricEventsPublishedTotal  = "oms_events_published_total"
	MetricRPCLatency            = "oms_rpc_request_duration_ms"
	MetricExchangeLatency       = "oms_exchange_call_duration_ms"
	MetricExchangeSessionsOpen  = "oms_exchange_sessions_open"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	CommandsExecutedTotal metric.Int64Counter
	QueueClaimsTotal      metric.Int64Counter
	QueueDepth            metric.Int64ObservableGauge
	ReconcileTicksTotal   metric.Int64Counter
	DealsProjectedTotal   metric.Int64Counter
	EventsPublishedTotal  metric.Int64Counter
	RPCLatency            metric.Float64Histogram
	ExchangeLatency       metric.Float64Histogram
	ExchangeSessionsOpen  metric.Int64ObservableGauge

	// State for observable gauges
	mu           sync.RWMutex
	queueDepth   map[string]int64
	sessionsOpen int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			queueDepth: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.CommandsExecutedTotal, err = meter.Int64Counter(MetricCommandsExecutedTotal,
		metric.WithDescription("Commands executed, labelled by type and outcome"))
	if err != nil {
		return err
	}

	m.QueueClaimsTotal, err = meter.Int64Counter(MetricQueueClaimsTotal,
		metric.WithDescription("Durable queue items claimed by workers"))
	if err != nil {
		return err
	}

	m.ReconcileTicksTotal, err = meter.Int64Counter(MetricReconcileTicksTotal,
		metric.WithDescription("Reconciliation runs completed"))
	if err != nil {
		return err
	}

	m.DealsProjectedTotal, err = meter.Int64Counter(MetricDealsProjectedTotal,
		metric.WithDescription("Exchange trades projected into deals"))
	if err != nil {
		return err
	}

	m.EventsPublishedTotal, err = meter.Int64Counter(MetricEventsPublishedTotal,
		metric.WithDescription("Outbox events published to the in-memory ring"))
	if err != nil {
		return err
	}

	m.RPCLatency, err = meter.Float64Histogram(MetricRPCLatency,
		metric.WithDescription("Dispatcher RPC request latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ExchangeLatency, err = meter.Float64Histogram(MetricExchangeLatency,
		metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth,
		metric.WithDescription("Queued plus in-flight command_queue rows per pool"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pool, val := range m.queueDepth {
				obs.Observe(val, metric.WithAttributes(attribute.String("pool", pool)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ExchangeSessionsOpen, err = meter.Int64ObservableGauge(MetricExchangeSessionsOpen,
		metric.WithDescription("Cached streaming exchange sessions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.sessionsOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Recording helpers. Instruments are nil until InitMetrics runs (tests skip
// telemetry setup), so every helper guards for that.

func (m *MetricsHolder) IncCommandsExecuted(ctx context.Context, commandType, outcome string) {
	if m.CommandsExecutedTotal == nil {
		return
	}
	m.CommandsExecutedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", commandType),
		attribute.String("outcome", outcome)))
}

func (m *MetricsHolder) IncQueueClaims(ctx context.Context, pool string) {
	if m.QueueClaimsTotal == nil {
		return
	}
	m.QueueClaimsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("pool", pool)))
}

func (m *MetricsHolder) IncReconcileTicks(ctx context.Context, outcome string) {
	if m.ReconcileTicksTotal == nil {
		return
	}
	m.ReconcileTicksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *MetricsHolder) IncDealsProjected(ctx context.Context, n int64) {
	if m.DealsProjectedTotal == nil || n == 0 {
		return
	}
	m.DealsProjectedTotal.Add(ctx, n)
}

func (m *MetricsHolder) IncEventsPublished(ctx context.Context, namespace string) {
	if m.EventsPublishedTotal == nil {
		return
	}
	m.EventsPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", namespace)))
}

func (m *MetricsHolder) ObserveRPCLatency(ctx context.Context, op string, ms float64) {
	if m.RPCLatency == nil {
		return
	}
	m.RPCLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("op", op)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetQueueDepth(pool string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth[pool] = depth
}

func (m *MetricsHolder) SetExchangeSessionsOpen(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsOpen = n
}
