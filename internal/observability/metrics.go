package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors the bus, scheduler and LLM
// handler update, scoped to the kernel's own signals: queue depth,
// delayed-queue size, in-flight handlers, tool rounds per turn, LLM call
// outcomes and tool call counts. ComputeStatus is registered but no
// component sets it.
type Metrics struct {
	QueueDepth       *prometheus.GaugeVec
	DelayedQueueSize prometheus.Gauge
	ComputeStatus    *prometheus.GaugeVec
	InFlightHandlers prometheus.Gauge
	ToolRounds       prometheus.Histogram
	LLMCallsTotal    *prometheus.CounterVec
	ToolCallsTotal   *prometheus.CounterVec
}

// NewMetrics registers and returns a fresh Metrics bundle on the given
// registerer. Pass prometheus.NewRegistry() in tests to avoid collisions
// with the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentsociety",
			Subsystem: "bus",
			Name:      "queue_depth",
			Help:      "Current queue depth per recipient agent.",
		}, []string{"agent_id"}),
		DelayedQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentsociety",
			Subsystem: "bus",
			Name:      "delayed_queue_size",
			Help:      "Current size of the delayed-delivery heap.",
		}),
		ComputeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentsociety",
			Subsystem: "scheduler",
			Name:      "agent_compute_status",
			Help:      "1 if the agent is currently in the given compute status, else 0.",
		}, []string{"agent_id", "status"}),
		InFlightHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentsociety",
			Subsystem: "scheduler",
			Name:      "in_flight_handlers",
			Help:      "Number of handler goroutines currently running a turn.",
		}),
		ToolRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentsociety",
			Subsystem: "llmhandler",
			Name:      "tool_rounds",
			Help:      "Number of tool-call rounds per turn.",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentsociety",
			Subsystem: "llmhandler",
			Name:      "llm_calls_total",
			Help:      "Total LLM calls by outcome.",
		}, []string{"outcome"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentsociety",
			Subsystem: "tooldispatch",
			Name:      "tool_calls_total",
			Help:      "Total tool calls by tool name and outcome.",
		}, []string{"tool", "outcome"}),
	}
	reg.MustRegister(
		m.QueueDepth, m.DelayedQueueSize, m.ComputeStatus,
		m.InFlightHandlers, m.ToolRounds, m.LLMCallsTotal, m.ToolCallsTotal,
	)
	return m
}
