package observability

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the worker's prometheus collectors. A nil *Metrics is a
// valid no-op receiver so hot paths never branch on instrumentation.
type Metrics struct {
    TasksDispatched prometheus.Counter
    TasksCompleted  prometheus.Counter
    TasksFailed     prometheus.Counter
    TasksInFlight   prometheus.Gauge
    VerifyRejected  *prometheus.CounterVec
    Reconnects      prometheus.Counter
    QueueDrops      prometheus.Counter
    IngestRequests  *prometheus.CounterVec
}

// NewMetrics registers the worker collectors on reg (the default registerer
// when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
    if reg == nil {
        reg = prometheus.DefaultRegisterer
    }
    f := promauto.With(reg)
    return &Metrics{
        TasksDispatched: f.NewCounter(prometheus.CounterOpts{
            Namespace: "taskgrid", Name: "tasks_dispatched_total",
            Help: "Tasks handed to the caller handler.",
        }),
        TasksCompleted: f.NewCounter(prometheus.CounterOpts{
            Namespace: "taskgrid", Name: "tasks_completed_total",
            Help: "Tasks whose handler returned successfully.",
        }),
        TasksFailed: f.NewCounter(prometheus.CounterOpts{
            Namespace: "taskgrid", Name: "tasks_failed_total",
            Help: "Tasks failed by handler error, panic or timeout.",
        }),
        TasksInFlight: f.NewGauge(prometheus.GaugeOpts{
            Namespace: "taskgrid", Name: "tasks_in_flight",
            Help: "Tasks currently running or awaiting acknowledgment.",
        }),
        VerifyRejected: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: "taskgrid", Name: "verify_rejected_total",
            Help: "Task admissions rejected, by reason.",
        }, []string{"reason"}),
        Reconnects: f.NewCounter(prometheus.CounterOpts{
            Namespace: "taskgrid", Name: "reconnects_total",
            Help: "Coordinator sessions re-established after a drop.",
        }),
        QueueDrops: f.NewCounter(prometheus.CounterOpts{
            Namespace: "taskgrid", Name: "send_queue_drops_total",
            Help: "Outbound frames dropped due to backpressure.",
        }),
        IngestRequests: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: "taskgrid", Name: "ingest_requests_total",
            Help: "HTTP ingress submissions, by outcome.",
        }, []string{"outcome"}),
    }
}

func (m *Metrics) IncDispatched() {
    if m != nil {
        m.TasksDispatched.Inc()
        m.TasksInFlight.Inc()
    }
}

func (m *Metrics) IncCompleted() {
    if m != nil {
        m.TasksCompleted.Inc()
        m.TasksInFlight.Dec()
    }
}

func (m *Metrics) IncFailed() {
    if m != nil {
        m.TasksFailed.Inc()
        m.TasksInFlight.Dec()
    }
}

func (m *Metrics) IncVerifyRejected(reason string) {
    if m != nil {
        m.VerifyRejected.WithLabelValues(reason).Inc()
    }
}

func (m *Metrics) IncReconnects() {
    if m != nil {
        m.Reconnects.Inc()
    }
}

func (m *Metrics) IncQueueDrops() {
    if m != nil {
        m.QueueDrops.Inc()
    }
}

func (m *Metrics) IncIngest(outcome string) {
    if m != nil {
        m.IngestRequests.WithLabelValues(outcome).Inc()
    }
}
