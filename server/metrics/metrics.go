package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"time"
)

const (
	LabelBackend = "backend"
	LabelOp      = "op"
	LabelResult  = "result"
	LabelStep    = "step"
	LabelKind    = "kind"

	ResultOK    = "ok"
	ResultError = "error"

	KDefaultNamespace = "streamctl"
)

// StoreMetrics tracks versioned store round trips.
type StoreMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	conflictsTotal  *prometheus.CounterVec
}

// NewStoreMetrics creates the store collectors and registers them with reg. A nil reg skips registration.
func NewStoreMetrics(namespace string, reg prometheus.Registerer) *StoreMetrics {
	if namespace == "" {
		namespace = KDefaultNamespace
	}
	m := &StoreMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "requests_total",
				Help:      "Total number of versioned store requests",
			},
			[]string{LabelBackend, LabelOp, LabelResult},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "request_duration_seconds",
				Help:      "Latency of versioned store requests",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{LabelBackend, LabelOp},
		),
		conflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "write_conflicts_total",
				Help:      "Total number of compare and swap requests rejected due to a stale version",
			},
			[]string{LabelBackend, LabelOp},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.requestDuration, m.conflictsTotal)
	}
	return m
}

// ObserveRequest records one store request. conflict is true if the request failed on a version mismatch.
func (m *StoreMetrics) ObserveRequest(backend string, op string, start time.Time, err error, conflict bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.requestsTotal.WithLabelValues(backend, op, result).Inc()
	m.requestDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	if conflict {
		m.conflictsTotal.WithLabelValues(backend, op).Inc()
	}
}

// WorkflowMetrics tracks steps of the scale, rolling transaction and transaction workflows.
type WorkflowMetrics struct {
	stepsTotal       *prometheus.CounterVec
	stepFailures     *prometheus.CounterVec
	txnTransitions   *prometheus.CounterVec
	staleTransitions *prometheus.CounterVec
}

func NewWorkflowMetrics(namespace string, reg prometheus.Registerer) *WorkflowMetrics {
	if namespace == "" {
		namespace = KDefaultNamespace
	}
	m := &WorkflowMetrics{
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "steps_total",
				Help:      "Total number of completed workflow steps",
			},
			[]string{LabelStep},
		),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "step_failures_total",
				Help:      "Total number of failed workflow steps by error kind",
			},
			[]string{LabelStep, LabelKind},
		),
		txnTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transactions",
				Name:      "transitions_total",
				Help:      "Total number of transaction status transitions by target status",
			},
			[]string{LabelResult},
		),
		staleTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "stale_epoch_transitions_total",
				Help:      "Epoch transition records found stale at scale start, by outcome",
			},
			[]string{LabelResult},
		),
	}
	if reg != nil {
		reg.MustRegister(m.stepsTotal, m.stepFailures, m.txnTransitions, m.staleTransitions)
	}
	return m
}

// ObserveStep records the outcome of a workflow step. kind is the error kind name and is ignored on success.
func (m *WorkflowMetrics) ObserveStep(step string, err error, kind string) {
	if m == nil {
		return
	}
	if err != nil {
		m.stepFailures.WithLabelValues(step, kind).Inc()
		return
	}
	m.stepsTotal.WithLabelValues(step).Inc()
}

func (m *WorkflowMetrics) TxnTransition(status string) {
	if m == nil {
		return
	}
	m.txnTransitions.WithLabelValues(status).Inc()
}

// StaleEpochTransition records how a stale epoch transition record was reconciled ("migrated" or "discarded").
func (m *WorkflowMetrics) StaleEpochTransition(outcome string) {
	if m == nil {
		return
	}
	m.staleTransitions.WithLabelValues(outcome).Inc()
}
