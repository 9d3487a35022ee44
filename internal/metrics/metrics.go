// Package metrics records transaction, stage and reachability counters for a
// tailor run and writes them in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jbweber/tailor/internal/pipeline"
)

const namespace = "tailor"

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the collectors of one process. Each Metrics owns its own
// registry so tests and repeated runs do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	Transactions        *prometheus.CounterVec
	TransactionDuration *prometheus.HistogramVec
	StageOperations     *prometheus.CounterVec
	ProbeAttempts       prometheus.Counter
	ForcedShutdowns     prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Customization transactions by action and result.",
		}, []string{"action", "result"}),
		TransactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Wall time of a customization transaction.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"action"}),
		StageOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_operations_total",
			Help:      "Image mutation stage applies and undos by result.",
		}, []string{"stage", "op", "result"}),
		ProbeAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_attempts_total",
			Help:      "Reachability probes sent to booted guests.",
		}),
		ForcedShutdowns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_shutdowns_total",
			Help:      "Guests that had to be forcibly terminated.",
		}),
	}
}

// StageObserver returns a pipeline observer feeding StageOperations.
func (m *Metrics) StageObserver() pipeline.Observer {
	return func(stage string, op pipeline.Op, err error) {
		m.StageOperations.WithLabelValues(stage, string(op), result(err)).Inc()
	}
}

// ProbeObserver counts every reachability attempt.
func (m *Metrics) ProbeObserver() func(attempt int, err error) {
	return func(int, error) {
		m.ProbeAttempts.Inc()
	}
}

// ObserveTransaction records the outcome and duration of one transaction.
func (m *Metrics) ObserveTransaction(action string, started time.Time, err error) {
	m.Transactions.WithLabelValues(action, result(err)).Inc()
	m.TransactionDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

// WriteTextfile writes the registry to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
