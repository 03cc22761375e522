package ledger

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus collectors for ledger writes.
type Metrics struct {
	writes  *prometheus.CounterVec
	retries prometheus.Counter
}

// NewMetrics registers ledger collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_writes_total",
		Help: "Ledger write operations partitioned by operation and outcome kind.",
	}, []string{"op", "kind"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_ledger_sequence_retries_total",
		Help: "Record number allocations retried after a sequence conflict.",
	})
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(writes, retries)
	return &Metrics{writes: writes, retries: retries}
}

func (m *Metrics) write(op string, err error) {
	if m == nil {
		return
	}
	kind := "ok"
	if err != nil {
		kind = string(KindOf(err))
	}
	m.writes.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) sequenceRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
