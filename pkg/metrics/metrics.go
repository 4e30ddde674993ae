package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of one light client instance.
type Metrics struct {
	HeaderHeight       prometheus.Gauge
	PeerHeight         prometheus.Gauge
	HeaderBatches      prometheus.Counter
	ValidationFailures prometheus.Counter
	ProofsVerified     prometheus.Counter
	ProofFailures      prometheus.Counter
	TaskTimeouts       prometheus.Counter
	PendingSends       prometheus.Gauge
	Sends              *prometheus.CounterVec
}

func New(namespace string, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		HeaderHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "header_height",
			Help:      "Height of the last confirmed header",
		}),
		PeerHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_height",
			Help:      "Best height advertised by the peer",
		}),
		HeaderBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_batches",
			Help:      "Number of header batches persisted",
		}),
		ValidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_validation_failures",
			Help:      "Number of header batches rejected",
		}),
		ProofsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proofs_verified",
			Help:      "Number of account proofs verified",
		}),
		ProofFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_failures",
			Help:      "Number of account proofs that failed verification",
		}),
		TaskTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_timeouts",
			Help:      "Number of peer tasks that hit their deadline",
		}),
		PendingSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_sends",
			Help:      "Transactions awaiting an acknowledgment",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends",
			Help:      "Resolved transaction submissions by result",
		}, []string{"result"}),
	}
	err := errors.Join(
		registerer.Register(m.HeaderHeight),
		registerer.Register(m.PeerHeight),
		registerer.Register(m.HeaderBatches),
		registerer.Register(m.ValidationFailures),
		registerer.Register(m.ProofsVerified),
		registerer.Register(m.ProofFailures),
		registerer.Register(m.TaskTimeouts),
		registerer.Register(m.PendingSends),
		registerer.Register(m.Sends),
	)
	return m, err
}
