package raknet

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the transport counters every client reports into. A
// single Metrics value may be shared by any number of clients.
type Metrics struct {
	DatagramsSent      prometheus.Counter
	DatagramsReceived  prometheus.Counter
	MalformedDatagrams prometheus.Counter
	DuplicateDatagrams prometheus.Counter
	Retransmissions    prometheus.Counter
	AcksSent           prometheus.Counter
	NaksSent           prometheus.Counter
	SplitsReassembled  prometheus.Counter
	SplitsDropped      prometheus.Counter
	DiscoveredServers  prometheus.Gauge
}

// NewMetrics registers the raknet metric set with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "raknet_datagrams_sent_total",
			Help: "Datagrams handed to the endpoint.",
		}),
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "raknet_datagrams_received_total",
			Help: "Datagrams successfully decoded from the endpoint.",
		}),
		MalformedDatagrams: factory.NewCounter(prometheus.CounterOpts{
			Name: "raknet_malformed_datagrams_total",
			Help: "Datagrams dropped at the receive boundary because decoding failed.",
		}),
		DuplicateDatagrams: factory.NewCounter(prometheus.CounterOpts{
			Name: "raknet_duplicate_datagrams_total",
			Help: "CustomPackets dropped as duplicates of an already received sequence number.",
		}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "raknet_retransmissions_total",
			Help: "Reliable datagrams re-queued after a NAK or resend timeout.",
		}),
		AcksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "raknet_acks_sent_total",
			Help: "ACK packets emitted.",
		}),
		NaksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "raknet_naks_sent_total",
			Help: "NAK packets emitted.",
		}),
		SplitsReassembled: factory.NewCounter(prometheus.CounterOpts{
			Name: "raknet_splits_reassembled_total",
			Help: "Split messages reassembled from their parts.",
		}),
		SplitsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "raknet_splits_dropped_total",
			Help: "Split parts discarded because reassembly limits were exceeded.",
		}),
		DiscoveredServers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raknet_discovered_servers",
			Help: "Servers currently present in the discovery table.",
		}),
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide metric set, registered with the
// default Prometheus registerer on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
