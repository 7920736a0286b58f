package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure reasons
const (
	ReasonDecrypt   = "decrypt"
	ReasonMalformed = "malformed"
	ReasonForward   = "forward"
	ReasonDeliver   = "deliver"
	ReasonBuild     = "build"
)

// Collector collects node metrics. Each collector owns its registry so that
// several nodes can run in one process.
type Collector struct {
	received      atomic.Uint64
	peeled        atomic.Uint64
	forwarded     atomic.Uint64
	delivered     atomic.Uint64
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	registry *prometheus.Registry

	// Prometheus metrics
	receivedCounter      prometheus.Counter
	peeledCounter        prometheus.Counter
	forwardedCounter     prometheus.Counter
	deliveredCounter     prometheus.Counter
	sentCounter          prometheus.Counter
	failuresCounter      *prometheus.CounterVec
	bytesReceivedCounter prometheus.Counter
	bytesSentCounter     prometheus.Counter
	relaysGauge          prometheus.Gauge
	peelLatency          prometheus.Histogram
}

// NewCollector creates a new metrics collector. role and id are attached as
// constant labels.
func NewCollector(role, id string) *Collector {
	labels := prometheus.Labels{"role": role, "node": id}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		receivedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "onion_relay_onions_received_total",
			Help:        "Total onions received",
			ConstLabels: labels,
		}),
		peeledCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "onion_relay_layers_peeled_total",
			Help:        "Total layers successfully peeled",
			ConstLabels: labels,
		}),
		forwardedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "onion_relay_onions_forwarded_total",
			Help:        "Total onions forwarded to a next hop",
			ConstLabels: labels,
		}),
		deliveredCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "onion_relay_messages_delivered_total",
			Help:        "Total plaintexts delivered to an endpoint",
			ConstLabels: labels,
		}),
		sentCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "onion_relay_messages_sent_total",
			Help:        "Total onions built and handed to a first hop",
			ConstLabels: labels,
		}),
		failuresCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "onion_relay_failures_total",
			Help:        "Total failed messages by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		bytesReceivedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "onion_relay_bytes_received_total",
			Help:        "Total bytes received",
			ConstLabels: labels,
		}),
		bytesSentCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "onion_relay_bytes_sent_total",
			Help:        "Total bytes sent",
			ConstLabels: labels,
		}),
		relaysGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "onion_relay_registered_relays",
			Help:        "Number of relays in the key directory",
			ConstLabels: labels,
		}),
		peelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "onion_relay_peel_latency_seconds",
			Help:        "Time spent stripping one layer",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
	}

	c.registry.MustRegister(
		c.receivedCounter,
		c.peeledCounter,
		c.forwardedCounter,
		c.deliveredCounter,
		c.sentCounter,
		c.failuresCounter,
		c.bytesReceivedCounter,
		c.bytesSentCounter,
		c.relaysGauge,
		c.peelLatency,
	)

	return c
}

// IncrReceived records an incoming onion of n bytes
func (c *Collector) IncrReceived(n int) {
	c.received.Add(1)
	c.receivedCounter.Inc()
	c.bytesReceived.Add(uint64(n))
	c.bytesReceivedCounter.Add(float64(n))
}

// IncrPeeled records a successfully stripped layer
func (c *Collector) IncrPeeled(seconds float64) {
	c.peeled.Add(1)
	c.peeledCounter.Inc()
	c.peelLatency.Observe(seconds)
}

// IncrForwarded records an onion of n bytes handed to the next hop
func (c *Collector) IncrForwarded(n int) {
	c.forwarded.Add(1)
	c.forwardedCounter.Inc()
	c.AddBytesSent(n)
}

// IncrDelivered records a plaintext handed to its destination
func (c *Collector) IncrDelivered() {
	c.delivered.Add(1)
	c.deliveredCounter.Inc()
}

// IncrSent records an onion of n bytes sent by an endpoint
func (c *Collector) IncrSent(n int) {
	c.sentCounter.Inc()
	c.AddBytesSent(n)
}

// IncrFailure records a failed message
func (c *Collector) IncrFailure(reason string) {
	c.failuresCounter.WithLabelValues(reason).Inc()
}

// AddBytesSent adds to the bytes sent counter
func (c *Collector) AddBytesSent(n int) {
	c.bytesSent.Add(uint64(n))
	c.bytesSentCounter.Add(float64(n))
}

// SetRelays sets the number of registered relays
func (c *Collector) SetRelays(n int) {
	c.relaysGauge.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler for this collector
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Stats returns current statistics
func (c *Collector) Stats() Stats {
	return Stats{
		Received:      c.received.Load(),
		Peeled:        c.peeled.Load(),
		Forwarded:     c.forwarded.Load(),
		Delivered:     c.delivered.Load(),
		BytesReceived: c.bytesReceived.Load(),
		BytesSent:     c.bytesSent.Load(),
	}
}

// Stats holds current statistics
type Stats struct {
	Received      uint64
	Peeled        uint64
	Forwarded     uint64
	Delivered     uint64
	BytesReceived uint64
	BytesSent     uint64
}
