// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sigrelay"

// Disconnect reasons.
const (
	ReasonClosed       = "closed"
	ReasonSendFailures = "send_failures"
	ReasonMailboxFull  = "mailbox_full"
	ReasonShutdown     = "shutdown"
	ReasonIdle         = "idle"
	ReasonTooLarge     = "frame_too_large"
)

// Relay holds the relay's collectors. A nil *Relay is valid and records
// nothing, so tests can build a hub without a registry.
type Relay struct {
	registry *prometheus.Registry

	connections    prometheus.Gauge
	rejected       prometheus.Counter
	disconnects    *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	sendFailures   prometheus.Counter
	storeVersion   *prometheus.GaugeVec
	storeUpdates   *prometheus.CounterVec
	storeDupes     *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// build-info collectors, on a fresh registry.
func New() (*Relay, error) {
	m := &Relay{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently connected signaling clients.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connection attempts refused by the hub.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Connections removed from the hub, by reason.",
		}, []string{"reason"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames, by classified kind.",
		}, []string{"kind"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames successfully written, by kind.",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound writes that failed.",
		}),
		storeVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_version",
			Help:      "Version of the stored description, by slot.",
		}, []string{"slot"}),
		storeUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_updates_total",
			Help:      "Submissions that replaced the stored description, by slot.",
		}, []string{"slot"}),
		storeDupes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_duplicates_total",
			Help:      "Submissions identical to the stored description, by slot.",
		}, []string{"slot"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewBuildInfoCollector(),
		m.connections,
		m.rejected,
		m.disconnects,
		m.framesReceived,
		m.framesSent,
		m.sendFailures,
		m.storeVersion,
		m.storeUpdates,
		m.storeDupes,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry the collectors live on.
func (m *Relay) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Relay) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Relay) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Relay) Rejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Relay) Disconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Relay) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Relay) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
}

func (m *Relay) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// StoreUpdated records a replaced description and its new version.
func (m *Relay) StoreUpdated(slot string, version uint64) {
	if m == nil {
		return
	}
	m.storeUpdates.WithLabelValues(slot).Inc()
	m.storeVersion.WithLabelValues(slot).Set(float64(version))
}

func (m *Relay) StoreDuplicate(slot string) {
	if m == nil {
		return
	}
	m.storeDupes.WithLabelValues(slot).Inc()
}
