package replica

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks operational counters for a Peer. A nil *Metrics is valid
// and records nothing, so components built outside a Peer need no setup.
type Metrics struct {
	FramesSent        prometheus.Counter
	FramesReceived    prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	OversizedFrames   prometheus.Counter
	Disconnects       prometheus.Counter
	SpawnsEmitted     prometheus.Counter
	SpawnRepairs      prometheus.Counter
	UpdatesApplied    prometheus.Counter
	UpdatesRejected   *prometheus.CounterVec
	Connections       prometheus.Gauge
	ReplicatedObjects prometheus.Gauge
}

// newMetrics creates the peer's metrics on reg.
func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "replica",
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		FramesSent:      counter("frames_sent_total", "Frames written to peer sockets."),
		FramesReceived:  counter("frames_received_total", "Complete frames read from peer sockets."),
		BytesSent:       counter("bytes_sent_total", "Bytes written to peer sockets, including length prefixes."),
		BytesReceived:   counter("bytes_received_total", "Bytes of complete frames read from peer sockets."),
		OversizedFrames: counter("oversized_frames_total", "Frames whose length exceeded the oversized threshold."),
		Disconnects:     counter("disconnects_total", "Connection failures detected on send or receive."),
		SpawnsEmitted:   counter("spawns_emitted_total", "Replicated objects created by this peer."),
		SpawnRepairs:    counter("spawn_repairs_total", "Spawn payloads re-sent to connections missing an object."),
		UpdatesApplied:  counter("updates_applied_total", "Attribute updates applied from peers."),
		UpdatesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replica",
			Name:      "updates_rejected_total",
			Help:      "Attribute updates discarded, by reason.",
		}, []string{"reason"}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "replica",
			Name:      "connections",
			Help:      "Open connections, including the local loopback.",
		}),
		ReplicatedObjects: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "replica",
			Name:      "replicated_objects",
			Help:      "Entries in the replicated object registry.",
		}),
	}
}

func (m *Metrics) frameSent(n int) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(n))
}

func (m *Metrics) frameReceived(n int) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) oversizedFrame() {
	if m == nil {
		return
	}
	m.OversizedFrames.Inc()
}

func (m *Metrics) disconnect() {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
}

func (m *Metrics) spawnEmitted() {
	if m == nil {
		return
	}
	m.SpawnsEmitted.Inc()
}

func (m *Metrics) spawnRepaired() {
	if m == nil {
		return
	}
	m.SpawnRepairs.Inc()
}

func (m *Metrics) updateApplied() {
	if m == nil {
		return
	}
	m.UpdatesApplied.Inc()
}

func (m *Metrics) updateRejected(reason string) {
	if m == nil {
		return
	}
	m.UpdatesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) setReplicatedObjects(n int) {
	if m == nil {
		return
	}
	m.ReplicatedObjects.Set(float64(n))
}
