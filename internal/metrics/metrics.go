// Package metrics exposes call agent counters and gauges to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aero_call_agent"

// Signaling drop reasons.
const (
	DropReasonRateLimited = "rate_limited"
	DropReasonMalformed   = "malformed"
	DropReasonStale       = "stale"
)

type Metrics struct {
	registry *prometheus.Registry

	callsStarted     *prometheus.CounterVec
	callsEnded       *prometheus.CounterVec
	errors           *prometheus.CounterVec
	signalingMsgs    *prometheus.CounterVec
	signalingDrops   *prometheus.CounterVec
	iceRestarts      prometheus.Counter
	activeCalls      prometheus.Gauge
	quality          prometheus.Gauge
	lossRatio        prometheus.Gauge
	callDuration     prometheus.Histogram
	signalingUp      prometheus.Gauge
	signalingReconns prometheus.Counter
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Calls started, by direction and call type.",
		}, []string{"direction", "call_type"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls torn down, by terminal status and reason.",
		}, []string{"status", "reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to the UI, by kind.",
		}, []string{"kind"}),
		signalingMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Signaling messages, by direction and type.",
		}, []string{"direction", "type"}),
		signalingDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_dropped_total",
			Help:      "Inbound signaling messages dropped, by reason.",
		}, []string{"reason"}),
		iceRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_restarts_total",
			Help:      "ICE restarts attempted after a connection failure.",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "1 while a call session exists.",
		}),
		quality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_quality",
			Help:      "Current connection quality: 0 unknown, 1 poor, 2 good, 3 excellent.",
		}),
		lossRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packet_loss_ratio",
			Help:      "Cumulative inbound packet loss ratio of the current call.",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of answered calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		signalingUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signaling_connected",
			Help:      "1 while the signaling WebSocket is connected.",
		}),
		signalingReconns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_reconnects_total",
			Help:      "Signaling WebSocket reconnect attempts.",
		}),
	}
	reg.MustRegister(
		m.callsStarted,
		m.callsEnded,
		m.errors,
		m.signalingMsgs,
		m.signalingDrops,
		m.iceRestarts,
		m.activeCalls,
		m.quality,
		m.lossRatio,
		m.callDuration,
		m.signalingUp,
		m.signalingReconns,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CallStarted(direction, callType string) {
	if m == nil {
		return
	}
	m.callsStarted.WithLabelValues(direction, callType).Inc()
	m.activeCalls.Set(1)
}

func (m *Metrics) CallEnded(status, reason string, answeredFor float64) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(status, reason).Inc()
	m.activeCalls.Set(0)
	m.quality.Set(0)
	m.lossRatio.Set(0)
	if answeredFor > 0 {
		m.callDuration.Observe(answeredFor)
	}
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SignalingMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.signalingMsgs.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SignalingDropped(reason string) {
	if m == nil {
		return
	}
	m.signalingDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) ICERestart() {
	if m == nil {
		return
	}
	m.iceRestarts.Inc()
}

func (m *Metrics) Quality(score int, lossRatio float64) {
	if m == nil {
		return
	}
	m.quality.Set(float64(score))
	m.lossRatio.Set(lossRatio)
}

func (m *Metrics) SignalingConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.signalingUp.Set(1)
	} else {
		m.signalingUp.Set(0)
	}
}

func (m *Metrics) SignalingReconnect() {
	if m == nil {
		return
	}
	m.signalingReconns.Inc()
}
