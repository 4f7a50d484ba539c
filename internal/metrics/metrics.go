package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicechat_connection_open",
		Help: "1 while the session channel is open",
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicechat_reconnect_attempts_total",
		Help: "Failed dials followed by a scheduled retry",
	})

	ChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicechat_audio_chunks_sent_total",
		Help: "Audio chunks written to the session channel",
	})

	ChunkBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicechat_audio_chunk_bytes",
		Help:    "Encoded size of sent audio chunks",
		Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
	})

	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicechat_send_failures_total",
		Help: "Sends rejected or failed, by reason",
	}, []string{"reason"})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicechat_events_total",
		Help: "Channel events delivered, by type",
	}, []string{"type"})

	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicechat_protocol_errors_total",
		Help: "Inbound frames that could not be decoded",
	})

	ResponseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicechat_response_latency_seconds",
		Help:    "Time from chunk sent to assistant response",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 8.0, 13.0, 20.0},
	})

	CaptureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicechat_capture_errors_total",
		Help: "Capture failures by kind",
	}, []string{"kind"})

	PlaybackLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicechat_playback_loads_total",
		Help: "Playback attempts by outcome",
	}, []string{"outcome"})
)
