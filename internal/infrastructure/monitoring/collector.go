package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the module's prometheus metrics. A nil *Collector is
// valid and records nothing, which keeps tests free of global registry
// collisions.
type Collector struct {
	chunksEnqueuedTotal  prometheus.Counter
	uploadsTotal         *prometheus.CounterVec
	uploadRetriesTotal   prometheus.Counter
	activeUploads        prometheus.Gauge
	segmentFetchDuration prometheus.Histogram
	segmentsAppended     prometheus.Counter
	playbackSessions     *prometheus.GaugeVec
	peersConnected       *prometheus.GaugeVec
	signalsDroppedTotal  *prometheus.CounterVec
	connectionLatency    prometheus.Histogram
}

func NewCollector() *Collector {
	return &Collector{
		chunksEnqueuedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessioncast_chunks_enqueued_total",
			Help: "Total number of capture chunks enqueued for upload",
		}),

		uploadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sessioncast_uploads_total",
			Help: "Total number of chunk uploads by outcome",
		}, []string{"outcome"}),

		uploadRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessioncast_upload_retries_total",
			Help: "Total number of chunk upload retry attempts",
		}),

		activeUploads: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sessioncast_active_uploads",
			Help: "Number of chunk transfers currently in flight",
		}),

		segmentFetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessioncast_segment_fetch_duration_seconds",
			Help:    "Duration of playback segment fetches",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),

		segmentsAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessioncast_segments_appended_total",
			Help: "Total number of segments appended to playback sinks",
		}),

		playbackSessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sessioncast_playback_sessions",
			Help: "Number of playback sessions by state",
		}, []string{"state"}),

		peersConnected: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sessioncast_peers_connected",
			Help: "Number of live relay peer connections by role",
		}, []string{"role"}),

		signalsDroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sessioncast_signals_dropped_total",
			Help: "Total number of channel payloads dropped at the boundary",
		}, []string{"reason"}),

		connectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessioncast_peer_latency_seconds",
			Help:    "RTCP-derived latency of relay peer connections",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

func (c *Collector) ChunkEnqueued() {
	if c == nil {
		return
	}
	c.chunksEnqueuedTotal.Inc()
}

func (c *Collector) UploadSucceeded() {
	if c == nil {
		return
	}
	c.uploadsTotal.WithLabelValues("uploaded").Inc()
}

func (c *Collector) UploadFailed() {
	if c == nil {
		return
	}
	c.uploadsTotal.WithLabelValues("failed").Inc()
}

func (c *Collector) UploadRetried() {
	if c == nil {
		return
	}
	c.uploadRetriesTotal.Inc()
}

func (c *Collector) UploadStarted() {
	if c == nil {
		return
	}
	c.activeUploads.Inc()
}

func (c *Collector) UploadFinished() {
	if c == nil {
		return
	}
	c.activeUploads.Dec()
}

func (c *Collector) SegmentFetched(d time.Duration) {
	if c == nil {
		return
	}
	c.segmentFetchDuration.Observe(d.Seconds())
}

func (c *Collector) SegmentAppended() {
	if c == nil {
		return
	}
	c.segmentsAppended.Inc()
}

func (c *Collector) PlaybackStateChanged(prev, next string) {
	if c == nil {
		return
	}
	if prev != "" {
		c.playbackSessions.WithLabelValues(prev).Dec()
	}
	if next != "" {
		c.playbackSessions.WithLabelValues(next).Inc()
	}
}

func (c *Collector) PeerConnected(role string) {
	if c == nil {
		return
	}
	c.peersConnected.WithLabelValues(role).Inc()
}

func (c *Collector) PeerDisconnected(role string) {
	if c == nil {
		return
	}
	c.peersConnected.WithLabelValues(role).Dec()
}

func (c *Collector) SignalDropped(reason string) {
	if c == nil {
		return
	}
	c.signalsDroppedTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.connectionLatency.Observe(d.Seconds())
}
