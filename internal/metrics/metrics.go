// Package metrics exports terrain streaming counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "streaming"

// Load failure reasons.
const (
	ReasonMissing     = "missing"
	ReasonCorrupt     = "corrupt"
	ReasonUnsupported = "unsupported"
	ReasonOther       = "other"
)

// Metrics holds the collectors of one streaming manager.
type Metrics struct {
	tilesLoaded      prometheus.Counter
	tileLoadErrors   *prometheus.CounterVec
	tilesEvicted     prometheus.Counter
	rendererRebuilds prometheus.Counter
	tilesResident    prometheus.Gauge
	tilesVisible     prometheus.Gauge
	renderersActive  prometheus.Gauge
	tileLoadSeconds  prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg gets
// a private registry, so several managers can live in one process.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		tilesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tiles_loaded_total",
			Help:      "Tiles whose data was streamed in.",
		}),
		tileLoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tile_load_errors_total",
			Help:      "Failed tile loads. Broken down by reason.",
		}, []string{"reason"}),
		tilesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tiles_evicted_total",
			Help:      "Tiles whose data was released after becoming unused.",
		}),
		rendererRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "renderer_rebuilds_total",
			Help:      "Renderer buffer publications caused by a LOD change.",
		}),
		tilesResident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tiles_resident",
			Help:      "Tiles with data in memory.",
		}),
		tilesVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tiles_visible",
			Help:      "Tiles inside the visible radius.",
		}),
		renderersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "renderers_active",
			Help:      "Zones holding a renderer.",
		}),
		tileLoadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tile_load_seconds",
			Help:      "Time to load one tile's data.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	for _, c := range []prometheus.Collector{
		m.tilesLoaded, m.tileLoadErrors, m.tilesEvicted, m.rendererRebuilds,
		m.tilesResident, m.tilesVisible, m.renderersActive, m.tileLoadSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// TileLoaded records a successful load that started at start.
func (m *Metrics) TileLoaded(start time.Time) {
	m.tilesLoaded.Inc()
	m.tilesResident.Inc()
	m.tileLoadSeconds.Observe(time.Since(start).Seconds())
}

// TileLoadFailed records a failed load.
func (m *Metrics) TileLoadFailed(reason string) {
	m.tileLoadErrors.WithLabelValues(reason).Inc()
}

// TileEvicted records a tile whose data was released.
func (m *Metrics) TileEvicted() {
	m.tilesEvicted.Inc()
	m.tilesResident.Dec()
}

// RendererRebuilt records one renderer buffer publication.
func (m *Metrics) RendererRebuilt() { m.rendererRebuilds.Inc() }

// RendererCreated increments the live renderer gauge.
func (m *Metrics) RendererCreated() { m.renderersActive.Inc() }

// RendererRemoved decrements the live renderer gauge.
func (m *Metrics) RendererRemoved() { m.renderersActive.Dec() }

// SetVisible sets the number of visible tiles.
func (m *Metrics) SetVisible(n int) { m.tilesVisible.Set(float64(n)) }
