package tillermap

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tillermap"

// 流水线监控指标
type Metrics struct {
	Requests      *prometheus.CounterVec   // labels: outcome={success,error}, kind
	StageDuration *prometheus.HistogramVec // labels: stage={reconcile,fetch,clip,features,predict,rasterize}
	ClippedPixels prometheus.Histogram
	MaskedPixels  prometheus.Counter
	InFlight      prometheus.Gauge
}

func newMetrics(buckets bool) *Metrics {
	stageOpts := prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of each pipeline stage.",
	}
	pixelOpts := prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "clipped_pixels",
		Help:      "Number of pixels in the clipped raster window per request.",
	}
	if buckets {
		stageOpts.Buckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
		pixelOpts.Buckets = prometheus.ExponentialBuckets(100, 4, 10)
	}
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Tiller density map requests by outcome and error kind.",
		}, []string{"outcome", "kind"}),
		StageDuration: prometheus.NewHistogramVec(stageOpts, []string{"stage"}),
		ClippedPixels: prometheus.NewHistogram(pixelOpts),
		MaskedPixels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "masked_pixels_total",
			Help:      "Output pixels forced to nodata.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently being processed.",
		}),
	}
}

// 创建并注册到默认registry
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(
		m.Requests,
		m.StageDuration,
		m.ClippedPixels,
		m.MaskedPixels,
		m.InFlight,
	)
	return m
}

// 不注册，避免多个测试重复注册时panic
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}
