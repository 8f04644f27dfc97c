package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "abrengine"

// Metrics holds the engine's prometheus collectors. Every collector is
// labelled by media type so audio and video decisions can be told apart.
type Metrics struct {
	// BandwidthEstimate is the last bandwidth estimate in bits per second.
	BandwidthEstimate *prometheus.GaugeVec
	// Starvation is 1 while the analyzer is in starvation mode.
	Starvation *prometheus.GaugeVec
	// RepresentationSwitches counts representation changes, labelled by urgency.
	RepresentationSwitches *prometheus.CounterVec
	// SegmentsAppended counts segments pushed into the media buffer.
	SegmentsAppended *prometheus.CounterVec
	// BytesDownloaded counts segment payload bytes.
	BytesDownloaded *prometheus.CounterVec
	// FetchRetries counts retried segment fetches, labelled by reason.
	FetchRetries *prometheus.CounterVec
	// Warnings counts non-fatal warnings by code.
	Warnings *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics registers the engine collectors on reg. A nil reg gets a
// private registry, which keeps tests and parallel sessions isolated.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		BandwidthEstimate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "bandwidth_estimate_bits",
			Help:      "Last bandwidth estimate in bits per second",
		}, []string{"media_type"}),
		Starvation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "starvation",
			Help:      "Whether the network analyzer is in starvation mode",
		}, []string{"media_type"}),
		RepresentationSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "representation_switches_total",
			Help:      "Number of representation switches",
		}, []string{"media_type", "urgent"}),
		SegmentsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "segments_appended_total",
			Help:      "Number of segments appended to the media buffer",
		}, []string{"media_type"}),
		BytesDownloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_downloaded_total",
			Help:      "Total segment bytes downloaded",
		}, []string{"media_type"}),
		FetchRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_retries_total",
			Help:      "Number of retried segment fetches",
		}, []string{"media_type", "reason"}),
		Warnings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "warnings_total",
			Help:      "Number of non-fatal warnings",
		}, []string{"code"}),
		registry: reg,
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
