package metrics

import (
	"fmt"
	"net/http"

	eb "dutycycle-mesh/internal/eventBus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromCollector exposes scheduler, estimator and routing activity as
// Prometheus metrics.
type PromCollector struct {
	gatherer prometheus.Gatherer

	Events        *prometheus.CounterVec
	Transmissions *prometheus.CounterVec
	Strobes       prometheus.Histogram
	DeferredWait  prometheus.Histogram
	LinkMetric    prometheus.Histogram
}

// NewPromCollector registers the mesh metrics against reg.
func NewPromCollector(reg prometheus.Registerer) (*PromCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_events_total",
		Help: "Events published by the phase scheduler, link estimator and router, by type.",
	}, []string{"type"}), "mesh_events_total")
	if err != nil {
		return nil, err
	}

	tx, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdc_transmissions_total",
		Help: "Finished unicast data transmissions, by link-layer status.",
	}, []string{"status"}), "rdc_transmissions_total")
	if err != nil {
		return nil, err
	}

	strobes, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdc_strobes_per_transmission",
		Help:    "Number of strobes a transmission took before it was acked or abandoned.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	}), "rdc_strobes_per_transmission")
	if err != nil {
		return nil, err
	}

	wait, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "phase_deferred_wait_coarse_ticks",
		Help:    "Coarse clock ticks a deferred packet waited for the neighbor to wake.",
		Buckets: []float64{2, 4, 8, 16, 32, 64, 128},
	}), "phase_deferred_wait_coarse_ticks")
	if err != nil {
		return nil, err
	}

	link, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "neighbor_link_metric",
		Help:    "Smoothed link metric values announced by the estimator (ETX x16).",
		Buckets: []float64{16, 24, 32, 48, 64, 96, 128, 192, 240},
	}), "neighbor_link_metric")
	if err != nil {
		return nil, err
	}

	return &PromCollector{
		gatherer:      gatherer,
		Events:        events,
		Transmissions: tx,
		Strobes:       strobes,
		DeferredWait:  wait,
		LinkMetric:    link,
	}, nil
}

// Observe records one bus event.
func (c *PromCollector) Observe(ev eb.Event) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case eb.EventTxDone:
		c.Transmissions.WithLabelValues(ev.Payload).Inc()
		c.Strobes.Observe(float64(ev.Value))
	case eb.EventPhaseDeferred:
		c.DeferredWait.Observe(float64(ev.Value))
	case eb.EventLinkMetric:
		c.LinkMetric.Observe(float64(ev.Value))
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *PromCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
