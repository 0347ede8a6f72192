package observability

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FLCollector bundles the coordinator's Prometheus metrics. A nil collector
// is valid and records nothing.
type FLCollector struct {
	gatherer prometheus.Gatherer

	UpdatesReceived     *prometheus.CounterVec
	FilterVerdicts      *prometheus.CounterVec
	RoundsCompleted     *prometheus.CounterVec
	AggregationFailures prometheus.Counter
	QuorumStalls        prometheus.Counter
	CurrentRound        prometheus.Gauge
	WindowAdmitted      prometheus.Gauge
	GlobalAccuracy      prometheus.Gauge
	RoundDuration       prometheus.Histogram
}

// NewFLCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when reg is nil.
func NewFLCollector(reg prometheus.Registerer) (*FLCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &FLCollector{gatherer: gatherer}
	var err error

	if c.UpdatesReceived, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fl_updates_received_total",
		Help: "Client updates offered to the coordinator, labeled by gate outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if c.FilterVerdicts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fl_filter_verdicts_total",
		Help: "Robustness filter decisions, labeled by detector and verdict.",
	}, []string{"detector", "verdict"})); err != nil {
		return nil, err
	}
	if c.RoundsCompleted, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fl_rounds_completed_total",
		Help: "Completed aggregation windows, labeled by quorum or deadline path.",
	}, []string{"path"})); err != nil {
		return nil, err
	}
	if c.AggregationFailures, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fl_aggregation_failures_total",
		Help: "Windows that could not be combined into a model and were retried.",
	})); err != nil {
		return nil, err
	}
	if c.QuorumStalls, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fl_quorum_stalls_total",
		Help: "Windows that missed quorum because screening rejected too many candidates.",
	})); err != nil {
		return nil, err
	}
	if c.CurrentRound, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fl_current_round",
		Help: "Round of the current global model.",
	})); err != nil {
		return nil, err
	}
	if c.WindowAdmitted, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fl_window_admitted",
		Help: "Updates admitted into the open aggregation window.",
	})); err != nil {
		return nil, err
	}
	if c.GlobalAccuracy, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fl_global_accuracy",
		Help: "Accuracy estimate of the latest global model.",
	})); err != nil {
		return nil, err
	}
	if c.RoundDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fl_round_duration_seconds",
		Help:    "Wall time between a window opening and its aggregation.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})); err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *FLCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *FLCollector) ObserveUpdate(outcome string) {
	if c == nil {
		return
	}
	c.UpdatesReceived.WithLabelValues(outcome).Inc()
}

func (c *FLCollector) ObserveScreening(detector string, accepted, rejected int) {
	if c == nil {
		return
	}
	c.FilterVerdicts.WithLabelValues(detector, "accepted").Add(float64(accepted))
	c.FilterVerdicts.WithLabelValues(detector, "rejected").Add(float64(rejected))
}

func (c *FLCollector) ObserveRound(round int, accuracy float64, escape bool, duration time.Duration) {
	if c == nil {
		return
	}
	path := "quorum"
	if escape {
		path = "deadline"
	}
	c.RoundsCompleted.WithLabelValues(path).Inc()
	c.CurrentRound.Set(float64(round))
	c.GlobalAccuracy.Set(accuracy)
	c.RoundDuration.Observe(duration.Seconds())
}

func (c *FLCollector) IncAggregationFailure() {
	if c == nil {
		return
	}
	c.AggregationFailures.Inc()
}

func (c *FLCollector) IncQuorumStall() {
	if c == nil {
		return
	}
	c.QuorumStalls.Inc()
}

func (c *FLCollector) SetWindowAdmitted(n int) {
	if c == nil {
		return
	}
	c.WindowAdmitted.Set(float64(n))
}

// register returns the already registered collector of the same type when
// one exists, so several coordinators can share a registry.
func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return collector, nil
}
