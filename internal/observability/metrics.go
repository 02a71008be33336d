package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles the Prometheus metrics exported by a batch run.
// A nil *SimCollector is valid and records nothing.
type SimCollector struct {
	gatherer prometheus.Gatherer

	ScenariosTotal    *prometheus.CounterVec
	DropsTotal        prometheus.Counter
	OracleDuration    prometheus.Histogram
	ScenarioDuration  prometheus.Histogram
	ScenariosInFlight prometheus.Gauge
}

// NewSimCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	scenarios, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kspload_scenarios_total",
		Help: "Finished scenarios, labeled by terminal status (OK, OVERFLOW, LACKING_PATHS, FAULT).",
	}, []string{"status"}), "kspload_scenarios_total")
	if err != nil {
		return nil, err
	}

	drops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kspload_drops_total",
		Help: "Drops absorbed into the network across all scenarios.",
	}), "kspload_drops_total")
	if err != nil {
		return nil, err
	}

	oracle, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kspload_oracle_call_duration_seconds",
		Help:    "Latency of k-shortest-path oracle calls.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}), "kspload_oracle_call_duration_seconds")
	if err != nil {
		return nil, err
	}

	scenarioDur, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kspload_scenario_duration_seconds",
		Help:    "Wall time of one scenario from first drop to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}), "kspload_scenario_duration_seconds")
	if err != nil {
		return nil, err
	}

	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kspload_scenarios_in_flight",
		Help: "Scenarios currently being simulated by the worker pool.",
	}), "kspload_scenarios_in_flight")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:          gatherer,
		ScenariosTotal:    scenarios,
		DropsTotal:        drops,
		OracleDuration:    oracle,
		ScenarioDuration:  scenarioDur,
		ScenariosInFlight: inFlight,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ScenarioStarted marks one more scenario in flight.
func (c *SimCollector) ScenarioStarted() {
	if c == nil || c.ScenariosInFlight == nil {
		return
	}
	c.ScenariosInFlight.Inc()
}

// ScenarioFinished records the terminal status and wall time of a scenario.
func (c *SimCollector) ScenarioFinished(status string, d time.Duration) {
	if c == nil {
		return
	}
	if c.ScenariosInFlight != nil {
		c.ScenariosInFlight.Dec()
	}
	if c.ScenariosTotal != nil {
		c.ScenariosTotal.WithLabelValues(status).Inc()
	}
	if c.ScenarioDuration != nil {
		c.ScenarioDuration.Observe(d.Seconds())
	}
}

func (c *SimCollector) IncDrops() {
	if c == nil || c.DropsTotal == nil {
		return
	}
	c.DropsTotal.Inc()
}

func (c *SimCollector) ObserveOracleCall(d time.Duration) {
	if c == nil || c.OracleDuration == nil {
		return
	}
	c.OracleDuration.Observe(d.Seconds())
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

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
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

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
