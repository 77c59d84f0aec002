package simulator

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devskill-org/aer/lp"
	"github.com/devskill-org/aer/mpc"
)

// Metrics groups the Prometheus collectors of the simulator. Every method is
// safe on a nil receiver so runs can execute without instrumentation.
type Metrics struct {
	registry      *prometheus.Registry
	solverCalls   *prometheus.CounterVec
	solveDuration *prometheus.HistogramVec
	windowSize    *prometheus.HistogramVec
	timesteps     *prometheus.CounterVec
	emissions     *prometheus.CounterVec
	runDuration   *prometheus.GaugeVec
	runsTotal     *prometheus.CounterVec
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		solverCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aer_solver_calls_total",
			Help: "Total horizon solves by policy and result.",
		}, []string{"policy", "result"}),
		solveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aer_solve_duration_seconds",
			Help:    "Histogram of horizon solve durations by policy.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"policy"}),
		windowSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aer_window_steps",
			Help:    "Histogram of optimisation window lengths by policy.",
			Buckets: prometheus.LinearBuckets(2, 4, 10),
		}, []string{"policy"}),
		timesteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aer_timesteps_total",
			Help: "Total simulated timesteps by policy.",
		}, []string{"policy"}),
		emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aer_emissions_lbs_total",
			Help: "Total simulated emissions in lbs CO2 by policy.",
		}, []string{"policy"}),
		runDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aer_run_duration_seconds",
			Help: "Wall time of the last run by policy.",
		}, []string{"policy"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aer_runs_total",
			Help: "Total finished runs by policy and result.",
		}, []string{"policy", "result"}),
	}

	m.registry.MustRegister(
		m.solverCalls,
		m.solveDuration,
		m.windowSize,
		m.timesteps,
		m.emissions,
		m.runDuration,
		m.runsTotal,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeStep(policy Policy, emissions float64) {
	if m == nil {
		return
	}
	m.timesteps.WithLabelValues(string(policy)).Inc()
	if emissions > 0 {
		m.emissions.WithLabelValues(string(policy)).Add(emissions)
	}
}

func (m *Metrics) observeRun(policy Policy, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runsTotal.WithLabelValues(string(policy), result).Inc()
	m.runDuration.WithLabelValues(string(policy)).Set(d.Seconds())
}

// solveObserver adapts the metrics to the optimiser's observer hook.
type solveObserver struct {
	metrics *Metrics
	policy  string
	calls   int
}

var _ mpc.Observer = (*solveObserver)(nil)

func (o *solveObserver) ObserveSolve(d time.Duration, windowSize int, err error) {
	o.calls++
	if o.metrics == nil {
		return
	}

	result := "optimal"
	switch {
	case errors.Is(err, lp.ErrInfeasible):
		result = "infeasible"
	case err != nil:
		result = "error"
	}
	o.metrics.solverCalls.WithLabelValues(o.policy, result).Inc()
	o.metrics.solveDuration.WithLabelValues(o.policy).Observe(d.Seconds())
	o.metrics.windowSize.WithLabelValues(o.policy).Observe(float64(windowSize))
}
