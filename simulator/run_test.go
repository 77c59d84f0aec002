package simulator

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devskill-org/aer/forecast"
	"github.com/devskill-org/aer/lp"
	"github.com/devskill-org/aer/mpc"
	"github.com/devskill-org/aer/report"
	"github.com/devskill-org/aer/signal"
	"github.com/devskill-org/aer/thermal"
)

var start = time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)

func makePoints(n int, value func(i int) float64) []signal.Point {
	points := make([]signal.Point, n)
	for i := range points {
		points[i] = signal.Point{Timestamp: start.Add(time.Duration(i) * 5 * time.Minute), Value: value(i)}
	}
	return points
}

func constant(v float64) func(int) float64 {
	return func(int) float64 { return v }
}

func testConfig() *Config {
	c := DefaultConfig()
	c.NumTimesteps = 0
	c.WarmupTimesteps = 0
	c.Lookahead = 30 * time.Minute
	c.HistoricalExtensionCap = 4
	c.SlotGranularity = forecast.Hour
	return c
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[TEST] ", log.LstdFlags)
}

// memorySink collects records per policy.
type memorySink struct {
	mu        sync.Mutex
	records   map[string][]report.Record
	summaries map[string]report.Summary
}

func newMemorySink() *memorySink {
	return &memorySink{
		records:   make(map[string][]report.Record),
		summaries: make(map[string]report.Summary),
	}
}

func (m *memorySink) WriteRecord(ctx context.Context, r report.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.Policy] = append(m.records[r.Policy], r)
	return nil
}

func (m *memorySink) WriteSummary(ctx context.Context, s report.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.Policy] = s
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) get(p Policy) []report.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]report.Record(nil), m.records[string(p)]...)
}

func execute(t *testing.T, config *Config, policy Policy, points []signal.Point) ([]report.Record, report.Summary) {
	t.Helper()
	warmup, sim := signal.Split(points, config.WarmupTimesteps)
	series, err := signal.NewSeries(sim, config.Derivation())
	require.NoError(t, err)

	sink := newMemorySink()
	run := NewRun(config, policy, series, warmup, RunOptions{Sink: sink, Logger: testLogger()})
	summary, err := run.Execute(context.Background())
	require.NoError(t, err)
	return sink.get(policy), summary
}

func TestHeuristicSawtooth(t *testing.T) {
	config := testConfig()
	config.WarmingRate = 0.5
	config.CoolingRate = -1

	wantTemps := []float64{33, 35.5, 38, 40.5, 35.5, 38, 40.5, 35.5, 38, 40.5}
	wantOn := []bool{false, false, false, true, false, false, true, false, false, true}

	// Driving values do not influence the thermostat
	for _, values := range []func(int) float64{constant(10), func(i int) float64 { return float64(1000 - 37*i) }} {
		records, summary := execute(t, config, NoForecast, makePoints(10, values))
		require.Len(t, records, 10)

		for i, r := range records {
			assert.Equal(t, wantTemps[i], r.Temperature, "step %d temperature", i)
			assert.Equal(t, wantOn[i], r.On, "step %d state", i)
			assert.Equal(t, float64(i*5), r.ElapsedMinutes, "step %d time", i)
		}
		assert.Equal(t, 3, summary.OnSteps)
		assert.Equal(t, 0, summary.SolverCalls)
		assert.Equal(t, 0, summary.Violations)
	}
}

func TestHeuristicHeaterSwitchesOff(t *testing.T) {
	spec := thermal.DefaultSpec()
	spec.Type = thermal.Heater
	spec.InitialTemp = 42.9
	d := thermal.NewDevice(spec)
	d.SetOn(true) // heating at 5/60 per minute

	assert.False(t, thermostatDecision(d, 5), "heater should stop before overshooting max")

	spec.InitialTemp = 33.2
	d = thermal.NewDevice(spec)
	assert.True(t, thermostatDecision(d, 5), "idle heater drifting below min should start")
}

func TestConstantScenario(t *testing.T) {
	config := testConfig()
	config.Lookahead = 60 * time.Minute
	config.SlotGranularity = forecast.Minute
	points := makePoints(20, constant(10.0))

	records, _ := execute(t, config, NoForecast, points)
	require.Len(t, records, 20)
	for k, r := range records {
		assert.False(t, r.On, "step %d", k)
		assert.InDelta(t, 33+float64(k)*25/60, r.Temperature, 1e-9, "step %d", k)
		assert.Zero(t, r.Emissions)
		assert.Equal(t, 10.0, r.Value)
	}

	// With a 12-step window nothing forces the device on before step 13
	records, _ = execute(t, config, ForecastOnly, points[:12])
	for k, r := range records {
		assert.False(t, r.On, "step %d", k)
		assert.InDelta(t, 33+float64(k)*25/60, r.Temperature, 1e-9, "step %d", k)
	}
}

func TestOptimizerPoliciesStayWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 3; trial++ {
		config := testConfig()
		config.InitialTemp = 33 + rng.Float64()*10
		values := make([]float64, 48)
		for i := range values {
			values[i] = 200 + rng.Float64()*1400
		}
		points := makePoints(len(values), func(i int) float64 { return values[i] })

		for _, policy := range []Policy{ForecastOnly, ForecastAndHistorical} {
			records, summary := execute(t, config, policy, points)
			require.Len(t, records, len(values))
			for _, r := range records {
				assert.GreaterOrEqual(t, r.Temperature, config.MinTemp-1e-6, "%s step %d", policy, r.Step)
				assert.LessOrEqual(t, r.Temperature, config.MaxTemp+1e-6, "%s step %d", policy, r.Step)
			}
			assert.Zero(t, summary.Violations, "%s trial %d", policy, trial)
			assert.Equal(t, len(values), summary.SolverCalls)
		}
	}
}

func TestOptimizerRunsFewerStepsThanThermostat(t *testing.T) {
	config := testConfig()
	points := makePoints(72, func(i int) float64 {
		return 800 + 600*math.Sin(float64(i)/6)
	})

	_, thermostat := execute(t, config, NoForecast, points)
	optimisedRecords, optimised := execute(t, config, ForecastOnly, points)

	// The thermostat cools down to min_temp every cycle; the optimiser only
	// runs as much as the bounds require within its window.
	assert.Less(t, optimised.OnSteps, thermostat.OnSteps)
	assert.Zero(t, optimised.Violations)
	assert.Equal(t, len(points), optimised.SolverCalls)

	// Every planned step is the cheapest feasible choice for its own window.
	controller := mpc.NewController(config.SystemConfig(), mustSeries(t, config, points), nil, lp.NewBranchAndBound())
	for _, r := range optimisedRecords {
		decision, err := controller.Decide(context.Background(), r.Step, thermal.State{Temperature: r.Temperature, Time: r.ElapsedMinutes})
		require.NoError(t, err)
		best := cheapestPlan(controller.Window(r.Step), r.Temperature, config.SystemConfig())
		assert.InDelta(t, best, decision.ExpectedEmissions, 1e-9, "step %d", r.Step)
		assert.Equal(t, r.On, decision.On, "step %d", r.Step)
	}
}

func mustSeries(t *testing.T, config *Config, points []signal.Point) *signal.Series {
	t.Helper()
	series, err := signal.NewSeries(points, config.Derivation())
	require.NoError(t, err)
	return series
}

// cheapestPlan enumerates every on/off sequence of the window and returns the
// lowest emissions among those keeping the device within bounds.
func cheapestPlan(w mpc.Window, current float64, cfg mpc.SystemConfig) float64 {
	n := len(w.Slots)
	best := math.Inf(1)
	for mask := 0; mask < 1<<n; mask++ {
		temp, cost, ok := current, 0.0, true
		for i := 0; i < n; i++ {
			on := mask&(1<<i) != 0
			if on {
				cost += w.Slots[i].Emissions
			}
			if i == n-1 {
				break
			}
			if on {
				temp += cfg.OnRate * cfg.Timestep
			} else {
				temp += cfg.OffRate * cfg.Timestep
			}
			if temp < cfg.MinTemp-1e-9 || temp > cfg.MaxTemp+1e-9 {
				ok = false
				break
			}
		}
		if ok && cost < best {
			best = cost
		}
	}
	return best
}

func TestRunIsIdempotent(t *testing.T) {
	config := testConfig()
	points := makePoints(60, func(i int) float64 { return float64(500 + (i*37)%700) })

	write := func(dir string) []byte {
		sink, err := report.NewCSVSink(dir)
		require.NoError(t, err)
		warmup, sim := signal.Split(points, config.WarmupTimesteps)
		series, err := signal.NewSeries(sim, config.Derivation())
		require.NoError(t, err)

		run := NewRun(config, ForecastAndHistorical, series, warmup, RunOptions{Sink: sink, Logger: testLogger()})
		_, err = run.Execute(context.Background())
		require.NoError(t, err)
		require.NoError(t, sink.Close())

		data, err := os.ReadFile(filepath.Join(dir, string(ForecastAndHistorical)+".csv"))
		require.NoError(t, err)
		return data
	}

	first := write(t.TempDir())
	second := write(t.TempDir())
	assert.Equal(t, string(first), string(second))
}

func TestRunTerminatesAtShorterOfLimitAndSeries(t *testing.T) {
	points := makePoints(10, constant(500))

	config := testConfig()
	config.NumTimesteps = 5
	records, summary := execute(t, config, NoForecast, points)
	assert.Len(t, records, 5)
	assert.Equal(t, 5, summary.Steps)

	config.NumTimesteps = 50
	records, _ = execute(t, config, NoForecast, points)
	assert.Len(t, records, 10)
}

func TestWarmupSeedsHistoricalAverage(t *testing.T) {
	config := testConfig()
	config.SlotGranularity = forecast.Minute
	config.WarmupTimesteps = 288
	points := makePoints(300, func(i int) float64 { return float64(100 + i) })

	records, _ := execute(t, config, NoForecast, points)
	require.Len(t, records, 12)

	for k, r := range records {
		require.True(t, r.HistoricalKnown, "step %d", k)
		// one warm-up day: the average is the warm-up value of the same slot
		assert.InDelta(t, float64(100+k), r.HistoricalAverage, 1e-9, "step %d", k)
		assert.Equal(t, start.Add(24*time.Hour+time.Duration(k)*5*time.Minute), r.Timestamp)
	}
}

func TestHistoricalAverageKnownBeforeObservation(t *testing.T) {
	config := testConfig() // hour slots, 12 steps per slot
	points := makePoints(3, func(i int) float64 { return float64(10 * (i + 1)) })

	records, _ := execute(t, config, NoForecast, points)
	require.Len(t, records, 3)

	assert.False(t, records[0].HistoricalKnown)
	assert.True(t, records[1].HistoricalKnown)
	assert.InDelta(t, 10, records[1].HistoricalAverage, 1e-9)
	assert.InDelta(t, 15, records[2].HistoricalAverage, 1e-9)
}

type failingSolver struct{}

func (failingSolver) Solve(ctx context.Context, p *lp.Problem) (lp.Assignment, error) {
	return nil, lp.ErrInfeasible
}

func TestRunnerAbortsOnDecisionError(t *testing.T) {
	config := testConfig()
	config.Policy = "all"
	sink := newMemorySink()
	runner := NewRunner(config, sink, testLogger())
	runner.SetSolver(failingSolver{})

	summaries, err := runner.Run(context.Background(), makePoints(10, constant(500)), AllPolicies())
	require.Error(t, err)

	var de *mpc.DecisionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 0, de.Step)
	assert.True(t, errors.Is(err, lp.ErrInfeasible))

	require.Len(t, summaries, 1)
	assert.Equal(t, string(NoForecast), summaries[0].Policy)

	status := runner.GetStatus()
	require.Len(t, status.Runs, 3)
	assert.Equal(t, StateFinished, status.Runs[0].State)
	assert.Equal(t, StateFailed, status.Runs[1].State)
	assert.Equal(t, StateFailed, status.Runs[2].State)
	assert.Empty(t, sink.get(ForecastOnly))
}

func TestRunnerParallelMatchesSequential(t *testing.T) {
	points := makePoints(40, func(i int) float64 { return float64(300 + (i*53)%900) })

	collect := func(parallel bool) *memorySink {
		config := testConfig()
		config.Parallel = parallel
		sink := newMemorySink()
		runner := NewRunner(config, sink, testLogger())
		summaries, err := runner.Run(context.Background(), points, AllPolicies())
		require.NoError(t, err)
		require.Len(t, summaries, 3)
		return sink
	}

	sequential := collect(false)
	parallel := collect(true)
	for _, p := range AllPolicies() {
		assert.Equal(t, sequential.get(p), parallel.get(p), "policy %s", p)
	}
}

func TestRunnerRunsDoNotShareState(t *testing.T) {
	config := testConfig()
	points := makePoints(30, func(i int) float64 { return float64(400 + (i*71)%800) })

	sink := newMemorySink()
	runner := NewRunner(config, sink, testLogger())

	first, err := runner.Run(context.Background(), points, []Policy{ForecastAndHistorical})
	require.NoError(t, err)
	firstRecords := sink.get(ForecastAndHistorical)

	sink = newMemorySink()
	runner = NewRunner(config, sink, testLogger())
	second, err := runner.Run(context.Background(), points, []Policy{ForecastAndHistorical})
	require.NoError(t, err)

	assert.Equal(t, firstRecords, sink.get(ForecastAndHistorical))
	assert.Equal(t, first[0].TotalEmissions, second[0].TotalEmissions)
}

func TestRunnerRejectsEmptySimulation(t *testing.T) {
	config := testConfig()
	config.WarmupTimesteps = 288
	runner := NewRunner(config, newMemorySink(), testLogger())

	_, err := runner.Run(context.Background(), makePoints(100, constant(1)), AllPolicies())
	assert.Error(t, err)
}

func TestRunnerMetrics(t *testing.T) {
	config := testConfig()
	metrics := NewMetrics()
	runner := NewRunner(config, newMemorySink(), testLogger())
	runner.SetMetrics(metrics)

	_, err := runner.Run(context.Background(), makePoints(12, constant(500)), []Policy{NoForecast, ForecastOnly})
	require.NoError(t, err)

	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.timesteps.WithLabelValues(string(NoForecast))))
	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.solverCalls.WithLabelValues(string(ForecastOnly), "optimal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runsTotal.WithLabelValues(string(ForecastOnly), "ok")))
}

func TestTallySummarize(t *testing.T) {
	var tl tally
	for i, temp := range []float64{33, 35, 37} {
		tl.add(report.Record{Temperature: temp, On: i == 1, Emissions: float64(i) * 0.5})
	}

	s := tl.summarize(ForecastOnly, 33, 38, 39)
	assert.Equal(t, 3, s.Steps)
	assert.Equal(t, 1, s.OnSteps)
	assert.InDelta(t, 1.5, s.TotalEmissions, 1e-12)
	assert.InDelta(t, 1.0/3, s.DutyCycle, 1e-12)
	assert.Equal(t, 33.0, s.MinTemp)
	assert.Equal(t, 39.0, s.MaxTemp)
	assert.InDelta(t, 36, s.MeanTemp, 1e-12)
	assert.InDelta(t, math.Sqrt(20.0/3), s.StdDevTemp, 1e-12)
	assert.Equal(t, 1, s.Violations)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0 min 1.50 sec", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2 min 3.00 sec", FormatDuration(123*time.Second))
}
