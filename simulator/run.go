package simulator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/devskill-org/aer/forecast"
	"github.com/devskill-org/aer/lp"
	"github.com/devskill-org/aer/mpc"
	"github.com/devskill-org/aer/report"
	"github.com/devskill-org/aer/signal"
	"github.com/devskill-org/aer/thermal"
)

// Run is the state owned by one simulation run. It is built fresh for every
// run and never shared, so two runs can only interact through their sinks.
type Run struct {
	Policy Policy

	series     *signal.Series
	device     *thermal.Device
	store      *forecast.Store
	controller *mpc.Controller
	observer   *solveObserver
	steps      int
	timestep   float64 // minutes

	sink     report.Sink
	metrics  *Metrics
	logger   *log.Logger
	verbose  bool
	progress func(step int)
	tally    tally
}

// RunOptions carries the collaborators of a run.
type RunOptions struct {
	Solver   lp.Solver
	Sink     report.Sink
	Metrics  *Metrics
	Logger   *log.Logger
	Progress func(step int) // called after every completed step
}

// NewRun prepares a run over the series. Warm-up points seed the historical
// forecast before the first step.
func NewRun(config *Config, policy Policy, series *signal.Series, warmup []signal.Point, opts RunOptions) *Run {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	steps := series.Len()
	if config.NumTimesteps > 0 {
		steps = min(steps, int(config.NumTimesteps))
	}

	r := &Run{
		Policy:   policy,
		series:   series,
		device:   thermal.NewDevice(config.DeviceSpec()),
		store:    forecast.NewStore(series.NextOccurrence()),
		steps:    steps,
		timestep: config.Timestep.Minutes(),
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		logger:   logger,
		verbose:  config.Verbose(),
		progress: opts.Progress,
		observer: &solveObserver{metrics: opts.Metrics, policy: string(policy)},
	}

	granularity := config.SlotGranularity
	for _, p := range warmup {
		r.store.Seed(granularity.Key(p.Timestamp), p.Value)
	}

	if policy.UsesOptimizer() {
		solver := opts.Solver
		if solver == nil {
			solver = lp.NewBranchAndBound()
		}
		var store *forecast.Store
		if policy.UsesHistory() {
			store = r.store
		}
		r.controller = mpc.NewController(config.SystemConfig(), series, store, solver)
		r.controller.SetObserver(r.observer)
	}

	return r
}

// Steps returns the number of timesteps the run will simulate.
func (r *Run) Steps() int {
	return r.steps
}

// Execute simulates every step and returns the run summary. A decision error
// aborts the run; records already written stay with the sink.
func (r *Run) Execute(ctx context.Context) (report.Summary, error) {
	started := time.Now()
	spec := r.device.Spec()

	for step := 0; step < r.steps; step++ {
		if err := ctx.Err(); err != nil {
			return report.Summary{}, err
		}

		on, err := r.decide(ctx, step)
		if err != nil {
			return report.Summary{}, err
		}
		r.device.SetOn(on)

		record := r.record(step)
		r.tally.add(record)
		if r.sink != nil {
			if err := r.sink.WriteRecord(ctx, record); err != nil {
				return report.Summary{}, fmt.Errorf("failed to write record %d: %w", step, err)
			}
		}
		r.metrics.observeStep(r.Policy, record.Emissions)

		r.device.Advance(float64(step+1) * r.timestep)
		r.store.Observe(step, r.series.Slot(step), r.series.Value(step))

		if r.progress != nil {
			r.progress(step)
		}
	}

	summary := r.tally.summarize(r.Policy, spec.MinTemp, spec.MaxTemp, r.device.Temperature())
	summary.StartedAt = started
	summary.SolverCalls = r.observer.calls
	summary.Duration = time.Since(started)

	if r.sink != nil {
		if err := r.sink.WriteSummary(ctx, summary); err != nil {
			return summary, fmt.Errorf("failed to write summary: %w", err)
		}
	}
	return summary, nil
}

func (r *Run) decide(ctx context.Context, step int) (bool, error) {
	if r.controller == nil {
		on := thermostatDecision(r.device, float64(step+1)*r.timestep)
		if r.verbose {
			r.logger.Printf("[%s] step %d: temp %.2f -> %t", r.Policy, step, r.device.Temperature(), on)
		}
		return on, nil
	}

	decision, err := r.controller.Decide(ctx, step, r.device.State())
	if err != nil {
		return false, err
	}
	if r.verbose {
		r.logger.Printf("[%s] %s", r.Policy, decision)
	}
	return decision.On, nil
}

// record captures the state before the device advances, together with the
// historical average known before this step is observed.
func (r *Run) record(step int) report.Record {
	point := r.series.At(step)
	rec := report.Record{
		Policy:         string(r.Policy),
		Step:           step,
		ElapsedMinutes: r.device.Time(),
		Timestamp:      point.Timestamp,
		Temperature:    r.device.Temperature(),
		On:             r.device.On(),
		Value:          point.Value,
	}
	if rec.On {
		rec.Emissions = r.series.Emissions(step)
	}
	if entry, ok := r.store.Lookup(r.series.Slot(step)); ok {
		rec.HistoricalAverage = entry.Average
		rec.HistoricalKnown = true
	}
	return rec
}
