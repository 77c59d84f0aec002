package simulator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/devskill-org/aer/lp"
	"github.com/devskill-org/aer/report"
	"github.com/devskill-org/aer/signal"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StatePending  RunState = "pending"
	StateRunning  RunState = "running"
	StateFinished RunState = "finished"
	StateFailed   RunState = "failed"
)

// RunStatus is a snapshot of one run for the dashboard.
type RunStatus struct {
	Policy  Policy          `json:"policy"`
	State   RunState        `json:"state"`
	Step    int             `json:"step"`
	Steps   int             `json:"steps"`
	Error   string          `json:"error,omitempty"`
	Summary *report.Summary `json:"summary,omitempty"`
}

// RunnerStatus represents the current state of the runner
type RunnerStatus struct {
	IsRunning   bool        `json:"is_running"`
	SeriesSteps int         `json:"series_steps"`
	WarmupSteps int         `json:"warmup_steps"`
	Runs        []RunStatus `json:"runs"`
}

// Runner executes simulation runs for a set of policies over one series
type Runner struct {
	// Configuration
	config *Config

	// Collaborators
	sink    report.Sink
	solver  lp.Solver
	metrics *Metrics

	// State
	isRunning   bool
	seriesSteps int
	warmupSteps int
	runs        []*RunStatus
	mu          sync.RWMutex

	// Logging
	logger *log.Logger
}

// NewRunner creates a new runner instance
func NewRunner(config *Config, sink report.Sink, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}

	return &Runner{
		config: config,
		sink:   sink,
		logger: logger,
	}
}

// SetSolver replaces the solver used by optimiser runs
func (r *Runner) SetSolver(solver lp.Solver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solver = solver
}

// SetMetrics installs Prometheus collectors
func (r *Runner) SetMetrics(metrics *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = metrics
}

// GetConfig returns the current configuration
func (r *Runner) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// GetStatus returns a snapshot of the runner and its runs
func (r *Runner) GetStatus() RunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := RunnerStatus{
		IsRunning:   r.isRunning,
		SeriesSteps: r.seriesSteps,
		WarmupSteps: r.warmupSteps,
		Runs:        make([]RunStatus, len(r.runs)),
	}
	for i, run := range r.runs {
		status.Runs[i] = *run
	}
	return status
}

// Run splits off the warm-up rows, derives the series once and executes the
// policies, in parallel when configured. Summaries are returned in policy
// order; failed runs are missing from the result and reported in the error.
func (r *Runner) Run(ctx context.Context, points []signal.Point, policies []Policy) ([]report.Summary, error) {
	config := r.GetConfig()

	warmup, sim := signal.Split(points, config.WarmupTimesteps)
	if len(sim) == 0 {
		return nil, fmt.Errorf("no rows left to simulate after %d warm-up rows (series has %d)", config.WarmupTimesteps, len(points))
	}

	series, err := signal.NewSeries(sim, config.Derivation())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare series: %w", err)
	}

	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner is already running")
	}
	r.isRunning = true
	r.seriesSteps = series.Len()
	r.warmupSteps = len(warmup)
	r.runs = make([]*RunStatus, len(policies))
	for i, p := range policies {
		r.runs[i] = &RunStatus{Policy: p, State: StatePending}
	}
	solver := r.solver
	metrics := r.metrics
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
	}()

	r.logger.Printf("Simulating %d policies over %d timesteps (%d warm-up rows)", len(policies), series.Len(), len(warmup))

	summaries := make([]*report.Summary, len(policies))
	errs := make([]error, len(policies))

	execute := func(i int) {
		policy := policies[i]
		run := NewRun(config, policy, series, warmup, RunOptions{
			Solver:   solver,
			Sink:     r.sink,
			Metrics:  metrics,
			Logger:   r.logger,
			Progress: func(step int) { r.setProgress(i, step+1) },
		})
		r.setState(i, StateRunning, run.Steps(), nil, nil)

		started := time.Now()
		summary, err := run.Execute(ctx)
		elapsed := time.Since(started)
		metrics.observeRun(policy, elapsed, err)

		if err != nil {
			errs[i] = fmt.Errorf("run %s: %w", policy, err)
			r.setState(i, StateFailed, run.Steps(), nil, err)
			r.logger.Printf("Simulation '%s' failed after %s: %v", policy, FormatDuration(elapsed), err)
			return
		}
		summaries[i] = &summary
		r.setState(i, StateFinished, run.Steps(), &summary, nil)
		r.logger.Printf("Simulation '%s' duration: %s", policy, FormatDuration(elapsed))
	}

	if config.Parallel {
		var wg sync.WaitGroup
		for i := range policies {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				execute(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range policies {
			execute(i)
			if errs[i] != nil && ctx.Err() != nil {
				break
			}
		}
	}

	var out []report.Summary
	for _, s := range summaries {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, errors.Join(errs...)
}

func (r *Runner) setProgress(i, step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[i].Step = step
}

func (r *Runner) setState(i int, state RunState, steps int, summary *report.Summary, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.runs[i]
	run.State = state
	run.Steps = steps
	run.Summary = summary
	if err != nil {
		run.Error = err.Error()
	}
}
