package mpc

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/devskill-org/aer/forecast"
	"github.com/devskill-org/aer/lp"
	"github.com/devskill-org/aer/signal"
	"github.com/devskill-org/aer/thermal"
)

// SystemConfig holds the device and horizon configuration
type SystemConfig struct {
	Timestep       float64 // minutes per step
	MinTemp        float64
	MaxTemp        float64
	OnRate         float64 // degrees/minute while running
	OffRate        float64 // degrees/minute while idle
	LookaheadSteps int     // native forecast window
	HistoricalCap  int     // cap on the historical extension
	ExtensionRule  ExtensionRule
	SolverTimeout  time.Duration
}

// NewSystemConfig derives the controller configuration from a device spec.
func NewSystemConfig(spec thermal.Spec, timestep time.Duration, lookahead time.Duration) SystemConfig {
	return SystemConfig{
		Timestep:       timestep.Minutes(),
		MinTemp:        spec.MinTemp,
		MaxTemp:        spec.MaxTemp,
		OnRate:         spec.Rate(true),
		OffRate:        spec.Rate(false),
		LookaheadSteps: int(lookahead / timestep),
		ExtensionRule:  ExtensionMin,
	}
}

// TimeSlot is one step of the optimization window
type TimeSlot struct {
	Step       int
	Slot       forecast.SlotKey
	Value      float64 // driving value, true or forecast
	Emissions  float64 // emissions if the device runs for this step
	Historical bool    // value comes from the historical forecast
}

// Window is the lookahead window of one decision.
type Window struct {
	Start  int
	Slots  []TimeSlot
	Native int // number of slots carrying forecast data
}

// End returns the exclusive end step of the window.
func (w Window) End() int {
	return w.Start + len(w.Slots)
}

// Extended returns the number of slots filled from historical averages.
func (w Window) Extended() int {
	return len(w.Slots) - w.Native
}

// ControlDecision represents the optimal control for the first step of a window
type ControlDecision struct {
	Step                int
	On                  bool
	PlannedStatus       []bool
	PlannedTemperatures []float64
	ExpectedEmissions   float64 // emissions of the whole planned trajectory
	WindowSize          int
	Extended            int
	SolveTime           time.Duration
}

// Observer receives solver statistics.
type Observer interface {
	ObserveSolve(d time.Duration, windowSize int, err error)
}

// Controller implements receding-horizon control: every call builds and
// solves a fresh problem over the window starting at the given step and
// commits only to its first decision. It keeps no state between calls.
type Controller struct {
	Config   SystemConfig
	series   *signal.Series
	store    *forecast.Store
	solver   lp.Solver
	observer Observer
}

// NewController creates a controller over a series. A nil store disables the
// historical extension.
func NewController(config SystemConfig, series *signal.Series, store *forecast.Store, solver lp.Solver) *Controller {
	return &Controller{
		Config: config,
		series: series,
		store:  store,
		solver: solver,
	}
}

// SetObserver installs a solver statistics observer.
func (c *Controller) SetObserver(o Observer) {
	c.observer = o
}

// Window assembles the lookahead window for the given step.
func (c *Controller) Window(step int) Window {
	w := Window{Start: step}

	native := min(c.Config.LookaheadSteps, c.series.Len()-step)
	for i := 0; i < native; i++ {
		idx := step + i
		w.Slots = append(w.Slots, TimeSlot{
			Step:      idx,
			Slot:      c.series.Slot(idx),
			Value:     c.series.Value(idx),
			Emissions: c.series.Emissions(idx),
		})
	}
	w.Native = len(w.Slots)

	if c.store != nil && native > 0 {
		w.Slots = append(w.Slots, c.extension(step, step+native)...)
	}

	// A single-step window leaves status_0 unconstrained; hold the last
	// known value for one more step so the next temperature stays bounded.
	if len(w.Slots) == 1 {
		last := w.Slots[0]
		next := last.Step + 1
		w.Slots = append(w.Slots, TimeSlot{
			Step:      next,
			Slot:      c.series.SlotAt(next),
			Value:     last.Value,
			Emissions: last.Emissions,
		})
	}

	return w
}

// extension fills slots from the historical forecast. Its length is the
// extension rule applied to the observation count of the current slot.
func (c *Controller) extension(step, from int) []TimeSlot {
	entry, _ := c.store.Lookup(c.series.Slot(step))
	n := c.Config.ExtensionRule.Apply(entry.Count, c.Config.HistoricalCap)

	var slots []TimeSlot
	for j := 0; j < n; j++ {
		idx := from + j
		slot := c.series.SlotAt(idx)

		value, ok := c.store.Projected(idx)
		if !ok {
			e, seen := c.store.Lookup(slot)
			if !seen {
				break
			}
			value = e.Average
		}
		slots = append(slots, TimeSlot{
			Step:       idx,
			Slot:       slot,
			Value:      value,
			Emissions:  c.series.EmissionsFor(value),
			Historical: true,
		})
	}
	return slots
}

// Decide solves the window starting at step from the given device state.
// Any solver failure is returned as a *DecisionError.
func (c *Controller) Decide(ctx context.Context, step int, state thermal.State) (*ControlDecision, error) {
	window := c.Window(step)
	if len(window.Slots) == 0 {
		return nil, &DecisionError{Step: step, WindowStart: step, WindowEnd: step, Err: ErrEmptyWindow}
	}

	problem := BuildProblem(window, state.Temperature, c.Config)

	if c.Config.SolverTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Config.SolverTimeout)
		defer cancel()
	}

	start := time.Now()
	assignment, err := c.solver.Solve(ctx, problem)
	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveSolve(elapsed, len(window.Slots), err)
	}
	if err != nil {
		return nil, &DecisionError{Step: step, WindowStart: window.Start, WindowEnd: window.End(), Err: err}
	}

	status0, ok := assignment[StatusVar(0)]
	if !ok {
		return nil, &DecisionError{Step: step, WindowStart: window.Start, WindowEnd: window.End(), Err: ErrMissingDecision}
	}

	decision := &ControlDecision{
		Step:                step,
		On:                  math.Round(status0) == 1,
		PlannedStatus:       make([]bool, len(window.Slots)),
		PlannedTemperatures: make([]float64, len(window.Slots)),
		WindowSize:          len(window.Slots),
		Extended:            window.Extended(),
		SolveTime:           elapsed,
	}
	for i, slot := range window.Slots {
		on := math.Round(assignment[StatusVar(i)]) == 1
		decision.PlannedStatus[i] = on
		decision.PlannedTemperatures[i] = assignment[TempVar(i)]
		if on {
			decision.ExpectedEmissions += slot.Emissions
		}
	}

	return decision, nil
}

// String returns a short description of the decision
func (d *ControlDecision) String() string {
	state := "off"
	if d.On {
		state = "on"
	}
	return fmt.Sprintf("step %d: %s (window %d, extended %d, planned %.8f lbs, solved in %s)",
		d.Step, state, d.WindowSize, d.Extended, d.ExpectedEmissions, d.SolveTime)
}
