package mpc

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/devskill-org/aer/forecast"
	"github.com/devskill-org/aer/lp"
	"github.com/devskill-org/aer/signal"
	"github.com/devskill-org/aer/thermal"
)

const epsilon = 1e-6

var start = time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)

func newSeries(t *testing.T, granularity forecast.Granularity, values ...float64) *signal.Series {
	t.Helper()
	points := make([]signal.Point, len(values))
	for i, v := range values {
		points[i] = signal.Point{Timestamp: start.Add(time.Duration(i) * 5 * time.Minute), Value: v}
	}
	s, err := signal.NewSeries(points, signal.Derivation{
		Granularity:        granularity,
		Timestep:           5 * time.Minute,
		PowerDrawWatts:     200,
		EmissionsPrecision: 8,
	})
	if err != nil {
		t.Fatalf("NewSeries() failed: %v", err)
	}
	return s
}

func defaultConfig(lookahead int) SystemConfig {
	cfg := NewSystemConfig(thermal.DefaultSpec(), 5*time.Minute, time.Duration(lookahead)*5*time.Minute)
	cfg.HistoricalCap = 4
	return cfg
}

type fakeSolver struct {
	assignment lp.Assignment
	err        error
	calls      int
}

func (f *fakeSolver) Solve(ctx context.Context, p *lp.Problem) (lp.Assignment, error) {
	f.calls++
	return f.assignment, f.err
}

type blockingSolver struct{}

func (blockingSolver) Solve(ctx context.Context, p *lp.Problem) (lp.Assignment, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingObserver struct {
	windows []int
	errs    []error
}

func (r *recordingObserver) ObserveSolve(d time.Duration, windowSize int, err error) {
	r.windows = append(r.windows, windowSize)
	r.errs = append(r.errs, err)
}

func TestExtensionRuleApply(t *testing.T) {
	tests := []struct {
		rule     ExtensionRule
		count    int
		limit    int
		expected int
	}{
		{ExtensionMin, 2, 4, 2},
		{ExtensionMin, 10, 4, 4},
		{ExtensionMin, 0, 4, 0},
		{ExtensionMax, 2, 4, 4},
		{ExtensionMax, 10, 4, 10},
		{ExtensionRaw, 7, 4, 7},
		{ExtensionRaw, -1, 4, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			if got := tt.rule.Apply(tt.count, tt.limit); got != tt.expected {
				t.Errorf("%s.Apply(%d, %d) = %d, want %d", tt.rule, tt.count, tt.limit, got, tt.expected)
			}
		})
	}
}

func TestParseExtensionRule(t *testing.T) {
	for in, want := range map[string]ExtensionRule{"min": ExtensionMin, "MAX": ExtensionMax, "raw": ExtensionRaw, "": ExtensionMin} {
		got, err := ParseExtensionRule(in)
		if err != nil {
			t.Errorf("ParseExtensionRule(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseExtensionRule(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseExtensionRule("median"); err == nil {
		t.Error("expected error for unknown rule")
	}
}

func TestBuildProblemStructure(t *testing.T) {
	window := Window{Start: 7, Native: 3, Slots: []TimeSlot{{Emissions: 0.1}, {Emissions: 0.2}, {Emissions: 0.3}}}
	p := BuildProblem(window, 38, defaultConfig(3))

	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if len(p.Variables) != 6 {
		t.Errorf("expected 6 variables, got %d", len(p.Variables))
	}
	// one initial row, two dynamics rows, two bound rows for each of temp_1 and temp_2
	if len(p.Constraints) != 7 {
		t.Errorf("expected 7 constraints, got %d", len(p.Constraints))
	}
	for i := 0; i < 3; i++ {
		j, ok := p.Lookup(StatusVar(i))
		if !ok {
			t.Fatalf("missing %s", StatusVar(i))
		}
		if p.Variables[j].Kind != lp.Binary {
			t.Errorf("%s should be binary", StatusVar(i))
		}
		if math.Abs(p.Objective[j]-window.Slots[i].Emissions) > epsilon {
			t.Errorf("%s objective = %g, want %g", StatusVar(i), p.Objective[j], window.Slots[i].Emissions)
		}
		if _, ok := p.Lookup(TempVar(i)); !ok {
			t.Errorf("missing %s", TempVar(i))
		}
	}
	if p.Constraints[0].Name != "initial_temp" || p.Constraints[0].RHS != 38 {
		t.Errorf("unexpected first constraint: %+v", p.Constraints[0])
	}
}

// bruteForce enumerates every on/off sequence and returns the cheapest
// feasible cost, or +Inf when none is feasible.
func bruteForce(emissions []float64, current float64, cfg SystemConfig) float64 {
	n := len(emissions)
	best := math.Inf(1)
	for mask := 0; mask < 1<<n; mask++ {
		temp := current
		cost := 0.0
		feasible := true
		for i := 0; i < n; i++ {
			on := mask&(1<<i) != 0
			if on {
				cost += emissions[i]
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
				feasible = false
				break
			}
		}
		if feasible && cost < best {
			best = cost
		}
	}
	return best
}

func TestBuildProblemMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cfg := defaultConfig(6)
	solver := lp.NewBranchAndBound()

	for trial := 0; trial < 40; trial++ {
		n := 2 + rng.Intn(6)
		window := Window{Native: n}
		emissions := make([]float64, n)
		for i := range emissions {
			emissions[i] = signal.Emissions(200+rng.Float64()*1500, 200, 5, 8)
			window.Slots = append(window.Slots, TimeSlot{Step: i, Emissions: emissions[i]})
		}
		current := cfg.MinTemp + rng.Float64()*(cfg.MaxTemp-cfg.MinTemp)

		p := BuildProblem(window, current, cfg)
		sol, err := solver.Solve(context.Background(), p)
		if err != nil {
			t.Fatalf("trial %d: Solve() failed: %v", trial, err)
		}
		if err := p.Check(sol, epsilon); err != nil {
			t.Fatalf("trial %d: infeasible solution: %v", trial, err)
		}
		got, err := p.Evaluate(sol)
		if err != nil {
			t.Fatal(err)
		}
		want := bruteForce(emissions, current, cfg)
		if math.Abs(got-want) > epsilon {
			t.Errorf("trial %d (n=%d, temp=%.3f): solver cost %.8f, brute force %.8f", trial, n, current, got, want)
		}
	}
}

func TestDecideSpikeAvoidance(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   bool
	}{
		{
			name:   "cool now before a spike",
			values: []float64{100, 1500, 1500, 1500, 1500},
			want:   true,
		},
		{
			name:   "wait for the cheap step",
			values: []float64{1500, 100, 1500, 1500, 1500},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series := newSeries(t, forecast.Minute, tt.values...)
			c := NewController(defaultConfig(4), series, nil, lp.NewBranchAndBound())

			// Two idle steps from 42.5 overshoot 43, so one of the first two
			// steps has to run.
			d, err := c.Decide(context.Background(), 0, thermal.State{Temperature: 42.5})
			if err != nil {
				t.Fatalf("Decide() failed: %v", err)
			}
			if d.On != tt.want {
				t.Errorf("expected on=%v, got %v (plan %v)", tt.want, d.On, d.PlannedStatus)
			}
			if d.WindowSize != 4 || d.Extended != 0 {
				t.Errorf("expected native window of 4, got size %d extended %d", d.WindowSize, d.Extended)
			}
			for i, temp := range d.PlannedTemperatures[1:] {
				if temp < 33-epsilon || temp > 43+epsilon {
					t.Errorf("planned temp_%d = %.4f out of bounds", i+1, temp)
				}
			}
		})
	}
}

func TestDecideStaysOffWhenFree(t *testing.T) {
	series := newSeries(t, forecast.Minute, 900, 900, 900, 900)
	c := NewController(defaultConfig(4), series, nil, lp.NewBranchAndBound())

	d, err := c.Decide(context.Background(), 0, thermal.State{Temperature: 35})
	if err != nil {
		t.Fatalf("Decide() failed: %v", err)
	}
	if d.On {
		t.Error("expected device to stay off with plenty of headroom")
	}
	if d.ExpectedEmissions != 0 {
		t.Errorf("expected zero planned emissions, got %g", d.ExpectedEmissions)
	}
}

func TestWindowHistoricalExtension(t *testing.T) {
	series := newSeries(t, forecast.Minute, 500, 600, 700)
	store := forecast.NewStore(series.NextOccurrence())

	// current slot observed twice, extension slots once each
	store.Seed(series.Slot(0), 500)
	store.Seed(series.Slot(0), 520)
	store.Seed(series.SlotAt(2), 650)
	store.Seed(series.SlotAt(3), 800)
	store.Seed(series.SlotAt(4), 900)

	tests := []struct {
		name     string
		rule     ExtensionRule
		cap      int
		expected int
	}{
		{"min of count and cap", ExtensionMin, 4, 2},
		{"cap below count", ExtensionMin, 1, 1},
		{"max of count and cap stops at unseen slot", ExtensionMax, 4, 3},
		{"raw count", ExtensionRaw, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(2)
			cfg.ExtensionRule = tt.rule
			cfg.HistoricalCap = tt.cap
			c := NewController(cfg, series, store, lp.NewBranchAndBound())

			w := c.Window(0)
			if w.Native != 2 {
				t.Fatalf("expected native window of 2, got %d", w.Native)
			}
			if w.Extended() != tt.expected {
				t.Errorf("expected extension of %d, got %d", tt.expected, w.Extended())
			}
			for _, s := range w.Slots[w.Native:] {
				if !s.Historical {
					t.Errorf("slot %d should be historical", s.Step)
				}
			}
			if w.Extended() > 0 {
				first := w.Slots[w.Native]
				if first.Value != 650 || first.Step != 2 {
					t.Errorf("unexpected first extension slot: %+v", first)
				}
				if first.Emissions != series.EmissionsFor(650) {
					t.Errorf("extension emissions %g, want %g", first.Emissions, series.EmissionsFor(650))
				}
			}
		})
	}
}

func TestWindowPrefersProjectedValues(t *testing.T) {
	// Hour granularity: every step of the first hour shares one slot
	series := newSeries(t, forecast.Hour, 100, 200, 300, 400, 500, 600)
	store := forecast.NewStore(series.NextOccurrence())
	slot := series.Slot(0)

	store.Seed(slot, 100)
	store.Observe(0, slot, 300) // average 200, projected onto step 1
	store.Seed(slot, 500)       // average 300, projection untouched

	cfg := defaultConfig(1)
	cfg.HistoricalCap = 2
	c := NewController(cfg, series, store, lp.NewBranchAndBound())

	w := c.Window(0)
	if w.Extended() != 2 {
		t.Fatalf("expected extension of 2, got %d", w.Extended())
	}
	if got := w.Slots[1].Value; math.Abs(got-200) > epsilon {
		t.Errorf("expected projected value 200 at step 1, got %g", got)
	}
	if got := w.Slots[2].Value; math.Abs(got-300) > epsilon {
		t.Errorf("expected slot average 300 at step 2, got %g", got)
	}
}

func TestWindowWithoutStoreHasNoExtension(t *testing.T) {
	series := newSeries(t, forecast.Minute, 500, 600, 700, 800)
	c := NewController(defaultConfig(2), series, nil, lp.NewBranchAndBound())

	w := c.Window(1)
	if w.Start != 1 || w.End() != 3 || w.Extended() != 0 {
		t.Errorf("unexpected window: start %d end %d extended %d", w.Start, w.End(), w.Extended())
	}
	if w.Slots[0].Value != 600 || w.Slots[1].Value != 700 {
		t.Errorf("unexpected window values: %+v", w.Slots)
	}
}

func TestDecideLastStepStaysBounded(t *testing.T) {
	series := newSeries(t, forecast.Minute, 500)
	c := NewController(defaultConfig(4), series, nil, lp.NewBranchAndBound())

	d, err := c.Decide(context.Background(), 0, thermal.State{Temperature: 42.9})
	if err != nil {
		t.Fatalf("Decide() failed: %v", err)
	}
	if !d.On {
		t.Error("expected device to run on the last step to stay below max")
	}
	if d.WindowSize != 2 {
		t.Errorf("expected padded window of 2, got %d", d.WindowSize)
	}
}

func TestDecideErrors(t *testing.T) {
	series := newSeries(t, forecast.Minute, 500, 600, 700, 800)

	t.Run("solver failure", func(t *testing.T) {
		solver := &fakeSolver{err: lp.ErrInfeasible}
		obs := &recordingObserver{}
		c := NewController(defaultConfig(3), series, nil, solver)
		c.SetObserver(obs)

		_, err := c.Decide(context.Background(), 1, thermal.State{Temperature: 38})
		var de *DecisionError
		if !errors.As(err, &de) {
			t.Fatalf("expected DecisionError, got %v", err)
		}
		if de.Step != 1 || de.WindowStart != 1 || de.WindowEnd != 4 {
			t.Errorf("unexpected error fields: %+v", de)
		}
		if !errors.Is(err, lp.ErrInfeasible) {
			t.Errorf("expected wrapped ErrInfeasible, got %v", err)
		}
		if len(obs.errs) != 1 || obs.errs[0] == nil || obs.windows[0] != 3 {
			t.Errorf("observer not notified correctly: %+v", obs)
		}
	})

	t.Run("missing status_0", func(t *testing.T) {
		c := NewController(defaultConfig(3), series, nil, &fakeSolver{assignment: lp.Assignment{"temp_0": 38}})
		_, err := c.Decide(context.Background(), 0, thermal.State{Temperature: 38})
		if !errors.Is(err, ErrMissingDecision) {
			t.Errorf("expected ErrMissingDecision, got %v", err)
		}
	})

	t.Run("infeasible start", func(t *testing.T) {
		c := NewController(defaultConfig(3), series, nil, lp.NewBranchAndBound())
		_, err := c.Decide(context.Background(), 0, thermal.State{Temperature: 50})
		if !errors.Is(err, lp.ErrInfeasible) {
			t.Errorf("expected ErrInfeasible, got %v", err)
		}
	})

	t.Run("beyond the series", func(t *testing.T) {
		c := NewController(defaultConfig(3), series, nil, &fakeSolver{})
		_, err := c.Decide(context.Background(), 4, thermal.State{Temperature: 38})
		if !errors.Is(err, ErrEmptyWindow) {
			t.Errorf("expected ErrEmptyWindow, got %v", err)
		}
	})

	t.Run("solver timeout", func(t *testing.T) {
		cfg := defaultConfig(3)
		cfg.SolverTimeout = 10 * time.Millisecond
		c := NewController(cfg, series, nil, blockingSolver{})
		_, err := c.Decide(context.Background(), 0, thermal.State{Temperature: 38})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}
