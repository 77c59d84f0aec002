// Package signal loads the driving-signal series (marginal emissions rate per
// timestep) and derives the read-only fields the simulation needs from it.
package signal

import (
	"fmt"
	"math"
	"time"

	"github.com/devskill-org/aer/forecast"
)

// Point is one row of the driving-signal series.
type Point struct {
	Timestamp time.Time
	Value     float64 // lbs CO2 / MWh
}

// Derivation parameterises the derived fields computed at load time.
type Derivation struct {
	Granularity        forecast.Granularity
	Timestep           time.Duration
	PowerDrawWatts     float64
	EmissionsPrecision int
}

// Series is an immutable driving-signal series together with its derived
// fields: slot key, emissions per active step and the index of the next step
// sharing the same slot.
type Series struct {
	points    []Point
	slots     []forecast.SlotKey
	emissions []float64
	next      []int
	deriv     Derivation
}

// NewSeries copies the points and computes the derived fields once.
func NewSeries(points []Point, deriv Derivation) (*Series, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("driving-signal series is empty")
	}
	if !deriv.Granularity.Valid() {
		return nil, fmt.Errorf("unknown slot granularity %q", deriv.Granularity)
	}
	if deriv.Timestep <= 0 {
		return nil, fmt.Errorf("timestep must be greater than 0, got: %s", deriv.Timestep)
	}

	s := &Series{
		points:    make([]Point, len(points)),
		slots:     make([]forecast.SlotKey, len(points)),
		emissions: make([]float64, len(points)),
		next:      make([]int, len(points)),
		deriv:     deriv,
	}
	copy(s.points, points)

	minutes := deriv.Timestep.Minutes()
	for i, p := range s.points {
		s.slots[i] = deriv.Granularity.Key(p.Timestamp)
		s.emissions[i] = Emissions(p.Value, deriv.PowerDrawWatts, minutes, deriv.EmissionsPrecision)
	}

	// Walk backwards remembering the latest index seen per slot
	seen := make(map[forecast.SlotKey]int)
	for i := len(s.points) - 1; i >= 0; i-- {
		if n, ok := seen[s.slots[i]]; ok {
			s.next[i] = n
		} else {
			s.next[i] = -1
		}
		seen[s.slots[i]] = i
	}

	return s, nil
}

// Emissions converts a marginal emissions rate into the mass emitted by a
// load drawing watts for the given minutes, rounded to precision places.
func Emissions(value, watts, minutes float64, precision int) float64 {
	const megawattsPerWatt = 1.0 / 1000000.0
	const hoursPerMinute = 1.0 / 60.0
	raw := value * (watts * megawattsPerWatt) * (minutes * hoursPerMinute)
	scale := math.Pow(10, float64(precision))
	return math.Round(raw*scale) / scale
}

// Len returns the number of steps in the series.
func (s *Series) Len() int {
	return len(s.points)
}

// At returns the point at index i.
func (s *Series) At(i int) Point {
	return s.points[i]
}

// Value returns the driving value at index i.
func (s *Series) Value(i int) float64 {
	return s.points[i].Value
}

// Slot returns the slot key of index i.
func (s *Series) Slot(i int) forecast.SlotKey {
	return s.slots[i]
}

// SlotAt returns the slot key of index i, extrapolating past the end of the
// series by whole timesteps from the last timestamp.
func (s *Series) SlotAt(i int) forecast.SlotKey {
	if i < len(s.slots) {
		return s.slots[i]
	}
	last := s.points[len(s.points)-1].Timestamp
	ts := last.Add(time.Duration(i-len(s.points)+1) * s.deriv.Timestep)
	return s.deriv.Granularity.Key(ts)
}

// Emissions returns the emissions of one active step at index i.
func (s *Series) Emissions(i int) float64 {
	return s.emissions[i]
}

// EmissionsFor converts an arbitrary driving value with the series' derivation.
func (s *Series) EmissionsFor(value float64) float64 {
	return Emissions(value, s.deriv.PowerDrawWatts, s.deriv.Timestep.Minutes(), s.deriv.EmissionsPrecision)
}

// NextOccurrence returns a copy of the next-same-slot index table.
func (s *Series) NextOccurrence() []int {
	out := make([]int, len(s.next))
	copy(out, s.next)
	return out
}

// Derivation returns the parameters the derived fields were computed with.
func (s *Series) Derivation() Derivation {
	return s.deriv
}

// Split separates the first n points as warm-up history from the points to simulate.
func Split(points []Point, n int) (warmup, sim []Point) {
	if n <= 0 {
		return nil, points
	}
	if n >= len(points) {
		return points, nil
	}
	return points[:n], points[n:]
}
