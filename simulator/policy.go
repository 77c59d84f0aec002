package simulator

import (
	"fmt"
	"strings"

	"github.com/devskill-org/aer/thermal"
)

// Policy selects how a run decides the device state at each timestep.
type Policy string

const (
	// NoForecast is a bang-bang thermostat that ignores the driving signal.
	NoForecast Policy = "no_forecast"
	// ForecastOnly optimises over the native forecast window.
	ForecastOnly Policy = "forecast_only"
	// ForecastAndHistorical extends the window with historical slot averages.
	ForecastAndHistorical Policy = "forecast_and_historical"
)

// AllPolicies returns every policy in reporting order.
func AllPolicies() []Policy {
	return []Policy{NoForecast, ForecastOnly, ForecastAndHistorical}
}

// ParsePolicies resolves a policy name, "all", or an empty string (the
// default historical policy) into the runs to execute.
func ParsePolicies(s string) ([]Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return []Policy{ForecastAndHistorical}, nil
	case "all":
		return AllPolicies(), nil
	case NoForecast, ForecastOnly, ForecastAndHistorical:
		return []Policy{p}, nil
	default:
		return nil, fmt.Errorf("invalid policy: %s, must be one of: no_forecast, forecast_only, forecast_and_historical, all", s)
	}
}

// UsesOptimizer reports whether the policy solves a horizon problem.
func (p Policy) UsesOptimizer() bool {
	return p == ForecastOnly || p == ForecastAndHistorical
}

// UsesHistory reports whether the optimiser window is extended from history.
func (p Policy) UsesHistory() bool {
	return p == ForecastAndHistorical
}

// heuristicTolerance absorbs float drift when the projection lands exactly on a bound.
const heuristicTolerance = 1e-9

// thermostatDecision switches to the warming state when the next step would
// reach the lower bound and to the cooling state when it would reach the upper
// bound; otherwise it holds the current state.
func thermostatDecision(d *thermal.Device, next float64) bool {
	spec := d.Spec()
	expected := d.ExpectedTemperature(next)
	cooling := spec.Type == thermal.Cooler

	switch {
	case expected <= spec.MinTemp+heuristicTolerance:
		return !cooling
	case expected >= spec.MaxTemp-heuristicTolerance:
		return cooling
	default:
		return d.On()
	}
}
