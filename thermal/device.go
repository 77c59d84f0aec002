// Package thermal models a binary-controllable thermostatic load such as a
// refrigerator behind a smart plug.
package thermal

import "fmt"

// LoadType selects which rate applies while the device is switched on.
type LoadType string

const (
	// Cooler cools while running and warms while idle (refrigerator, freezer).
	Cooler LoadType = "cooler"
	// Heater warms while running and cools while idle (water heater, space heater).
	Heater LoadType = "heater"
)

// Spec holds the physical constants of a device
type Spec struct {
	Type           LoadType
	MinTemp        float64 // device unit, e.g. Fahrenheit
	MaxTemp        float64
	InitialTemp    float64
	WarmingRate    float64 // degrees/minute, positive
	CoolingRate    float64 // degrees/minute, negative
	PowerDrawWatts float64
}

// DefaultSpec returns the reference refrigerator: 33-43 °F, 200 W.
func DefaultSpec() Spec {
	return Spec{
		Type:           Cooler,
		MinTemp:        33,
		MaxTemp:        43,
		InitialTemp:    33,
		WarmingRate:    5.0 / 60.0,
		CoolingRate:    -10.0 / 60.0,
		PowerDrawWatts: 200,
	}
}

// Validate checks the spec for values that would make every trajectory meaningless.
func (s Spec) Validate() error {
	if s.Type != Cooler && s.Type != Heater {
		return fmt.Errorf("unknown load type %q", s.Type)
	}
	if s.MinTemp >= s.MaxTemp {
		return fmt.Errorf("min temp (%g) must be lower than max temp (%g)", s.MinTemp, s.MaxTemp)
	}
	if s.WarmingRate <= 0 {
		return fmt.Errorf("warming rate must be positive, got: %g", s.WarmingRate)
	}
	if s.CoolingRate >= 0 {
		return fmt.Errorf("cooling rate must be negative, got: %g", s.CoolingRate)
	}
	if s.PowerDrawWatts < 0 {
		return fmt.Errorf("power draw must be non-negative, got: %g", s.PowerDrawWatts)
	}
	return nil
}

// Rate returns the temperature change in degrees/minute for the given actuation state.
func (s Spec) Rate(on bool) float64 {
	if on == (s.Type == Cooler) {
		return s.CoolingRate
	}
	return s.WarmingRate
}

// State is a snapshot of the device at a point in simulated time.
type State struct {
	On          bool
	Temperature float64
	Time        float64 // minutes elapsed
}

// Device is the mutable thermal state of one load. It never enforces bounds;
// that is the job of the control policy driving it.
type Device struct {
	spec        Spec
	on          bool
	temperature float64
	time        float64
}

// NewDevice creates a switched-off device at the spec's initial temperature and time zero.
func NewDevice(spec Spec) *Device {
	return &Device{
		spec:        spec,
		temperature: spec.InitialTemp,
	}
}

// Spec returns the device constants.
func (d *Device) Spec() Spec {
	return d.spec
}

// On reports the current actuation state.
func (d *Device) On() bool {
	return d.on
}

// Temperature returns the current temperature.
func (d *Device) Temperature() float64 {
	return d.temperature
}

// Time returns the elapsed simulated minutes.
func (d *Device) Time() float64 {
	return d.time
}

// State returns a snapshot of the device.
func (d *Device) State() State {
	return State{On: d.on, Temperature: d.temperature, Time: d.time}
}

// SetOn changes the actuation state. The temperature is not recomputed.
func (d *Device) SetOn(on bool) {
	d.on = on
}

// ExpectedTemperature projects the temperature at the given time if the
// current actuation state is held.
func (d *Device) ExpectedTemperature(at float64) float64 {
	return d.ExpectedTemperatureIf(d.on, at)
}

// ExpectedTemperatureIf projects the temperature at the given time under a
// hypothetical actuation state.
func (d *Device) ExpectedTemperatureIf(on bool, at float64) float64 {
	return d.temperature + (at-d.time)*d.spec.Rate(on)
}

// Advance moves the device to the given time, applying the current rate.
func (d *Device) Advance(to float64) {
	d.temperature = d.ExpectedTemperature(to)
	d.time = to
}
