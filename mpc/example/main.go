package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/devskill-org/aer/forecast"
	"github.com/devskill-org/aer/lp"
	"github.com/devskill-org/aer/mpc"
	"github.com/devskill-org/aer/signal"
	"github.com/devskill-org/aer/thermal"
)

// Example usage
func main() {
	spec := thermal.DefaultSpec()
	timestep := 5 * time.Minute

	// Create 4 hours of marginal emissions with an evening ramp
	begin := time.Date(2019, 3, 1, 17, 0, 0, 0, time.UTC)
	points := make([]signal.Point, 48)
	for i := range points {
		value := 900 + 300*math.Sin(float64(i)/48*2*math.Pi)
		if i >= 18 && i <= 26 {
			value += 600 // peaker plants on the margin
		}
		points[i] = signal.Point{Timestamp: begin.Add(time.Duration(i) * timestep), Value: value}
	}

	series, err := signal.NewSeries(points, signal.Derivation{
		Granularity:        forecast.Minute,
		Timestep:           timestep,
		PowerDrawWatts:     spec.PowerDrawWatts,
		EmissionsPrecision: 8,
	})
	if err != nil {
		log.Fatal(err)
	}

	// One hour of lookahead
	config := mpc.NewSystemConfig(spec, timestep, time.Hour)
	config.SolverTimeout = 30 * time.Second
	controller := mpc.NewController(config, series, nil, lp.NewBranchAndBound())
	device := thermal.NewDevice(spec)

	fmt.Println("Refrigerator Emissions MPC")
	fmt.Println("==========================")
	fmt.Printf("Initial temperature: %.1f°F\n\n", device.Temperature())

	fmt.Println("Time  | MOER    | On  | Temp  | lbs CO2")
	fmt.Println("------|---------|-----|-------|-----------")

	total := 0.0
	startTime := time.Now()
	for step := 0; step < series.Len(); step++ {
		decision, err := controller.Decide(context.Background(), step, device.State())
		if err != nil {
			log.Fatal(err)
		}
		device.SetOn(decision.On)

		emitted := 0.0
		if decision.On {
			emitted = series.Emissions(step)
		}
		total += emitted

		onLabel := "off"
		if decision.On {
			onLabel = "on"
		}
		fmt.Printf("%s | %7.1f | %-3s | %5.2f | %.8f\n",
			series.At(step).Timestamp.Format("15:04"),
			series.Value(step),
			onLabel,
			device.Temperature(),
			emitted,
		)

		device.Advance(float64(step+1) * timestep.Minutes())
	}

	fmt.Printf("\nSimulated %d steps in %v\n", series.Len(), time.Since(startTime))
	fmt.Printf("Total emissions: %.8f lbs CO2\n", total)
	fmt.Printf("Final temperature: %.2f°F\n", device.Temperature())
}
