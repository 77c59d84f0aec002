package simulator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/devskill-org/aer/report"
)

// boundTolerance is how far past a bound a temperature may sit before it
// counts as a violation.
const boundTolerance = 1e-6

// tally accumulates the per-step figures of a run.
type tally struct {
	temps     []float64
	emissions []float64
	onSteps   int
}

func (t *tally) add(r report.Record) {
	t.temps = append(t.temps, r.Temperature)
	t.emissions = append(t.emissions, r.Emissions)
	if r.On {
		t.onSteps++
	}
}

// summarize builds the run summary. final is the temperature after the last
// advance, which no record captures.
func (t *tally) summarize(policy Policy, minTemp, maxTemp, final float64) report.Summary {
	s := report.Summary{
		Policy:  string(policy),
		Steps:   len(t.temps),
		OnSteps: t.onSteps,
	}
	if len(t.temps) == 0 {
		return s
	}

	s.TotalEmissions = floats.Sum(t.emissions)
	s.DutyCycle = float64(t.onSteps) / float64(len(t.temps))

	temps := append(append([]float64(nil), t.temps...), final)
	s.MinTemp = floats.Min(temps)
	s.MaxTemp = floats.Max(temps)
	s.MeanTemp, s.StdDevTemp = stat.MeanStdDev(temps, nil)

	for _, temp := range temps {
		if temp < minTemp-boundTolerance || temp > maxTemp+boundTolerance {
			s.Violations++
		}
	}
	return s
}

// FormatDuration renders a run time the way the per-run timer reports it.
func FormatDuration(d time.Duration) string {
	minutes := int(d / time.Minute)
	seconds := (d - time.Duration(minutes)*time.Minute).Seconds()
	return fmt.Sprintf("%d min %.2f sec", minutes, seconds)
}

// WriteSummaryTable prints the comparison table of finished runs.
func WriteSummaryTable(w io.Writer, summaries []report.Summary) {
	line := strings.Repeat("─", 118)
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "%-24s │ %6s │ %14s │ %7s │ %6s │ %6s │ %6s │ %6s │ %5s │ %6s │ %12s\n",
		"Policy", "Steps", "lbs CO2", "Duty", "Min", "Max", "Mean", "StdDev", "Viol", "Solves", "Duration")
	fmt.Fprintln(w, line)

	for _, s := range summaries {
		fmt.Fprintf(w, "%-24s │ %6d │ %14.8f │ %6.1f%% │ %6.2f │ %6.2f │ %6.2f │ %6.3f │ %5d │ %6d │ %12s\n",
			s.Policy,
			s.Steps,
			s.TotalEmissions,
			s.DutyCycle*100,
			s.MinTemp,
			s.MaxTemp,
			s.MeanTemp,
			s.StdDevTemp,
			s.Violations,
			s.SolverCalls,
			s.Duration.Round(time.Millisecond),
		)
	}
	fmt.Fprintln(w, line)
}
