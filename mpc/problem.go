package mpc

import (
	"fmt"

	"github.com/devskill-org/aer/lp"
)

// StatusVar names the binary on/off variable of window step i.
func StatusVar(i int) string {
	return fmt.Sprintf("status_%d", i)
}

// TempVar names the projected temperature variable of window step i.
func TempVar(i int) string {
	return fmt.Sprintf("temp_%d", i)
}

// BuildProblem formulates the emissions minimisation problem for a window.
//
//	minimize   Σ status_i * emissions_i
//	subject to temp_0 = current
//	           temp_{i+1} = temp_i + on*Δt*status_i + off*Δt*(1 - status_i)
//	           min <= temp_i <= max              for i >= 1
//
// The dynamics are rearranged to keep constants on the right-hand side:
// temp_{i+1} - temp_i - (on-off)*Δt*status_i = off*Δt.
func BuildProblem(window Window, current float64, cfg SystemConfig) *lp.Problem {
	n := len(window.Slots)
	p := lp.NewProblem(fmt.Sprintf("co2_minimization_step_%d", window.Start))

	status := make([]int, n)
	temp := make([]int, n)
	for i := 0; i < n; i++ {
		status[i] = p.AddVariable(StatusVar(i), lp.Binary, 0, 1)
		p.SetObjective(status[i], window.Slots[i].Emissions)
	}
	for i := 0; i < n; i++ {
		temp[i] = p.AddFree(TempVar(i))
	}

	p.AddConstraint("initial_temp", lp.Equal, current, lp.Term{Var: temp[0], Coef: 1})

	onStep := cfg.OnRate * cfg.Timestep
	offStep := cfg.OffRate * cfg.Timestep
	for i := 0; i < n-1; i++ {
		p.AddConstraint(fmt.Sprintf("dynamics_%d", i), lp.Equal, offStep,
			lp.Term{Var: temp[i+1], Coef: 1},
			lp.Term{Var: temp[i], Coef: -1},
			lp.Term{Var: status[i], Coef: -(onStep - offStep)},
		)
	}

	for i := 1; i < n; i++ {
		p.AddConstraint(fmt.Sprintf("min_temp_%d", i), lp.GreaterEq, cfg.MinTemp, lp.Term{Var: temp[i], Coef: 1})
		p.AddConstraint(fmt.Sprintf("max_temp_%d", i), lp.LessEq, cfg.MaxTemp, lp.Term{Var: temp[i], Coef: 1})
	}

	return p
}
