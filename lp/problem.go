// Package lp describes mixed-integer linear programs and solves them.
//
// A Problem is a plain description: named variables with bounds and a kind,
// a linear objective to minimise and linear constraints. Solvers receive the
// description and return a value for every variable.
package lp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrInfeasible is returned when no assignment satisfies every constraint.
	ErrInfeasible = errors.New("lp: problem is infeasible")
	// ErrUnbounded is returned when the objective can decrease without limit.
	ErrUnbounded = errors.New("lp: problem is unbounded")
	// ErrNodeLimit is returned when branch and bound exhausts its node budget.
	ErrNodeLimit = errors.New("lp: node limit reached")
)

// Kind is the domain of a variable.
type Kind int

const (
	Continuous Kind = iota
	Binary
)

func (k Kind) String() string {
	if k == Binary {
		return "binary"
	}
	return "continuous"
}

// Sense is the relation of a constraint.
type Sense int

const (
	LessEq Sense = iota
	Equal
	GreaterEq
)

func (s Sense) String() string {
	switch s {
	case LessEq:
		return "<="
	case GreaterEq:
		return ">="
	default:
		return "="
	}
}

// Variable is a decision variable. Infinite bounds mean unbounded.
type Variable struct {
	Name  string
	Kind  Kind
	Lower float64
	Upper float64
}

// Term is coef * variable.
type Term struct {
	Var  int
	Coef float64
}

// Constraint is Σ terms (sense) RHS.
type Constraint struct {
	Name  string
	Terms []Term
	Sense Sense
	RHS   float64
}

// Problem is a minimisation problem.
type Problem struct {
	Name        string
	Variables   []Variable
	Objective   []float64
	Constraints []Constraint

	index map[string]int
}

// Assignment maps variable names to solved values.
type Assignment map[string]float64

// Solver solves a problem. Implementations must not retain the problem.
type Solver interface {
	Solve(ctx context.Context, p *Problem) (Assignment, error)
}

// NewProblem creates an empty problem.
func NewProblem(name string) *Problem {
	return &Problem{Name: name, index: make(map[string]int)}
}

// AddVariable appends a variable and returns its index. Binary variables are
// always bounded to [0, 1].
func (p *Problem) AddVariable(name string, kind Kind, lower, upper float64) int {
	if kind == Binary {
		lower, upper = 0, 1
	}
	p.Variables = append(p.Variables, Variable{Name: name, Kind: kind, Lower: lower, Upper: upper})
	p.Objective = append(p.Objective, 0)
	idx := len(p.Variables) - 1
	if p.index == nil {
		p.index = make(map[string]int)
	}
	p.index[name] = idx
	return idx
}

// AddFree appends an unbounded continuous variable.
func (p *Problem) AddFree(name string) int {
	return p.AddVariable(name, Continuous, math.Inf(-1), math.Inf(1))
}

// SetObjective sets the objective coefficient of variable v.
func (p *Problem) SetObjective(v int, coef float64) {
	p.Objective[v] = coef
}

// AddConstraint appends a constraint.
func (p *Problem) AddConstraint(name string, sense Sense, rhs float64, terms ...Term) {
	p.Constraints = append(p.Constraints, Constraint{Name: name, Terms: terms, Sense: sense, RHS: rhs})
}

// Lookup returns the index of the named variable.
func (p *Problem) Lookup(name string) (int, bool) {
	idx, ok := p.index[name]
	return idx, ok
}

// Validate checks structural consistency.
func (p *Problem) Validate() error {
	if len(p.Variables) == 0 {
		return fmt.Errorf("problem %q has no variables", p.Name)
	}
	if len(p.Objective) != len(p.Variables) {
		return fmt.Errorf("problem %q: objective has %d coefficients for %d variables", p.Name, len(p.Objective), len(p.Variables))
	}
	seen := make(map[string]bool, len(p.Variables))
	for _, v := range p.Variables {
		if seen[v.Name] {
			return fmt.Errorf("problem %q: duplicate variable %q", p.Name, v.Name)
		}
		seen[v.Name] = true
		if v.Lower > v.Upper {
			return fmt.Errorf("problem %q: variable %q has lower bound %g above upper bound %g", p.Name, v.Name, v.Lower, v.Upper)
		}
	}
	for _, c := range p.Constraints {
		for _, t := range c.Terms {
			if t.Var < 0 || t.Var >= len(p.Variables) {
				return fmt.Errorf("problem %q: constraint %q references unknown variable %d", p.Name, c.Name, t.Var)
			}
		}
	}
	return nil
}

// Values returns the assignment as a vector ordered like p.Variables.
// Missing variables are reported as an error.
func (p *Problem) Values(a Assignment) ([]float64, error) {
	x := make([]float64, len(p.Variables))
	for i, v := range p.Variables {
		val, ok := a[v.Name]
		if !ok {
			return nil, fmt.Errorf("assignment is missing variable %q", v.Name)
		}
		x[i] = val
	}
	return x, nil
}

// Evaluate returns the objective value of an assignment.
func (p *Problem) Evaluate(a Assignment) (float64, error) {
	x, err := p.Values(a)
	if err != nil {
		return 0, err
	}
	return floats.Dot(p.Objective, x), nil
}

// Check verifies that an assignment satisfies bounds, integrality and
// constraints within tol.
func (p *Problem) Check(a Assignment, tol float64) error {
	x, err := p.Values(a)
	if err != nil {
		return err
	}
	for i, v := range p.Variables {
		if x[i] < v.Lower-tol || x[i] > v.Upper+tol {
			return fmt.Errorf("variable %q = %g outside [%g, %g]", v.Name, x[i], v.Lower, v.Upper)
		}
		if v.Kind == Binary && math.Abs(x[i]-math.Round(x[i])) > tol {
			return fmt.Errorf("binary variable %q = %g is fractional", v.Name, x[i])
		}
	}
	for _, c := range p.Constraints {
		lhs := 0.0
		for _, t := range c.Terms {
			lhs += t.Coef * x[t.Var]
		}
		var ok bool
		switch c.Sense {
		case LessEq:
			ok = lhs <= c.RHS+tol
		case GreaterEq:
			ok = lhs >= c.RHS-tol
		default:
			ok = math.Abs(lhs-c.RHS) <= tol
		}
		if !ok {
			return fmt.Errorf("constraint %q violated: %g %s %g", c.Name, lhs, c.Sense, c.RHS)
		}
	}
	return nil
}

// String renders the problem in a readable LP-like format.
func (p *Problem) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:\nMINIMIZE\n", p.Name)
	sb.WriteString(p.expr(p.objectiveTerms()))
	sb.WriteString("\nSUBJECT TO\n")
	for _, c := range p.Constraints {
		fmt.Fprintf(&sb, "%s: %s %s %g\n", c.Name, p.expr(c.Terms), c.Sense, c.RHS)
	}
	sb.WriteString("VARIABLES\n")
	names := make([]string, 0, len(p.Variables))
	for _, v := range p.Variables {
		names = append(names, fmt.Sprintf("%g <= %s <= %g %s", v.Lower, v.Name, v.Upper, v.Kind))
	}
	sort.Strings(names)
	sb.WriteString(strings.Join(names, "\n"))
	sb.WriteString("\n")
	return sb.String()
}

func (p *Problem) objectiveTerms() []Term {
	var terms []Term
	for i, c := range p.Objective {
		if c != 0 {
			terms = append(terms, Term{Var: i, Coef: c})
		}
	}
	return terms
}

func (p *Problem) expr(terms []Term) string {
	if len(terms) == 0 {
		return "0"
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = fmt.Sprintf("%g*%s", t.Coef, p.Variables[t.Var].Name)
	}
	return strings.Join(parts, " + ")
}
