package lp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	simplex "gonum.org/v1/gonum/optimize/convex/lp"
)

// BranchAndBound solves mixed binary programs by depth-first branch and bound
// over LP relaxations solved with gonum's simplex.
type BranchAndBound struct {
	Tolerance            float64 // simplex reduced-cost tolerance
	IntegralityTolerance float64 // distance from an integer treated as integral
	GapTolerance         float64 // objective improvement below which a node is pruned
	MaxNodes             int     // 0 means unlimited
}

// NewBranchAndBound returns a solver with default tolerances.
func NewBranchAndBound() *BranchAndBound {
	return &BranchAndBound{
		Tolerance:            1e-10,
		IntegralityTolerance: 1e-6,
		GapTolerance:         1e-9,
		MaxNodes:             100000,
	}
}

type bbNode struct {
	fixed map[int]float64
}

func (n bbNode) with(v int, value float64) bbNode {
	fixed := make(map[int]float64, len(n.fixed)+1)
	for k, val := range n.fixed {
		fixed[k] = val
	}
	fixed[v] = value
	return bbNode{fixed: fixed}
}

// Solve returns the optimal assignment or ErrInfeasible, ErrUnbounded,
// ErrNodeLimit or the context error.
func (b *BranchAndBound) Solve(ctx context.Context, p *Problem) (Assignment, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	relax, err := newRelaxation(p)
	if err != nil {
		return nil, err
	}

	var binaries []int
	for i, v := range p.Variables {
		if v.Kind == Binary {
			binaries = append(binaries, i)
		}
	}

	best := math.Inf(1)
	var bestX []float64
	stack := []bbNode{{fixed: map[int]float64{}}}
	nodes := 0

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nodes++
		if b.MaxNodes > 0 && nodes > b.MaxNodes {
			return nil, fmt.Errorf("%w after %d nodes", ErrNodeLimit, b.MaxNodes)
		}

		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		f, x, err := relax.solve(b.Tolerance, node.fixed)
		if errors.Is(err, simplex.ErrInfeasible) {
			continue
		}
		if errors.Is(err, simplex.ErrUnbounded) {
			return nil, ErrUnbounded
		}
		if err != nil {
			return nil, fmt.Errorf("relaxation failed: %w", err)
		}
		if b.prunes(f, best) {
			continue
		}

		branch := -1
		worst := b.IntegralityTolerance
		for _, j := range binaries {
			frac := math.Abs(x[j] - math.Round(x[j]))
			if frac > worst {
				worst = frac
				branch = j
			}
		}
		if branch < 0 {
			best = f
			bestX = x
			continue
		}

		// Explore the side nearest the relaxed value first
		down, up := node.with(branch, 0), node.with(branch, 1)
		if x[branch] >= 0.5 {
			stack = append(stack, down, up)
		} else {
			stack = append(stack, up, down)
		}
	}

	if bestX == nil {
		return nil, ErrInfeasible
	}

	out := make(Assignment, len(p.Variables))
	for i, v := range p.Variables {
		val := bestX[i]
		if v.Kind == Binary {
			val = math.Round(val)
		}
		out[v.Name] = val
	}
	return out, nil
}

// prunes reports whether a node whose relaxation reaches bound cannot improve
// on the incumbent best. The gap is relative to the incumbent's magnitude.
func (b *BranchAndBound) prunes(bound, best float64) bool {
	if math.IsInf(best, 1) {
		return false
	}
	return bound >= best-b.GapTolerance*math.Max(1, math.Abs(best))
}

// relaxation holds the problem in general form: G x <= h, A x = b, x free.
type relaxation struct {
	n int
	c []float64
	g [][]float64
	h []float64
	a [][]float64
	b []float64
}

func newRelaxation(p *Problem) (*relaxation, error) {
	n := len(p.Variables)
	r := &relaxation{n: n, c: append([]float64(nil), p.Objective...)}

	used := make([]bool, n)
	for _, c := range p.Constraints {
		row := make([]float64, n)
		for _, t := range c.Terms {
			row[t.Var] += t.Coef
			used[t.Var] = true
		}
		switch c.Sense {
		case LessEq:
			r.addLessEq(row, c.RHS)
		case GreaterEq:
			for j := range row {
				row[j] = -row[j]
			}
			r.addLessEq(row, -c.RHS)
		default:
			r.a = append(r.a, row)
			r.b = append(r.b, c.RHS)
		}
	}

	for j, v := range p.Variables {
		if !math.IsInf(v.Upper, 1) {
			r.addBound(j, 1, v.Upper)
			used[j] = true
		}
		if !math.IsInf(v.Lower, -1) {
			r.addBound(j, -1, -v.Lower)
			used[j] = true
		}
		if !used[j] {
			// A free variable outside every constraint either drives the
			// objective to -inf or is irrelevant; pin irrelevant ones to zero.
			if p.Objective[j] != 0 {
				return nil, fmt.Errorf("%w: variable %q is unconstrained", ErrUnbounded, v.Name)
			}
			r.addBound(j, 1, 0)
			r.addBound(j, -1, 0)
		}
	}
	return r, nil
}

func (r *relaxation) addLessEq(row []float64, rhs float64) {
	r.g = append(r.g, row)
	r.h = append(r.h, rhs)
}

func (r *relaxation) addBound(j int, sign, rhs float64) {
	row := make([]float64, r.n)
	row[j] = sign
	r.addLessEq(row, rhs)
}

// solve solves the relaxation with the given variables fixed.
func (r *relaxation) solve(tol float64, fixed map[int]float64) (float64, []float64, error) {
	keys := make([]int, 0, len(fixed))
	for k := range fixed {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	rows := len(r.g) + 2*len(keys)
	var g mat.Matrix
	var h []float64
	if rows > 0 {
		gd := mat.NewDense(rows, r.n, nil)
		h = make([]float64, rows)
		for i, row := range r.g {
			gd.SetRow(i, row)
			h[i] = r.h[i]
		}
		i := len(r.g)
		for _, j := range keys {
			v := fixed[j]
			gd.Set(i, j, 1)
			h[i] = v
			gd.Set(i+1, j, -1)
			h[i+1] = -v
			i += 2
		}
		g = gd
	}

	var a mat.Matrix
	if len(r.a) > 0 {
		ad := mat.NewDense(len(r.a), r.n, nil)
		for i, row := range r.a {
			ad.SetRow(i, row)
		}
		a = ad
	}

	c, aNew, bNew := simplex.Convert(r.c, g, h, a, r.b)
	f, xt, err := simplex.Simplex(c, aNew, bNew, tol, nil)
	if err != nil {
		return 0, nil, err
	}

	// Convert splits x into positive and negative parts: xt = [x+, x-, slack]
	x := make([]float64, r.n)
	for j := range x {
		x[j] = xt[j] - xt[r.n+j]
	}
	return f, x, nil
}
