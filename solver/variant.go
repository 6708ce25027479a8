// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package solver

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/fault"
	"github.com/grailbio/bigrecon/operator"
)

// StepParams configures the backtracking line search.
type StepParams struct {
	// Initial is the first step length tried.
	Initial float64
	// Shrink multiplies the step length after each rejected trial.
	Shrink float64
	// Armijo is the sufficient decrease constant.
	Armijo float64
	// MaxBacktrack is the number of trials before a zero step is
	// taken.
	MaxBacktrack int
}

// DefaultStepParams are the default line search parameters. A full
// preconditioned step is tried first.
var DefaultStepParams = StepParams{
	Initial:      1,
	Shrink:       0.5,
	Armijo:       1e-4,
	MaxBacktrack: 10,
}

// Params are the parameters shared by all variants.
type Params struct {
	Step StepParams
	// Support, if non-nil, penalizes probe intensity outside a finite
	// support.
	Support *ProbeSupport
	// WeightFloor regularizes preconditioners: each weight is
	// increased by WeightFloor times the largest weight.
	WeightFloor float64
}

// DefaultParams are the default variant parameters.
var DefaultParams = Params{
	Step:        DefaultStepParams,
	WeightFloor: 1e-3,
}

// Env is the environment of a global update.
type Env struct {
	Params
	// UpdateProbe tells whether the probe is updated in this
	// iteration.
	UpdateProbe bool
	// Evaluate returns the mean data objective of a trial state over
	// all partitions. It is used by line searches.
	Evaluate func(ctx context.Context, trial *bigrecon.State) (float64, error)
}

// Objective returns the full objective of a state given its mean data
// objective.
func (p Params) Objective(state *bigrecon.State, data float64) float64 {
	if p.Support == nil || state.Probe == nil {
		return data
	}
	return data + p.Support.Penalty(state.Probe)
}

// Outcome is the result of a global update.
type Outcome struct {
	// State is the next snapshot.
	State *bigrecon.State
	// Memory is the variant's memory after the update.
	Memory *Memory
	// Objective is the full objective of State if it was computed
	// during the update, or NaN.
	Objective float64
	// Step is the accepted step length.
	Step float64
	// Evaluations is the number of trial evaluations performed.
	Evaluations int
}

// Memory is the state a variant carries between iterations. It is
// included in checkpoints.
type Memory struct {
	// Gradient is the previous iteration's gradient.
	Gradient operator.Gradient
	// Precond is the previous iteration's preconditioned gradient.
	Precond operator.Gradient
	// Direction is the previous search direction.
	Direction operator.Gradient
}

// A Variant is an optimization strategy. Every variant shares the
// same local contract: workers compute the contribution of each batch
// with Step, using the variant's Pass. Update applies the combined,
// normalized contribution of all batches to produce the next
// snapshot.
type Variant interface {
	// Name returns the variant's name.
	Name() string
	// Pass returns the pass that workers compute for the variant.
	Pass() Pass
	// Update computes the next snapshot from the combined
	// contribution. The provided memory may be nil.
	Update(ctx context.Context, env Env, state *bigrecon.State, c Contribution, mem *Memory) (Outcome, error)
}

// ByName returns the variant with the provided name: "gradient",
// "cg", or "projection".
func ByName(name string) (Variant, error) {
	switch name {
	case "gradient", "sd":
		return gradientVariant{}, nil
	case "cg":
		return cgVariant{}, nil
	case "projection", "er":
		return projectionVariant{}, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("solver: unknown variant %q", name))
}

// gradient returns the full gradient and preconditioner of the
// combined contribution, including the probe support penalty. The
// probe fields are nil unless the probe is updated.
func gradient(env Env, state *bigrecon.State, c Contribution) (g, w operator.Gradient) {
	g.Object, w.Object = c.Object, c.ObjectWeight
	if !env.UpdateProbe || c.Probe == nil {
		return
	}
	g.Probe, w.Probe = c.Probe.Copy(), c.ProbeWeight.Copy()
	if env.Support != nil {
		g.Probe.Add(env.Support.Gradient(state.Probe))
		w.Probe.Add(env.Support.Diag(state.Probe))
	}
	return
}

// precondition returns g divided elementwise by the regularized
// weights w. Probe weights of shape [h, w] apply to every mode.
func precondition(g, w operator.Gradient, floor float64) operator.Gradient {
	div := func(g, w *array.Array) *array.Array {
		w = w.Copy()
		lift := complex(floor*w.Max(), 0)
		for i := range w.Data() {
			w.Data()[i] += lift
		}
		out := g.Copy()
		if out.SameShape(w) {
			return out.Div(w)
		}
		for k := 0; k < out.Dim(0); k++ {
			out.Index(k).Div(w)
		}
		return out
	}
	s := operator.Gradient{Object: div(g.Object, w.Object)}
	if g.Probe != nil {
		s.Probe = div(g.Probe, w.Probe)
	}
	return s
}

// dot returns Re <a, b> over the object and, when both are present, the
// probe.
func dot(a, b operator.Gradient) float64 {
	s := real(a.Object.Dot(b.Object))
	if a.Probe != nil && b.Probe != nil {
		s += real(a.Probe.Dot(b.Probe))
	}
	return s
}

func scaled(alpha float64, a operator.Gradient) operator.Gradient {
	s := operator.Gradient{Object: a.Object.Copy().Scale(complex(alpha, 0))}
	if a.Probe != nil {
		s.Probe = a.Probe.Copy().Scale(complex(alpha, 0))
	}
	return s
}

// advance returns the snapshot state + alpha*d.
func advance(state *bigrecon.State, alpha float64, d operator.Gradient) *bigrecon.State {
	object := state.Object.Copy().AddScaled(complex(alpha, 0), d.Object)
	var probe *array.Array
	if d.Probe != nil {
		probe = state.Probe.Copy().AddScaled(complex(alpha, 0), d.Probe)
	}
	return state.Next(object, probe)
}

// lineSearch performs a backtracking line search from state along d,
// accepting the first step length alpha for which
//
//	f(x + alpha*d) <= f(x) + armijo*alpha*slope
//
// where slope = 2 Re <g, d> is the directional derivative. Trials with
// non-finite values are rejected like any other. If no trial is
// accepted, or d is not a descent direction, a zero step is taken, so
// that the objective never increases.
func lineSearch(ctx context.Context, env Env, state *bigrecon.State, f0 float64, d operator.Gradient, slope float64) (Outcome, error) {
	out := Outcome{State: state.Next(state.Object, state.Probe), Objective: f0}
	if !(slope < 0) {
		return out, nil
	}
	p := env.Step
	alpha := p.Initial
	for i := 0; i < p.MaxBacktrack; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		trial := advance(state, alpha, d)
		if !trial.IsFinite() {
			alpha *= p.Shrink
			continue
		}
		data, err := env.Evaluate(ctx, trial)
		out.Evaluations++
		if fault.Is(fault.NumericalDivergence, err) {
			alpha *= p.Shrink
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		f := env.Objective(trial, data)
		if !math.IsNaN(f) && !math.IsInf(f, 0) && f <= f0+p.Armijo*alpha*slope {
			out.State, out.Objective, out.Step = trial, f, alpha
			return out, nil
		}
		alpha *= p.Shrink
	}
	return out, nil
}

func checkFinite(out Outcome) (Outcome, error) {
	if !out.State.IsFinite() {
		return Outcome{}, fault.E(fault.NumericalDivergence, "solver.Update", "non-finite state at iteration", out.State.Iteration)
	}
	if !math.IsNaN(out.Objective) && math.IsInf(out.Objective, 0) {
		return Outcome{}, fault.E(fault.NumericalDivergence, "solver.Update", "infinite objective at iteration", out.State.Iteration)
	}
	return out, nil
}

// gradientVariant is preconditioned steepest descent with a
// backtracking line search.
type gradientVariant struct{}

func (gradientVariant) Name() string { return "gradient" }
func (gradientVariant) Pass() Pass   { return PassGradient }

func (gradientVariant) Update(ctx context.Context, env Env, state *bigrecon.State, c Contribution, mem *Memory) (Outcome, error) {
	g, w := gradient(env, state, c)
	d := scaled(-1, precondition(g, w, env.WeightFloor))
	out, err := lineSearch(ctx, env, state, env.Objective(state, c.Objective), d, 2*dot(g, d))
	if err != nil {
		return Outcome{}, err
	}
	return checkFinite(out)
}

// cgVariant is nonlinear conjugate gradient with the Polak-Ribière+
// update on the preconditioned gradient. The direction is reset to
// steepest descent whenever it is not a descent direction, when the
// shape of the update changes, and after a zero step.
type cgVariant struct{}

func (cgVariant) Name() string { return "cg" }
func (cgVariant) Pass() Pass   { return PassGradient }

func compatible(a, b operator.Gradient) bool {
	if a.Object == nil || b.Object == nil || !a.Object.SameShape(b.Object) {
		return false
	}
	if (a.Probe == nil) != (b.Probe == nil) {
		return false
	}
	return a.Probe == nil || a.Probe.SameShape(b.Probe)
}

func (cgVariant) Update(ctx context.Context, env Env, state *bigrecon.State, c Contribution, mem *Memory) (Outcome, error) {
	g, w := gradient(env, state, c)
	s := precondition(g, w, env.WeightFloor)
	d := scaled(-1, s)
	if mem != nil && compatible(mem.Gradient, g) && compatible(mem.Direction, g) {
		if den := dot(mem.Gradient, mem.Precond); den > 0 {
			beta := (dot(g, s) - dot(g, mem.Precond)) / den
			if beta > 0 {
				cand := operator.Gradient{Object: d.Object.Copy().AddScaled(complex(beta, 0), mem.Direction.Object)}
				if d.Probe != nil {
					cand.Probe = d.Probe.Copy().AddScaled(complex(beta, 0), mem.Direction.Probe)
				}
				if dot(g, cand) < 0 {
					d = cand
				}
			}
		}
	}
	out, err := lineSearch(ctx, env, state, env.Objective(state, c.Objective), d, 2*dot(g, d))
	if err != nil {
		return Outcome{}, err
	}
	if out.Step > 0 {
		out.Memory = &Memory{Gradient: g, Precond: s, Direction: d}
	}
	return checkFinite(out)
}

// projectionVariant is alternating projection: each position's
// prediction is projected onto its measurement, and the object and
// probe are replaced by the least-squares solution of the overlap
// constraint, the ratio of the combined numerators and weights.
type projectionVariant struct{}

func (projectionVariant) Name() string { return "projection" }
func (projectionVariant) Pass() Pass   { return PassProject }

// solve returns num/w where w is positive, and old elsewhere. Weights
// of shape [h, w] apply to every mode.
func solve(old, num, w *array.Array) *array.Array {
	out := old.Copy()
	n := w.Len()
	o, nd, wd := out.Data(), num.Data(), w.Data()
	for i := range o {
		if wv := real(wd[i%n]); wv > 0 {
			o[i] = nd[i] / complex(wv, 0)
		}
	}
	return out
}

func (projectionVariant) Update(ctx context.Context, env Env, state *bigrecon.State, c Contribution, mem *Memory) (Outcome, error) {
	object := solve(state.Object, c.Object, c.ObjectWeight)
	var probe *array.Array
	if env.UpdateProbe && c.Probe != nil {
		num, w := c.Probe, c.ProbeWeight
		if env.Support != nil {
			// The penalty adds mask^2 to the weights of the normal
			// equations without changing their right hand side.
			w = w.Copy().Add(env.Support.Diag(state.Probe))
		}
		probe = solve(state.Probe, num, w)
	}
	return checkFinite(Outcome{State: state.Next(object, probe), Objective: math.NaN(), Step: 1})
}
