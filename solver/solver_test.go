// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package solver

import (
	"context"
	"math"
	"testing"

	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/fault"
	"github.com/grailbio/bigrecon/operator"
	"github.com/grailbio/bigrecon/synth"
)

func smallProblem(t *testing.T) *synth.Problem {
	t.Helper()
	opts := synth.DefaultPtycho
	opts.ObjectSize, opts.ProbeSize = 24, 8
	opts.Rows, opts.Cols, opts.Step, opts.Offset = 5, 5, 3, 2
	p, err := synth.Ptycho(opts)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func initial(p *synth.Problem) *bigrecon.State {
	return &bigrecon.State{
		Object: array.New(p.Truth.Object.Shape()...).Fill(1),
		Probe:  p.Truth.Probe.Copy(),
	}
}

func all(p *synth.Problem) Batch {
	idx := make([]int, p.Data.Len())
	for i := range idx {
		idx[i] = i
	}
	return NewBatch(p.Data, idx)
}

// evaluator evaluates the mean objective over the whole dataset in a
// single batch.
func evaluator(op operator.Operator, b Batch) func(context.Context, *bigrecon.State) (float64, error) {
	return func(ctx context.Context, s *bigrecon.State) (float64, error) {
		c, err := Evaluate(ctx, nil, op, s, b)
		if err != nil {
			return 0, err
		}
		return c.Objective / float64(c.Count), nil
	}
}

func TestStepSplitInvariance(t *testing.T) {
	ctx := context.Background()
	p := smallProblem(t)
	state := initial(p)
	b := all(p)
	for _, pass := range []Pass{PassEvaluate, PassGradient, PassProject} {
		whole, err := Step(ctx, nil, p.Op, state, b, pass)
		if err != nil {
			t.Fatal(err)
		}
		l, r := b.Split()
		var sum Contribution
		for _, half := range []Batch{l, r} {
			c, err := Step(ctx, nil, p.Op, state, half, pass)
			if err != nil {
				t.Fatal(err)
			}
			sum.Add(c)
		}
		if got, want := sum.Count, whole.Count; got != want {
			t.Errorf("%v: got %v, want %v", pass, got, want)
		}
		if math.Abs(sum.Objective-whole.Objective) > 1e-9*whole.Objective {
			t.Errorf("%v: got %v, want %v", pass, sum.Objective, whole.Objective)
		}
		if pass == PassEvaluate {
			if whole.Object != nil {
				t.Errorf("%v: unexpected gradient", pass)
			}
			continue
		}
		diff := sum.Object.Copy().Sub(whole.Object).Norm2()
		if diff > 1e-18*(1+whole.Object.Norm2()) {
			t.Errorf("%v: object contributions differ by %v", pass, diff)
		}
	}
}

func TestStepDoesNotMutateState(t *testing.T) {
	p := smallProblem(t)
	state := initial(p)
	digest := state.Digest()
	if _, err := Step(context.Background(), nil, p.Op, state, all(p), PassProject); err != nil {
		t.Fatal(err)
	}
	if got, want := state.Digest(), digest; got != want {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestStepReleasesDevice(t *testing.T) {
	p := smallProblem(t)
	dev := array.NewDevice(0, 0)
	if _, err := Step(context.Background(), dev, p.Op, initial(p), all(p), PassGradient); err != nil {
		t.Fatal(err)
	}
	if got, want := dev.Used(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if dev.Peak() == 0 {
		t.Error("nothing allocated on device")
	}
}

func TestStepAllocation(t *testing.T) {
	p := smallProblem(t)
	dev := array.NewDevice(0, 1024)
	_, err := Step(context.Background(), dev, p.Op, initial(p), all(p), PassGradient)
	if !fault.Is(fault.Allocation, err) {
		t.Fatalf("got %v, want allocation fault", err)
	}
	if got, want := dev.Used(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// nanOp injects a NaN into the prediction of position 0.
type nanOp struct{ operator.Operator }

func (o nanOp) Forward(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position) (*array.Array, error) {
	pred, err := o.Operator.Forward(dev, state, positions)
	if err == nil {
		pred.Data()[0] = complex(math.NaN(), 0)
	}
	return pred, err
}

func TestStepDivergence(t *testing.T) {
	p := smallProblem(t)
	_, err := Step(context.Background(), nil, nanOp{p.Op}, initial(p), all(p), PassGradient)
	if !fault.Is(fault.NumericalDivergence, err) {
		t.Fatalf("got %v, want numerical divergence", err)
	}
}

func TestMonotone(t *testing.T) {
	ctx := context.Background()
	p := smallProblem(t)
	b := all(p)
	for _, name := range []string{"gradient", "cg"} {
		v, err := ByName(name)
		if err != nil {
			t.Fatal(err)
		}
		env := Env{Params: DefaultParams, Evaluate: evaluator(p.Op, b)}
		var (
			state = initial(p)
			mem   *Memory
			prev  = math.Inf(1)
			first float64
		)
		for iter := 0; iter < 6; iter++ {
			c, err := Step(ctx, nil, p.Op, state, b, v.Pass())
			if err != nil {
				t.Fatal(err)
			}
			c.Scale(1 / float64(c.Count))
			f := env.Objective(state, c.Objective)
			if iter == 0 {
				first = f
			}
			if f > prev {
				t.Fatalf("%s: iteration %d: objective increased from %v to %v", name, iter, prev, f)
			}
			prev = f
			out, err := v.Update(ctx, env, state, c, mem)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := out.State.Iteration, state.Iteration+1; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if out.Objective > f {
				t.Errorf("%s: update increased objective from %v to %v", name, f, out.Objective)
			}
			state, mem = out.State, out.Memory
		}
		if !(prev < first) {
			t.Errorf("%s: objective did not decrease: %v -> %v", name, first, prev)
		}
	}
}

func TestProjection(t *testing.T) {
	ctx := context.Background()
	p := smallProblem(t)
	b := all(p)
	v, err := ByName("projection")
	if err != nil {
		t.Fatal(err)
	}
	env := Env{Params: DefaultParams}
	state := initial(p)
	var first, last float64
	for iter := 0; iter < 5; iter++ {
		c, err := Step(ctx, nil, p.Op, state, b, v.Pass())
		if err != nil {
			t.Fatal(err)
		}
		c.Scale(1 / float64(c.Count))
		last = c.Objective
		if iter == 0 {
			first = last
		}
		out, err := v.Update(ctx, env, state, c, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !math.IsNaN(out.Objective) {
			t.Errorf("got %v, want NaN", out.Objective)
		}
		state = out.State
	}
	if !(last < first) {
		t.Errorf("objective did not decrease: %v -> %v", first, last)
	}
}

func TestProbeUpdate(t *testing.T) {
	ctx := context.Background()
	p := smallProblem(t)
	if got, want := p.Truth.Probe.Dim(0), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	b := all(p)
	for _, name := range []string{"gradient", "cg", "projection"} {
		v, _ := ByName(name)
		state := initial(p)
		c, err := Step(ctx, nil, p.Op, state, b, v.Pass())
		if err != nil {
			t.Fatal(err)
		}
		c.Scale(1 / float64(c.Count))
		env := Env{Params: DefaultParams, Evaluate: evaluator(p.Op, b)}
		out, err := v.Update(ctx, env, state, c, nil)
		if err != nil {
			t.Fatal(err)
		}
		if out.State.Probe != state.Probe {
			t.Errorf("%s: probe changed without probe updates", name)
		}
		env.UpdateProbe = true
		env.Support = DefaultProbeSupport(0.1)
		out, err = v.Update(ctx, env, state, c, nil)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got, want := out.State.Probe.Shape(), state.Probe.Shape(); !sameInts(got, want) {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
		if out.Step > 0 && out.State.Probe.Equal(state.Probe) {
			t.Errorf("%s: probe not updated", name)
		}
	}
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLineSearchOvershoot(t *testing.T) {
	ctx := context.Background()
	p := smallProblem(t)
	b := all(p)
	v, _ := ByName("gradient")
	state := initial(p)
	c, err := Step(ctx, nil, p.Op, state, b, v.Pass())
	if err != nil {
		t.Fatal(err)
	}
	c.Scale(1 / float64(c.Count))
	env := Env{Params: DefaultParams, Evaluate: evaluator(p.Op, b)}
	// The first trial overflows; later ones are finite.
	env.Step = StepParams{Initial: 1e200, Shrink: 1e-100, Armijo: 1e-4, MaxBacktrack: 3}
	out, err := v.Update(ctx, env, state, c, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.State.IsFinite() {
		t.Error("accepted a non-finite state")
	}
	f0 := c.Objective
	if !(out.Objective <= f0) {
		t.Errorf("objective increased: %v -> %v", f0, out.Objective)
	}
	if out.Step >= 1e200 {
		t.Errorf("accepted overflowing step %v", out.Step)
	}
}

func TestSupportGradient(t *testing.T) {
	p := smallProblem(t)
	s := DefaultProbeSupport(2)
	probe := p.Truth.Probe
	g := s.Gradient(probe)
	v := probe.Copy().Conj()
	const h = 1e-6
	numeric := (s.Penalty(probe.Copy().AddScaled(h, v)) - s.Penalty(probe.Copy().AddScaled(-h, v))) / (2 * h)
	analytic := 2 * real(g.Dot(v))
	if math.Abs(numeric-analytic) > 1e-5*(1+math.Abs(analytic)) {
		t.Errorf("got %v, want %v", analytic, numeric)
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"gradient", "cg", "projection"} {
		v, err := ByName(name)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := v.Name(), name; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if _, err := ByName("rpie"); err == nil {
		t.Error("expected error")
	}
}
