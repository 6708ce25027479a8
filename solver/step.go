// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package solver implements the local solver step, which computes the
// contribution of a single batch from a read-only state snapshot, and
// the variants that turn combined contributions into the next
// snapshot.
//
// A step never modifies the state it is given. Steps that observe
// non-finite predictions or costs fail with a NumericalDivergence
// fault; they are never retried locally.
package solver

import (
	"context"
	"fmt"

	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/fault"
	"github.com/grailbio/bigrecon/operator"
)

// Pass is the kind of computation performed by a step.
type Pass int

const (
	// PassEvaluate computes the objective only.
	PassEvaluate Pass = iota
	// PassGradient computes the objective, the state gradient, and its
	// diagonal preconditioner.
	PassGradient
	// PassProject computes the objective and the numerators and
	// weights of the overlap projection.
	PassProject
)

// String returns the pass's name.
func (p Pass) String() string {
	switch p {
	case PassEvaluate:
		return "evaluate"
	case PassGradient:
		return "gradient"
	case PassProject:
		return "project"
	default:
		return fmt.Sprintf("Pass(%d)", int(p))
	}
}

// A Batch holds the positions and measurements processed in one step.
type Batch struct {
	Positions    []bigrecon.Position
	Measurements []bigrecon.Measurement
}

// NewBatch returns the batch of ds with the provided indices.
func NewBatch(ds bigrecon.Dataset, indices []int) Batch {
	sub := bigrecon.Subset(ds, indices)
	return Batch{sub.Positions, sub.Measurements}
}

// Len returns the number of positions in the batch.
func (b Batch) Len() int { return len(b.Positions) }

// Split splits the batch into two halves.
func (b Batch) Split() (Batch, Batch) {
	n := len(b.Positions) / 2
	return Batch{b.Positions[:n], b.Measurements[:n]},
		Batch{b.Positions[n:], b.Measurements[n:]}
}

// Evaluate returns the objective contribution of the batch. It shares
// its forward and cost computation with every other pass, so that
// objectives computed by line searches match those computed by
// gradient passes exactly.
func Evaluate(ctx context.Context, dev *array.Device, op operator.Operator, state *bigrecon.State, batch Batch) (Contribution, error) {
	return Step(ctx, dev, op, state, batch, PassEvaluate)
}

// Step computes the contribution of a batch for the provided pass. The
// state is uploaded to the device for the duration of the step; the
// returned contribution lives on the host. Allocation faults are
// returned to the caller, who may retry with a smaller batch.
func Step(ctx context.Context, dev *array.Device, op operator.Operator, state *bigrecon.State, batch Batch, pass Pass) (Contribution, error) {
	if err := ctx.Err(); err != nil {
		return Contribution{}, err
	}
	if batch.Len() == 0 {
		return Contribution{}, nil
	}
	local, err := upload(ctx, dev, state)
	if err != nil {
		return Contribution{}, err
	}
	defer release(local)

	pred, err := op.Forward(dev, local, batch.Positions)
	if err != nil {
		return Contribution{}, err
	}
	defer pred.Release()
	if !pred.IsFinite() {
		return Contribution{}, fault.E(fault.NumericalDivergence, "solver.Step", "non-finite forward model at", state)
	}

	var (
		metric = op.Cost()
		c      = Contribution{Count: batch.Len()}
		resid  *array.Array
	)
	if pass != PassEvaluate {
		resid, err = dev.Alloc(pred.Shape()...)
		if err != nil {
			return Contribution{}, err
		}
		defer resid.Release()
	}
	for i, d := range batch.Measurements {
		if len(d) != op.MeasurementLen(local) {
			return Contribution{}, fault.E(fault.ShapeMismatch, "solver.Step",
				fmt.Sprintf("measurement %d has %d values, want %d", i, len(d), op.MeasurementLen(local)))
		}
		var r *array.Array
		if pass == PassGradient {
			r = resid.Index(i)
		}
		c.Objective += metric.Eval(pred.Index(i), d, r)
		if pass == PassProject {
			// The residual is the displacement to the projection.
			r = resid.Index(i)
			metric.Project(pred.Index(i), d, r)
			r.Sub(pred.Index(i)).Scale(-1)
		}
	}
	if !c.IsFinite() {
		return Contribution{}, fault.E(fault.NumericalDivergence, "solver.Step", "non-finite objective at", state)
	}
	if pass == PassEvaluate {
		return c, nil
	}

	grad, err := op.Adjoint(dev, local, batch.Positions, resid)
	if err != nil {
		return Contribution{}, err
	}
	defer grad.Release()
	weights, err := op.Weights(dev, local, batch.Positions)
	if err != nil {
		return Contribution{}, err
	}
	defer weights.Release()

	if pass == PassProject {
		// Numerators of the overlap projection: w*x - g.
		grad.Object.Scale(-1).Add(weights.Object.Copy().Mul(local.Object))
		if grad.Probe != nil {
			for k := 0; k < local.Probe.Dim(0); k++ {
				mode := grad.Probe.Index(k)
				mode.Scale(-1).Add(weights.Probe.Copy().Mul(local.Probe.Index(k)))
			}
		}
	}
	if c.Object, err = download(ctx, grad.Object); err != nil {
		return Contribution{}, err
	}
	if c.ObjectWeight, err = download(ctx, weights.Object); err != nil {
		return Contribution{}, err
	}
	if c.Probe, err = download(ctx, grad.Probe); err != nil {
		return Contribution{}, err
	}
	if c.ProbeWeight, err = download(ctx, weights.Probe); err != nil {
		return Contribution{}, err
	}
	if !c.IsFinite() {
		return Contribution{}, fault.E(fault.NumericalDivergence, "solver.Step", "non-finite gradient at", state)
	}
	return c, nil
}

func upload(ctx context.Context, dev *array.Device, state *bigrecon.State) (*bigrecon.State, error) {
	obj := dev.Upload(state.Object)
	var probe *array.Transfer
	if state.Probe != nil {
		probe = dev.Upload(state.Probe)
	}
	local := &bigrecon.State{Iteration: state.Iteration}
	var err error
	if local.Object, err = obj.Wait(ctx); err != nil {
		if probe != nil {
			if p, perr := probe.Wait(ctx); perr == nil {
				p.Release()
			}
		}
		return nil, err
	}
	if probe != nil {
		if local.Probe, err = probe.Wait(ctx); err != nil {
			local.Object.Release()
			return nil, err
		}
	}
	return local, nil
}

func release(s *bigrecon.State) {
	s.Object.Release()
	if s.Probe != nil {
		s.Probe.Release()
	}
}

func download(ctx context.Context, a *array.Array) (*array.Array, error) {
	if a == nil {
		return nil, nil
	}
	return array.Download(a).Wait(ctx)
}
