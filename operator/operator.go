// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package operator defines the forward models used by reconstructions
// together with their adjoints. An operator maps a state snapshot and
// a batch of positions to predicted measurement-space data (Forward),
// and maps a measurement-space residual back to a state-space gradient
// (Adjoint). Forward and Adjoint satisfy the adjoint identity
//
//	<Forward(x), y> = <x, Adjoint(y)>
//
// within floating point tolerance, separately for the object and, in
// ptychography, for the probe.
//
// Operators are pure functions of their inputs and are safe for
// concurrent use. They are gob-encodable so that they may be shipped
// to remote workers.
package operator

import (
	"encoding/gob"
	"fmt"
	"math"

	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/fault"
)

func init() {
	gob.Register(&Ptycho{})
	gob.Register(&Tomo{})
}

// Gradient is a state-space quantity: a gradient or a diagonal
// preconditioner for the object and, in ptychography, the probe.
type Gradient struct {
	Object *array.Array
	Probe  *array.Array
}

// Release releases the gradient's arrays.
func (g Gradient) Release() {
	if g.Object != nil {
		g.Object.Release()
	}
	if g.Probe != nil {
		g.Probe.Release()
	}
}

// Operator is a paired forward and adjoint model.
type Operator interface {
	// Name returns the operator's name.
	Name() string

	// Check verifies that the geometry of each position is compatible
	// with the state. Check returns a ShapeMismatch fault otherwise.
	Check(state *bigrecon.State, positions []bigrecon.Position) error

	// MeasurementLen returns the number of values in a measurement
	// predicted from the provided state.
	MeasurementLen(state *bigrecon.State) int

	// Footprint returns the number of device bytes required per
	// position in a batch, and the number of bytes required once per
	// device (state copies, gradients, and weights).
	Footprint(state *bigrecon.State) (perPosition, fixed int64)

	// Forward returns the predicted data for the provided positions.
	// The first dimension of the returned array indexes positions.
	Forward(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position) (*array.Array, error)

	// Adjoint maps the measurement-space residual (shaped as
	// Forward's output) back to state space.
	Adjoint(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position, residual *array.Array) (Gradient, error)

	// Weights returns diagonal preconditioners for the object and
	// probe gradients of the provided positions: the diagonal of the
	// normal operator, or a majorizer of it.
	Weights(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position) (Gradient, error)

	// Cost returns the operator's measurement metric.
	Cost() Metric
}

// ByName returns the operator with the provided name: "ptycho",
// "ptycho-poisson", or "tomo".
func ByName(name string) (Operator, error) {
	switch name {
	case "ptycho", "ptycho-gaussian":
		return &Ptycho{Noise: "gaussian"}, nil
	case "ptycho-poisson":
		return &Ptycho{Noise: "poisson"}, nil
	case "tomo":
		return new(Tomo), nil
	}
	return nil, fmt.Errorf("operator %q not defined", name)
}

// CheckPositions verifies that a footprint of size h x w placed at each
// position lies within an object of size H x W. Positions are rounded
// down to whole pixels.
func CheckPositions(positions []bigrecon.Position, H, W, h, w int) error {
	for i, p := range positions {
		if !p.IsFinite() {
			return fault.E(fault.ShapeMismatch, "operator.Check", fmt.Sprintf("position %d %v is not finite", i, p))
		}
		y, x := int(math.Floor(p.Y)), int(math.Floor(p.X))
		if y < 0 || x < 0 || y+h > H || x+w > W {
			return fault.E(fault.ShapeMismatch, "operator.Check",
				fmt.Sprintf("position %d %v: footprint %dx%d outside object %dx%d", i, p, h, w, H, W))
		}
	}
	return nil
}

func corner(p bigrecon.Position) (int, int) {
	return int(math.Floor(p.Y)), int(math.Floor(p.X))
}

func sameShape(x, y []int) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
