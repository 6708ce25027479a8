// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"fmt"
	"math"

	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/fault"
)

// Tomo is a parallel-beam projection model over a square, 2-D object.
// Each position's angle (Theta) selects one projection of n detector
// bins, where n is the object's width. The projector is pixel driven:
// every pixel center is projected onto the detector and its value is
// split between the two nearest bins by linear interpolation. The
// adjoint back-projects with identical weights.
type Tomo struct{}

// Name implements Operator.
func (*Tomo) Name() string { return "tomo" }

// Cost implements Operator.
func (*Tomo) Cost() Metric { return LeastSquares{} }

// Check implements Operator.
func (*Tomo) Check(state *bigrecon.State, positions []bigrecon.Position) error {
	s := state.Object.Shape()
	if len(s) != 2 || s[0] != s[1] {
		return fault.E(fault.ShapeMismatch, "operator.Tomo", fmt.Sprintf("object shape %v is not square", s))
	}
	for i, p := range positions {
		if !p.IsFinite() {
			return fault.E(fault.ShapeMismatch, "operator.Tomo", fmt.Sprintf("angle %d %v is not finite", i, p))
		}
	}
	return nil
}

// MeasurementLen implements Operator.
func (*Tomo) MeasurementLen(state *bigrecon.State) int {
	return state.Object.Dim(1)
}

// Footprint implements Operator.
func (*Tomo) Footprint(state *bigrecon.State) (perPosition, fixed int64) {
	n := int64(state.Object.Dim(1))
	return 2 * n * array.ElemSize, 4 * n * n * array.ElemSize
}

// project calls fn for each (pixel, bin, weight) triple of the
// projection at angle theta over an n x n object.
func project(n int, theta float64, fn func(pixel, bin int, weight float64)) {
	var (
		c        = float64(n-1) / 2
		cos, sin = math.Cos(theta), math.Sin(theta)
	)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			t := (float64(j)-c)*cos + (float64(i)-c)*sin + c
			k := int(math.Floor(t))
			f := t - float64(k)
			if k >= 0 && k < n {
				fn(i*n+j, k, 1-f)
			}
			if k+1 >= 0 && k+1 < n {
				fn(i*n+j, k+1, f)
			}
		}
	}
}

// Forward implements Operator.
func (*Tomo) Forward(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position) (*array.Array, error) {
	n := state.Object.Dim(1)
	out, err := dev.Alloc(len(positions), n)
	if err != nil {
		return nil, err
	}
	obj, pred := state.Object.Data(), out.Data()
	for i, pos := range positions {
		row := pred[i*n : (i+1)*n]
		project(n, pos.Theta, func(pixel, bin int, weight float64) {
			row[bin] += complex(weight, 0) * obj[pixel]
		})
	}
	return out, nil
}

// Adjoint implements Operator.
func (*Tomo) Adjoint(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position, residual *array.Array) (Gradient, error) {
	n := state.Object.Dim(1)
	if got, want := residual.Shape(), []int{len(positions), n}; !sameShape(got, want) {
		return Gradient{}, fault.E(fault.ShapeMismatch, "operator.Tomo.Adjoint", fmt.Sprintf("residual %v, want %v", got, want))
	}
	og, err := dev.Alloc(n, n)
	if err != nil {
		return Gradient{}, err
	}
	res, grad := residual.Data(), og.Data()
	for i, pos := range positions {
		row := res[i*n : (i+1)*n]
		project(n, pos.Theta, func(pixel, bin int, weight float64) {
			grad[pixel] += complex(weight, 0) * row[bin]
		})
	}
	return Gradient{Object: og}, nil
}

// Weights implements Operator. The object weight is the back
// projection of the projection of a unit object, which majorizes the
// diagonal of the normal operator since all weights are non-negative.
func (t *Tomo) Weights(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position) (Gradient, error) {
	n := state.Object.Dim(1)
	ow, err := dev.Alloc(n, n)
	if err != nil {
		return Gradient{}, err
	}
	w := ow.Data()
	sums := make([]float64, n)
	for _, pos := range positions {
		for k := range sums {
			sums[k] = 0
		}
		project(n, pos.Theta, func(_, bin int, weight float64) {
			sums[bin] += weight
		})
		project(n, pos.Theta, func(pixel, bin int, weight float64) {
			w[pixel] += complex(weight*sums[bin], 0)
		})
	}
	return Gradient{Object: ow}, nil
}
