// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package solver

import (
	"fmt"
	"math"

	"github.com/grailbio/bigrecon/array"
)

// A Contribution is the result of a solver step over one batch, or the
// combination of many. Its arrays live on the host. The meaning of the
// state-space fields depends on the pass that produced it: gradients
// and preconditioners for PassGradient, projection numerators and
// weights for PassProject; they are nil for PassEvaluate.
type Contribution struct {
	Object       *array.Array
	ObjectWeight *array.Array
	Probe        *array.Array
	ProbeWeight  *array.Array
	// Objective is the summed cost of the contributing positions.
	Objective float64
	// Count is the number of contributing positions.
	Count int
}

func addArray(dst **array.Array, src *array.Array) {
	switch {
	case src == nil:
	case *dst == nil:
		*dst = src.Copy()
	default:
		(*dst).Add(src)
	}
}

// Add accumulates d into c. Arrays of c that are nil are initialized
// with copies of those of d.
func (c *Contribution) Add(d Contribution) {
	addArray(&c.Object, d.Object)
	addArray(&c.ObjectWeight, d.ObjectWeight)
	addArray(&c.Probe, d.Probe)
	addArray(&c.ProbeWeight, d.ProbeWeight)
	c.Objective += d.Objective
	c.Count += d.Count
}

// Scale multiplies every field of c, except Count, by s.
func (c *Contribution) Scale(s float64) {
	for _, a := range c.arrays() {
		a.Scale(complex(s, 0))
	}
	c.Objective *= s
}

// IsFinite tells whether the contribution is free of NaN and Inf
// values.
func (c Contribution) IsFinite() bool {
	if math.IsNaN(c.Objective) || math.IsInf(c.Objective, 0) {
		return false
	}
	for _, a := range c.arrays() {
		if !a.IsFinite() {
			return false
		}
	}
	return true
}

func (c *Contribution) arrays() []*array.Array {
	var as []*array.Array
	for _, a := range [...]*array.Array{c.Object, c.ObjectWeight, c.Probe, c.ProbeWeight} {
		if a != nil {
			as = append(as, a)
		}
	}
	return as
}

// String returns a short description of the contribution.
func (c Contribution) String() string {
	return fmt.Sprintf("contribution(n=%d objective=%g)", c.Count, c.Objective)
}
