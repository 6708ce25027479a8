// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package solver

import (
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/probe"
)

// ProbeSupport is a penalty on probe intensity outside a finite
// support:
//
//	sum_modes sum |mask * P|^2
//
// where mask is the supergaussian support mask of probe.SupportMask.
// The penalty is global: it is applied once per update, not per
// batch.
type ProbeSupport struct {
	// Weight is the largest value of the mask.
	Weight float64
	// Radius is the radius of the supergaussian, in (0, 0.5].
	Radius float64
	// Degree controls the hardness of the transition at Radius.
	Degree float64
}

// DefaultProbeSupport returns a support penalty of the provided
// weight with the default radius and degree.
func DefaultProbeSupport(weight float64) *ProbeSupport {
	return &ProbeSupport{Weight: weight, Radius: 0.35, Degree: 2.5}
}

// Diag returns the squared mask, of shape [h, w], for the provided
// probe.
func (s *ProbeSupport) Diag(p *array.Array) *array.Array {
	return probe.SupportMask(p.Dim(1), p.Dim(2), s.Radius, s.Degree, s.Weight).AbsSquared()
}

// Penalty returns the value of the penalty.
func (s *ProbeSupport) Penalty(p *array.Array) float64 {
	diag := s.Diag(p).Data()
	var sum float64
	for k := 0; k < p.Dim(0); k++ {
		for i, v := range p.Index(k).Data() {
			sum += real(diag[i]) * (real(v)*real(v) + imag(v)*imag(v))
		}
	}
	return sum
}

// Gradient returns the derivative of the penalty with respect to
// conj(p): mask^2 * p.
func (s *ProbeSupport) Gradient(p *array.Array) *array.Array {
	diag := s.Diag(p)
	g := p.Copy()
	for k := 0; k < g.Dim(0); k++ {
		g.Index(k).Mul(diag)
	}
	return g
}
