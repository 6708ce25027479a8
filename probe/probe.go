// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package probe provides constructors and constraints for ptychography
// probes. Probes are arrays of shape [modes, h, w].
package probe

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/grailbio/bigrecon/array"
	"gonum.org/v1/gonum/floats"
)

// Gaussian returns a single-mode, real probe of shape [1, size, size]
// whose amplitude is 1 within the inner radius rin and falls linearly
// to 0 at the outer radius rout. Radii are fractions of the half
// diagonal, with 0 <= rin < rout <= 1.
func Gaussian(size int, rin, rout float64) *array.Array {
	if !(0 <= rin && rin < rout && rout <= 1) {
		panic(fmt.Sprintf("probe.Gaussian: invalid radii %v, %v", rin, rout))
	}
	var (
		p    = array.New(1, size, size)
		d    = p.Data()
		half = float64(size) / 2
		rs   = make([]float64, size*size)
		max  float64
	)
	for r := 0; r < size; r++ {
		for c := 0; c < size; c++ {
			rs[r*size+c] = math.Hypot(float64(r)+0.5-half, float64(c)+0.5-half)
		}
	}
	max = floats.Max(rs)
	rmax := math.Sqrt2*0.5*rout*max + 1
	rmin := math.Sqrt2 * 0.5 * rin * max
	for i, v := range rs {
		switch {
		case v <= rmin:
			d[i] = 1
		case v >= rmax:
			d[i] = 0
		default:
			d[i] = complex((rmax-v)/(rmax-rmin), 0)
		}
	}
	return p
}

// AddModes returns a probe with n modes. Existing modes are kept;
// additional modes are copies of the first mode with a random linear
// phase ramp applied along each axis.
func AddModes(probe *array.Array, n int, rng *rand.Rand) *array.Array {
	m, h, w := probe.Dim(0), probe.Dim(1), probe.Dim(2)
	out := array.New(n, h, w)
	first := probe.Index(0).Data()
	for k := 0; k < n; k++ {
		mode := out.Index(k).Data()
		if k < m {
			copy(mode, probe.Index(k).Data())
			continue
		}
		sy, sx := rng.Float64()-0.5, rng.Float64()-0.5
		for r := 0; r < h; r++ {
			py := cmplx.Exp(complex(0, -2*math.Pi*sy*((float64(r)+0.5)/float64(h)-0.5)))
			for c := 0; c < w; c++ {
				px := cmplx.Exp(complex(0, -2*math.Pi*sx*((float64(c)+0.5)/float64(w)-0.5)))
				mode[r*w+c] = first[r*w+c] * py * px
			}
		}
	}
	return out
}

// Power returns the total intensity of each mode.
func Power(probe *array.Array) []float64 {
	p := make([]float64, probe.Dim(0))
	for k := range p {
		p[k] = probe.Index(k).Norm2()
	}
	return p
}

// RescalePhotons scales the probe in place so that the total intensity
// of its modes is nphotons. If fractions is nil, the modes' relative
// powers are preserved; otherwise mode k receives fractions[k] of the
// total, and fractions must sum to 1.
func RescalePhotons(probe *array.Array, nphotons float64, fractions []float64) {
	power := Power(probe)
	total := floats.Sum(power)
	if total == 0 {
		return
	}
	if fractions == nil {
		fractions = make([]float64, len(power))
		floats.ScaleTo(fractions, 1/total, power)
	}
	if len(fractions) != len(power) {
		panic(fmt.Sprintf("probe.RescalePhotons: %d fractions for %d modes", len(fractions), len(power)))
	}
	for k, pk := range power {
		if pk == 0 {
			continue
		}
		probe.Index(k).Scale(complex(math.Sqrt(fractions[k]*nphotons/pk), 0))
	}
}

// PowerFractions returns n mode power fractions that decay
// geometrically by the provided ratio and sum to 1.
func PowerFractions(n int, ratio float64) []float64 {
	f := make([]float64, n)
	v := 1.0
	for i := range f {
		f[i] = v
		v *= ratio
	}
	floats.Scale(1/floats.Sum(f), f)
	return f
}

// SupportMask returns the finite probe support penalty mask of shape
// [h, w]:
//
//	weight * (1 - exp(-((x/radius)^2 + (y/radius)^2)^degree))
//
// where x and y are pixel centers in [-0.5, 0.5). The mask is 0 near
// the center and approaches weight at the edges.
func SupportMask(h, w int, radius, degree, weight float64) *array.Array {
	mask := array.New(h, w)
	if weight <= 0 {
		return mask
	}
	d := mask.Data()
	for r := 0; r < h; r++ {
		y := -0.5 + (float64(r)+0.5)/float64(h)
		for c := 0; c < w; c++ {
			x := -0.5 + (float64(c)+0.5)/float64(w)
			q := (x/radius)*(x/radius) + (y/radius)*(y/radius)
			d[r*w+c] = complex(weight*(1-math.Exp(-math.Pow(q, degree))), 0)
		}
	}
	return mask
}
