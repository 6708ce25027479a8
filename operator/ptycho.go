// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"fmt"
	"math/cmplx"

	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/fault"
)

// Ptycho is the far-field ptychography model. The exit wave of each
// probe mode is the product of the mode with the object patch under
// the probe footprint; it is propagated to the detector by an
// orthonormal two-dimensional Fourier transform. The predicted data
// for a position has shape [modes, h, w]; the measured intensity is
// the incoherent sum of the modes' intensities.
type Ptycho struct {
	// Noise names the measurement metric: "gaussian" (the default) or
	// "poisson".
	Noise string
}

// Name implements Operator.
func (p *Ptycho) Name() string {
	return "ptycho-" + p.Cost().Name()
}

// Cost implements Operator.
func (p *Ptycho) Cost() Metric {
	m, err := MetricByName(p.Noise)
	if err != nil {
		panic(fmt.Sprintf("operator.Ptycho: %v", err))
	}
	return m
}

func probeShape(state *bigrecon.State) (modes, h, w int) {
	s := state.Probe.Shape()
	return s[0], s[1], s[2]
}

// Check implements Operator.
func (p *Ptycho) Check(state *bigrecon.State, positions []bigrecon.Position) error {
	if _, err := MetricByName(p.Noise); err != nil {
		return fault.E(fault.ShapeMismatch, "operator.Ptycho", err)
	}
	if state.Probe == nil || len(state.Probe.Shape()) != 3 {
		return fault.E(fault.ShapeMismatch, "operator.Ptycho", "probe must have shape [modes, h, w]")
	}
	if len(state.Object.Shape()) != 2 {
		return fault.E(fault.ShapeMismatch, "operator.Ptycho", fmt.Sprintf("object shape %v is not 2-D", state.Object.Shape()))
	}
	_, h, w := probeShape(state)
	return CheckPositions(positions, state.Object.Dim(0), state.Object.Dim(1), h, w)
}

// MeasurementLen implements Operator.
func (p *Ptycho) MeasurementLen(state *bigrecon.State) int {
	_, h, w := probeShape(state)
	return h * w
}

// Footprint implements Operator. Each position holds a predicted
// wavefield and a residual; each device holds a copy of the state, the
// object and probe gradients, and their weights.
func (p *Ptycho) Footprint(state *bigrecon.State) (perPosition, fixed int64) {
	m, h, w := probeShape(state)
	probe := int64(m * h * w)
	object := int64(state.Object.Len())
	perPosition = 2 * probe * array.ElemSize
	fixed = (2*object + 2*probe + 3*object + int64(h*w)) * array.ElemSize
	return
}

// Forward implements Operator.
func (p *Ptycho) Forward(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position) (*array.Array, error) {
	m, h, w := probeShape(state)
	out, err := dev.Alloc(len(positions), m, h, w)
	if err != nil {
		return nil, err
	}
	f := getFFT(h, w)
	defer putFFT(f)
	var (
		obj   = state.Object.Data()
		W     = state.Object.Dim(1)
		probe = state.Probe.Data()
		psi   = out.Data()
	)
	for i, pos := range positions {
		y, x := corner(pos)
		for k := 0; k < m; k++ {
			wave := psi[(i*m+k)*h*w : (i*m+k+1)*h*w]
			mode := probe[k*h*w : (k+1)*h*w]
			for r := 0; r < h; r++ {
				for c := 0; c < w; c++ {
					wave[r*w+c] = mode[r*w+c] * obj[(y+r)*W+x+c]
				}
			}
			f.Forward(wave)
		}
	}
	return out, nil
}

// Adjoint implements Operator. The object gradient assumes a fixed
// probe, and the probe gradient assumes a fixed object.
func (p *Ptycho) Adjoint(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position, residual *array.Array) (Gradient, error) {
	m, h, w := probeShape(state)
	if got, want := residual.Shape(), []int{len(positions), m, h, w}; !sameShape(got, want) {
		return Gradient{}, fault.E(fault.ShapeMismatch, "operator.Ptycho.Adjoint", fmt.Sprintf("residual %v, want %v", got, want))
	}
	og, err := dev.Alloc(state.Object.Shape()...)
	if err != nil {
		return Gradient{}, err
	}
	pg, err := dev.Alloc(m, h, w)
	if err != nil {
		og.Release()
		return Gradient{}, err
	}
	f := getFFT(h, w)
	defer putFFT(f)
	var (
		obj   = state.Object.Data()
		W     = state.Object.Dim(1)
		probe = state.Probe.Data()
		res   = residual.Data()
		odata = og.Data()
		pdata = pg.Data()
		tmp   = make([]complex128, h*w)
	)
	for i, pos := range positions {
		y, x := corner(pos)
		for k := 0; k < m; k++ {
			copy(tmp, res[(i*m+k)*h*w:(i*m+k+1)*h*w])
			f.Inverse(tmp)
			mode := probe[k*h*w : (k+1)*h*w]
			pmode := pdata[k*h*w : (k+1)*h*w]
			for r := 0; r < h; r++ {
				for c := 0; c < w; c++ {
					o := (y+r)*W + x + c
					v := tmp[r*w+c]
					odata[o] += cmplx.Conj(mode[r*w+c]) * v
					pmode[r*w+c] += cmplx.Conj(obj[o]) * v
				}
			}
		}
	}
	return Gradient{Object: og, Probe: pg}, nil
}

// Weights implements Operator. The object weight is the total probe
// intensity illuminating each object pixel; the probe weight, of shape
// [h, w], is the total object intensity under each probe pixel.
func (p *Ptycho) Weights(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position) (Gradient, error) {
	_, h, w := probeShape(state)
	ow, err := dev.Alloc(state.Object.Shape()...)
	if err != nil {
		return Gradient{}, err
	}
	pw, err := dev.Alloc(h, w)
	if err != nil {
		ow.Release()
		return Gradient{}, err
	}
	illum := state.Probe.Copy().AbsSquared().SumAxis0().Data()
	var (
		obj   = state.Object.Data()
		W     = state.Object.Dim(1)
		odata = ow.Data()
		pdata = pw.Data()
	)
	for _, pos := range positions {
		y, x := corner(pos)
		for r := 0; r < h; r++ {
			for c := 0; c < w; c++ {
				o := (y+r)*W + x + c
				odata[o] += illum[r*w+c]
				v := obj[o]
				pdata[r*w+c] += complex(real(v)*real(v)+imag(v)*imag(v), 0)
			}
		}
	}
	return Gradient{Object: ow, Probe: pw}, nil
}
