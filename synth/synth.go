// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package synth generates noiseless synthetic reconstruction problems
// from known ground truth. It is used by tests and by the bigrecon
// command's demo mode.
package synth

import (
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/operator"
	"github.com/grailbio/bigrecon/probe"
)

// A Problem is a dataset together with the operator and ground truth
// that produced it.
type Problem struct {
	Op      operator.Operator
	Data    *bigrecon.MemDataset
	Truth   *bigrecon.State
	Comment string
}

// Raster returns a rows x cols grid of positions spaced by step pixels
// with its first position at (offset, offset).
func Raster(rows, cols int, step, offset float64) []bigrecon.Position {
	positions := make([]bigrecon.Position, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			positions = append(positions, bigrecon.Position{
				Y: offset + float64(r)*step,
				X: offset + float64(c)*step,
			})
		}
	}
	return positions
}

// Angles returns n projection angles evenly spaced over [0, pi).
func Angles(n int) []bigrecon.Position {
	positions := make([]bigrecon.Position, n)
	for i := range positions {
		positions[i].Theta = math.Pi * float64(i) / float64(n)
	}
	return positions
}

// Object returns a random size x size object with amplitude in [0.6, 1]
// and phase in [-0.5, 0.5].
func Object(size int, rng *rand.Rand) *array.Array {
	obj := array.New(size, size)
	for i := range obj.Data() {
		amp := 0.6 + 0.4*rng.Float64()
		phase := rng.Float64() - 0.5
		obj.Data()[i] = cmplx.Rect(amp, phase)
	}
	return obj
}

// Probe returns a probe of shape [modes, size, size] with a gaussian
// amplitude and a random phase within ±0.5 radians.
func Probe(size, modes int, rng *rand.Rand) *array.Array {
	p := probe.Gaussian(size, 0.3, 0.9)
	for i, v := range p.Data() {
		p.Data()[i] = v * cmplx.Rect(1, rng.Float64()-0.5)
	}
	if modes > 1 {
		p = probe.AddModes(p, modes, rng)
		probe.RescalePhotons(p, p.Index(0).Norm2(), probe.PowerFractions(modes, 0.3))
	}
	return p
}

// Measure returns the measurements predicted by op at the provided
// positions: intensities summed over modes in ptychography, and the
// real part of each projection in tomography.
func Measure(op operator.Operator, truth *bigrecon.State, positions []bigrecon.Position) ([]bigrecon.Measurement, error) {
	pred, err := op.Forward(nil, truth, positions)
	if err != nil {
		return nil, err
	}
	n := op.MeasurementLen(truth)
	data := make([]bigrecon.Measurement, len(positions))
	for i := range data {
		p := pred.Index(i).Data()
		d := make(bigrecon.Measurement, n)
		for k, v := range p {
			if _, ok := op.(*operator.Tomo); ok {
				d[k%n] += real(v)
			} else {
				d[k%n] += real(v)*real(v) + imag(v)*imag(v)
			}
		}
		data[i] = d
	}
	return data, nil
}

// PtychoOptions configures a synthetic ptychography problem.
type PtychoOptions struct {
	ObjectSize int
	ProbeSize  int
	Modes      int
	Rows, Cols int
	Step       float64
	Offset     float64
	Seed       int64
	Noise      string
}

// DefaultPtycho is a 100 position raster over a 64 x 64 object with a
// 16 x 16 probe.
var DefaultPtycho = PtychoOptions{
	ObjectSize: 64,
	ProbeSize:  16,
	Modes:      1,
	Rows:       10,
	Cols:       10,
	Step:       4,
	Offset:     2,
	Seed:       1,
}

// Ptycho returns a synthetic ptychography problem.
func Ptycho(opts PtychoOptions) (*Problem, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	truth := &bigrecon.State{
		Object: Object(opts.ObjectSize, rng),
		Probe:  Probe(opts.ProbeSize, opts.Modes, rng),
	}
	op := &operator.Ptycho{Noise: opts.Noise}
	positions := Raster(opts.Rows, opts.Cols, opts.Step, opts.Offset)
	if err := op.Check(truth, positions); err != nil {
		return nil, err
	}
	data, err := Measure(op, truth, positions)
	if err != nil {
		return nil, err
	}
	return &Problem{
		Op:      op,
		Data:    bigrecon.NewMemDataset(positions, data),
		Truth:   truth,
		Comment: "synthetic ptychography",
	}, nil
}

// Tomo returns a synthetic tomography problem with a real size x size
// object observed at n angles.
func Tomo(size, n int, seed int64) (*Problem, error) {
	rng := rand.New(rand.NewSource(seed))
	obj := array.New(size, size)
	c := float64(size-1) / 2
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			if math.Hypot(float64(i)-c, float64(j)-c) < c*0.8 {
				obj.Data()[i*size+j] = complex(0.5+0.5*rng.Float64(), 0)
			}
		}
	}
	truth := &bigrecon.State{Object: obj}
	op := new(operator.Tomo)
	positions := Angles(n)
	data, err := Measure(op, truth, positions)
	if err != nil {
		return nil, err
	}
	return &Problem{
		Op:      op,
		Data:    bigrecon.NewMemDataset(positions, data),
		Truth:   truth,
		Comment: "synthetic tomography",
	}, nil
}
