// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"fmt"
	"math"

	"github.com/grailbio/bigrecon/array"
)

// A Metric compares predicted data with a measurement. Predicted data
// for a single position may carry several incoherent modes: a
// prediction with k*len(d) elements is treated as k modes whose
// intensities add.
type Metric interface {
	// Name returns the metric's name.
	Name() string

	// Eval returns the cost of pred against the measurement d. If grad
	// is non-nil, Eval stores in it the derivative of the cost with
	// respect to conj(pred); grad must have pred's shape.
	Eval(pred *array.Array, d []float64, grad *array.Array) float64

	// Project stores in out the projection of pred onto the set of
	// predictions consistent with d.
	Project(pred *array.Array, d []float64, out *array.Array)
}

// MetricByName returns the metric with the provided name.
func MetricByName(name string) (Metric, error) {
	switch name {
	case "", "gaussian":
		return Gaussian{}, nil
	case "poisson":
		return Poisson{}, nil
	case "leastsquares":
		return LeastSquares{}, nil
	}
	return nil, fmt.Errorf("metric %q not defined", name)
}

func modes(pred *array.Array, d []float64) int {
	if len(d) == 0 || pred.Len()%len(d) != 0 {
		panic(fmt.Sprintf("operator: prediction %v does not match measurement of length %d", pred.Shape(), len(d)))
	}
	return pred.Len() / len(d)
}

func intensity(p []complex128, n, m, j int) float64 {
	var s float64
	for k := 0; k < m; k++ {
		v := p[k*n+j]
		s += real(v)*real(v) + imag(v)*imag(v)
	}
	return s
}

// Gaussian is the amplitude least-squares metric
//
//	sum (sqrt(I) - sqrt(d))^2
//
// where I is the predicted intensity summed over modes.
type Gaussian struct{}

// Name implements Metric.
func (Gaussian) Name() string { return "gaussian" }

// Eval implements Metric.
func (Gaussian) Eval(pred *array.Array, d []float64, grad *array.Array) float64 {
	n, m := len(d), modes(pred, d)
	p := pred.Data()
	var cost float64
	for j, dj := range d {
		amp := math.Sqrt(intensity(p, n, m, j))
		a := math.Sqrt(math.Max(dj, 0))
		cost += (amp - a) * (amp - a)
		if grad == nil {
			continue
		}
		g := grad.Data()
		for k := 0; k < m; k++ {
			if amp == 0 {
				g[k*n+j] = 0
			} else {
				g[k*n+j] = p[k*n+j] * complex(1-a/amp, 0)
			}
		}
	}
	return cost
}

// Project implements Metric by replacing the predicted amplitude with
// the measured amplitude, preserving phase and the relative power of
// each mode.
func (Gaussian) Project(pred *array.Array, d []float64, out *array.Array) {
	amplitudeProject(pred, d, out)
}

const poissonEps = 1e-8

// Poisson is the negative Poisson log-likelihood
//
//	sum I - d log(I + eps)
//
// where I is the predicted intensity summed over modes.
type Poisson struct{}

// Name implements Metric.
func (Poisson) Name() string { return "poisson" }

// Eval implements Metric.
func (Poisson) Eval(pred *array.Array, d []float64, grad *array.Array) float64 {
	n, m := len(d), modes(pred, d)
	p := pred.Data()
	var cost float64
	for j, dj := range d {
		I := intensity(p, n, m, j)
		cost += I - dj*math.Log(I+poissonEps)
		if grad == nil {
			continue
		}
		g := grad.Data()
		s := complex(1-dj/(I+poissonEps), 0)
		for k := 0; k < m; k++ {
			g[k*n+j] = p[k*n+j] * s
		}
	}
	return cost
}

// Project implements Metric by amplitude replacement.
func (Poisson) Project(pred *array.Array, d []float64, out *array.Array) {
	amplitudeProject(pred, d, out)
}

func amplitudeProject(pred *array.Array, d []float64, out *array.Array) {
	n, m := len(d), modes(pred, d)
	p, o := pred.Data(), out.Data()
	for j, dj := range d {
		amp := math.Sqrt(intensity(p, n, m, j))
		a := math.Sqrt(math.Max(dj, 0))
		for k := 0; k < m; k++ {
			if amp == 0 {
				o[k*n+j] = complex(a/math.Sqrt(float64(m)), 0)
			} else {
				o[k*n+j] = p[k*n+j] * complex(a/amp, 0)
			}
		}
	}
}

// LeastSquares is the complex least-squares metric sum |pred - d|^2.
// It does not support modes.
type LeastSquares struct{}

// Name implements Metric.
func (LeastSquares) Name() string { return "leastsquares" }

// Eval implements Metric.
func (LeastSquares) Eval(pred *array.Array, d []float64, grad *array.Array) float64 {
	if modes(pred, d) != 1 {
		panic("operator.LeastSquares: modes not supported")
	}
	p := pred.Data()
	var cost float64
	for j, dj := range d {
		r := p[j] - complex(dj, 0)
		cost += real(r)*real(r) + imag(r)*imag(r)
		if grad != nil {
			grad.Data()[j] = r
		}
	}
	return cost
}

// Project implements Metric by replacing the prediction with the
// measurement.
func (LeastSquares) Project(pred *array.Array, d []float64, out *array.Array) {
	if modes(pred, d) != 1 {
		panic("operator.LeastSquares: modes not supported")
	}
	o := out.Data()
	for j, dj := range d {
		o[j] = complex(dj, 0)
	}
}
