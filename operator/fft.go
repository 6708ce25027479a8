// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package operator

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2 is an orthonormal two-dimensional FFT over row-major h x w
// buffers. fft2s are not safe for concurrent use; they are pooled per
// shape.
type fft2 struct {
	h, w       int
	rows, cols *fourier.CmplxFFT
	in, out    []complex128
	scale      complex128
}

type shape2 struct{ h, w int }

var fftPools sync.Map // shape2 -> *sync.Pool

func getFFT(h, w int) *fft2 {
	key := shape2{h, w}
	p, ok := fftPools.Load(key)
	if !ok {
		p, _ = fftPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				n := h
				if w > n {
					n = w
				}
				return &fft2{
					h:     h,
					w:     w,
					rows:  fourier.NewCmplxFFT(w),
					cols:  fourier.NewCmplxFFT(h),
					in:    make([]complex128, n),
					out:   make([]complex128, n),
					scale: complex(1/math.Sqrt(float64(h*w)), 0),
				}
			},
		})
	}
	return p.(*sync.Pool).Get().(*fft2)
}

func putFFT(f *fft2) {
	p, _ := fftPools.Load(shape2{f.h, f.w})
	p.(*sync.Pool).Put(f)
}

// Forward transforms x in place.
func (f *fft2) Forward(x []complex128) { f.transform(x, false) }

// Inverse transforms x in place; Inverse(Forward(x)) == x.
func (f *fft2) Inverse(x []complex128) { f.transform(x, true) }

func (f *fft2) transform(x []complex128, inverse bool) {
	h, w := f.h, f.w
	in, out := f.in[:w], f.out[:w]
	for r := 0; r < h; r++ {
		row := x[r*w : (r+1)*w]
		copy(in, row)
		if inverse {
			f.rows.Sequence(out, in)
		} else {
			f.rows.Coefficients(out, in)
		}
		copy(row, out)
	}
	in, out = f.in[:h], f.out[:h]
	for c := 0; c < w; c++ {
		for r := 0; r < h; r++ {
			in[r] = x[r*w+c]
		}
		if inverse {
			f.cols.Sequence(out, in)
		} else {
			f.cols.Coefficients(out, in)
		}
		for r := 0; r < h; r++ {
			x[r*w+c] = out[r] * f.scale
		}
	}
}
