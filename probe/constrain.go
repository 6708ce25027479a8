// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package probe

import (
	"math"
	"sort"

	"github.com/grailbio/bigrecon/array"
)

// CenterPeak shifts every mode of p circularly so that the peak of
// the smoothed total intensity lies at the center of the grid. The
// intensity is smoothed with a periodic gaussian whose standard
// deviation is half the probe size.
func CenterPeak(p *array.Array) *array.Array {
	h, w := p.Dim(1), p.Dim(2)
	in := smooth(Intensity(p), h, w, float64(h/2), float64(w/2))
	var peak int
	for i, v := range in {
		if v > in[peak] {
			peak = i
		}
	}
	dr, dc := h/2-peak/w, w/2-peak%w
	out := array.New(p.Shape()...)
	for k := 0; k < p.Dim(0); k++ {
		src, dst := p.Index(k).Data(), out.Index(k).Data()
		for r := 0; r < h; r++ {
			rr := mod(r+dr, h)
			for c := 0; c < w; c++ {
				dst[rr*w+mod(c+dc, w)] = src[r*w+c]
			}
		}
	}
	return out
}

// Sparsify zeroes, in every mode of p, the fraction f of pixels with
// the least smoothed total intensity. The intensity is smoothed with a
// periodic gaussian whose standard deviation is an eighth of the probe
// size. Sparsify returns a copy of p if f <= 0.
func Sparsify(p *array.Array, f float64) *array.Array {
	out := p.Copy()
	if f <= 0 {
		return out
	}
	h, w := p.Dim(1), p.Dim(2)
	in := smooth(Intensity(p), h, w, float64(h)/8, float64(w)/8)
	k := int(f * float64(h*w))
	if k > h*w {
		k = h * w
	}
	order := make([]int, h*w)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return in[order[i]] < in[order[j]] })
	for _, i := range order[:k] {
		for m := 0; m < p.Dim(0); m++ {
			out.Index(m).Data()[i] = 0
		}
	}
	return out
}

// Intensity returns the total intensity of the modes of p at each
// pixel.
func Intensity(p *array.Array) []float64 {
	in := make([]float64, p.Dim(1)*p.Dim(2))
	for k := 0; k < p.Dim(0); k++ {
		for i, v := range p.Index(k).Data() {
			in[i] += real(v)*real(v) + imag(v)*imag(v)
		}
	}
	return in
}

// smooth convolves the h x w image x with a separable, periodic
// gaussian, truncated at four standard deviations.
func smooth(x []float64, h, w int, sr, sc float64) []float64 {
	rows := kernel(sr)
	cols := kernel(sc)
	tmp := make([]float64, len(x))
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			var s float64
			for i, k := range cols {
				s += k * x[r*w+mod(c+i-len(cols)/2, w)]
			}
			tmp[r*w+c] = s
		}
	}
	out := make([]float64, len(x))
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			var s float64
			for i, k := range rows {
				s += k * tmp[mod(r+i-len(rows)/2, h)*w+c]
			}
			out[r*w+c] = s
		}
	}
	return out
}

func kernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(4*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func mod(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
