// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package probe

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/grailbio/testutil/expect"
)

func TestGaussian(t *testing.T) {
	p := Gaussian(16, 0.5, 1)
	expect.EQ(t, p.Shape(), []int{1, 16, 16})
	center := p.Data()[8*16+8]
	corner := p.Data()[0]
	expect.EQ(t, center, complex(1, 0))
	if real(corner) >= real(center) {
		t.Errorf("corner %v >= center %v", corner, center)
	}
	for i, v := range p.Data() {
		if real(v) < 0 || real(v) > 1 || imag(v) != 0 {
			t.Fatalf("element %d: %v", i, v)
		}
	}
}

func TestAddModes(t *testing.T) {
	p := Gaussian(8, 0.3, 0.9)
	q := AddModes(p, 3, rand.New(rand.NewSource(1)))
	expect.EQ(t, q.Shape(), []int{3, 8, 8})
	if !q.Index(0).Equal(p.Index(0)) {
		t.Error("first mode changed")
	}
	power := Power(q)
	for k := 1; k < 3; k++ {
		if math.Abs(power[k]-power[0]) > 1e-9*power[0] {
			t.Errorf("mode %d: got %v, want %v", k, power[k], power[0])
		}
	}
}

func TestRescalePhotons(t *testing.T) {
	p := AddModes(Gaussian(8, 0.3, 0.9), 2, rand.New(rand.NewSource(2)))
	RescalePhotons(p, 1000, nil)
	power := Power(p)
	if got, want := power[0]+power[1], 1000.0; math.Abs(got-want) > 1e-9*want {
		t.Errorf("got %v, want %v", got, want)
	}
	RescalePhotons(p, 10, PowerFractions(2, 0.25))
	power = Power(p)
	if got, want := power[0], 8.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := power[1], 2.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSupportMask(t *testing.T) {
	m := SupportMask(32, 32, 0.35, 2.5, 4)
	if got := real(m.Data()[16*32+16]); got > 1e-3 {
		t.Errorf("center penalty %v", got)
	}
	if got := real(m.Data()[0]); got < 3.9 {
		t.Errorf("edge penalty %v", got)
	}
	if got, want := SupportMask(8, 8, 0.35, 2.5, 0).Norm2(), 0.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOrthogonalize(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	p := AddModes(Gaussian(8, 0.3, 0.9), 3, rng)
	// Make the modes overlap.
	p.Index(1).AddScaled(complex(0.5, 0.2), p.Index(0))
	p.Index(2).AddScaled(complex(-0.3, 0.4), p.Index(1))
	q, power := Orthogonalize(p)
	expect.EQ(t, q.Shape(), p.Shape())
	var before, after float64
	for _, v := range Power(p) {
		before += v
	}
	for k, v := range Power(q) {
		after += v
		if math.Abs(v-power[k]) > 1e-9*v {
			t.Errorf("mode %d: got %v, want %v", k, power[k], v)
		}
		if k > 0 && power[k] > power[k-1] {
			t.Errorf("mode %d: power %v exceeds %v", k, power[k], power[k-1])
		}
	}
	if math.Abs(before-after) > 1e-9*before {
		t.Errorf("got %v, want %v", after, before)
	}
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			if d := cmplx.Abs(q.Index(i).Dot(q.Index(j))); d > 1e-9*before {
				t.Errorf("modes %d and %d: inner product %v", i, j, d)
			}
		}
	}
	// The incoherent intensity is unchanged.
	n := 8 * 8
	for j := 0; j < n; j++ {
		var ip, iq float64
		for k := 0; k < 3; k++ {
			a, b := p.Index(k).Data()[j], q.Index(k).Data()[j]
			ip += real(a)*real(a) + imag(a)*imag(a)
			iq += real(b)*real(b) + imag(b)*imag(b)
		}
		if math.Abs(ip-iq) > 1e-9*(1+ip) {
			t.Fatalf("pixel %d: got %v, want %v", j, iq, ip)
		}
	}
}

func TestOrthogonalizeSingleMode(t *testing.T) {
	p := Gaussian(8, 0.3, 0.9)
	q, power := Orthogonalize(p)
	if !q.Equal(p) {
		t.Error("single mode changed")
	}
	expect.EQ(t, len(power), 1)
}

func TestCenterPeak(t *testing.T) {
	const n = 16
	p := Gaussian(n, 0.1, 0.4)
	shifted := p.Copy()
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			shifted.Data()[mod(r+3, n)*n+mod(c-5, n)] = p.Data()[r*n+c]
		}
	}
	q := CenterPeak(shifted)
	var sum, cr, cc float64
	for i, v := range Intensity(q) {
		sum += v
		cr += v * float64(i/n)
		cc += v * float64(i%n)
	}
	cr, cc = cr/sum, cc/sum
	if math.Abs(cr-n/2) > 1 || math.Abs(cc-n/2) > 1 {
		t.Errorf("centroid (%v, %v), want near (%v, %v)", cr, cc, n/2, n/2)
	}
	if got, want := q.Norm2(), p.Norm2(); math.Abs(got-want) > 1e-9*want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSparsify(t *testing.T) {
	const n = 16
	p := AddModes(Gaussian(n, 0.3, 0.9), 2, rand.New(rand.NewSource(4)))
	if !Sparsify(p, 0).Equal(p) {
		t.Error("zero fraction changed the probe")
	}
	q := Sparsify(p, 0.25)
	for k := 0; k < 2; k++ {
		var zeros int
		for _, v := range q.Index(k).Data() {
			if v == 0 {
				zeros++
			}
		}
		if zeros < n*n/4 {
			t.Errorf("mode %d: got %v zeros, want at least %v", k, zeros, n*n/4)
		}
		if q.Index(k).Data()[n/2*n+n/2] == 0 {
			t.Errorf("mode %d: center zeroed", k)
		}
	}
}
