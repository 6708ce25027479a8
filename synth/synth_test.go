// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package synth

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/grailbio/bigrecon"
)

func TestPtycho(t *testing.T) {
	p, err := Ptycho(DefaultPtycho)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Data.Len(), 100; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(p.Data.Measurement(0)), 16*16; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Measurements of the truth have zero cost.
	pred, err := p.Op.Forward(nil, p.Truth, bigrecon.Positions(p.Data)[:3])
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if c := p.Op.Cost().Eval(pred.Index(i), p.Data.Measurement(i), nil); c > 1e-18 {
			t.Errorf("position %d: cost %v", i, c)
		}
	}
	for _, v := range p.Truth.Object.Data() {
		if a := cmplx.Abs(v); a < 0.6-1e-12 || a > 1+1e-12 {
			t.Fatalf("amplitude %v", a)
		}
		if ph := cmplx.Phase(v); math.Abs(ph) > 0.5+1e-12 {
			t.Fatalf("phase %v", ph)
		}
	}
}

func TestPtychoModes(t *testing.T) {
	opts := DefaultPtycho
	opts.Modes = 2
	p, err := Ptycho(opts)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Truth.Modes(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTomo(t *testing.T) {
	p, err := Tomo(16, 12, 3)
	if err != nil {
		t.Fatal(err)
	}
	// Every projection preserves the object's mass up to rays that
	// leave the detector, which the object's disk support rules out.
	mass := real(p.Truth.Object.Sum())
	for i := 0; i < p.Data.Len(); i++ {
		var s float64
		for _, v := range p.Data.Measurement(i) {
			s += v
		}
		if math.Abs(s-mass) > 1e-9*mass {
			t.Errorf("angle %d: got %v, want %v", i, s, mass)
		}
	}
}
