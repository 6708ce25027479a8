// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package array

import (
	"bytes"
	"context"
	"encoding/gob"
	"math"
	"math/cmplx"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigrecon/fault"
)

func fuzzArray(fz *fuzz.Fuzzer, shape ...int) *Array {
	a := New(shape...)
	for i := range a.data {
		var re, im int16
		fz.Fuzz(&re)
		fz.Fuzz(&im)
		a.data[i] = complex(float64(re)/100, float64(im)/100)
	}
	return a
}

func TestElementwise(t *testing.T) {
	a := FromSlice([]complex128{1, 2i, 3, -4}, 2, 2)
	b := FromSlice([]complex128{1, 1, 0, 2}, 2, 2)
	c := a.Copy().Add(b)
	if got, want := c.Data(), []complex128{2, 1 + 2i, 3, -2}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	c = a.Copy().Sub(b)
	if got, want := c.Data(), []complex128{0, -1 + 2i, 3, -6}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	c = a.Copy().Mul(b)
	if got, want := c.Data(), []complex128{1, 2i, 0, -8}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	c = a.Copy().Div(b)
	if got, want := c.Data(), []complex128{1, 2i, 0, -2}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	c = a.Copy().Conj().Scale(2)
	if got, want := c.Data(), []complex128{2, -4i, 6, -8}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	c = FromSlice([]complex128{3 + 4i, -5}, 2).Abs()
	if got, want := c.Data(), []complex128{5, 5}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	c = FromSlice([]complex128{3 + 4i, -5}, 2).AbsSquared()
	if got, want := c.Data(), []complex128{25, 25}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReductions(t *testing.T) {
	a := FromSlice([]complex128{1, 1i, 2, 3 - 1i}, 2, 2)
	if got, want := a.Sum(), complex(6, 0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := a.Norm2(), 1.0+1+4+10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := a.Dot(a), complex(a.Norm2(), 0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := a.SumAxis0().Data(), []complex128{3, 3}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := a.Max(), 3.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDotConjugateSymmetry(t *testing.T) {
	fz := fuzz.NewWithSeed(31415)
	for i := 0; i < 20; i++ {
		a, b := fuzzArray(fz, 7, 3), fuzzArray(fz, 7, 3)
		ab, ba := a.Dot(b), b.Dot(a)
		if cmplx.Abs(ab-cmplx.Conj(ba)) > 1e-9*(1+cmplx.Abs(ab)) {
			t.Fatalf("<a,b>=%v, conj(<b,a>)=%v", ab, cmplx.Conj(ba))
		}
	}
}

func TestDeterministic(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	a := fuzzArray(fz, 128)
	b := a.Copy()
	if got, want := a.Sum(), b.Sum(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := a.Norm2(), b.Norm2(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIsFinite(t *testing.T) {
	a := New(4)
	if !a.IsFinite() {
		t.Error("zero array is not finite")
	}
	a.Data()[2] = complex(math.NaN(), 0)
	if a.IsFinite() {
		t.Error("NaN not detected")
	}
	a.Data()[2] = complex(0, math.Inf(-1))
	if a.IsFinite() {
		t.Error("Inf not detected")
	}
}

func TestShapeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New(2, 3).Add(New(3, 2))
}

func TestDeviceAllocation(t *testing.T) {
	dev := NewDevice(0, 10*ElemSize)
	a, err := dev.Alloc(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := dev.Used(), int64(8*ElemSize); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, err = dev.Alloc(3)
	if !fault.Is(fault.Allocation, err) {
		t.Fatalf("got %v, want allocation fault", err)
	}
	a.Release()
	if got, want := dev.Used(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := dev.Peak(), int64(8*ElemSize); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := dev.Alloc(10); err != nil {
		t.Fatal(err)
	}
}

func TestNilDevice(t *testing.T) {
	var dev *Device
	a, err := dev.Alloc(1 << 10)
	if err != nil {
		t.Fatal(err)
	}
	if a.Device() != nil {
		t.Error("expected host array")
	}
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	fz := fuzz.NewWithSeed(1)
	host := fuzzArray(fz, 4, 4)
	dev := NewDevice(1, 0)
	onDev, err := dev.Upload(host).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := onDev.Device(), dev; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	back, err := Download(onDev).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(host) {
		t.Error("round trip mismatch")
	}
	if back.Device() != nil {
		t.Error("downloaded array is not on host")
	}
	onDev.Release()

	small := NewDevice(2, ElemSize)
	if _, err := small.Upload(host).Wait(ctx); !fault.Is(fault.Allocation, err) {
		t.Errorf("got %v, want allocation fault", err)
	}
}

func TestTransferCanceled(t *testing.T) {
	dev := NewDevice(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		xfer := dev.Upload(New(512, 512))
		a, err := xfer.Wait(ctx)
		if err == nil {
			// The copy completed before the wait.
			a.Release()
			continue
		}
		if err != context.Canceled {
			t.Fatalf("got %v, want %v", err, context.Canceled)
		}
		if _, err := xfer.Wait(context.Background()); err == nil {
			t.Error("expected error waiting on an abandoned transfer")
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for dev.Used() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got, want := dev.Used(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGob(t *testing.T) {
	a := FromSlice([]complex128{1 + 2i, 3, 4i, -1}, 1, 2, 2)
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(a); err != nil {
		t.Fatal(err)
	}
	var c *Array
	if err := gob.NewDecoder(&b).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if !c.Equal(a) {
		t.Errorf("got %v, want %v", c.Data(), a.Data())
	}
}

func equal(x, y []complex128) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
