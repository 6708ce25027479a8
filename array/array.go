// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package array implements dense, device-resident complex arrays
// together with the elementwise arithmetic and reductions required by
// reconstruction operators.
//
// Every array has a fixed element type (complex128) and shape. Real
// valued data are stored with zero imaginary parts. Arrays are
// allocated on a Device, which accounts for the bytes held by live
// arrays against a memory budget; arrays that are not attached to a
// device live in (unbounded) host memory.
//
// All operations are deterministic given identical inputs. Reductions
// accumulate sequentially in index order; this is documented on each
// reduction because floating-point addition is not associative, and
// callers that want order-independent results must fix the order in
// which partial reductions are combined.
package array

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/cmplx"
)

// ElemSize is the size in bytes of a single array element.
const ElemSize = 16

// An Array is a dense, row-major complex array.
type Array struct {
	shape []int
	data  []complex128
	dev   *Device
}

// New returns a zero-valued host array of the provided shape.
func New(shape ...int) *Array {
	n := size(shape)
	return &Array{shape: append([]int(nil), shape...), data: make([]complex128, n)}
}

// FromSlice returns a host array of the provided shape that uses data
// as its backing storage. FromSlice panics if the length of data does
// not match the shape.
func FromSlice(data []complex128, shape ...int) *Array {
	if n := size(shape); n != len(data) {
		panic(fmt.Sprintf("array.FromSlice: %d elements for shape %v", len(data), shape))
	}
	return &Array{shape: append([]int(nil), shape...), data: data}
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("array: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Shape returns the array's shape. The returned slice must not be
// modified.
func (a *Array) Shape() []int { return a.shape }

// Dim returns the size of dimension i. Negative indices count from
// the last dimension.
func (a *Array) Dim(i int) int {
	if i < 0 {
		i += len(a.shape)
	}
	return a.shape[i]
}

// Len returns the number of elements in the array.
func (a *Array) Len() int { return len(a.data) }

// Bytes returns the number of bytes occupied by the array's elements.
func (a *Array) Bytes() int64 { return int64(len(a.data)) * ElemSize }

// Data returns the array's backing storage.
func (a *Array) Data() []complex128 { return a.data }

// Device returns the device on which the array is allocated, or nil
// for host arrays.
func (a *Array) Device() *Device { return a.dev }

// Index returns a view of the i'th element along the first dimension.
// The view shares storage with a and is not separately accounted.
func (a *Array) Index(i int) *Array {
	if len(a.shape) == 0 {
		panic("array.Index: scalar array")
	}
	stride := len(a.data) / a.shape[0]
	return &Array{
		shape: a.shape[1:],
		data:  a.data[i*stride : (i+1)*stride],
	}
}

// Reshape returns a view of the array with a new shape of the same
// size.
func (a *Array) Reshape(shape ...int) *Array {
	if size(shape) != len(a.data) {
		panic(fmt.Sprintf("array.Reshape: cannot reshape %v to %v", a.shape, shape))
	}
	return &Array{shape: append([]int(nil), shape...), data: a.data, dev: a.dev}
}

// Copy returns a host copy of the array.
func (a *Array) Copy() *Array {
	b := New(a.shape...)
	copy(b.data, a.data)
	return b
}

// SameShape tells whether a and b have identical shapes.
func (a *Array) SameShape(b *Array) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

func (a *Array) mustMatch(op string, b *Array) {
	if !a.SameShape(b) {
		panic(fmt.Sprintf("array.%s: shape mismatch %v != %v", op, a.shape, b.shape))
	}
}

// Release returns the array's memory to its device. The array must
// not be used after Release.
func (a *Array) Release() {
	if a.dev != nil {
		a.dev.free(a.Bytes())
		a.dev = nil
	}
	a.data = nil
}

// Fill sets every element to v.
func (a *Array) Fill(v complex128) *Array {
	for i := range a.data {
		a.data[i] = v
	}
	return a
}

// Add sets a = a + b.
func (a *Array) Add(b *Array) *Array {
	a.mustMatch("Add", b)
	for i, v := range b.data {
		a.data[i] += v
	}
	return a
}

// Sub sets a = a - b.
func (a *Array) Sub(b *Array) *Array {
	a.mustMatch("Sub", b)
	for i, v := range b.data {
		a.data[i] -= v
	}
	return a
}

// Mul sets a = a * b elementwise.
func (a *Array) Mul(b *Array) *Array {
	a.mustMatch("Mul", b)
	for i, v := range b.data {
		a.data[i] *= v
	}
	return a
}

// Div sets a = a / b elementwise. Elements where b is zero are set to
// zero.
func (a *Array) Div(b *Array) *Array {
	a.mustMatch("Div", b)
	for i, v := range b.data {
		if v == 0 {
			a.data[i] = 0
			continue
		}
		a.data[i] /= v
	}
	return a
}

// Scale sets a = c * a.
func (a *Array) Scale(c complex128) *Array {
	for i := range a.data {
		a.data[i] *= c
	}
	return a
}

// AddScaled sets a = a + c * b.
func (a *Array) AddScaled(c complex128, b *Array) *Array {
	a.mustMatch("AddScaled", b)
	for i, v := range b.data {
		a.data[i] += c * v
	}
	return a
}

// Conj sets a to its complex conjugate.
func (a *Array) Conj() *Array {
	for i, v := range a.data {
		a.data[i] = cmplx.Conj(v)
	}
	return a
}

// Abs sets a to its elementwise magnitude.
func (a *Array) Abs() *Array {
	for i, v := range a.data {
		a.data[i] = complex(cmplx.Abs(v), 0)
	}
	return a
}

// AbsSquared sets a to its elementwise squared magnitude.
func (a *Array) AbsSquared() *Array {
	for i, v := range a.data {
		a.data[i] = complex(real(v)*real(v)+imag(v)*imag(v), 0)
	}
	return a
}

// Sum returns the sum of all elements, accumulated sequentially in
// index order.
func (a *Array) Sum() complex128 {
	var s complex128
	for _, v := range a.data {
		s += v
	}
	return s
}

// Dot returns the inner product <a, b> = sum(conj(a) * b), accumulated
// sequentially in index order.
func (a *Array) Dot(b *Array) complex128 {
	a.mustMatch("Dot", b)
	var s complex128
	for i, v := range a.data {
		s += cmplx.Conj(v) * b.data[i]
	}
	return s
}

// Norm2 returns the squared L2 norm of a, accumulated sequentially in
// index order.
func (a *Array) Norm2() float64 {
	var s float64
	for _, v := range a.data {
		s += real(v)*real(v) + imag(v)*imag(v)
	}
	return s
}

// Max returns the largest real part of any element.
func (a *Array) Max() float64 {
	m := math.Inf(-1)
	for _, v := range a.data {
		if real(v) > m {
			m = real(v)
		}
	}
	return m
}

// SumAxis0 returns a host array that sums a over its first dimension.
// Slices are accumulated in order of their index.
func (a *Array) SumAxis0() *Array {
	if len(a.shape) == 0 {
		panic("array.SumAxis0: scalar array")
	}
	out := New(a.shape[1:]...)
	for i := 0; i < a.shape[0]; i++ {
		out.Add(a.Index(i))
	}
	return out
}

// IsFinite tells whether every element of a is finite.
func (a *Array) IsFinite() bool {
	for _, v := range a.data {
		if math.IsNaN(real(v)) || math.IsNaN(imag(v)) || math.IsInf(real(v), 0) || math.IsInf(imag(v), 0) {
			return false
		}
	}
	return true
}

// Equal tells whether a and b have the same shape and identical
// elements.
func (a *Array) Equal(b *Array) bool {
	if !a.SameShape(b) {
		return false
	}
	for i, v := range a.data {
		if b.data[i] != v {
			return false
		}
	}
	return true
}

// String returns a short description of the array.
func (a *Array) String() string {
	where := "host"
	if a.dev != nil {
		where = a.dev.String()
	}
	return fmt.Sprintf("array%v@%s", a.shape, where)
}

// wireArray is the gob representation of an array. Device placement
// is not transmitted: decoded arrays live on the host.
type wireArray struct {
	Shape []int
	Data  []complex128
}

// GobEncode implements gob.GobEncoder.
func (a *Array) GobEncode() ([]byte, error) {
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(wireArray{a.shape, a.data})
	return b.Bytes(), err
}

// GobDecode implements gob.GobDecoder.
func (a *Array) GobDecode(p []byte) error {
	var w wireArray
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&w); err != nil {
		return err
	}
	if size(w.Shape) != len(w.Data) {
		return fmt.Errorf("array: decoded %d elements for shape %v", len(w.Data), w.Shape)
	}
	a.shape, a.data, a.dev = w.Shape, w.Data, nil
	if a.data == nil {
		a.data = make([]complex128, 0)
	}
	return nil
}
