// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package array

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrecon/fault"
)

// A Device is a compute device with a finite memory budget. Devices
// account for the bytes held by arrays allocated on them; an
// allocation that would exceed the budget fails with an Allocation
// fault. Devices are safe for concurrent use.
type Device struct {
	// ID is the device's index within its process.
	ID int

	mu     sync.Mutex
	budget int64
	used   int64
	peak   int64
}

// NewDevice returns a device with the provided index and memory
// budget in bytes. A budget <= 0 means unlimited.
func NewDevice(id int, budget int64) *Device {
	return &Device{ID: id, budget: budget}
}

// Budget returns the device's memory budget in bytes.
func (d *Device) Budget() int64 { return d.budget }

// Used returns the number of bytes currently allocated on the device.
func (d *Device) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Peak returns the largest number of bytes that were simultaneously
// allocated on the device.
func (d *Device) Peak() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

// String returns a description of the device.
func (d *Device) String() string {
	return fmt.Sprintf("dev%d", d.ID)
}

// Alloc allocates a zero-valued array of the provided shape on the
// device. Alloc fails with an Allocation fault if the device budget
// would be exceeded. A nil device allocates on the host.
func (d *Device) Alloc(shape ...int) (*Array, error) {
	a := New(shape...)
	if d == nil {
		return a, nil
	}
	n := a.Bytes()
	d.mu.Lock()
	if d.budget > 0 && d.used+n > d.budget {
		used := d.used
		d.mu.Unlock()
		return nil, fault.E(fault.Allocation, "array.Alloc",
			fmt.Sprintf("%s: need %s, %s of %s in use", d, data.Size(n), data.Size(used), data.Size(d.budget)))
	}
	d.used += n
	if d.used > d.peak {
		d.peak = d.used
	}
	d.mu.Unlock()
	a.dev = d
	return a, nil
}

// MustAlloc is like Alloc, but panics on allocation failure. It is
// intended for tests and for allocations on the host.
func (d *Device) MustAlloc(shape ...int) *Array {
	a, err := d.Alloc(shape...)
	if err != nil {
		panic(err)
	}
	return a
}

func (d *Device) free(n int64) {
	d.mu.Lock()
	d.used -= n
	if d.used < 0 {
		panic("array.Device: negative usage")
	}
	d.mu.Unlock()
}

// A Transfer is an asynchronous copy between host and device memory.
// The copy proceeds in the background; Wait is the explicit
// synchronization point at which its result becomes available.
type Transfer struct {
	done  chan struct{}
	array *Array
	err   error

	mu        sync.Mutex
	abandoned bool
}

// Wait blocks until the transfer has completed, or the context is
// done, and returns the destination array. A transfer whose Wait
// returns a context error is abandoned: its destination is released
// once the copy completes, and later calls to Wait fail.
func (t *Transfer) Wait(ctx context.Context) (*Array, error) {
	select {
	case <-t.done:
		return t.result()
	default:
	}
	select {
	case <-t.done:
		return t.result()
	case <-ctx.Done():
		t.abandon()
		return nil, ctx.Err()
	}
}

func (t *Transfer) result() (*Array, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return nil, errors.E(errors.Invalid, "array.Transfer: wait on abandoned transfer")
	}
	return t.array, t.err
}

func (t *Transfer) abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return
	}
	t.abandoned = true
	go func() {
		<-t.done
		if t.array != nil {
			t.array.Release()
		}
	}()
}

// Upload begins an asynchronous copy of the host array src onto the
// device. Allocation failures are reported by Wait.
func (d *Device) Upload(src *Array) *Transfer {
	t := &Transfer{done: make(chan struct{})}
	dst, err := d.Alloc(src.shape...)
	if err != nil {
		t.err = err
		close(t.done)
		return t
	}
	go func() {
		copy(dst.data, src.data)
		t.array = dst
		close(t.done)
	}()
	return t
}

// Download begins an asynchronous copy of a device array to the host.
func Download(src *Array) *Transfer {
	t := &Transfer{done: make(chan struct{})}
	go func() {
		t.array = src.Copy()
		close(t.done)
	}()
	return t
}
