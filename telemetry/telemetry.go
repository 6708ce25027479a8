// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package telemetry reports reconstruction progress. Progress events
// are emitted by the orchestrator after every iteration and delivered
// to observers on a separate goroutine. Emission never blocks: when
// observers fall behind, events are dropped and counted.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/bigrecon/stats"
)

// Progress reports the outcome of an iteration.
type Progress struct {
	// Job identifies the reconstruction.
	Job string
	// Iteration is the iteration just completed.
	Iteration int
	// Objective is the objective after the iteration.
	Objective float64
	// Step is the step size taken by the variant, if any.
	Step float64
	// Elapsed is the wall time of the iteration.
	Elapsed time.Duration
	// Partitions holds the wall time of each partition's gradient pass.
	Partitions map[int]time.Duration
	// Excluded lists partitions excluded from the iteration.
	Excluded []int
	// Stats holds executor counters accumulated during the iteration.
	Stats stats.Values
	// Final is set on the last event of a reconstruction; State then
	// names its terminal state.
	Final bool
	State string
}

// Slowest returns the partition with the longest pass and its
// duration. Slowest returns -1 if no partition durations were
// recorded.
func (p Progress) Slowest() (int, time.Duration) {
	slowest, max := -1, time.Duration(-1)
	for part, d := range p.Partitions {
		if d > max || d == max && part < slowest {
			slowest, max = part, d
		}
	}
	if slowest < 0 {
		return -1, 0
	}
	return slowest, max
}

// String returns a one-line summary of the progress event.
func (p Progress) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: iteration %d: objective %.6g", p.Job, p.Iteration, p.Objective)
	if p.Step != 0 {
		fmt.Fprintf(&b, " step %.3g", p.Step)
	}
	fmt.Fprintf(&b, " in %s", p.Elapsed.Round(time.Millisecond))
	if part, d := p.Slowest(); part >= 0 {
		fmt.Fprintf(&b, " (slowest partition %d: %s)", part, d.Round(time.Millisecond))
	}
	if len(p.Excluded) > 0 {
		excluded := append([]int{}, p.Excluded...)
		sort.Ints(excluded)
		fmt.Fprintf(&b, " excluded %v", excluded)
	}
	if p.Final {
		fmt.Fprintf(&b, ": %s", p.State)
	}
	return b.String()
}

// An Observer receives progress events. Observe is called from a
// single goroutine, in emission order.
type Observer interface {
	Observe(Progress)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Progress)

// Observe implements Observer.
func (f ObserverFunc) Observe(p Progress) { f(p) }

// A Dispatcher delivers progress events to a set of observers through
// a bounded queue.
type Dispatcher struct {
	observers []Observer
	q         chan Progress
	done      chan struct{}
	dropped   int64
	closeOnce sync.Once
}

// NewDispatcher returns a dispatcher with a queue of the provided size
// that delivers events to the provided observers.
func NewDispatcher(size int, observers ...Observer) *Dispatcher {
	if size <= 0 {
		panic("telemetry.NewDispatcher: size <= 0")
	}
	d := &Dispatcher{
		observers: observers,
		q:         make(chan Progress, size),
		done:      make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for p := range d.q {
		for _, o := range d.observers {
			o.Observe(p)
		}
	}
}

// Emit enqueues p for delivery. Emit never blocks: if the queue is
// full, the event is dropped. Emit returns whether the event was
// enqueued. A nil dispatcher drops every event.
func (d *Dispatcher) Emit(p Progress) bool {
	if d == nil {
		return false
	}
	select {
	case d.q <- p:
		return true
	default:
		atomic.AddInt64(&d.dropped, 1)
		return false
	}
}

// Dropped returns the number of events dropped so far.
func (d *Dispatcher) Dropped() int64 {
	return atomic.LoadInt64(&d.dropped)
}

// Close stops accepting events and waits for the queued events to be
// delivered. Emit must not be called after Close.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() { close(d.q) })
	<-d.done
}

// A Recorder is an observer that keeps every event it observes.
type Recorder struct {
	mu     sync.Mutex
	events []Progress
}

// Observe implements Observer.
func (r *Recorder) Observe(p Progress) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
}

// Events returns the events observed so far.
func (r *Recorder) Events() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress{}, r.events...)
}
