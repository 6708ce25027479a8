// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrecon/stats"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDispatcher(t *testing.T) {
	var rec Recorder
	d := NewDispatcher(16, &rec)
	for i := 1; i <= 10; i++ {
		if !d.Emit(Progress{Job: "j", Iteration: i}) {
			t.Errorf("event %d dropped", i)
		}
	}
	d.Close()
	events := rec.Events()
	if got, want := len(events), 10; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, e := range events {
		if got, want := e.Iteration, i+1; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestDispatcherNonBlocking(t *testing.T) {
	gate := make(chan struct{})
	block := ObserverFunc(func(Progress) { <-gate })
	d := NewDispatcher(2, block)
	done := make(chan struct{})
	go func() {
		// The first event is taken by the observer; two more fill the
		// queue; the rest are dropped.
		for i := 0; i < 10; i++ {
			d.Emit(Progress{Iteration: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("emit blocked")
	}
	if d.Dropped() < 7 {
		t.Errorf("dropped %d events, want at least 7", d.Dropped())
	}
	close(gate)
	d.Close()

	var nilDispatcher *Dispatcher
	if nilDispatcher.Emit(Progress{}) {
		t.Error("nil dispatcher accepted event")
	}
	nilDispatcher.Close()
}

func TestProgressString(t *testing.T) {
	p := Progress{
		Job:        "ptycho-1",
		Iteration:  3,
		Objective:  0.5,
		Elapsed:    time.Second,
		Partitions: map[int]time.Duration{0: time.Millisecond, 1: 3 * time.Millisecond, 2: 3 * time.Millisecond},
		Excluded:   []int{2},
		Final:      true,
		State:      "converged",
	}
	if part, d := p.Slowest(); part != 1 || d != 3*time.Millisecond {
		t.Errorf("got %v %v, want 1 3ms", part, d)
	}
	want := "ptycho-1: iteration 3: objective 0.5 in 1s (slowest partition 1: 3ms) excluded [2]: converged"
	if got := p.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if part, _ := (Progress{}).Slowest(); part != -1 {
		t.Errorf("got %v, want -1", part)
	}
}

func TestStatusObserver(t *testing.T) {
	var s status.Status
	o := NewStatusObserver(&s)
	o.Observe(Progress{Job: "j", Iteration: 1, Objective: 2})
	if got, want := len(o.tasks), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	o.Observe(Progress{Job: "j", Iteration: 2, Objective: 1, Final: true, State: "converged"})
	if got, want := len(o.tasks), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	LogObserver{}.Observe(Progress{Job: "j"})
}

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver(reg)
	if err != nil {
		t.Fatal(err)
	}
	o.Observe(Progress{
		Job:        "j",
		Iteration:  4,
		Objective:  0.25,
		Partitions: map[int]time.Duration{0: time.Millisecond, 1: time.Millisecond},
		Excluded:   []int{1},
		Stats:      stats.Values{stats.Batches: 6, stats.Splits: 0},
	})
	if got, want := promtest.ToFloat64(o.iteration.WithLabelValues("j")), 4.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := promtest.ToFloat64(o.objective.WithLabelValues("j")), 0.25; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := promtest.ToFloat64(o.counters.WithLabelValues("j", stats.Batches)), 6.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := promtest.CollectAndCount(o.duration), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	expected := `
# HELP bigrecon_excluded_partitions_total Partitions excluded from iterations
# TYPE bigrecon_excluded_partitions_total counter
bigrecon_excluded_partitions_total{job="j"} 1
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(expected), "bigrecon_excluded_partitions_total"); err != nil {
		t.Error(err)
	}
	// Registering twice fails.
	if _, err := NewPrometheusObserver(reg); err == nil {
		t.Error("expected error")
	}
}
