// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace records partition passes as events in the Chrome
// tracing format, viewable with chrome://tracing. Each executor
// location (the local process, or a worker machine) is a trace
// "process" and each partition is a "thread", so that concurrent
// partitions of a round are shown on their own rows.
package trace

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/file"
)

// T is a trace file.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Encode writes t as JSON to w.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads t as JSON from r.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}

// A Tracer accumulates complete ("X") events. Timestamps are relative
// to the first event recorded. The zero Tracer is ready to use; a nil
// Tracer discards events.
type Tracer struct {
	mu     sync.Mutex
	first  time.Time
	pids   map[string]int
	events []Event
}

// Complete records an event named name that started at start and
// lasted dur, run at location for the provided partition.
func (t *Tracer) Complete(location string, partition int, name string, start time.Time, dur time.Duration, args map[string]interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.first.IsZero() || start.Before(t.first) {
		t.first = start
	}
	if t.pids == nil {
		t.pids = make(map[string]int)
	}
	pid, ok := t.pids[location]
	if !ok {
		pid = len(t.pids)
		t.pids[location] = pid
		t.events = append(t.events, Event{
			Pid:  pid,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{"name": location},
		})
	}
	if args == nil {
		args = make(map[string]interface{})
	}
	t.events = append(t.events, Event{
		Pid:  pid,
		Tid:  partition,
		Ts:   start.UnixNano() / 1e3,
		Ph:   "X",
		Dur:  dur.Nanoseconds() / 1e3,
		Name: name,
		Cat:  "pass",
		Args: args,
	})
}

// Len returns the number of recorded events, excluding metadata.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events) - len(t.pids)
}

// Marshal writes the trace to w. Events are ordered by timestamp.
func (t *Tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	var tr T
	tr.Events = make([]Event, len(t.events))
	first := t.first.UnixNano() / 1e3
	for i, e := range t.events {
		if e.Ph != "M" {
			e.Ts -= first
		}
		tr.Events[i] = e
	}
	t.mu.Unlock()
	sort.SliceStable(tr.Events, func(i, j int) bool {
		return tr.Events[i].Ph == "M" && tr.Events[j].Ph != "M" ||
			tr.Events[i].Ph == tr.Events[j].Ph && tr.Events[i].Ts < tr.Events[j].Ts
	})
	return tr.Encode(w)
}

// WriteFile writes the trace to the provided path, which may be any
// URL supported by package file.
func (t *Tracer) WriteFile(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return t.Marshal(f.Writer(ctx))
}
