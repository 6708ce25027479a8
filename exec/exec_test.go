// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/aggregate"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/internal/trace"
	"github.com/grailbio/bigrecon/partition"
	"github.com/grailbio/bigrecon/solver"
	"github.com/grailbio/bigrecon/stats"
	"github.com/grailbio/bigrecon/synth"
	"github.com/grailbio/testutil"
)

func testProblem(t *testing.T) *synth.Problem {
	t.Helper()
	opts := synth.DefaultPtycho
	opts.ObjectSize, opts.ProbeSize = 24, 8
	opts.Rows, opts.Cols, opts.Step, opts.Offset = 5, 5, 3, 2
	p, err := synth.Ptycho(opts)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func testState(p *synth.Problem) *bigrecon.State {
	return &bigrecon.State{
		Object: array.New(p.Truth.Object.Shape()...).Fill(1),
		Probe:  p.Truth.Probe.Copy(),
	}
}

func testJob(t *testing.T, p *synth.Problem, npart int, opts partition.Options) *Job {
	t.Helper()
	plan, err := partition.New(p.Data.Len(), npart, opts)
	if err != nil {
		t.Fatal(err)
	}
	job, err := NewJob(p.Op, p.Data, plan)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

// reference computes the normalized contribution of the whole dataset
// in a single batch.
func reference(t *testing.T, p *synth.Problem, state *bigrecon.State, pass solver.Pass) solver.Contribution {
	t.Helper()
	idx := make([]int, p.Data.Len())
	for i := range idx {
		idx[i] = i
	}
	c, err := solver.Step(context.Background(), nil, p.Op, state, solver.NewBatch(p.Data, idx), pass)
	if err != nil {
		t.Fatal(err)
	}
	c.Scale(1 / float64(c.Count))
	return c
}

// runAll runs the pass over every partition of the job and combines
// the results.
func runAll(t *testing.T, sess *Session, job *Job, pass solver.Pass, state *bigrecon.State) solver.Contribution {
	t.Helper()
	ctx := context.Background()
	var parts []aggregate.Partial
	for p := 0; p < job.NumPartition(); p++ {
		ps, err := sess.Run(ctx, job, pass, p, state)
		if err != nil {
			t.Fatal(err)
		}
		parts = append(parts, ps...)
	}
	c, err := aggregate.Combine(parts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func checkClose(t *testing.T, got, want solver.Contribution) {
	t.Helper()
	if got, want := got.Count, want.Count; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if math.Abs(got.Objective-want.Objective) > 1e-9*want.Objective {
		t.Errorf("got %v, want %v", got.Objective, want.Objective)
	}
	if want.Object == nil {
		return
	}
	if diff := got.Object.Copy().Sub(want.Object).Norm2(); diff > 1e-18*(1+want.Object.Norm2()) {
		t.Errorf("object contributions differ by %v", diff)
	}
	if diff := got.Probe.Copy().Sub(want.Probe).Norm2(); diff > 1e-18*(1+want.Probe.Norm2()) {
		t.Errorf("probe contributions differ by %v", diff)
	}
}

func TestNewJob(t *testing.T) {
	p := testProblem(t)
	plan, err := partition.New(p.Data.Len()+1, 2, partition.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJob(p.Op, p.Data, plan); err == nil {
		t.Error("expected error")
	}
	a, b := testJob(t, p, 2, partition.Options{}), testJob(t, p, 2, partition.Options{})
	if a.ID == b.ID {
		t.Errorf("repeated job id %s", a.ID)
	}
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	p := testProblem(t)
	state := testState(p)
	sess := Start(Local, Devices(2))
	defer sess.Shutdown()
	if got, want := sess.Executor().Name(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	job := testJob(t, p, 3, partition.Options{MinBatches: 2})
	if _, err := sess.Run(ctx, job, solver.PassGradient, 0, state); err == nil {
		t.Error("expected error running unloaded job")
	}
	for i := 0; i < 2; i++ {
		if err := sess.Load(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	for _, pass := range []solver.Pass{solver.PassEvaluate, solver.PassGradient, solver.PassProject} {
		checkClose(t, runAll(t, sess, job, pass, state), reference(t, p, state, pass))
	}
	vals, err := sess.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := vals[stats.Loads], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals[stats.Positions], int64(3*p.Data.Len()); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals[stats.Batches], int64(3*job.Plan.NumBatches()); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Every run is traced, including the failed one.
	if got, want := sess.Tracer().Len(), 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := sess.Unload(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Run(ctx, job, solver.PassGradient, 0, state); err == nil {
		t.Error("expected error running unloaded job")
	}
}

func TestLocalAllocationSplit(t *testing.T) {
	ctx := context.Background()
	p := testProblem(t)
	state := testState(p)
	per, fixed := partition.Estimate(p.Op, state)
	sess := Start(Local, DeviceMemory(fixed+4*per))
	defer sess.Shutdown()

	// A single batch of all positions, which does not fit the device.
	job := testJob(t, p, 1, partition.Options{})
	if err := sess.Load(ctx, job); err != nil {
		t.Fatal(err)
	}
	checkClose(t, runAll(t, sess, job, solver.PassGradient, state), reference(t, p, state, solver.PassGradient))
	vals, err := sess.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if vals[stats.Splits] == 0 {
		t.Error("batch was not split")
	}
	if got, want := vals[stats.Positions], int64(p.Data.Len()); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if peak := vals["peak-bytes"]; peak > fixed+4*per {
		t.Errorf("peak %d exceeds budget %d", peak, fixed+4*per)
	}
}

func TestLocalCanceled(t *testing.T) {
	p := testProblem(t)
	sess := Start(Local)
	defer sess.Shutdown()
	job := testJob(t, p, 1, partition.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := sess.Load(ctx, job); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := sess.Run(ctx, job, solver.PassGradient, 0, testState(p)); err == nil {
		t.Error("expected error")
	}
}

func TestOptions(t *testing.T) {
	for _, opt := range []func(){
		func() { Devices(0) },
		func() { Parallelism(-1) },
		func() { DeviceMemory(-1) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			opt()
		}()
	}
	sess := Start()
	defer sess.Shutdown()
	if got, want := sess.Devices(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.Parallelism(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionTraceStatus(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "exec")
	defer cleanup()
	path := filepath.Join(dir, "trace.json")
	var status status.Status
	sess := Start(Local, TracePath(path), Status(&status))
	p := testProblem(t)
	job := testJob(t, p, 2, partition.Options{})
	ctx := context.Background()
	if err := sess.Load(ctx, job); err != nil {
		t.Fatal(err)
	}
	runAll(t, sess, job, solver.PassEvaluate, testState(p))
	if got, want := len(status.Groups()), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	sess.Shutdown()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var tr trace.T
	if err := tr.Decode(f); err != nil {
		t.Fatal(err)
	}
	// One process name and two partition passes.
	if got, want := len(tr.Events), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
