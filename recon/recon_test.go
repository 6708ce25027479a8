// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package recon

import (
	"context"
	"math"
	"math/cmplx"
	"reflect"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/checkpoint"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/fault"
	"github.com/grailbio/bigrecon/operator"
	"github.com/grailbio/bigrecon/partition"
	"github.com/grailbio/bigrecon/probe"
	"github.com/grailbio/bigrecon/solver"
	"github.com/grailbio/bigrecon/synth"
	"github.com/grailbio/bigrecon/telemetry"
	"github.com/grailbio/testutil/assert"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func ptychoProblem(t *testing.T, opts synth.PtychoOptions) (*synth.Problem, *Problem) {
	t.Helper()
	p, err := synth.Ptycho(opts)
	if err != nil {
		t.Fatal(err)
	}
	return p, &Problem{
		Op:          p.Op,
		Data:        p.Data,
		ObjectShape: p.Truth.Object.Shape(),
		Probe:       p.Truth.Probe,
	}
}

func smallPtycho(t *testing.T) *Problem {
	t.Helper()
	opts := synth.DefaultPtycho
	opts.ObjectSize, opts.ProbeSize = 24, 8
	opts.Rows, opts.Cols, opts.Step, opts.Offset = 5, 5, 3, 2
	_, prob := ptychoProblem(t, opts)
	return prob
}

func testConfig(iterations int) Config {
	cfg := DefaultConfig()
	cfg.Iterations = iterations
	cfg.Convergence.Tolerance = 0
	cfg.CheckpointEvery = 0
	return cfg
}

func run(t *testing.T, sess *exec.Session, prob *Problem, cfg Config) *Result {
	t.Helper()
	res, err := Run(context.Background(), sess, prob, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func checkObjectives(t *testing.T, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d objectives, want %d", len(got), len(want))
	}
	for i := range got {
		if d := math.Abs(got[i] - want[i]); d > tol*math.Max(1, math.Abs(want[i])) {
			t.Errorf("iteration %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

// A budget of exactly 30 positions over 100 positions in 4
// partitions yields one batch of 25 positions per partition, and the
// reconstruction makes substantial progress within 10 iterations.
func TestScenario(t *testing.T) {
	truth, prob := ptychoProblem(t, synth.DefaultPtycho)
	sess := exec.Start(exec.Local, exec.Devices(2))
	defer sess.Shutdown()

	state := &bigrecon.State{Object: array.New(prob.ObjectShape...).Fill(1), Probe: truth.Truth.Probe}
	per, fixed := partition.Estimate(prob.Op, state)
	cfg := testConfig(10)
	cfg.Partitions = 4
	cfg.Batch.Budget = fixed + 30*per
	var rec telemetry.Recorder
	cfg.Observers = []telemetry.Observer{&rec}
	res := run(t, sess, prob, cfg)

	if got, want := res.Plan.Sizes(), []int{25, 25, 25, 25}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Plan.NumBatches(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Terminal, Converged; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.State.Iteration, 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(res.Objectives), 11; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// A position's objective is at most the squared distance between
	// its exit wave and the true one, which bounds the objective of the
	// unit object by dev^2 times the probe power.
	var dev float64
	for _, v := range truth.Truth.Object.Data() {
		dev = math.Max(dev, cmplx.Abs(1-v))
	}
	threshold := 0.5 * dev * dev * truth.Truth.Probe.Norm2()
	if f := res.Objective; !(f < threshold) {
		t.Errorf("objective %v after 10 iterations, want below %v", f, threshold)
	}
	if f0, f := res.Objectives[0], res.Objective; !(f < 0.5*f0) {
		t.Errorf("objective %v after 10 iterations, initial %v", f, f0)
	}
	for _, e := range res.History {
		if got, want := len(e.Partitions), 4; got != want {
			t.Errorf("iteration %d: got %v, want %v", e.Iteration, got, want)
		}
	}
	events := rec.Events()
	if got, want := len(events), 11; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if last := events[len(events)-1]; !last.Final || last.State != "converged" {
		t.Errorf("bad final event %v", last)
	}
}

func TestMonotonic(t *testing.T) {
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	res := run(t, sess, smallPtycho(t), testConfig(8))
	for i := 1; i < len(res.Objectives); i++ {
		if prev, cur := res.Objectives[i-1], res.Objectives[i]; cur > prev*(1+1e-12) {
			t.Errorf("iteration %d: objective increased from %v to %v", i, prev, cur)
		}
	}
}

func TestPartitionInvariance(t *testing.T) {
	prob := smallPtycho(t)
	var want []float64
	for _, p := range []int{1, 2, 3, 5} {
		sess := exec.Start(exec.Local, exec.Devices(2))
		cfg := testConfig(5)
		cfg.Partitions = p
		cfg.Batch.MinBatches = 2
		res := run(t, sess, prob, cfg)
		sess.Shutdown()
		if want == nil {
			want = res.Objectives
			continue
		}
		checkObjectives(t, res.Objectives, want, 1e-9)
	}
}

func TestCheckpointResume(t *testing.T) {
	prob := smallPtycho(t)
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()

	cfg := testConfig(6)
	cfg.Variant = "cg"
	want := run(t, sess, prob, cfg)

	store := &checkpoint.MemoryStore{}
	cfg.Iterations = 3
	cfg.CheckpointEvery = 3
	cfg.Store = store
	first := run(t, sess, prob, cfg)
	if first.Checkpoint == nil || first.Checkpoint.Iteration() != 3 {
		t.Fatalf("bad checkpoint %v", first.Checkpoint)
	}

	cfg.Iterations = 6
	cfg.Init.Source = Checkpoint
	resumed := run(t, sess, prob, cfg)
	if got, want := len(resumed.History), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	checkObjectives(t, resumed.Objectives, want.Objectives, 1e-12)
	its, err := store.List(context.Background())
	assert.NoError(t, err)
	if got, want := its, []int{3, 6}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Resuming a finished reconstruction does no work.
	again := run(t, sess, prob, cfg)
	if got, want := len(again.History), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := again.Objective, resumed.Objective; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// divergingOp produces non-finite predictions for snapshots at or
// after iteration at.
type divergingOp struct {
	operator.Operator
	at int
}

func (o divergingOp) Forward(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position) (*array.Array, error) {
	out, err := o.Operator.Forward(dev, state, positions)
	if err == nil && state.Iteration >= o.at {
		out.Data()[0] = complex(math.NaN(), 0)
	}
	return out, err
}

func TestDivergence(t *testing.T) {
	prob := smallPtycho(t)
	prob.Op = divergingOp{prob.Op, 3}
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()

	store := &checkpoint.MemoryStore{}
	cfg := testConfig(10)
	cfg.CheckpointEvery = 1
	cfg.Store = store
	res, err := Run(context.Background(), sess, prob, cfg)
	if !fault.Is(fault.NumericalDivergence, err) {
		t.Fatalf("got %v, want divergence", err)
	}
	if got, want := res.Terminal, Diverged; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.State.Iteration, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !res.State.IsFinite() {
		t.Error("non-finite result state")
	}
	latest, err := checkpoint.Latest(context.Background(), store)
	assert.NoError(t, err)
	if got, want := latest.Iteration(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !latest.State.IsFinite() || math.IsNaN(latest.Objective) {
		t.Errorf("bad checkpoint %v", latest)
	}
	if got, want := len(res.Objectives), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// cancelingOp cancels a context once it is asked to predict data for
// a snapshot at iteration at.
type cancelingOp struct {
	operator.Operator
	at     int
	once   *sync.Once
	cancel func()
}

func (o cancelingOp) Forward(dev *array.Device, state *bigrecon.State, positions []bigrecon.Position) (*array.Array, error) {
	if state.Iteration >= o.at {
		o.once.Do(o.cancel)
	}
	return o.Operator.Forward(dev, state, positions)
}

func TestCancel(t *testing.T) {
	prob := smallPtycho(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prob.Op = cancelingOp{prob.Op, 2, new(sync.Once), cancel}
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()

	store := &checkpoint.MemoryStore{}
	cfg := testConfig(10)
	cfg.Store = store
	res, err := Run(ctx, sess, prob, cfg)
	if err != context.Canceled {
		t.Fatalf("got %v, want %v", err, context.Canceled)
	}
	if got, want := res.Terminal, Aborted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The iteration in progress completes.
	if got, want := res.State.Iteration, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	its, err := store.List(context.Background())
	assert.NoError(t, err)
	if got, want := its, []int{2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProjection(t *testing.T) {
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	cfg := testConfig(5)
	cfg.Variant = "projection"
	cfg.Partitions = 2
	res := run(t, sess, smallPtycho(t), cfg)
	if got, want := len(res.Objectives), 6; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, f := range res.Objectives {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			t.Errorf("iteration %d: objective %v", i, f)
		}
	}
	if f0, f := res.Objectives[0], res.Objective; !(f < f0) {
		t.Errorf("objective %v, initial %v", f, f0)
	}
}

func TestProbeRecovery(t *testing.T) {
	truth, prob := ptychoProblem(t, func() synth.PtychoOptions {
		opts := synth.DefaultPtycho
		opts.ObjectSize, opts.ProbeSize = 24, 8
		opts.Rows, opts.Cols, opts.Step, opts.Offset = 5, 5, 3, 2
		return opts
	}())
	// Start from a flat probe with the measured power.
	prob.Probe = probe.Gaussian(8, 0.3, 0.9)
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	cfg := testConfig(6)
	cfg.RecoverProbe = true
	cfg.RescaleProbe = true
	cfg.ProbeUpdateStart = 2
	cfg.Init.ProbeModes = 2
	res := run(t, sess, prob, cfg)
	if got, want := res.State.Modes(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.State.Probe.Shape(), truth.Truth.Probe.Shape(); got[1] != want[1] || got[2] != want[2] {
		t.Errorf("got %v, want %v", got, want)
	}
	for i := 1; i < len(res.Objectives); i++ {
		if prev, cur := res.Objectives[i-1], res.Objectives[i]; cur > prev*(1+1e-12) {
			t.Errorf("iteration %d: objective increased from %v to %v", i, prev, cur)
		}
	}
}

func TestProbeRecoverySingleMode(t *testing.T) {
	for _, variant := range []string{"gradient", "cg"} {
		prob := smallPtycho(t)
		prob.Probe = probe.Gaussian(8, 0.3, 0.9)
		sess := exec.Start(exec.Local)
		cfg := testConfig(4)
		cfg.Variant = variant
		cfg.RecoverProbe = true
		cfg.RescaleProbe = true
		cfg.ProbeSupport = solver.DefaultProbeSupport(0.1)
		res := run(t, sess, prob, cfg)
		sess.Shutdown()
		if got, want := res.Terminal, Converged; got != want {
			t.Errorf("%s: got %v, want %v", variant, got, want)
		}
		if got, want := res.State.Probe.Shape(), []int{1, 8, 8}; !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %v, want %v", variant, got, want)
		}
		if f0, f := res.Objectives[0], res.Objective; !(f < f0) {
			t.Errorf("%s: objective %v, initial %v", variant, f, f0)
		}
	}
}

func TestProbeConstraints(t *testing.T) {
	prob := smallPtycho(t)
	prob.Probe = probe.Gaussian(8, 0.3, 0.9)
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	cfg := testConfig(4)
	cfg.RecoverProbe = true
	cfg.RescaleProbe = true
	cfg.Init.ProbeModes = 3
	cfg.OrthogonalizeModes = true
	cfg.Rescale = solver.MeanAbsObject
	cfg.RescalePeriod = 2
	res := run(t, sess, prob, cfg)
	p := res.State.Probe
	if got, want := p.Dim(0), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	power := probe.Power(p)
	for i := 0; i < 3; i++ {
		if i > 0 && power[i] > power[i-1] {
			t.Errorf("mode %d: power %v exceeds %v", i, power[i], power[i-1])
		}
		for j := i + 1; j < 3; j++ {
			if d := cmplx.Abs(p.Index(i).Dot(p.Index(j))); d > 1e-9*(power[i]+power[j]) {
				t.Errorf("modes %d and %d: inner product %v", i, j, d)
			}
		}
	}
	// The last rescale was at iteration 4.
	mean := real(res.State.Object.Copy().Abs().Sum()) / float64(res.State.Object.Len())
	if math.Abs(mean-1) > 1e-9 {
		t.Errorf("got %v, want 1", mean)
	}
}

func TestTomo(t *testing.T) {
	p, err := synth.Tomo(16, 24, 1)
	if err != nil {
		t.Fatal(err)
	}
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	cfg := testConfig(10)
	cfg.Init.Value = 0
	cfg.Partitions = 3
	res := run(t, sess, &Problem{Op: p.Op, Data: p.Data, ObjectShape: []int{16, 16}}, cfg)
	if f0, f := res.Objectives[0], res.Objective; !(f < 0.5*f0) {
		t.Errorf("objective %v, initial %v", f, f0)
	}
	if res.State.Probe != nil {
		t.Error("tomography state has a probe")
	}
}

func TestConvergence(t *testing.T) {
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	cfg := testConfig(1000)
	cfg.Convergence = Convergence{Mode: Absolute, Tolerance: 1e-5, Window: 2}
	res := run(t, sess, smallPtycho(t), cfg)
	if got, want := res.Terminal, Converged; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if res.State.Iteration >= 1000 {
		t.Error("convergence predicate never held")
	}
	if !cfg.Convergence.Converged(res.Objectives) {
		t.Error("history does not satisfy the predicate")
	}
}

func TestConverged(t *testing.T) {
	for _, c := range []struct {
		conv    Convergence
		history []float64
		want    bool
	}{
		{Convergence{Absolute, 0.1, 1}, []float64{1, 0.95}, true},
		{Convergence{Absolute, 0.1, 1}, []float64{1, 0.5}, false},
		{Convergence{Absolute, 0.1, 2}, []float64{1, 0.5, 0.45}, false},
		{Convergence{Absolute, 0.1, 2}, []float64{1, 0.5, 0.45, 0.44}, true},
		{Convergence{Relative, 0.1, 1}, []float64{100, 95}, true},
		{Convergence{Relative, 0.1, 1}, []float64{0.1, 0.05}, false},
		{Convergence{Relative, 0.1, 0}, []float64{0.1}, false},
		{Convergence{Absolute, 0, 1}, []float64{1, 1}, false},
		{Convergence{Absolute, 0.1, 1}, []float64{1, math.NaN()}, false},
	} {
		if got := c.conv.Converged(c.history); got != c.want {
			t.Errorf("%+v %v: got %v, want %v", c.conv, c.history, got, c.want)
		}
	}
}

func TestSetupErrors(t *testing.T) {
	sess := exec.Start(exec.Local)
	defer sess.Shutdown()
	ctx := context.Background()

	prob := smallPtycho(t)
	cfg := testConfig(1)
	cfg.Batch.Budget = 1024
	if _, err := Run(ctx, sess, prob, cfg); !fault.Is(fault.BatchTooLarge, err) {
		t.Errorf("got %v, want batch too large", err)
	}

	small := *prob
	small.ObjectShape = []int{8, 8}
	if _, err := Run(ctx, sess, &small, testConfig(1)); !fault.Is(fault.ShapeMismatch, err) {
		t.Errorf("got %v, want shape mismatch", err)
	}

	noProbe := *prob
	noProbe.Probe = nil
	if _, err := Run(ctx, sess, &noProbe, testConfig(1)); !fault.Is(fault.ShapeMismatch, err) {
		t.Errorf("got %v, want shape mismatch", err)
	}

	cfg = testConfig(1)
	cfg.Variant = "newton"
	if _, err := Run(ctx, sess, prob, cfg); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}

	cfg = testConfig(1)
	cfg.Init.Source = Checkpoint
	if _, err := Run(ctx, sess, prob, cfg); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	cfg.Store = &checkpoint.MemoryStore{}
	if _, err := Run(ctx, sess, prob, cfg); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestRescaleProbe(t *testing.T) {
	prob := smallPtycho(t)
	prob.Probe = prob.Probe.Copy().Scale(10)
	cfg := testConfig(0)
	cfg.RescaleProbe = true
	state, err := initialState(prob, cfg)
	assert.NoError(t, err)
	var total float64
	for _, p := range probe.Power(state.Probe) {
		total += p
	}
	if got, want := total, brightest(prob.Data); math.Abs(got-want) > 1e-9*want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	sess := exec.Start(exec.Local, exec.Registry(reg))
	defer sess.Shutdown()
	prob := smallPtycho(t)
	run(t, sess, prob, testConfig(2))
	// A second reconstruction on the same registry shares collectors.
	run(t, sess, prob, testConfig(2))
	n, err := promtest.GatherAndCount(reg, "bigrecon_iteration")
	assert.NoError(t, err)
	if got, want := n, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
