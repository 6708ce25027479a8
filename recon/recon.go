// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package recon implements the reconstruction orchestrator. Run
// drives a reconstruction through its states:
//
//	INIT -> ITERATING -> CONVERGED | DIVERGED | ABORTED
//
// During INIT the initial snapshot is built (or restored from a
// checkpoint), the dataset is partitioned and the job is loaded onto
// the session's executor. Each iteration then runs a pass of the
// solver variant over every partition behind a barrier, combines the
// partition results in a fixed order, and applies the variant's
// global update to produce the next snapshot. Line searches evaluate
// trial snapshots through the same barrier.
//
// Snapshots are immutable. Checkpoints are only ever taken of
// snapshots whose objective is finite; a diverged reconstruction
// leaves the last good checkpoint in place.
package recon

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/aggregate"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/checkpoint"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/fault"
	"github.com/grailbio/bigrecon/operator"
	"github.com/grailbio/bigrecon/partition"
	"github.com/grailbio/bigrecon/probe"
	"github.com/grailbio/bigrecon/solver"
	"github.com/grailbio/bigrecon/stats"
	"github.com/grailbio/bigrecon/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Terminal is the terminal state of a reconstruction.
type Terminal int

const (
	// Converged indicates that the convergence predicate held or
	// that the iteration count was reached.
	Converged Terminal = iota
	// Diverged indicates that a non-finite value was produced.
	Diverged
	// Aborted indicates that the reconstruction was canceled or
	// failed.
	Aborted
)

func (t Terminal) String() string {
	switch t {
	case Converged:
		return "converged"
	case Diverged:
		return "diverged"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("Terminal(%d)", int(t))
}

// A Problem is the input of a reconstruction.
type Problem struct {
	Op   operator.Operator
	Data bigrecon.Dataset
	// ObjectShape is the shape [H, W] of the object to reconstruct.
	ObjectShape []int
	// Probe is the initial probe, of shape [modes, h, w]. Probe is
	// required by ptychography and ignored otherwise.
	Probe *array.Array
}

// Entry records a completed iteration.
type Entry struct {
	Iteration  int
	Objective  float64
	Step       float64
	Elapsed    time.Duration
	Partitions map[int]time.Duration
	Excluded   []int
}

// Result is the outcome of a reconstruction.
type Result struct {
	// Job is the executor job ID of the reconstruction.
	Job      string
	Terminal Terminal
	// Err is the cause of a Diverged or Aborted reconstruction.
	Err error
	// State is the last good snapshot.
	State *bigrecon.State
	// Objective is the objective of State, or NaN if no iteration
	// completed.
	Objective float64
	// History holds the iterations completed by this run.
	History []Entry
	// Objectives holds the objective of every snapshot by iteration,
	// including those restored from a checkpoint. Objectives[0] is the
	// objective of the initial snapshot.
	Objectives []float64
	// Checkpoint is the most recent checkpoint saved or restored.
	Checkpoint *checkpoint.Record
	Plan       *partition.Plan
}

// Run runs a reconstruction of prob on sess. Setup errors (invalid
// configuration, ShapeMismatch and BatchTooLarge faults, load
// failures) are returned with a nil result. Once iterating, Run always
// returns a result; its error is the result's Err.
//
// Cancellation of ctx is observed at iteration boundaries: an
// iteration in progress runs to completion, its snapshot is
// checkpointed, and the result is Aborted.
func Run(ctx context.Context, sess *exec.Session, prob *Problem, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &reconstruction{sess: sess, prob: prob, cfg: cfg, params: cfg.params()}
	r.variant, _ = solver.ByName(cfg.Variant)
	if err := r.init(ctx); err != nil {
		return nil, err
	}
	defer r.teardown(ctx)
	return r.iterate(ctx)
}

type reconstruction struct {
	sess        *exec.Session
	prob        *Problem
	cfg         Config
	params      solver.Params
	constraints solver.Constraints
	variant     solver.Variant

	job    *exec.Job
	agg    *aggregate.Aggregator
	events *telemetry.Dispatcher

	state   *bigrecon.State
	mem     *solver.Memory
	history []float64
	stats   stats.Values
	result  Result
}

func (r *reconstruction) init(ctx context.Context) error {
	op, data := r.prob.Op, r.prob.Data
	if op == nil || data == nil {
		return errors.E(errors.Invalid, "recon.Run: problem has no operator or data")
	}
	if r.cfg.Init.Source == Checkpoint {
		rec, err := checkpoint.Latest(ctx, r.cfg.Store)
		if err != nil {
			return err
		}
		log.Printf("recon: resuming from %s", rec)
		r.state, r.mem = rec.State, rec.Memory
		r.history = append([]float64{}, rec.History...)
		r.result.Checkpoint = rec
	} else {
		state, err := initialState(r.prob, r.cfg)
		if err != nil {
			return err
		}
		r.state = state
	}
	if err := op.Check(r.state, bigrecon.Positions(data)); err != nil {
		return err
	}
	want := op.MeasurementLen(r.state)
	for i := 0; i < data.Len(); i++ {
		if got := len(data.Measurement(i)); got != want {
			return fault.E(fault.ShapeMismatch, "recon.Run",
				fmt.Sprintf("measurement %d has %d values, want %d", i, got, want))
		}
	}

	p := r.cfg.Partitions
	if p <= 0 {
		p = r.sess.Parallelism()
	}
	budget := r.cfg.Batch.Budget
	if budget <= 0 {
		budget = r.sess.DeviceMemory()
	}
	per, fixed := partition.Estimate(op, r.state)
	plan, err := partition.New(data.Len(), p, partition.Options{
		Budget:      budget,
		PerPosition: per,
		Fixed:       fixed,
		MinBatches:  r.cfg.Batch.MinBatches,
		Method:      r.cfg.Batch.Method,
	})
	if err != nil {
		return err
	}
	r.job, err = exec.NewJob(op, data, plan)
	if err != nil {
		return err
	}
	if err := r.sess.Load(ctx, r.job); err != nil {
		return err
	}
	r.agg = aggregate.New(p, r.cfg.Timeout, r.cfg.TimeoutPolicy)
	r.constraints = solver.Constraints{
		CenterPeak:         r.cfg.CenterProbe,
		Sparsity:           r.cfg.ProbeSparsity,
		OrthogonalizeModes: r.cfg.OrthogonalizeModes,
		Rescale:            r.cfg.Rescale,
		RescalePeriod:      r.cfg.RescalePeriod,
		Photons:            meanIntensity(data),
	}

	observers := append([]telemetry.Observer{}, r.cfg.Observers...)
	if reg := r.sess.Registry(); reg != nil {
		if o, err := prometheusObserver(reg); err != nil {
			log.Error.Printf("recon: prometheus metrics disabled: %v", err)
		} else {
			observers = append(observers, o)
		}
	}
	if s := r.sess.Status(); s != nil {
		observers = append(observers, telemetry.NewStatusObserver(s))
	}
	observers = append(observers, telemetry.LogObserver{Level: log.Debug})
	queue := r.cfg.QueueSize
	if queue <= 0 {
		queue = 64
	}
	r.events = telemetry.NewDispatcher(queue, observers...)
	r.stats = r.snapshotStats(ctx)

	r.result.Job = r.job.ID
	r.result.Plan = plan
	log.Printf("recon %s: %s variant, %d iterations from iteration %d, %d partitions of at most %d positions per batch",
		r.job.ID, r.variant.Name(), r.cfg.Iterations, r.state.Iteration, p, plan.MaxBatch)
	return nil
}

func (r *reconstruction) teardown(ctx context.Context) {
	if err := r.sess.Unload(context.WithoutCancel(ctx), r.job); err != nil {
		log.Error.Printf("recon %s: unload: %v", r.job.ID, err)
	}
	r.events.Close()
	if n := r.events.Dropped(); n > 0 {
		log.Printf("recon %s: %d progress events dropped", r.job.ID, n)
	}
}

func (r *reconstruction) iterate(ctx context.Context) (*Result, error) {
	// Iterations are never interrupted once started.
	ictx := context.WithoutCancel(ctx)
	for {
		if r.cfg.Convergence.Converged(r.history) || r.state.Iteration >= r.cfg.Iterations {
			return r.finish(Converged, nil)
		}
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, err)
		}
		if err := r.iteration(ictx); err != nil {
			if fault.Is(fault.NumericalDivergence, err) {
				log.Error.Printf("recon %s: diverged at iteration %d: %v", r.job.ID, r.state.Iteration+1, err)
				return r.finish(Diverged, err)
			}
			return r.abort(ctx, err)
		}
	}
}

// iteration advances the reconstruction by one snapshot.
func (r *reconstruction) iteration(ctx context.Context) error {
	start := time.Now()
	state := r.state
	res, err := r.agg.Round(ctx, r.sess.RunFunc(r.job, r.variant.Pass(), state))
	if err != nil {
		return err
	}
	if len(r.history) == 0 {
		r.history = append(r.history, r.params.Objective(state, res.Contribution.Objective))
	}
	env := solver.Env{
		Params:      r.params,
		UpdateProbe: r.cfg.RecoverProbe && state.Probe != nil && state.Iteration >= r.cfg.ProbeUpdateStart,
		Evaluate:    r.evaluate,
	}
	out, err := r.variant.Update(ctx, env, state, res.Contribution, r.mem)
	if err != nil {
		return err
	}
	if c, changed := r.constraints.Apply(out.State, env.UpdateProbe); changed {
		// The search memory refers to the unconstrained snapshot.
		out.State, out.Memory, out.Objective = c, nil, math.NaN()
	}
	objective := out.Objective
	if math.IsNaN(objective) {
		data, err := r.evaluate(ctx, out.State)
		if err != nil {
			return err
		}
		objective = r.params.Objective(out.State, data)
	}
	if math.IsNaN(objective) || math.IsInf(objective, 0) {
		return fault.E(fault.NumericalDivergence, "recon.iteration",
			fmt.Sprintf("objective %v at iteration %d", objective, out.State.Iteration))
	}
	r.state, r.mem = out.State, out.Memory
	r.history = append(r.history, objective)
	entry := Entry{
		Iteration:  r.state.Iteration,
		Objective:  objective,
		Step:       out.Step,
		Elapsed:    time.Since(start),
		Partitions: res.Durations,
		Excluded:   res.Excluded,
	}
	r.result.History = append(r.result.History, entry)
	if every := r.cfg.CheckpointEvery; every > 0 && r.state.Iteration%every == 0 {
		if err := r.save(ctx); err != nil {
			return err
		}
	}
	r.emit(entry, false, "")
	return nil
}

// evaluate returns the mean data objective of a trial snapshot over
// every partition.
func (r *reconstruction) evaluate(ctx context.Context, trial *bigrecon.State) (float64, error) {
	res, err := r.agg.Round(ctx, r.sess.RunFunc(r.job, solver.PassEvaluate, trial))
	if err != nil {
		return 0, err
	}
	return res.Contribution.Objective, nil
}

func (r *reconstruction) objective() float64 {
	if len(r.history) <= r.state.Iteration {
		return math.NaN()
	}
	return r.history[r.state.Iteration]
}

// save checkpoints the current snapshot, unless a checkpoint of it
// already exists.
func (r *reconstruction) save(ctx context.Context) error {
	if r.cfg.Store == nil {
		return nil
	}
	if c := r.result.Checkpoint; c != nil && c.Iteration() == r.state.Iteration {
		return nil
	}
	rec := &checkpoint.Record{
		State:     r.state,
		Objective: r.objective(),
		History:   append([]float64{}, r.history...),
		Memory:    r.mem,
		Time:      time.Now(),
	}
	if err := r.cfg.Store.Save(ctx, rec); err != nil {
		return errors.E(fmt.Sprintf("recon %s: checkpoint at iteration %d", r.job.ID, r.state.Iteration), err)
	}
	log.Debug.Printf("recon %s: saved %s", r.job.ID, rec)
	r.result.Checkpoint = rec
	return nil
}

func (r *reconstruction) abort(ctx context.Context, err error) (*Result, error) {
	log.Error.Printf("recon %s: aborted after iteration %d: %v", r.job.ID, r.state.Iteration, err)
	if serr := r.save(context.WithoutCancel(ctx)); serr != nil {
		log.Error.Printf("recon %s: %v", r.job.ID, serr)
	}
	return r.finish(Aborted, err)
}

func (r *reconstruction) finish(t Terminal, err error) (*Result, error) {
	r.result.Terminal = t
	r.result.Err = err
	r.result.State = r.state
	r.result.Objective = r.objective()
	r.result.Objectives = r.history
	var last Entry
	if n := len(r.result.History); n > 0 {
		last = r.result.History[n-1]
	} else {
		last = Entry{Iteration: r.state.Iteration, Objective: r.result.Objective}
	}
	r.emit(last, true, t.String())
	log.Printf("recon %s: %s after %d iterations: objective %.6g", r.job.ID, t, r.state.Iteration, r.result.Objective)
	return &r.result, err
}

func (r *reconstruction) emit(e Entry, final bool, state string) {
	cur := r.snapshotStats(context.Background())
	delta := cur.Sub(r.stats)
	r.stats = cur
	r.events.Emit(telemetry.Progress{
		Job:        r.job.ID,
		Iteration:  e.Iteration,
		Objective:  e.Objective,
		Step:       e.Step,
		Elapsed:    e.Elapsed,
		Partitions: e.Partitions,
		Excluded:   e.Excluded,
		Stats:      delta,
		Final:      final,
		State:      state,
	})
}

func (r *reconstruction) snapshotStats(ctx context.Context) stats.Values {
	vals, err := r.sess.Stats(ctx)
	if err != nil {
		log.Error.Printf("recon %s: stats: %v", r.job.ID, err)
		return r.stats
	}
	return vals
}

// initialState returns the initial snapshot of a reconstruction that
// does not resume from a checkpoint.
func initialState(prob *Problem, cfg Config) (*bigrecon.State, error) {
	if len(prob.ObjectShape) != 2 || prob.ObjectShape[0] <= 0 || prob.ObjectShape[1] <= 0 {
		return nil, fault.E(fault.ShapeMismatch, "recon.Run", fmt.Sprintf("bad object shape %v", prob.ObjectShape))
	}
	init := cfg.Init
	rng := rand.New(rand.NewSource(init.Seed))
	object := array.New(prob.ObjectShape...).Fill(init.Value)
	if init.Source == Random {
		amp, phase := cmplx.Abs(init.Value), cmplx.Phase(init.Value)
		for i := range object.Data() {
			object.Data()[i] = cmplx.Rect(amp*(0.95+0.1*rng.Float64()), phase+0.1*(rng.Float64()-0.5))
		}
	}
	state := &bigrecon.State{Object: object}
	if prob.Probe == nil {
		return state, nil
	}
	p := prob.Probe.Copy()
	if init.ProbeModes > p.Dim(0) {
		total := 0.0
		for _, v := range probe.Power(p) {
			total += v
		}
		p = probe.AddModes(p, init.ProbeModes, rng)
		probe.RescalePhotons(p, total, probe.PowerFractions(init.ProbeModes, 0.3))
	}
	if cfg.RescaleProbe {
		if n := brightest(prob.Data); n > 0 {
			probe.RescalePhotons(p, n, nil)
		}
	}
	state.Probe = p
	return state, nil
}

// brightest returns the largest total intensity of a measurement in
// ds. With an orthonormal propagator and a unit object, this is the
// total power of the probe.
func brightest(ds bigrecon.Dataset) float64 {
	var max float64
	for i := 0; i < ds.Len(); i++ {
		var sum float64
		for _, v := range ds.Measurement(i) {
			sum += v
		}
		if sum > max {
			max = sum
		}
	}
	return max
}

// meanIntensity returns the mean total intensity of a measurement in
// ds.
func meanIntensity(ds bigrecon.Dataset) float64 {
	if ds.Len() == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < ds.Len(); i++ {
		for _, v := range ds.Measurement(i) {
			sum += v
		}
	}
	return sum / float64(ds.Len())
}

var (
	promMu        sync.Mutex
	promObservers = make(map[prometheus.Registerer]*telemetry.PrometheusObserver)
)

// prometheusObserver returns the observer registered with reg,
// creating it on first use. Reconstructions sharing a registry share
// their collectors, distinguished by job label.
func prometheusObserver(reg prometheus.Registerer) (*telemetry.PrometheusObserver, error) {
	promMu.Lock()
	defer promMu.Unlock()
	if o := promObservers[reg]; o != nil {
		return o, nil
	}
	o, err := telemetry.NewPrometheusObserver(reg)
	if err != nil {
		return nil, err
	}
	promObservers[reg] = o
	return o, nil
}
