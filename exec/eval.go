// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the execution of reconstruction passes.
// A Session owns an Executor, which installs jobs (an operator, the
// measurements, and a partitioning of positions) and runs passes over
// individual partitions against read-only state snapshots.
//
// Two executors are provided: a local executor that runs every
// partition in-process over a shared pool of devices, and a
// bigmachine executor that distributes partitions across worker
// machines, each with its own device pool.
package exec

import (
	"context"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/aggregate"
	"github.com/grailbio/bigrecon/solver"
	"github.com/grailbio/bigrecon/stats"
)

// Executor defines the interface used to run reconstruction passes.
// An executor is responsible for installing jobs where their
// partitions run, and for running individual partition passes.
type Executor interface {
	// Name returns the executor's name.
	Name() string

	// Start starts the executor. It is called once, when the session
	// is started.
	Start(*Session) (shutdown func())

	// Load installs the job's partitions. Load is idempotent: each
	// partition is installed at most once per job.
	Load(ctx context.Context, job *Job) error

	// Run runs a pass over the batches of one partition of a loaded
	// job, against the provided state snapshot. The snapshot is not
	// modified.
	Run(ctx context.Context, job *Job, pass solver.Pass, partition int, state *bigrecon.State) ([]aggregate.Partial, error)

	// Unload discards the job's partitions.
	Unload(ctx context.Context, job *Job) error

	// Stats returns the executor's counters, summed across its
	// locations.
	Stats(ctx context.Context) (stats.Values, error)

	// Location returns the name of the location that runs the
	// provided partition, for tracing.
	Location(partition int) string
}

// Load installs the job on the session's executor.
func (s *Session) Load(ctx context.Context, job *Job) error {
	start := time.Now()
	if err := s.executor.Load(ctx, job); err != nil {
		return err
	}
	log.Printf("exec: loaded job %s: %d positions in %d partitions (%d batches) in %s",
		job.ID, job.Plan.N, job.NumPartition(), job.Plan.NumBatches(), time.Since(start))
	return nil
}

// Unload discards the job from the session's executor.
func (s *Session) Unload(ctx context.Context, job *Job) error {
	return s.executor.Unload(ctx, job)
}

// Run runs a pass over one partition of a loaded job. Passes are
// recorded in the session's trace and status.
func (s *Session) Run(ctx context.Context, job *Job, pass solver.Pass, partition int, state *bigrecon.State) ([]aggregate.Partial, error) {
	var task *status.Task
	if s.group != nil {
		task = s.group.Startf("%s/%d: %s", job.ID, partition, pass)
	}
	start := time.Now()
	parts, err := s.executor.Run(ctx, job, pass, partition, state)
	s.tracer.Complete(s.executor.Location(partition), partition, pass.String(), start, time.Since(start),
		map[string]interface{}{"job": job.ID, "iteration": state.Iteration, "error": err != nil})
	if task != nil {
		if err != nil {
			task.Printf("error: %v", err)
		}
		task.Done()
	}
	return parts, err
}

// RunFunc returns an aggregate.RunFunc that runs the provided pass
// over the job's partitions against state.
func (s *Session) RunFunc(job *Job, pass solver.Pass, state *bigrecon.State) aggregate.RunFunc {
	return func(ctx context.Context, partition int) ([]aggregate.Partial, error) {
		return s.Run(ctx, job, pass, partition, state)
	}
}

// Stats returns the counters of the session's executor.
func (s *Session) Stats(ctx context.Context) (stats.Values, error) {
	return s.executor.Stats(ctx)
}
