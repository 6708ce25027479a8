// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/aggregate"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/fault"
	"github.com/grailbio/bigrecon/operator"
	"github.com/grailbio/bigrecon/partition"
	"github.com/grailbio/bigrecon/solver"
	"github.com/grailbio/bigrecon/stats"
	"golang.org/x/sync/errgroup"
)

// SplitPolicy is the backoff applied between successive splits of a
// batch that failed to allocate.
var splitPolicy = retry.Backoff(10*time.Millisecond, 200*time.Millisecond, 2)

var nextJob int64

// A Job is a reconstruction problem installed on an executor: an
// operator, the measurements, and the partitioning of positions into
// batches. Jobs are immutable once loaded.
type Job struct {
	// ID identifies the job across workers.
	ID string
	// Op is the forward model.
	Op operator.Operator
	// Data holds the positions and measurements.
	Data bigrecon.Dataset
	// Plan partitions the dataset's positions.
	Plan *partition.Plan
}

// NewJob returns a job with a fresh ID. NewJob returns an error if
// the plan does not cover the dataset.
func NewJob(op operator.Operator, data bigrecon.Dataset, plan *partition.Plan) (*Job, error) {
	if plan.N != data.Len() {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("exec.NewJob: plan covers %d positions, dataset has %d", plan.N, data.Len()))
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s-%d", op.Name(), atomic.AddInt64(&nextJob, 1))
	return &Job{ID: id, Op: op, Data: data, Plan: plan}, nil
}

// NumPartition returns the number of partitions in the job.
func (j *Job) NumPartition() int { return len(j.Plan.Partitions) }

// Partition returns the batches of partition p, materialized from the
// job's dataset.
func (j *Job) partition(p int) (*partitionData, error) {
	if p < 0 || p >= len(j.Plan.Partitions) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec: job %s has no partition %d", j.ID, p))
	}
	part := j.Plan.Partitions[p]
	data := &partitionData{
		Partition: p,
		IDs:       make([]int, len(part.Batches)),
		Batches:   make([]solver.Batch, len(part.Batches)),
	}
	for i, b := range part.Batches {
		data.IDs[i] = b.ID
		data.Batches[i] = solver.NewBatch(j.Data, b.Indices)
	}
	return data, nil
}

// PartitionData is the materialized content of one partition, as
// installed on the executor that runs it.
type partitionData struct {
	Partition int
	IDs       []int
	Batches   []solver.Batch
}

// A runner runs the batches of a partition across a pool of devices.
// At most one batch runs on a device at a time.
type runner struct {
	location string
	limiter  *limiter.Limiter
	stats    *stats.Map

	mu   sync.Mutex
	free []*array.Device
	all  []*array.Device
}

func newRunner(location string, ndev int, memory int64, stats *stats.Map) *runner {
	if ndev <= 0 {
		panic("exec: ndev <= 0")
	}
	r := &runner{location: location, limiter: limiter.New(), stats: stats}
	for i := 0; i < ndev; i++ {
		r.all = append(r.all, array.NewDevice(i, memory))
	}
	r.free = append(r.free, r.all...)
	r.limiter.Release(ndev)
	return r
}

func (r *runner) acquire(ctx context.Context) (*array.Device, error) {
	if err := r.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	r.mu.Lock()
	dev := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	r.mu.Unlock()
	return dev, nil
}

func (r *runner) release(dev *array.Device) {
	r.mu.Lock()
	r.free = append(r.free, dev)
	r.mu.Unlock()
	r.limiter.Release(1)
}

// Peak returns the largest peak memory use across the runner's
// devices.
func (r *runner) peak() int64 {
	var max int64
	for _, dev := range r.all {
		if p := dev.Peak(); p > max {
			max = p
		}
	}
	return max
}

// Run computes the partials of every batch of the partition for the
// provided pass. Batches run concurrently; the first error cancels
// the remaining batches and is returned.
func (r *runner) run(ctx context.Context, op operator.Operator, data *partitionData, pass solver.Pass, state *bigrecon.State) ([]aggregate.Partial, error) {
	r.stats.Int(stats.Passes).Add(1)
	parts := make([]aggregate.Partial, len(data.Batches))
	g, gctx := errgroup.WithContext(ctx)
	for i := range data.Batches {
		i := i
		g.Go(func() error {
			dev, err := r.acquire(gctx)
			if err != nil {
				return err
			}
			defer r.release(dev)
			c, err := r.step(gctx, dev, op, state, data.Batches[i], pass, 0)
			if err != nil {
				return err
			}
			parts[i] = aggregate.Partial{Partition: data.Partition, Batch: data.IDs[i], Contribution: c}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

// Step runs a single batch step. A batch that fails to allocate is
// split in halves and the halves are run in turn on the same device;
// their contributions are summed. Batches of a single position are
// not split further.
func (r *runner) step(ctx context.Context, dev *array.Device, op operator.Operator, state *bigrecon.State, batch solver.Batch, pass solver.Pass, depth int) (solver.Contribution, error) {
	c, err := solver.Step(ctx, dev, op, state, batch, pass)
	if err == nil {
		r.stats.Int(stats.Batches).Add(1)
		r.stats.Int(stats.Positions).Add(int64(batch.Len()))
		return c, nil
	}
	if !fault.Is(fault.Allocation, err) || batch.Len() <= 1 {
		return solver.Contribution{}, err
	}
	r.stats.Int(stats.AllocRetries).Add(1)
	if werr := retry.Wait(ctx, splitPolicy, depth); werr != nil {
		return solver.Contribution{}, werr
	}
	log.Debug.Printf("%s: %s: splitting batch of %d positions: %v", r.location, dev, batch.Len(), err)
	r.stats.Int(stats.Splits).Add(1)
	lo, hi := batch.Split()
	c, err = r.step(ctx, dev, op, state, lo, pass, depth+1)
	if err != nil {
		return solver.Contribution{}, err
	}
	d, err := r.step(ctx, dev, op, state, hi, pass, depth+1)
	if err != nil {
		return solver.Contribution{}, err
	}
	c.Add(d)
	return c, nil
}
