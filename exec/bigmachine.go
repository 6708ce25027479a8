// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/aggregate"
	"github.com/grailbio/bigrecon/fault"
	"github.com/grailbio/bigrecon/operator"
	"github.com/grailbio/bigrecon/solver"
	"github.com/grailbio/bigrecon/stats"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&worker{})
}

// BigmachineStatusGroup is the name of the status group that
// reports machine startup.
const BigmachineStatusGroup = "bigmachine"

// RetryPolicy is the default retry policy used for machine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// BigmachineExecutor is an executor that runs partitions on
// bigmachine machines. Partition p of every job runs on machine
// p mod n, where n is the session's parallelism.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess   *Session
	b      *bigmachine.B
	status *status.Group

	started  onceTask
	machines []*bigmachine.Machine

	loads taskOnce
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (*bigmachineExecutor) Name() string { return "bigmachine" }

// Start starts bigmachine. On worker processes, Start does not
// return. Machines are started lazily, on the first load.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group(BigmachineStatusGroup)
	}
	return b.b.Shutdown
}

// StartMachines starts the session's machines, installing a worker
// service on each of them, and waits for them to be running.
func (b *bigmachineExecutor) startMachines(ctx context.Context) error {
	return b.started.Do(func() error {
		w := &worker{Devices: b.sess.devices, DeviceMemory: b.sess.deviceMemory}
		params := append([]bigmachine.Param{bigmachine.Services{"Worker": w}}, b.params...)
		machines, err := b.b.Start(ctx, b.sess.p, params...)
		if err != nil {
			return err
		}
		g, ctx := errgroup.WithContext(ctx)
		for _, m := range machines {
			m := m
			g.Go(func() error {
				var task *status.Task
				if b.status != nil {
					task = b.status.Start(m.Addr)
					task.Print("waiting for machine to boot")
					defer task.Done()
				}
				select {
				case <-m.Wait(bigmachine.Running):
				case <-ctx.Done():
					return ctx.Err()
				}
				if err := m.Err(); err != nil {
					log.Error.Printf("machine %s failed to start: %v", m.Addr, err)
					return err
				}
				if task != nil {
					task.Print("running")
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		b.machines = machines
		log.Printf("exec: started %d machines", len(machines))
		return nil
	})
}

func (b *bigmachineExecutor) machine(partition int) *bigmachine.Machine {
	return b.machines[partition%len(b.machines)]
}

type loadKey struct {
	Job       string
	Partition int
}

func (b *bigmachineExecutor) Load(ctx context.Context, job *Job) error {
	if err := b.startMachines(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < job.NumPartition(); p++ {
		p := p
		g.Go(func() error { return b.load(ctx, job, p) })
	}
	return g.Wait()
}

func (b *bigmachineExecutor) load(ctx context.Context, job *Job, partition int) error {
	return b.loads.Do(loadKey{job.ID, partition}, func() error {
		data, err := job.partition(partition)
		if err != nil {
			return err
		}
		req := loadRequest{Job: job.ID, Op: job.Op, Data: *data}
		return b.machine(partition).RetryCall(ctx, "Worker.Load", req, nil)
	})
}

func (b *bigmachineExecutor) Run(ctx context.Context, job *Job, pass solver.Pass, partition int, state *bigrecon.State) ([]aggregate.Partial, error) {
	if len(b.machines) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec.Bigmachine: job %s not loaded", job.ID))
	}
	m := b.machine(partition)
	req := runRequest{
		Job:       job.ID,
		Partition: partition,
		Pass:      pass,
		State:     state,
		Digest:    state.Digest(),
	}
	var reply runReply
	err := m.RetryCall(ctx, "Worker.Run", req, &reply)
	if errors.Is(errors.NotExist, err) {
		// The machine lost the partition, for example because it was
		// restarted. Reinstall and try again.
		log.Error.Printf("machine %s: reloading partition %d of job %s: %v", m.Addr, partition, job.ID, err)
		b.loads.Forget(loadKey{job.ID, partition})
		if err = b.load(ctx, job, partition); err != nil {
			return nil, err
		}
		reply = runReply{}
		err = m.RetryCall(ctx, "Worker.Run", req, &reply)
	}
	if err != nil {
		return nil, err
	}
	if reply.Failed {
		return nil, fault.E(reply.Class, "exec.Worker.Run", fmt.Sprintf("machine %s: partition %d: %s", m.Addr, partition, reply.Message))
	}
	return reply.Partials, nil
}

func (b *bigmachineExecutor) Unload(ctx context.Context, job *Job) error {
	for p := 0; p < job.NumPartition(); p++ {
		b.loads.Forget(loadKey{job.ID, p})
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range b.machines {
		m := m
		g.Go(func() error { return m.RetryCall(ctx, "Worker.Unload", job.ID, nil) })
	}
	return g.Wait()
}

func (b *bigmachineExecutor) Stats(ctx context.Context) (stats.Values, error) {
	var (
		mu  sync.Mutex
		all = make(stats.Values)
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range b.machines {
		m := m
		g.Go(func() error {
			var vals stats.Values
			if err := m.Call(ctx, "Worker.Stats", struct{}{}, &vals); err != nil {
				return err
			}
			mu.Lock()
			all.Merge(vals)
			mu.Unlock()
			return nil
		})
	}
	return all, g.Wait()
}

func (b *bigmachineExecutor) Location(partition int) string {
	if len(b.machines) == 0 {
		return "bigmachine"
	}
	return b.machine(partition).Addr
}

// LoadRequest installs one partition of a job on a worker.
type loadRequest struct {
	Job  string
	Op   operator.Operator
	Data partitionData
}

// RunRequest runs a pass over one partition of a job against a state
// snapshot. Digest is the snapshot's digest as computed by the
// sender; workers refuse snapshots that do not match it.
type runRequest struct {
	Job       string
	Partition int
	Pass      solver.Pass
	State     *bigrecon.State
	Digest    uint64
}

// RunReply is the result of a pass. Faults are returned in the reply
// rather than as call errors so that their class survives transport
// and so that they are not retried by the caller.
type runReply struct {
	Partials []aggregate.Partial
	Failed   bool
	Class    fault.Class
	Message  string
}

type workerJob struct {
	op    operator.Operator
	parts map[int]*partitionData
}

// A worker is the bigmachine service that holds partitions of loaded
// jobs and runs passes over them on its own pool of devices.
type worker struct {
	// Devices is the number of devices on the worker.
	Devices int
	// DeviceMemory is the memory budget of each device.
	DeviceMemory int64

	b      *bigmachine.B
	runner *runner
	stats  *stats.Map

	mu   sync.Mutex
	jobs map[string]*workerJob
}

func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	w.stats = stats.NewMap()
	w.jobs = make(map[string]*workerJob)
	devices := w.Devices
	if devices <= 0 {
		devices = 1
	}
	w.runner = newRunner("worker", devices, w.DeviceMemory, w.stats)
	return nil
}

// Load installs a partition of a job. Load is idempotent.
func (w *worker) Load(ctx context.Context, req loadRequest, _ *struct{}) error {
	if req.Op == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("worker.Load: job %s has no operator", req.Job))
	}
	data := req.Data
	w.mu.Lock()
	defer w.mu.Unlock()
	job := w.jobs[req.Job]
	if job == nil {
		job = &workerJob{op: req.Op, parts: make(map[int]*partitionData)}
		w.jobs[req.Job] = job
	}
	if _, ok := job.parts[data.Partition]; ok {
		return nil
	}
	job.parts[data.Partition] = &data
	w.stats.Int(stats.Loads).Add(1)
	log.Debug.Printf("worker: loaded partition %d of job %s (%d batches)", data.Partition, req.Job, len(data.Batches))
	return nil
}

// Run runs a pass over a loaded partition.
func (w *worker) Run(ctx context.Context, req runRequest, reply *runReply) error {
	w.mu.Lock()
	job := w.jobs[req.Job]
	var data *partitionData
	if job != nil {
		data = job.parts[req.Partition]
	}
	w.mu.Unlock()
	if data == nil {
		return errors.E(errors.NotExist, fmt.Sprintf("worker.Run: partition %d of job %s not loaded", req.Partition, req.Job))
	}
	if req.State == nil || req.State.Digest() != req.Digest {
		return errors.E(errors.Integrity, errors.Fatal, fmt.Sprintf("worker.Run: job %s: state snapshot digest mismatch", req.Job))
	}
	parts, err := w.runner.run(ctx, job.op, data, req.Pass, req.State)
	if err != nil {
		switch class := fault.ClassOf(err); class {
		case fault.Unknown, fault.Canceled:
			return err
		default:
			reply.Failed = true
			reply.Class = class
			reply.Message = fault.Message(err)
			return nil
		}
	}
	reply.Partials = parts
	return nil
}

// Unload discards the partitions of a job.
func (w *worker) Unload(ctx context.Context, job string, _ *struct{}) error {
	w.mu.Lock()
	delete(w.jobs, job)
	w.mu.Unlock()
	return nil
}

// Stats returns the worker's counters.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = w.stats.Snapshot()
	(*values)["peak-bytes"] = w.runner.peak()
	return nil
}
