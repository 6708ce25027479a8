// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/aggregate"
	"github.com/grailbio/bigrecon/solver"
	"github.com/grailbio/bigrecon/stats"
)

// LocalExecutor is an executor that runs partitions in-process in
// separate goroutines, sharing a single pool of devices.
type localExecutor struct {
	runner *runner
	stats  *stats.Map
	loads  taskOnce

	mu   sync.Mutex
	jobs map[string]map[int]*partitionData
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{
		stats: stats.NewMap(),
		jobs:  make(map[string]map[int]*partitionData),
	}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.runner = newRunner("local", sess.devices, sess.deviceMemory, l.stats)
	return func() {}
}

func (l *localExecutor) Load(ctx context.Context, job *Job) error {
	return l.loads.Do(job.ID, func() error {
		parts := make(map[int]*partitionData, job.NumPartition())
		for p := 0; p < job.NumPartition(); p++ {
			data, err := job.partition(p)
			if err != nil {
				return err
			}
			parts[p] = data
		}
		l.mu.Lock()
		l.jobs[job.ID] = parts
		l.mu.Unlock()
		l.stats.Int(stats.Loads).Add(1)
		return nil
	})
}

func (l *localExecutor) Run(ctx context.Context, job *Job, pass solver.Pass, partition int, state *bigrecon.State) ([]aggregate.Partial, error) {
	l.mu.Lock()
	data := l.jobs[job.ID][partition]
	l.mu.Unlock()
	if data == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("exec.Local: partition %d of job %s not loaded", partition, job.ID))
	}
	return l.runner.run(ctx, job.Op, data, pass, state)
}

func (l *localExecutor) Unload(ctx context.Context, job *Job) error {
	l.mu.Lock()
	delete(l.jobs, job.ID)
	l.mu.Unlock()
	l.loads.Forget(job.ID)
	return nil
}

func (l *localExecutor) Stats(ctx context.Context) (stats.Values, error) {
	vals := l.stats.Snapshot()
	vals["peak-bytes"] = l.runner.peak()
	return vals, nil
}

func (*localExecutor) Location(partition int) string { return "local" }
