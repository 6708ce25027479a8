// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/bigrecon/ctxsync"
	"github.com/grailbio/bigrecon/fault"
)

// A Report is what a partition submits to a barrier in a round.
type Report struct {
	Partials []Partial
	Err      error
	Duration time.Duration
}

// A Barrier collects reports from a fixed set of partitions, one round
// at a time. Reports for any round other than the current one are
// discarded, as are repeated reports from a partition within a round.
type Barrier struct {
	n int

	mu      sync.Mutex
	cond    *ctxsync.Cond
	round   int
	reports map[int]Report
	failed  error
}

// NewBarrier returns a barrier for n partitions.
func NewBarrier(n int) *Barrier {
	if n <= 0 {
		panic("aggregate.NewBarrier: n <= 0")
	}
	b := &Barrier{n: n, reports: make(map[int]Report)}
	b.cond = ctxsync.NewCond(&b.mu)
	return b
}

// Begin starts the provided round, discarding all reports of previous
// rounds. Rounds must be positive and increasing.
func (b *Barrier) Begin(round int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if round <= b.round {
		panic(fmt.Sprintf("aggregate.Barrier: round %d begun after round %d", round, b.round))
	}
	b.round = round
	b.reports = make(map[int]Report)
	b.failed = nil
	b.cond.Broadcast()
}

// Submit records partition's report for the round. Submit returns
// false if the report was discarded because it is stale or repeated.
func (b *Barrier) Submit(round, partition int, r Report) bool {
	if partition < 0 || partition >= b.n {
		panic(fmt.Sprintf("aggregate.Barrier: partition %d out of range [0, %d)", partition, b.n))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if round != b.round {
		return false
	}
	if _, ok := b.reports[partition]; ok {
		return false
	}
	b.reports[partition] = r
	if r.Err != nil && b.failed == nil {
		b.failed = r.Err
	}
	b.cond.Broadcast()
	return true
}

// Forget discards the reports of the provided partitions in the
// current round, so that they may be resubmitted.
func (b *Barrier) Forget(round int, partitions []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if round != b.round {
		return
	}
	for _, p := range partitions {
		delete(b.reports, p)
	}
}

// Wait blocks until every partition has reported in the round, a
// partition reports an error, the timeout expires, or the context is
// done. A partition error is returned as is. On timeout, Wait returns
// a PartitionTimeout fault naming the missing partitions, together
// with the reports received so far. A timeout <= 0 waits
// indefinitely.
func (b *Barrier) Wait(ctx context.Context, round int, timeout time.Duration) (map[int]Report, error) {
	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.cond.Until(wctx, func() bool {
		return b.round != round || b.failed != nil || len(b.reports) == b.n
	})
	if b.round != round {
		return nil, fault.E(fault.PartitionTimeout, "aggregate.Wait", fmt.Sprintf("round %d superseded by round %d", round, b.round))
	}
	reports := make(map[int]Report, len(b.reports))
	for p, r := range b.reports {
		reports[p] = r
	}
	switch {
	case b.failed != nil:
		return reports, b.failed
	case err == nil:
		return reports, nil
	case ctx.Err() != nil:
		return reports, ctx.Err()
	default:
		return reports, fault.E(fault.PartitionTimeout, "aggregate.Wait",
			fmt.Sprintf("round %d: partitions %v did not report within %s", round, b.missingLocked(), timeout))
	}
}

// Missing returns the partitions that have not reported in the
// current round.
func (b *Barrier) Missing() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.missingLocked()
}

func (b *Barrier) missingLocked() []int {
	var missing []int
	for p := 0; p < b.n; p++ {
		if _, ok := b.reports[p]; !ok {
			missing = append(missing, p)
		}
	}
	sort.Ints(missing)
	return missing
}
