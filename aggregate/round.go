// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigrecon/fault"
	"github.com/grailbio/bigrecon/solver"
)

// Policy determines how a round proceeds when partitions fail to
// report in time.
type Policy int

const (
	// Abort fails the round. A missing partition's contribution
	// cannot be re-derived, so this is the default.
	Abort Policy = iota
	// Retry reruns the missing partitions once within the same round,
	// and fails the round if they again fail to report.
	Retry
	// Exclude combines the reports that were received, renormalized
	// by the number of positions that contributed.
	Exclude
)

// String returns the policy's name.
func (p Policy) String() string {
	switch p {
	case Abort:
		return "abort"
	case Retry:
		return "retry"
	case Exclude:
		return "exclude"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy returns the policy with the provided name.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "abort":
		return Abort, nil
	case "retry":
		return Retry, nil
	case "exclude":
		return Exclude, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("aggregate: unknown policy %q", name))
}

// A RunFunc computes the partials of one partition. It is the
// transport through which an Aggregator reaches its partitions.
type RunFunc func(ctx context.Context, partition int) ([]Partial, error)

// Result is the outcome of a round.
type Result struct {
	// Contribution is the combined, normalized contribution.
	Contribution solver.Contribution
	// Durations are the wall times of each reporting partition.
	Durations map[int]time.Duration
	// Excluded are the partitions excluded from the combination.
	Excluded []int
}

// An Aggregator runs rounds of partition computations over a Barrier
// and combines their results.
type Aggregator struct {
	// Timeout bounds the wait for all partitions to report in a
	// round. A Timeout <= 0 waits indefinitely.
	Timeout time.Duration
	// Policy handles partitions that fail to report in time.
	Policy Policy

	barrier *Barrier
	round   int
}

// New returns an aggregator for n partitions.
func New(n int, timeout time.Duration, policy Policy) *Aggregator {
	return &Aggregator{Timeout: timeout, Policy: policy, barrier: NewBarrier(n)}
}

// Round runs fn for every partition concurrently and combines the
// results once every partition has reported. Any partition error
// fails the round. Partition computations that are still running when
// Round returns are canceled; their late reports are discarded.
func (a *Aggregator) Round(ctx context.Context, fn RunFunc) (Result, error) {
	a.round++
	round := a.round
	a.barrier.Begin(round)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	launch := func(partitions []int) {
		for _, p := range partitions {
			go func(p int) {
				start := time.Now()
				parts, err := fn(rctx, p)
				a.barrier.Submit(round, p, Report{Partials: parts, Err: err, Duration: time.Since(start)})
			}(p)
		}
	}
	all := make([]int, a.barrier.n)
	for i := range all {
		all[i] = i
	}
	launch(all)

	reports, err := a.barrier.Wait(ctx, round, a.Timeout)
	var excluded []int
	if fault.Is(fault.PartitionTimeout, err) {
		missing := a.barrier.Missing()
		switch a.Policy {
		case Retry:
			log.Error.Printf("round %d: retrying partitions %v: %v", round, missing, err)
			launch(missing)
			reports, err = a.barrier.Wait(ctx, round, a.Timeout)
		case Exclude:
			log.Error.Printf("round %d: excluding partitions %v: %v", round, missing, err)
			excluded, err = missing, nil
		}
	}
	if err != nil {
		return Result{}, err
	}
	var (
		parts     []Partial
		durations = make(map[int]time.Duration, len(reports))
	)
	for p, r := range reports {
		parts = append(parts, r.Partials...)
		durations[p] = r.Duration
	}
	c, err := Combine(parts)
	if err != nil {
		return Result{}, err
	}
	return Result{Contribution: c, Durations: durations, Excluded: excluded}, nil
}
