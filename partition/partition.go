// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition assigns scan positions to partitions and, within
// each partition, to memory-bounded batches. Plans are computed once
// at setup from a static memory estimate and are fixed for the run.
package partition

import (
	"fmt"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/fault"
	"github.com/grailbio/bigrecon/operator"
)

// Method determines how a partition's positions are grouped into
// batches.
type Method int

const (
	// Contiguous batches hold consecutive positions.
	Contiguous Method = iota
	// Interleaved batches hold positions strided across the
	// partition, so that each batch samples the partition's full
	// extent.
	Interleaved
)

// String returns the method's name.
func (m Method) String() string {
	switch m {
	case Contiguous:
		return "contiguous"
	case Interleaved:
		return "interleaved"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod returns the method with the provided name.
func ParseMethod(name string) (Method, error) {
	switch name {
	case "", "contiguous":
		return Contiguous, nil
	case "interleaved":
		return Interleaved, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("partition: unknown method %q", name))
}

// Options configures a plan.
type Options struct {
	// Budget is the device memory budget in bytes. A budget <= 0 is
	// unlimited.
	Budget int64
	// PerPosition is the device memory needed per position in a batch.
	PerPosition int64
	// Fixed is the device memory needed once per device, independent
	// of batch size.
	Fixed int64
	// MinBatches is the minimum number of batches per partition.
	MinBatches int
	// Method groups positions into batches.
	Method Method
}

// Estimate returns the per-position and fixed memory costs of
// operator op applied to the provided state.
func Estimate(op operator.Operator, state *bigrecon.State) (perPosition, fixed int64) {
	return op.Footprint(state)
}

// A Batch is a set of position indices processed together on a
// device.
type Batch struct {
	// Partition is the partition that owns the batch.
	Partition int
	// ID is the batch's index within its partition.
	ID int
	// Indices are the batch's position indices, in increasing order.
	Indices []int
}

// String returns a description of the batch.
func (b Batch) String() string {
	return fmt.Sprintf("batch %d/%d (%d positions)", b.Partition, b.ID, len(b.Indices))
}

// A Partition is the set of positions owned by one worker for the
// duration of a run.
type Partition struct {
	// ID is the partition's stable id in 0..P-1.
	ID int
	// Indices are the partition's position indices, in increasing
	// order.
	Indices []int
	// Batches split Indices.
	Batches []Batch
}

// A Plan assigns N positions to P partitions and their batches.
type Plan struct {
	// N is the number of positions.
	N int
	// MaxBatch is the largest number of positions in any batch
	// permitted by the memory budget.
	MaxBatch int
	// Partitions are the plan's partitions, indexed by id.
	Partitions []Partition
}

// New computes a plan for n positions over p partitions. Partitions
// hold contiguous ranges of positions in order, with sizes that differ
// by at most one. New fails with a BatchTooLarge fault if a single
// position does not fit the memory budget.
func New(n, p int, opts Options) (*Plan, error) {
	if n < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("partition.New: n=%d", n))
	}
	if p <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("partition.New: p=%d", p))
	}
	maxBatch := n
	if opts.Budget > 0 {
		avail := opts.Budget - opts.Fixed
		if avail < opts.PerPosition || avail <= 0 {
			return nil, fault.E(fault.BatchTooLarge, "partition.New",
				fmt.Sprintf("one position needs %s plus %s fixed; budget is %s",
					data.Size(opts.PerPosition), data.Size(opts.Fixed), data.Size(opts.Budget)))
		}
		if opts.PerPosition > 0 && avail/opts.PerPosition < int64(n) {
			maxBatch = int(avail / opts.PerPosition)
		}
	}
	if maxBatch < 1 {
		maxBatch = 1
	}
	plan := &Plan{N: n, MaxBatch: maxBatch, Partitions: make([]Partition, p)}
	var (
		q, r  = n / p, n % p
		start int
	)
	for i := range plan.Partitions {
		size := q
		if i < r {
			size++
		}
		part := Partition{ID: i, Indices: make([]int, size)}
		for j := range part.Indices {
			part.Indices[j] = start + j
		}
		start += size
		part.Batches = split(i, part.Indices, maxBatch, opts)
		plan.Partitions[i] = part
	}
	return plan, nil
}

func split(partition int, indices []int, maxBatch int, opts Options) []Batch {
	n := len(indices)
	if n == 0 {
		return nil
	}
	nb := (n + maxBatch - 1) / maxBatch
	if nb < opts.MinBatches {
		nb = opts.MinBatches
	}
	if nb > n {
		nb = n
	}
	batches := make([]Batch, nb)
	switch opts.Method {
	case Interleaved:
		for j := range batches {
			batches[j] = Batch{Partition: partition, ID: j}
		}
		for k, idx := range indices {
			b := &batches[k%nb]
			b.Indices = append(b.Indices, idx)
		}
	default:
		q, r := n/nb, n%nb
		var start int
		for j := range batches {
			size := q
			if j < r {
				size++
			}
			batches[j] = Batch{Partition: partition, ID: j, Indices: indices[start : start+size]}
			start += size
		}
	}
	return batches
}

// NumBatches returns the total number of batches in the plan.
func (p *Plan) NumBatches() int {
	var n int
	for _, part := range p.Partitions {
		n += len(part.Batches)
	}
	return n
}

// Sizes returns the number of positions in each partition.
func (p *Plan) Sizes() []int {
	sizes := make([]int, len(p.Partitions))
	for i, part := range p.Partitions {
		sizes[i] = len(part.Indices)
	}
	return sizes
}

// Validate checks that every position index in 0..N-1 belongs to
// exactly one batch of exactly one partition, that each partition's
// batches cover exactly its indices, and that partition sizes differ
// by at most one.
func (p *Plan) Validate() error {
	seen := make([]int, p.N)
	min, max := p.N, 0
	for i, part := range p.Partitions {
		if part.ID != i {
			return errors.E(errors.Integrity, fmt.Sprintf("partition %d has id %d", i, part.ID))
		}
		if len(part.Indices) < min {
			min = len(part.Indices)
		}
		if len(part.Indices) > max {
			max = len(part.Indices)
		}
		owned := make(map[int]bool, len(part.Indices))
		for _, idx := range part.Indices {
			owned[idx] = true
		}
		var nbatch int
		for _, b := range part.Batches {
			if b.Partition != i {
				return errors.E(errors.Integrity, fmt.Sprintf("%v listed in partition %d", b, i))
			}
			if len(b.Indices) > p.MaxBatch {
				return errors.E(errors.Integrity, fmt.Sprintf("%v exceeds max batch size %d", b, p.MaxBatch))
			}
			for _, idx := range b.Indices {
				if idx < 0 || idx >= p.N {
					return errors.E(errors.Integrity, fmt.Sprintf("%v: index %d out of range", b, idx))
				}
				if !owned[idx] {
					return errors.E(errors.Integrity, fmt.Sprintf("%v: index %d not owned by partition", b, idx))
				}
				seen[idx]++
				nbatch++
			}
		}
		if nbatch != len(part.Indices) {
			return errors.E(errors.Integrity, fmt.Sprintf("partition %d: batches cover %d of %d positions", i, nbatch, len(part.Indices)))
		}
	}
	for idx, n := range seen {
		if n != 1 {
			return errors.E(errors.Integrity, fmt.Sprintf("index %d appears in %d batches", idx, n))
		}
	}
	if len(p.Partitions) > 0 && max-min > 1 {
		return errors.E(errors.Integrity, fmt.Sprintf("partition sizes range from %d to %d", min, max))
	}
	return nil
}
