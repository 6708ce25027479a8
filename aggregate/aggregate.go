// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package aggregate combines per-batch contributions from every
// partition into a single global contribution. Contributions are
// summed in (partition, batch) order and normalized by the total
// number of contributing positions, so that the combined result does
// not depend on how positions were partitioned, up to floating point
// reduction order.
//
// Combination is guarded by a Barrier: a round completes only when
// every partition has reported. Partitions that fail to report in time
// are handled according to a Policy.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrecon/solver"
)

// A Partial is the contribution of one batch of one partition.
type Partial struct {
	Partition int
	Batch     int
	solver.Contribution
}

// Combine sums the provided partials in (partition, batch) order and
// normalizes the sum by the total number of contributing positions.
// The objective of the returned contribution is thus the mean
// per-position objective. Combine returns an error if the partials
// are empty, or if a (partition, batch) pair is repeated.
func Combine(parts []Partial) (solver.Contribution, error) {
	sorted := make([]Partial, len(parts))
	copy(sorted, parts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Partition != sorted[j].Partition {
			return sorted[i].Partition < sorted[j].Partition
		}
		return sorted[i].Batch < sorted[j].Batch
	})
	var c solver.Contribution
	for i, p := range sorted {
		if i > 0 && p.Partition == sorted[i-1].Partition && p.Batch == sorted[i-1].Batch {
			return solver.Contribution{}, errors.E(errors.Integrity,
				fmt.Sprintf("aggregate.Combine: duplicate contribution from batch %d/%d", p.Partition, p.Batch))
		}
		c.Add(p.Contribution)
	}
	if c.Count == 0 {
		return solver.Contribution{}, errors.E(errors.Invalid, "aggregate.Combine: no positions contributed")
	}
	c.Scale(1 / float64(c.Count))
	return c, nil
}
