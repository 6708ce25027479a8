// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigrecon

import (
	"fmt"
	"math"
)

// A Position associates a measurement with a location on the object.
// Ptychography uses (Y, X), the minimum corner of the probe footprint
// in object pixels; tomography uses Theta, the projection angle in
// radians.
type Position struct {
	Y, X  float64
	Theta float64
}

// IsFinite tells whether all of the position's coordinates are finite.
func (p Position) IsFinite() bool {
	for _, v := range [...]float64{p.Y, p.X, p.Theta} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// String returns a description of the position.
func (p Position) String() string {
	if p.Theta != 0 {
		return fmt.Sprintf("(%g, %g, θ=%g)", p.Y, p.X, p.Theta)
	}
	return fmt.Sprintf("(%g, %g)", p.Y, p.X)
}

// A Measurement is the data recorded at a single position: detector
// intensities (row-major, probe-shaped) in ptychography, and a single
// projection row in tomography. Measurements are never modified.
type Measurement []float64

// A Dataset is an ordered, fixed-size sequence of (Position,
// Measurement) pairs, addressed by index 0..Len()-1. Datasets must be
// safe for concurrent use.
type Dataset interface {
	// Len returns the number of positions in the dataset.
	Len() int
	// Position returns the i'th position.
	Position(i int) Position
	// Measurement returns the i'th measurement.
	Measurement(i int) Measurement
}

// MemDataset is an in-memory Dataset. MemDatasets are gob-encodable,
// and are used to ship partition-local data to workers.
type MemDataset struct {
	Positions    []Position
	Measurements []Measurement
}

// NewMemDataset returns a dataset from the provided positions and
// measurements, which must have the same length.
func NewMemDataset(positions []Position, measurements []Measurement) *MemDataset {
	if len(positions) != len(measurements) {
		panic(fmt.Sprintf("bigrecon.NewMemDataset: %d positions, %d measurements", len(positions), len(measurements)))
	}
	return &MemDataset{positions, measurements}
}

// Len implements Dataset.
func (d *MemDataset) Len() int { return len(d.Positions) }

// Position implements Dataset.
func (d *MemDataset) Position(i int) Position { return d.Positions[i] }

// Measurement implements Dataset.
func (d *MemDataset) Measurement(i int) Measurement { return d.Measurements[i] }

// Subset returns an in-memory dataset containing the provided indices
// of ds, in order. Measurements are shared, not copied.
func Subset(ds Dataset, indices []int) *MemDataset {
	sub := &MemDataset{
		Positions:    make([]Position, len(indices)),
		Measurements: make([]Measurement, len(indices)),
	}
	for i, j := range indices {
		sub.Positions[i] = ds.Position(j)
		sub.Measurements[i] = ds.Measurement(j)
	}
	return sub
}

// Positions returns all positions of ds.
func Positions(ds Dataset) []Position {
	if m, ok := ds.(*MemDataset); ok {
		return m.Positions
	}
	p := make([]Position, ds.Len())
	for i := range p {
		p[i] = ds.Position(i)
	}
	return p
}
