// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package recon

import (
	"fmt"
	"math"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrecon/aggregate"
	"github.com/grailbio/bigrecon/checkpoint"
	"github.com/grailbio/bigrecon/partition"
	"github.com/grailbio/bigrecon/solver"
	"github.com/grailbio/bigrecon/telemetry"
)

// Mode selects how objective improvements are measured by the
// convergence predicate.
type Mode int

const (
	// Absolute compares the objective decrease to the tolerance.
	Absolute Mode = iota
	// Relative compares the objective decrease, relative to the
	// previous objective, to the tolerance.
	Relative
)

func (m Mode) String() string {
	switch m {
	case Absolute:
		return "absolute"
	case Relative:
		return "relative"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode returns the mode with the provided name.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "absolute", "abs":
		return Absolute, nil
	case "relative", "rel":
		return Relative, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("recon: unknown convergence mode %q", name))
}

// Convergence is the convergence predicate. A reconstruction
// converges once the improvement of the objective stays below
// Tolerance for Window consecutive iterations. A Tolerance <= 0
// disables the predicate: the reconstruction then runs until its
// iteration count is reached.
type Convergence struct {
	Mode      Mode
	Tolerance float64
	Window    int
}

// Converged tells whether the provided objective history, indexed
// by iteration, satisfies the predicate.
func (c Convergence) Converged(history []float64) bool {
	if c.Tolerance <= 0 {
		return false
	}
	window := c.Window
	if window <= 0 {
		window = 1
	}
	if len(history) < window+1 {
		return false
	}
	for i := len(history) - window; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		delta := math.Abs(prev - cur)
		if c.Mode == Relative {
			delta /= math.Max(math.Abs(prev), math.SmallestNonzeroFloat64)
		}
		if !(delta < c.Tolerance) {
			return false
		}
	}
	return true
}

// Source determines how the initial object is produced.
type Source int

const (
	// Constant fills the object with Init.Value.
	Constant Source = iota
	// Random perturbs Init.Value with noise drawn from Init.Seed.
	Random
	// Checkpoint resumes from the latest record of Config.Store.
	Checkpoint
)

func (s Source) String() string {
	switch s {
	case Constant:
		return "constant"
	case Random:
		return "random"
	case Checkpoint:
		return "checkpoint"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// ParseSource returns the source with the provided name.
func ParseSource(name string) (Source, error) {
	switch name {
	case "constant":
		return Constant, nil
	case "random":
		return Random, nil
	case "checkpoint":
		return Checkpoint, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("recon: unknown init source %q", name))
}

// Init configures the initial snapshot.
type Init struct {
	Source Source
	// Value is the initial object value.
	Value complex128
	// Seed seeds Random initialization and added probe modes.
	Seed int64
	// ProbeModes, if larger than the number of modes of the problem's
	// probe, adds modes to the initial probe.
	ProbeModes int
}

// Batching configures the batch partitioner.
type Batching struct {
	// Budget is the device memory available to a batch, in bytes. A
	// Budget <= 0 uses the session's device memory, or places every
	// partition in a single batch if that is unbounded.
	Budget     int64
	MinBatches int
	Method     partition.Method
}

// Config configures a reconstruction.
type Config struct {
	// Iterations is the maximum number of completed iterations.
	Iterations  int
	Convergence Convergence
	// Variant names the solver variant; see solver.ByName.
	Variant string
	// Partitions is the number of partitions. Partitions <= 0 uses
	// the session's parallelism times its device count.
	Partitions int
	Batch      Batching
	Init       Init

	// RescaleProbe rescales the initial probe so that its power
	// matches the brightest measurement.
	RescaleProbe bool
	// RecoverProbe updates the probe, starting with iteration
	// ProbeUpdateStart.
	RecoverProbe     bool
	ProbeUpdateStart int
	// ProbeSupport, if non-nil, penalizes probe intensity outside a
	// finite support.
	ProbeSupport *solver.ProbeSupport
	// CenterProbe recenters, and ProbeSparsity sparsifies, the probe
	// after every probe update; see probe.CenterPeak and
	// probe.Sparsify.
	CenterProbe   bool
	ProbeSparsity float64
	// OrthogonalizeModes orthogonalizes the probe modes after every
	// probe update.
	OrthogonalizeModes bool
	// Rescale fixes the scale ambiguity between object and probe every
	// RescalePeriod iterations. ConstantProbePhotons keeps the mean
	// measured intensity.
	Rescale       solver.RescaleMethod
	RescalePeriod int
	Step          solver.StepParams
	WeightFloor   float64

	// Store receives checkpoints every CheckpointEvery iterations,
	// and when a reconstruction is aborted.
	Store           checkpoint.Store
	CheckpointEvery int

	// Timeout bounds the wait for every partition in a round;
	// TimeoutPolicy handles partitions that miss it.
	Timeout       time.Duration
	TimeoutPolicy aggregate.Policy

	// Observers receive a progress event after every iteration.
	Observers []telemetry.Observer
	// QueueSize is the size of the progress event queue.
	QueueSize int
}

// DefaultConfig returns the default configuration: 100 iterations of
// preconditioned gradient descent from a unit object.
func DefaultConfig() Config {
	return Config{
		Iterations: 100,
		Convergence: Convergence{
			Mode:      Relative,
			Tolerance: 1e-6,
			Window:    3,
		},
		Variant:            "gradient",
		Init:               Init{Source: Constant, Value: 1, Seed: 1},
		RecoverProbe:       false,
		ProbeUpdateStart:   0,
		OrthogonalizeModes: true,
		Rescale:            solver.MeanAbsObject,
		RescalePeriod:      10,
		Step:               solver.DefaultStepParams,
		WeightFloor:        solver.DefaultParams.WeightFloor,
		CheckpointEvery:    10,
		TimeoutPolicy:      aggregate.Abort,
		QueueSize:          64,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.E(errors.Invalid, "recon: "+fmt.Sprintf(format, args...))
	}
	switch {
	case c.Iterations < 0:
		return invalid("negative iteration count %d", c.Iterations)
	case c.Init.Source == Checkpoint && c.Store == nil:
		return invalid("checkpoint initialization without a store")
	case c.CheckpointEvery < 0:
		return invalid("negative checkpoint interval %d", c.CheckpointEvery)
	case c.Step.Initial <= 0 || c.Step.Shrink <= 0 || c.Step.Shrink >= 1:
		return invalid("bad step parameters %+v", c.Step)
	case c.Batch.Budget < 0:
		return invalid("negative batch budget %d", c.Batch.Budget)
	case c.RescalePeriod < 0:
		return invalid("negative rescale period %d", c.RescalePeriod)
	case c.ProbeSparsity < 0 || c.ProbeSparsity >= 1:
		return invalid("probe sparsity %v not in [0, 1)", c.ProbeSparsity)
	}
	_, err := solver.ByName(c.Variant)
	return err
}

func (c Config) params() solver.Params {
	return solver.Params{
		Step:        c.Step,
		Support:     c.ProbeSupport,
		WeightFloor: c.WeightFloor,
	}
}
