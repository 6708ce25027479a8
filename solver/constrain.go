// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package solver

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/probe"
)

// RescaleMethod is a way of fixing the scale ambiguity between the
// object and the probe.
type RescaleMethod int

const (
	// NoRescale leaves the scale alone.
	NoRescale RescaleMethod = iota
	// MeanAbsObject scales the object so that the mean of its
	// magnitude is 1 and scales the probe inversely. The forward model
	// is unchanged.
	MeanAbsObject
	// ConstantProbePhotons scales the probe so that its total power
	// is a fixed number of photons.
	ConstantProbePhotons
)

var rescaleNames = [...]string{
	NoRescale:            "none",
	MeanAbsObject:        "mean-abs-object",
	ConstantProbePhotons: "constant-probe-photons",
}

func (m RescaleMethod) String() string {
	if m < 0 || int(m) >= len(rescaleNames) {
		return fmt.Sprintf("RescaleMethod(%d)", int(m))
	}
	return rescaleNames[m]
}

// ParseRescaleMethod returns the rescale method with the provided name.
func ParseRescaleMethod(name string) (RescaleMethod, error) {
	for m, n := range rescaleNames {
		if n == name {
			return RescaleMethod(m), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("solver: unknown rescale method %q", name))
}

// Constraints are applied to each snapshot after its update.
type Constraints struct {
	// CenterPeak recenters the probe's peak intensity after every
	// probe update.
	CenterPeak bool
	// Sparsity, if positive, is the fraction of probe pixels zeroed
	// after every probe update.
	Sparsity float64
	// OrthogonalizeModes orthogonalizes the probe modes after every
	// probe update.
	OrthogonalizeModes bool
	// Rescale is applied every RescalePeriod iterations. It is
	// disabled if RescalePeriod <= 0.
	Rescale       RescaleMethod
	RescalePeriod int
	// Photons is the probe power kept by ConstantProbePhotons.
	Photons float64
}

// Apply returns the snapshot s with the constraints applied, and
// whether it was changed. The provided snapshot is not modified.
// Constraints apply only to snapshots whose probe was updated.
func (c Constraints) Apply(s *bigrecon.State, probeUpdated bool) (*bigrecon.State, bool) {
	if s.Probe == nil || !probeUpdated {
		return s, false
	}
	var (
		out     = s
		changed bool
		clone   = func() {
			if !changed {
				out, changed = s.Clone(), true
			}
		}
	)
	if c.CenterPeak {
		clone()
		out.Probe = probe.CenterPeak(out.Probe)
	}
	if c.Sparsity > 0 {
		clone()
		out.Probe = probe.Sparsify(out.Probe, c.Sparsity)
	}
	if c.OrthogonalizeModes && s.Modes() > 1 {
		clone()
		out.Probe, _ = probe.Orthogonalize(out.Probe)
	}
	if c.RescalePeriod <= 0 || s.Iteration%c.RescalePeriod != 0 {
		return out, changed
	}
	switch c.Rescale {
	case MeanAbsObject:
		mean := out.Object.Copy().Abs().Sum()
		scale := real(mean) / float64(out.Object.Len())
		if scale > 0 {
			clone()
			out.Object.Scale(complex(1/scale, 0))
			out.Probe.Scale(complex(scale, 0))
		}
	case ConstantProbePhotons:
		if c.Photons > 0 {
			clone()
			probe.RescalePhotons(out.Probe, c.Photons, nil)
		}
	}
	return out, changed
}
