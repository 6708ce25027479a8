// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigrecon

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/bigrecon/array"
	"github.com/spaolacci/murmur3"
)

// State is an immutable snapshot of the reconstruction's shared state.
// A snapshot is read concurrently by every batch of an iteration and
// is never modified after it is published; the orchestrator produces
// a new snapshot once per iteration from the combined update.
type State struct {
	// Iteration is the number of completed iterations that produced
	// this snapshot.
	Iteration int
	// Object is the object estimate: [H, W] in both ptychography and
	// tomography.
	Object *array.Array
	// Probe is the probe estimate, with shape [modes, h, w]. Probe is
	// nil in tomography.
	Probe *array.Array
}

// Modes returns the number of probe modes, or 0 if the state has no
// probe.
func (s *State) Modes() int {
	if s.Probe == nil {
		return 0
	}
	return s.Probe.Dim(0)
}

// Clone returns a deep host copy of the snapshot.
func (s *State) Clone() *State {
	c := &State{Iteration: s.Iteration, Object: s.Object.Copy()}
	if s.Probe != nil {
		c.Probe = s.Probe.Copy()
	}
	return c
}

// Next returns the snapshot following s, with the provided object and
// probe. A nil probe retains the probe of s.
func (s *State) Next(object, probe *array.Array) *State {
	if probe == nil {
		probe = s.Probe
	}
	return &State{Iteration: s.Iteration + 1, Object: object, Probe: probe}
}

// IsFinite tells whether every element of the snapshot is finite.
func (s *State) IsFinite() bool {
	return s.Object.IsFinite() && (s.Probe == nil || s.Probe.IsFinite())
}

// Digest returns a fingerprint of the snapshot's iteration and
// contents. Two snapshots with identical digests are treated as the
// same version.
func (s *State) Digest() uint64 {
	h := murmur3.New64()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(s.Iteration))
	h.Write(b[:])
	for _, a := range [...]*array.Array{s.Object, s.Probe} {
		if a == nil {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		for _, d := range a.Shape() {
			binary.LittleEndian.PutUint64(b[:], uint64(d))
			h.Write(b[:])
		}
		buf := make([]byte, 16*1024)
		n := 0
		for _, v := range a.Data() {
			binary.LittleEndian.PutUint64(buf[n:], math.Float64bits(real(v)))
			binary.LittleEndian.PutUint64(buf[n+8:], math.Float64bits(imag(v)))
			n += 16
			if n == len(buf) {
				h.Write(buf)
				n = 0
			}
		}
		h.Write(buf[:n])
	}
	return h.Sum64()
}

// String returns a short description of the snapshot.
func (s *State) String() string {
	if s.Probe == nil {
		return fmt.Sprintf("state(iter=%d object=%v)", s.Iteration, s.Object.Shape())
	}
	return fmt.Sprintf("state(iter=%d object=%v probe=%v)", s.Iteration, s.Object.Shape(), s.Probe.Shape())
}
