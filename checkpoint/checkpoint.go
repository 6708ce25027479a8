// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint persists reconstruction snapshots. A Record
// holds everything needed to resume a reconstruction: the state, the
// variant's memory and the objective history. Records are stored gob
// encoded and framed with a checksum, so that truncated or corrupted
// checkpoints are detected on load rather than resumed from.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/solver"
	"github.com/spaolacci/murmur3"
)

// A Record is a checkpoint of a reconstruction after an iteration.
type Record struct {
	// State is the snapshot after the iteration.
	State *bigrecon.State
	// Objective is the objective of State.
	Objective float64
	// History holds the objective of every snapshot up to State,
	// indexed by iteration.
	History []float64
	// Memory is the variant's memory, if any.
	Memory *solver.Memory
	// Time is the time at which the record was made.
	Time time.Time
}

// Iteration returns the iteration of the record's state.
func (r *Record) Iteration() int { return r.State.Iteration }

// String returns a short description of the record.
func (r *Record) String() string {
	return fmt.Sprintf("checkpoint %d (objective %.6g)", r.Iteration(), r.Objective)
}

// A Store saves and restores records. Implementations are safe for
// concurrent use.
type Store interface {
	// Save saves the record, replacing any record of the same
	// iteration.
	Save(ctx context.Context, r *Record) error
	// Load returns the record of the provided iteration. Load returns
	// an errors.NotExist error if there is no such record.
	Load(ctx context.Context, iteration int) (*Record, error)
	// List returns the iterations of the stored records in
	// increasing order.
	List(ctx context.Context) ([]int, error)
}

// Latest returns the most recent record in the store. Latest returns
// an errors.NotExist error if the store is empty.
func Latest(ctx context.Context, s Store) (*Record, error) {
	its, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(its) == 0 {
		return nil, errors.E(errors.NotExist, "checkpoint: no checkpoints")
	}
	return s.Load(ctx, its[len(its)-1])
}

// Encode writes the record to w: an 8-byte length, the gob-encoded
// record, and an 8-byte murmur3 checksum of the encoding.
func Encode(w io.Writer, r *Record) error {
	if r.State == nil {
		return errors.E(errors.Invalid, "checkpoint.Encode: record has no state")
	}
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(r); err != nil {
		return errors.E("checkpoint.Encode", err)
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(payload.Len()))
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[:], murmur3.Sum64(payload.Bytes()))
	_, err := w.Write(b[:])
	return err
}

// Decode reads a record written by Encode. Decode fails with an
// errors.Integrity error if the record is truncated or its checksum
// does not match.
func Decode(rd io.Reader) (*Record, error) {
	var b [8]byte
	if _, err := io.ReadFull(rd, b[:]); err != nil {
		return nil, errors.E(errors.Integrity, "checkpoint.Decode: reading length", err)
	}
	n := binary.LittleEndian.Uint64(b[:])
	var payload bytes.Buffer
	if m, err := io.CopyN(&payload, rd, int64(n)); err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("checkpoint.Decode: read %d of %d bytes", m, n), err)
	}
	if _, err := io.ReadFull(rd, b[:]); err != nil {
		return nil, errors.E(errors.Integrity, "checkpoint.Decode: reading checksum", err)
	}
	if got, want := murmur3.Sum64(payload.Bytes()), binary.LittleEndian.Uint64(b[:]); got != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("checkpoint.Decode: checksum %x, want %x", got, want))
	}
	r := new(Record)
	if err := gob.NewDecoder(&payload).Decode(r); err != nil {
		return nil, errors.E(errors.Integrity, "checkpoint.Decode", err)
	}
	if r.State == nil {
		return nil, errors.E(errors.Integrity, "checkpoint.Decode: record has no state")
	}
	return r, nil
}

// MemoryStore is a Store that keeps encoded records in memory.
type MemoryStore struct {
	// Keep is the number of most recent records retained. All records
	// are retained if Keep <= 0.
	Keep int

	mu      sync.Mutex
	records map[int][]byte
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, r *Record) error {
	var b bytes.Buffer
	if err := Encode(&b, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[int][]byte)
	}
	m.records[r.Iteration()] = b.Bytes()
	for _, it := range prune(m.iterations(), m.Keep) {
		delete(m.records, it)
	}
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, iteration int) (*Record, error) {
	m.mu.Lock()
	b, ok := m.records[iteration]
	m.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("checkpoint: no checkpoint for iteration %d", iteration))
	}
	return Decode(bytes.NewReader(b))
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iterations(), nil
}

func (m *MemoryStore) iterations() []int {
	its := make([]int, 0, len(m.records))
	for it := range m.records {
		its = append(its, it)
	}
	sort.Ints(its)
	return its
}

// Prune returns the iterations that fall outside of the keep most
// recent ones. Its is sorted.
func prune(its []int, keep int) []int {
	if keep <= 0 || len(its) <= keep {
		return nil
	}
	return its[:len(its)-keep]
}
