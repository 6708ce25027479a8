// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

const nameFormat = "checkpoint-n%07d.gob"

// FileStore is a Store that keeps records as files under a prefix,
// which may be any URL supported by package file (for example, a
// local directory or an S3 prefix). Records are named
// checkpoint-nNNNNNNN.gob after their iteration.
type FileStore struct {
	// Prefix is the directory in which records are stored.
	Prefix string
	// Keep is the number of most recent records retained. All records
	// are retained if Keep <= 0.
	Keep int

	// mu serializes saves, so that pruning does not race with them.
	mu sync.Mutex
}

// NewFileStore returns a file store under prefix that retains the
// keep most recent records.
func NewFileStore(prefix string, keep int) *FileStore {
	return &FileStore{Prefix: prefix, Keep: keep}
}

func (s *FileStore) path(iteration int) string {
	return file.Join(s.Prefix, fmt.Sprintf(nameFormat, iteration))
}

// Save implements Store. The record is written in full before older
// records are pruned.
func (s *FileStore) Save(ctx context.Context, r *Record) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(r.Iteration())
	f, err := file.Create(ctx, p)
	if err != nil {
		return err
	}
	if err = Encode(f.Writer(ctx), r); err != nil {
		f.Discard(ctx)
		return err
	}
	if err = f.Close(ctx); err != nil {
		return err
	}
	its, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, it := range prune(its, s.Keep) {
		if err := file.Remove(ctx, s.path(it)); err != nil {
			log.Error.Printf("checkpoint: removing %s: %v", s.path(it), err)
		}
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, iteration int) (r *Record, err error) {
	f, err := file.Open(ctx, s.path(iteration))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	r, err = Decode(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("checkpoint: %s", s.path(iteration)), err)
	}
	return r, nil
}

// List implements Store. Files under the prefix that are not named
// as records are ignored.
func (s *FileStore) List(ctx context.Context) ([]int, error) {
	var its []int
	lst := file.List(ctx, s.Prefix, false)
	for lst.Scan() {
		if it, ok := parseName(path.Base(lst.Path())); ok {
			its = append(its, it)
		}
	}
	if err := lst.Err(); err != nil {
		if errors.Is(errors.NotExist, err) || os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Ints(its)
	return its, nil
}

func parseName(name string) (int, bool) {
	const prefix, suffix = "checkpoint-n", ".gob"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	it, err := strconv.Atoi(name[len(prefix) : len(name)-len(suffix)])
	if err != nil || it < 0 || fmt.Sprintf(nameFormat, it) != name {
		return 0, false
	}
	return it, true
}
