// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/grailbio/base/errors"
)

var keyPrefix = []byte("checkpoint/")

// BadgerStore is a Store backed by a badger database, on disk or in
// memory. Records are keyed by their big-endian iteration, so that
// keys sort in iteration order.
type BadgerStore struct {
	// Keep is the number of most recent records retained. All records
	// are retained if Keep <= 0.
	Keep int

	db *badger.DB
}

// OpenBadger opens a badger store in the provided directory. If dir
// is empty, the store is kept in memory.
func OpenBadger(dir string, keep int) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("checkpoint.OpenBadger %q", dir), err)
	}
	return &BadgerStore{Keep: keep, db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func key(iteration int) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], uint64(iteration))
	return k
}

// Save implements Store. Saving and pruning happen in a single
// transaction.
func (s *BadgerStore) Save(ctx context.Context, r *Record) error {
	var b bytes.Buffer
	if err := Encode(&b, r); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(r.Iteration()), b.Bytes()); err != nil {
			return err
		}
		its := iterations(txn)
		for _, it := range prune(its, s.Keep) {
			if err := txn.Delete(key(it)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, iteration int) (*Record, error) {
	var r *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(iteration))
		if err == badger.ErrKeyNotFound {
			return errors.E(errors.NotExist, fmt.Sprintf("checkpoint: no checkpoint for iteration %d", iteration))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err = Decode(bytes.NewReader(val))
			return err
		})
	})
	return r, err
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context) ([]int, error) {
	var its []int
	err := s.db.View(func(txn *badger.Txn) error {
		its = iterations(txn)
		return nil
	})
	return its, err
}

func iterations(txn *badger.Txn) []int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var its []int
	for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
		k := it.Item().Key()
		its = append(its, int(binary.BigEndian.Uint64(k[len(keyPrefix):])))
	}
	return its
}
