// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package checkpoint

import (
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
)

// Open returns the store named by the provided location, retaining
// the keep most recent records:
//
//	mem:          an in-memory store
//	badger:<dir>  a badger database in dir, or in memory if dir is empty
//	<prefix>      a FileStore at prefix, which may be any URL
//	              supported by package file
//
// The returned closer releases the store's resources.
func Open(location string, keep int) (Store, io.Closer, error) {
	switch {
	case location == "":
		return nil, nil, errors.E(errors.Invalid, "checkpoint.Open: empty location")
	case location == "mem:":
		return &MemoryStore{Keep: keep}, nopCloser{}, nil
	case strings.HasPrefix(location, "badger:"):
		s, err := OpenBadger(strings.TrimPrefix(location, "badger:"), keep)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	prefix := strings.TrimSuffix(location, "/")
	if prefix == "" {
		return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("checkpoint.Open: bad location %q", location))
	}
	return NewFileStore(prefix, keep), nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
