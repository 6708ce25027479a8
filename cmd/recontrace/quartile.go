// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"time"
)

// quartiles returns Tukey's hinges of the sorted, non-empty ds: q2 is
// the median, and q1 and q3 are the medians of the lower and upper
// halves, which both include q2 when len(ds) is odd.
func quartiles(ds []time.Duration) (q1, q2, q3 time.Duration) {
	mid := len(ds) / 2
	q2 = median(ds)
	if len(ds) == 1 {
		return q2, q2, q2
	}
	hi := mid + len(ds)%2
	return median(ds[:hi]), q2, median(ds[mid:])
}

func median(ds []time.Duration) time.Duration {
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return ds[mid]
	}
	// Average without overflow.
	a, b := ds[mid-1], ds[mid]
	return a/2 + b/2 + (a%2+b%2)/2
}
