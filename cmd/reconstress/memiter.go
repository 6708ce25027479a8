// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/recon"
)

func memiter(sess *exec.Session, cfg recon.Config, args []string) error {
	var (
		flags  = newFlagSet("memiter")
		opts   = problemFlags(flags)
		niter  = flags.Int("iter", 50, "number of reconstructions")
		growth = flags.Float64("growth", 2, "maximum growth of the heap relative to the first reconstruction")
	)
	parseArgs(flags, args, "memiter [-iter N] [-growth G]")
	prob, err := newProblem(opts)
	if err != nil {
		return err
	}
	cfg.Iterations = 5
	cfg.Store = nil
	cfg.Init.Source = recon.Constant
	ctx := context.Background()
	var baseline uint64
	for i := 0; i < *niter; i++ {
		if _, err := recon.Run(ctx, sess, prob, cfg); err != nil {
			return errors.E(fmt.Sprintf("reconstruction %d", i), err)
		}
		runtime.GC()
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		if i == 0 {
			baseline = stats.HeapInuse
		}
		log.Printf("reconstruction %d: heap in use %s", i, data.Size(int64(stats.HeapInuse)))
		if float64(stats.HeapInuse) > *growth*float64(baseline) {
			return errors.E(errors.Invalid, fmt.Sprintf("reconstruction %d: heap grew from %s to %s",
				i, data.Size(int64(baseline)), data.Size(int64(stats.HeapInuse))))
		}
	}
	return nil
}
