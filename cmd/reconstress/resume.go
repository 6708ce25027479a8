// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigrecon/checkpoint"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/recon"
)

func resume(sess *exec.Session, cfg recon.Config, args []string) error {
	var (
		flags      = newFlagSet("resume")
		opts       = problemFlags(flags)
		iterations = flags.Int("iter", 20, "number of iterations")
		stop       = flags.Int("stop", 7, "iteration at which the first run stops")
	)
	parseArgs(flags, args, "resume [-iter N] [-stop S]")
	if *stop <= 0 || *stop >= *iterations {
		return errors.E(errors.Invalid, "stop must be within (0, iter)")
	}
	prob, err := newProblem(opts)
	if err != nil {
		return err
	}
	cfg.Convergence.Tolerance = 0
	cfg.Init.Source = recon.Constant
	cfg.Iterations = *iterations
	cfg.Store = nil
	ctx := context.Background()
	full, err := recon.Run(ctx, sess, prob, cfg)
	if err != nil {
		return errors.E("uninterrupted run", err)
	}

	// The profile's store, if any, is left untouched.
	cfg.Store = &checkpoint.MemoryStore{}
	cfg.CheckpointEvery = *stop
	cfg.Iterations = *stop
	if _, err := recon.Run(ctx, sess, prob, cfg); err != nil {
		return errors.E("first run", err)
	}
	cfg.Iterations = *iterations
	cfg.Init.Source = recon.Checkpoint
	resumed, err := recon.Run(ctx, sess, prob, cfg)
	if err != nil {
		return errors.E("resumed run", err)
	}
	if len(resumed.Objectives) != len(full.Objectives) {
		return errors.E(errors.Invalid, fmt.Sprintf("resumed run has %d objectives, want %d", len(resumed.Objectives), len(full.Objectives)))
	}
	for i, want := range full.Objectives {
		if got := resumed.Objectives[i]; math.Abs(got-want) > 1e-12*math.Max(1, math.Abs(want)) {
			return errors.E(errors.Invalid, fmt.Sprintf("iteration %d: resumed objective %v, want %v", i, got, want))
		}
	}
	log.Printf("resumed at iteration %d: %d objectives agree", *stop, len(full.Objectives))
	return nil
}
