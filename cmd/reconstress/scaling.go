// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/recon"
)

func scaling(sess *exec.Session, cfg recon.Config, args []string) error {
	var (
		flags      = newFlagSet("scaling")
		opts       = problemFlags(flags)
		iterations = flags.Int("iter", 20, "number of iterations per run")
		max        = flags.Int("max", 0, "maximum number of partitions; 0 uses the session's capacity")
		tol        = flags.Float64("tol", 1e-9, "relative tolerance of objective agreement")
	)
	parseArgs(flags, args, "scaling [-iter N] [-max P] [-tol T]")
	prob, err := newProblem(opts)
	if err != nil {
		return err
	}
	if *max <= 0 {
		*max = sessionPartitions(sess)
	}
	cfg.Iterations = *iterations
	cfg.Convergence.Tolerance = 0
	cfg.Store = nil
	cfg.Init.Source = recon.Constant

	ctx := context.Background()
	var base []float64
	for p := 1; p <= *max; p *= 2 {
		cfg.Partitions = p
		start := time.Now()
		res, err := recon.Run(ctx, sess, prob, cfg)
		if err != nil {
			return errors.E(fmt.Sprintf("%d partitions", p), err)
		}
		elapsed := time.Since(start)
		if n := len(res.History); n > 0 {
			elapsed /= time.Duration(n)
		}
		log.Printf("%d partitions: %s per iteration, objective %.6g", p, elapsed, res.Objective)
		if base == nil {
			base = res.Objectives
			continue
		}
		if len(res.Objectives) != len(base) {
			return errors.E(errors.Invalid, fmt.Sprintf("%d partitions: %d objectives, want %d", p, len(res.Objectives), len(base)))
		}
		for i, want := range base {
			if got := res.Objectives[i]; math.Abs(got-want) > *tol*math.Max(1, math.Abs(want)) {
				return errors.E(errors.Invalid, fmt.Sprintf("%d partitions: iteration %d: objective %v, want %v", p, i, got, want))
			}
		}
	}
	return nil
}
