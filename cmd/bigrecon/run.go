// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigrecon/aggregate"
	"github.com/grailbio/bigrecon/checkpoint"
	"github.com/grailbio/bigrecon/partition"
	"github.com/grailbio/bigrecon/probe"
	"github.com/grailbio/bigrecon/recon"
	"github.com/grailbio/bigrecon/reconcmd"
	"github.com/grailbio/bigrecon/reconflags"
	"github.com/grailbio/bigrecon/solver"
	"github.com/grailbio/bigrecon/synth"
)

func runCmd(args []string) {
	var (
		flags        = flag.NewFlagSet("bigrecon run", flag.ExitOnError)
		problem      = flags.String("problem", "ptycho", "synthetic problem: ptycho or tomo")
		size         = flags.Int("size", 64, "object size in pixels")
		probeSize    = flags.Int("probe-size", 16, "probe size in pixels")
		modes        = flags.Int("modes", 1, "number of probe modes of the ground truth")
		scan         = flags.Int("scan", 10, "raster scan positions per axis (ptycho) or number of angles (tomo)")
		step         = flags.Float64("step", 4, "raster scan step in pixels")
		noise        = flags.String("noise", "gaussian", "noise model: gaussian or poisson")
		seed         = flags.Int64("seed", 1, "random seed of the synthetic problem")
		iterations   = flags.Int("iterations", 100, "maximum number of iterations")
		variant      = flags.String("variant", "gradient", "solver variant: gradient, cg, or projection")
		partitions   = flags.Int("partitions", 0, "number of partitions; 0 uses the session's parallelism")
		budget       = flags.Int64("batch-budget", 0, "device memory available to a batch in bytes")
		minBatches   = flags.Int("min-batches", 0, "minimum number of batches per partition")
		method       = flags.String("batch-method", "contiguous", "batch selection: contiguous or interleaved")
		mode         = flags.String("convergence", "relative", "convergence mode: absolute or relative")
		tolerance    = flags.Float64("tolerance", 1e-6, "convergence tolerance; 0 runs all iterations")
		window       = flags.Int("window", 3, "number of consecutive iterations within tolerance")
		recoverProbe = flags.Bool("recover-probe", false, "update the probe, starting from a gaussian guess")
		probeStart   = flags.Int("probe-update-start", 0, "first iteration at which the probe is updated")
		extraModes   = flags.Int("probe-modes", 0, "number of probe modes to reconstruct")
		support      = flags.Float64("probe-support", 0, "weight of the finite probe support penalty")
		centerProbe  = flags.Bool("center-probe", false, "recenter the probe's peak intensity after every probe update")
		sparsity     = flags.Float64("probe-sparsity", 0, "fraction of probe pixels zeroed after every probe update")
		orthogonal   = flags.Bool("orthogonalize-modes", true, "orthogonalize probe modes after every probe update")
		rescale      = flags.String("rescale", "mean-abs-object", "object and probe scaling: none, mean-abs-object, or constant-probe-photons")
		rescaleEvery = flags.Int("rescale-period", 10, "iterations between rescales during probe recovery")
		checkpoints  = flags.String("checkpoints", "", "checkpoint location: mem:, badger:<dir>, or a file prefix")
		keep         = flags.Int("keep", 3, "number of checkpoints retained")
		every        = flags.Int("checkpoint-every", 10, "iterations between checkpoints")
		resume       = flags.Bool("resume", false, "resume from the latest checkpoint")
		timeout      = flags.Duration("timeout", 0, "maximum wait for all partitions of a round; 0 waits indefinitely")
		policy       = flags.String("timeout-policy", "abort", "handling of late partitions: abort, retry, or exclude")
	)
	var bf reconflags.Flags
	reconflags.RegisterFlags(flags, &bf, "")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bigrecon run [flags]")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	var (
		prob  *recon.Problem
		truth *synth.Problem
		err   error
	)
	switch *problem {
	case "ptycho":
		opts := synth.DefaultPtycho
		opts.ObjectSize, opts.ProbeSize, opts.Modes = *size, *probeSize, *modes
		opts.Rows, opts.Cols, opts.Step = *scan, *scan, *step
		opts.Noise, opts.Seed = *noise, *seed
		truth, err = synth.Ptycho(opts)
		must.Nil(err)
		prob = &recon.Problem{
			Op:          truth.Op,
			Data:        truth.Data,
			ObjectShape: truth.Truth.Object.Shape(),
			Probe:       truth.Truth.Probe,
		}
	case "tomo":
		truth, err = synth.Tomo(*size, *scan, *seed)
		must.Nil(err)
		prob = &recon.Problem{Op: truth.Op, Data: truth.Data, ObjectShape: truth.Truth.Object.Shape()}
	default:
		log.Fatalf("unknown problem %q", *problem)
	}

	cfg := recon.DefaultConfig()
	cfg.Iterations = *iterations
	cfg.Variant = *variant
	cfg.Partitions = *partitions
	cfg.Batch = recon.Batching{Budget: *budget, MinBatches: *minBatches}
	cfg.Batch.Method, err = partition.ParseMethod(*method)
	must.Nil(err)
	cfg.Convergence.Mode, err = recon.ParseMode(*mode)
	must.Nil(err)
	cfg.Convergence.Tolerance, cfg.Convergence.Window = *tolerance, *window
	if *problem == "tomo" {
		cfg.Init.Value = 0
	}
	if *recoverProbe && prob.Probe != nil {
		prob.Probe = probe.Gaussian(*probeSize, 0.3, 0.9)
		cfg.RecoverProbe = true
		cfg.RescaleProbe = true
		cfg.ProbeUpdateStart = *probeStart
		cfg.Init.ProbeModes = *extraModes
	}
	cfg.CenterProbe, cfg.ProbeSparsity = *centerProbe, *sparsity
	cfg.OrthogonalizeModes = *orthogonal
	cfg.Rescale, err = solver.ParseRescaleMethod(*rescale)
	must.Nil(err)
	cfg.RescalePeriod = *rescaleEvery
	if *support > 0 {
		cfg.ProbeSupport = solver.DefaultProbeSupport(*support)
	}
	cfg.Timeout = *timeout
	cfg.TimeoutPolicy, err = aggregate.ParsePolicy(*policy)
	must.Nil(err)
	if *checkpoints != "" {
		store, closer, err := checkpoint.Open(*checkpoints, *keep)
		must.Nil(err)
		defer closer.Close()
		cfg.Store = store
		cfg.CheckpointEvery = *every
		if *resume {
			cfg.Init.Source = recon.Checkpoint
		}
	}

	sess, err := reconcmd.Init(&bf)
	must.Nil(err)
	defer sess.Shutdown()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log.Printf("%s: %d positions", truth.Comment, truth.Data.Len())
	start := time.Now()
	res, err := recon.Run(ctx, sess, prob, cfg)
	if res == nil {
		log.Fatal(err)
	}
	fmt.Printf("%s: %s after %d iterations in %s\n", res.Job, res.Terminal, res.State.Iteration, time.Since(start).Round(time.Millisecond))
	if len(res.Objectives) > 0 {
		fmt.Printf("objective: %.6g (initial %.6g)\n", res.Objective, res.Objectives[0])
	}
	if res.Checkpoint != nil {
		fmt.Printf("last %s\n", res.Checkpoint)
	}
	if err != nil {
		log.Fatal(err)
	}
}
