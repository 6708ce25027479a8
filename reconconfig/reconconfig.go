// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package reconconfig creates bigrecon sessions and reconstruction
// configurations from a shared configuration. Reconconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.bigrecon/config.
// Configurations for EC2 may be provisioned with "bigrecon setup-ec2".
//
// Two instances are provided: "bigrecon" (see package exec) configures
// the session, and "recon" configures reconstructions:
//
//	param recon (
//		iterations = 200
//		variant = "cg"
//		checkpoints = "s3://bucket/run/"
//	)
package reconconfig

import (
	"flag"
	"os"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigrecon/aggregate"
	"github.com/grailbio/bigrecon/checkpoint"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/partition"
	"github.com/grailbio/bigrecon/recon"
	"github.com/grailbio/bigrecon/solver"
)

// Path determines the location of the bigrecon profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigrecon/config")

func init() {
	config.Register("recon", func(constr *config.Constructor) {
		cfg := recon.DefaultConfig()
		constr.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "maximum number of iterations")
		constr.StringVar(&cfg.Variant, "variant", cfg.Variant, "solver variant: gradient, cg, or projection")
		constr.IntVar(&cfg.Partitions, "partitions", 0, "number of partitions; 0 uses the session's parallelism")
		var (
			budget, keep                 int
			method, mode, source, policy string
			store, timeout, rescale      string
			supportWeight                float64
		)
		constr.IntVar(&budget, "batch-budget", 0, "device memory available to a batch in bytes; 0 uses the session's device memory")
		constr.IntVar(&cfg.Batch.MinBatches, "min-batches", 0, "minimum number of batches per partition")
		constr.StringVar(&method, "batch-method", "contiguous", "batch selection: contiguous or interleaved")
		constr.StringVar(&mode, "convergence", cfg.Convergence.Mode.String(), "convergence mode: absolute or relative")
		constr.FloatVar(&cfg.Convergence.Tolerance, "tolerance", cfg.Convergence.Tolerance, "convergence tolerance; 0 runs all iterations")
		constr.IntVar(&cfg.Convergence.Window, "window", cfg.Convergence.Window, "number of consecutive iterations within tolerance")
		constr.StringVar(&source, "init", cfg.Init.Source.String(), "initial object: constant, random, or checkpoint")
		constr.BoolVar(&cfg.RescaleProbe, "rescale-probe", false, "rescale the initial probe to the measured photon count")
		constr.BoolVar(&cfg.RecoverProbe, "recover-probe", false, "update the probe")
		constr.IntVar(&cfg.ProbeUpdateStart, "probe-update-start", 0, "first iteration at which the probe is updated")
		constr.FloatVar(&supportWeight, "probe-support", 0, "weight of the finite probe support penalty; 0 disables it")
		constr.BoolVar(&cfg.CenterProbe, "center-probe", false, "recenter the probe's peak intensity after every probe update")
		constr.FloatVar(&cfg.ProbeSparsity, "probe-sparsity", 0, "fraction of probe pixels zeroed after every probe update")
		constr.BoolVar(&cfg.OrthogonalizeModes, "orthogonalize-modes", cfg.OrthogonalizeModes, "orthogonalize probe modes after every probe update")
		constr.StringVar(&rescale, "rescale", cfg.Rescale.String(), "object and probe scaling: none, mean-abs-object, or constant-probe-photons")
		constr.IntVar(&cfg.RescalePeriod, "rescale-period", cfg.RescalePeriod, "iterations between rescales during probe recovery")
		constr.StringVar(&store, "checkpoints", "", "checkpoint location: mem:, badger:<dir>, or a file prefix")
		constr.IntVar(&keep, "keep", 3, "number of checkpoints retained")
		constr.IntVar(&cfg.CheckpointEvery, "checkpoint-every", cfg.CheckpointEvery, "iterations between checkpoints")
		constr.StringVar(&timeout, "timeout", "0s", "maximum wait for all partitions of a round; 0 waits indefinitely")
		constr.StringVar(&policy, "timeout-policy", cfg.TimeoutPolicy.String(), "handling of late partitions: abort, retry, or exclude")
		constr.Doc = "recon configures reconstructions"
		constr.New = func() (interface{}, error) {
			var err error
			cfg.Batch.Budget = int64(budget)
			if cfg.Batch.Method, err = partition.ParseMethod(method); err != nil {
				return nil, err
			}
			if cfg.Convergence.Mode, err = recon.ParseMode(mode); err != nil {
				return nil, err
			}
			if cfg.Init.Source, err = recon.ParseSource(source); err != nil {
				return nil, err
			}
			if cfg.Rescale, err = solver.ParseRescaleMethod(rescale); err != nil {
				return nil, err
			}
			if cfg.Timeout, err = time.ParseDuration(timeout); err != nil {
				return nil, err
			}
			if cfg.TimeoutPolicy, err = aggregate.ParsePolicy(policy); err != nil {
				return nil, err
			}
			if supportWeight > 0 {
				cfg.ProbeSupport = solver.DefaultProbeSupport(supportWeight)
			}
			if store != "" {
				// The store lives for the duration of the process.
				if cfg.Store, _, err = checkpoint.Open(store, keep); err != nil {
					return nil, err
				}
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
	})
}

// Parse registers configuration flags and calls flag.Parse. It reads
// the bigrecon profile from Path. Parse returns the session and
// reconstruction configuration as configured by the profile and any
// flags provided. Parse panics if session creation fails.
func Parse() (sess *exec.Session, cfg *recon.Config) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigrecon", &sess)
	config.Must("recon", &cfg)
	return sess, cfg
}
