// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Reconstress is a binary used to test and stress bigrecon
// reconstructions at scale. It is configured by the bigrecon profile
// (see package reconconfig), so that the same tests can be run
// locally or on a cluster.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/recon"
	"github.com/grailbio/bigrecon/reconconfig"
	"github.com/grailbio/bigrecon/synth"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: reconstress [-wait] test-name args...

Command reconstress runs large-scale integration tests of bigrecon.
It's distributed as a separate binary as it may launch external
clusters and run for a long time.

Available tests are:

	scaling
		Reconstruct one problem over increasing numbers of partitions
		and check that the objective histories agree.
	memiter
		Run repeated reconstructions and check that memory is released.
	resume
		Interrupt a reconstruction and check that resuming it from its
		checkpoint reproduces the uninterrupted run.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	wait := flag.Bool("wait", false, "don't exit after completion")
	log.AddFlags()
	must.Func = log.Fatal
	sess, cfg := reconconfig.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "scaling":
		err = scaling(sess, *cfg, args)
	case "memiter":
		err = memiter(sess, *cfg, args)
	case "resume":
		err = resume(sess, *cfg, args)
	}
	sess.Shutdown()
	if *wait {
		if err != nil {
			log.Printf("finished with error %v: waiting", err)
		} else {
			log.Print("done: waiting")
		}
		<-make(chan struct{})
	}
	must.Nil(err, cmd)
}

// problemFlags registers the flags that size the synthetic
// ptychography problem of a test.
func problemFlags(flags *flag.FlagSet) *synth.PtychoOptions {
	opts := synth.DefaultPtycho
	flags.IntVar(&opts.ObjectSize, "size", opts.ObjectSize, "object size in pixels")
	flags.IntVar(&opts.ProbeSize, "probe-size", opts.ProbeSize, "probe size in pixels")
	flags.IntVar(&opts.Rows, "scan", opts.Rows, "raster scan positions per axis")
	flags.Float64Var(&opts.Step, "step", opts.Step, "raster scan step in pixels")
	return &opts
}

func newProblem(opts *synth.PtychoOptions) (*recon.Problem, error) {
	opts.Cols = opts.Rows
	p, err := synth.Ptycho(*opts)
	if err != nil {
		return nil, err
	}
	log.Printf("%s: %d positions over a %dx%d object", p.Comment, p.Data.Len(), opts.ObjectSize, opts.ObjectSize)
	return &recon.Problem{
		Op:          p.Op,
		Data:        p.Data,
		ObjectShape: p.Truth.Object.Shape(),
		Probe:       p.Truth.Probe,
	}, nil
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func parseArgs(flags *flag.FlagSet, args []string, usage string) {
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: reconstress "+usage)
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}
}

// sessionPartitions is the number of partitions the session runs
// concurrently.
func sessionPartitions(sess *exec.Session) int {
	return sess.Parallelism() * sess.Devices()
}
