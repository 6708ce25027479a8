// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigrecon runs and manages bigrecon reconstructions.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Bigrecon is a tool for running distributed reconstructions.

Usage:

	bigrecon <command> [arguments]

The commands are:

	run          reconstruct a synthetic ptychography or tomography problem
	checkpoints  list the checkpoints of a reconstruction
	setup-ec2    configure EC2 for use with bigrecon
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigrecon: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "run":
		runCmd(args)
	case "checkpoints":
		checkpointsCmd(args)
	case "setup-ec2":
		setupEc2Cmd(args)
	}
}
