// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command recontrace summarizes the trace of a bigrecon session, as
// written by the -trace flag, by job and pass, and by partition. The
// partition table counts the rounds in which each partition finished
// last, which identifies stragglers.
//
//	recontrace /tmp/recon.trace
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigrecon/internal/trace"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: recontrace tracefile

Command recontrace summarizes the passes recorded in a bigrecon trace
file, which may be any URL supported by package file.`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("recontrace: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	ctx := context.Background()
	f, err := file.Open(ctx, flag.Arg(0))
	must.Nil(err)
	var t trace.T
	must.Nil(t.Decode(f.Reader(ctx)))
	must.Nil(f.Close(ctx))
	must.Nil(writeSession(os.Stdout, newSession(t.Events)))
}

func writeSession(w io.Writer, s *session) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', tabwriter.AlignRight)
	for _, job := range s.Jobs() {
		fmt.Fprintf(tw, "# %s\n", truncatef(job))
		fmt.Fprintln(tw, "pass\trounds\truns\tfailed\tstart\twall\ttotal\tmin\tq1\tq2\tq3\tmax\t")
		for _, p := range s.PassStats(job) {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
				p.pass, p.rounds, p.runs, p.failed,
				round(p.start), round(p.wall), round(p.total),
				round(p.min), round(p.q1), round(p.q2), round(p.q3), round(p.max))
		}
		fmt.Fprintln(tw, "partition\tlocation\truns\ttotal\tslowest\t")
		for _, p := range s.PartitionStats(job) {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t\n",
				p.partition, truncatef(p.location), p.runs, round(p.total), p.slowest)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
