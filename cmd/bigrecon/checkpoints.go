// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/must"
	"github.com/grailbio/bigrecon/checkpoint"
)

func checkpointsCmd(args []string) {
	flags := flag.NewFlagSet("bigrecon checkpoints", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: bigrecon checkpoints location

Command checkpoints lists the checkpoints stored at location, which is
either badger:<dir> or a file prefix.`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 1 {
		flags.Usage()
	}
	// Listing never prunes: keep everything that is there.
	store, closer, err := checkpoint.Open(flags.Arg(0), 0)
	must.Nil(err)
	defer closer.Close()
	must.Nil(listCheckpoints(context.Background(), os.Stdout, store))
}

// listCheckpoints writes a table of the records in store to w.
func listCheckpoints(ctx context.Context, w io.Writer, store checkpoint.Store) error {
	its, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "iteration\tobjective\tinitial\ttime")
	for _, it := range its {
		r, err := store.Load(ctx, it)
		if err != nil {
			return err
		}
		initial := r.Objective
		if len(r.History) > 0 {
			initial = r.History[0]
		}
		fmt.Fprintf(tw, "%d\t%.6g\t%.6g\t%s\n", r.Iteration(), r.Objective, initial, r.Time.Format(time.RFC3339))
	}
	return tw.Flush()
}
