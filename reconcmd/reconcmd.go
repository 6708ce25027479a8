// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package reconcmd provides utilities for implementing bigrecon
// command line tools. The main entry point, reconcmd.Main, configures
// a session according to a common set of flags, and then invokes the
// user's driver code.
//
// A reconcmd tool follows this form:
//
//	func main() {
//		var iterations = flag.Int("iterations", 100, "iterations")
//		reconcmd.Main(func(sess *exec.Session, args []string) error {
//			cfg := recon.DefaultConfig()
//			cfg.Iterations = *iterations
//			_, err := recon.Run(context.Background(), sess, problem, cfg)
//			return err
//		})
//	}
package reconcmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Exposed on the diagnostic web server.
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/reconflags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Main is a convenient entry point for a reconcmd. Main parses the
// (global) flags, starts a session accordingly, and invokes the
// provided func with the session and the unparsed arguments. The
// session is shut down, and the program terminated, after the func
// returns. If it returns an error, the error is reported and the
// process exits with code 1.
//
// Main starts a diagnostic web server (default address :3333) on
// http.DefaultServeMux, which includes pprof handlers, session
// status, traces and prometheus metrics.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl reconflags.Flags
	reconflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(&fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session according to the supplied flags.
func Init(bf *reconflags.Flags) (*exec.Session, error) {
	if bf.SystemHelp {
		providers, profiles := reconflags.ProvidersAndProfiles()
		sort.Strings(providers)
		wr := bf.Output()
		fmt.Fprintf(wr, "%s\n\n", reconflags.SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n", strings.Join(providers, ", "))
		var str []string
		for k, v := range profiles {
			str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(str)
		for _, s := range str {
			wr.Write([]byte(s))
		}
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(bf, sess)
	return sess, nil
}

// DisplayStatus arranges for the session's status to be displayed on
// the console and/or a web page, depending on the flags. The web page
// is served at /debug/status on http.DefaultServeMux, next to the
// session's /debug/trace and /debug/stats and, if metrics are
// enabled, /metrics.
func DisplayStatus(bf *reconflags.Flags, sess *exec.Session) {
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(bf.HTTPAddress.Address) == 0 {
		return
	}
	sess.HandleDebug(http.DefaultServeMux)
	http.Handle("/debug/status", status.Handler(sess.Status()))
	if bf.Registry != nil {
		http.Handle("/metrics", promhttp.HandlerFor(bf.Registry, promhttp.HandlerOpts{}))
	}
	go func() {
		log.Printf("HTTP status at: %v", bf.HTTPAddress)
		if err := http.ListenAndServe(bf.HTTPAddress.Address, nil); err != nil {
			log.Error.Printf("failed to start HTTP at %v: %v", bf.HTTPAddress, err)
		}
	}()
}
