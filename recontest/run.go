// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package recontest provides utilities for testing reconstructions.
// The utilities here favor simplicity over performance; they are
// strictly intended for unit testing.
package recontest

import (
	"context"
	"math"
	"math/cmplx"
	"testing"

	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/recon"
	"github.com/grailbio/bigrecon/synth"
)

// Ptycho returns a synthetic ptychography problem together with the
// reconstruction problem that recovers its object from the true
// probe. Errors are reported as fatal to the provided t instance.
func Ptycho(t testing.TB, opts synth.PtychoOptions) (*synth.Problem, *recon.Problem) {
	t.Helper()
	p, err := synth.Ptycho(opts)
	if err != nil {
		t.Fatal(err)
	}
	return p, &recon.Problem{
		Op:          p.Op,
		Data:        p.Data,
		ObjectShape: p.Truth.Object.Shape(),
		Probe:       p.Truth.Probe,
	}
}

// Small is a 25 position synthetic ptychography problem over a
// 24 x 24 object that reconstructs in well under a second.
var Small = synth.PtychoOptions{
	ObjectSize: 24,
	ProbeSize:  8,
	Modes:      1,
	Rows:       5,
	Cols:       5,
	Step:       3,
	Offset:     2,
	Seed:       1,
}

// Run reconstructs the problem in local execution mode, on a session
// that is shut down before Run returns. Errors are reported as fatal
// to the provided t instance.
func Run(t testing.TB, prob *recon.Problem, cfg recon.Config, options ...exec.Option) *recon.Result {
	t.Helper()
	sess := exec.Start(append([]exec.Option{exec.Local}, options...)...)
	defer sess.Shutdown()
	return RunSession(t, sess, prob, cfg)
}

// RunSession reconstructs the problem on the provided session.
// Errors are reported as fatal to the provided t instance.
func RunSession(t testing.TB, sess *exec.Session, prob *recon.Problem, cfg recon.Config) *recon.Result {
	t.Helper()
	res, err := recon.Run(context.Background(), sess, prob, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

// Distributed starts a session that runs partitions on p in-process
// bigmachine machines. The caller must shut down the session.
func Distributed(p int, options ...exec.Option) (*exec.Session, *testsystem.System) {
	system := testsystem.New()
	options = append([]exec.Option{exec.Bigmachine(system), exec.Parallelism(p)}, options...)
	return exec.Start(options...), system
}

// ObjectError returns the relative error ||c est - truth|| / ||truth||
// of an estimated object, where the unit complex c removes the global
// phase ambiguity of ptychographic reconstructions.
func ObjectError(truth, est *array.Array) float64 {
	norm := truth.Norm2()
	if norm == 0 {
		return math.Sqrt(est.Norm2())
	}
	c := complex(1, 0)
	if d := est.Dot(truth); d != 0 {
		c = cmplx.Rect(1, cmplx.Phase(d))
	}
	return math.Sqrt(est.Copy().Scale(c).Sub(truth).Norm2() / norm)
}
