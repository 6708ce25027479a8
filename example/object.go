// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package example illustrates driving a reconstruction from user
// code. See object_test.go for its tests, which use package
// recontest.
package example

import (
	"context"

	"github.com/grailbio/bigrecon"
	"github.com/grailbio/bigrecon/array"
	"github.com/grailbio/bigrecon/exec"
	"github.com/grailbio/bigrecon/operator"
	"github.com/grailbio/bigrecon/recon"
)

// RecoverObject reconstructs a size x size object from ptychography
// measurements taken with a known probe. It runs conjugate gradient
// iterations until the objective changes by less than tol, relative,
// over three consecutive iterations.
func RecoverObject(ctx context.Context, sess *exec.Session, data bigrecon.Dataset, probe *array.Array, size int, tol float64) (*array.Array, error) {
	cfg := recon.DefaultConfig()
	cfg.Variant = "cg"
	cfg.Iterations = 500
	cfg.Convergence = recon.Convergence{Mode: recon.Relative, Tolerance: tol, Window: 3}
	cfg.CheckpointEvery = 0
	res, err := recon.Run(ctx, sess, &recon.Problem{
		Op:          new(operator.Ptycho),
		Data:        data,
		ObjectShape: []int{size, size},
		Probe:       probe,
	}, cfg)
	if err != nil {
		return nil, err
	}
	return res.State.Object, nil
}
