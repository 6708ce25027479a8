// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigrecon implements a distributed, batched iterative
	reconstruction engine for coherent diffraction imaging
	(ptychography) and tomography.

	A reconstruction recovers a complex-valued object, and in
	ptychography an illumination probe, from a large set of
	measurements. Measurements are addressed by index through a Dataset;
	each is paired with a Position on the object. The scan positions are
	split into partitions (one per worker) and, within each partition,
	into memory-bounded batches. Every iteration, each batch computes a
	contribution to the global update from a read-only snapshot of the
	current State; contributions are combined at a barrier and applied
	exactly once to produce the next snapshot.

	This package defines the shared data model. The engine itself is
	composed from the following packages:

		array      device-resident complex arrays
		operator   forward and adjoint models (ptychography, tomography)
		partition  partitions and memory-bounded batches
		solver     per-batch steps and the global update rules
		aggregate  the combination rule and the iteration barrier
		exec       local and bigmachine executors
		recon      the iteration loop and its terminal states
		checkpoint checkpoint stores

	Reconstructions can run locally, or on a cluster using bigmachine.
	In either case the driver owns the state; workers receive each
	snapshot together with its digest, so that every partition provably
	reads the same version within an iteration.
*/
package bigrecon
