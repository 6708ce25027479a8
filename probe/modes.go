// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package probe

import (
	"math"
	"sort"

	"github.com/grailbio/bigrecon/array"
	"gonum.org/v1/gonum/mat"
)

// Orthogonalize returns a probe whose modes are orthogonal linear
// combinations of the modes of p, spanning the same space, together
// with the power of each mode. Modes are ordered by decreasing power.
// The total power and the incoherent sum of mode intensities are
// preserved.
//
// The combinations are the eigenvectors of the modes' Gram matrix
// A[i][j] = <p_i, p_j>. A is Hermitian; its eigenvectors are found
// from the real symmetric embedding
//
//	[ Re A  -Im A ]
//	[ Im A   Re A ]
//
// whose eigenvalues are those of A, each twice.
func Orthogonalize(p *array.Array) (*array.Array, []float64) {
	n := p.Dim(0)
	if n == 1 {
		return p.Copy(), Power(p)
	}
	gram := make([]complex128, n*n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := p.Index(i).Dot(p.Index(j))
			gram[i*n+j] = v
			gram[j*n+i] = complex(real(v), -imag(v))
		}
	}
	embed := mat.NewSymDense(2*n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			re, im := real(gram[i*n+j]), imag(gram[i*n+j])
			embed.SetSym(i, j, re)
			embed.SetSym(n+i, n+j, re)
			embed.SetSym(i, n+j, -im)
			embed.SetSym(j, n+i, im)
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(embed, true) {
		return p.Copy(), Power(p)
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Each complex eigenvector v appears in the embedding as both
	// (Re v, Im v) and (-Im v, Re v), which is i*v. Take columns in
	// order of decreasing eigenvalue and keep those that are
	// independent of the ones already kept.
	var basis [][]complex128
	for c := 2*n - 1; c >= 0 && len(basis) < n; c-- {
		v := make([]complex128, n)
		for k := range v {
			v[k] = complex(vecs.At(k, c), vecs.At(n+k, c))
		}
		for _, b := range basis {
			var d complex128
			for k := range v {
				d += complex(real(b[k]), -imag(b[k])) * v[k]
			}
			for k := range v {
				v[k] -= d * b[k]
			}
		}
		var norm float64
		for _, x := range v {
			norm += real(x)*real(x) + imag(x)*imag(x)
		}
		if norm < 0.5 {
			continue
		}
		scale := complex(1/math.Sqrt(norm), 0)
		for k := range v {
			v[k] *= scale
		}
		basis = append(basis, v)
	}
	if len(basis) < n {
		return p.Copy(), Power(p)
	}
	out := array.New(p.Shape()...)
	for m, b := range basis {
		mode := out.Index(m)
		for k, coef := range b {
			mode.AddScaled(coef, p.Index(k))
		}
	}
	power := Power(out)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return power[order[i]] > power[order[j]] })
	sorted := array.New(p.Shape()...)
	spower := make([]float64, n)
	for i, k := range order {
		copy(sorted.Index(i).Data(), out.Index(k).Data())
		spower[i] = power[k]
	}
	return sorted, spower
}
