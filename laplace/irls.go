/*
Copyright © 2023 the EpiMap authors.
This file is part of EpiMap.

EpiMap is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

EpiMap is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with EpiMap.  If not, see <http://www.gnu.org/licenses/>.
*/

package laplace

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// irlsTolerance ends the inner loop when the penalized
	// log-likelihood stops moving by this relative amount.
	irlsTolerance = 1e-8
	// etaGuard bounds the centered linear predictor; exp(100) overflows
	// any plausible Poisson mean.
	etaGuard = 100.0
)

// modeResult is the output of one inner optimization: the latent-field
// mode, its Cholesky-factored negative Hessian, and the penalized
// log-likelihood at the mode.
type modeResult struct {
	x         []float64
	chol      *mat.Cholesky
	pen       float64
	loglik    float64
	mu        []float64
	converged bool
}

// mode runs penalized iteratively reweighted least squares to the
// posterior mode of the latent field at fixed precisions tau, warm
// starting from x0 when given.
func (des *design) mode(tau []float64, x0 []float64, maxIter int) (*modeResult, error) {
	x := make([]float64, des.dim)
	copy(x, x0)

	var prev float64
	converged := false
	for iter := 0; iter < maxIter; iter++ {
		eta, mu, ll, err := des.meanState(x)
		if err != nil {
			return nil, err
		}
		pen := ll - 0.5*des.penalty(x, tau)
		if iter > 0 && math.Abs(pen-prev) < irlsTolerance*(1+math.Abs(pen)) {
			converged = true
			break
		}
		prev = pen

		h := des.hessian(mu, tau)
		var ch mat.Cholesky
		if !ch.Factorize(h) {
			return nil, fmt.Errorf("laplace: Hessian is not positive definite")
		}
		b := des.rhs(eta, mu)
		xv := mat.NewVecDense(des.dim, nil)
		if err := ch.SolveVecTo(xv, b); err != nil {
			return nil, fmt.Errorf("laplace: solving IRLS system: %v", err)
		}
		copy(x, xv.RawVector().Data)
	}

	// Recompute and refactorize at the final iterate so the reported
	// state is consistent with it on every exit path.
	_, mu, ll, err := des.meanState(x)
	if err != nil {
		return nil, err
	}
	pen := ll - 0.5*des.penalty(x, tau)
	h := des.hessian(mu, tau)
	chol := new(mat.Cholesky)
	if !chol.Factorize(h) {
		return nil, fmt.Errorf("laplace: Hessian is not positive definite at the mode")
	}
	return &modeResult{x: x, chol: chol, pen: pen, loglik: ll, mu: mu, converged: converged}, nil
}

// meanState evaluates the linear predictor, the Poisson means, and the
// log-likelihood at x, guarding against a diverged predictor.
func (des *design) meanState(x []float64) (eta, mu []float64, ll float64, err error) {
	eta = des.linpred(x)
	mu = make([]float64, des.n)
	for i, e := range eta {
		if math.Abs(e-des.off[i]) > etaGuard {
			return nil, nil, 0, fmt.Errorf("laplace: linear predictor diverged at record %d (eta=%g)", i, e)
		}
		mu[i] = math.Exp(e)
		ll += des.y[i]*e - mu[i] - lgamma(des.y[i]+1)
	}
	return eta, mu, ll, nil
}

// linpred returns the linear predictor, offset included.
func (des *design) linpred(x []float64) []float64 {
	eta := make([]float64, des.n)
	for i := 0; i < des.n; i++ {
		e := des.off[i]
		for a, v := range des.x[i] {
			e += v * x[a]
		}
		for _, blk := range des.blocks {
			e += x[blk.offset+blk.idx[i]]
		}
		eta[i] = e
	}
	return eta
}

// rhs returns the IRLS working right-hand side Z'(W(eta-off) + (y-mu)).
func (des *design) rhs(eta, mu []float64) *mat.VecDense {
	b := make([]float64, des.dim)
	for i := 0; i < des.n; i++ {
		wz := mu[i]*(eta[i]-des.off[i]) + (des.y[i] - mu[i])
		for a, v := range des.x[i] {
			b[a] += v * wz
		}
		for _, blk := range des.blocks {
			b[blk.offset+blk.idx[i]] += wz
		}
	}
	return mat.NewVecDense(des.dim, b)
}

// hessian assembles Z'WZ + Q(tau) + ridge*I as a dense symmetric matrix.
// The ridge keeps the intrinsic blocks invertible, standing in for their
// sum-to-zero constraints.
func (des *design) hessian(mu, tau []float64) *mat.SymDense {
	dim := des.dim
	if des.hbuf == nil {
		des.hbuf = make([]float64, dim*dim)
	}
	h := des.hbuf
	for i := range h {
		h[i] = 0
	}

	// Observation curvature. Each record touches the fixed effects and
	// one coordinate per block.
	coords := make([]int, 0, des.p+len(des.blocks))
	vals := make([]float64, 0, des.p+len(des.blocks))
	for i := 0; i < des.n; i++ {
		coords = coords[:0]
		vals = vals[:0]
		for a, v := range des.x[i] {
			coords = append(coords, a)
			vals = append(vals, v)
		}
		for _, blk := range des.blocks {
			coords = append(coords, blk.offset+blk.idx[i])
			vals = append(vals, 1)
		}
		w := mu[i]
		for a, ca := range coords {
			for b, cb := range coords {
				h[ca*dim+cb] += w * vals[a] * vals[b]
			}
		}
	}

	// Prior precision.
	for k, blk := range des.blocks {
		t := tau[k]
		if blk.structure == nil {
			for j := 0; j < blk.levels; j++ {
				c := blk.offset + j
				h[c*dim+c] += t
			}
			continue
		}
		for idx1d, v := range blk.structure.Elements {
			ij := blk.structure.IndexNd(idx1d)
			a := blk.offset + ij[0]
			b := blk.offset + ij[1]
			h[a*dim+b] += t * v
		}
	}

	for c := 0; c < dim; c++ {
		h[c*dim+c] += ridge
	}
	return mat.NewSymDense(dim, h)
}

// penalty returns x'(Q(tau)+ridge*I)x.
func (des *design) penalty(x []float64, tau []float64) float64 {
	pen := 0.0
	for k, blk := range des.blocks {
		xb := x[blk.offset : blk.offset+blk.levels]
		if blk.structure == nil {
			ss := 0.0
			for _, v := range xb {
				ss += v * v
			}
			pen += tau[k] * ss
			continue
		}
		q := 0.0
		for idx1d, v := range blk.structure.Elements {
			ij := blk.structure.IndexNd(idx1d)
			q += v * xb[ij[0]] * xb[ij[1]]
		}
		pen += tau[k] * q
	}
	for _, v := range x {
		pen += ridge * v * v
	}
	return pen
}

func lgamma(v float64) float64 {
	lg, _ := math.Lgamma(v)
	return lg
}
