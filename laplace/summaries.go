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
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/spatialmodel/epimap"
)

// summarize turns the optimizer's final state into posterior summaries.
// All intervals are Gaussian, read off the Laplace covariance.
func (des *design) summarize(state *ebState, computeWAIC bool) (*epimap.FitResult, error) {
	res := state.mode
	var cov mat.SymDense
	if err := res.chol.InverseTo(&cov); err != nil {
		return nil, fmt.Errorf("laplace: inverting the Hessian: %v", err)
	}

	out := &epimap.FitResult{
		Fixed:      make(map[string]epimap.EffectSummary, des.p),
		Random:     make(map[string][]epimap.EffectSummary),
		Precisions: make(map[string]float64, len(des.blocks)),
		Converged:  state.converged,
	}

	for a, name := range des.xnames {
		out.Fixed[name] = gaussianSummary(res.x[a], cov.At(a, a))
	}

	// BYM pairs are reported as one combined effect per level; the
	// covariance between the structured and exchangeable parts enters
	// the combined variance.
	byColumn := make(map[string][]*block)
	for k, blk := range des.blocks {
		out.Precisions[blk.key()] = state.tau[k]
		byColumn[blk.column] = append(byColumn[blk.column], blk)
	}
	for column, blks := range byColumn {
		switch len(blks) {
		case 1:
			blk := blks[0]
			levels := make([]epimap.EffectSummary, blk.levels)
			for j := 0; j < blk.levels; j++ {
				c := blk.offset + j
				levels[j] = gaussianSummary(res.x[c], cov.At(c, c))
			}
			out.Random[column] = levels
		case 2:
			u, v := blks[0], blks[1]
			if u.levels != v.levels {
				return nil, fmt.Errorf("laplace: mismatched convolution blocks on %s", column)
			}
			levels := make([]epimap.EffectSummary, u.levels)
			for j := 0; j < u.levels; j++ {
				cu := u.offset + j
				cv := v.offset + j
				mean := res.x[cu] + res.x[cv]
				vr := cov.At(cu, cu) + cov.At(cv, cv) + 2*cov.At(cu, cv)
				levels[j] = gaussianSummary(mean, vr)
			}
			out.Random[column] = levels
		default:
			return nil, fmt.Errorf("laplace: %d blocks share column %s", len(blks), column)
		}
	}

	// DIC with the plug-in deviance at the mode and the effective
	// parameter count tr(Z'WZ Sigma) = dim - tr(Q Sigma).
	deviance := -2 * res.loglik
	pd := float64(des.dim) - des.priorTrace(&cov, state.tau)
	out.DIC = deviance + 2*pd

	if computeWAIC {
		out.WAIC = des.waic(res, &cov)
	} else {
		out.WAIC = math.NaN()
	}
	return out, nil
}

// priorTrace returns tr((Q(tau)+ridge*I) Sigma).
func (des *design) priorTrace(cov *mat.SymDense, tau []float64) float64 {
	tr := 0.0
	for c := 0; c < des.dim; c++ {
		tr += ridge * cov.At(c, c)
	}
	for k, blk := range des.blocks {
		if blk.structure == nil {
			for j := 0; j < blk.levels; j++ {
				c := blk.offset + j
				tr += tau[k] * cov.At(c, c)
			}
			continue
		}
		for idx1d, v := range blk.structure.Elements {
			ij := blk.structure.IndexNd(idx1d)
			tr += tau[k] * v * cov.At(blk.offset+ij[1], blk.offset+ij[0])
		}
	}
	return tr
}

// waic computes the Watanabe-Akaike information criterion from the
// Gaussian posterior of each record's linear predictor, expanding the
// pointwise log predictive density to second order. The loop is split
// over the configured threads.
func (des *design) waic(res *modeResult, cov *mat.SymDense) float64 {
	threads := des.threads
	if threads < 1 {
		threads = 1
	}
	partial := make([]float64, threads)
	var wg sync.WaitGroup
	for pp := 0; pp < threads; pp++ {
		wg.Add(1)
		go func(pp int) {
			defer wg.Done()
			elpd := 0.0
			coords := make([]int, 0, des.p+len(des.blocks))
			vals := make([]float64, 0, des.p+len(des.blocks))
			for i := pp; i < des.n; i += threads {
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
				s2 := 0.0
				for a, ca := range coords {
					for b, cb := range coords {
						s2 += vals[a] * vals[b] * cov.At(ca, cb)
					}
				}
				mu := res.mu[i]
				logp := des.y[i]*math.Log(mu) - mu - lgamma(des.y[i]+1)
				resid := des.y[i] - mu
				elpd += logp - 0.5*s2*mu - 0.5*resid*resid*s2
			}
			partial[pp] = elpd
		}(pp)
	}
	wg.Wait()
	total := 0.0
	for _, v := range partial {
		total += v
	}
	return -2 * total
}

func gaussianSummary(mean, variance float64) epimap.EffectSummary {
	if variance < 0 {
		variance = 0
	}
	sd := math.Sqrt(variance)
	return epimap.EffectSummary{
		Mean: mean,
		SD:   sd,
		Q025: mean - z975*sd,
		Q975: mean + z975*sd,
	}
}
