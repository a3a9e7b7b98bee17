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
	"context"
	"fmt"
	"math"

	"github.com/spatialmodel/epimap"
)

const (
	// hyperStep is the initial coordinate-ascent step in log-precision
	// space; hyperMinStep ends the search along one coordinate.
	hyperStep    = 1.0
	hyperMinStep = 0.05
	// hyperSweepTolerance ends the outer loop when a full sweep improves
	// the objective by less than this.
	hyperSweepTolerance = 1e-3
	// logTauBound clamps the log-precisions to a numerically safe range.
	logTauBound = 25.0
)

// ebState is the optimizer's current point: the precisions, the latent
// mode found at them, and the marginal objective there.
type ebState struct {
	tau       []float64
	mode      *modeResult
	objective float64
	converged bool
}

// hyperOptimizer maximizes the Laplace-approximated log marginal
// posterior of the precisions by coordinate ascent with step halving.
type hyperOptimizer struct {
	des       *design
	innerIter int

	evaluations int
}

func newHyperOptimizer(des *design, innerIter int) *hyperOptimizer {
	return &hyperOptimizer{des: des, innerIter: innerIter}
}

// run optimizes the precisions and returns the state at the optimum.
// With no random effects there is nothing to optimize and a single
// inner fit is returned.
func (eb *hyperOptimizer) run(ctx context.Context) (*ebState, error) {
	des := eb.des
	tau := make([]float64, len(des.blocks))
	for k := range tau {
		tau[k] = 1
	}

	cur, err := eb.evaluate(tau, nil)
	if err != nil {
		return nil, err
	}
	if len(des.blocks) == 0 {
		cur.converged = cur.mode.converged
		return cur, nil
	}

	theta := make([]float64, len(tau))
	for sweep := 0; sweep < hyperSweeps; sweep++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := cur.objective
		for k := range theta {
			theta[k] = math.Log(cur.tau[k])
		}
		for k := range theta {
			step := hyperStep
			for step >= hyperMinStep {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				moved := false
				for _, dir := range []float64{1, -1} {
					cand := theta[k] + dir*step
					if math.Abs(cand) > logTauBound {
						continue
					}
					tauCand := append([]float64(nil), cur.tau...)
					tauCand[k] = math.Exp(cand)
					next, err := eb.evaluate(tauCand, cur.mode.x)
					if err != nil {
						// A candidate that breaks the inner fit is
						// simply not taken.
						des.log.WithField("error", err).Debug("rejecting hyperparameter candidate")
						continue
					}
					if next.objective > cur.objective {
						cur = next
						theta[k] = cand
						moved = true
						break
					}
				}
				if !moved {
					step /= 2
				}
			}
		}
		if cur.objective-start < hyperSweepTolerance {
			cur.converged = cur.mode.converged
			return cur, nil
		}
	}
	// Sweep budget exhausted without the objective settling.
	cur.converged = false
	return cur, nil
}

// evaluate fits the latent field at tau and scores the marginal
// objective: the penalized log-likelihood at the mode, plus the
// log-determinant terms of the Laplace approximation, plus the
// precision priors on the log scale.
func (eb *hyperOptimizer) evaluate(tau, warmStart []float64) (*ebState, error) {
	eb.evaluations++
	res, err := eb.des.mode(tau, warmStart, eb.innerIter)
	if err != nil {
		return nil, err
	}
	obj := res.pen - 0.5*res.chol.LogDet()
	for k, blk := range eb.des.blocks {
		obj += 0.5 * blk.rank * math.Log(tau[k])
		lp, err := logPrecisionPrior(blk.prior, tau[k])
		if err != nil {
			return nil, err
		}
		// The log(tau) Jacobian moves the prior to the optimization
		// scale.
		obj += lp + math.Log(tau[k])
	}
	return &ebState{tau: tau, mode: res, objective: obj}, nil
}

// logPrecisionPrior returns the log prior density of a precision. The
// default is the diffuse Gamma(1, 5e-5) used for exchangeable and
// structured effects alike.
func logPrecisionPrior(p epimap.Prior, tau float64) (float64, error) {
	switch p.Kind {
	case epimap.PriorPC:
		if p.U <= 0 || p.Alpha <= 0 || p.Alpha >= 1 {
			return 0, fmt.Errorf("invalid PC prior (U=%g, alpha=%g)", p.U, p.Alpha)
		}
		lambda := -math.Log(p.Alpha) / p.U
		return math.Log(lambda/2) - 1.5*math.Log(tau) - lambda/math.Sqrt(tau), nil
	case epimap.PriorGamma:
		if p.Shape <= 0 || p.Rate <= 0 {
			return 0, fmt.Errorf("invalid Gamma prior (shape=%g, rate=%g)", p.Shape, p.Rate)
		}
		return p.Shape*math.Log(p.Rate) - lgamma(p.Shape) + (p.Shape-1)*math.Log(tau) - p.Rate*tau, nil
	default:
		// Gamma(1, 5e-5).
		return math.Log(5e-5) - 5e-5*tau, nil
	}
}
