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

// Package laplace fits latent Gaussian Poisson regression models by
// empirical-Bayes Laplace approximation. The latent field (fixed effects
// plus IID, random-walk, and intrinsic-autoregressive random effects) is
// approximated by its Gaussian mode found with penalized iteratively
// reweighted least squares; random-effect precisions are set to the mode
// of their Laplace-approximated marginal posterior. This is the
// conservative configuration of INLA-class solvers: the Gaussian
// approximation strategy with empirical-Bayes hyperparameter integration.
package laplace

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/epimap"
)

const (
	// ridge is a small jitter added to the latent-field Hessian diagonal.
	// It makes the intrinsic (rank-deficient) random-effect structures
	// numerically proper and softly centers them, standing in for the
	// exact sum-to-zero constraints.
	ridge = 1e-6

	// defaultInnerIterations bounds one penalized IRLS run.
	defaultInnerIterations = 25

	// hyperSweeps bounds the coordinate-ascent passes over the
	// log-precisions.
	hyperSweeps = 10

	// z975 is the 0.975 standard normal quantile used for the Gaussian
	// credible intervals.
	z975 = 1.959963984540054
)

// Solver fits the models described by epimap formulas. It implements
// epimap.Solver. The zero value is ready to use.
type Solver struct {
	// Log receives iteration diagnostics. If it is nil, the standard
	// logger is used.
	Log logrus.FieldLogger
}

// Fit approximates the posterior of the model f over the dataset d. The
// formula's graph file, when a structured spatial term needs it, is
// resolved relative to opts.WorkDir.
func (s *Solver) Fit(ctx context.Context, d *epimap.Dataset, f *epimap.Formula, opts epimap.SolverOptions) (*epimap.FitResult, error) {
	log := s.logger()
	des, err := newDesign(d, f, opts.WorkDir)
	if err != nil {
		return nil, err
	}
	des.threads = opts.Threads
	des.log = log

	inner := opts.MaxIterations
	if inner <= 0 {
		inner = defaultInnerIterations
	}

	eb := newHyperOptimizer(des, inner)
	state, err := eb.run(ctx)
	if err != nil {
		return nil, fmt.Errorf("laplace: %v", err)
	}
	log.WithFields(logrus.Fields{
		"evaluations": eb.evaluations,
		"objective":   state.objective,
		"converged":   state.converged,
	}).Debug("hyperparameter optimization finished")

	return des.summarize(state, opts.ComputeWAIC)
}

func (s *Solver) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}
