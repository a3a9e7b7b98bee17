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

package epimap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// EffectSummary is the posterior summary of one scalar effect.
type EffectSummary struct {
	Mean, SD   float64
	Q025, Q975 float64
}

// FitResult is what a Solver returns for one fitted model.
type FitResult struct {
	// Fixed maps fixed-effect columns, plus "(Intercept)", to posterior
	// summaries.
	Fixed map[string]EffectSummary
	// Random maps random-effect columns to per-level summaries ordered by
	// the 1-based level index.
	Random map[string][]EffectSummary
	// Precisions maps random-effect components to their estimated
	// precisions, for audit.
	Precisions map[string]float64

	DIC, WAIC float64
	Converged bool
}

// SolverOptions carries the numerical settings for one fit. The defaults
// favor stability over precision.
type SolverOptions struct {
	// Threads bounds the solver's internal parallelism. Zero means one.
	Threads int
	// MaxIterations bounds the solver's optimization loops. Zero means
	// the solver default.
	MaxIterations int
	// ComputeWAIC enables the pointwise WAIC computation, which costs an
	// extra pass over the data.
	ComputeWAIC bool
	// WorkDir is the directory the solver runs in. Relative paths inside
	// the formula, the graph file in particular, resolve against it, so
	// it must be a writable local directory.
	WorkDir string
}

// Solver fits one formula over one dataset and returns posterior
// summaries. Implementations perform Laplace-approximation Bayesian
// inference for latent Gaussian models; the rest of the pipeline treats
// them as a black box.
type Solver interface {
	Fit(ctx context.Context, d *Dataset, f *Formula, opts SolverOptions) (*FitResult, error)
}

// Extreme relative risks per SD of log exposure trigger a post-fit
// plausibility warning.
const (
	extremeRRHigh = 10.0
	extremeRRLow  = 0.1
)

// Fitter runs single combinations end to end: validation, graph staging,
// formula construction, the solver call, and post-fit checks. Every
// failure comes back as a FitError so the batch driver can contain it.
type Fitter struct {
	// Solver performs the actual inference.
	Solver Solver

	// Options is the template for per-fit solver options; WorkDir is
	// overwritten per combination.
	Options SolverOptions

	// Edges is the static county adjacency reference.
	Edges []Edge

	// Spatial selects the county main-effect family. Empty means IID.
	Spatial SpatialModel

	// TempDir is where per-combination working directories are created.
	// Empty means the system default. It should be local storage, not a
	// network mount, because the solver does path resolution and
	// scratch I/O there.
	TempDir string

	// Log receives fit progress. If it is nil, the standard logger is
	// used.
	Log logrus.FieldLogger
}

// Fit fits one model combination over an assembled dataset. The working
// directory holding the staged graph file is deleted on every path out.
func (ft *Fitter) Fit(ctx context.Context, d *Dataset, combo Combination) (*FitResult, *Formula, error) {
	log := ft.logger()
	if ft.Solver == nil {
		return nil, nil, fmt.Errorf("epimap: fitter has no solver")
	}

	if err := ft.preValidate(d); err != nil {
		return nil, nil, err
	}

	workDir, err := os.MkdirTemp(ft.TempDir, "epimap-"+combo.Key()+"-")
	if err != nil {
		return nil, nil, failf(FailSolver, "creating working directory: %v", err)
	}
	defer os.RemoveAll(workDir)

	g, err := BuildGraph(ft.Edges, d.CountyIndex, log)
	if err != nil {
		return nil, nil, failf(FailSpatial, "%v", err)
	}
	// The graph file name is unique to the combination and the formula
	// carries it relative to the solver working directory; the solver
	// resolves it there, not against our current directory.
	graphFile := combo.Key() + ".graph"
	if err := g.WriteFile(filepath.Join(workDir, graphFile)); err != nil {
		return nil, nil, failf(FailSpatial, "%v", err)
	}

	fb := &FormulaBuilder{Spatial: ft.Spatial, Log: ft.Log}
	formula, err := fb.Build(d, combo.Model, combo.Dose, graphFile)
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(logrus.Fields{
		"combination": combo.String(),
		"formula":     formula.String(),
	}).Debug("fitting model")

	opts := ft.Options
	opts.WorkDir = workDir
	result, err := ft.Solver.Fit(ctx, d, formula, opts)
	if err != nil {
		var fe *FitError
		if errors.As(err, &fe) {
			return nil, formula, err
		}
		return nil, formula, failf(FailSolver, "%v", err)
	}
	if result == nil {
		return nil, formula, failf(FailSolver, "solver returned no result")
	}

	if err := postValidate(result); err != nil {
		return nil, formula, err
	}
	ft.warnExtreme(result, combo)
	return result, formula, nil
}

// preValidate rejects non-finite values in the response, offset, and
// standardized exposure before the solver sees them.
func (ft *Fitter) preValidate(d *Dataset) error {
	for _, col := range []string{ColDeaths, ColOffset, ColExposureZ} {
		vals := d.Table.Column(col)
		if vals == nil {
			return failf(FailData, "column %s is missing", col)
		}
		for i, v := range vals {
			if !finite(v) {
				return failf(FailData, "non-finite %s at record %d (%s %d)",
					col, i, d.Table.County[i], d.Table.Year[i])
			}
		}
	}
	return nil
}

// postValidate rejects fits that did not converge or report non-finite
// information criteria.
func postValidate(r *FitResult) error {
	if !r.Converged {
		return failf(FailConvergence, "solver did not converge")
	}
	if !finite(r.DIC) {
		return failf(FailConvergence, "non-finite DIC")
	}
	return nil
}

// warnExtreme logs a plausibility warning for implausible exposure effect
// sizes. It never fails the combination.
func (ft *Fitter) warnExtreme(r *FitResult, combo Combination) {
	eff, ok := r.Fixed[ColExposureZ]
	if !ok {
		return
	}
	rr := math.Exp(eff.Mean)
	if rr > extremeRRHigh || rr < extremeRRLow {
		ft.logger().WithFields(logrus.Fields{
			"combination": combo.String(),
			"rrPerSD":     rr,
		}).Warn("extreme relative risk, treat with caution")
	}
}

func (ft *Fitter) logger() logrus.FieldLogger {
	if ft.Log != nil {
		return ft.Log
	}
	return logrus.StandardLogger()
}
