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
	"errors"
	"fmt"
)

// FailureStage classifies where in the fit pipeline a combination failed.
type FailureStage string

const (
	// FailData means the assembled table was unusable: too small, or
	// non-finite values in the response, offset, or exposure.
	FailData FailureStage = "data issue"
	// FailSpatial means the adjacency graph could not be built or written.
	FailSpatial FailureStage = "spatial structure"
	// FailFormula means a required model term had no usable representation.
	FailFormula FailureStage = "formula"
	// FailSolver means the inference engine returned an error or nothing.
	FailSolver FailureStage = "solver"
	// FailConvergence means the fit completed but failed quality checks.
	FailConvergence FailureStage = "convergence"
	// FailValidation means post-fit estimates were implausible.
	FailValidation FailureStage = "validation"
)

// FitError records why one combination could not produce effect estimates.
// The batch driver converts it into a failure result row; it never aborts
// the loop over remaining combinations.
type FitError struct {
	Stage FailureStage
	Err   error
}

func (e *FitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *FitError) Unwrap() error { return e.Err }

// failf builds a FitError at the given stage.
func failf(stage FailureStage, format string, a ...interface{}) *FitError {
	return &FitError{Stage: stage, Err: fmt.Errorf(format, a...)}
}

// StageOf returns the failure stage recorded in err. Errors that carry no
// stage are attributed to the solver.
func StageOf(err error) FailureStage {
	var fe *FitError
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return FailSolver
}
