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
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// TermKind says how a formula term enters the linear predictor.
type TermKind int

const (
	// TermIntercept is the global intercept.
	TermIntercept TermKind = iota
	// TermFixed is a linear fixed effect on a data column.
	TermFixed
	// TermIID is an exchangeable random effect on an index column.
	TermIID
	// TermRW1 is a first-order random-walk random effect on an index
	// column.
	TermRW1
	// TermBesag is an intrinsic conditional-autoregressive effect on the
	// spatial index; it needs the graph file.
	TermBesag
	// TermBYM is the Besag effect plus an exchangeable component.
	TermBYM
)

func (k TermKind) String() string {
	switch k {
	case TermIntercept:
		return "intercept"
	case TermFixed:
		return "fixed"
	case TermIID:
		return "iid"
	case TermRW1:
		return "rw1"
	case TermBesag:
		return "besag"
	case TermBYM:
		return "bym"
	}
	return fmt.Sprintf("TermKind(%d)", int(k))
}

// PriorKind selects the hyperprior family on a random-effect precision.
type PriorKind int

const (
	// PriorDefault leaves the choice to the inference engine, which uses
	// a diffuse log-gamma.
	PriorDefault PriorKind = iota
	// PriorPC is the penalized-complexity prior P(sd > U) = Alpha.
	PriorPC
	// PriorGamma is a gamma prior on the precision.
	PriorGamma
)

// Prior is the hyperprior on a random-effect precision. The zero value
// selects the engine default.
type Prior struct {
	Kind PriorKind

	// U and Alpha parameterize the penalized-complexity prior.
	U, Alpha float64

	// Shape and Rate parameterize the gamma prior.
	Shape, Rate float64
}

// PCPrior returns the penalized-complexity prior with P(sd > u) = alpha.
func PCPrior(u, alpha float64) Prior {
	return Prior{Kind: PriorPC, U: u, Alpha: alpha}
}

// Term is one component of the linear predictor.
type Term struct {
	Kind TermKind
	// Column is the data column the term is evaluated on: a standardized
	// covariate for fixed effects, a 1-based index column for random
	// effects. Empty for the intercept.
	Column string
	// Prior applies to random-effect terms only.
	Prior Prior
}

// Formula is the complete model specification handed to the inference
// engine: response, offset, the ordered terms, and the graph file needed
// by structured spatial terms. It is a plain value that can be logged and
// audited without engine-specific syntax.
type Formula struct {
	Response  string
	Offset    string
	Terms     []Term
	GraphFile string
}

// HasTerm reports whether the formula contains a term of the given kind on
// the given column.
func (f *Formula) HasTerm(kind TermKind, column string) bool {
	for _, t := range f.Terms {
		if t.Kind == kind && t.Column == column {
			return true
		}
	}
	return false
}

// String renders the formula in a readable regression-style notation.
func (f *Formula) String() string {
	parts := make([]string, 0, len(f.Terms)+1)
	for _, t := range f.Terms {
		switch t.Kind {
		case TermIntercept:
			parts = append(parts, "1")
		case TermFixed:
			parts = append(parts, t.Column)
		case TermBesag, TermBYM:
			parts = append(parts, fmt.Sprintf("f(%s, model=%q, graph=%q)", t.Column, t.Kind, f.GraphFile))
		default:
			if t.Prior.Kind == PriorPC {
				parts = append(parts, fmt.Sprintf("f(%s, model=%q, pc.prec(%g, %g))",
					t.Column, t.Kind, t.Prior.U, t.Prior.Alpha))
			} else {
				parts = append(parts, fmt.Sprintf("f(%s, model=%q)", t.Column, t.Kind))
			}
		}
	}
	parts = append(parts, fmt.Sprintf("offset(%s)", f.Offset))
	return f.Response + " ~ " + strings.Join(parts, " + ")
}

// SpatialModel selects the family of the county main effect.
type SpatialModel string

const (
	// SpatialIID is an exchangeable county effect.
	SpatialIID SpatialModel = "iid"
	// SpatialBesag is an intrinsic CAR effect on the adjacency graph.
	SpatialBesag SpatialModel = "besag"
	// SpatialBYM adds an exchangeable component to the Besag effect.
	SpatialBYM SpatialModel = "bym"
)

// Valid returns an error if s is not a recognized spatial model.
func (s SpatialModel) Valid() error {
	switch s {
	case SpatialIID, SpatialBesag, SpatialBYM, "":
		return nil
	}
	return fmt.Errorf("epimap: invalid spatial model %q", string(s))
}

func (s SpatialModel) termKind() TermKind {
	switch s {
	case SpatialBesag:
		return TermBesag
	case SpatialBYM:
		return TermBYM
	}
	return TermIID
}

// FormulaBuilder assembles model formulas from the variant catalog.
type FormulaBuilder struct {
	// Spatial selects the county main-effect family. Empty means IID.
	Spatial SpatialModel

	// DosePrior is the smoothing prior for the nonlinear dose-response
	// term. The zero value means the standard PC prior with U=1,
	// Alpha=0.01.
	DosePrior Prior

	// Log receives dropped-covariate warnings. If it is nil, the standard
	// logger is used.
	Log logrus.FieldLogger
}

// Build assembles the formula for one model variant and dose-response mode
// over the dataset d. Covariates the variant names but the data cannot
// support are dropped with a warning; a missing dose-response
// representation is a hard failure for the combination.
func (b *FormulaBuilder) Build(d *Dataset, model ModelType, dose DoseResponseType, graphFile string) (*Formula, error) {
	log := b.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	covariates, err := model.Covariates()
	if err != nil {
		return nil, failf(FailFormula, "%v", err)
	}
	if err := b.Spatial.Valid(); err != nil {
		return nil, failf(FailFormula, "%v", err)
	}

	f := &Formula{
		Response:  ColDeaths,
		Offset:    ColOffset,
		GraphFile: graphFile,
		Terms:     []Term{{Kind: TermIntercept}},
	}

	t := d.Table
	switch {
	case dose == NonLinear && hasFinite(t.Column(ColExposureBin)):
		prior := b.DosePrior
		if prior.Kind == PriorDefault {
			prior = PCPrior(1, 0.01)
		}
		f.Terms = append(f.Terms, Term{Kind: TermRW1, Column: ColExposureBin, Prior: prior})
	case hasFinite(t.Column(ColExposureZ)):
		if dose == NonLinear {
			log.Warnf("epimap: %s: binned exposure unusable, falling back to the linear dose-response", model)
		}
		f.Terms = append(f.Terms, Term{Kind: TermFixed, Column: ColExposureZ})
	default:
		return nil, failf(FailFormula, "no usable dose-response representation for the exposure")
	}

	for _, c := range covariates {
		if !d.Available[c] {
			log.Warnf("epimap: %s: dropping unavailable covariate %s", model, c)
			continue
		}
		zcol, err := c.ZColumn()
		if err != nil {
			return nil, failf(FailFormula, "%v", err)
		}
		f.Terms = append(f.Terms, Term{Kind: TermFixed, Column: zcol})
	}

	f.Terms = append(f.Terms,
		Term{Kind: b.Spatial.termKind(), Column: ColCountyIndex},
		Term{Kind: TermRW1, Column: ColYearIndex},
	)
	return f, nil
}
