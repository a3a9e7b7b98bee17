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
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// p90P10Exponent converts a per-SD relative risk into the P90-vs-P10
// contrast. The 90th and 10th percentiles of a standard normal are about
// 1.28 standard deviations apart in this approximation, kept for output
// comparability with prior analyses.
const p90P10Exponent = 1.28

// Effects is the standardized effect-size summary extracted from one
// fitted model.
type Effects struct {
	// RRPerSD is the relative risk per one standard deviation of log
	// exposure, with its 95% interval. NaN in nonlinear mode.
	RRPerSD, RRPerSDLower, RRPerSDUpper float64

	// RRP90P10 is the relative risk contrasting the 90th against the
	// 10th exposure percentile, with its 95% interval.
	RRP90P10, RRP90P10Lower, RRP90P10Upper float64

	// PValue is the two-sided normal-approximation p-value. In nonlinear
	// mode it is the smallest p-value across the non-reference bins.
	PValue float64

	// Bins holds the per-bin dose-response curve in nonlinear mode,
	// relative to the first bin. Empty in linear mode.
	Bins []BinEffect
}

// BinEffect is one exposure bin's relative risk against the first bin.
type BinEffect struct {
	Bin              int
	RR, Lower, Upper float64
	PValue           float64
}

// ExtractEffects reads the standardized effect sizes out of a fit result.
// Linear mode reads the continuous exposure coefficient; nonlinear mode
// reads the smoothed per-bin effects.
func ExtractEffects(res *FitResult, dose DoseResponseType) (*Effects, error) {
	if res == nil {
		return nil, failf(FailSolver, "no fit result to extract")
	}
	switch dose {
	case NonLinear:
		return extractNonLinear(res)
	default:
		return extractLinear(res)
	}
}

func extractLinear(res *FitResult) (*Effects, error) {
	s, ok := res.Fixed[ColExposureZ]
	if !ok {
		return nil, failf(FailSolver, "fit result has no %s coefficient", ColExposureZ)
	}
	e := &Effects{
		RRPerSD:      math.Exp(s.Mean),
		RRPerSDLower: math.Exp(s.Q025),
		RRPerSDUpper: math.Exp(s.Q975),
		PValue:       normalPValue(s.Mean, s.SD),
	}
	e.RRP90P10 = math.Pow(e.RRPerSD, p90P10Exponent)
	e.RRP90P10Lower = math.Pow(e.RRPerSDLower, p90P10Exponent)
	e.RRP90P10Upper = math.Pow(e.RRPerSDUpper, p90P10Exponent)
	return e, nil
}

func extractNonLinear(res *FitResult) (*Effects, error) {
	levels := res.Random[ColExposureBin]
	n := len(levels)
	if n < 2 {
		return nil, failf(FailSolver, "fit result has %d exposure bins, need at least 2", n)
	}

	e := &Effects{
		RRPerSD:      math.NaN(),
		RRPerSDLower: math.NaN(),
		RRPerSDUpper: math.NaN(),
		Bins:         make([]BinEffect, n),
	}
	minP := math.NaN()
	for j := 0; j < n; j++ {
		rr, lo, hi, p := binContrast(levels, j, 0)
		e.Bins[j] = BinEffect{Bin: j + 1, RR: rr, Lower: lo, Upper: hi, PValue: p}
		if j > 0 && (math.IsNaN(minP) || p < minP) {
			minP = p
		}
	}
	e.PValue = minP

	// The contrast bins sit at the 10th and 90th percentile ranks.
	lo := int(math.Ceil(0.1 * float64(n)))
	hi := int(math.Floor(0.9 * float64(n)))
	if lo < 1 {
		lo = 1
	}
	if hi > n {
		hi = n
	}
	e.RRP90P10, e.RRP90P10Lower, e.RRP90P10Upper, _ = binContrast(levels, hi-1, lo-1)
	return e, nil
}

// binContrast summarizes exp(effect[j] - effect[ref]), treating the two
// posteriors as independent Gaussians.
func binContrast(levels []EffectSummary, j, ref int) (rr, lower, upper, p float64) {
	if j == ref {
		return 1, 1, 1, 1
	}
	mean := levels[j].Mean - levels[ref].Mean
	sd := math.Sqrt(levels[j].SD*levels[j].SD + levels[ref].SD*levels[ref].SD)
	return math.Exp(mean),
		math.Exp(mean - z975*sd),
		math.Exp(mean + z975*sd),
		normalPValue(mean, sd)
}

// z975 is the 0.975 standard normal quantile.
const z975 = 1.959963984540054

// normalPValue is the two-sided p-value of a Gaussian summary against
// zero.
func normalPValue(mean, sd float64) float64 {
	if sd == 0 {
		if mean == 0 {
			return 1
		}
		return 0
	}
	return math.Erfc(math.Abs(mean/sd) / math.Sqrt2)
}

// FormatPValue renders a p-value to three decimals with significance
// stars appended: "***" below 0.001, "**" below 0.01, "*" below 0.05.
func FormatPValue(p float64) string {
	if math.IsNaN(p) {
		return "NA"
	}
	return fmt.Sprintf("%.3f%s", p, SignificanceStars(p))
}

// SignificanceStars returns the star annotation for a p-value.
func SignificanceStars(p float64) string {
	switch {
	case p < 0.001:
		return "***"
	case p < 0.01:
		return "**"
	case p < 0.05:
		return "*"
	default:
		return ""
	}
}

// ExposureQuantiles summarizes the clean exposure column for descriptive
// reporting: each requested quantile of the finite values, in the
// quantile order given.
func ExposureQuantiles(t *Table, column string, probs []float64) map[float64]float64 {
	vals := finiteValues(t.Column(column))
	out := make(map[float64]float64, len(probs))
	if len(vals) == 0 {
		for _, p := range probs {
			out[p] = math.NaN()
		}
		return out
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	for _, p := range probs {
		out[p] = stat.Quantile(p, stat.LinInterp, sorted, nil)
	}
	return out
}
