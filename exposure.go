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

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// ExposureTransform derives the modeling columns for one exposure series:
// the log transform with a zero-safe offset, standardization, equal-width
// binning, and IQR outlier flagging. The rolling-mean lag is applied
// separately by LagRollingMean before the analysis table is assembled,
// because it needs years that the analysis year range later cuts off.
type ExposureTransform struct {
	// Bins is the number of equal-width bins for the nonlinear
	// dose-response representation. Zero means DefaultExposureBins.
	Bins int

	// Log receives diagnostic messages. If it is nil, the standard logger
	// is used.
	Log logrus.FieldLogger
}

// ExposureSummary records the constants chosen while transforming an
// exposure series so a run can be audited and reproduced.
type ExposureSummary struct {
	// LogOffset is the zero-safe constant added before taking logs.
	LogOffset float64
	// Mean and SD are the standardization constants on the log scale.
	Mean, SD float64
	// BinEdges are the bin boundaries on the standardized scale,
	// len(BinEdges) == bins+1.
	BinEdges []float64
	// Outliers is the number of records flagged by the IQR fence.
	Outliers int
}

// Apply derives exposure_log, exposure_z, exposure_bin, exposure_clean, and
// is_outlier from the lagged exposure column of t. Records whose lagged
// exposure is NaN get NaN derived fields and are left for later validation
// to drop.
func (x *ExposureTransform) Apply(t *Table) (*ExposureSummary, error) {
	lagged := t.Column(ColExposureLag)
	if lagged == nil {
		return nil, fmt.Errorf("epimap: exposure transform: table has no %s column", ColExposureLag)
	}
	n := t.Len()

	c := LogOffset(lagged)
	logged := make([]float64, n)
	for i, v := range lagged {
		logged[i] = math.Log(v + c)
	}
	if err := t.AddColumn(ColExposureLog, logged); err != nil {
		return nil, err
	}

	z, mean, sd := Standardize(logged)
	if err := t.AddColumn(ColExposureZ, z); err != nil {
		return nil, err
	}

	bins := x.Bins
	if bins <= 0 {
		bins = DefaultExposureBins
	}
	edges := BinEdges(z, bins)
	binned := make([]float64, n)
	for i, v := range z {
		binned[i] = BinIndex(edges, v)
	}
	if err := t.AddColumn(ColExposureBin, binned); err != nil {
		return nil, err
	}

	// The fence is computed on the log scale. Flagged records keep their
	// lagged value for regression; only the clean column is nulled, for
	// descriptive subgroup statistics.
	lo, hi := OutlierFences(logged)
	clean := make([]float64, n)
	flags := make([]float64, n)
	outliers := 0
	for i, v := range logged {
		clean[i] = lagged[i]
		if v < lo || v > hi {
			flags[i] = 1
			clean[i] = math.NaN()
			outliers++
		}
	}
	if err := t.AddColumn(ColExposureClean, clean); err != nil {
		return nil, err
	}
	if err := t.AddColumn(ColIsOutlier, flags); err != nil {
		return nil, err
	}

	x.logger().WithFields(logrus.Fields{
		"logOffset": c,
		"mean":      mean,
		"sd":        sd,
		"outliers":  outliers,
	}).Debug("transformed exposure")

	return &ExposureSummary{
		LogOffset: c,
		Mean:      mean,
		SD:        sd,
		BinEdges:  edges,
		Outliers:  outliers,
	}, nil
}

func (x *ExposureTransform) logger() logrus.FieldLogger {
	if x.Log != nil {
		return x.Log
	}
	return logrus.StandardLogger()
}

// LagRollingMean writes into column dst the right-aligned rolling mean of
// column src over the given window, computed independently within each
// county ordered by year. Positions with fewer than window observations, or
// with a NaN inside the window, get NaN. It must run on the full exposure
// panel before the analysis year range is applied so early years can feed
// the windows that survive the cutoff.
func LagRollingMean(t *Table, src, dst string, window int) error {
	if window < 1 {
		return fmt.Errorf("epimap: rolling mean window %d is less than 1", window)
	}
	vals := t.Column(src)
	if vals == nil {
		return fmt.Errorf("epimap: rolling mean: table has no %s column", src)
	}

	byCounty := make(map[string][]int)
	for i, c := range t.County {
		byCounty[c] = append(byCounty[c], i)
	}

	out := make([]float64, t.Len())
	for i := range out {
		out[i] = math.NaN()
	}
	for _, rows := range byCounty {
		sort.Slice(rows, func(a, b int) bool { return t.Year[rows[a]] < t.Year[rows[b]] })
		for i := window - 1; i < len(rows); i++ {
			sum := 0.0
			ok := true
			for j := i - window + 1; j <= i; j++ {
				v := vals[rows[j]]
				if math.IsNaN(v) {
					ok = false
					break
				}
				sum += v
			}
			if ok {
				out[rows[i]] = sum / float64(window)
			}
		}
	}
	return t.AddColumn(dst, out)
}

// LogOffset returns the zero-safe constant added before log-transforming an
// exposure series: half the smallest positive value, or 0.001 if no
// positive values exist. The constant is global to the series so zeros in
// different counties transform identically.
func LogOffset(values []float64) float64 {
	minPos := math.Inf(1)
	for _, v := range values {
		if v > 0 && v < minPos {
			minPos = v
		}
	}
	if math.IsInf(minPos, 1) {
		return 0.001
	}
	return minPos / 2
}

// Standardize z-scores values using the mean and sample standard deviation
// of the finite entries, which it also returns. NaN values stay NaN. If the
// finite entries are constant the scores come out NaN and are caught by
// later validation.
func Standardize(values []float64) (z []float64, mean, sd float64) {
	finite := finiteValues(values)
	mean, sd = stat.MeanStdDev(finite, nil)
	z = make([]float64, len(values))
	for i, v := range values {
		z[i] = (v - mean) / sd
	}
	return z, mean, sd
}

// BinEdges partitions the range of the finite entries of values into n
// equal-width bins, padding both ends by a small epsilon so boundary values
// fall inside the outermost bins. It returns the n+1 edges.
func BinEdges(values []float64, n int) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo > hi { // no finite values
		lo, hi = 0, 0
	}
	eps := (hi - lo) * 1e-9
	if eps == 0 {
		eps = 1e-9
	}
	lo -= eps
	hi += eps
	edges := make([]float64, n+1)
	width := (hi - lo) / float64(n)
	for i := 0; i <= n; i++ {
		edges[i] = lo + float64(i)*width
	}
	edges[n] = hi
	return edges
}

// BinIndex returns the 1-based index of the bin containing v given the
// edges from BinEdges, clamping values beyond the padded range into the
// outermost bins. NaN input returns NaN.
func BinIndex(edges []float64, v float64) float64 {
	if math.IsNaN(v) {
		return math.NaN()
	}
	n := len(edges) - 1
	width := (edges[n] - edges[0]) / float64(n)
	if width <= 0 {
		return 1
	}
	idx := int(math.Floor((v-edges[0])/width)) + 1
	if idx < 1 {
		idx = 1
	}
	if idx > n {
		idx = n
	}
	return float64(idx)
}

// OutlierFences returns the IQR fence [Q1−3·IQR, Q3+3·IQR] of the finite
// entries of values, with quartiles computed by linear interpolation.
func OutlierFences(values []float64) (lo, hi float64) {
	finite := finiteValues(values)
	if len(finite) == 0 {
		return math.Inf(-1), math.Inf(1)
	}
	sort.Float64s(finite)
	q1 := stat.Quantile(0.25, stat.LinInterp, finite, nil)
	q3 := stat.Quantile(0.75, stat.LinInterp, finite, nil)
	iqr := q3 - q1
	return q1 - 3*iqr, q3 + 3*iqr
}

func finiteValues(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}
