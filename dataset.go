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
)

// Dataset is an assembled analysis table plus the index mappings and
// bookkeeping the downstream stages need. One Dataset serves every model
// variant at a given measure, estimate, and lag.
type Dataset struct {
	Table *Table

	// CountyIndex maps each county to its 1-based spatial index, assigned
	// by lexicographic order of the counties present after all filtering.
	CountyIndex map[string]int
	// YearIndex maps each calendar year to its 1-based temporal index.
	YearIndex map[int]int
	// Available marks the catalog covariates that are present and usable.
	Available map[Covariate]bool
	// Exposure records the transform constants for audit.
	Exposure *ExposureSummary
}

// NCounties returns the number of distinct counties in the dataset.
func (d *Dataset) NCounties() int { return len(d.CountyIndex) }

// NRecords returns the number of county-year records in the dataset.
func (d *Dataset) NRecords() int { return d.Table.Len() }

// Assembler builds model-ready datasets from the input panels using
// indirect standardization for the expected-count offset.
type Assembler struct {
	// StartYear and EndYear bound the analysis period. The effective first
	// year is StartYear+lag-1 so each record has a full exposure window.
	StartYear, EndYear int

	// MinRecords and MinCounties reject datasets too small to support the
	// spatial model. Zero means the package defaults.
	MinRecords, MinCounties int

	// Bins is the number of exposure bins for the nonlinear dose-response
	// representation. Zero means DefaultExposureBins.
	Bins int

	// Log receives join and filter diagnostics. If it is nil, the standard
	// logger is used.
	Log logrus.FieldLogger
}

// Assemble inner-joins the mortality, exposure, and covariate panels on
// (county, year) and derives the modeling columns for the given exposure
// lag. The exposure panel enters raw; the rolling-mean lag is applied here,
// before the year cutoff, so early years feed the surviving windows. cov
// may be nil, in which case every covariate is unavailable. A dataset
// below the size thresholds comes back as a FitError, not a crash.
func (a *Assembler) Assemble(mortality, exposure, cov *Table, lag int) (*Dataset, error) {
	log := a.logger()
	if mortality == nil || exposure == nil {
		return nil, fmt.Errorf("epimap: assembling dataset: mortality and exposure panels are required")
	}

	if err := LagRollingMean(exposure, ColExposure, ColExposureLag, lag); err != nil {
		return nil, fmt.Errorf("epimap: assembling dataset: %v", err)
	}

	t, err := a.join(mortality, exposure, cov)
	if err != nil {
		return nil, err
	}
	joined := t.Len()

	// Year cutoff: records before StartYear+lag-1 lack a full window.
	first := a.StartYear + lag - 1
	t = selectRows(t, func(i int) bool {
		return t.Year[i] >= first && t.Year[i] <= a.EndYear
	})

	// Complete-case filter on the response and exposure.
	deaths, pop, lagged := t.Column(ColDeaths), t.Column(ColPopulation), t.Column(ColExposureLag)
	t = selectRows(t, func(i int) bool {
		return finite(deaths[i]) && finite(pop[i]) && finite(lagged[i])
	})

	available := make(map[Covariate]bool)
	for _, c := range AllCovariates {
		col, err := c.Column()
		if err != nil {
			return nil, err
		}
		if hasFinite(t.Column(col)) {
			available[c] = true
		} else {
			log.Warnf("epimap: covariate %s (%s) is unavailable and will be dropped from formulas", c, col)
		}
	}

	// Complete-case filter on the available covariates so one table serves
	// every model variant with a constant record count.
	for c := range available {
		col, _ := c.Column()
		vals := t.Column(col)
		t = selectRows(t, func(i int) bool { return finite(vals[i]) })
	}

	for c := range available {
		col, _ := c.Column()
		zcol, _ := c.ZColumn()
		z, _, _ := Standardize(t.Column(col))
		if err := t.AddColumn(zcol, z); err != nil {
			return nil, err
		}
	}

	xform := &ExposureTransform{Bins: a.Bins, Log: a.Log}
	summary, err := xform.Apply(t)
	if err != nil {
		return nil, err
	}

	if err := a.addOffset(t); err != nil {
		return nil, err
	}

	// Deterministic row order, then dense 1-based indices keyed to it.
	order := make([]int, t.Len())
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(x, y int) bool {
		cx, cy := t.County[order[x]], t.County[order[y]]
		if cx != cy {
			return cx < cy
		}
		return t.Year[order[x]] < t.Year[order[y]]
	})
	t = t.Select(order)

	countyIndex := make(map[string]int)
	for i, c := range t.Counties() {
		countyIndex[c] = i + 1
	}
	yearIndex := make(map[int]int)
	for i, y := range t.Years() {
		yearIndex[y] = i + 1
	}
	countyIdx := make([]float64, t.Len())
	yearIdx := make([]float64, t.Len())
	for i := range countyIdx {
		countyIdx[i] = float64(countyIndex[t.County[i]])
		yearIdx[i] = float64(yearIndex[t.Year[i]])
	}
	if err := t.AddColumn(ColCountyIndex, countyIdx); err != nil {
		return nil, err
	}
	if err := t.AddColumn(ColYearIndex, yearIdx); err != nil {
		return nil, err
	}

	minRecords, minCounties := a.MinRecords, a.MinCounties
	if minRecords <= 0 {
		minRecords = DefaultMinRecords
	}
	if minCounties <= 0 {
		minCounties = DefaultMinCounties
	}
	if t.Len() < minRecords {
		return nil, failf(FailData, "analysis table has %d records, need at least %d", t.Len(), minRecords)
	}
	if len(countyIndex) < minCounties {
		return nil, failf(FailData, "analysis table has %d counties, need at least %d", len(countyIndex), minCounties)
	}

	log.WithFields(logrus.Fields{
		"joined":   joined,
		"records":  t.Len(),
		"counties": len(countyIndex),
		"years":    len(yearIndex),
		"lag":      lag,
	}).Info("assembled analysis table")

	return &Dataset{
		Table:       t,
		CountyIndex: countyIndex,
		YearIndex:   yearIndex,
		Available:   available,
		Exposure:    summary,
	}, nil
}

type countyYear struct {
	county string
	year   int
}

// join inner-joins the three panels on (county, year). Duplicate keys in a
// panel are an input error.
func (a *Assembler) join(mortality, exposure, cov *Table) (*Table, error) {
	expIdx, err := keyIndex(exposure, "exposure")
	if err != nil {
		return nil, err
	}
	var covIdx map[countyYear]int
	if cov != nil {
		if covIdx, err = keyIndex(cov, "covariate"); err != nil {
			return nil, err
		}
	}

	var mRows, eRows, cRows []int
	seen := make(map[countyYear]bool)
	for i := range mortality.County {
		key := countyYear{mortality.County[i], mortality.Year[i]}
		if seen[key] {
			return nil, fmt.Errorf("epimap: mortality panel has duplicate county-year %s %d", key.county, key.year)
		}
		seen[key] = true
		ei, ok := expIdx[key]
		if !ok {
			continue
		}
		ci := -1
		if cov != nil {
			if ci, ok = covIdx[key]; !ok {
				continue
			}
		}
		mRows = append(mRows, i)
		eRows = append(eRows, ei)
		cRows = append(cRows, ci)
	}

	out, err := NewTable(pickStrings(mortality.County, mRows), pickInts(mortality.Year, mRows))
	if err != nil {
		return nil, err
	}
	for _, name := range mortality.ColumnNames() {
		if err := out.AddColumn(name, pickFloats(mortality.Column(name), mRows)); err != nil {
			return nil, err
		}
	}
	for _, name := range exposure.ColumnNames() {
		if err := out.AddColumn(name, pickFloats(exposure.Column(name), eRows)); err != nil {
			return nil, err
		}
	}
	if cov != nil {
		for _, name := range cov.ColumnNames() {
			if out.HasColumn(name) {
				return nil, fmt.Errorf("epimap: covariate panel column %s collides with another panel", name)
			}
			if err := out.AddColumn(name, pickFloats(cov.Column(name), cRows)); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// addOffset computes the indirect-standardization offset: each year's
// national crude rate over the counties present that year, scaled by county
// population.
func (a *Assembler) addOffset(t *Table) error {
	deaths := t.Column(ColDeaths)
	pop := t.Column(ColPopulation)
	sumDeaths := make(map[int]float64)
	sumPop := make(map[int]float64)
	for i, y := range t.Year {
		sumDeaths[y] += deaths[i]
		sumPop[y] += pop[i]
	}

	expected := make([]float64, t.Len())
	offset := make([]float64, t.Len())
	for i, y := range t.Year {
		rate := 0.0
		if sumPop[y] > 0 {
			rate = sumDeaths[y] / sumPop[y]
		}
		expected[i] = pop[i] * rate
		offset[i] = math.Log(expected[i] + 1e-6)
	}
	if err := t.AddColumn(ColExpected, expected); err != nil {
		return err
	}
	return t.AddColumn(ColOffset, offset)
}

func (a *Assembler) logger() logrus.FieldLogger {
	if a.Log != nil {
		return a.Log
	}
	return logrus.StandardLogger()
}

func keyIndex(t *Table, what string) (map[countyYear]int, error) {
	idx := make(map[countyYear]int, t.Len())
	for i := range t.County {
		key := countyYear{t.County[i], t.Year[i]}
		if _, ok := idx[key]; ok {
			return nil, fmt.Errorf("epimap: %s panel has duplicate county-year %s %d", what, key.county, key.year)
		}
		idx[key] = i
	}
	return idx, nil
}

func selectRows(t *Table, keep func(i int) bool) *Table {
	var rows []int
	for i := 0; i < t.Len(); i++ {
		if keep(i) {
			rows = append(rows, i)
		}
	}
	return t.Select(rows)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func hasFinite(values []float64) bool {
	for _, v := range values {
		if finite(v) {
			return true
		}
	}
	return false
}

func pickStrings(src []string, rows []int) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = src[r]
	}
	return out
}

func pickInts(src []int, rows []int) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = src[r]
	}
	return out
}

func pickFloats(src []float64, rows []int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = src[r]
	}
	return out
}
