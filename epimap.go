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

// Package epimap estimates associations between county-level pesticide
// exposure and cancer mortality using Bayesian spatio-temporal regression.
// It assembles county-year analysis tables from mortality, exposure, and
// covariate panels, builds spatial adjacency graphs, constructs model
// formulas for a catalog of nested model variants, fits them through a
// Laplace-approximation solver, and extracts standardized effect estimates
// (relative risks, credible intervals, significance) as result rows.
package epimap

import (
	"fmt"
	"sort"
	"strings"
)

// Version gives the version number of this version of EpiMap.
const Version = "0.1.0"

// MeasureType says how pesticide use is quantified.
type MeasureType string

const (
	// MeasureWeight is applied mass in kilograms.
	MeasureWeight MeasureType = "Weight"
	// MeasureDensity is applied mass divided by agricultural land
	// area, in kilograms per square kilometer.
	MeasureDensity MeasureType = "Density"
)

// Valid returns an error if m is not a recognized measure type.
func (m MeasureType) Valid() error {
	switch m {
	case MeasureWeight, MeasureDensity:
		return nil
	}
	return fmt.Errorf("epimap: invalid measure type %q", string(m))
}

// EstimateType selects among the low, midpoint, and high variants of an
// uncertain exposure estimate.
type EstimateType string

const (
	EstimateMin EstimateType = "min"
	EstimateAvg EstimateType = "avg"
	EstimateMax EstimateType = "max"
)

// Valid returns an error if e is not a recognized estimate type.
func (e EstimateType) Valid() error {
	switch e {
	case EstimateMin, EstimateAvg, EstimateMax:
		return nil
	}
	return fmt.Errorf("epimap: invalid estimate type %q", string(e))
}

// ModelType identifies one of the nested covariate-adjustment sets.
type ModelType string

const (
	// M0 adjusts for nothing beyond the spatial and temporal random effects.
	M0 ModelType = "M0"
	// M1 additionally adjusts for the county socioeconomic index.
	M1 ModelType = "M1"
	// M2 additionally adjusts for the two climate factors.
	M2 ModelType = "M2"
	// M3 adjusts for all available covariates.
	M3 ModelType = "M3"
)

// Covariates returns the adjustment set for the model variant.
func (m ModelType) Covariates() ([]Covariate, error) {
	switch m {
	case M0:
		return nil, nil
	case M1:
		return []Covariate{SES}, nil
	case M2:
		return []Covariate{Temperature, Precipitation}, nil
	case M3:
		return []Covariate{SES, Temperature, Precipitation}, nil
	}
	return nil, fmt.Errorf("epimap: invalid model type %q", string(m))
}

// Valid returns an error if m is not a recognized model type.
func (m ModelType) Valid() error {
	_, err := m.Covariates()
	return err
}

// DoseResponseType selects between a continuous exposure effect and a
// smoothed effect over exposure bins.
type DoseResponseType string

const (
	Linear    DoseResponseType = "linear"
	NonLinear DoseResponseType = "nonlinear"
)

// ExposureKind says whether an analysis targets a single active
// ingredient or an aggregate category of ingredients.
type ExposureKind string

const (
	KindCompound ExposureKind = "compound"
	KindCategory ExposureKind = "category"
)

// Valid returns an error if k is not a recognized exposure kind.
func (k ExposureKind) Valid() error {
	switch k {
	case KindCompound, KindCategory:
		return nil
	}
	return fmt.Errorf("epimap: invalid exposure kind %q", string(k))
}

// Covariate identifies an adjustment variable known to the model catalog.
// Each covariate maps to a fixed pair of data columns: the raw column and
// its standardized counterpart. Unknown names fail when configuration is
// loaded rather than during formula construction.
type Covariate string

const (
	// SES is the first principal component of the county
	// socioeconomic profile.
	SES Covariate = "ses"
	// Temperature is the annual mean near-surface air temperature.
	Temperature Covariate = "temperature"
	// Precipitation is the annual total precipitation.
	Precipitation Covariate = "precipitation"
)

// AllCovariates is the full adjustment catalog, in the order terms appear
// in formulas.
var AllCovariates = []Covariate{SES, Temperature, Precipitation}

// Column returns the raw data column holding this covariate.
func (c Covariate) Column() (string, error) {
	switch c {
	case SES:
		return "ses_pc1", nil
	case Temperature:
		return "tmean", nil
	case Precipitation:
		return "prcp", nil
	}
	return "", fmt.Errorf("epimap: unknown covariate %q", string(c))
}

// ZColumn returns the standardized column for this covariate.
func (c Covariate) ZColumn() (string, error) {
	col, err := c.Column()
	if err != nil {
		return "", err
	}
	return col + "_z", nil
}

// Derived column names shared across the pipeline.
const (
	ColDeaths        = "deaths"
	ColPopulation    = "population"
	ColExposure      = "exposure"
	ColExposureLag   = "exposure_lag"
	ColExposureLog   = "exposure_log"
	ColExposureZ     = "exposure_z"
	ColExposureBin   = "exposure_bin"
	ColExposureClean = "exposure_clean"
	ColIsOutlier     = "is_outlier"
	ColExpected      = "expected"
	ColOffset        = "offset"
	ColCountyIndex   = "county_idx"
	ColYearIndex     = "year_idx"
)

// Validation and binning defaults.
const (
	DefaultMinRecords   = 100
	DefaultMinCounties  = 50
	DefaultExposureBins = 20
)

// Combination identifies one model fit within the batch cross-product.
type Combination struct {
	Measure  MeasureType
	Estimate EstimateType
	LagYears int
	Model    ModelType
	Dose     DoseResponseType
}

func (c Combination) String() string {
	return fmt.Sprintf("%s/%s/lag%d/%s/%s", c.Measure, c.Estimate, c.LagYears, c.Model, c.Dose)
}

// Key returns a form of the combination usable in file names and cache keys.
func (c Combination) Key() string {
	return fmt.Sprintf("%s_%s_lag%d_%s_%s", strings.ToLower(string(c.Measure)),
		c.Estimate, c.LagYears, c.Model, c.Dose)
}

// Table is an in-memory columnar table of county-year records. County
// identifiers are fixed-width FIPS strings with significant leading zeros;
// all other variables are float64 columns addressed by name. Missing values
// are NaN.
type Table struct {
	County []string
	Year   []int

	names []string
	cols  map[string][]float64
}

// NewTable creates a table over the given county and year keys, which must
// have equal length.
func NewTable(county []string, year []int) (*Table, error) {
	if len(county) != len(year) {
		return nil, fmt.Errorf("epimap: table keys have mismatched lengths %d and %d",
			len(county), len(year))
	}
	return &Table{
		County: county,
		Year:   year,
		cols:   make(map[string][]float64),
	}, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.County) }

// AddColumn attaches a named column, replacing any existing column with the
// same name. The column length must match the table length.
func (t *Table) AddColumn(name string, data []float64) error {
	if len(data) != t.Len() {
		return fmt.Errorf("epimap: column %s has %d values for a %d-row table",
			name, len(data), t.Len())
	}
	if _, ok := t.cols[name]; !ok {
		t.names = append(t.names, name)
	}
	t.cols[name] = data
	return nil
}

// Column returns the named column, or nil if it does not exist. The returned
// slice is shared with the table, not copied.
func (t *Table) Column(name string) []float64 { return t.cols[name] }

// HasColumn reports whether the named column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// ColumnNames returns the column names in insertion order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Select returns a new table holding the rows at the given positions, in the
// given order. Positions may repeat.
func (t *Table) Select(rows []int) *Table {
	out := &Table{
		County: make([]string, len(rows)),
		Year:   make([]int, len(rows)),
		names:  append([]string(nil), t.names...),
		cols:   make(map[string][]float64, len(t.cols)),
	}
	for i, r := range rows {
		out.County[i] = t.County[r]
		out.Year[i] = t.Year[r]
	}
	for _, name := range t.names {
		src := t.cols[name]
		dst := make([]float64, len(rows))
		for i, r := range rows {
			dst[i] = src[r]
		}
		out.cols[name] = dst
	}
	return out
}

// Counties returns the sorted distinct county identifiers present in the
// table.
func (t *Table) Counties() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range t.County {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Years returns the sorted distinct years present in the table.
func (t *Table) Years() []int {
	seen := make(map[int]bool)
	var out []int
	for _, y := range t.Year {
		if !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	sort.Ints(out)
	return out
}
