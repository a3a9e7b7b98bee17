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

// Input file readers. All inputs are CSV panels produced by upstream data
// cleaning: a mortality panel, wide-format exposure panels (one column
// family per compound or category and estimate), a covariate panel, a
// county adjacency edge list, and the compound/category mapping table.
// Header names are matched after lowercasing and replacing spaces with
// underscores, and county identifiers are normalized to 5-digit FIPS
// strings so numeric codes that lost their leading zeros rejoin their
// county.

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Edge is one undirected adjacency between two counties.
type Edge struct {
	From, To string
}

// MappingEntry links a compound to the category it belongs to.
type MappingEntry struct {
	CompoundID   int
	CompoundName string
	CategoryID   int
	CategoryName string
}

// ReadMortality reads a mortality panel with columns county_id, year,
// deaths, and population, one row per county-year.
func ReadMortality(r io.Reader) (*Table, error) {
	rows, header, err := readCSV(r)
	if err != nil {
		return nil, fmt.Errorf("epimap: reading mortality panel: %v", err)
	}
	countyCol, yearCol, err := keyColumns(header, "mortality")
	if err != nil {
		return nil, err
	}
	deathsCol, ok := findColumn(header, "deaths", "death_count")
	if !ok {
		return nil, fmt.Errorf("epimap: mortality panel has no deaths column")
	}
	popCol, ok := findColumn(header, "population", "pop")
	if !ok {
		return nil, fmt.Errorf("epimap: mortality panel has no population column")
	}

	county, year, err := keyValues(rows, countyCol, yearCol, "mortality")
	if err != nil {
		return nil, err
	}
	deaths := make([]float64, len(rows))
	pop := make([]float64, len(rows))
	for i, row := range rows {
		deaths[i] = parseValue(row[deathsCol])
		pop[i] = parseValue(row[popCol])
	}

	t, err := NewTable(county, year)
	if err != nil {
		return nil, err
	}
	if err := t.AddColumn(ColDeaths, deaths); err != nil {
		return nil, err
	}
	if err := t.AddColumn(ColPopulation, pop); err != nil {
		return nil, err
	}
	return t, nil
}

// ReadExposure reads one exposure series out of a wide-format exposure
// panel. The panel has one column family per entity, named cat<ID>_<est>
// for categories and chem<ID>_<est> for compounds; the selected family is
// returned as the raw exposure column.
func ReadExposure(r io.Reader, kind ExposureKind, id int, estimate EstimateType) (*Table, error) {
	prefix, err := kind.columnPrefix()
	if err != nil {
		return nil, err
	}
	if err := estimate.Valid(); err != nil {
		return nil, err
	}
	want := fmt.Sprintf("%s%d_%s", prefix, id, estimate)

	rows, header, err := readCSV(r)
	if err != nil {
		return nil, fmt.Errorf("epimap: reading exposure panel: %v", err)
	}
	countyCol, yearCol, err := keyColumns(header, "exposure")
	if err != nil {
		return nil, err
	}
	valCol, ok := findColumn(header, want)
	if !ok {
		return nil, fmt.Errorf("epimap: exposure panel has no column %s", want)
	}

	county, year, err := keyValues(rows, countyCol, yearCol, "exposure")
	if err != nil {
		return nil, err
	}
	vals := make([]float64, len(rows))
	for i, row := range rows {
		vals[i] = parseValue(row[valCol])
	}

	t, err := NewTable(county, year)
	if err != nil {
		return nil, err
	}
	if err := t.AddColumn(ColExposure, vals); err != nil {
		return nil, err
	}
	return t, nil
}

// ReadCovariates reads a covariate panel keyed by county and year. Every
// column other than the keys is kept under its canonicalized name; the
// model catalog looks covariates up by the names the Covariate type maps to
// (ses_pc1, tmean, prcp).
func ReadCovariates(r io.Reader) (*Table, error) {
	rows, header, err := readCSV(r)
	if err != nil {
		return nil, fmt.Errorf("epimap: reading covariate panel: %v", err)
	}
	countyCol, yearCol, err := keyColumns(header, "covariate")
	if err != nil {
		return nil, err
	}
	county, year, err := keyValues(rows, countyCol, yearCol, "covariate")
	if err != nil {
		return nil, err
	}
	t, err := NewTable(county, year)
	if err != nil {
		return nil, err
	}
	for j, name := range header {
		if j == countyCol || j == yearCol {
			continue
		}
		vals := make([]float64, len(rows))
		for i, row := range rows {
			vals[i] = parseValue(row[j])
		}
		if err := t.AddColumn(canonical(name), vals); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ReadAdjacency reads a static county adjacency edge list with columns
// county_from and county_to. A weight column, if present, is ignored;
// adjacency is structural. Self edges are dropped.
func ReadAdjacency(r io.Reader) ([]Edge, error) {
	rows, header, err := readCSV(r)
	if err != nil {
		return nil, fmt.Errorf("epimap: reading adjacency list: %v", err)
	}
	fromCol, ok := findColumn(header, "county_from", "from")
	if !ok {
		return nil, fmt.Errorf("epimap: adjacency list has no county_from column")
	}
	toCol, ok := findColumn(header, "county_to", "to")
	if !ok {
		return nil, fmt.Errorf("epimap: adjacency list has no county_to column")
	}
	var edges []Edge
	for _, row := range rows {
		from := normalizeFIPS(row[fromCol])
		to := normalizeFIPS(row[toCol])
		if from == to {
			continue
		}
		edges = append(edges, Edge{From: from, To: to})
	}
	return edges, nil
}

// ReadMapping reads the compound/category mapping table. Both the
// canonical column names (category_id, category_name) and the legacy
// first-level names (category1_id, category1_name) are accepted.
func ReadMapping(r io.Reader) ([]MappingEntry, error) {
	rows, header, err := readCSV(r)
	if err != nil {
		return nil, fmt.Errorf("epimap: reading mapping table: %v", err)
	}
	idCol, ok := findColumn(header, "compound_id")
	if !ok {
		return nil, fmt.Errorf("epimap: mapping table has no compound_id column")
	}
	nameCol, ok := findColumn(header, "compound_name")
	if !ok {
		return nil, fmt.Errorf("epimap: mapping table has no compound_name column")
	}
	catIDCol, ok := findColumn(header, "category_id", "category1_id")
	if !ok {
		return nil, fmt.Errorf("epimap: mapping table has no category_id column")
	}
	catNameCol, ok := findColumn(header, "category_name", "category1_name")
	if !ok {
		return nil, fmt.Errorf("epimap: mapping table has no category_name column")
	}

	entries := make([]MappingEntry, 0, len(rows))
	for i, row := range rows {
		id, err := strconv.Atoi(strings.TrimSpace(row[idCol]))
		if err != nil {
			return nil, fmt.Errorf("epimap: mapping table row %d: bad compound_id %q", i+2, row[idCol])
		}
		catID, err := strconv.Atoi(strings.TrimSpace(row[catIDCol]))
		if err != nil {
			return nil, fmt.Errorf("epimap: mapping table row %d: bad category_id %q", i+2, row[catIDCol])
		}
		entries = append(entries, MappingEntry{
			CompoundID:   id,
			CompoundName: strings.TrimSpace(row[nameCol]),
			CategoryID:   catID,
			CategoryName: strings.TrimSpace(row[catNameCol]),
		})
	}
	return entries, nil
}

// ResolveEntity returns the display name and category name of an exposure
// entity. For a category the two are the same.
func ResolveEntity(entries []MappingEntry, kind ExposureKind, id int) (name, category string, err error) {
	switch kind {
	case KindCompound:
		for _, e := range entries {
			if e.CompoundID == id {
				return e.CompoundName, e.CategoryName, nil
			}
		}
		return "", "", fmt.Errorf("epimap: compound %d not in mapping table", id)
	case KindCategory:
		for _, e := range entries {
			if e.CategoryID == id {
				return e.CategoryName, e.CategoryName, nil
			}
		}
		return "", "", fmt.Errorf("epimap: category %d not in mapping table", id)
	}
	return "", "", fmt.Errorf("epimap: invalid exposure kind %q", string(kind))
}

// ReadMortalityFile reads the mortality panel at path.
func ReadMortalityFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("epimap: opening mortality panel: %v", err)
	}
	defer f.Close()
	return ReadMortality(f)
}

// ReadExposureFile reads one exposure series from the panel at path.
func ReadExposureFile(path string, kind ExposureKind, id int, estimate EstimateType) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("epimap: opening exposure panel: %v", err)
	}
	defer f.Close()
	return ReadExposure(f, kind, id, estimate)
}

// ReadCovariatesFile reads the covariate panel at path.
func ReadCovariatesFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("epimap: opening covariate panel: %v", err)
	}
	defer f.Close()
	return ReadCovariates(f)
}

// ReadAdjacencyFile reads the adjacency edge list at path.
func ReadAdjacencyFile(path string) ([]Edge, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("epimap: opening adjacency list: %v", err)
	}
	defer f.Close()
	return ReadAdjacency(f)
}

// ReadMappingFile reads the compound/category mapping table at path.
func ReadMappingFile(path string) ([]MappingEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("epimap: opening mapping table: %v", err)
	}
	defer f.Close()
	return ReadMapping(f)
}

func (k ExposureKind) columnPrefix() (string, error) {
	switch k {
	case KindCompound:
		return "chem", nil
	case KindCategory:
		return "cat", nil
	}
	return "", fmt.Errorf("epimap: invalid exposure kind %q", string(k))
}

func readCSV(r io.Reader) (rows [][]string, header []string, err error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty file")
	}
	header = records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	return records[1:], header, nil
}

// canonical lowercases a header name and joins words with underscores so
// "County Code" and "county_code" match.
func canonical(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return strings.ReplaceAll(name, " ", "_")
}

func findColumn(header []string, names ...string) (int, bool) {
	for j, h := range header {
		c := canonical(h)
		for _, n := range names {
			if c == n {
				return j, true
			}
		}
	}
	return 0, false
}

func keyColumns(header []string, what string) (countyCol, yearCol int, err error) {
	countyCol, ok := findColumn(header, "county_id", "county_fips", "county_code", "county", "fips", "geoid")
	if !ok {
		return 0, 0, fmt.Errorf("epimap: %s panel has no county column", what)
	}
	yearCol, ok = findColumn(header, "year")
	if !ok {
		return 0, 0, fmt.Errorf("epimap: %s panel has no year column", what)
	}
	return countyCol, yearCol, nil
}

func keyValues(rows [][]string, countyCol, yearCol int, what string) (county []string, year []int, err error) {
	county = make([]string, len(rows))
	year = make([]int, len(rows))
	for i, row := range rows {
		county[i] = normalizeFIPS(row[countyCol])
		y, err := strconv.Atoi(strings.TrimSpace(row[yearCol]))
		if err != nil {
			return nil, nil, fmt.Errorf("epimap: %s panel row %d: bad year %q", what, i+2, row[yearCol])
		}
		year[i] = y
	}
	return county, year, nil
}

// normalizeFIPS left-pads all-digit county codes to the 5-character FIPS
// width. Other identifiers pass through trimmed.
func normalizeFIPS(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return s
		}
	}
	for len(s) < 5 {
		s = "0" + s
	}
	return s
}

// parseValue parses a numeric cell. Empty cells and the usual missing-value
// markers come back NaN.
func parseValue(s string) float64 {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null", ".":
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
