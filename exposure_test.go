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
	"testing"
)

func testPanel(t *testing.T, county []string, year []int, col string, values []float64) *Table {
	t.Helper()
	tbl, err := NewTable(county, year)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.AddColumn(col, values); err != nil {
		t.Fatal(err)
	}
	return tbl
}

// closeTo reports whether a and b match to within tol, treating two NaNs as
// a match.
func closeTo(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) <= tol
}

func TestLagRollingMean(t *testing.T) {
	nan := math.NaN()
	county := []string{"01001", "01003", "01001", "01003", "01001", "01003", "01001", "01001", "01001"}
	year := []int{2000, 2000, 2001, 2001, 2002, 2002, 2003, 2004, 2005}
	raw := []float64{1, 10, 2, nan, 3, 20, 4, 5, 6}
	tbl := testPanel(t, county, year, ColExposure, raw)

	if err := LagRollingMean(tbl, ColExposure, ColExposureLag, 3); err != nil {
		t.Fatal(err)
	}
	want := []float64{nan, nan, nan, nan, 2, nan, 3, 4, 5}
	got := tbl.Column(ColExposureLag)
	for i := range want {
		if !closeTo(got[i], want[i], 1e-12) {
			t.Errorf("row %d (%s %d): got %g, want %g", i, county[i], year[i], got[i], want[i])
		}
	}

	// A strictly increasing series must give a non-decreasing rolling mean.
	prev := math.Inf(-1)
	for i, c := range county {
		if c != "01001" || math.IsNaN(got[i]) {
			continue
		}
		if got[i] < prev {
			t.Errorf("rolling mean decreased at year %d: %g < %g", year[i], got[i], prev)
		}
		prev = got[i]
	}
}

func TestLagRollingMeanWindowOne(t *testing.T) {
	tbl := testPanel(t, []string{"01001", "01001"}, []int{2000, 2001}, ColExposure, []float64{3, 7})
	if err := LagRollingMean(tbl, ColExposure, ColExposureLag, 1); err != nil {
		t.Fatal(err)
	}
	got := tbl.Column(ColExposureLag)
	for i, want := range []float64{3, 7} {
		if got[i] != want {
			t.Errorf("row %d: got %g, want %g", i, got[i], want)
		}
	}
}

func TestLogOffset(t *testing.T) {
	tests := []struct {
		values []float64
		want   float64
	}{
		{[]float64{0, 4, 2, 8}, 1},
		{[]float64{0, 0, 0}, 0.001},
		{[]float64{math.NaN(), 3}, 1.5},
		{nil, 0.001},
	}
	for _, test := range tests {
		t.Run(fmt.Sprint(test.values), func(t *testing.T) {
			if got := LogOffset(test.values); got != test.want {
				t.Errorf("got %g, want %g", got, test.want)
			}
		})
	}
}

func TestStandardize(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, math.NaN()}
	z, mean, sd := Standardize(values)
	if mean != 3 {
		t.Errorf("mean: got %g, want 3", mean)
	}
	wantSD := math.Sqrt(2.5)
	if !closeTo(sd, wantSD, 1e-12) {
		t.Errorf("sd: got %g, want %g", sd, wantSD)
	}
	if !closeTo(z[0], -2/wantSD, 1e-12) {
		t.Errorf("z[0]: got %g, want %g", z[0], -2/wantSD)
	}
	if !closeTo(z[4], 2/wantSD, 1e-12) {
		t.Errorf("z[4]: got %g, want %g", z[4], 2/wantSD)
	}
	if !math.IsNaN(z[5]) {
		t.Errorf("z[5]: got %g, want NaN", z[5])
	}
}

func TestBinEdgesAndIndex(t *testing.T) {
	values := []float64{0, 2.5, 5, 7.5, 10}
	edges := BinEdges(values, 5)
	if len(edges) != 6 {
		t.Fatalf("got %d edges, want 6", len(edges))
	}
	if !(edges[0] < 0 && edges[5] > 10) {
		t.Errorf("edges not padded: [%g, %g]", edges[0], edges[5])
	}

	tests := []struct {
		v    float64
		want float64
	}{
		{0, 1},      // minimum lands in the first bin
		{10, 5},     // maximum lands in the last bin
		{3.9999, 2}, // interior value
		{-100, 1},   // clamped below
		{100, 5},    // clamped above
		{math.NaN(), math.NaN()},
	}
	for _, test := range tests {
		t.Run(fmt.Sprint(test.v), func(t *testing.T) {
			if got := BinIndex(edges, test.v); !closeTo(got, test.want, 0) {
				t.Errorf("got %g, want %g", got, test.want)
			}
		})
	}
}

func TestOutlierFences(t *testing.T) {
	lo, hi := OutlierFences([]float64{1, 2, 3, 4, 5, 6, 7, 8})
	if !closeTo(lo, -10, 1e-12) {
		t.Errorf("lo: got %g, want -10", lo)
	}
	if !closeTo(hi, 18, 1e-12) {
		t.Errorf("hi: got %g, want 18", hi)
	}
}

func TestExposureTransformApply(t *testing.T) {
	county := []string{"01001", "01003", "01005", "01007", "01009", "01011"}
	year := []int{2000, 2000, 2000, 2000, 2000, 2000}
	lagged := []float64{0, 1, 2, 3, 4, 1000}

	apply := func() (*Table, *ExposureSummary) {
		tbl := testPanel(t, county, year, ColExposureLag, append([]float64(nil), lagged...))
		x := &ExposureTransform{Bins: 4}
		sum, err := x.Apply(tbl)
		if err != nil {
			t.Fatal(err)
		}
		return tbl, sum
	}

	tbl, sum := apply()
	if sum.LogOffset != 0.5 {
		t.Errorf("log offset: got %g, want 0.5", sum.LogOffset)
	}
	if sum.Outliers != 1 {
		t.Errorf("outliers: got %d, want 1", sum.Outliers)
	}
	flags := tbl.Column(ColIsOutlier)
	clean := tbl.Column(ColExposureClean)
	for i := 0; i < 5; i++ {
		if flags[i] != 0 {
			t.Errorf("row %d flagged unexpectedly", i)
		}
		if clean[i] != lagged[i] {
			t.Errorf("row %d clean: got %g, want %g", i, clean[i], lagged[i])
		}
	}
	if flags[5] != 1 {
		t.Error("extreme row not flagged")
	}
	if !math.IsNaN(clean[5]) {
		t.Errorf("extreme row clean: got %g, want NaN", clean[5])
	}
	// The regression columns keep the flagged record.
	if z := tbl.Column(ColExposureZ); math.IsNaN(z[5]) {
		t.Error("flagged record lost from the standardized column")
	}

	for _, col := range []string{ColExposureLog, ColExposureZ, ColExposureBin, ColExposureClean, ColIsOutlier} {
		if !tbl.HasColumn(col) {
			t.Errorf("missing derived column %s", col)
		}
	}

	// The transform is deterministic: a second run reproduces the same
	// constants and edges.
	_, sum2 := apply()
	if sum2.LogOffset != sum.LogOffset || sum2.Mean != sum.Mean || sum2.SD != sum.SD {
		t.Errorf("constants changed between runs: %+v vs %+v", sum2, sum)
	}
	for i := range sum.BinEdges {
		if sum2.BinEdges[i] != sum.BinEdges[i] {
			t.Errorf("bin edge %d changed between runs", i)
		}
	}
}
