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
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testCombo() Combination {
	return Combination{
		Measure:  MeasureWeight,
		Estimate: EstimateAvg,
		LagYears: 5,
		Model:    M1,
		Dose:     Linear,
	}
}

func TestResultRowFields(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	e := &Effects{
		RRPerSD: 2, RRPerSDLower: 1.5, RRPerSDUpper: 2.5,
		RRP90P10: 2.43, RRP90P10Lower: 1.8, RRP90P10Upper: 3.2,
		PValue: 0.02,
	}
	res := &FitResult{DIC: 123.5, WAIC: math.NaN()}
	row := NewSuccessRow(ts, "C81-C96", "Glyphosate", "Herbicide", testCombo(), e, res, 57, 1200)

	fields := row.fields()
	if len(fields) != len(resultHeader) {
		t.Fatalf("%d fields for %d header columns", len(fields), len(resultHeader))
	}
	want := map[int]string{
		0:  "2024-03-15 10:30:00",
		1:  "C81-C96",
		2:  "Glyphosate",
		3:  "Herbicide",
		4:  "Weight",
		5:  "avg",
		6:  "5",
		7:  "M1",
		8:  "linear",
		9:  "2",
		15: "0.020*",
		16: "123.5",
		17: "NA",
		18: "57",
		19: "1200",
		20: "SUCCESS",
	}
	for i, w := range want {
		if fields[i] != w {
			t.Errorf("field %d (%s) = %q, want %q", i, resultHeader[i], fields[i], w)
		}
	}
	if !row.Succeeded() {
		t.Error("success row does not report success")
	}
}

func TestFailureRowFields(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	err := failf(FailData, "only 40 counties, need 50")
	row := NewFailureRow(ts, "C81-C96", "Glyphosate", "Herbicide", testCombo(), err)

	fields := row.fields()
	for _, i := range []int{9, 10, 11, 12, 13, 14, 15, 16, 17} {
		if fields[i] != "NA" {
			t.Errorf("field %d (%s) = %q, want NA", i, resultHeader[i], fields[i])
		}
	}
	if fields[18] != "0" || fields[19] != "0" {
		t.Errorf("sample sizes = %q, %q, want zeroed", fields[18], fields[19])
	}
	if fields[20] == "" || fields[20] == statusSuccess {
		t.Errorf("status = %q, want the failure message", fields[20])
	}
	if row.Succeeded() {
		t.Error("failure row reports success")
	}
}

func TestResultWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.csv")
	ts := time.Now()

	w, err := NewResultWriter(path, false)
	if err != nil {
		t.Fatal(err)
	}
	res := &FitResult{DIC: 100, WAIC: 101}
	e := &Effects{RRPerSD: 1.1, RRPerSDLower: 1, RRPerSDUpper: 1.2,
		RRP90P10: 1.13, RRP90P10Lower: 1, RRP90P10Upper: 1.26, PValue: 0.2}
	if err := w.Write(NewSuccessRow(ts, "d", "x", "c", testCombo(), e, res, 60, 600)); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(NewFailureRow(ts, "d", "x", "c", testCombo(), errors.New("solver fell over"))); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	records := readCSVFile(t, path)
	if len(records) != 3 {
		t.Fatalf("got %d records, want header plus 2 rows", len(records))
	}
	for i, name := range resultHeader {
		if records[0][i] != name {
			t.Errorf("header[%d] = %q, want %q", i, records[0][i], name)
		}
	}
	if records[1][20] != statusSuccess {
		t.Errorf("row 1 status = %q", records[1][20])
	}
	if records[2][20] != "solver fell over" {
		t.Errorf("row 2 status = %q", records[2][20])
	}

	// Appending to a non-empty file must not repeat the header.
	w, err = NewResultWriter(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(NewFailureRow(ts, "d", "y", "c", testCombo(), errors.New("again"))); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if records := readCSVFile(t, path); len(records) != 4 {
		t.Errorf("after append got %d records, want 4", len(records))
	}

	// Reopening without append truncates back to a fresh file.
	w, err = NewResultWriter(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if records := readCSVFile(t, path); len(records) != 1 {
		t.Errorf("after truncation got %d records, want header only", len(records))
	}
}

func readCSVFile(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func TestOutputPath(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	got := OutputPath("out", "results_{disease}_{exposure}_{timestamp}.csv",
		"C81-C96", "2,4-D Amine", ts)
	want := filepath.Join("out", "results_C81-C96_2_4-D_Amine_20240102_030405.csv")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
