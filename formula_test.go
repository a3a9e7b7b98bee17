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
	"math"
	"strings"
	"testing"
)

func formulaDataset(t *testing.T) *Dataset {
	t.Helper()
	tbl, err := NewTable([]string{"01001", "01003", "01005"}, []int{2000, 2000, 2000})
	if err != nil {
		t.Fatal(err)
	}
	cols := map[string][]float64{
		ColDeaths:      {1, 2, 3},
		ColOffset:      {0.1, 0.2, 0.3},
		ColExposureZ:   {-1, 0, 1},
		ColExposureBin: {1, 2, 3},
		"ses_pc1_z":    {0.5, -0.5, 0},
		"tmean_z":      {1, 0, -1},
		"prcp_z":       {0, 1, -1},
		ColCountyIndex: {1, 2, 3},
		ColYearIndex:   {1, 1, 1},
	}
	for name, vals := range cols {
		if err := tbl.AddColumn(name, vals); err != nil {
			t.Fatal(err)
		}
	}
	return &Dataset{
		Table:       tbl,
		CountyIndex: map[string]int{"01001": 1, "01003": 2, "01005": 3},
		YearIndex:   map[int]int{2000: 1},
		Available:   map[Covariate]bool{SES: true, Temperature: true, Precipitation: true},
	}
}

func termKinds(f *Formula) []string {
	var out []string
	for _, term := range f.Terms {
		out = append(out, term.Kind.String()+":"+term.Column)
	}
	return out
}

func TestFormulaBuild(t *testing.T) {
	tests := []struct {
		name  string
		model ModelType
		dose  DoseResponseType
		want  []string
	}{
		{"M0 linear", M0, Linear, []string{
			"intercept:", "fixed:" + ColExposureZ, "iid:" + ColCountyIndex, "rw1:" + ColYearIndex}},
		{"M1 linear", M1, Linear, []string{
			"intercept:", "fixed:" + ColExposureZ, "fixed:ses_pc1_z", "iid:" + ColCountyIndex, "rw1:" + ColYearIndex}},
		{"M2 linear", M2, Linear, []string{
			"intercept:", "fixed:" + ColExposureZ, "fixed:tmean_z", "fixed:prcp_z", "iid:" + ColCountyIndex, "rw1:" + ColYearIndex}},
		{"M3 linear", M3, Linear, []string{
			"intercept:", "fixed:" + ColExposureZ, "fixed:ses_pc1_z", "fixed:tmean_z", "fixed:prcp_z", "iid:" + ColCountyIndex, "rw1:" + ColYearIndex}},
		{"M0 nonlinear", M0, NonLinear, []string{
			"intercept:", "rw1:" + ColExposureBin, "iid:" + ColCountyIndex, "rw1:" + ColYearIndex}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := &FormulaBuilder{Log: quietLogger()}
			f, err := b.Build(formulaDataset(t), test.model, test.dose, "g.graph")
			if err != nil {
				t.Fatal(err)
			}
			got := termKinds(f)
			if len(got) != len(test.want) {
				t.Fatalf("terms: got %v, want %v", got, test.want)
			}
			for i := range got {
				if got[i] != test.want[i] {
					t.Errorf("term %d: got %s, want %s", i, got[i], test.want[i])
				}
			}
			if f.Response != ColDeaths || f.Offset != ColOffset {
				t.Errorf("response/offset: got %s/%s", f.Response, f.Offset)
			}
			if f.GraphFile != "g.graph" {
				t.Errorf("graph file: got %q", f.GraphFile)
			}
		})
	}
}

func TestFormulaDosePrior(t *testing.T) {
	b := &FormulaBuilder{Log: quietLogger()}
	f, err := b.Build(formulaDataset(t), M0, NonLinear, "g.graph")
	if err != nil {
		t.Fatal(err)
	}
	for _, term := range f.Terms {
		if term.Kind == TermRW1 && term.Column == ColExposureBin {
			if term.Prior.Kind != PriorPC || term.Prior.U != 1 || term.Prior.Alpha != 0.01 {
				t.Errorf("dose prior: got %+v, want PC(1, 0.01)", term.Prior)
			}
			return
		}
	}
	t.Error("nonlinear dose-response term missing")
}

func TestFormulaDropsMissingCovariate(t *testing.T) {
	d := formulaDataset(t)
	d.Available[SES] = false

	b := &FormulaBuilder{Log: quietLogger()}
	f, err := b.Build(d, M1, Linear, "g.graph")
	if err != nil {
		t.Fatalf("missing covariate must not fail the formula: %v", err)
	}
	if f.HasTerm(TermFixed, "ses_pc1_z") {
		t.Error("unavailable covariate still in formula")
	}
	for _, want := range []struct {
		kind TermKind
		col  string
	}{
		{TermFixed, ColExposureZ},
		{TermIID, ColCountyIndex},
		{TermRW1, ColYearIndex},
	} {
		if !f.HasTerm(want.kind, want.col) {
			t.Errorf("missing term %s on %s", want.kind, want.col)
		}
	}
}

func TestFormulaNonLinearFallback(t *testing.T) {
	d := formulaDataset(t)
	nan := math.NaN()
	if err := d.Table.AddColumn(ColExposureBin, []float64{nan, nan, nan}); err != nil {
		t.Fatal(err)
	}

	b := &FormulaBuilder{Log: quietLogger()}
	f, err := b.Build(d, M0, NonLinear, "g.graph")
	if err != nil {
		t.Fatal(err)
	}
	if !f.HasTerm(TermFixed, ColExposureZ) {
		t.Error("fallback linear term missing")
	}
	if f.HasTerm(TermRW1, ColExposureBin) {
		t.Error("unusable binned term still present")
	}
}

func TestFormulaNoExposureRepresentation(t *testing.T) {
	d := formulaDataset(t)
	nan := math.NaN()
	if err := d.Table.AddColumn(ColExposureBin, []float64{nan, nan, nan}); err != nil {
		t.Fatal(err)
	}
	if err := d.Table.AddColumn(ColExposureZ, []float64{nan, nan, nan}); err != nil {
		t.Fatal(err)
	}

	b := &FormulaBuilder{Log: quietLogger()}
	_, err := b.Build(d, M0, Linear, "g.graph")
	if err == nil {
		t.Fatal("want failure with no exposure representation")
	}
	if StageOf(err) != FailFormula {
		t.Errorf("stage: got %s, want %s", StageOf(err), FailFormula)
	}
}

func TestFormulaSpatialVariants(t *testing.T) {
	tests := []struct {
		spatial SpatialModel
		want    TermKind
	}{
		{SpatialIID, TermIID},
		{"", TermIID},
		{SpatialBesag, TermBesag},
		{SpatialBYM, TermBYM},
	}
	for _, test := range tests {
		t.Run(string(test.spatial), func(t *testing.T) {
			b := &FormulaBuilder{Spatial: test.spatial, Log: quietLogger()}
			f, err := b.Build(formulaDataset(t), M0, Linear, "g.graph")
			if err != nil {
				t.Fatal(err)
			}
			if !f.HasTerm(test.want, ColCountyIndex) {
				t.Errorf("spatial term: want %s on %s in %v", test.want, ColCountyIndex, termKinds(f))
			}
		})
	}

	b := &FormulaBuilder{Spatial: "car"}
	if _, err := b.Build(formulaDataset(t), M0, Linear, "g.graph"); err == nil {
		t.Error("want error for unrecognized spatial model")
	}
}

func TestFormulaString(t *testing.T) {
	b := &FormulaBuilder{Log: quietLogger()}
	f, err := b.Build(formulaDataset(t), M1, Linear, "g.graph")
	if err != nil {
		t.Fatal(err)
	}
	s := f.String()
	for _, want := range []string{
		"deaths ~ 1 + exposure_z + ses_pc1_z",
		`f(county_idx, model="iid")`,
		`f(year_idx, model="rw1")`,
		"offset(offset)",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("formula %q missing %q", s, want)
		}
	}
}
