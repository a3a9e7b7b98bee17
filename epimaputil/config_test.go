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

package epimaputil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spatialmodel/epimap"
)

func TestBatchConfig(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "results")
	Cfg.Set("Exposure.Kind", "compound")
	Cfg.Set("Exposure.ID", 41)
	Cfg.Set("Exposure.Name", "Glyphosate")
	Cfg.Set("OutputDir", outDir)

	b, err := BatchConfig(Cfg)
	if err != nil {
		t.Fatal(err)
	}
	if b.Disease != "C81-C96" {
		t.Errorf("Disease = %q, want the default", b.Disease)
	}
	if b.Kind != epimap.KindCompound || b.EntityID != 41 || b.EntityName != "Glyphosate" {
		t.Errorf("entity = %s/%d/%q, want compound 41 Glyphosate", b.Kind, b.EntityID, b.EntityName)
	}
	wantMeasures := []epimap.MeasureType{epimap.MeasureWeight, epimap.MeasureDensity}
	if !reflect.DeepEqual(b.Measures, wantMeasures) {
		t.Errorf("Measures = %v, want %v", b.Measures, wantMeasures)
	}
	if !reflect.DeepEqual(b.Lags, []int{5}) {
		t.Errorf("Lags = %v, want the default", b.Lags)
	}
	if len(b.Models) != 4 {
		t.Errorf("got %d model variants, want 4", len(b.Models))
	}
	if b.ExposureFiles[epimap.MeasureWeight] != "exposure_weight.csv" ||
		b.ExposureFiles[epimap.MeasureDensity] != "exposure_density.csv" {
		t.Errorf("exposure panels = %v", b.ExposureFiles)
	}
	if b.MinRecords != 100 || b.MinCounties != 50 {
		t.Errorf("thresholds = %d/%d, want 100/50", b.MinRecords, b.MinCounties)
	}
	if b.SolverOptions.Threads != 1 || !b.SolverOptions.ComputeWAIC {
		t.Errorf("solver options = %+v", b.SolverOptions)
	}
	if _, err := os.Stat(outDir); err != nil {
		t.Errorf("output directory was not created: %v", err)
	}

	// Apart from the solver, the defaults describe a runnable batch.
	b.DryRun = true
	if err := b.Validate(); err != nil {
		t.Errorf("default configuration does not validate: %v", err)
	}
}

func TestBatchConfigErrors(t *testing.T) {
	tests := []struct {
		key          string
		bad, restore interface{}
	}{
		{"MeasureTypes", []string{"Volume"}, []string{"Weight", "Density"}},
		{"EstimateTypes", []string{"median"}, []string{"min", "avg", "max"}},
		{"ModelTypes", []string{"M7"}, []string{"M0", "M1", "M2", "M3"}},
		{"DoseResponse.NonLinearModels", []string{"M9"}, []string{"M3"}},
		{"Exposure.Kind", "chemical", "compound"},
		{"Spatial.Model", "car", "iid"},
		{"LagYears", "not a list", []int{5}},
	}
	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			Cfg.Set(test.key, test.bad)
			defer Cfg.Set(test.key, test.restore)
			if _, err := BatchConfig(Cfg); err == nil {
				t.Error("expected a configuration error")
			}
		})
	}
}

func TestCheckOutputDir(t *testing.T) {
	if err := checkOutputDir(""); err == nil {
		t.Error("expected an error for an empty directory")
	}
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := checkOutputDir(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("directory was not created: %v", err)
	}
}

// TestSetConfig loads values into the shared configuration, so it needs to
// run after the default-dependent tests above.
func TestSetConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epimap.toml")
	content := "StartYear = 2005\n\n[Solver]\nThreads = 4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	Cfg.Set("config", path)
	defer Cfg.Set("config", "")
	if err := setConfig(); err != nil {
		t.Fatal(err)
	}
	if got := Cfg.GetInt("StartYear"); got != 2005 {
		t.Errorf("StartYear = %d, want the config file value 2005", got)
	}
	if got := Cfg.GetInt("Solver.Threads"); got != 4 {
		t.Errorf("Solver.Threads = %d, want the config file value 4", got)
	}

	Cfg.Set("config", filepath.Join(t.TempDir(), "missing.toml"))
	if err := setConfig(); err == nil {
		t.Error("expected an error for a missing configuration file")
	}
}
