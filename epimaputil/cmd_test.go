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
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/spatialmodel/epimap"
)

func TestDefaults(t *testing.T) {
	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"Disease", Cfg.GetString("Disease"), "C81-C96"},
		{"Exposure.Kind", Cfg.GetString("Exposure.Kind"), "category"},
		{"MeasureTypes", Cfg.GetStringSlice("MeasureTypes"), []string{"Weight", "Density"}},
		{"EstimateTypes", Cfg.GetStringSlice("EstimateTypes"), []string{"min", "avg", "max"}},
		{"ModelTypes", Cfg.GetStringSlice("ModelTypes"), []string{"M0", "M1", "M2", "M3"}},
		{"StartYear", Cfg.GetInt("StartYear"), 1999},
		{"EndYear", Cfg.GetInt("EndYear"), 2020},
		{"ExposureBins", Cfg.GetInt("ExposureBins"), 20},
		{"MinRecords", Cfg.GetInt("MinRecords"), 100},
		{"MinCounties", Cfg.GetInt("MinCounties"), 50},
		{"Spatial.Model", Cfg.GetString("Spatial.Model"), "iid"},
		{"Solver.ComputeWAIC", Cfg.GetBool("Solver.ComputeWAIC"), true},
		{"DoseResponse.NonLinear", Cfg.GetBool("DoseResponse.NonLinear"), false},
		{"dryrun", Cfg.GetBool("dryrun"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if !reflect.DeepEqual(test.got, test.want) {
				t.Errorf("%s = %v, want %v", test.name, test.got, test.want)
			}
		})
	}
}

func TestVersionCmd(t *testing.T) {
	buf := new(bytes.Buffer)
	versionCmd.SetOut(buf)
	versionCmd.Run(versionCmd, nil)
	if got := buf.String(); !strings.Contains(got, epimap.Version) {
		t.Errorf("version output %q does not contain %q", got, epimap.Version)
	}
}
