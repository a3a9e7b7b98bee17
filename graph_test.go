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
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

var testEdges = []Edge{
	{"01001", "01003"},
	{"01003", "01001"}, // symmetric duplicate
	{"01003", "01005"},
	{"01001", "56045"}, // endpoint outside the analysis subset
}

func testCountyIndex() map[string]int {
	return map[string]int{"01001": 1, "01003": 2, "01005": 3, "01007": 4}
}

func TestBuildGraph(t *testing.T) {
	g, err := BuildGraph(testEdges, testCountyIndex(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if g.N != 4 {
		t.Errorf("nodes: got %d, want 4", g.N)
	}
	if g.Edges != 2 {
		t.Errorf("edges: got %d, want 2", g.Edges)
	}
	if !g.Adjacent(1, 2) || !g.Adjacent(2, 1) {
		t.Error("edge 1-2 missing or asymmetric")
	}
	if g.Adjacent(1, 3) {
		t.Error("unexpected edge 1-3")
	}
	if got := g.Neighbors(2); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Errorf("neighbors of 2: got %v, want [1 3]", got)
	}
	if got := g.Neighbors(4); len(got) != 0 {
		t.Errorf("neighbors of isolated node: got %v, want none", got)
	}
	if got, want := g.ConnectivityRate(), 2.0/6.0; !closeTo(got, want, 1e-12) {
		t.Errorf("connectivity: got %g, want %g", got, want)
	}
}

func TestBuildGraphBadIndex(t *testing.T) {
	tests := []struct {
		name  string
		index map[string]int
	}{
		{"out of range", map[string]int{"01001": 1, "01003": 5}},
		{"duplicate", map[string]int{"01001": 1, "01003": 1}},
		{"empty", map[string]int{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := BuildGraph(testEdges, test.index, quietLogger()); err == nil {
				t.Error("want error")
			}
		})
	}
}

func TestGraphWriteFile(t *testing.T) {
	g, err := BuildGraph(testEdges, testCountyIndex(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "test.graph")
	if err := g.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "4\n1 1 2\n2 2 1 3\n3 1 2\n4 0\n"
	if string(b) != want {
		t.Errorf("graph file:\n%q\nwant:\n%q", string(b), want)
	}
}
