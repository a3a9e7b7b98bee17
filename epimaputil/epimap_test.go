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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunDryRun(t *testing.T) {
	dir := t.TempDir()
	Cfg.Set("dryrun", true)
	defer Cfg.Set("dryrun", false)
	Cfg.Set("Exposure.Kind", "category")
	Cfg.Set("Exposure.ID", 7)
	Cfg.Set("Exposure.Name", "Herbicide")
	Cfg.Set("OutputDir", dir)
	Cfg.Set("LogFile", filepath.Join(dir, "epimap.log"))
	defer Cfg.Set("LogFile", "")

	if err := Run(context.Background(), Cfg); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "results") {
			t.Errorf("dry run wrote %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "epimap.log")); err != nil {
		t.Errorf("log file was not created: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	log, closeLog, err := newLogger("")
	if err != nil {
		t.Fatal(err)
	}
	closeLog()
	if log == nil {
		t.Fatal("no logger returned")
	}

	if _, _, err := newLogger(filepath.Join(t.TempDir(), "no", "such", "dir", "x.log")); err == nil {
		t.Error("expected an error for an uncreatable log file")
	}
}
