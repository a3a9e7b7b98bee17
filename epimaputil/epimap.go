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
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/epimap/laplace"
	"github.com/spf13/viper"
)

// Run executes the batch analysis described by the configuration. It is
// the work behind the run subcommand: it builds the batch, wires in the
// embedded Laplace solver and a logger, and runs every combination.
func Run(ctx context.Context, cfg *viper.Viper) error {
	log, closeLog, err := newLogger(os.ExpandEnv(cfg.GetString("LogFile")))
	if err != nil {
		return err
	}
	defer closeLog()

	b, err := BatchConfig(cfg)
	if err != nil {
		return err
	}
	b.Log = log
	b.DryRun = cfg.GetBool("dryrun")
	if !b.DryRun {
		b.Solver = &laplace.Solver{Log: log}
	}
	_, err = b.Run(ctx)
	return err
}

// newLogger returns a logger writing to standard error and, if logFile is
// not empty, to the file as well. The returned function closes the file.
func newLogger(logFile string) (*logrus.Logger, func(), error) {
	log := logrus.New()
	if logFile == "" {
		return log, func() {}, nil
	}
	f, err := os.Create(logFile)
	if err != nil {
		return nil, nil, fmt.Errorf("epimap: creating log file: %v", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return log, func() { f.Close() }, nil
}
