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
	"fmt"
	"os"

	"github.com/spatialmodel/epimap"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// BatchConfig unmarshals a viper configuration into a batch description.
// Unknown measure, estimate, model, kind, and spatial names fail here, at
// configuration-load time, rather than mid-run. The returned batch still
// needs a solver and a logger.
func BatchConfig(cfg *viper.Viper) (*epimap.Batch, error) {
	lags, err := cast.ToIntSliceE(cfg.Get("LagYears"))
	if err != nil {
		return nil, fmt.Errorf("epimap: reading 'LagYears': %v", err)
	}
	measures, err := measureTypes(cfg.GetStringSlice("MeasureTypes"))
	if err != nil {
		return nil, err
	}
	estimates, err := estimateTypes(cfg.GetStringSlice("EstimateTypes"))
	if err != nil {
		return nil, err
	}
	models, err := modelTypes(cfg.GetStringSlice("ModelTypes"))
	if err != nil {
		return nil, err
	}
	nonlinearModels, err := modelTypes(cfg.GetStringSlice("DoseResponse.NonLinearModels"))
	if err != nil {
		return nil, err
	}
	kind := epimap.ExposureKind(cfg.GetString("Exposure.Kind"))
	if err := kind.Valid(); err != nil {
		return nil, err
	}
	spatial := epimap.SpatialModel(cfg.GetString("Spatial.Model"))
	if err := spatial.Valid(); err != nil {
		return nil, err
	}

	exposures := make(map[epimap.MeasureType]string)
	if f := os.ExpandEnv(cfg.GetString("ExposureFile")); f != "" {
		exposures[epimap.MeasureWeight] = f
	}
	if f := os.ExpandEnv(cfg.GetString("ExposureDensityFile")); f != "" {
		exposures[epimap.MeasureDensity] = f
	}

	outputDir := os.ExpandEnv(cfg.GetString("OutputDir"))
	if err := checkOutputDir(outputDir); err != nil {
		return nil, err
	}

	return &epimap.Batch{
		Disease:         cfg.GetString("Disease"),
		Kind:            kind,
		EntityID:        cfg.GetInt("Exposure.ID"),
		EntityName:      cfg.GetString("Exposure.Name"),
		Measures:        measures,
		Estimates:       estimates,
		Lags:            lags,
		Models:          models,
		NonLinear:       cfg.GetBool("DoseResponse.NonLinear"),
		NonLinearModels: nonlinearModels,
		StartYear:       cfg.GetInt("StartYear"),
		EndYear:         cfg.GetInt("EndYear"),
		Bins:            cfg.GetInt("ExposureBins"),
		MinRecords:      cfg.GetInt("MinRecords"),
		MinCounties:     cfg.GetInt("MinCounties"),
		Spatial:         spatial,
		SolverOptions: epimap.SolverOptions{
			Threads:       cfg.GetInt("Solver.Threads"),
			MaxIterations: cfg.GetInt("Solver.MaxIterations"),
			ComputeWAIC:   cfg.GetBool("Solver.ComputeWAIC"),
		},
		MortalityFile:  os.ExpandEnv(cfg.GetString("MortalityFile")),
		ExposureFiles:  exposures,
		CovariateFile:  os.ExpandEnv(cfg.GetString("CovariateFile")),
		AdjacencyFile:  os.ExpandEnv(cfg.GetString("AdjacencyFile")),
		MappingFile:    os.ExpandEnv(cfg.GetString("MappingFile")),
		OutputDir:      outputDir,
		OutputTemplate: cfg.GetString("OutputTemplate"),
		AppendOutput:   cfg.GetBool("AppendOutput"),
		TempDir:        os.ExpandEnv(cfg.GetString("TempDir")),
	}, nil
}

func measureTypes(names []string) ([]epimap.MeasureType, error) {
	var out []epimap.MeasureType
	for _, n := range names {
		m := epimap.MeasureType(n)
		if err := m.Valid(); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func estimateTypes(names []string) ([]epimap.EstimateType, error) {
	var out []epimap.EstimateType
	for _, n := range names {
		e := epimap.EstimateType(n)
		if err := e.Valid(); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func modelTypes(names []string) ([]epimap.ModelType, error) {
	var out []epimap.ModelType
	for _, n := range names {
		m := epimap.ModelType(n)
		if err := m.Valid(); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// checkOutputDir makes sure the output directory exists, creating it if
// necessary.
func checkOutputDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("epimap: no output directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("epimap: creating output directory: %v", err)
	}
	return nil
}
