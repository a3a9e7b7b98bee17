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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ctessum/requestcache"
	"github.com/sirupsen/logrus"
)

// DefaultOutputTemplate names the output file when no template is
// configured.
const DefaultOutputTemplate = "results_{disease}_{exposure}_{timestamp}.csv"

// Batch runs the full model cross-product for one exposure entity: every
// combination of measure, estimate, lag, model variant, and dose-response
// mode, each producing exactly one output row. Failures are contained per
// combination; only filesystem setup problems abort the run.
type Batch struct {
	// Disease is the mortality outcome code, e.g. "C81-C96". It selects
	// the mortality panel and labels the output.
	Disease string

	// Kind and EntityID select the exposure column family, e.g. compound
	// 41 reads the chem41_* columns. EntityName overrides the display
	// name when no mapping table is configured.
	Kind       ExposureKind
	EntityID   int
	EntityName string

	Measures  []MeasureType
	Estimates []EstimateType
	Lags      []int
	Models    []ModelType

	// NonLinear adds a nonlinear dose-response fit after the linear one
	// for each model variant listed in NonLinearModels.
	NonLinear       bool
	NonLinearModels []ModelType

	StartYear, EndYear int

	// Bins, MinRecords, and MinCounties configure the assembler. Zero
	// means the package defaults.
	Bins                    int
	MinRecords, MinCounties int

	// Spatial selects the county main-effect family. Empty means IID.
	Spatial SpatialModel

	Solver        Solver
	SolverOptions SolverOptions

	// MortalityFile may contain a {disease} placeholder. ExposureFiles
	// maps each configured measure to its panel.
	MortalityFile string
	ExposureFiles map[MeasureType]string
	CovariateFile string
	AdjacencyFile string
	MappingFile   string

	OutputDir      string
	OutputTemplate string
	// AppendOutput continues an existing output file instead of starting
	// a fresh one per run.
	AppendOutput bool

	// TempDir is where solver working directories are created. Empty
	// means the system default.
	TempDir string

	// DryRun enumerates and logs the combinations without reading panels
	// or fitting anything.
	DryRun bool

	// Log receives progress lines. If it is nil, the standard logger is
	// used.
	Log logrus.FieldLogger
}

// BatchSummary is the outcome of one batch run.
type BatchSummary struct {
	Attempted, Succeeded, Failed int
	Failures                     []FailureRecord
	Elapsed                      time.Duration
	OutputPath                   string
}

// FailureRecord identifies one failed combination for the closing report.
type FailureRecord struct {
	Combo   Combination
	Stage   FailureStage
	Message string
}

// batchInputs holds the loaded input panels for one run.
type batchInputs struct {
	mortality  *Table
	covariates *Table
	edges      []Edge
	exposures  map[MeasureType]map[EstimateType]*Table
}

// assembleRequest keys one assembled dataset. Model variant and dose mode
// are deliberately absent: one dataset serves all of them.
type assembleRequest struct {
	measure  MeasureType
	estimate EstimateType
	lag      int
}

// Validate checks the batch configuration, failing fast on anything that
// would otherwise surface as a confusing mid-run error.
func (b *Batch) Validate() error {
	if b.Disease == "" {
		return fmt.Errorf("epimap: no disease configured")
	}
	if b.Kind.Valid() != nil {
		return fmt.Errorf("epimap: invalid exposure kind %q", string(b.Kind))
	}
	if b.EntityID < 1 {
		return fmt.Errorf("epimap: exposure entity ID %d is not positive", b.EntityID)
	}
	if b.MappingFile == "" && b.EntityName == "" {
		return fmt.Errorf("epimap: no mapping table and no explicit exposure name")
	}
	if len(b.Measures) == 0 {
		return fmt.Errorf("epimap: no measure types configured")
	}
	for _, m := range b.Measures {
		if m.Valid() != nil {
			return fmt.Errorf("epimap: invalid measure type %q", string(m))
		}
		if b.ExposureFiles[m] == "" {
			return fmt.Errorf("epimap: no exposure panel configured for measure %s", m)
		}
	}
	if len(b.Estimates) == 0 {
		return fmt.Errorf("epimap: no estimate types configured")
	}
	for _, e := range b.Estimates {
		if e.Valid() != nil {
			return fmt.Errorf("epimap: invalid estimate type %q", string(e))
		}
	}
	if len(b.Lags) == 0 {
		return fmt.Errorf("epimap: no lag years configured")
	}
	for _, lag := range b.Lags {
		if lag < 1 {
			return fmt.Errorf("epimap: lag %d is less than 1 year", lag)
		}
	}
	if len(b.Models) == 0 {
		return fmt.Errorf("epimap: no model variants configured")
	}
	for _, m := range b.Models {
		if m.Valid() != nil {
			return fmt.Errorf("epimap: invalid model variant %q", string(m))
		}
	}
	for _, m := range b.NonLinearModels {
		if m.Valid() != nil {
			return fmt.Errorf("epimap: invalid nonlinear model variant %q", string(m))
		}
	}
	if b.StartYear < 1 || b.EndYear < b.StartYear {
		return fmt.Errorf("epimap: invalid year range %d-%d", b.StartYear, b.EndYear)
	}
	if b.Spatial != "" && b.Spatial.Valid() != nil {
		return fmt.Errorf("epimap: invalid spatial model %q", string(b.Spatial))
	}
	if b.MortalityFile == "" {
		return fmt.Errorf("epimap: no mortality panel configured")
	}
	if b.AdjacencyFile == "" {
		return fmt.Errorf("epimap: no adjacency reference configured")
	}
	if !b.DryRun && b.Solver == nil {
		return fmt.Errorf("epimap: no solver configured")
	}
	return nil
}

// combinations enumerates the cross-product in the deterministic output
// order: measure, then estimate, then lag, then model, with the nonlinear
// repeat of a model directly after its linear fit.
func (b *Batch) combinations() []Combination {
	nonlinear := make(map[ModelType]bool, len(b.NonLinearModels))
	if b.NonLinear {
		for _, m := range b.NonLinearModels {
			nonlinear[m] = true
		}
	}
	var combos []Combination
	for _, measure := range b.Measures {
		for _, estimate := range b.Estimates {
			for _, lag := range b.Lags {
				for _, model := range b.Models {
					combos = append(combos, Combination{
						Measure: measure, Estimate: estimate,
						LagYears: lag, Model: model, Dose: Linear,
					})
					if nonlinear[model] {
						combos = append(combos, Combination{
							Measure: measure, Estimate: estimate,
							LagYears: lag, Model: model, Dose: NonLinear,
						})
					}
				}
			}
		}
	}
	return combos
}

// Run executes the batch. The returned summary is also logged. Errors
// abort the run only for setup problems, cancellation, or an unwritable
// output file; per-combination failures become failure rows.
func (b *Batch) Run(ctx context.Context) (*BatchSummary, error) {
	log := b.logger()
	start := time.Now()
	if err := b.Validate(); err != nil {
		return nil, err
	}

	var entries []MappingEntry
	if b.MappingFile != "" {
		var err error
		if entries, err = ReadMappingFile(b.MappingFile); err != nil {
			return nil, err
		}
	}
	name, category, err := b.entity(entries)
	if err != nil {
		return nil, err
	}

	combos := b.combinations()
	outPath := OutputPath(b.OutputDir, b.outputTemplate(), b.Disease, name, start)
	log.WithFields(logrus.Fields{
		"disease":      b.Disease,
		"exposure":     name,
		"category":     category,
		"combinations": len(combos),
		"output":       outPath,
	}).Info("starting batch")

	if b.DryRun {
		for _, combo := range combos {
			log.WithField("combination", combo.String()).Info("dry run: would fit")
		}
		return &BatchSummary{Elapsed: time.Since(start), OutputPath: outPath}, nil
	}

	inputs, err := b.loadInputs()
	if err != nil {
		return nil, err
	}

	writer, err := NewResultWriter(outPath, b.AppendOutput)
	if err != nil {
		return nil, err
	}
	writer.Log = log
	defer writer.Close()

	fitter := &Fitter{
		Solver:  b.Solver,
		Options: b.SolverOptions,
		Edges:   inputs.edges,
		Spatial: b.Spatial,
		TempDir: b.TempDir,
		Log:     log,
	}
	cache := b.newDatasetCache(inputs)

	summary := &BatchSummary{OutputPath: outPath}
	for _, combo := range combos {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		comboStart := time.Now()
		row, fitErr := b.runOne(ctx, cache, fitter, combo, name, category)
		if err := writer.Write(row); err != nil {
			return summary, err
		}
		summary.Attempted++
		elapsed := time.Since(comboStart).Round(time.Millisecond)
		if row.Succeeded() {
			summary.Succeeded++
			log.WithFields(logrus.Fields{
				"combination": combo.String(),
				"rr_p90_p10":  fmt.Sprintf("%.3f", row.Effects.RRP90P10),
				"p":           FormatPValue(row.Effects.PValue),
				"dic":         fmt.Sprintf("%.1f", row.DIC),
				"elapsed":     elapsed,
			}).Info("combination succeeded")
			continue
		}
		summary.Failed++
		stage := StageOf(fitErr)
		summary.Failures = append(summary.Failures, FailureRecord{
			Combo: combo, Stage: stage, Message: row.Status,
		})
		log.WithFields(logrus.Fields{
			"combination": combo.String(),
			"stage":       string(stage),
			"elapsed":     elapsed,
		}).Warn(row.Status)
	}
	summary.Elapsed = time.Since(start)
	b.logSummary(log, summary)
	return summary, nil
}

// runOne takes one combination from dataset to result row. The returned
// error reports the failure stage and is already reflected in the row.
func (b *Batch) runOne(ctx context.Context, cache *requestcache.Cache, fitter *Fitter,
	combo Combination, name, category string) (*ResultRow, error) {
	now := time.Now()
	d, err := b.dataset(ctx, cache, combo)
	if err != nil {
		return NewFailureRow(now, b.Disease, name, category, combo, err), err
	}
	res, _, err := fitter.Fit(ctx, d, combo)
	if err != nil {
		return NewFailureRow(now, b.Disease, name, category, combo, err), err
	}
	effects, err := ExtractEffects(res, combo.Dose)
	if err != nil {
		return NewFailureRow(now, b.Disease, name, category, combo, err), err
	}
	return NewSuccessRow(now, b.Disease, name, category, combo,
		effects, res, d.NCounties(), d.NRecords()), nil
}

// dataset fetches the assembled dataset for a combination through the
// cache, so the model variants sharing one (measure, estimate, lag) reuse
// a single assembly.
func (b *Batch) dataset(ctx context.Context, cache *requestcache.Cache, combo Combination) (*Dataset, error) {
	req := assembleRequest{measure: combo.Measure, estimate: combo.Estimate, lag: combo.LagYears}
	key := fmt.Sprintf("dataset_%s_%s_lag%d",
		strings.ToLower(string(req.measure)), string(req.estimate), req.lag)
	result, err := cache.NewRequest(ctx, req, key).Result()
	if err != nil {
		return nil, err
	}
	return result.(*Dataset), nil
}

func (b *Batch) newDatasetCache(inputs *batchInputs) *requestcache.Cache {
	log := b.logger()
	process := func(ctx context.Context, payload interface{}) (interface{}, error) {
		req := payload.(assembleRequest)
		exposure := inputs.exposures[req.measure][req.estimate]
		if exposure == nil {
			return nil, failf(FailData, "no exposure panel loaded for %s/%s", req.measure, req.estimate)
		}
		asm := &Assembler{
			StartYear:   b.StartYear,
			EndYear:     b.EndYear,
			MinRecords:  b.MinRecords,
			MinCounties: b.MinCounties,
			Bins:        b.Bins,
			Log:         log,
		}
		d, err := asm.Assemble(inputs.mortality, exposure, inputs.covariates, req.lag)
		if err != nil {
			return nil, err
		}
		b.logDataset(log, req, d)
		return d, nil
	}
	entries := len(b.Measures) * len(b.Estimates) * len(b.Lags)
	if entries < 1 {
		entries = 1
	}
	return requestcache.NewCache(process, 1, requestcache.Deduplicate(), requestcache.Memory(entries))
}

// logDataset reports the assembled dataset with descriptive exposure
// statistics from the outlier-cleaned column.
func (b *Batch) logDataset(log logrus.FieldLogger, req assembleRequest, d *Dataset) {
	q := ExposureQuantiles(d.Table, ColExposureClean, []float64{0.1, 0.5, 0.9})
	log.WithFields(logrus.Fields{
		"measure":      req.measure,
		"estimate":     req.estimate,
		"lag":          req.lag,
		"records":      d.NRecords(),
		"counties":     d.NCounties(),
		"outliers":     d.Exposure.Outliers,
		"exposure_p10": fmt.Sprintf("%.4g", q[0.1]),
		"exposure_p50": fmt.Sprintf("%.4g", q[0.5]),
		"exposure_p90": fmt.Sprintf("%.4g", q[0.9]),
	}).Info("assembled analysis dataset")
}

func (b *Batch) loadInputs() (*batchInputs, error) {
	log := b.logger()
	in := &batchInputs{exposures: make(map[MeasureType]map[EstimateType]*Table)}

	mortalityPath := strings.ReplaceAll(b.MortalityFile, "{disease}", b.Disease)
	var err error
	if in.mortality, err = ReadMortalityFile(mortalityPath); err != nil {
		return nil, err
	}

	if b.CovariateFile == "" {
		log.Warn("epimap: no covariate panel configured; adjusted models will drop their covariates")
	} else if in.covariates, err = ReadCovariatesFile(b.CovariateFile); err != nil {
		return nil, err
	}

	if in.edges, err = ReadAdjacencyFile(b.AdjacencyFile); err != nil {
		return nil, err
	}

	for _, measure := range b.Measures {
		in.exposures[measure] = make(map[EstimateType]*Table, len(b.Estimates))
		for _, estimate := range b.Estimates {
			t, err := ReadExposureFile(b.ExposureFiles[measure], b.Kind, b.EntityID, estimate)
			if err != nil {
				return nil, err
			}
			in.exposures[measure][estimate] = t
		}
	}
	return in, nil
}

// entity resolves the display and category names for the configured
// exposure entity.
func (b *Batch) entity(entries []MappingEntry) (name, category string, err error) {
	if len(entries) > 0 {
		return ResolveEntity(entries, b.Kind, b.EntityID)
	}
	if b.EntityName == "" {
		return "", "", fmt.Errorf("epimap: no mapping table and no explicit exposure name")
	}
	if b.Kind == KindCategory {
		return b.EntityName, b.EntityName, nil
	}
	return b.EntityName, "", nil
}

func (b *Batch) outputTemplate() string {
	if b.OutputTemplate == "" {
		return DefaultOutputTemplate
	}
	return b.OutputTemplate
}

func (b *Batch) logSummary(log logrus.FieldLogger, s *BatchSummary) {
	rate := 0.0
	if s.Attempted > 0 {
		rate = 100 * float64(s.Succeeded) / float64(s.Attempted)
	}
	log.WithFields(logrus.Fields{
		"attempted":    s.Attempted,
		"succeeded":    s.Succeeded,
		"failed":       s.Failed,
		"success_rate": fmt.Sprintf("%.1f%%", rate),
		"elapsed":      s.Elapsed.Round(time.Millisecond),
		"output":       s.OutputPath,
	}).Info("batch finished")
	for _, f := range s.Failures {
		log.WithFields(logrus.Fields{
			"combination": f.Combo.String(),
			"stage":       string(f.Stage),
		}).Warn(f.Message)
	}
}

func (b *Batch) logger() logrus.FieldLogger {
	if b.Log != nil {
		return b.Log
	}
	return logrus.StandardLogger()
}
