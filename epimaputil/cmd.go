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

// Package epimaputil binds the EpiMap batch analysis to a command-line
// interface, a configuration file, and environment variables.
package epimaputil

import (
	"fmt"

	"github.com/spatialmodel/epimap"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to EpiMap.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "dryrun",
			usage: `
              dryrun lists the combinations that would be fit, without
              reading any input panels or fitting anything.`,
			shorthand:  "n",
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Disease",
			usage: `
              Disease is the mortality outcome code, e.g. "C81-C96" for
              hematological cancers. It replaces the {disease} placeholder
              in MortalityFile and in the output filename template.`,
			defaultVal: "C81-C96",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Exposure.Kind",
			usage: `
              Exposure.Kind says whether the analysis targets a single
              active ingredient ("compound") or an aggregate category of
              ingredients ("category").`,
			defaultVal: "category",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Exposure.ID",
			usage: `
              Exposure.ID is the numeric identifier of the compound or
              category. It selects the column family in the exposure
              panels, e.g. compound 41 reads the chem41_* columns.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Exposure.Name",
			usage: `
              Exposure.Name is the display name for the exposure entity.
              It is only needed when no MappingFile is configured; with a
              mapping table the name is resolved from Exposure.ID.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "MeasureTypes",
			usage: `
              MeasureTypes lists how pesticide use is quantified: "Weight"
              is applied mass and "Density" is applied mass per unit of
              agricultural land area.`,
			defaultVal: []string{"Weight", "Density"},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "EstimateTypes",
			usage: `
              EstimateTypes lists which variants of the uncertain exposure
              estimate to analyze: a subset of "min", "avg", and "max".`,
			defaultVal: []string{"min", "avg", "max"},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "LagYears",
			usage: `
              LagYears lists the exposure lag windows in years. Each lag L
              averages the L most recent years of exposure ending at the
              analysis year.`,
			defaultVal: []int{5},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "ModelTypes",
			usage: `
              ModelTypes lists the covariate-adjustment variants to fit, a
              subset of {M0,M1,M2,M3}. M0 adjusts only for the spatial and
              temporal random effects, M1 adds the socioeconomic index, M2
              adds the climate factors, and M3 adds all covariates.`,
			defaultVal: []string{"M0", "M1", "M2", "M3"},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "DoseResponse.NonLinear",
			usage: `
              DoseResponse.NonLinear adds a binned nonlinear dose-response
              fit after the linear one for each model variant listed in
              DoseResponse.NonLinearModels.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "DoseResponse.NonLinearModels",
			usage: `
              DoseResponse.NonLinearModels lists the model variants that
              get a nonlinear dose-response fit when
              DoseResponse.NonLinear is true.`,
			defaultVal: []string{"M3"},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "StartYear",
			usage: `
              StartYear is the first year of the analysis period. The
              first modeled year is StartYear+lag-1 so every record has a
              full exposure window.`,
			defaultVal: 1999,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "EndYear",
			usage: `
              EndYear is the last year of the analysis period, inclusive.`,
			defaultVal: 2020,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "ExposureBins",
			usage: `
              ExposureBins is the number of equal-width bins the
              standardized log-exposure is partitioned into for nonlinear
              dose-response fits.`,
			defaultVal: epimap.DefaultExposureBins,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "MinRecords",
			usage: `
              MinRecords is the minimum number of county-year records an
              assembled analysis table must have; smaller tables produce a
              failure row instead of a fit.`,
			defaultVal: epimap.DefaultMinRecords,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "MinCounties",
			usage: `
              MinCounties is the minimum number of distinct counties an
              assembled analysis table must cover; smaller tables produce
              a failure row instead of a fit.`,
			defaultVal: epimap.DefaultMinCounties,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Spatial.Model",
			usage: `
              Spatial.Model selects the county main-effect family: "iid"
              for an exchangeable effect, "besag" for the intrinsic
              autoregressive effect on the adjacency graph, or "bym" for
              their sum.`,
			defaultVal: "iid",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Solver.Threads",
			usage: `
              Solver.Threads is the number of worker goroutines the solver
              may use for its internal numerics.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Solver.MaxIterations",
			usage: `
              Solver.MaxIterations bounds the inner mode-finding
              iterations per hyperparameter evaluation. 0 means the solver
              default.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Solver.ComputeWAIC",
			usage: `
              Solver.ComputeWAIC computes the WAIC alongside the DIC. It
              costs one linear solve per record and can be disabled for
              large batches.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "MortalityFile",
			usage: `
              MortalityFile is the path to the mortality panel with
              columns county_id, year, deaths, population. It may contain
              a {disease} placeholder and environment variables.`,
			defaultVal: "mortality_{disease}.csv",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "ExposureFile",
			usage: `
              ExposureFile is the path to the applied-mass exposure panel
              (wide format, one column family per entity and estimate).
              The path can include environment variables.`,
			defaultVal: "exposure_weight.csv",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "ExposureDensityFile",
			usage: `
              ExposureDensityFile is the path to the per-area exposure
              panel, used when MeasureTypes includes "Density". The path
              can include environment variables.`,
			defaultVal: "exposure_density.csv",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "CovariateFile",
			usage: `
              CovariateFile is the path to the county-year covariate panel
              with the socioeconomic and climate columns. If it is empty,
              the covariate-adjusted variants drop their adjustments with
              a warning.`,
			defaultVal: "covariates.csv",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "AdjacencyFile",
			usage: `
              AdjacencyFile is the path to the county adjacency edge list
              with columns county_from, county_to.`,
			defaultVal: "county_adjacency.csv",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "MappingFile",
			usage: `
              MappingFile is the path to the compound-category mapping
              table used to resolve exposure display names. If it is
              empty, Exposure.Name is used directly.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "OutputDir",
			usage: `
              OutputDir is the directory results are written into. It is
              created if it does not exist and can include environment
              variables.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "OutputTemplate",
			usage: `
              OutputTemplate names the output file inside OutputDir, with
              {disease}, {exposure}, and {timestamp} placeholders. Empty
              means "` + epimap.DefaultOutputTemplate + `".`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "AppendOutput",
			usage: `
              AppendOutput continues an existing output file instead of
              starting a fresh one per run.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "LogFile",
			usage: `
              LogFile is the path to the desired logfile location. If it
              is empty, logs go to standard error only.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "TempDir",
			usage: `
              TempDir is where per-combination solver working directories
              are created. It should be local storage, not a network
              mount. Empty means the system default.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("EPIMAP")
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case []int:
				if option.shorthand == "" {
					set.IntSlice(option.name, option.defaultVal.([]int), option.usage)
				} else {
					set.IntSliceP(option.name, option.shorthand, option.defaultVal.([]int), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("epimap: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "epimap",
	Short: "A county-level exposure-mortality association model.",
	Long: `EpiMap estimates associations between county-level pesticide exposure
and cancer mortality using Bayesian spatio-temporal regression. It iterates
a configured cross-product of exposure measures, estimate variants, lag
windows, and covariate-adjustment models, fits each combination with an
embedded Laplace-approximation solver, and appends one result row per
combination to a delimited output file.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the format
'EPIMAP_var' where 'var' is the name of the variable to be set. Many
configuration variables are additionally allowed to contain environment
variables within them.
Refer to https://github.com/spf13/viper for additional configuration
information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of EpiMap.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("EpiMap v%s\n", epimap.Version)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the batch analysis.",
	Long: `run fits every configured combination of measure, estimate, lag, and
model variant for one exposure entity and one disease, appending a result
row per combination to the output file as it goes. A failed combination
becomes a failure row; it never stops the batch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Run(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}
