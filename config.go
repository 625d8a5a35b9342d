// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config collects every tunable analysis parameter in one place, so a
// whole run is reproducible from a single JSON file plus the input
// directories. Flags override file values.
type Config struct {
	// Random seed for clustering and k-means initialization.
	Seed int64

	// Expected hashtag sample names, in hashtag row order. When
	// empty, names are taken from the hashtag feature list.
	SampleNames []string

	// Demultiplexing: a cell is called positive for a hashtag when
	// its count exceeds this quantile of the background cluster.
	PositiveQuantile float64

	// Demultiplexing by iterative threshold search (auxiliary
	// method): quantile sweep range, step, and iteration cap.
	ThresholdQuantileLow  float64
	ThresholdQuantileHigh float64
	ThresholdQuantileStep float64
	ThresholdMaxIter      int

	// Gene name prefix identifying mitochondrial transcripts.
	MitoPrefix string

	// Cells with a higher mitochondrial fraction are dropped.
	MaxMitoFrac float64

	// Per-cell total is rescaled to this factor before log1p.
	ScaleFactor float64

	// Number of highly variable genes retained for scaling and PCA.
	VariableGenes int

	// Number of principal components to fit, and the number of
	// leading components used by UMAP and clustering (the elbow
	// choice).
	PCAComponents  int
	UsedComponents int

	// UMAP layout parameters.
	UMAPSeed      int64
	UMAPNeighbors int
	UMAPEpochs    int

	// Nearest-neighbor graph size for clustering.
	Neighbors int

	// Community detection granularity; each resolution is stored as
	// its own label set.
	Resolutions []float64

	// Differential expression gates: minimum fraction of expressing
	// cells in either group, and minimum |log2 fold-change|.
	MinPct    float64
	MinLog2FC float64

	// Multiple-testing correction: "bonferroni" or "BH".
	PAdjust string
}

func DefaultConfig() Config {
	return Config{
		Seed:                  1,
		PositiveQuantile:      0.99,
		ThresholdQuantileLow:  0.1,
		ThresholdQuantileHigh: 0.9,
		ThresholdQuantileStep: 0.05,
		ThresholdMaxIter:      5,
		MitoPrefix:            "MT-",
		MaxMitoFrac:           0.10,
		ScaleFactor:           1e4,
		VariableGenes:         2000,
		PCAComponents:         50,
		UsedComponents:        20,
		UMAPSeed:              42,
		UMAPNeighbors:         30,
		UMAPEpochs:            200,
		Neighbors:             20,
		Resolutions:           []float64{0.5},
		MinPct:                0.1,
		MinLog2FC:             0.25,
		PAdjust:               "bonferroni",
	}
}

// Flags binds every parameter to the given flag set. Combined with
// LoadFile this gives flag-overrides-file precedence: parse, load the
// file, then re-apply the flags that were set explicitly.
func (c *Config) Flags(flags *flag.FlagSet) {
	flags.Int64Var(&c.Seed, "seed", c.Seed, "random `seed` for clustering and demultiplexing")
	flags.Var((*stringList)(&c.SampleNames), "sample-names", "comma-separated hashtag sample `names`")
	flags.Float64Var(&c.PositiveQuantile, "positive-quantile", c.PositiveQuantile, "background `quantile` above which a hashtag count is positive")
	flags.Float64Var(&c.ThresholdQuantileLow, "threshold-quantile-low", c.ThresholdQuantileLow, "lower bound of the auxiliary threshold sweep")
	flags.Float64Var(&c.ThresholdQuantileHigh, "threshold-quantile-high", c.ThresholdQuantileHigh, "upper bound of the auxiliary threshold sweep")
	flags.Float64Var(&c.ThresholdQuantileStep, "threshold-quantile-step", c.ThresholdQuantileStep, "step of the auxiliary threshold sweep")
	flags.IntVar(&c.ThresholdMaxIter, "threshold-max-iter", c.ThresholdMaxIter, "iteration cap for the auxiliary threshold search")
	flags.StringVar(&c.MitoPrefix, "mito-prefix", c.MitoPrefix, "gene name `prefix` of mitochondrial transcripts")
	flags.Float64Var(&c.MaxMitoFrac, "max-mito", c.MaxMitoFrac, "drop cells with mitochondrial fraction above `F`")
	flags.Float64Var(&c.ScaleFactor, "scale-factor", c.ScaleFactor, "per-cell total after normalization")
	flags.IntVar(&c.VariableGenes, "variable-genes", c.VariableGenes, "number of highly variable genes to keep")
	flags.IntVar(&c.PCAComponents, "pca-components", c.PCAComponents, "number of principal components to fit")
	flags.IntVar(&c.UsedComponents, "use-components", c.UsedComponents, "number of leading components used downstream")
	flags.Int64Var(&c.UMAPSeed, "umap-seed", c.UMAPSeed, "random `seed` for the UMAP layout")
	flags.IntVar(&c.UMAPNeighbors, "umap-neighbors", c.UMAPNeighbors, "neighborhood size of the UMAP graph")
	flags.IntVar(&c.UMAPEpochs, "umap-epochs", c.UMAPEpochs, "UMAP optimization epochs")
	flags.IntVar(&c.Neighbors, "neighbors", c.Neighbors, "nearest-neighbor graph size for clustering")
	flags.Var((*floatList)(&c.Resolutions), "resolution", "comma-separated clustering `resolutions`")
	flags.Float64Var(&c.MinPct, "min-pct", c.MinPct, "test genes detected in at least this `fraction` of either group")
	flags.Float64Var(&c.MinLog2FC, "min-log2fc", c.MinLog2FC, "test genes with at least this absolute log2 fold-change")
	flags.StringVar(&c.PAdjust, "p-adjust", c.PAdjust, "multiple-testing correction (bonferroni or BH)")
}

func (c *Config) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, c)
}

func (c *Config) Check() error {
	switch {
	case c.PositiveQuantile <= 0 || c.PositiveQuantile >= 1:
		return &ParameterError{"positive-quantile", c.PositiveQuantile, "must be in (0, 1)"}
	case c.MaxMitoFrac < 0 || c.MaxMitoFrac > 1:
		return &ParameterError{"max-mito", c.MaxMitoFrac, "must be in [0, 1]"}
	case c.ScaleFactor <= 0:
		return &ParameterError{"scale-factor", c.ScaleFactor, "must be positive"}
	case c.VariableGenes <= 0:
		return &ParameterError{"variable-genes", c.VariableGenes, "must be positive"}
	case c.PCAComponents <= 0:
		return &ParameterError{"pca-components", c.PCAComponents, "must be positive"}
	case c.UsedComponents <= 0 || c.UsedComponents > c.PCAComponents:
		return &ParameterError{"use-components", c.UsedComponents, "must be in [1, pca-components]"}
	case c.UMAPNeighbors < 2:
		return &ParameterError{"umap-neighbors", c.UMAPNeighbors, "must be at least 2"}
	case c.UMAPEpochs <= 0:
		return &ParameterError{"umap-epochs", c.UMAPEpochs, "must be positive"}
	case c.Neighbors < 2:
		return &ParameterError{"neighbors", c.Neighbors, "must be at least 2"}
	case c.MinPct < 0 || c.MinPct > 1:
		return &ParameterError{"min-pct", c.MinPct, "must be in [0, 1]"}
	case c.MinLog2FC < 0:
		return &ParameterError{"min-log2fc", c.MinLog2FC, "must be non-negative"}
	case c.PAdjust != "bonferroni" && c.PAdjust != "BH":
		return &ParameterError{"p-adjust", c.PAdjust, "must be bonferroni or BH"}
	case c.ThresholdQuantileLow <= 0 || c.ThresholdQuantileHigh >= 1 || c.ThresholdQuantileLow > c.ThresholdQuantileHigh:
		return &ParameterError{"threshold-quantile", fmt.Sprintf("%v..%v", c.ThresholdQuantileLow, c.ThresholdQuantileHigh), "must satisfy 0 < low <= high < 1"}
	case c.ThresholdQuantileStep <= 0:
		return &ParameterError{"threshold-quantile-step", c.ThresholdQuantileStep, "must be positive"}
	case c.ThresholdMaxIter <= 0:
		return &ParameterError{"threshold-max-iter", c.ThresholdMaxIter, "must be positive"}
	}
	for _, res := range c.Resolutions {
		if res <= 0 {
			return &ParameterError{"resolution", res, "must be positive"}
		}
	}
	return nil
}

// applyConfigFile loads parameters from a JSON file and then re-applies
// any flags given explicitly on the command line, so flags win.
func applyConfigFile(flags *flag.FlagSet, c *Config, path string) error {
	if path == "" {
		return nil
	}
	// remember the explicit flag values before the file overwrites
	// the variables they are bound to
	given := map[string]string{}
	flags.Visit(func(f *flag.Flag) { given[f.Name] = f.Value.String() })
	if err := c.LoadFile(path); err != nil {
		return err
	}
	var err error
	for name, value := range given {
		if e := flags.Set(name, value); e != nil && err == nil {
			err = e
		}
	}
	return err
}

type floatList []float64

func (f *floatList) String() string {
	parts := make([]string, len(*f))
	for i, v := range *f {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (f *floatList) Set(s string) error {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	*f = out
	return nil
}

type stringList []string

func (f *stringList) String() string { return strings.Join(*f, ",") }

func (f *stringList) Set(s string) error {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	*f = out
	return nil
}
