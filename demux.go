// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// clrNormalize returns the centered log-ratio transform of one hashtag
// row: log1p of each count minus the mean log1p across cells.
func clrNormalize(counts []float64) []float64 {
	out := make([]float64, len(counts))
	mean := 0.0
	for i, v := range counts {
		out[i] = math.Log1p(v)
		mean += out[i]
	}
	mean /= float64(len(counts))
	for i := range out {
		out[i] -= mean
	}
	return out
}

// kmeans2 splits one-dimensional values into two clusters, initialized
// at the extremes so the result is deterministic. It returns per-value
// assignments and the index of the lower-mean (background) cluster.
func kmeans2(values []float64) (assign []int, background int) {
	assign = make([]int, len(values))
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		return assign, 0
	}
	centers := [2]float64{lo, hi}
	for iter := 0; iter < 100; iter++ {
		moved := false
		var sum, n [2]float64
		for i, v := range values {
			k := 0
			if math.Abs(v-centers[1]) < math.Abs(v-centers[0]) {
				k = 1
			}
			if assign[i] != k {
				assign[i] = k
				moved = true
			}
			sum[k] += v
			n[k]++
		}
		for k := range centers {
			if n[k] > 0 {
				centers[k] = sum[k] / n[k]
			}
		}
		if !moved && iter > 0 {
			break
		}
	}
	if centers[1] < centers[0] {
		background = 1
	}
	return assign, background
}

// quantile returns the q-th empirical quantile of values.
func quantile(q float64, values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}

// DemuxHTO assigns every cell a sample-of-origin label from its
// hashtag counts. Per tag, cells are CLR-normalized and split by
// 2-means into background and signal; a cell is positive for the tag
// when its raw count exceeds the positive-quantile cutoff of the
// background cluster. Exactly one positive tag makes a singlet,
// several a Doublet, none a Negative.
func DemuxHTO(ds *Dataset, cfg Config) error {
	if ds.HTO == nil {
		return errors.New("demux: no hashtag matrix in snapshot (import with -hto)")
	}
	names := ds.HTONames
	if len(cfg.SampleNames) > 0 {
		if len(cfg.SampleNames) != len(names) {
			return &ParameterError{"sample-names", cfg.SampleNames, fmt.Sprintf("expected %d names, one per hashtag", len(names))}
		}
		names = cfg.SampleNames
	}

	ncells := ds.NCells()
	positive := make([][]bool, len(names))
	for t := range names {
		counts := ds.HTO.Row(t)
		clr := clrNormalize(counts)
		assign, bg := kmeans2(clr)
		var bgCounts []float64
		for i, a := range assign {
			if a == bg {
				bgCounts = append(bgCounts, counts[i])
			}
		}
		cutoff := quantile(cfg.PositiveQuantile, bgCounts)
		pos := make([]bool, ncells)
		npos := 0
		for i, v := range counts {
			if v > cutoff {
				pos[i] = true
				npos++
			}
		}
		positive[t] = pos
		log.Printf("demux: %s cutoff %.1f, %d positive cells", names[t], cutoff, npos)
	}

	ds.SampleLabel = classify(positive, names)
	counts := map[string]int{}
	for _, l := range ds.SampleLabel {
		counts[l]++
	}
	log.Printf("demux: %v", counts)
	ds.stamp("demux", cfg.PositiveQuantile, names)
	return nil
}

// classify turns per-tag positivity into labels: exactly one positive
// tag names the cell's sample, several is a Doublet, none a Negative.
func classify(positive [][]bool, names []string) []string {
	ncells := len(positive[0])
	labels := make([]string, ncells)
	for i := 0; i < ncells; i++ {
		labels[i] = LabelNegative
		hits := 0
		for t := range positive {
			if positive[t][i] {
				hits++
				if hits == 1 {
					labels[i] = names[t]
				}
			}
		}
		if hits > 1 {
			labels[i] = LabelDoublet
		}
	}
	return labels
}

// DemuxByThreshold is the auxiliary iterative threshold search. It
// sweeps a quantile range over the CLR values, keeps the quantile that
// maximizes singlets, removes negatives from the fitting set, and
// repeats up to the iteration cap. Its labels are reported for
// comparison only; DemuxHTO remains authoritative.
func DemuxByThreshold(ds *Dataset, cfg Config) ([]string, error) {
	if ds.HTO == nil {
		return nil, errors.New("demux: no hashtag matrix in snapshot (import with -hto)")
	}
	names := ds.HTONames
	if len(cfg.SampleNames) == len(names) {
		names = cfg.SampleNames
	}
	ncells := ds.NCells()
	clr := make([][]float64, len(names))
	for t := range names {
		clr[t] = clrNormalize(ds.HTO.Row(t))
	}

	fitting := make([]bool, ncells)
	for i := range fitting {
		fitting[i] = true
	}
	var labels []string
	for iter := 0; iter < cfg.ThresholdMaxIter; iter++ {
		bestQ, bestSinglets := 0.0, -1
		for q := cfg.ThresholdQuantileLow; q <= cfg.ThresholdQuantileHigh+1e-9; q += cfg.ThresholdQuantileStep {
			singlets := countSinglets(clr, fitting, q)
			if singlets > bestSinglets {
				bestQ, bestSinglets = q, singlets
			}
		}
		positive := thresholdPositive(clr, fitting, bestQ)
		labels = classify(positive, names)
		removed := 0
		for i, l := range labels {
			if fitting[i] && l == LabelNegative {
				fitting[i] = false
				removed++
			}
		}
		log.Printf("demux threshold search: iteration %d, quantile %.2f, %d singlets, %d negatives removed", iter+1, bestQ, bestSinglets, removed)
		if removed == 0 {
			break
		}
	}
	return labels, nil
}

func thresholdPositive(clr [][]float64, fitting []bool, q float64) [][]bool {
	positive := make([][]bool, len(clr))
	for t := range clr {
		var fit []float64
		for i, v := range clr[t] {
			if fitting[i] {
				fit = append(fit, v)
			}
		}
		if len(fit) == 0 {
			positive[t] = make([]bool, len(clr[t]))
			continue
		}
		cutoff := quantile(q, fit)
		pos := make([]bool, len(clr[t]))
		for i, v := range clr[t] {
			pos[i] = v > cutoff
		}
		positive[t] = pos
	}
	return positive
}

func countSinglets(clr [][]float64, fitting []bool, q float64) int {
	positive := thresholdPositive(clr, fitting, q)
	singlets := 0
	for i := range clr[0] {
		hits := 0
		for t := range positive {
			if positive[t][i] {
				hits++
			}
		}
		if hits == 1 {
			singlets++
		}
	}
	return singlets
}

type demuxer struct {
	config Config
}

func (cmd *demuxer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputFilename := flags.String("o", "-", "output snapshot `file`")
	configFile := flags.String("config", "", "JSON parameter `file` (flags override)")
	compare := flags.Bool("compare-threshold", false, "also run the iterative threshold search and report agreement")
	cmd.config = DefaultConfig()
	cmd.config.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	err = applyConfigFile(flags, &cmd.config, *configFile)
	if err != nil {
		return 1
	}
	err = cmd.config.Check()
	if err != nil {
		return 1
	}

	ds, err := loadSnapshot(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	err = DemuxHTO(ds, cmd.config)
	if err != nil {
		return 1
	}
	if *compare {
		var aux []string
		aux, err = DemuxByThreshold(ds, cmd.config)
		if err != nil {
			return 1
		}
		ds.AuxLabel = aux
		agree := 0
		for i := range aux {
			if aux[i] == ds.SampleLabel[i] {
				agree++
			}
		}
		log.Printf("demux: threshold search agrees on %d/%d cells", agree, len(aux))
	}
	err = saveSnapshot(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
