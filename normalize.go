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

// LogNormalize derives the log-normalized matrix:
// log1p(count / cellTotal * scaleFactor). Zero counts stay zero, raw
// counts are untouched.
func LogNormalize(ds *Dataset, scaleFactor float64) {
	total := ds.Counts.ColSums()
	ds.LogNorm = ds.Counts.Transform(func(_, col int, v float64) float64 {
		if total[col] == 0 {
			return 0
		}
		return math.Log1p(v / total[col] * scaleFactor)
	})
	log.Printf("normalize: log-normalized to %g counts per cell", scaleFactor)
}

// SelectVariableGenes ranks genes by standardized dispersion of the
// log-normalized values across active cells (dispersion z-scored
// within mean-matched bins) and keeps the top n, ordered by decreasing
// dispersion.
func SelectVariableGenes(ds *Dataset, n int) {
	nact := float64(len(ds.Active))
	active := make([]bool, ds.NCells())
	for _, c := range ds.Active {
		active[c] = true
	}
	sum := make([]float64, ds.NGenes())
	sumsq := make([]float64, ds.NGenes())
	for k, g := range ds.LogNorm.RowInd {
		if active[ds.LogNorm.ColInd[k]] {
			v := ds.LogNorm.Data[k]
			sum[g] += v
			sumsq[g] += v * v
		}
	}
	mean := make([]float64, ds.NGenes())
	disp := make([]float64, ds.NGenes())
	for g := range mean {
		mean[g] = sum[g] / nact
		variance := sumsq[g]/nact - mean[g]*mean[g]
		if mean[g] > 0 {
			disp[g] = variance / mean[g]
		}
	}

	// z-score dispersion within 20 equal-width mean bins so highly
	// expressed genes do not dominate the ranking.
	const nbins = 20
	maxMean := 0.0
	for _, m := range mean {
		if m > maxMean {
			maxMean = m
		}
	}
	bin := make([]int, ds.NGenes())
	binned := make([][]float64, nbins)
	for g := range mean {
		b := 0
		if maxMean > 0 {
			b = int(mean[g] / maxMean * (nbins - 1))
		}
		bin[g] = b
		binned[b] = append(binned[b], disp[g])
	}
	var binMean, binStd [nbins]float64
	for b := range binned {
		if len(binned[b]) > 0 {
			binMean[b], binStd[b] = stat.MeanStdDev(binned[b], nil)
		}
	}
	z := make([]float64, ds.NGenes())
	for g := range z {
		if binStd[bin[g]] > 0 {
			z[g] = (disp[g] - binMean[bin[g]]) / binStd[bin[g]]
		}
	}

	order := make([]int, ds.NGenes())
	for g := range order {
		order[g] = g
	}
	sort.SliceStable(order, func(i, j int) bool { return z[order[i]] > z[order[j]] })
	if n > len(order) {
		n = len(order)
	}
	ds.VariableGenes = append([]int(nil), order[:n]...)
	log.Printf("normalize: selected %d variable genes", n)
}

// ScaleVariableGenes computes the dense z-scored variable-feature
// matrix over active cells, the input to PCA and nothing else. Values
// are clipped at ±10.
func ScaleVariableGenes(ds *Dataset) {
	nvar, nact := len(ds.VariableGenes), len(ds.Active)
	col := make(map[int]int, nact)
	for i, c := range ds.Active {
		col[c] = i
	}
	scaled := make([]float64, nvar*nact)
	row := make([]float64, nact)
	for i, g := range ds.VariableGenes {
		for j := range row {
			row[j] = 0
		}
		ds.LogNorm.DoRow(g, func(c int, v float64) {
			if j, ok := col[c]; ok {
				row[j] = v
			}
		})
		mean, std := stat.MeanStdDev(row, nil)
		for j, v := range row {
			z := 0.0
			if std > 0 {
				z = (v - mean) / std
			}
			if z > 10 {
				z = 10
			} else if z < -10 {
				z = -10
			}
			scaled[i*nact+j] = z
		}
	}
	ds.ScaledData = scaled
	ds.ScaledCells = append([]int(nil), ds.Active...)
}

// Normalize runs log-normalization, variable gene selection, and
// scaling in order.
func Normalize(ds *Dataset, cfg Config) error {
	if len(ds.Active) == 0 {
		return &EmptyResultError{Stage: "normalize"}
	}
	LogNormalize(ds, cfg.ScaleFactor)
	SelectVariableGenes(ds, cfg.VariableGenes)
	if len(ds.VariableGenes) == 0 {
		return errors.New("normalize: no variable genes selected")
	}
	ScaleVariableGenes(ds)
	ds.stamp("normalize", cfg.ScaleFactor, cfg.VariableGenes)
	return nil
}

type normalizer struct {
	config Config
}

func (cmd *normalizer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	err = Normalize(ds, cmd.config)
	if err != nil {
		return 1
	}
	err = saveSnapshot(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
