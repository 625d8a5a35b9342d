// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

func standardize(a []float64) bool {
	mean, std := stat.MeanStdDev(a, nil)
	if std == 0 {
		return false
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
	return true
}

// pvalueLR tests whether gene expression predicts group membership:
// logistic regression of membership on expression against the
// intercept-only model, likelihood-ratio p-value on one degree of
// freedom. Degenerate fits give NaN.
func pvalueLR(inA []bool, expr []float64) (p float64) {
	defer func() {
		if recover() != nil {
			// typically a singular or near-singular design matrix
			p = math.NaN()
		}
	}()

	n := len(inA)
	outcome := make([]statmodel.Dtype, n)
	constants := make([]statmodel.Dtype, n)
	x := make([]float64, n)
	for i := range inA {
		if inA[i] {
			outcome[i] = 1
		}
		constants[i] = 1
		x[i] = expr[i]
	}
	if !standardize(x) {
		return 1
	}
	series := make([]statmodel.Dtype, n)
	for i, v := range x {
		series[i] = statmodel.Dtype(v)
	}

	nullData := statmodel.NewDataset([][]statmodel.Dtype{outcome, constants}, []string{"outcome", "constants"})
	nullModel, err := glm.NewGLM(nullData, "outcome", []string{"constants"}, glmConfig)
	if err != nil {
		return math.NaN()
	}
	logNull := nullModel.Fit().LogLike()

	fullData := statmodel.NewDataset([][]statmodel.Dtype{outcome, constants, series}, []string{"outcome", "constants", "expr"})
	fullModel, err := glm.NewGLM(fullData, "outcome", []string{"constants", "expr"}, glmConfig)
	if err != nil {
		return math.NaN()
	}
	logFull := fullModel.Fit().LogLike()

	dist := distuv.ChiSquared{K: 1}
	return dist.Survival(-2 * (logNull - logFull))
}

// LRTest replaces the Wilcoxon p-values in results with logistic
// regression likelihood-ratio p-values and re-runs the multiple
// testing correction and ordering. Gating and fold-changes are
// unchanged.
func LRTest(ds *Dataset, results []DEResult, cellsA, cellsB []int, cfg Config) error {
	cells := append(append([]int(nil), cellsA...), cellsB...)
	inA := make([]bool, len(cells))
	for i := range cellsA {
		inA[i] = true
	}
	index := map[string]int{}
	for g, name := range ds.Genes {
		index[name] = g
	}
	pos := make(map[int]int, len(cells))
	for i, c := range cells {
		pos[c] = i
	}
	for i := range results {
		g := index[results[i].Gene]
		expr := make([]float64, len(cells))
		ds.LogNorm.DoRow(g, func(c int, v float64) {
			if j, ok := pos[c]; ok {
				expr[j] = v
			}
		})
		results[i].P = pvalueLR(inA, expr)
	}
	adjust(results, cfg.PAdjust)
	sortResults(results)
	return nil
}
