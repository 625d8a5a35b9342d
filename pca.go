// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// RunPCA factorizes the scaled variable-feature matrix into principal
// components and stores one coordinate vector per active cell, plus
// the per-component explained variance sequence for the elbow choice.
// The decomposition is deterministic.
func RunPCA(ds *Dataset, cfg Config) error {
	if len(ds.ScaledData) == 0 {
		return errors.New("pca: no scaled matrix in snapshot (run normalize first)")
	}
	nvar, nact := len(ds.VariableGenes), len(ds.ScaledCells)
	components := cfg.PCAComponents
	if max := min(nvar, nact); components > max {
		log.Warnf("pca: reducing components from %d to %d (matrix is %d×%d)", components, max, nvar, nact)
		components = max
	}

	log.Printf("pca: fitting %d components over %d genes × %d cells", components, nvar, nact)
	mtx := mat.NewDense(nvar, nact, ds.ScaledData)
	transformer := nlp.NewPCA(components)
	transformer.Fit(mtx)
	proj, err := transformer.Transform(mtx)
	if err != nil {
		return err
	}

	// proj is components × cells; the variance of each score row is
	// the variance explained by that component.
	rows, cols := proj.Dims()
	ds.ExplainedVariance = make([]float64, rows)
	scores := make([]float64, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			scores[c] = proj.At(r, c)
		}
		ds.ExplainedVariance[r] = stat.Variance(scores, nil)
	}

	ds.PCA = make([][]float64, ds.NCells())
	for i, cell := range ds.ScaledCells {
		coords := make([]float64, rows)
		for r := 0; r < rows; r++ {
			coords[r] = proj.At(r, i)
		}
		ds.PCA[cell] = coords
	}
	ds.stamp("pca", components)
	return nil
}

// activePCA gathers the leading dims components of the active cells
// into a dense row-per-cell slice for the neighbor-graph stages.
func activePCA(ds *Dataset, dims int) ([][]float64, error) {
	if ds.PCA == nil {
		return nil, errors.New("no PCA embedding in snapshot (run pca first)")
	}
	out := make([][]float64, 0, len(ds.Active))
	for _, c := range ds.Active {
		coords := ds.PCA[c]
		if coords == nil {
			return nil, fmt.Errorf("cell %s has no PCA coordinates; re-run pca after filtering", ds.Barcodes[c])
		}
		if dims > len(coords) {
			dims = len(coords)
		}
		out = append(out, coords[:dims])
	}
	if len(out) == 0 {
		return nil, &EmptyResultError{Stage: "pca"}
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type pcaResult struct {
	PCA               [][]float64
	ExplainedVariance []float64
	Fingerprint       string
}

type pcacmd struct {
	config Config
}

func (cmd *pcacmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputFilename := flags.String("o", "-", "output snapshot `file`")
	configFile := flags.String("config", "", "JSON parameter `file` (flags override)")
	cacheDir := flags.String("cache-dir", "", "reuse results from this `directory` when input and parameters match")
	elbow := flags.Bool("elbow", false, "print the explained variance sequence")
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

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	ds, err := loadSnapshot(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	cache := &resultCache{Dir: *cacheDir}
	key := cacheKey(ds.Fingerprint, "pca", cmd.config.PCAComponents)
	var cached pcaResult
	if cache.Load(key, &cached) {
		ds.PCA, ds.ExplainedVariance, ds.Fingerprint = cached.PCA, cached.ExplainedVariance, cached.Fingerprint
	} else {
		err = RunPCA(ds, cmd.config)
		if err != nil {
			return 1
		}
		err = cache.Save(key, pcaResult{ds.PCA, ds.ExplainedVariance, ds.Fingerprint})
		if err != nil {
			return 1
		}
	}
	if *elbow {
		for i, v := range ds.ExplainedVariance {
			fmt.Fprintf(stderr, "PC%d\t%.4f\n", i+1, v)
		}
	}
	err = saveSnapshot(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
