// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	ds, err := loadSnapshot(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	bufw := bufio.NewWriter(output)
	err = doStats(ds, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func doStats(ds *Dataset, output io.Writer) error {
	var ret struct {
		Genes             int
		Cells             int
		ActiveCells       int
		Hashtags          int `json:",omitempty"`
		Samples           map[string]int
		MedianFeatures    int
		MedianMitoFrac    float64
		VariableGenes     int
		PCAComponents     int
		ExplainedVariance []float64 `json:",omitempty"`
		Clusters          map[string]int
		Fingerprint       string
	}
	ret.Genes = ds.NGenes()
	ret.Cells = ds.NCells()
	ret.ActiveCells = len(ds.Active)
	ret.Hashtags = len(ds.HTONames)
	if ds.SampleLabel != nil {
		ret.Samples = map[string]int{}
		for _, l := range ds.SampleLabel {
			ret.Samples[l]++
		}
	}
	if len(ds.Active) > 0 && ds.NFeatures != nil {
		nf := make([]int, 0, len(ds.Active))
		for _, c := range ds.Active {
			nf = append(nf, ds.NFeatures[c])
		}
		sort.Ints(nf)
		ret.MedianFeatures = nf[len(nf)/2]
	}
	if len(ds.Active) > 0 && ds.MitoFrac != nil {
		mf := make([]float64, 0, len(ds.Active))
		for _, c := range ds.Active {
			mf = append(mf, ds.MitoFrac[c])
		}
		sort.Float64s(mf)
		ret.MedianMitoFrac = mf[len(mf)/2]
	}
	ret.VariableGenes = len(ds.VariableGenes)
	ret.PCAComponents = len(ds.ExplainedVariance)
	ret.ExplainedVariance = ds.ExplainedVariance
	if ds.Clusters != nil {
		ret.Clusters = map[string]int{}
		for key, labels := range ds.Clusters {
			nclust := 0
			for _, id := range labels {
				if id+1 > nclust {
					nclust = id + 1
				}
			}
			ret.Clusters[key] = nclust
		}
	}
	ret.Fingerprint = ds.Fingerprint

	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(ret)
}
