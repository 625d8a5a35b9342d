// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ComputeQCMetrics fills the per-cell mitochondrial transcript
// fraction, identified by gene name prefix. Metrics cover every cell,
// filtered or not, so pre/post comparisons stay possible.
func ComputeQCMetrics(ds *Dataset, mitoPrefix string) {
	mito := make([]bool, ds.NGenes())
	nmito := 0
	for g, name := range ds.Genes {
		if strings.HasPrefix(name, mitoPrefix) {
			mito[g] = true
			nmito++
		}
	}
	total := ds.Counts.ColSums()
	mitoSum := make([]float64, ds.NCells())
	for k, g := range ds.Counts.RowInd {
		if mito[g] {
			mitoSum[ds.Counts.ColInd[k]] += ds.Counts.Data[k]
		}
	}
	frac := make([]float64, ds.NCells())
	for c := range frac {
		if total[c] > 0 {
			frac[c] = mitoSum[c] / total[c]
		}
	}
	ds.MitoFrac = frac
	log.Printf("qc: %d mitochondrial genes (%s*)", nmito, mitoPrefix)
}

// ApplyQC shrinks the active cell set to singlets whose mitochondrial
// fraction does not exceed the configured threshold. Both gates must
// pass. The raw matrix and pre-filter annotations are untouched, and
// re-applying the filter to its own output changes nothing.
func ApplyQC(ds *Dataset, cfg Config) error {
	if ds.SampleLabel == nil {
		return errors.New("qc: no sample labels in snapshot (run demux first)")
	}
	ComputeQCMetrics(ds, cfg.MitoPrefix)
	var kept []int
	dropLabel, dropMito := 0, 0
	for _, c := range ds.Active {
		if ds.SampleLabel[c] == LabelDoublet || ds.SampleLabel[c] == LabelNegative {
			dropLabel++
			continue
		}
		if ds.MitoFrac[c] > cfg.MaxMitoFrac {
			dropMito++
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return &EmptyResultError{Stage: "qc"}
	}
	log.Printf("qc: kept %d/%d cells (%d doublet/negative, %d above mito %.2f)", len(kept), len(ds.Active), dropLabel, dropMito, cfg.MaxMitoFrac)
	ds.Active = kept
	ds.stamp("qc", cfg.MitoPrefix, cfg.MaxMitoFrac)
	return nil
}

type qccmd struct {
	config Config
}

func (cmd *qccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	err = ApplyQC(ds, cmd.config)
	if err != nil {
		return 1
	}
	err = saveSnapshot(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
