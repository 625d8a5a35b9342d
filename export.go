// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportcmd writes the embeddings of the active cells as numpy arrays
// plus the matching barcode and label lists, for plotting outside the
// pipeline.
type exportcmd struct{}

func (cmd *exportcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
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
	if err = os.MkdirAll(*outputDir, 0777); err != nil {
		return 1
	}

	if ds.PCA != nil {
		err = writeEmbeddingNumpy(filepath.Join(*outputDir, "pca.npy"), ds, ds.PCA)
		if err != nil {
			return 1
		}
	}
	if ds.UMAP != nil {
		err = writeEmbeddingNumpy(filepath.Join(*outputDir, "umap.npy"), ds, ds.UMAP)
		if err != nil {
			return 1
		}
	}
	if ds.PCA == nil && ds.UMAP == nil {
		err = errors.New("export: no embeddings in snapshot (run pca and umap first)")
		return 1
	}
	err = writeCellTable(filepath.Join(*outputDir, "cells.tsv"), ds)
	if err != nil {
		return 1
	}
	return 0
}

// writeEmbeddingNumpy writes one row per active cell.
func writeEmbeddingNumpy(path string, ds *Dataset, emb [][]float64) error {
	cols := 0
	for _, c := range ds.Active {
		if emb[c] != nil {
			cols = len(emb[c])
			break
		}
	}
	if cols == 0 {
		return fmt.Errorf("%s: embedding has no coordinates for active cells", path)
	}
	out := make([]float64, 0, len(ds.Active)*cols)
	rows := 0
	for _, c := range ds.Active {
		if emb[c] == nil {
			continue
		}
		out = append(out, emb[c]...)
		rows++
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	log.Printf("export: writing %s: %d rows, %d cols", path, rows, cols)
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	if err = bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// writeCellTable writes the per-cell annotations of the active cells.
func writeCellTable(path string, ds *Dataset) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)

	clusterKeys := make([]string, 0, len(ds.Clusters))
	for key := range ds.Clusters {
		clusterKeys = append(clusterKeys, key)
	}
	sort.Strings(clusterKeys)

	fmt.Fprint(bufw, "barcode\tsample\tn_features\tmito_frac")
	for _, key := range clusterKeys {
		fmt.Fprintf(bufw, "\t%s", key)
	}
	fmt.Fprintln(bufw)
	for _, c := range ds.Active {
		label := ""
		if ds.SampleLabel != nil {
			label = ds.SampleLabel[c]
		}
		mito := 0.0
		if ds.MitoFrac != nil {
			mito = ds.MitoFrac[c]
		}
		fmt.Fprintf(bufw, "%s\t%s\t%d\t%.4f", ds.Barcodes[c], label, ds.NFeatures[c], mito)
		for _, key := range clusterKeys {
			fmt.Fprintf(bufw, "\t%d", ds.Clusters[key][c])
		}
		fmt.Fprintln(bufw)
	}
	if err = bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
