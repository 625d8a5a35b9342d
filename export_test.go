// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"os"
	"strings"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type exportSuite struct{}

var _ = check.Suite(&exportSuite{})

func (s *exportSuite) TestWriteEmbeddingNumpy(c *check.C) {
	tmpdir := c.MkDir()
	ds := &Dataset{
		Barcodes: []string{"AAA", "CCC", "GGG"},
		Active:   []int{0, 2},
		PCA:      [][]float64{{1, 2}, nil, {3, 4}},
	}
	path := tmpdir + "/pca.npy"
	c.Assert(writeEmbeddingNumpy(path, ds, ds.PCA), check.IsNil)

	f, err := os.Open(path)
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{2, 2})
	data, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(data, check.DeepEquals, []float64{1, 2, 3, 4})
}

func (s *exportSuite) TestWriteEmbeddingNumpyEmpty(c *check.C) {
	ds := &Dataset{Barcodes: []string{"AAA"}, Active: []int{0}, PCA: [][]float64{nil}}
	c.Check(writeEmbeddingNumpy(c.MkDir()+"/x.npy", ds, ds.PCA), check.NotNil)
}

func (s *exportSuite) TestWriteCellTable(c *check.C) {
	tmpdir := c.MkDir()
	ds := &Dataset{
		Barcodes:    []string{"AAA", "CCC", "GGG"},
		Active:      []int{0, 2},
		SampleLabel: []string{"S1", "S2", "S1"},
		NFeatures:   []int{5, 7, 9},
		MitoFrac:    []float64{0.01, 0.2, 0.05},
		Clusters:    map[string][]int{"res0.5": {0, -1, 1}, "res1": {0, -1, 2}},
	}
	path := tmpdir + "/cells.tsv"
	c.Assert(writeCellTable(path, ds), check.IsNil)
	buf, err := os.ReadFile(path)
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	c.Assert(lines, check.HasLen, 3)
	c.Check(lines[0], check.Equals, "barcode\tsample\tn_features\tmito_frac\tres0.5\tres1")
	c.Check(lines[1], check.Equals, "AAA\tS1\t5\t0.0100\t0\t0")
	c.Check(lines[2], check.Equals, "GGG\tS1\t9\t0.0500\t1\t2")
}

func (s *exportSuite) TestExportWithoutEmbeddings(c *check.C) {
	tmpdir := c.MkDir()
	ds := syntheticDataset(c, 4, 2)
	snap := tmpdir + "/snap.gob"
	c.Assert(saveSnapshot(snap, nil, ds), check.IsNil)
	stderr := &strings.Builder{}
	exited := (&exportcmd{}).RunCommand("singlet export", []string{"-i", snap, "-output-dir", tmpdir}, nil, nil, stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(strings.Contains(stderr.String(), "no embeddings"), check.Equals, true)
}
