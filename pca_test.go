// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"math"

	"gopkg.in/check.v1"
)

type pcaSuite struct{}

var _ = check.Suite(&pcaSuite{})

func scaledDataset(c *check.C) *Dataset {
	ds := syntheticDataset(c, 30, 10)
	cfg := testConfig()
	cfg.VariableGenes = 10
	c.Assert(Normalize(ds, cfg), check.IsNil)
	return ds
}

func (s *pcaSuite) TestRunPCA(c *check.C) {
	ds := scaledDataset(c)
	cfg := testConfig()
	cfg.PCAComponents = 5
	c.Assert(RunPCA(ds, cfg), check.IsNil)
	c.Assert(ds.PCA, check.HasLen, 30)
	for _, coords := range ds.PCA {
		c.Assert(coords, check.HasLen, 5)
		for _, v := range coords {
			c.Check(math.IsNaN(v) || math.IsInf(v, 0), check.Equals, false)
		}
	}
	c.Assert(ds.ExplainedVariance, check.HasLen, 5)
	// components come out in order of decreasing explained variance
	for i := 1; i < 5; i++ {
		c.Check(ds.ExplainedVariance[i-1] >= ds.ExplainedVariance[i]-1e-9, check.Equals, true)
	}
	c.Check(ds.ExplainedVariance[0] > 0, check.Equals, true)
}

func (s *pcaSuite) TestRunPCADeterministic(c *check.C) {
	cfg := testConfig()
	cfg.PCAComponents = 4
	ds1 := scaledDataset(c)
	ds2 := scaledDataset(c)
	c.Assert(RunPCA(ds1, cfg), check.IsNil)
	c.Assert(RunPCA(ds2, cfg), check.IsNil)
	c.Check(ds1.PCA, check.DeepEquals, ds2.PCA)
	c.Check(ds1.ExplainedVariance, check.DeepEquals, ds2.ExplainedVariance)
}

func (s *pcaSuite) TestRunPCASeparatesPopulations(c *check.C) {
	ds := scaledDataset(c)
	cfg := testConfig()
	cfg.PCAComponents = 3
	c.Assert(RunPCA(ds, cfg), check.IsNil)
	// the leading component splits the two populations
	var meanA, meanB float64
	for i := 0; i < 15; i++ {
		meanA += ds.PCA[i][0] / 15
	}
	for i := 15; i < 30; i++ {
		meanB += ds.PCA[i][0] / 15
	}
	spread := 0.0
	for i := 0; i < 15; i++ {
		spread += math.Abs(ds.PCA[i][0]-meanA) / 15
	}
	c.Check(math.Abs(meanA-meanB) > spread, check.Equals, true, check.Commentf("meanA %g meanB %g spread %g", meanA, meanB, spread))
}

func (s *pcaSuite) TestRunPCAClampsComponents(c *check.C) {
	ds := scaledDataset(c)
	cfg := testConfig()
	cfg.PCAComponents = 500 // more than min(genes, cells)
	c.Assert(RunPCA(ds, cfg), check.IsNil)
	c.Check(len(ds.PCA[0]) <= 10, check.Equals, true)
}

func (s *pcaSuite) TestRunPCAWithoutScaledData(c *check.C) {
	ds := syntheticDataset(c, 10, 4)
	c.Check(RunPCA(ds, testConfig()), check.NotNil)
}

func (s *pcaSuite) TestActivePCA(c *check.C) {
	ds := &Dataset{
		Barcodes: []string{"AAA", "CCC", "GGG"},
		Active:   []int{0, 2},
		PCA:      [][]float64{{1, 2, 3}, nil, {4, 5, 6}},
	}
	x, err := activePCA(ds, 2)
	c.Assert(err, check.IsNil)
	c.Check(x, check.DeepEquals, [][]float64{{1, 2}, {4, 5}})

	// requesting more dims than stored falls back to what is there
	x, err = activePCA(ds, 10)
	c.Assert(err, check.IsNil)
	c.Check(x[0], check.HasLen, 3)

	// an active cell without coordinates is an error
	ds.Active = []int{0, 1}
	_, err = activePCA(ds, 2)
	c.Check(err, check.NotNil)

	_, err = activePCA(&Dataset{Active: []int{0}}, 2)
	c.Check(err, check.NotNil)
}
