// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"math"

	"gopkg.in/check.v1"
)

type normalizeSuite struct{}

var _ = check.Suite(&normalizeSuite{})

func (s *normalizeSuite) TestLogNormalize(c *check.C) {
	ds := syntheticDataset(c, 10, 6)
	LogNormalize(ds, 1e4)
	c.Assert(ds.LogNorm, check.NotNil)
	nrows, ncols := ds.LogNorm.Dims()
	c.Check(nrows, check.Equals, 6)
	c.Check(ncols, check.Equals, 10)

	total := ds.Counts.ColSums()
	for g := 0; g < 6; g++ {
		for cell := 0; cell < 10; cell++ {
			raw := ds.Counts.At(g, cell)
			norm := ds.LogNorm.At(g, cell)
			if raw == 0 {
				// zero counts stay zero
				c.Check(norm, check.Equals, 0.0)
			} else {
				c.Check(norm, check.Equals, math.Log1p(raw/total[cell]*1e4))
			}
		}
	}

	// for a fixed cell, higher raw count means higher normalized value
	for cell := 0; cell < 10; cell++ {
		for g1 := 0; g1 < 6; g1++ {
			for g2 := 0; g2 < 6; g2++ {
				if ds.Counts.At(g1, cell) > ds.Counts.At(g2, cell) {
					c.Check(ds.LogNorm.At(g1, cell) > ds.LogNorm.At(g2, cell), check.Equals, true)
				}
			}
		}
	}
}

func (s *normalizeSuite) TestLogNormalizeLeavesRawCounts(c *check.C) {
	ds := syntheticDataset(c, 8, 4)
	before := append([]float64(nil), ds.Counts.Data...)
	LogNormalize(ds, 1e4)
	c.Check(ds.Counts.Data, check.DeepEquals, before)
}

func (s *normalizeSuite) TestSelectVariableGenes(c *check.C) {
	ds := syntheticDataset(c, 30, 12)
	LogNormalize(ds, 1e4)
	SelectVariableGenes(ds, 5)
	c.Assert(ds.VariableGenes, check.HasLen, 5)
	seen := map[int]bool{}
	for _, g := range ds.VariableGenes {
		c.Check(g >= 0 && g < 12, check.Equals, true)
		c.Check(seen[g], check.Equals, false)
		seen[g] = true
	}

	// n larger than the gene count keeps every gene
	SelectVariableGenes(ds, 100)
	c.Check(ds.VariableGenes, check.HasLen, 12)
}

func (s *normalizeSuite) TestScaleVariableGenes(c *check.C) {
	ds := syntheticDataset(c, 20, 8)
	LogNormalize(ds, 1e4)
	SelectVariableGenes(ds, 4)
	ScaleVariableGenes(ds)
	c.Assert(ds.ScaledData, check.HasLen, 4*20)
	c.Check(ds.ScaledCells, check.DeepEquals, ds.Active)
	for i := 0; i < 4; i++ {
		row := ds.ScaledData[i*20 : (i+1)*20]
		mean := 0.0
		for _, v := range row {
			c.Check(v <= 10 && v >= -10, check.Equals, true)
			mean += v
		}
		mean /= 20
		c.Check(math.Abs(mean) < 1e-9, check.Equals, true)
	}
}

func (s *normalizeSuite) TestScaleOnlyActiveCells(c *check.C) {
	ds := syntheticDataset(c, 20, 8)
	ds.Active = []int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}
	cfg := testConfig()
	cfg.VariableGenes = 4
	c.Assert(Normalize(ds, cfg), check.IsNil)
	c.Check(ds.ScaledData, check.HasLen, 4*10)
	c.Check(ds.ScaledCells, check.DeepEquals, ds.Active)
}

func (s *normalizeSuite) TestNormalize(c *check.C) {
	ds := syntheticDataset(c, 15, 6)
	fp := ds.Fingerprint
	c.Assert(Normalize(ds, testConfig()), check.IsNil)
	c.Assert(ds.LogNorm, check.NotNil)
	c.Check(ds.VariableGenes, check.HasLen, 6)
	c.Check(ds.ScaledData, check.HasLen, 6*15)
	c.Check(ds.Fingerprint, check.Not(check.Equals), fp)
}
