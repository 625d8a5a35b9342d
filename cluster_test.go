// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"fmt"
	"math/rand"

	exprand "golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type clusterSuite struct{}

var _ = check.Suite(&clusterSuite{})

// twoCliques: nodes 0-3 and 4-7 fully connected internally with unit
// weight, one weak bridge between 3 and 4.
func twoCliques() [][]edge {
	adj := make([][]edge, 8)
	add := func(i, j int, w float64) {
		adj[i] = append(adj[i], edge{j, w})
		adj[j] = append(adj[j], edge{i, w})
	}
	for _, base := range []int{0, 4} {
		for i := base; i < base+4; i++ {
			for j := i + 1; j < base+4; j++ {
				add(i, j, 1)
			}
		}
	}
	add(3, 4, 0.1)
	return adj
}

func nclusters(labels []int) int {
	seen := map[int]bool{}
	for _, l := range labels {
		seen[l] = true
	}
	return len(seen)
}

func (s *clusterSuite) TestLouvainTwoCliques(c *check.C) {
	labels := louvain(twoCliques(), 1.0, exprand.New(exprand.NewSource(1)))
	c.Assert(labels, check.HasLen, 8)
	c.Check(labels[:4], check.DeepEquals, []int{0, 0, 0, 0})
	c.Check(labels[4:], check.DeepEquals, []int{1, 1, 1, 1})
}

func (s *clusterSuite) TestLouvainResolution(c *check.C) {
	// low resolution merges everything, high resolution splits
	// everything, the bridge decides in between
	labels := louvain(twoCliques(), 0.01, exprand.New(exprand.NewSource(1)))
	c.Check(nclusters(labels), check.Equals, 1)
	labels = louvain(twoCliques(), 4.0, exprand.New(exprand.NewSource(1)))
	c.Check(nclusters(labels), check.Equals, 8)
}

func (s *clusterSuite) TestLouvainSeedStability(c *check.C) {
	for seed := uint64(1); seed < 6; seed++ {
		labels := louvain(twoCliques(), 1.0, exprand.New(exprand.NewSource(seed)))
		c.Check(nclusters(labels), check.Equals, 2, check.Commentf("seed %d", seed))
	}
}

func (s *clusterSuite) TestSNNGraph(c *check.C) {
	knn := [][]int{{1, 2}, {0, 2}, {0, 1}, {4}, {3}}
	adj := snnGraph(knn, 1.0/15)
	// full overlap within each clique
	c.Check(adj[0], check.DeepEquals, []edge{{1, 1}, {2, 1}})
	c.Check(adj[3], check.DeepEquals, []edge{{4, 1}})
	// symmetric
	for i := range adj {
		for _, e := range adj[i] {
			found := false
			for _, back := range adj[e.to] {
				if back.to == i && back.w == e.w {
					found = true
				}
			}
			c.Check(found, check.Equals, true, check.Commentf("%d->%d", i, e.to))
		}
	}
}

func (s *clusterSuite) TestKNearest(c *check.C) {
	x := [][]float64{{0}, {1}, {2}, {10}}
	knn := kNearest(x, 2)
	c.Check(knn, check.DeepEquals, [][]int{{1, 2}, {0, 2}, {1, 0}, {2, 1}})
	// k capped at n-1
	knn = kNearest(x, 10)
	c.Check(knn[0], check.HasLen, 3)
}

// pcaDataset: two well-separated blobs in component space, the last
// cell inactive.
func pcaDataset(ncells int) *Dataset {
	rng := rand.New(rand.NewSource(3))
	ds := &Dataset{
		Barcodes: make([]string, ncells),
		PCA:      make([][]float64, ncells),
	}
	for i := range ds.Barcodes {
		ds.Barcodes[i] = fmt.Sprintf("BC%03d", i)
		coords := make([]float64, 5)
		for d := range coords {
			coords[d] = rng.Float64()
		}
		if i >= ncells/2 {
			coords[0] += 100
		}
		ds.PCA[i] = coords
		if i < ncells-1 {
			ds.Active = append(ds.Active, i)
		}
	}
	return ds
}

func (s *clusterSuite) TestRunCluster(c *check.C) {
	ds := pcaDataset(20)
	cfg := testConfig()
	cfg.UsedComponents = 5
	cfg.Neighbors = 5
	cfg.Resolutions = []float64{0.5}
	c.Assert(RunCluster(ds, cfg), check.IsNil)
	labels, ok := ds.Clusters["res0.5"]
	c.Assert(ok, check.Equals, true)
	c.Assert(labels, check.HasLen, 20)
	// inactive cells carry no label
	c.Check(labels[19], check.Equals, -1)
	// the two blobs split cleanly
	c.Check(nclusters(labels[:10]), check.Equals, 1)
	c.Check(nclusters(labels[10:19]), check.Equals, 1)
	c.Check(labels[0], check.Not(check.Equals), labels[10])

	// a second run with the same seed reproduces the labels
	ds2 := pcaDataset(20)
	c.Assert(RunCluster(ds2, cfg), check.IsNil)
	c.Check(ds2.Clusters["res0.5"], check.DeepEquals, labels)
}

func (s *clusterSuite) TestRunClusterKeepsOtherResolutions(c *check.C) {
	ds := pcaDataset(16)
	cfg := testConfig()
	cfg.UsedComponents = 5
	cfg.Neighbors = 4
	cfg.Resolutions = []float64{0.5}
	c.Assert(RunCluster(ds, cfg), check.IsNil)
	prev := ds.Clusters["res0.5"]
	cfg.Resolutions = []float64{1}
	c.Assert(RunCluster(ds, cfg), check.IsNil)
	c.Check(ds.Clusters["res0.5"], check.DeepEquals, prev)
	_, ok := ds.Clusters["res1"]
	c.Check(ok, check.Equals, true)
}

func (s *clusterSuite) TestRunClusterWithoutPCA(c *check.C) {
	ds := &Dataset{Barcodes: []string{"AAA"}, Active: []int{0}}
	c.Check(RunCluster(ds, testConfig()), check.NotNil)
}
