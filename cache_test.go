// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type cacheSuite struct{}

var _ = check.Suite(&cacheSuite{})

func (s *cacheSuite) TestCacheKey(c *check.C) {
	k1 := cacheKey("fp", "pca", 50)
	c.Check(k1, check.Equals, cacheKey("fp", "pca", 50))
	c.Check(k1, check.Not(check.Equals), cacheKey("fp", "pca", 20))
	c.Check(k1, check.Not(check.Equals), cacheKey("fp2", "pca", 50))
	c.Check(k1, check.HasLen, 64)
}

func (s *cacheSuite) TestSaveLoad(c *check.C) {
	cache := &resultCache{Dir: c.MkDir()}
	key := cacheKey("fp", "pca", 10)
	saved := pcaResult{
		PCA:               [][]float64{{1, 2}, nil, {3, 4}},
		ExplainedVariance: []float64{2, 1},
		Fingerprint:       "abc",
	}
	c.Assert(cache.Save(key, saved), check.IsNil)

	var got pcaResult
	c.Assert(cache.Load(key, &got), check.Equals, true)
	c.Check(got.PCA, check.DeepEquals, saved.PCA)
	c.Check(got.ExplainedVariance, check.DeepEquals, saved.ExplainedVariance)
	c.Check(got.Fingerprint, check.Equals, "abc")

	c.Check(cache.Load(cacheKey("other"), &got), check.Equals, false)
}

func (s *cacheSuite) TestDisabled(c *check.C) {
	cache := &resultCache{}
	c.Check(cache.Save("key", 42), check.IsNil)
	var out int
	c.Check(cache.Load("key", &out), check.Equals, false)
}

func (s *cacheSuite) TestCorruptEntry(c *check.C) {
	cache := &resultCache{Dir: c.MkDir()}
	key := cacheKey("fp", "umap")
	c.Assert(os.WriteFile(filepath.Join(cache.Dir, key+".gob"), []byte("not gob"), 0644), check.IsNil)
	var got umapResult
	c.Check(cache.Load(key, &got), check.Equals, false)
}
