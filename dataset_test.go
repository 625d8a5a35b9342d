// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bytes"
	"os"

	"gopkg.in/check.v1"
)

type datasetSuite struct{}

var _ = check.Suite(&datasetSuite{})

func (s *datasetSuite) TestCountMatrix(c *check.C) {
	// | 0 2 0 |
	// | 1 0 3 |
	m := NewCountMatrix(2, 3, []int{0, 1, 1}, []int{1, 0, 2}, []float64{2, 1, 3})
	c.Check(m.At(0, 1), check.Equals, 2.0)
	c.Check(m.At(0, 0), check.Equals, 0.0)
	c.Check(m.Row(1), check.DeepEquals, []float64{1, 0, 3})
	c.Check(m.ColSums(), check.DeepEquals, []float64{1, 2, 3})
	c.Check(m.ColNonZeros(), check.DeepEquals, []int{1, 1, 1})
	c.Check(m.RowNonZeros(), check.DeepEquals, []int{1, 2})

	var got []float64
	m.DoRow(1, func(j int, v float64) { got = append(got, v) })
	c.Check(got, check.DeepEquals, []float64{1, 3})
}

func (s *datasetSuite) TestCountMatrixConcurrentRows(c *check.C) {
	// first Mat() call builds the CSR form lazily, and DiffExp reads
	// rows from throttle goroutines, so the build must be safe when
	// the first callers arrive concurrently
	m := NewCountMatrix(8, 8,
		[]int{0, 1, 2, 3, 4, 5, 6, 7},
		[]int{0, 1, 2, 3, 4, 5, 6, 7},
		[]float64{1, 2, 3, 4, 5, 6, 7, 8})
	sums := make([]float64, 8)
	var work throttle
	work.Max = 4
	for i := 0; i < 8; i++ {
		i := i
		work.Go(func() error {
			m.DoRow(i, func(_ int, v float64) { sums[i] += v })
			return nil
		})
	}
	c.Assert(work.Wait(), check.IsNil)
	c.Check(sums, check.DeepEquals, []float64{1, 2, 3, 4, 5, 6, 7, 8})
}

func (s *datasetSuite) TestCountMatrixTransform(c *check.C) {
	m := NewCountMatrix(2, 2, []int{0, 1}, []int{0, 1}, []float64{2, 4})
	doubled := m.Transform(func(_, _ int, v float64) float64 { return v * 2 })
	c.Check(doubled.At(0, 0), check.Equals, 4.0)
	c.Check(doubled.At(1, 1), check.Equals, 8.0)
	// receiver untouched
	c.Check(m.At(0, 0), check.Equals, 2.0)
	c.Check(m.Data, check.DeepEquals, []float64{2, 4})
}

func (s *datasetSuite) TestSnapshotRoundTrip(c *check.C) {
	ds := syntheticDataset(c, 12, 5)
	ds.Clusters = map[string][]int{"res0.5": make([]int, 12)}
	ds.MitoFrac = make([]float64, 12)
	for _, gz := range []bool{false, true} {
		buf := &bytes.Buffer{}
		c.Assert(WriteDataset(buf, gz, ds), check.IsNil)
		got, err := ReadDataset(buf, gz)
		c.Assert(err, check.IsNil)
		c.Check(got.Genes, check.DeepEquals, ds.Genes)
		c.Check(got.Barcodes, check.DeepEquals, ds.Barcodes)
		c.Check(got.Counts.Data, check.DeepEquals, ds.Counts.Data)
		c.Check(got.SampleLabel, check.DeepEquals, ds.SampleLabel)
		c.Check(got.Active, check.DeepEquals, ds.Active)
		c.Check(got.Clusters, check.DeepEquals, ds.Clusters)
		c.Check(got.Fingerprint, check.Equals, ds.Fingerprint)
		// matrix still works after decoding
		c.Check(got.Counts.At(0, 0), check.Equals, ds.Counts.At(0, 0))
	}
}

func (s *datasetSuite) TestSnapshotFileSuffix(c *check.C) {
	tmpdir := c.MkDir()
	ds := syntheticDataset(c, 6, 3)
	for _, name := range []string{"/snap.gob", "/snap.gob.gz"} {
		c.Assert(saveSnapshot(tmpdir+name, nil, ds), check.IsNil)
		got, err := loadSnapshot(tmpdir+name, nil)
		c.Assert(err, check.IsNil, check.Commentf(name))
		c.Check(got.Fingerprint, check.Equals, ds.Fingerprint)
	}
	// gz snapshot really is gzip
	buf, err := os.ReadFile(tmpdir + "/snap.gob.gz")
	c.Assert(err, check.IsNil)
	c.Check(buf[0], check.Equals, byte(0x1f))
	c.Check(buf[1], check.Equals, byte(0x8b))
}

func (s *datasetSuite) TestStamp(c *check.C) {
	a := &Dataset{Fingerprint: "base"}
	b := &Dataset{Fingerprint: "base"}
	a.stamp("qc", "MT-", 0.1)
	b.stamp("qc", "MT-", 0.1)
	c.Check(a.Fingerprint, check.Equals, b.Fingerprint)
	c.Check(a.Fingerprint, check.Not(check.Equals), "base")

	// different parameters, different fingerprint
	d := &Dataset{Fingerprint: "base"}
	d.stamp("qc", "MT-", 0.2)
	c.Check(d.Fingerprint, check.Not(check.Equals), a.Fingerprint)

	// stage order matters
	e := &Dataset{Fingerprint: "base"}
	e.stamp("qc", "MT-", 0.1)
	e.stamp("demux", 0.99)
	f := &Dataset{Fingerprint: "base"}
	f.stamp("demux", 0.99)
	f.stamp("qc", "MT-", 0.1)
	c.Check(e.Fingerprint, check.Not(check.Equals), f.Fingerprint)
}

func (s *datasetSuite) TestThrottle(c *check.C) {
	var work throttle
	work.Max = 4
	out := make([]int, 100)
	for i := 0; i < 100; i++ {
		i := i
		work.Go(func() error {
			out[i] = i * i
			return nil
		})
	}
	c.Check(work.Wait(), check.IsNil)
	for i, v := range out {
		c.Check(v, check.Equals, i*i)
	}
}

func (s *datasetSuite) TestThrottleError(c *check.C) {
	var work throttle
	work.Max = 2
	for i := 0; i < 10; i++ {
		i := i
		work.Go(func() error {
			if i == 7 {
				return &EmptyResultError{Stage: "test"}
			}
			return nil
		})
	}
	c.Check(work.Wait(), check.NotNil)
}
