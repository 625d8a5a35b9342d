// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"math"
	"runtime"
	"sort"
)

// kNearest returns, for every row of x, the indices of its k nearest
// other rows by Euclidean distance, closest first. Ties break on the
// lower index, so the result does not depend on scheduling.
func kNearest(x [][]float64, k int) [][]int {
	n := len(x)
	if k > n-1 {
		k = n - 1
	}
	knn := make([][]int, n)
	var work throttle
	work.Max = runtime.GOMAXPROCS(0)
	for i := 0; i < n; i++ {
		i := i
		work.Go(func() error {
			type cand struct {
				idx int
				d   float64
			}
			cands := make([]cand, 0, n-1)
			for j := 0; j < n; j++ {
				if j == i {
					continue
				}
				cands = append(cands, cand{j, sqDist(x[i], x[j])})
			}
			sort.Slice(cands, func(a, b int) bool {
				if cands[a].d != cands[b].d {
					return cands[a].d < cands[b].d
				}
				return cands[a].idx < cands[b].idx
			})
			ids := make([]int, k)
			for j := 0; j < k; j++ {
				ids[j] = cands[j].idx
			}
			knn[i] = ids
			return nil
		})
	}
	work.Wait()
	return knn
}

func sqDist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func dist(a, b []float64) float64 { return math.Sqrt(sqDist(a, b)) }
