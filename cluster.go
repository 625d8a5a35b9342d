// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"flag"
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

type edge struct {
	to int
	w  float64
}

// snnGraph builds a shared-nearest-neighbor graph from kNN lists:
// cells are connected with the Jaccard overlap of their neighbor sets,
// pruned below the cutoff. The result is symmetric with sorted
// adjacency lists.
func snnGraph(knn [][]int, prune float64) [][]edge {
	n := len(knn)
	sets := make([]map[int]bool, n)
	for i, nbs := range knn {
		sets[i] = make(map[int]bool, len(nbs)+1)
		sets[i][i] = true
		for _, j := range nbs {
			sets[i][j] = true
		}
	}
	adj := make([][]edge, n)
	add := func(i, j int, w float64) {
		adj[i] = append(adj[i], edge{j, w})
	}
	for i := 0; i < n; i++ {
		// Candidates share at least one neighbor list entry.
		for _, j := range knn[i] {
			if j <= i {
				continue
			}
			shared := 0
			for k := range sets[i] {
				if sets[j][k] {
					shared++
				}
			}
			union := len(sets[i]) + len(sets[j]) - shared
			w := float64(shared) / float64(union)
			if w < prune {
				continue
			}
			add(i, j, w)
			add(j, i, w)
		}
	}
	for i := range adj {
		sort.Slice(adj[i], func(a, b int) bool { return adj[i][a].to < adj[i][b].to })
	}
	return adj
}

// louvain partitions the weighted graph by modularity maximization.
// The resolution parameter scales the null-model term: higher values
// give more, smaller communities. Deterministic for a fixed rng seed.
// Returned ids are contiguous from 0 with no inherent ordering.
func louvain(adj [][]edge, resolution float64, rng *rand.Rand) []int {
	n := len(adj)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i
	}

	// graph at the current aggregation level
	gAdj := adj
	gSelf := make([]float64, n)
	node2orig := make([][]int, n)
	for i := range node2orig {
		node2orig[i] = []int{i}
	}

	for level := 0; ; level++ {
		comm, improved := localMove(gAdj, gSelf, resolution, rng)
		if !improved && level > 0 {
			break
		}
		// contract communities into nodes
		ncomm := 0
		remap := map[int]int{}
		for _, c := range comm {
			if _, ok := remap[c]; !ok {
				remap[c] = ncomm
				ncomm++
			}
		}
		newOrig := make([][]int, ncomm)
		for i, c := range comm {
			rc := remap[c]
			newOrig[rc] = append(newOrig[rc], node2orig[i]...)
		}
		newSelf := make([]float64, ncomm)
		agg := make([]map[int]float64, ncomm)
		for i := range agg {
			agg[i] = map[int]float64{}
		}
		for i := range gAdj {
			ci := remap[comm[i]]
			newSelf[ci] += gSelf[i]
			for _, e := range gAdj[i] {
				cj := remap[comm[e.to]]
				if ci == cj {
					// each undirected internal edge appears twice
					newSelf[ci] += e.w / 2
				} else {
					agg[ci][cj] += e.w
				}
			}
		}
		newAdj := make([][]edge, ncomm)
		for i := range agg {
			for j, w := range agg[i] {
				newAdj[i] = append(newAdj[i], edge{j, w})
			}
			sort.Slice(newAdj[i], func(a, b int) bool { return newAdj[i][a].to < newAdj[i][b].to })
		}
		if !improved || ncomm == len(gAdj) {
			gAdj, gSelf, node2orig = newAdj, newSelf, newOrig
			break
		}
		gAdj, gSelf, node2orig = newAdj, newSelf, newOrig
	}

	// contiguous ids in order of first original cell
	order := make([]int, len(node2orig))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ma, mb := node2orig[order[a]][0], node2orig[order[b]][0]
		for _, v := range node2orig[order[a]] {
			if v < ma {
				ma = v
			}
		}
		for _, v := range node2orig[order[b]] {
			if v < mb {
				mb = v
			}
		}
		return ma < mb
	})
	for id, node := range order {
		for _, cell := range node2orig[node] {
			labels[cell] = id
		}
	}
	return labels
}

// localMove is the first Louvain phase: repeatedly move single nodes
// to the neighboring community with the best modularity gain until no
// move improves.
func localMove(adj [][]edge, self []float64, resolution float64, rng *rand.Rand) (comm []int, improved bool) {
	n := len(adj)
	comm = make([]int, n)
	deg := make([]float64, n)
	tot := make([]float64, n)
	m2 := 0.0 // 2m
	for i := range adj {
		comm[i] = i
		deg[i] = 2 * self[i]
		for _, e := range adj[i] {
			deg[i] += e.w
		}
		tot[i] = deg[i]
		m2 += deg[i]
	}
	if m2 == 0 {
		return comm, false
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(n, func(a, b int) { order[a], order[b] = order[b], order[a] })

	for pass := 0; pass < 100; pass++ {
		moved := 0
		for _, i := range order {
			ci := comm[i]
			// weight from i to each neighboring community
			links := map[int]float64{ci: 0}
			for _, e := range adj[i] {
				links[comm[e.to]] += e.w
			}
			tot[ci] -= deg[i]
			best, bestGain := ci, links[ci]-resolution*tot[ci]*deg[i]/m2
			// deterministic scan order over candidate communities
			cands := make([]int, 0, len(links))
			for c := range links {
				cands = append(cands, c)
			}
			sort.Ints(cands)
			for _, c := range cands {
				gain := links[c] - resolution*tot[c]*deg[i]/m2
				if gain > bestGain+1e-12 {
					best, bestGain = c, gain
				}
			}
			tot[best] += deg[i]
			if best != ci {
				comm[i] = best
				moved++
				improved = true
			}
		}
		if moved == 0 {
			break
		}
	}
	return comm, improved
}

// RunCluster assigns community labels over the kNN graph of the used
// principal components, once per configured resolution. Existing label
// sets for other resolutions are kept.
func RunCluster(ds *Dataset, cfg Config) error {
	x, err := activePCA(ds, cfg.UsedComponents)
	if err != nil {
		return err
	}
	knn := kNearest(x, cfg.Neighbors)
	adj := snnGraph(knn, 1.0/15)
	if ds.Clusters == nil {
		ds.Clusters = map[string][]int{}
	}
	for _, res := range cfg.Resolutions {
		rng := rand.New(rand.NewSource(uint64(cfg.Seed)))
		labels := louvain(adj, res, rng)
		full := make([]int, ds.NCells())
		for i := range full {
			full[i] = -1
		}
		nclust := 0
		for i, c := range ds.Active {
			full[c] = labels[i]
			if labels[i]+1 > nclust {
				nclust = labels[i] + 1
			}
		}
		key := fmt.Sprintf("res%g", res)
		ds.Clusters[key] = full
		log.Printf("cluster: %s: %d clusters over %d cells", key, nclust, len(ds.Active))
	}
	ds.stamp("cluster", cfg.Seed, cfg.Neighbors, cfg.UsedComponents, cfg.Resolutions)
	return nil
}

type clusterResult struct {
	Clusters    map[string][]int
	Fingerprint string
}

type clustercmd struct {
	config Config
}

func (cmd *clustercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	cacheDir := flags.String("cache-dir", "", "reuse results from this `directory` when input and parameters match")
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
	cache := &resultCache{Dir: *cacheDir}
	key := cacheKey(ds.Fingerprint, "cluster", cmd.config.Seed, cmd.config.Neighbors, cmd.config.UsedComponents, fmt.Sprint(cmd.config.Resolutions))
	var cached clusterResult
	if cache.Load(key, &cached) {
		ds.Clusters, ds.Fingerprint = cached.Clusters, cached.Fingerprint
	} else {
		err = RunCluster(ds, cmd.config)
		if err != nil {
			return 1
		}
		err = cache.Save(key, clusterResult{ds.Clusters, ds.Fingerprint})
		if err != nil {
			return 1
		}
	}
	err = saveSnapshot(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
