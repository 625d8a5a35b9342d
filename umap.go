// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"flag"
	"fmt"
	"io"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

// Output curve parameters for unit spread and the usual minimum
// distance of 0.1.
const (
	umapA = 1.577
	umapB = 0.8951
)

const umapNegSamples = 5

type umapEdge struct {
	a, b int
	w    float64
}

// RunUMAP lays out the active cells in two dimensions from their
// leading principal components: a fuzzy nearest-neighbor graph,
// initialized from the first two components, refined by stochastic
// gradient descent with a fixed seed. Coordinates have no intrinsic
// scale; only neighborhoods are meaningful.
func RunUMAP(ds *Dataset, cfg Config) error {
	x, err := activePCA(ds, cfg.UsedComponents)
	if err != nil {
		return err
	}
	n := len(x)
	k := cfg.UMAPNeighbors
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		return &EmptyResultError{Stage: "umap"}
	}
	log.Printf("umap: %d cells, %d neighbors, %d epochs", n, k, cfg.UMAPEpochs)
	knn := kNearest(x, k)
	edges := fuzzyEdges(x, knn)

	rng := rand.New(rand.NewSource(uint64(cfg.UMAPSeed)))
	emb := initialLayout(x, n, rng)

	epochs := cfg.UMAPEpochs
	for epoch := 0; epoch < epochs; epoch++ {
		alpha := 1.0 - float64(epoch)/float64(epochs)
		for _, e := range edges {
			if rng.Float64() > e.w {
				continue
			}
			attract(&emb[e.a], &emb[e.b], alpha)
			for s := 0; s < umapNegSamples; s++ {
				repulse(&emb[e.a], &emb[rng.Intn(n)], alpha)
			}
		}
	}

	ds.UMAP = make([][]float64, ds.NCells())
	for i, c := range ds.Active {
		ds.UMAP[c] = []float64{emb[i][0], emb[i][1]}
	}
	ds.stamp("umap", cfg.UMAPSeed, k, cfg.UMAPEpochs, cfg.UsedComponents)
	return nil
}

// fuzzyEdges converts the directed kNN lists into a symmetric weighted
// edge list. Per cell, neighbor distances are turned into membership
// strengths with a smooth kernel calibrated so the total membership is
// log2(k); opposing directions combine as w1 + w2 - w1*w2.
func fuzzyEdges(x [][]float64, knn [][]int) []umapEdge {
	n := len(knn)
	k := len(knn[0])
	target := math.Log2(float64(k))
	directed := make([]map[int]float64, n)
	for i := range knn {
		d := make([]float64, k)
		for j, nb := range knn[i] {
			d[j] = dist(x[i], x[nb])
		}
		rho := d[0]
		sigma := smoothKnnDist(d, rho, target)
		directed[i] = make(map[int]float64, k)
		for j, nb := range knn[i] {
			w := 1.0
			if d[j] > rho && sigma > 0 {
				w = math.Exp(-(d[j] - rho) / sigma)
			}
			directed[i][nb] = w
		}
	}
	var edges []umapEdge
	seen := make(map[[2]int]bool)
	for i := range directed {
		for j := range directed[i] {
			a, b := i, j
			if a > b {
				a, b = b, a
			}
			if seen[[2]int{a, b}] {
				continue
			}
			seen[[2]int{a, b}] = true
			wab, wba := directed[a][b], directed[b][a]
			edges = append(edges, umapEdge{a, b, wab + wba - wab*wba})
		}
	}
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].a != edges[b].a {
			return edges[a].a < edges[b].a
		}
		return edges[a].b < edges[b].b
	})
	return edges
}

// smoothKnnDist finds sigma such that the memberships of the neighbor
// distances beyond rho sum to the target, by bisection.
func smoothKnnDist(d []float64, rho, target float64) float64 {
	lo, hi := 0.0, math.Inf(1)
	sigma := 1.0
	for iter := 0; iter < 64; iter++ {
		sum := 0.0
		for _, v := range d {
			if v > rho {
				sum += math.Exp(-(v - rho) / sigma)
			} else {
				sum++
			}
		}
		if math.Abs(sum-target) < 1e-5 {
			break
		}
		if sum > target {
			hi = sigma
			sigma = (lo + hi) / 2
		} else {
			lo = sigma
			if math.IsInf(hi, 1) {
				sigma *= 2
			} else {
				sigma = (lo + hi) / 2
			}
		}
	}
	return sigma
}

// initialLayout seeds the embedding from the first two principal
// components rescaled to ±10, with a small seeded jitter to separate
// coincident cells.
func initialLayout(x [][]float64, n int, rng *rand.Rand) [][2]float64 {
	emb := make([][2]float64, n)
	for dim := 0; dim < 2; dim++ {
		maxAbs := 0.0
		for i := range x {
			if dim < len(x[i]) && math.Abs(x[i][dim]) > maxAbs {
				maxAbs = math.Abs(x[i][dim])
			}
		}
		for i := range x {
			v := 0.0
			if dim < len(x[i]) && maxAbs > 0 {
				v = x[i][dim] / maxAbs * 10
			}
			emb[i][dim] = v + rng.Float64()*1e-4
		}
	}
	return emb
}

func attract(a, b *[2]float64, alpha float64) {
	d2 := sq(a[0]-b[0]) + sq(a[1]-b[1])
	if d2 == 0 {
		return
	}
	coef := -2 * umapA * umapB * math.Pow(d2, umapB-1) / (1 + umapA*math.Pow(d2, umapB))
	for dim := 0; dim < 2; dim++ {
		g := clip4(coef * (a[dim] - b[dim]))
		a[dim] += g * alpha
		b[dim] -= g * alpha
	}
}

func repulse(a, b *[2]float64, alpha float64) {
	if a == b {
		return
	}
	d2 := sq(a[0]-b[0]) + sq(a[1]-b[1])
	coef := 2 * umapB / ((0.001 + d2) * (1 + umapA*math.Pow(d2, umapB)))
	for dim := 0; dim < 2; dim++ {
		g := 4.0
		if d2 > 0 {
			g = clip4(coef * (a[dim] - b[dim]))
		}
		a[dim] += g * alpha
	}
}

func sq(v float64) float64 { return v * v }

func clip4(v float64) float64 {
	if v > 4 {
		return 4
	}
	if v < -4 {
		return -4
	}
	return v
}

type umapResult struct {
	UMAP        [][]float64
	Fingerprint string
}

type umapcmd struct {
	config Config
}

func (cmd *umapcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	key := cacheKey(ds.Fingerprint, "umap", cmd.config.UMAPSeed, cmd.config.UMAPNeighbors, cmd.config.UMAPEpochs, cmd.config.UsedComponents)
	var cached umapResult
	if cache.Load(key, &cached) {
		ds.UMAP, ds.Fingerprint = cached.UMAP, cached.Fingerprint
	} else {
		err = RunUMAP(ds, cmd.config)
		if err != nil {
			return 1
		}
		err = cache.Save(key, umapResult{ds.UMAP, ds.Fingerprint})
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
