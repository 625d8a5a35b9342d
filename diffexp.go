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
	"math"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

// DEResult is one gene's differential expression record between two
// cell groups. Read-only once computed.
type DEResult struct {
	Gene   string
	Group  string // set in all-markers mode
	MeanA  float64
	MeanB  float64
	PctA   float64
	PctB   float64
	Log2FC float64
	P      float64
	PAdj   float64
}

const log2Eps = 1e-9

// DiffExp compares per-gene expression between two cell groups over
// the log-normalized matrix. genes restricts the test to a subset
// (nil means all). Genes failing the min-pct or min-log2fc gates are
// not tested and do not appear in the result. The adjusted p-value is
// corrected across the tested genes only. Swapping the groups negates
// every log fold-change and leaves p-values unchanged.
func DiffExp(ds *Dataset, cellsA, cellsB []int, genes []int, cfg Config) ([]DEResult, error) {
	if ds.LogNorm == nil {
		return nil, errors.New("diffexp: no normalized matrix in snapshot (run normalize first)")
	}
	if len(cellsA) == 0 || len(cellsB) == 0 {
		return nil, &EmptyResultError{Stage: "diffexp"}
	}
	if genes == nil {
		genes = make([]int, ds.NGenes())
		for g := range genes {
			genes[g] = g
		}
	}
	inA := make([]bool, ds.NCells())
	inB := make([]bool, ds.NCells())
	for _, c := range cellsA {
		inA[c] = true
	}
	for _, c := range cellsB {
		inB[c] = true
	}
	nA, nB := float64(len(cellsA)), float64(len(cellsB))

	results := make([]*DEResult, len(genes))
	var work throttle
	work.Max = runtime.GOMAXPROCS(0)
	for idx, g := range genes {
		idx, g := idx, g
		work.Go(func() error {
			valsA := make([]float64, 0, len(cellsA))
			valsB := make([]float64, 0, len(cellsB))
			sumA, sumB := 0.0, 0.0
			nzA, nzB := 0, 0
			ds.LogNorm.DoRow(g, func(c int, v float64) {
				// a cell may be in both groups (self-comparison)
				if inA[c] {
					valsA = append(valsA, v)
					sumA += v
					nzA++
				}
				if inB[c] {
					valsB = append(valsB, v)
					sumB += v
					nzB++
				}
			})
			meanA, meanB := sumA/nA, sumB/nB
			pctA, pctB := float64(nzA)/nA, float64(nzB)/nB
			log2fc := math.Log2((meanA + log2Eps) / (meanB + log2Eps))
			if pctA < cfg.MinPct && pctB < cfg.MinPct {
				return nil
			}
			if math.Abs(log2fc) < cfg.MinLog2FC {
				return nil
			}
			// pad the omitted zero entries back in for ranking
			for len(valsA) < len(cellsA) {
				valsA = append(valsA, 0)
			}
			for len(valsB) < len(cellsB) {
				valsB = append(valsB, 0)
			}
			results[idx] = &DEResult{
				Gene:   ds.Genes[g],
				MeanA:  meanA,
				MeanB:  meanB,
				PctA:   pctA,
				PctB:   pctB,
				Log2FC: log2fc,
				P:      ranksumP(valsA, valsB),
			}
			return nil
		})
	}
	work.Wait()

	tested := make([]DEResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			tested = append(tested, *r)
		}
	}
	adjust(tested, cfg.PAdjust)
	sortResults(tested)
	return tested, nil
}

func sortResults(results []DEResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].PAdj != results[j].PAdj {
			return results[i].PAdj < results[j].PAdj
		}
		if a, b := math.Abs(results[i].Log2FC), math.Abs(results[j].Log2FC); a != b {
			return a > b
		}
		return results[i].Gene < results[j].Gene
	})
}

// adjust fills PAdj in place across the tested genes.
func adjust(results []DEResult, method string) {
	n := len(results)
	if n == 0 {
		return
	}
	switch method {
	case "BH":
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return results[idx[a]].P < results[idx[b]].P })
		minAdj := 1.0
		for i := n - 1; i >= 0; i-- {
			adj := results[idx[i]].P * float64(n) / float64(i+1)
			if adj > 1 {
				adj = 1
			}
			if adj < minAdj {
				minAdj = adj
			}
			results[idx[i]].PAdj = minAdj
		}
	default: // bonferroni
		for i := range results {
			adj := results[i].P * float64(n)
			if adj > 1 {
				adj = 1
			}
			results[i].PAdj = adj
		}
	}
}

// ranksumP is the two-sided Wilcoxon rank-sum (Mann-Whitney) p-value
// under the normal approximation with tie correction. Identical value
// multisets give p = 1 exactly.
func ranksumP(a, b []float64) float64 {
	n1, n2 := float64(len(a)), float64(len(b))
	if n1 == 0 || n2 == 0 {
		return 1
	}
	type entry struct {
		v   float64
		inA bool
	}
	combined := make([]entry, 0, len(a)+len(b))
	for _, v := range a {
		combined = append(combined, entry{v, true})
	}
	for _, v := range b {
		combined = append(combined, entry{v, false})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].v < combined[j].v })

	n := len(combined)
	ranks := make([]float64, n)
	tieSum := 0.0
	for i := 0; i < n; {
		j := i
		for j < n && combined[j].v == combined[i].v {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}
	r1 := 0.0
	for i, e := range combined {
		if e.inA {
			r1 += ranks[i]
		}
	}
	u1 := r1 - n1*(n1+1)/2
	u := math.Min(u1, n1*n2-u1)
	mu := n1 * n2 / 2
	nf := float64(n)
	sigma := math.Sqrt(n1 * n2 * ((nf + 1) - tieSum/(nf*(nf-1))) / 12)
	if sigma == 0 {
		return 1
	}
	z := (u - mu) / sigma
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	p := 2 * norm.CDF(z)
	if p > 1 {
		p = 1
	}
	return p
}

// GroupCells returns the active cells whose label under groupBy
// ("sample", or a cluster label set such as "res0.5") equals ident.
func GroupCells(ds *Dataset, groupBy, ident string) ([]int, error) {
	var cells []int
	if groupBy == "sample" {
		if ds.SampleLabel == nil {
			return nil, errors.New("no sample labels in snapshot (run demux first)")
		}
		for _, c := range ds.Active {
			if ds.SampleLabel[c] == ident {
				cells = append(cells, c)
			}
		}
		return cells, nil
	}
	labels, ok := ds.Clusters[groupBy]
	if !ok {
		return nil, fmt.Errorf("no cluster label set %q in snapshot (run cluster first)", groupBy)
	}
	id, err := strconv.Atoi(ident)
	if err != nil {
		return nil, &ParameterError{"ident", ident, "cluster ids are integers"}
	}
	for _, c := range ds.Active {
		if labels[c] == id {
			cells = append(cells, c)
		}
	}
	return cells, nil
}

// groupRest returns the active cells not in group.
func groupRest(ds *Dataset, group []int) []int {
	in := make([]bool, ds.NCells())
	for _, c := range group {
		in[c] = true
	}
	var rest []int
	for _, c := range ds.Active {
		if !in[c] {
			rest = append(rest, c)
		}
	}
	return rest
}

// AllMarkers runs one-vs-rest for every label under groupBy and
// returns the combined table, each row tagged with its group.
func AllMarkers(ds *Dataset, groupBy string, genes []int, cfg Config) ([]DEResult, error) {
	var idents []string
	if groupBy == "sample" {
		seen := map[string]bool{}
		for _, c := range ds.Active {
			seen[ds.SampleLabel[c]] = true
		}
		for l := range seen {
			idents = append(idents, l)
		}
		sort.Strings(idents)
	} else {
		labels, ok := ds.Clusters[groupBy]
		if !ok {
			return nil, fmt.Errorf("no cluster label set %q in snapshot (run cluster first)", groupBy)
		}
		max := -1
		for _, c := range ds.Active {
			if labels[c] > max {
				max = labels[c]
			}
		}
		for id := 0; id <= max; id++ {
			idents = append(idents, strconv.Itoa(id))
		}
	}
	var combined []DEResult
	for _, ident := range idents {
		group, err := GroupCells(ds, groupBy, ident)
		if err != nil {
			return nil, err
		}
		if len(group) == 0 {
			continue
		}
		rest := groupRest(ds, group)
		if len(rest) == 0 {
			continue
		}
		results, err := DiffExp(ds, group, rest, genes, cfg)
		if err != nil {
			return nil, err
		}
		for i := range results {
			results[i].Group = ident
		}
		log.Printf("diffexp: %s=%s: %d markers from %d cells", groupBy, ident, len(results), len(group))
		combined = append(combined, results...)
	}
	return combined, nil
}

func writeDETable(w io.Writer, results []DEResult, withGroup bool) error {
	bufw := bufio.NewWriter(w)
	if withGroup {
		fmt.Fprintln(bufw, "group\tgene\tmean1\tmean2\tpct1\tpct2\tlog2fc\tpval\tpval_adj")
	} else {
		fmt.Fprintln(bufw, "gene\tmean1\tmean2\tpct1\tpct2\tlog2fc\tpval\tpval_adj")
	}
	for _, r := range results {
		if withGroup {
			fmt.Fprintf(bufw, "%s\t", r.Group)
		}
		fmt.Fprintf(bufw, "%s\t%.6g\t%.6g\t%.4f\t%.4f\t%.6g\t%.6g\t%.6g\n",
			r.Gene, r.MeanA, r.MeanB, r.PctA, r.PctB, r.Log2FC, r.P, r.PAdj)
	}
	return bufw.Flush()
}

// geneSubset resolves a comma-separated gene name list to indices.
func geneSubset(ds *Dataset, list string) ([]int, error) {
	if list == "" {
		return nil, nil
	}
	index := map[string]int{}
	for g, name := range ds.Genes {
		index[name] = g
	}
	var genes []int
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		g, ok := index[name]
		if !ok {
			log.Warnf("diffexp: gene %q not in the filtered matrix, skipping", name)
			continue
		}
		genes = append(genes, g)
	}
	if len(genes) == 0 {
		return nil, errors.New("diffexp: none of the requested genes are present")
	}
	return genes, nil
}

type diffexpcmd struct {
	config Config
}

func (cmd *diffexpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputFilename := flags.String("o", "-", "output table `file`")
	configFile := flags.String("config", "", "JSON parameter `file` (flags override)")
	cacheDir := flags.String("cache-dir", "", "reuse results from this `directory` when input and parameters match")
	groupBy := flags.String("group-by", "sample", "grouping: sample or a cluster label set (res0.5)")
	ident1 := flags.String("ident1", "", "first group label")
	ident2 := flags.String("ident2", "", "second group label (default: all other active cells)")
	allMarkers := flags.Bool("all-markers", false, "one-vs-rest for every group label")
	geneList := flags.String("genes", "", "comma-separated gene `names` to test (default: all)")
	test := flags.String("test", "wilcox", "per-gene test: wilcox or lr")
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
	if *test != "wilcox" && *test != "lr" {
		err = &ParameterError{"test", *test, "must be wilcox or lr"}
		return 2
	}
	if !*allMarkers && *ident1 == "" {
		fmt.Fprintln(stderr, "cannot run diffexp without -ident1 (or -all-markers)")
		return 2
	}
	if *allMarkers && *test == "lr" {
		err = &ParameterError{"test", *test, "lr is not supported with -all-markers"}
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	ds, err := loadSnapshot(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	genes, err := geneSubset(ds, *geneList)
	if err != nil {
		return 1
	}

	cache := &resultCache{Dir: *cacheDir}
	key := cacheKey(ds.Fingerprint, "diffexp", *groupBy, *ident1, *ident2, *allMarkers, *geneList, *test,
		cmd.config.MinPct, cmd.config.MinLog2FC, cmd.config.PAdjust)
	var results []DEResult
	if !cache.Load(key, &results) {
		if *allMarkers {
			results, err = AllMarkers(ds, *groupBy, genes, cmd.config)
		} else {
			var cellsA, cellsB []int
			cellsA, err = GroupCells(ds, *groupBy, *ident1)
			if err != nil {
				return 1
			}
			if *ident2 == "" {
				cellsB = groupRest(ds, cellsA)
			} else {
				cellsB, err = GroupCells(ds, *groupBy, *ident2)
				if err != nil {
					return 1
				}
			}
			results, err = DiffExp(ds, cellsA, cellsB, genes, cmd.config)
			if err == nil && *test == "lr" {
				err = LRTest(ds, results, cellsA, cellsB, cmd.config)
			}
		}
		if err != nil {
			return 1
		}
		err = cache.Save(key, results)
		if err != nil {
			return 1
		}
	}

	output, err := openOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	err = writeDETable(output, results, *allMarkers)
	if err != nil {
		output.Close()
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
