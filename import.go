// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// ReadMatrixDir reads a matrix exchange directory: matrix.mtx,
// barcodes.tsv, and features.tsv (or genes.tsv), any of which may be
// gzipped. The matrix is features × barcodes.
func ReadMatrixDir(dir string) (features, barcodes []string, m *CountMatrix, err error) {
	features, err = readColumn(dir, "features.tsv", "genes.tsv")
	if err != nil {
		return nil, nil, nil, err
	}
	barcodes, err = readColumn(dir, "barcodes.tsv")
	if err != nil {
		return nil, nil, nil, err
	}
	m, err = readMatrixMarket(dir, len(features), len(barcodes))
	if err != nil {
		return nil, nil, nil, err
	}
	return features, barcodes, m, nil
}

func openExchangeFile(dir string, names ...string) (string, io.ReadCloser, error) {
	for _, name := range names {
		for _, path := range []string{filepath.Join(dir, name), filepath.Join(dir, name+".gz")} {
			f, err := os.Open(path)
			if os.IsNotExist(err) {
				continue
			} else if err != nil {
				return path, nil, &LoadError{Path: path, Err: err}
			}
			if strings.HasSuffix(path, ".gz") {
				gzr, err := pgzip.NewReader(f)
				if err != nil {
					f.Close()
					return path, nil, &LoadError{Path: path, Err: err}
				}
				return path, gzReadCloser{gzr, f}, nil
			}
			return path, f, nil
		}
	}
	return filepath.Join(dir, names[0]), nil, &LoadError{Path: filepath.Join(dir, names[0]), Err: os.ErrNotExist}
}

type gzReadCloser struct {
	*pgzip.Reader
	f *os.File
}

func (g gzReadCloser) Close() error {
	g.Reader.Close()
	return g.f.Close()
}

// readColumn reads the first (or, for feature lists with multiple
// columns, the second) tab-separated column of a list file.
func readColumn(dir string, names ...string) ([]string, error) {
	path, f, err := openExchangeFile(dir, names...)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<16), 1<<22)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) >= 2 {
			out = append(out, fields[1])
		} else {
			out = append(out, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if len(out) == 0 {
		return nil, &LoadError{Path: path, Err: errors.New("empty list file")}
	}
	return out, nil
}

func readMatrixMarket(dir string, nrows, ncols int) (*CountMatrix, error) {
	path, f, err := openExchangeFile(dir, "matrix.mtx")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<16), 1<<22)

	if !scanner.Scan() {
		return nil, &LoadError{Path: path, Err: errors.New("missing header")}
	}
	header := strings.Fields(scanner.Text())
	if len(header) < 4 || header[0] != "%%MatrixMarket" || header[1] != "matrix" || header[2] != "coordinate" {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("unsupported header %q", scanner.Text())}
	}
	if field := header[3]; field != "integer" && field != "real" {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("unsupported field type %q", field)}
	}
	if len(header) >= 5 && header[4] != "general" {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("unsupported symmetry %q", header[4])}
	}

	var dims []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		dims = strings.Fields(line)
		break
	}
	if len(dims) != 3 {
		return nil, &LoadError{Path: path, Err: errors.New("missing dimension line")}
	}
	rows, err1 := strconv.Atoi(dims[0])
	cols, err2 := strconv.Atoi(dims[1])
	nnz, err3 := strconv.Atoi(dims[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("malformed dimension line %q", strings.Join(dims, " "))}
	}
	if rows != nrows || cols != ncols {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("matrix is %d×%d but lists name %d features, %d barcodes", rows, cols, nrows, ncols)}
	}

	rowind := make([]int, 0, nnz)
	colind := make([]int, 0, nnz)
	data := make([]float64, 0, nnz)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("malformed entry %q", line)}
		}
		i, err1 := strconv.Atoi(fields[0])
		j, err2 := strconv.Atoi(fields[1])
		v, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("malformed entry %q", line)}
		}
		if i < 1 || i > rows || j < 1 || j > cols {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("entry %q outside %d×%d matrix", line, rows, cols)}
		}
		if v < 0 {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("negative count in entry %q", line)}
		}
		rowind = append(rowind, i-1)
		colind = append(colind, j-1)
		data = append(data, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if len(data) != nnz {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("header promises %d entries, found %d", nnz, len(data))}
	}
	return NewCountMatrix(rows, cols, rowind, colind, data), nil
}

// LoadCounts reads the RNA matrix directory (and optionally a hashtag
// matrix directory), keeps genes detected in at least minCells cells
// and cells expressing at least minFeatures genes, and returns a fresh
// Dataset with every surviving cell active.
func LoadCounts(rnaDir, htoDir string, minCells, minFeatures int) (*Dataset, error) {
	genes, barcodes, counts, err := ReadMatrixDir(rnaDir)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded %d genes × %d cells from %s", len(genes), len(barcodes), rnaDir)

	geneCells := counts.RowNonZeros()
	cellGenes := counts.ColNonZeros()
	keepGene := make([]int, len(genes))
	ngenes := 0
	for g := range genes {
		if geneCells[g] >= minCells {
			keepGene[g] = ngenes
			ngenes++
		} else {
			keepGene[g] = -1
		}
	}
	keepCell := make([]int, len(barcodes))
	ncells := 0
	for c := range barcodes {
		if cellGenes[c] >= minFeatures {
			keepCell[c] = ncells
			ncells++
		} else {
			keepCell[c] = -1
		}
	}
	if ngenes == 0 || ncells == 0 {
		return nil, &EmptyResultError{Stage: "import"}
	}

	ds := &Dataset{
		Genes:    make([]string, 0, ngenes),
		Barcodes: make([]string, 0, ncells),
	}
	for g, name := range genes {
		if keepGene[g] >= 0 {
			ds.Genes = append(ds.Genes, name)
		}
	}
	for c, bc := range barcodes {
		if keepCell[c] >= 0 {
			ds.Barcodes = append(ds.Barcodes, bc)
		}
	}
	var rowind, colind []int
	var data []float64
	for k := range counts.Data {
		g, c := keepGene[counts.RowInd[k]], keepCell[counts.ColInd[k]]
		if g >= 0 && c >= 0 {
			rowind = append(rowind, g)
			colind = append(colind, c)
			data = append(data, counts.Data[k])
		}
	}
	ds.Counts = NewCountMatrix(ngenes, ncells, rowind, colind, data)
	log.Printf("kept %d genes detected in ≥%d cells, %d cells with ≥%d features", ngenes, minCells, ncells, minFeatures)

	if htoDir != "" {
		tags, htoBarcodes, hto, err := ReadMatrixDir(htoDir)
		if err != nil {
			return nil, err
		}
		colOf := map[string]int{}
		for c, bc := range ds.Barcodes {
			colOf[bc] = c
		}
		var hrow, hcol []int
		var hdata []float64
		matched := 0
		seen := map[string]bool{}
		for k := range hto.Data {
			c, ok := colOf[htoBarcodes[hto.ColInd[k]]]
			if !ok {
				continue
			}
			if !seen[htoBarcodes[hto.ColInd[k]]] {
				seen[htoBarcodes[hto.ColInd[k]]] = true
				matched++
			}
			hrow = append(hrow, hto.RowInd[k])
			hcol = append(hcol, c)
			hdata = append(hdata, hto.Data[k])
		}
		ds.HTONames = tags
		ds.HTO = NewCountMatrix(len(tags), ncells, hrow, hcol, hdata)
		log.Printf("loaded %d hashtags from %s, %d/%d barcodes intersect the RNA matrix", len(tags), htoDir, matched, ncells)
	}

	nfeat := ds.Counts.ColNonZeros()
	ds.NFeatures = nfeat
	ds.Active = make([]int, ncells)
	for c := range ds.Active {
		ds.Active[c] = c
	}
	ds.Fingerprint = contentDigest(ds, minCells, minFeatures)
	return ds, nil
}

// contentDigest hashes the loaded matrices and the load parameters;
// it seeds the fingerprint chain that keys every cached result.
func contentDigest(ds *Dataset, minCells, minFeatures int) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "import\x00%d\x00%d\x00", minCells, minFeatures)
	for _, s := range ds.Genes {
		io.WriteString(h, s)
		h.Write([]byte{0})
	}
	for _, s := range ds.Barcodes {
		io.WriteString(h, s)
		h.Write([]byte{0})
	}
	hashMatrix := func(m *CountMatrix) {
		if m == nil {
			return
		}
		for k := range m.Data {
			binary.Write(h, binary.LittleEndian, int64(m.RowInd[k]))
			binary.Write(h, binary.LittleEndian, int64(m.ColInd[k]))
			binary.Write(h, binary.LittleEndian, m.Data[k])
		}
	}
	hashMatrix(ds.Counts)
	hashMatrix(ds.HTO)
	return fmt.Sprintf("%x", h.Sum(nil))
}

type importer struct {
	rnaDir      string
	htoDir      string
	minCells    int
	minFeatures int
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	outputFilename := flags.String("o", "-", "output snapshot `file`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	flags.StringVar(&cmd.rnaDir, "rna", "", "RNA matrix exchange `directory`")
	flags.StringVar(&cmd.htoDir, "hto", "", "hashtag matrix exchange `directory`")
	flags.IntVar(&cmd.minCells, "min-cells", 3, "keep genes detected in at least `N` cells")
	flags.IntVar(&cmd.minFeatures, "min-features", 200, "keep cells expressing at least `N` genes")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.rnaDir == "" {
		fmt.Fprintln(stderr, "cannot import without -rna argument")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	ds, err := LoadCounts(cmd.rnaDir, cmd.htoDir, cmd.minCells, cmd.minFeatures)
	if err != nil {
		return 1
	}
	err = saveSnapshot(*outputFilename, stdout, ds)
	if err != nil {
		return 1
	}
	return 0
}
