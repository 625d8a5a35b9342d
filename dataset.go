// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// Cell labels assigned by demultiplexing, alongside the configured
// sample names.
const (
	LabelDoublet  = "Doublet"
	LabelNegative = "Negative"
)

// CountMatrix is a sparse genes × cells (or hashtags × cells) matrix.
// The triplet form is what goes into snapshots; the CSR form used for
// computation is rebuilt on demand and never serialized.
type CountMatrix struct {
	NRows, NCols   int
	RowInd, ColInd []int
	Data           []float64

	csr     *sparse.CSR
	csrOnce sync.Once
}

func NewCountMatrix(rows, cols int, rowind, colind []int, data []float64) *CountMatrix {
	return &CountMatrix{NRows: rows, NCols: cols, RowInd: rowind, ColInd: colind, Data: data}
}

func (m *CountMatrix) Dims() (int, int) { return m.NRows, m.NCols }

// Mat returns the CSR form, building it on first use. The triplet
// slices are copied because the sparse package takes ownership. Safe
// for concurrent callers.
func (m *CountMatrix) Mat() *sparse.CSR {
	m.csrOnce.Do(func() {
		rowind := append([]int(nil), m.RowInd...)
		colind := append([]int(nil), m.ColInd...)
		data := append([]float64(nil), m.Data...)
		m.csr = sparse.NewCOO(m.NRows, m.NCols, rowind, colind, data).ToCSR()
	})
	return m.csr
}

func (m *CountMatrix) At(i, j int) float64 { return m.Mat().At(i, j) }

// DoRow calls fn for every nonzero entry in row i.
func (m *CountMatrix) DoRow(i int, fn func(j int, v float64)) {
	m.Mat().DoRowNonZero(i, func(_, j int, v float64) { fn(j, v) })
}

// Row returns row i as a dense vector.
func (m *CountMatrix) Row(i int) []float64 {
	out := make([]float64, m.NCols)
	m.DoRow(i, func(j int, v float64) { out[j] = v })
	return out
}

// ColSums returns per-column totals over all rows.
func (m *CountMatrix) ColSums() []float64 {
	sums := make([]float64, m.NCols)
	for k, col := range m.ColInd {
		sums[col] += m.Data[k]
	}
	return sums
}

// ColNonZeros returns the number of nonzero rows per column.
func (m *CountMatrix) ColNonZeros() []int {
	nnz := make([]int, m.NCols)
	for k, col := range m.ColInd {
		if m.Data[k] != 0 {
			nnz[col]++
		}
	}
	return nnz
}

// RowNonZeros returns the number of nonzero columns per row.
func (m *CountMatrix) RowNonZeros() []int {
	nnz := make([]int, m.NRows)
	for k, row := range m.RowInd {
		if m.Data[k] != 0 {
			nnz[row]++
		}
	}
	return nnz
}

// Transform returns a new matrix with the same sparsity pattern and
// fn applied to every stored value. The receiver is left untouched.
func (m *CountMatrix) Transform(fn func(row, col int, v float64) float64) *CountMatrix {
	data := make([]float64, len(m.Data))
	for k, v := range m.Data {
		data[k] = fn(m.RowInd[k], m.ColInd[k], v)
	}
	return NewCountMatrix(m.NRows, m.NCols, m.RowInd, m.ColInd, data)
}

// Dataset is the annotated single-cell dataset passed between pipeline
// stages. Raw counts are immutable after import: filters shrink Active,
// normalization adds LogNorm, and each stage appends annotations
// without overwriting earlier ones.
type Dataset struct {
	Genes    []string
	Barcodes []string

	// Raw RNA counts, genes × cells. Never modified after import.
	Counts *CountMatrix

	// Hashtag oligo counts, tags × cells, columns aligned with
	// Barcodes. Nil when no hashtag directory was imported.
	HTONames []string
	HTO      *CountMatrix

	// Derived log-normalized matrix; coexists with Counts.
	LogNorm *CountMatrix

	// Per-cell annotations, indexed like Barcodes.
	NFeatures   []int
	MitoFrac    []float64
	SampleLabel []string
	AuxLabel    []string

	// Active is the sorted working set of cell indices. Filtered
	// cells stay in the matrices but leave Active.
	Active []int

	// Feature selection and embeddings. VariableGenes is ordered by
	// decreasing dispersion. PCA/UMAP rows are nil for cells outside
	// Active at the time the embedding was computed.
	VariableGenes     []int
	ScaledData        []float64 // len(VariableGenes) × nActive, row-major
	ScaledCells       []int     // Active snapshot the scaling was computed on
	PCA               [][]float64
	ExplainedVariance []float64
	UMAP              [][]float64

	// Cluster label sets keyed by resolution ("res0.5" etc). Values
	// are per-cell ids, -1 for cells outside Active. Distinct
	// resolutions coexist.
	Clusters map[string][]int

	// Fingerprint is a running blake2b digest over the input files
	// and every (stage, parameters) applied so far; it keys cached
	// results.
	Fingerprint string
}

func (ds *Dataset) NGenes() int { return len(ds.Genes) }
func (ds *Dataset) NCells() int { return len(ds.Barcodes) }

// stamp folds a stage name and its parameters into the dataset
// fingerprint.
func (ds *Dataset) stamp(stage string, params ...interface{}) {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s\x00%s\x00", ds.Fingerprint, stage)
	for _, p := range params {
		fmt.Fprintf(h, "%v\x00", p)
	}
	ds.Fingerprint = hex.EncodeToString(h.Sum(nil))
}

// WriteDataset writes a gob snapshot, pgzip-compressed when gz is set.
func WriteDataset(w io.Writer, gz bool, ds *Dataset) error {
	bufw := bufio.NewWriterSize(w, 1<<20)
	var out io.Writer = bufw
	var gzw *pgzip.Writer
	if gz {
		gzw = pgzip.NewWriter(bufw)
		out = gzw
	}
	if err := gob.NewEncoder(out).Encode(ds); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if gzw != nil {
		if err := gzw.Close(); err != nil {
			return err
		}
	}
	return bufw.Flush()
}

// ReadDataset reads a snapshot written by WriteDataset.
func ReadDataset(r io.Reader, gz bool) (*Dataset, error) {
	var in io.Reader = bufio.NewReaderSize(r, 1<<20)
	if gz {
		gzr, err := pgzip.NewReader(in)
		if err != nil {
			return nil, err
		}
		defer gzr.Close()
		in = gzr
	}
	var ds Dataset
	if err := gob.NewDecoder(in).Decode(&ds); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &ds, nil
}

func loadSnapshot(filename string, stdin io.Reader) (*Dataset, error) {
	f, err := openInput(filename, stdin)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadDataset(f, strings.HasSuffix(filename, ".gz"))
}

func saveSnapshot(filename string, stdout io.Writer, ds *Dataset) error {
	f, err := openOutput(filename, stdout)
	if err != nil {
		return err
	}
	err = WriteDataset(f, strings.HasSuffix(filename, ".gz"), ds)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
