/*
 * Copyright 2022 Google LLC.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package dmatrix holds batches of examples in compressed sparse row form.
//
// A batch stores only the present feature values; absent entries are missing
// (not zero) and models route them through the default direction of each
// split. NaN values in any input source are dropped and become missing.
package dmatrix

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Batch is a read-only batch of examples in CSR form.
//
// Row i owns Values[RowPtr[i]:RowPtr[i+1]] and the matching entries of
// ColIndex. RowPtr has NumRow()+1 entries and starts at 0.
type Batch struct {
	Values   []float32
	ColIndex []uint32
	RowPtr   []uint64

	// Labels are the per-row labels when the input source carries them
	// (LibSVM files). nil otherwise.
	Labels []float32

	numCol int
}

// FromCSR wraps existing CSR arrays into a batch. NaN values are dropped.
// The arrays are copied.
func FromCSR(values []float32, colIndex []uint32, rowPtr []uint64, numRow, numCol int) (*Batch, error) {
	if len(rowPtr) != numRow+1 {
		return nil, fmt.Errorf("row pointer array has %d entries, expected numRow+1 = %d",
			len(rowPtr), numRow+1)
	}
	if rowPtr[0] != 0 {
		return nil, fmt.Errorf("row pointer array must start at 0, got %d", rowPtr[0])
	}
	if int(rowPtr[numRow]) != len(values) || len(values) != len(colIndex) {
		return nil, fmt.Errorf("inconsistent CSR arrays: %d values, %d column indices, %d referenced",
			len(values), len(colIndex), rowPtr[numRow])
	}
	for rowIdx := 0; rowIdx < numRow; rowIdx++ {
		if rowPtr[rowIdx+1] < rowPtr[rowIdx] || rowPtr[rowIdx+1] > uint64(len(values)) {
			return nil, fmt.Errorf("row pointer array is not monotonic at row %d", rowIdx)
		}
	}
	batch := &Batch{
		Values:   make([]float32, 0, len(values)),
		ColIndex: make([]uint32, 0, len(colIndex)),
		RowPtr:   make([]uint64, 1, numRow+1),
		numCol:   numCol,
	}
	for rowIdx := 0; rowIdx < numRow; rowIdx++ {
		for entryIdx := rowPtr[rowIdx]; entryIdx < rowPtr[rowIdx+1]; entryIdx++ {
			if math.IsNaN(float64(values[entryIdx])) {
				continue
			}
			if int(colIndex[entryIdx]) >= numCol {
				return nil, fmt.Errorf("row %d references column %d, the batch has %d columns",
					rowIdx, colIndex[entryIdx], numCol)
			}
			batch.Values = append(batch.Values, values[entryIdx])
			batch.ColIndex = append(batch.ColIndex, colIndex[entryIdx])
		}
		batch.RowPtr = append(batch.RowPtr, uint64(len(batch.Values)))
	}
	return batch, nil
}

// FromDense converts a dense matrix to a batch. Entries equal to "missing"
// are dropped; NaN entries are always dropped and do not need missing to be
// NaN.
func FromDense(m mat.Matrix, missing float64) (*Batch, error) {
	numRow, numCol := m.Dims()
	nanMissing := math.IsNaN(missing)
	batch := &Batch{
		RowPtr: make([]uint64, 1, numRow+1),
		numCol: numCol,
	}
	for rowIdx := 0; rowIdx < numRow; rowIdx++ {
		for colIdx := 0; colIdx < numCol; colIdx++ {
			value := m.At(rowIdx, colIdx)
			if math.IsNaN(value) || (!nanMissing && value == missing) {
				continue
			}
			batch.Values = append(batch.Values, float32(value))
			batch.ColIndex = append(batch.ColIndex, uint32(colIdx))
		}
		batch.RowPtr = append(batch.RowPtr, uint64(len(batch.Values)))
	}
	return batch, nil
}

// NumRow is the number of examples in the batch.
func (b *Batch) NumRow() int {
	return len(b.RowPtr) - 1
}

// NumCol is the number of feature columns.
func (b *Batch) NumCol() int {
	return b.numCol
}

// NumNonzero is the number of present entries.
func (b *Batch) NumNonzero() int {
	return len(b.Values)
}

// DenseRow scatters row rowIdx into dst, filling absent entries with NaN.
// dst must have at least NumCol entries; entries past NumCol are also set to
// NaN so a wider model sees the extra features as missing.
func (b *Batch) DenseRow(rowIdx int, dst []float32) {
	nan := float32(math.NaN())
	for colIdx := range dst {
		dst[colIdx] = nan
	}
	for entryIdx := b.RowPtr[rowIdx]; entryIdx < b.RowPtr[rowIdx+1]; entryIdx++ {
		dst[b.ColIndex[entryIdx]] = b.Values[entryIdx]
	}
}

// Slice returns a view of rows [begin;end). The view shares the value and
// column arrays with the parent batch.
func (b *Batch) Slice(begin, end int) (*Batch, error) {
	if begin < 0 || end > b.NumRow() || begin > end {
		return nil, fmt.Errorf("row window [%d;%d) out of range [0;%d)", begin, end, b.NumRow())
	}
	base := b.RowPtr[begin]
	rowPtr := make([]uint64, end-begin+1)
	for rowIdx := begin; rowIdx <= end; rowIdx++ {
		rowPtr[rowIdx-begin] = b.RowPtr[rowIdx] - base
	}
	sliced := &Batch{
		Values:   b.Values[base:b.RowPtr[end]],
		ColIndex: b.ColIndex[base:b.RowPtr[end]],
		RowPtr:   rowPtr,
		numCol:   b.numCol,
	}
	if b.Labels != nil {
		sliced.Labels = b.Labels[begin:end]
	}
	return sliced, nil
}

// Preview returns a short human-readable listing of the batch entries: the
// first 25 and last 25 when there are more than 50.
func (b *Batch) Preview() string {
	var sb strings.Builder
	writeEntry := func(entryIdx int) {
		rowIdx := 0
		for int(b.RowPtr[rowIdx+1]) <= entryIdx {
			rowIdx++
		}
		fmt.Fprintf(&sb, "  (%d, %d)\t%g\n", rowIdx, b.ColIndex[entryIdx], b.Values[entryIdx])
	}
	if b.NumNonzero() <= 50 {
		for entryIdx := 0; entryIdx < b.NumNonzero(); entryIdx++ {
			writeEntry(entryIdx)
		}
		return sb.String()
	}
	for entryIdx := 0; entryIdx < 25; entryIdx++ {
		writeEntry(entryIdx)
	}
	sb.WriteString("  :\t:\n")
	for entryIdx := b.NumNonzero() - 25; entryIdx < b.NumNonzero(); entryIdx++ {
		writeEntry(entryIdx)
	}
	return sb.String()
}

// FromFile loads a batch from a file in the named format: "libsvm" or
// "npy".
func FromFile(path, format string) (*Batch, error) {
	switch format {
	case "libsvm":
		return FromLibSVM(path)
	case "npy":
		return FromNpy(path, math.NaN())
	}
	return nil, fmt.Errorf("unknown data format %q, expected one of \"libsvm\", \"npy\"", format)
}
