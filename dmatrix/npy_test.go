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

package dmatrix

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/treeforge/treeforge/utils/test"
)

func writeNpy(t *testing.T, dense *mat.Dense) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.npy")
	fileHandle, err := os.Create(path)
	test.CheckNoError(t, err, "")
	test.CheckNoError(t, npyio.Write(fileHandle, dense), "")
	test.CheckNoError(t, fileHandle.Close(), "")
	return path
}

func TestFromNpy(t *testing.T) {
	path := writeNpy(t, mat.NewDense(2, 3, []float64{
		1.5, 0, math.NaN(),
		0.25, -2, 0,
	}))

	batch, err := FromNpy(path, math.NaN())
	test.CheckNoError(t, err, "")
	checkBatch(t, batch,
		[]float32{1.5, 0, 0.25, -2, 0},
		[]uint32{0, 1, 0, 1, 2},
		[]uint64{0, 2, 5},
		3)
}

func TestFromNpyZeroMissing(t *testing.T) {
	path := writeNpy(t, mat.NewDense(2, 3, []float64{
		1.5, 0, math.NaN(),
		0.25, -2, 0,
	}))

	batch, err := FromNpy(path, 0)
	test.CheckNoError(t, err, "")
	checkBatch(t, batch,
		[]float32{1.5, 0.25, -2},
		[]uint32{0, 0, 1},
		[]uint64{0, 1, 3},
		3)
}

func TestFromNpyErrors(t *testing.T) {
	_, err := FromNpy(filepath.Join(t.TempDir(), "absent.npy"), math.NaN())
	test.CheckErrorContains(t, err, "opening data file", "")

	path := filepath.Join(t.TempDir(), "garbage.npy")
	test.CheckNoError(t, os.WriteFile(path, []byte("not a numpy file"), 0600), "")
	_, err = FromNpy(path, math.NaN())
	test.CheckErrorContains(t, err, "reading npy header", "")
}
