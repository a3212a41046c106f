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
	"os"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// FromNpy loads a batch from a NumPy ".npy" file holding a 2d numeric
// array. Entries equal to "missing" (or NaN) become missing.
func FromNpy(path string, missing float64) (*Batch, error) {
	fileHandle, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening data file %v", path)
	}
	defer fileHandle.Close()

	reader, err := npyio.NewReader(fileHandle)
	if err != nil {
		return nil, errors.Wrapf(err, "reading npy header of %v", path)
	}
	dense := &mat.Dense{}
	if err := reader.Read(dense); err != nil {
		return nil, errors.Wrapf(err, "reading npy matrix from %v", path)
	}
	return FromDense(dense, missing)
}
