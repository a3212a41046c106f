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
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FromLibSVM loads a batch from a LibSVM-format text file: one example per
// line, "label index:value ...", with indices used as written (no
// rebasing). "qid:..." tokens and lines starting with '#' are skipped. The
// number of columns is the largest index seen plus one.
func FromLibSVM(path string) (*Batch, error) {
	fileHandle, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening data file %v", path)
	}
	defer fileHandle.Close()

	batch := &Batch{
		RowPtr: make([]uint64, 1),
		Labels: make([]float32, 0),
	}
	scanner := bufio.NewScanner(fileHandle)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		label, err := strconv.ParseFloat(fields[0], 32)
		if err != nil {
			return nil, fmt.Errorf("%v:%d: label %q is not a number", path, lineNo, fields[0])
		}
		batch.Labels = append(batch.Labels, float32(label))
		for _, field := range fields[1:] {
			if strings.HasPrefix(field, "qid:") {
				continue
			}
			sep := strings.IndexByte(field, ':')
			if sep < 0 {
				return nil, fmt.Errorf("%v:%d: entry %q is not index:value", path, lineNo, field)
			}
			colIdx, err := strconv.ParseUint(field[:sep], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%v:%d: index %q is not an unsigned integer", path, lineNo, field[:sep])
			}
			value, err := strconv.ParseFloat(field[sep+1:], 32)
			if err != nil {
				return nil, fmt.Errorf("%v:%d: value %q is not a number", path, lineNo, field[sep+1:])
			}
			if math.IsNaN(value) {
				continue
			}
			batch.Values = append(batch.Values, float32(value))
			batch.ColIndex = append(batch.ColIndex, uint32(colIdx))
			if int(colIdx)+1 > batch.numCol {
				batch.numCol = int(colIdx) + 1
			}
		}
		batch.RowPtr = append(batch.RowPtr, uint64(len(batch.Values)))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading data file %v", path)
	}
	if batch.NumRow() == 0 {
		return nil, fmt.Errorf("data file %v contains no examples", path)
	}
	return batch, nil
}
