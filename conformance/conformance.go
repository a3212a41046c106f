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

// Package conformance checks compiled modules against the reference
// evaluator and against stored reference predictions: load a model, run the
// full compile-build-predict pipeline, and compare every output value under
// both an absolute and a relative tolerance.
package conformance

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Default tolerances. A value passes only if it satisfies both.
const (
	DefaultAtol = 1e-11
	DefaultRtol = 1e-8
)

// Mismatch is one output value outside tolerance.
type Mismatch struct {
	Row  int
	Col  int
	Got  float32
	Want float32
}

// maxReportedMismatches bounds how many mismatches a ToleranceError keeps.
const maxReportedMismatches = 10

// ToleranceError reports outputs outside tolerance. Mismatches holds the
// first few; Total counts all of them.
type ToleranceError struct {
	Mismatches []Mismatch
	Total      int
}

func (e *ToleranceError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d values outside tolerance", e.Total)
	for _, m := range e.Mismatches {
		fmt.Fprintf(&sb, "\n  row %d col %d: got %v, want %v", m.Row, m.Col, m.Got, m.Want)
	}
	if e.Total > len(e.Mismatches) {
		fmt.Fprintf(&sb, "\n  ...")
	}
	return sb.String()
}

// CloseAll compares two flat prediction buffers elementwise. Every value
// must satisfy |got-want| <= atol and |got-want| <= rtol*|want|.
// outputsPerRow locates mismatches by row and column. Zero tolerances are
// replaced by the defaults.
func CloseAll(got, want []float32, outputsPerRow int, atol, rtol float64) error {
	if len(got) != len(want) {
		return fmt.Errorf("got %d values, want %d", len(got), len(want))
	}
	if outputsPerRow < 1 {
		outputsPerRow = 1
	}
	if atol == 0 {
		atol = DefaultAtol
	}
	if rtol == 0 {
		rtol = DefaultRtol
	}
	var failure ToleranceError
	for i := range got {
		if got[i] == want[i] {
			continue
		}
		diff := math.Abs(float64(got[i]) - float64(want[i]))
		if diff <= atol && diff <= rtol*math.Abs(float64(want[i])) {
			continue
		}
		failure.Total++
		if len(failure.Mismatches) < maxReportedMismatches {
			failure.Mismatches = append(failure.Mismatches, Mismatch{
				Row:  i / outputsPerRow,
				Col:  i % outputsPerRow,
				Got:  got[i],
				Want: want[i],
			})
		}
	}
	if failure.Total > 0 {
		return &failure
	}
	return nil
}

// SaveRef writes reference predictions as flat text, one value per line.
func SaveRef(path string, values []float32) error {
	var sb strings.Builder
	for _, value := range values {
		sb.WriteString(strconv.FormatFloat(float64(value), 'g', -1, 32))
		sb.WriteString("\n")
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}

// LoadRef reads reference predictions written by SaveRef.
func LoadRef(path string) ([]float32, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	var values []float32
	scanner := bufio.NewScanner(in)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		value, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %v", path, line, err)
		}
		values = append(values, float32(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s holds no values", path)
	}
	return values, nil
}
