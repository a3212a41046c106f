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
	"path/filepath"
	"testing"

	"github.com/treeforge/treeforge/utils/test"
)

func writeLibSVM(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.libsvm")
	test.CheckNoError(t, os.WriteFile(path, []byte(content), 0600), "")
	return path
}

func TestFromLibSVM(t *testing.T) {
	batch, err := FromLibSVM(writeLibSVM(t, `# generated fixture
1 0:0.5 3:1.5
0 qid:7 1:-2

2.5 2:0.25
`))
	test.CheckNoError(t, err, "")
	checkBatch(t, batch,
		[]float32{0.5, 1.5, -2, 0.25},
		[]uint32{0, 3, 1, 2},
		[]uint64{0, 2, 3, 4},
		4)
	test.CheckEq(t, batch.NumRow(), 3, "")
	test.CheckEq(t, batch.Labels, []float32{1, 0, 2.5}, "")
}

func TestFromLibSVMLabelOnlyRow(t *testing.T) {
	batch, err := FromLibSVM(writeLibSVM(t, "5\n1 1:0.5\n"))
	test.CheckNoError(t, err, "")
	test.CheckEq(t, batch.NumRow(), 2, "")
	test.CheckEq(t, batch.RowPtr, []uint64{0, 0, 1}, "")
	test.CheckEq(t, batch.Labels, []float32{5, 1}, "")
}

func TestFromLibSVMDropsNaN(t *testing.T) {
	batch, err := FromLibSVM(writeLibSVM(t, "1 0:nan 1:2\n"))
	test.CheckNoError(t, err, "")
	checkBatch(t, batch, []float32{2}, []uint32{1}, []uint64{0, 1}, 2)
}

func TestFromLibSVMErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad label", "1 0:1\nx 0:1\n", `:2: label "x" is not a number`},
		{"bad entry", "1 3\n", `:1: entry "3" is not index:value`},
		{"bad index", "1 -1:2\n", `:1: index "-1" is not an unsigned integer`},
		{"bad value", "1 0:abc\n", `:1: value "abc" is not a number`},
		{"empty file", "", "contains no examples"},
		{"comments only", "# nothing\n\n", "contains no examples"},
	}
	for _, testCase := range tests {
		_, err := FromLibSVM(writeLibSVM(t, testCase.content))
		test.CheckErrorContains(t, err, testCase.want, testCase.name)
	}

	_, err := FromLibSVM(filepath.Join(t.TempDir(), "absent.libsvm"))
	test.CheckErrorContains(t, err, "opening data file", "")
}
