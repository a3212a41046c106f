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

package conformance

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/treeforge/treeforge/utils/test"
)

func TestCloseAllEqual(t *testing.T) {
	values := []float32{0.25, -0.5, 0, 1e-30, float32(math.Inf(1))}
	err := CloseAll(values, append([]float32(nil), values...), 1, 0, 0)
	test.CheckNoError(t, err, "identical buffers")
}

func TestCloseAllWithinTolerance(t *testing.T) {
	got := []float32{1.0001}
	want := []float32{1.0}
	test.CheckNoError(t, CloseAll(got, want, 1, 1e-3, 1e-3), "within both bounds")
	test.CheckErrorContains(t, CloseAll(got, want, 1, 1e-6, 1e-3), "outside tolerance",
		"absolute bound")
	test.CheckErrorContains(t, CloseAll(got, want, 1, 1e-3, 1e-6), "outside tolerance",
		"relative bound")
}

func TestCloseAllZeroReference(t *testing.T) {
	// The relative bound makes any nonzero value fail against a zero
	// reference.
	err := CloseAll([]float32{1e-30}, []float32{0}, 1, 0, 0)
	test.CheckErrorContains(t, err, "outside tolerance", "")
	test.CheckNoError(t, CloseAll([]float32{0}, []float32{0}, 1, 0, 0), "exact zero")
}

func TestCloseAllNaN(t *testing.T) {
	nan := float32(math.NaN())
	err := CloseAll([]float32{nan}, []float32{nan}, 1, 0, 0)
	test.CheckErrorContains(t, err, "outside tolerance", "NaN never passes")
}

func TestCloseAllLengthMismatch(t *testing.T) {
	err := CloseAll([]float32{1, 2}, []float32{1}, 1, 0, 0)
	test.CheckErrorContains(t, err, "got 2 values, want 1", "")
}

func TestCloseAllLocatesMismatch(t *testing.T) {
	got := []float32{0, 0, 0, 0, 7, 0}
	want := make([]float32, 6)
	err := CloseAll(got, want, 3, 0, 0)
	failure, ok := err.(*ToleranceError)
	if !ok {
		t.Fatalf("expected a *ToleranceError, got %v", err)
	}
	test.CheckEq(t, failure.Total, 1, "")
	test.CheckEq(t, failure.Mismatches[0], Mismatch{Row: 1, Col: 1, Got: 7, Want: 0}, "")
	test.CheckErrorContains(t, err, "row 1 col 1", "")
}

func TestCloseAllTruncatesReport(t *testing.T) {
	got := make([]float32, 25)
	for i := range got {
		got[i] = 1
	}
	err := CloseAll(got, make([]float32, 25), 5, 0, 0)
	failure, ok := err.(*ToleranceError)
	if !ok {
		t.Fatalf("expected a *ToleranceError, got %v", err)
	}
	test.CheckEq(t, failure.Total, 25, "")
	test.CheckEq(t, len(failure.Mismatches), maxReportedMismatches, "")
	test.CheckErrorContains(t, err, "25 values outside tolerance", "")
	test.CheckErrorContains(t, err, "...", "")
}

func TestSaveLoadRefRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preds.ref")
	values := []float32{0.5, -0.125, 0, 1e-07, 3.4028235e+38, -1.5e-30}
	test.CheckNoError(t, SaveRef(path, values), "")
	loaded, err := LoadRef(path)
	test.CheckNoError(t, err, "")
	test.CheckEq(t, loaded, values, "")
}

func TestLoadRefSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preds.ref")
	err := os.WriteFile(path, []byte("0.5\n\n1.25\n"), 0644)
	test.CheckNoError(t, err, "")
	loaded, err := LoadRef(path)
	test.CheckNoError(t, err, "")
	test.CheckEq(t, loaded, []float32{0.5, 1.25}, "")
}

func TestLoadRefErrors(t *testing.T) {
	_, err := LoadRef(filepath.Join(t.TempDir(), "missing.ref"))
	test.CheckErrorContains(t, err, "no such file", "")

	empty := filepath.Join(t.TempDir(), "empty.ref")
	test.CheckNoError(t, os.WriteFile(empty, nil, 0644), "")
	_, err = LoadRef(empty)
	test.CheckErrorContains(t, err, "holds no values", "")

	bad := filepath.Join(t.TempDir(), "bad.ref")
	test.CheckNoError(t, os.WriteFile(bad, []byte("0.5\nnot-a-number\n"), 0644), "")
	_, err = LoadRef(bad)
	test.CheckErrorContains(t, err, "bad.ref:2", "")
}

func TestLoadManifest(t *testing.T) {
	manifest, err := LoadManifest(filepath.Join("testdata", "manifest.yaml"))
	test.CheckNoError(t, err, "")
	test.CheckEq(t, len(manifest.Datasets), 4, "")

	mushroom, err := manifest.Lookup("mushroom")
	test.CheckNoError(t, err, "")
	test.CheckEq(t, mushroom.Format, "xgboost_json", "")
	test.CheckEq(t, mushroom.Model, filepath.Join("testdata", "mushroom.json"), "paths are resolved")
	test.CheckEq(t, mushroom.Multiclass, false, "")

	binary, err := manifest.Lookup("mushroom-binary")
	test.CheckNoError(t, err, "")
	test.CheckEq(t, binary.Format, "xgboost", "")

	dermatology, err := manifest.Lookup("dermatology")
	test.CheckNoError(t, err, "")
	test.CheckEq(t, dermatology.Multiclass, true, "")

	mq2008, err := manifest.Lookup("mq2008")
	test.CheckNoError(t, err, "")
	test.CheckEq(t, mq2008.ExpectedProb, "", "margins only")
	if mq2008.ExpectedMargin == "" {
		t.Error("mq2008 should have a margin reference")
	}

	_, err = manifest.Lookup("nonesuch")
	test.CheckErrorContains(t, err, `no dataset "nonesuch"`, "")
}

func TestLoadManifestValidation(t *testing.T) {
	write := func(content string) string {
		path := filepath.Join(t.TempDir(), "manifest.yaml")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	_, err := LoadManifest(write("datasets:\n  - model: m.json\n    format: xgboost_json\n    test: t.libsvm\n"))
	test.CheckErrorContains(t, err, "has no name", "")

	_, err = LoadManifest(write("datasets:\n  - name: x\n    test: t.libsvm\n"))
	test.CheckErrorContains(t, err, "needs a model and a format", "")

	_, err = LoadManifest(write("datasets:\n  - name: x\n    model: m.json\n    format: xgboost_json\n"))
	test.CheckErrorContains(t, err, "needs a test file", "")

	_, err = LoadManifest(write("datasets:\n  - name: x\n    frmt: typo\n"))
	test.CheckErrorContains(t, err, "frmt", "unknown fields are rejected")
}

func TestLoadManifestKeepsAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	absModel := filepath.Join(dir, "m.json")
	content := "datasets:\n  - name: x\n    model: " + absModel +
		"\n    format: xgboost_json\n    test: t.libsvm\n"
	path := filepath.Join(dir, "manifest.yaml")
	test.CheckNoError(t, os.WriteFile(path, []byte(content), 0644), "")
	manifest, err := LoadManifest(path)
	test.CheckNoError(t, err, "")
	test.CheckEq(t, manifest.Datasets[0].Model, absModel, "")
	test.CheckEq(t, manifest.Datasets[0].Test, filepath.Join(dir, "t.libsvm"), "")
}

func TestPipelineAnnotateNeedsTrain(t *testing.T) {
	manifest, err := LoadManifest(filepath.Join("testdata", "manifest.yaml"))
	test.CheckNoError(t, err, "")
	ds, err := manifest.Lookup("mushroom")
	test.CheckNoError(t, err, "")
	noTrain := *ds
	noTrain.Train = ""
	_, err = RunPipeline(context.Background(), &noTrain, &PipelineOptions{Annotate: true})
	test.CheckErrorContains(t, err, "no train file", "")
}
