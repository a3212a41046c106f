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

package compiler

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/treeforge/treeforge/annotate"
	"github.com/treeforge/treeforge/model"
	"github.com/treeforge/treeforge/utils/file"
	"github.com/treeforge/treeforge/utils/test"
)

// stumpTree builds a single-split tree: "feature < threshold" routes to a
// leaf returning "left", everything else to a leaf returning "right".
func stumpTree(feature uint32, threshold float32, defaultLeft bool, left, right float32) model.Tree {
	return model.Tree{Nodes: []model.Node{
		{Feature: feature, Threshold: threshold, Op: model.OpLT, DefaultLeft: defaultLeft, Left: 1, Right: 2},
		{IsLeaf: true, LeafValue: left},
		{IsLeaf: true, LeafValue: right},
	}}
}

func scalarEnsemble(trees ...model.Tree) *model.Ensemble {
	return &model.Ensemble{
		NumFeature:     2,
		NumOutputGroup: 1,
		Trees:          trees,
		PredTransform:  model.TransformIdentity,
		SigmoidAlpha:   1,
	}
}

func sortedFileNames(compiled *CompiledModel) []string {
	var names []string
	for name := range compiled.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestCompileFiles(t *testing.T) {
	ens := scalarEnsemble(
		stumpTree(0, 1.5, true, 2.5, -0.5),
		stumpTree(1, -2, false, 0.5, 1.5),
	)

	compiled, err := Compile(ens, nil)
	test.CheckNoError(t, err, "")
	test.CheckEq(t, sortedFileNames(compiled), []string{"go.mod", "main.go", "model.go", "trees.go"}, "")
	test.CheckEq(t, compiled.Recipe.NumTree, 2, "")
	test.CheckEq(t, compiled.Recipe.Quantized, false, "")
	test.CheckEq(t, compiled.Recipe.Target, "treeforge-model", "")

	trees := string(compiled.Files["trees.go"])
	test.CheckEq(t, strings.Contains(trees, "func tree0(row []float32) float32 {"), true, "")
	test.CheckEq(t, strings.Contains(trees, "func tree1(row []float32) float32 {"), true, "")
	test.CheckEq(t, strings.Contains(string(compiled.Files["go.mod"]), "module treeforge-model"), true, "")
}

func TestCompileQuantized(t *testing.T) {
	ens := scalarEnsemble(
		stumpTree(0, 1.5, true, 2.5, -0.5),
		stumpTree(0, 3.5, true, 1, 0),
	)

	compiled, err := Compile(ens, &Param{Quantize: true})
	test.CheckNoError(t, err, "")
	test.CheckEq(t, sortedFileNames(compiled),
		[]string{"go.mod", "main.go", "model.go", "quantize.go", "trees.go"}, "")
	test.CheckEq(t, compiled.Recipe.Quantized, true, "")

	quantize := string(compiled.Files["quantize.go"])
	test.CheckEq(t, strings.Contains(quantize, "var thresholds = []float32{"), true, "")
	test.CheckEq(t, strings.Contains(quantize, "func quantizeRow(row []float32, qrow []int32) {"), true, "")
	test.CheckEq(t, strings.Contains(string(compiled.Files["main.go"]), "quantizeRow(row, qrow)"), true, "")
	test.CheckEq(t, strings.Contains(string(compiled.Files["trees.go"]), "qrow[0] < "), true, "")
}

func TestCompileParallelComp(t *testing.T) {
	var trees []model.Tree
	for i := 0; i < 8; i++ {
		trees = append(trees, stumpTree(0, float32(i), true, 1, 0))
	}
	ens := scalarEnsemble(trees...)

	compiled, err := Compile(ens, &Param{ParallelComp: 3})
	test.CheckNoError(t, err, "")
	test.CheckEq(t, sortedFileNames(compiled),
		[]string{"go.mod", "main.go", "model.go", "trees0.go", "trees1.go", "trees2.go"}, "")

	// ceil(8/3) = 3 trees in the first two files, 2 in the last.
	test.CheckEq(t, strings.Count(string(compiled.Files["trees0.go"]), "func tree"), 3, "")
	test.CheckEq(t, strings.Count(string(compiled.Files["trees1.go"]), "func tree"), 3, "")
	test.CheckEq(t, strings.Count(string(compiled.Files["trees2.go"]), "func tree"), 2, "")
	test.CheckEq(t, strings.Contains(string(compiled.Files["trees1.go"]), "func tree3(row"), true, "")
}

func TestCompileParallelCompMoreFilesThanTrees(t *testing.T) {
	ens := scalarEnsemble(stumpTree(0, 1, true, 1, 0), stumpTree(0, 2, true, 1, 0))

	compiled, err := Compile(ens, &Param{ParallelComp: 16})
	test.CheckNoError(t, err, "")
	test.CheckEq(t, strings.Count(string(compiled.Files["trees0.go"]), "func tree"), 1, "")
	test.CheckEq(t, strings.Count(string(compiled.Files["trees1.go"]), "func tree"), 1, "")
}

func TestCompileAnnotated(t *testing.T) {
	ens := scalarEnsemble(stumpTree(0, 1.5, true, 2.5, -0.5))
	annotation := &annotate.Annotation{Counts: [][]uint64{{10, 2, 8}}}

	compiled, err := Compile(ens, &Param{Annotation: annotation})
	test.CheckNoError(t, err, "")
	test.CheckEq(t, strings.Contains(string(compiled.Files["trees.go"]),
		"if notMissing(row[0]) && row[0] >= float32(1.5) {"), true, "")
}

func TestCompileAnnotationShapeMismatch(t *testing.T) {
	ens := scalarEnsemble(stumpTree(0, 1.5, true, 2.5, -0.5))
	annotation := &annotate.Annotation{Counts: [][]uint64{{10, 2, 8}, {1, 1, 1}}}

	_, err := Compile(ens, &Param{Annotation: annotation})
	test.CheckErrorContains(t, err, "annotation covers 2 trees", "")
}

func TestCompileRejectsNaN(t *testing.T) {
	nan := float32(math.NaN())

	_, err := Compile(scalarEnsemble(stumpTree(0, nan, true, 1, 0)), nil)
	test.CheckErrorContains(t, err, "NaN threshold", "")

	_, err = Compile(scalarEnsemble(stumpTree(0, 1, true, nan, 0)), nil)
	test.CheckErrorContains(t, err, "NaN leaf value", "")

	biased := scalarEnsemble(stumpTree(0, 1, true, 1, 0))
	biased.GlobalBias = nan
	_, err = Compile(biased, nil)
	test.CheckErrorContains(t, err, "NaN global bias", "")
}

func TestCompileQuantizeRejectsInfThreshold(t *testing.T) {
	ens := scalarEnsemble(stumpTree(0, float32(math.Inf(1)), true, 1, 0))

	_, err := Compile(ens, nil)
	test.CheckNoError(t, err, "")

	_, err = Compile(ens, &Param{Quantize: true})
	test.CheckErrorContains(t, err, "non-finite threshold", "")
}

func TestCompileModuleName(t *testing.T) {
	ens := scalarEnsemble(stumpTree(0, 1.5, true, 2.5, -0.5))

	compiled, err := Compile(ens, &Param{ModuleName: "mushroom-classifier"})
	test.CheckNoError(t, err, "")
	test.CheckEq(t, compiled.Recipe.Target, "mushroom-classifier", "")
	test.CheckEq(t, strings.Contains(string(compiled.Files["go.mod"]), "module mushroom-classifier"), true, "")
}

func TestRecipeSources(t *testing.T) {
	ens := scalarEnsemble(stumpTree(0, 1.5, true, 2.5, -0.5))

	compiled, err := Compile(ens, &Param{Quantize: true})
	test.CheckNoError(t, err, "")
	var names []string
	for _, source := range compiled.Recipe.Sources {
		names = append(names, source.Name)
		if source.Length <= 0 {
			t.Fatalf("source %v has length %v", source.Name, source.Length)
		}
	}
	test.CheckEq(t, names, []string{"main.go", "model.go", "quantize.go", "trees.go"}, "")
}

func TestWriteDir(t *testing.T) {
	ens := scalarEnsemble(stumpTree(0, 1.5, true, 2.5, -0.5))
	compiled, err := Compile(ens, &Param{Quantize: true})
	test.CheckNoError(t, err, "")

	dir := filepath.Join(t.TempDir(), "src")
	test.CheckNoError(t, compiled.WriteDir(dir), "")
	for _, name := range []string{"main.go", "model.go", "quantize.go", "trees.go", "go.mod", "recipe.json"} {
		test.CheckEq(t, file.Exists(filepath.Join(dir, name)), true, name)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "recipe.json"))
	test.CheckNoError(t, err, "")
	var recipe Recipe
	test.CheckNoError(t, json.Unmarshal(raw, &recipe), "")
	test.CheckEq(t, recipe, compiled.Recipe, "")
}
