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

// Package compiler turns a tree ensemble into the source of a standalone Go
// module that serves predictions over a pipe. The generated module depends
// only on the standard library; the build package compiles it into an
// executable and the predict package runs it.
//
// Usage example:
//
//	compiled, err := compiler.Compile(ensemble, &compiler.Param{Quantize: true})
//	if err != nil { ... }
//	if err := compiled.WriteDir("/tmp/my_model_src"); err != nil { ... }
package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/treeforge/treeforge/annotate"
	"github.com/treeforge/treeforge/model"
	"github.com/treeforge/treeforge/utils/file"
)

const defaultModuleName = "treeforge-model"

// Param configures compilation. The zero value compiles unquantized,
// unannotated code into a single trees.go.
type Param struct {
	// Quantize replaces threshold comparisons with integer comparisons
	// against per-feature threshold ranks. Predictions are unchanged.
	Quantize bool

	// ParallelComp splits the tree functions over up to this many source
	// files so large models build in parallel. Zero or negative emits a
	// single trees.go.
	ParallelComp int

	// Annotation supplies branch visit counts. The likelier child of each
	// split is emitted as the first arm. Predictions are unchanged.
	Annotation *annotate.Annotation

	// ModuleName is the module path of the generated go.mod. Empty uses
	// "treeforge-model".
	ModuleName string

	// Nthread bounds the number of goroutines generating tree functions.
	// Zero or negative uses all CPUs.
	Nthread int

	// Verbose logs compilation progress.
	Verbose bool
}

// CompiledModel is the generated source, keyed by file name, plus the
// recipe describing it.
type CompiledModel struct {
	Files  map[string][]byte
	Recipe Recipe
}

// Recipe summarizes a compilation for tooling: the build target and the
// source files with their line counts. It is written next to the sources as
// recipe.json.
type Recipe struct {
	Target    string         `json:"target"`
	NumTree   int            `json:"num_tree"`
	Quantized bool           `json:"quantize"`
	Sources   []RecipeSource `json:"sources"`
}

// RecipeSource is one generated file in a Recipe.
type RecipeSource struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
}

// Compile generates the module source for an ensemble. A nil param compiles
// with defaults.
func Compile(ens *model.Ensemble, param *Param) (*CompiledModel, error) {
	if param == nil {
		param = &Param{}
	}
	if err := ens.Validate(); err != nil {
		return nil, err
	}
	if err := checkCompilable(ens, param.Quantize); err != nil {
		return nil, err
	}
	if param.Annotation != nil {
		if err := param.Annotation.CheckShape(ens); err != nil {
			return nil, err
		}
	}
	var tables *quantTables
	if param.Quantize {
		tables = buildQuantTables(ens)
	}

	numTree := ens.NumTrees()
	sources := make([]string, numTree)
	usesInf := make([]bool, numTree)
	nthread := param.Nthread
	if nthread <= 0 {
		nthread = runtime.NumCPU()
	}
	if nthread > numTree {
		nthread = numTree
	}
	var wg sync.WaitGroup
	for shard := 0; shard < nthread; shard++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			for treeIdx := shard; treeIdx < numTree; treeIdx += nthread {
				var counts []uint64
				if param.Annotation != nil {
					counts = param.Annotation.Counts[treeIdx]
				}
				sources[treeIdx], usesInf[treeIdx] = emitTree(ens, treeIdx, counts, tables)
			}
		}(shard)
	}
	wg.Wait()

	moduleName := param.ModuleName
	if moduleName == "" {
		moduleName = defaultModuleName
	}
	files := map[string][]byte{}
	var buf bytes.Buffer
	if err := mainTemplate.Execute(&buf, mainData{Quantized: param.Quantize}); err != nil {
		return nil, errors.Wrap(err, "rendering main.go")
	}
	files["main.go"] = append([]byte(nil), buf.Bytes()...)
	buf.Reset()
	if err := goModTemplate.Execute(&buf, struct{ ModuleName string }{moduleName}); err != nil {
		return nil, errors.Wrap(err, "rendering go.mod")
	}
	files["go.mod"] = append([]byte(nil), buf.Bytes()...)
	files["model.go"] = emitModelFile(ens, param.Quantize)
	if tables != nil {
		files["quantize.go"] = emitQuantizeFile(tables)
	}
	treeFileNames := chunkTrees(files, sources, usesInf, param.ParallelComp)

	recipe := Recipe{
		Target:    moduleName,
		NumTree:   numTree,
		Quantized: param.Quantize,
	}
	recipeNames := []string{"main.go", "model.go"}
	if tables != nil {
		recipeNames = append(recipeNames, "quantize.go")
	}
	recipeNames = append(recipeNames, treeFileNames...)
	for _, name := range recipeNames {
		recipe.Sources = append(recipe.Sources, RecipeSource{
			Name:   name,
			Length: bytes.Count(files[name], []byte("\n")),
		})
	}
	if param.Verbose {
		log.Printf("compiled %d trees into %d source files", numTree, len(files))
	}
	return &CompiledModel{Files: files, Recipe: recipe}, nil
}

// chunkTrees distributes the tree functions over source files and returns
// the file names in tree order.
func chunkTrees(files map[string][]byte, sources []string, usesInf []bool, parallelComp int) []string {
	numTree := len(sources)
	if numTree == 0 {
		return nil
	}
	if parallelComp <= 0 {
		files["trees.go"] = emitTreesFile(sources, anyTrue(usesInf))
		return []string{"trees.go"}
	}
	numFiles := parallelComp
	if numFiles > numTree {
		numFiles = numTree
	}
	chunk := (numTree + numFiles - 1) / numFiles
	var names []string
	for begin := 0; begin < numTree; begin += chunk {
		end := begin + chunk
		if end > numTree {
			end = numTree
		}
		name := fmt.Sprintf("trees%d.go", len(names))
		files[name] = emitTreesFile(sources[begin:end], anyTrue(usesInf[begin:end]))
		names = append(names, name)
	}
	return names
}

func anyTrue(flags []bool) bool {
	for _, flag := range flags {
		if flag {
			return true
		}
	}
	return false
}

// checkCompilable rejects values the code generator cannot render: NaN
// anywhere, and non-finite thresholds when quantizing.
func checkCompilable(ens *model.Ensemble, quantize bool) error {
	if math.IsNaN(float64(ens.GlobalBias)) {
		return fmt.Errorf("model has a NaN global bias")
	}
	if math.IsNaN(float64(ens.SigmoidAlpha)) {
		return fmt.Errorf("model has a NaN sigmoid alpha")
	}
	for treeIdx := range ens.Trees {
		for nodeIdx := range ens.Trees[treeIdx].Nodes {
			node := &ens.Trees[treeIdx].Nodes[nodeIdx]
			if node.IsLeaf {
				if math.IsNaN(float64(node.LeafValue)) {
					return fmt.Errorf("tree %d node %d has a NaN leaf value", treeIdx, nodeIdx)
				}
				for _, value := range node.LeafVector {
					if math.IsNaN(float64(value)) {
						return fmt.Errorf("tree %d node %d has a NaN leaf value", treeIdx, nodeIdx)
					}
				}
				continue
			}
			if math.IsNaN(float64(node.Threshold)) {
				return fmt.Errorf("tree %d node %d has a NaN threshold", treeIdx, nodeIdx)
			}
			if quantize && math.IsInf(float64(node.Threshold), 0) {
				return fmt.Errorf("tree %d node %d has a non-finite threshold, which quantization does not support", treeIdx, nodeIdx)
			}
		}
	}
	return nil
}

// WriteDir writes the generated sources plus recipe.json into dir, creating
// it if needed.
func (cm *CompiledModel) WriteDir(dir string) error {
	if err := file.MkdirAll(dir); err != nil {
		return errors.Wrapf(err, "creating %q", dir)
	}
	for name, content := range cm.Files {
		if err := file.WriteFile(filepath.Join(dir, name), content); err != nil {
			return err
		}
	}
	recipe, err := json.MarshalIndent(&cm.Recipe, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding recipe.json")
	}
	recipe = append(recipe, '\n')
	return file.WriteFile(filepath.Join(dir, "recipe.json"), recipe)
}
