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
	"archive/zip"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/treeforge/treeforge/annotate"
	"github.com/treeforge/treeforge/build"
	"github.com/treeforge/treeforge/compiler"
	"github.com/treeforge/treeforge/dmatrix"
	"github.com/treeforge/treeforge/model"
	model_io "github.com/treeforge/treeforge/model/io"
	"github.com/treeforge/treeforge/predict"
	"github.com/treeforge/treeforge/utils/file"
)

// PipelineOptions configures one conformance run.
type PipelineOptions struct {
	// Annotate routes the train file through the model and compiles with
	// branch annotation.
	Annotate bool
	// Quantize compiles with threshold quantization.
	Quantize bool
	// ParallelComp is forwarded to the compiler.
	ParallelComp int
	// Toolchain used to build. Empty means gc.
	Toolchain build.Toolchain
	// WorkDir holds the generated sources and the built module. Empty uses
	// a fresh temporary directory, removed afterwards.
	WorkDir string
	// Atol and Rtol override the default tolerances when non-zero.
	Atol float64
	Rtol float64
}

// PipelineResult holds the module's outputs on the test file, for
// comparisons across pipeline configurations.
type PipelineResult struct {
	// Probs are the transformed predictions, example major.
	Probs []float32
	// Margins are the raw margins, example major.
	Margins []float32
}

// RunPipeline exercises the whole flow on one dataset: load the model,
// optionally annotate, compile, build, run the module on the test file, and
// compare its outputs against the reference evaluator and against the
// dataset's stored references.
func RunPipeline(ctx context.Context, ds *Dataset, opts *PipelineOptions) (*PipelineResult, error) {
	if opts == nil {
		opts = &PipelineOptions{}
	}
	ens, testBatch, err := loadScenario(ds)
	if err != nil {
		return nil, err
	}

	param := &compiler.Param{
		Quantize:     opts.Quantize,
		ParallelComp: opts.ParallelComp,
		ModuleName:   ds.Name,
	}
	if opts.Annotate {
		if ds.Train == "" {
			return nil, errors.Errorf("dataset %q has no train file to annotate with", ds.Name)
		}
		train, err := dmatrix.FromLibSVM(ds.Train)
		if err != nil {
			return nil, err
		}
		annotation, err := annotate.Annotate(ens, train, 0)
		if err != nil {
			return nil, err
		}
		param.Annotation = annotation
	}
	compiled, err := compiler.Compile(ens, param)
	if err != nil {
		return nil, err
	}

	workDir, cleanup, err := ensureWorkDir(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	srcDir := filepath.Join(workDir, "src")
	if err := compiled.WriteDir(srcDir); err != nil {
		return nil, err
	}
	moduleDir := filepath.Join(workDir, ds.Name)
	if err := file.MkdirAll(moduleDir); err != nil {
		return nil, err
	}
	libpath := filepath.Join(moduleDir, ds.Name)
	if err := build.Build(ctx, srcDir, libpath, &build.Options{Toolchain: opts.Toolchain}); err != nil {
		return nil, err
	}

	return checkModule(ds, opts, ens, testBatch, moduleDir)
}

// RunSrcPkgPipeline exercises the source-package route: export the zip,
// unpack it, build with make, and hold the result to the same comparisons
// as the direct build.
func RunSrcPkgPipeline(ctx context.Context, ds *Dataset, opts *PipelineOptions) (*PipelineResult, error) {
	if opts == nil {
		opts = &PipelineOptions{}
	}
	ens, testBatch, err := loadScenario(ds)
	if err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(ens, &compiler.Param{
		Quantize:     opts.Quantize,
		ParallelComp: opts.ParallelComp,
		ModuleName:   ds.Name,
	})
	if err != nil {
		return nil, err
	}

	workDir, cleanup, err := ensureWorkDir(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	toolchain := opts.Toolchain
	if toolchain == "" {
		toolchain = build.ToolchainGc
	}
	pkgpath := filepath.Join(workDir, ds.Name+".zip")
	err = build.ExportSrcPkg(compiled, pkgpath, ds.Name, build.DefaultPlatform(), toolchain, nil)
	if err != nil {
		return nil, err
	}
	if err := unzip(pkgpath, workDir); err != nil {
		return nil, err
	}
	moduleDir := filepath.Join(workDir, ds.Name)
	cmd := exec.CommandContext(ctx, "make", "-C", moduleDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "make -C %s:\n%s", moduleDir, strings.TrimRight(string(output), "\n"))
	}

	return checkModule(ds, opts, ens, testBatch, moduleDir)
}

func loadScenario(ds *Dataset) (*model.Ensemble, *dmatrix.Batch, error) {
	ens, err := model_io.LoadModel(ds.Model, ds.Format)
	if err != nil {
		return nil, nil, err
	}
	testBatch, err := dmatrix.FromLibSVM(ds.Test)
	if err != nil {
		return nil, nil, err
	}
	return ens, testBatch, nil
}

func ensureWorkDir(workDir string) (string, func(), error) {
	if workDir != "" {
		if err := file.MkdirAll(workDir); err != nil {
			return "", nil, err
		}
		return workDir, func() {}, nil
	}
	tmp, err := os.MkdirTemp("", "treeforge-conformance-*")
	if err != nil {
		return "", nil, err
	}
	return tmp, func() { os.RemoveAll(tmp) }, nil
}

// checkModule opens the built module, predicts the test batch and applies
// every comparison the dataset configures.
func checkModule(ds *Dataset, opts *PipelineOptions, ens *model.Ensemble, testBatch *dmatrix.Batch, moduleDir string) (*PipelineResult, error) {
	predictor, err := predict.Open(moduleDir)
	if err != nil {
		return nil, err
	}
	defer predictor.Close()

	probs, err := predictor.Predict(testBatch, false)
	if err != nil {
		return nil, err
	}
	margins, err := predictor.Predict(testBatch, true)
	if err != nil {
		return nil, err
	}

	wantProbs, err := ens.Predict(testBatch, false)
	if err != nil {
		return nil, err
	}
	if err := CloseAll(probs, wantProbs, ens.OutputsPerRow(), opts.Atol, opts.Rtol); err != nil {
		return nil, errors.Wrapf(err, "%s: module predictions disagree with the reference evaluator", ds.Name)
	}
	wantMargins, err := ens.Predict(testBatch, true)
	if err != nil {
		return nil, err
	}
	if err := CloseAll(margins, wantMargins, ens.NumOutputGroup, opts.Atol, opts.Rtol); err != nil {
		return nil, errors.Wrapf(err, "%s: module margins disagree with the reference evaluator", ds.Name)
	}

	if ds.ExpectedProb != "" {
		ref, err := LoadRef(ds.ExpectedProb)
		if err != nil {
			return nil, err
		}
		if err := CloseAll(probs, ref, ens.OutputsPerRow(), opts.Atol, opts.Rtol); err != nil {
			return nil, errors.Wrapf(err, "%s: module predictions disagree with %s", ds.Name, ds.ExpectedProb)
		}
	}
	if ds.ExpectedMargin != "" {
		ref, err := LoadRef(ds.ExpectedMargin)
		if err != nil {
			return nil, err
		}
		if err := CloseAll(margins, ref, ens.NumOutputGroup, opts.Atol, opts.Rtol); err != nil {
			return nil, errors.Wrapf(err, "%s: module margins disagree with %s", ds.Name, ds.ExpectedMargin)
		}
	}
	return &PipelineResult{Probs: probs, Margins: margins}, nil
}

// unzip unpacks an archive produced by build.ExportSrcPkg.
func unzip(zipPath, destDir string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return errors.Wrapf(err, "opening %q", zipPath)
	}
	defer reader.Close()
	for _, entry := range reader.File {
		name := filepath.FromSlash(entry.Name)
		if strings.Contains(name, "..") {
			return errors.Errorf("archive entry %q escapes the destination", entry.Name)
		}
		target := filepath.Join(destDir, name)
		if entry.FileInfo().IsDir() {
			if err := file.MkdirAll(target); err != nil {
				return err
			}
			continue
		}
		if err := file.MkdirAll(filepath.Dir(target)); err != nil {
			return err
		}
		in, err := entry.Open()
		if err != nil {
			return errors.Wrapf(err, "reading %q", entry.Name)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entry.Mode())
		if err != nil {
			in.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return errors.Wrapf(err, "unpacking %q", entry.Name)
		}
		in.Close()
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}
