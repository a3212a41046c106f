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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treeforge/treeforge/annotate"
	"github.com/treeforge/treeforge/compiler"
	"github.com/treeforge/treeforge/model/formats"
)

type compileCmdConfig struct {
	model        string
	format       string
	outDir       string
	annotation   string
	moduleName   string
	quantize     bool
	parallelComp int
}

func compileCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &compileCmdConfig{}
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Generate module sources for a model",
		Long:  `Compiles the model into the sources of a standalone prediction module and writes them, with the build recipe, into a directory. The build command or the exported Makefile turns them into a native module.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			ens, err := formats.LoadModel(config.model, config.format)
			if err != nil {
				return err
			}
			param := &compiler.Param{
				Quantize:     config.quantize,
				ParallelComp: config.parallelComp,
				ModuleName:   config.moduleName,
				Verbose:      rootConfig.verbose,
			}
			if config.annotation != "" {
				in, err := os.Open(config.annotation)
				if err != nil {
					return err
				}
				annotation, err := annotate.Load(in)
				in.Close()
				if err != nil {
					return err
				}
				param.Annotation = annotation
			}
			compiled, err := compiler.Compile(ens, param)
			if err != nil {
				return err
			}
			if err := compiled.WriteDir(config.outDir); err != nil {
				return err
			}
			fmt.Printf("Compiled %d trees into %d source files in %v\n",
				len(ens.Trees), len(compiled.Recipe.Sources), config.outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&config.model, "model", "", "path to the model file (required)")
	cmd.Flags().StringVar(&config.format, "format", "", "model format name, e.g. xgboost or xgboost_json (required)")
	cmd.Flags().StringVar(&config.outDir, "out-dir", "", "directory the generated sources are written to (required)")
	cmd.Flags().StringVar(&config.annotation, "annotation", "", "path to an annotation record written by the annotate command")
	cmd.Flags().StringVar(&config.moduleName, "module-name", "", "module path of the generated go.mod")
	cmd.Flags().BoolVar(&config.quantize, "quantize", false, "quantize thresholds into integer ranks")
	cmd.Flags().IntVar(&config.parallelComp, "parallel-comp", 0, "split the tree functions over this many source files")
	return cmd
}

func (c *compileCmdConfig) Validate() error {
	if c.model == "" {
		return fmt.Errorf("required model flag was not set")
	}
	if c.format == "" {
		return fmt.Errorf("required format flag was not set")
	}
	if c.outDir == "" {
		return fmt.Errorf("required out-dir flag was not set")
	}
	return nil
}
