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
	"github.com/treeforge/treeforge/build"
	"github.com/treeforge/treeforge/compiler"
	"github.com/treeforge/treeforge/model/formats"
)

type exportSrcPkgCmdConfig struct {
	model        string
	format       string
	out          string
	libname      string
	platform     string
	toolchain    string
	annotation   string
	quantize     bool
	parallelComp int
	params       []string
}

func exportSrcPkgCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &exportSrcPkgCmdConfig{}
	cmd := &cobra.Command{
		Use:   "export-srcpkg",
		Short: "Export module sources with a Makefile as a zip archive",
		Long:  `Compiles the model and packages the sources, go.mod, build recipe and a Makefile into a portable zip archive. Unpacked on the target machine, "make" builds the prediction module without treeforge installed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			params, err := parseParams(config.params)
			if err != nil {
				return err
			}
			ens, err := formats.LoadModel(config.model, config.format)
			if err != nil {
				return err
			}
			param := &compiler.Param{
				Quantize:     config.quantize,
				ParallelComp: config.parallelComp,
				ModuleName:   config.libname,
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
			err = build.ExportSrcPkg(compiled, config.out, config.libname,
				build.Platform(config.platform), build.Toolchain(config.toolchain), params)
			if err != nil {
				return err
			}
			fmt.Printf("Exported source package %v\n", config.out)
			return nil
		},
	}
	cmd.Flags().StringVar(&config.model, "model", "", "path to the model file (required)")
	cmd.Flags().StringVar(&config.format, "format", "", "model format name, e.g. xgboost or xgboost_json (required)")
	cmd.Flags().StringVar(&config.out, "out", "", "path of the zip archive to write (required)")
	cmd.Flags().StringVar(&config.libname, "libname", "", "name of the module the archive builds (required)")
	cmd.Flags().StringVar(&config.platform, "platform", "", "target platform: unix, osx or windows; defaults to the current one")
	cmd.Flags().StringVar(&config.toolchain, "toolchain", "", "toolchain the Makefile invokes: gc, gccgo or tinygo")
	cmd.Flags().StringVar(&config.annotation, "annotation", "", "path to an annotation record written by the annotate command")
	cmd.Flags().BoolVar(&config.quantize, "quantize", false, "quantize thresholds into integer ranks")
	cmd.Flags().IntVar(&config.parallelComp, "parallel-comp", 0, "split the tree functions over this many source files")
	cmd.Flags().StringArrayVar(&config.params, "param", nil, "extra toolchain parameter as key=value, repeatable")
	return cmd
}

func (c *exportSrcPkgCmdConfig) Validate() error {
	if c.model == "" {
		return fmt.Errorf("required model flag was not set")
	}
	if c.format == "" {
		return fmt.Errorf("required format flag was not set")
	}
	if c.out == "" {
		return fmt.Errorf("required out flag was not set")
	}
	if c.libname == "" {
		return fmt.Errorf("required libname flag was not set")
	}
	return nil
}
