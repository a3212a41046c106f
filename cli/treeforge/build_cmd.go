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
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treeforge/treeforge/build"
)

type buildCmdConfig struct {
	srcDir    string
	out       string
	toolchain string
	params    []string
}

func buildCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &buildCmdConfig{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build generated module sources into a native module",
		Long:  `Builds the sources written by the compile command into a native prediction module at the given path. The module name is the basename of the path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			params, err := parseParams(config.params)
			if err != nil {
				return err
			}
			opts := &build.Options{
				Toolchain: build.Toolchain(config.toolchain),
				Params:    params,
				Verbose:   rootConfig.verbose,
			}
			if err := build.Build(context.Background(), config.srcDir, config.out, opts); err != nil {
				return err
			}
			fmt.Printf("Built module %v\n", config.out)
			return nil
		},
	}
	cmd.Flags().StringVar(&config.srcDir, "src-dir", "", "directory holding the generated sources (required)")
	cmd.Flags().StringVar(&config.out, "out", "", "path of the module to build (required)")
	cmd.Flags().StringVar(&config.toolchain, "toolchain", "", "toolchain: gc, gccgo or tinygo")
	cmd.Flags().StringArrayVar(&config.params, "param", nil, "extra toolchain parameter as key=value, repeatable")
	return cmd
}

func (c *buildCmdConfig) Validate() error {
	if c.srcDir == "" {
		return fmt.Errorf("required src-dir flag was not set")
	}
	if c.out == "" {
		return fmt.Errorf("required out flag was not set")
	}
	return nil
}

// parseParams splits repeated key=value flags into a map.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		sep := strings.Index(pair, "=")
		if sep <= 0 {
			return nil, fmt.Errorf("parameter %q is not key=value", pair)
		}
		params[pair[:sep]] = pair[sep+1:]
	}
	return params, nil
}
