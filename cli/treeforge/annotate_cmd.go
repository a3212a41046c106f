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
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/treeforge/treeforge/annotate"
	"github.com/treeforge/treeforge/dmatrix"
	"github.com/treeforge/treeforge/model/formats"
)

type annotateCmdConfig struct {
	model      string
	format     string
	data       string
	dataFormat string
	out        string
	nthread    int
}

func annotateCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &annotateCmdConfig{}
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Count branch visits of a dataset routed through a model",
		Long:  `Routes every example of the dataset through every tree of the model and records per-node visit counts. The compile command uses the counts to put the likely branch first in the generated code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			ens, err := formats.LoadModel(config.model, config.format)
			if err != nil {
				return err
			}
			batch, err := dmatrix.FromFile(config.data, config.dataFormat)
			if err != nil {
				return err
			}
			annotation, err := annotate.Annotate(ens, batch, config.nthread)
			if err != nil {
				return err
			}
			out, err := os.Create(config.out)
			if err != nil {
				return err
			}
			if err := annotation.Save(out); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			if rootConfig.verbose {
				log.Printf("annotated %d rows through %d trees into %v",
					batch.NumRow(), len(ens.Trees), config.out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&config.model, "model", "", "path to the model file (required)")
	cmd.Flags().StringVar(&config.format, "format", "", "model format name, e.g. xgboost or xgboost_json (required)")
	cmd.Flags().StringVar(&config.data, "data", "", "path to the dataset routed through the model (required)")
	cmd.Flags().StringVar(&config.dataFormat, "data-format", "libsvm", "dataset format: libsvm or npy")
	cmd.Flags().StringVar(&config.out, "out", "", "path of the annotation record to write (required)")
	cmd.Flags().IntVar(&config.nthread, "nthread", 0, "worker count, 0 uses all CPUs")
	return cmd
}

func (c *annotateCmdConfig) Validate() error {
	if c.model == "" {
		return fmt.Errorf("required model flag was not set")
	}
	if c.format == "" {
		return fmt.Errorf("required format flag was not set")
	}
	if c.data == "" {
		return fmt.Errorf("required data flag was not set")
	}
	if c.out == "" {
		return fmt.Errorf("required out flag was not set")
	}
	return nil
}
