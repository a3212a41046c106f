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
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treeforge/treeforge/conformance"
	"github.com/treeforge/treeforge/dmatrix"
	"github.com/treeforge/treeforge/predict"
)

type predictCmdConfig struct {
	module     string
	data       string
	dataFormat string
	out        string
	margin     bool
}

func predictCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &predictCmdConfig{}
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict a dataset with a built module",
		Long:  `Runs the prediction module on every example of the dataset. Outputs go to stdout, one example per line, or into a reference file usable by the conformance harness.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			var opts []predict.Option
			if rootConfig.verbose {
				opts = append(opts, predict.WithVerbose())
			}
			predictor, err := predict.Open(config.module, opts...)
			if err != nil {
				return err
			}
			defer predictor.Close()
			batch, err := dmatrix.FromFile(config.data, config.dataFormat)
			if err != nil {
				return err
			}
			preds, err := predictor.Predict(batch, config.margin)
			if err != nil {
				return err
			}
			if config.out != "" {
				return conformance.SaveRef(config.out, preds)
			}
			printPredictions(os.Stdout, preds, batch.NumRow())
			return nil
		},
	}
	cmd.Flags().StringVar(&config.module, "module", "", "path of the module, or of the directory holding it (required)")
	cmd.Flags().StringVar(&config.data, "data", "", "path to the dataset to predict (required)")
	cmd.Flags().StringVar(&config.dataFormat, "data-format", "libsvm", "dataset format: libsvm or npy")
	cmd.Flags().StringVar(&config.out, "out", "", "write predictions to this reference file instead of stdout")
	cmd.Flags().BoolVar(&config.margin, "margin", false, "output raw margins instead of transformed predictions")
	return cmd
}

func (c *predictCmdConfig) Validate() error {
	if c.module == "" {
		return fmt.Errorf("required module flag was not set")
	}
	if c.data == "" {
		return fmt.Errorf("required data flag was not set")
	}
	return nil
}

// printPredictions writes one line per example, outputs space separated.
func printPredictions(w io.Writer, preds []float32, numRow int) {
	if numRow == 0 {
		return
	}
	outPerRow := len(preds) / numRow
	var sb strings.Builder
	for rowIdx := 0; rowIdx < numRow; rowIdx++ {
		sb.Reset()
		for outIdx := 0; outIdx < outPerRow; outIdx++ {
			if outIdx > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(float64(preds[rowIdx*outPerRow+outIdx]), 'g', -1, 32))
		}
		fmt.Fprintln(w, sb.String())
	}
}
