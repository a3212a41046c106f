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

/*
treeforge compiles tree-ensemble models into native prediction modules.

Usage example:

	# Count branch visits on the training data.
	treeforge annotate --model mushroom.model --format xgboost \
	    --data mushroom.train.libsvm --out mushroom.annotation.json

	# Generate the module sources and build them.
	treeforge compile --model mushroom.model --format xgboost \
	    --annotation mushroom.annotation.json --quantize --out-dir ./src
	treeforge build --src-dir ./src --out ./mushroom/mushroom

	# Predict.
	treeforge predict --module ./mushroom --data mushroom.test.libsvm
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootCmdConfig struct {
	verbose bool
}

func main() {
	if err := cliParser().Execute(); err != nil {
		os.Exit(1)
	}
}

func cliParser() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "treeforge",
		Short:        "treeforge compiles tree-ensemble models into native prediction modules",
		Long:         `A tool to turn trained decision-tree ensembles into standalone native prediction modules: annotate branches with training data, generate module sources, build or package them, and predict with the result.`,
		SilenceUsage: true,
	}
	config := &rootCmdConfig{}
	rootCmd.PersistentFlags().BoolVarP(&config.verbose, "verbose", "v", false, "print progress details")
	rootCmd.AddCommand(
		annotateCmd(config),
		compileCmd(config),
		buildCmd(config),
		exportSrcPkgCmd(config),
		predictCmd(config),
		benchCmd(config),
		inspectCmd(config),
	)
	return rootCmd
}
