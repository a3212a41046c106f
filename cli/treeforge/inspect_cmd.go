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

	"github.com/spf13/cobra"

	"github.com/treeforge/treeforge/model"
	"github.com/treeforge/treeforge/model/formats"
)

type inspectCmdConfig struct {
	model  string
	format string
}

func inspectCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &inspectCmdConfig{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the structure of a model",
		Long:  `Loads a model and prints its metadata and tree statistics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			ens, err := formats.LoadModel(config.model, config.format)
			if err != nil {
				return err
			}
			printModelInfo(os.Stdout, config.model, ens)
			return nil
		},
	}
	cmd.Flags().StringVar(&config.model, "model", "", "path to the model file (required)")
	cmd.Flags().StringVar(&config.format, "format", "", "model format name, e.g. xgboost or xgboost_json (required)")
	return cmd
}

func (c *inspectCmdConfig) Validate() error {
	if c.model == "" {
		return fmt.Errorf("required model flag was not set")
	}
	if c.format == "" {
		return fmt.Errorf("required format flag was not set")
	}
	return nil
}

func printModelInfo(w io.Writer, path string, ens *model.Ensemble) {
	numNodes, numLeaves, maxDepth := 0, 0, 0
	for treeIdx := range ens.Trees {
		tree := &ens.Trees[treeIdx]
		numNodes += len(tree.Nodes)
		for nodeIdx := range tree.Nodes {
			if tree.Nodes[nodeIdx].IsLeaf {
				numLeaves++
			}
		}
		if depth := treeDepth(tree, tree.Root()); depth > maxDepth {
			maxDepth = depth
		}
	}
	fmt.Fprintf(w, "Model:           %v\n", path)
	fmt.Fprintf(w, "Trees:           %d\n", len(ens.Trees))
	fmt.Fprintf(w, "Features:        %d\n", ens.NumFeature)
	fmt.Fprintf(w, "Output groups:   %d\n", ens.NumOutputGroup)
	fmt.Fprintf(w, "Transform:       %v\n", ens.PredTransform)
	if ens.PredTransform == model.TransformSigmoid {
		fmt.Fprintf(w, "Sigmoid alpha:   %g\n", ens.SigmoidAlpha)
	}
	fmt.Fprintf(w, "Global bias:     %g\n", ens.GlobalBias)
	fmt.Fprintf(w, "Averaged output: %v\n", ens.AverageTreeOutput)
	fmt.Fprintf(w, "Vector leaves:   %v\n", ens.HasVectorLeaves())
	fmt.Fprintf(w, "Nodes:           %d (%d leaves)\n", numNodes, numLeaves)
	fmt.Fprintf(w, "Max depth:       %d\n", maxDepth)
}

// treeDepth is the number of splits on the longest root-to-leaf path.
func treeDepth(tree *model.Tree, nodeIdx int32) int {
	node := &tree.Nodes[nodeIdx]
	if node.IsLeaf {
		return 0
	}
	left := treeDepth(tree, node.Left)
	right := treeDepth(tree, node.Right)
	if right > left {
		left = right
	}
	return 1 + left
}
