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

package xgboost

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/treeforge/treeforge/model"
	"github.com/treeforge/treeforge/utils/file"
)

// xgboost marks the parent of a root node with int32 max.
const rootParent = 2147483647

// representativeObjective picks an XGBoost objective that maps back to the
// given transform.
func representativeObjective(transform string) (string, error) {
	switch transform {
	case model.TransformIdentity:
		return "reg:squarederror", nil
	case model.TransformSigmoid:
		return "binary:logistic", nil
	case model.TransformExponential:
		return "count:poisson", nil
	case model.TransformHinge:
		return "binary:hinge", nil
	case model.TransformSoftmax:
		return "multi:softprob", nil
	case model.TransformMaxIndex:
		return "multi:softmax", nil
	}
	return "", fmt.Errorf("transform %q has no XGBoost form", transform)
}

// ExportJSON writes the ensemble as an XGBoost JSON model that LoadJSON
// reads back. Models that use averaging, vector leaves, non-"<" operators or
// a sigmoid alpha other than 1 have no XGBoost form and are rejected.
func ExportJSON(ens *model.Ensemble, path string) error {
	if ens.AverageTreeOutput {
		return fmt.Errorf("averaged tree output has no XGBoost form")
	}
	if ens.HasVectorLeaves() {
		return fmt.Errorf("vector leaves have no XGBoost form")
	}
	if ens.PredTransform == model.TransformSigmoid && ens.SigmoidAlpha != 1.0 {
		return fmt.Errorf("sigmoid alpha %v has no XGBoost form, only 1 is supported", ens.SigmoidAlpha)
	}
	objective, err := representativeObjective(ens.PredTransform)
	if err != nil {
		return err
	}

	// Invert the probability-to-margin mapping applied at load time.
	baseScore := float64(ens.GlobalBias)
	switch ens.PredTransform {
	case model.TransformSigmoid:
		baseScore = 1.0 / (1.0 + math.Exp(-baseScore))
	case model.TransformExponential:
		baseScore = math.Exp(baseScore)
	}

	numClass := ens.NumOutputGroup
	if numClass == 1 {
		numClass = 0
	}
	raw := jsonModel{
		Version: []int{1, 6, 2},
		Learner: jsonLearner{
			LearnerModelParam: jsonLearnerModelParam{
				BaseScore:  json.Number(strconv.FormatFloat(baseScore, 'E', -1, 64)),
				NumClass:   json.Number(strconv.Itoa(numClass)),
				NumFeature: json.Number(strconv.Itoa(ens.NumFeature)),
			},
			Objective: jsonObjective{Name: objective},
			GradientBooster: jsonGradientBooster{
				Name: "gbtree",
				Model: jsonTreeModel{
					GbtreeModelParam: jsonGbtreeModelParam{
						NumTrees: json.Number(strconv.Itoa(ens.NumTrees())),
					},
				},
			},
		},
	}
	for treeIdx := range ens.Trees {
		jt, err := exportJSONTree(&ens.Trees[treeIdx], ens.NumFeature, treeIdx)
		if err != nil {
			return fmt.Errorf("tree %d: %v", treeIdx, err)
		}
		raw.Learner.GradientBooster.Model.Trees = append(raw.Learner.GradientBooster.Model.Trees, jt)
		raw.Learner.GradientBooster.Model.TreeInfo = append(raw.Learner.GradientBooster.Model.TreeInfo,
			int32(treeIdx%ens.NumOutputGroup))
	}

	buffer, err := json.Marshal(&raw)
	if err != nil {
		return err
	}
	return file.WriteFile(path, buffer)
}

func exportJSONTree(tree *model.Tree, numFeature int, treeID int) (jsonTree, error) {
	numNodes := tree.NumNodes()
	jt := jsonTree{
		ID:              treeID,
		BaseWeights:     make([]float32, numNodes),
		DefaultLeft:     make([]int, numNodes),
		LeftChildren:    make([]int32, numNodes),
		RightChildren:   make([]int32, numNodes),
		LossChanges:     make([]float32, numNodes),
		Parents:         make([]int32, numNodes),
		SplitConditions: make([]float32, numNodes),
		SplitIndices:    make([]uint32, numNodes),
		SplitType:       make([]int, numNodes),
		SumHessian:      make([]float32, numNodes),
		TreeParam: jsonTreeParam{
			NumDeleted:     "0",
			NumFeature:     json.Number(strconv.Itoa(numFeature)),
			NumNodes:       json.Number(strconv.Itoa(numNodes)),
			SizeLeafVector: "0",
		},
	}
	jt.Parents[tree.Root()] = rootParent
	for nodeIdx := int32(0); int(nodeIdx) < numNodes; nodeIdx++ {
		node := &tree.Nodes[nodeIdx]
		if node.IsLeaf {
			jt.LeftChildren[nodeIdx] = -1
			jt.RightChildren[nodeIdx] = -1
			jt.SplitConditions[nodeIdx] = node.LeafValue
			jt.BaseWeights[nodeIdx] = node.LeafValue
			continue
		}
		if node.Op != model.OpLT {
			return jsonTree{}, fmt.Errorf("operator %v has no XGBoost form, only \"<\" is supported", node.Op)
		}
		jt.LeftChildren[nodeIdx] = node.Left
		jt.RightChildren[nodeIdx] = node.Right
		jt.SplitConditions[nodeIdx] = node.Threshold
		jt.SplitIndices[nodeIdx] = node.Feature
		if node.DefaultLeft {
			jt.DefaultLeft[nodeIdx] = 1
		}
		jt.Parents[node.Left] = nodeIdx
		jt.Parents[node.Right] = nodeIdx
	}
	return jt, nil
}
