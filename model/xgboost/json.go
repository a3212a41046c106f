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

// Reader for the JSON model format of XGBoost >= 1.0, as written with
// "bst.save_model('name.json')". Numeric learner parameters are stored as
// JSON strings ("5E-1"), tree structures as parallel arrays.

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/treeforge/treeforge/model"
)

type jsonModel struct {
	Learner jsonLearner `json:"learner"`
	Version []int       `json:"version"`
}

type jsonLearner struct {
	GradientBooster   jsonGradientBooster   `json:"gradient_booster"`
	LearnerModelParam jsonLearnerModelParam `json:"learner_model_param"`
	Objective         jsonObjective         `json:"objective"`
}

type jsonGradientBooster struct {
	Name  string        `json:"name"`
	Model jsonTreeModel `json:"model"`
}

type jsonTreeModel struct {
	GbtreeModelParam jsonGbtreeModelParam `json:"gbtree_model_param"`
	TreeInfo         []int32              `json:"tree_info"`
	Trees            []jsonTree           `json:"trees"`
}

type jsonGbtreeModelParam struct {
	NumTrees json.Number `json:"num_trees"`
}

type jsonLearnerModelParam struct {
	BaseScore  json.Number `json:"base_score"`
	NumClass   json.Number `json:"num_class"`
	NumFeature json.Number `json:"num_feature"`
}

type jsonObjective struct {
	Name string `json:"name"`
}

type jsonTree struct {
	BaseWeights     []float32     `json:"base_weights"`
	DefaultLeft     []int         `json:"default_left"`
	ID              int           `json:"id"`
	LeftChildren    []int32       `json:"left_children"`
	RightChildren   []int32       `json:"right_children"`
	LossChanges     []float32     `json:"loss_changes"`
	Parents         []int32       `json:"parents"`
	SplitConditions []float32     `json:"split_conditions"`
	SplitIndices    []uint32      `json:"split_indices"`
	SplitType       []int         `json:"split_type"`
	SumHessian      []float32     `json:"sum_hessian"`
	TreeParam       jsonTreeParam `json:"tree_param"`
}

type jsonTreeParam struct {
	NumDeleted     json.Number `json:"num_deleted"`
	NumFeature     json.Number `json:"num_feature"`
	NumNodes       json.Number `json:"num_nodes"`
	SizeLeafVector json.Number `json:"size_leaf_vector"`
}

// LoadJSON loads a model in the XGBoost JSON format.
func LoadJSON(path string) (*model.Ensemble, error) {
	buffer, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parseErr := func(format string, args ...interface{}) error {
		return &model.ParseError{Path: path, Offset: -1, Reason: fmt.Sprintf(format, args...)}
	}

	var raw jsonModel
	if err := json.Unmarshal(buffer, &raw); err != nil {
		return nil, parseErr("%v", err)
	}
	if raw.Learner.GradientBooster.Name != "gbtree" {
		return nil, parseErr("booster %q is not supported, expected \"gbtree\"",
			raw.Learner.GradientBooster.Name)
	}

	numFeature, err := raw.Learner.LearnerModelParam.NumFeature.Int64()
	if err != nil {
		return nil, parseErr("learner num_feature: %v", err)
	}
	numClass, err := raw.Learner.LearnerModelParam.NumClass.Int64()
	if err != nil {
		return nil, parseErr("learner num_class: %v", err)
	}
	baseScore, err := raw.Learner.LearnerModelParam.BaseScore.Float64()
	if err != nil {
		return nil, parseErr("learner base_score: %v", err)
	}
	transform, known := predTransform(raw.Learner.Objective.Name)
	if !known {
		return nil, parseErr("unrecognized objective %q", raw.Learner.Objective.Name)
	}
	numOutputGroup := int(numClass)
	if numOutputGroup == 0 {
		numOutputGroup = 1
	}

	ens := &model.Ensemble{
		NumFeature:     int(numFeature),
		NumOutputGroup: numOutputGroup,
		PredTransform:  transform,
		SigmoidAlpha:   1.0,
		GlobalBias:     float32(baseScoreToMargin(transform, baseScore)),
	}
	for treeIdx := range raw.Learner.GradientBooster.Model.Trees {
		tree, err := convertJSONTree(&raw.Learner.GradientBooster.Model.Trees[treeIdx], parseErr)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", treeIdx, err)
		}
		ens.Trees = append(ens.Trees, tree)
	}
	return ens, nil
}

// convertJSONTree maps the parallel arrays of one tree onto raw nodes and
// flattens them. For leaves (left child -1), split_conditions holds the leaf
// value.
func convertJSONTree(raw *jsonTree, fail func(format string, args ...interface{}) error) (model.Tree, error) {
	numNodes := len(raw.LeftChildren)
	if numNodes == 0 {
		return model.Tree{}, fail("tree has no nodes")
	}
	if len(raw.RightChildren) != numNodes || len(raw.SplitConditions) != numNodes ||
		len(raw.SplitIndices) != numNodes || len(raw.DefaultLeft) != numNodes {
		return model.Tree{}, fail("tree arrays have inconsistent lengths")
	}
	if size, err := raw.TreeParam.SizeLeafVector.Int64(); err == nil && size > 1 {
		return model.Tree{}, fail("leaf vectors of size %d are not supported", size)
	}
	rawNodes := make([]binaryNode, numNodes)
	for nodeIdx := 0; nodeIdx < numNodes; nodeIdx++ {
		if len(raw.SplitType) == numNodes && raw.SplitType[nodeIdx] != 0 {
			return model.Tree{}, fail("node %d uses a categorical split, only numerical splits are supported", nodeIdx)
		}
		sindex := raw.SplitIndices[nodeIdx]
		if raw.DefaultLeft[nodeIdx] != 0 {
			sindex |= 1 << 31
		}
		rawNodes[nodeIdx] = binaryNode{
			CLeft:  raw.LeftChildren[nodeIdx],
			CRight: raw.RightChildren[nodeIdx],
			SIndex: sindex,
			Info:   raw.SplitConditions[nodeIdx],
		}
	}
	return flattenTree(rawNodes, fail)
}
