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
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/treeforge/treeforge/model"
	"github.com/treeforge/treeforge/utils/test"
)

func TestPredTransform(t *testing.T) {
	tests := []struct {
		objective string
		want      string
		known     bool
	}{
		{"reg:squarederror", model.TransformIdentity, true},
		{"reg:linear", model.TransformIdentity, true},
		{"rank:pairwise", model.TransformIdentity, true},
		{"rank:ndcg", model.TransformIdentity, true},
		{"binary:logitraw", model.TransformIdentity, true},
		{"binary:logistic", model.TransformSigmoid, true},
		{"reg:logistic", model.TransformSigmoid, true},
		{"binary:hinge", model.TransformHinge, true},
		{"count:poisson", model.TransformExponential, true},
		{"reg:gamma", model.TransformExponential, true},
		{"survival:cox", model.TransformExponential, true},
		{"multi:softmax", model.TransformMaxIndex, true},
		{"multi:softprob", model.TransformSoftmax, true},
		{"multi:fancy", "", false},
	}
	for _, testCase := range tests {
		got, known := predTransform(testCase.objective)
		test.CheckEq(t, known, testCase.known, testCase.objective)
		test.CheckEq(t, got, testCase.want, testCase.objective)
	}
}

func TestBaseScoreToMargin(t *testing.T) {
	// The sigmoid inverse of 0.5 is -log(1) == -0.
	test.CheckEq(t, baseScoreToMargin(model.TransformSigmoid, 0.5) == 0, true, "")
	test.CheckEq(t, baseScoreToMargin(model.TransformExponential, 1), 0.0, "")
	test.CheckEq(t, baseScoreToMargin(model.TransformIdentity, 0.5), 0.5, "")
	test.CheckEq(t, baseScoreToMargin(model.TransformSoftmax, 0.5), 0.5, "")
}

// wantTwoTreeEnsemble is the model encoded by both fixture writers below:
// binary:logistic over 3 features, a depth-2 tree and a stump.
func wantTwoTreeEnsemble() *model.Ensemble {
	return &model.Ensemble{
		NumFeature:     3,
		NumOutputGroup: 1,
		PredTransform:  model.TransformSigmoid,
		SigmoidAlpha:   1,
		GlobalBias:     0,
		Trees: []model.Tree{
			{Nodes: []model.Node{
				{Feature: 0, Threshold: 1.5, Op: model.OpLT, DefaultLeft: true, Left: 1, Right: 2},
				{IsLeaf: true, LeafValue: 0.5, Left: model.NoChild, Right: model.NoChild},
				{Feature: 2, Threshold: 0.75, Op: model.OpLT, DefaultLeft: false, Left: 3, Right: 4},
				{IsLeaf: true, LeafValue: -0.75, Left: model.NoChild, Right: model.NoChild},
				{IsLeaf: true, LeafValue: 1.25, Left: model.NoChild, Right: model.NoChild},
			}},
			{Nodes: []model.Node{
				{Feature: 1, Threshold: -0.5, Op: model.OpLT, DefaultLeft: false, Left: 1, Right: 2},
				{IsLeaf: true, LeafValue: 0.25, Left: model.NoChild, Right: model.NoChild},
				{IsLeaf: true, LeafValue: -0.5, Left: model.NoChild, Right: model.NoChild},
			}},
		},
	}
}

const twoTreeJSON = `{
  "learner": {
    "attributes": {"best_iteration": "1"},
    "feature_names": [],
    "feature_types": [],
    "gradient_booster": {
      "model": {
        "gbtree_model_param": {"num_parallel_tree": "1", "num_trees": "2", "size_leaf_vector": "0"},
        "tree_info": [0, 0],
        "trees": [
          {
            "base_weights": [0E0, 5E-1, 0E0, -7.5E-1, 1.25E0],
            "categories": [],
            "categories_nodes": [],
            "categories_segments": [],
            "categories_sizes": [],
            "default_left": [1, 0, 0, 0, 0],
            "id": 0,
            "left_children": [1, -1, 3, -1, -1],
            "loss_changes": [1E0, 0E0, 5E-1, 0E0, 0E0],
            "parents": [2147483647, 0, 0, 2, 2],
            "right_children": [2, -1, 4, -1, -1],
            "split_conditions": [1.5E0, 5E-1, 7.5E-1, -7.5E-1, 1.25E0],
            "split_indices": [0, 0, 2, 0, 0],
            "split_type": [0, 0, 0, 0, 0],
            "sum_hessian": [6E0, 2E0, 4E0, 3E0, 1E0],
            "tree_param": {"num_deleted": "0", "num_feature": "3", "num_nodes": "5", "size_leaf_vector": "0"}
          },
          {
            "base_weights": [0E0, 2.5E-1, -5E-1],
            "default_left": [0, 0, 0],
            "id": 1,
            "left_children": [1, -1, -1],
            "loss_changes": [2E-1, 0E0, 0E0],
            "parents": [2147483647, 0, 0],
            "right_children": [2, -1, -1],
            "split_conditions": [-5E-1, 2.5E-1, -5E-1],
            "split_indices": [1, 0, 0],
            "split_type": [0, 0, 0],
            "sum_hessian": [6E0, 1E0, 5E0],
            "tree_param": {"num_deleted": "0", "num_feature": "3", "num_nodes": "3", "size_leaf_vector": "0"}
          }
        ]
      },
      "name": "gbtree"
    },
    "learner_model_param": {"base_score": "5E-1", "num_class": "0", "num_feature": "3"},
    "objective": {"name": "binary:logistic", "reg_loss_param": {"scale_pos_weight": "1"}}
  },
  "version": [1, 6, 2]
}`

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	test.CheckNoError(t, os.WriteFile(path, []byte(content), 0600), "")
	return path
}

func TestLoadJSON(t *testing.T) {
	ens, err := LoadJSON(writeTempFile(t, "model.json", twoTreeJSON))
	test.CheckNoError(t, err, "")
	test.CheckEq(t, ens, wantTwoTreeEnsemble(), "")
	test.CheckNoError(t, ens.Validate(), "")
}

// jsonWith builds the smallest model document LoadJSON accepts, with "trees"
// holding the given JSON array of tree objects.
func jsonWith(objective, booster, trees string) string {
	return `{"learner":{
		"gradient_booster":{"name":"` + booster + `","model":{"trees":` + trees + `}},
		"learner_model_param":{"base_score":"5E-1","num_class":"0","num_feature":"2"},
		"objective":{"name":"` + objective + `"}}}`
}

const leafOnlyTree = `[{"left_children":[-1],"right_children":[-1],"split_conditions":[2E0],
	"split_indices":[0],"default_left":[0]}]`

func TestLoadJSONMinimalDocument(t *testing.T) {
	// Arrays the loader does not consume (parents, base_weights, stats) may
	// be absent, and unknown fields are ignored.
	ens, err := LoadJSON(writeTempFile(t, "model.json", jsonWith("reg:squarederror", "gbtree", leafOnlyTree)))
	test.CheckNoError(t, err, "")
	test.CheckEq(t, ens.NumFeature, 2, "")
	test.CheckEq(t, ens.NumOutputGroup, 1, "")
	test.CheckEq(t, ens.PredTransform, model.TransformIdentity, "")
	test.CheckEq(t, ens.GlobalBias, float32(0.5), "")
	test.CheckEq(t, ens.Trees, []model.Tree{{Nodes: []model.Node{
		{IsLeaf: true, LeafValue: 2, Left: model.NoChild, Right: model.NoChild},
	}}}, "")
}

func TestLoadJSONErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"truncated document", "{", "unexpected end of JSON input"},
		{"wrong booster", jsonWith("reg:squarederror", "gblinear", "[]"),
			`booster "gblinear" is not supported, expected "gbtree"`},
		{"unknown objective", jsonWith("rank:fancy", "gbtree", "[]"),
			`unrecognized objective "rank:fancy"`},
		{"empty tree", jsonWith("reg:squarederror", "gbtree", `[{"left_children":[]}]`),
			"tree 0: malformed model file"},
		{"inconsistent arrays", jsonWith("reg:squarederror", "gbtree",
			`[{"left_children":[-1],"right_children":[-1,-1],"split_conditions":[0E0],
			"split_indices":[0],"default_left":[0]}]`),
			"tree arrays have inconsistent lengths"},
		{"categorical split", jsonWith("reg:squarederror", "gbtree",
			`[{"left_children":[1,-1,-1],"right_children":[2,-1,-1],"split_conditions":[0E0,1E0,2E0],
			"split_indices":[0,0,0],"default_left":[0,0,0],"split_type":[1,0,0]}]`),
			"node 0 uses a categorical split, only numerical splits are supported"},
		{"leaf vectors", jsonWith("reg:squarederror", "gbtree",
			`[{"left_children":[-1],"right_children":[-1],"split_conditions":[0E0],
			"split_indices":[0],"default_left":[0],"tree_param":{"size_leaf_vector":"2"}}]`),
			"leaf vectors of size 2 are not supported"},
		{"child out of range", jsonWith("reg:squarederror", "gbtree",
			`[{"left_children":[5,-1],"right_children":[1,-1],"split_conditions":[0E0,1E0],
			"split_indices":[0,0],"default_left":[0,0]}]`),
			"node index 5 out of range [0;2)"},
		{"cyclic children", jsonWith("reg:squarederror", "gbtree",
			`[{"left_children":[0],"right_children":[0],"split_conditions":[0E0],
			"split_indices":[0],"default_left":[0]}]`),
			"tree nodes form a cycle"},
		{"missing learner params", `{"learner":{"gradient_booster":{"name":"gbtree"},
			"objective":{"name":"reg:squarederror"}}}`,
			"learner num_feature"},
	}
	for _, testCase := range tests {
		_, err := LoadJSON(writeTempFile(t, "model.json", testCase.content))
		test.CheckErrorContains(t, err, testCase.want, testCase.name)
	}

	_, err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"))
	test.CheckErrorContains(t, err, "no such file", "")
}

// rawBinaryModel assembles a legacy binary model file struct by struct, the
// byte layout LoadBinary parses.
type rawBinaryModel struct {
	magic     bool
	learner   learnerModelParam
	objective string
	gbm       string
	gbtree    gbTreeModelParam
	trees     []rawBinaryTree
	groups    []int32
}

type rawBinaryTree struct {
	param treeParam
	nodes []binaryNode
	stats []binaryNodeStat
}

func (m *rawBinaryModel) encode(t *testing.T) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writeValue := func(data interface{}) {
		test.CheckNoError(t, binary.Write(&buffer, binary.LittleEndian, data), "")
	}
	writeString := func(s string) {
		writeValue(uint64(len(s)))
		buffer.WriteString(s)
	}
	if m.magic {
		buffer.WriteString("binf")
	}
	writeValue(&m.learner)
	writeString(m.objective)
	writeString(m.gbm)
	writeValue(&m.gbtree)
	for _, tree := range m.trees {
		writeValue(&tree.param)
		writeValue(tree.nodes)
		writeValue(tree.stats)
	}
	if len(m.groups) > 0 {
		writeValue(m.groups)
	}
	return buffer.Bytes()
}

func (m *rawBinaryModel) write(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.bin")
	test.CheckNoError(t, os.WriteFile(path, m.encode(t), 0600), "")
	return path
}

func twoTreeBinary() *rawBinaryModel {
	return &rawBinaryModel{
		magic:     true,
		learner:   learnerModelParam{BaseScore: 0.5, NumFeature: 3},
		objective: "binary:logistic",
		gbm:       "gbtree",
		gbtree:    gbTreeModelParam{NumTrees: 2, NumRoots: 1, NumFeature: 3, NumOutputGroup: 1},
		trees: []rawBinaryTree{
			{
				param: treeParam{NumRoots: 1, NumNodes: 5, MaxDepth: 2, NumFeature: 3},
				nodes: []binaryNode{
					{Parent: -1, CLeft: 1, CRight: 2, SIndex: 0 | 1<<31, Info: 1.5},
					{Parent: 0, CLeft: -1, CRight: -1, Info: 0.5},
					{Parent: 0, CLeft: 3, CRight: 4, SIndex: 2, Info: 0.75},
					{Parent: 2, CLeft: -1, CRight: -1, Info: -0.75},
					{Parent: 2, CLeft: -1, CRight: -1, Info: 1.25},
				},
				stats: make([]binaryNodeStat, 5),
			},
			{
				param: treeParam{NumRoots: 1, NumNodes: 3, MaxDepth: 1, NumFeature: 3},
				nodes: []binaryNode{
					{Parent: -1, CLeft: 1, CRight: 2, SIndex: 1, Info: -0.5},
					{Parent: 0, CLeft: -1, CRight: -1, Info: 0.25},
					{Parent: 0, CLeft: -1, CRight: -1, Info: -0.5},
				},
				stats: make([]binaryNodeStat, 3),
			},
		},
		groups: []int32{0, 0},
	}
}

func TestLoadBinary(t *testing.T) {
	ens, err := LoadBinary(twoTreeBinary().write(t))
	test.CheckNoError(t, err, "")
	test.CheckEq(t, ens, wantTwoTreeEnsemble(), "")
}

func TestLoadBinaryWithoutMagic(t *testing.T) {
	raw := twoTreeBinary()
	raw.magic = false
	ens, err := LoadBinary(raw.write(t))
	test.CheckNoError(t, err, "")
	test.CheckEq(t, ens, wantTwoTreeEnsemble(), "")
}

func TestLoadBinaryMultiClass(t *testing.T) {
	leafBinaryTree := func(value float32) rawBinaryTree {
		return rawBinaryTree{
			param: treeParam{NumRoots: 1, NumNodes: 1, NumFeature: 2},
			nodes: []binaryNode{{Parent: -1, CLeft: -1, CRight: -1, Info: value}},
			stats: make([]binaryNodeStat, 1),
		}
	}
	raw := &rawBinaryModel{
		learner:   learnerModelParam{BaseScore: 0.5, NumFeature: 2, NumClass: 3},
		objective: "multi:softprob",
		gbm:       "gbtree",
		gbtree:    gbTreeModelParam{NumTrees: 3, NumRoots: 1, NumFeature: 2, NumOutputGroup: 3},
		trees:     []rawBinaryTree{leafBinaryTree(0.5), leafBinaryTree(-0.25), leafBinaryTree(1)},
		groups:    []int32{0, 1, 2},
	}
	ens, err := LoadBinary(raw.write(t))
	test.CheckNoError(t, err, "")
	test.CheckEq(t, ens.NumOutputGroup, 3, "")
	test.CheckEq(t, ens.PredTransform, model.TransformSoftmax, "")
	test.CheckEq(t, ens.GlobalBias, float32(0.5), "")
	test.CheckEq(t, ens.NumTrees(), 3, "")
	test.CheckNoError(t, ens.Validate(), "")
}

func TestLoadBinaryRenumbersNodes(t *testing.T) {
	// The stored arena has a deleted slot at index 2 and the root's left
	// child at index 3. The loaded tree is renumbered depth first with the
	// dead slot dropped.
	raw := twoTreeBinary()
	raw.gbtree.NumTrees = 1
	raw.trees = []rawBinaryTree{{
		param: treeParam{NumRoots: 1, NumNodes: 4, MaxDepth: 1, NumFeature: 3},
		nodes: []binaryNode{
			{Parent: -1, CLeft: 3, CRight: 1, SIndex: 0, Info: 2},
			{Parent: 0, CLeft: -1, CRight: -1, Info: -1},
			{Parent: -1, CLeft: -1, CRight: -1, Info: 99},
			{Parent: 0, CLeft: -1, CRight: -1, Info: 1},
		},
		stats: make([]binaryNodeStat, 4),
	}}
	raw.groups = []int32{0}

	ens, err := LoadBinary(raw.write(t))
	test.CheckNoError(t, err, "")
	test.CheckEq(t, ens.Trees, []model.Tree{{Nodes: []model.Node{
		{Feature: 0, Threshold: 2, Op: model.OpLT, Left: 1, Right: 2},
		{IsLeaf: true, LeafValue: 1, Left: model.NoChild, Right: model.NoChild},
		{IsLeaf: true, LeafValue: -1, Left: model.NoChild, Right: model.NoChild},
	}}}, "")
}

func TestLoadBinaryErrors(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(raw *rawBinaryModel)
		want   string
	}{
		{"wrong booster", func(raw *rawBinaryModel) { raw.gbm = "gblinear" },
			`booster "gblinear" is not supported, expected "gbtree"`},
		{"unknown objective", func(raw *rawBinaryModel) { raw.objective = "multi:fancy" },
			`unrecognized objective "multi:fancy"`},
		{"negative tree count", func(raw *rawBinaryModel) { raw.gbtree.NumTrees = -1 },
			"negative tree count -1"},
		{"model leaf vectors", func(raw *rawBinaryModel) { raw.gbtree.SizeLeafVector = 2 },
			"leaf vectors in the binary format are not supported"},
		{"tree leaf vectors", func(raw *rawBinaryModel) { raw.trees[0].param.SizeLeafVector = 1 },
			"leaf vectors in the binary format are not supported"},
		{"empty tree", func(raw *rawBinaryModel) { raw.trees[0].param.NumNodes = 0 },
			"tree 0: malformed model file"},
		{"class count mismatch", func(raw *rawBinaryModel) { raw.learner.NumClass = 3 },
			"learner has 3 classes but the booster has 1 output groups"},
	}
	for _, testCase := range mutations {
		raw := twoTreeBinary()
		testCase.mutate(raw)
		_, err := LoadBinary(raw.write(t))
		test.CheckErrorContains(t, err, testCase.want, testCase.name)
	}
}

func TestLoadBinaryTruncated(t *testing.T) {
	raw := twoTreeBinary()
	raw.magic = false
	encoded := raw.encode(t)

	// 140 bytes cuts the objective's length prefix in half.
	path := filepath.Join(t.TempDir(), "model.bin")
	test.CheckNoError(t, os.WriteFile(path, encoded[:140], 0600), "")
	_, err := LoadBinary(path)
	test.CheckErrorContains(t, err, "unexpected end of file", "")

	var parseErr *model.ParseError
	test.CheckEq(t, errors.As(err, &parseErr), true, "")
	test.CheckEq(t, parseErr.Offset, int64(136), "")
	test.CheckEq(t, parseErr.Path, path, "")
}

func TestLoadBinaryImplausibleString(t *testing.T) {
	var buffer bytes.Buffer
	test.CheckNoError(t, binary.Write(&buffer, binary.LittleEndian,
		&learnerModelParam{BaseScore: 0.5, NumFeature: 1}), "")
	test.CheckNoError(t, binary.Write(&buffer, binary.LittleEndian, uint64(1<<21)), "")

	path := filepath.Join(t.TempDir(), "model.bin")
	test.CheckNoError(t, os.WriteFile(path, buffer.Bytes(), 0600), "")
	_, err := LoadBinary(path)
	test.CheckErrorContains(t, err, "string of 2097152 bytes is implausibly long", "")
}
