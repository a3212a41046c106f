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

// Reader for the legacy XGBoost binary model format, as written by
// xgboost <= 1.x with "bst.save_model('name.model')". The format is a dump
// of little-endian C structs:
//
//	["binf" magic, optional]
//	LearnerModelParam (136 bytes)
//	objective name, gbm name (uint64 length + bytes each)
//	GBTreeModelParam (160 bytes)
//	per tree: TreeParam (148 bytes), then nodes (20 bytes each),
//	          then node stats (16 bytes each)
//	per tree: int32 group assignment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/treeforge/treeforge/model"
)

type learnerModelParam struct {
	BaseScore          float32
	NumFeature         uint32
	NumClass           int32
	ContainExtraAttrs  int32
	ContainEvalMetrics int32
	Reserved           [29]int32
}

type gbTreeModelParam struct {
	NumTrees       int32
	NumRoots       int32
	NumFeature     int32
	Pad            int32
	NumPbuffer     int64
	NumOutputGroup int32
	SizeLeafVector int32
	Reserved       [32]int32
}

type treeParam struct {
	NumRoots       int32
	NumNodes       int32
	NumDeleted     int32
	MaxDepth       int32
	NumFeature     int32
	SizeLeafVector int32
	Reserved       [31]int32
}

// binaryNode is one tree node. CLeft == -1 marks a leaf, with Info holding
// the leaf value; otherwise Info holds the split threshold, and the high bit
// of SIndex tells if missing values go left.
type binaryNode struct {
	Parent int32
	CLeft  int32
	CRight int32
	SIndex uint32
	Info   float32
}

type binaryNodeStat struct {
	LossChg      float32
	SumHess      float32
	BaseWeight   float32
	LeafChildCnt int32
}

// binaryReader tracks the read offset so parse errors can point at the
// offending bytes.
type binaryReader struct {
	bufferedIO *bufio.Reader
	path       string
	offset     int64
}

func (r *binaryReader) read(data interface{}) error {
	if err := binary.Read(r.bufferedIO, binary.LittleEndian, data); err != nil {
		return &model.ParseError{Path: r.path, Offset: r.offset,
			Reason: fmt.Sprintf("unexpected end of file (%v)", err)}
	}
	r.offset += int64(binary.Size(data))
	return nil
}

func (r *binaryReader) readString() (string, error) {
	var length uint64
	if err := r.read(&length); err != nil {
		return "", err
	}
	if length > 1<<20 {
		return "", r.fail("string of %d bytes is implausibly long", length)
	}
	buffer := make([]byte, length)
	if _, err := io.ReadFull(r.bufferedIO, buffer); err != nil {
		return "", &model.ParseError{Path: r.path, Offset: r.offset,
			Reason: fmt.Sprintf("unexpected end of file (%v)", err)}
	}
	r.offset += int64(length)
	return string(buffer), nil
}

func (r *binaryReader) fail(format string, args ...interface{}) error {
	return &model.ParseError{Path: r.path, Offset: r.offset, Reason: fmt.Sprintf(format, args...)}
}

// LoadBinary loads a model in the legacy XGBoost binary format.
func LoadBinary(path string) (*model.Ensemble, error) {
	fileHandle, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fileHandle.Close()
	return readBinary(bufio.NewReader(fileHandle), path)
}

func readBinary(bufferedIO *bufio.Reader, path string) (*model.Ensemble, error) {
	reader := &binaryReader{bufferedIO: bufferedIO, path: path}

	// Models saved through a dmlc stream start with a "binf" magic.
	head, err := bufferedIO.Peek(4)
	if err == nil && string(head) == "binf" {
		bufferedIO.Discard(4)
		reader.offset += 4
	}

	var learner learnerModelParam
	if err := reader.read(&learner); err != nil {
		return nil, err
	}
	objective, err := reader.readString()
	if err != nil {
		return nil, err
	}
	gbmName, err := reader.readString()
	if err != nil {
		return nil, err
	}
	if gbmName != "gbtree" {
		return nil, reader.fail("booster %q is not supported, expected \"gbtree\"", gbmName)
	}

	var gbtree gbTreeModelParam
	if err := reader.read(&gbtree); err != nil {
		return nil, err
	}
	if gbtree.NumTrees < 0 {
		return nil, reader.fail("negative tree count %d", gbtree.NumTrees)
	}
	if gbtree.SizeLeafVector != 0 {
		return nil, reader.fail("leaf vectors in the binary format are not supported")
	}

	transform, known := predTransform(objective)
	if !known {
		return nil, reader.fail("unrecognized objective %q", objective)
	}
	numOutputGroup := int(gbtree.NumOutputGroup)
	if numOutputGroup == 0 {
		numOutputGroup = 1
	}
	if learner.NumClass > 1 && int(learner.NumClass) != numOutputGroup {
		return nil, reader.fail("learner has %d classes but the booster has %d output groups",
			learner.NumClass, gbtree.NumOutputGroup)
	}

	ens := &model.Ensemble{
		NumFeature:     int(learner.NumFeature),
		NumOutputGroup: numOutputGroup,
		PredTransform:  transform,
		SigmoidAlpha:   1.0,
		GlobalBias:     float32(baseScoreToMargin(transform, float64(learner.BaseScore))),
	}

	for treeIdx := 0; treeIdx < int(gbtree.NumTrees); treeIdx++ {
		tree, err := readBinaryTree(reader)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", treeIdx, err)
		}
		ens.Trees = append(ens.Trees, tree)
	}

	// Per-tree group assignments. XGBoost assigns tree t to group t mod the
	// group count, which is what the evaluator assumes; the stored values are
	// only read to keep the stream position honest.
	groups := make([]int32, gbtree.NumTrees)
	if gbtree.NumTrees > 0 {
		if err := reader.read(groups); err != nil {
			return nil, err
		}
	}
	return ens, nil
}

// readBinaryTree reads one tree and renumbers its nodes depth-first from the
// root, dropping the slots of deleted nodes.
func readBinaryTree(reader *binaryReader) (model.Tree, error) {
	var params treeParam
	if err := reader.read(&params); err != nil {
		return model.Tree{}, err
	}
	if params.NumNodes <= 0 {
		return model.Tree{}, reader.fail("tree has %d nodes", params.NumNodes)
	}
	if params.SizeLeafVector != 0 {
		return model.Tree{}, reader.fail("leaf vectors in the binary format are not supported")
	}
	rawNodes := make([]binaryNode, params.NumNodes)
	if err := reader.read(rawNodes); err != nil {
		return model.Tree{}, err
	}
	rawStats := make([]binaryNodeStat, params.NumNodes)
	if err := reader.read(rawStats); err != nil {
		return model.Tree{}, err
	}
	return flattenTree(rawNodes, reader.fail)
}

// flattenTree renumbers raw tree nodes depth-first from the root. Both the
// binary and the JSON formats index nodes into a flat array that may contain
// deleted slots; the output arena contains only the reachable nodes.
func flattenTree(rawNodes []binaryNode, fail func(format string, args ...interface{}) error) (model.Tree, error) {
	tree := model.Tree{Nodes: make([]model.Node, 0, len(rawNodes))}

	var addNode func(rawIdx int32) (int32, error)
	addNode = func(rawIdx int32) (int32, error) {
		if rawIdx < 0 || int(rawIdx) >= len(rawNodes) {
			return 0, fail("node index %d out of range [0;%d)", rawIdx, len(rawNodes))
		}
		if len(tree.Nodes) > len(rawNodes) {
			return 0, fail("tree nodes form a cycle")
		}
		raw := &rawNodes[rawIdx]
		nodeIdx := int32(len(tree.Nodes))
		if raw.CLeft == -1 {
			tree.Nodes = append(tree.Nodes, model.Node{
				IsLeaf:    true,
				LeafValue: raw.Info,
				Left:      model.NoChild,
				Right:     model.NoChild,
			})
			return nodeIdx, nil
		}
		tree.Nodes = append(tree.Nodes, model.Node{
			Feature:     raw.SIndex & 0x7fffffff,
			Threshold:   raw.Info,
			Op:          model.OpLT,
			DefaultLeft: raw.SIndex>>31 != 0,
		})
		leftIdx, err := addNode(raw.CLeft)
		if err != nil {
			return 0, err
		}
		rightIdx, err := addNode(raw.CRight)
		if err != nil {
			return 0, err
		}
		tree.Nodes[nodeIdx].Left = leftIdx
		tree.Nodes[nodeIdx].Right = rightIdx
		return nodeIdx, nil
	}

	if _, err := addNode(0); err != nil {
		return model.Tree{}, err
	}
	return tree, nil
}
