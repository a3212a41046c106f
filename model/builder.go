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

package model

import (
	"fmt"
	"sort"
	"strconv"
)

// TreeBuilder assembles a single tree node by node. Nodes are addressed by
// caller-chosen integer keys until CommitEnsemble maps them to a dense node
// arena.
//
// A fresh node created by CreateNode is "empty" until one of the Set*Node
// calls gives it a role; committing a tree with empty nodes is an error.
type TreeBuilder struct {
	nodes   map[int]*builderNode
	rootKey int
	hasRoot bool
}

type builderNode struct {
	isLeaf      bool
	isSet       bool
	feature     uint32
	op          Operator
	threshold   float32
	defaultLeft bool
	leftKey     int
	rightKey    int
	leafValue   float32
	leafVector  []float32
}

// NewTreeBuilder creates an empty tree builder.
func NewTreeBuilder() *TreeBuilder {
	return &TreeBuilder{nodes: make(map[int]*builderNode)}
}

// CreateNode registers an empty node under the given key.
func (tb *TreeBuilder) CreateNode(nodeKey int) error {
	if _, found := tb.nodes[nodeKey]; found {
		return fmt.Errorf("node key %d already exists", nodeKey)
	}
	tb.nodes[nodeKey] = &builderNode{}
	return nil
}

// DeleteNode removes a node. Deleting the root clears the root designation.
func (tb *TreeBuilder) DeleteNode(nodeKey int) error {
	if _, found := tb.nodes[nodeKey]; !found {
		return fmt.Errorf("no node with key %d", nodeKey)
	}
	delete(tb.nodes, nodeKey)
	if tb.hasRoot && tb.rootKey == nodeKey {
		tb.hasRoot = false
	}
	return nil
}

// SetRootNode designates the tree's root.
func (tb *TreeBuilder) SetRootNode(nodeKey int) error {
	if _, found := tb.nodes[nodeKey]; !found {
		return fmt.Errorf("no node with key %d", nodeKey)
	}
	tb.rootKey = nodeKey
	tb.hasRoot = true
	return nil
}

// SetNumericalTestNode turns a node into a numerical split. The example goes
// left when "feature value <op> threshold" holds; missing values go to the
// default side. Child keys may be created before or after this call.
func (tb *TreeBuilder) SetNumericalTestNode(nodeKey int, feature uint32, opName string,
	threshold float32, defaultLeft bool, leftKey, rightKey int) error {
	node, found := tb.nodes[nodeKey]
	if !found {
		return fmt.Errorf("no node with key %d", nodeKey)
	}
	if node.isSet {
		return fmt.Errorf("node %d was already set", nodeKey)
	}
	op, err := ParseOperator(opName)
	if err != nil {
		return err
	}
	node.isSet = true
	node.isLeaf = false
	node.feature = feature
	node.op = op
	node.threshold = threshold
	node.defaultLeft = defaultLeft
	node.leftKey = leftKey
	node.rightKey = rightKey
	return nil
}

// SetLeafNode turns a node into a scalar leaf.
func (tb *TreeBuilder) SetLeafNode(nodeKey int, leafValue float32) error {
	node, found := tb.nodes[nodeKey]
	if !found {
		return fmt.Errorf("no node with key %d", nodeKey)
	}
	if node.isSet {
		return fmt.Errorf("node %d was already set", nodeKey)
	}
	node.isSet = true
	node.isLeaf = true
	node.leafValue = leafValue
	return nil
}

// SetLeafVectorNode turns a node into a vector leaf with one value per
// output group.
func (tb *TreeBuilder) SetLeafVectorNode(nodeKey int, leafVector []float32) error {
	node, found := tb.nodes[nodeKey]
	if !found {
		return fmt.Errorf("no node with key %d", nodeKey)
	}
	if node.isSet {
		return fmt.Errorf("node %d was already set", nodeKey)
	}
	if len(leafVector) == 0 {
		return fmt.Errorf("leaf vector of node %d is empty", nodeKey)
	}
	node.isSet = true
	node.isLeaf = true
	node.leafVector = append([]float32(nil), leafVector...)
	return nil
}

// build flattens the keyed nodes into an arena, root first, children in
// depth-first order.
func (tb *TreeBuilder) build() (Tree, error) {
	if !tb.hasRoot {
		return Tree{}, fmt.Errorf("tree has no root")
	}
	tree := Tree{Nodes: make([]Node, 0, len(tb.nodes))}
	indexOf := make(map[int]int32, len(tb.nodes))

	var addNode func(nodeKey int) (int32, error)
	addNode = func(nodeKey int) (int32, error) {
		if _, found := indexOf[nodeKey]; found {
			return 0, fmt.Errorf("node %d is referenced by more than one parent", nodeKey)
		}
		node, found := tb.nodes[nodeKey]
		if !found {
			return 0, fmt.Errorf("no node with key %d", nodeKey)
		}
		if !node.isSet {
			return 0, fmt.Errorf("node %d was created but never set", nodeKey)
		}
		nodeIdx := int32(len(tree.Nodes))
		indexOf[nodeKey] = nodeIdx
		if node.isLeaf {
			tree.Nodes = append(tree.Nodes, Node{
				IsLeaf:     true,
				LeafValue:  node.leafValue,
				LeafVector: node.leafVector,
				Left:       NoChild,
				Right:      NoChild,
			})
			return nodeIdx, nil
		}
		tree.Nodes = append(tree.Nodes, Node{
			Feature:     node.feature,
			Threshold:   node.threshold,
			Op:          node.op,
			DefaultLeft: node.defaultLeft,
		})
		leftIdx, err := addNode(node.leftKey)
		if err != nil {
			return 0, err
		}
		rightIdx, err := addNode(node.rightKey)
		if err != nil {
			return 0, err
		}
		tree.Nodes[nodeIdx].Left = leftIdx
		tree.Nodes[nodeIdx].Right = rightIdx
		return nodeIdx, nil
	}

	if _, err := addNode(tb.rootKey); err != nil {
		return Tree{}, err
	}
	if len(tree.Nodes) != len(tb.nodes) {
		orphans := make([]int, 0)
		for nodeKey := range tb.nodes {
			if _, found := indexOf[nodeKey]; !found {
				orphans = append(orphans, nodeKey)
			}
		}
		sort.Ints(orphans)
		return Tree{}, fmt.Errorf("nodes %v are not reachable from the root", orphans)
	}
	return tree, nil
}

// Builder assembles an Ensemble from hand-built trees.
type Builder struct {
	numFeature        int
	numOutputGroup    int
	averageTreeOutput bool
	trees             []*TreeBuilder
	params            map[string]string
}

// NewBuilder creates a model builder. averageTreeOutput selects the random
// forest combination (mean of trees) over the boosting combination (sum).
func NewBuilder(numFeature, numOutputGroup int, averageTreeOutput bool) *Builder {
	return &Builder{
		numFeature:        numFeature,
		numOutputGroup:    numOutputGroup,
		averageTreeOutput: averageTreeOutput,
		params:            make(map[string]string),
	}
}

// SetParam sets a model parameter: "pred_transform", "sigmoid_alpha" or
// "global_bias". Unknown names are rejected at CommitEnsemble.
func (b *Builder) SetParam(name, value string) {
	b.params[name] = value
}

// InsertTree inserts a tree at the given position, or appends it when index
// is -1. The tree builder is consumed and must not be reused.
func (b *Builder) InsertTree(tb *TreeBuilder, index int) error {
	if index == -1 {
		index = len(b.trees)
	}
	if index < 0 || index > len(b.trees) {
		return fmt.Errorf("tree index %d out of range [0;%d]", index, len(b.trees))
	}
	b.trees = append(b.trees, nil)
	copy(b.trees[index+1:], b.trees[index:])
	b.trees[index] = tb
	return nil
}

// DeleteTree removes the tree at the given position.
func (b *Builder) DeleteTree(index int) error {
	if index < 0 || index >= len(b.trees) {
		return fmt.Errorf("tree index %d out of range [0;%d)", index, len(b.trees))
	}
	b.trees = append(b.trees[:index], b.trees[index+1:]...)
	return nil
}

// NumTrees is the number of inserted trees.
func (b *Builder) NumTrees() int {
	return len(b.trees)
}

// CommitEnsemble flattens every tree and validates the assembled model.
func (b *Builder) CommitEnsemble() (*Ensemble, error) {
	ens := &Ensemble{
		NumFeature:        b.numFeature,
		NumOutputGroup:    b.numOutputGroup,
		PredTransform:     TransformIdentity,
		SigmoidAlpha:      1.0,
		AverageTreeOutput: b.averageTreeOutput,
	}
	for name, value := range b.params {
		switch name {
		case "pred_transform":
			ens.PredTransform = value
		case "sigmoid_alpha":
			alpha, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return nil, fmt.Errorf("parameter sigmoid_alpha=%q is not a number", value)
			}
			ens.SigmoidAlpha = float32(alpha)
		case "global_bias":
			bias, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return nil, fmt.Errorf("parameter global_bias=%q is not a number", value)
			}
			ens.GlobalBias = float32(bias)
		default:
			return nil, fmt.Errorf("unknown model parameter %q", name)
		}
	}
	for treeIdx, tb := range b.trees {
		tree, err := tb.build()
		if err != nil {
			return nil, fmt.Errorf("tree %d: %v", treeIdx, err)
		}
		ens.Trees = append(ens.Trees, tree)
	}
	if err := ens.Validate(); err != nil {
		return nil, err
	}
	return ens, nil
}
