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
	"math"
)

// Operator is the comparison operator of a numerical split. A test node
// routes an example to its left child when "value <op> threshold" holds.
type Operator int

// Known operators.
const (
	OpEQ Operator = iota
	OpLT
	OpLE
	OpGT
	OpGE
)

var opNames = map[Operator]string{
	OpEQ: "==",
	OpLT: "<",
	OpLE: "<=",
	OpGT: ">",
	OpGE: ">=",
}

// String returns the operator spelled the way model files spell it.
func (op Operator) String() string {
	name, found := opNames[op]
	if !found {
		return fmt.Sprintf("Operator(%d)", int(op))
	}
	return name
}

// ParseOperator maps an operator name ("<", "<=", ">", ">=", "==") to its
// Operator value.
func ParseOperator(name string) (Operator, error) {
	for op, opName := range opNames {
		if opName == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", name)
}

// Eval applies the operator to a feature value and a threshold.
func (op Operator) Eval(value, threshold float32) bool {
	switch op {
	case OpEQ:
		return value == threshold
	case OpLT:
		return value < threshold
	case OpLE:
		return value <= threshold
	case OpGT:
		return value > threshold
	case OpGE:
		return value >= threshold
	}
	return false
}

// NoChild marks an absent child index.
const NoChild int32 = -1

// Node is one node of a tree. Nodes are stored by value in the tree's node
// arena and reference their children by index, so a well-formed tree is
// cycle-free by construction.
type Node struct {
	// Test node fields. Left is taken when "value <Op> Threshold" holds, or
	// when the value is missing and DefaultLeft is set.
	Feature     uint32
	Threshold   float32
	Op          Operator
	DefaultLeft bool
	Left        int32
	Right       int32

	// Leaf fields. A leaf carries either a scalar value or, for models with
	// vector leaves, one value per output group.
	IsLeaf     bool
	LeafValue  float32
	LeafVector []float32
}

// Tree is a single decision tree: an arena of nodes rooted at index 0.
type Tree struct {
	Nodes []Node
}

// Root returns the root node index.
func (t *Tree) Root() int32 {
	return 0
}

// NumNodes is the number of nodes in the tree.
func (t *Tree) NumNodes() int {
	return len(t.Nodes)
}

// NumLeaves is the number of leaf nodes in the tree.
func (t *Tree) NumLeaves() int {
	count := 0
	for nodeIdx := range t.Nodes {
		if t.Nodes[nodeIdx].IsLeaf {
			count++
		}
	}
	return count
}

// MaxDepth is the depth of the deepest leaf. A tree with a lone root leaf has
// depth 0.
func (t *Tree) MaxDepth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	return t.depthBelow(0)
}

func (t *Tree) depthBelow(nodeIdx int32) int {
	node := &t.Nodes[nodeIdx]
	if node.IsLeaf {
		return 0
	}
	left := t.depthBelow(node.Left)
	right := t.depthBelow(node.Right)
	if left > right {
		return 1 + left
	}
	return 1 + right
}

// LeafFor routes a dense example through the tree and returns the index of
// the leaf it reaches. NaN values are missing and follow the split's default
// direction.
func (t *Tree) LeafFor(row []float32) int32 {
	nodeIdx := t.Root()
	for {
		node := &t.Nodes[nodeIdx]
		if node.IsLeaf {
			return nodeIdx
		}
		value := row[node.Feature]
		var left bool
		if math.IsNaN(float64(value)) {
			left = node.DefaultLeft
		} else {
			left = node.Op.Eval(value, node.Threshold)
		}
		if left {
			nodeIdx = node.Left
		} else {
			nodeIdx = node.Right
		}
	}
}

// checkTree validates the shape of one tree: children of test nodes must
// exist and be in range, and the arena must contain no unreachable or
// doubly-referenced nodes.
func (t *Tree) checkTree(numFeature int, numOutputGroup int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	seen := make([]bool, len(t.Nodes))
	stack := []int32{t.Root()}
	for len(stack) > 0 {
		nodeIdx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if nodeIdx < 0 || int(nodeIdx) >= len(t.Nodes) {
			return fmt.Errorf("node index %d out of range [0;%d)", nodeIdx, len(t.Nodes))
		}
		if seen[nodeIdx] {
			return fmt.Errorf("node %d referenced more than once", nodeIdx)
		}
		seen[nodeIdx] = true
		node := &t.Nodes[nodeIdx]
		if node.IsLeaf {
			if len(node.LeafVector) != 0 && len(node.LeafVector) != numOutputGroup {
				return fmt.Errorf("leaf %d has a vector of %d values, the model has %d output groups",
					nodeIdx, len(node.LeafVector), numOutputGroup)
			}
			continue
		}
		if int(node.Feature) >= numFeature {
			return fmt.Errorf("node %d tests feature %d, the model has %d features",
				nodeIdx, node.Feature, numFeature)
		}
		if node.Left == NoChild || node.Right == NoChild {
			return fmt.Errorf("test node %d is missing a child", nodeIdx)
		}
		stack = append(stack, node.Left, node.Right)
	}
	for nodeIdx := range seen {
		if !seen[nodeIdx] {
			return fmt.Errorf("node %d is unreachable from the root", nodeIdx)
		}
	}
	return nil
}
