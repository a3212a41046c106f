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

package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/treeforge/treeforge/model"
)

// treeGen emits the Go function of one tree as nested if/else blocks, one
// branch per split. With visit counts available, the likelier child of each
// split is emitted as the first arm.
type treeGen struct {
	sb           strings.Builder
	tree         *model.Tree
	counts       []uint64
	tables       *quantTables
	vectorLeaves bool
	usesInf      bool
}

// emitTree returns the source of the function for tree treeIdx, plus
// whether the emitted code references math.Inf.
func emitTree(ens *model.Ensemble, treeIdx int, counts []uint64, tables *quantTables) (string, bool) {
	gen := &treeGen{
		tree:         &ens.Trees[treeIdx],
		counts:       counts,
		tables:       tables,
		vectorLeaves: ens.HasVectorLeaves(),
	}
	gen.sb.WriteString("func tree")
	gen.sb.WriteString(strconv.Itoa(treeIdx))
	gen.sb.WriteString("(row []float32")
	if tables != nil {
		gen.sb.WriteString(", qrow []int32")
	}
	if gen.vectorLeaves {
		gen.sb.WriteString(", sum []float32) {\n")
	} else {
		gen.sb.WriteString(") float32 {\n")
	}
	gen.emitNode(gen.tree.Root(), 1)
	gen.sb.WriteString("}\n")
	return gen.sb.String(), gen.usesInf
}

func (g *treeGen) emitNode(nodeIdx int32, depth int) {
	indent := strings.Repeat("\t", depth)
	node := &g.tree.Nodes[nodeIdx]
	if node.IsLeaf {
		if g.vectorLeaves {
			for groupIdx, value := range node.LeafVector {
				fmt.Fprintf(&g.sb, "%ssum[%d] += %s\n", indent, groupIdx, g.floatLiteral(value))
			}
			return
		}
		fmt.Fprintf(&g.sb, "%sreturn %s\n", indent, g.floatLiteral(node.LeafValue))
		return
	}

	// Default branch order puts the left child first; counts can flip it.
	leftFirst := true
	if g.counts != nil && g.counts[node.Right] > g.counts[node.Left] {
		leftFirst = false
	}
	first, second := node.Left, node.Right
	if !leftFirst {
		first, second = node.Right, node.Left
	}

	fmt.Fprintf(&g.sb, "%sif %s {\n", indent, g.condition(node, leftFirst))
	g.emitNode(first, depth+1)
	fmt.Fprintf(&g.sb, "%s} else {\n", indent)
	g.emitNode(second, depth+1)
	fmt.Fprintf(&g.sb, "%s}\n", indent)
}

// condition renders the test that routes an example to the first emitted
// arm. When the right child goes first the comparison is negated, which is
// safe: the missing case is peeled off by the notMissing guard, so the
// negation never sees a NaN.
func (g *treeGen) condition(node *model.Node, leftFirst bool) string {
	var comparison string
	if g.tables != nil {
		comparison = fmt.Sprintf("qrow[%d] %s %d",
			node.Feature, opString(node.Op, !leftFirst), g.tables.rank(node.Feature, node.Threshold))
	} else {
		comparison = fmt.Sprintf("row[%d] %s %s",
			node.Feature, opString(node.Op, !leftFirst), g.floatLiteral(node.Threshold))
	}
	missingToFirst := leftFirst == node.DefaultLeft
	if missingToFirst {
		return fmt.Sprintf("!notMissing(row[%d]) || %s", node.Feature, comparison)
	}
	return fmt.Sprintf("notMissing(row[%d]) && %s", node.Feature, comparison)
}

func opString(op model.Operator, negated bool) string {
	if !negated {
		return op.String()
	}
	switch op {
	case model.OpEQ:
		return "!="
	case model.OpLT:
		return ">="
	case model.OpLE:
		return ">"
	case model.OpGT:
		return "<="
	case model.OpGE:
		return "<"
	}
	return op.String()
}

// floatLiteral renders a float32 with the shortest digit string that reads
// back to the same bits.
func (g *treeGen) floatLiteral(value float32) string {
	return floatLiteral(value, &g.usesInf)
}

func floatLiteral(value float32, usesInf *bool) string {
	if value > maxFloat32 {
		*usesInf = true
		return "float32(math.Inf(1))"
	}
	if value < -maxFloat32 {
		*usesInf = true
		return "float32(math.Inf(-1))"
	}
	return "float32(" + strconv.FormatFloat(float64(value), 'g', -1, 32) + ")"
}

const maxFloat32 = 0x1.fffffep127
