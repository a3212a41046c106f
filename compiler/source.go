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
	"strings"

	"github.com/treeforge/treeforge/model"
)

const generatedHeader = "// Code generated by treeforge. DO NOT EDIT.\n\n"

// emitModelFile builds model.go of the generated module: the model
// constants, the missing-value test, the margin accumulator and the
// prediction transform.
func emitModelFile(ens *model.Ensemble, quantized bool) []byte {
	var inf bool
	alphaLit := floatLiteral(ens.SigmoidAlpha, &inf)
	biasLit := floatLiteral(ens.GlobalBias, &inf)

	var sb strings.Builder
	sb.WriteString(generatedHeader)
	sb.WriteString("package main\n\n")
	if transformNeedsMath[ens.PredTransform] || inf {
		sb.WriteString("import \"math\"\n\n")
	}
	fmt.Fprintf(&sb, "const (\n")
	fmt.Fprintf(&sb, "\tnumFeature     = %d\n", ens.NumFeature)
	fmt.Fprintf(&sb, "\tnumOutputGroup = %d\n", ens.NumOutputGroup)
	fmt.Fprintf(&sb, "\toutputsPerRow  = %d\n", ens.OutputsPerRow())
	fmt.Fprintf(&sb, ")\n\n")
	fmt.Fprintf(&sb, "const predTransform = %q\n\n", ens.PredTransform)
	fmt.Fprintf(&sb, "var sigmoidAlpha = %s\n\n", alphaLit)
	fmt.Fprintf(&sb, "var globalBias = %s\n\n", biasLit)
	sb.WriteString("func notMissing(value float32) bool {\n\treturn value == value\n}\n\n")
	emitPredictMargin(&sb, ens, quantized)
	sb.WriteString("\n")
	sb.WriteString(transformFuncs[ens.PredTransform])
	return []byte(sb.String())
}

// emitPredictMargin writes the accumulator that sums the tree outputs into
// per-group margins. It adds leaves in tree order, divides once when the
// model averages, then adds the global bias, mirroring the reference
// evaluator step for step.
func emitPredictMargin(sb *strings.Builder, ens *model.Ensemble, quantized bool) {
	callArgs := "(row"
	if quantized {
		callArgs += ", qrow"
	}
	signature := "func predictMargin(row []float32, out []float32) {"
	if quantized {
		signature = "func predictMargin(row []float32, qrow []int32, out []float32) {"
	}
	sb.WriteString(signature)
	sb.WriteString("\n")

	vectorLeaves := ens.HasVectorLeaves()
	numTree := ens.NumTrees()
	switch {
	case vectorLeaves:
		sb.WriteString("\tvar sum [numOutputGroup]float32\n")
		for treeIdx := 0; treeIdx < numTree; treeIdx++ {
			fmt.Fprintf(sb, "\ttree%d%s, sum[:])\n", treeIdx, callArgs)
		}
		emitMarginTail(sb, ens, numTree)
	case ens.NumOutputGroup == 1:
		sb.WriteString("\tsum := float32(0)\n")
		for treeIdx := 0; treeIdx < numTree; treeIdx++ {
			fmt.Fprintf(sb, "\tsum += tree%d%s)\n", treeIdx, callArgs)
		}
		if ens.AverageTreeOutput {
			fmt.Fprintf(sb, "\tout[0] = sum/float32(%d) + globalBias\n", numTree)
		} else {
			sb.WriteString("\tout[0] = sum + globalBias\n")
		}
	default:
		sb.WriteString("\tvar sum [numOutputGroup]float32\n")
		for treeIdx := 0; treeIdx < numTree; treeIdx++ {
			fmt.Fprintf(sb, "\tsum[%d] += tree%d%s)\n", treeIdx%ens.NumOutputGroup, treeIdx, callArgs)
		}
		emitMarginTail(sb, ens, numTree/ens.NumOutputGroup)
	}
	sb.WriteString("}\n")
}

func emitMarginTail(sb *strings.Builder, ens *model.Ensemble, divisor int) {
	sb.WriteString("\tfor groupIdx := 0; groupIdx < numOutputGroup; groupIdx++ {\n")
	if ens.AverageTreeOutput {
		fmt.Fprintf(sb, "\t\tout[groupIdx] = sum[groupIdx]/float32(%d) + globalBias\n", divisor)
	} else {
		sb.WriteString("\t\tout[groupIdx] = sum[groupIdx] + globalBias\n")
	}
	sb.WriteString("\t}\n")
}

// emitTreesFile bundles a run of tree functions into one source file.
func emitTreesFile(funcs []string, usesInf bool) []byte {
	var sb strings.Builder
	sb.WriteString(generatedHeader)
	sb.WriteString("package main\n\n")
	if usesInf {
		sb.WriteString("import \"math\"\n\n")
	}
	for i, fn := range funcs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fn)
	}
	return []byte(sb.String())
}

// emitQuantizeFile builds quantize.go: the flat threshold tables plus the
// value-to-rank translation applied to every row before traversal.
func emitQuantizeFile(tables *quantTables) []byte {
	var sb strings.Builder
	sb.WriteString(generatedHeader)
	sb.WriteString("package main\n\n")
	writeFloatTable(&sb, "thresholds", tables.Thresholds)
	sb.WriteString("\n")
	writeIntTable(&sb, "thresholdBegin", tables.Begin)
	sb.WriteString("\n")
	writeIntTable(&sb, "thresholdLen", tables.Len)
	sb.WriteString("\n")
	sb.WriteString(quantizeFuncs)
	return []byte(sb.String())
}

const tableValuesPerLine = 8

func writeFloatTable(sb *strings.Builder, name string, values []float32) {
	fmt.Fprintf(sb, "var %s = []float32{", name)
	var inf bool
	for i, value := range values {
		if i%tableValuesPerLine == 0 {
			sb.WriteString("\n\t")
		} else {
			sb.WriteString(" ")
		}
		sb.WriteString(floatLiteral(value, &inf))
		sb.WriteString(",")
	}
	if len(values) > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("}\n")
}

func writeIntTable(sb *strings.Builder, name string, values []int32) {
	fmt.Fprintf(sb, "var %s = []int32{", name)
	for i, value := range values {
		if i%tableValuesPerLine == 0 {
			sb.WriteString("\n\t")
		} else {
			sb.WriteString(" ")
		}
		fmt.Fprintf(sb, "%d,", value)
	}
	if len(values) > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("}\n")
}
