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
	"text/template"

	"github.com/treeforge/treeforge/model"
)

// Static scaffolding of the generated modules. Trees and the margin
// accumulator are assembled in source.go; everything here only varies by a
// handful of fields.

type mainData struct {
	Quantized bool
}

var mainTemplate = template.Must(template.New("main").Parse(`// Code generated by treeforge. DO NOT EDIT.

// Standalone prediction server for a compiled tree ensemble. It speaks a
// gob protocol over stdin and stdout: one modelInfo handshake on startup,
// then one response per request until stdin closes.
package main

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	wireMagic       = "treeforge-module"
	protocolVersion = 1
)

type modelInfo struct {
	Magic           string
	ProtocolVersion int
	NumFeature      int
	NumOutputGroup  int
	PredTransform   string
	SigmoidAlpha    float32
	GlobalBias      float32
	Quantized       bool
}

type request struct {
	NumRow     int
	Values     []float32
	ColIndex   []uint32
	RowPtr     []uint64
	PredMargin bool
}

type response struct {
	Preds []float32
	Err   string
}

func main() {
	stdin := bufio.NewReader(os.Stdin)
	stdout := bufio.NewWriter(os.Stdout)
	enc := gob.NewEncoder(stdout)
	dec := gob.NewDecoder(stdin)
	info := modelInfo{
		Magic:           wireMagic,
		ProtocolVersion: protocolVersion,
		NumFeature:      numFeature,
		NumOutputGroup:  numOutputGroup,
		PredTransform:   predTransform,
		SigmoidAlpha:    sigmoidAlpha,
		GlobalBias:      globalBias,
		Quantized:       {{if .Quantized}}true{{else}}false{{end}},
	}
	if err := enc.Encode(&info); err != nil {
		fatal(err)
	}
	if err := stdout.Flush(); err != nil {
		fatal(err)
	}
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if err == io.EOF {
				return
			}
			fatal(err)
		}
		if err := enc.Encode(predictBatch(&req)); err != nil {
			fatal(err)
		}
		if err := stdout.Flush(); err != nil {
			fatal(err)
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

var nan32 = float32(math.NaN())

func predictBatch(req *request) *response {
	if len(req.RowPtr) != req.NumRow+1 {
		return &response{Err: fmt.Sprintf("row pointer has %d entries, want %d", len(req.RowPtr), req.NumRow+1)}
	}
	if len(req.Values) != len(req.ColIndex) {
		return &response{Err: fmt.Sprintf("%d values but %d column indices", len(req.Values), len(req.ColIndex))}
	}
	outPerRow := outputsPerRow
	if req.PredMargin {
		outPerRow = numOutputGroup
	}
	preds := make([]float32, req.NumRow*outPerRow)
	row := make([]float32, numFeature)
{{- if .Quantized}}
	qrow := make([]int32, numFeature)
{{- end}}
	margins := make([]float32, numOutputGroup)
	for rowIdx := 0; rowIdx < req.NumRow; rowIdx++ {
		begin, end := req.RowPtr[rowIdx], req.RowPtr[rowIdx+1]
		if begin > end || end > uint64(len(req.Values)) {
			return &response{Err: fmt.Sprintf("row %d has extent [%d, %d) outside the value array", rowIdx, begin, end)}
		}
		for colIdx := range row {
			row[colIdx] = nan32
		}
		for k := begin; k < end; k++ {
			col := req.ColIndex[k]
			if int(col) >= numFeature {
				return &response{Err: fmt.Sprintf("row %d references column %d, the model has %d features", rowIdx, col, numFeature)}
			}
			row[col] = req.Values[k]
		}
{{- if .Quantized}}
		quantizeRow(row, qrow)
		predictMargin(row, qrow, margins)
{{- else}}
		predictMargin(row, margins)
{{- end}}
		if req.PredMargin {
			copy(preds[rowIdx*outPerRow:], margins)
		} else {
			copy(preds[rowIdx*outPerRow:], applyTransform(margins))
		}
	}
	return &response{Preds: preds}
}
`))

var goModTemplate = template.Must(template.New("gomod").Parse(`module {{.ModuleName}}

go 1.18
`))

// transformFuncs holds the applyTransform implementation per prediction
// transform. Each body performs the same operations in the same order as the
// matching function in the model package, so the reference evaluator and the
// compiled module agree bit for bit.
var transformFuncs = map[string]string{
	model.TransformIdentity: `func applyTransform(margins []float32) []float32 {
	return margins
}
`,
	model.TransformSigmoid: `func applyTransform(margins []float32) []float32 {
	margins[0] = float32(1.0 / (1.0 + math.Exp(float64(-sigmoidAlpha*margins[0]))))
	return margins
}
`,
	model.TransformExponential: `func applyTransform(margins []float32) []float32 {
	margins[0] = float32(math.Exp(float64(margins[0])))
	return margins
}
`,
	model.TransformHinge: `func applyTransform(margins []float32) []float32 {
	if margins[0] > 0 {
		margins[0] = 1
	} else {
		margins[0] = 0
	}
	return margins
}
`,
	model.TransformSoftmax: `func applyTransform(margins []float32) []float32 {
	maxMargin := margins[0]
	for _, margin := range margins[1:] {
		if margin > maxMargin {
			maxMargin = margin
		}
	}
	var norm float64
	for groupIdx, margin := range margins {
		value := float32(math.Exp(float64(margin - maxMargin)))
		margins[groupIdx] = value
		norm += float64(value)
	}
	normConst := float32(norm)
	for groupIdx := range margins {
		margins[groupIdx] /= normConst
	}
	return margins
}
`,
	model.TransformMaxIndex: `func applyTransform(margins []float32) []float32 {
	maxIdx := 0
	maxMargin := margins[0]
	for groupIdx := 1; groupIdx < len(margins); groupIdx++ {
		if margins[groupIdx] > maxMargin {
			maxMargin = margins[groupIdx]
			maxIdx = groupIdx
		}
	}
	margins[0] = float32(maxIdx)
	return margins[:1]
}
`,
}

// transformNeedsMath lists the transforms whose applyTransform body calls
// into the math package.
var transformNeedsMath = map[string]bool{
	model.TransformSigmoid:     true,
	model.TransformExponential: true,
	model.TransformSoftmax:     true,
}

// quantizeFuncs is the value-to-rank translation of the generated modules.
// Kept in lockstep with quantTables.Lookup.
const quantizeFuncs = `func quantize(value float32, featureIdx int) int32 {
	begin := thresholdBegin[featureIdx]
	length := thresholdLen[featureIdx]
	slice := thresholds[begin : begin+length]
	if length == 0 || value < slice[0] {
		return -10
	}
	low, high := int32(0), length
	for low+1 < high {
		mid := (low + high) / 2
		midValue := slice[mid]
		if value == midValue {
			return mid * 2
		} else if value < midValue {
			high = mid
		} else {
			low = mid
		}
	}
	if slice[low] == value {
		return low * 2
	} else if high == length {
		return length * 2
	}
	return low*2 + 1
}

func quantizeRow(row []float32, qrow []int32) {
	for featureIdx := range row {
		if notMissing(row[featureIdx]) {
			qrow[featureIdx] = quantize(row[featureIdx], featureIdx)
		} else {
			qrow[featureIdx] = -1
		}
	}
}
`
