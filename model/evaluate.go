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

	"github.com/treeforge/treeforge/dmatrix"
)

// The evaluator in this file is the reference the compiled modules are held
// against. It performs the same float32 operations in the same order as the
// generated code, so both produce identical bits for identical inputs.

// OutputsPerRow is the number of prediction values per example: one for
// single-output models and for the max_index transform, NumOutputGroup
// otherwise.
func (e *Ensemble) OutputsPerRow() int {
	if e.PredTransform == TransformMaxIndex {
		return 1
	}
	return e.NumOutputGroup
}

// MarginRow accumulates the raw per-group margins of one dense example into
// "out" (length NumOutputGroup): summed leaf outputs, averaged if the model
// averages, plus the global bias. NaN feature values are missing.
func (e *Ensemble) MarginRow(row []float32, out []float32) {
	for groupIdx := range out {
		out[groupIdx] = 0
	}
	vectorLeaves := e.HasVectorLeaves()
	for treeIdx := range e.Trees {
		tree := &e.Trees[treeIdx]
		leaf := &tree.Nodes[tree.LeafFor(row)]
		switch {
		case vectorLeaves:
			for groupIdx := range out {
				out[groupIdx] += leaf.LeafVector[groupIdx]
			}
		case e.NumOutputGroup == 1:
			out[0] += leaf.LeafValue
		default:
			out[treeIdx%e.NumOutputGroup] += leaf.LeafValue
		}
	}
	if e.AverageTreeOutput {
		divisor := float32(len(e.Trees))
		if e.NumOutputGroup > 1 && !vectorLeaves {
			divisor = float32(len(e.Trees) / e.NumOutputGroup)
		}
		for groupIdx := range out {
			out[groupIdx] /= divisor
		}
	}
	for groupIdx := range out {
		out[groupIdx] += e.GlobalBias
	}
}

// TransformInPlace applies the prediction transform to the margins of one
// example and returns the transformed outputs, which alias "margins". The
// result holds OutputsPerRow values.
func (e *Ensemble) TransformInPlace(margins []float32) []float32 {
	switch e.PredTransform {
	case TransformIdentity:
		return margins
	case TransformSigmoid:
		margins[0] = Sigmoid(margins[0], e.SigmoidAlpha)
		return margins
	case TransformExponential:
		margins[0] = Exponential(margins[0])
		return margins
	case TransformHinge:
		margins[0] = Hinge(margins[0])
		return margins
	case TransformSoftmax:
		Softmax(margins)
		return margins
	case TransformMaxIndex:
		margins[0] = MaxIndex(margins)
		return margins[:1]
	}
	return margins
}

// PredictRow computes the prediction of one dense example. With predMargin
// set, the transform is skipped and the raw margins are returned.
func (e *Ensemble) PredictRow(row []float32, predMargin bool) []float32 {
	out := make([]float32, e.NumOutputGroup)
	e.MarginRow(row, out)
	if predMargin {
		return out
	}
	return e.TransformInPlace(out)
}

// Predict computes predictions for every row of a batch. The result is
// example major: row i occupies out[i*k : (i+1)*k] with k == OutputsPerRow
// (or NumOutputGroup when predMargin is set).
func (e *Ensemble) Predict(batch *dmatrix.Batch, predMargin bool) ([]float32, error) {
	if batch.NumCol() > e.NumFeature {
		return nil, fmt.Errorf("batch has %d columns, the model has %d features",
			batch.NumCol(), e.NumFeature)
	}
	outPerRow := e.OutputsPerRow()
	if predMargin {
		outPerRow = e.NumOutputGroup
	}
	out := make([]float32, batch.NumRow()*outPerRow)
	row := make([]float32, e.NumFeature)
	margins := make([]float32, e.NumOutputGroup)
	for rowIdx := 0; rowIdx < batch.NumRow(); rowIdx++ {
		batch.DenseRow(rowIdx, row)
		e.MarginRow(row, margins)
		values := margins
		if !predMargin {
			values = e.TransformInPlace(margins)
		}
		copy(out[rowIdx*outPerRow:], values)
	}
	return out, nil
}

// Sigmoid is the sigmoid prediction transform.
func Sigmoid(margin, alpha float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-alpha*margin))))
}

// Exponential is the exponential prediction transform.
func Exponential(margin float32) float32 {
	return float32(math.Exp(float64(margin)))
}

// Hinge is the hinge prediction transform.
func Hinge(margin float32) float32 {
	if margin > 0 {
		return 1
	}
	return 0
}

// Softmax normalizes per-group margins into probabilities, in place. The
// largest margin is subtracted before exponentiation and the normalization
// constant is accumulated in float64.
func Softmax(margins []float32) {
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
}

// MaxIndex returns the index of the largest margin as a float32. The first
// of equal margins wins.
func MaxIndex(margins []float32) float32 {
	maxIdx := 0
	maxMargin := margins[0]
	for groupIdx := 1; groupIdx < len(margins); groupIdx++ {
		if margins[groupIdx] > maxMargin {
			maxMargin = margins[groupIdx]
			maxIdx = groupIdx
		}
	}
	return float32(maxIdx)
}
