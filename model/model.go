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

// Package model defines the in-memory representation of tree-ensemble
// models: additive collections of binary decision trees with numerical
// splits, plus the metadata (output groups, prediction transform, base
// score) needed to turn summed leaf outputs into predictions.
//
// Examples:
//
//	// Load an existing model.
//	ens, err := io.LoadModel("/path/to/mushroom.model", "xgboost")
//	fmt.Printf("%d trees over %d features\n", ens.NumTrees(), ens.NumFeature)
//
//	// Or assemble one by hand.
//	builder := model.NewBuilder(2, 1, false)
//	...
//	ens, err := builder.CommitEnsemble()
package model

import "fmt"

// Prediction transforms. The transform maps the summed margin (plus the
// global bias) to the model's final output.
const (
	// TransformIdentity returns the margin unchanged.
	TransformIdentity = "identity"
	// TransformSigmoid returns 1/(1+exp(-alpha*margin)).
	TransformSigmoid = "sigmoid"
	// TransformExponential returns exp(margin).
	TransformExponential = "exponential"
	// TransformHinge returns 1 if the margin is positive, 0 otherwise.
	TransformHinge = "hinge"
	// TransformSoftmax normalizes the per-group margins into probabilities.
	TransformSoftmax = "softmax"
	// TransformMaxIndex returns the index of the largest per-group margin.
	TransformMaxIndex = "max_index"
)

var scalarTransforms = map[string]bool{
	TransformIdentity:    true,
	TransformSigmoid:     true,
	TransformExponential: true,
	TransformHinge:       true,
}

var vectorTransforms = map[string]bool{
	TransformIdentity: true,
	TransformSoftmax:  true,
	TransformMaxIndex: true,
}

// Ensemble is a tree-ensemble model.
//
// A model with NumOutputGroup == 1 sums the leaf outputs of all trees into a
// single margin. A multi-output model either assigns tree t to output group
// t % NumOutputGroup (grove-per-class, scalar leaves) or sums vector leaves
// elementwise into all groups at once.
type Ensemble struct {
	// Number of input features. Feature indices of every split are smaller.
	NumFeature int
	// Number of output groups (1, or the number of classes).
	NumOutputGroup int
	// Trees, in the order their outputs are summed.
	Trees []Tree
	// PredTransform is one of the Transform* constants.
	PredTransform string
	// SigmoidAlpha scales the margin inside the sigmoid transform. Ignored by
	// the other transforms. Must be positive.
	SigmoidAlpha float32
	// GlobalBias is added to every output group after tree summation.
	GlobalBias float32
	// AverageTreeOutput divides the summed leaf outputs by the number of
	// contributing trees, turning the sum into a mean (random forests).
	AverageTreeOutput bool
}

// NumTrees is the number of trees in the ensemble.
func (e *Ensemble) NumTrees() int {
	return len(e.Trees)
}

// NumNodes is the total number of nodes over all trees.
func (e *Ensemble) NumNodes() int {
	count := 0
	for treeIdx := range e.Trees {
		count += e.Trees[treeIdx].NumNodes()
	}
	return count
}

// NumLeaves is the total number of leaves over all trees.
func (e *Ensemble) NumLeaves() int {
	count := 0
	for treeIdx := range e.Trees {
		count += e.Trees[treeIdx].NumLeaves()
	}
	return count
}

// HasVectorLeaves tests if the ensemble uses vector leaves. Mixed ensembles
// are rejected by Validate.
func (e *Ensemble) HasVectorLeaves() bool {
	for treeIdx := range e.Trees {
		for nodeIdx := range e.Trees[treeIdx].Nodes {
			node := &e.Trees[treeIdx].Nodes[nodeIdx]
			if node.IsLeaf {
				return len(node.LeafVector) > 0
			}
		}
	}
	return false
}

// Validate checks the structural invariants of the ensemble. Models loaded
// through the frontends and committed by the builder are validated already.
func (e *Ensemble) Validate() error {
	if e.NumFeature <= 0 {
		return fmt.Errorf("model has %d features, expected at least 1", e.NumFeature)
	}
	if e.NumOutputGroup < 1 {
		return fmt.Errorf("model has %d output groups, expected at least 1", e.NumOutputGroup)
	}
	if len(e.Trees) == 0 {
		return fmt.Errorf("model has no trees")
	}
	if e.NumOutputGroup == 1 {
		if !scalarTransforms[e.PredTransform] {
			return fmt.Errorf("transform %q cannot be applied to a single-output model", e.PredTransform)
		}
	} else {
		if !vectorTransforms[e.PredTransform] {
			return fmt.Errorf("transform %q cannot be applied to a %d-output model",
				e.PredTransform, e.NumOutputGroup)
		}
	}
	if e.PredTransform == TransformSigmoid && e.SigmoidAlpha <= 0 {
		return fmt.Errorf("sigmoid transform needs a positive alpha, got %v", e.SigmoidAlpha)
	}
	vectorLeaves := e.HasVectorLeaves()
	for treeIdx := range e.Trees {
		tree := &e.Trees[treeIdx]
		if err := tree.checkTree(e.NumFeature, e.NumOutputGroup); err != nil {
			return fmt.Errorf("tree %d: %v", treeIdx, err)
		}
		for nodeIdx := range tree.Nodes {
			node := &tree.Nodes[nodeIdx]
			if node.IsLeaf && (len(node.LeafVector) > 0) != vectorLeaves {
				return fmt.Errorf("tree %d mixes scalar and vector leaves", treeIdx)
			}
		}
	}
	if e.NumOutputGroup > 1 && !vectorLeaves && len(e.Trees)%e.NumOutputGroup != 0 {
		return fmt.Errorf("%d trees cannot be assigned evenly to %d output groups",
			len(e.Trees), e.NumOutputGroup)
	}
	return nil
}

// FormatLoader loads a model file of one specific format.
type FormatLoader func(path string) (*Ensemble, error)

// RegisteredFormats is the list of model loaders, keyed by a unique format
// name per model file format. Only register (change) this during the runtime
// initialization, in `init()` functions. End users probably want to use
// `io.LoadModel()` to load models instead.
var RegisteredFormats = map[string]FormatLoader{}

// ParseError reports a malformed model file.
type ParseError struct {
	// Path of the offending file.
	Path string
	// Byte offset of the problem, or -1 when unknown.
	Offset int64
	// What went wrong.
	Reason string
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("malformed model file %v at offset %d: %v", e.Path, e.Offset, e.Reason)
	}
	return fmt.Sprintf("malformed model file %v: %v", e.Path, e.Reason)
}
