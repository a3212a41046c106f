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

// Package annotate derives branch frequencies from data: how often each
// node of each tree is visited when a dataset is routed through a model.
// The compiler uses the counts to put the likelier branch first in the
// generated code; annotations never change what a model predicts.
package annotate

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"runtime"
	"sync"

	"github.com/treeforge/treeforge/dmatrix"
	"github.com/treeforge/treeforge/model"
)

// Annotation holds per-node visit counts, indexed by tree and node in the
// model's node arena order. Every node has an entry; nodes no example ever
// reached hold zero.
type Annotation struct {
	Counts [][]uint64
}

// ShapeError reports data whose shape does not match the annotated model.
type ShapeError struct {
	NumCol     int
	NumFeature int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("data has %d columns, the model has %d features", e.NumCol, e.NumFeature)
}

// Annotate routes every row of the batch through every tree of the model
// and counts node visits. The work is sharded over nthread goroutines
// (the number of CPUs when nthread <= 0); the result does not depend on the
// sharding.
func Annotate(ens *model.Ensemble, batch *dmatrix.Batch, nthread int) (*Annotation, error) {
	if batch.NumCol() > ens.NumFeature {
		return nil, &ShapeError{NumCol: batch.NumCol(), NumFeature: ens.NumFeature}
	}
	if nthread <= 0 {
		nthread = runtime.NumCPU()
	}
	if nthread > batch.NumRow() {
		nthread = batch.NumRow()
	}
	if nthread < 1 {
		nthread = 1
	}

	shards := make([]*Annotation, nthread)
	var waitGroup sync.WaitGroup
	for shardIdx := 0; shardIdx < nthread; shardIdx++ {
		waitGroup.Add(1)
		go func(shardIdx int) {
			defer waitGroup.Done()
			begin := shardIdx * batch.NumRow() / nthread
			end := (shardIdx + 1) * batch.NumRow() / nthread
			shards[shardIdx] = annotateRows(ens, batch, begin, end)
		}(shardIdx)
	}
	waitGroup.Wait()

	merged := newAnnotation(ens)
	for _, shard := range shards {
		for treeIdx := range shard.Counts {
			for nodeIdx := range shard.Counts[treeIdx] {
				merged.Counts[treeIdx][nodeIdx] += shard.Counts[treeIdx][nodeIdx]
			}
		}
	}
	return merged, nil
}

func newAnnotation(ens *model.Ensemble) *Annotation {
	annotation := &Annotation{Counts: make([][]uint64, ens.NumTrees())}
	for treeIdx := range ens.Trees {
		annotation.Counts[treeIdx] = make([]uint64, ens.Trees[treeIdx].NumNodes())
	}
	return annotation
}

func annotateRows(ens *model.Ensemble, batch *dmatrix.Batch, begin, end int) *Annotation {
	annotation := newAnnotation(ens)
	row := make([]float32, ens.NumFeature)
	for rowIdx := begin; rowIdx < end; rowIdx++ {
		batch.DenseRow(rowIdx, row)
		for treeIdx := range ens.Trees {
			tree := &ens.Trees[treeIdx]
			counts := annotation.Counts[treeIdx]
			nodeIdx := tree.Root()
			for {
				counts[nodeIdx]++
				node := &tree.Nodes[nodeIdx]
				if node.IsLeaf {
					break
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
	}
	return annotation
}

// CheckShape verifies that the annotation was produced for a model of this
// shape: same tree count, same node count per tree.
func (a *Annotation) CheckShape(ens *model.Ensemble) error {
	if len(a.Counts) != ens.NumTrees() {
		return fmt.Errorf("annotation covers %d trees, the model has %d", len(a.Counts), ens.NumTrees())
	}
	for treeIdx := range a.Counts {
		if len(a.Counts[treeIdx]) != ens.Trees[treeIdx].NumNodes() {
			return fmt.Errorf("annotation covers %d nodes of tree %d, the tree has %d",
				len(a.Counts[treeIdx]), treeIdx, ens.Trees[treeIdx].NumNodes())
		}
	}
	return nil
}

// record is the stored form of an annotation.
type record struct {
	Version int        `json:"version"`
	Counts  [][]uint64 `json:"counts"`
}

const recordVersion = 1

// Save writes the annotation as JSON.
func (a *Annotation) Save(w io.Writer) error {
	return json.NewEncoder(w).Encode(&record{Version: recordVersion, Counts: a.Counts})
}

// Load reads an annotation written by Save.
func Load(r io.Reader) (*Annotation, error) {
	var stored record
	if err := json.NewDecoder(r).Decode(&stored); err != nil {
		return nil, fmt.Errorf("malformed annotation: %v", err)
	}
	if stored.Version != recordVersion {
		return nil, fmt.Errorf("annotation version %d is not supported, expected %d",
			stored.Version, recordVersion)
	}
	if stored.Counts == nil {
		return nil, fmt.Errorf("malformed annotation: no counts")
	}
	return &Annotation{Counts: stored.Counts}, nil
}
