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
	"sort"

	"github.com/treeforge/treeforge/model"
)

// quantTables maps every feature to the sorted distinct thresholds used on
// it, stored flat: feature f owns Thresholds[Begin[f] : Begin[f]+Len[f]].
//
// A feature value is replaced before traversal by its position relative to
// that list: 2*i for an exact match with threshold i, 2*i+1 between
// thresholds i and i+1, -10 below the smallest, 2*Len above the largest.
// Split thresholds themselves map to 2*rank, so every comparison against a
// threshold gives the same answer on ranks as on raw values.
type quantTables struct {
	Thresholds []float32
	Begin      []int32
	Len        []int32
}

// buildQuantTables collects the distinct split thresholds per feature.
func buildQuantTables(ens *model.Ensemble) *quantTables {
	perFeature := make([]map[float32]bool, ens.NumFeature)
	for treeIdx := range ens.Trees {
		for nodeIdx := range ens.Trees[treeIdx].Nodes {
			node := &ens.Trees[treeIdx].Nodes[nodeIdx]
			if node.IsLeaf {
				continue
			}
			if perFeature[node.Feature] == nil {
				perFeature[node.Feature] = make(map[float32]bool)
			}
			perFeature[node.Feature][node.Threshold] = true
		}
	}
	tables := &quantTables{
		Begin: make([]int32, ens.NumFeature),
		Len:   make([]int32, ens.NumFeature),
	}
	for featureIdx, thresholds := range perFeature {
		tables.Begin[featureIdx] = int32(len(tables.Thresholds))
		if thresholds == nil {
			continue
		}
		sorted := make([]float32, 0, len(thresholds))
		for threshold := range thresholds {
			sorted = append(sorted, threshold)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		tables.Thresholds = append(tables.Thresholds, sorted...)
		tables.Len[featureIdx] = int32(len(sorted))
	}
	return tables
}

// rank returns the quantized form of a split threshold: twice its position
// in the feature's threshold list.
func (qt *quantTables) rank(featureIdx uint32, threshold float32) int32 {
	begin := qt.Begin[featureIdx]
	length := qt.Len[featureIdx]
	slice := qt.Thresholds[begin : begin+length]
	pos := sort.Search(len(slice), func(i int) bool { return slice[i] >= threshold })
	return int32(pos) * 2
}

// Lookup quantizes a feature value the way the generated modules do. Kept in
// lockstep with the emitted quantize function.
func (qt *quantTables) Lookup(featureIdx uint32, value float32) int32 {
	begin := qt.Begin[featureIdx]
	length := qt.Len[featureIdx]
	slice := qt.Thresholds[begin : begin+length]
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
