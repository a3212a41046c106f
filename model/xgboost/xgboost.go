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

// Package xgboost loads models trained with XGBoost: the legacy binary
// format (format name "xgboost") and the JSON format introduced with
// XGBoost 1.0 (format name "xgboost_json"). Both map onto the same
// Ensemble: numerical "<" splits, scalar leaves, multi-class models as one
// grove per class.
package xgboost

import (
	"math"

	"github.com/treeforge/treeforge/model"
)

// FormatBinary and FormatJSON are the registered format names.
const (
	FormatBinary = "xgboost"
	FormatJSON   = "xgboost_json"
)

func init() {
	model.RegisteredFormats[FormatBinary] = LoadBinary
	model.RegisteredFormats[FormatJSON] = LoadJSON
}

// Objectives whose margins are mapped through exp().
var exponentialObjectives = map[string]bool{
	"count:poisson": true,
	"reg:gamma":     true,
	"reg:tweedie":   true,
	"survival:cox":  true,
	"survival:aft":  true,
}

// Objectives that leave the margin untouched.
var identityObjectives = map[string]bool{
	"reg:squarederror":     true,
	"reg:linear":           true,
	"reg:squaredlogerror":  true,
	"reg:pseudohubererror": true,
	"binary:logitraw":      true,
	"rank:pairwise":        true,
	"rank:ndcg":            true,
	"rank:map":             true,
}

// predTransform maps an XGBoost training objective to the matching
// prediction transform.
func predTransform(objective string) (string, bool) {
	switch {
	case objective == "multi:softmax":
		return model.TransformMaxIndex, true
	case objective == "multi:softprob":
		return model.TransformSoftmax, true
	case objective == "reg:logistic" || objective == "binary:logistic":
		return model.TransformSigmoid, true
	case exponentialObjectives[objective]:
		return model.TransformExponential, true
	case objective == "binary:hinge":
		return model.TransformHinge, true
	case identityObjectives[objective]:
		return model.TransformIdentity, true
	}
	return "", false
}

// baseScoreToMargin converts the stored base score, which XGBoost keeps in
// the output space of the objective, back into a margin.
func baseScoreToMargin(transform string, baseScore float64) float64 {
	switch transform {
	case model.TransformSigmoid:
		return -math.Log(1.0/baseScore - 1.0)
	case model.TransformExponential:
		return math.Log(baseScore)
	}
	return baseScore
}
