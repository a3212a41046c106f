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

// Package formats is an alias for the `model/io` package that also links all
// the standard model file format support along. Most of the time one wants
// to use this package instead of `model/io`. But to decrease code bloat, one
// can also depend on `model/io` and only the specific format desired.
package formats

import (
	model_io "github.com/treeforge/treeforge/model/io"

	// Include standard format support.
	_ "github.com/treeforge/treeforge/model/xgboost"
)

var (
	// LoadModel loads a model from disk.
	// This is just an alias, see implementation in `model/io`.
	LoadModel = model_io.LoadModel
)
