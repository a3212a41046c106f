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

// Package io loads models from disk. It doesn't include any actual file
// format support by default. Consider using instead the package
// `model/formats` that includes the standard format support.
package io

import (
	"fmt"
	"sort"
	"strings"

	"github.com/treeforge/treeforge/model"
)

// LoadModel loads a model from disk. "format" names the file format of the
// model ("xgboost" for the binary XGBoost format, "xgboost_json" for the
// JSON one). The format's support package must be imported, directly or
// through the "formats" package that imports all implemented formats.
func LoadModel(path string, format string) (*model.Ensemble, error) {
	loader, hasLoader := model.RegisteredFormats[format]
	if !hasLoader {
		return nil, fmt.Errorf(
			"unknown model format %q. The available formats are: %v. This may be because the format "+
				"support package was not imported -- directly or through the \"formats\" package that "+
				"automatically imports all implemented formats",
			format, KnownFormats())
	}
	ens, err := loader(path)
	if err != nil {
		return nil, err
	}
	if err := ens.Validate(); err != nil {
		return nil, fmt.Errorf("model %v: %v", path, err)
	}
	return ens, nil
}

// KnownFormats lists the registered format names, sorted.
func KnownFormats() string {
	names := make([]string, 0, len(model.RegisteredFormats))
	for name := range model.RegisteredFormats {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
