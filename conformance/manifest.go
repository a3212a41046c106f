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

package conformance

import (
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/treeforge/treeforge/utils/file"
)

// Manifest lists the datasets a conformance run covers. Which comparisons
// run per dataset is configuration, never inferred: a reference entry is
// compared exactly when its path is set.
type Manifest struct {
	Datasets []Dataset `yaml:"datasets"`
}

// Dataset is one conformance scenario: a trained model, its data files and
// the stored reference predictions.
type Dataset struct {
	// Name of the scenario; also used as the compiled module name.
	Name string `yaml:"name"`
	// Model path and its format registry name.
	Model  string `yaml:"model"`
	Format string `yaml:"format"`
	// Train and Test are LibSVM files. Train feeds annotation, Test is
	// predicted.
	Train string `yaml:"train"`
	Test  string `yaml:"test"`
	// ExpectedProb and ExpectedMargin are optional reference files holding
	// transformed predictions and raw margins of the test file.
	ExpectedProb   string `yaml:"expected_prob,omitempty"`
	ExpectedMargin string `yaml:"expected_margin,omitempty"`
	// Multiclass marks models with more than one output group.
	Multiclass bool `yaml:"multiclass,omitempty"`
}

// LoadManifest reads a manifest and resolves its relative paths against the
// manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := file.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := yaml.UnmarshalStrict(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	base := filepath.Dir(path)
	for i := range manifest.Datasets {
		ds := &manifest.Datasets[i]
		if ds.Name == "" {
			return nil, fmt.Errorf("%s: dataset %d has no name", path, i)
		}
		if ds.Model == "" || ds.Format == "" {
			return nil, fmt.Errorf("%s: dataset %q needs a model and a format", path, ds.Name)
		}
		if ds.Test == "" {
			return nil, fmt.Errorf("%s: dataset %q needs a test file", path, ds.Name)
		}
		for _, field := range []*string{&ds.Model, &ds.Train, &ds.Test, &ds.ExpectedProb, &ds.ExpectedMargin} {
			if *field != "" && !filepath.IsAbs(*field) {
				*field = filepath.Join(base, *field)
			}
		}
	}
	return &manifest, nil
}

// Lookup returns the named dataset.
func (m *Manifest) Lookup(name string) (*Dataset, error) {
	for i := range m.Datasets {
		if m.Datasets[i].Name == name {
			return &m.Datasets[i], nil
		}
	}
	return nil, fmt.Errorf("manifest has no dataset %q", name)
}
