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

// Package file contains small filesystem helpers shared across the
// toolchain packages.
package file

import (
	"os"
	"path/filepath"
)

// ReadFile returns the entire contents of the named file.
func ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// WriteFile writes data to a file named by filename, creating it if needed.
func WriteFile(name string, data []byte) error {
	return os.WriteFile(name, data, 0644)
}

// MkdirAll creates the directory "name" along with any necessary parents.
func MkdirAll(name string) error {
	return os.MkdirAll(name, 0755)
}

// Exists tests if the named file or directory exists.
func Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// IsDir tests if the named path exists and is a directory.
func IsDir(name string) bool {
	info, err := os.Stat(name)
	return err == nil && info.IsDir()
}

// Match returns the paths of all files matching pattern, in lexical order.
func Match(pattern string) ([]string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	return paths, nil
}
