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

// Package test contains assertion helpers for unit tests.
package test

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// CheckEq checks that "got" and "want" are deeply equal.
func CheckEq(t *testing.T, got, want interface{}, msg string) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("%v\nmismatch (-want +got):\n%v", msg, diff)
	}
}

// CheckNearFloat32 checks that "got" is within "margin" of "want".
func CheckNearFloat32(t *testing.T, got, want, margin float32, msg string) {
	t.Helper()
	if math.IsNaN(float64(got)) != math.IsNaN(float64(want)) {
		t.Fatalf("%v\ngot %v, want %v", msg, got, want)
	}
	if math.Abs(float64(got)-float64(want)) > float64(margin) {
		t.Fatalf("%v\ngot %v, want %v (margin %v)", msg, got, want, margin)
	}
}

// CheckNoError checks that "err" is nil.
func CheckNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%v\nunexpected error: %v", msg, err)
	}
}

// CheckErrorContains checks that "err" is non-nil and mentions "substr".
func CheckErrorContains(t *testing.T, err error, substr string, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%v\nexpected an error mentioning %q, got nil", msg, substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("%v\nexpected an error mentioning %q, got: %v", msg, substr, err)
	}
}
