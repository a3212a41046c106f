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

package predict

// The wire protocol between a Predictor and a compiled module: gob streams
// over the module's stdin and stdout. The module sends one moduleInfo when
// it starts, then answers each request with one response until its stdin
// closes. Field names must stay in sync with the sources the compiler
// emits; gob matches struct fields by name.

const (
	wireMagic       = "treeforge-module"
	protocolVersion = 1
)

type moduleInfo struct {
	Magic           string
	ProtocolVersion int
	NumFeature      int
	NumOutputGroup  int
	PredTransform   string
	SigmoidAlpha    float32
	GlobalBias      float32
	Quantized       bool
}

type request struct {
	NumRow     int
	Values     []float32
	ColIndex   []uint32
	RowPtr     []uint64
	PredMargin bool
}

type response struct {
	Preds []float32
	Err   string
}
