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

// Package predict runs compiled modules. A Predictor owns one module
// process and ships batches to it over a pipe; the module is the only thing
// that touches the tree code, so a crash in a bad build never takes the
// host down with it.
package predict

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/treeforge/treeforge/dmatrix"
	"github.com/treeforge/treeforge/utils/file"
)

const closeTimeout = 5 * time.Second

// LoadError reports a module that could not be started or did not present a
// valid handshake.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cannot load module %q: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("cannot load module %q: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// DimensionError reports a batch with more columns than the module has
// features.
type DimensionError struct {
	NumCol     int
	NumFeature int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("batch has %d columns, the module has %d features", e.NumCol, e.NumFeature)
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	ctx     context.Context
	verbose bool
}

// WithVerbose logs the module handshake and lifecycle.
func WithVerbose() Option {
	return func(o *openOptions) { o.verbose = true }
}

// WithContext binds the module process to ctx: cancelling it kills the
// module.
func WithContext(ctx context.Context) Option {
	return func(o *openOptions) { o.ctx = ctx }
}

// Predictor is a handle on a running compiled module.
//
// Predict calls are serialized internally, so a Predictor is safe for
// concurrent use.
type Predictor struct {
	path    string
	verbose bool

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *bufio.Writer
	enc    *gob.Encoder
	dec    *gob.Decoder
	info   moduleInfo
	closed bool
}

// Open starts the compiled module at path and performs the handshake. The
// path may name the executable directly or a directory holding an
// executable of the same base name.
func Open(path string, opts ...Option) (*Predictor, error) {
	options := openOptions{ctx: context.Background()}
	for _, opt := range opts {
		opt(&options)
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(options.ctx, resolved)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LoadError{Path: resolved, Reason: "opening stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LoadError{Path: resolved, Reason: "opening stdout pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &LoadError{Path: resolved, Reason: "starting module process", Err: err}
	}

	out := bufio.NewWriter(stdin)
	p := &Predictor{
		path:    resolved,
		verbose: options.verbose,
		cmd:     cmd,
		stdin:   stdin,
		out:     out,
		enc:     gob.NewEncoder(out),
		dec:     gob.NewDecoder(bufio.NewReader(stdout)),
	}
	if err := p.dec.Decode(&p.info); err != nil {
		p.abandon()
		return nil, &LoadError{Path: resolved, Reason: "reading handshake", Err: err}
	}
	if p.info.Magic != wireMagic {
		p.abandon()
		return nil, &LoadError{Path: resolved, Reason: "not a compiled model module"}
	}
	if p.info.ProtocolVersion != protocolVersion {
		p.abandon()
		return nil, &LoadError{
			Path:   resolved,
			Reason: fmt.Sprintf("protocol version %d, this library speaks %d", p.info.ProtocolVersion, protocolVersion),
		}
	}
	if p.verbose {
		log.Printf("loaded module %s: %d features, %d output groups, transform %q, quantized=%v",
			resolved, p.info.NumFeature, p.info.NumOutputGroup, p.info.PredTransform, p.info.Quantized)
	}
	return p, nil
}

// resolvePath applies the directory convention: a directory stands for the
// executable of the same base name inside it.
func resolvePath(path string) (string, error) {
	if !file.IsDir(path) {
		if !file.Exists(path) {
			return "", &LoadError{Path: path, Reason: "no such file"}
		}
		return path, nil
	}
	base := filepath.Base(filepath.Clean(path))
	for _, name := range []string{base, base + ".exe"} {
		candidate := filepath.Join(path, name)
		if file.Exists(candidate) && !file.IsDir(candidate) {
			return candidate, nil
		}
	}
	return "", &LoadError{Path: path, Reason: fmt.Sprintf("no module named %q inside the directory", base)}
}

// abandon kills a half-opened module process.
func (p *Predictor) abandon() {
	p.stdin.Close()
	p.cmd.Process.Kill()
	p.cmd.Wait()
	p.closed = true
}

// NumFeature is the number of input features the module was compiled with.
func (p *Predictor) NumFeature() int {
	return p.info.NumFeature
}

// NumOutputGroup is the number of output groups the module was compiled
// with.
func (p *Predictor) NumOutputGroup() int {
	return p.info.NumOutputGroup
}

// PredTransform is the name of the module's prediction transform.
func (p *Predictor) PredTransform() string {
	return p.info.PredTransform
}

// Quantized tests if the module quantizes feature values before traversal.
func (p *Predictor) Quantized() bool {
	return p.info.Quantized
}

// Path is the resolved path of the module executable.
func (p *Predictor) Path() string {
	return p.path
}

// Predict ships a batch to the module and returns the flat prediction
// buffer, example major. With predMargin set the module skips the transform
// and returns NumOutputGroup raw margins per row.
func (p *Predictor) Predict(batch *dmatrix.Batch, predMargin bool) ([]float32, error) {
	if batch.NumCol() > p.info.NumFeature {
		return nil, &DimensionError{NumCol: batch.NumCol(), NumFeature: p.info.NumFeature}
	}
	req := request{
		NumRow:     batch.NumRow(),
		Values:     batch.Values,
		ColIndex:   batch.ColIndex,
		RowPtr:     batch.RowPtr,
		PredMargin: predMargin,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("predictor is closed")
	}
	if err := p.enc.Encode(&req); err != nil {
		return nil, errors.Wrap(err, "sending batch to module")
	}
	if err := p.out.Flush(); err != nil {
		return nil, errors.Wrap(err, "sending batch to module")
	}
	var resp response
	if err := p.dec.Decode(&resp); err != nil {
		return nil, errors.Wrap(err, "reading predictions from module")
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("module error: %s", resp.Err)
	}
	return resp.Preds, nil
}

// Close shuts the module down by closing its stdin and waiting for it to
// exit, killing it if it does not within a timeout. Closing an already
// closed Predictor is a no-op.
func (p *Predictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.stdin.Close(); err != nil {
		p.cmd.Process.Kill()
		p.cmd.Wait()
		return err
	}
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "module exited abnormally")
		}
		return nil
	case <-time.After(closeTimeout):
		p.cmd.Process.Kill()
		<-done
		return fmt.Errorf("module did not exit within %v and was killed", closeTimeout)
	}
}
