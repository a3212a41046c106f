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

// Package build compiles generated module sources into executables and
// packages them for building elsewhere. It shells out to the configured
// toolchain; nothing here inspects the sources themselves.
package build

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/treeforge/treeforge/utils/file"
)

// Toolchain selects the compiler used to build a generated module.
type Toolchain string

// Known toolchains.
const (
	// ToolchainGc is the standard Go compiler.
	ToolchainGc Toolchain = "gc"
	// ToolchainGccgo builds through gccgo ("go build -compiler gccgo").
	ToolchainGccgo Toolchain = "gccgo"
	// ToolchainTinygo builds through tinygo.
	ToolchainTinygo Toolchain = "tinygo"
)

// Platform selects the operating system a module is built for.
type Platform string

// Known platforms.
const (
	PlatformUnix    Platform = "unix"
	PlatformOSX     Platform = "osx"
	PlatformWindows Platform = "windows"
)

// ConfigError reports an unusable build configuration: an unrecognized
// platform or toolchain, or an incompatible combination.
type ConfigError struct {
	Option string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Option, e.Value, e.Reason)
}

// BuildError reports a failed toolchain invocation, with the toolchain's
// diagnostics attached verbatim.
type BuildError struct {
	Command string
	Output  string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v\n%s", e.Command, e.Err, strings.TrimRight(e.Output, "\n"))
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Options configures Build and ExportSrcPkg. The zero value builds with the
// standard compiler for the current platform.
type Options struct {
	// Toolchain used to compile. Empty means gc.
	Toolchain Toolchain
	// Platform targeted. Empty means DefaultPlatform().
	Platform Platform
	// Params are extra toolchain flags passed through verbatim, keyed by
	// flag name without the leading dash: {"ldflags": "-s"} becomes
	// -ldflags=-s. Applied in sorted key order.
	Params map[string]string
	// Verbose logs the toolchain invocations.
	Verbose bool
}

// DefaultPlatform returns the platform of the machine running this process.
func DefaultPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformOSX
	case "windows":
		return PlatformWindows
	}
	return PlatformUnix
}

// CompatibleToolchains lists the toolchains able to target a platform.
// gccgo cannot cross-build for osx or windows.
func CompatibleToolchains(platform Platform) []Toolchain {
	switch platform {
	case PlatformUnix:
		return []Toolchain{ToolchainGc, ToolchainGccgo, ToolchainTinygo}
	case PlatformOSX, PlatformWindows:
		return []Toolchain{ToolchainGc, ToolchainTinygo}
	}
	return nil
}

// ExecutableName appends the platform's executable suffix to a module name.
func ExecutableName(name string, platform Platform) string {
	if platform == PlatformWindows && !strings.HasSuffix(name, ".exe") {
		return name + ".exe"
	}
	return name
}

func goosOf(platform Platform) string {
	switch platform {
	case PlatformOSX:
		return "darwin"
	case PlatformWindows:
		return "windows"
	}
	return "linux"
}

func resolveOptions(opts *Options) (Toolchain, Platform, error) {
	toolchain, platform := ToolchainGc, DefaultPlatform()
	if opts != nil && opts.Toolchain != "" {
		toolchain = opts.Toolchain
	}
	if opts != nil && opts.Platform != "" {
		platform = opts.Platform
	}
	switch platform {
	case PlatformUnix, PlatformOSX, PlatformWindows:
	default:
		return "", "", &ConfigError{Option: "platform", Value: string(platform), Reason: "unrecognized platform"}
	}
	switch toolchain {
	case ToolchainGc, ToolchainGccgo, ToolchainTinygo:
	default:
		return "", "", &ConfigError{Option: "toolchain", Value: string(toolchain), Reason: "unrecognized toolchain"}
	}
	for _, compatible := range CompatibleToolchains(platform) {
		if toolchain == compatible {
			return toolchain, platform, nil
		}
	}
	return "", "", &ConfigError{
		Option: "toolchain",
		Value:  string(toolchain),
		Reason: fmt.Sprintf("cannot target platform %q", platform),
	}
}

func paramArgs(params map[string]string) []string {
	var keys []string
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, key := range keys {
		args = append(args, "-"+key+"="+params[key])
	}
	return args
}

func commandLine(toolchain Toolchain, outPath string, params map[string]string) (string, []string) {
	var args []string
	switch toolchain {
	case ToolchainGccgo:
		args = []string{"build", "-compiler", "gccgo", "-o", outPath}
	case ToolchainTinygo:
		return "tinygo", append(append([]string{"build", "-o", outPath}, paramArgs(params)...), ".")
	default:
		args = []string{"build", "-o", outPath}
	}
	return "go", append(append(args, paramArgs(params)...), ".")
}

// Build compiles the generated module sources in srcDir into an executable
// at libpath. The build writes to a temporary name and renames on success,
// so a failed build never leaves a loadable-looking artifact behind.
func Build(ctx context.Context, srcDir, libpath string, opts *Options) error {
	toolchain, platform, err := resolveOptions(opts)
	if err != nil {
		return err
	}
	var params map[string]string
	if opts != nil {
		params = opts.Params
	}
	sources, err := file.Match(filepath.Join(srcDir, "*.go"))
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("%s holds no generated sources", srcDir)
	}
	tmpPath, err := filepath.Abs(libpath + ".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	tool, args := commandLine(toolchain, tmpPath, params)
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = srcDir
	cmd.Env = append(os.Environ(), "GOOS="+goosOf(platform), "CGO_ENABLED=0")
	if opts != nil && opts.Verbose {
		log.Printf("running %s %s in %s", tool, strings.Join(args, " "), srcDir)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &BuildError{
			Command: tool + " " + strings.Join(args, " "),
			Output:  string(output),
			Err:     err,
		}
	}
	return os.Rename(tmpPath, libpath)
}
