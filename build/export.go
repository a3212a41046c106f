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

package build

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"github.com/treeforge/treeforge/compiler"
)

type makefileData struct {
	Target string
	GOOS   string
	Tool   string
	Flags  string
}

var makefileTemplate = template.Must(template.New("makefile").Parse(`TARGET = {{.Target}}

$(TARGET): *.go
	GOOS={{.GOOS}} CGO_ENABLED=0 {{.Tool}} -o $(TARGET){{if .Flags}} {{.Flags}}{{end}} .

clean:
	rm -f $(TARGET)

.PHONY: clean
`))

func toolInvocation(toolchain Toolchain) string {
	switch toolchain {
	case ToolchainGccgo:
		return "go build -compiler gccgo"
	case ToolchainTinygo:
		return "tinygo build"
	}
	return "go build"
}

// ExportSrcPkg writes a zip archive at pkgpath holding the generated sources
// under a <name>/ directory, together with recipe.json and a Makefile that
// builds the module named libname with the given platform and toolchain.
// Running "make -C <name>" on the target machine reproduces what Build
// produces directly; no build happens during export.
func ExportSrcPkg(cm *compiler.CompiledModel, pkgpath, libname string, platform Platform, toolchain Toolchain, params map[string]string) error {
	toolchain, platform, err := resolveOptions(&Options{Toolchain: toolchain, Platform: platform})
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(libname, ".exe")
	if name == "" {
		return errors.New("empty module name")
	}

	var makefile bytes.Buffer
	err = makefileTemplate.Execute(&makefile, makefileData{
		Target: ExecutableName(name, platform),
		GOOS:   goosOf(platform),
		Tool:   toolInvocation(toolchain),
		Flags:  strings.Join(paramArgs(params), " "),
	})
	if err != nil {
		return errors.Wrap(err, "rendering Makefile")
	}
	recipe, err := json.MarshalIndent(&cm.Recipe, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding recipe.json")
	}
	recipe = append(recipe, '\n')

	entries := map[string][]byte{
		"Makefile":    makefile.Bytes(),
		"recipe.json": recipe,
	}
	for fileName, content := range cm.Files {
		entries[fileName] = content
	}
	var entryNames []string
	for entryName := range entries {
		entryNames = append(entryNames, entryName)
	}
	sort.Strings(entryNames)

	out, err := os.Create(pkgpath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", pkgpath)
	}
	archive := zip.NewWriter(out)
	for _, entryName := range entryNames {
		writer, err := archive.Create(path.Join(name, entryName))
		if err != nil {
			out.Close()
			return errors.Wrapf(err, "archiving %q", entryName)
		}
		if _, err := writer.Write(entries[entryName]); err != nil {
			out.Close()
			return errors.Wrapf(err, "archiving %q", entryName)
		}
	}
	if err := archive.Close(); err != nil {
		out.Close()
		return errors.Wrap(err, "finishing archive")
	}
	return out.Close()
}
