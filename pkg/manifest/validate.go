// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manifest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

const manifestFilename = "agent.yaml"

// ValidationReport is the pure-function result of Validate: it always
// carries the parsed manifest (when parsing succeeded) alongside
// errors/warnings, per spec.md §4.2 step 7, so a caller can surface a
// preview even for a manifest that did not validate.
type ValidationReport struct {
	OK       bool
	Manifest *Manifest
	Errors   []string
	Warnings []string
}

// Validate implements the Manifest Validator (spec.md §4.2). It does
// no I/O beyond the in-memory ZIP read; there is no scratch directory
// to clean up because archive/zip reads directly from the byte slice.
func Validate(data []byte) ValidationReport {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ValidationReport{Errors: []string{fmt.Sprintf("not a valid zip archive: %v", err)}}
	}

	root := FindRoot(zr)

	entry := findEntry(zr, root, manifestFilename)
	if entry == nil {
		return ValidationReport{Errors: []string{"missing: " + manifestFilename}}
	}

	raw, err := readZipEntry(entry)
	if err != nil {
		return ValidationReport{Errors: []string{fmt.Sprintf("failed to read %s: %v", manifestFilename, err)}}
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return ValidationReport{Errors: []string{fmt.Sprintf("failed to parse %s: %v", manifestFilename, err)}}
	}

	var errs, warnings []string

	for _, f := range requiredFields {
		if stringAt(doc, f.path) == "" {
			errs = append(errs, "missing required field: "+f.label)
		}
	}
	if kind := stringAt(doc, []string{"kind"}); kind != "" && kind != "Agent" {
		errs = append(errs, fmt.Sprintf("kind must be \"Agent\", got %q", kind))
	}

	adapters := DiscoverAdapters(zr, root)
	if len(adapters) == 0 {
		warnings = append(warnings, "no adapters/ directory present")
	}
	if findEntry(zr, root, "policies/permissions.yaml") == nil {
		warnings = append(warnings, "no policies/permissions.yaml present")
	}

	m := &Manifest{
		APIVersion:  stringAt(doc, []string{"apiVersion"}),
		Kind:        stringAt(doc, []string{"kind"}),
		Name:        stringAt(doc, []string{"metadata", "name"}),
		Version:     stringAt(doc, []string{"metadata", "version"}),
		DisplayName: stringAt(doc, []string{"spec", "displayName"}),
		Description: stringAt(doc, []string{"spec", "description"}),
		Category:    stringAt(doc, []string{"spec", "category"}),
		Tags:        stringSliceAt(doc, []string{"spec", "tags"}),
		Runtime: RuntimeSpec{
			MinVersion:        stringAt(doc, []string{"spec", "runtime", "minVersion"}),
			SupportedRuntimes: stringSliceAt(doc, []string{"spec", "runtime", "supportedRuntimes"}),
			Language:          stringAt(doc, []string{"spec", "runtime", "language"}),
		},
		Raw: doc,
	}

	return ValidationReport{
		OK:       len(errs) == 0,
		Manifest: m,
		Errors:   errs,
		Warnings: warnings,
	}
}

// DiscoverAdapters enumerates entries under an adapters/ directory at
// the package root or one level deep, per spec.md §3. It is exported
// so the Package Store can populate PackageRecord.Adapters.
func DiscoverAdapters(zr *zip.Reader, root string) []string {
	prefix := path.Join(root, "adapters") + "/"
	seen := map[string]bool{}
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "/")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if rest == "" || strings.HasSuffix(rest, "/") {
			continue
		}
		base := path.Base(rest)
		ext := path.Ext(base)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		seen[strings.TrimSuffix(base, ext)] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FindRoot returns "" if agent.yaml lives at the archive root, or the
// name of the single top-level directory it lives one level under.
func FindRoot(zr *zip.Reader) string {
	if findEntry(zr, "", manifestFilename) != nil {
		return ""
	}

	tops := map[string]bool{}
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "/")
		if i := strings.IndexByte(name, '/'); i >= 0 {
			tops[name[:i]] = true
		}
	}
	if len(tops) == 1 {
		for top := range tops {
			if findEntry(zr, top, manifestFilename) != nil {
				return top
			}
		}
	}
	return ""
}

func findEntry(zr *zip.Reader, root, relPath string) *zip.File {
	want := path.Join(root, relPath)
	for _, f := range zr.File {
		if strings.TrimSuffix(strings.TrimPrefix(f.Name, "/"), "/") == want {
			return f
		}
	}
	return nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func stringAt(doc map[string]any, path []string) string {
	cur := any(doc)
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[p]
		if !ok {
			return ""
		}
	}
	s, _ := cur.(string)
	return s
}

func stringSliceAt(doc map[string]any, path []string) []string {
	cur := any(doc)
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	arr, ok := cur.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
