// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package specfile loads desired-state spec files for the certfile
// CLI. Specs are authored as YAML or as JSONC (JSON extended with //
// line comments, /* block comments */, and trailing commas); the
// format is chosen by file extension, with YAML as the default.
package specfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/certfile/lib/csrgen"
	"github.com/bureau-foundation/certfile/lib/reconcile"
)

// Load reads and parses the spec file at path.
func Load(path string) (*csrgen.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var spec *csrgen.Spec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		spec, err = ParseJSON(data)
	default:
		spec, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// ParseYAML unmarshals a YAML spec. Unknown fields are rejected so a
// typo in a spec file surfaces as an error instead of silently
// producing a different request.
func ParseYAML(data []byte) (*csrgen.Spec, error) {
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)

	var spec csrgen.Spec
	if err := decoder.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: parsing spec: %v", reconcile.ErrInvalidSpec, err)
	}
	return &spec, nil
}

// ParseJSON strips JSONC comments and trailing commas, then
// unmarshals the remaining JSON.
func ParseJSON(data []byte) (*csrgen.Spec, error) {
	stripped := jsonc.ToJSON(data)

	decoder := json.NewDecoder(strings.NewReader(string(stripped)))
	decoder.DisallowUnknownFields()

	var spec csrgen.Spec
	if err := decoder.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: parsing spec: %v", reconcile.ErrInvalidSpec, err)
	}
	return &spec, nil
}
