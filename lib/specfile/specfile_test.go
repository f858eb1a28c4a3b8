// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package specfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/certfile/lib/reconcile"
)

const yamlSpec = `
subject:
  common_name: example.com
  country: [DE]
  organization: [Example Org]
dns_names:
  - example.com
  - www.example.com
key_usage: [digitalSignature, keyEncipherment]
key_usage_critical: true
extended_key_usage: [serverAuth]
ocsp_must_staple: true
key:
  path: /etc/ssl/private/example.key
`

const jsoncSpec = `{
	// Web server certificate request.
	"subject": {
		"common_name": "example.com",
	},
	"dns_names": ["example.com", "www.example.com"],
	"key_usage": ["digitalSignature"],
	"key": {
		"path": "/etc/ssl/private/example.key",
	},
}`

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "csr.yaml")
	if err := os.WriteFile(path, []byte(yamlSpec), 0o644); err != nil {
		t.Fatalf("writing spec file: %v", err)
	}

	spec, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if spec.Subject.CommonName != "example.com" {
		t.Errorf("common name = %q", spec.Subject.CommonName)
	}
	if len(spec.DNSNames) != 2 || spec.DNSNames[1] != "www.example.com" {
		t.Errorf("dns names = %v", spec.DNSNames)
	}
	if !spec.KeyUsageCritical {
		t.Error("key_usage_critical not set")
	}
	if !spec.OCSPMustStaple {
		t.Error("ocsp_must_staple not set")
	}
	if spec.Key.Path != "/etc/ssl/private/example.key" {
		t.Errorf("key path = %q", spec.Key.Path)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "csr.jsonc")
	if err := os.WriteFile(path, []byte(jsoncSpec), 0o644); err != nil {
		t.Fatalf("writing spec file: %v", err)
	}

	spec, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if spec.Subject.CommonName != "example.com" {
		t.Errorf("common name = %q", spec.Subject.CommonName)
	}
	if len(spec.KeyUsage) != 1 || spec.KeyUsage[0] != "digitalSignature" {
		t.Errorf("key usage = %v", spec.KeyUsage)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	if _, err := ParseYAML([]byte("commonname: example.com\n")); !errors.Is(err, reconcile.ErrInvalidSpec) {
		t.Errorf("YAML unknown field error = %v, want ErrInvalidSpec", err)
	}
	if _, err := ParseJSON([]byte(`{"commonname": "example.com"}`)); !errors.Is(err, reconcile.ErrInvalidSpec) {
		t.Errorf("JSON unknown field error = %v, want ErrInvalidSpec", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing spec file did not error")
	}
}

func TestMalformedYAML(t *testing.T) {
	if _, err := ParseYAML([]byte("subject: [\n")); !errors.Is(err, reconcile.ErrInvalidSpec) {
		t.Errorf("malformed YAML error = %v, want ErrInvalidSpec", err)
	}
}
