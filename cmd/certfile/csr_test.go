// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/certfile/lib/cli"
	"github.com/bureau-foundation/certfile/lib/reconcile"
)

func writeTestKey(t *testing.T, directory string) string {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	path := filepath.Join(directory, "signing.key")
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return path
}

func writeTestSpec(t *testing.T, directory, keyPath string) string {
	t.Helper()
	content := fmt.Sprintf(`subject:
  common_name: example.com
key_usage: [digitalSignature]
key:
  path: %s
`, keyPath)
	path := filepath.Join(directory, "csr.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing spec: %v", err)
	}
	return path
}

func TestRunCSRCreatesAndConverges(t *testing.T) {
	directory := t.TempDir()
	keyPath := writeTestKey(t, directory)
	specPath := writeTestSpec(t, directory, keyPath)
	csrPath := filepath.Join(directory, "example.csr")

	params := &csrParams{Path: csrPath, SpecFile: specPath, State: "present"}
	if err := runCSR(params); err != nil {
		t.Fatalf("first run: %v", err)
	}

	firstContent, err := os.ReadFile(csrPath)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	block, _ := pem.Decode(firstContent)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		t.Fatalf("result is not a CSR PEM")
	}
	request, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if request.Subject.CommonName != "example.com" {
		t.Errorf("common name = %q", request.Subject.CommonName)
	}

	// Second run must leave the file untouched.
	if err := runCSR(params); err != nil {
		t.Fatalf("second run: %v", err)
	}
	secondContent, err := os.ReadFile(csrPath)
	if err != nil {
		t.Fatalf("reading result again: %v", err)
	}
	if !bytes.Equal(firstContent, secondContent) {
		t.Error("second run modified an up-to-date file")
	}
}

func TestRunCSRCheckModeDoesNotWrite(t *testing.T) {
	directory := t.TempDir()
	keyPath := writeTestKey(t, directory)
	specPath := writeTestSpec(t, directory, keyPath)
	csrPath := filepath.Join(directory, "example.csr")

	params := &csrParams{Path: csrPath, SpecFile: specPath, State: "present", Check: true}
	if err := runCSR(params); err != nil {
		t.Fatalf("check run: %v", err)
	}
	if _, err := os.Stat(csrPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("check mode created the file")
	}
}

func TestRunCSRCommonNameOverride(t *testing.T) {
	directory := t.TempDir()
	keyPath := writeTestKey(t, directory)
	csrPath := filepath.Join(directory, "dev.csr")

	params := &csrParams{
		Path:       csrPath,
		State:      "present",
		CommonName: "dev.example.com",
		Key:        keyPath,
	}
	if err := runCSR(params); err != nil {
		t.Fatalf("runCSR: %v", err)
	}

	content, err := os.ReadFile(csrPath)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	block, _ := pem.Decode(content)
	request, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if request.Subject.CommonName != "dev.example.com" {
		t.Errorf("common name = %q", request.Subject.CommonName)
	}
	if len(request.DNSNames) != 1 || request.DNSNames[0] != "dev.example.com" {
		t.Errorf("DNS SANs = %v", request.DNSNames)
	}
}

func TestRunCSRAbsentRemoves(t *testing.T) {
	directory := t.TempDir()
	keyPath := writeTestKey(t, directory)
	csrPath := filepath.Join(directory, "old.csr")

	create := &csrParams{Path: csrPath, State: "present", CommonName: "old.example.com", Key: keyPath}
	if err := runCSR(create); err != nil {
		t.Fatalf("create run: %v", err)
	}

	// Removal must not require the signing key anymore.
	if err := os.Remove(keyPath); err != nil {
		t.Fatalf("removing key: %v", err)
	}

	remove := &csrParams{Path: csrPath, State: "absent"}
	if err := runCSR(remove); err != nil {
		t.Fatalf("absent run: %v", err)
	}
	if _, err := os.Stat(csrPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("file still present after absent run")
	}

	// Absent again is a no-op.
	if err := runCSR(remove); err != nil {
		t.Fatalf("repeated absent run: %v", err)
	}
}

func TestRunCSRValidationErrors(t *testing.T) {
	directory := t.TempDir()
	keyPath := writeTestKey(t, directory)

	cases := []struct {
		name   string
		params *csrParams
	}{
		{"missing path", &csrParams{State: "present"}},
		{"bad state", &csrParams{Path: filepath.Join(directory, "x.csr"), State: "gone"}},
		{"empty spec", &csrParams{Path: filepath.Join(directory, "x.csr"), State: "present", Key: keyPath}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			err := runCSR(testCase.params)
			var toolError *cli.ToolError
			if !errors.As(err, &toolError) {
				t.Fatalf("error = %v, want ToolError", err)
			}
			if toolError.Category != cli.CategoryValidation {
				t.Errorf("category = %q, want validation", toolError.Category)
			}
		})
	}
}

func TestRunCSRMissingParentDirectory(t *testing.T) {
	directory := t.TempDir()
	keyPath := writeTestKey(t, directory)

	params := &csrParams{
		Path:       filepath.Join(directory, "no-such-dir", "x.csr"),
		State:      "present",
		CommonName: "example.com",
		Key:        keyPath,
	}
	err := runCSR(params)
	var toolError *cli.ToolError
	if !errors.As(err, &toolError) {
		t.Fatalf("error = %v, want ToolError", err)
	}
	if toolError.Category != cli.CategoryNotFound {
		t.Errorf("category = %q, want not_found", toolError.Category)
	}
	if !errors.Is(err, reconcile.ErrTargetDirectoryMissing) {
		t.Errorf("error chain lost the sentinel: %v", err)
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		err      error
		category cli.ErrorCategory
	}{
		{reconcile.ErrInvalidSpec, cli.CategoryValidation},
		{reconcile.ErrUnsupportedOperation, cli.CategoryValidation},
		{reconcile.ErrTargetDirectoryMissing, cli.CategoryNotFound},
		{reconcile.ErrSigningKeyUnavailable, cli.CategoryNotFound},
		{reconcile.ErrBackupFailed, cli.CategoryTransient},
		{errors.New("surprise"), cli.CategoryInternal},
	}
	for _, testCase := range cases {
		var toolError *cli.ToolError
		if !errors.As(categorize(testCase.err), &toolError) {
			t.Fatalf("categorize(%v) did not return a ToolError", testCase.err)
		}
		if toolError.Category != testCase.category {
			t.Errorf("categorize(%v) = %q, want %q", testCase.err, toolError.Category, testCase.category)
		}
	}
}

func TestRootCommandDispatch(t *testing.T) {
	if err := rootCommand().Execute([]string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if err := rootCommand().Execute([]string{"csrr"}); err == nil {
		t.Error("unknown command did not error")
	}
}
