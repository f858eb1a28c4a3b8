// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/certfile/lib/clock"
	"github.com/bureau-foundation/certfile/lib/filestate"
)

// fakeArtifact is the parsed form the fake backend trades in.
type fakeArtifact struct {
	content string
}

// fakeBackend implements Backend over a trivial line format
// ("artifact:<content>\n") so engine behavior can be tested without
// any cryptography.
type fakeBackend struct {
	desired    string
	buildErr   error
	matchErr   error
	buildCalls int
}

func (b *fakeBackend) Parse(data []byte) (fakeArtifact, error) {
	line := strings.TrimSuffix(string(data), "\n")
	content, ok := strings.CutPrefix(line, "artifact:")
	if !ok {
		return fakeArtifact{}, fmt.Errorf("unrecognized artifact encoding")
	}
	return fakeArtifact{content: content}, nil
}

func (b *fakeBackend) Matches(existing fakeArtifact) (bool, error) {
	if b.matchErr != nil {
		return false, b.matchErr
	}
	return existing.content == b.desired, nil
}

func (b *fakeBackend) Build() (fakeArtifact, error) {
	b.buildCalls++
	if b.buildErr != nil {
		return fakeArtifact{}, b.buildErr
	}
	return fakeArtifact{content: b.desired}, nil
}

func (b *fakeBackend) Serialize(artifact fakeArtifact) ([]byte, error) {
	return []byte("artifact:" + artifact.content + "\n"), nil
}

func (b *fakeBackend) Summarize(artifact fakeArtifact) map[string]any {
	return map[string]any{"content": artifact.content}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore() *filestate.Store {
	return filestate.NewStore(clock.Fake(time.Date(2026, 3, 9, 11, 22, 33, 0, time.UTC)))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

func TestApplyIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	backend := &fakeBackend{desired: "cn=example.com"}
	store := testStore()

	first, err := Run(testLogger(), backend, store, Request{Path: path})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if !first.Changed {
		t.Error("first run should report changed")
	}
	bytesAfterFirst := readFile(t, path)

	second, err := Run(testLogger(), backend, store, Request{Path: path})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Changed {
		t.Error("second run should report no change")
	}
	if readFile(t, path) != bytesAfterFirst {
		t.Error("file bytes differ between idempotent runs")
	}
	if second.Digest != first.Digest {
		t.Errorf("digest changed across idempotent runs: %s vs %s", first.Digest, second.Digest)
	}
}

func TestCheckModeIsPure(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "server.csr")
	if err := os.WriteFile(path, []byte("artifact:cn=old.example.com\n"), 0o600); err != nil {
		t.Fatalf("seeding file: %v", err)
	}
	backend := &fakeBackend{desired: "cn=new.example.com"}
	store := testStore()

	checked, err := Run(testLogger(), backend, store, Request{
		Path: path, Mode: Check, CreateBackup: true,
	})
	if err != nil {
		t.Fatalf("check run: %v", err)
	}
	if !checked.Changed {
		t.Error("check run should report the pending change")
	}
	if checked.BackupPath != "" {
		t.Errorf("check run created a backup at %s", checked.BackupPath)
	}
	if readFile(t, path) != "artifact:cn=old.example.com\n" {
		t.Error("check run mutated the target file")
	}
	entries, _ := os.ReadDir(directory)
	if len(entries) != 1 {
		t.Errorf("check run created extra files: %d entries", len(entries))
	}

	// A subsequent apply run must agree with the check run's verdict.
	applied, err := Run(testLogger(), backend, store, Request{Path: path})
	if err != nil {
		t.Fatalf("apply run: %v", err)
	}
	if applied.Changed != checked.Changed {
		t.Errorf("apply changed=%v disagrees with check changed=%v", applied.Changed, checked.Changed)
	}
}

func TestForceRegeneratesMatchingArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	backend := &fakeBackend{desired: "cn=example.com"}
	store := testStore()

	if _, err := Run(testLogger(), backend, store, Request{Path: path}); err != nil {
		t.Fatalf("initial run: %v", err)
	}
	bytesBefore := readFile(t, path)

	forced, err := Run(testLogger(), backend, store, Request{Path: path, Force: true})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if !forced.Changed {
		t.Error("forced run should report changed")
	}
	// The fake backend serializes deterministically, so the
	// replacement must be byte-identical.
	if readFile(t, path) != bytesBefore {
		t.Error("forced regeneration altered logically identical content")
	}
}

func TestCorruptFileSelfHeals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	if err := os.WriteFile(path, []byte("not a recognizable artifact"), 0o600); err != nil {
		t.Fatalf("seeding corrupt file: %v", err)
	}
	backend := &fakeBackend{desired: "cn=example.com"}

	outcome, err := Run(testLogger(), backend, testStore(), Request{Path: path})
	if err != nil {
		t.Fatalf("run over corrupt file: %v", err)
	}
	if !outcome.Changed {
		t.Error("corrupt file should trigger regeneration")
	}
	if readFile(t, path) != "artifact:cn=example.com\n" {
		t.Error("corrupt file was not replaced with a valid artifact")
	}
}

func TestBackupBeforeOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	original := "artifact:cn=old.example.com\n"
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("seeding file: %v", err)
	}
	backend := &fakeBackend{desired: "cn=new.example.com"}

	outcome, err := Run(testLogger(), backend, testStore(), Request{
		Path: path, CreateBackup: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.BackupPath == "" {
		t.Fatal("no backup path reported")
	}
	if readFile(t, outcome.BackupPath) != original {
		t.Error("backup does not preserve the original bytes verbatim")
	}
	if readFile(t, path) != "artifact:cn=new.example.com\n" {
		t.Error("target file was not regenerated")
	}
}

func TestBackupFailureAbortsBeforeWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	original := "artifact:cn=old.example.com\n"
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("seeding file: %v", err)
	}

	// The store writes backups via a ".tmp" sibling. Occupying that
	// name with a directory makes the backup fail without affecting
	// the target file, regardless of test-runner privileges.
	blockedTemporary := path + ".2026-03-09@11.22.33~.tmp"
	if err := os.Mkdir(blockedTemporary, 0o700); err != nil {
		t.Fatalf("blocking backup temp path: %v", err)
	}

	backend := &fakeBackend{desired: "cn=new.example.com"}
	_, err := Run(testLogger(), backend, testStore(), Request{
		Path: path, CreateBackup: true,
	})
	if !errors.Is(err, ErrBackupFailed) {
		t.Fatalf("error = %v, want ErrBackupFailed", err)
	}
	if readFile(t, path) != original {
		t.Error("target file was overwritten despite backup failure")
	}
}

func TestAbsentToAbsentIsNoop(t *testing.T) {
	directory := t.TempDir()
	backend := &fakeBackend{desired: "cn=example.com"}

	outcome, err := Run(testLogger(), backend, testStore(), Request{
		Path: filepath.Join(directory, "server.csr"), State: Absent, CreateBackup: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Changed {
		t.Error("absent-to-absent should report no change")
	}
	if outcome.BackupPath != "" {
		t.Error("absent-to-absent created a backup")
	}
	entries, _ := os.ReadDir(directory)
	if len(entries) != 0 {
		t.Errorf("absent-to-absent created %d files", len(entries))
	}
}

func TestRemovalDoesNotConsultBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	if err := os.WriteFile(path, []byte("artifact:cn=example.com\n"), 0o600); err != nil {
		t.Fatalf("seeding file: %v", err)
	}
	// A backend that would fail any comparison or build. Removal only
	// depends on file presence, so it must still succeed.
	backend := &fakeBackend{
		desired:  "cn=example.com",
		matchErr: errors.New("signing key gone"),
		buildErr: errors.New("signing key gone"),
	}

	outcome, err := Run(testLogger(), backend, testStore(), Request{
		Path: path, State: Absent,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !outcome.Changed {
		t.Error("removal should report changed")
	}
	if backend.buildCalls != 0 {
		t.Errorf("removal called Build %d times", backend.buildCalls)
	}
}

func TestRemovePresentArtifactWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	original := "artifact:cn=example.com\n"
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("seeding file: %v", err)
	}
	backend := &fakeBackend{desired: "cn=example.com"}

	outcome, err := Run(testLogger(), backend, testStore(), Request{
		Path: path, State: Absent, CreateBackup: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !outcome.Changed {
		t.Error("removal should report changed")
	}
	if _, statErr := os.Lstat(path); !os.IsNotExist(statErr) {
		t.Error("target file still present after removal")
	}
	if outcome.BackupPath == "" || readFile(t, outcome.BackupPath) != original {
		t.Error("removal backup missing or corrupted")
	}
	if outcome.Summary != nil {
		t.Error("removal outcome should carry no artifact summary")
	}
}

func TestMissingParentDirectoryIsFatal(t *testing.T) {
	backend := &fakeBackend{desired: "cn=example.com"}
	_, err := Run(testLogger(), backend, testStore(), Request{
		Path: filepath.Join(t.TempDir(), "missing", "server.csr"),
	})
	if !errors.Is(err, ErrTargetDirectoryMissing) {
		t.Errorf("error = %v, want ErrTargetDirectoryMissing", err)
	}
}

func TestBackendErrorsPropagateUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	if err := os.WriteFile(path, []byte("artifact:cn=example.com\n"), 0o600); err != nil {
		t.Fatalf("seeding file: %v", err)
	}
	backend := &fakeBackend{
		desired:  "cn=example.com",
		matchErr: fmt.Errorf("%w: cannot read key.pem", ErrSigningKeyUnavailable),
	}

	_, err := Run(testLogger(), backend, testStore(), Request{Path: path})
	if !errors.Is(err, ErrSigningKeyUnavailable) {
		t.Fatalf("error = %v, want ErrSigningKeyUnavailable", err)
	}
	if readFile(t, path) != "artifact:cn=example.com\n" {
		t.Error("fatal backend error still mutated the file")
	}
}

func TestReturnContentGatesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	backend := &fakeBackend{desired: "cn=example.com"}
	store := testStore()

	withOut, err := Run(testLogger(), backend, store, Request{Path: path, ReturnContent: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(withOut.Content) != "artifact:cn=example.com\n" {
		t.Errorf("content = %q, want serialized artifact", withOut.Content)
	}

	without, err := Run(testLogger(), backend, store, Request{Path: path})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if without.Content != nil {
		t.Error("content returned without ReturnContent")
	}
}

func TestNoopSummarizesExistingArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.csr")
	backend := &fakeBackend{desired: "cn=example.com"}
	store := testStore()

	if _, err := Run(testLogger(), backend, store, Request{Path: path}); err != nil {
		t.Fatalf("initial run: %v", err)
	}
	outcome, err := Run(testLogger(), backend, store, Request{Path: path})
	if err != nil {
		t.Fatalf("no-op run: %v", err)
	}
	if outcome.Summary["content"] != "cn=example.com" {
		t.Errorf("no-op summary = %v, want existing artifact fields", outcome.Summary)
	}
	if backend.buildCalls != 1 {
		t.Errorf("no-op run built a new artifact (%d build calls)", backend.buildCalls)
	}
}

func TestParseTargetState(t *testing.T) {
	if _, err := ParseTargetState("present"); err != nil {
		t.Errorf("present rejected: %v", err)
	}
	if _, err := ParseTargetState("absent"); err != nil {
		t.Errorf("absent rejected: %v", err)
	}
	if _, err := ParseTargetState("gone"); err == nil {
		t.Error("invalid state accepted")
	}
}
