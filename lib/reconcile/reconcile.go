// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile converges an on-disk artifact file to a desired
// specification. The engine is generic over a [Backend] capability
// that knows how to parse, compare, build, and serialize one kind of
// cryptographic artifact (CSRs, private keys, certificates); the
// engine itself only decides whether a regeneration, removal, or
// no-op is needed and executes the transition safely.
//
// A run is synchronous and owns no state beyond its duration: load
// existing bytes, compare against the desired spec, then regenerate,
// remove, or leave the file alone. Check mode computes the same
// decision but suppresses every mutation.
package reconcile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/certfile/lib/filestate"
	"github.com/bureau-foundation/certfile/lib/fingerprint"
)

// TargetState is the state the caller wants the artifact file in.
type TargetState string

const (
	// Present converges toward a file that satisfies the desired spec.
	Present TargetState = "present"
	// Absent converges toward no file at the target path.
	Absent TargetState = "absent"
)

// ParseTargetState validates a state string from a flag or spec file.
func ParseTargetState(value string) (TargetState, error) {
	switch TargetState(value) {
	case Present, Absent:
		return TargetState(value), nil
	default:
		return "", fmt.Errorf("invalid state %q (want %q or %q)", value, Present, Absent)
	}
}

// RunMode selects between applying mutations and only reporting them.
type RunMode int

const (
	// Apply executes backups, writes, and removals.
	Apply RunMode = iota
	// Check computes the decision and the would-be result but never
	// touches the filesystem.
	Check
)

// Backend is the capability that makes the engine concrete for one
// artifact kind. A backend is constructed around a desired
// specification; Matches and Build are evaluated against that spec.
//
// Backends report failures by wrapping the package sentinels
// ([ErrInvalidSpec], [ErrSigningKeyUnavailable],
// [ErrUnsupportedOperation]); the engine propagates them unchanged
// and fatally.
type Backend[A any] interface {
	// Parse decodes existing artifact bytes. A parse failure is not
	// fatal to a run: the engine treats unparseable content as absent
	// so a corrupt file heals itself on the next apply.
	Parse(data []byte) (A, error)

	// Matches reports whether an existing artifact already satisfies
	// the desired specification. The comparison contract (field set,
	// ordering sensitivity) is documented by each backend and must be
	// deterministic.
	Matches(existing A) (bool, error)

	// Build constructs a new artifact from the desired specification.
	Build() (A, error)

	// Serialize encodes an artifact to the bytes stored on disk.
	Serialize(artifact A) ([]byte, error)

	// Summarize produces the stable field-by-field description of an
	// artifact used in outcome records.
	Summarize(artifact A) map[string]any
}

// Request describes one reconciliation run.
type Request struct {
	// Path is the target artifact file.
	Path string

	// State is the requested target state. Defaults to Present when
	// empty.
	State TargetState

	// Force regenerates even when the existing artifact matches.
	Force bool

	// Mode selects apply or check execution.
	Mode RunMode

	// CreateBackup preserves the prior bytes under a timestamped
	// sibling name before any overwrite or removal.
	CreateBackup bool

	// ReturnContent includes the resulting serialized artifact in the
	// outcome.
	ReturnContent bool
}

// Outcome is the result record of a run.
type Outcome struct {
	// Changed reports whether the run mutated the file (or, in check
	// mode, whether an apply run would).
	Changed bool `json:"changed"`

	// Path is the target artifact file.
	Path string `json:"path"`

	// BackupPath is the created backup file, or empty when no backup
	// was made.
	BackupPath string `json:"backup_file,omitempty"`

	// Digest is the content fingerprint of the resulting artifact
	// (the would-be artifact in check mode), or empty after removal.
	Digest string `json:"digest,omitempty"`

	// Summary describes the resulting artifact field by field. Nil
	// after removal.
	Summary map[string]any `json:"summary,omitempty"`

	// Content is the resulting serialized artifact, populated only
	// when the request asked for it.
	Content []byte `json:"content,omitempty"`
}

// Run executes one reconciliation. It returns a fatal error with no
// partial output, or an outcome describing the (possibly simulated)
// transition. See the package comment for the state machine.
func Run[A any](logger *slog.Logger, backend Backend[A], store *filestate.Store, request Request) (*Outcome, error) {
	if request.Path == "" {
		return nil, fmt.Errorf("target path is required")
	}
	if request.State == "" {
		request.State = Present
	}

	// Fail before any other work when the parent directory is
	// missing. Creating parent directories is the caller's decision,
	// not this engine's.
	parentDirectory := filepath.Dir(request.Path)
	if info, err := os.Stat(parentDirectory); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrTargetDirectoryMissing, parentDirectory)
	}

	existingBytes, present, err := store.Load(request.Path)
	if err != nil {
		return nil, err
	}

	// Derive the entry state. Unparseable content is deliberately
	// treated like an absent artifact rather than an error, so a
	// corrupt file is regenerated instead of wedging the run. Removal
	// depends on presence alone, so an Absent target never parses or
	// compares (and never needs the signing key).
	var existing A
	parsed := false
	matches := false
	if present && request.State == Present {
		artifact, parseErr := backend.Parse(existingBytes)
		if parseErr != nil {
			logger.Debug("existing artifact is unparseable, treating as regenerable",
				"path", request.Path, "error", parseErr)
		} else {
			parsed = true
			existing = artifact
			matches, err = backend.Matches(artifact)
			if err != nil {
				return nil, err
			}
		}
	}

	outcome := &Outcome{Path: request.Path}

	switch request.State {
	case Present:
		if err := converge(logger, backend, store, request, outcome,
			present, parsed, matches, existing, existingBytes); err != nil {
			return nil, err
		}
	case Absent:
		if present {
			if request.Mode == Apply {
				if request.CreateBackup {
					backupPath, backupErr := store.Backup(request.Path)
					if backupErr != nil {
						return nil, fmt.Errorf("%w: %v", ErrBackupFailed, backupErr)
					}
					outcome.BackupPath = backupPath
				}
				if err := store.Remove(request.Path); err != nil {
					return nil, err
				}
			}
			logger.Info("artifact removed", "path", request.Path, "check", request.Mode == Check)
			outcome.Changed = true
		}
	default:
		return nil, fmt.Errorf("invalid state %q", request.State)
	}

	if !request.ReturnContent {
		outcome.Content = nil
	}
	return outcome, nil
}

// converge handles the Present target state: regenerate when the
// artifact is absent, mismatched, or forced; otherwise report the
// existing artifact unchanged.
func converge[A any](logger *slog.Logger, backend Backend[A], store *filestate.Store,
	request Request, outcome *Outcome,
	present, parsed, matches bool, existing A, existingBytes []byte) error {

	needsRegeneration := !present || !parsed || !matches
	if !needsRegeneration && !request.Force {
		outcome.Summary = backend.Summarize(existing)
		outcome.Digest = fingerprint.Content(existingBytes).String()
		outcome.Content = existingBytes
		return nil
	}

	// Build and serialize in check mode too: the reported summary and
	// digest then describe the would-be artifact, and spec or key
	// errors surface identically in both modes.
	built, err := backend.Build()
	if err != nil {
		return err
	}
	serialized, err := backend.Serialize(built)
	if err != nil {
		return err
	}

	if request.Mode == Apply {
		if request.CreateBackup {
			// The backup must complete before the overwrite it
			// protects. On failure the write is never attempted.
			backupPath, backupErr := store.Backup(request.Path)
			if backupErr != nil {
				return fmt.Errorf("%w: %v", ErrBackupFailed, backupErr)
			}
			outcome.BackupPath = backupPath
		}
		if err := store.Write(request.Path, serialized); err != nil {
			return err
		}
	}

	logger.Info("artifact regenerated",
		"path", request.Path,
		"existed", present,
		"forced", request.Force && present && parsed && matches,
		"check", request.Mode == Check)

	outcome.Changed = true
	outcome.Summary = backend.Summarize(built)
	outcome.Digest = fingerprint.Content(serialized).String()
	outcome.Content = serialized
	return nil
}
