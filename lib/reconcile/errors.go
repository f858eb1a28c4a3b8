// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import "errors"

// Sentinel errors for the failure kinds a run can surface. Callers
// classify with errors.Is; backends wrap these when reporting their
// own failures so the engine and the CLI treat every backend the same
// way.
var (
	// ErrTargetDirectoryMissing means the parent directory of the
	// target path does not exist. Checked before any other work.
	ErrTargetDirectoryMissing = errors.New("target directory does not exist")

	// ErrInvalidSpec means the desired specification is internally
	// inconsistent (for example, conflicting format and encryption
	// options). Raised by backends.
	ErrInvalidSpec = errors.New("invalid artifact specification")

	// ErrSigningKeyUnavailable means the referenced signing key could
	// not be loaded: missing file, wrong passphrase, unsupported key
	// encoding. Raised by backends.
	ErrSigningKeyUnavailable = errors.New("signing key unavailable")

	// ErrUnsupportedOperation means the requested format cannot
	// represent a requested feature. Raised by backends.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrBackupFailed means a requested backup could not be created.
	// The destructive write or remove it was meant to protect is
	// never attempted after this failure.
	ErrBackupFailed = errors.New("backup failed")
)
