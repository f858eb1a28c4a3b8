// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package filestate is the storage layer for managed artifact files.
// It owns the raw bytes at a target path: loading whatever is
// currently there, atomically replacing it, backing it up before a
// destructive change, and removing it.
//
// The store holds no state between calls. All write operations are
// atomic with respect to concurrent readers: content is written to a
// temporary file in the same directory and renamed into place, so a
// reader never observes a half-written artifact.
package filestate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/certfile/lib/clock"
)

// backupTimestampLayout is the layout for timestamps embedded in
// backup file names. Colons are avoided so backup names stay portable
// across filesystems.
const backupTimestampLayout = "2006-01-02@15.04.05"

// Store performs scoped load/save operations on a single artifact
// file per call. The clock supplies timestamps for backup names;
// tests inject a fake clock to get deterministic names.
type Store struct {
	clock clock.Clock

	// Mode is the permission mode for newly written artifact files.
	Mode fs.FileMode
}

// NewStore returns a store that stamps backups from the given clock.
// Files are created with mode 0600 unless Mode is overridden.
func NewStore(clk clock.Clock) *Store {
	return &Store{clock: clk, Mode: 0o600}
}

// Load reads the artifact bytes at path. A missing file is not an
// error: Load returns (nil, false, nil) so the caller can treat the
// artifact as absent. Any other read failure (permission denied,
// path is a directory) is returned as an error.
func (s *Store) Load(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("loading %s: %w", path, err)
	}
	return data, true, nil
}

// Write atomically replaces the file at path with data. The content
// is written to a temporary file in the same directory, fsynced,
// renamed into place, and the parent directory is synced so the
// rename survives power loss.
func (s *Store) Write(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.Mode)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	// Write, sync, close — in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}

	syncParentDirectory(path)
	return nil
}

// Backup copies the current content of path to a sibling file whose
// name embeds a timestamp, and returns the backup path. When a file
// with the generated name already exists (two backups within the
// timestamp resolution), a numeric suffix disambiguates. Returns ""
// when the source path does not exist: there is nothing to preserve.
//
// The backup preserves the source bytes verbatim and is itself
// written atomically.
func (s *Store) Backup(path string) (string, error) {
	data, present, err := s.Load(path)
	if err != nil {
		return "", err
	}
	if !present {
		return "", nil
	}

	base := fmt.Sprintf("%s.%s", path, s.clock.Now().Format(backupTimestampLayout))
	backupPath := base + "~"
	for counter := 1; ; counter++ {
		if _, err := os.Lstat(backupPath); errors.Is(err, fs.ErrNotExist) {
			break
		}
		backupPath = fmt.Sprintf("%s.%d~", base, counter)
	}

	if err := s.Write(backupPath, data); err != nil {
		return "", fmt.Errorf("backing up %s: %w", path, err)
	}
	return backupPath, nil
}

// Remove deletes the file at path. A missing file is not an error
// (the operation is idempotent). The parent directory is synced so
// the removal survives power loss.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("removing %s: %w", path, err)
	}
	syncParentDirectory(path)
	return nil
}

// syncParentDirectory fsyncs the directory containing path. This
// matters when the machine loses power between a rename or unlink and
// the OS flushing directory metadata. Failure to open the directory
// is ignored: the data operation already succeeded.
func syncParentDirectory(path string) {
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
}
