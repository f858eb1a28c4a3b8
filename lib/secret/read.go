// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"golang.org/x/term"
)

// FromSource resolves a passphrase source string into a Buffer:
//
//   - "" returns (nil, nil): no passphrase.
//   - "-" reads one line from stdin.
//   - "prompt" reads from the controlling terminal with echo disabled.
//   - a path ending in ".age" is decrypted with the identity file
//     given in ageIdentityPath.
//   - any other value is read as a plain file path.
//
// The returned buffer, when non-nil, must be closed by the caller.
func FromSource(source, ageIdentityPath string) (*Buffer, error) {
	switch {
	case source == "":
		return nil, nil
	case source == "prompt":
		return Prompt("Passphrase: ")
	case strings.HasSuffix(source, ".age"):
		return ReadSealed(source, ageIdentityPath)
	default:
		return ReadFromPath(source)
	}
}

// ReadFromPath reads a secret from a file path, or from stdin if path
// is "-". Leading/trailing whitespace is trimmed before storing.
// Returns an error if the source is empty after trimming.
func ReadFromPath(path string) (*Buffer, error) {
	var data []byte

	if path == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading stdin: %w", err)
			}
			return nil, fmt.Errorf("stdin is empty")
		}
		data = scanner.Bytes()
	} else {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	return fromRaw(data)
}

// Prompt reads a secret from the terminal with echo disabled. Fails
// when stdin is not a terminal (scripts must use a file or stdin
// source instead).
func Prompt(promptText string) (*Buffer, error) {
	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, fmt.Errorf("no terminal available for interactive passphrase prompt")
	}

	fmt.Fprint(os.Stderr, promptText)
	passphraseBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}

	buffer, err := NewFromBytes(passphraseBytes)
	if err != nil {
		Zero(passphraseBytes)
		return nil, err
	}
	return buffer, nil
}

// ReadSealed reads an age-encrypted secret file and decrypts it with
// the X25519 identity stored at identityPath. This lets operators keep
// signing-key passphrases sealed at rest and unlock them with a
// machine identity instead of a plaintext passphrase file.
func ReadSealed(path, identityPath string) (*Buffer, error) {
	if identityPath == "" {
		return nil, fmt.Errorf("secret file %s is age-sealed but no identity file was given", path)
	}

	identityData, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading age identity: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(identityData))
	Zero(identityData)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity file %s: %w", identityPath, err)
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sealed secret: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed secret %s: %w", path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted secret: %w", err)
	}

	buffer, err := fromRaw(plaintext)
	if err != nil {
		Zero(plaintext)
		return nil, err
	}
	return buffer, nil
}

// fromRaw trims whitespace and moves the remaining bytes into a
// protected buffer, zeroing every heap copy on the way.
func fromRaw(data []byte) (*Buffer, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret is empty")
	}

	// NewFromBytes copies into mmap-backed memory and zeros trimmed.
	buffer, err := NewFromBytes(trimmed)
	// Zero remaining bytes (whitespace prefix/suffix) not covered by
	// trimmed.
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
