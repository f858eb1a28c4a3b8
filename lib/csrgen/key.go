// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package csrgen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/bureau-foundation/certfile/lib/reconcile"
	"github.com/bureau-foundation/certfile/lib/secret"
)

// loadSigningKey reads and decodes the private key at path. Supported
// encodings: PKCS#1 ("RSA PRIVATE KEY"), SEC1 ("EC PRIVATE KEY"),
// PKCS#8 ("PRIVATE KEY"), and OpenSSH ("OPENSSH PRIVATE KEY",
// optionally passphrase-protected). Legacy DEK-Info encrypted PEM
// blocks are decrypted with the passphrase. Encrypted PKCS#8 is not
// supported; convert such keys to the OpenSSH format.
//
// All failures wrap reconcile.ErrSigningKeyUnavailable.
func loadSigningKey(path string, passphrase *secret.Buffer) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", reconcile.ErrSigningKeyUnavailable, path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s contains no PEM block", reconcile.ErrSigningKeyUnavailable, path)
	}

	if block.Type == "OPENSSH PRIVATE KEY" {
		return parseOpenSSHKey(path, data, passphrase)
	}

	der := block.Bytes
	//nolint:staticcheck // legacy DEK-Info PEM support is deliberate.
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == nil {
			return nil, fmt.Errorf("%w: %s is encrypted but no passphrase was given", reconcile.ErrSigningKeyUnavailable, path)
		}
		//nolint:staticcheck
		der, err = x509.DecryptPEMBlock(block, passphrase.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting %s: %v", reconcile.ErrSigningKeyUnavailable, path, err)
		}
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s as PKCS#1: %v", reconcile.ErrSigningKeyUnavailable, path, err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s as SEC1: %v", reconcile.ErrSigningKeyUnavailable, path, err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s as PKCS#8: %v", reconcile.ErrSigningKeyUnavailable, path, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %s holds a %T, which cannot sign", reconcile.ErrSigningKeyUnavailable, path, key)
		}
		return signer, nil
	case "ENCRYPTED PRIVATE KEY":
		return nil, fmt.Errorf("%w: %s is encrypted PKCS#8, which is not supported (convert the key to the OpenSSH format)",
			reconcile.ErrSigningKeyUnavailable, path)
	default:
		return nil, fmt.Errorf("%w: %s has unsupported PEM type %q", reconcile.ErrSigningKeyUnavailable, path, block.Type)
	}
}

// parseOpenSSHKey handles the OpenSSH private key format via
// x/crypto/ssh, including passphrase-protected keys.
func parseOpenSSHKey(path string, data []byte, passphrase *secret.Buffer) (crypto.Signer, error) {
	var key any
	var err error
	if passphrase != nil {
		key, err = ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase.Bytes())
	} else {
		key, err = ssh.ParseRawPrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s is encrypted but no passphrase was given", reconcile.ErrSigningKeyUnavailable, path)
		}
		return nil, fmt.Errorf("%w: parsing %s: %v", reconcile.ErrSigningKeyUnavailable, path, err)
	}

	switch typed := key.(type) {
	case *rsa.PrivateKey:
		return typed, nil
	case *ecdsa.PrivateKey:
		return typed, nil
	case *ed25519.PrivateKey:
		return *typed, nil
	default:
		return nil, fmt.Errorf("%w: %s holds a %T, which cannot sign X.509 structures", reconcile.ErrSigningKeyUnavailable, path, key)
	}
}

// signatureAlgorithmFor selects the X.509 signature algorithm for the
// key type and requested digest. Ed25519 has a fixed internal hash,
// so the digest setting is ignored for it.
func signatureAlgorithmFor(signer crypto.Signer, digest string) (x509.SignatureAlgorithm, error) {
	if digest == "" {
		digest = "sha256"
	}
	algorithms, ok := digestNames[digest]
	if !ok {
		return 0, fmt.Errorf("%w: unknown digest %q", reconcile.ErrInvalidSpec, digest)
	}

	switch signer.(type) {
	case *rsa.PrivateKey:
		return algorithms.rsa, nil
	case *ecdsa.PrivateKey:
		return algorithms.ecdsa, nil
	case ed25519.PrivateKey:
		return x509.PureEd25519, nil
	default:
		return 0, fmt.Errorf("%w: cannot sign certificate requests with a %T key", reconcile.ErrUnsupportedOperation, signer)
	}
}
