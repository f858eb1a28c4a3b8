// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package csrgen

import (
	"crypto/x509"
	"fmt"
	"strconv"
	"strings"

	"encoding/asn1"
)

// keyUsageBits maps RFC 5280 key usage names to their bit values.
var keyUsageBits = map[string]x509.KeyUsage{
	"digitalSignature":  x509.KeyUsageDigitalSignature,
	"nonRepudiation":    x509.KeyUsageContentCommitment,
	"contentCommitment": x509.KeyUsageContentCommitment,
	"keyEncipherment":   x509.KeyUsageKeyEncipherment,
	"dataEncipherment":  x509.KeyUsageDataEncipherment,
	"keyAgreement":      x509.KeyUsageKeyAgreement,
	"keyCertSign":       x509.KeyUsageCertSign,
	"cRLSign":           x509.KeyUsageCRLSign,
	"encipherOnly":      x509.KeyUsageEncipherOnly,
	"decipherOnly":      x509.KeyUsageDecipherOnly,
}

// keyUsageNames lists canonical names in bit order for summaries.
var keyUsageNames = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "digitalSignature"},
	{x509.KeyUsageContentCommitment, "contentCommitment"},
	{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
	{x509.KeyUsageDataEncipherment, "dataEncipherment"},
	{x509.KeyUsageKeyAgreement, "keyAgreement"},
	{x509.KeyUsageCertSign, "keyCertSign"},
	{x509.KeyUsageCRLSign, "cRLSign"},
	{x509.KeyUsageEncipherOnly, "encipherOnly"},
	{x509.KeyUsageDecipherOnly, "decipherOnly"},
}

// keyUsageFromNames folds usage names into a bit set.
func keyUsageFromNames(names []string) (x509.KeyUsage, error) {
	var usage x509.KeyUsage
	for _, name := range names {
		bit, ok := keyUsageBits[name]
		if !ok {
			return 0, fmt.Errorf("unknown key usage %q", name)
		}
		usage |= bit
	}
	return usage, nil
}

// keyUsageToNames expands a bit set into canonical names, in bit
// order, for deterministic summaries.
func keyUsageToNames(usage x509.KeyUsage) []string {
	var names []string
	for _, entry := range keyUsageNames {
		if usage&entry.bit != 0 {
			names = append(names, entry.name)
		}
	}
	return names
}

// extendedKeyUsageOIDs maps extended key usage names to OIDs.
var extendedKeyUsageOIDs = map[string]asn1.ObjectIdentifier{
	"anyExtendedKeyUsage": {2, 5, 29, 37, 0},
	"serverAuth":          {1, 3, 6, 1, 5, 5, 7, 3, 1},
	"clientAuth":          {1, 3, 6, 1, 5, 5, 7, 3, 2},
	"codeSigning":         {1, 3, 6, 1, 5, 5, 7, 3, 3},
	"emailProtection":     {1, 3, 6, 1, 5, 5, 7, 3, 4},
	"timeStamping":        {1, 3, 6, 1, 5, 5, 7, 3, 8},
	"OCSPSigning":         {1, 3, 6, 1, 5, 5, 7, 3, 9},
}

// extendedKeyUsageOID resolves a name or dotted OID string.
func extendedKeyUsageOID(value string) (asn1.ObjectIdentifier, error) {
	if oid, ok := extendedKeyUsageOIDs[value]; ok {
		return oid, nil
	}
	if oid, err := parseDottedOID(value); err == nil {
		return oid, nil
	}
	return nil, fmt.Errorf("unknown extended key usage %q", value)
}

// extendedKeyUsageName returns the canonical name of an OID, falling
// back to the dotted form for OIDs outside the table.
func extendedKeyUsageName(oid asn1.ObjectIdentifier) string {
	for name, known := range extendedKeyUsageOIDs {
		if known.Equal(oid) {
			return name
		}
	}
	return oid.String()
}

// parseDottedOID parses "1.3.6.1.5.5.7.3.1" style strings.
func parseDottedOID(value string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(value, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("not an OID: %q", value)
	}
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, part := range parts {
		number, err := strconv.Atoi(part)
		if err != nil || number < 0 {
			return nil, fmt.Errorf("not an OID: %q", value)
		}
		oid = append(oid, number)
	}
	return oid, nil
}

// digestNames maps spec digest names to signature algorithms per key
// family. Ed25519 has a fixed internal hash and appears separately in
// signatureAlgorithmFor.
var digestNames = map[string]struct {
	rsa   x509.SignatureAlgorithm
	ecdsa x509.SignatureAlgorithm
}{
	"sha256": {x509.SHA256WithRSA, x509.ECDSAWithSHA256},
	"sha384": {x509.SHA384WithRSA, x509.ECDSAWithSHA384},
	"sha512": {x509.SHA512WithRSA, x509.ECDSAWithSHA512},
}
