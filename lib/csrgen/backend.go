// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package csrgen is the certificate-signing-request backend for the
// reconcile engine. It builds CSRs from a declarative [Spec], parses
// existing PEM-encoded requests, and decides whether an existing
// request still satisfies the spec.
//
// Comparison contract: the subject distinguished name is compared by
// its DER encoding, so the order of relative distinguished names is
// significant;
// subject alternative names are compared as order-insensitive sets;
// managed extensions are compared by DER value and criticality
// against the encoding this backend itself produces; the request
// signature must verify and its public key must match the referenced
// signing key. An extension this backend does not manage counts as a
// mismatch, so converging always produces a request containing
// exactly what the spec asks for.
package csrgen

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"net"
	"sort"

	"github.com/bureau-foundation/certfile/lib/reconcile"
	"github.com/bureau-foundation/certfile/lib/secret"
)

// pemBlockType is the PEM block type written for serialized requests.
// Parsing also accepts the legacy "NEW CERTIFICATE REQUEST" label some
// tools emit.
const pemBlockType = "CERTIFICATE REQUEST"

// Artifact is a parsed certificate signing request.
type Artifact struct {
	request *x509.CertificateRequest
}

// Backend implements reconcile.Backend[Artifact] for CSR files.
type Backend struct {
	spec       Spec
	passphrase *secret.Buffer

	// signer is loaded lazily on first use and cached for the run.
	signer crypto.Signer
}

// New validates the spec and returns a backend bound to it. The
// passphrase buffer (may be nil for unencrypted keys) is borrowed,
// not owned: the caller closes it after the run.
func New(spec Spec, passphrase *secret.Buffer) (*Backend, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &Backend{spec: spec, passphrase: passphrase}, nil
}

// Parse decodes PEM-encoded CSR bytes. The reconcile engine treats a
// returned error as "regenerable", not fatal.
func (b *Backend) Parse(data []byte) (Artifact, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return Artifact{}, fmt.Errorf("no PEM block found")
	}
	if block.Type != pemBlockType && block.Type != "NEW CERTIFICATE REQUEST" {
		return Artifact{}, fmt.Errorf("PEM block is %q, not a certificate request", block.Type)
	}
	request, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return Artifact{}, fmt.Errorf("parsing certificate request: %w", err)
	}
	return Artifact{request: request}, nil
}

// Matches reports whether an existing request satisfies the spec. A
// failure to load the signing key is fatal (wrapped
// reconcile.ErrSigningKeyUnavailable); every content difference is
// reported as a plain mismatch.
func (b *Backend) Matches(existing Artifact) (bool, error) {
	signer, err := b.signingKey()
	if err != nil {
		return false, err
	}

	// An invalid self-signature means the file was tampered with or
	// truncated: regenerate rather than fail.
	if existing.request.CheckSignature() != nil {
		return false, nil
	}

	samePublicKey, err := publicKeysEqual(signer.Public(), existing.request.PublicKey)
	if err != nil || !samePublicKey {
		return false, err
	}

	expectedAlgorithm, err := signatureAlgorithmFor(signer, b.spec.Digest)
	if err != nil {
		return false, err
	}
	if existing.request.SignatureAlgorithm != expectedAlgorithm {
		return false, nil
	}

	subjectMatch, err := b.matchesSubject(existing.request)
	if err != nil || !subjectMatch {
		return false, err
	}
	sansMatch, err := b.matchesSANs(existing.request)
	if err != nil || !sansMatch {
		return false, err
	}
	return b.matchesExtensions(existing.request)
}

// Build constructs a new request from the spec and signs it.
func (b *Backend) Build() (Artifact, error) {
	signer, err := b.signingKey()
	if err != nil {
		return Artifact{}, err
	}
	algorithm, err := signatureAlgorithmFor(signer, b.spec.Digest)
	if err != nil {
		return Artifact{}, err
	}
	dnsNames, ipAddresses, emailAddresses, uris, err := b.spec.effectiveSANs()
	if err != nil {
		return Artifact{}, err
	}
	extensions, err := buildExtensions(&b.spec)
	if err != nil {
		return Artifact{}, err
	}

	template := &x509.CertificateRequest{
		Subject:            b.spec.subjectName(),
		DNSNames:           dnsNames,
		IPAddresses:        ipAddresses,
		EmailAddresses:     emailAddresses,
		URIs:               uris,
		ExtraExtensions:    extensions,
		SignatureAlgorithm: algorithm,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return Artifact{}, fmt.Errorf("creating certificate request: %w", err)
	}
	request, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return Artifact{}, fmt.Errorf("re-parsing created certificate request: %w", err)
	}
	return Artifact{request: request}, nil
}

// Serialize encodes a request as PEM.
func (b *Backend) Serialize(artifact Artifact) ([]byte, error) {
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: artifact.request.Raw}), nil
}

// Summarize produces the stable field map reported in outcomes. The
// field names match what operators of the original tooling expect to
// diff against.
func (b *Backend) Summarize(artifact Artifact) map[string]any {
	request := artifact.request

	subject := make([][2]string, 0, len(request.Subject.Names))
	for _, attribute := range request.Subject.Names {
		value, ok := attributeString(attribute.Value)
		if !ok {
			value = fmt.Sprintf("%v", attribute.Value)
		}
		subject = append(subject, [2]string{attributeName(attribute.Type), value})
	}

	var sans []string
	for _, name := range request.DNSNames {
		sans = append(sans, "DNS:"+name)
	}
	for _, address := range request.IPAddresses {
		sans = append(sans, "IP:"+address.String())
	}
	for _, email := range request.EmailAddresses {
		sans = append(sans, "email:"+email)
	}
	for _, uri := range request.URIs {
		sans = append(sans, "URI:"+uri.String())
	}

	summary := map[string]any{
		"subject":          subject,
		"subjectAltName":   sans,
		"keyUsage":         []string(nil),
		"extendedKeyUsage": []string(nil),
		"basicConstraints": []string(nil),
		"ocsp_must_staple": false,
		"signature_valid":  request.CheckSignature() == nil,
	}

	for _, extension := range request.Extensions {
		switch {
		case extension.Id.Equal(oidKeyUsage):
			if usage, err := parseKeyUsage(extension.Value); err == nil {
				summary["keyUsage"] = keyUsageToNames(usage)
			}
		case extension.Id.Equal(oidExtendedKeyUsage):
			if oids, err := parseExtendedKeyUsageValue(extension.Value); err == nil {
				names := make([]string, 0, len(oids))
				for _, oid := range oids {
					names = append(names, extendedKeyUsageName(oid))
				}
				summary["extendedKeyUsage"] = names
			}
		case extension.Id.Equal(oidBasicConstraints):
			if ca, pathLength, err := parseBasicConstraintsValue(extension.Value); err == nil {
				constraints := []string{fmt.Sprintf("CA:%v", caLabel(ca))}
				if pathLength != nil {
					constraints = append(constraints, fmt.Sprintf("pathlen:%d", *pathLength))
				}
				summary["basicConstraints"] = constraints
			}
		case extension.Id.Equal(oidNameConstraints):
			if permitted, excluded, err := parseNameConstraintsValue(extension.Value); err == nil {
				summary["name_constraints_permitted"] = permitted
				summary["name_constraints_excluded"] = excluded
			}
		case extension.Id.Equal(oidTLSFeature):
			summary["ocsp_must_staple"] = hasMustStaple(extension.Value)
		case extension.Id.Equal(oidCRLDistributionPoints):
			if uris, err := parseCRLDistributionPoints(extension.Value); err == nil {
				summary["crl_distribution_points"] = uris
			}
		}
	}

	return summary
}

// signingKey loads the referenced key on first use and caches it for
// the remainder of the run.
func (b *Backend) signingKey() (crypto.Signer, error) {
	if b.signer != nil {
		return b.signer, nil
	}
	signer, err := loadSigningKey(b.spec.Key.Path, b.passphrase)
	if err != nil {
		return nil, err
	}
	b.signer = signer
	return signer, nil
}

// matchesSubject compares the existing subject against the desired
// one by DER encoding. Encoding the desired name goes through the
// same ToRDNSequence and asn1.Marshal path Build uses, so the
// comparison is exact: RDN order is significant, and values inside a
// multi-valued RDN are normalized identically on both sides by the
// DER SET OF ordering rules.
func (b *Backend) matchesSubject(request *x509.CertificateRequest) (bool, error) {
	desired, err := asn1.Marshal(b.spec.subjectName().ToRDNSequence())
	if err != nil {
		return false, fmt.Errorf("encoding desired subject: %w", err)
	}
	return bytes.Equal(desired, request.RawSubject), nil
}

// matchesSANs compares subject alternative names as sets.
func (b *Backend) matchesSANs(request *x509.CertificateRequest) (bool, error) {
	dnsNames, ipAddresses, emailAddresses, uris, err := b.spec.effectiveSANs()
	if err != nil {
		return false, err
	}

	if !stringSetsEqual(dnsNames, request.DNSNames) {
		return false, nil
	}
	if !stringSetsEqual(emailAddresses, request.EmailAddresses) {
		return false, nil
	}

	desiredURIs := make([]string, 0, len(uris))
	for _, uri := range uris {
		desiredURIs = append(desiredURIs, uri.String())
	}
	actualURIs := make([]string, 0, len(request.URIs))
	for _, uri := range request.URIs {
		actualURIs = append(actualURIs, uri.String())
	}
	if !stringSetsEqual(desiredURIs, actualURIs) {
		return false, nil
	}

	if !stringSetsEqual(ipStrings(ipAddresses), ipStrings(request.IPAddresses)) {
		return false, nil
	}
	return true, nil
}

// matchesExtensions compares every managed extension by DER value and
// criticality. Unmanaged extensions in the existing request (other
// than the SAN extension, compared semantically above) are a
// mismatch.
func (b *Backend) matchesExtensions(request *x509.CertificateRequest) (bool, error) {
	desired, err := buildExtensions(&b.spec)
	if err != nil {
		return false, err
	}
	pending := make(map[string]pkix.Extension, len(desired))
	for _, extension := range desired {
		pending[extension.Id.String()] = extension
	}

	for _, extension := range request.Extensions {
		if extension.Id.Equal(oidSubjectAltName) {
			continue
		}
		want, managed := pending[extension.Id.String()]
		if !managed {
			return false, nil
		}
		if want.Critical != extension.Critical || !bytes.Equal(want.Value, extension.Value) {
			return false, nil
		}
		delete(pending, extension.Id.String())
	}
	return len(pending) == 0, nil
}

// publicKeysEqual compares two public keys by their PKIX DER form.
func publicKeysEqual(a, b any) (bool, error) {
	if a == nil || b == nil {
		return false, nil
	}
	aDER, err := x509.MarshalPKIXPublicKey(a)
	if err != nil {
		return false, fmt.Errorf("%w: encoding signing key public part: %v", reconcile.ErrSigningKeyUnavailable, err)
	}
	bDER, err := x509.MarshalPKIXPublicKey(b)
	if err != nil {
		// The existing request carries a key type we cannot encode:
		// a mismatch, not a failure.
		return false, nil
	}
	return bytes.Equal(aDER, bDER), nil
}

// attributeString extracts the string form of an RDN attribute value
// for summaries.
func attributeString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return typed, true
	case asn1.RawValue:
		return string(typed.Bytes), true
	default:
		return "", false
	}
}

// subjectAttributeNames maps DN attribute OIDs to their short names
// for summaries.
var subjectAttributeNames = map[string]string{
	"2.5.4.3":              "CN",
	"2.5.4.5":              "serialNumber",
	"2.5.4.6":              "C",
	"2.5.4.7":              "L",
	"2.5.4.8":              "ST",
	"2.5.4.10":             "O",
	"2.5.4.11":             "OU",
	"1.2.840.113549.1.9.1": "emailAddress",
}

func attributeName(oid asn1.ObjectIdentifier) string {
	if name, ok := subjectAttributeNames[oid.String()]; ok {
		return name
	}
	return oid.String()
}

func caLabel(ca bool) string {
	if ca {
		return "TRUE"
	}
	return "FALSE"
}

// stringSetsEqual compares two string slices as multisets.
func stringSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sortedA := append([]string(nil), a...)
	sortedB := append([]string(nil), b...)
	sort.Strings(sortedA)
	sort.Strings(sortedB)
	for index := range sortedA {
		if sortedA[index] != sortedB[index] {
			return false
		}
	}
	return true
}

func ipStrings(addresses []net.IP) []string {
	strings := make([]string, 0, len(addresses))
	for _, address := range addresses {
		strings = append(strings, address.String())
	}
	return strings
}
