// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package csrgen

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"net/url"

	"github.com/bureau-foundation/certfile/lib/reconcile"
)

// Spec is the desired specification for a CSR file. It is read from a
// YAML or JSON spec file (lib/specfile) or assembled from CLI flags,
// and never mutated during a run.
type Spec struct {
	// Subject is the distinguished name of the requested certificate.
	Subject Subject `yaml:"subject" json:"subject"`

	// Subject alternative names. When none are given and the subject
	// has a common name, the common name is used as a DNS SAN unless
	// UseCommonNameForSAN disables that.
	DNSNames       []string `yaml:"dns_names" json:"dns_names"`
	IPAddresses    []string `yaml:"ip_addresses" json:"ip_addresses"`
	EmailAddresses []string `yaml:"email_addresses" json:"email_addresses"`
	URIs           []string `yaml:"uris" json:"uris"`

	// UseCommonNameForSAN controls the CN-to-SAN fallback. Nil means
	// true.
	UseCommonNameForSAN *bool `yaml:"use_common_name_for_san" json:"use_common_name_for_san"`

	// KeyUsage lists requested key usages by their RFC 5280 names
	// (digitalSignature, keyEncipherment, ...).
	KeyUsage         []string `yaml:"key_usage" json:"key_usage"`
	KeyUsageCritical bool     `yaml:"key_usage_critical" json:"key_usage_critical"`

	// ExtendedKeyUsage lists extended key usages by name (serverAuth,
	// clientAuth, ...) or dotted OID.
	ExtendedKeyUsage         []string `yaml:"extended_key_usage" json:"extended_key_usage"`
	ExtendedKeyUsageCritical bool     `yaml:"extended_key_usage_critical" json:"extended_key_usage_critical"`

	// BasicConstraints requests a basic constraints extension.
	BasicConstraints *BasicConstraints `yaml:"basic_constraints" json:"basic_constraints"`

	// NameConstraints requests a name constraints extension. Entries
	// use the "DNS:", "email:", "URI:", "IP:" prefix forms.
	NameConstraints *NameConstraints `yaml:"name_constraints" json:"name_constraints"`

	// OCSPMustStaple requests the TLS feature extension with
	// status_request.
	OCSPMustStaple         bool `yaml:"ocsp_must_staple" json:"ocsp_must_staple"`
	OCSPMustStapleCritical bool `yaml:"ocsp_must_staple_critical" json:"ocsp_must_staple_critical"`

	// CRLDistributionPoints lists full-name URIs for the CRL
	// distribution points extension.
	CRLDistributionPoints []string `yaml:"crl_distribution_points" json:"crl_distribution_points"`

	// Digest selects the signature hash: sha256 (default), sha384, or
	// sha512. Ignored for Ed25519 signing keys.
	Digest string `yaml:"digest" json:"digest"`

	// Key references the private key that signs the request.
	Key KeySpec `yaml:"key" json:"key"`
}

// Subject holds the distinguished-name attributes. Multi-valued
// attributes keep their given order; the RDN sequence order produced
// by this backend is fixed: C, ST, L, O, OU, CN, serialNumber,
// emailAddress.
type Subject struct {
	CommonName         string   `yaml:"common_name" json:"common_name"`
	Country            []string `yaml:"country" json:"country"`
	Province           []string `yaml:"province" json:"province"`
	Locality           []string `yaml:"locality" json:"locality"`
	Organization       []string `yaml:"organization" json:"organization"`
	OrganizationalUnit []string `yaml:"organizational_unit" json:"organizational_unit"`
	EmailAddress       string   `yaml:"email_address" json:"email_address"`
	SerialNumber       string   `yaml:"serial_number" json:"serial_number"`
}

// empty reports whether no subject attribute is set.
func (s Subject) empty() bool {
	return s.CommonName == "" && s.EmailAddress == "" && s.SerialNumber == "" &&
		len(s.Country) == 0 && len(s.Province) == 0 && len(s.Locality) == 0 &&
		len(s.Organization) == 0 && len(s.OrganizationalUnit) == 0
}

// BasicConstraints mirrors the X.509 basic constraints extension.
type BasicConstraints struct {
	CA         bool `yaml:"ca" json:"ca"`
	PathLength *int `yaml:"path_length" json:"path_length"`
	Critical   bool `yaml:"critical" json:"critical"`
}

// NameConstraints mirrors the X.509 name constraints extension.
type NameConstraints struct {
	Permitted []string `yaml:"permitted" json:"permitted"`
	Excluded  []string `yaml:"excluded" json:"excluded"`
	Critical  bool     `yaml:"critical" json:"critical"`
}

// KeySpec references the signing key.
type KeySpec struct {
	// Path is the private key file (PKCS#1, SEC1, PKCS#8, or OpenSSH
	// PEM).
	Path string `yaml:"path" json:"path"`

	// Passphrase is a secret source as understood by
	// secret.FromSource: a file path, "-", "prompt", or an age-sealed
	// file. Empty means the key is unencrypted.
	Passphrase string `yaml:"passphrase" json:"passphrase"`

	// AgeIdentity is the identity file for age-sealed passphrase
	// sources.
	AgeIdentity string `yaml:"age_identity" json:"age_identity"`
}

// oidEmailAddress is the PKCS#9 emailAddress attribute used in
// subject distinguished names.
var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// validate checks internal consistency of the spec. Violations wrap
// reconcile.ErrInvalidSpec so the engine and CLI classify them
// uniformly.
func (s *Spec) validate() error {
	if s.Key.Path == "" {
		return fmt.Errorf("%w: key path is required", reconcile.ErrInvalidSpec)
	}
	if s.Subject.empty() && len(s.DNSNames) == 0 && len(s.IPAddresses) == 0 &&
		len(s.EmailAddresses) == 0 && len(s.URIs) == 0 {
		return fmt.Errorf("%w: at least one subject attribute or subject alternative name is required", reconcile.ErrInvalidSpec)
	}
	if s.Digest != "" {
		if _, ok := digestNames[s.Digest]; !ok {
			return fmt.Errorf("%w: unknown digest %q", reconcile.ErrInvalidSpec, s.Digest)
		}
	}
	for _, usage := range s.KeyUsage {
		if _, ok := keyUsageBits[usage]; !ok {
			return fmt.Errorf("%w: unknown key usage %q", reconcile.ErrInvalidSpec, usage)
		}
	}
	for _, usage := range s.ExtendedKeyUsage {
		if _, err := extendedKeyUsageOID(usage); err != nil {
			return fmt.Errorf("%w: %v", reconcile.ErrInvalidSpec, err)
		}
	}
	if s.BasicConstraints != nil && s.BasicConstraints.PathLength != nil && !s.BasicConstraints.CA {
		return fmt.Errorf("%w: path length constraint requires ca: true", reconcile.ErrInvalidSpec)
	}
	if s.NameConstraints != nil {
		for _, entry := range append(append([]string{}, s.NameConstraints.Permitted...), s.NameConstraints.Excluded...) {
			if _, err := parseGeneralName(entry); err != nil {
				return fmt.Errorf("%w: name constraint %q: %v", reconcile.ErrInvalidSpec, entry, err)
			}
		}
	}
	for _, address := range s.IPAddresses {
		if net.ParseIP(address) == nil {
			return fmt.Errorf("%w: invalid IP address %q", reconcile.ErrInvalidSpec, address)
		}
	}
	for _, raw := range s.URIs {
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%w: invalid URI %q: %v", reconcile.ErrInvalidSpec, raw, err)
		}
	}
	for _, point := range s.CRLDistributionPoints {
		if point == "" {
			return fmt.Errorf("%w: empty CRL distribution point", reconcile.ErrInvalidSpec)
		}
	}
	return nil
}

// subjectName builds the pkix.Name for the spec's subject. The email
// address travels in ExtraNames as an IA5String, matching how CAs
// expect the PKCS#9 emailAddress attribute to be encoded.
func (s *Spec) subjectName() pkix.Name {
	name := pkix.Name{
		CommonName:         s.Subject.CommonName,
		Country:            s.Subject.Country,
		Province:           s.Subject.Province,
		Locality:           s.Subject.Locality,
		Organization:       s.Subject.Organization,
		OrganizationalUnit: s.Subject.OrganizationalUnit,
		SerialNumber:       s.Subject.SerialNumber,
	}
	if s.Subject.EmailAddress != "" {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
			Type: oidEmailAddress,
			Value: asn1.RawValue{
				Tag:   asn1.TagIA5String,
				Bytes: []byte(s.Subject.EmailAddress),
			},
		})
	}
	return name
}

// effectiveSANs resolves the CN-to-SAN fallback: when the spec lists
// no subject alternative names at all and the subject has a common
// name, the common name becomes a DNS SAN unless disabled.
func (s *Spec) effectiveSANs() (dns []string, ips []net.IP, emails []string, uris []*url.URL, err error) {
	dns = append(dns, s.DNSNames...)
	for _, address := range s.IPAddresses {
		parsed := net.ParseIP(address)
		if parsed == nil {
			return nil, nil, nil, nil, fmt.Errorf("%w: invalid IP address %q", reconcile.ErrInvalidSpec, address)
		}
		ips = append(ips, parsed)
	}
	emails = append(emails, s.EmailAddresses...)
	for _, raw := range s.URIs {
		parsed, parseErr := url.Parse(raw)
		if parseErr != nil {
			return nil, nil, nil, nil, fmt.Errorf("%w: invalid URI %q: %v", reconcile.ErrInvalidSpec, raw, parseErr)
		}
		uris = append(uris, parsed)
	}

	useCommonName := s.UseCommonNameForSAN == nil || *s.UseCommonNameForSAN
	if useCommonName && s.Subject.CommonName != "" &&
		len(dns) == 0 && len(ips) == 0 && len(emails) == 0 && len(uris) == 0 {
		dns = append(dns, s.Subject.CommonName)
	}
	return dns, ips, emails, uris, nil
}
