// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package csrgen

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"strings"

	"github.com/bureau-foundation/certfile/lib/reconcile"
)

// Extension OIDs managed by this backend. crypto/x509 encodes subject
// alternative names from the request template; everything else below
// is marshaled by hand because CertificateRequest has no fields for
// them.
var (
	oidKeyUsage              = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidSubjectAltName        = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidBasicConstraints      = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidNameConstraints       = asn1.ObjectIdentifier{2, 5, 29, 30}
	oidCRLDistributionPoints = asn1.ObjectIdentifier{2, 5, 29, 31}
	oidExtendedKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidTLSFeature            = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}
)

// GeneralName context-specific tags from RFC 5280 section 4.2.1.6.
const (
	generalNameEmail = 1
	generalNameDNS   = 2
	generalNameURI   = 6
	generalNameIP    = 7
)

// tlsFeatureStatusRequest is the TLS feature number for OCSP stapling
// (status_request), the "must staple" marker.
const tlsFeatureStatusRequest = 5

type basicConstraintsValue struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

type generalSubtree struct {
	Base asn1.RawValue
}

type nameConstraintsValue struct {
	Permitted []generalSubtree `asn1:"optional,tag:0"`
	Excluded  []generalSubtree `asn1:"optional,tag:1"`
}

type distributionPointName struct {
	FullName []asn1.RawValue `asn1:"optional,tag:0"`
}

type distributionPoint struct {
	DistributionPoint distributionPointName `asn1:"optional,tag:0"`
}

// buildExtensions produces the managed extensions for the desired
// spec, in a fixed order so the resulting DER is deterministic. These
// same bytes are used both when creating a request and when comparing
// an existing one.
func buildExtensions(spec *Spec) ([]pkix.Extension, error) {
	var extensions []pkix.Extension

	if len(spec.KeyUsage) > 0 {
		usage, err := keyUsageFromNames(spec.KeyUsage)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", reconcile.ErrInvalidSpec, err)
		}
		value, err := marshalKeyUsage(usage)
		if err != nil {
			return nil, fmt.Errorf("marshaling key usage: %w", err)
		}
		extensions = append(extensions, pkix.Extension{
			Id: oidKeyUsage, Critical: spec.KeyUsageCritical, Value: value,
		})
	}

	if len(spec.ExtendedKeyUsage) > 0 {
		oids := make([]asn1.ObjectIdentifier, 0, len(spec.ExtendedKeyUsage))
		for _, usage := range spec.ExtendedKeyUsage {
			oid, err := extendedKeyUsageOID(usage)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", reconcile.ErrInvalidSpec, err)
			}
			oids = append(oids, oid)
		}
		value, err := asn1.Marshal(oids)
		if err != nil {
			return nil, fmt.Errorf("marshaling extended key usage: %w", err)
		}
		extensions = append(extensions, pkix.Extension{
			Id: oidExtendedKeyUsage, Critical: spec.ExtendedKeyUsageCritical, Value: value,
		})
	}

	if spec.BasicConstraints != nil {
		constraints := basicConstraintsValue{IsCA: spec.BasicConstraints.CA, MaxPathLen: -1}
		if spec.BasicConstraints.PathLength != nil {
			constraints.MaxPathLen = *spec.BasicConstraints.PathLength
		}
		value, err := asn1.Marshal(constraints)
		if err != nil {
			return nil, fmt.Errorf("marshaling basic constraints: %w", err)
		}
		extensions = append(extensions, pkix.Extension{
			Id: oidBasicConstraints, Critical: spec.BasicConstraints.Critical, Value: value,
		})
	}

	if spec.NameConstraints != nil && (len(spec.NameConstraints.Permitted) > 0 || len(spec.NameConstraints.Excluded) > 0) {
		value, err := marshalNameConstraints(spec.NameConstraints)
		if err != nil {
			return nil, err
		}
		extensions = append(extensions, pkix.Extension{
			Id: oidNameConstraints, Critical: spec.NameConstraints.Critical, Value: value,
		})
	}

	if spec.OCSPMustStaple {
		value, err := asn1.Marshal([]int{tlsFeatureStatusRequest})
		if err != nil {
			return nil, fmt.Errorf("marshaling TLS feature: %w", err)
		}
		extensions = append(extensions, pkix.Extension{
			Id: oidTLSFeature, Critical: spec.OCSPMustStapleCritical, Value: value,
		})
	}

	if len(spec.CRLDistributionPoints) > 0 {
		points := make([]distributionPoint, 0, len(spec.CRLDistributionPoints))
		for _, uri := range spec.CRLDistributionPoints {
			points = append(points, distributionPoint{
				DistributionPoint: distributionPointName{
					FullName: []asn1.RawValue{{
						Class: asn1.ClassContextSpecific,
						Tag:   generalNameURI,
						Bytes: []byte(uri),
					}},
				},
			})
		}
		value, err := asn1.Marshal(points)
		if err != nil {
			return nil, fmt.Errorf("marshaling CRL distribution points: %w", err)
		}
		extensions = append(extensions, pkix.Extension{
			Id: oidCRLDistributionPoints, Critical: false, Value: value,
		})
	}

	return extensions, nil
}

// marshalKeyUsage encodes a key usage bit set as the RFC 5280 BIT
// STRING: bit 0 is the most significant bit of the first byte, and
// trailing zero bits are trimmed.
func marshalKeyUsage(usage x509.KeyUsage) ([]byte, error) {
	var raw [2]byte
	raw[0] = reverseBits(byte(usage))
	raw[1] = reverseBits(byte(usage >> 8))

	length := 1
	if raw[1] != 0 {
		length = 2
	}
	bits := raw[:length]
	return asn1.Marshal(asn1.BitString{Bytes: bits, BitLength: significantBits(bits)})
}

// parseKeyUsage is the inverse of marshalKeyUsage, used for outcome
// summaries.
func parseKeyUsage(der []byte) (x509.KeyUsage, error) {
	var bits asn1.BitString
	if _, err := asn1.Unmarshal(der, &bits); err != nil {
		return 0, fmt.Errorf("parsing key usage: %w", err)
	}
	var usage x509.KeyUsage
	for bit := 0; bit < 9; bit++ {
		if bits.At(bit) != 0 {
			usage |= 1 << uint(bit)
		}
	}
	return usage, nil
}

func reverseBits(value byte) byte {
	var reversed byte
	for bit := 0; bit < 8; bit++ {
		reversed <<= 1
		reversed |= value & 1
		value >>= 1
	}
	return reversed
}

// significantBits returns the bit length of a BIT STRING with
// trailing zero bits removed, per DER.
func significantBits(bits []byte) int {
	length := len(bits) * 8
	for length > 0 {
		byteIndex := (length - 1) / 8
		bitIndex := 7 - uint((length-1)%8)
		if bits[byteIndex]&(1<<bitIndex) != 0 {
			break
		}
		length--
	}
	return length
}

// marshalNameConstraints encodes permitted and excluded subtrees.
func marshalNameConstraints(constraints *NameConstraints) ([]byte, error) {
	value := nameConstraintsValue{}
	for _, entry := range constraints.Permitted {
		name, err := parseGeneralName(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: name constraint %q: %v", reconcile.ErrInvalidSpec, entry, err)
		}
		value.Permitted = append(value.Permitted, generalSubtree{Base: name})
	}
	for _, entry := range constraints.Excluded {
		name, err := parseGeneralName(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: name constraint %q: %v", reconcile.ErrInvalidSpec, entry, err)
		}
		value.Excluded = append(value.Excluded, generalSubtree{Base: name})
	}
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling name constraints: %w", err)
	}
	return encoded, nil
}

// parseNameConstraintsValue decodes a name constraints extension back
// into prefix-form strings for summaries.
func parseNameConstraintsValue(der []byte) (permitted, excluded []string, err error) {
	var value nameConstraintsValue
	if _, err := asn1.Unmarshal(der, &value); err != nil {
		return nil, nil, fmt.Errorf("parsing name constraints: %w", err)
	}
	for _, subtree := range value.Permitted {
		permitted = append(permitted, formatGeneralName(subtree.Base))
	}
	for _, subtree := range value.Excluded {
		excluded = append(excluded, formatGeneralName(subtree.Base))
	}
	return permitted, excluded, nil
}

// parseGeneralName converts the prefix form used in spec files
// ("DNS:.example.com", "email:.example.com", "URI:https://...",
// "IP:192.0.2.0/24") into a GeneralName RawValue. IP entries carry an
// address and netmask as required for name constraints; a bare
// address gets a host mask.
func parseGeneralName(entry string) (asn1.RawValue, error) {
	kind, rest, found := strings.Cut(entry, ":")
	if !found {
		return asn1.RawValue{}, fmt.Errorf("missing type prefix (DNS:, email:, URI:, IP:)")
	}
	switch kind {
	case "DNS":
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: generalNameDNS, Bytes: []byte(rest)}, nil
	case "email":
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: generalNameEmail, Bytes: []byte(rest)}, nil
	case "URI":
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: generalNameURI, Bytes: []byte(rest)}, nil
	case "IP":
		address, network, err := parseIPConstraint(rest)
		if err != nil {
			return asn1.RawValue{}, err
		}
		return asn1.RawValue{
			Class: asn1.ClassContextSpecific,
			Tag:   generalNameIP,
			Bytes: append(address, network...),
		}, nil
	default:
		return asn1.RawValue{}, fmt.Errorf("unsupported type prefix %q", kind)
	}
}

// parseIPConstraint returns the address and mask bytes for an IP name
// constraint entry.
func parseIPConstraint(value string) (address, mask []byte, err error) {
	if strings.Contains(value, "/") {
		ip, network, parseErr := net.ParseCIDR(value)
		if parseErr != nil {
			return nil, nil, fmt.Errorf("invalid CIDR %q", value)
		}
		return canonicalIP(ip), network.Mask, nil
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return nil, nil, fmt.Errorf("invalid IP address %q", value)
	}
	canonical := canonicalIP(ip)
	mask = net.CIDRMask(len(canonical)*8, len(canonical)*8)
	return canonical, mask, nil
}

// canonicalIP returns the 4-byte form for IPv4 addresses and the
// 16-byte form otherwise.
func canonicalIP(ip net.IP) net.IP {
	if four := ip.To4(); four != nil {
		return four
	}
	return ip.To16()
}

// formatGeneralName renders a GeneralName back into prefix form.
func formatGeneralName(name asn1.RawValue) string {
	switch name.Tag {
	case generalNameDNS:
		return "DNS:" + string(name.Bytes)
	case generalNameEmail:
		return "email:" + string(name.Bytes)
	case generalNameURI:
		return "URI:" + string(name.Bytes)
	case generalNameIP:
		half := len(name.Bytes) / 2
		if half == 4 || half == 16 {
			address := net.IP(name.Bytes[:half])
			ones, _ := net.IPMask(name.Bytes[half:]).Size()
			return fmt.Sprintf("IP:%s/%d", address, ones)
		}
		return fmt.Sprintf("IP:%x", name.Bytes)
	default:
		return fmt.Sprintf("tag%d:%x", name.Tag, name.Bytes)
	}
}

// parseBasicConstraintsValue decodes a basic constraints extension.
func parseBasicConstraintsValue(der []byte) (ca bool, pathLength *int, err error) {
	var value basicConstraintsValue
	if _, err := asn1.Unmarshal(der, &value); err != nil {
		return false, nil, fmt.Errorf("parsing basic constraints: %w", err)
	}
	if value.MaxPathLen >= 0 {
		pathLength = &value.MaxPathLen
	}
	return value.IsCA, pathLength, nil
}

// parseExtendedKeyUsageValue decodes an extended key usage extension.
func parseExtendedKeyUsageValue(der []byte) ([]asn1.ObjectIdentifier, error) {
	var oids []asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(der, &oids); err != nil {
		return nil, fmt.Errorf("parsing extended key usage: %w", err)
	}
	return oids, nil
}

// hasMustStaple reports whether a TLS feature extension includes
// status_request.
func hasMustStaple(der []byte) bool {
	var features []int
	if _, err := asn1.Unmarshal(der, &features); err != nil {
		return false
	}
	for _, feature := range features {
		if feature == tlsFeatureStatusRequest {
			return true
		}
	}
	return false
}

// parseCRLDistributionPoints decodes the full-name URIs of a CRL
// distribution points extension.
func parseCRLDistributionPoints(der []byte) ([]string, error) {
	var points []distributionPoint
	if _, err := asn1.Unmarshal(der, &points); err != nil {
		return nil, fmt.Errorf("parsing CRL distribution points: %w", err)
	}
	var uris []string
	for _, point := range points {
		for _, name := range point.DistributionPoint.FullName {
			if name.Tag == generalNameURI {
				uris = append(uris, string(name.Bytes))
			}
		}
	}
	return uris, nil
}
