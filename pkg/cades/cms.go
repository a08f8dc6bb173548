// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package cades

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sort"
)

var (
	oidContentTypeData   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidContentTypeSigned = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidAttrContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidAttrMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidAttrSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	// ESS signing-certificate (RFC 2634) and signing-certificate-v2 (RFC 5035).
	oidAttrSigningCertificate   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
	oidAttrSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
)

type cmsContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type cmsSignedData struct {
	Version                    int                        `asn1:"default:1"`
	DigestAlgorithmIdentifiers []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo                cmsContentInfo
	Certificates               cmsRawCertificates     `asn1:"optional,tag:0"`
	CRLs                       []pkix.CertificateList `asn1:"optional,tag:1"`
	SignerInfos                []cmsSignerInfo        `asn1:"set"`
}

type cmsSignerInfo struct {
	Version                   int `asn1:"default:1"`
	IssuerAndSerialNumber     cmsIssuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   []cmsAttribute `asn1:"optional,omitempty,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes []cmsAttribute `asn1:"optional,omitempty,tag:1"`
}

// Parsing counterparts. Signed attributes are kept as received because their
// digest must be computed over the exact encoding the signer produced.
type cmsSignedDataIn struct {
	Version                    int                        `asn1:"default:1"`
	DigestAlgorithmIdentifiers []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo                cmsContentInfo
	Certificates               cmsRawCertificates `asn1:"optional,tag:0"`
	CRLs                       asn1.RawValue      `asn1:"optional,tag:1"`
	SignerInfos                []cmsSignerInfoIn  `asn1:"set"`
}

type cmsSignerInfoIn struct {
	Version                   int
	IssuerAndSerialNumber     cmsIssuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   asn1.RawValue `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes asn1.RawValue `asn1:"optional,tag:1"`
}

type cmsIssuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

type cmsAttribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

type cmsRawCertificates struct {
	Raw asn1.RawContent
}

// ESS structures (RFC 5035). The issuer is a GeneralNames holding a single
// directoryName.
type essIssuerSerial struct {
	IssuerName   essGeneralNames
	SerialNumber *big.Int
}

type essGeneralNames struct {
	Name asn1.RawValue `asn1:"optional,tag:4"`
}

type essCertIDv2 struct {
	HashAlgorithm pkix.AlgorithmIdentifier `asn1:"optional"` // default sha256
	CertHash      []byte
	IssuerSerial  essIssuerSerial `asn1:"optional"`
}

type essSigningCertificateV2 struct {
	Certs []essCertIDv2
}

type essCertID struct {
	CertHash     []byte
	IssuerSerial essIssuerSerial `asn1:"optional"`
}

type essSigningCertificate struct {
	Certs []essCertID
}

func newIssuerSerial(cert *x509.Certificate) essIssuerSerial {
	return essIssuerSerial{
		IssuerName:   essGeneralNames{Name: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: cert.RawIssuer}},
		SerialNumber: cert.SerialNumber,
	}
}

func rawCertificates(certs ...*x509.Certificate) (cmsRawCertificates, error) {
	var buf bytes.Buffer
	for _, c := range certs {
		if c != nil {
			buf.Write(c.Raw)
		}
	}
	full, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: buf.Bytes()})
	if err != nil {
		return cmsRawCertificates{}, err
	}
	return cmsRawCertificates{Raw: full}, nil
}

func parseCMSCertificates(raw cmsRawCertificates) []*x509.Certificate {
	if len(raw.Raw) == 0 {
		return nil
	}
	var val asn1.RawValue
	if _, err := asn1.Unmarshal(raw.Raw, &val); err != nil {
		return nil
	}
	certs, err := x509.ParseCertificates(val.Bytes)
	if err != nil {
		return nil
	}
	return certs
}

func findCMSSignerCertificate(sid cmsIssuerAndSerial, certs []*x509.Certificate) *x509.Certificate {
	for _, c := range certs {
		if c == nil || c.SerialNumber == nil || sid.SerialNumber == nil {
			continue
		}
		if c.SerialNumber.Cmp(sid.SerialNumber) != 0 {
			continue
		}
		if bytes.Equal(c.RawIssuer, sid.IssuerName.FullBytes) {
			return c
		}
	}
	return nil
}

func marshalCMSAttribute(attrType asn1.ObjectIdentifier, value interface{}) (cmsAttribute, error) {
	enc, err := asn1.Marshal(value)
	if err != nil {
		return cmsAttribute{}, err
	}
	return cmsAttribute{
		Type:  attrType,
		Value: asn1.RawValue{Tag: asn1.TagSet, IsCompound: true, Bytes: enc},
	}, nil
}

// marshalCMSAttributesSet is the DER SET OF encoding that gets signed.
func marshalCMSAttributesSet(attrs []cmsAttribute) ([]byte, error) {
	enc, err := asn1.Marshal(struct {
		A []cmsAttribute `asn1:"set"`
	}{A: attrs})
	if err != nil {
		return nil, err
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(enc, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

// sortCMSAttributes applies the DER SET OF ordering by encoded value.
func sortCMSAttributes(attrs []cmsAttribute) {
	sort.SliceStable(attrs, func(i, j int) bool {
		ai, errI := asn1.Marshal(attrs[i])
		aj, errJ := asn1.Marshal(attrs[j])
		if errI != nil || errJ != nil {
			return i < j
		}
		return bytes.Compare(ai, aj) < 0
	})
}

// parseCMSAttributes splits the body of a SET OF Attribute.
func parseCMSAttributes(body []byte) ([]cmsAttribute, error) {
	var out []cmsAttribute
	for rest := body; len(rest) > 0; {
		var a cmsAttribute
		next, err := asn1.Unmarshal(rest, &a)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		rest = next
	}
	return out, nil
}

func findAttribute(attrs []cmsAttribute, oid asn1.ObjectIdentifier) (cmsAttribute, bool) {
	for _, a := range attrs {
		if a.Type.Equal(oid) {
			return a, true
		}
	}
	return cmsAttribute{}, false
}
