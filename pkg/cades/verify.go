// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package cades

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

// Signer describes one verified SignerInfo.
type Signer struct {
	Certificate     *x509.Certificate
	DigestAlgorithm digest.Algorithm
	// SigningTime is zero when the attribute is absent.
	SigningTime time.Time
	// HasSigningCertificate reports an ESS signing-certificate(-v2) attribute.
	HasSigningCertificate bool
}

// Verification is the result of a successful VerifyCades.
type Verification struct {
	Content []byte
	Signers []Signer
}

// VerifyCades parses signed and checks every SignerInfo: content digest,
// signed attribute digest, signature value and the ESS certificate reference.
// It succeeds only when all signers verify.
func VerifyCades(signed []byte) (*Verification, error) {
	logger := applog.With("cades")
	var ci cmsContentInfo
	rest, err := asn1.Unmarshal(signed, &ci)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedCMS, "CMS invalido", err)
	}
	if len(rest) > 0 {
		return nil, sigerr.Newf(sigerr.ReasonMalformedCMS, "%d bytes sobrantes tras el CMS", len(rest))
	}
	if !ci.ContentType.Equal(oidContentTypeSigned) {
		return nil, sigerr.New(sigerr.ReasonMalformedCMS, "contenido CMS no es SignedData")
	}
	var sd cmsSignedDataIn
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedCMS, "SignedData invalido", err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, sigerr.New(sigerr.ReasonMalformedCMS, "SignedData sin firmantes")
	}
	content, err := encapsulatedContent(sd.ContentInfo)
	if err != nil {
		return nil, err
	}
	certs := parseCMSCertificates(sd.Certificates)

	out := &Verification{Content: content, Signers: make([]Signer, 0, len(sd.SignerInfos))}
	for i, si := range sd.SignerInfos {
		s, err := verifySignerInfo(si, sd.ContentInfo.ContentType, content, certs)
		if err != nil {
			logger.Warn().Err(err).Int("signer", i).Msg("verificacion CAdES fallida")
			return nil, err
		}
		out.Signers = append(out.Signers, s)
	}
	logger.Debug().Int("signers", len(out.Signers)).Int("content_len", len(content)).Msg("firma CAdES verificada")
	return out, nil
}

// ExtractOriginal verifies signed and returns the encapsulated content.
func ExtractOriginal(signed []byte) ([]byte, error) {
	v, err := VerifyCades(signed)
	if err != nil {
		return nil, err
	}
	return v.Content, nil
}

func encapsulatedContent(ci cmsContentInfo) ([]byte, error) {
	if len(ci.Content.FullBytes) == 0 {
		return nil, sigerr.New(sigerr.ReasonMalformedCMS, "firma sin contenido adjunto (detached no soportada)")
	}
	// ci.Content is the [0] wrapper; its body is the eContent OCTET STRING.
	var oct asn1.RawValue
	rest, err := asn1.Unmarshal(ci.Content.Bytes, &oct)
	if err != nil || len(rest) > 0 {
		return nil, sigerr.New(sigerr.ReasonMalformedCMS, "eContent mal codificado")
	}
	if oct.Class != asn1.ClassUniversal || oct.Tag != asn1.TagOctetString {
		return nil, sigerr.New(sigerr.ReasonMalformedCMS, "eContent no es OCTET STRING")
	}
	if !oct.IsCompound {
		return oct.Bytes, nil
	}
	// Constructed OCTET STRING: concatenate the primitive segments.
	var buf bytes.Buffer
	for rest := oct.Bytes; len(rest) > 0; {
		var seg asn1.RawValue
		next, err := asn1.Unmarshal(rest, &seg)
		if err != nil || seg.Tag != asn1.TagOctetString || seg.IsCompound {
			return nil, sigerr.New(sigerr.ReasonMalformedCMS, "segmento de eContent invalido")
		}
		buf.Write(seg.Bytes)
		rest = next
	}
	return buf.Bytes(), nil
}

func verifySignerInfo(si cmsSignerInfoIn, eContentType asn1.ObjectIdentifier, content []byte, certs []*x509.Certificate) (Signer, error) {
	alg, err := digest.FromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return Signer{}, err
	}
	cert := findCMSSignerCertificate(si.IssuerAndSerialNumber, certs)
	if cert == nil {
		return Signer{}, sigerr.New(sigerr.ReasonMalformedCMS, "certificado del firmante no incluido en el CMS")
	}
	res := Signer{Certificate: cert, DigestAlgorithm: alg}

	contentDigest, err := digest.Sum(content, alg)
	if err != nil {
		return Signer{}, err
	}

	signedDigest := contentDigest
	if len(si.AuthenticatedAttributes.FullBytes) > 0 {
		attrs, err := parseCMSAttributes(si.AuthenticatedAttributes.Bytes)
		if err != nil {
			return Signer{}, sigerr.Wrap(sigerr.ReasonMalformedCMS, "atributos firmados invalidos", err)
		}
		if err := checkContentType(attrs, eContentType); err != nil {
			return Signer{}, err
		}
		md, ok := findAttribute(attrs, oidAttrMessageDigest)
		if !ok {
			return Signer{}, sigerr.New(sigerr.ReasonMalformedCMS, "falta el atributo messageDigest")
		}
		var got []byte
		if _, err := asn1.Unmarshal(md.Value.Bytes, &got); err != nil {
			return Signer{}, sigerr.Wrap(sigerr.ReasonMalformedCMS, "messageDigest invalido", err)
		}
		if !bytes.Equal(got, contentDigest) {
			return Signer{}, sigerr.New(sigerr.ReasonDigestMismatch, "el resumen del contenido no coincide con messageDigest")
		}
		if st, ok := findAttribute(attrs, oidAttrSigningTime); ok {
			var t time.Time
			if _, err := asn1.Unmarshal(st.Value.Bytes, &t); err == nil {
				res.SigningTime = t
			}
		}
		present, err := checkSigningCertificate(attrs, cert)
		if err != nil {
			return Signer{}, err
		}
		res.HasSigningCertificate = present

		// The digest covers the SET OF encoding, not the [0] IMPLICIT tag.
		encoded := append([]byte(nil), si.AuthenticatedAttributes.FullBytes...)
		encoded[0] = 0x31
		signedDigest, err = digest.Sum(encoded, alg)
		if err != nil {
			return Signer{}, err
		}
	}

	if err := checkSignature(cert, si.DigestEncryptionAlgorithm.Algorithm, alg, signedDigest, si.EncryptedDigest); err != nil {
		return Signer{}, err
	}
	return res, nil
}

func checkContentType(attrs []cmsAttribute, eContentType asn1.ObjectIdentifier) error {
	ct, ok := findAttribute(attrs, oidAttrContentType)
	if !ok {
		return sigerr.New(sigerr.ReasonMalformedCMS, "falta el atributo contentType")
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(ct.Value.Bytes, &oid); err != nil {
		return sigerr.Wrap(sigerr.ReasonMalformedCMS, "contentType invalido", err)
	}
	if !oid.Equal(eContentType) {
		return sigerr.Newf(sigerr.ReasonSignatureInvalid, "contentType firmado %s no coincide con %s", oid, eContentType)
	}
	return nil
}

// checkSigningCertificate validates the ESS reference when present.
func checkSigningCertificate(attrs []cmsAttribute, cert *x509.Certificate) (bool, error) {
	if a, ok := findAttribute(attrs, oidAttrSigningCertificateV2); ok {
		var sc essSigningCertificateV2
		if _, err := asn1.Unmarshal(a.Value.Bytes, &sc); err != nil || len(sc.Certs) == 0 {
			return true, sigerr.New(sigerr.ReasonMalformedCMS, "signingCertificateV2 invalido")
		}
		alg := digest.SHA256
		if len(sc.Certs[0].HashAlgorithm.Algorithm) > 0 {
			var err error
			if alg, err = digest.FromOID(sc.Certs[0].HashAlgorithm.Algorithm); err != nil {
				return true, err
			}
		}
		return true, compareCertHash(cert, alg, sc.Certs[0].CertHash, sc.Certs[0].IssuerSerial)
	}
	if a, ok := findAttribute(attrs, oidAttrSigningCertificate); ok {
		var sc essSigningCertificate
		if _, err := asn1.Unmarshal(a.Value.Bytes, &sc); err != nil || len(sc.Certs) == 0 {
			return true, sigerr.New(sigerr.ReasonMalformedCMS, "signingCertificate invalido")
		}
		return true, compareCertHash(cert, digest.SHA1, sc.Certs[0].CertHash, sc.Certs[0].IssuerSerial)
	}
	return false, nil
}

func compareCertHash(cert *x509.Certificate, alg digest.Algorithm, want []byte, is essIssuerSerial) error {
	sum, err := digest.Sum(cert.Raw, alg)
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, want) {
		return sigerr.New(sigerr.ReasonDigestMismatch, "el certificado firmado no coincide con el certificado del firmante")
	}
	if is.SerialNumber != nil && is.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		return sigerr.New(sigerr.ReasonDigestMismatch, "numero de serie del certificado firmado no coincide")
	}
	if len(is.IssuerName.Name.FullBytes) > 0 || len(is.IssuerName.Name.Bytes) > 0 {
		if is.IssuerName.Name.Class != asn1.ClassContextSpecific || is.IssuerName.Name.Tag != 4 {
			return sigerr.New(sigerr.ReasonMalformedCMS, "IssuerSerial sin directoryName")
		}
		if !bytes.Equal(is.IssuerName.Name.Bytes, cert.RawIssuer) {
			return sigerr.New(sigerr.ReasonDigestMismatch, "emisor del certificado firmado no coincide")
		}
	}
	return nil
}

func checkSignature(cert *x509.Certificate, sigAlg asn1.ObjectIdentifier, alg digest.Algorithm, d, sig []byte) error {
	if err := checkSignatureAlgorithm(cert, sigAlg, alg); err != nil {
		return err
	}
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, alg.Hash(), d, sig); err != nil {
			return sigerr.Wrap(sigerr.ReasonSignatureInvalid, "firma RSA no valida", err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, d, sig) {
			return sigerr.New(sigerr.ReasonSignatureInvalid, "firma ECDSA no valida")
		}
	default:
		return sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "tipo de clave publica no soportado")
	}
	return nil
}

var (
	oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidECPublicKey   = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidRSAPSS        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
)

// checkSignatureAlgorithm accepts the bare key OIDs and the sha*With* OIDs
// whose hash matches the digest algorithm.
func checkSignatureAlgorithm(cert *x509.Certificate, sigAlg asn1.ObjectIdentifier, alg digest.Algorithm) error {
	if sigAlg.Equal(oidRSAPSS) {
		return sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "RSASSA-PSS no soportado")
	}
	_, isRSA := rsaKey(cert)
	if (isRSA && sigAlg.Equal(oidRSAEncryption)) || (!isRSA && sigAlg.Equal(oidECPublicKey)) {
		return nil
	}
	for _, candidate := range []digest.Algorithm{digest.SHA1, digest.SHA256, digest.SHA384, digest.SHA512} {
		oid, err := signatureOID(cert, candidate)
		if err != nil {
			continue
		}
		if oid.Equal(sigAlg) {
			if candidate != alg {
				return sigerr.Newf(sigerr.ReasonSignatureInvalid, "algoritmo de firma %s no corresponde al resumen %s", sigAlg, alg)
			}
			return nil
		}
	}
	return sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo de firma no soportado: %s", sigAlg)
}

func signatureOID(cert *x509.Certificate, alg digest.Algorithm) (asn1.ObjectIdentifier, error) {
	s, err := capability.SignatureAlgorithmOID(cert.PublicKey, alg)
	if err != nil {
		return nil, err
	}
	return parseOID(s)
}

func rsaKey(cert *x509.Certificate) (*rsa.PublicKey, bool) {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	return pub, ok
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	out := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, fmt.Sprintf("OID invalido %q", s), err)
		}
		out = append(out, n)
	}
	return out, nil
}
