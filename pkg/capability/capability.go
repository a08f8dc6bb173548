// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package capability holds the signing backends the engines borrow for one
// operation: a local key, a PKCS#11 smartcard or a remote HSM reached over the
// Cloud Signature Consortium API.
//
// Every backend signs a precomputed digest. RSA keys produce PKCS#1 v1.5
// signatures and ECDSA keys produce ASN.1 DER (r, s) values.
package capability

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"

	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

// Capability is a signing backend.
type Capability interface {
	// CertificateBytes is the DER signer certificate.
	CertificateBytes() []byte
	// Sign signs digest, which must already be the alg hash of the data.
	Sign(ctx context.Context, digest []byte, alg digest.Algorithm) ([]byte, error)
}

// Closer is implemented by backends that hold sessions open.
type Closer interface {
	Close() error
}

// Certificate parses the capability's certificate.
func Certificate(c Capability) (*x509.Certificate, error) {
	if c == nil {
		return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "capacidad de firma no configurada")
	}
	raw := c.CertificateBytes()
	if len(raw) == 0 {
		return nil, sigerr.New(sigerr.ReasonInvalidCertificate, "la capacidad no expone certificado")
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidCertificate, "certificado del firmante no valido", err)
	}
	return cert, nil
}

// Close releases c when it holds resources.
func Close(c Capability) error {
	if cl, ok := c.(Closer); ok {
		return cl.Close()
	}
	return nil
}

// checkDigest validates the digest length against alg before any backend is
// touched.
func checkDigest(d []byte, alg digest.Algorithm) error {
	if !alg.Valid() {
		return sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo no soportado: %q", alg)
	}
	if len(d) != alg.Size() {
		return sigerr.Newf(sigerr.ReasonInvalidInput, "longitud de resumen %d no coincide con %s (%d)", len(d), alg, alg.Size())
	}
	return nil
}

// ctxErr maps a done context to CapabilityUnavailable.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "operacion de firma cancelada", err)
	}
	return nil
}

// keyType names the public key family for logs and mechanism selection.
func keyType(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "rsa"
	case *ecdsa.PublicKey:
		return "ecdsa"
	default:
		return ""
	}
}

// SignatureAlgorithmOID returns the CMS signature algorithm for a key family
// and digest: sha*WithRSAEncryption or ecdsa-with-SHA*.
func SignatureAlgorithmOID(pub crypto.PublicKey, alg digest.Algorithm) (string, error) {
	switch keyType(pub) {
	case "rsa":
		switch alg {
		case digest.SHA1:
			return "1.2.840.113549.1.1.5", nil
		case digest.SHA256:
			return "1.2.840.113549.1.1.11", nil
		case digest.SHA384:
			return "1.2.840.113549.1.1.12", nil
		case digest.SHA512:
			return "1.2.840.113549.1.1.13", nil
		}
	case "ecdsa":
		switch alg {
		case digest.SHA1:
			return "1.2.840.10045.4.1", nil
		case digest.SHA256:
			return "1.2.840.10045.4.3.2", nil
		case digest.SHA384:
			return "1.2.840.10045.4.3.3", nil
		case digest.SHA512:
			return "1.2.840.10045.4.3.4", nil
		}
	default:
		return "", sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "tipo de clave publica no soportado")
	}
	return "", sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo no soportado: %q", alg)
}
