// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package cades builds and verifies CAdES-BES attached signatures: CMS
// SignedData carrying the original content plus the contentType, signingTime,
// messageDigest and signingCertificateV2 signed attributes.
package cades

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"time"

	"github.com/jonboulle/clockwork"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

// SignedMessage is the result of a signing operation. DER is the serialized
// ContentInfo and must be treated as immutable.
type SignedMessage struct {
	Content            []byte
	DigestAlgorithm    digest.Algorithm
	SignedAttributes   []byte // DER SET OF Attribute, as signed
	SignatureAlgorithm asn1.ObjectIdentifier
	Signature          []byte
	Certificate        *x509.Certificate
	SigningTime        time.Time
	DER                []byte
}

// Engine signs with an injectable clock.
type Engine struct {
	clock clockwork.Clock
}

// NewEngine returns an engine reading signingTime from clock. A nil clock
// means wall time.
func NewEngine(clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{clock: clock}
}

var defaultEngine = NewEngine(nil)

// SignCades signs content with the wall clock.
func SignCades(ctx context.Context, content []byte, cap capability.Capability, alg digest.Algorithm) (*SignedMessage, error) {
	return defaultEngine.Sign(ctx, content, cap, alg)
}

// chainProvider is implemented by capabilities that carry intermediates.
type chainProvider interface {
	Chain() []*x509.Certificate
}

// Sign builds an attached CAdES-BES SignedData over content.
func (e *Engine) Sign(ctx context.Context, content []byte, cap capability.Capability, alg digest.Algorithm) (*SignedMessage, error) {
	logger := applog.With("cades")
	if !alg.Valid() {
		return nil, sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo no soportado: %q", alg)
	}
	cert, err := capability.Certificate(cap)
	if err != nil {
		return nil, err
	}
	sigOID, err := signatureOID(cert, alg)
	if err != nil {
		return nil, err
	}

	contentDigest, err := digest.Sum(content, alg)
	if err != nil {
		return nil, err
	}
	signingTime := e.clock.Now().UTC().Truncate(time.Second)

	attrs, err := buildSignedAttributes(contentDigest, signingTime, cert, alg)
	if err != nil {
		return nil, err
	}
	toSign, err := marshalCMSAttributesSet(attrs)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudieron codificar los atributos firmados", err)
	}
	attrsDigest, err := digest.Sum(toSign, alg)
	if err != nil {
		return nil, err
	}

	signature, err := cap.Sign(ctx, attrsDigest, alg)
	if err != nil {
		logger.Error().Err(err).Str("alg", string(alg)).Msg("la capacidad de firma rechazo la operacion")
		return nil, err
	}
	if len(signature) == 0 {
		return nil, sigerr.New(sigerr.ReasonSigningFailed, "la capacidad devolvio una firma vacia")
	}

	certs := []*x509.Certificate{cert}
	if cp, ok := cap.(chainProvider); ok {
		certs = append(certs, cp.Chain()...)
	}
	rawCerts, err := rawCertificates(certs...)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudieron codificar los certificados", err)
	}

	eContent, err := asn1.Marshal(content)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudo codificar el contenido", err)
	}
	digestAlgID := pkix.AlgorithmIdentifier{Algorithm: alg.OID(), Parameters: asn1.NullRawValue}
	sigAlgID := pkix.AlgorithmIdentifier{Algorithm: sigOID}
	if _, isRSA := rsaKey(cert); isRSA {
		sigAlgID.Parameters = asn1.NullRawValue
	}

	sd := cmsSignedData{
		Version:                    1,
		DigestAlgorithmIdentifiers: []pkix.AlgorithmIdentifier{digestAlgID},
		ContentInfo: cmsContentInfo{
			ContentType: oidContentTypeData,
			Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: eContent},
		},
		Certificates: rawCerts,
		SignerInfos: []cmsSignerInfo{{
			Version: 1,
			IssuerAndSerialNumber: cmsIssuerAndSerial{
				IssuerName:   asn1.RawValue{FullBytes: cert.RawIssuer},
				SerialNumber: cert.SerialNumber,
			},
			DigestAlgorithm:           digestAlgID,
			AuthenticatedAttributes:   attrs,
			DigestEncryptionAlgorithm: sigAlgID,
			EncryptedDigest:           signature,
		}},
	}
	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudo codificar SignedData", err)
	}
	der, err := asn1.Marshal(cmsContentInfo{
		ContentType: oidContentTypeSigned,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudo codificar ContentInfo", err)
	}

	logger.Info().
		Str("alg", string(alg)).
		Int("content_len", len(content)).
		Str("signer", applog.MaskID(cert.Subject.CommonName)).
		Msg("firma CAdES generada")

	return &SignedMessage{
		Content:            append([]byte(nil), content...),
		DigestAlgorithm:    alg,
		SignedAttributes:   toSign,
		SignatureAlgorithm: sigOID,
		Signature:          signature,
		Certificate:        cert,
		SigningTime:        signingTime,
		DER:                der,
	}, nil
}

// buildSignedAttributes returns the four CAdES-BES attributes in DER order.
func buildSignedAttributes(contentDigest []byte, signingTime time.Time, cert *x509.Certificate, alg digest.Algorithm) ([]cmsAttribute, error) {
	certHash, err := digest.Sum(cert.Raw, alg)
	if err != nil {
		return nil, err
	}
	certID := essCertIDv2{
		CertHash:     certHash,
		IssuerSerial: newIssuerSerial(cert),
	}
	if alg != digest.SHA256 {
		certID.HashAlgorithm = pkix.AlgorithmIdentifier{Algorithm: alg.OID()}
	}

	values := []struct {
		oid   asn1.ObjectIdentifier
		value interface{}
	}{
		{oidAttrContentType, oidContentTypeData},
		{oidAttrSigningTime, signingTime},
		{oidAttrMessageDigest, contentDigest},
		{oidAttrSigningCertificateV2, essSigningCertificateV2{Certs: []essCertIDv2{certID}}},
	}
	attrs := make([]cmsAttribute, 0, len(values))
	for _, v := range values {
		a, err := marshalCMSAttribute(v.oid, v.value)
		if err != nil {
			return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudo codificar el atributo "+v.oid.String(), err)
		}
		attrs = append(attrs, a)
	}
	sortCMSAttributes(attrs)
	return attrs, nil
}
