// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package capability

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

// Local signs with an in-memory private key.
type Local struct {
	cert  *x509.Certificate
	key   crypto.Signer
	chain []*x509.Certificate
}

// NewLocal pairs cert with key. The key must match the certificate.
func NewLocal(cert *x509.Certificate, key crypto.Signer, chain ...*x509.Certificate) (*Local, error) {
	if cert == nil || key == nil {
		return nil, sigerr.New(sigerr.ReasonInvalidCertificate, "certificado o clave privada ausentes")
	}
	if keyType(cert.PublicKey) == "" {
		return nil, sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "tipo de clave publica no soportado")
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, sigerr.New(sigerr.ReasonInvalidCertificate, "la clave privada no corresponde al certificado")
	}
	return &Local{cert: cert, key: key, chain: chain}, nil
}

// LoadPKCS12 reads a .p12/.pfx container.
func LoadPKCS12(path, password string) (*Local, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "no se pudo leer el almacen PKCS#12", err)
	}
	return ParsePKCS12(data, password)
}

// ParsePKCS12 decodes a PKCS#12 blob.
func ParsePKCS12(data []byte, password string) (*Local, error) {
	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "no se pudo abrir el almacen PKCS#12", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "la clave del PKCS#12 no permite firmar")
	}
	return NewLocal(cert, signer, chain...)
}

// LoadPEM reads a certificate and a private key from PEM files. keyPath may be
// empty when both live in certPath.
func LoadPEM(certPath, keyPath string) (*Local, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "no se pudo leer el certificado", err)
	}
	keyData := certData
	if strings.TrimSpace(keyPath) != "" {
		keyData, err = os.ReadFile(keyPath)
		if err != nil {
			return nil, sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "no se pudo leer la clave privada", err)
		}
	}
	return ParsePEM(certData, keyData)
}

// ParsePEM decodes the first certificate of certPEM (further certificates are
// kept as chain) and the first private key of keyPEM.
func ParsePEM(certPEM, keyPEM []byte) (*Local, error) {
	var certs []*x509.Certificate
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, sigerr.Wrap(sigerr.ReasonInvalidCertificate, "certificado PEM no valido", err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, sigerr.New(sigerr.ReasonInvalidCertificate, "no se encontro certificado en el PEM")
	}
	key, err := parsePEMKey(keyPEM)
	if err != nil {
		return nil, err
	}
	return NewLocal(certs[0], key, certs[1:]...)
}

func parsePEMKey(data []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "no se encontro clave privada en el PEM")
		}
		var (
			key interface{}
			err error
		)
		switch block.Type {
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "clave privada PEM no valida", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "la clave PEM no permite firmar")
		}
		return signer, nil
	}
}

func (l *Local) CertificateBytes() []byte {
	return l.cert.Raw
}

// Chain returns the intermediate certificates loaded with the key.
func (l *Local) Chain() []*x509.Certificate {
	return l.chain
}

func (l *Local) Sign(ctx context.Context, d []byte, alg digest.Algorithm) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if err := checkDigest(d, alg); err != nil {
		return nil, err
	}
	logger := applog.With("capability.local")
	sig, err := l.key.Sign(rand.Reader, d, alg.Hash())
	if err != nil {
		logger.Error().Err(err).Str("alg", string(alg)).Msg("firma local fallida")
		return nil, sigerr.Wrap(sigerr.ReasonSigningFailed, "firma con clave local fallida", err)
	}
	logger.Debug().
		Str("alg", string(alg)).
		Str("key", keyType(l.cert.PublicKey)).
		Str("subject", applog.MaskID(l.cert.Subject.CommonName)).
		Msg("firma local completada")
	return sig, nil
}
