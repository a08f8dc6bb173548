// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package certstore discovers signing certificates on PKCS#11 tokens and in
// local files, and picks one by id, fingerprint or subject name.
package certstore

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/protocol"
	"fattura-firma/pkg/sigerr"
)

// Certificate sources.
const (
	SourceSmartcard = "smartcard"
	SourceFile      = "file"
	SourceRemote    = "remote"
)

// Options controls which stores are queried.
type Options struct {
	// Modules optionally restricts PKCS#11 lookup to specific module paths.
	Modules []string
	// IncludePKCS11 controls whether PKCS#11 tokens are queried.
	IncludePKCS11 bool
	// Files are certificate files (PEM, DER, or PKCS#12 with Password).
	Files    []string
	Password string
}

// List returns the certificates of every configured source, deduplicated.
// Unreadable sources are logged and skipped.
func List(opts Options) ([]protocol.Certificate, error) {
	logger := applog.With("certstore")
	all := make([]protocol.Certificate, 0, 16)
	seen := make(map[string]struct{}, 32)

	if opts.IncludePKCS11 {
		certs, err := listPKCS11(capability.PKCS11Modules(opts.Modules))
		if err != nil {
			logger.Warn().Err(err).Msg("no se pudieron listar los certificados PKCS#11")
		}
		all = appendUniqueCertificates(all, seen, certs)
	}
	for _, path := range opts.Files {
		certs, err := LoadFile(path, opts.Password)
		if err != nil {
			logger.Warn().Err(err).Str("path", filepath.Base(path)).Msg("fichero de certificado ignorado")
			continue
		}
		all = appendUniqueCertificates(all, seen, certs)
	}
	logger.Debug().Int("count", len(all)).Msg("certificados disponibles")
	return all, nil
}

// LoadFile reads the certificates of a PEM, DER or PKCS#12 file.
func LoadFile(path, password string) ([]protocol.Certificate, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		local, err := capability.LoadPKCS12(path, password)
		if err != nil {
			return nil, err
		}
		leaf, err := capability.Certificate(local)
		if err != nil {
			return nil, err
		}
		return []protocol.Certificate{Describe(leaf, SourceFile)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonPathNotFound, "no se pudo leer "+filepath.Base(path), err)
	}
	var out []protocol.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, sigerr.Wrap(sigerr.ReasonInvalidCertificate, "certificado PEM no valido", err)
		}
		out = append(out, Describe(cert, SourceFile))
	}
	if len(out) > 0 {
		return out, nil
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidCertificate, "el fichero no contiene certificados", err)
	}
	return []protocol.Certificate{Describe(cert, SourceFile)}, nil
}

// Select picks the certificate matching selector: an exact id or
// fingerprint, otherwise a case-insensitive substring of the subject CN.
// With an empty selector the only certificate able to sign is chosen.
func Select(certs []protocol.Certificate, selector string) (protocol.Certificate, error) {
	sel := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(selector), ":", ""))
	var matches []protocol.Certificate
	if sel == "" {
		matches = certs
	} else {
		for _, c := range certs {
			if strings.EqualFold(c.ID, sel) || strings.EqualFold(c.Fingerprint, sel) {
				return c, nil
			}
		}
		needle := strings.ToLower(strings.TrimSpace(selector))
		for _, c := range certs {
			if strings.Contains(strings.ToLower(c.Subject["CN"]), needle) {
				matches = append(matches, c)
			}
		}
	}

	var signable []protocol.Certificate
	for _, c := range matches {
		if c.CanSign {
			signable = append(signable, c)
		}
	}
	switch {
	case len(signable) == 1:
		return signable[0], nil
	case len(signable) > 1:
		return protocol.Certificate{}, sigerr.Newf(sigerr.ReasonInvalidInput, "%d certificados coinciden con %q; indique id o huella", len(signable), selector)
	case len(matches) > 0:
		return protocol.Certificate{}, sigerr.Newf(sigerr.ReasonInvalidCertificate, "el certificado no permite firmar: %s", matches[0].SignIssue)
	default:
		return protocol.Certificate{}, sigerr.Newf(sigerr.ReasonInvalidCertificate, "ningun certificado coincide con %q", selector)
	}
}

func appendUniqueCertificates(dst []protocol.Certificate, seen map[string]struct{}, src []protocol.Certificate) []protocol.Certificate {
	for _, c := range src {
		key := certificateUniqueKey(c)
		if key == "" {
			// Conservative behavior: if no stable key can be built, keep cert.
			dst = append(dst, c)
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		dst = append(dst, c)
	}
	return dst
}

func certificateUniqueKey(c protocol.Certificate) string {
	if fp := strings.TrimSpace(strings.ToLower(c.Fingerprint)); fp != "" {
		return "fp:" + fp
	}
	if len(c.Content) > 0 {
		sum := sha256.Sum256(c.Content)
		return "der:" + hex.EncodeToString(sum[:])
	}
	if pem := strings.TrimSpace(c.PEM); pem != "" {
		sum := sha256.Sum256([]byte(pem))
		return "pem:" + hex.EncodeToString(sum[:])
	}
	return ""
}

// Describe converts an x509.Certificate to its wire form.
func Describe(cert *x509.Certificate, source string) protocol.Certificate {
	fingerprint := sha256.Sum256(cert.Raw)
	canSign, signIssue := evaluateSignCapability(cert, time.Now())

	subject := make(map[string]string)
	if cert.Subject.CommonName != "" {
		subject["CN"] = cert.Subject.CommonName
	}
	if len(cert.Subject.Organization) > 0 {
		subject["O"] = cert.Subject.Organization[0]
	}
	if len(cert.Subject.OrganizationalUnit) > 0 {
		subject["OU"] = cert.Subject.OrganizationalUnit[0]
	}
	if len(cert.Subject.Country) > 0 {
		subject["C"] = cert.Subject.Country[0]
	}
	if cert.Subject.SerialNumber != "" {
		subject["SERIALNUMBER"] = cert.Subject.SerialNumber
	}

	issuer := make(map[string]string)
	if cert.Issuer.CommonName != "" {
		issuer["CN"] = cert.Issuer.CommonName
	}
	if len(cert.Issuer.Organization) > 0 {
		issuer["O"] = cert.Issuer.Organization[0]
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})

	return protocol.Certificate{
		ID:           hex.EncodeToString(fingerprint[:16]), // First 16 bytes as ID
		Subject:      subject,
		Issuer:       issuer,
		SerialNumber: fmt.Sprintf("%X", cert.SerialNumber),
		ValidFrom:    cert.NotBefore.UTC().Format("2006-01-02T15:04:05Z"),
		ValidTo:      cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
		Source:       source,
		PEM:          string(certPEM),
		CanSign:      canSign,
		SignIssue:    signIssue,
		Content:      cert.Raw,
	}
}

func evaluateSignCapability(cert *x509.Certificate, now time.Time) (bool, string) {
	if now.Before(cert.NotBefore) {
		return false, "certificado aun no valido"
	}
	if now.After(cert.NotAfter) {
		return false, "certificado caducado"
	}
	if cert.IsCA {
		return false, "certificado de autoridad (CA)"
	}

	// If KeyUsage is present, require a signing-compatible usage.
	if cert.KeyUsage != 0 {
		digitalSignature := cert.KeyUsage&x509.KeyUsageDigitalSignature != 0
		contentCommitment := cert.KeyUsage&x509.KeyUsageContentCommitment != 0
		if !digitalSignature && !contentCommitment {
			return false, "uso de clave no permite firma"
		}
	}

	// If EKU is present, require at least one compatible purpose.
	if len(cert.ExtKeyUsage) > 0 {
		allowed := false
		for _, eku := range cert.ExtKeyUsage {
			switch eku {
			case x509.ExtKeyUsageAny,
				x509.ExtKeyUsageClientAuth,
				x509.ExtKeyUsageEmailProtection,
				x509.ExtKeyUsageCodeSigning:
				allowed = true
			}
		}
		if !allowed {
			return false, "EKU no permite firma"
		}
	}

	return true, ""
}
