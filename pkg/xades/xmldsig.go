// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package xades builds and verifies enveloped XAdES-BES signatures.
//
// A signature carries three references in a fixed order: the KeyInfo element,
// the document root (enveloped-signature plus an XPath filter that drops every
// ds:Signature) and the XAdES SignedProperties. Documents may hold several
// independent signatures; each one is verified on its own.
package xades

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"strings"

	dsig "github.com/russellhaering/goxmldsig"

	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

const (
	nsDS       = "http://www.w3.org/2000/09/xmldsig#"
	nsXAdES    = "http://uri.etsi.org/01903/v1.3.2#"
	nsXAdES141 = "http://uri.etsi.org/01903/v1.4.1#"

	typeSignedProperties = "http://uri.etsi.org/01903#SignedProperties"

	algEnveloped = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	algXPath     = "http://www.w3.org/TR/1999/REC-xpath-19991116"

	algC14N10             = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	algC14N10WithComments = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments"
	algC14N11             = "http://www.w3.org/2006/12/xml-c14n11"
	algC14N11WithComments = "http://www.w3.org/2006/12/xml-c14n11#WithComments"
	algExcC14N            = "http://www.w3.org/2001/10/xml-exc-c14n#"
	algExcC14NWithComment = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"

	xpathNoSignatures = "not(ancestor-or-self::ds:Signature)"
)

var digestURIs = map[digest.Algorithm]string{
	digest.SHA1:   "http://www.w3.org/2000/09/xmldsig#sha1",
	digest.SHA256: "http://www.w3.org/2001/04/xmlenc#sha256",
	digest.SHA384: "http://www.w3.org/2001/04/xmldsig-more#sha384",
	digest.SHA512: "http://www.w3.org/2001/04/xmlenc#sha512",
}

var rsaSignatureURIs = map[digest.Algorithm]string{
	digest.SHA1:   "http://www.w3.org/2000/09/xmldsig#rsa-sha1",
	digest.SHA256: "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256",
	digest.SHA384: "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384",
	digest.SHA512: "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512",
}

var ecdsaSignatureURIs = map[digest.Algorithm]string{
	digest.SHA1:   "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha1",
	digest.SHA256: "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256",
	digest.SHA384: "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384",
	digest.SHA512: "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512",
}

func digestURI(alg digest.Algorithm) (string, error) {
	uri, ok := digestURIs[alg]
	if !ok {
		return "", sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo de resumen no soportado: %q", alg)
	}
	return uri, nil
}

func digestFromURI(uri string) (digest.Algorithm, error) {
	uri = strings.TrimSpace(uri)
	for alg, u := range digestURIs {
		if u == uri {
			return alg, nil
		}
	}
	return "", sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "DigestMethod no soportado: %s", uri)
}

func signatureURI(pub crypto.PublicKey, alg digest.Algorithm) (string, error) {
	var table map[digest.Algorithm]string
	switch pub.(type) {
	case *rsa.PublicKey:
		table = rsaSignatureURIs
	case *ecdsa.PublicKey:
		table = ecdsaSignatureURIs
	default:
		return "", sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "tipo de clave publica no soportado")
	}
	uri, ok := table[alg]
	if !ok {
		return "", sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo de firma no soportado: %q", alg)
	}
	return uri, nil
}

// signatureFromURI returns the hash of a SignatureMethod and whether it is ECDSA.
func signatureFromURI(uri string) (digest.Algorithm, bool, error) {
	uri = strings.TrimSpace(uri)
	for alg, u := range rsaSignatureURIs {
		if u == uri {
			return alg, false, nil
		}
	}
	for alg, u := range ecdsaSignatureURIs {
		if u == uri {
			return alg, true, nil
		}
	}
	return "", false, sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "SignatureMethod no soportado: %s", uri)
}

// canonicalizer maps a CanonicalizationMethod or transform URI. prefixList is
// the InclusiveNamespaces PrefixList of exclusive canonicalization.
func canonicalizer(uri, prefixList string) (dsig.Canonicalizer, bool) {
	switch strings.TrimSpace(uri) {
	case algC14N10:
		return dsig.MakeC14N10RecCanonicalizer(), true
	case algC14N10WithComments:
		return dsig.MakeC14N10WithCommentsCanonicalizer(), true
	case algC14N11:
		return dsig.MakeC14N11Canonicalizer(), true
	case algC14N11WithComments:
		return dsig.MakeC14N11WithCommentsCanonicalizer(), true
	case algExcC14N:
		return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(prefixList), true
	case algExcC14NWithComment:
		return dsig.MakeC14N10ExclusiveWithCommentsCanonicalizerWithPrefixList(prefixList), true
	}
	return nil, false
}
