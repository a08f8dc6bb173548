// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package xades

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

// Mode selects how much of each signature is checked.
type Mode int

const (
	// Full checks the SignedInfo signature, every reference digest and the
	// XAdES signing certificate digest.
	Full Mode = iota
	// SignedInfoOnly checks only the SignedInfo signature value.
	SignedInfoOnly
)

// VerifyOptions tunes VerifyXades. The zero value means Full.
type VerifyOptions struct {
	Mode Mode
}

// SignatureResult is the outcome for one ds:Signature, in document order.
type SignatureResult struct {
	Index       int
	ID          string
	Valid       bool
	Certificate *x509.Certificate
	// SigningTime is zero when the signature has no XAdES SigningTime.
	SigningTime time.Time
	Err         error
}

// VerifyXades verifies every ds:Signature in signedXML. All signatures are
// evaluated; the returned error is non-nil when any of them failed and wraps
// the first failure.
func VerifyXades(signedXML []byte, opts VerifyOptions) ([]SignatureResult, error) {
	logger := applog.With("xades")
	doc, err := parseDocument(signedXML)
	if err != nil {
		return nil, err
	}
	root := doc.Root()

	var sigs []*etree.Element
	walkElements(root, func(el *etree.Element) {
		if isSignatureElement(el) {
			sigs = append(sigs, el)
		}
	})
	if len(sigs) == 0 {
		return nil, sigerr.New(sigerr.ReasonNoSignatures, "el documento no contiene firmas XML")
	}

	var dupErr error
	if id := duplicateID(root); id != "" {
		dupErr = sigerr.Newf(sigerr.ReasonMalformedSignature, "el identificador %q aparece mas de una vez", id)
	}

	results := make([]SignatureResult, len(sigs))
	var firstErr error
	for i, sig := range sigs {
		var res SignatureResult
		if dupErr != nil {
			res = SignatureResult{ID: sig.SelectAttrValue("Id", ""), Err: dupErr}
		} else {
			res = verifySignature(root, sig, opts.Mode)
		}
		res.Index = i
		results[i] = res
		if res.Err != nil {
			logger.Warn().Err(res.Err).Int("signature", i).Str("signature_id", res.ID).Msg("firma XML no valida")
			if firstErr == nil {
				firstErr = sigerr.Wrap(sigerr.ReasonOf(res.Err), fmt.Sprintf("firma %d no valida", i), res.Err)
			}
		}
	}
	logger.Debug().Int("signatures", len(sigs)).Bool("valid", firstErr == nil).Msg("verificacion XAdES completada")
	return results, firstErr
}

func verifySignature(root, sig *etree.Element, mode Mode) SignatureResult {
	res := SignatureResult{ID: sig.SelectAttrValue("Id", "")}
	fail := func(err error) SignatureResult {
		res.Err = err
		return res
	}

	signedInfo := childNS(sig, nsDS, "SignedInfo")
	if signedInfo == nil {
		return fail(sigerr.New(sigerr.ReasonMalformedSignature, "falta SignedInfo"))
	}
	cert, err := signatureCertificate(sig)
	if err != nil {
		return fail(err)
	}
	res.Certificate = cert
	props, propsErr := signedProperties(root, sig, signedInfo)
	if propsErr == nil {
		res.SigningTime = signingTime(props)
	}
	if err := singleQualifyingProperties(sig); err != nil {
		return fail(err)
	}

	if mode == Full {
		if propsErr != nil {
			return fail(propsErr)
		}
		if err := checkReferenceLayout(root, sig, signedInfo); err != nil {
			return fail(err)
		}
		for _, ref := range childrenNS(signedInfo, nsDS, "Reference") {
			if err := checkReference(root, sig, ref); err != nil {
				return fail(err)
			}
		}
		if err := checkSigningCertificate(props, cert); err != nil {
			return fail(err)
		}
	}
	if err := checkSignedInfo(sig, signedInfo, cert); err != nil {
		return fail(err)
	}
	res.Valid = true
	return res
}

func signatureCertificate(sig *etree.Element) (*x509.Certificate, error) {
	el := findPath(sig, [2]string{nsDS, "KeyInfo"}, [2]string{nsDS, "X509Data"}, [2]string{nsDS, "X509Certificate"})
	if el == nil {
		return nil, sigerr.New(sigerr.ReasonMalformedSignature, "falta X509Certificate en KeyInfo")
	}
	raw, err := base64.StdEncoding.DecodeString(compactBase64(el.Text()))
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonMalformedSignature, "X509Certificate no es base64", err)
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidCertificate, "certificado de la firma no valido", err)
	}
	return cert, nil
}

// signedProperties returns the xades:SignedProperties covered by the
// SignedProperties reference of signedInfo. It must belong to a
// QualifyingProperties of sig itself.
func signedProperties(root, sig, signedInfo *etree.Element) (*etree.Element, error) {
	var ref *etree.Element
	for _, r := range childrenNS(signedInfo, nsDS, "Reference") {
		if r.SelectAttrValue("Type", "") != typeSignedProperties {
			continue
		}
		if ref != nil {
			return nil, sigerr.New(sigerr.ReasonMalformedSignature, "mas de una referencia a SignedProperties")
		}
		ref = r
	}
	if ref == nil {
		return nil, sigerr.New(sigerr.ReasonMalformedSignature, "falta la referencia a SignedProperties")
	}
	uri := ref.SelectAttrValue("URI", "")
	if len(uri) < 2 || uri[0] != '#' {
		return nil, sigerr.Newf(sigerr.ReasonMalformedSignature, "referencia a SignedProperties no valida: %q", uri)
	}
	props := findByID(root, uri[1:])
	if props == nil || props.Tag != "SignedProperties" || props.NamespaceURI() != nsXAdES {
		return nil, sigerr.Newf(sigerr.ReasonMalformedSignature, "la referencia %q no apunta a SignedProperties", uri)
	}
	qp := props.Parent()
	if qp == nil || qp.Tag != "QualifyingProperties" || qp.NamespaceURI() != nsXAdES {
		return nil, sigerr.New(sigerr.ReasonMalformedSignature, "SignedProperties fuera de QualifyingProperties")
	}
	if obj := qp.Parent(); !isDS(obj, "Object") || obj.Parent() != sig {
		return nil, sigerr.New(sigerr.ReasonMalformedSignature, "SignedProperties no pertenece a la firma")
	}
	id := sig.SelectAttrValue("Id", "")
	if target := qp.SelectAttrValue("Target", ""); target != "" && id != "" && target != "#"+id {
		return nil, sigerr.Newf(sigerr.ReasonMalformedSignature, "QualifyingProperties apunta a %q", target)
	}
	return props, nil
}

// singleQualifyingProperties rejects signatures carrying more than one
// xades:QualifyingProperties.
func singleQualifyingProperties(sig *etree.Element) error {
	n := 0
	for _, obj := range childrenNS(sig, nsDS, "Object") {
		n += len(childrenNS(obj, nsXAdES, "QualifyingProperties"))
	}
	if n > 1 {
		return sigerr.Newf(sigerr.ReasonMalformedSignature, "la firma contiene %d QualifyingProperties", n)
	}
	return nil
}

// checkReferenceLayout requires the KeyInfo, document root and
// SignedProperties references, in that order.
func checkReferenceLayout(root, sig, signedInfo *etree.Element) error {
	refs := childrenNS(signedInfo, nsDS, "Reference")
	if len(refs) != 3 {
		return sigerr.Newf(sigerr.ReasonMalformedSignature, "se esperaban 3 referencias y hay %d", len(refs))
	}

	keyInfo := childNS(sig, nsDS, "KeyInfo")
	keyURI := refs[0].SelectAttrValue("URI", "")
	if keyInfo == nil || len(keyURI) < 2 || keyURI[0] != '#' || findByID(root, keyURI[1:]) != keyInfo {
		return sigerr.Newf(sigerr.ReasonMalformedSignature, "la primera referencia (%q) no apunta al KeyInfo de la firma", keyURI)
	}

	if a := refs[1].SelectAttr("URI"); a == nil || a.Value != "" {
		return sigerr.New(sigerr.ReasonMalformedSignature, "la segunda referencia no cubre el documento completo")
	}
	enveloped := false
	for _, tr := range childrenNS(childNS(refs[1], nsDS, "Transforms"), nsDS, "Transform") {
		if strings.TrimSpace(tr.SelectAttrValue("Algorithm", "")) == algEnveloped {
			enveloped = true
		}
	}
	if !enveloped {
		return sigerr.New(sigerr.ReasonMalformedSignature, "la referencia al documento no usa la transformacion enveloped")
	}

	if refs[2].SelectAttrValue("Type", "") != typeSignedProperties {
		return sigerr.New(sigerr.ReasonMalformedSignature, "la tercera referencia no es SignedProperties")
	}
	return nil
}

func signingTime(props *etree.Element) time.Time {
	el := findPath(props, [2]string{nsXAdES, "SignedSignatureProperties"}, [2]string{nsXAdES, "SigningTime"})
	if el == nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(el.Text()))
	if err != nil {
		return time.Time{}
	}
	return t
}

func checkReference(root, sig, ref *etree.Element) error {
	uri := ref.SelectAttrValue("URI", "")
	alg, err := digestFromURI(attrValue(childNS(ref, nsDS, "DigestMethod"), "Algorithm"))
	if err != nil {
		return err
	}
	want, err := base64.StdEncoding.DecodeString(compactBase64(textOf(childNS(ref, nsDS, "DigestValue"))))
	if err != nil {
		return sigerr.Wrap(sigerr.ReasonMalformedSignature, "DigestValue no es base64", err)
	}

	var target *etree.Element
	switch {
	case uri == "":
		target = root
	case strings.HasPrefix(uri, "#"):
		target = findByID(root, uri[1:])
	default:
		return sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "referencia externa no soportada: %s", uri)
	}
	if target == nil {
		return sigerr.Newf(sigerr.ReasonMalformedSignature, "referencia %q no encontrada", uri)
	}

	transformed, c, err := applyTransforms(target, sig, ref)
	if err != nil {
		return err
	}
	canonical, err := canonicalizeAt(target, transformed, c)
	if err != nil {
		return err
	}
	got, err := digest.Sum(canonical, alg)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return sigerr.Newf(sigerr.ReasonDigestMismatch, "el resumen de la referencia %q no coincide", uri)
	}
	return nil
}

// applyTransforms returns a transformed copy of target and the canonicalizer
// that turns it into octets.
func applyTransforms(target, sig, ref *etree.Element) (*etree.Element, dsig.Canonicalizer, error) {
	sigPath := elementPath(target, sig)
	out := target.Copy()
	var c dsig.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()

	for _, tr := range childrenNS(childNS(ref, nsDS, "Transforms"), nsDS, "Transform") {
		algo := strings.TrimSpace(tr.SelectAttrValue("Algorithm", ""))
		switch algo {
		case algEnveloped:
			if sigPath == nil {
				return nil, nil, sigerr.New(sigerr.ReasonMalformedSignature, "transformacion enveloped sobre un elemento que no contiene la firma")
			}
			if el := elementAt(out, sigPath); isSignatureElement(el) {
				el.Parent().RemoveChild(el)
			}
		case algXPath:
			expr := textOf(childNS(tr, nsDS, "XPath"))
			if !isNoSignaturesXPath(expr) {
				return nil, nil, sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "expresion XPath no soportada: %s", strings.TrimSpace(expr))
			}
			removeSignatures(out)
		default:
			next, ok := canonicalizer(algo, inclusivePrefixes(tr))
			if !ok {
				return nil, nil, sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "transformacion no soportada: %s", algo)
			}
			c = next
		}
	}
	return out, c, nil
}

// isNoSignaturesXPath accepts not(ancestor-or-self::<prefix>:Signature) with
// any prefix and whitespace.
func isNoSignaturesXPath(expr string) bool {
	compact := strings.Join(strings.Fields(expr), "")
	if !strings.HasPrefix(compact, "not(ancestor-or-self::") || !strings.HasSuffix(compact, ":Signature)") {
		return false
	}
	prefix := strings.TrimSuffix(strings.TrimPrefix(compact, "not(ancestor-or-self::"), ":Signature)")
	return prefix != "" && !strings.ContainsAny(prefix, ":()")
}

func checkSigningCertificate(props *etree.Element, cert *x509.Certificate) error {
	certEl := findPath(props,
		[2]string{nsXAdES, "SignedSignatureProperties"},
		[2]string{nsXAdES, "SigningCertificate"},
		[2]string{nsXAdES, "Cert"},
	)
	certDigest := childNS(certEl, nsXAdES, "CertDigest")
	if certDigest == nil {
		return nil
	}
	alg, err := digestFromURI(attrValue(childNS(certDigest, nsDS, "DigestMethod"), "Algorithm"))
	if err != nil {
		return err
	}
	want, err := base64.StdEncoding.DecodeString(compactBase64(textOf(childNS(certDigest, nsDS, "DigestValue"))))
	if err != nil {
		return sigerr.Wrap(sigerr.ReasonMalformedSignature, "CertDigest no es base64", err)
	}
	got, err := digest.Sum(cert.Raw, alg)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return sigerr.New(sigerr.ReasonDigestMismatch, "SigningCertificate no corresponde al certificado de KeyInfo")
	}
	if is := childNS(certEl, nsXAdES, "IssuerSerial"); is != nil {
		return checkIssuerSerial(is, cert)
	}
	return nil
}

func checkSignedInfo(sig, signedInfo *etree.Element, cert *x509.Certificate) error {
	cm := childNS(signedInfo, nsDS, "CanonicalizationMethod")
	if cm == nil {
		return sigerr.New(sigerr.ReasonMalformedSignature, "falta CanonicalizationMethod")
	}
	c, ok := canonicalizer(cm.SelectAttrValue("Algorithm", ""), inclusivePrefixes(cm))
	if !ok {
		return sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "CanonicalizationMethod no soportado: %s", cm.SelectAttrValue("Algorithm", ""))
	}
	sm := childNS(signedInfo, nsDS, "SignatureMethod")
	if sm == nil {
		return sigerr.New(sigerr.ReasonMalformedSignature, "falta SignatureMethod")
	}
	alg, isECDSA, err := signatureFromURI(sm.SelectAttrValue("Algorithm", ""))
	if err != nil {
		return err
	}
	sv := childNS(sig, nsDS, "SignatureValue")
	if sv == nil {
		return sigerr.New(sigerr.ReasonMalformedSignature, "falta SignatureValue")
	}
	value, err := base64.StdEncoding.DecodeString(compactBase64(sv.Text()))
	if err != nil {
		return sigerr.Wrap(sigerr.ReasonMalformedSignature, "SignatureValue no es base64", err)
	}

	canonical, err := canonicalize(signedInfo, c)
	if err != nil {
		return err
	}
	sum, err := digest.Sum(canonical, alg)
	if err != nil {
		return err
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if isECDSA {
			return sigerr.New(sigerr.ReasonSignatureInvalid, "SignatureMethod ECDSA con clave RSA")
		}
		if err := rsa.VerifyPKCS1v15(pub, alg.Hash(), sum, value); err != nil {
			return sigerr.Wrap(sigerr.ReasonSignatureInvalid, "firma RSA no valida", err)
		}
	case *ecdsa.PublicKey:
		if !isECDSA {
			return sigerr.New(sigerr.ReasonSignatureInvalid, "SignatureMethod RSA con clave ECDSA")
		}
		if len(value) == 0 || len(value)%2 != 0 {
			return sigerr.New(sigerr.ReasonSignatureInvalid, "longitud de firma ECDSA no valida")
		}
		half := len(value) / 2
		r := new(big.Int).SetBytes(value[:half])
		s := new(big.Int).SetBytes(value[half:])
		if !ecdsa.Verify(pub, sum, r, s) {
			return sigerr.New(sigerr.ReasonSignatureInvalid, "firma ECDSA no valida")
		}
	default:
		return sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "tipo de clave publica no soportado")
	}
	return nil
}
