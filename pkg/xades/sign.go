// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package xades

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	dsig "github.com/russellhaering/goxmldsig"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

// Engine signs with an injectable clock and id source.
type Engine struct {
	clock clockwork.Clock
	newID func() string
}

// NewEngine returns an engine reading SigningTime from clock. A nil clock
// means wall time.
func NewEngine(clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{clock: clock, newID: func() string { return "xmldsig-" + uuid.NewString() }}
}

var defaultEngine = NewEngine(nil)

// SignXades adds an enveloped XAdES-BES signature to document.
func SignXades(ctx context.Context, document []byte, cap capability.Capability, alg digest.Algorithm) ([]byte, error) {
	return defaultEngine.Sign(ctx, document, cap, alg)
}

// Sign appends a ds:Signature as the last child of the document root. Every
// byte of document outside the inserted element is kept.
func (e *Engine) Sign(ctx context.Context, document []byte, cap capability.Capability, alg digest.Algorithm) ([]byte, error) {
	logger := applog.With("xades")
	digestMethod, err := digestURI(alg)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(document)
	if err != nil {
		return nil, err
	}
	cert, err := capability.Certificate(cap)
	if err != nil {
		return nil, err
	}
	sigMethod, err := signatureURI(cert.PublicKey, alg)
	if err != nil {
		return nil, err
	}
	root := doc.Root()

	// The root digest must not cover the signature being built.
	rootDigest, err := digestRoot(root, alg)
	if err != nil {
		return nil, err
	}

	id := e.newID()
	sig, signedInfo, err := buildSignature(id, cert, alg, digestMethod, sigMethod, e.clock.Now())
	if err != nil {
		return nil, err
	}
	root.AddChild(sig)

	keyInfoDigest, err := digestElement(findByID(sig, id+"-keyinfo"), alg)
	if err != nil {
		return nil, err
	}
	propsDigest, err := digestElement(findByID(sig, id+"-signedprops"), alg)
	if err != nil {
		return nil, err
	}
	refs := childrenNS(signedInfo, nsDS, "Reference")
	for i, d := range [][]byte{keyInfoDigest, rootDigest, propsDigest} {
		childNS(refs[i], nsDS, "DigestValue").SetText(base64.StdEncoding.EncodeToString(d))
	}

	canonical, err := canonicalize(signedInfo, dsig.MakeC14N10RecCanonicalizer())
	if err != nil {
		return nil, err
	}
	toSign, err := digest.Sum(canonical, alg)
	if err != nil {
		return nil, err
	}
	value, err := cap.Sign(ctx, toSign, alg)
	if err != nil {
		logger.Error().Err(err).Str("alg", string(alg)).Msg("la capacidad de firma rechazo la operacion")
		return nil, err
	}
	if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
		if value, err = ecdsaDERToRaw(value, pub); err != nil {
			return nil, err
		}
	}
	childNS(sig, nsDS, "SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))

	out, err := spliceSignature(document, doc, sig)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("alg", string(alg)).
		Str("signature_id", id).
		Str("signer", applog.MaskID(cert.Subject.CommonName)).
		Int("doc_len", len(document)).
		Msg("firma XAdES generada")
	return out, nil
}

// buildSignature returns the ds:Signature skeleton with empty digest and
// signature values, and its SignedInfo.
func buildSignature(id string, cert *x509.Certificate, alg digest.Algorithm, digestMethod, sigMethod string, now time.Time) (*etree.Element, *etree.Element, error) {
	certSum, err := digest.Sum(cert.Raw, alg)
	if err != nil {
		return nil, nil, err
	}
	sig := etree.NewElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", nsDS)
	sig.CreateAttr("Id", id)

	si := sig.CreateElement("ds:SignedInfo")
	si.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", algC14N10)
	si.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", sigMethod)

	keyRef := si.CreateElement("ds:Reference")
	keyRef.CreateAttr("URI", "#"+id+"-keyinfo")
	addDigestSlots(keyRef, digestMethod)

	rootRef := si.CreateElement("ds:Reference")
	rootRef.CreateAttr("Id", id+"-ref0")
	rootRef.CreateAttr("URI", "")
	transforms := rootRef.CreateElement("ds:Transforms")
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", algEnveloped)
	xpath := transforms.CreateElement("ds:Transform")
	xpath.CreateAttr("Algorithm", algXPath)
	xpath.CreateElement("ds:XPath").SetText(xpathNoSignatures)
	addDigestSlots(rootRef, digestMethod)

	propsRef := si.CreateElement("ds:Reference")
	propsRef.CreateAttr("Type", typeSignedProperties)
	propsRef.CreateAttr("URI", "#"+id+"-signedprops")
	addDigestSlots(propsRef, digestMethod)

	sig.CreateElement("ds:SignatureValue").CreateAttr("Id", id+"-sigvalue")

	keyInfo := sig.CreateElement("ds:KeyInfo")
	keyInfo.CreateAttr("Id", id+"-keyinfo")
	keyInfo.CreateElement("ds:X509Data").CreateElement("ds:X509Certificate").SetText(base64.StdEncoding.EncodeToString(cert.Raw))

	qp := sig.CreateElement("ds:Object").CreateElement("xades:QualifyingProperties")
	qp.CreateAttr("xmlns:xades", nsXAdES)
	qp.CreateAttr("xmlns:xades141", nsXAdES141)
	qp.CreateAttr("Target", "#"+id)
	props := qp.CreateElement("xades:SignedProperties")
	props.CreateAttr("Id", id+"-signedprops")

	ssp := props.CreateElement("xades:SignedSignatureProperties")
	ssp.CreateElement("xades:SigningTime").SetText(now.UTC().Format(time.RFC3339))
	certEl := ssp.CreateElement("xades:SigningCertificate").CreateElement("xades:Cert")
	certDigest := certEl.CreateElement("xades:CertDigest")
	certDigest.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", digestMethod)
	certDigest.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(certSum))
	issuerSerial := certEl.CreateElement("xades:IssuerSerial")
	issuerSerial.CreateElement("ds:X509IssuerName").SetText(cert.Issuer.String())
	issuerSerial.CreateElement("ds:X509SerialNumber").SetText(cert.SerialNumber.String())

	format := props.CreateElement("xades:SignedDataObjectProperties").CreateElement("xades:DataObjectFormat")
	format.CreateAttr("ObjectReference", "#"+id+"-ref0")
	format.CreateElement("xades:MimeType").SetText("text/xml")
	format.CreateElement("xades:Encoding").SetText("UTF-8")

	return sig, si, nil
}

func addDigestSlots(ref *etree.Element, digestMethod string) {
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", digestMethod)
	ref.CreateElement("ds:DigestValue")
}

// digestRoot digests the root with every ds:Signature removed, which is what
// the enveloped and XPath transforms of the root reference produce.
func digestRoot(root *etree.Element, alg digest.Algorithm) ([]byte, error) {
	cp := root.Copy()
	removeSignatures(cp)
	canonical, err := canonicalizeAt(root, cp, dsig.MakeC14N10RecCanonicalizer())
	if err != nil {
		return nil, err
	}
	return digest.Sum(canonical, alg)
}

func digestElement(el *etree.Element, alg digest.Algorithm) ([]byte, error) {
	if el == nil {
		return nil, sigerr.New(sigerr.ReasonEncodingFailure, "elemento de referencia no encontrado")
	}
	canonical, err := canonicalize(el, dsig.MakeC14N10RecCanonicalizer())
	if err != nil {
		return nil, err
	}
	return digest.Sum(canonical, alg)
}

func canonicalize(el *etree.Element, c dsig.Canonicalizer) ([]byte, error) {
	return canonicalizeAt(el, el, c)
}

// canonicalizeAt canonicalizes transformed, a possibly modified copy of orig,
// in the namespace context of orig.
func canonicalizeAt(orig, transformed *etree.Element, c dsig.Canonicalizer) ([]byte, error) {
	detached, err := detach(orig, transformed)
	if err != nil {
		return nil, err
	}
	out, err := c.Canonicalize(detached)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "fallo de canonicalizacion", err)
	}
	return out, nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

// ecdsaDERToRaw converts an ASN.1 (r, s) into the fixed-size r||s form of
// XML-DSig.
func ecdsaDERToRaw(der []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil || len(rest) > 0 || sig.R == nil || sig.S == nil {
		return nil, sigerr.New(sigerr.ReasonSigningFailed, "firma ECDSA mal formada")
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	if sig.R.BitLen() > size*8 || sig.S.BitLen() > size*8 {
		return nil, sigerr.New(sigerr.ReasonSigningFailed, "firma ECDSA fuera de rango")
	}
	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])
	return out, nil
}
