// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package tsatest provides an in-process RFC 3161 authority for tests.
package tsatest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/digitorus/timestamp"
)

// Policy is the TSA policy stamped on every token.
var Policy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1}

var oidExtKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
var oidTimeStamping = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}

// Authority signs tokens with a throwaway certificate.
type Authority struct {
	Cert *x509.Certificate
	key  crypto.Signer

	mu       sync.Mutex
	serial   int64
	requests int
	lastAuth [2]string
}

// NewAuthority generates an RSA key and a self-signed time-stamping
// certificate.
func NewAuthority() (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	eku, err := asn1.Marshal([]asn1.ObjectIdentifier{oidTimeStamping})
	if err != nil {
		return nil, err
	}
	tpl := &x509.Certificate{
		SerialNumber:    big.NewInt(1),
		Subject:         pkix.Name{CommonName: "Test TSA", Organization: []string{"Test"}},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(24 * time.Hour),
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{{Id: oidExtKeyUsage, Critical: true, Value: eku}},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, key.Public(), key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{Cert: cert, key: key}, nil
}

// Respond answers a DER TimeStampReq with a granted TimeStampResp.
func (a *Authority) Respond(req []byte) ([]byte, error) {
	r, err := timestamp.ParseRequest(req)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.serial++
	serial := a.serial
	a.mu.Unlock()
	ts := &timestamp.Timestamp{
		HashAlgorithm:     r.HashAlgorithm,
		HashedMessage:     r.HashedMessage,
		Time:              time.Now().UTC().Truncate(time.Second),
		Policy:            Policy,
		SerialNumber:      big.NewInt(serial),
		Nonce:             r.Nonce,
		AddTSACertificate: true,
	}
	return ts.CreateResponse(a.Cert, a.key)
}

// Requests returns how many requests the handler served.
func (a *Authority) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

// LastAuth returns the basic credentials of the last request.
func (a *Authority) LastAuth() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAuth[0], a.lastAuth[1]
}

// Handler serves TimeStampReq bodies over HTTP.
func (a *Authority) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		user, pass, _ := r.BasicAuth()
		a.mu.Lock()
		a.requests++
		a.lastAuth = [2]string{user, pass}
		a.mu.Unlock()
		resp, err := a.Respond(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		_, _ = w.Write(resp)
	})
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// StatusResponse encodes a TimeStampResp with the given status and no
// token. failBit < 0 leaves failInfo out.
func StatusResponse(status int, text string, failBit int) ([]byte, error) {
	info := pkiStatusInfo{Status: status}
	if text != "" {
		info.StatusString = []string{text}
	}
	if failBit >= 0 {
		b := make([]byte, failBit/8+1)
		b[failBit/8] = 0x80 >> uint(failBit%8)
		info.FailInfo = asn1.BitString{Bytes: b, BitLength: failBit + 1}
	}
	return asn1.Marshal(timeStampResp{Status: info})
}
