// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build cgo
// +build cgo

package capability

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"github.com/miekg/pkcs11"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

// SmartcardOptions selects the token key to sign with.
type SmartcardOptions struct {
	// Modules are PKCS#11 library paths; empty means the OpenSC defaults.
	Modules []string
	// Certificate is the DER certificate whose CKA_ID locates the private key.
	Certificate []byte
	PIN         string
}

// Smartcard signs with a private key that never leaves a PKCS#11 token.
type Smartcard struct {
	mu       sync.Mutex
	p        *pkcs11.Ctx
	session  pkcs11.SessionHandle
	keyObj   pkcs11.ObjectHandle
	cert     *x509.Certificate
	module   string
	pin      string
	loggedIn bool
	closed   bool
}

// OpenSmartcard tries the modules and slots until it finds the private key
// paired with opts.Certificate. The session stays open until Close.
func OpenSmartcard(opts SmartcardOptions) (*Smartcard, error) {
	logger := applog.With("capability.smartcard")
	if len(opts.Certificate) == 0 {
		return nil, sigerr.New(sigerr.ReasonInvalidCertificate, "certificado no indicado para la tarjeta")
	}
	cert, err := x509.ParseCertificate(opts.Certificate)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidCertificate, "certificado de tarjeta no valido", err)
	}
	if keyType(cert.PublicKey) == "" {
		return nil, sigerr.New(sigerr.ReasonUnsupportedAlgorithm, "tipo de clave publica no soportado")
	}

	var lastErr error
	for _, modulePath := range PKCS11Modules(opts.Modules) {
		if _, err := os.Stat(modulePath); err != nil {
			continue
		}
		p := pkcs11.New(modulePath)
		if p == nil {
			continue
		}
		if err := p.Initialize(); err != nil {
			lastErr = err
			continue
		}
		slots, err := p.GetSlotList(true)
		if err != nil {
			p.Finalize()
			lastErr = err
			continue
		}
		for _, slot := range slots {
			session, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
			if err != nil {
				lastErr = err
				continue
			}

			loggedIn := false
			if opts.PIN != "" {
				if err := p.Login(session, pkcs11.CKU_USER, opts.PIN); err == nil || err == pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
					loggedIn = true
				} else {
					lastErr = err
				}
			}

			certObj, keyID, err := findCertObjectAndID(p, session, opts.Certificate)
			if err == nil && certObj != 0 && len(keyID) > 0 {
				keyObj, errKey := findPrivateKeyByID(p, session, keyID)
				if errKey == nil && keyObj != 0 {
					logger.Info().Str("module", modulePath).Uint("slot", slot).Msg("clave privada encontrada en token")
					return &Smartcard{
						p:        p,
						session:  session,
						keyObj:   keyObj,
						cert:     cert,
						module:   modulePath,
						pin:      opts.PIN,
						loggedIn: loggedIn,
					}, nil
				}
				if errKey != nil {
					lastErr = errKey
				}
			} else if err != nil {
				lastErr = err
			}

			if loggedIn {
				_ = p.Logout(session)
			}
			_ = p.CloseSession(session)
		}
		p.Finalize()
	}
	if lastErr != nil {
		return nil, sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "no se encontro la clave en ningun modulo PKCS#11", lastErr)
	}
	return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "no se encontro la clave en ningun modulo PKCS#11")
}

func (s *Smartcard) CertificateBytes() []byte {
	return s.cert.Raw
}

// Module is the PKCS#11 library that holds the key.
func (s *Smartcard) Module() string {
	return s.module
}

// Sign runs the token operation in its own goroutine so a cancelled context
// returns immediately. The token call itself cannot be interrupted.
func (s *Smartcard) Sign(ctx context.Context, d []byte, alg digest.Algorithm) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if err := checkDigest(d, alg); err != nil {
		return nil, err
	}
	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := s.signLocked(d, alg)
		done <- result{sig: sig, err: err}
	}()
	select {
	case r := <-done:
		return r.sig, r.err
	case <-ctx.Done():
		return nil, sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "firma con tarjeta cancelada", ctx.Err())
	}
}

func (s *Smartcard) signLocked(d []byte, alg digest.Algorithm) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "sesion PKCS#11 cerrada")
	}
	logger := applog.With("capability.smartcard")

	if s.pin != "" && !s.loggedIn {
		if err := s.p.Login(s.session, pkcs11.CKU_USER, s.pin); err != nil && err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			logger.Warn().Err(err).Msg("login previo a firma fallido")
		} else {
			s.loggedIn = true
		}
	}

	var (
		data []byte
		mech uint
		kind = keyType(s.cert.PublicKey)
	)
	switch kind {
	case "rsa":
		var ok bool
		data, ok = digestInfo(alg.Hash(), d)
		if !ok {
			return nil, sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "hash %s no soportado para RSA en PKCS#11", alg)
		}
		mech = pkcs11.CKM_RSA_PKCS
	case "ecdsa":
		data = d
		mech = pkcs11.CKM_ECDSA
	}
	if err := s.p.SignInit(s.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, s.keyObj); err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonSigningFailed, fmt.Sprintf("SignInit %s fallido", kind), err)
	}
	sig, err := s.p.Sign(s.session, data)
	if err != nil {
		if err == pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN) || err == pkcs11.Error(pkcs11.CKR_PIN_INCORRECT) {
			return nil, sigerr.Wrap(sigerr.ReasonCapabilityUnavailable, "la tarjeta requiere PIN valido", err)
		}
		return nil, sigerr.Wrap(sigerr.ReasonSigningFailed, "firma PKCS#11 fallida", err)
	}
	if kind == "ecdsa" {
		return rawECDSAToDER(sig)
	}
	logger.Debug().Str("alg", string(alg)).Str("module", s.module).Msg("firma con tarjeta completada")
	return sig, nil
}

// Close logs out and releases the module.
func (s *Smartcard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.loggedIn {
		_ = s.p.Logout(s.session)
	}
	_ = s.p.CloseSession(s.session)
	if err := s.p.Finalize(); err != nil {
		return err
	}
	s.p.Destroy()
	return nil
}

func findCertObjectAndID(p *pkcs11.Ctx, session pkcs11.SessionHandle, certDER []byte) (pkcs11.ObjectHandle, []byte, error) {
	if err := p.FindObjectsInit(session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}); err != nil {
		return 0, nil, err
	}
	objects, _, err := p.FindObjects(session, 256)
	_ = p.FindObjectsFinal(session)
	if err != nil {
		return 0, nil, err
	}
	for _, obj := range objects {
		attrs, err := p.GetAttributeValue(session, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		})
		if err != nil || len(attrs) < 2 {
			continue
		}
		if bytes.Equal(attrs[0].Value, certDER) {
			return obj, attrs[1].Value, nil
		}
	}
	return 0, nil, nil
}

func findPrivateKeyByID(p *pkcs11.Ctx, session pkcs11.SessionHandle, keyID []byte) (pkcs11.ObjectHandle, error) {
	if err := p.FindObjectsInit(session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
	}); err != nil {
		return 0, err
	}
	objects, _, err := p.FindObjects(session, 16)
	_ = p.FindObjectsFinal(session)
	if err != nil {
		return 0, err
	}
	if len(objects) == 0 {
		return 0, nil
	}
	return objects[0], nil
}
