// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build cgo
// +build cgo

package certstore

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/miekg/pkcs11"

	"fattura-firma/pkg/protocol"
)

// listPKCS11 reads the certificate objects of every token of every module
// present on disk. No login is performed.
func listPKCS11(modules []string) ([]protocol.Certificate, error) {
	var all []protocol.Certificate
	var lastErr error
	for _, modulePath := range modules {
		if _, err := os.Stat(modulePath); err != nil {
			continue // Module not found, try next
		}
		certs, err := certsFromModule(modulePath)
		if err != nil {
			lastErr = err
			continue
		}
		all = append(all, certs...)
	}
	if len(all) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return all, nil
}

func certsFromModule(modulePath string) ([]protocol.Certificate, error) {
	p := pkcs11.New(modulePath)
	if p == nil {
		return nil, fmt.Errorf("no se pudo cargar el modulo PKCS#11: %s", modulePath)
	}
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("no se pudo inicializar PKCS#11 (%s): %w", modulePath, err)
	}
	defer func() {
		_ = p.Finalize()
		p.Destroy()
	}()

	slots, err := p.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("no se pudo obtener la lista de lectores: %w", err)
	}
	var certs []protocol.Certificate
	for _, slot := range slots {
		certs = append(certs, certsFromSlot(p, slot, modulePath)...)
	}
	return certs, nil
}

func certsFromSlot(p *pkcs11.Ctx, slot uint, modulePath string) []protocol.Certificate {
	session, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil
	}
	defer p.CloseSession(session)

	if err := p.FindObjectsInit(session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}); err != nil {
		return nil
	}
	objects, _, err := p.FindObjects(session, 100)
	_ = p.FindObjectsFinal(session)
	if err != nil {
		return nil
	}

	var certs []protocol.Certificate
	for _, obj := range objects {
		attrs, err := p.GetAttributeValue(session, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil || len(attrs) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(attrs[0].Value)
		if err != nil {
			continue
		}
		c := Describe(cert, SourceSmartcard)
		c.Module = modulePath
		certs = append(certs, c)
	}
	return certs
}
