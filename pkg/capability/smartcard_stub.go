// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build !cgo
// +build !cgo

package capability

import (
	"context"

	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

type SmartcardOptions struct {
	Modules     []string
	Certificate []byte
	PIN         string
}

// Smartcard is unavailable in builds without cgo.
type Smartcard struct{}

func OpenSmartcard(SmartcardOptions) (*Smartcard, error) {
	return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "PKCS#11 no soportado sin CGO")
}

func (s *Smartcard) CertificateBytes() []byte { return nil }

func (s *Smartcard) Module() string { return "" }

func (s *Smartcard) Sign(context.Context, []byte, digest.Algorithm) ([]byte, error) {
	return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "PKCS#11 no soportado sin CGO")
}

func (s *Smartcard) Close() error { return nil }
