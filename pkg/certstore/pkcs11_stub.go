// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

//go:build !cgo
// +build !cgo

package certstore

import "fattura-firma/pkg/protocol"

// listPKCS11 is a no-op in builds without cgo.
func listPKCS11([]string) ([]protocol.Certificate, error) {
	return nil, nil
}
