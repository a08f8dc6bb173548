// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package signer

import (
	"strings"

	"fattura-firma/pkg/digest"
)

// resolveAlgorithm returns the first non-empty name parsed, or def.
func resolveAlgorithm(def digest.Algorithm, names ...string) (digest.Algorithm, error) {
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		return digest.Parse(n)
	}
	if def == "" {
		return digest.Default, nil
	}
	return def, nil
}
