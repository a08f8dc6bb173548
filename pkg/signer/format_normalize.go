// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package signer

import (
	"bytes"
	"path/filepath"
	"strings"

	"fattura-firma/pkg/sigerr"
)

// Signature formats.
const (
	FormatCades = "cades"
	FormatXades = "xades"
	FormatAuto  = "auto"
)

func normalizeSignFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch f {
	case "cades", "cades-bes", "cades_bes", "p7m", "cms":
		return FormatCades
	case "xades", "xades-bes", "xades_bes", "xml", "xmldsig", "xmldsig enveloped":
		return FormatXades
	case "", "auto":
		return FormatAuto
	default:
		return f
	}
}

// resolveSignFormat picks the format for data. Auto selects XAdES for XML
// payloads and CAdES otherwise.
func resolveSignFormat(format string, data []byte) (string, error) {
	f := normalizeSignFormat(format)
	switch f {
	case FormatCades, FormatXades:
		return f, nil
	case FormatAuto:
		trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF}))
		if len(trimmed) > 0 && trimmed[0] == '<' {
			return FormatXades, nil
		}
		return FormatCades, nil
	default:
		return "", sigerr.Newf(sigerr.ReasonInvalidInput, "formato de firma no soportado: %q", format)
	}
}

// detectSignedFormat guesses the format of a signed artifact from its name,
// then from its content. It returns "" when neither applies.
func detectSignedFormat(name string, data []byte) string {
	switch {
	case hasExt(name, ".p7m"):
		return FormatCades
	case hasExt(name, ".xml"):
		return FormatXades
	case filepath.Ext(name) != "":
		return ""
	}
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF}))
	switch {
	case len(trimmed) == 0:
		return ""
	case trimmed[0] == '<':
		return FormatXades
	case trimmed[0] == 0x30:
		return FormatCades
	}
	return ""
}
