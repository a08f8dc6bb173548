// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package capability

import (
	"crypto"
	"runtime"
	"strings"
)

// PKCS11Modules returns the module paths to try: the configured hints when
// present (trimmed, deduplicated), otherwise the usual OpenSC locations.
func PKCS11Modules(hints []string) []string {
	out := make([]string, 0, len(hints))
	seen := make(map[string]struct{}, len(hints))
	for _, raw := range hints {
		for _, p := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' }) {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		return out
	}
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Library/OpenSC/lib/opensc-pkcs11.so",
			"/usr/local/lib/opensc-pkcs11.so",
			"/opt/homebrew/lib/opensc-pkcs11.so",
		}
	case "windows":
		return []string{`C:\Windows\System32\opensc-pkcs11.dll`}
	default:
		return []string{
			"/usr/lib/opensc-pkcs11.so",                  // OpenSC
			"/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so", // Ubuntu/Debian
			"/usr/lib64/opensc-pkcs11.so",                // Fedora/RHEL
			"/usr/lib/pkcs11/opensc-pkcs11.so",
			"/usr/local/lib/opensc-pkcs11.so",
		}
	}
}

// pkcs1Prefix is the DER DigestInfo header prepended to the digest for
// CKM_RSA_PKCS, which only applies the PKCS#1 v1.5 padding.
var pkcs1Prefix = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// digestInfo builds the CKM_RSA_PKCS input for digest d.
func digestInfo(h crypto.Hash, d []byte) ([]byte, bool) {
	prefix, ok := pkcs1Prefix[h]
	if !ok {
		return nil, false
	}
	out := make([]byte, 0, len(prefix)+len(d))
	out = append(out, prefix...)
	return append(out, d...), true
}
