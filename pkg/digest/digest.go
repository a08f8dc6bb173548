// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package digest computes message digests for the signing and timestamp
// engines and renders them as text.
package digest

import (
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"fattura-firma/pkg/sigerr"
)

// Algorithm names a supported hash function.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"

	Default = SHA256
)

var (
	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// Parse accepts the usual spellings ("SHA-256", "sha256", "SHA256withRSA").
// An empty name resolves to Default.
func Parse(name string) (Algorithm, error) {
	l := strings.ToLower(strings.TrimSpace(name))
	if l == "" {
		return Default, nil
	}
	l = strings.NewReplacer("-", "", "_", "", " ", "").Replace(l)
	switch {
	case strings.Contains(l, "sha512"):
		return SHA512, nil
	case strings.Contains(l, "sha384"):
		return SHA384, nil
	case strings.Contains(l, "sha256"):
		return SHA256, nil
	case strings.Contains(l, "sha1"):
		return SHA1, nil
	default:
		return "", sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo de hash no soportado: %q", name)
	}
}

// FromOID maps a digest AlgorithmIdentifier OID.
func FromOID(oid asn1.ObjectIdentifier) (Algorithm, error) {
	switch {
	case oid.Equal(oidSHA1):
		return SHA1, nil
	case oid.Equal(oidSHA256):
		return SHA256, nil
	case oid.Equal(oidSHA384):
		return SHA384, nil
	case oid.Equal(oidSHA512):
		return SHA512, nil
	default:
		return "", sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "OID de hash no soportado: %s", oid)
	}
}

// FromHash maps a crypto.Hash.
func FromHash(h crypto.Hash) (Algorithm, error) {
	switch h {
	case crypto.SHA1:
		return SHA1, nil
	case crypto.SHA256:
		return SHA256, nil
	case crypto.SHA384:
		return SHA384, nil
	case crypto.SHA512:
		return SHA512, nil
	default:
		return "", sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "hash no soportado: %v", h)
	}
}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	return a.Hash() != 0
}

// Hash returns the crypto.Hash for a, or 0 when unsupported.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case SHA1:
		return crypto.SHA1
	case SHA256:
		return crypto.SHA256
	case SHA384:
		return crypto.SHA384
	case SHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

// OID returns the AlgorithmIdentifier OID for a, or nil when unsupported.
func (a Algorithm) OID() asn1.ObjectIdentifier {
	switch a {
	case SHA1:
		return oidSHA1
	case SHA256:
		return oidSHA256
	case SHA384:
		return oidSHA384
	case SHA512:
		return oidSHA512
	default:
		return nil
	}
}

// Size is the digest length in bytes.
func (a Algorithm) Size() int {
	if h := a.Hash(); h != 0 {
		return h.Size()
	}
	return 0
}

// New returns a fresh hash.Hash for a.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo de hash no soportado: %q", string(a))
	}
}

// Sum digests data with alg.
func Sum(data []byte, alg Algorithm) ([]byte, error) {
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// SumReader streams r through alg.
func SumReader(r io.Reader, alg Algorithm) ([]byte, error) {
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidInput, "error leyendo datos a resumir", err)
	}
	return h.Sum(nil), nil
}

// Encoding is the text form of a digest.
type Encoding string

const (
	Base64 Encoding = "base64"
	Hex    Encoding = "hex"
)

// ParseEncoding accepts "base64", "hex" and "" (base64).
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "base64", "b64":
		return Base64, nil
	case "hex", "base16":
		return Hex, nil
	default:
		return "", sigerr.Newf(sigerr.ReasonInvalidInput, "codificacion no soportada: %q", name)
	}
}

// Encode renders sum as text.
func Encode(sum []byte, enc Encoding) (string, error) {
	switch enc {
	case Base64, "":
		return base64.StdEncoding.EncodeToString(sum), nil
	case Hex:
		return hex.EncodeToString(sum), nil
	default:
		return "", sigerr.Newf(sigerr.ReasonInvalidInput, "codificacion no soportada: %q", string(enc))
	}
}
