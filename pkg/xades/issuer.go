// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package xades

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/beevik/etree"

	"fattura-firma/pkg/sigerr"
)

// checkIssuerSerial compares a xades:IssuerSerial with cert. Issuer names are
// compared by attribute values only, since producers spell attribute types
// differently (SERIALNUMBER, 2.5.4.5, OID.2.5.4.5).
func checkIssuerSerial(is *etree.Element, cert *x509.Certificate) error {
	serialText := strings.TrimSpace(textOf(childNS(is, nsDS, "X509SerialNumber")))
	serial, ok := new(big.Int).SetString(serialText, 10)
	if !ok {
		return sigerr.Newf(sigerr.ReasonMalformedSignature, "X509SerialNumber no valido: %q", serialText)
	}
	if serial.Cmp(cert.SerialNumber) != 0 {
		return sigerr.New(sigerr.ReasonDigestMismatch, "X509SerialNumber no corresponde al certificado de KeyInfo")
	}

	name := childNS(is, nsDS, "X509IssuerName")
	if name == nil {
		return sigerr.New(sigerr.ReasonMalformedSignature, "falta X509IssuerName")
	}
	values, err := dnValues(name.Text())
	if err != nil {
		return sigerr.Wrap(sigerr.ReasonMalformedSignature, "X509IssuerName no valido", err)
	}
	var want []string
	for _, atv := range cert.Issuer.Names {
		want = append(want, normalizeDNValue(fmt.Sprint(atv.Value)))
	}
	sort.Strings(values)
	sort.Strings(want)
	if strings.Join(values, "\x00") != strings.Join(want, "\x00") {
		return sigerr.New(sigerr.ReasonDigestMismatch, "X509IssuerName no corresponde al emisor del certificado")
	}
	return nil
}

// dnValues returns the normalized attribute values of an RFC 4514 string.
func dnValues(dn string) ([]string, error) {
	var out []string
	for _, atv := range splitDN(dn) {
		eq := strings.IndexByte(atv, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("atributo sin tipo: %q", atv)
		}
		raw := strings.TrimSpace(atv[eq+1:])
		var value string
		if strings.HasPrefix(raw, "#") {
			der, err := hex.DecodeString(raw[1:])
			if err != nil {
				return nil, fmt.Errorf("valor hexadecimal no valido: %q", raw)
			}
			var rv asn1.RawValue
			if _, err := asn1.Unmarshal(der, &rv); err != nil {
				return nil, fmt.Errorf("valor DER no valido: %q", raw)
			}
			value = string(rv.Bytes)
		} else {
			v, err := unescapeDNValue(raw)
			if err != nil {
				return nil, err
			}
			value = v
		}
		out = append(out, normalizeDNValue(value))
	}
	return out, nil
}

// splitDN splits on unescaped ',', ';' and '+'.
func splitDN(dn string) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(dn); i++ {
		c := dn[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == ',' || c == ';' || c == '+':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if strings.TrimSpace(cur.String()) != "" || len(parts) > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func unescapeDNValue(v string) (string, error) {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' {
			b.WriteByte(v[i])
			continue
		}
		if i+1 >= len(v) {
			return "", fmt.Errorf("escape incompleto en %q", v)
		}
		if i+2 < len(v) && isHex(v[i+1]) && isHex(v[i+2]) {
			h, _ := hex.DecodeString(v[i+1 : i+3])
			b.Write(h)
			i += 2
			continue
		}
		b.WriteByte(v[i+1])
		i++
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func normalizeDNValue(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}
