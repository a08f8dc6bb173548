// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package signer

import (
	"errors"
	"testing"

	"fattura-firma/pkg/sigerr"
)

func TestNormalizeSignFormat(t *testing.T) {
	cases := map[string]string{
		"CAdES-BES":         "cades",
		"p7m":               "cades",
		"XAdES":             "xades",
		"XMLDSIG Enveloped": "xades",
		"AUTO":              "auto",
		"":                  "auto",
		"custom-format":     "custom-format",
	}
	for in, want := range cases {
		if got := normalizeSignFormat(in); got != want {
			t.Fatalf("normalizeSignFormat(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestResolveSignFormatAuto(t *testing.T) {
	cases := []struct {
		name   string
		format string
		data   []byte
		want   string
	}{
		{name: "auto xml", format: "auto", data: []byte("   <xml>body</xml>"), want: "xades"},
		{name: "auto xml with bom", format: "auto", data: append([]byte{0xEF, 0xBB, 0xBF}, []byte("<a/>")...), want: "xades"},
		{name: "auto fallback cades", format: "auto", data: []byte("binary-content"), want: "cades"},
		{name: "empty fallback cades", format: "", data: []byte(""), want: "cades"},
		{name: "explicit keeps format", format: "CAdES", data: []byte("<a/>"), want: "cades"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveSignFormat(tc.format, tc.data)
			if err != nil {
				t.Fatalf("resolveSignFormat(%q): %v", tc.format, err)
			}
			if got != tc.want {
				t.Fatalf("resolveSignFormat(%q)= %q want=%q", tc.format, got, tc.want)
			}
		})
	}
}

func TestResolveSignFormatRejectsUnknown(t *testing.T) {
	_, err := resolveSignFormat("pades", []byte("%PDF-1.7"))
	if !errors.Is(err, sigerr.ErrInvalidInput) {
		t.Fatalf("se esperaba InvalidInput, obtenido %v", err)
	}
}

func TestDetectSignedFormat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"a.xml.p7m", nil, "cades"},
		{"A.XML.P7M", nil, "cades"},
		{"a_signed.xml", nil, "xades"},
		{"", []byte(" <root/>"), "xades"},
		{"", []byte{0x30, 0x82, 0x01}, "cades"},
		{"", []byte("hola"), ""},
		{"a.pdf", []byte("<root/>"), ""},
	}
	for _, tc := range cases {
		if got := detectSignedFormat(tc.name, tc.data); got != tc.want {
			t.Fatalf("detectSignedFormat(%q)=%q want=%q", tc.name, got, tc.want)
		}
	}
}

func TestResolveAlgorithm(t *testing.T) {
	got, err := resolveAlgorithm("sha384", "", "  ")
	if err != nil || got != "sha384" {
		t.Fatalf("resolveAlgorithm sin nombres = %q, %v", got, err)
	}
	got, err = resolveAlgorithm("sha384", "", "SHA-512")
	if err != nil || got != "sha512" {
		t.Fatalf("resolveAlgorithm con nombre = %q, %v", got, err)
	}
	got, err = resolveAlgorithm("")
	if err != nil || got != "sha256" {
		t.Fatalf("resolveAlgorithm por defecto = %q, %v", got, err)
	}
	if _, err := resolveAlgorithm("sha256", "md5"); !errors.Is(err, sigerr.ErrUnsupportedAlgorithm) {
		t.Fatalf("se esperaba UnsupportedAlgorithm, obtenido %v", err)
	}
}
