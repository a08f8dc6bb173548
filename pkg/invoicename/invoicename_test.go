// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package invoicename

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fattura-firma/pkg/sigerr"
)

func TestParseValidNames(t *testing.T) {
	cases := []struct {
		in   string
		want Name
	}{
		{"IT01234567890_00001.xml", Name{Country: "IT", Transmitter: "01234567890", Progressive: "00001"}},
		{"IT01234567890_0A1.xml.p7m", Name{Country: "IT", Transmitter: "01234567890", Progressive: "0A1", Signed: true}},
		{"ITRSSMRA80A01H501U_1.XML", Name{Country: "IT", Transmitter: "RSSMRA80A01H501U", Progressive: "1"}},
		{"ESB18000000_abc.xml", Name{Country: "ES", Transmitter: "B18000000", Progressive: "abc"}},
		{"/tmp/fatture/DE12_9.xml.P7M", Name{Country: "DE", Transmitter: "12", Progressive: "9", Signed: true}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStringRebuildsCanonicalName(t *testing.T) {
	n, err := Parse("IT01234567890_00001.xml.p7m")
	require.NoError(t, err)
	assert.Equal(t, "IT01234567890_00001.xml.p7m", n.String())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"wrong extension":      "IT01234567890_00001.txt",
		"p7m without xml":      "IT01234567890_00001.p7m",
		"lower country":        "it01234567890_00001.xml",
		"unknown country":      "QQ01234567890_00001.xml",
		"no underscore":        "IT0123456789000001.xml",
		"two underscores":      "IT01234567890_00_1.xml",
		"IT 11 not digits":     "IT0123456789A_00001.xml",
		"IT wrong length":      "IT0123456789_00001.xml",
		"IT 16 symbol":         "ITRSSMRA80A01H50-U_1.xml",
		"foreign too short":    "ESB_1.xml",
		"foreign too long":     "ES12345678901234567890123456789_1.xml",
		"foreign symbol":       "ESB1800.000_1.xml",
		"progressive too long": "IT01234567890_123456.xml",
		"progressive empty":    "IT01234567890_.xml",
		"progressive symbol":   "IT01234567890_0-1.xml",
		"too short":            "I.xml",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, sigerr.ErrInvalidFileName))
			assert.Equal(t, sigerr.KindInput, sigerr.KindOf(err))
		})
	}
}
