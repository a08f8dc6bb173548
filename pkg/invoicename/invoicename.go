// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package invoicename validates FatturaPA file names:
// CC<transmitter>_<progressive>.xml, optionally followed by .p7m.
package invoicename

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/language"

	"fattura-firma/pkg/sigerr"
)

// Name is a parsed invoice file name.
type Name struct {
	Country     string
	Transmitter string
	Progressive string
	Signed      bool
}

func (n Name) String() string {
	s := n.Country + n.Transmitter + "_" + n.Progressive + ".xml"
	if n.Signed {
		s += ".p7m"
	}
	return s
}

// Validate reports whether fileName follows the naming rule.
func Validate(fileName string) error {
	_, err := Parse(fileName)
	return err
}

// Parse splits fileName (a bare name or a path) into its parts.
func Parse(fileName string) (Name, error) {
	var n Name
	name := filepath.Base(strings.TrimSpace(fileName))
	if strings.EqualFold(filepath.Ext(name), ".p7m") {
		n.Signed = true
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	if !strings.EqualFold(filepath.Ext(name), ".xml") {
		return Name{}, invalid("extension de fichero no valida: se espera .xml o .xml.p7m")
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))

	if len(name) < 2 {
		return Name{}, invalid("nombre demasiado corto")
	}
	country := name[:2]
	if !isUpper(country) {
		return Name{}, invalid("codigo de pais no valido: " + country)
	}
	region, err := language.ParseRegion(country)
	if err != nil || !region.IsCountry() {
		return Name{}, invalid("codigo de pais desconocido: " + country)
	}
	n.Country = country

	parts := strings.Split(name[2:], "_")
	if len(parts) != 2 {
		return Name{}, invalid("se espera <identificativo>_<progresivo>")
	}
	n.Transmitter, n.Progressive = parts[0], parts[1]

	if err := checkTransmitter(country, n.Transmitter); err != nil {
		return Name{}, err
	}
	if l := len(n.Progressive); l < 1 || l > 5 || !isAlnum(n.Progressive) {
		return Name{}, invalid("el progresivo debe tener de 1 a 5 caracteres alfanumericos")
	}
	return n, nil
}

// checkTransmitter applies the Italian rule (11 digits, partita IVA, or 16
// alphanumerics, codice fiscale) or the generic 2 to 28 alphanumerics.
func checkTransmitter(country, id string) error {
	if country == "IT" {
		switch len(id) {
		case 11:
			if !isDigits(id) {
				return invalid("el identificativo IT de 11 caracteres debe ser numerico")
			}
		case 16:
			if !isAlnum(id) {
				return invalid("el identificativo IT de 16 caracteres debe ser alfanumerico")
			}
		default:
			return invalid("el identificativo IT debe tener 11 o 16 caracteres")
		}
		return nil
	}
	if len(id) < 2 || len(id) > 28 {
		return invalid("el identificativo debe tener entre 2 y 28 caracteres")
	}
	if !isAlnum(id) {
		return invalid("el identificativo debe ser alfanumerico")
	}
	return nil
}

func invalid(detail string) error {
	return sigerr.New(sigerr.ReasonInvalidFileName, detail)
}

func isUpper(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
