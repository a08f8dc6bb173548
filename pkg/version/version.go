// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package version

import "fmt"

const (
	CurrentVersion   = "0.3.2"
	DefaultUpdateURL = "https://fattura-firma.dipgra.es/version.json"
)

var (
	// Se pueden sobrescribir en compilacion con -ldflags:
	// -X fattura-firma/pkg/version.BuildCommit=<hash>
	// -X fattura-firma/pkg/version.BuildDate=<YYYY-MM-DDTHH:MM:SSZ>
	BuildCommit = "local"
	BuildDate   = "desconocida"
)

// String is the one-line version banner.
func String() string {
	return fmt.Sprintf("fattura-firma %s (commit %s, %s)", CurrentVersion, BuildCommit, BuildDate)
}
