// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"fattura-firma/pkg/config"
)

var (
	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	readPassword    = func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) }
)

// promptPIN asks for the PIN of a smartcard or remote credential when the
// configuration carries none and stdin is a terminal. It returns "" otherwise.
func (a *app) promptPIN() (string, error) {
	var configured string
	switch a.cfg.Signing.Capability {
	case config.CapabilitySmartcard:
		configured = a.cfg.Smartcard.PIN
	case config.CapabilityRemote:
		configured = a.cfg.Remote.PIN
	default:
		return "", nil
	}
	if configured != "" || !stdinIsTerminal() {
		return "", nil
	}
	fmt.Fprint(a.errOut, "PIN: ")
	pin, err := readPassword()
	fmt.Fprintln(a.errOut)
	if err != nil {
		return "", fmt.Errorf("no se pudo leer el PIN: %w", err)
	}
	return strings.TrimSpace(string(pin)), nil
}
