// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fattura-firma/pkg/tsa"
)

func newTimestampCmd(a *app) *cobra.Command {
	var url, user, password string
	cmd := &cobra.Command{
		Use:   "timestamp <fichero>",
		Short: "Solicita un sello de tiempo RFC 3161 y lo guarda como .tsr",
		Long: `Envia el resumen SHA-256 del fichero a la TSA y guarda la respuesta con la
ultima extension cambiada a .tsr (a.xml.p7m produce a.xml.tsr).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context(), false, "", "")
			if err != nil {
				return err
			}
			var auth *tsa.BasicAuth
			if user != "" {
				auth = &tsa.BasicAuth{Username: user, Password: password}
			}
			out, err := svc.TimestampFile(cmd.Context(), args[0], url, auth)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]interface{}{"ok": true, "op": "timestamp", "output": out})
			}
			fmt.Fprintln(a.out, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "URL de la TSA (por defecto tsa.url)")
	cmd.Flags().StringVar(&user, "user", "", "usuario de la TSA")
	cmd.Flags().StringVar(&password, "password", "", "contrasena de la TSA")
	return cmd
}

func newTsdCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tsd <fichero.tsr> <fichero.p7m>",
		Short: "Combina una respuesta .tsr y su .p7m en un TimeStampedData (.tsd)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context(), false, "", "")
			if err != nil {
				return err
			}
			out, err := svc.BuildTsdFile(args[0], args[1])
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]interface{}{"ok": true, "op": "tsd", "output": out})
			}
			fmt.Fprintln(a.out, out)
			return nil
		},
	}
}
