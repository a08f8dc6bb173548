// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"fattura-firma/pkg/signer"
)

var errVerificationFailed = errors.New("verificacion fallida")

func newSignCmd(a *app) *cobra.Command {
	var format, algorithm, cert, pin, overwrite string
	cmd := &cobra.Command{
		Use:   "sign <fichero>...",
		Short: "Firma ficheros en CAdES (.p7m) o XAdES (_signed.xml)",
		Long: `Firma cada fichero con la capacidad configurada (local, smartcard o remote).

CAdES escribe <fichero>.p7m; XAdES exige un .xml y escribe <nombre>_signed.xml.
Con --format auto los .xml se firman en XAdES y el resto en CAdES.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "" {
				a.cfg.Signing.Format = format
			}
			if algorithm != "" {
				a.cfg.Signing.Algorithm = algorithm
			}
			if overwrite != "" {
				a.cfg.Output.Overwrite = overwrite
			}
			svc, err := a.service(cmd.Context(), true, cert, pin)
			if err != nil {
				return err
			}
			defer svc.Close()

			var written []string
			for _, src := range args {
				dst, err := svc.SignFile(cmd.Context(), src)
				if err != nil {
					return fmt.Errorf("%s: %w", src, err)
				}
				written = append(written, dst)
				if !a.jsonOutput {
					fmt.Fprintln(a.out, dst)
				}
			}
			if a.jsonOutput {
				return a.printJSON(map[string]interface{}{"ok": true, "op": "sign", "outputs": written})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "formato: cades, xades o auto")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "algoritmo de resumen (sha256, sha384, sha512)")
	cmd.Flags().StringVar(&cert, "cert", "", "certificado de la tarjeta: id, huella o parte del CN")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN de la tarjeta o credencial remota")
	cmd.Flags().StringVar(&overwrite, "overwrite", "", "si el destino existe: fail, rename o force")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <fichero.p7m|fichero.xml>",
		Short: "Verifica una firma CAdES o todas las firmas XAdES de un XML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := signer.VerifyFile(args[0])
			if rep == nil {
				return err
			}
			if a.jsonOutput {
				checks := make([]map[string]interface{}, 0, len(rep.Checks))
				for _, c := range rep.Checks {
					entry := map[string]interface{}{"index": c.Index, "valid": c.Valid}
					if c.Certificate != nil {
						entry["signer"] = c.Certificate.Subject.CommonName
					}
					if !c.SigningTime.IsZero() {
						entry["signingTime"] = c.SigningTime.UTC()
					}
					if c.Err != nil {
						entry["error"] = c.Err.Error()
					}
					checks = append(checks, entry)
				}
				if jerr := a.printJSON(map[string]interface{}{
					"ok": rep.Valid(), "op": "verify", "format": rep.Format, "signatures": checks,
				}); jerr != nil {
					return jerr
				}
			} else {
				for _, line := range rep.Lines() {
					fmt.Fprintln(a.out, line)
				}
				if err != nil {
					fmt.Fprintf(a.errOut, "Error: %v\n", err)
				}
			}
			if err != nil || !rep.Valid() {
				return errVerificationFailed
			}
			return nil
		},
	}
}

func newExtractCmd(a *app) *cobra.Command {
	var overwrite string
	cmd := &cobra.Command{
		Use:   "extract <fichero.p7m> [destino]",
		Short: "Verifica un .p7m y extrae el documento original",
		Long: `Verifica la firma CAdES y escribe el contenido firmado. Sin destino se usa
el nombre del .p7m sin su ultima extension.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if overwrite != "" {
				a.cfg.Output.Overwrite = overwrite
			}
			svc, err := a.service(cmd.Context(), false, "", "")
			if err != nil {
				return err
			}
			dst := ""
			if len(args) == 2 {
				dst = args[1]
			}
			out, err := svc.ExtractFile(args[0], dst)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]interface{}{"ok": true, "op": "extract", "output": out})
			}
			fmt.Fprintln(a.out, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&overwrite, "overwrite", "", "si el destino existe: fail, rename o force")
	return cmd
}
