// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fattura-firma/pkg/certstore"
	"fattura-firma/pkg/config"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/invoicename"
	"fattura-firma/pkg/signer"
	"fattura-firma/pkg/updater"
	"fattura-firma/pkg/version"
)

func newHashCmd(a *app) *cobra.Command {
	var algorithm, encoding string
	cmd := &cobra.Command{
		Use:   "hash <fichero>",
		Short: "Calcula el resumen de un fichero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := digest.Parse(algorithm)
			if err != nil {
				return err
			}
			enc, err := digest.ParseEncoding(encoding)
			if err != nil {
				return err
			}
			sum, err := signer.HashFile(args[0], alg, enc)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]interface{}{"ok": true, "op": "hash", "algorithm": alg, "encoding": enc, "digest": sum})
			}
			fmt.Fprintln(a.out, sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "sha256", "algoritmo (sha1, sha256, sha384, sha512)")
	cmd.Flags().StringVar(&encoding, "encoding", "base64", "codificacion: base64 o hex")
	return cmd
}

func newCheckNameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-name <nombre>...",
		Short: "Comprueba el nombre de fichero de una factura (IT01234567890_00001.xml[.p7m])",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, name := range args {
				if err := invoicename.Validate(name); err != nil {
					failed++
					fmt.Fprintf(a.out, "%s: no valido: %v\n", name, err)
					continue
				}
				fmt.Fprintf(a.out, "%s: valido\n", name)
			}
			if failed > 0 {
				return fmt.Errorf("%d nombre(s) no valido(s)", failed)
			}
			return nil
		},
	}
}

func newCertsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "certs",
		Aliases: []string{"list-certs"},
		Short:   "Lista los certificados disponibles para firmar",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := certstore.Options{
				Modules:       a.cfg.Smartcard.Modules,
				IncludePKCS11: a.cfg.Signing.Capability == config.CapabilitySmartcard,
				Password:      a.cfg.Local.Password,
			}
			for _, f := range []string{a.cfg.Local.PKCS12, a.cfg.Local.CertFile, a.cfg.Remote.CertificateFile} {
				if f != "" {
					opts.Files = append(opts.Files, f)
				}
			}
			certs, err := certstore.List(opts)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]interface{}{"ok": true, "certificates": certs})
			}
			if len(certs) == 0 {
				fmt.Fprintln(a.out, "No se encontraron certificados.")
				return nil
			}
			for i, c := range certs {
				canSign := "si"
				if !c.CanSign {
					canSign = "no (" + c.SignIssue + ")"
				}
				fmt.Fprintf(a.out, "[%d] %s\n    origen=%s serie=%s valido=%s..%s firma=%s\n    huella=%s\n",
					i, c.Subject["CN"], c.Source, c.SerialNumber, c.ValidFrom, c.ValidTo, canSign, c.Fingerprint)
			}
			return nil
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Muestra la version y opcionalmente busca actualizaciones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(a.out, version.String())
			if !check {
				return nil
			}
			manifest := a.cfg.Update.ManifestURL
			if manifest == "" {
				manifest = version.DefaultUpdateURL
			}
			res, err := updater.CheckForUpdates(cmd.Context(), version.CurrentVersion, manifest, a.cfg.Update.Timeout)
			if err != nil {
				return err
			}
			if !res.HasUpdate {
				fmt.Fprintln(a.out, "Version actualizada.")
				return nil
			}
			fmt.Fprintf(a.out, "Nueva version disponible: %s\n", res.LatestVersion)
			if res.UpdateURL != "" {
				fmt.Fprintf(a.out, "Descarga: %s\n", res.UpdateURL)
			}
			if res.Notes != "" {
				fmt.Fprintln(a.out, strings.TrimSpace(res.Notes))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "consultar si hay una version nueva")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Gestiona el fichero de configuracion",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [ruta]",
		Short: "Escribe un fichero de configuracion de ejemplo",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPath()
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteSample(path, force); err != nil {
				return err
			}
			fmt.Fprintln(a.out, path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "sobrescribir si existe")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Muestra la configuracion efectiva sin secretos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			redacted := *a.cfg
			for _, secret := range []*string{
				&redacted.Local.Password, &redacted.Smartcard.PIN, &redacted.Remote.Token,
				&redacted.Remote.PIN, &redacted.Remote.OTP, &redacted.TSA.Password,
			} {
				if *secret != "" {
					*secret = "********"
				}
			}
			body, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			if a.cfg.Source != "" {
				fmt.Fprintf(a.out, "# %s\n", a.cfg.Source)
			}
			_, err = a.out.Write(body)
			return err
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
