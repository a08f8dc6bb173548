// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/config"
	"fattura-firma/pkg/signer"
	"fattura-firma/pkg/version"
)

var (
	openCapabilityFunc = signer.OpenCapability
	initLoggingFunc    = initLogging
)

// app carries the state shared by the subcommands.
type app struct {
	out, errOut io.Writer

	configPath string
	logLevel   string
	jsonOutput bool

	cfg *config.Config
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "fattura-firma",
		Short: "Firma CAdES/XAdES y sellado de tiempo de facturas electronicas",
		Long: `Firma y verifica facturas electronicas (CAdES-BES .p7m y XAdES-BES),
obtiene sellos de tiempo RFC 3161 y construye ficheros TimeStampedData (.tsd).

La configuracion se lee de fattura-firma.yaml (directorio actual o de usuario)
y puede sobrescribirse con variables FATTURA_*.

Ejemplos:
  fattura-firma sign IT01234567890_00001.xml
  fattura-firma verify IT01234567890_00001.xml.p7m
  fattura-firma timestamp IT01234567890_00001.xml.p7m --url https://freetsa.org/tsr
  fattura-firma tsd IT01234567890_00001.xml.tsr IT01234567890_00001.xml.p7m`,
		Version:           version.String(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "fichero de configuracion")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "nivel de log (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "salida en JSON")

	root.AddCommand(
		newSignCmd(a),
		newVerifyCmd(a),
		newExtractCmd(a),
		newTimestampCmd(a),
		newTsdCmd(a),
		newHashCmd(a),
		newCheckNameCmd(a),
		newCertsCmd(a),
		newVersionCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	initLoggingFunc(cfg)
	applog.With("cli").Debug().
		Str("command", cmd.CommandPath()).
		Strs("args", applog.SanitizeArgs(os.Args[1:])).
		Str("config", cfg.Source).
		Msg("comando iniciado")
	return nil
}

func initLogging(cfg *config.Config) {
	if _, err := applog.Init("fattura-firma", applog.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Dir:    cfg.Log.Dir,
		Quiet:  cfg.Log.Quiet,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "no se pudo inicializar el log persistente: %v\n", err)
	}
}

// service builds a signer.Service from the configuration. withCapability
// opens the signing backend as well; the caller must Close the service.
func (a *app) service(ctx context.Context, withCapability bool, selector, pin string) (*signer.Service, error) {
	opts, err := signer.FromConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	if withCapability {
		if pin == "" {
			pin, err = a.promptPIN()
			if err != nil {
				return nil, err
			}
		}
		c, err := openCapabilityFunc(ctx, a.cfg, selector, pin)
		if err != nil {
			return nil, err
		}
		if cert, err := capability.Certificate(c); err == nil {
			applog.With("cli").Info().Str("subject", cert.Subject.CommonName).Msg("certificado de firma")
		}
		opts.Capability = c
	}
	return signer.New(opts), nil
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
