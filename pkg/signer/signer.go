// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package signer runs the file-level operations of the tool on top of the
// cades, xades, tsa and tsd packages.
package signer

import (
	"context"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/cades"
	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/certstore"
	"fattura-firma/pkg/config"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/protocol"
	"fattura-firma/pkg/sigerr"
	"fattura-firma/pkg/tsa"
	"fattura-firma/pkg/xades"
)

const (
	defaultSignTimeout = 2 * time.Minute
	defaultTSATimeout  = 30 * time.Second
)

// Options configures a Service. Zero values select sha256, auto format, the
// fail overwrite policy, the HTTP TSA client and the wall clock.
type Options struct {
	Capability capability.Capability
	Algorithm  digest.Algorithm
	Format     string
	Overwrite  OverwritePolicy

	TSA          *tsa.Client
	TSAURL       string
	TSAAuth      *tsa.BasicAuth
	CheckImprint bool

	SignTimeout time.Duration
	TSATimeout  time.Duration
	Clock       clockwork.Clock
}

// Service performs file operations. It is safe for concurrent use when its
// capability is.
type Service struct {
	opts  Options
	cades *cades.Engine
	xades *xades.Engine
}

// New fills the defaults of opts and returns a Service.
func New(opts Options) *Service {
	if opts.Algorithm == "" {
		opts.Algorithm = digest.Default
	}
	if opts.Format == "" {
		opts.Format = FormatAuto
	}
	if opts.Overwrite == "" {
		opts.Overwrite = OverwriteFail
	}
	if opts.TSA == nil {
		opts.TSA = tsa.NewClient(nil)
	}
	if opts.SignTimeout <= 0 {
		opts.SignTimeout = defaultSignTimeout
	}
	if opts.TSATimeout <= 0 {
		opts.TSATimeout = defaultTSATimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Service{
		opts:  opts,
		cades: cades.NewEngine(opts.Clock),
		xades: xades.NewEngine(opts.Clock),
	}
}

// FromConfig builds Service options from cfg. The capability is left nil; see
// OpenCapability.
func FromConfig(cfg *config.Config) (Options, error) {
	alg, err := digest.Parse(cfg.Signing.Algorithm)
	if err != nil {
		return Options{}, err
	}
	policy, err := ParseOverwrite(cfg.Output.Overwrite)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Algorithm:    alg,
		Format:       cfg.Signing.Format,
		Overwrite:    policy,
		TSAURL:       cfg.TSA.URL,
		CheckImprint: cfg.TSA.CheckImprint,
		SignTimeout:  cfg.Signing.Timeout,
		TSATimeout:   cfg.TSA.Timeout,
	}
	if cfg.TSA.Username != "" {
		opts.TSAAuth = &tsa.BasicAuth{Username: cfg.TSA.Username, Password: cfg.TSA.Password}
	}
	return opts, nil
}

// Capability returns the configured capability, which may be nil.
func (s *Service) Capability() capability.Capability {
	return s.opts.Capability
}

// Close releases the capability.
func (s *Service) Close() error {
	return capability.Close(s.opts.Capability)
}

func (s *Service) algorithm(alg string) (digest.Algorithm, error) {
	return resolveAlgorithm(s.opts.Algorithm, alg)
}

func (s *Service) requireCapability() (capability.Capability, error) {
	if s.opts.Capability == nil {
		return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "no hay ningun certificado de firma configurado")
	}
	return s.opts.Capability, nil
}

// OpenCapability opens the signing backend selected by cfg.Signing.Capability.
// selector and pin override the configured smartcard certificate and the
// smartcard or remote PIN when not empty.
func OpenCapability(ctx context.Context, cfg *config.Config, selector, pin string) (capability.Capability, error) {
	logger := applog.With("signer")
	backend := strings.ToLower(strings.TrimSpace(cfg.Signing.Capability))
	logger.Debug().
		Str("capability", backend).
		Str("selector", applog.MaskID(selector)).
		Bool("pin_set", pin != "").
		Msg("abriendo capacidad de firma")

	switch backend {
	case "", config.CapabilityLocal:
		return openLocal(cfg.Local)
	case config.CapabilitySmartcard:
		return openSmartcard(cfg.Smartcard, selector, pin)
	case config.CapabilityRemote:
		return openRemote(ctx, cfg.Remote, pin)
	default:
		return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "capacidad de firma desconocida: %q", cfg.Signing.Capability)
	}
}

func openLocal(c config.LocalConfig) (capability.Capability, error) {
	var (
		local *capability.Local
		err   error
	)
	switch {
	case c.PKCS12 != "":
		local, err = capability.LoadPKCS12(c.PKCS12, c.Password)
	case c.CertFile != "" && c.KeyFile != "":
		local, err = capability.LoadPEM(c.CertFile, c.KeyFile)
	default:
		return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "no se ha configurado ningun certificado local (local.pkcs12 o local.cert_file/key_file)")
	}
	if err != nil {
		return nil, err
	}
	return local, nil
}

func openSmartcard(c config.SmartcardConfig, selector, pin string) (capability.Capability, error) {
	if selector == "" {
		selector = c.Certificate
	}
	if pin == "" {
		pin = c.PIN
	}
	certs, err := certstore.List(certstore.Options{Modules: c.Modules, IncludePKCS11: true})
	if err != nil {
		return nil, err
	}
	var onCard []protocol.Certificate
	for _, cert := range certs {
		if cert.Source == certstore.SourceSmartcard {
			onCard = append(onCard, cert)
		}
	}
	if len(onCard) == 0 {
		return nil, sigerr.New(sigerr.ReasonCapabilityUnavailable, "no se ha encontrado ninguna tarjeta con certificados")
	}
	chosen, err := certstore.Select(onCard, selector)
	if err != nil {
		return nil, err
	}
	modules := c.Modules
	if chosen.Module != "" {
		modules = []string{chosen.Module}
	}
	card, err := capability.OpenSmartcard(capability.SmartcardOptions{
		Modules:     modules,
		Certificate: chosen.Content,
		PIN:         pin,
	})
	if err != nil {
		return nil, err
	}
	return card, nil
}

func openRemote(ctx context.Context, c config.RemoteConfig, pin string) (capability.Capability, error) {
	if pin == "" {
		pin = c.PIN
	}
	opts := capability.RemoteOptions{
		ServiceURL:   c.URL,
		APIVersion:   c.APIVersion,
		CredentialID: c.CredentialID,
		Token:        c.Token,
		PIN:          pin,
		OTP:          c.OTP,
	}
	if c.Timeout > 0 {
		opts.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.CertificateFile != "" {
		raw, err := readInput(c.CertificateFile)
		if err != nil {
			return nil, err
		}
		if block, _ := pem.Decode(raw); block != nil {
			raw = block.Bytes
		}
		opts.Certificate = raw
	}
	r, err := capability.NewRemoteHSM(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("no se pudo conectar con el servicio de firma remota: %w", err)
	}
	return r, nil
}
