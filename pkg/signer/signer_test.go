// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package signer

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/config"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

func TestNewDefaults(t *testing.T) {
	svc := New(Options{})
	assert.Equal(t, digest.Default, svc.opts.Algorithm)
	assert.Equal(t, FormatAuto, svc.opts.Format)
	assert.Equal(t, OverwriteFail, svc.opts.Overwrite)
	assert.NotNil(t, svc.opts.TSA)
	assert.Equal(t, defaultSignTimeout, svc.opts.SignTimeout)
	assert.Equal(t, defaultTSATimeout, svc.opts.TSATimeout)
	assert.Nil(t, svc.Capability())
	assert.NoError(t, svc.Close())
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Signing.Algorithm = "SHA-384"
	cfg.Output.Overwrite = "rename"
	cfg.TSA.URL = "https://tsa.example.it/tsr"
	cfg.TSA.Username = "utente"
	cfg.TSA.Password = "segreto"
	cfg.TSA.Timeout = 5 * time.Second

	opts, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, digest.SHA384, opts.Algorithm)
	assert.Equal(t, OverwriteRename, opts.Overwrite)
	assert.Equal(t, "cades", opts.Format)
	assert.Equal(t, "https://tsa.example.it/tsr", opts.TSAURL)
	require.NotNil(t, opts.TSAAuth)
	assert.Equal(t, "utente", opts.TSAAuth.Username)
	assert.True(t, opts.CheckImprint)
	assert.Equal(t, 5*time.Second, opts.TSATimeout)

	cfg.TSA.Username = ""
	opts, err = FromConfig(cfg)
	require.NoError(t, err)
	assert.Nil(t, opts.TSAAuth)

	cfg.Signing.Algorithm = "md5"
	_, err = FromConfig(cfg)
	assert.True(t, errors.Is(err, sigerr.ErrUnsupportedAlgorithm))
}

func TestOpenCapabilityLocalPEM(t *testing.T) {
	id := newIdentity(t, "BIANCHI LUCA")
	dir := t.TempDir()
	keyDER, err := x509.MarshalPKCS8PrivateKey(id.key)
	require.NoError(t, err)
	certPath := writeFile(t, dir, "cert.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.cert.Raw}))
	keyPath := writeFile(t, dir, "key.pem", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))

	cfg := config.Default()
	cfg.Local.CertFile = certPath
	cfg.Local.KeyFile = keyPath

	c, err := OpenCapability(context.Background(), cfg, "", "")
	require.NoError(t, err)
	cert, err := capability.Certificate(c)
	require.NoError(t, err)
	assert.Equal(t, "BIANCHI LUCA", cert.Subject.CommonName)
}

func TestOpenCapabilityErrors(t *testing.T) {
	cfg := config.Default()
	_, err := OpenCapability(context.Background(), cfg, "", "")
	assert.True(t, errors.Is(err, sigerr.ErrCapabilityUnavailable), "got %v", err)

	cfg.Signing.Capability = "nfc"
	_, err = OpenCapability(context.Background(), cfg, "", "")
	assert.True(t, errors.Is(err, sigerr.ErrInvalidInput), "got %v", err)

	cfg.Signing.Capability = config.CapabilityLocal
	cfg.Local.PKCS12 = "/no/existe/firma.p12"
	_, err = OpenCapability(context.Background(), cfg, "", "")
	assert.Equal(t, sigerr.KindCapability, sigerr.KindOf(err), "got %v", err)
}
