// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fattura-firma.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadReadsFile(t *testing.T) {
	path := writeFile(t, `
signing:
  capability: smartcard
  format: xades
  algorithm: sha512
  timeout: 45s
smartcard:
  modules: [/usr/lib/libbit4xpki.so]
  certificate: "Mario Rossi"
tsa:
  url: https://tsa.example/tsr
  username: utente
output:
  overwrite: rename
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, CapabilitySmartcard, cfg.Signing.Capability)
	assert.Equal(t, FormatXades, cfg.Signing.Format)
	assert.Equal(t, "sha512", cfg.Signing.Algorithm)
	assert.Equal(t, 45*time.Second, cfg.Signing.Timeout)
	assert.Equal(t, []string{"/usr/lib/libbit4xpki.so"}, cfg.Smartcard.Modules)
	assert.Equal(t, "Mario Rossi", cfg.Smartcard.Certificate)
	assert.Equal(t, "https://tsa.example/tsr", cfg.TSA.URL)
	assert.Equal(t, 30*time.Second, cfg.TSA.Timeout)
	assert.True(t, cfg.TSA.CheckImprint)
	assert.Equal(t, OverwriteRename, cfg.Output.Overwrite)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "tsa:\n  url: https://file.example\n")
	t.Setenv("FATTURA_TSA_URL", "https://env.example")
	t.Setenv("FATTURA_LOG_LEVEL", "debug")
	t.Setenv("FATTURA_TSA_CHECK_IMPRINT", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.TSA.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.TSA.CheckImprint)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Source)
	assert.Equal(t, CapabilityLocal, cfg.Signing.Capability)
	assert.Equal(t, FormatCades, cfg.Signing.Format)
	assert.Equal(t, OverwriteFail, cfg.Output.Overwrite)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "file", cfgErr.Field)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"signing.capability": func(c *Config) { c.Signing.Capability = "usb" },
		"signing.format":     func(c *Config) { c.Signing.Format = "pades" },
		"signing.algorithm":  func(c *Config) { c.Signing.Algorithm = "md5" },
		"output.overwrite":   func(c *Config) { c.Output.Overwrite = "maybe" },
		"tsa.timeout":        func(c *Config) { c.TSA.Timeout = -time.Second },
		"host.max_message":   func(c *Config) { c.Host.MaxMessage = 0 },
		"remote": func(c *Config) {
			c.Signing.Capability = CapabilityRemote
			c.Remote.URL = "https://csc.example"
		},
		"local": func(c *Config) {
			c.Local.PKCS12 = "a.p12"
			c.Local.CertFile = "a.pem"
		},
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			c := Default()
			mutate(c)
			err := c.Validate()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "%v", err)
			assert.Equal(t, field, cfgErr.Field)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestWriteSampleLoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "fattura-firma.yaml")
	require.NoError(t, WriteSample(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	want := Default()
	want.Source = path
	assert.Equal(t, want.Signing, cfg.Signing)
	assert.Equal(t, want.TSA, cfg.TSA)
	assert.Equal(t, want.Output, cfg.Output)

	err = WriteSample(path, false)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.NoError(t, WriteSample(path, true))
}
