// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package config loads fattura-firma.yaml with viper. FATTURA_* environment
// variables override the file ("tsa.url" is FATTURA_TSA_URL).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"fattura-firma/pkg/digest"
)

const (
	FileName  = "fattura-firma"
	EnvPrefix = "FATTURA"
)

// Capability backends.
const (
	CapabilityLocal     = "local"
	CapabilitySmartcard = "smartcard"
	CapabilityRemote    = "remote"
)

// Signature formats.
const (
	FormatCades = "cades"
	FormatXades = "xades"
)

// Overwrite policies for output files.
const (
	OverwriteFail   = "fail"
	OverwriteRename = "rename"
	OverwriteForce  = "force"
)

// Config is the whole configuration tree.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Signing   SigningConfig   `mapstructure:"signing" yaml:"signing"`
	Local     LocalConfig     `mapstructure:"local" yaml:"local"`
	Smartcard SmartcardConfig `mapstructure:"smartcard" yaml:"smartcard"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	TSA       TSAConfig       `mapstructure:"tsa" yaml:"tsa"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Host      HostConfig      `mapstructure:"host" yaml:"host"`
	Update    UpdateConfig    `mapstructure:"update" yaml:"update"`

	// Source is the file the configuration was read from, if any.
	Source string `mapstructure:"-" yaml:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Quiet  bool   `mapstructure:"quiet" yaml:"quiet"`
}

// SigningConfig selects the capability, format and digest used by default.
type SigningConfig struct {
	Capability string        `mapstructure:"capability" yaml:"capability"`
	Format     string        `mapstructure:"format" yaml:"format"`
	Algorithm  string        `mapstructure:"algorithm" yaml:"algorithm"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LocalConfig points at a PKCS#12 bundle or a PEM certificate/key pair.
type LocalConfig struct {
	PKCS12   string `mapstructure:"pkcs12" yaml:"pkcs12"`
	Password string `mapstructure:"password" yaml:"password"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
}

type SmartcardConfig struct {
	// Modules are PKCS#11 library paths tried before the platform defaults.
	Modules []string `mapstructure:"modules" yaml:"modules"`
	// Certificate selects a token certificate by id, fingerprint or CN.
	Certificate string `mapstructure:"certificate" yaml:"certificate"`
	PIN         string `mapstructure:"pin" yaml:"pin"`
}

// RemoteConfig configures a Cloud Signature Consortium service.
type RemoteConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	APIVersion      string        `mapstructure:"api_version" yaml:"api_version"`
	CredentialID    string        `mapstructure:"credential_id" yaml:"credential_id"`
	Token           string        `mapstructure:"token" yaml:"token"`
	PIN             string        `mapstructure:"pin" yaml:"pin"`
	OTP             string        `mapstructure:"otp" yaml:"otp"`
	CertificateFile string        `mapstructure:"certificate_file" yaml:"certificate_file"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type TSAConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	Username     string        `mapstructure:"username" yaml:"username"`
	Password     string        `mapstructure:"password" yaml:"password"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CheckImprint bool          `mapstructure:"check_imprint" yaml:"check_imprint"`
}

type OutputConfig struct {
	// Overwrite is fail, rename or force.
	Overwrite string `mapstructure:"overwrite" yaml:"overwrite"`
}

// HostConfig configures the native messaging host.
type HostConfig struct {
	// Listen enables the websocket listener on this address when set.
	Listen         string   `mapstructure:"listen" yaml:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	MaxMessage     int      `mapstructure:"max_message" yaml:"max_message"`
}

type UpdateConfig struct {
	ManifestURL string        `mapstructure:"manifest_url" yaml:"manifest_url"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ConfigError reports an invalid setting.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("configuracion: %s: %s", e.Field, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Signing: SigningConfig{
			Capability: CapabilityLocal,
			Format:     FormatCades,
			Algorithm:  string(digest.Default),
			Timeout:    2 * time.Minute,
		},
		Remote: RemoteConfig{APIVersion: "v1", Timeout: 60 * time.Second},
		TSA:    TSAConfig{Timeout: 30 * time.Second, CheckImprint: true},
		Output: OutputConfig{Overwrite: OverwriteFail},
		Host: HostConfig{
			AllowedOrigins: []string{},
			MaxMessage:     1 << 20,
		},
		Update: UpdateConfig{Timeout: 10 * time.Second},
	}
}

// Load reads path, or fattura-firma.yaml from the working directory or the
// user config directory when path is empty. A missing default file is not an
// error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, FileName))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, &ConfigError{Field: "file", Message: "no se pudo leer " + path, Err: err}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &ConfigError{Field: "file", Message: "formato no valido", Err: err}
	}
	cfg.Source = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.quiet", d.Log.Quiet)

	v.SetDefault("signing.capability", d.Signing.Capability)
	v.SetDefault("signing.format", d.Signing.Format)
	v.SetDefault("signing.algorithm", d.Signing.Algorithm)
	v.SetDefault("signing.timeout", d.Signing.Timeout)

	v.SetDefault("local.pkcs12", d.Local.PKCS12)
	v.SetDefault("local.password", d.Local.Password)
	v.SetDefault("local.cert_file", d.Local.CertFile)
	v.SetDefault("local.key_file", d.Local.KeyFile)

	v.SetDefault("smartcard.modules", d.Smartcard.Modules)
	v.SetDefault("smartcard.certificate", d.Smartcard.Certificate)
	v.SetDefault("smartcard.pin", d.Smartcard.PIN)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.api_version", d.Remote.APIVersion)
	v.SetDefault("remote.credential_id", d.Remote.CredentialID)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.pin", d.Remote.PIN)
	v.SetDefault("remote.otp", d.Remote.OTP)
	v.SetDefault("remote.certificate_file", d.Remote.CertificateFile)
	v.SetDefault("remote.timeout", d.Remote.Timeout)

	v.SetDefault("tsa.url", d.TSA.URL)
	v.SetDefault("tsa.username", d.TSA.Username)
	v.SetDefault("tsa.password", d.TSA.Password)
	v.SetDefault("tsa.timeout", d.TSA.Timeout)
	v.SetDefault("tsa.check_imprint", d.TSA.CheckImprint)

	v.SetDefault("output.overwrite", d.Output.Overwrite)

	v.SetDefault("host.listen", d.Host.Listen)
	v.SetDefault("host.allowed_origins", d.Host.AllowedOrigins)
	v.SetDefault("host.max_message", d.Host.MaxMessage)

	v.SetDefault("update.manifest_url", d.Update.ManifestURL)
	v.SetDefault("update.timeout", d.Update.Timeout)
}

// Validate checks enumerations and values that would only fail later.
func (c *Config) Validate() error {
	switch c.Signing.Capability {
	case CapabilityLocal, CapabilitySmartcard, CapabilityRemote:
	default:
		return &ConfigError{Field: "signing.capability", Message: fmt.Sprintf("valor %q no soportado (local, smartcard, remote)", c.Signing.Capability)}
	}
	switch c.Signing.Format {
	case FormatCades, FormatXades:
	default:
		return &ConfigError{Field: "signing.format", Message: fmt.Sprintf("valor %q no soportado (cades, xades)", c.Signing.Format)}
	}
	if _, err := digest.Parse(c.Signing.Algorithm); err != nil {
		return &ConfigError{Field: "signing.algorithm", Message: "algoritmo no soportado", Err: err}
	}
	switch c.Output.Overwrite {
	case OverwriteFail, OverwriteRename, OverwriteForce:
	default:
		return &ConfigError{Field: "output.overwrite", Message: fmt.Sprintf("valor %q no soportado (fail, rename, force)", c.Output.Overwrite)}
	}
	if c.Local.PKCS12 != "" && (c.Local.CertFile != "" || c.Local.KeyFile != "") {
		return &ConfigError{Field: "local", Message: "pkcs12 y cert_file/key_file son excluyentes"}
	}
	if (c.Local.CertFile == "") != (c.Local.KeyFile == "") {
		return &ConfigError{Field: "local", Message: "cert_file y key_file deben indicarse juntos"}
	}
	if c.Signing.Capability == CapabilityRemote && (c.Remote.URL == "" || c.Remote.CredentialID == "") {
		return &ConfigError{Field: "remote", Message: "url y credential_id son obligatorios para la firma remota"}
	}
	for field, d := range map[string]time.Duration{
		"signing.timeout": c.Signing.Timeout,
		"remote.timeout":  c.Remote.Timeout,
		"tsa.timeout":     c.TSA.Timeout,
		"update.timeout":  c.Update.Timeout,
	} {
		if d < 0 {
			return &ConfigError{Field: field, Message: "el tiempo de espera no puede ser negativo"}
		}
	}
	if c.Host.MaxMessage <= 0 {
		return &ConfigError{Field: "host.max_message", Message: "debe ser positivo"}
	}
	return nil
}

// WriteSample writes the default configuration to path. An existing file is
// kept unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return &ConfigError{Field: "file", Message: "ya existe " + path}
		}
	}
	body, err := yaml.Marshal(Default())
	if err != nil {
		return &ConfigError{Field: "file", Message: "no se pudo generar la muestra", Err: err}
	}
	header := "# Configuracion de fattura-firma. Las variables FATTURA_* tienen prioridad.\n"
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &ConfigError{Field: "file", Message: "no se pudo crear " + dir, Err: err}
		}
	}
	if err := os.WriteFile(path, append([]byte(header), body...), 0o600); err != nil {
		return &ConfigError{Field: "file", Message: "no se pudo escribir " + path, Err: err}
	}
	return nil
}

// DefaultPath is where WriteSample puts the file when no path is given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, FileName, FileName+".yaml")
	}
	return FileName + ".yaml"
}
