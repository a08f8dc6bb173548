// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package signer

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/cades"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
	"fattura-firma/pkg/tsa"
	"fattura-firma/pkg/tsd"
	"fattura-firma/pkg/xades"
)

const signedXMLSuffix = "_signed.xml"

// HashFile streams path through alg and renders the digest with enc. Empty
// values select sha256 and base64.
func HashFile(path string, alg digest.Algorithm, enc digest.Encoding) (string, error) {
	if alg == "" {
		alg = digest.Default
	}
	if enc == "" {
		enc = digest.Base64
	}
	if !alg.Valid() {
		return "", sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo no soportado: %q", alg)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", sigerr.Wrap(sigerr.ReasonPathNotFound, "no existe "+path, err)
		}
		return "", fmt.Errorf("no se pudo abrir %s: %w", path, err)
	}
	defer f.Close()

	sum, err := digest.SumReader(f, alg)
	if err != nil {
		return "", fmt.Errorf("no se pudo calcular el resumen de %s: %w", filepath.Base(path), err)
	}
	return digest.Encode(sum, enc)
}

// SignBytes signs data in format (cades, xades or auto) and returns the
// artifact together with the format used.
func (s *Service) SignBytes(ctx context.Context, data []byte, format, alg string) ([]byte, string, error) {
	logger := applog.With("signer")
	sigCap, err := s.requireCapability()
	if err != nil {
		return nil, "", err
	}
	if format == "" {
		format = s.opts.Format
	}
	f, err := resolveSignFormat(format, data)
	if err != nil {
		return nil, "", err
	}
	a, err := s.algorithm(alg)
	if err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SignTimeout)
	defer cancel()

	start := time.Now()
	logger.Info().
		Str("format", f).
		Str("alg", string(a)).
		Str("data", applog.BytesMeta("data", data)).
		Msg("firmando")

	var out []byte
	switch f {
	case FormatXades:
		out, err = s.xades.Sign(ctx, data, sigCap, a)
	default:
		var msg *cades.SignedMessage
		msg, err = s.cades.Sign(ctx, data, sigCap, a)
		if err == nil {
			out = msg.DER
		}
	}
	if err != nil {
		logger.Error().Err(err).Str("format", f).Msg("firma fallida")
		return nil, f, err
	}
	logger.Info().
		Str("format", f).
		Int("out_len", len(out)).
		Dur("elapsed", time.Since(start)).
		Msg("firma completada")
	return out, f, nil
}

// SignFile signs src and writes the artifact next to it: CAdES gives
// "<src>.p7m", XAdES gives "<stem>_signed.xml" and requires an .xml source.
// It returns the written path.
func (s *Service) SignFile(ctx context.Context, src string) (string, error) {
	data, err := readInput(src)
	if err != nil {
		return "", err
	}
	format := s.opts.Format
	if normalizeSignFormat(format) == FormatAuto && hasExt(src, ".xml") {
		format = FormatXades
	}
	f, err := resolveSignFormat(format, data)
	if err != nil {
		return "", err
	}

	var dst string
	switch f {
	case FormatXades:
		if !hasExt(src, ".xml") {
			return "", sigerr.Newf(sigerr.ReasonInvalidInput, "la firma XAdES requiere un fichero .xml: %s", filepath.Base(src))
		}
		dst = trimLastExt(src) + signedXMLSuffix
	default:
		dst = src + ".p7m"
	}
	if dst, err = resolveOutput(dst, s.opts.Overwrite); err != nil {
		return "", err
	}

	out, _, err := s.SignBytes(ctx, data, f, "")
	if err != nil {
		return "", err
	}
	if err := writeOutput(dst, out); err != nil {
		return "", err
	}
	applog.With("signer").Info().Str("dst", filepath.Base(dst)).Msg("fichero firmado escrito")
	return dst, nil
}

// Check is the outcome of one signature. Index is 1-based.
type Check struct {
	Index       int
	Valid       bool
	Certificate *x509.Certificate
	SigningTime time.Time
	Algorithm   digest.Algorithm
	Err         error
}

// Report collects the checks of a verified artifact. Content is the
// encapsulated document of a valid CAdES signature.
type Report struct {
	Format  string
	Checks  []Check
	Content []byte
}

// Valid reports whether every signature verified.
func (r *Report) Valid() bool {
	if r == nil || len(r.Checks) == 0 {
		return false
	}
	for _, c := range r.Checks {
		if !c.Valid {
			return false
		}
	}
	return true
}

// Lines renders one "Firma numero :i verifica : bool" line per signature.
func (r *Report) Lines() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Checks))
	for _, c := range r.Checks {
		out = append(out, fmt.Sprintf("Firma numero :%d verifica : %t", c.Index, c.Valid))
	}
	return out
}

// VerifyBytes verifies data. name selects the format by extension (.p7m or
// .xml); without an extension the content decides. The report is returned
// with every evaluated signature even when err is not nil.
func VerifyBytes(name string, data []byte) (*Report, error) {
	logger := applog.With("signer")
	format := detectSignedFormat(name, data)
	switch format {
	case FormatCades:
		v, err := cades.VerifyCades(data)
		if err != nil {
			logger.Warn().Err(err).Msg("firma CAdES no valida")
			return &Report{Format: format, Checks: []Check{{Index: 1, Err: err}}}, err
		}
		rep := &Report{Format: format, Content: v.Content}
		for i, si := range v.Signers {
			rep.Checks = append(rep.Checks, Check{
				Index:       i + 1,
				Valid:       true,
				Certificate: si.Certificate,
				SigningTime: si.SigningTime,
				Algorithm:   si.DigestAlgorithm,
			})
		}
		return rep, nil
	case FormatXades:
		results, err := xades.VerifyXades(data, xades.VerifyOptions{Mode: xades.Full})
		rep := &Report{Format: format}
		for _, r := range results {
			rep.Checks = append(rep.Checks, Check{
				Index:       r.Index + 1,
				Valid:       r.Valid,
				Certificate: r.Certificate,
				SigningTime: r.SigningTime,
				Err:         r.Err,
			})
		}
		if err != nil {
			logger.Warn().Err(err).Int("signatures", len(results)).Msg("verificacion XAdES con errores")
		}
		return rep, err
	default:
		return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "formato no reconocido: solo .p7m o .xml (%s)", filepath.Base(name))
	}
}

// VerifyFile verifies a .p7m or .xml file.
func VerifyFile(path string) (*Report, error) {
	if !hasExt(path, ".p7m") && !hasExt(path, ".xml") {
		return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "formato no reconocido: solo .p7m o .xml (%s)", filepath.Base(path))
	}
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	return VerifyBytes(path, data)
}

// ExtractFile verifies the .p7m src and writes its content to dst. An empty
// dst means src without its last extension. It returns the written path.
func (s *Service) ExtractFile(src, dst string) (string, error) {
	if !hasExt(src, ".p7m") {
		return "", sigerr.Newf(sigerr.ReasonInvalidInput, "formato no reconocido: solo .p7m (%s)", filepath.Base(src))
	}
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", sigerr.Wrap(sigerr.ReasonPathNotFound, "no existe "+src, err)
		}
		return "", fmt.Errorf("no se pudo comprobar %s: %w", src, err)
	}
	if dst == "" {
		dst = trimLastExt(src)
	}
	if strings.EqualFold(filepath.Clean(src), filepath.Clean(dst)) || samePath(src, dst) {
		return "", sigerr.New(sigerr.ReasonSourceEqualsDestination, "el fichero firmado y el de destino coinciden")
	}
	dst, err := resolveOutput(dst, s.opts.Overwrite)
	if err != nil {
		return "", err
	}

	data, err := readInput(src)
	if err != nil {
		return "", err
	}
	v, err := cades.VerifyCades(data)
	if err != nil {
		return "", err
	}
	if err := writeOutput(dst, v.Content); err != nil {
		return "", err
	}
	applog.With("signer").Info().
		Str("src", filepath.Base(src)).
		Str("dst", filepath.Base(dst)).
		Int("len", len(v.Content)).
		Msg("documento original extraido")
	return dst, nil
}

func (s *Service) tsaTarget(url string, auth *tsa.BasicAuth) (string, *tsa.BasicAuth) {
	if strings.TrimSpace(url) == "" {
		url = s.opts.TSAURL
		if auth == nil {
			auth = s.opts.TSAAuth
		}
	}
	return url, auth
}

// TimestampBytes time-stamps the sha256 digest of data and returns the raw
// TimeStampResp. url and auth default to the configured TSA.
func (s *Service) TimestampBytes(ctx context.Context, data []byte, url string, auth *tsa.BasicAuth) ([]byte, error) {
	url, auth = s.tsaTarget(url, auth)
	sum, err := digest.Sum(data, digest.SHA256)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.TSATimeout)
	defer cancel()

	tsr, err := s.opts.TSA.RequestTimestamp(ctx, sum, digest.SHA256, url, auth)
	if err != nil {
		return nil, err
	}
	if s.opts.CheckImprint {
		if _, err := s.opts.TSA.CheckImprint(tsr, sum); err != nil {
			return nil, err
		}
	}
	return tsr, nil
}

// TimestampFile time-stamps src and writes the response next to it with the
// last extension replaced by .tsr: "a.xml.p7m" gives "a.xml.tsr".
func (s *Service) TimestampFile(ctx context.Context, src, url string, auth *tsa.BasicAuth) (string, error) {
	data, err := readInput(src)
	if err != nil {
		return "", err
	}
	dst, err := resolveOutput(replaceLastExt(src, ".tsr"), s.opts.Overwrite)
	if err != nil {
		return "", err
	}
	tsr, err := s.TimestampBytes(ctx, data, url, auth)
	if err != nil {
		return "", err
	}
	if err := writeOutput(dst, tsr); err != nil {
		return "", err
	}
	applog.With("signer").Info().Str("dst", filepath.Base(dst)).Int("len", len(tsr)).Msg("sello de tiempo guardado")
	return dst, nil
}

// BuildTsdFile combines a .tsr response with the .p7m it time-stamps and
// writes the TimeStampedData to the tsr path with a .tsd extension.
func (s *Service) BuildTsdFile(tsrPath, p7mPath string) (string, error) {
	if !hasExt(tsrPath, ".tsr") {
		return "", sigerr.Newf(sigerr.ReasonInvalidInput, "se esperaba un fichero .tsr: %s", filepath.Base(tsrPath))
	}
	if !hasExt(p7mPath, ".p7m") {
		return "", sigerr.Newf(sigerr.ReasonInvalidInput, "se esperaba un fichero .p7m: %s", filepath.Base(p7mPath))
	}
	tsr, err := readInput(tsrPath)
	if err != nil {
		return "", err
	}
	p7m, err := readInput(p7mPath)
	if err != nil {
		return "", err
	}
	dst, err := resolveOutput(replaceLastExt(tsrPath, ".tsd"), s.opts.Overwrite)
	if err != nil {
		return "", err
	}
	out, err := tsd.BuildTsd(tsr, p7m)
	if err != nil {
		return "", err
	}
	if err := writeOutput(dst, out); err != nil {
		return "", err
	}
	applog.With("signer").Info().Str("dst", filepath.Base(dst)).Msg("TimeStampedData escrito")
	return dst, nil
}
