// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package tsa is an RFC 3161 time-stamping client. Requests carry only the
// message imprint: no nonce, no policy and no certificate request.
package tsa

import (
	"bytes"
	"context"
	"encoding/asn1"
	"fmt"
	"strings"

	"github.com/digitorus/timestamp"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

// ContentTypeQuery is the media type of a TimeStampReq.
const ContentTypeQuery = "application/timestamp-query"

// PKIStatus values (RFC 3161 section 2.4.2).
const (
	StatusGranted                = 0
	StatusGrantedWithMods        = 1
	StatusRejection              = 2
	StatusWaiting                = 3
	StatusRevocationWarning      = 4
	StatusRevocationNotification = 5
)

var statusNames = map[int]string{
	StatusGranted:                "granted",
	StatusGrantedWithMods:        "grantedWithMods",
	StatusRejection:              "rejection",
	StatusWaiting:                "waiting",
	StatusRevocationWarning:      "revocationWarning",
	StatusRevocationNotification: "revocationNotification",
}

var failInfoBits = []struct {
	bit  int
	name string
}{
	{0, "badAlg"},
	{2, "badRequest"},
	{5, "badDataFormat"},
	{14, "timeNotAvailable"},
	{15, "unacceptedPolicy"},
	{16, "unacceptedExtension"},
	{17, "addInfoNotAvailable"},
	{25, "systemFailure"},
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// Status is the parsed PKIStatusInfo of a response.
type Status struct {
	Code     int
	Text     []string
	FailInfo []string
}

// Granted reports a status that carries a token.
func (s Status) Granted() bool {
	return s.Code == StatusGranted || s.Code == StatusGrantedWithMods
}

func (s Status) String() string {
	name, ok := statusNames[s.Code]
	if !ok {
		name = fmt.Sprintf("status %d", s.Code)
	}
	parts := []string{name}
	if len(s.Text) > 0 {
		parts = append(parts, strings.Join(s.Text, "; "))
	}
	if len(s.FailInfo) > 0 {
		parts = append(parts, "failInfo="+strings.Join(s.FailInfo, ","))
	}
	return strings.Join(parts, ": ")
}

// Client sends requests through a Poster.
type Client struct {
	poster Poster
}

// NewClient returns a client using p, or an HTTPPoster when p is nil.
func NewClient(p Poster) *Client {
	if p == nil {
		p = NewHTTPPoster(nil)
	}
	return &Client{poster: p}
}

var defaultClient = NewClient(nil)

// RequestTimestamp asks endpoint to time-stamp artifactDigest with the
// default HTTP transport.
func RequestTimestamp(ctx context.Context, artifactDigest []byte, alg digest.Algorithm, endpoint string, auth *BasicAuth) ([]byte, error) {
	return defaultClient.RequestTimestamp(ctx, artifactDigest, alg, endpoint, auth)
}

// BuildRequest encodes a TimeStampReq v1 for artifactDigest.
func BuildRequest(artifactDigest []byte, alg digest.Algorithm) ([]byte, error) {
	if !alg.Valid() {
		return nil, sigerr.Newf(sigerr.ReasonUnsupportedAlgorithm, "algoritmo no soportado: %q", alg)
	}
	if len(artifactDigest) != alg.Size() {
		return nil, sigerr.Newf(sigerr.ReasonInvalidInput, "resumen de %d bytes, %s requiere %d", len(artifactDigest), alg, alg.Size())
	}
	req := &timestamp.Request{
		HashAlgorithm: alg.Hash(),
		HashedMessage: artifactDigest,
	}
	der, err := req.Marshal()
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonEncodingFailure, "no se pudo codificar TimeStampReq", err)
	}
	return der, nil
}

// RequestTimestamp sends a TimeStampReq and returns the raw TimeStampResp
// once its status is granted. The response is not otherwise validated; see
// CheckImprint.
func (c *Client) RequestTimestamp(ctx context.Context, artifactDigest []byte, alg digest.Algorithm, endpoint string, auth *BasicAuth) ([]byte, error) {
	logger := applog.With("tsa")
	body, err := BuildRequest(artifactDigest, alg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, sigerr.New(sigerr.ReasonInvalidInput, "URL de TSA vacia")
	}

	logger.Debug().
		Str("url", applog.SanitizeURI(endpoint)).
		Str("alg", string(alg)).
		Bool("auth", auth != nil).
		Msg("enviando peticion de sello de tiempo")
	resp, err := c.poster.Post(ctx, endpoint, body, ContentTypeQuery, auth)
	if err != nil {
		logger.Warn().Err(err).Str("url", applog.SanitizeURI(endpoint)).Msg("fallo de transporte con la TSA")
		return nil, err
	}
	if len(bytes.TrimSpace(resp)) == 0 {
		return nil, sigerr.New(sigerr.ReasonEmptyResponse, "la TSA devolvio una respuesta vacia")
	}
	status, err := ParseStatus(resp)
	if err != nil {
		return nil, err
	}
	if !status.Granted() {
		logger.Warn().Str("status", status.String()).Msg("la TSA rechazo la peticion")
		return nil, sigerr.New(sigerr.ReasonTSARejected, status.String())
	}
	logger.Info().Str("url", applog.SanitizeURI(endpoint)).Int("tsr_len", len(resp)).Msg("sello de tiempo obtenido")
	return resp, nil
}

// ParseStatus decodes the PKIStatusInfo of a TimeStampResp. A granted
// response must carry a token.
func ParseStatus(tsr []byte) (Status, error) {
	var resp timeStampResp
	rest, err := asn1.Unmarshal(tsr, &resp)
	if err != nil {
		return Status{}, sigerr.Wrap(sigerr.ReasonInvalidTSR, "TimeStampResp invalida", err)
	}
	if len(rest) > 0 {
		return Status{}, sigerr.Newf(sigerr.ReasonInvalidTSR, "%d bytes sobrantes tras TimeStampResp", len(rest))
	}
	st := Status{Code: resp.Status.Status, Text: resp.Status.StatusString}
	for _, f := range failInfoBits {
		if resp.Status.FailInfo.At(f.bit) == 1 {
			st.FailInfo = append(st.FailInfo, f.name)
		}
	}
	if st.Granted() && len(resp.TimeStampToken.FullBytes) == 0 {
		return st, sigerr.New(sigerr.ReasonInvalidTSR, "respuesta concedida sin TimeStampToken")
	}
	return st, nil
}

// CheckImprint parses the token of tsr and checks that it time-stamps
// artifactDigest.
func CheckImprint(tsr, artifactDigest []byte) (*timestamp.Timestamp, error) {
	ts, err := timestamp.ParseResponse(tsr)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonInvalidTSR, "sello de tiempo no valido", err)
	}
	if !bytes.Equal(ts.HashedMessage, artifactDigest) {
		return ts, sigerr.New(sigerr.ReasonDigestMismatch, "el sello de tiempo no corresponde al documento")
	}
	return ts, nil
}

// CheckImprint is CheckImprint for callers holding a Client.
func (c *Client) CheckImprint(tsr, artifactDigest []byte) (*timestamp.Timestamp, error) {
	return CheckImprint(tsr, artifactDigest)
}
