// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package tsa

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"fattura-firma/pkg/sigerr"
)

// maxResponseSize bounds the body read from a TSA.
const maxResponseSize = 1 << 20

// BasicAuth holds HTTP basic credentials for the TSA.
type BasicAuth struct {
	Username string
	Password string
}

// Poster performs the HTTP POST of a request. Failures must be reported as
// TransportFailure.
type Poster interface {
	Post(ctx context.Context, url string, body []byte, contentType string, auth *BasicAuth) ([]byte, error)
}

// HTTPPoster is the net/http Poster.
type HTTPPoster struct {
	Client *http.Client
}

// NewHTTPPoster wraps client, or a client with a 30s timeout when nil.
func NewHTTPPoster(client *http.Client) *HTTPPoster {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPPoster{Client: client}
}

func (p *HTTPPoster) Post(ctx context.Context, url string, body []byte, contentType string, auth *BasicAuth) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonTransportFailure, "URL de TSA no valida", err)
	}
	req.Header.Set("Content-Type", contentType)
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonTransportFailure, "TSA inaccesible", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, sigerr.Newf(sigerr.ReasonTransportFailure, "la TSA respondio HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, sigerr.Wrap(sigerr.ReasonTransportFailure, "lectura de la respuesta de la TSA interrumpida", err)
	}
	if len(out) > maxResponseSize {
		return nil, sigerr.New(sigerr.ReasonTransportFailure, "respuesta de la TSA demasiado grande")
	}
	return out, nil
}
