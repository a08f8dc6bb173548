// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package updater compares the running version with a published JSON
// manifest.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fattura-firma/pkg/applog"
)

type Manifest struct {
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type Result struct {
	CurrentVersion string
	LatestVersion  string
	UpdateURL      string
	Notes          string
	HasUpdate      bool
}

// CheckForUpdates fetches manifestURL. A zero timeout means 8 seconds.
func CheckForUpdates(ctx context.Context, currentVersion, manifestURL string, timeout time.Duration) (*Result, error) {
	manifestURL = strings.TrimSpace(manifestURL)
	if manifestURL == "" {
		return nil, fmt.Errorf("URL de actualizacion vacia")
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("URL de actualizacion no valida: %w", err)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("no se pudo consultar %s: %w", applog.SanitizeURI(manifestURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("estado HTTP no valido: %d", resp.StatusCode)
	}

	var m Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&m); err != nil {
		return nil, fmt.Errorf("json de version invalido: %w", err)
	}
	if strings.TrimSpace(m.Version) == "" {
		return nil, fmt.Errorf("json sin campo 'version'")
	}

	res := &Result{
		CurrentVersion: strings.TrimSpace(currentVersion),
		LatestVersion:  strings.TrimSpace(m.Version),
		UpdateURL:      strings.TrimSpace(m.URL),
		Notes:          strings.TrimSpace(m.Notes),
		HasUpdate:      compareVersions(strings.TrimSpace(m.Version), strings.TrimSpace(currentVersion)) > 0,
	}
	applog.With("updater").Info().
		Str("current", res.CurrentVersion).
		Str("latest", res.LatestVersion).
		Bool("has_update", res.HasUpdate).
		Msg("comprobacion de version completada")
	return res, nil
}

func compareVersions(a, b string) int {
	parse := func(v string) []int {
		v = strings.TrimSpace(strings.TrimPrefix(strings.ToLower(v), "v"))
		if i := strings.IndexAny(v, "-+"); i >= 0 {
			v = v[:i]
		}
		parts := strings.Split(v, ".")
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				n = 0
			}
			out = append(out, n)
		}
		return out
	}

	aa := parse(a)
	bb := parse(b)
	n := len(aa)
	if len(bb) > n {
		n = len(bb)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(aa) {
			av = aa[i]
		}
		if i < len(bb) {
			bv = bb[i]
		}
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}
	return 0
}
