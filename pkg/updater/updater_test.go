// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package updater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 1, compareVersions("0.3.10", "0.3.9"))
	assert.Equal(t, -1, compareVersions("v0.3.2", "0.4"))
	assert.Equal(t, 0, compareVersions("1.2", "1.2.0"))
	assert.Equal(t, 0, compareVersions("1.2.0-rc1", "1.2.0"))
}

func TestCheckForUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"version":"0.4.0","url":"https://example.org/dl","notes":"nuevo"}`))
	}))
	defer srv.Close()

	res, err := CheckForUpdates(context.Background(), "0.3.2", srv.URL, 0)
	require.NoError(t, err)
	assert.True(t, res.HasUpdate)
	assert.Equal(t, "0.4.0", res.LatestVersion)
	assert.Equal(t, "https://example.org/dl", res.UpdateURL)
	assert.Equal(t, "nuevo", res.Notes)
}

func TestCheckForUpdatesErrors(t *testing.T) {
	_, err := CheckForUpdates(context.Background(), "1", " ", 0)
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"url":"x"}`))
	}))
	defer srv.Close()

	_, err = CheckForUpdates(context.Background(), "1", srv.URL+"/missing", 0)
	assert.ErrorContains(t, err, "404")
	_, err = CheckForUpdates(context.Background(), "1", srv.URL, 0)
	assert.ErrorContains(t, err, "version")
}
