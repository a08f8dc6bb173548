// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package signer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"fattura-firma/pkg/sigerr"
)

// OverwritePolicy decides what happens when an output file already exists.
type OverwritePolicy string

const (
	OverwriteFail   OverwritePolicy = "fail"
	OverwriteRename OverwritePolicy = "rename"
	OverwriteForce  OverwritePolicy = "force"
)

const maxRenameAttempts = 999

// ParseOverwrite accepts fail, rename and force; empty means fail.
func ParseOverwrite(s string) (OverwritePolicy, error) {
	switch p := OverwritePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OverwriteFail, nil
	case OverwriteFail, OverwriteRename, OverwriteForce:
		return p, nil
	default:
		return "", sigerr.Newf(sigerr.ReasonInvalidInput, "politica de sobrescritura no soportada: %q", s)
	}
}

// resolveOutput applies policy to dst and returns the path to write.
func resolveOutput(dst string, policy OverwritePolicy) (string, error) {
	exists, err := pathExists(dst)
	if err != nil {
		return "", err
	}
	if !exists {
		return dst, nil
	}
	switch policy {
	case OverwriteForce:
		return dst, nil
	case OverwriteRename:
		for n := 1; n <= maxRenameAttempts; n++ {
			cand := numberedPath(dst, n)
			exists, err := pathExists(cand)
			if err != nil {
				return "", err
			}
			if !exists {
				return cand, nil
			}
		}
		return "", sigerr.Newf(sigerr.ReasonDestinationExists, "no hay nombre libre para %s", filepath.Base(dst))
	default:
		return "", sigerr.Newf(sigerr.ReasonDestinationExists, "el fichero de destino ya existe: %s", filepath.Base(dst))
	}
}

// numberedPath inserts " (n)" before the first extension so that
// "a.xml.p7m" becomes "a (1).xml.p7m".
func numberedPath(path string, n int) string {
	dir, base := filepath.Split(path)
	stem, ext := base, ""
	if i := strings.IndexByte(base, '.'); i > 0 {
		stem, ext = base[:i], base[i:]
	}
	return filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("no se pudo comprobar %s: %w", filepath.Base(path), err)
	}
}

func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, sigerr.Wrap(sigerr.ReasonPathNotFound, "no existe "+path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("no se pudo leer %s: %w", path, err)
	}
	return data, nil
}

// writeOutput writes data through a temporary file in the same directory so
// a failed write never leaves a truncated artifact.
func writeOutput(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("no se pudo crear el fichero temporal: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("no se pudo escribir %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("no se pudo cerrar %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("no se pudieron fijar permisos en %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("no se pudo mover el resultado a %s: %w", filepath.Base(path), err)
	}
	return nil
}

// trimLastExt removes the last extension: "a.xml.p7m" gives "a.xml".
func trimLastExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// replaceLastExt swaps the last extension for ext, or appends ext.
func replaceLastExt(path, ext string) string {
	return trimLastExt(path) + ext
}

func hasExt(path, ext string) bool {
	return strings.EqualFold(filepath.Ext(path), ext)
}

func samePath(a, b string) bool {
	aa, errA := filepath.Abs(a)
	bb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}
