// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Package applog configures process logging: a dated file under the per-OS
// state directory plus stderr, with retention by age and total size.
package applog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const dirName = "fattura-firma"

// Options controls Init.
type Options struct {
	Level string // trace, debug, info, warn, error
	// Format is "console" for human readable stderr output, JSON otherwise.
	Format string
	// Dir overrides the log directory.
	Dir string
	// Quiet disables the stderr copy; the file is still written.
	Quiet bool
}

var (
	mu          sync.Mutex
	currentPath string
	logFile     *os.File
)

// Init configures process logging to a persistent file + stderr and returns
// the file path.
func Init(appName string, opts Options) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	logDir := strings.TrimSpace(opts.Dir)
	if logDir == "" {
		d, err := defaultLogDir()
		if err != nil || strings.TrimSpace(d) == "" {
			d = fallbackLogDir()
		}
		logDir = d
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		alt := fallbackLogDir()
		if alt != logDir {
			_ = os.MkdirAll(alt, 0o755)
			logDir = alt
		}
	}

	fileName := fmt.Sprintf("%s-%s.log", sanitizeName(appName), time.Now().Format("2006-01-02"))
	path := filepath.Join(logDir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		// Last-resort fallback to temp directory.
		tmpPath := fallbackLogDir()
		if mkErr := os.MkdirAll(tmpPath, 0o755); mkErr != nil {
			return "", err
		}
		path = filepath.Join(tmpPath, fileName)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return "", err
		}
	}

	writers := []io.Writer{f}
	if !opts.Quiet {
		var stderr io.Writer = os.Stderr
		if strings.EqualFold(strings.TrimSpace(opts.Format), "console") {
			stderr = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		writers = append(writers, stderr)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(opts.Level)).
		With().Timestamp().Str("app", sanitizeName(appName)).
		Logger()

	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	currentPath = path

	cleanupOldLogs(logDir, logRetentionDays())
	cleanupLogsByTotalSize(logDir, logMaxTotalBytes())
	return path, nil
}

// With returns a sub-logger of the global logger tagged with component.
func With(component string) *zerolog.Logger {
	l := log.Logger.With().Str("component", component).Logger()
	return &l
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return currentPath
}

func fallbackLogDir() string {
	return filepath.Join(os.TempDir(), dirName, "logs")
}

func defaultLogDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		base := strings.TrimSpace(os.Getenv("LOCALAPPDATA"))
		if base == "" {
			userProfile := strings.TrimSpace(os.Getenv("USERPROFILE"))
			if userProfile == "" {
				return "", fmt.Errorf("LOCALAPPDATA/USERPROFILE no disponibles")
			}
			base = filepath.Join(userProfile, "AppData", "Local")
		}
		return filepath.Join(base, dirName, "logs"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Logs", dirName), nil
	default:
		base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			base = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(base, dirName, "logs"), nil
	}
}

func sanitizeName(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return dirName
	}
	var b strings.Builder
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

type logEntry struct {
	name string
	mod  time.Time
	size int64
}

func listLogs(dir string) []logEntry {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []logEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logEntry{name: e.Name(), mod: info.ModTime(), size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	return files
}

func cleanupOldLogs(dir string, keepDays int) {
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	for _, f := range listLogs(dir) {
		if f.mod.After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, f.name))
	}
}

func cleanupLogsByTotalSize(dir string, maxBytes int64) {
	if maxBytes <= 0 {
		return
	}
	files := listLogs(dir)
	var total int64
	for _, f := range files {
		total += f.size
	}
	for _, f := range files {
		if total <= maxBytes {
			break
		}
		_ = os.Remove(filepath.Join(dir, f.name))
		total -= f.size
	}
}

func logRetentionDays() int {
	const def = 14
	raw := strings.TrimSpace(os.Getenv("FATTURA_LOG_RETENTION_DAYS"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > 365 {
		return 365
	}
	return n
}

func logMaxTotalBytes() int64 {
	const defMB int64 = 50
	raw := strings.TrimSpace(os.Getenv("FATTURA_LOG_MAX_TOTAL_MB"))
	if raw == "" {
		return defMB * 1024 * 1024
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 {
		return defMB * 1024 * 1024
	}
	if n > 2048 {
		n = 2048
	}
	return n * 1024 * 1024
}
