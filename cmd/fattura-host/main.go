// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

// Command fattura-host is the native messaging host of the browser extension.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/config"
	"fattura-firma/pkg/version"
)

const chunkPause = 25 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "Ruta del fichero de configuracion")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuracion no valida, se usan valores por defecto: %v\n", err)
		cfg = config.Default()
	}
	logPath, err := applog.Init("fattura-host", applog.Options{
		Level:  cfg.Log.Level,
		Format: "json",
		Dir:    cfg.Log.Dir,
		Quiet:  cfg.Log.Quiet,
	})
	logger := applog.With("host")
	if err != nil {
		fmt.Fprintf(os.Stderr, "no se pudo inicializar el log persistente: %v\n", err)
	} else {
		logger.Debug().Str("path", logPath).Msg("log inicializado")
	}
	logger.Info().
		Str("version", version.String()).
		Strs("args", applog.SanitizeArgs(os.Args[1:])).
		Str("config", cfg.Source).
		Msg("host iniciado")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := NewHandler(cfg)
	if cfg.Host.Listen != "" {
		ws := newWSServer(handler, cfg.Host)
		go func() {
			if err := serveWebSocket(ctx, cfg.Host.Listen, ws); err != nil {
				logger.Error().Err(err).Msg("listener websocket detenido")
			}
		}()
	}

	if err := runNative(ctx, os.Stdin, os.Stdout, handler, cfg.Host.MaxMessage); err != nil {
		logger.Error().Err(err).Msg("error en el canal nativo")
		stop()
		os.Exit(1)
	}
	logger.Info().Msg("host detenido")
}

type nativeMessage struct {
	payload []byte
	err     error
}

// runNative serves requests from r until EOF or until ctx is done. Reads
// happen on their own goroutine so a blocked stdin does not delay shutdown.
func runNative(ctx context.Context, r io.Reader, w io.Writer, h *Handler, maxMessage int) error {
	msgs := make(chan nativeMessage)
	go func() {
		for {
			payload, err := readNativeMessage(r, maxMessage)
			select {
			case msgs <- nativeMessage{payload: payload, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var msg nativeMessage
		select {
		case <-ctx.Done():
			return nil
		case msg = <-msgs:
		}
		if msg.err != nil {
			if errors.Is(msg.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("lectura del mensaje nativo: %w", msg.err)
		}
		responses := h.Handle(ctx, msg.payload)
		for i, resp := range responses {
			if err := writeNativeMessage(w, resp); err != nil {
				return fmt.Errorf("escritura de la respuesta nativa: %w", err)
			}
			if i < len(responses)-1 {
				time.Sleep(chunkPause)
			}
		}
	}
}
