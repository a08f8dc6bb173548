// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fattura-firma/pkg/applog"
	"fattura-firma/pkg/config"
)

const wsPath = "/ws"

// wsServer exposes the same protocol as the native messaging pipe to local
// web pages. Each text message is one request; every response chunk is sent
// as its own message.
type wsServer struct {
	handler    *Handler
	allowed    []string
	maxMessage int64
	upgrader   websocket.Upgrader
}

func newWSServer(h *Handler, cfg config.HostConfig) *wsServer {
	s := &wsServer{handler: h, allowed: cfg.AllowedOrigins, maxMessage: int64(cfg.MaxMessage)}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin accepts requests without Origin (non-browser clients) and
// browser origins listed in host.allowed_origins; "*" allows any.
func (s *wsServer) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range s.allowed {
		o = strings.TrimSpace(o)
		if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}

func (s *wsServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, s.handleWebSocket)
	return mux
}

func (s *wsServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := applog.With("websocket")
	if !isLoopbackRemoteAddr(r.RemoteAddr) {
		http.Error(w, "peticion externa no permitida", http.StatusForbidden)
		logger.Warn().Str("remote", r.RemoteAddr).Msg("conexion externa rechazada")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("origin", applog.SanitizeURI(r.Header.Get("Origin"))).Msg("upgrade rechazado")
		return
	}
	defer conn.Close()
	if s.maxMessage > 0 {
		conn.SetReadLimit(s.maxMessage)
	}
	logger.Info().Str("remote", r.RemoteAddr).Msg("cliente conectado")

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
			case websocket.IsCloseError(err, websocket.CloseAbnormalClosure) || strings.Contains(strings.ToLower(err.Error()), "unexpected eof"):
				logger.Info().Msg("cliente desconectado bruscamente")
			default:
				logger.Warn().Err(err).Msg("error de lectura")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		for _, part := range s.handler.Handle(r.Context(), message) {
			if err := conn.WriteMessage(websocket.TextMessage, part); err != nil {
				logger.Warn().Err(err).Msg("error de escritura")
				return
			}
		}
	}
}

func isLoopbackRemoteAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(host), "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// serveWebSocket listens on addr until ctx is done. addr must resolve to a
// loopback interface.
func serveWebSocket(ctx context.Context, addr string, s *wsServer) error {
	logger := applog.With("websocket")
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return errors.New("host.listen debe ser una direccion de loopback: " + addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("escuchando websocket")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
