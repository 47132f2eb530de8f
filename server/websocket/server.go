// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket bridges WebSocket clients to the hub with a small JSON
// frame protocol.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/absmach/panbus/hub"
	"github.com/absmach/panbus/ratelimit"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultPath = "/ws"

// OwnerPrefix starts every connection's generated owner id.
const OwnerPrefix = "ws."

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	// AllowedOrigins restricts the Origin header; empty allows any origin.
	AllowedOrigins []string
}

// Intake accepts client intents.
type Intake interface {
	Submit(ctx context.Context, intent hub.Intent) (hub.Result, error)
}

type Server struct {
	config   Config
	intake   Intake
	limiter  *ratelimit.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a WebSocket server. A nil limiter admits every connection.
func New(cfg Config, intake Intake, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}

	s := &Server{
		config:  cfg,
		intake:  intake,
		limiter: limiter,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowConnection(&wsAddr{addr: r.RemoteAddr}) {
		s.logger.Warn("websocket_connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	// The owner id never comes from the peer, so one connection cannot
	// tear down another's subscriptions.
	owner := OwnerPrefix + uuid.NewString()
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = owner
	}
	s.logger.Debug("websocket_connection_accepted",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("client_id", clientID),
		slog.String("owner_id", owner))

	c := newClient(ws, clientID, owner, s.intake, s.logger)
	c.serve()
}

// wsAddr is the net.Addr of a WebSocket peer.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}
