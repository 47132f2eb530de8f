// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the admin routes.
func NewRouter(h *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/stats", h.Stats)

	r.Post("/publish", h.Publish)
	r.Post("/request", h.Request)

	r.Route("/retained", func(r chi.Router) {
		r.Get("/", h.ListRetained)
		r.Get("/{topic}", h.GetRetained)
		r.Delete("/{topic}", h.DeleteRetained)
	})

	r.Route("/trace", func(r chi.Router) {
		r.Get("/", h.Trace)
		r.Delete("/", h.ResetTrace)
		r.Get("/export", h.ExportTrace)
		r.Put("/sample-rate", h.SetSampleRate)
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("request_id", chimw.GetReqID(r.Context())),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
