// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ambicuity/smsbridge/internal/config"
)

// NewRouter configures all HTTP routes using Chi.
func NewRouter(cfg config.ServerConfig, handler *Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware stack, applied to all routes in order.
	r.Use(RequestID())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(PrometheusMetrics())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	r.Route("/api", func(r chi.Router) {
		// Ingest endpoints carry per-IP rate limiting; the edge bridge is
		// the only legitimate high-volume caller.
		r.Group(func(r chi.Router) {
			if cfg.RateLimitReqs > 0 {
				r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
			}
			r.Post("/sms/inbound", handler.InboundSMS)
			r.Post("/telemetry", handler.Telemetry)
		})

		r.Get("/health", handler.Health)
		r.Get("/metrics", handler.MetricsJSON)

		r.Route("/dlo", func(r chi.Router) {
			r.Get("/", handler.ListDLO)
			r.Delete("/", handler.PurgeDLO)
			r.Post("/{sms_id}/retry", handler.RetryDLO)
		})

		r.Get("/incidents", handler.ListIncidents)
	})

	// Prometheus exposition format for scrapers.
	r.Handle("/metrics", promhttp.Handler())

	return r
}
