// Smsbridge - Zero-Loss OTP Forwarding Gateway
// Copyright 2026 Ambicuity
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ambicuity/smsbridge

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ambicuity/smsbridge/internal/logging"
	"github.com/ambicuity/smsbridge/internal/metrics"
)

// RequestID attaches a request ID to the context and response headers so
// log lines from one request correlate.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = logging.GenerateRequestID()
			}
			ctx := logging.ContextWithRequestID(r.Context(), id)
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// PrometheusMetrics records per-endpoint request counts and latency. The
// chi route pattern keeps label cardinality bounded.
func PrometheusMetrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			endpoint := r.URL.Path
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				if pattern := routeCtx.RoutePattern(); pattern != "" {
					endpoint = pattern
				}
			}
			metrics.APIRequestsTotal.
				WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
			metrics.APIRequestDuration.
				WithLabelValues(r.Method, endpoint).
				Observe(time.Since(started).Seconds())
		})
	}
}
