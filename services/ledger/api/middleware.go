// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianLedger/pkg/extensions"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
)

// Context keys set by the middleware chain.
const (
	ctxKeyClientKey = "ledger.clientKey"
	ctxKeyIsPeer    = "ledger.isPeer"
)

// =============================================================================
// Client identity
// =============================================================================

// requireClientKey parses the client key header and stores the key in the
// gin context.
func (s *Server) requireClientKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(ClientKeyHeader)
		if raw == "" {
			abort(c, http.StatusUnauthorized, contract.ErrorBadClientKey, "missing "+ClientKeyHeader)
			return
		}
		key, err := contract.ParsePublicKeyString(raw)
		if err != nil {
			s.logger.Debug("rejected client key", slog.String("error", err.Error()))
			abort(c, http.StatusUnauthorized, contract.ErrorBadClientKey, "malformed client key")
			return
		}
		c.Set(ctxKeyClientKey, key)
		c.Set(ctxKeyIsPeer, s.peerKeys.Contains(key))
		c.Next()
	}
}

func clientKey(c *gin.Context) *contract.PublicKey {
	v, ok := c.Get(ctxKeyClientKey)
	if !ok {
		return nil
	}
	key, _ := v.(*contract.PublicKey)
	return key
}

func isPeer(c *gin.Context) bool {
	return c.GetBool(ctxKeyIsPeer)
}

// requireWhitelisted admits clients listed in ClientKeys, peers and admins.
// An empty client list admits every key.
func (s *Server) requireWhitelisted() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientKey(c)
		if len(s.clientKeys) == 0 || isPeer(c) || s.clientKeys.Contains(key) || s.adminKeys.Contains(key) {
			c.Next()
			return
		}
		s.record(c, extensions.AuditEvent{
			EventType: extensions.EventDenied,
			Outcome:   extensions.OutcomeDenied,
			Detail:    c.FullPath(),
		})
		abort(c, http.StatusForbidden, contract.ErrorForbidden, "client key not allowed")
	}
}

// requireAdmin admits network admins only.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.adminKeys.Contains(clientKey(c)) {
			s.record(c, extensions.AuditEvent{
				EventType: extensions.EventDenied,
				Outcome:   extensions.OutcomeDenied,
				Detail:    c.FullPath(),
			})
			abort(c, http.StatusForbidden, contract.ErrorForbidden, "network admin key required")
			return
		}
		c.Next()
	}
}

// sanitationGate refuses clients while the node is starting or sanitating.
// Peers pass so they can reconcile records.
func (s *Server) sanitationGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPeer(c) || (s.node.IsReady() && !s.node.IsSanitating()) {
			c.Next()
			return
		}
		c.Header("Retry-After", "5")
		abort(c, http.StatusServiceUnavailable, contract.ErrorNotReady, "node is not ready")
	}
}

// =============================================================================
// Rate limiting
// =============================================================================

// limiterSet holds one token bucket per client key.
//
// # Thread Safety
//
// Safe for concurrent use.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = int(rps * 2)
	}
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *limiterSet) get(fingerprint string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[fingerprint]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[fingerprint] = lim
	}
	return lim
}

// rateLimit applies the per-key limiter. Peers are not limited.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPeer(c) {
			c.Next()
			return
		}
		key := clientKey(c)
		if key == nil || s.limiters.get(key.Fingerprint()).Allow() {
			c.Next()
			return
		}
		s.metrics.RateLimited.Add(c.Request.Context(), 1,
			metric.WithAttributes(attribute.String("route", c.FullPath())))
		c.Header("Retry-After", "1")
		abort(c, http.StatusTooManyRequests, contract.ErrorCommandFailed, "rate limit exceeded")
	}
}

// =============================================================================
// Observability
// =============================================================================

// httpMetrics records request count, latency and concurrency.
func (s *Server) httpMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()
		s.metrics.ActiveRequests.Add(ctx, 1)
		defer s.metrics.ActiveRequests.Add(ctx, -1)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("method", c.Request.Method),
			attribute.String("status", strconv.Itoa(c.Writer.Status())),
		)
		s.metrics.RequestsTotal.Add(ctx, 1, attrs)
		s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// localCORS allows any origin. Only enabled for local development.
func localCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+ClientKeyHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
