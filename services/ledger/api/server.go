// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api is the client HTTP front door of a ledger node.
//
// Clients identify themselves with a packed public key in the
// X-Ledger-Client-Key header. The key selects the client's rate limiter and
// is checked against the configured whitelists:
//
//	Request
//	   │
//	   ▼
//	otelgin ─► HTTP metrics ─► client key ─► sanitation gate ─► rate limit
//	                                                               │
//	                                                               ▼
//	                                                            Handler
//
// Packed items travel as base64 in JSON bodies. Immutable downloads under
// /contracts and /parcels are served raw with far-future cache headers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianLedger/pkg/extensions"
	"github.com/AleutianAI/AleutianLedger/services/ledger/config"
	"github.com/AleutianAI/AleutianLedger/services/ledger/consensus"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/node"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

// ClientKeyHeader carries the caller's packed public key, base64 encoded.
const ClientKeyHeader = "X-Ledger-Client-Key"

// shutdownTimeout bounds graceful shutdown in Run.
const shutdownTimeout = 10 * time.Second

// Node is what the server needs from a ledger node.
type Node interface {
	NodeID() string
	IsReady() bool
	IsSanitating() bool
	RegisterItem(ctx context.Context, packed []byte) (node.ItemResult, error)
	RegisterParcel(ctx context.Context, packed []byte) (node.ParcelResult, error)
	CheckItem(ctx context.Context, id contract.HashId) (node.ItemResult, error)
	ParcelProcessingState(id contract.HashId) node.ParcelState
	Stats(ctx context.Context) (node.Stats, error)
	GetItem(ctx context.Context, id contract.HashId) ([]byte, error)
	GetParcel(ctx context.Context, id contract.HashId) ([]byte, error)
}

var _ Node = (*node.Node)(nil)

// Server serves the client API of one node.
//
// # Thread Safety
//
// Safe for concurrent use.
type Server struct {
	node    Node
	network consensus.Network
	cfg     config.NodeConfig
	logger  *slog.Logger

	clientKeys contract.KeySet
	adminKeys  contract.KeySet
	peerKeys   contract.KeySet

	limiters *limiterSet
	async    *semaphore.Weighted
	metrics  *telemetry.HTTPMetrics
	audit    extensions.AuditLogger
	router   *gin.Engine

	// ctx outlives requests; async approvals run under it.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuditLogger records client commands. The default discards them.
func WithAuditLogger(audit extensions.AuditLogger) Option {
	return func(s *Server) {
		if audit != nil {
			s.audit = audit
		}
	}
}

// NewServer builds the router for n.
//
// # Inputs
//
//   - n: the node. Usually a *node.Node.
//   - network: reported by the network endpoint. May be nil.
//   - cfg: key whitelists, rate limit, async bound and CORS flag.
//
// # Outputs
//
//   - *Server: ready to serve via Handler or Run.
//   - error: malformed keys or metric registration failures.
func NewServer(n Node, network consensus.Network, cfg config.NodeConfig, opts ...Option) (*Server, error) {
	clients, err := cfg.ClientKeySet()
	if err != nil {
		return nil, fmt.Errorf("client keys: %w", err)
	}
	admins, err := cfg.AdminKeySet()
	if err != nil {
		return nil, fmt.Errorf("admin keys: %w", err)
	}
	peers, err := cfg.PeerKeySet()
	if err != nil {
		return nil, fmt.Errorf("peer keys: %w", err)
	}
	metrics, err := telemetry.NewHTTPMetrics(otel.Meter("ledger-api"))
	if err != nil {
		return nil, err
	}
	maxAsync := cfg.MaxAsyncApprovals
	if maxAsync <= 0 {
		maxAsync = config.DefaultConfig().MaxAsyncApprovals
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		node:       n,
		network:    network,
		cfg:        cfg,
		logger:     slog.Default(),
		clientKeys: clients,
		adminKeys:  admins,
		peerKeys:   peers,
		limiters:   newLimiterSet(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		async:      semaphore.NewWeighted(maxAsync),
		metrics:    metrics,
		audit:      &extensions.NopAuditLogger{},
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "api"))
	s.router = s.routes()
	return s, nil
}

// routes registers every endpoint.
func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("ledger-" + s.node.NodeID()))
	r.Use(s.httpMetrics())
	if s.cfg.LocalCORS {
		r.Use(localCORS())
	}

	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	r.GET("/contracts/:id", s.handleGetContract)
	r.GET("/parcels/:id", s.handleGetParcel)

	v1 := r.Group("/v1/ledger")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/network", s.handleNetwork)

		client := v1.Group("", s.requireClientKey(), s.sanitationGate(), s.rateLimit())
		{
			client.POST("/approve", s.requireWhitelisted(), s.handleApprove)
			client.POST("/approveParcel", s.requireWhitelisted(), s.handleApproveParcel)
			client.POST("/startApproval", s.requireWhitelisted(), s.handleStartApproval)
			client.POST("/getState", s.handleGetState)
			client.POST("/getParcelProcessingState", s.handleGetParcelProcessingState)
			client.POST("/getStats", s.requireAdmin(), s.handleGetStats)
		}
	}
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Close stops accepting async work. Approvals already started keep
// running inside the node.
func (s *Server) Close() { s.cancel() }

// Run serves on cfg.ListenAddr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("client API listening", slog.String("addr", s.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string             `json:"error"`
	Kind  contract.ErrorKind `json:"kind,omitempty"`
}

func abort(c *gin.Context, status int, kind contract.ErrorKind, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Kind: kind})
}

// record sends one audit event. Failures are logged, never returned.
func (s *Server) record(c *gin.Context, event extensions.AuditEvent) {
	event.ClientKey = "anonymous"
	if key := clientKey(c); key != nil {
		event.ClientKey = key.Fingerprint()
	}
	if err := s.audit.Log(c.Request.Context(), event); err != nil {
		s.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}

// outcomeOf classifies an item result for the audit trail.
func outcomeOf(state ledger.ItemState) string {
	if state == ledger.StateDeclined {
		return extensions.OutcomeDeclined
	}
	return extensions.OutcomeSuccess
}

// fail maps a node error to a response.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, node.ErrNotReady):
		abort(c, http.StatusServiceUnavailable, contract.ErrorNotReady, err.Error())
	case errors.Is(err, node.ErrClosed):
		abort(c, http.StatusServiceUnavailable, contract.ErrorCommandFailed, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		abort(c, http.StatusNotFound, contract.ErrorNotFound, "not found")
	default:
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
		abort(c, http.StatusInternalServerError, contract.ErrorCommandFailed, err.Error())
	}
}
