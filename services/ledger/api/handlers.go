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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianLedger/pkg/extensions"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/node"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

// immutableMaxAge is the cache lifetime of downloaded items. An id is the
// hash of its content, so the bytes never change.
const immutableMaxAge = 365 * 24 * time.Hour

// =============================================================================
// Request and response bodies
// =============================================================================

// ApproveRequest carries one packed transaction, base64 in JSON.
type ApproveRequest struct {
	PackedItem []byte `json:"packedItem" binding:"required,min=1"`
}

// ApproveResponse wraps the item result.
type ApproveResponse struct {
	ItemResult node.ItemResult `json:"itemResult"`
}

// ApproveParcelRequest carries one packed parcel.
type ApproveParcelRequest struct {
	PackedParcel []byte `json:"packedParcel" binding:"required,min=1"`
}

// ApproveParcelResponse wraps the parcel result.
type ApproveParcelResponse struct {
	ParcelResult node.ParcelResult `json:"parcelResult"`
}

// StartApprovalRequest carries items approved in the background.
type StartApprovalRequest struct {
	PackedItems [][]byte `json:"packedItems" binding:"required,min=1,dive,min=1"`
}

// StartApprovalResponse lists the ids of the accepted items.
type StartApprovalResponse struct {
	ItemIDs []contract.HashId `json:"itemIds"`
}

// GetStateRequest names an item.
type GetStateRequest struct {
	ItemID contract.HashId `json:"itemId"`
}

// GetParcelStateRequest names a parcel.
type GetParcelStateRequest struct {
	ParcelID contract.HashId `json:"parcelId"`
}

// ParcelStateResponse reports parcel progress.
type ParcelStateResponse struct {
	ProcessingState node.ParcelState `json:"processingState"`
}

// NetworkResponse describes the consensus network.
type NetworkResponse struct {
	Nodes  []string `json:"nodes"`
	Quorum int      `json:"quorum"`
}

// StatusResponse is the unauthenticated health body.
type StatusResponse struct {
	NodeID     string `json:"nodeId"`
	Ready      bool   `json:"ready"`
	Sanitating bool   `json:"sanitating"`
}

// =============================================================================
// Approval
// =============================================================================

// handleApprove registers one item and waits for its verdict.
func (s *Server) handleApprove(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, contract.ErrorBadValue, "invalid request: "+err.Error())
		return
	}
	res, err := s.node.RegisterItem(c.Request.Context(), req.PackedItem)
	if err != nil {
		s.record(c, extensions.AuditEvent{
			EventType: extensions.EventApprove,
			Outcome:   extensions.OutcomeError,
			Detail:    err.Error(),
		})
		s.failDecode(c, err)
		return
	}
	s.record(c, extensions.AuditEvent{
		EventType: extensions.EventApprove,
		ItemID:    packedID(req.PackedItem),
		Outcome:   outcomeOf(res.State),
		State:     res.State.String(),
	})
	c.JSON(http.StatusOK, ApproveResponse{ItemResult: res})
}

// handleApproveParcel registers a parcel. A rejected payment is reported in
// the result rather than as an HTTP error.
func (s *Server) handleApproveParcel(c *gin.Context) {
	var req ApproveParcelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, contract.ErrorBadValue, "invalid request: "+err.Error())
		return
	}
	res, err := s.node.RegisterParcel(c.Request.Context(), req.PackedParcel)
	event := extensions.AuditEvent{
		EventType: extensions.EventApproveParcel,
		Outcome:   outcomeOf(res.Payload.State),
		State:     res.Payload.State.String(),
	}
	if !res.ID.IsZero() {
		event.ItemID = res.ID.String()
	}
	if err != nil {
		event.Outcome = extensions.OutcomeError
		event.Detail = err.Error()
	}
	s.record(c, event)

	switch {
	case err == nil,
		errors.Is(err, node.ErrPaymentRejected),
		errors.Is(err, node.ErrBadPayment):
		c.JSON(http.StatusOK, ApproveParcelResponse{ParcelResult: res})
	default:
		s.failDecode(c, err)
	}
}

// handleStartApproval queues items and returns at once. Each item takes one
// async slot; when none is free the whole request is refused.
func (s *Server) handleStartApproval(c *gin.Context) {
	var req StartApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, contract.ErrorBadValue, "invalid request: "+err.Error())
		return
	}

	ids := make([]contract.HashId, len(req.PackedItems))
	for i, packed := range req.PackedItems {
		tp, err := contract.DecodeTransactionPack(packed)
		if err != nil {
			abort(c, http.StatusBadRequest, contract.ErrorBadValue, "item "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		ids[i] = tp.Contract().ID()
	}

	n := int64(len(req.PackedItems))
	if !s.async.TryAcquire(n) {
		c.Header("Retry-After", "1")
		abort(c, http.StatusTooManyRequests, contract.ErrorCommandFailed, "too many approvals in progress")
		return
	}

	for _, id := range ids {
		s.record(c, extensions.AuditEvent{
			EventType: extensions.EventStartApproval,
			ItemID:    id.String(),
			Outcome:   extensions.OutcomeSuccess,
		})
	}

	carrier := telemetry.InjectToMap(c.Request.Context())
	for i, packed := range req.PackedItems {
		go func() {
			defer s.async.Release(1)
			ctx := telemetry.ExtractFromMap(s.ctx, carrier)
			if _, err := s.node.RegisterItem(ctx, packed); err != nil {
				s.logger.Warn("async approval failed",
					slog.String("item_id", ids[i].Short()),
					slog.String("error", err.Error()))
			}
		}()
	}
	c.JSON(http.StatusAccepted, StartApprovalResponse{ItemIDs: ids})
}

// packedID returns the root id of a packed transaction, or "" when it does
// not decode.
func packedID(packed []byte) string {
	c, err := contract.FromPackedTransaction(packed)
	if err != nil {
		return ""
	}
	return c.ID().String()
}

// failDecode answers 400 for undecodable input and maps the rest.
func (s *Server) failDecode(c *gin.Context, err error) {
	if errors.Is(err, contract.ErrBadPack) || errors.Is(err, contract.ErrMissingItem) {
		abort(c, http.StatusBadRequest, contract.ErrorBadValue, err.Error())
		return
	}
	s.fail(c, err)
}

// =============================================================================
// Queries
// =============================================================================

// handleGetState reports an item's ledger state.
func (s *Server) handleGetState(c *gin.Context) {
	var req GetStateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ItemID.IsZero() {
		abort(c, http.StatusBadRequest, contract.ErrorBadValue, "itemId is required")
		return
	}
	res, err := s.node.CheckItem(c.Request.Context(), req.ItemID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ApproveResponse{ItemResult: res})
}

// handleGetParcelProcessingState reports parcel progress.
func (s *Server) handleGetParcelProcessingState(c *gin.Context) {
	var req GetParcelStateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ParcelID.IsZero() {
		abort(c, http.StatusBadRequest, contract.ErrorBadValue, "parcelId is required")
		return
	}
	c.JSON(http.StatusOK, ParcelStateResponse{ProcessingState: s.node.ParcelProcessingState(req.ParcelID)})
}

// handleGetStats returns node counters. Admins only.
func (s *Server) handleGetStats(c *gin.Context) {
	stats, err := s.node.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.record(c, extensions.AuditEvent{EventType: extensions.EventStats, Outcome: extensions.OutcomeSuccess})
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleNetwork(c *gin.Context) {
	resp := NetworkResponse{Nodes: []string{}}
	if s.network != nil {
		resp.Nodes = s.network.Nodes()
		resp.Quorum = s.network.Quorum()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		NodeID:     s.node.NodeID(),
		Ready:      s.node.IsReady(),
		Sanitating: s.node.IsSanitating(),
	})
}

// =============================================================================
// Downloads
// =============================================================================

func (s *Server) handleGetContract(c *gin.Context) {
	s.serveImmutable(c, s.node.GetItem)
}

func (s *Server) handleGetParcel(c *gin.Context) {
	s.serveImmutable(c, s.node.GetParcel)
}

// serveImmutable writes a stored packed binary with far-future caching.
func (s *Server) serveImmutable(c *gin.Context, load func(ctx context.Context, id contract.HashId) ([]byte, error)) {
	id, err := contract.ParseHashId(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, contract.ErrorBadValue, "bad id")
		return
	}
	data, err := load(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	expires := time.Now().Add(immutableMaxAge).UTC().Format(http.TimeFormat)
	c.Header("Expires", expires)
	c.Header("Cache-Control", "public, max-age="+strconv.Itoa(int(immutableMaxAge.Seconds()))+", immutable")
	c.Header("Content-Disposition", `attachment; filename="`+id.String()+`.unicon"`)
	c.Data(http.StatusOK, "application/octet-stream", data)
}
