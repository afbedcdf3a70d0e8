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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/pkg/extensions"
	"github.com/AleutianAI/AleutianLedger/services/ledger/config"
	"github.com/AleutianAI/AleutianLedger/services/ledger/consensus"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contracts"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/node"
	ledgerbadger "github.com/AleutianAI/AleutianLedger/services/ledger/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Helpers
// =============================================================================

var (
	keysOnce sync.Once
	keys     []*contract.PrivateKey
)

// testKeys returns a client, an admin and a peer key.
func testKeys(t *testing.T) (client, admin, peer *contract.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		for i := 0; i < 3; i++ {
			k, err := contract.GeneratePrivateKey(contract.KeyBits2048)
			if err != nil {
				panic(err)
			}
			keys = append(keys, k)
		}
	})
	return keys[0], keys[1], keys[2]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	server *Server
	node   *node.Node
	store  *ledger.BadgerLedger
	cfg    config.NodeConfig
}

// newFixture builds a single-node server. The node is started unless
// start is false.
func newFixture(t *testing.T, start bool, mutate func(*config.NodeConfig)) *fixture {
	t.Helper()
	client, admin, peer := testKeys(t)

	cfg := config.DefaultConfig()
	cfg.NodeID = "a"
	cfg.InMemory = true
	cfg.ClientKeys = []string{client.PublicKey().String()}
	cfg.NetworkAdminKeys = []string{admin.PublicKey().String()}
	cfg.PeerNodeKeys = []string{peer.PublicKey().String()}
	cfg.ConsensusTimeout = 5 * time.Second
	cfg.SanitationInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := ledger.OpenBadgerLedger(ledgerbadger.InMemoryConfig(), ledger.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	net := consensus.NewLocalNetwork(consensus.WithNetworkLogger(quietLogger()))
	t.Cleanup(net.Close)

	ncfg, err := node.ConfigFrom(cfg, nil)
	require.NoError(t, err)
	n, err := node.New(ncfg, store, net, node.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	if start {
		require.NoError(t, n.Start(context.Background()))
	}

	s, err := NewServer(n, net, cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return &fixture{server: s, node: n, store: store, cfg: cfg}
}

// do sends a request as key. A nil key sends no header.
func (f *fixture) do(t *testing.T, method, path string, key *contract.PrivateKey, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if key != nil {
		req.Header.Set(ClientKeyHeader, key.PublicKey().String())
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func notary(t *testing.T, k *contract.PrivateKey) []byte {
	t.Helper()
	c, err := contracts.CreateNotaryContract([]*contract.PrivateKey{k}, []*contract.PublicKey{k.PublicKey()})
	require.NoError(t, err)
	packed, err := c.PackTransaction()
	require.NoError(t, err)
	return packed
}

// =============================================================================
// Tests
// =============================================================================

func TestNewServer_RejectsBadKeys(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ClientKeys = []string{"nope"}
	_, err := NewServer(nil, nil, cfg)
	assert.Error(t, err)
}

func TestStatus_Unauthenticated(t *testing.T) {
	f := newFixture(t, true, nil)
	w := f.do(t, http.MethodGet, "/v1/ledger/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[StatusResponse](t, w)
	assert.Equal(t, "a", st.NodeID)
	assert.True(t, st.Ready)
	assert.False(t, st.Sanitating)
}

func TestNetwork(t *testing.T) {
	f := newFixture(t, true, nil)
	w := f.do(t, http.MethodGet, "/v1/ledger/network", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[NetworkResponse](t, w)
	assert.Equal(t, []string{"a"}, resp.Nodes)
	assert.Equal(t, 1, resp.Quorum)
}

func TestClientKey(t *testing.T) {
	f := newFixture(t, true, nil)

	t.Run("missing", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/ledger/getState", nil, GetStateRequest{ItemID: contract.RandomHashId()})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, contract.ErrorBadClientKey, decode[ErrorResponse](t, w).Kind)
	})

	t.Run("malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/ledger/getState", bytes.NewReader([]byte(`{}`)))
		req.Header.Set(ClientKeyHeader, "!!!")
		w := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestApprove(t *testing.T) {
	client, _, _ := testKeys(t)
	f := newFixture(t, true, nil)
	packed := notary(t, client)

	w := f.do(t, http.MethodPost, "/v1/ledger/approve", client, ApproveRequest{PackedItem: packed})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[ApproveResponse](t, w)
	assert.Equal(t, ledger.StateApproved, res.ItemResult.State)
	assert.Contains(t, w.Body.String(), `"state":"APPROVED"`)

	tp, err := contract.DecodeTransactionPack(packed)
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/v1/ledger/getState", client, GetStateRequest{ItemID: tp.Contract().ID()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ledger.StateApproved, decode[ApproveResponse](t, w).ItemResult.State)
}

func TestApprove_BadInput(t *testing.T) {
	client, _, _ := testKeys(t)
	f := newFixture(t, true, nil)

	w := f.do(t, http.MethodPost, "/v1/ledger/approve", client, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/ledger/approve", client, ApproveRequest{PackedItem: []byte("junk")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, contract.ErrorBadValue, decode[ErrorResponse](t, w).Kind)

	w = f.do(t, http.MethodPost, "/v1/ledger/getState", client, GetStateRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWhitelist(t *testing.T) {
	client, admin, peer := testKeys(t)
	f := newFixture(t, true, func(c *config.NodeConfig) {
		c.NetworkAdminKeys = nil
		c.PeerNodeKeys = nil
	})

	// admin is an unknown key in this fixture
	w := f.do(t, http.MethodPost, "/v1/ledger/approve", admin, ApproveRequest{PackedItem: notary(t, admin)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// reads are open to any key
	w = f.do(t, http.MethodPost, "/v1/ledger/getState", peer, GetStateRequest{ItemID: contract.RandomHashId()})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/ledger/approve", client, ApproveRequest{PackedItem: notary(t, client)})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWhitelist_EmptyAdmitsAll(t *testing.T) {
	_, admin, _ := testKeys(t)
	f := newFixture(t, true, func(c *config.NodeConfig) { c.ClientKeys = nil })
	w := f.do(t, http.MethodPost, "/v1/ledger/approve", admin, ApproveRequest{PackedItem: notary(t, admin)})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetStats_AdminOnly(t *testing.T) {
	client, admin, _ := testKeys(t)
	f := newFixture(t, true, nil)

	w := f.do(t, http.MethodPost, "/v1/ledger/getStats", client, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/v1/ledger/getStats", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[node.Stats](t, w)
	assert.Equal(t, "a", stats.NodeID)
	assert.True(t, stats.Ready)
}

func TestSanitationGate(t *testing.T) {
	client, _, peer := testKeys(t)
	f := newFixture(t, false, nil)
	id := contract.RandomHashId()

	w := f.do(t, http.MethodPost, "/v1/ledger/getState", client, GetStateRequest{ItemID: id})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, contract.ErrorNotReady, decode[ErrorResponse](t, w).Kind)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// peers reconcile records while clients wait
	w = f.do(t, http.MethodPost, "/v1/ledger/getState", peer, GetStateRequest{ItemID: id})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ledger.StateUndefined, decode[ApproveResponse](t, w).ItemResult.State)

	require.NoError(t, f.node.Start(context.Background()))
	w = f.do(t, http.MethodPost, "/v1/ledger/getState", client, GetStateRequest{ItemID: id})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	client, _, peer := testKeys(t)
	f := newFixture(t, true, func(c *config.NodeConfig) {
		c.RateLimit = config.RateLimitConfig{RPS: 0.001, Burst: 2}
	})
	req := GetStateRequest{ItemID: contract.RandomHashId()}

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/ledger/getState", client, req).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/ledger/getState", client, req).Code)
	w := f.do(t, http.MethodPost, "/v1/ledger/getState", client, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// limits are per key and peers are exempt
	for i := 0; i < 4; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/ledger/getState", peer, req).Code)
	}
}

func TestStartApproval(t *testing.T) {
	client, _, _ := testKeys(t)
	f := newFixture(t, true, nil)

	items := [][]byte{notary(t, client), notary(t, client)}
	w := f.do(t, http.MethodPost, "/v1/ledger/startApproval", client, StartApprovalRequest{PackedItems: items})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[StartApprovalResponse](t, w)
	require.Len(t, resp.ItemIDs, 2)

	for _, id := range resp.ItemIDs {
		assert.Eventually(t, func() bool {
			res, err := f.node.CheckItem(context.Background(), id)
			return err == nil && res.State == ledger.StateApproved
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestStartApproval_Bounded(t *testing.T) {
	client, _, _ := testKeys(t)
	f := newFixture(t, true, func(c *config.NodeConfig) { c.MaxAsyncApprovals = 1 })

	items := [][]byte{notary(t, client), notary(t, client)}
	w := f.do(t, http.MethodPost, "/v1/ledger/startApproval", client, StartApprovalRequest{PackedItems: items})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = f.do(t, http.MethodPost, "/v1/ledger/startApproval", client, StartApprovalRequest{PackedItems: [][]byte{[]byte("junk")}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveParcel(t *testing.T) {
	client, _, _ := testKeys(t)
	f := newFixture(t, true, nil)
	owner := []*contract.PublicKey{client.PublicKey()}
	signer := []*contract.PrivateKey{client}

	t.Run("unpaid", func(t *testing.T) {
		units, err := contracts.CreateTransactionUnitsContract(signer, owner, 10, 0)
		require.NoError(t, err)
		payload, err := contracts.CreateNotaryContract(signer, owner)
		require.NoError(t, err)
		parcel, err := contracts.CreateParcel(payload, units, 1, signer, false)
		require.NoError(t, err)

		w := f.do(t, http.MethodPost, "/v1/ledger/approveParcel", client, ApproveParcelRequest{PackedParcel: parcel.Pack()})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[ApproveParcelResponse](t, w).ParcelResult
		assert.True(t, contract.HasKind(res.Errors, contract.ErrorCommandFailed))
		assert.Equal(t, ledger.StateDeclined, res.Payment.State)
	})

	t.Run("paid", func(t *testing.T) {
		units, err := contracts.CreateTransactionUnitsContract(signer, owner, 10, 0)
		require.NoError(t, err)
		packedUnits, err := units.PackTransaction()
		require.NoError(t, err)
		w := f.do(t, http.MethodPost, "/v1/ledger/approve", client, ApproveRequest{PackedItem: packedUnits})
		require.Equal(t, http.StatusOK, w.Code)

		payload, err := contracts.CreateNotaryContract(signer, owner)
		require.NoError(t, err)
		parcel, err := contracts.CreateParcel(payload, units, 1, signer, false)
		require.NoError(t, err)

		w = f.do(t, http.MethodPost, "/v1/ledger/approveParcel", client, ApproveParcelRequest{PackedParcel: parcel.Pack()})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[ApproveParcelResponse](t, w).ParcelResult
		assert.Equal(t, node.ParcelFinished, res.State)
		assert.Equal(t, ledger.StateApproved, res.Payload.State)

		w = f.do(t, http.MethodPost, "/v1/ledger/getParcelProcessingState", client, GetParcelStateRequest{ParcelID: parcel.ID()})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"processingState":"FINISHED"`)

		w = f.do(t, http.MethodGet, "/parcels/"+parcel.ID().String(), nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		back, err := contract.DecodeParcel(w.Body.Bytes())
		require.NoError(t, err)
		assert.Equal(t, parcel.ID(), back.ID())
	})
}

func TestDownloadContract(t *testing.T) {
	client, _, _ := testKeys(t)
	f := newFixture(t, true, nil)
	packed := notary(t, client)
	w := f.do(t, http.MethodPost, "/v1/ledger/approve", client, ApproveRequest{PackedItem: packed})
	require.Equal(t, http.StatusOK, w.Code)
	tp, err := contract.DecodeTransactionPack(packed)
	require.NoError(t, err)
	id := tp.Contract().ID()

	w = f.do(t, http.MethodGet, "/contracts/"+id.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "immutable")
	assert.NotEmpty(t, w.Header().Get("Expires"))
	back, err := contract.FromPackedTransaction(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, back.ID())

	w = f.do(t, http.MethodGet, "/contracts/"+contract.RandomHashId().String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/contracts/xyz", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true, nil)
	w := f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLocalCORS(t *testing.T) {
	f := newFixture(t, true, func(c *config.NodeConfig) { c.LocalCORS = true })
	w := f.do(t, http.MethodOptions, "/v1/ledger/approve", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuditTrail(t *testing.T) {
	client, admin, _ := testKeys(t)
	f := newFixture(t, true, nil)
	audit := extensions.NewMemoryAuditLogger(16)
	s, err := NewServer(f.node, nil, f.cfg, WithLogger(quietLogger()), WithAuditLogger(audit))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	f.server = s

	packed := notary(t, client)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/ledger/approve", client, ApproveRequest{PackedItem: packed}).Code)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/ledger/getStats", client, nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/ledger/getStats", admin, nil).Code)

	ctx := context.Background()
	approvals, err := audit.Query(ctx, extensions.AuditFilter{EventTypes: []string{extensions.EventApprove}})
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	tp, err := contract.DecodeTransactionPack(packed)
	require.NoError(t, err)
	assert.Equal(t, tp.Contract().ID().String(), approvals[0].ItemID)
	assert.Equal(t, client.PublicKey().Fingerprint(), approvals[0].ClientKey)
	assert.Equal(t, "APPROVED", approvals[0].State)
	assert.Equal(t, extensions.OutcomeSuccess, approvals[0].Outcome)

	denied, err := audit.Query(ctx, extensions.AuditFilter{Outcome: extensions.OutcomeDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "/v1/ledger/getStats", denied[0].Detail)
}
