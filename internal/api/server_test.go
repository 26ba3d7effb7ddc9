package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TreasuryMind-Chain/internal/agent"
	"TreasuryMind-Chain/internal/attest"
	"TreasuryMind-Chain/internal/bias"
	"TreasuryMind-Chain/internal/decision"
	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/internal/federated"
	"TreasuryMind-Chain/internal/inference"
	"TreasuryMind-Chain/internal/unlearning"
)

type staticFederation struct{}

func (staticFederation) Rounds() []federated.Round {
	return []federated.Round{{Number: 1, Participants: 3, Responders: 3, Accuracy: 0.7}}
}
func (staticFederation) Slots() []federated.Slot { return federated.DefaultSlots(inference.FeatureDim) }
func (staticFederation) Current() int { return 1 }

type staticReports []bias.Report

func (r staticReports) Reports() []bias.Report { return r }

type fixture struct {
	server   *Server
	registry *agent.Registry
	attest   *attest.Service
	log      *decision.Log
	bus      *events.Bus
	trader   agent.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend, err := attest.NewECDSABackend("")
	require.NoError(t, err)
	circuits, err := attest.NewRegistry(backend, attest.DefaultCircuits()...)
	require.NoError(t, err)
	svc := attest.NewService(circuits, backend)

	pipeline := agent.NewPipeline(inference.NewHeuristic(), svc)
	trader, err := agent.New(agent.Spec{ID: "trader-1", Name: "Trader", Kind: agent.KindTrader}, pipeline)
	require.NoError(t, err)
	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(trader, false))

	log := decision.NewLog(nil)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	unlearn, err := unlearning.NewService(unlearning.NewMemoryStore(), unlearning.NewMemoryQueue(4), registry)
	require.NoError(t, err)

	server := NewServer(":0", Deps{
		Fleet:      registry,
		Decisions:  log,
		Federation: staticFederation{},
		Unlearning: unlearn,
		Bias:       staticReports{{Category: bias.Herding, Severity: 0.6, AffectedCount: 1, AffectedAgents: []string{"trader-1"}}},
		Verifier:   svc,
		Stream:     bus,
	})
	return &fixture{server: server, registry: registry, attest: svc, log: log, bus: bus, trader: trader}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var profiles []agent.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profiles))
	require.Len(t, profiles, 1)
	assert.Equal(t, agent.StatusIdle, profiles[0].Status)

	rec = f.do(t, http.MethodPost, "/api/v1/agents/trader-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p agent.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, agent.StatusActive, p.Status)

	require.NoError(t, f.registry.Suspend("trader-1", "test"))
	rec = f.do(t, http.MethodPost, "/api/v1/agents/trader-1/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), string(xerrors.CodeAgentSuspended))

	rec = f.do(t, http.MethodPost, "/api/v1/agents/trader-1/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/agents/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionsQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "a"} {
		_, err := f.log.Append(ctx, decision.Decision{
			ID:          id + "-" + time.Now().String(),
			AgentID:     id,
			Confidence:  0.5,
			Attestation: &decision.Attestation{Key: "k"},
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/decisions?agent_id=a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []decision.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(3), entries[1].Seq)

	rec = f.do(t, http.MethodGet, "/api/v1/decisions?after=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Seq)

	rec = f.do(t, http.MethodGet, "/api/v1/decisions?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFederatedAndBiasViews(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/federated/rounds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"current":1`)

	rec = f.do(t, http.MethodGet, "/api/v1/federated/slots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var slots []federated.Slot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slots))
	assert.Len(t, slots, len(federated.Roles()))

	rec = f.do(t, http.MethodGet, "/api/v1/bias/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(bias.Herding))
}

func TestUnlearningEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/unlearning", map[string]any{"agent_id": "trader-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/unlearning", map[string]any{
		"agent_id":      "trader-1",
		"sample_hashes": []string{"0x01"},
		"reason":        "manual",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/unlearning/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var req unlearning.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, unlearning.StatusQueued, req.Status)
	assert.Equal(t, "trader-1", req.AgentID)

	rec = f.do(t, http.MethodGet, "/api/v1/unlearning/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyProof(t *testing.T) {
	f := newFixture(t)
	c := decision.Context{TotalValue: decimal.NewFromInt(1000), RiskScore: 0.4, Volatility: 0.3}
	require.NoError(t, f.registry.Start("trader-1"))
	d, err := f.trader.MakeDecision(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, d)
	proof := attest.FromAttestation(d.Attestation)

	rec := f.do(t, http.MethodPost, "/api/v1/proofs/verify", proof)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true}`, rec.Body.String())

	tampered := *proof
	tampered.PublicSignals = append([]string(nil), proof.PublicSignals...)
	tampered.PublicSignals[0] = "tampered"
	rec = f.do(t, http.MethodPost, "/api/v1/proofs/verify", tampered)
	assert.JSONEq(t, `{"valid":false}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs/verify", strings.NewReader("{not json"))
	out := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(out, req)
	assert.JSONEq(t, `{"valid":false}`, out.Body.String())
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f.bus.Publish(events.KindDataUnlearned, "test", events.DataUnlearned{RequestID: "r1", AgentID: "trader-1", RemovedCount: 2})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got struct {
		Kind    events.Kind          `json:"kind"`
		Payload events.DataUnlearned `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.KindDataUnlearned, got.Kind)
	assert.Equal(t, 2, got.Payload.RemovedCount)
}

func TestMissingDependenciesReturnUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := NewServer(":0", Deps{})
	for _, path := range []string{"/api/v1/agents", "/api/v1/decisions", "/api/v1/federated/slots", "/api/v1/bias/reports"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
