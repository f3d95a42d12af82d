package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance0/prefixd/internal/announcer"
	"github.com/lance0/prefixd/internal/api/handlers"
	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/manager"
	"github.com/lance0/prefixd/internal/realtime"
	"github.com/lance0/prefixd/internal/reconciler"
	"github.com/lance0/prefixd/internal/storage/memory"
)

const testInventory = `
customers:
  - customer_id: acme
    services:
      - service_id: acme-dns
        allowed_ports:
          udp: [53]
        assets: [{ip: 203.0.113.10}]
`

const testPlaybooks = `
playbooks:
  udp_flood:
    steps:
      - action: police
        rate_bps: 1000000000
        ttl_seconds: 600
        confidence_min: 0.5
  unknown:
    steps:
      - action: police
        rate_bps: 2000000000
        ttl_seconds: 300
        confidence_min: 0.5
`

func testServer(t *testing.T, authMode config.AuthMode, token string) *httptest.Server {
	t.Helper()

	inv, err := config.ParseInventory([]byte(testInventory))
	require.NoError(t, err)
	pb, err := config.ParsePlaybooks([]byte(testPlaybooks))
	require.NoError(t, err)

	settings := &config.Settings{
		POP:  "ams1",
		Mode: config.ModeEnforced,
		BGP: config.BGPConfig{
			Mode:  "mock",
			Peers: []config.PeerConfig{{Name: "edge1", Address: "192.0.2.11"}},
		},
		Timers: config.TimersConfig{
			MinTTLSeconds:            60,
			MaxTTLSeconds:            86400,
			ReconcileIntervalSeconds: 30,
		},
		Guardrails: config.GuardrailsConfig{MaxPorts: 8},
		Auth:       config.AuthConfig{Mode: authMode},
	}
	snap := &config.Snapshot{
		Settings:  settings,
		Inventory: inv,
		Playbooks: pb,
		LoadedAt:  time.Now().UTC(),
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.New()
	mock := announcer.NewMock(settings.BGP.Peers)
	store := config.NewStaticStore(snap)
	bus := realtime.NewBus(log, nil)
	mgr := manager.New(repo, mock, store, bus, log, nil)
	rec := reconciler.New(repo, mock, store, bus, log, nil)

	h := handlers.New(repo, mgr, rec, store, bus, log, "test")
	router := NewRouter(RouterConfig{
		Handlers:    h,
		Logger:      log,
		AuthMode:    authMode,
		BearerToken: token,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func eventBody(externalID string) map[string]any {
	return map[string]any{
		"external_event_id": externalID,
		"source":            "fnm",
		"victim_ip":         "203.0.113.10",
		"vector":            "udp_flood",
		"protocol":          17,
		"top_dst_ports":     []int{53},
		"confidence":        0.95,
		"action":            "ban",
	}
}

func TestPostEventAndList(t *testing.T) {
	server := testServer(t, config.AuthModeNone, "")

	resp := postJSON(t, server.URL+"/v1/events", eventBody("e1"), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var outcome struct {
		Outcome    string `json:"outcome"`
		Mitigation struct {
			ID     string `json:"mitigation_id"`
			Status string `json:"status"`
		} `json:"mitigation"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	assert.Equal(t, "accepted", outcome.Outcome)
	assert.Equal(t, "active", outcome.Mitigation.Status)

	// Replay is a 200 no-op.
	replay := postJSON(t, server.URL+"/v1/events", eventBody("e1"), nil)
	defer replay.Body.Close()
	assert.Equal(t, http.StatusOK, replay.StatusCode)

	list, err := http.Get(server.URL + "/v1/mitigations?status=active")
	require.NoError(t, err)
	defer list.Body.Close()
	require.Equal(t, http.StatusOK, list.StatusCode)

	var page struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&page))
	assert.Equal(t, 1, page.Count)
}

func TestPostEventValidation(t *testing.T) {
	server := testServer(t, config.AuthModeNone, "")

	body := eventBody("e1")
	body["vector"] = "slowloris"
	resp := postJSON(t, server.URL+"/v1/events", body, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body = eventBody("e2")
	body["victim_ip"] = "not-an-ip"
	resp = postJSON(t, server.URL+"/v1/events", body, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBearerAuth(t *testing.T) {
	server := testServer(t, config.AuthModeBearer, "sekrit")

	// Health stays public.
	health, err := http.Get(server.URL + "/v1/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	// The API proper requires the token.
	resp := postJSON(t, server.URL+"/v1/events", eventBody("e1"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, server.URL+"/v1/events", eventBody("e1"),
		map[string]string{"Authorization": "Bearer wrong"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, server.URL+"/v1/events", eventBody("e1"),
		map[string]string{"Authorization": "Bearer sekrit"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestSafelistEndpoints(t *testing.T) {
	server := testServer(t, config.AuthModeNone, "")

	resp := postJSON(t, server.URL+"/v1/safelist", map[string]any{
		"prefix":   "203.0.113.0/24",
		"added_by": "ops",
	}, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Safelisted victims are rejected with 409.
	rejected := postJSON(t, server.URL+"/v1/events", eventBody("e1"), nil)
	defer rejected.Body.Close()
	assert.Equal(t, http.StatusConflict, rejected.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/v1/safelist/203.0.113.0%2F24", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusOK, del.StatusCode)
}

func TestHealthAndPOPs(t *testing.T) {
	server := testServer(t, config.AuthModeNone, "")

	resp, err := http.Get(server.URL + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		AuthMode string `json:"auth_mode"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "none", health.AuthMode)

	pops, err := http.Get(server.URL + "/v1/pops")
	require.NoError(t, err)
	defer pops.Body.Close()

	var stats []struct {
		POP string `json:"pop"`
	}
	require.NoError(t, json.NewDecoder(pops.Body).Decode(&stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "ams1", stats[0].POP)
}

func TestWithdrawEndpoint(t *testing.T) {
	server := testServer(t, config.AuthModeNone, "")

	resp := postJSON(t, server.URL+"/v1/events", eventBody("e1"), nil)
	var outcome struct {
		Mitigation struct {
			ID string `json:"mitigation_id"`
		} `json:"mitigation"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
	resp.Body.Close()

	withdraw := postJSON(t, server.URL+"/v1/mitigations/"+outcome.Mitigation.ID+"/withdraw",
		map[string]any{"operator_id": "alice", "reason": "false positive"}, nil)
	defer withdraw.Body.Close()
	require.Equal(t, http.StatusOK, withdraw.StatusCode)

	// A second withdraw conflicts: terminal states never transition.
	again := postJSON(t, server.URL+"/v1/mitigations/"+outcome.Mitigation.ID+"/withdraw",
		map[string]any{"operator_id": "alice", "reason": "again"}, nil)
	defer again.Body.Close()
	assert.Equal(t, http.StatusConflict, again.StatusCode)
}
