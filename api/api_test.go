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

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"brigade/config"
	"brigade/core"
	"brigade/fanout"
	"brigade/ledger"
	"brigade/registry"
	"brigade/storage"
	"brigade/team"
)

func newTestAPI(t *testing.T) (*API, *fanout.Hub) {
	t.Helper()
	logger := zap.NewNop().Sugar()

	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	// Tests hammer a single client address.
	cfg.API.RateLimit.RequestsPerSecond = 10000
	cfg.API.RateLimit.Burst = 10000

	mem := storage.NewMemoryStore()
	hub := fanout.NewHub(64, logger)
	locks := core.NewLockManager(200 * time.Millisecond)
	ldg := ledger.NewLedger(mem.Resources(), mem, locks, hub, logger)
	reg := registry.NewRegistry(mem, locks, hub, nil, logger)
	coord := team.NewCoordinator(mem.Teams(), ldg, locks, hub, logger)

	return NewAPI(reg, ldg, coord, hub, cfg, logger), hub
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
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
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestAPI_InterventionLifecycle(t *testing.T) {
	a, _ := newTestAPI(t)
	router := a.Router()

	rec := doJSON(t, router, "POST", "/api/interventions", map[string]interface{}{
		"type":     "fire",
		"priority": "high",
		"region":   "region-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var iv core.Intervention
	decodeInto(t, rec, &iv)
	assert.Equal(t, core.InterventionStatusPending, iv.Status)

	rec = doJSON(t, router, "POST", "/api/interventions/"+iv.ID+"/status", map[string]string{
		"status":   "DISPATCHED",
		"actor_id": "op-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Skipping straight to IN_PROGRESS is a conflict.
	rec = doJSON(t, router, "POST", "/api/interventions/"+iv.ID+"/status", map[string]string{
		"status": "IN_PROGRESS",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, "POST", "/api/interventions/"+iv.ID+"/notes", map[string]string{
		"author_id": "op-1",
		"content":   "two engines dispatched",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "GET", "/api/interventions/"+iv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &iv)
	assert.Equal(t, core.InterventionStatusDispatched, iv.Status)
	assert.Len(t, iv.Notes, 1)
}

func TestAPI_InterventionValidation(t *testing.T) {
	a, _ := newTestAPI(t)
	router := a.Router()

	// Missing required fields.
	rec := doJSON(t, router, "POST", "/api/interventions", map[string]string{"region": "region-01"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown fields are rejected, not silently dropped.
	rec = doJSON(t, router, "POST", "/api/interventions", map[string]interface{}{
		"type": "fire", "priority": "high", "severity": "extreme",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, "GET", "/api/interventions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ResourceAssignRelease(t *testing.T) {
	a, _ := newTestAPI(t)
	router := a.Router()

	rec := doJSON(t, router, "POST", "/api/resources", map[string]string{
		"id": "veh-1", "kind": "vehicle", "label": "Engine 7",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, router, "POST", "/api/resources/veh-1/assign", map[string]string{
		"assignee_type": "intervention", "assignee_id": "int-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Second assign conflicts, and the body says it is not retryable.
	rec = doJSON(t, router, "POST", "/api/resources/veh-1/assign", map[string]string{
		"assignee_type": "intervention", "assignee_id": "int-2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var errBody map[string]interface{}
	decodeInto(t, rec, &errBody)
	assert.Equal(t, false, errBody["retryable"])

	rec = doJSON(t, router, "POST", "/api/resources/veh-1/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "GET", "/api/resources/veh-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []core.LedgerEntry
	decodeInto(t, rec, &history)
	assert.Len(t, history, 1)
}

func TestAPI_BulkAssignReturnsPerItemOutcomes(t *testing.T) {
	a, _ := newTestAPI(t)
	router := a.Router()

	rec := doJSON(t, router, "POST", "/api/resources", map[string]string{"id": "veh-1", "kind": "vehicle"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, "POST", "/api/resources/bulk/assign", map[string]interface{}{
		"items": []map[string]string{
			{"resource_id": "veh-1", "assignee_type": "intervention", "assignee_id": "int-1"},
			{"resource_id": "ghost", "assignee_type": "intervention", "assignee_id": "int-1"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var outcomes []ledger.Outcome
	decodeInto(t, rec, &outcomes)
	require.Len(t, outcomes, 2)
	assert.Empty(t, outcomes[0].Error)
	assert.NotEmpty(t, outcomes[1].Error)
}

func TestAPI_TeamEndpoints(t *testing.T) {
	a, _ := newTestAPI(t)
	router := a.Router()

	for _, res := range []map[string]string{
		{"id": "veh-1", "kind": "vehicle"},
		{"id": "u1", "kind": "personnel"},
	} {
		rec := doJSON(t, router, "POST", "/api/resources", res)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, router, "POST", "/api/teams", map[string]interface{}{
		"name": "Alpha", "vehicle_id": "veh-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tm core.Team
	decodeInto(t, rec, &tm)

	rec = doJSON(t, router, "POST", "/api/teams/"+tm.ID+"/members", map[string]string{
		"user_id": "u1", "role": "driver",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "PUT", "/api/teams/"+tm.ID+"/leader", map[string]string{"user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &tm)
	assert.Equal(t, 1, tm.LeaderCount())

	rec = doJSON(t, router, "POST", "/api/teams/"+tm.ID+"/intervention", map[string]string{
		"intervention_id": "int-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeInto(t, rec, &tm)
	assert.Equal(t, core.TeamStatusDeployed, tm.Status)

	// Releasing must name the intervention; a wrong one is NotFound.
	rec = doJSON(t, router, "DELETE", "/api/teams/"+tm.ID+"/intervention/int-OTHER", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, "DELETE", "/api/teams/"+tm.ID+"/intervention/int-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "DELETE", "/api/teams/"+tm.ID+"/members/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &tm)
	assert.Equal(t, 0, tm.Size())
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	a, _ := newTestAPI(t)
	router := a.Router()

	rec := doJSON(t, router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "brigade_")
}

func TestAPI_ObserverReceivesEvents(t *testing.T) {
	a, _ := newTestAPI(t)
	server := httptest.NewServer(a.Router())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=region:region-01"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a moment to register the subscription before publishing.
	require.Eventually(t, func() bool {
		return a.hub.TopicSubscribers("region:region-01") == 1
	}, time.Second, 10*time.Millisecond)

	rec := doJSON(t, a.Router(), "POST", "/api/interventions", map[string]string{
		"type": "fire", "priority": "high", "region": "region-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt fanout.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "intervention:created", evt.Name)
	assert.Equal(t, "region:region-01", evt.Topic)
}

func TestAPI_ObserverSubscribeControlMessage(t *testing.T) {
	a, _ := newTestAPI(t)
	server := httptest.NewServer(a.Router())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action": "subscribe", "topic": "station:st-1",
	}))
	require.Eventually(t, func() bool {
		return a.hub.TopicSubscribers("station:st-1") == 1
	}, time.Second, 10*time.Millisecond)

	a.hub.Publish("station:st-1", "station:st-1:update", map[string]string{"ping": "pong"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt fanout.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "station:st-1:update", evt.Name)
}

func TestAPI_StopIsIdempotent(t *testing.T) {
	a, _ := newTestAPI(t)

	// Shutdown paths can race each other; a second Stop must be a no-op,
	// not a panic on the closed stop channel.
	require.NoError(t, a.Stop(context.Background()))
	require.NotPanics(t, func() {
		require.NoError(t, a.Stop(context.Background()))
	})
}
