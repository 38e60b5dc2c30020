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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PepeluiMoreno/bdns-etl/internal/broadcast"
	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
	"github.com/PepeluiMoreno/bdns-etl/internal/load"
	"github.com/PepeluiMoreno/bdns-etl/internal/orchestrator"
)

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, src extract.Source, _ extract.DateWindow, emit extract.EmitFunc) error {
	return emit(extract.PageResult{
		Index: 0,
		Records: []extract.RawRecord{
			{ID: json.Number("1"), FechaConcesion: "15/05/2024"},
			{ID: json.Number("2"), FechaConcesion: "16/05/2024"},
		},
		TotalElements: 2,
	})
}

type stubLoader struct{}

func (stubLoader) LoadBatch(_ context.Context, raws []extract.RawRecord, _ string) (load.BatchResult, error) {
	return load.BatchResult{Inserted: int64(len(raws))}, nil
}

type stubValidator struct{}

func (stubValidator) EnsureFresh(context.Context, int) error { return nil }

type testAPI struct {
	server      *httptest.Server
	store       execution.Store
	broadcaster *broadcast.Broadcaster
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store := execution.NewMemStore()
	broadcaster := broadcast.New(nil)
	tracker := execution.NewTracker(store, broadcaster, nil, execution.WithUpdateInterval(0))
	orch := orchestrator.New(extract.NewRegistry(), stubExtractor{}, stubLoader{}, stubValidator{}, tracker, nil, 2, 2, nil)
	service := orchestrator.NewService(context.Background(), orch, tracker, nil, nil)

	server := httptest.NewServer(NewServer(service, broadcaster, nil))
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Shutdown(ctx)
		broadcaster.Close()
	})
	return &testAPI{server: server, store: store, broadcaster: broadcaster}
}

func (a *testAPI) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(a.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func (a *testAPI) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(a.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeExecution(t *testing.T, resp *http.Response) *execution.Execution {
	t.Helper()
	defer resp.Body.Close()
	var ex execution.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ex))
	return &ex
}

func waitForCompleted(t *testing.T, a *testAPI, ex *execution.Execution) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := a.store.Get(context.Background(), ex.ID)
		return err == nil && got.Status == execution.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t)
	resp := a.get(t, "/health")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartSeedingEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t)
	resp := a.post(t, "/api/v1/seed", StartRunRequest{Entity: "ordinarias", Year: 2024})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ex := decodeExecution(t, resp)
	assert.Equal(t, execution.TypeSeeding, ex.Type)
	assert.Equal(t, "ordinarias", ex.Entity)
	waitForCompleted(t, a, ex)
}

func TestStartSeedingValidation(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t)

	resp := a.post(t, "/api/v1/seed", StartRunRequest{Entity: "ordinarias"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.post(t, "/api/v1/seed", StartRunRequest{Entity: "no_such", Year: 2024})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartSyncEndpointWindowValidation(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t)

	resp := a.post(t, "/api/v1/sync", StartRunRequest{Entity: "minimis", DateFrom: "2024-01-01"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.post(t, "/api/v1/sync", StartRunRequest{
		Entity: "minimis", DateFrom: "2024-02-01", DateTo: "2024-01-01",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.post(t, "/api/v1/sync", StartRunRequest{
		Entity: "minimis", DateFrom: "2024-01-01", DateTo: "2024-01-31",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ex := decodeExecution(t, resp)
	assert.Equal(t, execution.TypeSync, ex.Type)
}

func TestDuplicateRunConflict(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t)

	resp := a.post(t, "/api/v1/seed", StartRunRequest{Entity: "ayudas_estado", Year: 2023})
	ex := decodeExecution(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The run may already have finished; recreate the conflict by
	// checking both orders.
	resp2 := a.post(t, "/api/v1/seed", StartRunRequest{Entity: "ayudas_estado", Year: 2023})
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		waitForCompleted(t, a, ex)
		assert.Equal(t, http.StatusAccepted, resp2.StatusCode)
	}
}

func TestExecutionEndpoints(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t)

	resp := a.post(t, "/api/v1/seed", StartRunRequest{Entity: "partidos_politicos", Year: 2022})
	ex := decodeExecution(t, resp)
	waitForCompleted(t, a, ex)

	got := a.get(t, "/api/v1/executions/"+ex.ID.String())
	fetched := decodeExecution(t, got)
	assert.Equal(t, ex.ID, fetched.ID)
	assert.Equal(t, execution.StatusCompleted, fetched.Status)

	listResp := a.get(t, "/api/v1/executions/?type=seeding&limit=10")
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var list struct {
		Executions []*execution.Execution `json:"executions"`
		Total      int                    `json:"total"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	assert.Equal(t, 1, list.Total)

	bad := a.get(t, "/api/v1/executions/not-a-uuid")
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	missing := a.get(t, "/api/v1/executions/00000000-0000-0000-0000-000000000001")
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	stop := a.post(t, "/api/v1/executions/"+ex.ID.String()+"/stop", nil)
	defer stop.Body.Close()
	assert.Equal(t, http.StatusConflict, stop.StatusCode, "finished runs cannot be stopped")
}

func TestStatisticsEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t)

	resp := a.post(t, "/api/v1/seed", StartRunRequest{Entity: "minimis", Year: 2021})
	ex := decodeExecution(t, resp)
	waitForCompleted(t, a, ex)

	statsResp := a.get(t, "/api/v1/statistics")
	defer statsResp.Body.Close()
	require.Equal(t, http.StatusOK, statsResp.StatusCode)

	var stats execution.Statistics
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.ByStatus[execution.StatusCompleted])
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t)
	resp := a.get(t, "/api/v1/version")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	readMessage := func() map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	// The connection opens with a snapshot.
	snapshot := readMessage()
	assert.Equal(t, execution.EventStatsUpdate, snapshot["type"])

	// A launched run streams lifecycle events.
	launch := a.post(t, "/api/v1/seed", StartRunRequest{Entity: "ordinarias", Year: 2020})
	ex := decodeExecution(t, launch)
	require.Equal(t, http.StatusAccepted, launch.StatusCode)

	kinds := map[string]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !kinds[execution.EventProcessCompleted] {
		msg := readMessage()
		kind, _ := msg["type"].(string)
		kinds[kind] = true
	}
	assert.True(t, kinds[execution.EventProcessStarted], "missing start event, got %v", kinds)
	assert.True(t, kinds[execution.EventProcessCompleted], "missing completion event, got %v", kinds)

	// An explicit resync returns a fresh snapshot.
	require.NoError(t, conn.WriteJSON(wsCommand{Action: "resync"}))
	waitForCompleted(t, a, ex)
	var sawSnapshot bool
	for i := 0; i < 5 && !sawSnapshot; i++ {
		msg := readMessage()
		sawSnapshot = msg["type"] == execution.EventStatsUpdate
	}
	assert.True(t, sawSnapshot)
}
