//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/homecert/internal/model"
	"github.com/sells-group/homecert/internal/store"
	tu "github.com/sells-group/homecert/internal/testutil"
)

func seedRuns(t *testing.T, st store.RunStore) (done, running *model.Run) {
	t.Helper()
	ctx := context.Background()

	done, err := st.CreateRun(ctx, "phase-1.xlsx")
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, done.ID, model.RunStatusComplete, &model.Summary{
		RunID:          done.ID,
		File:           "phase-1.xlsx",
		Result:         model.ResultSuccess,
		TotalRows:      2,
		Committed:      2,
		HomesCertified: 2,
		Rows: []model.RowResult{
			{Row: 2, Outcome: model.OutcomeCommitted},
			{Row: 3, Outcome: model.OutcomeCommitted},
		},
	}))

	running, err = st.CreateRun(ctx, "phase-2.xlsx")
	require.NoError(t, err)
	return done, running
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestBuildRouter_Health(t *testing.T) {
	rr := get(t, buildRouter(tu.NewStore(t), nil), "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestBuildRouter_ListRuns(t *testing.T) {
	st := tu.NewStore(t)
	seedRuns(t, st)
	h := buildRouter(st, nil)

	rr := get(t, h, "/runs")
	require.Equal(t, http.StatusOK, rr.Code)
	var runs []model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	rr = get(t, h, "/runs?limit=1")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	rr = get(t, h, "/runs?status=running")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "phase-2.xlsx", runs[0].File)
}

func TestBuildRouter_ListRunsEmpty(t *testing.T) {
	rr := get(t, buildRouter(tu.NewStore(t), nil), "/runs")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestBuildRouter_BadLimit(t *testing.T) {
	h := buildRouter(tu.NewStore(t), nil)

	for _, q := range []string{"abc", "0", "-3"} {
		rr := get(t, h, "/runs?limit="+q)
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestBuildRouter_GetRun(t *testing.T) {
	st := tu.NewStore(t)
	done, _ := seedRuns(t, st)
	h := buildRouter(st, nil)

	rr := get(t, h, "/runs/"+done.ID)
	require.Equal(t, http.StatusOK, rr.Code)

	var run model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &run))
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 2, run.Summary.HomesCertified)

	rr = get(t, h, "/runs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBuildRouter_CORS(t *testing.T) {
	h := buildRouter(tu.NewStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestBuildRouter_NoMetricsWithoutRegistry(t *testing.T) {
	rr := get(t, buildRouter(tu.NewStore(t), nil), "/metrics")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLoadMetrics_ReplaysFinishedRuns(t *testing.T) {
	st := tu.NewStore(t)
	seedRuns(t, st)

	m, err := loadMetrics(context.Background(), st)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(m.Registry, "homecert_import_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rr := get(t, buildRouter(st, m), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `homecert_import_homes_certified_total 2`)
	assert.Contains(t, rr.Body.String(), `homecert_import_rows_total{outcome="committed"} 2`)
}

func TestRunServer_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              "127.0.0.1:0",
		Handler:           buildRouter(tu.NewStore(t), nil),
		ReadHeaderTimeout: time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- runServer(ctx, srv) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
