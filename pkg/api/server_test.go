package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
	"github.com/seedkeeper/seedkeeper/pkg/config"
	"github.com/seedkeeper/seedkeeper/pkg/observability"
	"github.com/seedkeeper/seedkeeper/pkg/scheduler"
	"github.com/seedkeeper/seedkeeper/pkg/version"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *scheduler.Scheduler) {
	t.Helper()
	cfg := &config.Config{ClusterName: "api-test", SeedCount: 1}
	cfg.ApplyDefaults()
	sched, err := scheduler.New(cfg)
	require.NoError(t, err)
	srv, err := New(sched, opts...)
	require.NoError(t, err)
	return srv, sched
}

func do(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

// bringUp drives node id to a running server through the HTTP transport.
func bringUp(t *testing.T, srv *Server, id string) {
	t.Helper()
	for _, kind := range []cluster.TaskKind{cluster.TaskMetadata, cluster.TaskServer} {
		rec := do(t, srv, http.MethodPost, "/v1/offers", scheduler.Offer{
			ID:        "offer-" + id + "-" + string(kind),
			NodeID:    cluster.NodeID(id),
			Resources: config.Resources{CPUs: 4, MemMB: 8192, DiskMB: 10000},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var d scheduler.Decision
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
		require.Equal(t, scheduler.DecisionLaunch, d.Kind, "reason %q", d.Reason)
		require.Equal(t, kind, d.Task.Kind)

		rec = do(t, srv, http.MethodPost, "/v1/status", map[string]interface{}{
			"node_id": id,
			"task_id": d.Task.TaskID,
			"state":   "running",
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}
}

func TestNewRequiresScheduler(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/does-not-exist", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CodeNotFound, body.Code)
	assert.NotEmpty(t, body.RequestID)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/version", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, CodeMethodNotAllowed, decodeError(t, rec).Code)
}

func TestHealthAndVersion(t *testing.T) {
	ready := errors.New("leadership not acquired")
	srv, _ := newTestServer(t,
		WithReadiness(func(context.Context) error { return ready }),
		WithVersionFunc(func() version.Info { return version.Info{Version: "1.2.3", GoVersion: "go1.25.1"} }),
	)

	rec := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, CodeServiceUnavailable, decodeError(t, rec).Code)

	ready = nil
	rec = do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info version.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "1.2.3", info.Version)
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/metrics", nil).Code)

	collector := observability.NewPrometheusCollector()
	collector.Collect(observability.Metric{
		Name:   "offer_decisions_total",
		Type:   observability.MetricCounter,
		Value:  1,
		Labels: map[string]string{"decision": "decline", "task_kind": "", "reason": "nothing_to_do"},
	})
	srv, _ = newTestServer(t, WithMetricsHandler(collector.Handler()))
	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "seedkeeper_offer_decisions_total")
}

func TestOfferAndNodeRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	bringUp(t, srv, "agent-1")

	rec := do(t, srv, http.MethodGet, "/v1/nodes/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts cluster.NodeCounts
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&counts))
	assert.Equal(t, cluster.NodeCounts{Nodes: 1, Seeds: 1}, counts)

	rec = do(t, srv, http.MethodGet, "/v1/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []scheduler.NodeView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, cluster.TaskRunning, nodes[0].TaskState(cluster.TaskServer))

	rec = do(t, srv, http.MethodGet, "/v1/nodes/agent-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodGet, "/v1/nodes/agent-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOfferValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/v1/offers", map[string]string{"id": "o-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/offers", map[string]string{"node_id": "a", "unexpected": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/offers", strings.NewReader(""))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "empty")
}

func TestDispatchErrorsMapToCodes(t *testing.T) {
	srv, _ := newTestServer(t)
	bringUp(t, srv, "agent-1")

	rec := do(t, srv, http.MethodPost, "/v1/status", map[string]interface{}{
		"node_id": "ghost", "task_id": "x", "kind": "server", "state": "running",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeUnknownNode, decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/v1/status", map[string]interface{}{
		"node_id": "agent-1", "task_id": "old-task", "kind": "server", "state": "finished",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeStaleTask, decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/v1/messages", map[string]interface{}{
		"node_id": "agent-1", "kind": "health_check",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/messages", map[string]interface{}{
		"node_id": "agent-1",
		"kind":    "health_check",
		"health":  map[string]interface{}{"healthy": true, "operation_mode": "NORMAL"},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestClusterJobRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	bringUp(t, srv, "agent-1")

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/cluster-jobs/current", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/v1/cluster-jobs/current/abort", nil).Code)

	rec := do(t, srv, http.MethodPost, "/v1/cluster-jobs/defrag", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/cluster-jobs/repair", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var job clusterjob.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, clusterjob.TypeRepair, job.Type)
	assert.Equal(t, []cluster.NodeID{"agent-1"}, job.RemainingNodes)

	rec = do(t, srv, http.MethodPost, "/v1/cluster-jobs/cleanup", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CodeConflict, body.Code)
	assert.Equal(t, job.ID, body.Details["active_job_id"])

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/v1/cluster-jobs/current", nil).Code)

	rec = do(t, srv, http.MethodPost, "/v1/cluster-jobs/current/abort", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.True(t, job.Aborted)
	assert.NotNil(t, job.FinishedAt)

	rec = do(t, srv, http.MethodGet, "/v1/cluster-jobs/last/REPAIR", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodGet, "/v1/cluster-jobs/last/cleanup", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatusPayloadCarriesFailure(t *testing.T) {
	srv, sched := newTestServer(t)
	bringUp(t, srv, "agent-1")

	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/cluster-jobs/repair", nil).Code)
	rec := do(t, srv, http.MethodPost, "/v1/offers", scheduler.Offer{
		ID:        "offer-job",
		NodeID:    "agent-1",
		Resources: config.Resources{CPUs: 4, MemMB: 8192, DiskMB: 10000},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var d scheduler.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	require.Equal(t, scheduler.DecisionLaunch, d.Kind, "reason %q", d.Reason)
	require.Equal(t, cluster.TaskNodeJob, d.Task.Kind)

	rec = do(t, srv, http.MethodPost, "/v1/status", map[string]interface{}{
		"node_id": "agent-1", "task_id": d.Task.TaskID, "state": "running",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/v1/messages", map[string]interface{}{
		"node_id": "agent-1",
		"kind":    "job_progress",
		"job_progress": map[string]interface{}{
			"running":              true,
			"remaining_work_items": []string{"ks1"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/v1/status", map[string]interface{}{
		"node_id": "agent-1",
		"task_id": d.Task.TaskID,
		"state":   "finished",
		"job_status": map[string]interface{}{
			"running":         false,
			"failed":          true,
			"failure_message": "keyspace ks1 repair failed",
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	last, ok := sched.LastClusterJob(clusterjob.TypeRepair)
	require.True(t, ok)
	assert.Equal(t, []cluster.NodeID{"agent-1"}, last.FailedNodes())
	assert.Equal(t, "keyspace ks1 repair failed", last.CompletedNodes[0].FailureMessage)
}

func TestRecoveryReturnsEnvelope(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	assert.NotPanics(t, func() { handler.ServeHTTP(rec, req) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CodeInternal, body.Code)
	assert.Contains(t, body.Message, "boom")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln, time.Second) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}
