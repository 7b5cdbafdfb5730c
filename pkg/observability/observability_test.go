package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentstate/pkg/session"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return NewMetricsWith(reg, reg)
}

func TestInstrumentStore_RecordsSaveOutcomes(t *testing.T) {
	m := newTestMetrics()
	store := InstrumentStore(session.NewMemoryStore(), m)
	ctx := context.Background()

	assert.Equal(t, "memory", session.BackendName(store))

	s := session.New(session.Definition{Name: "planner"}, session.WithID("s1"))
	require.True(t, store.Save(ctx, s).IsOK())
	require.True(t, store.Save(ctx, s).IsConflict())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeSaves.WithLabelValues("memory", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeSaves.WithLabelValues("memory", "conflict")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.storeSaves.WithLabelValues("memory", "failure")))

	_, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	_, err = store.ListHeaders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, testutil.CollectAndCount(m.storeOpDuration), "save, load and list series")
}

func TestInstrumentStore_CountsIntegrityErrors(t *testing.T) {
	dir := t.TempDir()
	fs, err := session.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{nope"), 0600))

	m := newTestMetrics()
	store := InstrumentStore(fs, m)

	_, err = store.Load(context.Background(), "bad")
	require.ErrorIs(t, err, session.ErrDataIntegrity)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.integrityErrors))

	res := store.Save(context.Background(), session.New(session.Definition{Name: "x"}, session.WithID("bad")))
	require.True(t, res.IsFailure())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.integrityErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeSaves.WithLabelValues("file", "failure")))
}

func TestInstrumentStore_NilMetrics(t *testing.T) {
	inner := session.NewMemoryStore()
	assert.Same(t, inner, InstrumentStore(inner, nil))
}

func TestMetrics_EventSink(t *testing.T) {
	m := newTestMetrics()
	ctx := context.Background()
	rt := session.NewRuntime(session.NewRepository(session.NewMemoryStore()), session.WithEventSink(m))

	created, err := rt.CreateSession(ctx, session.Definition{Name: "planner"})
	require.NoError(t, err)

	_, err = rt.Execute(ctx, created.ID(), session.SetStatus(session.StatusCompleted))
	require.NoError(t, err)

	_, err = rt.Execute(ctx, created.ID(), session.ActionFunc(func(context.Context, session.AgentSession) (session.AgentSession, error) {
		return session.AgentSession{}, errors.New("boom")
	}))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runtimeEvents.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runtimeEvents.WithLabelValues("saved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runtimeEvents.WithLabelValues("action_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runtimeExecutions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runtimeExecutions.WithLabelValues("failure")))

	m.Publish(ctx, session.Event{Type: session.EventSaveFailed, Err: &session.ConflictError{ID: "x", Expected: 2, Actual: 1}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runtimeExecutions.WithLabelValues("conflict")))
}

func TestMetrics_RecordVerify(t *testing.T) {
	m := newTestMetrics()
	m.RecordVerify(nil)
	m.RecordVerify(&session.IntegrityError{Path: "a.json", Reason: "Invalid JSON"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.verifyRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verifyRuns.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.integrityErrors))
}

type pingStore struct {
	session.Store
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(StoreCheck(session.NewMemoryStore()))

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Contains(t, resp.Checks, "store:memory")

	var last error
	hc.RegisterCheck(VerifyCheck(func() error { return last }))
	last = errors.New("bad.json: Invalid JSON")
	assert.Equal(t, HealthStatusDegraded, hc.Check(context.Background()).Status)

	hc.RegisterCheck(StoreCheck(pingStore{Store: session.NewMemoryStore(), err: errors.New("down")}))
	resp = hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, "down", resp.Checks["store:custom"].Message)
}

func TestServer_Endpoints(t *testing.T) {
	m := newTestMetrics()
	hc := NewHealthChecker("test")
	srv := httptest.NewServer(NewServer(0, m, hc).Handler())
	defer srv.Close()

	m.RecordVerify(nil)

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `agentstate_verify_runs_total{result="ok"} 1`)

	code, body = get("/health")
	assert.Equal(t, http.StatusOK, code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, HealthStatusHealthy, health.Status)

	code, _ = get("/health/live")
	assert.Equal(t, http.StatusOK, code)

	hc.RegisterCheck(&HealthCheck{Name: "db", Critical: true, CheckFunc: func(context.Context) error { return errors.New("down") }})
	code, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "not ready")
}
