package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentstate/internal/logger"
	"github.com/aixgo-dev/agentstate/pkg/config"
	"github.com/aixgo-dev/agentstate/pkg/message"
	"github.com/aixgo-dev/agentstate/pkg/session"
)

type cli struct {
	t           *testing.T
	dir         string
	messagesDir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("AGENTSTATE_CONFIG", "")
	t.Setenv(config.EnvStore, "")
	t.Setenv(config.EnvLogLevel, "")
	t.Setenv("OTEL_TRACES_ENABLED", "")
	root := t.TempDir()
	return &cli{
		t:           t,
		dir:         filepath.Join(root, "sessions"),
		messagesDir: filepath.Join(root, "messages"),
	}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	return c.runApp(NewApp(), args...)
}

func (c *cli) runApp(app *App, args ...string) (string, error) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	base := []string{"--store", "file", "--dir", c.dir, "--messages-dir", c.messagesDir, "--log-level", "fatal"}
	err := app.Run(context.Background(), append(base, args...), &stdout, &stderr)
	return stdout.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "sessionctl %s", strings.Join(args, " "))
	return out
}

func TestSessionLifecycle(t *testing.T) {
	c := newCLI(t)

	assert.Equal(t, "s1\n", c.mustRun("create", "planner", "--id", "s1", "--label", "Planner"))
	assert.Equal(t, "s1 completed v2\n", c.mustRun("status", "s1", "completed"))
	assert.Equal(t, "s2\n", c.mustRun("fork", "s1", "--id", "s2"))

	list := c.mustRun("list")
	assert.Contains(t, list, "s1")
	assert.Contains(t, list, "s2")
	assert.Contains(t, list, "Planner")

	completed := c.mustRun("list", "--status", "completed")
	assert.Contains(t, completed, "s1")
	assert.NotContains(t, completed, "s2", "forks start active")

	doc := c.mustRun("show", "s2")
	assert.Contains(t, doc, `"parentId": "s1"`)
	assert.Contains(t, doc, `"version": 1`)

	_, err := c.run("create", "planner", "--id", "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrConflict)

	assert.Equal(t, "deleted s1\n", c.mustRun("delete", "s1"))
	_, err = c.run("show", "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestMessageCommands(t *testing.T) {
	c := newCLI(t)
	c.mustRun("create", "planner", "--id", "s1")

	first := strings.Fields(c.mustRun("append", "s1", "user", "plan a trip"))
	require.Len(t, first, 2)
	assert.Equal(t, "v2", first[1])
	second := strings.Fields(c.mustRun("append", "s1", "assistant", "where to?"))
	assert.Equal(t, "v3", second[1])

	msgs := c.mustRun("messages", "s1")
	assert.Contains(t, msgs, "[user] plan a trip")
	assert.Contains(t, msgs, "[assistant] where to?")

	last := c.mustRun("messages", "s1", "--limit", "1")
	assert.NotContains(t, last, "plan a trip")

	c.mustRun("label", "s1", first[0], "start")
	path := c.mustRun("path", "s1")
	assert.Contains(t, path, first[0]+" [user] plan a trip (start)")

	doc := c.mustRun("show", "s1")
	assert.Contains(t, doc, `"version": 4`)
	assert.Contains(t, doc, `"start"`, "label recorded in the session history")

	upTo := c.mustRun("path", "s1", "--to", first[0])
	assert.NotContains(t, upTo, "where to?")

	branch := strings.TrimSpace(c.mustRun("branch", "s1", first[0]))
	require.NotEmpty(t, branch)
	branched := c.mustRun("messages", branch)
	assert.Contains(t, branched, "plan a trip")
	assert.NotContains(t, branched, "where to?")
}

func TestVerify(t *testing.T) {
	c := newCLI(t)
	c.mustRun("create", "planner", "--id", "s1")
	c.mustRun("create", "planner", "--id", "s2")
	c.mustRun("append", "s1", "user", "hello")

	assert.Equal(t, "ok: 2 sessions, 1 message logs\n", c.mustRun("verify"))

	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "broken.json"), []byte("{"), 0600))
	_, err := c.run("verify")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrDataIntegrity)
}

func TestVerify_CorruptMessageLog(t *testing.T) {
	c := newCLI(t)
	c.mustRun("create", "planner", "--id", "s1")
	c.mustRun("append", "s1", "user", "hello")

	path := filepath.Join(c.messagesDir, "s1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = c.run("verify")
	assert.ErrorIs(t, err, message.ErrDataIntegrity)
}

func TestVerifier_LoadsNonFileStores(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	for _, id := range []session.SessionID{"a", "b", "c"} {
		require.True(t, store.Save(ctx, session.New(session.Definition{Name: "x"}, session.WithID(id))).IsOK())
	}

	report, err := Verifier{Sessions: store, Messages: message.NewMemoryStore(), Logger: logger.Discard()}.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, VerifyReport{Sessions: 3}, report)
}

func TestConfigCommands(t *testing.T) {
	c := newCLI(t)
	path := filepath.Join(t.TempDir(), "agentstate.yaml")

	assert.Equal(t, "wrote "+path+"\n", c.mustRun("config", "init", path))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.StoreFile, cfg.Store.Kind)

	shown := c.mustRun("config", "show")
	assert.Contains(t, shown, "kind: file")
	assert.Contains(t, shown, "dir: "+c.dir)
}

func TestInvalidStoreKind(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("--store", "postgres", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store kind")
}

func TestRuntimeMetrics(t *testing.T) {
	c := newCLI(t)
	c.mustRun("create", "planner", "--id", "s1")

	path := filepath.Join(t.TempDir(), "agentstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("observability:\n  metrics_port: 9100\n"), 0600))

	app := NewApp()
	out, err := c.runApp(app, "--config", path, "status", "s1", "completed")
	require.NoError(t, err)
	assert.Equal(t, "s1 completed v2\n", out)
	require.NotNil(t, app.metrics)

	rec := httptest.NewRecorder()
	app.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `agentstate_runtime_executions_total{result="ok"} 1`)
	assert.Contains(t, body, `agentstate_runtime_events_total{type="saved"} 1`)
	assert.Contains(t, body, `agentstate_store_saves_total{backend="file",result="ok"} 1`)
}

func TestMetricsDisabledByDefault(t *testing.T) {
	c := newCLI(t)
	app := NewApp()
	_, err := c.runApp(app, "create", "planner", "--id", "s1")
	require.NoError(t, err)
	assert.Nil(t, app.metrics)
}

func TestTracingFallsBackToEnv(t *testing.T) {
	c := newCLI(t)
	t.Setenv("OTEL_TRACES_ENABLED", "true")
	t.Setenv("OTEL_TRACES_EXPORTER", "carrier-pigeon")

	_, err := c.run("list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exporter type")
}
