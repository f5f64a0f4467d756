package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/stepgraph/internal/config"
	"github.com/aretw0/stepgraph/internal/logging"
	"github.com/aretw0/stepgraph/internal/workflows/codereview"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.Pacing = 0
	cfg.Server.Addr = "127.0.0.1:0"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...AppOption) *App {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, logging.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Service.Wait(ctx)
		assert.NoError(t, app.Close())
	})
	return app
}

func runReview(t *testing.T, app *App) *domain.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runID, err := app.Service.Submit(ctx, codereview.ID, domain.State{codereview.KeyRawCode: "a\nb"})
	require.NoError(t, err)
	run, err := app.Service.Await(ctx, runID)
	require.NoError(t, err)
	return run
}

func TestNewApp_Drivers(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, cfg *config.Config)
	}{
		{"memory", func(t *testing.T, cfg *config.Config) {}},
		{"sqlite", func(t *testing.T, cfg *config.Config) {
			cfg.Store.Driver = config.DriverSQLite
		}},
		{"redis", func(t *testing.T, cfg *config.Config) {
			mr := miniredis.RunT(t)
			cfg.Store.Driver = config.DriverRedis
			cfg.Events.Driver = config.DriverRedis
			cfg.Lock.Enabled = true
			cfg.Store.Redis.Addr = mr.Addr()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.setup(t, cfg)
			app := newTestApp(t, cfg)

			run := runReview(t, app)
			assert.Equal(t, domain.StatusCompleted, run.Status)
			assert.EqualValues(t, 2, run.State[codereview.KeyLines])
			assert.NotEmpty(t, run.History)
		})
	}
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "cassandra"
	_, err := NewApp(context.Background(), cfg, logging.NewNop())
	assert.ErrorContains(t, err, "cassandra")
}

func TestNewApp_MetricsAndHooks(t *testing.T) {
	var finished int
	app := newTestApp(t, testConfig(), WithHooks(domain.LifecycleHooks{
		OnRunFinish: func(context.Context, *domain.RunEvent) { finished++ },
	}))
	runReview(t, app)
	require.NoError(t, app.Service.Wait(context.Background()))
	assert.Equal(t, 1, finished)

	w := httptest.NewRecorder()
	NewHandler(app).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stepgraph_runs_finished_total")
}

func TestNewApp_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	app := newTestApp(t, cfg)
	assert.Nil(t, app.Metrics)

	w := httptest.NewRecorder()
	NewHandler(app).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func brokenGraph() *graph.Graph {
	return graph.New("broken").
		AddNodeFunc("boom", func(context.Context, domain.State) (domain.State, error) {
			return nil, errors.New("kaput")
		}).
		SetEntryPoint("boom")
}

func TestExecute(t *testing.T) {
	app := newTestApp(t, testConfig(), WithGraphs(brokenGraph()))
	ctx := context.Background()

	t.Run("report", func(t *testing.T) {
		var out bytes.Buffer
		err := Execute(ctx, app, RunOptions{GraphID: codereview.ID, State: `{"raw_code":"x"}`}, &out)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "**Status:** completed")
		assert.Contains(t, out.String(), "| 1 | extract |")
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		err := Execute(ctx, app, RunOptions{GraphID: codereview.ID, JSON: true}, &out)
		require.NoError(t, err)
		var run domain.Run
		require.NoError(t, json.Unmarshal(out.Bytes(), &run))
		assert.Equal(t, domain.StatusCompleted, run.Status)
	})

	t.Run("render hook", func(t *testing.T) {
		var out bytes.Buffer
		render := func(string) (string, error) { return "rendered", nil }
		err := Execute(ctx, app, RunOptions{GraphID: codereview.ID, Render: render}, &out)
		require.NoError(t, err)
		assert.Equal(t, "rendered", out.String())
	})

	t.Run("failed run", func(t *testing.T) {
		var out bytes.Buffer
		err := Execute(ctx, app, RunOptions{GraphID: "broken"}, &out)
		assert.ErrorContains(t, err, "kaput")
		assert.Contains(t, out.String(), "**Status:** failed")
	})

	t.Run("bad state", func(t *testing.T) {
		err := Execute(ctx, app, RunOptions{GraphID: codereview.ID, State: "[1,2]"}, &bytes.Buffer{})
		assert.ErrorContains(t, err, "--state")
	})

	t.Run("unknown graph", func(t *testing.T) {
		err := Execute(ctx, app, RunOptions{GraphID: "nope"}, &bytes.Buffer{})
		assert.ErrorIs(t, err, domain.ErrGraphNotFound)
	})
}

func TestStepPrinter(t *testing.T) {
	var out bytes.Buffer
	app := newTestApp(t, testConfig(), WithHooks(StepPrinter(&out)))
	runReview(t, app)
	require.NoError(t, app.Service.Wait(context.Background()))
	assert.Contains(t, out.String(), "extract")
	assert.Contains(t, out.String(), "detect_issues")
}

func TestServe_StopsOnCancel(t *testing.T) {
	app := newTestApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	var banner bytes.Buffer
	go func() { done <- Serve(ctx, app, &banner) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewApp_ProtectedStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.EncryptionKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	cfg.Store.MaskKeys = []string{"^raw_code$"}
	app := newTestApp(t, cfg)

	run := runReview(t, app)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.Equal(t, "***", run.State[codereview.KeyRawCode])
	assert.EqualValues(t, 2, run.State[codereview.KeyLines], "the engine worked on the real value")
}

const greetGraphs = `
processes:
  - name: greet
    command: sh
    args: ["-c", 'echo "{\"greeting\": \"hi $STEPGRAPH_ARG_NAME\"}"']
graphs:
  - id: greeter
    entry_point: greet
    nodes: {greet: greet}
    edges: {greet: __END__}
`

func TestNewApp_ProcessGraphs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process graphs use sh")
	}
	path := filepath.Join(t.TempDir(), "graphs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greetGraphs), 0o644))

	cfg := testConfig()
	cfg.Process.File = path
	app := newTestApp(t, cfg)
	assert.Contains(t, app.Registry.IDs(), "greeter")
	assert.Contains(t, app.Registry.IDs(), codereview.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runID, err := app.Service.Submit(ctx, "greeter", domain.State{"name": "ada"})
	require.NoError(t, err)
	run, err := app.Service.Await(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, run.Status, run.Error)
	assert.Equal(t, "hi ada", run.State["greeting"])
}

func TestNewApp_BadProcessGraphs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("graphs:\n  - id: g\n    entry_point: a\n    nodes: {a: missing}\n"), 0o644))

	cfg := testConfig()
	cfg.Process.File = path
	_, err := NewApp(context.Background(), cfg, logging.NewNop())
	assert.ErrorContains(t, err, "process not registered")

	cfg.Process.File = filepath.Join(t.TempDir(), "nope.yaml")
	_, err = NewApp(context.Background(), cfg, logging.NewNop())
	assert.Error(t, err)
}
