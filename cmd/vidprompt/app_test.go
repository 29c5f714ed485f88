package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/engine"
	"github.com/jo-hoe/vidprompt/internal/jobs"
	"github.com/jo-hoe/vidprompt/internal/logging"
	"github.com/jo-hoe/vidprompt/internal/orchestrator"
	"github.com/jo-hoe/vidprompt/internal/publish"
)

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	body := "server:\n  storageDir: \"" + filepath.ToSlash(dir) + "\"\n  workerCount: 2\n" + extra
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestBuildApp_EndToEndWithLocalAdapters(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeConfig(t, dir, "store:\n  driver: memory\nengine:\n  type: passthrough\n"))
	require.NoError(t, err)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, filepath.Join(dir, "artifacts"), a.artifactsDir)
	assert.Nil(t, a.engineState)

	require.NoError(t, a.queue.Start(ctx, a.orch))
	defer a.queue.Shutdown(5 * time.Second)

	input := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(input, []byte("frames"), 0o600))
	job, err := a.orch.Submit(ctx, orchestrator.SubmitRequest{InputRef: input, Prompt: "make it brighter"})
	require.NoError(t, err)

	var got *jobs.Job
	require.Eventually(t, func() bool {
		got, err = a.orch.Get(ctx, job.ID)
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, jobs.StatusCompleted, got.Status, "reason: %v", got.FailureReason)
	require.NotNil(t, got.OutputRef)
	assert.True(t, strings.HasSuffix(*got.OutputRef, "/artifacts/"+job.ID+".mp4"), *got.OutputRef)
	data, err := os.ReadFile(filepath.Join(a.artifactsDir, job.ID+".mp4"))
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))
}

func TestBuildEngine_WrapsBreaker(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeConfig(t, dir, "engine:\n  type: passthrough\n  breaker:\n    enabled: true\n"))
	require.NoError(t, err)

	c, err := buildEngine(cfg.Engine, nil, logging.Discard())
	require.NoError(t, err)
	_, ok := c.(*engine.Breaker)
	assert.True(t, ok)

	cfg.Engine.Breaker.Enabled = false
	c, err = buildEngine(cfg.Engine, nil, logging.Discard())
	require.NoError(t, err)
	_, ok = c.(*engine.Passthrough)
	assert.True(t, ok)
}

func TestBuildApp_ExposesBreakerState(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeConfig(t, dir, "store:\n  driver: memory\nengine:\n  type: passthrough\n  breaker:\n    enabled: true\n"))
	require.NoError(t, err)

	a, err := buildApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.engineState)
	assert.Equal(t, "closed", a.engineState())
}

func TestBuildPublisher(t *testing.T) {
	p, err := buildPublisher(config.PublisherConfig{Type: "local", Local: config.LocalSettings{Dir: t.TempDir()}})
	require.NoError(t, err)
	_, ok := p.(*publish.Local)
	assert.True(t, ok)

	_, err = buildPublisher(config.PublisherConfig{Type: "ftp"})
	assert.Error(t, err)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := openStore(context.Background(), config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestJobShowCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "engine:\n  type: passthrough\n")

	store, err := jobs.NewSQLiteStore(filepath.Join(dir, "vidprompt.db"))
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), &jobs.Job{
		ID:       "job-1",
		InputRef: "/videos/a.mp4",
		Prompt:   "mute",
		Status:   jobs.StatusPending,
	}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	err = cmd.Run(context.Background(), []string{"vidprompt", "--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"), "job", "show", "--id", "job-1"})
	require.NoError(t, err)

	var view map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, "job-1", view["id"])
	assert.Equal(t, "PENDING", view["status"])

	cmd = newCommand()
	cmd.Writer = &out
	err = cmd.Run(context.Background(), []string{"vidprompt", "--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"), "job", "show", "--id", "missing"})
	assert.ErrorContains(t, err, "not found")
}

func TestReconcileCommand_FailsStrandedJobs(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "engine:\n  type: passthrough\n")

	store, err := jobs.NewSQLiteStore(filepath.Join(dir, "vidprompt.db"))
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour).UTC()
	require.NoError(t, store.Create(context.Background(), &jobs.Job{
		ID:        "stale",
		InputRef:  "/videos/a.mp4",
		Prompt:    "mute",
		Status:    jobs.StatusPending,
		CreatedAt: past,
		UpdatedAt: past,
	}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	require.NoError(t, cmd.Run(context.Background(), []string{"vidprompt", "--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"), "reconcile", "--grace", "1h"}))

	var report orchestrator.ReconcileReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 1, report.Failed)

	store, err = jobs.NewSQLiteStore(filepath.Join(dir, "vidprompt.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	got, err := store.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
}

func TestReconcileCommand_RejectsUnknownPolicy(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "store:\n  driver: memory\nengine:\n  type: passthrough\n")
	cmd := newCommand()
	cmd.Writer = &bytes.Buffer{}
	err := cmd.Run(context.Background(), []string{"vidprompt", "--config", cfgPath, "reconcile", "--policy", "retry"})
	assert.ErrorContains(t, err, "unknown policy")
}
