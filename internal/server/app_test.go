package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/config"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	script, err := filepath.Abs(filepath.Join("..", "runner", "testdata", "fake_crawler.sh"))
	require.NoError(t, err)
	return config.Config{
		Server: config.ServerConfig{Port: 8000, RequestTimeout: 5 * time.Second, ShutdownTimeout: time.Second},
		API:    config.APIConfig{DefaultTarget: "ok", DefaultLimit: 50, MaxLimit: 500, HealthTimeout: time.Second},
		Tracker: config.TrackerConfig{Provider: "memory"},
		Queue:   config.QueueConfig{Provider: "memory", Depth: 8},
		Worker:  config.WorkerConfig{Concurrency: 2, JobTimeout: 10 * time.Second},
		Runner: config.RunnerConfig{
			Command:     "/bin/sh",
			Args:        []string{script},
			WorkDir:     t.TempDir(),
			PathEnv:     "CRAWLER_PATH",
			PathValue:   ".",
			TailBytes:   500,
			KillGrace:   time.Second,
			MaxLogBytes: 4096,
		},
		Archive: config.ArchiveConfig{Provider: "memory", Prefix: "runs"},
	}
}

func TestBuildStandaloneEndToEnd(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := Build(ctx, testConfig(t), ModeStandalone, "test", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, app.apiServer)
	require.NotNil(t, app.dispatch)
	require.Equal(t, 2, app.dispatch.Size())

	done := make(chan struct{})
	go func() {
		app.dispatch.Run(ctx)
		close(done)
	}()
	handler := app.apiServer.Handler()

	submit := func(target string) string {
		rec := httptest.NewRecorder()
		body := bytes.NewBufferString(`{"target_name":"` + target + `"}`)
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scrape", body))
		require.Equal(t, http.StatusAccepted, rec.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp["job_id"]
	}
	waitTerminal := func(jobID string) crawler.Job {
		var job crawler.Job
		require.Eventually(t, func() bool {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/task/"+jobID, nil))
			if rec.Code != http.StatusOK {
				return false
			}
			job = crawler.Job{}
			if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
				return false
			}
			return job.State.Terminal()
		}, 5*time.Second, 20*time.Millisecond)
		return job
	}

	first := waitTerminal(submit("ok"))
	require.Equal(t, crawler.JobStateSucceeded, first.State)
	require.Equal(t, 3, first.Result.RecordCount)
	require.Equal(t, 3, first.Result.RecordsInserted)
	require.Contains(t, first.Result.LogURI, "memory://runs/")

	second := waitTerminal(submit("ok"))
	require.Equal(t, crawler.JobStateSucceeded, second.State)
	require.Equal(t, 3, second.Result.RecordsDuplicate)
	require.Zero(t, second.Result.RecordsInserted)

	failed := waitTerminal(submit("fail"))
	require.Equal(t, crawler.JobStateFailed, failed.State)
	require.NotNil(t, failed.Result.ExitCode)
	require.Equal(t, 3, *failed.Result.ExitCode)
	require.Contains(t, failed.Result.ErrorTail, "Traceback: boom")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/quotes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page crawler.RecordPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.EqualValues(t, 3, page.Total)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	app.Close()
}

func TestBuildAPIModeSkipsWorkers(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), ModeAPI, "test", zap.NewNop())
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.apiServer)
	require.Nil(t, app.dispatch)
}

func TestBuildWorkerModeWithBadger(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Tracker.Provider = "badger"
	cfg.Queue = config.QueueConfig{
		Provider: "badger",
		Badger: config.BadgerConfig{
			Path:              t.TempDir(),
			Name:              "jobs",
			VisibilityTimeout: time.Minute,
			MaxReceive:        3,
			PollInterval:      10 * time.Millisecond,
		},
	}
	app, err := Build(context.Background(), cfg, ModeWorker, "test", zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, app.apiServer)
	require.NotNil(t, app.dispatch)
	require.NotNil(t, app.trackerStore)
	require.Nil(t, app.queueDB)

	require.NoError(t, app.queue.Enqueue(context.Background(), crawler.QueueMessage{JobID: "job-1", TargetName: "ok"}))
	app.Close()
}

func TestModeString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "api", ModeAPI.String())
	require.Equal(t, "worker", ModeWorker.String())
	require.Equal(t, "standalone", ModeStandalone.String())
	require.True(t, ModeStandalone.servesAPI())
	require.True(t, ModeStandalone.runsWorkers())
	require.False(t, ModeAPI.runsWorkers())
	require.False(t, ModeWorker.servesAPI())
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Parallel()

	err := Migrate(context.Background(), config.Config{}, zap.NewNop())
	require.Error(t, err)
}

func TestMigrateEnsuresBothSchemas(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS quotes").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_quotes_scraped_at").WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_jobs").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCommit()

	require.NoError(t, migrate(context.Background(), mock, 7, zap.NewNop()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnFirstFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	err = migrate(context.Background(), mock, 7, zap.NewNop())
	require.ErrorContains(t, err, "ensure records schema")
	require.NoError(t, mock.ExpectationsWereMet())
}
