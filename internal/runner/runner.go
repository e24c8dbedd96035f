// Package runner launches the external crawl process and turns its output
// into records, tails and an outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// Config describes how the crawl process is launched.
type Config struct {
	Command string
	Args    []string
	WorkDir string
	// PathEnv names the search-path variable added to the parent environment.
	PathEnv   string
	PathValue string
	// TailBytes bounds the stdout and stderr tails kept in the outcome, in
	// bytes. Tails are trimmed to start on a rune boundary.
	TailBytes int
	// KillGrace is how long the process may run after SIGTERM before it is
	// killed and its pipes closed.
	KillGrace time.Duration
}

// ProcessRunner implements crawler.Runner with os/exec. It never retries.
type ProcessRunner struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a ProcessRunner.
func New(cfg Config, logger *zap.Logger) (*ProcessRunner, error) {
	if cfg.Command == "" {
		return nil, errors.New("runner command is required")
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = 500
	}
	if cfg.PathEnv == "" {
		cfg.PathEnv = "CRAWLER_PATH"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRunner{cfg: cfg, logger: logger}, nil
}

// Run executes `<command> <args...> <target>` and blocks until it exits or
// ctx ends. Records are handed to inv.Records as their lines arrive.
func (r *ProcessRunner) Run(ctx context.Context, inv crawler.Invocation) crawler.Outcome {
	start := time.Now()
	outTail := newTailBuffer(r.cfg.TailBytes)
	errTail := newTailBuffer(r.cfg.TailBytes)
	var logW io.Writer = io.Discard
	if inv.Log != nil {
		logW = &lockedWriter{w: inv.Log}
	}

	records := 0
	lines := &lineSplitter{onLine: func(line []byte) {
		rec, ok := decodeRecord(line)
		if !ok {
			return
		}
		records++
		if inv.Records != nil {
			inv.Records.Accept(ctx, rec)
		}
	}}

	args := make([]string, 0, len(r.cfg.Args)+1)
	args = append(args, r.cfg.Args...)
	args = append(args, inv.Target)

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = r.environ()
	cmd.Stdout = io.MultiWriter(outTail, logW, lines)
	cmd.Stderr = io.MultiWriter(errTail, logW)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.cfg.KillGrace

	r.logger.Debug("starting crawl process",
		zap.String("target", inv.Target),
		zap.String("command", r.cfg.Command),
		zap.Strings("args", args),
	)
	err := cmd.Run()
	lines.Flush()

	out := crawler.Outcome{
		OutputTail:  outTail.String(),
		ErrorTail:   errTail.String(),
		RecordCount: records,
		Duration:    time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		out.Kind = crawler.OutcomeCompleted
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.Kind = crawler.OutcomeTimedOut
		out.ExitCode = -1
		out.Err = ctx.Err()
	case errors.As(err, &exitErr):
		out.Kind = crawler.OutcomeFailed
		out.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			out.Err = ctx.Err()
		}
	default:
		out.Kind = crawler.OutcomeFailed
		out.ExitCode = -1
		out.Err = fmt.Errorf("run crawl process: %w", err)
		if out.ErrorTail == "" {
			out.ErrorTail = out.Err.Error()
		}
	}
	return out
}

func (r *ProcessRunner) environ() []string {
	env := append(os.Environ(), r.cfg.PathEnv+"="+r.cfg.PathValue)
	if r.cfg.WorkDir != "" {
		if abs, err := filepath.Abs(r.cfg.WorkDir); err == nil {
			env = append(env, "PWD="+abs)
		}
	}
	return env
}

// lockedWriter serializes writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
