// Command quotespider crawls a registered target and writes one JSON record
// per line to stdout. Logs go to stderr. It is the default crawl process
// launched by crawlsvc workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/logging"
	"github.com/JakeFAU/crawl-ingest/internal/spider"
)

const (
	exitCrawlFailed   = 1
	exitUnknownTarget = 2
)

var errUnknownTarget = errors.New("unknown target")

type options struct {
	maxPages     int
	rps          float64
	burst        int
	userAgent    string
	ignoreRobots bool
	timeout      time.Duration
	logLevel     string
}

func newCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "quotespider <target>",
		Short:         "Crawl a target and print records as JSON lines.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.maxPages, "max-pages", 0, "stop after this many pages (0 follows every page)")
	flags.Float64Var(&opts.rps, "rps", 1, "requests per second per domain (0 disables limiting)")
	flags.IntVar(&opts.burst, "burst", 1, "rate limiter burst")
	flags.StringVar(&opts.userAgent, "user-agent", "crawl-ingest/quotespider", "User-Agent header")
	flags.BoolVar(&opts.ignoreRobots, "ignore-robots", false, "do not honor robots.txt")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Second, "per-request timeout")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func run(ctx context.Context, name string, opts options) error {
	logger, err := logging.New(false, opts.logLevel)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	target, ok := spider.Lookup(name)
	if !ok {
		logger.Error("unknown target", zap.String("target", name), zap.Strings("known", spider.Names()))
		return fmt.Errorf("%w %q (known: %s)", errUnknownTarget, name, strings.Join(spider.Names(), ", "))
	}

	sp := spider.New(target, spider.Config{
		UserAgent:     opts.userAgent,
		RespectRobots: !opts.ignoreRobots,
		MaxPages:      opts.maxPages,
		Timeout:       opts.timeout,
		RPS:           opts.rps,
		Burst:         opts.burst,
	}, os.Stdout, logger)

	if _, err := sp.Run(ctx); err != nil {
		return fmt.Errorf("crawl %s: %w", name, err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	if errors.Is(err, errUnknownTarget) {
		os.Exit(exitUnknownTarget)
	}
	os.Exit(exitCrawlFailed)
}
