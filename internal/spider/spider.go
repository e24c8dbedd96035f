// Package spider is the reference crawl process launched by the worker. It
// walks a registered target with colly and writes one JSON line per record.
package spider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/policy/ratelimit"
)

// ErrNoPages is returned when the crawl finished without fetching a page.
var ErrNoPages = errors.New("no pages fetched")

// Config controls a single crawl.
type Config struct {
	UserAgent     string
	RespectRobots bool
	MaxPages      int
	Timeout       time.Duration
	RPS           float64
	Burst         int
}

// Stats summarizes a finished crawl.
type Stats struct {
	Pages   int
	Records int
	Errors  int
}

// Spider crawls one target.
type Spider struct {
	target    Target
	cfg       Config
	emitter   *Emitter
	logger    *zap.Logger
	transport http.RoundTripper
	now       func() time.Time
	robots    *robotsTransport
}

// New builds a Spider that writes records to out.
func New(target Target, cfg Config, out io.Writer, logger *zap.Logger) *Spider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crawl-ingest/quotespider"
	}
	logger = logger.With(zap.String("target", target.Name))
	robots := newRobotsTransport(newHTTPTransport(), logger)
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RPS, DefaultBurst: cfg.Burst})
	return &Spider{
		target:    target,
		cfg:       cfg,
		emitter:   NewEmitter(out),
		logger:    logger,
		transport: limiter.Transport(robots),
		now:       time.Now,
		robots:    robots,
	}
}

// Run crawls from the target's start URL until pagination ends, MaxPages is
// reached or ctx is canceled.
func (s *Spider) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	c := s.collector(ctx, &stats)

	s.logger.Info("spider opened", zap.String("start_url", s.target.StartURL))
	err := c.Visit(s.target.StartURL)
	c.Wait()
	stats.Records = s.emitter.Count()

	fields := []zap.Field{
		zap.Int("pages", stats.Pages),
		zap.Int("records", stats.Records),
		zap.Int("errors", stats.Errors),
	}
	if reason, ok := s.robots.Fallback(); ok {
		fields = append(fields, zap.String("robots_fallback", reason))
	}
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		s.logger.Error("spider blocked by robots.txt", fields...)
		return stats, fmt.Errorf("visit %s: %w", s.target.StartURL, err)
	case ctx.Err() != nil:
		s.logger.Warn("spider canceled", fields...)
		return stats, fmt.Errorf("crawl canceled: %w", ctx.Err())
	case err != nil && stats.Pages == 0:
		s.logger.Error("spider failed", append(fields, zap.Error(err))...)
		return stats, fmt.Errorf("visit %s: %w", s.target.StartURL, err)
	case stats.Pages == 0:
		s.logger.Error("spider failed", fields...)
		return stats, ErrNoPages
	}
	s.logger.Info("spider closed", fields...)
	return stats, nil
}

func (s *Spider) collector(ctx context.Context, stats *Stats) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.UserAgent(s.cfg.UserAgent),
		colly.Async(false),
	}
	if domain := s.target.Domain(); domain != "" {
		opts = append(opts, colly.AllowedDomains(domain))
	}
	c := colly.NewCollector(opts...)
	c.IgnoreRobotsTxt = !s.cfg.RespectRobots
	c.SetRequestTimeout(s.cfg.Timeout)
	c.WithTransport(s.transport)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		s.logger.Debug("fetching", zap.String("url", r.URL.String()))
	})

	c.OnResponse(func(r *colly.Response) {
		stats.Pages++
		s.logger.Info("page fetched",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status", r.StatusCode),
			zap.Int("bytes", len(r.Body)),
		)
	})

	c.OnError(func(r *colly.Response, err error) {
		stats.Errors++
		fields := []zap.Field{zap.Error(err)}
		if r != nil && r.Request != nil {
			fields = append(fields, zap.String("url", r.Request.URL.String()), zap.Int("status", r.StatusCode))
		}
		s.logger.Warn("fetch failed", fields...)
	})

	c.OnHTML(s.target.ItemSelector, func(e *colly.HTMLElement) {
		rec, ok := s.target.Parse(e.DOM, e.Request.AbsoluteURL)
		if !ok {
			s.logger.Debug("item skipped", zap.String("url", e.Request.URL.String()))
			return
		}
		rec.ScrapedAt = s.now().UTC()
		if err := s.emitter.Emit(rec); err != nil {
			stats.Errors++
			s.logger.Error("emit failed", zap.Error(err))
		}
	})

	if s.target.NextSelector != "" {
		c.OnHTML(s.target.NextSelector, func(e *colly.HTMLElement) {
			if s.cfg.MaxPages > 0 && stats.Pages >= s.cfg.MaxPages {
				return
			}
			next := e.Request.AbsoluteURL(e.Attr("href"))
			if next == "" {
				return
			}
			if err := e.Request.Visit(next); err != nil && !errors.Is(err, colly.ErrAlreadyVisited) {
				s.logger.Debug("next page not followed", zap.String("url", next), zap.Error(err))
			}
		})
	}
	return c
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
