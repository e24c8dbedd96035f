package spider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	allowAllRobots        = "User-agent: *\nAllow: /"
	fallbackReasonTimeout = "robots.txt timed out"
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport gives robots.txt lookups a few extra attempts on timeouts.
// When every attempt times out it serves an allow-all file so a slow host
// does not block the crawl, and remembers why. Other requests go to next
// unchanged.
type robotsTransport struct {
	next    http.RoundTripper
	backoff []time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	fallback string
}

func newRobotsTransport(next http.RoundTripper, logger *zap.Logger) *robotsTransport {
	return &robotsTransport{next: next, backoff: defaultRobotsBackoff, logger: logger}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}

	for attempt := 0; ; attempt++ {
		resp, err := t.next.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
		if attempt >= len(t.backoff) {
			t.markFallback(req.URL.Host, fallbackReasonTimeout)
			return allowAllResponse(req), nil
		}
		t.logger.Debug("robots.txt timed out, retrying",
			zap.String("host", req.URL.Host), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-req.Context().Done():
			return nil, fmt.Errorf("fetch robots.txt: %w", req.Context().Err())
		case <-time.After(t.backoff[attempt]):
		}
	}
}

// Fallback reports whether an allow-all file was served and why.
func (t *robotsTransport) Fallback() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fallback, t.fallback != ""
}

func (t *robotsTransport) markFallback(host, reason string) {
	t.mu.Lock()
	t.fallback = reason
	t.mu.Unlock()
	t.logger.Warn("robots.txt unreachable, treating host as allowed",
		zap.String("host", host), zap.String("reason", reason))
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}
