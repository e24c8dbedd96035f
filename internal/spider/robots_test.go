package spider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedRoundTripper struct {
	errs  []error
	calls int
}

func (s *scriptedRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return httptest.NewRecorder().Result(), nil
}

func fastRobotsTransport(next http.RoundTripper) *robotsTransport {
	rt := newRobotsTransport(next, zap.NewNop())
	rt.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return rt
}

func TestRobotsTransportFallsBackAfterTimeouts(t *testing.T) {
	t.Parallel()

	next := &scriptedRoundTripper{errs: []error{
		context.DeadlineExceeded,
		context.DeadlineExceeded,
		context.DeadlineExceeded,
		context.DeadlineExceeded,
	}}
	rt := fastRobotsTransport(next)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.Equal(t, 4, next.calls)

	reason, ok := rt.Fallback()
	require.True(t, ok)
	require.Equal(t, fallbackReasonTimeout, reason)
}

func TestRobotsTransportStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	next := &scriptedRoundTripper{errs: []error{context.DeadlineExceeded}}
	rt := fastRobotsTransport(next)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, 2, next.calls)

	_, ok := rt.Fallback()
	require.False(t, ok)
}

func TestRobotsTransportDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()

	next := &scriptedRoundTripper{errs: []error{errors.New("connection refused")}}
	rt := fastRobotsTransport(next)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	_, err := rt.RoundTrip(req) //nolint:bodyclose // error path has no body
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, next.calls)
}

func TestRobotsTransportPassesPagesThrough(t *testing.T) {
	t.Parallel()

	next := &scriptedRoundTripper{errs: []error{context.DeadlineExceeded}}
	rt := fastRobotsTransport(next)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/page", nil)
	_, err := rt.RoundTrip(req) //nolint:bodyclose // error path has no body
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, next.calls)
}
