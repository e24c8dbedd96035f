package spider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
)

const pageOne = `<html><body>
<div class="quote"><span class="text"> “First quote.” </span><small>by <a href="/author/Ada">Ada</a></small></div>
<div class="quote"><span class="text">“Second quote.”</span><a href="/author/Grace">Grace</a></div>
<div class="quote"><span class="text">“No author.”</span></div>
<ul class="pager"><li class="next"><a href="/page/2/">Next</a></li></ul>
</body></html>`

const pageTwo = `<html><body>
<div class="quote"><span class="text">“Third quote.”</span><a href="/author/Alan">Alan</a></div>
</body></html>`

func quotesServer(t *testing.T, robots string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, robots)
	})
	mux.HandleFunc("/page/2/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, pageTwo)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, pageOne)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decodeRecords(t *testing.T, out *bytes.Buffer) []Record {
	t.Helper()
	var recs []Record
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, scanner.Err())
	return recs
}

func TestSpiderFollowsPagination(t *testing.T) {
	t.Parallel()

	srv := quotesServer(t, "User-agent: *\nAllow: /")
	var out bytes.Buffer
	sp := New(QuotesTarget("test", srv.URL+"/"), Config{RespectRobots: true, Timeout: 5 * time.Second}, &out, nil)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sp.now = func() time.Time { return fixed }

	stats, err := sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pages)
	require.Equal(t, 3, stats.Records)

	recs := decodeRecords(t, &out)
	require.Len(t, recs, 3)
	require.Equal(t, "“First quote.”", recs[0].Title)
	require.Equal(t, srv.URL+"/author/Ada", recs[0].Link)
	require.Equal(t, srv.URL+"/author/Grace", recs[1].Link)
	require.Equal(t, "“Third quote.”", recs[2].Title)
	require.True(t, recs[2].ScrapedAt.Equal(fixed))
}

func TestSpiderStopsAtMaxPages(t *testing.T) {
	t.Parallel()

	srv := quotesServer(t, "User-agent: *\nAllow: /")
	var out bytes.Buffer
	sp := New(QuotesTarget("test", srv.URL+"/"), Config{MaxPages: 1}, &out, nil)

	stats, err := sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pages)
	require.Len(t, decodeRecords(t, &out), 2)
}

func TestSpiderBlockedByRobots(t *testing.T) {
	t.Parallel()

	srv := quotesServer(t, "User-agent: *\nDisallow: /")
	var out bytes.Buffer
	sp := New(QuotesTarget("test", srv.URL+"/"), Config{RespectRobots: true}, &out, nil)

	stats, err := sp.Run(context.Background())
	require.ErrorIs(t, err, colly.ErrRobotsTxtBlocked)
	require.Zero(t, stats.Pages)
	require.Zero(t, out.Len())
}

func TestSpiderIgnoresRobotsWhenDisabled(t *testing.T) {
	t.Parallel()

	srv := quotesServer(t, "User-agent: *\nDisallow: /")
	var out bytes.Buffer
	sp := New(QuotesTarget("test", srv.URL+"/"), Config{RespectRobots: false}, &out, nil)

	stats, err := sp.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.Records)
}

func TestSpiderCanceled(t *testing.T) {
	t.Parallel()

	srv := quotesServer(t, "User-agent: *\nAllow: /")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	sp := New(QuotesTarget("test", srv.URL+"/"), Config{}, &out, nil)
	stats, err := sp.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, stats.Pages)
}

func TestSpiderFailsWithoutPages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	sp := New(QuotesTarget("test", srv.URL+"/"), Config{}, &out, nil)
	stats, err := sp.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, stats.Errors)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	target, ok := Lookup("example_spider")
	require.True(t, ok)
	require.Equal(t, "quotes.toscrape.com", target.Domain())
	require.Equal(t, []string{"example_spider"}, Names())

	_, ok = Lookup("missing")
	require.False(t, ok)
}
