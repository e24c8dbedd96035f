package runner

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

var scrapedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

type wireRecord struct {
	Title     *string `json:"title"`
	Link      *string `json:"link"`
	ScrapedAt string  `json:"scraped_at"`
}

// decodeRecord reports whether line is a JSON record. A line is a record
// when it is a JSON object carrying a title or a link; anything else is
// plain process output.
func decodeRecord(line []byte) (crawler.Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return crawler.Record{}, false
	}
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return crawler.Record{}, false
	}
	if w.Title == nil && w.Link == nil {
		return crawler.Record{}, false
	}
	var rec crawler.Record
	if w.Title != nil {
		rec.Title = *w.Title
	}
	if w.Link != nil {
		rec.Link = *w.Link
	}
	for _, layout := range scrapedAtLayouts {
		if ts, err := time.Parse(layout, w.ScrapedAt); err == nil {
			rec.ScrapedAt = ts.UTC()
			break
		}
	}
	return rec, true
}

// lineSplitter calls onLine for every complete line written to it.
type lineSplitter struct {
	partial []byte
	onLine  func(line []byte)
}

func (l *lineSplitter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			l.partial = append(l.partial, p...)
			break
		}
		if len(l.partial) > 0 {
			l.partial = append(l.partial, p[:i]...)
			l.onLine(l.partial)
			l.partial = l.partial[:0]
		} else {
			l.onLine(p[:i])
		}
		p = p[i+1:]
	}
	return n, nil
}

// Flush emits a trailing line without a newline.
func (l *lineSplitter) Flush() {
	if len(l.partial) > 0 {
		l.onLine(l.partial)
		l.partial = nil
	}
}
