package spider

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Record is one scraped item, written as a JSON line.
type Record struct {
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// Emitter writes records as newline-delimited JSON. It is safe for
// concurrent use.
type Emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
	n   int
}

// NewEmitter writes to w, usually stdout.
func NewEmitter(w io.Writer) *Emitter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Emitter{enc: enc}
}

// Emit writes rec on its own line.
func (e *Emitter) Emit(rec Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(rec); err != nil {
		return fmt.Errorf("emit record: %w", err)
	}
	e.n++
	return nil
}

// Count reports how many records were written.
func (e *Emitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}
