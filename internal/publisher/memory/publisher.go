// Package memory keeps completion notifications in process. Standalone runs
// use it when no notify topic is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Event is one published notification, encoded the way the Pub/Sub
// publisher would put it on the wire.
type Event struct {
	ID    string
	Topic string
	Data  json.RawMessage
}

// Decode unmarshals the event body into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode event %s: %w", e.ID, err)
	}
	return nil
}

// Publisher retains the most recent events up to its limit.
type Publisher struct {
	mu      sync.RWMutex
	events  []Event
	limit   int
	seq     int
	failErr error
	logger  *zap.Logger
}

// New returns a Publisher keeping at most limit events; limit <= 0 keeps all.
func New(limit int, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{limit: limit, logger: logger}
}

// Publish encodes payload and appends it, evicting the oldest event when full.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return "", p.failErr
	}
	p.seq++
	ev := Event{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Data: data}
	p.events = append(p.events, ev)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = p.events[len(p.events)-p.limit:]
	}
	p.logger.Debug("notification published", zap.String("topic", topic), zap.String("id", ev.ID))
	return ev.ID, nil
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Events returns a copy of the retained events, oldest first.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Event(nil), p.events...)
}
