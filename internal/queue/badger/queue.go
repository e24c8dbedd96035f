// Package badger implements a durable, single-node job queue on BadgerDB
// using a visibility-timeout index.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

var errNoMessage = errors.New("no visible message")

// Config tunes the queue.
type Config struct {
	Name              string
	VisibilityTimeout time.Duration
	MaxReceive        int
	PollInterval      time.Duration
}

// storedMessage is the value kept under the message key.
type storedMessage struct {
	ID           string               `json:"id"`
	Body         crawler.QueueMessage `json:"body"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
	VisibleAt    time.Time            `json:"visible_at"`
	ReceiveCount int                  `json:"receive_count"`
}

// Queue stores each message at queue:{name}:msg:{id} and keeps an ordered
// index queue:{name}:index:{visibleAt}:{id}. Dequeue claims the first visible
// entry by pushing its visibility forward; Ack deletes it.
type Queue struct {
	db     *badger.DB
	cfg    Config
	logger *zap.Logger
	ownsDB bool
	closed atomic.Bool
	now    func() time.Time
}

// Open opens (or creates) a badger database at path. An empty path opens an
// in-memory database.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// New creates a queue on db. When ownsDB is true Close also closes db.
func New(db *badger.DB, cfg Config, ownsDB bool, logger *zap.Logger) (*Queue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if cfg.Name == "" {
		cfg.Name = "crawl-jobs"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 65 * time.Minute
	}
	if cfg.MaxReceive <= 0 {
		cfg.MaxReceive = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, cfg: cfg, logger: logger, ownsDB: ownsDB, now: time.Now}, nil
}

// Enqueue stores msg as immediately visible.
func (q *Queue) Enqueue(ctx context.Context, msg crawler.QueueMessage) error {
	if q.closed.Load() {
		return crawler.ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	now := q.now()
	stored := storedMessage{
		ID:         uuid.NewString(),
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(stored.ID), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(stored.VisibleAt, stored.ID), nil)
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue claims the next visible message, polling until one is available.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Delivery, error) {
	for {
		if q.closed.Load() {
			return crawler.Delivery{}, crawler.ErrQueueClosed
		}
		stored, err := q.claim()
		switch {
		case err == nil:
			return q.delivery(stored), nil
		case errors.Is(err, badger.ErrConflict):
			continue
		case !errors.Is(err, errNoMessage):
			return crawler.Delivery{}, fmt.Errorf("dequeue: %w", err)
		}
		select {
		case <-ctx.Done():
			return crawler.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) delivery(stored storedMessage) crawler.Delivery {
	id := stored.ID
	return crawler.NewDelivery(stored.Body, id, stored.ReceiveCount,
		func(context.Context) error { return q.remove(id) },
		func(context.Context) error { return q.reschedule(id, 0) },
	)
}

func (q *Queue) claim() (storedMessage, error) {
	var claimed storedMessage
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := q.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := q.now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			visibleAt, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			if visibleAt.After(now) {
				break
			}

			stored, err := q.load(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if stored.ReceiveCount >= q.cfg.MaxReceive {
				if err := q.deadLetter(txn, key, stored); err != nil {
					return err
				}
				q.logger.Warn("queue message exceeded max receive count",
					zap.String("delivery_id", id),
					zap.String("job_id", stored.Body.JobID),
					zap.Int("attempt", stored.ReceiveCount),
				)
				continue
			}

			stored.ReceiveCount++
			stored.VisibleAt = now.Add(q.cfg.VisibilityTimeout)
			if err := q.save(txn, stored); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(q.indexKey(stored.VisibleAt, id), nil); err != nil {
				return err
			}
			claimed = stored
			return nil
		}
		return errNoMessage
	})
	return claimed, err
}

func (q *Queue) remove(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		stored, err := q.load(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(q.indexKey(stored.VisibleAt, id)); err != nil {
			return err
		}
		return txn.Delete(q.msgKey(id))
	})
}

// reschedule makes a claimed message visible again after delay.
func (q *Queue) reschedule(id string, delay time.Duration) error {
	return q.db.Update(func(txn *badger.Txn) error {
		stored, err := q.load(txn, id)
		if err != nil {
			return fmt.Errorf("load message %s: %w", id, err)
		}
		if err := txn.Delete(q.indexKey(stored.VisibleAt, id)); err != nil {
			return err
		}
		stored.VisibleAt = q.now().Add(delay)
		if err := q.save(txn, stored); err != nil {
			return err
		}
		return txn.Set(q.indexKey(stored.VisibleAt, id), nil)
	})
}

func (q *Queue) deadLetter(txn *badger.Txn, indexKey []byte, stored storedMessage) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := txn.Set(q.deadKey(stored.ID), data); err != nil {
		return err
	}
	if err := txn.Delete(indexKey); err != nil {
		return err
	}
	return txn.Delete(q.msgKey(stored.ID))
}

// DeadLetters lists messages dropped after MaxReceive deliveries.
func (q *Queue) DeadLetters() ([]crawler.QueueMessage, error) {
	var out []crawler.QueueMessage
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(fmt.Sprintf("queue:%s:dead:", q.cfg.Name))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var stored storedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			out = append(out, stored.Body)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// Close stops the queue and closes the database when owned.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	if q.ownsDB {
		if err := q.db.Close(); err != nil {
			return fmt.Errorf("close badger: %w", err)
		}
	}
	return nil
}

func (q *Queue) load(txn *badger.Txn, id string) (storedMessage, error) {
	var stored storedMessage
	item, err := txn.Get(q.msgKey(id))
	if err != nil {
		return stored, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &stored)
	})
	return stored, err
}

func (q *Queue) save(txn *badger.Txn, stored storedMessage) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return txn.Set(q.msgKey(stored.ID), data)
}

func (q *Queue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.cfg.Name, id))
}

func (q *Queue) deadKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:%s", q.cfg.Name, id))
}

func (q *Queue) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", q.cfg.Name))
}

// indexKey zero pads the timestamp so lexical order matches time order.
func (q *Queue) indexKey(visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.cfg.Name, visibleAt.UnixNano(), id))
}

func (q *Queue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := q.indexPrefix()
	if len(key) <= len(prefix)+21 {
		return time.Time{}, "", fmt.Errorf("invalid index key %q", key)
	}
	suffix := string(key[len(prefix):])
	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", fmt.Errorf("parse index key: %w", err)
	}
	return time.Unix(0, ts), suffix[21:], nil
}
