// Package queue persists outbound payloads while the control plane is
// unreachable. Status reports and command results live in per-kind
// bolt buckets ordered by insertion; error reports live as individual
// JSON files so they survive even when the database itself is the
// thing that broke.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cmsuite/cms-agent/internal/clock"
	"github.com/cmsuite/cms-agent/internal/logging"
	"github.com/cmsuite/cms-agent/internal/metrics"
)

// Kind selects one of the persisted queues.
type Kind string

const (
	KindStatusReports  Kind = "status_reports"
	KindCommandResults Kind = "command_results"
)

// Limits bounds one queue. Zero values mean unlimited.
type Limits struct {
	MaxCount int
	MaxBytes int64
	MaxAge   time.Duration
}

// Item is one queued payload handed back during a drain.
type Item struct {
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	Payload    json.RawMessage `json:"payload"`
}

// Store is the bolt-backed offline queue.
type Store struct {
	db     *bolt.DB
	clk    clock.Clock
	log    *logging.Logger
	limits map[Kind]Limits
}

// Open creates or opens the queue database and ensures the per-kind
// buckets exist.
func Open(path string, limits map[Kind]Limits, clk clock.Clock, log *logging.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, k := range []Kind{KindStatusReports, KindCommandResults} {
			if _, err := tx.CreateBucketIfNotExists([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue buckets: %w", err)
	}

	return &Store{db: db, clk: clk, log: log, limits: limits}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue appends a payload to the named queue. When the queue is at
// its count limit the oldest entries are evicted to make room; losing
// old telemetry beats losing new telemetry.
func (s *Store) Enqueue(kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	item, err := json.Marshal(Item{EnqueuedAt: s.clk.Now().UTC(), Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s item: %w", kind, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if max := s.limits[kind].MaxCount; max > 0 {
			// Evict oldest entries so the new one fits.
			for excess := bucketLen(b) - max + 1; excess > 0; excess-- {
				k, _ := b.Cursor().First()
				if k == nil {
					break
				}
				if err := b.Delete(append([]byte(nil), k...)); err != nil {
					return err
				}
				metrics.OfflineEvictions.WithLabelValues(string(kind), "count").Inc()
				s.log.Warn("offline queue full, evicted oldest", "kind", kind)
			}
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), item)
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	s.gauge(kind)
	return nil
}

// Drain sends queued items oldest first, deleting each after a
// successful send. The first send failure increments the item's retry
// count and aborts the drain for this kind so ordering is preserved.
func (s *Store) Drain(ctx context.Context, kind Kind, send func(Item) error) (int, error) {
	sent := 0
	defer s.gauge(kind)

	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		var key []byte
		var item Item
		err := s.db.View(func(tx *bolt.Tx) error {
			k, v := tx.Bucket([]byte(kind)).Cursor().First()
			if k == nil {
				return nil
			}
			key = append([]byte(nil), k...)
			return json.Unmarshal(v, &item)
		})
		if err != nil {
			// A payload this process wrote but cannot read back is
			// unsendable. Drop it rather than wedge the queue. If even
			// the drop fails, abort instead of spinning on the same key.
			s.log.Error("dropping unreadable queue item", "kind", kind, "error", err)
			if key == nil {
				return sent, err
			}
			if delErr := s.delete(kind, key); delErr != nil {
				return sent, fmt.Errorf("drop unreadable %s item: %w", kind, delErr)
			}
			continue
		}
		if key == nil {
			return sent, nil
		}

		if err := send(item); err != nil {
			s.bumpRetry(kind, key, item)
			return sent, fmt.Errorf("drain %s: %w", kind, err)
		}
		if err := s.delete(kind, key); err != nil {
			return sent, err
		}
		sent++
	}
}

// Expire enforces the per-kind age, count, and byte limits, evicting
// oldest first.
func (s *Store) Expire(now time.Time) error {
	for kind, lim := range s.limits {
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(kind))
			if b == nil {
				return nil
			}

			evict := func(k []byte, reason string) error {
				if err := b.Delete(k); err != nil {
					return err
				}
				metrics.OfflineEvictions.WithLabelValues(string(kind), reason).Inc()
				s.log.Warn("expired offline queue item", "kind", kind, "reason", reason)
				return nil
			}

			if lim.MaxAge > 0 {
				cutoff := now.Add(-lim.MaxAge)
				var expired [][]byte
				c := b.Cursor()
				for k, v := c.First(); k != nil; k, v = c.Next() {
					var item Item
					if json.Unmarshal(v, &item) == nil && item.EnqueuedAt.After(cutoff) {
						break
					}
					expired = append(expired, append([]byte(nil), k...))
				}
				for _, k := range expired {
					if err := evict(k, "age"); err != nil {
						return err
					}
				}
			}

			if lim.MaxCount > 0 {
				for excess := bucketLen(b) - lim.MaxCount; excess > 0; excess-- {
					k, _ := b.Cursor().First()
					if k == nil {
						break
					}
					if err := evict(append([]byte(nil), k...), "count"); err != nil {
						return err
					}
				}
			}

			if lim.MaxBytes > 0 {
				var total int64
				b.ForEach(func(_, v []byte) error {
					total += int64(len(v))
					return nil
				})
				for total > lim.MaxBytes {
					k, v := b.Cursor().First()
					if k == nil {
						break
					}
					total -= int64(len(v))
					if err := evict(append([]byte(nil), k...), "bytes"); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("expire %s: %w", kind, err)
		}
		s.gauge(kind)
	}
	return nil
}

// Len reports how many items are queued for a kind.
func (s *Store) Len(kind Kind) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = bucketLen(tx.Bucket([]byte(kind)))
		return nil
	})
	return n, err
}

// bucketLen counts keys with a cursor walk; bucket stats lag behind
// writes made in the same transaction.
func bucketLen(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func (s *Store) delete(kind Kind, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(kind)).Delete(key)
	})
}

func (s *Store) bumpRetry(kind Kind, key []byte, item Item) {
	item.RetryCount++
	raw, err := json.Marshal(item)
	if err != nil {
		return
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(kind)).Put(key, raw)
	})
	if err != nil {
		s.log.Warn("persist retry count", "kind", kind, "error", err)
	}
}

func (s *Store) gauge(kind Kind) {
	if n, err := s.Len(kind); err == nil {
		metrics.OfflineQueueDepth.WithLabelValues(string(kind)).Set(float64(n))
	}
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
