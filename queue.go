package trackkit

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
)

// queueEntry is an event plus the queue-internal metadata persisted
// alongside it.
type queueEntry struct {
	Event Event `json:"event"`

	// EnqueuedAt drives age eviction. Distinct from the event
	// timestamp: a re-enqueued event keeps its original timestamp but
	// ages from its latest enqueue.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// eventQueue is the durable, bounded FIFO store of pending events.
// Entries are keyed by the event's ULID, so BadgerDB's key order is
// enqueue order and a re-enqueue of the same event is idempotent.
//
// All mutations serialize through mu (single writer); reads take
// snapshot-consistent View transactions. Storage failures are logged
// and swallowed: the queue is a durability aid, never a reason to
// fail the producer.
type eventQueue struct {
	badger  *badger.DB
	maxSize int
	maxAge  time.Duration
	logger  *slog.Logger
	mu      sync.Mutex

	// onEvict, when set, receives the number of entries dropped by
	// each constraint-enforcement pass (age, size, and corruption).
	onEvict func(count int)
}

// newEventQueue wraps an open BadgerDB handle. The caller retains
// ownership of the handle; loadAndEnforce should be called once
// before first use to re-apply constraints to reloaded entries.
func newEventQueue(db *badger.DB, maxSize int, maxAge time.Duration, logger *slog.Logger) *eventQueue {
	return &eventQueue{
		badger:  db,
		maxSize: maxSize,
		maxAge:  maxAge,
		logger:  logger,
	}
}

// loadAndEnforce re-applies the age and size constraints to whatever
// the previous process left behind. A queue reloaded after downtime
// can lose entries to age eviction from this pass alone. Corrupt
// entries are deleted, never propagated.
func (q *eventQueue) loadAndEnforce() {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.badger.Update(func(txn *badger.Txn) error {
		return q.enforceConstraints(txn)
	})
	if err != nil {
		q.logger.Warn("queue: reload enforcement failed", "error", err)
	}
}

// Enqueue appends an event to the tail of the durable queue and
// enforces the age and size constraints. Never fails the caller: a
// full queue evicts oldest-first, a storage error is logged and
// swallowed.
func (q *eventQueue) Enqueue(event Event) {
	q.EnqueueAll([]Event{event})
}

// EnqueueAll appends events in order within a single transaction.
func (q *eventQueue) EnqueueAll(events []Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	err := q.badger.Update(func(txn *badger.Txn) error {
		for i := range events {
			if err := writeQueueEntry(txn, queueEntry{Event: events[i], EnqueuedAt: now}); err != nil {
				return err
			}
		}
		return q.enforceConstraints(txn)
	})
	if err != nil {
		q.logger.Warn("queue: enqueue failed", "error", err, "events", len(events))
	}
}

// Dequeue atomically removes and returns up to count oldest events in
// FIFO order.
func (q *eventQueue) Dequeue(count int) []Event {
	return q.dequeue(count)
}

// DequeueAll atomically empties the queue and returns the full
// sequence in FIFO order. Draining an already empty queue returns nil.
func (q *eventQueue) DequeueAll() []Event {
	return q.dequeue(0)
}

// dequeue removes and returns up to limit oldest events (0 = all).
// Constraints are enforced first, so expired entries never surface.
func (q *eventQueue) dequeue(limit int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var events []Event
	err := q.badger.Update(func(txn *badger.Txn) error {
		if err := q.enforceConstraints(txn); err != nil {
			return err
		}

		entries, err := readQueueEntries(txn, limit)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := deleteQueueEntry(txn, entry.Event); err != nil {
				return err
			}
			events = append(events, entry.Event)
		}
		return nil
	})
	if err != nil {
		q.logger.Warn("queue: dequeue failed", "error", err)
		return nil
	}
	return events
}

// DequeueExcept atomically removes and returns, in FIFO order, every
// event whose id is not in the skip set. The safety-net flush uses
// this to pick up stranded events without disturbing entries the
// batching path still owns.
func (q *eventQueue) DequeueExcept(skip map[ulid.ULID]bool) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var events []Event
	err := q.badger.Update(func(txn *badger.Txn) error {
		if err := q.enforceConstraints(txn); err != nil {
			return err
		}

		entries, err := readQueueEntries(txn, 0)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if skip[entry.Event.ID] {
				continue
			}
			if err := deleteQueueEntry(txn, entry.Event); err != nil {
				return err
			}
			events = append(events, entry.Event)
		}
		return nil
	})
	if err != nil {
		q.logger.Warn("queue: selective dequeue failed", "error", err)
		return nil
	}
	return events
}

// Remove deletes the entries with the given event ids, if present.
// The tracker calls this after a successful delivery so the safety
// net never re-sends delivered events.
func (q *eventQueue) Remove(ids []ulid.ULID) {
	if len(ids) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.badger.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			entry, err := readQueueEntry(txn, id)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				// Corrupt value: drop the primary record, leave any
				// orphaned index keys for lazy cleanup.
				if derr := txn.Delete(encodeQueueKey(id)); derr != nil {
					return derr
				}
				continue
			}
			if err := deleteQueueEntry(txn, entry.Event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.logger.Warn("queue: remove failed", "error", err, "ids", len(ids))
	}
}

// Clear empties the queue without returning events.
func (q *eventQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.badger.Update(func(txn *badger.Txn) error {
		entries, err := readQueueEntries(txn, 0)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := deleteQueueEntry(txn, entry.Event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.logger.Warn("queue: clear failed", "error", err)
	}
}

// Count returns a consistent snapshot of the number of queued events.
func (q *eventQueue) Count() int {
	var count int
	err := q.badger.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := queueKeyPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		q.logger.Warn("queue: count failed", "error", err)
		return 0
	}
	return count
}

// IsEmpty reports whether the queue held no events at call time.
func (q *eventQueue) IsEmpty() bool {
	return q.Count() == 0
}

// EventsOfType returns a snapshot of queued events with the given
// type, in FIFO order. The snapshot does not track later mutations.
func (q *eventQueue) EventsOfType(t EventType) []Event {
	return q.scanIndex(encodeTypeIndexPrefix(t))
}

// EventsWithPriority returns a snapshot of queued events with the
// given priority, in FIFO order.
func (q *eventQueue) EventsWithPriority(p Priority) []Event {
	return q.scanIndex(encodePriorityIndexPrefix(p))
}

// scanIndex walks an index prefix and fetches the referenced events.
// Index keys whose primary record is gone are skipped.
func (q *eventQueue) scanIndex(prefix []byte) []Event {
	var events []Event
	err := q.badger.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := decodeIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			entry, err := readQueueEntry(txn, id)
			if err != nil {
				continue
			}
			events = append(events, entry.Event)
		}
		return nil
	})
	if err != nil {
		q.logger.Warn("queue: index scan failed", "error", err)
		return nil
	}
	return events
}

// enforceConstraints applies age then size eviction inside the given
// write transaction. Corrupt entries are deleted on sight. Evictions
// are logged with their counts.
func (q *eventQueue) enforceConstraints(txn *badger.Txn) error {
	entries, corrupt, err := scanAllQueueEntries(txn)
	if err != nil {
		return err
	}

	for _, id := range corrupt {
		if err := txn.Delete(encodeQueueKey(id)); err != nil {
			return err
		}
	}
	if len(corrupt) > 0 {
		q.logger.Warn("queue: dropped corrupt entries", "count", len(corrupt))
	}

	// Age eviction.
	var expired int
	cutoff := time.Now().Add(-q.maxAge)
	kept := entries[:0]
	for _, entry := range entries {
		if entry.EnqueuedAt.Before(cutoff) {
			if err := deleteQueueEntry(txn, entry.Event); err != nil {
				return err
			}
			expired++
			continue
		}
		kept = append(kept, entry)
	}
	if expired > 0 {
		q.logger.Info("queue: evicted expired events", "count", expired, "max_age", q.maxAge)
	}

	// Size eviction, oldest first.
	var overflow int
	if overflow = len(kept) - q.maxSize; overflow > 0 {
		for _, entry := range kept[:overflow] {
			if err := deleteQueueEntry(txn, entry.Event); err != nil {
				return err
			}
		}
		q.logger.Info("queue: evicted oldest events over size limit", "count", overflow, "max_size", q.maxSize)
	} else {
		overflow = 0
	}

	if dropped := len(corrupt) + expired + overflow; dropped > 0 && q.onEvict != nil {
		q.onEvict(dropped)
	}
	return nil
}

// writeQueueEntry writes the primary record and both index keys.
func writeQueueEntry(txn *badger.Txn, entry queueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	event := entry.Event
	if err := txn.Set(encodeQueueKey(event.ID), data); err != nil {
		return err
	}
	if err := txn.Set(encodeTypeIndexKey(event.Type, event.ID), nil); err != nil {
		return err
	}
	return txn.Set(encodePriorityIndexKey(event.Priority, event.ID), nil)
}

// deleteQueueEntry removes the primary record and both index keys.
func deleteQueueEntry(txn *badger.Txn, event Event) error {
	if err := txn.Delete(encodeQueueKey(event.ID)); err != nil {
		return err
	}
	if err := txn.Delete(encodeTypeIndexKey(event.Type, event.ID)); err != nil {
		return err
	}
	return txn.Delete(encodePriorityIndexKey(event.Priority, event.ID))
}

// readQueueEntry fetches and decodes a single entry by id.
func readQueueEntry(txn *badger.Txn, id ulid.ULID) (queueEntry, error) {
	var entry queueEntry
	item, err := txn.Get(encodeQueueKey(id))
	if err != nil {
		return entry, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	})
	return entry, err
}

// readQueueEntries returns up to limit oldest entries in key (FIFO)
// order; limit 0 means all. Corrupt entries are skipped.
func readQueueEntries(txn *badger.Txn, limit int) ([]queueEntry, error) {
	var entries []queueEntry

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := queueKeyPrefix()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var entry queueEntry
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
		if err != nil {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// scanAllQueueEntries returns every decodable entry in FIFO order plus
// the ids of entries that failed to decode.
func scanAllQueueEntries(txn *badger.Txn) ([]queueEntry, []ulid.ULID, error) {
	var entries []queueEntry
	var corrupt []ulid.ULID

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := queueKeyPrefix()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		id, kerr := decodeQueueKey(item.Key())

		var entry queueEntry
		err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
		if err != nil {
			if kerr == nil {
				corrupt = append(corrupt, id)
			}
			continue
		}
		entries = append(entries, entry)
	}
	return entries, corrupt, nil
}
