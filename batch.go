package trackkit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// batchKind distinguishes the two independently delivered batches.
type batchKind int

const (
	batchRegular batchKind = iota
	batchHighPriority
)

// String returns the log name of the kind.
func (k batchKind) String() string {
	if k == batchHighPriority {
		return "high_priority"
	}
	return "regular"
}

// maxBatchBackoff caps the re-queue delay after a failed delivery.
const maxBatchBackoff = 60 * time.Second

// batchDeliverFunc hands a batch snapshot to the delivery layer and
// returns the per-event outcome. The tracker wires this to the
// network client plus its own bookkeeping (durable-queue removal,
// observer callbacks, stats).
type batchDeliverFunc func(ctx context.Context, events []Event, kind batchKind) BatchDeliveryResult

// flushLoopState holds the timer goroutine's lifecycle, mirroring the
// cancel/done handshake used everywhere else in this package.
type flushLoopState struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// batchManager accumulates events into a regular and a high-priority
// batch and flushes each on its size threshold or on the shared
// flush timer. At most one delivery per kind is in flight; a new
// flush for a kind cancels the prior outstanding attempt
// (last-flush-wins). Failed events are re-queued into their
// originating batch after an exponential backoff, unless the wait is
// cancelled.
type batchManager struct {
	deliver batchDeliverFunc
	gate    FlushGate
	logger  *slog.Logger

	mu             sync.Mutex
	batches        [2][]Event
	thresholds     [2]int
	inflight       [2]context.CancelFunc
	inflightEvents [2][]Event
	inflightGen    [2]uint64
	flushLoop      *flushLoopState
	closed         bool
	rootCtx        context.Context
	rootCancel     context.CancelFunc

	wg sync.WaitGroup
}

// newBatchManager starts the flush timer immediately.
func newBatchManager(batchSize int, flushInterval time.Duration, gate FlushGate, deliver batchDeliverFunc, logger *slog.Logger) *batchManager {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	b := &batchManager{
		deliver:    deliver,
		gate:       gate,
		logger:     logger,
		thresholds: [2]int{batchSize, highPriorityThreshold(batchSize)},
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	b.startFlushLoop(flushInterval)
	return b
}

// AddEvent appends to the regular batch, flushing it when the batch
// reaches the configured size.
func (b *batchManager) AddEvent(event Event) {
	b.add(batchRegular, event)
}

// AddHighPriorityEvent appends to the high-priority batch, which
// drains at a deliberately smaller threshold so high-priority events
// never wait behind a full regular batch.
func (b *batchManager) AddHighPriorityEvent(event Event) {
	b.add(batchHighPriority, event)
}

func (b *batchManager) add(kind batchKind, event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.batches[kind] = append(b.batches[kind], event)
	full := len(b.batches[kind]) >= b.thresholds[kind]
	b.mu.Unlock()

	if full {
		b.flush(kind)
	}
}

// FlushAll force-flushes both batches regardless of their thresholds.
func (b *batchManager) FlushAll() {
	b.flush(batchRegular)
	b.flush(batchHighPriority)
}

// flush snapshots the batch, clears it so new events accumulate in a
// fresh batch, cancels any outstanding delivery for this kind, and
// hands the snapshot to the delivery goroutine. A veto from the gate
// returns the snapshot verbatim to the front of its batch.
func (b *batchManager) flush(kind batchKind) {
	b.mu.Lock()
	if b.closed || len(b.batches[kind]) == 0 {
		b.mu.Unlock()
		return
	}
	snapshot := b.batches[kind]
	b.batches[kind] = nil

	prior := b.inflight[kind]
	ctx, cancel := context.WithCancel(b.rootCtx)
	b.inflight[kind] = cancel
	// Taking over the in-flight slot drops tracking of a cancelled
	// prior attempt: its events fall back to the durable queue.
	b.inflightEvents[kind] = snapshot
	b.inflightGen[kind]++
	gen := b.inflightGen[kind]
	b.mu.Unlock()

	if prior != nil {
		prior()
	}

	if b.gate != nil && !b.gate(snapshot) {
		cancel()
		b.clearInflight(kind, gen)
		b.restore(kind, snapshot)
		b.logger.Debug("batch flush vetoed", "kind", kind, "events", len(snapshot))
		return
	}

	b.wg.Add(1)
	go b.deliverAndRequeue(ctx, cancel, kind, gen, snapshot)
}

// clearInflight releases the in-flight slot if it still belongs to
// the attempt identified by gen.
func (b *batchManager) clearInflight(kind batchKind, gen uint64) {
	b.mu.Lock()
	if b.inflightGen[kind] == gen {
		b.inflightEvents[kind] = nil
	}
	b.mu.Unlock()
}

// restore puts a snapshot back at the front of its batch, preserving
// original order ahead of anything accumulated since.
func (b *batchManager) restore(kind batchKind, snapshot []Event) {
	b.mu.Lock()
	if !b.closed {
		b.batches[kind] = append(snapshot, b.batches[kind]...)
	}
	b.mu.Unlock()
}

// deliverAndRequeue runs one delivery attempt and, on failure,
// re-queues the failed events into their originating batch after the
// backoff delay. A cancelled backoff wait skips the re-queue: the
// caller is tearing down, and the durable queue remains the recovery
// path.
func (b *batchManager) deliverAndRequeue(ctx context.Context, cancel context.CancelFunc, kind batchKind, gen uint64, snapshot []Event) {
	defer b.wg.Done()
	defer cancel()
	defer b.clearInflight(kind, gen)

	result := b.deliver(ctx, snapshot, kind)
	if len(result.Failed) == 0 {
		return
	}

	failed := matchByID(snapshot, result.Failed)
	if result.Err != nil && result.Err.Droppable() {
		b.logger.Warn("dropping undeliverable events",
			"kind", kind,
			"events", len(failed),
			"error", result.Err,
		)
		return
	}
	delay := batchBackoff(result.errorCount())
	b.logger.Debug("batch delivery failed, scheduling re-queue",
		"kind", kind,
		"failed", len(failed),
		"delay", delay,
	)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		b.logger.Debug("retry wait cancelled, dropping re-queue", "kind", kind, "events", len(failed))
		return
	}

	b.mu.Lock()
	if !b.closed {
		b.batches[kind] = append(b.batches[kind], failed...)
	}
	b.mu.Unlock()
}

// batchBackoff is the re-queue delay: min(2^errorCount, 60) seconds.
// errorCount is the number of errors observed in the delivery
// attempt, not a cumulative per-event counter.
func batchBackoff(errorCount int) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	if errorCount > 6 {
		return maxBatchBackoff
	}
	delay := time.Duration(1<<uint(errorCount)) * time.Second
	if delay > maxBatchBackoff {
		delay = maxBatchBackoff
	}
	return delay
}

// matchByID returns the events from the snapshot whose ids appear in
// the failed set, in snapshot order.
func matchByID(snapshot []Event, failed []ulid.ULID) []Event {
	failedSet := make(map[ulid.ULID]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}
	var events []Event
	for _, event := range snapshot {
		if failedSet[event.ID] {
			events = append(events, event)
		}
	}
	return events
}

// SetFlushInterval reconfigures the flush timer, restarting the timer
// goroutine with the new cadence.
func (b *batchManager) SetFlushInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	prior := b.flushLoop
	b.startFlushLoopLocked(interval)
	b.mu.Unlock()

	stopFlushLoop(prior)
}

// CancelAll cancels every outstanding delivery and retry wait.
// Events whose retry wait is cancelled are not re-queued.
func (b *batchManager) CancelAll() {
	b.mu.Lock()
	cancels := b.inflight
	b.inflight = [2]context.CancelFunc{}
	b.mu.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
}

// Clear empties both in-memory batches without delivering them.
func (b *batchManager) Clear() {
	b.mu.Lock()
	b.batches = [2][]Event{}
	b.mu.Unlock()
}

// Pending returns the number of events currently accumulated in the
// given batch.
func (b *batchManager) Pending(kind batchKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches[kind])
}

// PendingIDs returns the ids of every event the batching path
// currently owns: accumulated in a batch, in flight, or waiting out a
// retry backoff. The tracker's safety-net flush skips these so an
// event is never sent by both paths at once.
func (b *batchManager) PendingIDs() map[ulid.ULID]bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make(map[ulid.ULID]bool)
	for kind := range b.batches {
		for _, event := range b.batches[kind] {
			ids[event.ID] = true
		}
		for _, event := range b.inflightEvents[kind] {
			ids[event.ID] = true
		}
	}
	return ids
}

// Close stops the flush timer, cancels all outstanding work, and
// waits for the delivery goroutines to finish.
func (b *batchManager) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	prior := b.flushLoop
	b.flushLoop = nil
	b.mu.Unlock()

	stopFlushLoop(prior)
	b.rootCancel()
	b.wg.Wait()
}

// startFlushLoop starts the timer goroutine.
func (b *batchManager) startFlushLoop(interval time.Duration) {
	b.mu.Lock()
	b.startFlushLoopLocked(interval)
	b.mu.Unlock()
}

func (b *batchManager) startFlushLoopLocked(interval time.Duration) {
	ctx, cancel := context.WithCancel(b.rootCtx)
	state := &flushLoopState{
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	b.flushLoop = state
	go b.runFlushLoop(ctx, state)
}

// stopFlushLoop cancels a timer goroutine and waits for it to exit.
// Must be called without holding mu: the loop's flushes take the lock.
func stopFlushLoop(state *flushLoopState) {
	if state != nil {
		state.cancel()
		<-state.done
	}
}

// runFlushLoop flushes any non-empty batch on every tick. This is the
// time-based half of the size-or-time batching policy.
func (b *batchManager) runFlushLoop(ctx context.Context, state *flushLoopState) {
	defer close(state.done)

	ticker := time.NewTicker(state.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.FlushAll()
		}
	}
}
