// Package trackkit is a client-side telemetry pipeline. It accepts
// discrete events from an application, enriches them with session,
// user, and device context, prioritizes and batches them, and
// delivers them to a remote collector over HTTP with bounded retry
// and durable local storage across process restarts.
package trackkit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
)

// Tracker is the public entry point of the pipeline. It enriches
// incoming events, routes them by priority (immediate send,
// high-priority batch, or regular batch), drives the periodic
// safety-net flush, and orchestrates reset and shutdown.
//
// Track never blocks on I/O and never surfaces delivery failures:
// outcomes are reported through the configured DeliveryObserver, and
// undelivered events stay in the durable queue as the recovery path.
type Tracker struct {
	config   Config
	badger   *badger.DB
	queue    *eventQueue
	session  *sessionManager
	client   *deliveryClient
	batches  *batchManager
	stats    *statsCollector
	ulids    *ulidSource
	logger   *slog.Logger
	observer DeliveryObserver
	metadata MetadataProvider

	rootCtx    context.Context
	rootCancel context.CancelFunc
	flushLoop  *flushLoopState
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Open creates a Tracker from the given configuration, opening (or
// creating) the durable store at Config.StoragePath. Previously
// persisted events are reloaded and immediately passed through the
// age and size constraints, and the previous session is restored or
// judged expired on next activity.
func Open(cfg Config) (*Tracker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := newDeliveryClient(cfg)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.StoragePath)
	opts.Logger = nil // Disable BadgerDB's default logging

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	t := &Tracker{
		config:     cfg,
		badger:     bdb,
		client:     client,
		stats:      newStatsCollector(),
		ulids:      newULIDSource(),
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		metadata:   cfg.Metadata,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}

	t.queue = newEventQueue(bdb, cfg.MaxStoredEvents, cfg.MaxEventAge, cfg.Logger)
	t.queue.onEvict = t.stats.recordEvicted
	t.queue.loadAndEnforce()

	t.session = newSessionManager(bdb, cfg.SessionTimeout, cfg.Logger)
	t.batches = newBatchManager(cfg.BatchSize, cfg.FlushInterval, cfg.FlushGate, t.deliverBatch, cfg.Logger)

	t.startSafetyLoop(cfg.FlushInterval)

	return t, nil
}

// Track submits one event to the pipeline. The event is validated,
// enriched (id, timestamp, session and user identity, device and app
// context, derived priority), appended to the durable queue, and
// routed by priority: critical events attempt an immediate send with
// the durable queue as fallback, high-priority events feed the
// high-priority batch, and everything else feeds the regular batch.
//
// Session lifecycle transitions caused by this activity (start,
// timeout rollover) are emitted as session events ahead of the
// tracked event. Track returns only validation errors; delivery
// failures never propagate to the producer.
func (t *Tracker) Track(event Event) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	t.mu.RUnlock()

	if event.Type == "" {
		event.Type = EventTypeCustom
	}
	if err := event.validate(); err != nil {
		return err
	}
	props, err := normalizeProperties(event.Properties)
	if err != nil {
		return err
	}
	event.Properties = props

	now := time.Now()
	for _, transition := range t.session.touch(now) {
		t.submit(t.sessionEvent(transition, now))
	}
	t.submit(t.enrich(event, now))
	return nil
}

// enrich stamps identity and context onto an event and derives its
// delivery priority from its type.
func (t *Tracker) enrich(event Event, now time.Time) Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	if event.ID == (ulid.ULID{}) {
		event.ID = t.ulids.New(event.Timestamp)
	}
	sessionID, userID := t.session.Current()
	event.SessionID = sessionID
	event.UserID = userID
	if t.metadata != nil {
		event.DeviceContext = t.metadata.DeviceContext()
		event.AppContext = t.metadata.AppContext()
	}
	event.Priority = priorityForType(event.Type)
	return event
}

// sessionEvent builds the session-type event for a lifecycle
// transition. Timeout and end events carry the session id they close,
// not the freshly started one; start events carry the cumulative user
// properties.
func (t *Tracker) sessionEvent(transition sessionTransition, now time.Time) Event {
	event := Event{
		Type:      EventTypeSession,
		Name:      transition.name,
		Timestamp: now,
	}
	if transition.name == sessionStartEvent {
		event.Properties = t.session.UserProperties()
	}
	event = t.enrich(event, now)
	event.SessionID = transition.sessionID
	return event
}

// submit durably enqueues an enriched event and routes it by priority.
func (t *Tracker) submit(event Event) {
	t.queue.Enqueue(event)

	switch event.Priority {
	case PriorityCritical:
		t.wg.Add(1)
		go t.sendImmediate(event)
	case PriorityHigh:
		t.batches.AddHighPriorityEvent(event)
	default:
		t.batches.AddEvent(event)
	}
}

// sendImmediate attempts a single-event realtime send, bypassing
// batching. On success the durable entry is removed; on failure the
// event simply stays in the durable queue for the safety-net flush
// (no re-enrichment, no in-memory retry beyond the retry policy).
func (t *Tracker) sendImmediate(event Event) {
	defer t.wg.Done()

	result := t.client.SendEvent(t.rootCtx, event, true)
	t.stats.recordEvent(result.Success, result.Latency)

	if result.Success {
		t.queue.Remove([]ulid.ULID{event.ID})
		t.notifyEvent(event, nil)
		return
	}
	if result.Err != nil && result.Err.Droppable() {
		t.logger.Warn("dropping undeliverable event",
			"event", event.Name,
			"error", result.Err,
		)
		t.queue.Remove([]ulid.ULID{event.ID})
		t.notifyEvent(event, result.Err)
		return
	}
	t.logger.Warn("immediate send failed, event remains queued",
		"event", event.Name,
		"error", result.Err,
		"attempts", result.Attempts,
	)
	t.notifyEvent(event, result.Err)
}

// deliverBatch is the batch manager's delivery hook: send, drop
// delivered events from the durable queue, record stats, and notify
// the observer. Retry decisions stay with the batch manager.
func (t *Tracker) deliverBatch(ctx context.Context, events []Event, kind batchKind) BatchDeliveryResult {
	result := t.client.SendBatch(ctx, events)
	if len(result.Delivered) > 0 {
		t.queue.Remove(result.Delivered)
	}
	t.dropUndeliverable(&result)
	t.stats.recordBatch(len(result.Delivered), len(result.Failed), result.Latency)
	t.notifyBatch(events, &result)
	return result
}

// dropUndeliverable removes the failed events of a payload-class
// failure from the durable queue. Those events fail identically on
// every resend, so neither the batch path nor the safety net may
// retry them.
func (t *Tracker) dropUndeliverable(result *BatchDeliveryResult) {
	if result.Err == nil || !result.Err.Droppable() || len(result.Failed) == 0 {
		return
	}
	t.logger.Warn("dropping undeliverable events",
		"events", len(result.Failed),
		"error", result.Err,
	)
	t.queue.Remove(result.Failed)
}

// Flush synchronously drains the durable queue and sends everything
// as one batch. Outstanding batch deliveries are cancelled first
// (their events are still in the durable queue and ride along).
// Failed events are re-enqueued durably. Returns the classified
// delivery error, or nil when the queue was empty or fully delivered.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	t.mu.RUnlock()

	t.batches.CancelAll()
	t.batches.Clear()

	events := t.queue.DequeueAll()
	if len(events) == 0 {
		return nil
	}

	result := t.client.SendBatch(ctx, events)
	t.stats.recordBatch(len(result.Delivered), len(result.Failed), result.Latency)
	t.notifyBatch(events, &result)

	if len(result.Failed) > 0 {
		if result.Err != nil && result.Err.Droppable() {
			t.logger.Warn("dropping undeliverable events",
				"events", len(result.Failed),
				"error", result.Err,
			)
		} else {
			t.queue.EnqueueAll(matchByID(events, result.Failed))
		}
	}
	if result.Err != nil {
		return result.Err
	}
	return nil
}

// Reset cancels all in-flight work and clears the durable queue and
// both in-memory batches. Session and user identity are unaffected.
func (t *Tracker) Reset() {
	t.batches.CancelAll()
	t.batches.Clear()
	t.queue.Clear()
}

// Close stops the timers, cancels outstanding deliveries, waits for
// the delivery goroutines, and closes the durable store.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	loop := t.flushLoop
	t.flushLoop = nil
	t.mu.Unlock()

	stopFlushLoop(loop)
	t.batches.Close()
	t.rootCancel()
	t.wg.Wait()

	return t.badger.Close()
}

// SetUserID sets the identified user for subsequent events. The user
// id persists across sessions and process restarts.
func (t *Tracker) SetUserID(id string) {
	t.session.SetUserID(id)
}

// SetUserProperties merges properties into the cumulative user
// property set (new values overwrite same-key old values).
func (t *Tracker) SetUserProperties(props map[string]any) {
	t.session.SetUserProperties(props)
}

// EndSession explicitly closes the active session, emitting a
// session_end event through the normal pipeline.
func (t *Tracker) EndSession() {
	transition, ok := t.session.EndSession()
	if !ok {
		return
	}
	t.submit(t.sessionEvent(transition, time.Now()))
}

// SessionID returns the active session id, or "" when none.
func (t *Tracker) SessionID() string {
	sessionID, _ := t.session.Current()
	return sessionID
}

// UserID returns the identified user id, or "" when none.
func (t *Tracker) UserID() string {
	_, userID := t.session.Current()
	return userID
}

// Stats returns a snapshot of delivery health counters.
func (t *Tracker) Stats() DeliveryStats {
	return t.stats.Stats()
}

// QueuedCount returns the number of events in the durable queue.
func (t *Tracker) QueuedCount() int {
	return t.queue.Count()
}

// QueuedEventsOfType returns a snapshot of durable-queue events with
// the given type, in FIFO order.
func (t *Tracker) QueuedEventsOfType(eventType EventType) []Event {
	return t.queue.EventsOfType(eventType)
}

// QueuedEventsWithPriority returns a snapshot of durable-queue events
// with the given priority, in FIFO order.
func (t *Tracker) QueuedEventsWithPriority(p Priority) []Event {
	return t.queue.EventsWithPriority(p)
}

// SetFlushInterval reconfigures both the batch manager's flush timer
// and the safety-net cadence.
func (t *Tracker) SetFlushInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t.batches.SetFlushInterval(interval)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	prior := t.flushLoop
	t.startSafetyLoopLocked(interval)
	t.mu.Unlock()

	stopFlushLoop(prior)
}

// notifyEvent reports a completed single-event send to the observer.
func (t *Tracker) notifyEvent(event Event, derr *DeliveryError) {
	if t.observer == nil {
		return
	}
	if derr != nil {
		t.observer.EventDelivered(event, derr)
	} else {
		t.observer.EventDelivered(event, nil)
	}
}

// notifyBatch reports a completed batch send to the observer.
func (t *Tracker) notifyBatch(events []Event, result *BatchDeliveryResult) {
	if t.observer == nil {
		return
	}
	t.observer.BatchDelivered(events, result)
}

// startSafetyLoop starts the periodic durable-queue flush. This is
// the safety net distinct from the batch manager's own timer: it
// covers events that entered the durable queue but were never picked
// up by batching, such as after a failed immediate send.
func (t *Tracker) startSafetyLoop(interval time.Duration) {
	t.mu.Lock()
	t.startSafetyLoopLocked(interval)
	t.mu.Unlock()
}

func (t *Tracker) startSafetyLoopLocked(interval time.Duration) {
	ctx, cancel := context.WithCancel(t.rootCtx)
	state := &flushLoopState{
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.flushLoop = state
	go t.runSafetyLoop(ctx, state)
}

func (t *Tracker) runSafetyLoop(ctx context.Context, state *flushLoopState) {
	defer close(state.done)

	ticker := time.NewTicker(state.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.safetyFlush(ctx)
		}
	}
}

// safetyFlush sends every stranded durable event (anything the
// batching path does not currently own) as one batch. Failures are
// re-enqueued; the next tick tries again.
func (t *Tracker) safetyFlush(ctx context.Context) {
	if t.queue.IsEmpty() {
		return
	}
	events := t.queue.DequeueExcept(t.batches.PendingIDs())
	if len(events) == 0 {
		return
	}
	t.logger.Debug("safety-net flush", "events", len(events))

	result := t.client.SendBatch(ctx, events)
	t.stats.recordBatch(len(result.Delivered), len(result.Failed), result.Latency)
	t.notifyBatch(events, &result)

	if len(result.Failed) > 0 {
		if result.Err != nil && result.Err.Droppable() {
			t.logger.Warn("dropping undeliverable events",
				"events", len(result.Failed),
				"error", result.Err,
			)
		} else {
			t.queue.EnqueueAll(matchByID(events, result.Failed))
		}
	}
}
