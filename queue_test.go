package trackkit

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestQueue(t *testing.T, maxSize int, maxAge time.Duration) *eventQueue {
	t.Helper()
	return newEventQueue(openTestBadger(t), maxSize, maxAge, testLogger())
}

var testULIDs = newULIDSource()

func testEvent(name string) Event {
	now := time.Now()
	return Event{
		ID:        testULIDs.New(now),
		Timestamp: now,
		Type:      EventTypeCustom,
		Name:      name,
		Priority:  PriorityNormal,
	}
}

func eventNames(events []Event) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}

func TestQueueFIFO(t *testing.T) {
	q := newTestQueue(t, 100, time.Hour)

	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(testEvent(name))
	}

	if got := q.Count(); got != 3 {
		t.Fatalf("expected count 3, got %d", got)
	}

	events := q.DequeueAll()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"a", "b", "c"} {
		if events[i].Name != want {
			t.Errorf("position %d: got %s, want %s", i, events[i].Name, want)
		}
	}
}

func TestQueueDequeueCount(t *testing.T) {
	q := newTestQueue(t, 100, time.Hour)

	for _, name := range []string{"a", "b", "c", "d"} {
		q.Enqueue(testEvent(name))
	}

	events := q.Dequeue(2)
	if len(events) != 2 || events[0].Name != "a" || events[1].Name != "b" {
		t.Fatalf("expected [a b], got %v", eventNames(events))
	}
	if got := q.Count(); got != 2 {
		t.Fatalf("expected 2 remaining, got %d", got)
	}

	// Asking for more than available returns what's there.
	events = q.Dequeue(10)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestQueueDrainIdempotent(t *testing.T) {
	q := newTestQueue(t, 100, time.Hour)
	q.Enqueue(testEvent("a"))

	if got := len(q.DequeueAll()); got != 1 {
		t.Fatalf("expected 1 event, got %d", got)
	}
	if got := q.Count(); got != 0 {
		t.Fatalf("expected empty queue, got count %d", got)
	}
	if got := q.DequeueAll(); len(got) != 0 {
		t.Fatalf("second drain should be empty, got %d events", len(got))
	}
	if !q.IsEmpty() {
		t.Error("expected IsEmpty after drain")
	}
}

func TestQueueSizeEviction(t *testing.T) {
	q := newTestQueue(t, 5, time.Hour)

	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, name := range names {
		q.Enqueue(testEvent(name))
	}

	events := q.DequeueAll()
	want := []string{"d", "e", "f", "g", "h"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(events), eventNames(events))
	}
	for i := range want {
		if events[i].Name != want[i] {
			t.Errorf("position %d: got %s, want %s", i, events[i].Name, want[i])
		}
	}
}

func TestQueueAgeEviction(t *testing.T) {
	q := newTestQueue(t, 100, 50*time.Millisecond)

	q.Enqueue(testEvent("old"))
	time.Sleep(80 * time.Millisecond)
	q.Enqueue(testEvent("fresh"))

	events := q.DequeueAll()
	if len(events) != 1 || events[0].Name != "fresh" {
		t.Fatalf("expected only [fresh], got %v", eventNames(events))
	}
}

func TestQueueReloadRoundTrip(t *testing.T) {
	db := openTestBadger(t)

	q := newEventQueue(db, 100, time.Hour, testLogger())
	first := testEvent("a")
	first.Properties = map[string]any{"count": float64(3), "tag": "x"}
	q.Enqueue(first)
	q.Enqueue(testEvent("b"))

	// A fresh queue over the same store sees the same entries.
	reloaded := newEventQueue(db, 100, time.Hour, testLogger())
	reloaded.loadAndEnforce()

	events := reloaded.DequeueAll()
	if len(events) != 2 {
		t.Fatalf("expected 2 events after reload, got %d", len(events))
	}
	if events[0].ID != first.ID || events[0].Name != "a" {
		t.Errorf("reloaded event mismatch: got %s/%s", events[0].ID, events[0].Name)
	}
	if events[0].Properties["count"] != float64(3) || events[0].Properties["tag"] != "x" {
		t.Errorf("properties did not survive reload: %v", events[0].Properties)
	}
}

func TestQueueReloadEnforcesSize(t *testing.T) {
	db := openTestBadger(t)

	q := newEventQueue(db, 100, time.Hour, testLogger())
	for _, name := range []string{"a", "b", "c", "d"} {
		q.Enqueue(testEvent(name))
	}

	// Reload with a smaller cap: eviction applies to persisted state.
	shrunk := newEventQueue(db, 2, time.Hour, testLogger())
	shrunk.loadAndEnforce()

	events := shrunk.DequeueAll()
	if got := eventNames(events); len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Fatalf("expected [c d] after shrink, got %v", got)
	}
}

func TestQueueCorruptEntryDiscarded(t *testing.T) {
	db := openTestBadger(t)

	q := newEventQueue(db, 100, time.Hour, testLogger())
	q.Enqueue(testEvent("good"))

	// Plant a corrupt record under a valid queue key.
	bogus := testULIDs.New(time.Now())
	err := db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeQueueKey(bogus), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("planting corrupt entry: %v", err)
	}

	events := q.DequeueAll()
	if len(events) != 1 || events[0].Name != "good" {
		t.Fatalf("expected only [good], got %v", eventNames(events))
	}
	if got := q.Count(); got != 0 {
		t.Fatalf("corrupt entry should be deleted, count %d", got)
	}
}

func TestQueueFilterSnapshots(t *testing.T) {
	q := newTestQueue(t, 100, time.Hour)

	view := testEvent("screen")
	view.Type = EventTypeView
	q.Enqueue(view)

	errEvent := testEvent("boom")
	errEvent.Type = EventTypeError
	errEvent.Priority = PriorityCritical
	q.Enqueue(errEvent)

	q.Enqueue(testEvent("plain"))

	views := q.EventsOfType(EventTypeView)
	if len(views) != 1 || views[0].Name != "screen" {
		t.Fatalf("expected [screen], got %v", eventNames(views))
	}
	critical := q.EventsWithPriority(PriorityCritical)
	if len(critical) != 1 || critical[0].Name != "boom" {
		t.Fatalf("expected [boom], got %v", eventNames(critical))
	}

	// Snapshots, not live views.
	q.Clear()
	if len(views) != 1 {
		t.Error("snapshot should be unaffected by later mutations")
	}
	if got := q.Count(); got != 0 {
		t.Fatalf("expected empty queue after clear, got %d", got)
	}
}

func TestQueueRemove(t *testing.T) {
	q := newTestQueue(t, 100, time.Hour)

	a := testEvent("a")
	b := testEvent("b")
	c := testEvent("c")
	q.EnqueueAll([]Event{a, b, c})

	q.Remove([]ulid.ULID{a.ID, c.ID})

	events := q.DequeueAll()
	if len(events) != 1 || events[0].Name != "b" {
		t.Fatalf("expected [b], got %v", eventNames(events))
	}

	// Removing unknown ids is a no-op.
	q.Remove([]ulid.ULID{b.ID})
}

func TestQueueDequeueExcept(t *testing.T) {
	q := newTestQueue(t, 100, time.Hour)

	a := testEvent("a")
	b := testEvent("b")
	c := testEvent("c")
	q.EnqueueAll([]Event{a, b, c})

	skip := map[ulid.ULID]bool{b.ID: true}
	events := q.DequeueExcept(skip)
	if got := eventNames(events); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("expected [a c], got %v", got)
	}

	remaining := q.DequeueAll()
	if len(remaining) != 1 || remaining[0].Name != "b" {
		t.Fatalf("expected [b] to remain, got %v", eventNames(remaining))
	}
}
