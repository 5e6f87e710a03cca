package trackkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

// fakeDelivery records deliver calls and answers them from an
// optional respond function. The called channel signals after every
// delivery so tests can synchronize without polling.
type fakeDelivery struct {
	mu      sync.Mutex
	calls   [][]Event
	respond func(call int, ctx context.Context, events []Event) BatchDeliveryResult
	called  chan struct{}
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{called: make(chan struct{}, 32)}
}

func (f *fakeDelivery) deliver(ctx context.Context, events []Event, kind batchKind) BatchDeliveryResult {
	f.mu.Lock()
	call := len(f.calls)
	snapshot := make([]Event, len(events))
	copy(snapshot, events)
	f.calls = append(f.calls, snapshot)
	respond := f.respond
	f.mu.Unlock()

	var result BatchDeliveryResult
	if respond != nil {
		result = respond(call, ctx, events)
	} else {
		result = BatchDeliveryResult{Success: true, Delivered: eventIDs(events), Attempts: 1}
	}

	f.called <- struct{}{}
	return result
}

func (f *fakeDelivery) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDelivery) call(i int) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// waitForCalls blocks until the delivery hook has completed n more calls.
func (f *fakeDelivery) waitForCalls(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.called:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery call %d of %d", i+1, n)
		}
	}
}

func failAll(err *DeliveryError) func(int, context.Context, []Event) BatchDeliveryResult {
	return func(_ int, _ context.Context, events []Event) BatchDeliveryResult {
		return BatchDeliveryResult{Failed: eventIDs(events), Err: err, Attempts: 1}
	}
}

func TestBatchThresholdFlush(t *testing.T) {
	delivery := newFakeDelivery()
	b := newBatchManager(2, time.Hour, nil, delivery.deliver, testLogger())
	defer b.Close()

	b.AddEvent(testEvent("a"))
	if got := delivery.callCount(); got != 0 {
		t.Fatalf("no flush expected below threshold, got %d calls", got)
	}
	b.AddEvent(testEvent("b"))

	delivery.waitForCalls(t, 1)
	if got := eventNames(delivery.call(0)); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected flush [a b], got %v", got)
	}
	if got := b.Pending(batchRegular); got != 0 {
		t.Fatalf("batch should be empty after flush, pending %d", got)
	}
}

func TestBatchHighPriorityThreshold(t *testing.T) {
	// batchSize 8 gives the high-priority batch a threshold of 4.
	delivery := newFakeDelivery()
	b := newBatchManager(8, time.Hour, nil, delivery.deliver, testLogger())
	defer b.Close()

	for i := 0; i < 4; i++ {
		b.AddHighPriorityEvent(testEvent("h"))
	}

	delivery.waitForCalls(t, 1)
	if got := len(delivery.call(0)); got != 4 {
		t.Fatalf("expected high-priority flush of 4, got %d", got)
	}
	// The regular batch was untouched.
	if got := delivery.callCount(); got != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", got)
	}
}

func TestBatchTimerFlush(t *testing.T) {
	delivery := newFakeDelivery()
	b := newBatchManager(100, 30*time.Millisecond, nil, delivery.deliver, testLogger())
	defer b.Close()

	b.AddEvent(testEvent("a"))

	delivery.waitForCalls(t, 1)
	if got := eventNames(delivery.call(0)); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected timer flush [a], got %v", got)
	}
}

func TestBatchFlushAll(t *testing.T) {
	delivery := newFakeDelivery()
	b := newBatchManager(100, time.Hour, nil, delivery.deliver, testLogger())
	defer b.Close()

	b.AddEvent(testEvent("r"))
	b.AddHighPriorityEvent(testEvent("h"))

	b.FlushAll()
	delivery.waitForCalls(t, 2)

	var names []string
	names = append(names, eventNames(delivery.call(0))...)
	names = append(names, eventNames(delivery.call(1))...)
	if len(names) != 2 {
		t.Fatalf("expected both batches flushed, got %v", names)
	}
}

func TestBatchPartialFailureRequeue(t *testing.T) {
	a := testEvent("a")
	fail := testEvent("fail")

	delivery := newFakeDelivery()
	delivery.respond = func(call int, _ context.Context, events []Event) BatchDeliveryResult {
		if call > 0 {
			return BatchDeliveryResult{Success: true, Delivered: eventIDs(events), Attempts: 1}
		}
		return BatchDeliveryResult{
			Delivered: []ulid.ULID{a.ID},
			Failed:    []ulid.ULID{fail.ID},
			Err:       &DeliveryError{Kind: ErrorKindServerError, StatusCode: 500},
			Attempts:  1,
		}
	}

	b := newBatchManager(2, time.Hour, nil, delivery.deliver, testLogger())
	defer b.Close()

	b.AddEvent(a)
	b.AddEvent(fail)
	delivery.waitForCalls(t, 1)

	// The failed event reappears after min(2^1, 60) = 2s.
	deadline := time.Now().Add(4 * time.Second)
	for b.Pending(batchRegular) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("failed event was not re-queued")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if elapsed := time.Since(fail.Timestamp); elapsed < 2*time.Second {
		t.Errorf("re-queue arrived before the backoff delay: %v", elapsed)
	}

	b.FlushAll()
	delivery.waitForCalls(t, 1)
	if got := eventNames(delivery.call(1)); len(got) != 1 || got[0] != "fail" {
		t.Fatalf("expected re-queued [fail], got %v", got)
	}
}

func TestBatchPayloadFailureNotRequeued(t *testing.T) {
	delivery := newFakeDelivery()
	delivery.respond = failAll(&DeliveryError{Kind: ErrorKindPayloadTooLarge, StatusCode: 413})

	b := newBatchManager(2, time.Hour, nil, delivery.deliver, testLogger())
	defer b.Close()

	b.AddEvent(testEvent("a"))
	b.AddEvent(testEvent("b"))
	delivery.waitForCalls(t, 1)

	// Well past the backoff window nothing may reappear: an oversized
	// payload fails identically on every resend.
	time.Sleep(2500 * time.Millisecond)
	if got := b.Pending(batchRegular); got != 0 {
		t.Fatalf("payload failures must be dropped, pending %d", got)
	}
	if got := delivery.callCount(); got != 1 {
		t.Fatalf("payload failures must not be retried, got %d deliveries", got)
	}
}

func TestBatchCancelledRetrySkipsRequeue(t *testing.T) {
	delivery := newFakeDelivery()
	delivery.respond = failAll(&DeliveryError{Kind: ErrorKindServerError, StatusCode: 503})

	b := newBatchManager(2, time.Hour, nil, delivery.deliver, testLogger())
	defer b.Close()

	b.AddEvent(testEvent("a"))
	b.AddEvent(testEvent("b"))
	delivery.waitForCalls(t, 1)

	// Cancel during the backoff wait: nothing may be re-queued.
	b.CancelAll()
	time.Sleep(2500 * time.Millisecond)

	if got := b.Pending(batchRegular); got != 0 {
		t.Fatalf("cancelled retry must not re-queue, pending %d", got)
	}
}

func TestBatchVetoRestoresSnapshot(t *testing.T) {
	delivery := newFakeDelivery()
	allow := false
	gate := func(events []Event) bool { return allow }

	b := newBatchManager(2, time.Hour, gate, delivery.deliver, testLogger())
	defer b.Close()

	b.AddEvent(testEvent("a"))
	b.AddEvent(testEvent("b"))

	if got := delivery.callCount(); got != 0 {
		t.Fatalf("vetoed flush must not deliver, got %d calls", got)
	}
	if got := b.Pending(batchRegular); got != 2 {
		t.Fatalf("vetoed snapshot should return to its batch, pending %d", got)
	}

	allow = true
	b.FlushAll()
	delivery.waitForCalls(t, 1)
	if got := eventNames(delivery.call(0)); got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected original order [a b], got %v", got)
	}
}

func TestBatchLastFlushWins(t *testing.T) {
	firstCtx := make(chan context.Context, 1)

	delivery := newFakeDelivery()
	delivery.respond = func(call int, ctx context.Context, events []Event) BatchDeliveryResult {
		if call == 0 {
			firstCtx <- ctx
			<-ctx.Done()
			return BatchDeliveryResult{
				Failed:   eventIDs(events),
				Err:      &DeliveryError{Kind: ErrorKindCancelled, Err: ctx.Err()},
				Attempts: 1,
			}
		}
		return BatchDeliveryResult{Success: true, Delivered: eventIDs(events), Attempts: 1}
	}

	b := newBatchManager(100, time.Hour, nil, delivery.deliver, testLogger())
	defer b.Close()

	b.AddEvent(testEvent("slow"))
	b.FlushAll()

	ctx := <-firstCtx
	b.AddEvent(testEvent("next"))
	b.FlushAll()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("starting a new flush must cancel the outstanding delivery")
	}
	delivery.waitForCalls(t, 2)
}

func TestBatchBackoffSchedule(t *testing.T) {
	cases := []struct {
		errors int
		want   time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := batchBackoff(tc.errors); got != tc.want {
			t.Errorf("batchBackoff(%d) = %v, want %v", tc.errors, got, tc.want)
		}
	}
}
