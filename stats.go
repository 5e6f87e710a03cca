package trackkit

import (
	"sort"
	"sync"
	"time"
)

// latencyWindow bounds how many recent attempt latencies are kept for
// percentile calculation. Older samples are overwritten ring-buffer
// style so memory stays flat no matter how long the tracker runs.
const latencyWindow = 512

// LatencySummary aggregates delivery attempt latencies over the
// recent sample window.
type LatencySummary struct {
	Count int64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// DeliveryStats is a snapshot of the tracker's delivery health
// counters since Open.
type DeliveryStats struct {
	// EventsDelivered and EventsFailed count per-event outcomes
	// across both the single-event and batch paths. An event that
	// fails and later succeeds counts once in each.
	EventsDelivered uint64
	EventsFailed    uint64

	// BatchesDelivered and BatchesFailed count batch attempts. A
	// partially accepted batch counts as failed.
	BatchesDelivered uint64
	BatchesFailed    uint64

	// EventsEvicted counts durable-queue entries dropped to the age
	// or size limits (as observed by the stats hook, not the queue's
	// own logs).
	EventsEvicted uint64

	// Latency summarizes recent attempt latencies.
	Latency LatencySummary
}

// statsCollector accumulates delivery counters and a bounded window
// of attempt latencies. All methods are safe for concurrent use from
// the delivery goroutines.
type statsCollector struct {
	mu               sync.Mutex
	eventsDelivered  uint64
	eventsFailed     uint64
	batchesDelivered uint64
	batchesFailed    uint64
	eventsEvicted    uint64

	latencies  [latencyWindow]time.Duration
	next       int
	samples    int
	totalCount int64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

// recordEvent records a single-event attempt outcome.
func (s *statsCollector) recordEvent(success bool, latency time.Duration) {
	s.mu.Lock()
	if success {
		s.eventsDelivered++
	} else {
		s.eventsFailed++
	}
	s.recordLatencyLocked(latency)
	s.mu.Unlock()
}

// recordBatch records a batch attempt outcome with its per-event
// partition sizes.
func (s *statsCollector) recordBatch(delivered, failed int, latency time.Duration) {
	s.mu.Lock()
	s.eventsDelivered += uint64(delivered)
	s.eventsFailed += uint64(failed)
	if failed == 0 {
		s.batchesDelivered++
	} else {
		s.batchesFailed++
	}
	s.recordLatencyLocked(latency)
	s.mu.Unlock()
}

// recordEvicted records durable-queue evictions (age, size, or
// corruption drops).
func (s *statsCollector) recordEvicted(count int) {
	if count <= 0 {
		return
	}
	s.mu.Lock()
	s.eventsEvicted += uint64(count)
	s.mu.Unlock()
}

func (s *statsCollector) recordLatencyLocked(latency time.Duration) {
	if latency <= 0 {
		return
	}
	s.latencies[s.next] = latency
	s.next = (s.next + 1) % latencyWindow
	if s.samples < latencyWindow {
		s.samples++
	}
	s.totalCount++
}

// Stats returns a consistent snapshot of the counters and the latency
// summary over the sample window.
func (s *statsCollector) Stats() DeliveryStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := DeliveryStats{
		EventsDelivered:  s.eventsDelivered,
		EventsFailed:     s.eventsFailed,
		BatchesDelivered: s.batchesDelivered,
		BatchesFailed:    s.batchesFailed,
		EventsEvicted:    s.eventsEvicted,
	}
	if s.samples == 0 {
		return stats
	}

	window := make([]time.Duration, s.samples)
	copy(window, s.latencies[:s.samples])
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var sum time.Duration
	for _, l := range window {
		sum += l
	}

	stats.Latency = LatencySummary{
		Count: s.totalCount,
		Min:   window[0],
		Max:   window[len(window)-1],
		Avg:   sum / time.Duration(len(window)),
		P50:   percentile(window, 50),
		P95:   percentile(window, 95),
		P99:   percentile(window, 99),
	}
	return stats
}

// percentile returns the nearest-rank percentile of a sorted window.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(p / 100 * float64(len(sorted)-1))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
