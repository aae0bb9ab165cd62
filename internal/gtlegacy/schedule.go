package gtlegacy

import (
	"sync"
	"time"

	"github.com/vela-net/quicforge/builder"
)

// schedule.go classifies pending flush requests across a connection's
// paths by urgency instead of by payload size: a path with an ACK or
// retransmission waiting flushes before one with only bulk stream data,
// which in turn flushes before a path that's merely probing PMTUD.
// Three buckets plus a starvation guard, applied to scheduling
// *builder.Builder flushes rather than classifying packet bytes.
type Priority uint8

const (
	PriorityUrgent Priority = iota // ACK-eliciting control traffic pending
	PriorityNormal                 // ordinary stream data
	PriorityBulk                   // PMTUD probes and other non-essential sends
	priorityLevels
)

const (
	urgentQueueSize = 64
	normalQueueSize = 256
	bulkQueueSize   = 64

	// starvationTimeout: a bulk flush waiting longer than this gets
	// pulled forward regardless of whether urgent work is still queued,
	// so PMTUD probes and cleanup flushes aren't starved indefinitely by
	// a connection that always has something more urgent pending.
	starvationTimeout = 500 * time.Millisecond
)

// flushRequest is one path's pending flush, queued at a priority level.
type flushRequest struct {
	builder  *builder.Builder
	enqueued time.Time
}

// FlushScheduler orders pending per-path flushes across an endpoint
// juggling many connections/paths so urgent (ACK/retransmit) work always
// drains ahead of bulk PMTUD probing, without starving the bulk queue
// entirely.
type FlushScheduler struct {
	mu     sync.Mutex
	queues [priorityLevels][]flushRequest

	enqueuedUrgent uint64
	enqueuedNormal uint64
	enqueuedBulk   uint64
	dropped        uint64
}

// NewFlushScheduler constructs an empty scheduler.
func NewFlushScheduler() *FlushScheduler {
	return &FlushScheduler{}
}

// Enqueue queues b's flush at the given priority, dropping the request
// and counting it if that level's queue is already saturated rather
// than growing without limit.
func (s *FlushScheduler) Enqueue(b *builder.Builder, priority Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := normalQueueSize
	switch priority {
	case PriorityUrgent:
		limit = urgentQueueSize
	case PriorityBulk:
		limit = bulkQueueSize
	}
	if len(s.queues[priority]) >= limit {
		s.dropped++
		return false
	}

	s.queues[priority] = append(s.queues[priority], flushRequest{
		builder:  b,
		enqueued: time.Now(),
	})
	switch priority {
	case PriorityUrgent:
		s.enqueuedUrgent++
	case PriorityNormal:
		s.enqueuedNormal++
	case PriorityBulk:
		s.enqueuedBulk++
	}
	return true
}

// Drain empties every queue and returns the Builders to flush, in
// priority order, except that any bulk or normal request older than
// starvationTimeout is pulled to the front.
func (s *FlushScheduler) Drain() []*builder.Builder {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var boosted, rest []flushRequest
	for level := PriorityNormal; level < priorityLevels; level++ {
		var kept []flushRequest
		for _, req := range s.queues[level] {
			if now.Sub(req.enqueued) >= starvationTimeout {
				boosted = append(boosted, req)
			} else {
				kept = append(kept, req)
			}
		}
		s.queues[level] = nil
		rest = append(rest, kept...)
	}

	ordered := make([]flushRequest, 0, len(s.queues[PriorityUrgent])+len(boosted)+len(rest))
	ordered = append(ordered, boosted...)
	ordered = append(ordered, s.queues[PriorityUrgent]...)
	s.queues[PriorityUrgent] = nil
	ordered = append(ordered, rest...)

	out := make([]*builder.Builder, len(ordered))
	for i, req := range ordered {
		out[i] = req.builder
	}
	return out
}

// Stats reports cumulative enqueue/drop counters for diagnostics.
func (s *FlushScheduler) Stats() (urgent, normal, bulk, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueuedUrgent, s.enqueuedNormal, s.enqueuedBulk, s.dropped
}
