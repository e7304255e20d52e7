package classifier

import (
	"time"

	"examguard/internal/model"
)

// ring is a bounded append-only log of recent events for one event type.
// Windowed rule counts are recomputed from it on demand.
type ring struct {
	capacity int
	events   []model.DetectionEvent
	head     int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{
		capacity: capacity,
		events:   make([]model.DetectionEvent, 0, 128),
	}
}

func (r *ring) add(ev model.DetectionEvent) {
	r.events = append(r.events, ev)
	if len(r.events)-r.head > r.capacity {
		r.head++
	}
	if r.head > 0 && r.head*2 >= len(r.events) {
		r.events = append([]model.DetectionEvent{}, r.events[r.head:]...)
		r.head = 0
	}
}

func (r *ring) len() int {
	return len(r.events) - r.head
}

// countSince counts events with timestamp >= cutoff, scanning newest first.
func (r *ring) countSince(cutoff time.Time) int {
	n := 0
	for i := len(r.events) - 1; i >= r.head; i-- {
		if r.events[i].Timestamp.Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// since returns the events with timestamp >= cutoff in insertion order.
func (r *ring) since(cutoff time.Time) []model.DetectionEvent {
	out := make([]model.DetectionEvent, 0)
	for i := r.head; i < len(r.events); i++ {
		if r.events[i].Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, r.events[i])
	}
	return out
}
