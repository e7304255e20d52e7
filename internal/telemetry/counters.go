package telemetry

import "sync/atomic"

// Counters tracks pipeline throughput. All methods tolerate a nil receiver
// so components can run without telemetry wired in.
type Counters struct {
	frames       atomic.Int64
	dropped      atomic.Int64
	events       atomic.Int64
	violations   atomic.Int64
	clips        atomic.Int64
	incidents    atomic.Int64
	uploadOK     atomic.Int64
	uploadFailed atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) IncFrames() {
	if c != nil {
		c.frames.Add(1)
	}
}

func (c *Counters) IncDropped() {
	if c != nil {
		c.dropped.Add(1)
	}
}

func (c *Counters) IncEvents(n int) {
	if c != nil && n > 0 {
		c.events.Add(int64(n))
	}
}

func (c *Counters) IncViolations() {
	if c != nil {
		c.violations.Add(1)
	}
}

func (c *Counters) IncClips() {
	if c != nil {
		c.clips.Add(1)
	}
}

func (c *Counters) IncIncidents() {
	if c != nil {
		c.incidents.Add(1)
	}
}

func (c *Counters) IncUploadOK() {
	if c != nil {
		c.uploadOK.Add(1)
	}
}

func (c *Counters) IncUploadFailed() {
	if c != nil {
		c.uploadFailed.Add(1)
	}
}

func (c *Counters) Reset() {
	if c == nil {
		return
	}
	c.frames.Store(0)
	c.dropped.Store(0)
	c.events.Store(0)
	c.violations.Store(0)
	c.clips.Store(0)
	c.incidents.Store(0)
	c.uploadOK.Store(0)
	c.uploadFailed.Store(0)
}

func (c *Counters) Snapshot() map[string]int64 {
	if c == nil {
		return map[string]int64{}
	}
	return map[string]int64{
		"frames_ingested":   c.frames.Load(),
		"signals_dropped":   c.dropped.Load(),
		"events_observed":   c.events.Load(),
		"violations_raised": c.violations.Load(),
		"clips_extracted":   c.clips.Load(),
		"incidents_queued":  c.incidents.Load(),
		"uploads_succeeded": c.uploadOK.Load(),
		"uploads_failed":    c.uploadFailed.Load(),
	}
}
