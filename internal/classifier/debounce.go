package classifier

import (
	"sync"
	"time"
)

// Debounce suppresses repeat emissions of the same key inside a window.
// It is driven by caller-supplied timestamps so replayed event streams
// behave deterministically.
type Debounce struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewDebounce() *Debounce {
	return &Debounce{last: make(map[string]time.Time)}
}

func (d *Debounce) Allow(key string, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.last[key]; ok {
		if now.Sub(ts) < window {
			return false
		}
	}
	d.last[key] = now
	return true
}

func (d *Debounce) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[string]time.Time)
}
