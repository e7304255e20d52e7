package classifier

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
)

// Listener receives violations synchronously, in emission order. A
// panicking listener is recovered and logged without affecting the rest.
type Listener func(model.Violation)

var immediateSeverity = map[model.EventType]int{
	model.EventPhone:         9,
	model.EventBook:          6,
	model.EventMultipleFaces: 9,
	model.EventSuspicious:    6,
	model.EventMultiVoice:    8,
	model.EventAppSwitch:     10,
	model.EventPersonSwap:    10,
	model.EventImpersonation: 9,
	model.EventMovement:      5,
	model.EventAudioSpike:    4,
}

// durationRules maps a tracked condition to the violation it produces once
// the condition has been held long enough.
type durationRule struct {
	violationType string
	severity      int
	threshold     func(*config.ClassifierConfig) time.Duration
}

var durationRules = map[model.EventType]durationRule{
	model.EventHeadRotation: {
		violationType: "high_duration_head_rotation",
		severity:      8,
		threshold:     func(c *config.ClassifierConfig) time.Duration { return c.HeadRotationDuration },
	},
	model.EventFaceAbsent: {
		violationType: "face_absent",
		severity:      7,
		threshold:     func(c *config.ClassifierConfig) time.Duration { return c.FaceAbsentDuration },
	},
	model.EventGazeAway: {
		violationType: "gaze_away",
		severity:      5,
		threshold:     func(c *config.ClassifierConfig) time.Duration { return c.GazeAwayDuration },
	},
}

type conditionState struct {
	start time.Time
	label string
}

type violationStamp struct {
	violationType string
	at            time.Time
}

// Classifier turns the detector event stream into discrete violations via
// independent per-scenario rules sharing a per-type event ring and one
// central debounce.
type Classifier struct {
	logger *slog.Logger
	cfg    atomic.Value

	mu         sync.Mutex
	rings      map[model.EventType]*ring
	conditions map[model.EventType]*conditionState
	emitted    []violationStamp
	listeners  []Listener

	debounce *Debounce
}

func New(cfg *config.Config, logger *slog.Logger) *Classifier {
	c := &Classifier{
		logger:     logger,
		rings:      make(map[model.EventType]*ring),
		conditions: make(map[model.EventType]*conditionState),
		debounce:   NewDebounce(),
	}
	c.cfg.Store(cfg)
	return c
}

func (c *Classifier) UpdateConfig(cfg *config.Config) {
	c.cfg.Store(cfg)
}

func (c *Classifier) config() *config.ClassifierConfig {
	if v := c.cfg.Load(); v != nil {
		return &v.(*config.Config).Classifier
	}
	return &config.DefaultConfig().Classifier
}

func (c *Classifier) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Observe runs one detector event through every rule and returns the
// violations it produced, already delivered to listeners.
func (c *Classifier) Observe(ev model.DetectionEvent) []model.Violation {
	cfg := c.config()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	r, ok := c.rings[ev.Type]
	if !ok {
		r = newRing(cfg.EventRing)
		c.rings[ev.Type] = r
	}
	r.add(ev)

	out := make([]model.Violation, 0, 2)
	if v, ok := c.evaluateDuration(cfg, ev); ok {
		out = append(out, v)
	}
	if ev.Type == model.EventHeadRotation {
		if v, ok := c.evaluateFrequency(cfg, ev, r); ok {
			out = append(out, v)
		}
		if v, ok := c.evaluateBurst(cfg, ev, r); ok {
			out = append(out, v)
		}
	}
	if v, ok := c.evaluateImmediate(cfg, ev); ok {
		out = append(out, v)
	}
	for _, v := range out {
		c.emitted = append(c.emitted, violationStamp{violationType: v.Type, at: v.OccurredAt})
	}
	c.trimEmittedLocked(cfg, ev.Timestamp)
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, v := range out {
		if c.logger != nil {
			c.logger.Warn("violation",
				"type", v.Type,
				"severity", v.Severity,
				"occurred_at", v.OccurredAt,
			)
		}
		c.deliver(listeners, v)
	}
	return out
}

// ClearCondition resets duration tracking for an event type; the session
// calls it when the underlying detector flag drops.
func (c *Classifier) ClearCondition(t model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conditions, t)
}

// EvaluateCombinedPattern emits a top-severity violation when enough
// distinct violation types accumulated inside the combined window. Driven
// by the session ticker rather than by individual events.
func (c *Classifier) EvaluateCombinedPattern(now time.Time) *model.Violation {
	cfg := c.config()

	c.mu.Lock()
	c.trimEmittedLocked(cfg, now)
	distinct := make(map[string]bool)
	for _, s := range c.emitted {
		distinct[s.violationType] = true
	}
	var out *model.Violation
	if len(distinct) >= cfg.CombinedDistinct {
		if c.debounce.Allow("combined_pattern", now, cfg.Debounce) {
			v := model.Violation{
				Type:        "combined_pattern",
				Severity:    10,
				Description: fmt.Sprintf("%d distinct violation types within %s", len(distinct), cfg.CombinedWindow),
				OccurredAt:  now,
			}
			c.emitted = append(c.emitted, violationStamp{violationType: v.Type, at: now})
			out = &v
		}
	}
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	if out != nil {
		if c.logger != nil {
			c.logger.Warn("violation", "type", out.Type, "severity", out.Severity, "occurred_at", out.OccurredAt)
		}
		c.deliver(listeners, *out)
	}
	return out
}

func (c *Classifier) Reset() {
	c.mu.Lock()
	c.rings = make(map[model.EventType]*ring)
	c.conditions = make(map[model.EventType]*conditionState)
	c.emitted = nil
	c.mu.Unlock()
	c.debounce.Reset()
}

func (c *Classifier) evaluateDuration(cfg *config.ClassifierConfig, ev model.DetectionEvent) (model.Violation, bool) {
	rule, ok := durationRules[ev.Type]
	if !ok {
		return model.Violation{}, false
	}
	label := ev.Details["direction"]
	cond, tracking := c.conditions[ev.Type]
	if !tracking || cond.label != label {
		c.conditions[ev.Type] = &conditionState{start: ev.Timestamp, label: label}
		return model.Violation{}, false
	}
	start := cond.start
	elapsed := ev.Timestamp.Sub(start)
	if elapsed < rule.threshold(cfg) {
		return model.Violation{}, false
	}
	cond.start = ev.Timestamp
	if !c.debounce.Allow(rule.violationType, ev.Timestamp, cfg.Debounce) {
		return model.Violation{}, false
	}
	desc := fmt.Sprintf("%s sustained for %.1fs", ev.Type, elapsed.Seconds())
	if label != "" {
		desc = fmt.Sprintf("%s (%s) sustained for %.1fs", ev.Type, label, elapsed.Seconds())
	}
	return model.Violation{
		Type:          rule.violationType,
		Severity:      rule.severity,
		Description:   desc,
		SourceEvents:  []model.DetectionEvent{ev},
		OccurredAt:    ev.Timestamp,
		EvidenceStart: start,
		EvidenceEnd:   ev.Timestamp,
	}, true
}

func (c *Classifier) evaluateFrequency(cfg *config.ClassifierConfig, ev model.DetectionEvent, r *ring) (model.Violation, bool) {
	count := r.countSince(ev.Timestamp.Add(-cfg.FrequencyWindow))
	if count < cfg.FrequencyThreshold {
		return model.Violation{}, false
	}
	if !c.debounce.Allow("frequent_head_rotation", ev.Timestamp, cfg.Debounce) {
		return model.Violation{}, false
	}
	severity := 4 + (count - cfg.FrequencyThreshold)
	if severity > 10 {
		severity = 10
	}
	return model.Violation{
		Type:         "frequent_head_rotation",
		Severity:     severity,
		Description:  fmt.Sprintf("%d head rotations within %s", count, cfg.FrequencyWindow),
		SourceEvents: []model.DetectionEvent{ev},
		OccurredAt:   ev.Timestamp,
	}, true
}

func (c *Classifier) evaluateBurst(cfg *config.ClassifierConfig, ev model.DetectionEvent, r *ring) (model.Violation, bool) {
	count := r.countSince(ev.Timestamp.Add(-cfg.BurstWindow))
	if count < cfg.BurstThreshold {
		return model.Violation{}, false
	}
	if !c.debounce.Allow("burst_head_rotation", ev.Timestamp, cfg.Debounce) {
		return model.Violation{}, false
	}
	return model.Violation{
		Type:         "burst_head_rotation",
		Severity:     6,
		Description:  fmt.Sprintf("%d head rotations within %s", count, cfg.BurstWindow),
		SourceEvents: []model.DetectionEvent{ev},
		OccurredAt:   ev.Timestamp,
	}, true
}

func (c *Classifier) evaluateImmediate(cfg *config.ClassifierConfig, ev model.DetectionEvent) (model.Violation, bool) {
	severity, ok := immediateSeverity[ev.Type]
	if !ok {
		return model.Violation{}, false
	}
	if !c.debounce.Allow(string(ev.Type), ev.Timestamp, cfg.Debounce) {
		return model.Violation{}, false
	}
	desc := fmt.Sprintf("%s detected", ev.Type)
	if ev.Confidence > 0 {
		desc = fmt.Sprintf("%s detected (confidence %.2f)", ev.Type, ev.Confidence)
	}
	return model.Violation{
		Type:         string(ev.Type),
		Severity:     severity,
		Description:  desc,
		SourceEvents: []model.DetectionEvent{ev},
		OccurredAt:   ev.Timestamp,
	}, true
}

func (c *Classifier) trimEmittedLocked(cfg *config.ClassifierConfig, now time.Time) {
	cutoff := now.Add(-cfg.CombinedWindow)
	keep := c.emitted[:0]
	for _, s := range c.emitted {
		if !s.at.Before(cutoff) {
			keep = append(keep, s)
		}
	}
	c.emitted = keep
}

func (c *Classifier) deliver(listeners []Listener, v model.Violation) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil && c.logger != nil {
					c.logger.Error("violation listener panicked", "type", v.Type, "panic", r)
				}
			}()
			fn(v)
		}()
	}
}
