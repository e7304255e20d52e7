package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/telemetry"
)

// Evidence materializes a hashed clip for a time window. Implementations
// own their capture cooldown and reuse cache.
type Evidence interface {
	Capture(start, end time.Time, label string) (*model.ExtractedClip, error)
}

// Sink accepts durable upload records. A file path may be empty.
type Sink interface {
	Enqueue(target string, payload []byte, filePath string) (int64, error)
}

// Confirmer is the third-party second-opinion check for object-class
// detections. It may be slow or unreachable; errors and timeouts count as
// non-confirming.
type Confirmer interface {
	Confirm(ctx context.Context, image []byte, label string) (bool, string, error)
}

// FrameSource supplies the most recent buffered frame for confirmation
// calls.
type FrameSource interface {
	LatestFrame() *model.BufferedFrame
}

const recordTarget = "exam_analysis"

// confirmedSeverity is the severity attached to violations created by a
// successful confirmation.
var confirmedSeverity = map[string]int{
	string(model.EventPhone):         9,
	string(model.EventBook):          6,
	string(model.EventMultipleFaces): 9,
	string(model.EventSuspicious):    6,
	string(model.EventImpersonation): 9,
}

type pendingVerification struct {
	class     string
	firstSeen time.Time
	inFlight  bool
}

type confirmedEntry struct {
	reason      string
	confirmedAt time.Time
	lastRefresh time.Time
}

type captureReq struct {
	start, end time.Time
	label      string
}

type incidentReq struct {
	violation model.Violation
	label     string
	clipLabel string
	start     time.Time
	end       time.Time
}

type actions struct {
	confirms  []string
	captures  []captureReq
	incidents []incidentReq
	heartbeat *model.Heartbeat
	notify    []model.Violation
}

// Coordinator owns the decaying risk score and decides when confirmation
// calls, evidence captures, incident records and heartbeats fire. All state
// is guarded by one mutex; clip extraction, queue writes and confirmation
// calls happen outside it.
type Coordinator struct {
	logger    *slog.Logger
	cfg       atomic.Value
	evidence  Evidence
	sink      Sink
	confirmer Confirmer
	frames    FrameSource
	counters  *telemetry.Counters

	mu            sync.Mutex
	state         model.RiskState
	pending       map[string]*pendingVerification
	confirmed     map[string]*confirmedEntry
	lastCall      map[string]time.Time
	lastIncident  map[string]time.Time
	lastHeartbeat time.Time
	recent        []string
	stopped       bool

	violationListeners []func(model.Violation)
	heartbeatListeners []func(model.Heartbeat)

	nowFn func() time.Time
	wg    sync.WaitGroup
}

func NewCoordinator(cfg *config.Config, logger *slog.Logger, evidence Evidence, sink Sink, confirmer Confirmer, frames FrameSource, counters *telemetry.Counters) *Coordinator {
	c := &Coordinator{
		logger:       logger,
		evidence:     evidence,
		sink:         sink,
		confirmer:    confirmer,
		frames:       frames,
		counters:     counters,
		pending:      make(map[string]*pendingVerification),
		confirmed:    make(map[string]*confirmedEntry),
		lastCall:     make(map[string]time.Time),
		lastIncident: make(map[string]time.Time),
		nowFn:        time.Now,
	}
	c.cfg.Store(cfg)
	return c
}

func (c *Coordinator) UpdateConfig(cfg *config.Config) {
	c.cfg.Store(cfg)
}

func (c *Coordinator) config() *config.Config {
	if v := c.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (c *Coordinator) AddViolationListener(fn func(model.Violation)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.violationListeners = append(c.violationListeners, fn)
}

func (c *Coordinator) AddHeartbeatListener(fn func(model.Heartbeat)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatListeners = append(c.heartbeatListeners, fn)
}

// Snapshot returns the current risk state and band.
func (c *Coordinator) Snapshot() (model.RiskState, model.Band) {
	cfg := c.config()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, bandFor(&cfg.Risk, c.state.Score)
}

// PendingClasses lists object classes awaiting confirmation.
func (c *Coordinator) PendingClasses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for class := range c.pending {
		out = append(out, class)
	}
	return out
}

// ConfirmedClasses lists confirmed object classes with their reasons.
func (c *Coordinator) ConfirmedClasses() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.confirmed))
	for class, e := range c.confirmed {
		out[class] = e.reason
	}
	return out
}

// ProcessFrame feeds raw per-frame detector flags: it decays the score,
// keeps confirmed entries alive while their detection persists, and drives
// the pending/confirmation machinery for object classes.
func (c *Coordinator) ProcessFrame(sig model.FrameSignals) {
	now := sig.Timestamp
	if now.IsZero() {
		now = c.nowFn()
	}
	cfg := c.config()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.decayLocked(&cfg.Risk, now)
	c.expireConfirmedLocked(&cfg.Risk, now)
	var acts actions
	for _, class := range activeObjectClasses(sig) {
		c.handleObjectLocked(cfg, class, now, &acts)
	}
	c.mu.Unlock()

	c.execute(cfg, &acts)
}

// OnViolation consumes one classifier violation: object classes enter the
// pending/confirmation path, everything else raises the score by its weight
// and may trigger evidence capture and an incident record.
func (c *Coordinator) OnViolation(v model.Violation) {
	now := v.OccurredAt
	if now.IsZero() {
		now = c.nowFn()
	}
	cfg := c.config()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.decayLocked(&cfg.Risk, now)
	c.rememberLocked(v.Type)
	var acts actions
	if model.ObjectClasses[model.EventType(v.Type)] {
		c.handleObjectLocked(cfg, v.Type, now, &acts)
		c.mu.Unlock()
		c.execute(cfg, &acts)
		return
	}

	c.raiseLocked(cfg.Risk.Weights[v.Type], now)
	if v.Severity >= cfg.Risk.HighSeverity {
		start, end := evidenceWindow(v, now)
		clipLabel := strings.ToLower(severityLabel(v.Severity))
		acts.captures = append(acts.captures, captureReq{start: start, end: end, label: clipLabel})
		label := model.IncidentLabel(v.Type)
		if c.incidentAllowedLocked(&cfg.Risk, label, now) {
			acts.incidents = append(acts.incidents, incidentReq{violation: v, label: label, clipLabel: clipLabel, start: start, end: end})
		}
	}
	c.mu.Unlock()

	c.execute(cfg, &acts)
}

// Tick applies decay, expires stale confirmations and emits the periodic
// heartbeat. Driven by the session clock so liveness holds with no frames
// arriving.
func (c *Coordinator) Tick(now time.Time) {
	cfg := c.config()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.decayLocked(&cfg.Risk, now)
	c.expireConfirmedLocked(&cfg.Risk, now)
	var acts actions
	if c.lastHeartbeat.IsZero() || now.Sub(c.lastHeartbeat) >= cfg.Risk.HeartbeatInterval {
		c.lastHeartbeat = now
		hb := model.Heartbeat{
			Score:  c.state.Score,
			Band:   bandFor(&cfg.Risk, c.state.Score),
			Events: append([]string(nil), c.recent...),
			At:     now,
		}
		c.recent = c.recent[:0]
		acts.heartbeat = &hb
	}
	c.mu.Unlock()

	c.execute(cfg, &acts)
}

// Stop marks the coordinator torn down and waits for in-flight confirmation
// calls; their results are discarded.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) decayLocked(rc *config.RiskConfig, now time.Time) {
	if c.state.LastDecay.IsZero() {
		c.state.LastDecay = now
		return
	}
	elapsed := now.Sub(c.state.LastDecay).Seconds()
	if elapsed < 1 {
		return
	}
	c.state.Score -= rc.DecayPerSecond * elapsed
	if c.state.Score < 0 {
		c.state.Score = 0
	}
	c.state.LastDecay = now
}

func (c *Coordinator) raiseLocked(points float64, now time.Time) {
	if points > 100 {
		points = 100
	}
	if points > c.state.Score {
		c.state.Score = points
	}
	if c.state.Score > c.state.SessionPeak {
		c.state.SessionPeak = c.state.Score
	}
	if c.state.LastDecay.IsZero() {
		c.state.LastDecay = now
	}
}

func (c *Coordinator) expireConfirmedLocked(rc *config.RiskConfig, now time.Time) {
	for class, e := range c.confirmed {
		if now.Sub(e.lastRefresh) >= rc.ConfirmTTL {
			delete(c.confirmed, class)
		}
	}
}

// handleObjectLocked runs the object-class protocol for one active
// detection: confirmed entries are refreshed at full weight, otherwise a
// pending entry gets the small bump and at most one rate-limited
// confirmation call.
func (c *Coordinator) handleObjectLocked(cfg *config.Config, class string, now time.Time, acts *actions) {
	if e, ok := c.confirmed[class]; ok {
		e.lastRefresh = now
		c.raiseLocked(cfg.Risk.Weights[class], now)
		return
	}

	c.raiseLocked(cfg.Risk.PendingBump, now)
	p, ok := c.pending[class]
	if !ok {
		p = &pendingVerification{class: class, firstSeen: now}
		c.pending[class] = p
		acts.captures = append(acts.captures, captureReq{start: now, end: now, label: class})
	}
	if c.confirmer == nil || p.inFlight {
		return
	}
	if last, ok := c.lastCall[class]; ok && now.Sub(last) < cfg.Risk.ConfirmInterval {
		return
	}
	p.inFlight = true
	c.lastCall[class] = now
	acts.confirms = append(acts.confirms, class)
}

func (c *Coordinator) incidentAllowedLocked(rc *config.RiskConfig, label string, now time.Time) bool {
	if last, ok := c.lastIncident[label]; ok && now.Sub(last) < rc.IncidentCooldown {
		return false
	}
	c.lastIncident[label] = now
	return true
}

func (c *Coordinator) rememberLocked(violationType string) {
	c.recent = append(c.recent, violationType)
	if len(c.recent) > 50 {
		c.recent = c.recent[len(c.recent)-50:]
	}
}

// resolveConfirmation applies a confirmation response. Confirmations
// arriving after Stop, or for a pending entry that no longer exists, are
// dropped.
func (c *Coordinator) resolveConfirmation(class string, confirmedOK bool, reason string) {
	cfg := c.config()
	now := c.nowFn()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	p, ok := c.pending[class]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.inFlight = false
	delete(c.pending, class)
	if !confirmedOK {
		c.mu.Unlock()
		return
	}

	c.confirmed[class] = &confirmedEntry{reason: reason, confirmedAt: now, lastRefresh: now}
	c.raiseLocked(cfg.Risk.Weights[class], now)
	sev := confirmedSeverity[class]
	if sev == 0 {
		sev = cfg.Risk.HighSeverity
	}
	v := model.Violation{
		Type:        class,
		Severity:    sev,
		Description: fmt.Sprintf("%s confirmed: %s", class, reason),
		OccurredAt:  now,
	}
	c.rememberLocked(v.Type)
	var acts actions
	acts.notify = append(acts.notify, v)
	label := model.IncidentLabel(class)
	if c.incidentAllowedLocked(&cfg.Risk, label, now) {
		acts.incidents = append(acts.incidents, incidentReq{
			violation: v,
			label:     label,
			clipLabel: strings.ToLower(severityLabel(sev)),
			start:     now,
			end:       now,
		})
	}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Warn("detection confirmed", "class", class, "reason", reason)
	}
	c.execute(cfg, &acts)
}

func (c *Coordinator) execute(cfg *config.Config, acts *actions) {
	for _, class := range acts.confirms {
		c.launchConfirmation(cfg, class)
	}
	for _, req := range acts.captures {
		c.capture(req)
	}
	for _, req := range acts.incidents {
		c.emitIncident(cfg, req)
	}
	if acts.heartbeat != nil {
		c.emitHeartbeat(cfg, *acts.heartbeat)
	}
	if len(acts.notify) > 0 {
		c.mu.Lock()
		listeners := append([]func(model.Violation)(nil), c.violationListeners...)
		c.mu.Unlock()
		for _, v := range acts.notify {
			for _, fn := range listeners {
				c.deliver(func() { fn(v) })
			}
		}
	}
}

func (c *Coordinator) launchConfirmation(cfg *config.Config, class string) {
	var image []byte
	if c.frames != nil {
		if f := c.frames.LatestFrame(); f != nil {
			image = f.JPEG
		}
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Confirm.Timeout)
		defer cancel()
		ok, reason, err := c.confirmer.Confirm(ctx, image, class)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("confirmation call failed", "class", class, "error", err)
			}
			ok = false
		}
		c.resolveConfirmation(class, ok, reason)
	}()
}

func (c *Coordinator) capture(req captureReq) *model.ExtractedClip {
	if c.evidence == nil {
		return nil
	}
	clip, err := c.evidence.Capture(req.start, req.end, req.label)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("evidence capture failed", "label", req.label, "error", err)
		}
		return nil
	}
	return clip
}

func (c *Coordinator) emitIncident(cfg *config.Config, req incidentReq) {
	clip := c.capture(captureReq{start: req.start, end: req.end, label: req.clipLabel})

	c.mu.Lock()
	score := c.state.Score
	peak := c.state.SessionPeak
	c.mu.Unlock()
	band := bandFor(&cfg.Risk, score)

	rec := model.AnalysisRecord{
		AttemptID:   cfg.Session.AttemptID,
		StudentID:   cfg.Session.StudentID,
		ExamID:      cfg.Session.ExamID,
		LabID:       cfg.Session.LabID,
		StudentName: cfg.Session.StudentName,
		HallTicket:  cfg.Session.HallTicket,
		Severity:    severityLabel(req.violation.Severity),
		EventType:   req.label,
		Description: req.violation.Description,
		Telemetry: map[string]any{
			"risk_score":     score,
			"band":           string(band),
			"session_peak":   peak,
			"violation_type": req.violation.Type,
			"severity_score": req.violation.Severity,
		},
		ReviewStatus: "PENDING",
		OccurredAt:   req.violation.OccurredAt,
	}
	var filePath string
	if clip != nil {
		filePath = clip.FilePath
		rec.Telemetry["clip_sha256"] = clip.SHA256
		rec.Telemetry["clip_frames"] = clip.FrameCount
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("incident payload marshal failed", "error", err)
		}
		return
	}
	if c.sink == nil {
		return
	}
	if _, err := c.sink.Enqueue(recordTarget, payload, filePath); err != nil {
		if c.logger != nil {
			c.logger.Error("incident enqueue failed", "event_type", req.label, "error", err)
		}
		return
	}
	c.counters.IncIncidents()
	if c.logger != nil {
		c.logger.Warn("incident recorded",
			"event_type", req.label,
			"severity", rec.Severity,
			"risk_score", score,
		)
	}
}

func (c *Coordinator) emitHeartbeat(cfg *config.Config, hb model.Heartbeat) {
	eventType := "TELEMETRY"
	if hb.Band == model.BandLow {
		eventType = "MONITOR_OK"
	}
	rec := model.AnalysisRecord{
		AttemptID:   cfg.Session.AttemptID,
		StudentID:   cfg.Session.StudentID,
		ExamID:      cfg.Session.ExamID,
		LabID:       cfg.Session.LabID,
		StudentName: cfg.Session.StudentName,
		HallTicket:  cfg.Session.HallTicket,
		Severity:    "INFO",
		EventType:   eventType,
		Description: fmt.Sprintf("risk %.1f (%s)", hb.Score, hb.Band),
		Telemetry: map[string]any{
			"risk_score": hb.Score,
			"band":       string(hb.Band),
			"events":     hb.Events,
		},
		OccurredAt: hb.At,
	}
	if c.sink != nil {
		payload, err := json.Marshal(rec)
		if err == nil {
			if _, err := c.sink.Enqueue(recordTarget, payload, ""); err != nil && c.logger != nil {
				c.logger.Error("heartbeat enqueue failed", "error", err)
			}
		}
	}

	c.mu.Lock()
	listeners := append([]func(model.Heartbeat)(nil), c.heartbeatListeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		c.deliver(func() { fn(hb) })
	}
}

func (c *Coordinator) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil && c.logger != nil {
			c.logger.Error("coordinator listener panicked", "panic", r)
		}
	}()
	fn()
}

func bandFor(rc *config.RiskConfig, score float64) model.Band {
	switch {
	case score >= rc.Bands.Critical:
		return model.BandCritical
	case score >= rc.Bands.High:
		return model.BandHigh
	case score >= rc.Bands.Medium:
		return model.BandMedium
	default:
		return model.BandLow
	}
}

func severityLabel(severity int) string {
	switch {
	case severity >= 9:
		return "CRITICAL"
	case severity >= 7:
		return "HIGH"
	case severity >= 4:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func evidenceWindow(v model.Violation, now time.Time) (time.Time, time.Time) {
	if !v.EvidenceStart.IsZero() && !v.EvidenceEnd.IsZero() {
		return v.EvidenceStart, v.EvidenceEnd
	}
	return now, now
}

func activeObjectClasses(sig model.FrameSignals) []string {
	var out []string
	if sig.PhoneDetected {
		out = append(out, string(model.EventPhone))
	}
	if sig.BookDetected {
		out = append(out, string(model.EventBook))
	}
	if sig.MultipleFaces {
		out = append(out, string(model.EventMultipleFaces))
	}
	if sig.SuspiciousObject {
		out = append(out, string(model.EventSuspicious))
	}
	if sig.Impersonation {
		out = append(out, string(model.EventImpersonation))
	}
	return out
}
