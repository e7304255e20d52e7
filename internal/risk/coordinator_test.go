package risk

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"examguard/internal/config"
	"examguard/internal/model"
)

type sinkItem struct {
	target   string
	payload  []byte
	filePath string
}

type fakeSink struct {
	mu    sync.Mutex
	items []sinkItem
}

func (s *fakeSink) Enqueue(target string, payload []byte, filePath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, sinkItem{target: target, payload: payload, filePath: filePath})
	return int64(len(s.items)), nil
}

func (s *fakeSink) byEventType(eventType string) []model.AnalysisRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AnalysisRecord
	for _, it := range s.items {
		var rec model.AnalysisRecord
		if json.Unmarshal(it.payload, &rec) == nil && rec.EventType == eventType {
			out = append(out, rec)
		}
	}
	return out
}

type fakeEvidence struct {
	mu    sync.Mutex
	calls int
	clip  *model.ExtractedClip
}

func (f *fakeEvidence) Capture(start, end time.Time, label string) (*model.ExtractedClip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.clip, nil
}

type verdict struct {
	ok     bool
	reason string
}

// gateConfirmer blocks each Confirm call until the test pushes a verdict.
type gateConfirmer struct {
	mu    sync.Mutex
	calls int
	gate  chan verdict
}

func newGateConfirmer() *gateConfirmer {
	return &gateConfirmer{gate: make(chan verdict)}
}

func (g *gateConfirmer) Confirm(ctx context.Context, image []byte, label string) (bool, string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	v := <-g.gate
	return v.ok, v.reason, nil
}

func (g *gateConfirmer) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func phoneFrame(at time.Time) model.FrameSignals {
	return model.FrameSignals{Timestamp: at, FacePresent: true, PhoneDetected: true}
}

func TestDecayMonotoneWithFloor(t *testing.T) {
	cfg := config.DefaultConfig()
	co := NewCoordinator(cfg, nil, nil, nil, nil, nil, nil)
	base := time.Unix(5000, 0)

	co.OnViolation(model.Violation{Type: "gaze_away", Severity: 5, OccurredAt: base})
	st, _ := co.Snapshot()
	require.Equal(t, 15.0, st.Score)

	co.Tick(base.Add(10 * time.Second))
	st, _ = co.Snapshot()
	require.Equal(t, 10.0, st.Score)

	// Under one second since the last decay: no change.
	co.Tick(base.Add(10*time.Second + 500*time.Millisecond))
	st, _ = co.Snapshot()
	require.Equal(t, 10.0, st.Score)

	prev := st.Score
	for i := 12; i < 60; i += 3 {
		co.Tick(base.Add(time.Duration(i) * time.Second))
		st, _ = co.Snapshot()
		require.LessOrEqual(t, st.Score, prev)
		require.GreaterOrEqual(t, st.Score, 0.0)
		prev = st.Score
	}
	require.Equal(t, 0.0, st.Score)
	require.Equal(t, 15.0, st.SessionPeak)
}

func TestScoreNeverAdditive(t *testing.T) {
	cfg := config.DefaultConfig()
	co := NewCoordinator(cfg, nil, nil, nil, nil, nil, nil)
	base := time.Unix(5000, 0)

	co.OnViolation(model.Violation{Type: "multiple_voices", Severity: 8, OccurredAt: base})
	co.OnViolation(model.Violation{Type: "face_absent", Severity: 7, OccurredAt: base})
	st, band := co.Snapshot()
	require.Equal(t, 60.0, st.Score)
	require.Equal(t, model.BandHigh, band)
}

func TestBands(t *testing.T) {
	rc := &config.DefaultConfig().Risk
	require.Equal(t, model.BandLow, bandFor(rc, 0))
	require.Equal(t, model.BandLow, bandFor(rc, 14.9))
	require.Equal(t, model.BandMedium, bandFor(rc, 15))
	require.Equal(t, model.BandHigh, bandFor(rc, 45))
	require.Equal(t, model.BandHigh, bandFor(rc, 74.9))
	require.Equal(t, model.BandCritical, bandFor(rc, 75))
}

func TestPendingBumpWithoutConfirmation(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := &fakeSink{}
	gc := newGateConfirmer()
	co := NewCoordinator(cfg, nil, nil, sink, gc, nil, nil)
	base := time.Unix(5000, 0)
	resolveAt := base.Add(2 * time.Second)
	co.nowFn = func() time.Time { return resolveAt }

	for i := 0; i < 3; i++ {
		co.ProcessFrame(phoneFrame(base.Add(time.Duration(i) * 100 * time.Millisecond)))
	}

	st, _ := co.Snapshot()
	require.Equal(t, cfg.Risk.PendingBump, st.Score)
	require.Empty(t, sink.byEventType("VERIFIED_MOBILE_PHONE"))
	require.Contains(t, co.PendingClasses(), "phone_detected")

	var confirmedViolation model.Violation
	var gotViolation bool
	var mu sync.Mutex
	co.AddViolationListener(func(v model.Violation) {
		mu.Lock()
		defer mu.Unlock()
		confirmedViolation = v
		gotViolation = true
	})

	gc.gate <- verdict{ok: true, reason: "phone clearly visible"}
	require.Eventually(t, func() bool {
		return len(sink.byEventType("VERIFIED_MOBILE_PHONE")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	st, band := co.Snapshot()
	require.Equal(t, 100.0, st.Score)
	require.Equal(t, model.BandCritical, band)
	require.Equal(t, map[string]string{"phone_detected": "phone clearly visible"}, co.ConfirmedClasses())

	mu.Lock()
	defer mu.Unlock()
	require.True(t, gotViolation)
	require.Equal(t, "phone_detected", confirmedViolation.Type)
	require.Equal(t, 9, confirmedViolation.Severity)

	recs := sink.byEventType("VERIFIED_MOBILE_PHONE")
	require.Equal(t, "CRITICAL", recs[0].Severity)
	require.Equal(t, "PENDING", recs[0].ReviewStatus)
}

func TestRejectionClearsPendingWithoutPenalty(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := &fakeSink{}
	gc := newGateConfirmer()
	co := NewCoordinator(cfg, nil, nil, sink, gc, nil, nil)
	base := time.Unix(5000, 0)
	co.nowFn = func() time.Time { return base.Add(time.Second) }

	co.ProcessFrame(phoneFrame(base))
	gc.gate <- verdict{ok: false, reason: "no phone in frame"}

	require.Eventually(t, func() bool {
		return len(co.PendingClasses()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, co.ConfirmedClasses())
	require.Empty(t, sink.byEventType("VERIFIED_MOBILE_PHONE"))
	st, _ := co.Snapshot()
	require.Equal(t, cfg.Risk.PendingBump, st.Score)
}

func TestConfirmationRateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	gc := newGateConfirmer()
	co := NewCoordinator(cfg, nil, nil, nil, gc, nil, nil)
	base := time.Unix(5000, 0)
	co.nowFn = func() time.Time { return base }

	co.ProcessFrame(phoneFrame(base))
	gc.gate <- verdict{ok: false, reason: "unclear"}
	require.Eventually(t, func() bool { return gc.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Inside the 4s window: detection re-pends but no second call fires.
	co.ProcessFrame(phoneFrame(base.Add(1 * time.Second)))
	co.ProcessFrame(phoneFrame(base.Add(2 * time.Second)))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, gc.callCount())

	co.ProcessFrame(phoneFrame(base.Add(4 * time.Second)))
	require.Eventually(t, func() bool { return gc.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	gc.gate <- verdict{ok: false, reason: "unclear"}
}

func TestConfirmedExpiresAfterTTL(t *testing.T) {
	cfg := config.DefaultConfig()
	gc := newGateConfirmer()
	co := NewCoordinator(cfg, nil, nil, nil, gc, nil, nil)
	base := time.Unix(5000, 0)
	co.nowFn = func() time.Time { return base }

	co.ProcessFrame(phoneFrame(base))
	gc.gate <- verdict{ok: true, reason: "visible"}
	require.Eventually(t, func() bool {
		return len(co.ConfirmedClasses()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Detection still active: refresh keeps the entry alive past the TTL.
	co.ProcessFrame(phoneFrame(base.Add(10 * time.Second)))
	co.ProcessFrame(model.FrameSignals{Timestamp: base.Add(20 * time.Second), FacePresent: true})
	require.Len(t, co.ConfirmedClasses(), 1)

	// Inactive for a full TTL after the last refresh: expired.
	co.ProcessFrame(model.FrameSignals{Timestamp: base.Add(26 * time.Second), FacePresent: true})
	require.Empty(t, co.ConfirmedClasses())
}

func TestIncidentCooldownPerChannel(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := &fakeSink{}
	co := NewCoordinator(cfg, nil, nil, sink, nil, nil, nil)
	base := time.Unix(5000, 0)

	co.OnViolation(model.Violation{Type: "face_absent", Severity: 7, Description: "absent 10s", OccurredAt: base})
	co.OnViolation(model.Violation{Type: "face_absent", Severity: 7, Description: "absent 10s", OccurredAt: base.Add(5 * time.Second)})

	require.Len(t, sink.byEventType("CANDIDATE_ABSENT"), 1)

	// A different channel is not blocked by the first one's cooldown.
	co.OnViolation(model.Violation{Type: "person_swap", Severity: 10, OccurredAt: base.Add(6 * time.Second)})
	require.Len(t, sink.byEventType("PERSON_SWAP"), 1)

	// Past the cooldown the channel reopens.
	co.OnViolation(model.Violation{Type: "face_absent", Severity: 7, OccurredAt: base.Add(16 * time.Second)})
	require.Len(t, sink.byEventType("CANDIDATE_ABSENT"), 2)
}

func TestLowSeverityNoIncident(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := &fakeSink{}
	co := NewCoordinator(cfg, nil, nil, sink, nil, nil, nil)

	co.OnViolation(model.Violation{Type: "gaze_away", Severity: 5, OccurredAt: time.Unix(5000, 0)})
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Empty(t, sink.items)
}

func TestIncidentCarriesClip(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := &fakeSink{}
	ev := &fakeEvidence{clip: &model.ExtractedClip{FilePath: "/tmp/clip.avi", SHA256: "deadbeef", FrameCount: 42}}
	co := NewCoordinator(cfg, nil, ev, sink, nil, nil, nil)

	co.OnViolation(model.Violation{Type: "person_swap", Severity: 10, OccurredAt: time.Unix(5000, 0)})

	sink.mu.Lock()
	require.Len(t, sink.items, 1)
	item := sink.items[0]
	sink.mu.Unlock()
	require.Equal(t, "/tmp/clip.avi", item.filePath)

	var rec model.AnalysisRecord
	require.NoError(t, json.Unmarshal(item.payload, &rec))
	require.Equal(t, "PERSON_SWAP", rec.EventType)
	require.Equal(t, "deadbeef", rec.Telemetry["clip_sha256"])
}

func TestHeartbeat(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.AttemptID = "attempt-1"
	sink := &fakeSink{}
	co := NewCoordinator(cfg, nil, nil, sink, nil, nil, nil)
	base := time.Unix(5000, 0)

	var beats []model.Heartbeat
	co.AddHeartbeatListener(func(hb model.Heartbeat) { beats = append(beats, hb) })

	co.Tick(base)
	require.Len(t, sink.byEventType("MONITOR_OK"), 1)

	co.OnViolation(model.Violation{Type: "multiple_voices", Severity: 8, OccurredAt: base.Add(time.Second)})

	// Under the interval: no second heartbeat.
	co.Tick(base.Add(3 * time.Second))
	co.Tick(base.Add(6 * time.Second))

	telemetry := sink.byEventType("TELEMETRY")
	require.Len(t, telemetry, 1)
	require.Equal(t, "INFO", telemetry[0].Severity)
	require.Equal(t, "attempt-1", telemetry[0].AttemptID)

	require.Len(t, beats, 2)
	require.Equal(t, model.BandLow, beats[0].Band)
	require.Equal(t, model.BandHigh, beats[1].Band)
	require.Contains(t, beats[1].Events, "multiple_voices")
	// The recent-events list resets after each heartbeat.
	require.Empty(t, beats[0].Events)
}

func TestStopDiscardsLateConfirmation(t *testing.T) {
	cfg := config.DefaultConfig()
	sink := &fakeSink{}
	gc := newGateConfirmer()
	co := NewCoordinator(cfg, nil, nil, sink, gc, nil, nil)
	base := time.Unix(5000, 0)
	co.nowFn = func() time.Time { return base }

	co.ProcessFrame(phoneFrame(base))
	require.Eventually(t, func() bool { return gc.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		gc.gate <- verdict{ok: true, reason: "late"}
		close(done)
	}()
	co.Stop()
	<-done

	require.Empty(t, co.ConfirmedClasses())
	require.Empty(t, sink.byEventType("VERIFIED_MOBILE_PHONE"))
}
