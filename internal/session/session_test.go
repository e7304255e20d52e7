package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/queue"
	"examguard/internal/telemetry"
)

func testSession(t *testing.T) (*Session, *queue.Queue, *telemetry.Store, *telemetry.Counters) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Session.AttemptID = "attempt-123"
	cfg.Session.StudentID = "student-7"
	cfg.Session.ExamID = "exam-42"
	cfg.Queue.Path = filepath.Join(dir, "queue.db")
	cfg.Clip.Dir = filepath.Join(dir, "evidence")

	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("init queue: %v", err)
	}

	store := telemetry.NewStore(64)
	counters := telemetry.NewCounters()
	return New(config.NewManagerFromConfig(cfg), nil, q, nil, store, counters), q, store, counters
}

func waitFor(t *testing.T, d time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func queueRecords(t *testing.T, q *queue.Queue) []model.AnalysisRecord {
	t.Helper()
	items, err := q.Items(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list queue items: %v", err)
	}
	out := make([]model.AnalysisRecord, 0, len(items))
	for _, item := range items {
		var rec model.AnalysisRecord
		if err := json.Unmarshal(item.Payload, &rec); err != nil {
			t.Fatalf("decode queue payload: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestNewGeneratesAttemptID(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Queue.Path = filepath.Join(t.TempDir(), "queue.db")
	s := New(config.NewManagerFromConfig(cfg), nil, nil, nil, nil, nil)
	if s.AttemptID() == "" {
		t.Fatal("expected a generated attempt id")
	}
}

func TestPersonSwapBecomesIncident(t *testing.T) {
	sess, q, store, counters := testSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)

	sess.Signals() <- model.FrameSignals{
		Timestamp:   time.Now().UTC(),
		FacePresent: true,
		PersonSwap:  true,
		Source:      "test",
	}

	waitFor(t, 2*time.Second, "person_swap violation", func() bool { return store.Len() >= 1 })
	sess.Stop()

	vs := store.List(0)
	if len(vs) != 1 || vs[0].Type != "person_swap" || vs[0].Severity != 10 {
		t.Fatalf("unexpected violations: %+v", vs)
	}

	state, band := sess.Risk().Snapshot()
	if state.SessionPeak != 95 {
		t.Fatalf("expected session peak 95, got %.1f", state.SessionPeak)
	}
	if band != model.BandCritical {
		t.Fatalf("expected critical band, got %s", band)
	}

	var rec *model.AnalysisRecord
	for _, r := range queueRecords(t, q) {
		if r.EventType == "PERSON_SWAP" {
			rr := r
			rec = &rr
		}
	}
	if rec == nil {
		t.Fatal("no PERSON_SWAP record in the queue")
	}
	if rec.AttemptID != "attempt-123" || rec.StudentID != "student-7" || rec.ExamID != "exam-42" {
		t.Fatalf("record missing session identity: %+v", rec)
	}
	if rec.Severity != "CRITICAL" || rec.ReviewStatus != "PENDING" {
		t.Fatalf("unexpected record labels: severity=%s review=%s", rec.Severity, rec.ReviewStatus)
	}

	snap := counters.Snapshot()
	for key, want := range map[string]int64{
		"frames_ingested":   1,
		"events_observed":   1,
		"violations_raised": 1,
		"incidents_queued":  1,
	} {
		if snap[key] != want {
			t.Fatalf("counter %s: expected %d, got %d", key, want, snap[key])
		}
	}
}

func TestObjectClassStaysPending(t *testing.T) {
	sess, q, store, _ := testSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)

	sess.Signals() <- model.FrameSignals{
		Timestamp:     time.Now().UTC(),
		FacePresent:   true,
		PhoneDetected: true,
		Source:        "test",
	}

	waitFor(t, 2*time.Second, "pending phone verification", func() bool {
		return len(sess.Risk().PendingClasses()) == 1
	})
	sess.Stop()

	if got := sess.Risk().PendingClasses(); len(got) != 1 || got[0] != "phone_detected" {
		t.Fatalf("unexpected pending classes: %v", got)
	}
	state, band := sess.Risk().Snapshot()
	if state.SessionPeak != 2 {
		t.Fatalf("expected only the pending bump, got peak %.1f", state.SessionPeak)
	}
	if band != model.BandLow {
		t.Fatalf("expected low band while unconfirmed, got %s", band)
	}

	// The classifier still reports the sighting even though the score holds
	// back until confirmation.
	vs := store.List(0)
	if len(vs) != 1 || vs[0].Type != "phone_detected" || vs[0].Severity != 9 {
		t.Fatalf("unexpected violations: %+v", vs)
	}
	for _, r := range queueRecords(t, q) {
		if r.EventType == "VERIFIED_MOBILE_PHONE" {
			t.Fatalf("unconfirmed detection produced an incident record: %+v", r)
		}
	}
}

func TestFramesFeedTheBuffer(t *testing.T) {
	sess, _, _, counters := testSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)

	for i := 0; i < 3; i++ {
		sess.Signals() <- model.FrameSignals{
			Timestamp:   time.Now().UTC(),
			FacePresent: true,
			FrameJPEG:   []byte{0xff, 0xd8, byte(i)},
			FrameWidth:  640,
			FrameHeight: 480,
		}
	}

	waitFor(t, 2*time.Second, "frames to be consumed", func() bool {
		return counters.Snapshot()["frames_ingested"] == 3
	})
	if sess.buffer.Len() != 3 {
		t.Fatalf("expected 3 buffered frames, got %d", sess.buffer.Len())
	}
	latest := sess.buffer.LatestFrame()
	if latest == nil || latest.Width != 640 {
		t.Fatalf("unexpected latest frame: %+v", latest)
	}
	sess.Stop()
	if sess.buffer.Len() != 0 {
		t.Fatalf("expected buffer cleared on stop, got %d frames", sess.buffer.Len())
	}
}
