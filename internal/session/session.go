package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"examguard/internal/buffer"
	"examguard/internal/classifier"
	"examguard/internal/clip"
	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/queue"
	"examguard/internal/risk"
	"examguard/internal/telemetry"
)

// queueSink adapts the durable queue to the coordinator's Sink. Coordinator
// goroutines carry no request context.
type queueSink struct {
	q *queue.Queue
}

func (s queueSink) Enqueue(target string, payload []byte, filePath string) (int64, error) {
	return s.q.Enqueue(context.Background(), target, payload, filePath)
}

// Session assembles one exam attempt's pipeline: rolling buffer, classifier,
// risk coordinator, clip extractor and durable queue, consuming frame
// signals from a single bounded channel. One instance per attempt; no shared
// globals.
type Session struct {
	logger     *slog.Logger
	cfg        *config.Manager
	attemptID  string
	buffer     *buffer.Buffer
	classifier *classifier.Classifier
	coord      *risk.Coordinator
	extractor  *clip.Extractor
	violations *telemetry.Store
	counters   *telemetry.Counters

	signals chan model.FrameSignals
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg *config.Manager, logger *slog.Logger, q *queue.Queue, confirmer risk.Confirmer, violations *telemetry.Store, counters *telemetry.Counters) *Session {
	current := cfg.Get()
	if current.Session.AttemptID == "" {
		dup := *current
		dup.Session.AttemptID = uuid.NewString()
		current = &dup
	}

	frameCap := current.Buffer.RetentionMinutes * 60 * current.Buffer.FPS
	audioCap := current.Buffer.RetentionMinutes * 60 * current.Buffer.AudioChunksPerSecond
	buf := buffer.New(frameCap, audioCap)
	ext := clip.NewExtractor(current, logger, buf, counters)
	cls := classifier.New(current, logger)

	var sink risk.Sink
	if q != nil {
		sink = queueSink{q: q}
	}
	coord := risk.NewCoordinator(current, logger, ext, sink, confirmer, buf, counters)

	s := &Session{
		logger:     logger,
		cfg:        cfg,
		attemptID:  current.Session.AttemptID,
		buffer:     buf,
		classifier: cls,
		coord:      coord,
		extractor:  ext,
		violations: violations,
		counters:   counters,
		signals:    make(chan model.FrameSignals, current.Ingest.ChannelBuffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	record := func(v model.Violation) {
		if violations != nil {
			violations.Add(v)
		}
		counters.IncViolations()
	}
	cls.AddListener(record)
	coord.AddViolationListener(record)
	return s
}

func (s *Session) AttemptID() string {
	return s.attemptID
}

// Signals is the channel ingest sources feed. Bounded; senders must use
// ingest.SendNonBlocking.
func (s *Session) Signals() chan<- model.FrameSignals {
	return s.signals
}

// Risk exposes the coordinator for status endpoints.
func (s *Session) Risk() *risk.Coordinator {
	return s.coord
}

// UpdateConfig fans a reloaded config out to the pipeline components. The
// attempt identity is pinned at construction and survives reloads.
func (s *Session) UpdateConfig(cfg *config.Config) {
	next := *cfg
	next.Session.AttemptID = s.attemptID
	s.classifier.UpdateConfig(&next)
	s.coord.UpdateConfig(&next)
	s.extractor.UpdateConfig(&next)
}

func (s *Session) Start(ctx context.Context) {
	if s.logger != nil {
		s.logger.Info("session started",
			"attempt_id", s.attemptID,
			"frame_capacity", s.buffer.Capacity(),
		)
	}
	go s.run(ctx)
}

// Stop drains the pipeline in order: the consume loop first, then the
// coordinator (waits for in-flight confirmations), then the buffer.
func (s *Session) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	s.coord.Stop()
	s.buffer.Clear()
	if s.logger != nil {
		s.logger.Info("session stopped", "attempt_id", s.attemptID)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	decayTick := time.NewTicker(time.Second)
	defer decayTick.Stop()
	sweepTick := time.NewTicker(30 * time.Second)
	defer sweepTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case sig := <-s.signals:
			s.processSignals(sig)
		case now := <-decayTick.C:
			s.coord.Tick(now.UTC())
		case now := <-sweepTick.C:
			if v := s.classifier.EvaluateCombinedPattern(now.UTC()); v != nil {
				s.coord.OnViolation(*v)
			}
		}
	}
}

// processSignals handles one frame snapshot: media goes into the rolling
// buffer, flags become detection events for the classifier, resulting
// violations reach the coordinator, and the raw flags drive the
// pending/confirmation machinery.
func (s *Session) processSignals(sig model.FrameSignals) {
	s.counters.IncFrames()
	if len(sig.FrameJPEG) > 0 {
		s.buffer.AddFrame(sig.FrameJPEG, sig.FrameWidth, sig.FrameHeight, sig.Timestamp)
	}
	if len(sig.AudioPCM) > 0 {
		s.buffer.AddAudio(sig.AudioPCM, sig.Timestamp, sig.SpeechProbability)
	}

	for _, t := range clearedConditions(sig) {
		s.classifier.ClearCondition(t)
	}
	events := DeriveEvents(sig)
	s.counters.IncEvents(len(events))
	for _, ev := range events {
		for _, v := range s.classifier.Observe(ev) {
			s.coord.OnViolation(v)
		}
	}
	s.coord.ProcessFrame(sig)
}
