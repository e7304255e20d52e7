package clip

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icza/mjpeg"

	"examguard/internal/buffer"
	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/telemetry"
)

// Extractor materializes evidence clips from the rolling buffer. It owns
// the global capture cooldown and a short reuse cache so bursts of triggers
// around the same moment share one artifact.
type Extractor struct {
	logger   *slog.Logger
	cfg      atomic.Value
	frames   *buffer.Buffer
	counters *telemetry.Counters

	mu          sync.Mutex
	lastCapture time.Time
	cached      *model.ExtractedClip
	cachedAt    time.Time

	nowFn func() time.Time
}

func NewExtractor(cfg *config.Config, logger *slog.Logger, frames *buffer.Buffer, counters *telemetry.Counters) *Extractor {
	e := &Extractor{logger: logger, frames: frames, counters: counters, nowFn: time.Now}
	e.cfg.Store(cfg)
	return e
}

func (e *Extractor) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Extractor) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Capture is the evidence-trigger entry point. A window already covered by
// the cached clip reuses it; otherwise the global cooldown applies, then a
// fresh clip is cut.
func (e *Extractor) Capture(start, end time.Time, label string) (*model.ExtractedClip, error) {
	cfg := e.config()
	now := e.nowFn()

	e.mu.Lock()
	if e.cached != nil && now.Sub(e.cachedAt) <= cfg.Clip.ReuseWindow &&
		windowCovered(e.cached, start.Add(-cfg.Clip.Padding), end.Add(cfg.Clip.Padding)) {
		clip := e.cached
		e.mu.Unlock()
		return clip, nil
	}
	if !e.lastCapture.IsZero() && now.Sub(e.lastCapture) < cfg.Risk.EvidenceCooldown {
		e.mu.Unlock()
		return nil, nil
	}
	e.lastCapture = now
	e.mu.Unlock()

	clip, err := e.Extract(start, end, cfg.Clip.Padding, label)
	if err != nil || clip == nil {
		return nil, err
	}
	e.mu.Lock()
	e.cached = clip
	e.cachedAt = now
	e.mu.Unlock()
	return clip, nil
}

// Extract cuts one clip covering [start-padding, end+padding]. Zero frames
// in range yields (nil, nil); a partial encode never leaves a file behind.
func (e *Extractor) Extract(start, end time.Time, padding time.Duration, label string) (*model.ExtractedClip, error) {
	if e.frames == nil {
		return nil, nil
	}
	cfg := e.config()
	frames := e.frames.FramesInRange(start.Add(-padding), end.Add(padding))
	if len(frames) == 0 {
		return nil, nil
	}

	fps := actualFPS(frames, cfg.Clip.MinFPS, cfg.Clip.MaxFPS)
	width, height := frames[0].Width, frames[0].Height
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}

	if err := os.MkdirAll(cfg.Clip.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	name := fileName(cfg.Session.AttemptID, frames[0].Timestamp, label)
	path := filepath.Join(cfg.Clip.Dir, name)

	aw, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, fmt.Errorf("create clip %s: %w", name, err)
	}
	for _, f := range frames {
		if err := aw.AddFrame(f.JPEG); err != nil {
			aw.Close()
			os.Remove(path)
			return nil, fmt.Errorf("encode clip %s: %w", name, err)
		}
	}
	if err := aw.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("finalize clip %s: %w", name, err)
	}

	sum, size, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("hash clip %s: %w", name, err)
	}

	first := frames[0].Timestamp
	last := frames[len(frames)-1].Timestamp
	clip := &model.ExtractedClip{
		FilePath:   path,
		Start:      first,
		End:        last,
		Duration:   last.Sub(first),
		FrameCount: len(frames),
		SHA256:     sum,
		SizeBytes:  size,
	}
	e.counters.IncClips()
	if e.logger != nil {
		e.logger.Info("evidence clip written",
			"file", name,
			"frames", clip.FrameCount,
			"fps", fps,
			"bytes", size,
		)
	}
	return clip, nil
}

// ExtractMultipleEvents merges event timestamps closer than mergeThreshold
// into single windows before cutting, so clustered triggers do not produce
// many overlapping clips.
func (e *Extractor) ExtractMultipleEvents(times []time.Time, padding, mergeThreshold time.Duration, label string) ([]*model.ExtractedClip, error) {
	if len(times) == 0 {
		return nil, nil
	}
	sorted := append([]time.Time(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	type window struct{ start, end time.Time }
	merged := []window{{start: sorted[0], end: sorted[0]}}
	for _, t := range sorted[1:] {
		last := &merged[len(merged)-1]
		if t.Sub(last.end) < mergeThreshold {
			last.end = t
			continue
		}
		merged = append(merged, window{start: t, end: t})
	}

	out := make([]*model.ExtractedClip, 0, len(merged))
	for _, w := range merged {
		clip, err := e.Extract(w.start, w.end, padding, label)
		if err != nil {
			return out, err
		}
		if clip != nil {
			out = append(out, clip)
		}
	}
	return out, nil
}

func windowCovered(c *model.ExtractedClip, start, end time.Time) bool {
	return !start.After(c.End) && !c.Start.After(end)
}

// actualFPS derives the playback rate from frame timestamps rather than a
// configured constant, so irregular capture cadence does not drift the clip.
func actualFPS(frames []model.BufferedFrame, min, max int) int {
	if len(frames) < 2 {
		return min
	}
	span := frames[len(frames)-1].Timestamp.Sub(frames[0].Timestamp).Seconds()
	if span <= 0 {
		return min
	}
	fps := int(math.Round(float64(len(frames)-1) / span))
	if fps < min {
		fps = min
	}
	if fps > max {
		fps = max
	}
	return fps
}

func fileName(attemptID string, ts time.Time, label string) string {
	attempt := attemptID
	if attempt == "" {
		attempt = "unknown"
	}
	if len(attempt) > 8 {
		attempt = attempt[:8]
	}
	return fmt.Sprintf("evidence_%s_%s_%s.avi", attempt, ts.UTC().Format("20060102_150405"), sanitizeLabel(label))
}

func sanitizeLabel(label string) string {
	if label == "" {
		return "event"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
