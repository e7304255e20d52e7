package buffer

import (
	"sync"
	"time"

	"examguard/internal/model"
)

// Buffer is the bounded rolling store of recent frames and audio chunks.
// One camera producer and one audio producer write; the clip extractor
// reads. A single mutex guards both rings. Payload bytes are copied on
// insert and on read-out so no caller ever shares memory with the buffer.
type Buffer struct {
	mu sync.Mutex

	frames   []model.BufferedFrame
	head     int
	count    int
	capacity int
	seq      uint64

	audio      []model.AudioChunk
	audioHead  int
	audioCount int
	audioCap   int
}

func New(frameCapacity, audioCapacity int) *Buffer {
	if frameCapacity <= 0 {
		frameCapacity = 1
	}
	if audioCapacity <= 0 {
		audioCapacity = 1
	}
	return &Buffer{
		frames:   make([]model.BufferedFrame, frameCapacity),
		capacity: frameCapacity,
		audio:    make([]model.AudioChunk, audioCapacity),
		audioCap: audioCapacity,
	}
}

// Capacity returns the fixed frame capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

func (b *Buffer) AddFrame(jpeg []byte, width, height int, ts time.Time) {
	cp := make([]byte, len(jpeg))
	copy(cp, jpeg)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	frame := model.BufferedFrame{
		JPEG:      cp,
		Width:     width,
		Height:    height,
		Timestamp: ts,
		Seq:       b.seq,
	}
	if b.count < b.capacity {
		b.frames[(b.head+b.count)%b.capacity] = frame
		b.count++
		return
	}
	// Full: overwrite the oldest slot.
	b.frames[b.head] = frame
	b.head = (b.head + 1) % b.capacity
}

func (b *Buffer) AddAudio(pcm []byte, ts time.Time, speechProb float64) {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)

	b.mu.Lock()
	defer b.mu.Unlock()
	chunk := model.AudioChunk{PCM: cp, Timestamp: ts, SpeechProbability: speechProb}
	if b.audioCount < b.audioCap {
		b.audio[(b.audioHead+b.audioCount)%b.audioCap] = chunk
		b.audioCount++
		return
	}
	b.audio[b.audioHead] = chunk
	b.audioHead = (b.audioHead + 1) % b.audioCap
}

// FramesInRange returns copies of frames with start <= ts <= end in
// ascending timestamp order. Empty result when nothing matches.
func (b *Buffer) FramesInRange(start, end time.Time) []model.BufferedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.BufferedFrame, 0)
	for i := 0; i < b.count; i++ {
		f := b.frames[(b.head+i)%b.capacity]
		if f.Timestamp.Before(start) || f.Timestamp.After(end) {
			continue
		}
		out = append(out, copyFrame(f))
	}
	return out
}

func (b *Buffer) FramesAround(center time.Time, padding time.Duration) []model.BufferedFrame {
	return b.FramesInRange(center.Add(-padding), center.Add(padding))
}

// LatestFrame returns a copy of the newest frame, or nil when empty.
func (b *Buffer) LatestFrame() *model.BufferedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	f := copyFrame(b.frames[(b.head+b.count-1)%b.capacity])
	return &f
}

func (b *Buffer) AudioInRange(start, end time.Time) []model.AudioChunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.AudioChunk, 0)
	for i := 0; i < b.audioCount; i++ {
		c := b.audio[(b.audioHead+i)%b.audioCap]
		if c.Timestamp.Before(start) || c.Timestamp.After(end) {
			continue
		}
		cp := make([]byte, len(c.PCM))
		copy(cp, c.PCM)
		out = append(out, model.AudioChunk{PCM: cp, Timestamp: c.Timestamp, SpeechProbability: c.SpeechProbability})
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) AudioLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audioCount
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.count = 0, 0
	b.audioHead, b.audioCount = 0, 0
}

func copyFrame(f model.BufferedFrame) model.BufferedFrame {
	cp := make([]byte, len(f.JPEG))
	copy(cp, f.JPEG)
	f.JPEG = cp
	return f
}
