package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"examguard/internal/model"
)

// DecodeSignals parses one sidecar payload. The perception process emits a
// single JSON object per line, or a JSON array when it batches frames.
// Signals without a timestamp are stamped with the arrival time so
// downstream windows never see a zero time.
func DecodeSignals(data []byte) ([]model.FrameSignals, error) {
	trim := bytesTrim(data)
	if len(trim) == 0 {
		return nil, errors.New("empty payload")
	}
	if trim[0] == '[' {
		var batch []model.FrameSignals
		if err := json.Unmarshal(trim, &batch); err != nil {
			return nil, fmt.Errorf("decode signal batch: %w", err)
		}
		for i := range batch {
			stampTime(&batch[i])
		}
		return batch, nil
	}
	var sig model.FrameSignals
	if err := json.Unmarshal(trim, &sig); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	stampTime(&sig)
	return []model.FrameSignals{sig}, nil
}

func stampTime(sig *model.FrameSignals) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
		return
	}
	sig.Timestamp = sig.Timestamp.UTC()
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
