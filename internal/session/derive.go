package session

import (
	"examguard/internal/model"
)

// motionThreshold gates the raw 0..1 motion level into an
// excessive_movement event.
const motionThreshold = 0.8

// DeriveEvents maps one frame's detector flags onto detection events. Every
// signal is a full per-frame snapshot, so face absence is the inverted
// presence flag; detectors the sidecar does not run leave their flags false
// and simply produce no events.
func DeriveEvents(sig model.FrameSignals) []model.DetectionEvent {
	ts := sig.Timestamp
	out := make([]model.DetectionEvent, 0, 4)

	if !sig.FacePresent {
		out = append(out, model.DetectionEvent{Type: model.EventFaceAbsent, Timestamp: ts, Confidence: 0.9})
	}
	if sig.MultipleFaces {
		out = append(out, model.DetectionEvent{Type: model.EventMultipleFaces, Timestamp: ts, Confidence: 0.9})
	}
	if sig.PhoneDetected {
		out = append(out, model.DetectionEvent{Type: model.EventPhone, Timestamp: ts})
	}
	if sig.BookDetected {
		out = append(out, model.DetectionEvent{Type: model.EventBook, Timestamp: ts})
	}
	if sig.SuspiciousObject {
		out = append(out, model.DetectionEvent{Type: model.EventSuspicious, Timestamp: ts})
	}
	if sig.HeadOrientationIssue {
		ev := model.DetectionEvent{Type: model.EventHeadRotation, Timestamp: ts}
		if sig.HeadDirection != "" {
			ev.Details = map[string]string{"direction": sig.HeadDirection}
		}
		out = append(out, ev)
	}
	if sig.GazeDeviation {
		ev := model.DetectionEvent{Type: model.EventGazeAway, Timestamp: ts}
		if sig.GazeDirection != "" {
			ev.Details = map[string]string{"direction": sig.GazeDirection}
		}
		out = append(out, ev)
	}
	if sig.AudioSpike {
		out = append(out, model.DetectionEvent{Type: model.EventAudioSpike, Timestamp: ts, Confidence: sig.SpeechProbability})
	}
	if sig.MultipleVoices {
		out = append(out, model.DetectionEvent{Type: model.EventMultiVoice, Timestamp: ts, Confidence: sig.SpeechProbability})
	}
	if sig.AppSwitch {
		out = append(out, model.DetectionEvent{Type: model.EventAppSwitch, Timestamp: ts})
	}
	if sig.PersonSwap {
		out = append(out, model.DetectionEvent{Type: model.EventPersonSwap, Timestamp: ts})
	}
	if sig.Impersonation {
		out = append(out, model.DetectionEvent{Type: model.EventImpersonation, Timestamp: ts})
	}
	if sig.MotionLevel >= motionThreshold {
		out = append(out, model.DetectionEvent{Type: model.EventMovement, Timestamp: ts, Confidence: sig.MotionLevel})
	}
	return out
}

// clearedConditions lists duration-tracked conditions whose flag is inactive
// this frame. Head rotation is absent on purpose: only a direction change
// resets its tracking, matching the rule in the classifier.
func clearedConditions(sig model.FrameSignals) []model.EventType {
	var out []model.EventType
	if sig.FacePresent && !sig.MultipleFaces {
		out = append(out, model.EventFaceAbsent)
	}
	if !sig.GazeDeviation {
		out = append(out, model.EventGazeAway)
	}
	return out
}
