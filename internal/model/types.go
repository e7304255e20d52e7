package model

import (
	"strings"
	"time"
)

type EventType string

const (
	EventHeadRotation  EventType = "head_rotation"
	EventFaceAbsent    EventType = "face_absent"
	EventGazeAway      EventType = "gaze_away"
	EventPhone         EventType = "phone_detected"
	EventBook          EventType = "book_detected"
	EventMultipleFaces EventType = "multiple_faces"
	EventSuspicious    EventType = "suspicious_object"
	EventMultiVoice    EventType = "multiple_voices"
	EventAppSwitch     EventType = "application_switch"
	EventPersonSwap    EventType = "person_swap"
	EventImpersonation EventType = "impersonation_suspected"
	EventMovement      EventType = "excessive_movement"
	EventAudioSpike    EventType = "audio_spike"
)

// DetectionEvent is a single detector observation. Immutable after creation.
type DetectionEvent struct {
	Type       EventType         `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Confidence float64           `json:"confidence"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// FrameSignals is the per-frame output of the perception sidecar, decoded
// at the ingest boundary. Absent detectors leave their fields at zero
// values; the pipeline must behave correctly with partial inputs.
type FrameSignals struct {
	Timestamp            time.Time         `json:"timestamp"`
	FacePresent          bool              `json:"face_present"`
	MultipleFaces        bool              `json:"multiple_faces"`
	PhoneDetected        bool              `json:"phone_detected"`
	BookDetected         bool              `json:"book_detected"`
	SuspiciousObject     bool              `json:"suspicious_object"`
	GazeDeviation        bool              `json:"gaze_deviation"`
	GazeDirection        string            `json:"gaze_direction,omitempty"`
	HeadOrientationIssue bool              `json:"head_orientation_issue"`
	HeadDirection        string            `json:"head_direction,omitempty"`
	AudioSpike           bool              `json:"audio_spike"`
	SpeechProbability    float64           `json:"speech_probability"`
	MultipleVoices       bool              `json:"multiple_voices"`
	MotionLevel          float64           `json:"motion_level"`
	AppSwitch            bool              `json:"application_switch"`
	PersonSwap           bool              `json:"person_swap"`
	Impersonation        bool              `json:"impersonation_suspected"`
	Source               string            `json:"source,omitempty"`
	Extras               map[string]string `json:"extras,omitempty"`

	// Optional embedded media. FrameJPEG is base64 on the wire; when set the
	// frame is copied into the rolling buffer before the signals are
	// processed. AudioPCM likewise feeds the audio ring.
	FrameJPEG   []byte `json:"frame_jpeg,omitempty"`
	FrameWidth  int    `json:"frame_width,omitempty"`
	FrameHeight int    `json:"frame_height,omitempty"`
	AudioPCM    []byte `json:"audio_pcm,omitempty"`
}

// Violation is a classified instance of suspicious behavior. The classifier
// never re-emits the same Type inside the debounce window.
type Violation struct {
	Type          string           `json:"type"`
	Severity      int              `json:"severity"`
	Description   string           `json:"description"`
	SourceEvents  []DetectionEvent `json:"source_events,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
	EvidenceStart time.Time        `json:"evidence_start,omitempty"`
	EvidenceEnd   time.Time        `json:"evidence_end,omitempty"`
}

type Band string

const (
	BandLow      Band = "low"
	BandMedium   Band = "medium"
	BandHigh     Band = "high"
	BandCritical Band = "critical"
)

// RiskState is the decaying 0..100 aggregate for one exam attempt.
type RiskState struct {
	Score       float64   `json:"score"`
	SessionPeak float64   `json:"session_peak"`
	LastDecay   time.Time `json:"last_decay"`
}

// BufferedFrame lives only inside the rolling buffer. JPEG bytes are copied
// on insert and on read-out so producers and consumers never share memory.
type BufferedFrame struct {
	JPEG      []byte
	Width     int
	Height    int
	Timestamp time.Time
	Seq       uint64
}

type AudioChunk struct {
	PCM               []byte
	Timestamp         time.Time
	SpeechProbability float64
}

// ExtractedClip describes one encoded evidence artifact. SHA256 is the hash
// of the file bytes on disk, never of any intermediate representation.
type ExtractedClip struct {
	FilePath   string        `json:"file_path"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Duration   time.Duration `json:"duration"`
	FrameCount int           `json:"frame_count"`
	SHA256     string        `json:"sha256"`
	SizeBytes  int64         `json:"size_bytes"`
}

type QueueStatus string

const (
	StatusPending   QueueStatus = "pending"
	StatusUploading QueueStatus = "uploading"
	StatusSuccess   QueueStatus = "success"
	StatusFailed    QueueStatus = "failed"
)

// QueueItem is one durable upload record. Lifecycle:
// pending -> uploading -> success, or uploading -> failed -> pending until
// attempts reaches the cap, after which failed is permanent.
type QueueItem struct {
	ID        int64       `json:"id"`
	Target    string      `json:"target"`
	Payload   []byte      `json:"payload"`
	FilePath  string      `json:"file_path,omitempty"`
	SHA256    string      `json:"sha256"`
	Status    QueueStatus `json:"status"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// AnalysisRecord is the structured payload shipped to the remote review
// store, for both periodic heartbeats and incident records.
type AnalysisRecord struct {
	AttemptID    string         `json:"attempt_id"`
	StudentID    string         `json:"student_id"`
	ExamID       string         `json:"exam_id"`
	LabID        string         `json:"lab_id,omitempty"`
	StudentName  string         `json:"student_name,omitempty"`
	HallTicket   string         `json:"hall_ticket,omitempty"`
	Severity     string         `json:"severity"`
	EventType    string         `json:"event_type"`
	Description  string         `json:"description"`
	Telemetry    map[string]any `json:"telemetry_data,omitempty"`
	StorageURL   string         `json:"storage_url,omitempty"`
	ReviewStatus string         `json:"review_status,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

type Heartbeat struct {
	Score  float64   `json:"risk_score"`
	Band   Band      `json:"band"`
	Events []string  `json:"events"`
	At     time.Time `json:"at"`
}

// ObjectClasses are detections that need third-party confirmation before
// they carry full risk weight.
var ObjectClasses = map[EventType]bool{
	EventPhone:         true,
	EventBook:          true,
	EventMultipleFaces: true,
	EventSuspicious:    true,
	EventImpersonation: true,
}

var incidentLabels = map[string]string{
	string(EventFaceAbsent):    "CANDIDATE_ABSENT",
	string(EventPhone):         "VERIFIED_MOBILE_PHONE",
	string(EventBook):          "VERIFIED_BOOK_MATERIAL",
	string(EventMultipleFaces): "VERIFIED_MULTIPLE_FACES",
	string(EventSuspicious):    "VERIFIED_SUSPICIOUS_OBJECT",
	string(EventImpersonation): "VERIFIED_IMPERSONATION",
}

// IncidentLabel maps a violation type to the event_type string used on
// durable incident records.
func IncidentLabel(violationType string) string {
	if label, ok := incidentLabels[violationType]; ok {
		return label
	}
	return strings.ToUpper(violationType)
}
