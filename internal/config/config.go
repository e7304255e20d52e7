package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	DataDir    string           `json:"data_dir" yaml:"data_dir"`
	Session    SessionConfig    `json:"session" yaml:"session"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Buffer     BufferConfig     `json:"buffer" yaml:"buffer"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Risk       RiskConfig       `json:"risk" yaml:"risk"`
	Clip       ClipConfig       `json:"clip" yaml:"clip"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Uploader   UploaderConfig   `json:"uploader" yaml:"uploader"`
	Confirm    ConfirmConfig    `json:"confirm" yaml:"confirm"`
	API        APIConfig        `json:"api" yaml:"api"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
}

type SessionConfig struct {
	AttemptID   string `json:"attempt_id" yaml:"attempt_id"`
	StudentID   string `json:"student_id" yaml:"student_id"`
	ExamID      string `json:"exam_id" yaml:"exam_id"`
	LabID       string `json:"lab_id" yaml:"lab_id"`
	StudentName string `json:"student_name" yaml:"student_name"`
	HallTicket  string `json:"hall_ticket" yaml:"hall_ticket"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type BufferConfig struct {
	RetentionMinutes     int `json:"retention_minutes" yaml:"retention_minutes"`
	FPS                  int `json:"fps" yaml:"fps"`
	AudioChunksPerSecond int `json:"audio_chunks_per_second" yaml:"audio_chunks_per_second"`
}

type ClassifierConfig struct {
	Debounce             time.Duration `json:"debounce" yaml:"debounce"`
	FrequencyThreshold   int           `json:"frequency_threshold" yaml:"frequency_threshold"`
	FrequencyWindow      time.Duration `json:"frequency_window" yaml:"frequency_window"`
	BurstThreshold       int           `json:"burst_threshold" yaml:"burst_threshold"`
	BurstWindow          time.Duration `json:"burst_window" yaml:"burst_window"`
	HeadRotationDuration time.Duration `json:"head_rotation_duration" yaml:"head_rotation_duration"`
	FaceAbsentDuration   time.Duration `json:"face_absent_duration" yaml:"face_absent_duration"`
	GazeAwayDuration     time.Duration `json:"gaze_away_duration" yaml:"gaze_away_duration"`
	CombinedWindow       time.Duration `json:"combined_window" yaml:"combined_window"`
	CombinedDistinct     int           `json:"combined_distinct" yaml:"combined_distinct"`
	EventRing            int           `json:"event_ring" yaml:"event_ring"`
}

type RiskConfig struct {
	DecayPerSecond    float64            `json:"decay_per_second" yaml:"decay_per_second"`
	PendingBump       float64            `json:"pending_bump" yaml:"pending_bump"`
	ConfirmInterval   time.Duration      `json:"confirm_interval" yaml:"confirm_interval"`
	ConfirmTTL        time.Duration      `json:"confirm_ttl" yaml:"confirm_ttl"`
	EvidenceCooldown  time.Duration      `json:"evidence_cooldown" yaml:"evidence_cooldown"`
	IncidentCooldown  time.Duration      `json:"incident_cooldown" yaml:"incident_cooldown"`
	HeartbeatInterval time.Duration      `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HighSeverity      int                `json:"high_severity" yaml:"high_severity"`
	Bands             BandsConfig        `json:"bands" yaml:"bands"`
	Weights           map[string]float64 `json:"weights" yaml:"weights"`
}

type BandsConfig struct {
	Medium   float64 `json:"medium" yaml:"medium"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

type ClipConfig struct {
	Dir            string        `json:"dir" yaml:"dir"`
	Padding        time.Duration `json:"padding" yaml:"padding"`
	MergeThreshold time.Duration `json:"merge_threshold" yaml:"merge_threshold"`
	ReuseWindow    time.Duration `json:"reuse_window" yaml:"reuse_window"`
	MinFPS         int           `json:"min_fps" yaml:"min_fps"`
	MaxFPS         int           `json:"max_fps" yaml:"max_fps"`
}

type QueueConfig struct {
	Path        string `json:"path" yaml:"path"`
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	CleanupDays int    `json:"cleanup_days" yaml:"cleanup_days"`
}

type UploaderConfig struct {
	Enabled           bool           `json:"enabled" yaml:"enabled"`
	MinBackoff        time.Duration  `json:"min_backoff" yaml:"min_backoff"`
	MaxBackoff        time.Duration  `json:"max_backoff" yaml:"max_backoff"`
	BackoffFactor     float64        `json:"backoff_factor" yaml:"backoff_factor"`
	IdleInterval      time.Duration  `json:"idle_interval" yaml:"idle_interval"`
	DeleteAfterUpload bool           `json:"delete_after_upload" yaml:"delete_after_upload"`
	S3                S3Config       `json:"s3" yaml:"s3"`
	Postgres          PostgresConfig `json:"postgres" yaml:"postgres"`
}

type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Prefix   string `json:"prefix" yaml:"prefix"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type ConfirmConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	// AdminAllow lists addresses or CIDR blocks permitted to call the
	// /admin endpoints. Loopback is always permitted.
	AdminAllow []string `json:"admin_allow,omitempty" yaml:"admin_allow,omitempty"`
}

type TelemetryConfig struct {
	ViolationStoreLimit int `json:"violation_store_limit" yaml:"violation_store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		DataDir:  "examguard-data",
		Ingest: IngestConfig{
			ChannelBuffer: 4096,
			REST:          RESTConfig{Enabled: true, Addr: ":8750"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":8751"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Buffer: BufferConfig{
			RetentionMinutes:     10,
			FPS:                  15,
			AudioChunksPerSecond: 10,
		},
		Classifier: ClassifierConfig{
			Debounce:             30 * time.Second,
			FrequencyThreshold:   8,
			FrequencyWindow:      5 * time.Minute,
			BurstThreshold:       4,
			BurstWindow:          30 * time.Second,
			HeadRotationDuration: 8 * time.Second,
			FaceAbsentDuration:   10 * time.Second,
			GazeAwayDuration:     5 * time.Second,
			CombinedWindow:       10 * time.Minute,
			CombinedDistinct:     5,
			EventRing:            1000,
		},
		Risk: RiskConfig{
			DecayPerSecond:    0.5,
			PendingBump:       2.0,
			ConfirmInterval:   4 * time.Second,
			ConfirmTTL:        15 * time.Second,
			EvidenceCooldown:  3 * time.Second,
			IncidentCooldown:  15 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			HighSeverity:      7,
			Bands:             BandsConfig{Medium: 15, High: 45, Critical: 75},
			Weights:           DefaultWeights(),
		},
		Clip: ClipConfig{
			Padding:        5 * time.Second,
			MergeThreshold: 10 * time.Second,
			ReuseWindow:    15 * time.Second,
			MinFPS:         1,
			MaxFPS:         60,
		},
		Queue: QueueConfig{
			MaxAttempts: 5,
			CleanupDays: 7,
		},
		Uploader: UploaderConfig{
			Enabled:       true,
			MinBackoff:    1 * time.Second,
			MaxBackoff:    300 * time.Second,
			BackoffFactor: 2.0,
			IdleInterval:  5 * time.Second,
			S3:            S3Config{Bucket: "evidence", Prefix: "clips"},
		},
		Confirm: ConfirmConfig{Enabled: false, Timeout: 10 * time.Second},
		API:     APIConfig{Enabled: true, Addr: ":8752"},
		Telemetry: TelemetryConfig{
			ViolationStoreLimit: 1000,
		},
	}
}

// DefaultWeights is the violation-type point table. Object classes carry
// their full weight only after third-party confirmation.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"phone_detected":              100,
		"person_swap":                 95,
		"application_switch":          90,
		"combined_pattern":            90,
		"impersonation_suspected":     85,
		"multiple_faces":              80,
		"multiple_voices":             60,
		"face_absent":                 50,
		"book_detected":               40,
		"suspicious_object":           40,
		"frequent_head_rotation":      30,
		"burst_head_rotation":         25,
		"high_duration_head_rotation": 25,
		"excessive_movement":          20,
		"gaze_away":                   15,
		"audio_spike":                 5,
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "examguard-data"
	}
	if cfg.Clip.Dir == "" {
		cfg.Clip.Dir = filepath.Join(cfg.DataDir, "evidence")
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(cfg.DataDir, "queue.db")
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 4096
	}
	if cfg.Buffer.AudioChunksPerSecond <= 0 {
		cfg.Buffer.AudioChunksPerSecond = 10
	}
	if cfg.Classifier.EventRing <= 0 {
		cfg.Classifier.EventRing = 1000
	}
	if len(cfg.Risk.Weights) == 0 {
		cfg.Risk.Weights = DefaultWeights()
	}
	if cfg.Risk.HighSeverity <= 0 {
		cfg.Risk.HighSeverity = 7
	}
	if cfg.Clip.MinFPS <= 0 {
		cfg.Clip.MinFPS = 1
	}
	if cfg.Clip.MaxFPS <= 0 {
		cfg.Clip.MaxFPS = 60
	}
	if cfg.Telemetry.ViolationStoreLimit <= 0 {
		cfg.Telemetry.ViolationStoreLimit = 1000
	}
	if cfg.Uploader.BackoffFactor <= 0 {
		cfg.Uploader.BackoffFactor = 2.0
	}
	if cfg.Uploader.MinBackoff <= 0 {
		cfg.Uploader.MinBackoff = 1 * time.Second
	}
	if cfg.Uploader.MaxBackoff <= 0 {
		cfg.Uploader.MaxBackoff = 300 * time.Second
	}
	if cfg.Uploader.IdleInterval <= 0 {
		cfg.Uploader.IdleInterval = 5 * time.Second
	}
	if cfg.Confirm.Timeout <= 0 {
		cfg.Confirm.Timeout = 10 * time.Second
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	for _, v := range cfg.API.AdminAllow {
		s := strings.TrimSpace(v)
		if s == "" {
			continue
		}
		if _, err := netip.ParsePrefix(s); err != nil {
			if _, err := netip.ParseAddr(s); err != nil {
				return fmt.Errorf("api.admin_allow entry %q is not an address or CIDR block", v)
			}
		}
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Buffer.RetentionMinutes <= 0 {
		return errors.New("buffer.retention_minutes must be > 0")
	}
	if cfg.Buffer.FPS <= 0 {
		return errors.New("buffer.fps must be > 0")
	}
	if cfg.Classifier.Debounce <= 0 {
		return errors.New("classifier.debounce must be > 0")
	}
	if cfg.Classifier.FrequencyThreshold <= 0 || cfg.Classifier.BurstThreshold <= 0 {
		return errors.New("classifier thresholds must be > 0")
	}
	if cfg.Risk.DecayPerSecond < 0 {
		return errors.New("risk.decay_per_second must be >= 0")
	}
	b := cfg.Risk.Bands
	if !(b.Medium > 0 && b.Medium < b.High && b.High < b.Critical) {
		return fmt.Errorf("risk.bands must satisfy 0 < medium < high < critical, got %v/%v/%v", b.Medium, b.High, b.Critical)
	}
	for name, w := range cfg.Risk.Weights {
		if w < 0 {
			return fmt.Errorf("risk.weights[%s] must be >= 0", name)
		}
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be > 0")
	}
	if cfg.Uploader.BackoffFactor < 1 {
		return errors.New("uploader.backoff_factor must be >= 1")
	}
	if cfg.Uploader.MinBackoff > cfg.Uploader.MaxBackoff {
		return errors.New("uploader.min_backoff must be <= uploader.max_backoff")
	}
	if cfg.Confirm.Enabled && cfg.Confirm.URL == "" {
		return errors.New("confirm.url required when confirm.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewManagerFromConfig wraps an already-built config, for sessions started
// without a config file on disk.
func NewManagerFromConfig(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return nil, errors.New("no config file to reload")
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
