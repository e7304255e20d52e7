package uploader

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"examguard/internal/model"
)

// RecordSink lands analysis payloads in the remote review store, one table
// per queue target.
type RecordSink interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, table string, payload []byte) error
	Close() error
}

type postgresSink struct {
	db *sql.DB
}

func NewPostgresSink(dsn string) (RecordSink, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/examguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &postgresSink{db: db}, nil
}

func (p *postgresSink) Init(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exam_analysis (
			id BIGSERIAL PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			exam_id TEXT NOT NULL,
			lab_id TEXT,
			student_name TEXT,
			hall_ticket TEXT,
			severity TEXT NOT NULL,
			event_type TEXT NOT NULL,
			description TEXT NOT NULL,
			telemetry_data JSONB,
			storage_url TEXT,
			review_status TEXT,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exam_analysis_attempt ON exam_analysis(attempt_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exam_analysis_occurred ON exam_analysis(occurred_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *postgresSink) Insert(ctx context.Context, table string, payload []byte) error {
	if p.db == nil {
		return nil
	}
	if !validTable(table) {
		return fmt.Errorf("invalid target table %q", table)
	}
	var rec model.AnalysisRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("decode payload for %s: %w", table, err)
	}
	telemetryJSON, _ := json.Marshal(rec.Telemetry)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+table+` (attempt_id, student_id, exam_id, lab_id, student_name, hall_ticket,
			severity, event_type, description, telemetry_data, storage_url, review_status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.AttemptID,
		rec.StudentID,
		rec.ExamID,
		rec.LabID,
		rec.StudentName,
		rec.HallTicket,
		rec.Severity,
		rec.EventType,
		rec.Description,
		string(telemetryJSON),
		rec.StorageURL,
		rec.ReviewStatus,
		rec.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (p *postgresSink) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// validTable restricts targets to plain identifiers; table names cannot be
// bound as statement parameters.
func validTable(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}
