package queue

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"examguard/internal/model"
)

// ErrIntegrity marks an item whose attached file no longer matches the hash
// recorded at enqueue time. Such items fail permanently and are excluded
// from every retry sweep.
var ErrIntegrity = errors.New("evidence integrity check failed")

const integrityPrefix = "integrity: "

// timeLayout keeps a fixed-width fraction so string order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const itemColumns = `id, target, payload, file_path, sha256, status, attempts, last_error, created_at, updated_at`

// Queue is the crash-safe local store of records pending remote delivery.
// Rows transition pending -> uploading -> success, or uploading -> failed ->
// pending on retry until attempts reaches the cap.
type Queue struct {
	db    *sql.DB
	nowFn func() time.Time
}

func Open(path string) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		path = "examguard-queue.db"
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Queue{db: db, nowFn: time.Now}, nil
}

func (q *Queue) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS upload_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target TEXT NOT NULL,
			payload TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON upload_queue(status)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init queue schema: %w", err)
		}
	}
	return nil
}

func (q *Queue) Close() error {
	if q.db != nil {
		return q.db.Close()
	}
	return nil
}

// Enqueue records one upload. The stored hash is canonical: the file bytes
// when a file is attached, the payload bytes otherwise.
func (q *Queue) Enqueue(ctx context.Context, target string, payload []byte, filePath string) (int64, error) {
	if target == "" {
		return 0, errors.New("enqueue: empty target")
	}
	var sum string
	if filePath != "" {
		h, _, err := hashFile(filePath)
		if err != nil {
			return 0, fmt.Errorf("hash evidence file: %w", err)
		}
		sum = h
	} else {
		h := sha256.Sum256(payload)
		sum = hex.EncodeToString(h[:])
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO upload_queue (target, payload, file_path, sha256, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)`,
		target, string(payload), filePath, sum, string(model.StatusPending), now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", target, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", target, err)
	}
	return id, nil
}

// Dequeue claims the oldest pending item, flipping it to uploading in the
// same transaction. Returns (nil, nil) when nothing is pending.
func (q *Queue) Dequeue(ctx context.Context) (*model.QueueItem, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	item, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM upload_queue WHERE status = ? ORDER BY created_at, id LIMIT 1`,
		string(model.StatusPending)))
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE upload_queue SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusUploading), q.now(), item.ID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("dequeue claim %d: %w", item.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue commit: %w", err)
	}
	item.Status = model.StatusUploading
	return item, nil
}

func (q *Queue) MarkSuccess(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE upload_queue SET status = ?, last_error = '', updated_at = ? WHERE id = ?`,
		string(model.StatusSuccess), q.now(), id)
	if err != nil {
		return fmt.Errorf("mark success %d: %w", id, err)
	}
	return nil
}

// MarkFailed increments the attempt counter and records the cause. Causes
// wrapping ErrIntegrity are persisted with a prefix that RetryFailed
// never resets.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if errors.Is(cause, ErrIntegrity) && !strings.HasPrefix(msg, integrityPrefix) {
		msg = integrityPrefix + msg
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE upload_queue SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusFailed), msg, q.now(), id)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// RetryFailed resets failed items below the attempt cap back to pending,
// skipping integrity failures. Returns the number of items recycled.
func (q *Queue) RetryFailed(ctx context.Context, maxAttempts int) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE upload_queue SET status = ?, updated_at = ?
		WHERE status = ? AND attempts < ? AND last_error NOT LIKE ?`,
		string(model.StatusPending), q.now(),
		string(model.StatusFailed), maxAttempts, integrityPrefix+"%")
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ReconcileStale returns items stranded in uploading by a crash to pending.
// Call once on startup before the uploader runs.
func (q *Queue) ReconcileStale(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE upload_queue SET status = ?, updated_at = ? WHERE status = ?`,
		string(model.StatusPending), q.now(), string(model.StatusUploading))
	if err != nil {
		return 0, fmt.Errorf("reconcile stale uploads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CleanupOld purges success rows whose last update is older than the given
// number of days. Other statuses are never deleted here.
func (q *Queue) CleanupOld(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := q.nowFn().UTC().AddDate(0, 0, -days).Format(timeLayout)
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM upload_queue WHERE status = ? AND updated_at < ?`,
		string(model.StatusSuccess), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old uploads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (q *Queue) Counts(ctx context.Context) (map[model.QueueStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM upload_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[model.QueueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}

// Items lists queue rows newest first, optionally filtered by status.
func (q *Queue) Items(ctx context.Context, status model.QueueStatus, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = q.db.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM upload_queue ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = q.db.QueryContext(ctx,
			`SELECT `+itemColumns+` FROM upload_queue WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()
	var items []model.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (q *Queue) now() string {
	return q.nowFn().UTC().Format(timeLayout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.QueueItem, error) {
	var it model.QueueItem
	var payload, status, createdAt, updatedAt string
	if err := row.Scan(&it.ID, &it.Target, &payload, &it.FilePath, &it.SHA256,
		&status, &it.Attempts, &it.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	it.Payload = []byte(payload)
	it.Status = model.QueueStatus(status)
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	return &it, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
