package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/queue"
	"examguard/internal/telemetry"
)

// Uploader is the single consumer of the durable queue. Per item: verify
// the evidence hash against the bytes on disk, ship the file to object
// storage, land the payload in the review store, mark the item done.
// Hash mismatches fail permanently and are never uploaded.
type Uploader struct {
	logger   *slog.Logger
	cfg      atomic.Value // *config.Config
	queue    *queue.Queue
	store    ObjectStore
	sink     RecordSink
	counters *telemetry.Counters

	stop chan struct{}
	done chan struct{}
}

func New(cfg *config.Config, logger *slog.Logger, q *queue.Queue, store ObjectStore, sink RecordSink, counters *telemetry.Counters) *Uploader {
	u := &Uploader{
		logger:   logger,
		queue:    q,
		store:    store,
		sink:     sink,
		counters: counters,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	u.cfg.Store(cfg)
	return u
}

func (u *Uploader) UpdateConfig(cfg *config.Config) { u.cfg.Store(cfg) }

func (u *Uploader) config() *config.Config { return u.cfg.Load().(*config.Config) }

// Run drains the queue until Stop is called or ctx is cancelled. Transient
// failures back off exponentially; the delay resets on the next success.
func (u *Uploader) Run(ctx context.Context) {
	defer close(u.done)
	delay := u.config().Uploader.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.stop:
			return
		default:
		}

		item, err := u.queue.Dequeue(ctx)
		if err != nil {
			if u.logger != nil {
				u.logger.Error("queue dequeue failed", "error", err)
			}
			if !u.sleep(ctx, delay) {
				return
			}
			delay = u.nextDelay(delay)
			continue
		}
		if item == nil {
			cfg := u.config()
			n, err := u.queue.RetryFailed(ctx, cfg.Queue.MaxAttempts)
			if err != nil {
				if u.logger != nil {
					u.logger.Error("retry sweep failed", "error", err)
				}
			} else if n > 0 {
				if u.logger != nil {
					u.logger.Info("recycled failed uploads", "count", n)
				}
				continue
			}
			if !u.sleep(ctx, cfg.Uploader.IdleInterval) {
				return
			}
			continue
		}

		if err := u.process(ctx, item); err != nil {
			u.counters.IncUploadFailed()
			if markErr := u.queue.MarkFailed(ctx, item.ID, err); markErr != nil && u.logger != nil {
				u.logger.Error("mark failed", "id", item.ID, "error", markErr)
			}
			if errors.Is(err, queue.ErrIntegrity) {
				if u.logger != nil {
					u.logger.Error("evidence integrity failure", "id", item.ID, "file", item.FilePath, "error", err)
				}
				continue
			}
			if u.logger != nil {
				u.logger.Warn("upload failed", "id", item.ID, "attempts", item.Attempts+1, "error", err)
			}
			if !u.sleep(ctx, delay) {
				return
			}
			delay = u.nextDelay(delay)
			continue
		}

		if err := u.queue.MarkSuccess(ctx, item.ID); err != nil && u.logger != nil {
			u.logger.Error("mark success", "id", item.ID, "error", err)
		}
		u.counters.IncUploadOK()
		delay = u.config().Uploader.MinBackoff
		if u.logger != nil {
			u.logger.Info("upload complete", "id", item.ID, "target", item.Target)
		}
		u.removeAfterUpload(item)
	}
}

// Stop ends the loop and waits for the in-flight item to finish. Call only
// after Run has been started.
func (u *Uploader) Stop() {
	select {
	case <-u.stop:
	default:
		close(u.stop)
	}
	<-u.done
}

func (u *Uploader) process(ctx context.Context, item *model.QueueItem) error {
	payload := item.Payload
	if item.FilePath != "" {
		sum, _, err := hashFile(item.FilePath)
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", queue.ErrIntegrity, item.FilePath, err)
		}
		if sum != item.SHA256 {
			return fmt.Errorf("%w: on-disk sha256 %s does not match recorded %s", queue.ErrIntegrity, sum, item.SHA256)
		}
		url, err := u.putFile(ctx, item)
		if err != nil {
			return err
		}
		if url != "" {
			payload = mergeStorageURL(payload, url)
		}
	}
	if u.sink != nil {
		if err := u.sink.Insert(ctx, item.Target, payload); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	return nil
}

func (u *Uploader) putFile(ctx context.Context, item *model.QueueItem) (string, error) {
	if u.store == nil {
		return "", nil
	}
	f, err := os.Open(item.FilePath)
	if err != nil {
		return "", fmt.Errorf("open evidence: %w", err)
	}
	defer f.Close()

	var rec model.AnalysisRecord
	_ = json.Unmarshal(item.Payload, &rec)
	attempt := rec.AttemptID
	if attempt == "" {
		attempt = "unknown"
	}
	key := path.Join(u.config().Uploader.S3.Prefix, attempt, filepath.Base(item.FilePath))
	url, err := u.store.Put(ctx, key, "video/x-msvideo", f)
	if err != nil {
		return "", fmt.Errorf("store evidence: %w", err)
	}
	return url, nil
}

// mergeStorageURL rewrites the payload with the storage location filled in.
// The queue row itself stays untouched.
func mergeStorageURL(payload []byte, url string) []byte {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil || doc == nil {
		return payload
	}
	doc["storage_url"] = url
	merged, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return merged
}

func (u *Uploader) removeAfterUpload(item *model.QueueItem) {
	if item.FilePath == "" || !u.config().Uploader.DeleteAfterUpload {
		return
	}
	if err := os.Remove(item.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		if u.logger != nil {
			u.logger.Warn("remove uploaded evidence", "file", item.FilePath, "error", err)
		}
	}
}

func (u *Uploader) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-u.stop:
		return false
	case <-t.C:
		return true
	}
}

func (u *Uploader) nextDelay(delay time.Duration) time.Duration {
	cfg := u.config().Uploader
	next := time.Duration(float64(delay) * cfg.BackoffFactor)
	if next > cfg.MaxBackoff {
		next = cfg.MaxBackoff
	}
	if next < cfg.MinBackoff {
		next = cfg.MinBackoff
	}
	return next
}

// hashFile re-derives the hash from the bytes on disk. Verification must
// never trust the payload copy.
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
