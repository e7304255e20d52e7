package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"examguard/internal/model"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("init queue: %v", err)
	}
	return q
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, "exam_analysis", []byte(fmt.Sprintf(`{"n":%d}`, i)), "")
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	for i := 0; i < 3; i++ {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if item == nil {
			t.Fatalf("dequeue %d: expected an item", i)
		}
		if item.ID != ids[i] {
			t.Fatalf("dequeue %d: got id %d want %d", i, item.ID, ids[i])
		}
		if item.Status != model.StatusUploading {
			t.Fatalf("dequeue %d: status %q", i, item.Status)
		}
		if string(item.Payload) != fmt.Sprintf(`{"n":%d}`, i) {
			t.Fatalf("dequeue %d: payload %q", i, item.Payload)
		}
	}

	item, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if item != nil {
		t.Fatalf("expected empty queue, got item %d", item.ID)
	}
}

func TestEnqueueHashIsCanonical(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	payload := []byte(`{"event_type":"PERSON_SWAP"}`)
	id, err := q.Enqueue(ctx, "exam_analysis", payload, "")
	if err != nil {
		t.Fatalf("enqueue payload only: %v", err)
	}
	want := sha256.Sum256(payload)
	items, err := q.Items(ctx, "", 10)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if items[0].ID != id || items[0].SHA256 != hex.EncodeToString(want[:]) {
		t.Fatalf("payload hash not canonical: %+v", items[0])
	}

	// A file-attached item hashes the file bytes, never the payload.
	clipPath := filepath.Join(t.TempDir(), "clip.avi")
	clipBytes := []byte("RIFFxxxxAVI LIST")
	if err := os.WriteFile(clipPath, clipBytes, 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	id2, err := q.Enqueue(ctx, "exam_analysis", payload, clipPath)
	if err != nil {
		t.Fatalf("enqueue with file: %v", err)
	}
	fileSum := sha256.Sum256(clipBytes)
	items, err = q.Items(ctx, "", 10)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if items[0].ID != id2 {
		t.Fatalf("items not newest first: %+v", items[0])
	}
	if items[0].SHA256 != hex.EncodeToString(fileSum[:]) {
		t.Fatalf("file hash not canonical: got %s", items[0].SHA256)
	}
	if items[0].FilePath != clipPath {
		t.Fatalf("file path lost: %q", items[0].FilePath)
	}
}

func TestEnqueueMissingFile(t *testing.T) {
	q := testQueue(t)
	_, err := q.Enqueue(context.Background(), "exam_analysis", []byte(`{}`), filepath.Join(t.TempDir(), "gone.avi"))
	if err == nil {
		t.Fatalf("enqueue with a missing file must fail")
	}
}

func TestFiveFailuresStayFailed(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	const maxAttempts = 5

	id, err := q.Enqueue(ctx, "exam_analysis", []byte(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			n, err := q.RetryFailed(ctx, maxAttempts)
			if err != nil || n != 1 {
				t.Fatalf("retry before attempt %d: n=%d err=%v", i, n, err)
			}
		}
		item, err := q.Dequeue(ctx)
		if err != nil || item == nil || item.ID != id {
			t.Fatalf("dequeue attempt %d: item=%v err=%v", i, item, err)
		}
		if item.Attempts != i {
			t.Fatalf("attempt %d: attempts=%d", i, item.Attempts)
		}
		if err := q.MarkFailed(ctx, id, errors.New("upload failed")); err != nil {
			t.Fatalf("mark failed %d: %v", i, err)
		}
	}

	n, err := q.RetryFailed(ctx, maxAttempts)
	if err != nil {
		t.Fatalf("final retry: %v", err)
	}
	if n != 0 {
		t.Fatalf("exhausted item was recycled")
	}
	items, err := q.Items(ctx, model.StatusFailed, 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("failed items: %v err=%v", items, err)
	}
	if items[0].Attempts != maxAttempts {
		t.Fatalf("attempts=%d want %d", items[0].Attempts, maxAttempts)
	}
	if items[0].LastError != "upload failed" {
		t.Fatalf("last error %q", items[0].LastError)
	}
}

func TestIntegrityFailureNeverRetried(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	id, err := q.Enqueue(ctx, "exam_analysis", []byte(`{}`), "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	cause := fmt.Errorf("%w: on-disk sha mismatch", ErrIntegrity)
	if err := q.MarkFailed(ctx, id, cause); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// Attempts are far below the cap; only the integrity marker blocks it.
	n, err := q.RetryFailed(ctx, 100)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 0 {
		t.Fatalf("integrity failure was recycled")
	}
	items, err := q.Items(ctx, model.StatusFailed, 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("failed items: %v err=%v", items, err)
	}
	if items[0].Attempts != 1 {
		t.Fatalf("attempts=%d", items[0].Attempts)
	}
	if got := items[0].LastError; got != "integrity: evidence integrity check failed: on-disk sha mismatch" {
		t.Fatalf("last error %q", got)
	}
}

func TestReconcileStale(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	first, err := q.Enqueue(ctx, "exam_analysis", []byte(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "exam_analysis", []byte(`{"n":2}`), ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	n, err := q.ReconcileStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reconcile: n=%d err=%v", n, err)
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[model.StatusPending] != 2 || counts[model.StatusUploading] != 0 {
		t.Fatalf("counts after reconcile: %v", counts)
	}

	// The recovered item keeps its place at the head of the queue.
	item, err := q.Dequeue(ctx)
	if err != nil || item == nil || item.ID != first {
		t.Fatalf("dequeue after reconcile: item=%v err=%v", item, err)
	}
}

func TestCleanupOldPurgesOnlyAgedSuccesses(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.nowFn = func() time.Time { return base }

	done, err := q.Enqueue(ctx, "exam_analysis", []byte(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.MarkSuccess(ctx, done); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if _, err := q.Enqueue(ctx, "exam_analysis", []byte(`{"n":2}`), ""); err != nil {
		t.Fatalf("enqueue pending: %v", err)
	}

	q.nowFn = func() time.Time { return base.AddDate(0, 0, 8) }
	n, err := q.CleanupOld(ctx, 7)
	if err != nil || n != 1 {
		t.Fatalf("cleanup: n=%d err=%v", n, err)
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[model.StatusSuccess] != 0 || counts[model.StatusPending] != 1 {
		t.Fatalf("counts after cleanup: %v", counts)
	}

	// A fresh success survives the same sweep.
	fresh, err := q.Enqueue(ctx, "exam_analysis", []byte(`{"n":3}`), "")
	if err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.MarkSuccess(ctx, fresh); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if n, err := q.CleanupOld(ctx, 7); err != nil || n != 0 {
		t.Fatalf("second cleanup: n=%d err=%v", n, err)
	}
}

func TestCountsAndItemsFilter(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	okID, _ := q.Enqueue(ctx, "exam_analysis", []byte(`{"n":1}`), "")
	failID, _ := q.Enqueue(ctx, "exam_analysis", []byte(`{"n":2}`), "")
	if _, err := q.Enqueue(ctx, "exam_analysis", []byte(`{"n":3}`), ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.MarkSuccess(ctx, okID); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.MarkFailed(ctx, failID, errors.New("remote unavailable")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := map[model.QueueStatus]int{
		model.StatusPending: 1,
		model.StatusSuccess: 1,
		model.StatusFailed:  1,
	}
	for status, n := range want {
		if counts[status] != n {
			t.Fatalf("counts[%s]=%d want %d (all: %v)", status, counts[status], n, counts)
		}
	}

	failed, err := q.Items(ctx, model.StatusFailed, 10)
	if err != nil {
		t.Fatalf("items failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != failID || failed[0].LastError != "remote unavailable" {
		t.Fatalf("failed filter: %+v", failed)
	}
	all, err := q.Items(ctx, "", 10)
	if err != nil {
		t.Fatalf("items all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 items, got %d", len(all))
	}
}
