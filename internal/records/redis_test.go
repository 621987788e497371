package records

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"EnrollDispatch/internal/models"
)

func newRedisRecorder(t *testing.T, ttl time.Duration) (*RedisRecorder, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisRecorder(rdb, ttl), mr
}

func TestRedisRecorder_MarkEmailSent(t *testing.T) {
	t.Parallel()

	rec, mr := newRedisRecorder(t, 10*time.Second)
	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

	if err := rec.MarkEmailSent(context.Background(), " Ada@Example.com ", sentAt); err != nil {
		t.Fatalf("MarkEmailSent() error: %v", err)
	}

	key := "track:email:ada@example.com"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttl)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got trackingValue
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected SentAt %v, got %v", sentAt, got.SentAt)
	}
}

func TestRedisRecorder_AuditIsAppendOnly(t *testing.T) {
	t.Parallel()

	rec, _ := newRedisRecorder(t, time.Minute)
	ctx := context.Background()

	first := models.AuditRecord{JobID: "j1", Kind: models.KindEmail, Status: models.StatusFailed, Attempts: 1, Error: "smtp 421"}
	second := models.AuditRecord{JobID: "j1", Kind: models.KindEmail, Status: models.StatusSent, Attempts: 2}

	for _, r := range []models.AuditRecord{first, second} {
		if err := rec.AppendAudit(ctx, r); err != nil {
			t.Fatalf("AppendAudit() error: %v", err)
		}
	}

	got, err := rec.Audit(ctx, "j1")
	if err != nil {
		t.Fatalf("Audit() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Status != models.StatusFailed || got[1].Status != models.StatusSent {
		t.Fatalf("unexpected order: %+v", got)
	}

	other, err := rec.Audit(ctx, "j2")
	if err != nil {
		t.Fatalf("Audit() error: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no records for j2, got %d", len(other))
	}
}

func TestRedisRecorder_ContextCanceled(t *testing.T) {
	t.Parallel()

	rec, _ := newRedisRecorder(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rec.MarkEmailSent(ctx, "x@example.com", time.Now()); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}
