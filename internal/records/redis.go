package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"EnrollDispatch/internal/models"
)

type RedisRecorder struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Recorder = (*RedisRecorder)(nil)

// NewRedisRecorder keeps email tracking stamps for ttl. Audit lists do not
// expire.
func NewRedisRecorder(rdb *redis.Client, ttl time.Duration) *RedisRecorder {
	return &RedisRecorder{rdb: rdb, ttl: ttl}
}

type trackingValue struct {
	Recipient string    `json:"recipient"`
	SentAt    time.Time `json:"sentAt"`
}

func auditKey(jobID string) string {
	return "audit:" + jobID
}

func trackingKey(recipient string) string {
	return "track:email:" + normalizeAddress(recipient)
}

func (r *RedisRecorder) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.rdb.RPush(ctx, auditKey(rec.JobID), b).Err()
}

func (r *RedisRecorder) MarkEmailSent(ctx context.Context, recipient string, at time.Time) error {
	val := trackingValue{
		Recipient: normalizeAddress(recipient),
		SentAt:    at.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return r.rdb.Set(ctx, trackingKey(recipient), b, r.ttl).Err()
}

func (r *RedisRecorder) Audit(ctx context.Context, jobID string) ([]models.AuditRecord, error) {
	raw, err := r.rdb.LRange(ctx, auditKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.AuditRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.AuditRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
