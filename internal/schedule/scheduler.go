package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is one deferred invocation of an HTTP task handler.
type Task struct {
	ID             string    `json:"task_id"`
	Kind           Kind      `json:"kind"`
	ProviderID     string    `json:"provider_id"`
	SessionID      string    `json:"session_id"`
	RunAt          time.Time `json:"run_at"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

type Kind string

const (
	KindLeaseTimeout Kind = "lease_timeout"
	KindCallGuard    Kind = "call_guard"
)

// Path maps a task kind to the push endpoint it is delivered to.
func (k Kind) Path() (string, error) {
	switch k {
	case KindLeaseTimeout:
		return "/webhooks/tasks/lease-timeout", nil
	case KindCallGuard:
		return "/webhooks/tasks/call-guard", nil
	default:
		return "", fmt.Errorf("unknown task kind %q", k)
	}
}

// Scheduler is the deferred-task dispatch boundary. Delivery is at-least-once;
// handlers carry their own staleness checks, so duplicate fires are harmless.
// Cancel is best-effort: a cancel that races the fire simply loses.
type Scheduler interface {
	Schedule(ctx context.Context, t Task) error
	Cancel(ctx context.Context, taskID string) error
}

// RedisScheduler stores due times in a ZSET (score = unix fire time) and task
// payloads in plain keys. A Pump polls the set and pushes due envelopes over
// HTTP.
type RedisScheduler struct {
	rdb      *redis.Client
	queueKey string
}

func NewRedisScheduler(rdb *redis.Client, queueKey string) *RedisScheduler {
	return &RedisScheduler{rdb: rdb, queueKey: queueKey}
}

func (s *RedisScheduler) payloadKey(taskID string) string {
	return s.queueKey + ":payload:" + taskID
}

func (s *RedisScheduler) Schedule(ctx context.Context, t Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if _, err := t.Kind.Path(); err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	// Payload TTL comfortably outlives the fire time so a slow pump never
	// finds a dangling member.
	ttl := time.Until(t.RunAt) + 24*time.Hour
	pipe.Set(ctx, s.payloadKey(t.ID), body, ttl)
	pipe.ZAdd(ctx, s.queueKey, redis.Z{Score: float64(t.RunAt.Unix()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisScheduler) Cancel(ctx context.Context, taskID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.queueKey, taskID)
	pipe.Del(ctx, s.payloadKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// popDueScript atomically claims up to ARGV[2] members due at or before
// ARGV[1], so concurrent pumps never double-claim.
var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #due > 0 then
  redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

// PopDue claims due task ids and loads their payloads. Tasks whose payload
// key has expired are dropped.
func (s *RedisScheduler) PopDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	ids, err := popDueScript.Run(ctx, s.rdb, []string{s.queueKey}, now.Unix(), limit).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.GetDel(ctx, s.payloadKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return out, err
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Requeue puts a task back for a later attempt (at-least-once delivery).
func (s *RedisScheduler) Requeue(ctx context.Context, t Task, at time.Time) error {
	t.RunAt = at
	return s.Schedule(ctx, t)
}
