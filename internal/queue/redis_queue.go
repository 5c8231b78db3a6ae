package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"conversation-pipeline/internal/config"
	"conversation-pipeline/internal/models"
)

// Message is the envelope handed to consumers. The payload stays opaque JSON
// so each worker decodes only the fields it needs.
type Message struct {
	ID         string
	Payload    json.RawMessage
	ReadCount  int
	EnqueuedAt time.Time
}

// RedisQueue implements named durable queues with per-message visibility
// leases. A message lives in the ready list, the scheduled set (delayed
// publish), or the inflight set (leased); its body sits in a hash keyed by
// message id. Removal only happens through Ack.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisQueue{client: client}
}

// NewRedisQueueWithClient wraps an existing client, mainly for tests.
func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func readyKey(name string) string     { return fmt.Sprintf("q:%s:ready", name) }
func inflightKey(name string) string  { return fmt.Sprintf("q:%s:inflight", name) }
func scheduledKey(name string) string { return fmt.Sprintf("q:%s:scheduled", name) }
func msgKey(name, id string) string   { return fmt.Sprintf("q:%s:msg:%s", name, id) }

func queueErr(op, name string, err error) error {
	return fmt.Errorf("%s %s: %w", op, name, errors.Join(models.ErrQueue, err))
}

// Publish inserts a message. With a zero delay it is visible immediately;
// otherwise it sits in the scheduled set until the delay elapses.
func (q *RedisQueue) Publish(ctx context.Context, name string, payload any, delay time.Duration) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", queueErr("publish", name, err)
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, msgKey(name, id),
		"payload", string(body),
		"enqueued_at", now.UnixMilli(),
		"read_count", 0,
	)
	if delay > 0 {
		pipe.ZAdd(ctx, scheduledKey(name), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, readyKey(name), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", queueErr("publish", name, err)
	}
	return id, nil
}

// Poll leases up to max messages for the given visibility timeout. Expired
// leases and due scheduled messages are reclaimed first, so an unacked
// message reappears here with its read count incremented. Returns an empty
// slice immediately when no work exists.
func (q *RedisQueue) Poll(ctx context.Context, name string, lease time.Duration, max int) ([]Message, error) {
	now := time.Now()
	if err := q.reclaim(ctx, name, now); err != nil {
		return nil, err
	}

	keys := []string{readyKey(name), inflightKey(name)}
	deadline := now.Add(lease).UnixMilli()
	res, err := leaseScript.Run(ctx, q.client, keys, deadline, max, fmt.Sprintf("q:%s:msg:", name)).Result()
	if err != nil && err != redis.Nil {
		return nil, queueErr("poll", name, err)
	}

	raw, _ := res.([]interface{})
	msgs := make([]Message, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(string)
		if !ok {
			continue
		}
		fields, err := q.client.HGetAll(ctx, msgKey(name, id)).Result()
		if err != nil {
			return nil, queueErr("poll", name, err)
		}
		msgs = append(msgs, messageFromHash(id, fields))
	}
	return msgs, nil
}

// Ack permanently removes a leased message. Work is only considered durable
// once this succeeds.
func (q *RedisQueue) Ack(ctx context.Context, name, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(name), id)
	pipe.Del(ctx, msgKey(name, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return queueErr("ack", name, err)
	}
	return nil
}

// Depth returns the number of immediately deliverable messages.
func (q *RedisQueue) Depth(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, readyKey(name)).Result()
	if err != nil {
		return 0, queueErr("depth", name, err)
	}
	return n, nil
}

// reclaim moves timed-out inflight messages and due scheduled messages back
// into the ready list.
func (q *RedisQueue) reclaim(ctx context.Context, name string, now time.Time) error {
	cutoff := fmt.Sprintf("%d", now.UnixMilli())
	for _, src := range []string{inflightKey(name), scheduledKey(name)} {
		ids, err := q.client.ZRangeByScore(ctx, src, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return queueErr("reclaim", name, err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		for _, id := range ids {
			pipe.ZRem(ctx, src, id)
			pipe.RPush(ctx, readyKey(name), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return queueErr("reclaim", name, err)
		}
	}
	return nil
}

func messageFromHash(id string, fields map[string]string) Message {
	msg := Message{ID: id, Payload: json.RawMessage(fields["payload"])}
	if v := fields["read_count"]; v != "" {
		fmt.Sscanf(v, "%d", &msg.ReadCount)
	}
	if v := fields["enqueued_at"]; v != "" {
		var ms int64
		fmt.Sscanf(v, "%d", &ms)
		msg.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return msg
}

// leaseScript pops up to ARGV[2] message ids from the ready list, placing
// each into the inflight set with the visibility deadline in ARGV[1] and
// bumping its delivery counter. Atomic so two pollers never lease the same
// message.
var leaseScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local leased = {}
for i = 1, tonumber(ARGV[2]) do
  local id = redis.call('LPOP', ready)
  if not id then
    break
  end
  redis.call('ZADD', inflight, ARGV[1], id)
  redis.call('HINCRBY', ARGV[3] .. id, 'read_count', 1)
  leased[#leased + 1] = id
end
return leased
`)
