package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewRedisQueueWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestPublishPollAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Publish(ctx, "jobs", TranscriptionJob{ConversationID: "c1", StorageKey: "u/c1/a.mp3"}, 0)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a message id")
	}

	msgs, err := q.Poll(ctx, "jobs", time.Minute, 5)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ReadCount != 1 {
		t.Fatalf("expected read_count 1, got %d", msgs[0].ReadCount)
	}
	var job TranscriptionJob
	if err := json.Unmarshal(msgs[0].Payload, &job); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if job.ConversationID != "c1" {
		t.Fatalf("payload round trip failed: %+v", job)
	}

	// Leased: a second poller must not see it.
	again, err := q.Poll(ctx, "jobs", time.Minute, 5)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased message visible to second consumer: %d", len(again))
	}

	if err := q.Ack(ctx, "jobs", msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	final, err := q.Poll(ctx, "jobs", time.Minute, 5)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(final) != 0 {
		t.Fatalf("acked message came back: %d", len(final))
	}
}

func TestUnackedMessageRedelivered(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Publish(ctx, "jobs", FeedbackJob{ConversationID: "c2"}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Lease with a zero visibility timeout, simulating a consumer that
	// crashed before acking.
	first, err := q.Poll(ctx, "jobs", 0, 1)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(first) != 1 || first[0].ReadCount != 1 {
		t.Fatalf("unexpected first delivery: %+v", first)
	}

	second, err := q.Poll(ctx, "jobs", time.Minute, 1)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected redelivery, got %d messages", len(second))
	}
	if second[0].ID != first[0].ID {
		t.Fatalf("redelivered a different message: %s vs %s", second[0].ID, first[0].ID)
	}
	if second[0].ReadCount != 2 {
		t.Fatalf("expected read_count 2 on redelivery, got %d", second[0].ReadCount)
	}
}

func TestDelayedPublishNotVisible(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Publish(ctx, "jobs", FeedbackJob{ConversationID: "c3"}, time.Hour); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := q.Poll(ctx, "jobs", time.Minute, 1)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("delayed message should not be visible yet")
	}

	depth, err := q.Depth(ctx, "jobs")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected ready depth 0, got %d", depth)
	}
}

func TestPollEmptyReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msgs, err := q.Poll(ctx, "empty", time.Minute, 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}
