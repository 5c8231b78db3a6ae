package worker

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"conversation-pipeline/internal/config"
	"conversation-pipeline/internal/queue"
)

func testConfig() config.Config {
	return config.Config{
		TranscriptionQueue: "transcription_queue",
		FeedbackQueue:      "feedback_queue",
		TranscriptionLease: 300 * time.Second,
		FeedbackLease:      30 * time.Second,
		WorkerBatchSize:    1,
		ScannerBatchSize:   10,
		ReadTTL:            5 * time.Minute,
		WebhookBaseURL:     "http://api.test",
	}
}

func newTestQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return queue.NewRedisQueueWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}
