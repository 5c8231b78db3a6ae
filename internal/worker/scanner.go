package worker

import (
	"context"
	"log"

	"conversation-pipeline/internal/config"
	"conversation-pipeline/internal/models"
	"conversation-pipeline/internal/queue"
	"conversation-pipeline/internal/telemetry"
)

type scannerStore interface {
	ListInState(ctx context.Context, state models.State, limit int) ([]models.Conversation, error)
	Transition(ctx context.Context, id string, to models.State, from ...models.State) (bool, error)
}

// Scanner bridges webhook-land back into queue-land: nothing else observes
// the TRANSCRIPTION_READY transition, so a periodic sweep publishes the
// feedback job for each such conversation.
type Scanner struct {
	cfg   config.Config
	queue *queue.RedisQueue
	store scannerStore
}

// NewScanner wires the sweep's collaborators.
func NewScanner(cfg config.Config, q *queue.RedisQueue, st scannerStore) *Scanner {
	return &Scanner{cfg: cfg, queue: q, store: st}
}

// Sweep selects a bounded batch of TRANSCRIPTION_READY conversations and
// publishes a feedback job for each, then marks the row queued. A failed
// publish leaves the row for the next sweep. A failed transition after a
// successful publish means the next sweep re-publishes; the feedback worker
// consumes duplicates idempotently, so this is only worth a warning.
func (s *Scanner) Sweep(ctx context.Context) ([]string, error) {
	convs, err := s.store.ListInState(ctx, models.StateTranscriptionReady, s.cfg.ScannerBatchSize)
	if err != nil {
		return nil, err
	}

	var enqueued []string
	for _, c := range convs {
		if _, err := s.queue.Publish(ctx, s.cfg.FeedbackQueue, queue.FeedbackJob{ConversationID: c.ID}, 0); err != nil {
			log.Printf("scanner: publish failed for conversation %s: %v", c.ID, err)
			continue
		}

		applied, err := s.store.Transition(ctx, c.ID, models.StateFeedbackGenerationQueued, models.StateTranscriptionReady)
		if err != nil || !applied {
			log.Printf("scanner: conversation %s queued but state not updated (applied=%v err=%v)", c.ID, applied, err)
		}

		telemetry.FeedbackJobsEnqueued.Inc()
		enqueued = append(enqueued, c.ID)
	}
	return enqueued, nil
}
