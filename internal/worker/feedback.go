package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"conversation-pipeline/internal/config"
	"conversation-pipeline/internal/llm"
	"conversation-pipeline/internal/models"
	"conversation-pipeline/internal/queue"
	"conversation-pipeline/internal/telemetry"
)

type feedbackStore interface {
	Get(ctx context.Context, id string) (models.Conversation, error)
	SetFeedbackGenerating(ctx context.Context, id string) (bool, error)
	SetCompleted(ctx context.Context, id, feedback string) (bool, error)
}

type completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// FeedbackWorker drains the feedback queue: load the transcript, ask the
// coach model for feedback, store it, transition to COMPLETED, ack.
// Consumption is idempotent: a duplicate job for an already-fed-back
// conversation is acked and skipped, so exactly-once enqueue is not assumed.
type FeedbackWorker struct {
	cfg   config.Config
	queue *queue.RedisQueue
	store feedbackStore
	llm   completer
}

// NewFeedbackWorker wires the worker's collaborators.
func NewFeedbackWorker(cfg config.Config, q *queue.RedisQueue, st feedbackStore, c completer) *FeedbackWorker {
	return &FeedbackWorker{cfg: cfg, queue: q, store: st, llm: c}
}

// Run is one externally-triggered invocation over a bounded batch.
func (w *FeedbackWorker) Run(ctx context.Context) (Report, error) {
	msgs, err := w.queue.Poll(ctx, w.cfg.FeedbackQueue, w.cfg.FeedbackLease, w.cfg.WorkerBatchSize)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, msg := range msgs {
		var job queue.FeedbackJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			log.Printf("feedback worker: dropping malformed message %s: %v", msg.ID, err)
			_ = w.queue.Ack(ctx, w.cfg.FeedbackQueue, msg.ID)
			report.Failures = append(report.Failures, Failure{ID: msg.ID, Error: err.Error()})
			continue
		}

		done, err := w.process(ctx, job.ConversationID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// The conversation is gone; redelivery cannot help, so the
				// message is dropped rather than poisoning the queue.
				log.Printf("feedback worker: conversation %s not found, dropping message %s", job.ConversationID, msg.ID)
				_ = w.queue.Ack(ctx, w.cfg.FeedbackQueue, msg.ID)
			} else {
				log.Printf("feedback worker: conversation %s failed (read_count=%d): %v", job.ConversationID, msg.ReadCount, err)
			}
			telemetry.FeedbackFailures.Inc()
			report.Failures = append(report.Failures, Failure{ID: job.ConversationID, Error: err.Error()})
			continue
		}

		if err := w.queue.Ack(ctx, w.cfg.FeedbackQueue, msg.ID); err != nil {
			log.Printf("feedback worker: ack failed for %s: %v", msg.ID, err)
			report.Failures = append(report.Failures, Failure{ID: job.ConversationID, Error: err.Error()})
			continue
		}

		if done {
			telemetry.FeedbackGenerated.Inc()
			report.Processed = append(report.Processed, job.ConversationID)
		}
	}
	return report, nil
}

// process generates feedback for one conversation. It returns done=false
// when the message was a duplicate and there was nothing left to do; the
// caller still acks it.
func (w *FeedbackWorker) process(ctx context.Context, id string) (bool, error) {
	conv, err := w.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	// Duplicate publish (or a second lease of the same message) for a
	// conversation that already has its feedback: nothing to do.
	if conv.FeedbackText != nil || conv.State == models.StateCompleted {
		log.Printf("feedback worker: conversation %s already has feedback, skipping", id)
		return false, nil
	}

	switch conv.State {
	case models.StateTranscriptionReady, models.StateFeedbackGenerationQueued:
		// Claiming may race another invocation; the loser proceeds anyway
		// and SetCompleted lets the first writer win.
		if _, err := w.store.SetFeedbackGenerating(ctx, id); err != nil {
			return false, fmt.Errorf("claim conversation: %w", err)
		}
	case models.StateFeedbackGenerating:
		// Redelivery after an expired lease; pick the work back up.
	default:
		log.Printf("feedback worker: conversation %s in state %s, skipping", id, conv.State)
		return false, nil
	}

	if conv.TranscriptionText == nil {
		return false, fmt.Errorf("conversation %s has no transcript", id)
	}

	feedback, err := w.llm.Complete(ctx, llm.CoachPrompt,
		"Provide feedback on the following conversation: "+*conv.TranscriptionText)
	if err != nil {
		return false, fmt.Errorf("generate feedback: %w", err)
	}

	applied, err := w.store.SetCompleted(ctx, id, feedback)
	if err != nil {
		return false, fmt.Errorf("store feedback: %w", err)
	}
	if !applied {
		log.Printf("feedback worker: conversation %s completed by another invocation", id)
		return false, nil
	}
	return true, nil
}
