package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	"conversation-pipeline/internal/config"
	"conversation-pipeline/internal/queue"
	"conversation-pipeline/internal/telemetry"
)

type transcriptionStore interface {
	SetTranscribing(ctx context.Context, id, jobID string) (bool, error)
}

type readSigner interface {
	ReadHandle(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type engineSubmitter interface {
	Submit(ctx context.Context, audioURL, callbackURL string) (string, error)
}

// TranscriptionWorker drains the transcription queue: for each leased
// message it resolves a read handle to the audio, submits an async job to
// the engine, records the job id, and only then acknowledges. Any failure
// before the ack leaves the message to reappear after its lease expires.
type TranscriptionWorker struct {
	cfg    config.Config
	queue  *queue.RedisQueue
	store  transcriptionStore
	signer readSigner
	engine engineSubmitter
}

// NewTranscriptionWorker wires the worker's collaborators.
func NewTranscriptionWorker(cfg config.Config, q *queue.RedisQueue, st transcriptionStore, signer readSigner, engine engineSubmitter) *TranscriptionWorker {
	return &TranscriptionWorker{cfg: cfg, queue: q, store: st, signer: signer, engine: engine}
}

// Run is one externally-triggered invocation: lease a bounded batch, process
// it strictly sequentially, return. One bad message never aborts the rest.
func (w *TranscriptionWorker) Run(ctx context.Context) (Report, error) {
	msgs, err := w.queue.Poll(ctx, w.cfg.TranscriptionQueue, w.cfg.TranscriptionLease, w.cfg.WorkerBatchSize)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, msg := range msgs {
		var job queue.TranscriptionJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			// A payload that cannot be decoded will never succeed; drop it
			// instead of letting it cycle through the queue forever.
			log.Printf("transcription worker: dropping malformed message %s: %v", msg.ID, err)
			_ = w.queue.Ack(ctx, w.cfg.TranscriptionQueue, msg.ID)
			report.Failures = append(report.Failures, Failure{ID: msg.ID, Error: err.Error()})
			continue
		}

		if err := w.process(ctx, job); err != nil {
			log.Printf("transcription worker: conversation %s failed (read_count=%d): %v", job.ConversationID, msg.ReadCount, err)
			telemetry.TranscriptionFailures.Inc()
			report.Failures = append(report.Failures, Failure{ID: job.ConversationID, Error: err.Error()})
			continue
		}

		if err := w.queue.Ack(ctx, w.cfg.TranscriptionQueue, msg.ID); err != nil {
			// The submission stuck; redelivery will resubmit and the newest
			// job id wins, so this is at-least-once working as intended.
			log.Printf("transcription worker: ack failed for %s: %v", msg.ID, err)
			report.Failures = append(report.Failures, Failure{ID: job.ConversationID, Error: err.Error()})
			continue
		}

		telemetry.TranscriptionsSubmitted.Inc()
		report.Processed = append(report.Processed, job.ConversationID)
	}
	return report, nil
}

func (w *TranscriptionWorker) process(ctx context.Context, job queue.TranscriptionJob) error {
	audioURL, err := w.signer.ReadHandle(ctx, job.StorageKey, w.cfg.ReadTTL)
	if err != nil {
		return fmt.Errorf("read handle: %w", err)
	}

	callback := fmt.Sprintf("%s/webhooks/transcription?conversation_id=%s",
		w.cfg.WebhookBaseURL, url.QueryEscape(job.ConversationID))
	jobID, err := w.engine.Submit(ctx, audioURL, callback)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	applied, err := w.store.SetTranscribing(ctx, job.ConversationID, jobID)
	if err != nil {
		return fmt.Errorf("record job id: %w", err)
	}
	if !applied {
		// The row already moved past TRANSCRIBING (a stale redelivery after
		// the webhook landed). The freshly submitted job is orphaned; its
		// webhook will find no matching row and be dropped.
		log.Printf("transcription worker: conversation %s no longer accepts job id %s", job.ConversationID, jobID)
	}
	return nil
}
