package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeTranscriptionStore struct {
	jobIDs  map[string]string
	applied bool
	err     error
}

func (f *fakeTranscriptionStore) SetTranscribing(_ context.Context, id, jobID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.jobIDs == nil {
		f.jobIDs = map[string]string{}
	}
	f.jobIDs[id] = jobID
	return f.applied, nil
}

type fakeSigner struct {
	url string
	err error
}

func (f *fakeSigner) ReadHandle(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url + "/" + key, nil
}

type fakeEngine struct {
	jobID    string
	err      error
	calls    int
	lastURL  string
	callback string
}

func (f *fakeEngine) Submit(_ context.Context, audioURL, callbackURL string) (string, error) {
	f.calls++
	f.lastURL = audioURL
	f.callback = callbackURL
	if f.err != nil {
		return "", f.err
	}
	return f.jobID, nil
}

func TestTranscriptionWorkerProcessesMessage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	q := newTestQueue(t)

	st := &fakeTranscriptionStore{applied: true}
	signer := &fakeSigner{url: "https://signed"}
	engine := &fakeEngine{jobID: "J1"}
	w := NewTranscriptionWorker(cfg, q, st, signer, engine)

	if _, err := q.Publish(ctx, cfg.TranscriptionQueue, map[string]string{
		"conversation_id": "c1", "storage_key": "u1/c1/call.mp3", "owner": "u1",
	}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Processed) != 1 || report.Processed[0] != "c1" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if st.jobIDs["c1"] != "J1" {
		t.Fatalf("job id not recorded: %+v", st.jobIDs)
	}
	if engine.lastURL != "https://signed/u1/c1/call.mp3" {
		t.Fatalf("engine got wrong audio url: %q", engine.lastURL)
	}
	if engine.callback != "http://api.test/webhooks/transcription?conversation_id=c1" {
		t.Fatalf("unexpected callback url: %q", engine.callback)
	}

	// Acked: nothing left to lease.
	msgs, err := q.Poll(ctx, cfg.TranscriptionQueue, time.Minute, 5)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("message not acked, %d remaining", len(msgs))
	}
}

func TestTranscriptionWorkerRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	// Zero lease so the failed message is immediately redeliverable.
	cfg.TranscriptionLease = 0
	q := newTestQueue(t)

	st := &fakeTranscriptionStore{applied: true}
	engine := &fakeEngine{err: errors.New("engine down")}
	w := NewTranscriptionWorker(cfg, q, st, &fakeSigner{url: "https://signed"}, engine)

	if _, err := q.Publish(ctx, cfg.TranscriptionQueue, map[string]string{"conversation_id": "c1", "storage_key": "k"}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Failures) != 1 || len(report.Processed) != 0 {
		t.Fatalf("expected one failure, got %+v", report)
	}
	if len(st.jobIDs) != 0 {
		t.Fatalf("no job id should be recorded on failure")
	}

	// The engine recovers; the redelivered message succeeds and the stored
	// job id reflects the most recent submission.
	engine.err = nil
	engine.jobID = "J2"
	report, err = w.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Processed) != 1 {
		t.Fatalf("expected redelivered message to process, got %+v", report)
	}
	if st.jobIDs["c1"] != "J2" {
		t.Fatalf("expected job id J2, got %q", st.jobIDs["c1"])
	}
	if engine.calls != 2 {
		t.Fatalf("expected 2 submissions, got %d", engine.calls)
	}
}

func TestTranscriptionWorkerIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.WorkerBatchSize = 2
	q := newTestQueue(t)

	st := &fakeTranscriptionStore{applied: true}
	signer := &fakeSigner{url: "https://signed"}
	engine := &fakeEngine{jobID: "J9"}
	w := NewTranscriptionWorker(cfg, q, st, signer, engine)

	// First message is malformed and is dropped; the second still processes.
	if _, err := q.Publish(ctx, cfg.TranscriptionQueue, "not an object", 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := q.Publish(ctx, cfg.TranscriptionQueue, map[string]string{"conversation_id": "c2", "storage_key": "k2"}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Processed) != 1 || report.Processed[0] != "c2" {
		t.Fatalf("expected c2 processed, got %+v", report)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", report.Failures)
	}
}

func TestTranscriptionWorkerDropsMissingStorageKey(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.TranscriptionLease = 0
	q := newTestQueue(t)

	st := &fakeTranscriptionStore{applied: true}
	w := NewTranscriptionWorker(cfg, q, st, &fakeSigner{err: errors.New("missing pointer")}, &fakeEngine{jobID: "J1"})

	if _, err := q.Publish(ctx, cfg.TranscriptionQueue, map[string]string{"conversation_id": "c3"}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected storage failure, got %+v", report)
	}
	// Left unacked for a future attempt.
	msgs, err := q.Poll(ctx, cfg.TranscriptionQueue, time.Minute, 1)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message should still be in the queue")
	}
}
