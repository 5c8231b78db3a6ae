package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conversation-pipeline/internal/config"
	"conversation-pipeline/internal/llm"
	"conversation-pipeline/internal/queue"
	"conversation-pipeline/internal/storage"
	"conversation-pipeline/internal/store"
	"conversation-pipeline/internal/telemetry"
	"conversation-pipeline/internal/transcribe"
	workerproc "conversation-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	signer, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init storage signer: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	engine := transcribe.NewClient(cfg.TranscribeBaseURL, cfg.TranscribeAPIKey)
	coach := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)

	transcription := workerproc.NewTranscriptionWorker(cfg, q, st, signer, engine)
	feedback := workerproc.NewFeedbackWorker(cfg, q, st, coach)
	scanner := workerproc.NewScanner(cfg, q, st)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	// Each component runs as its own timer-driven series of bounded
	// invocations; they coordinate only through the queue and the store.
	go invokeEvery(ctx, cfg.WorkerPollInterval, "transcription worker", func(ctx context.Context) error {
		report, err := transcription.Run(ctx)
		logReport("transcription worker", report)
		return err
	})
	go invokeEvery(ctx, cfg.WorkerPollInterval, "feedback worker", func(ctx context.Context) error {
		report, err := feedback.Run(ctx)
		logReport("feedback worker", report)
		return err
	})
	go invokeEvery(ctx, cfg.ScannerInterval, "scanner", func(ctx context.Context) error {
		ids, err := scanner.Sweep(ctx)
		if len(ids) > 0 {
			log.Printf("scanner: enqueued %d feedback jobs", len(ids))
		}
		return err
	})
	go invokeEvery(ctx, 15*time.Second, "queue depth", func(ctx context.Context) error {
		for _, name := range []string{cfg.TranscriptionQueue, cfg.FeedbackQueue} {
			if depth, err := q.Depth(ctx, name); err == nil {
				telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(depth))
			}
		}
		return nil
	})

	log.Printf("worker started: transcription_lease=%s feedback_lease=%s batch=%d",
		cfg.TranscriptionLease, cfg.FeedbackLease, cfg.WorkerBatchSize)
	<-ctx.Done()
}

func invokeEvery(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Printf("%s: invocation failed: %v", name, err)
			}
		}
	}
}

func logReport(name string, report workerproc.Report) {
	if len(report.Processed) > 0 || len(report.Failures) > 0 {
		log.Printf("%s: processed=%d failed=%d", name, len(report.Processed), len(report.Failures))
	}
}
