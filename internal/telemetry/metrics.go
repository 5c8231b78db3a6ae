package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ConversationsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_conversations_created_total", Help: "Conversations created by upload intake"})
	UploadsConfirmed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_uploads_confirmed_total", Help: "Uploads confirmed and enqueued for transcription"})
	RateLimitRejects        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Upload creations rejected by rate limiter"})
	TranscriptionsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_transcriptions_submitted_total", Help: "Jobs submitted to the transcription engine"})
	TranscriptionFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_transcription_failures_total", Help: "Transcription messages that failed and will be redelivered"})
	WebhooksReceived        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_webhooks_received_total", Help: "Webhook deliveries from the transcription engine"})
	WebhooksDropped         = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_webhooks_dropped_total", Help: "Webhook deliveries with no matching conversation"})
	FeedbackJobsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_feedback_jobs_enqueued_total", Help: "Feedback jobs published by the scanner"})
	FeedbackGenerated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_feedback_generated_total", Help: "Conversations completed with feedback"})
	FeedbackFailures        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_feedback_failures_total", Help: "Feedback messages that failed this invocation"})
	QueueDepthGauge         = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready depth per queue"}, []string{"queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ConversationsCreated,
			UploadsConfirmed,
			RateLimitRejects,
			TranscriptionsSubmitted,
			TranscriptionFailures,
			WebhooksReceived,
			WebhooksDropped,
			FeedbackJobsEnqueued,
			FeedbackGenerated,
			FeedbackFailures,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
