package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"conversation-pipeline/internal/config"
	"conversation-pipeline/internal/models"
	"conversation-pipeline/internal/queue"
	"conversation-pipeline/internal/ratelimit"
	"conversation-pipeline/internal/telemetry"
	"conversation-pipeline/internal/transcribe"
)

type conversationStore interface {
	Create(ctx context.Context, owner, title string) (models.Conversation, error)
	GetOwned(ctx context.Context, owner, id string) (models.Conversation, error)
	ListOwned(ctx context.Context, owner string) ([]models.Conversation, error)
	GetByTranscriptionJobID(ctx context.Context, jobID string) (models.Conversation, error)
	Transition(ctx context.Context, id string, to models.State, from ...models.State) (bool, error)
	SetTranscriptionReady(ctx context.Context, id, text string, chunks []models.TranscriptChunk) (bool, error)
	SetError(ctx context.Context, id, msg string) (bool, error)
}

type uploadSigner interface {
	UploadTarget(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
}

// Server wires HTTP handlers for upload intake, conversation reads, and the
// transcription webhook.
type Server struct {
	cfg     config.Config
	store   conversationStore
	queue   *queue.RedisQueue
	signer  uploadSigner
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st conversationStore, q *queue.RedisQueue, signer uploadSigner, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, queue: q, signer: signer, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/conversations", s.handleCreate)
	r.Get("/conversations", s.handleList)
	r.Get("/conversations/{id}", s.handleGet)
	r.Post("/conversations/{id}/confirm", s.handleConfirm)
	r.Post("/webhooks/transcription", s.handleTranscriptionWebhook)
	return r
}

type createRequest struct {
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
}

type createResponse struct {
	Conversation models.ConversationView `json:"conversation"`
	UploadURL    string                  `json:"upload_url"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.ContentType == "" {
		req.ContentType = "audio/mpeg"
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	conv, err := s.store.Create(r.Context(), owner, req.Title)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	uploadURL, err := s.signer.UploadTarget(r.Context(), conv.StorageKey, req.ContentType, s.cfg.UploadTTL)
	if err != nil {
		log.Printf("api: presign upload for %s failed: %v", conv.ID, err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	telemetry.ConversationsCreated.Inc()
	writeJSON(w, http.StatusCreated, createResponse{Conversation: conv.View(), UploadURL: uploadURL})
}

// handleConfirm marks the upload as landed and enqueues the transcription
// job. Re-confirming an already-queued conversation is a 409, never a second
// publish; a confirm whose publish failed can be retried from FILE_READY.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	conv, err := s.store.GetOwned(r.Context(), owner, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch conv.State {
	case models.StateUploading:
		applied, err := s.store.Transition(r.Context(), id, models.StateFileReady, models.StateUploading)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !applied {
			http.Error(w, "already confirmed", http.StatusConflict)
			return
		}
	case models.StateFileReady:
		// A previous confirm moved the row but failed to publish; retry.
	default:
		http.Error(w, "already confirmed", http.StatusConflict)
		return
	}

	job := queue.TranscriptionJob{ConversationID: conv.ID, StorageKey: conv.StorageKey, Owner: owner}
	if _, err := s.queue.Publish(r.Context(), s.cfg.TranscriptionQueue, job, 0); err != nil {
		log.Printf("api: publish transcription job for %s failed: %v", conv.ID, err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	if applied, err := s.store.Transition(r.Context(), id, models.StateTranscriptionQueued, models.StateFileReady); err != nil || !applied {
		// The job is in the queue either way; a concurrent confirm may have
		// advanced the row first and the duplicate submission is tolerated
		// downstream.
		log.Printf("api: conversation %s queued but state not updated (applied=%v err=%v)", conv.ID, applied, err)
	}

	telemetry.UploadsConfirmed.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	convs, err := s.store.ListOwned(r.Context(), owner)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]models.ConversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, c.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": views})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	conv, err := s.store.GetOwned(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conv.View())
}

// handleTranscriptionWebhook finalizes the transcription stage when the
// engine reports completion. It answers 200 for every payload it can parse:
// a non-200 would trigger the engine's own retry policy and the source event
// is not re-derivable anyway. Correlation is purely by stored job id.
func (s *Server) handleTranscriptionWebhook(w http.ResponseWriter, r *http.Request) {
	var payload transcribe.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	telemetry.WebhooksReceived.Inc()

	conv, err := s.store.GetByTranscriptionJobID(r.Context(), payload.RequestID)
	if err != nil {
		// Unknown job id: either a superseded submission or a foreign
		// event. Dropped by design.
		log.Printf("webhook: no conversation for request_id=%s status=%s", payload.RequestID, payload.Status)
		telemetry.WebhooksDropped.Inc()
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	if payload.Status == transcribe.StatusOK && payload.Payload != nil {
		applied, err := s.store.SetTranscriptionReady(r.Context(), conv.ID, payload.Payload.Text, payload.Payload.TranscriptChunks())
		if err != nil || !applied {
			log.Printf("webhook: transcript update for %s not applied (applied=%v err=%v)", conv.ID, applied, err)
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "conversation_id": conv.ID})
			return
		}
		log.Printf("webhook: conversation %s transcribed (%d chars)", conv.ID, len(payload.Payload.Text))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation_id": conv.ID})
		return
	}

	msg := fmt.Sprintf("transcription failed with status: %s", payload.Status)
	if payload.Error != nil && *payload.Error != "" {
		msg = *payload.Error
	}
	if applied, err := s.store.SetError(r.Context(), conv.ID, msg); err != nil || !applied {
		log.Printf("webhook: error update for %s not applied (applied=%v err=%v)", conv.ID, applied, err)
	}
	log.Printf("webhook: conversation %s failed: %s", conv.ID, msg)
	writeJSON(w, http.StatusOK, map[string]any{"success": false, "conversation_id": conv.ID})
}

func ownerFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
