package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmit(t *testing.T) {
	var gotWebhook, gotAudioURL, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWebhook = r.URL.Query().Get("webhook")
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			AudioURL string `json:"audio_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotAudioURL = req.AudioURL
		_ = json.NewEncoder(w).Encode(map[string]string{"request_id": "J1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	jobID, err := client.Submit(context.Background(), "https://signed/audio.mp3", "https://api/webhooks/transcription?conversation_id=c1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if jobID != "J1" {
		t.Fatalf("expected job id J1, got %q", jobID)
	}
	if gotAudioURL != "https://signed/audio.mp3" {
		t.Fatalf("audio url not forwarded: %q", gotAudioURL)
	}
	if gotWebhook != "https://api/webhooks/transcription?conversation_id=c1" {
		t.Fatalf("callback url not registered: %q", gotWebhook)
	}
	if gotAuth != "Key secret" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
}

func TestSubmitEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.Submit(context.Background(), "https://signed/audio.mp3", ""); err == nil {
		t.Fatalf("expected error from 503 response")
	}
}

func TestSubmitMissingRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.Submit(context.Background(), "https://signed/audio.mp3", ""); err == nil {
		t.Fatalf("expected error for empty request_id")
	}
}

func TestTranscriptChunks(t *testing.T) {
	r := &Result{
		Text: "hello world",
		Chunks: []Chunk{
			{Text: "hello", Timestamp: [2]float64{0, 1.5}},
			{Text: "world", Timestamp: [2]float64{1.5, 2.25}},
		},
	}
	chunks := r.TranscriptChunks()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1].Text != "world" || chunks[1].StartTime != 1.5 || chunks[1].EndTime != 2.25 {
		t.Fatalf("chunk conversion wrong: %+v", chunks[1])
	}

	var nilResult *Result
	if nilResult.TranscriptChunks() != nil {
		t.Fatalf("nil result should yield nil chunks")
	}
}
