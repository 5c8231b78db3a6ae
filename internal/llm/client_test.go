package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestComplete(t *testing.T) {
	var gotModel, gotSystem, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel = req.Model
		if len(req.Messages) == 2 {
			gotSystem = req.Messages[0].Content
			gotUser = req.Messages[1].Content
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Great call."}},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", "gpt-4o-mini")
	out, err := client.Complete(context.Background(), CoachPrompt, "transcript here")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "Great call." {
		t.Fatalf("unexpected completion: %q", out)
	}
	if gotModel != "gpt-4o-mini" || gotSystem != CoachPrompt || gotUser != "transcript here" {
		t.Fatalf("request not shaped as expected: model=%q system=%q user=%q", gotModel, gotSystem, gotUser)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "m")
	if _, err := client.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatalf("expected error for empty choices")
	}
}
