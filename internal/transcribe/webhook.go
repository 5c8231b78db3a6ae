package transcribe

import "conversation-pipeline/internal/models"

// WebhookPayload is what the engine POSTs when a submitted job finishes.
// It is ephemeral and never persisted.
type WebhookPayload struct {
	RequestID string  `json:"request_id"`
	Status    string  `json:"status"`
	Error     *string `json:"error,omitempty"`
	Payload   *Result `json:"payload,omitempty"`
}

// Result carries the transcript on success.
type Result struct {
	Text   string  `json:"text"`
	Chunks []Chunk `json:"chunks,omitempty"`
}

// Chunk is the engine's timestamped span: [start, end] in seconds.
type Chunk struct {
	Text      string     `json:"text"`
	Timestamp [2]float64 `json:"timestamp"`
}

// TranscriptChunks converts engine chunks into the persisted shape.
func (r *Result) TranscriptChunks() []models.TranscriptChunk {
	if r == nil || len(r.Chunks) == 0 {
		return nil
	}
	out := make([]models.TranscriptChunk, len(r.Chunks))
	for i, ch := range r.Chunks {
		out[i] = models.TranscriptChunk{
			Text:      ch.Text,
			StartTime: ch.Timestamp[0],
			EndTime:   ch.Timestamp[1],
		}
	}
	return out
}
