package queue

// TranscriptionJob is the payload published when an upload is confirmed. It
// carries enough for the worker to avoid a second store lookup.
type TranscriptionJob struct {
	ConversationID string `json:"conversation_id"`
	StorageKey     string `json:"storage_key"`
	Owner          string `json:"owner"`
}

// FeedbackJob is the payload published by the transcription-ready scanner.
type FeedbackJob struct {
	ConversationID string `json:"conversation_id"`
}
