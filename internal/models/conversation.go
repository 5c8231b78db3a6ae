package models

import (
	"errors"
	"time"
)

// State enumerates the conversation pipeline states persisted in Postgres.
type State string

const (
	StateUploading                State = "UPLOADING"
	StateFileReady                State = "FILE_READY"
	StateTranscriptionQueued      State = "TRANSCRIPTION_QUEUED"
	StateTranscribing             State = "TRANSCRIBING"
	StateTranscriptionReady       State = "TRANSCRIPTION_READY"
	StateFeedbackGenerationQueued State = "FEEDBACK_GENERATION_QUEUED"
	StateFeedbackGenerating       State = "FEEDBACK_GENERATING"
	StateCompleted                State = "COMPLETED"
	StateError                    State = "ERROR"
)

// stateOrder gives each state its position in the pipeline. ERROR sits
// outside the ordering and is handled explicitly.
var stateOrder = map[State]int{
	StateUploading:                0,
	StateFileReady:                1,
	StateTranscriptionQueued:      2,
	StateTranscribing:             3,
	StateTranscriptionReady:       4,
	StateFeedbackGenerationQueued: 5,
	StateFeedbackGenerating:       6,
	StateCompleted:                7,
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	if s == StateError {
		return true
	}
	_, ok := stateOrder[s]
	return ok
}

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// CanTransition reports whether moving from one state to another is allowed.
// Transitions are strictly forward; any non-terminal state may move to ERROR.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	fo, ok := stateOrder[from]
	if !ok {
		return false
	}
	too, ok := stateOrder[to]
	if !ok {
		return false
	}
	return too > fo
}

// TranscriptChunk is one timestamped span of the transcript.
type TranscriptChunk struct {
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// Conversation is one uploaded recording and the artifacts produced for it.
type Conversation struct {
	ID                  string            `json:"id"`
	Owner               string            `json:"owner"`
	Title               string            `json:"title"`
	DurationSeconds     *int              `json:"duration_seconds,omitempty"`
	StorageKey          string            `json:"storage_key"`
	State               State             `json:"state"`
	TranscriptionText   *string           `json:"transcription_text,omitempty"`
	TranscriptionChunks []TranscriptChunk `json:"transcription_chunks,omitempty"`
	TranscriptionJobID  *string           `json:"transcription_job_id,omitempty"`
	FeedbackText        *string           `json:"feedback_text,omitempty"`
	ErrorMessage        *string           `json:"error_message,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Pipeline error kinds shared across the API, store, and workers.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrExternalService    = errors.New("external service error")
	ErrQueue              = errors.New("queue error")
)
