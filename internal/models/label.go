package models

import "time"

// StageLabel is the coarse reader-facing view of a conversation's progress.
// It is always derived from State and never stored.
type StageLabel struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
}

// LabelFor collapses the nine-state machine into the five display buckets.
func LabelFor(s State) StageLabel {
	switch {
	case s == StateUploading:
		return StageLabel{Label: "Uploading...", Severity: "info"}
	case s == StateFileReady, s == StateTranscriptionQueued, s == StateTranscribing:
		return StageLabel{Label: "Transcribing audio...", Severity: "pending"}
	case s == StateTranscriptionReady, s == StateFeedbackGenerationQueued, s == StateFeedbackGenerating:
		return StageLabel{Label: "Generating feedback...", Severity: "pending"}
	case s == StateCompleted:
		return StageLabel{Label: "Completed", Severity: "success"}
	case s == StateError:
		return StageLabel{Label: "Error", Severity: "error"}
	}
	return StageLabel{Label: "Unknown", Severity: "warning"}
}

// ConversationView is the DTO returned by read endpoints. It carries the
// derived stage label next to the raw state.
type ConversationView struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	DurationSeconds   *int              `json:"duration_seconds,omitempty"`
	State             State             `json:"state"`
	Stage             StageLabel        `json:"stage"`
	TranscriptionText *string           `json:"transcription_text,omitempty"`
	Chunks            []TranscriptChunk `json:"transcription_chunks,omitempty"`
	FeedbackText      *string           `json:"feedback_text,omitempty"`
	ErrorMessage      *string           `json:"error_message,omitempty"`
	UpdatedAt         string            `json:"updated_at"`
}

// View maps a Conversation row onto its DTO.
func (c Conversation) View() ConversationView {
	return ConversationView{
		ID:                c.ID,
		Title:             c.Title,
		DurationSeconds:   c.DurationSeconds,
		State:             c.State,
		Stage:             LabelFor(c.State),
		TranscriptionText: c.TranscriptionText,
		Chunks:            c.TranscriptionChunks,
		FeedbackText:      c.FeedbackText,
		ErrorMessage:      c.ErrorMessage,
		UpdatedAt:         c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
