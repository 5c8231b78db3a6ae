package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"conversation-pipeline/internal/models"
)

const conversationColumns = `id, owner_id, title, duration_seconds, storage_key, state,
	transcription_text, transcription_chunks, transcription_job_id,
	feedback_text, error_message, created_at, updated_at`

// Store wraps pgxpool for Postgres persistence of conversations.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Create inserts a conversation in UPLOADING with the storage key the upload
// will land under.
func (s *Store) Create(ctx context.Context, owner, title string) (models.Conversation, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	storageKey := fmt.Sprintf("%s/%s/%s", owner, id, title)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, owner_id, title, storage_key, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, owner, title, storageKey, models.StateUploading, now)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	return models.Conversation{
		ID:         id,
		Owner:      owner,
		Title:      title,
		StorageKey: storageKey,
		State:      models.StateUploading,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Get fetches a conversation by id alone. Used where correlation happens by
// something other than the owner (workers, webhook).
func (s *Store) Get(ctx context.Context, id string) (models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

// GetOwned fetches a conversation scoped to its owner. A row belonging to a
// different owner is indistinguishable from a missing one.
func (s *Store) GetOwned(ctx context.Context, owner, id string) (models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND owner_id = $2
	`, id, owner)
	return scanConversation(row)
}

// ListOwned returns all of an owner's conversations, newest first.
func (s *Store) ListOwned(ctx context.Context, owner string) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE owner_id = $1 ORDER BY created_at DESC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

// GetByTranscriptionJobID resolves the row a webhook event belongs to. The
// store is the only correlation table between external job ids and
// conversations.
func (s *Store) GetByTranscriptionJobID(ctx context.Context, jobID string) (models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE transcription_job_id = $1
	`, jobID)
	return scanConversation(row)
}

// ListInState returns up to limit conversations in the given state, oldest
// update first so repeated sweeps make progress on stale rows.
func (s *Store) ListInState(ctx context.Context, state models.State, limit int) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE state = $1 ORDER BY updated_at ASC LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations in state %s: %w", state, err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

// Transition moves a conversation to a new state only if it currently sits
// in one of the expected states. Returns false when the guard did not match,
// which callers treat as "someone else already moved it".
func (s *Store) Transition(ctx context.Context, id string, to models.State, from ...models.State) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = ANY($3)
	`, id, to, stateStrings(from))
	if err != nil {
		return false, fmt.Errorf("transition to %s: %w", to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetTranscribing records the external job id and moves the row to
// TRANSCRIBING. A redelivered message may resubmit, so the guard also
// accepts rows already TRANSCRIBING; the newest job id wins and the
// superseded one is orphaned on purpose.
func (s *Store) SetTranscribing(ctx context.Context, id, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET state = $2, transcription_job_id = $3, updated_at = NOW()
		WHERE id = $1 AND state = ANY($4)
	`, id, models.StateTranscribing, jobID,
		stateStrings([]models.State{models.StateTranscriptionQueued, models.StateTranscribing}))
	if err != nil {
		return false, fmt.Errorf("set transcribing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetTranscriptionReady stores the transcript and moves to
// TRANSCRIPTION_READY. Only a row still TRANSCRIBING accepts it, so a stale
// webhook cannot drag a later row backward.
func (s *Store) SetTranscriptionReady(ctx context.Context, id, text string, chunks []models.TranscriptChunk) (bool, error) {
	var chunksJSON []byte
	if chunks != nil {
		var err error
		chunksJSON, err = json.Marshal(chunks)
		if err != nil {
			return false, fmt.Errorf("marshal chunks: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET state = $2, transcription_text = $3, transcription_chunks = $4, updated_at = NOW()
		WHERE id = $1 AND state = $5
	`, id, models.StateTranscriptionReady, text, chunksJSON, models.StateTranscribing)
	if err != nil {
		return false, fmt.Errorf("set transcription ready: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetFeedbackGenerating claims a feedback job. The guard accepts
// TRANSCRIPTION_READY too: a duplicate publish can arrive for a row whose
// queued-state write failed, and it should still be processed once.
func (s *Store) SetFeedbackGenerating(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = ANY($3)
	`, id, models.StateFeedbackGenerating,
		stateStrings([]models.State{models.StateTranscriptionReady, models.StateFeedbackGenerationQueued}))
	if err != nil {
		return false, fmt.Errorf("set feedback generating: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetCompleted stores the feedback text and finishes the pipeline.
func (s *Store) SetCompleted(ctx context.Context, id, feedback string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET state = $2, feedback_text = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, id, models.StateCompleted, feedback, models.StateFeedbackGenerating)
	if err != nil {
		return false, fmt.Errorf("set completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetError moves any in-flight conversation to ERROR with a message.
// Terminal rows are left alone.
func (s *Store) SetError(ctx context.Context, id, msg string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET state = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND state <> ALL($4)
	`, id, models.StateError, msg,
		stateStrings([]models.State{models.StateCompleted, models.StateError}))
	if err != nil {
		return false, fmt.Errorf("set error: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var (
		c          models.Conversation
		duration   pgtype.Int4
		text       pgtype.Text
		chunksJSON []byte
		jobID      pgtype.Text
		feedback   pgtype.Text
		errMsg     pgtype.Text
	)
	err := row.Scan(&c.ID, &c.Owner, &c.Title, &duration, &c.StorageKey, &c.State,
		&text, &chunksJSON, &jobID, &feedback, &errMsg, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Conversation{}, fmt.Errorf("conversation: %w", models.ErrNotFound)
		}
		return models.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	if duration.Valid {
		d := int(duration.Int32)
		c.DurationSeconds = &d
	}
	c.TranscriptionText = textPtr(text)
	c.TranscriptionJobID = textPtr(jobID)
	c.FeedbackText = textPtr(feedback)
	c.ErrorMessage = textPtr(errMsg)
	if len(chunksJSON) > 0 {
		if err := json.Unmarshal(chunksJSON, &c.TranscriptionChunks); err != nil {
			return models.Conversation{}, fmt.Errorf("unmarshal chunks: %w", err)
		}
	}
	return c, nil
}

func collectConversations(rows pgx.Rows) ([]models.Conversation, error) {
	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func stateStrings(states []models.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
