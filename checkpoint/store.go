// Package checkpoint persists one durable snapshot per session: the merged
// workflow state plus the node the session was suspended at. A save
// supersedes the prior checkpoint for the same session; there is no
// version history to merge, the latest snapshot is the truth.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is one session's durable snapshot.
type Checkpoint struct {
	SessionID string          `json:"session_id"`
	State     json.RawMessage `json:"state"`
	Node      string          `json:"node"`
	SavedAt   time.Time       `json:"saved_at"`
}

// Store is the durable mapping from session id to its latest checkpoint.
type Store interface {
	// Save persists the checkpoint, superseding any prior one for the
	// same session.
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns the latest checkpoint for the session, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)
	// Delete removes the session's checkpoint. Deleting a missing session
	// is not an error.
	Delete(ctx context.Context, sessionID string) error
	// List returns the session ids with a stored checkpoint.
	List(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}

func validate(cp *Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint: nil checkpoint")
	}
	if cp.SessionID == "" {
		return errors.New("checkpoint: empty session id")
	}
	return nil
}
