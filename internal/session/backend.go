// Package session owns the lifecycle of agent sessions: creation, activity
// tracking, conversation history, the per-session cache, and the idle and
// expiry sweeps. State is held in memory and mirrored to a durable backend,
// so a restart resumes with every session intact.
package session

import (
	"context"

	"github.com/recordwise/regent/internal/domain"
)

// Record is the full durable state of one session: the entity itself, its
// ordered conversation, and its cache.
type Record struct {
	Session      domain.Session   `json:"session"`
	Conversation []domain.Message `json:"conversation"`
	Cache        domain.Cache     `json:"cache"`
}

// Backend persists session records. Implementations must make Save durable
// before returning: the store acknowledges creation and invalidation to
// callers only after the backend has.
type Backend interface {
	// Save writes the full record, replacing any previous state for the
	// same session id.
	Save(ctx context.Context, rec *Record) error

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns every stored record, in no particular order.
	List(ctx context.Context) ([]*Record, error)

	Close() error
}
