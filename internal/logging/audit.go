package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit records the journey of a gated request through the workflow: each
// authentication, authorization decision, and tool invocation becomes one
// JSON line in the audit file. Entries within a journey share a journey ID
// so a full request can be reconstructed afterwards.
type Audit struct {
	zl zerolog.Logger
	f  *os.File
}

// NewAudit opens (or creates) an append-only JSON audit log at path.
func NewAudit(path string) (*Audit, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	zl := zerolog.New(zerolog.SyncWriter(f)).With().Timestamp().Logger()
	return &Audit{zl: zl, f: f}, nil
}

// NewAuditWriter builds an audit trail on an arbitrary writer (used in tests).
func NewAuditWriter(w io.Writer) *Audit {
	return &Audit{zl: zerolog.New(zerolog.SyncWriter(w)).With().Timestamp().Logger()}
}

// Close closes the underlying audit file, if any.
func (a *Audit) Close() error {
	if a.f == nil {
		return nil
	}
	return a.f.Close()
}

// StartJourney records the beginning of a logical request and returns its
// journey ID for subsequent entries.
func (a *Audit) StartJourney(subject string) string {
	id := uuid.New().String()
	a.event("journey_start").Str("journey", id).Str("subject", subject).Send()
	return id
}

// Step records a single workflow step outcome within a journey.
func (a *Audit) Step(journeyID, step string, ok bool, detail string) {
	ev := a.event("step").Str("journey", journeyID).Str("step", step).Bool("ok", ok)
	if detail != "" {
		ev = ev.Str("detail", detail)
	}
	ev.Send()
}

// Tool records a gated tool invocation and its outcome.
func (a *Audit) Tool(journeyID, tool string, ok bool, durMS int64) {
	a.event("tool_call").
		Str("journey", journeyID).
		Str("tool", tool).
		Bool("ok", ok).
		Int64("duration_ms", durMS).
		Send()
}

// Denied records an authorization refusal.
func (a *Audit) Denied(journeyID, subject, role, operation string) {
	a.event("denied").
		Str("journey", journeyID).
		Str("subject", subject).
		Str("role", role).
		Str("operation", operation).
		Send()
}

// EndJourney records the completion of a logical request.
func (a *Audit) EndJourney(journeyID string, ok bool) {
	a.event("journey_end").Str("journey", journeyID).Bool("ok", ok).Send()
}

func (a *Audit) event(kind string) *zerolog.Event {
	return a.zl.Log().Str("event", kind).Time("at", time.Now().UTC())
}
