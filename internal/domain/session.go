// Package domain holds the core entities of the identity and session layer:
// sessions, conversation messages, the per-session cache, and the error
// taxonomy shared by every component.
package domain

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive marks a live session within its expiry window.
	StatusActive Status = "active"

	// StatusIdle marks a session with no recent activity. Idle sessions are
	// not promoted back to active automatically; only a new authentication
	// replaces them.
	StatusIdle Status = "idle"

	// StatusExpired is terminal. Expired sessions are removed from the
	// active lookup structures after the tombstone is persisted.
	StatusExpired Status = "expired"
)

// Session binds a verified subject to a lifetime window and conversation
// history. The session store is the only component that mutates sessions.
type Session struct {
	ID     string `json:"session_id"`
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`

	// EncryptedCredential is the vault envelope of the bearer credential.
	// The plaintext credential is never stored.
	EncryptedCredential string `json:"encrypted_credential,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`

	Status   Status         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExpiredAt reports whether the session's absolute expiry has passed at now.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// Redacted returns a copy of the session safe for exposure: the encrypted
// credential is blanked.
func (s *Session) Redacted() Session {
	out := *s
	out.EncryptedCredential = ""
	return out
}

// Message is a single turn in a session's conversation. The sequence is
// append-only and ordered by insertion.
type Message struct {
	ID        string         `json:"message_id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"` // "user" | "assistant"
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	ToolsUsed []string       `json:"tools_used,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Cache is the mutable scratch state attached to a session. It lives and
// dies with its session.
type Cache struct {
	SessionID           string         `json:"session_id"`
	LastMessages        []Message      `json:"last_messages"`
	ConversationSummary string         `json:"conversation_summary"`
	UserPreferences     map[string]any `json:"user_preferences"`
	State               map[string]any `json:"state"`
}

// NewCache returns an empty cache for the given session.
func NewCache(sessionID string) *Cache {
	return &Cache{
		SessionID:       sessionID,
		LastMessages:    []Message{},
		UserPreferences: map[string]any{},
		State:           map[string]any{},
	}
}

// CacheSummary is the redacted view of a cache used in session info.
type CacheSummary struct {
	HasConversationSummary bool           `json:"has_conversation_summary"`
	UserPreferences        map[string]any `json:"user_preferences"`
	StateKeys              []string       `json:"state_keys"`
}

// Info is the safe summary of a session: entity fields without the
// credential, the conversation length, and a cache digest.
type Info struct {
	Session           Session      `json:"session"`
	ConversationCount int          `json:"conversation_count"`
	CacheSummary      CacheSummary `json:"cache_summary"`
}

// Summary is the admin listing row for a session.
type Summary struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Email          string    `json:"email,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Identity is the verified caller extracted from a validated credential.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}
