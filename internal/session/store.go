package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/logging"
)

const (
	// DefaultSessionTTL is the absolute session lifetime.
	DefaultSessionTTL = time.Hour

	// DefaultIdleAfter is how long a session may sit without activity
	// before the sweep marks it idle.
	DefaultIdleAfter = 30 * time.Minute

	// DefaultMaxConversationMessages caps a conversation; the oldest
	// messages are evicted first once the cap is reached.
	DefaultMaxConversationMessages = 100

	// cacheWindow is how many recent messages the cache mirrors.
	cacheWindow = 10
)

// Options tunes the store. Zero values take the defaults above.
type Options struct {
	SessionTTL              time.Duration
	IdleAfter               time.Duration
	MaxConversationMessages int
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = DefaultIdleAfter
	}
	if o.MaxConversationMessages <= 0 {
		o.MaxConversationMessages = DefaultMaxConversationMessages
	}
	return o
}

// Store holds every session in memory and mirrors each change to the
// backend. Creation and invalidation return only after the backend write
// succeeds, so an acknowledged session survives a restart.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	byUser  map[string]string

	// userLocks serializes session creation per user, so two concurrent
	// authentications by one caller cannot race into two sessions.
	userLocksMu sync.Mutex
	userLocks   map[string]*sync.Mutex

	backend Backend
	opts    Options
	log     *logging.Logger
	now     func() time.Time
}

// NewStore loads all persisted sessions from the backend and returns a
// ready store.
func NewStore(ctx context.Context, backend Backend, opts Options, log *logging.Logger) (*Store, error) {
	s := &Store{
		records:   make(map[string]*Record),
		byUser:    make(map[string]string),
		userLocks: make(map[string]*sync.Mutex),
		backend:   backend,
		opts:      opts.withDefaults(),
		log:       log.Sub("sessions"),
		now:       time.Now,
	}

	recs, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	for _, rec := range recs {
		rec.Cache.LastMessages = tail(rec.Conversation, cacheWindow)
		s.records[rec.Session.ID] = rec
		if rec.Session.Status == domain.StatusExpired {
			continue
		}
		// One session per user: keep the most recently active one and
		// expire any duplicate left over from an unclean shutdown.
		if otherID, ok := s.byUser[rec.Session.UserID]; ok {
			other := s.records[otherID]
			if other.Session.LastActivityAt.After(rec.Session.LastActivityAt) {
				rec.Session.Status = domain.StatusExpired
				continue
			}
			other.Session.Status = domain.StatusExpired
		}
		s.byUser[rec.Session.UserID] = rec.Session.ID
	}

	s.log.Info().Int("sessions", len(s.records)).Msg("session state loaded")
	return s, nil
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.userLocksMu.Lock()
	defer s.userLocksMu.Unlock()
	mu, ok := s.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.userLocks[userID] = mu
	}
	return mu
}

// Create opens a session for the identity, carrying any caller-supplied
// metadata verbatim. Any previous session of the same user is expired
// first; the new session is durable before Create returns.
func (s *Store) Create(ctx context.Context, id domain.Identity, encryptedCredential string, metadata map[string]any) (*domain.Session, error) {
	if id.UserID == "" {
		return nil, fmt.Errorf("creating session: identity has no user id")
	}

	lock := s.userLock(id.UserID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()
	rec := &Record{
		Session: domain.Session{
			ID:                  uuid.NewString(),
			UserID:              id.UserID,
			Email:               id.Email,
			Name:                id.Name,
			EncryptedCredential: encryptedCredential,
			CreatedAt:           now,
			LastActivityAt:      now,
			ExpiresAt:           now.Add(s.opts.SessionTTL),
			Status:              domain.StatusActive,
			Metadata:            metadata,
		},
		Cache: *domain.NewCache(""),
	}
	rec.Cache.SessionID = rec.Session.ID

	if err := s.backend.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if oldID, ok := s.byUser[id.UserID]; ok {
		if old := s.records[oldID]; old != nil {
			old.Session.Status = domain.StatusExpired
			if err := s.backend.Save(ctx, old); err != nil {
				s.log.Warn().Str("session_id", oldID).Err(err).Msg("failed to persist replaced session")
			}
		}
	}
	s.records[rec.Session.ID] = rec
	s.byUser[id.UserID] = rec.Session.ID

	s.log.Info().Str("session_id", rec.Session.ID).Str("user_id", id.UserID).Msg("session created")
	out := rec.Session
	return &out, nil
}

// Get returns a copy of the session.
func (s *Store) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, domain.E(domain.CodeSessionNotFound, "session not found").
			WithNext("authenticate to open a session")
	}
	out := rec.Session
	return &out, nil
}

// GetByUser returns a copy of the user's current session.
func (s *Store) GetByUser(_ context.Context, userID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUser[userID]
	if !ok {
		return nil, domain.E(domain.CodeSessionNotFound, "user has no session")
	}
	out := s.records[id].Session
	return &out, nil
}

// Touch records activity on the session. Status is left alone: an idle
// session does not revive by being touched.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, func(rec *Record) error {
		rec.Session.LastActivityAt = s.now()
		return nil
	})
}

// SetStatus moves the session to the given status. An expired session
// leaves the per-user index, freeing the user to authenticate again.
func (s *Store) SetStatus(ctx context.Context, sessionID string, status domain.Status) error {
	return s.update(ctx, sessionID, func(rec *Record) error {
		rec.Session.Status = status
		if status == domain.StatusExpired {
			s.dropUserIndex(rec)
		}
		return nil
	})
}

// Invalidate removes the session, its conversation, and its cache. The
// deletion is durable before Invalidate returns.
func (s *Store) Invalidate(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return domain.E(domain.CodeSessionNotFound, "session not found")
	}
	if err := s.backend.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	delete(s.records, sessionID)
	s.dropUserIndex(rec)
	s.log.Info().Str("session_id", sessionID).Msg("session invalidated")
	return nil
}

// AppendMessage adds a turn to the conversation, evicting the oldest
// message beyond the cap, and refreshes the cache mirror. toolsUsed and
// metadata ride along on the stored message.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string, toolsUsed []string, metadata map[string]any) (domain.Message, error) {
	msg := domain.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
		ToolsUsed: toolsUsed,
		Metadata:  metadata,
	}
	err := s.update(ctx, sessionID, func(rec *Record) error {
		if rec.Session.Status == domain.StatusExpired {
			return domain.E(domain.CodeSessionExpired, "session has expired")
		}
		rec.Conversation = append(rec.Conversation, msg)
		if len(rec.Conversation) > s.opts.MaxConversationMessages {
			rec.Conversation = rec.Conversation[len(rec.Conversation)-s.opts.MaxConversationMessages:]
		}
		rec.Cache.LastMessages = tail(rec.Conversation, cacheWindow)
		rec.Session.LastActivityAt = msg.Timestamp
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// Conversation returns the most recent limit messages, shifted back offset
// from the tail, in chronological order, along with the total conversation
// length. limit <= 0 means no limit; an offset at or past the conversation
// length yields an empty slice.
func (s *Store) Conversation(_ context.Context, sessionID string, limit, offset int) ([]domain.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, 0, domain.E(domain.CodeSessionNotFound, "session not found")
	}

	total := len(rec.Conversation)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []domain.Message{}, total, nil
	}
	end := total - offset
	start := 0
	if limit > 0 && end-limit > start {
		start = end - limit
	}
	out := make([]domain.Message, end-start)
	copy(out, rec.Conversation[start:end])
	return out, total, nil
}

// ClearConversation wipes the conversation and resets the cache, leaving
// the session itself alive.
func (s *Store) ClearConversation(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, func(rec *Record) error {
		rec.Conversation = nil
		rec.Cache = *domain.NewCache(sessionID)
		rec.Session.LastActivityAt = s.now()
		return nil
	})
}

// UpdateSummary replaces the conversation summary.
func (s *Store) UpdateSummary(ctx context.Context, sessionID, summary string) error {
	return s.update(ctx, sessionID, func(rec *Record) error {
		rec.Cache.ConversationSummary = summary
		rec.Session.LastActivityAt = s.now()
		return nil
	})
}

// UpdateUserPreferences merges prefs into the cached preferences;
// existing keys not named are kept.
func (s *Store) UpdateUserPreferences(ctx context.Context, sessionID string, prefs map[string]any) error {
	return s.update(ctx, sessionID, func(rec *Record) error {
		if rec.Cache.UserPreferences == nil {
			rec.Cache.UserPreferences = map[string]any{}
		}
		for k, v := range prefs {
			rec.Cache.UserPreferences[k] = v
		}
		rec.Session.LastActivityAt = s.now()
		return nil
	})
}

// CacheUpdate names the cache fields one UpdateCache call touches. Nil
// fields are left as they are; UserPreferences merges key by key, State
// replaces wholesale.
type CacheUpdate struct {
	ConversationSummary *string
	UserPreferences     map[string]any
	State               map[string]any
}

// UpdateCache applies a partial cache update in a single durable write.
func (s *Store) UpdateCache(ctx context.Context, sessionID string, upd CacheUpdate) error {
	return s.update(ctx, sessionID, func(rec *Record) error {
		if upd.ConversationSummary != nil {
			rec.Cache.ConversationSummary = *upd.ConversationSummary
		}
		if upd.UserPreferences != nil {
			if rec.Cache.UserPreferences == nil {
				rec.Cache.UserPreferences = map[string]any{}
			}
			for k, v := range upd.UserPreferences {
				rec.Cache.UserPreferences[k] = v
			}
		}
		if upd.State != nil {
			rec.Cache.State = upd.State
		}
		rec.Session.LastActivityAt = s.now()
		return nil
	})
}

// SetState replaces the working state wholesale.
func (s *Store) SetState(ctx context.Context, sessionID string, state map[string]any) error {
	return s.update(ctx, sessionID, func(rec *Record) error {
		rec.Cache.State = state
		rec.Session.LastActivityAt = s.now()
		return nil
	})
}

// GetState returns a copy of the working state.
func (s *Store) GetState(_ context.Context, sessionID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, domain.E(domain.CodeSessionNotFound, "session not found")
	}
	out := make(map[string]any, len(rec.Cache.State))
	for k, v := range rec.Cache.State {
		out[k] = v
	}
	return out, nil
}

// Cache returns a copy of the session's cache.
func (s *Store) Cache(_ context.Context, sessionID string) (domain.Cache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return domain.Cache{}, domain.E(domain.CodeSessionNotFound, "session not found")
	}
	out := rec.Cache
	out.LastMessages = append([]domain.Message(nil), rec.Cache.LastMessages...)
	out.UserPreferences = copyMap(rec.Cache.UserPreferences)
	out.State = copyMap(rec.Cache.State)
	return out, nil
}

// Info returns the safe summary of a session.
func (s *Store) Info(_ context.Context, sessionID string) (domain.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return domain.Info{}, domain.E(domain.CodeSessionNotFound, "session not found")
	}

	keys := make([]string, 0, len(rec.Cache.State))
	for k := range rec.Cache.State {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return domain.Info{
		Session:           rec.Session.Redacted(),
		ConversationCount: len(rec.Conversation),
		CacheSummary: domain.CacheSummary{
			HasConversationSummary: rec.Cache.ConversationSummary != "",
			UserPreferences:        copyMap(rec.Cache.UserPreferences),
			StateKeys:              keys,
		},
	}, nil
}

// Credential returns the session's sealed credential envelope.
func (s *Store) Credential(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return "", domain.E(domain.CodeSessionNotFound, "session not found")
	}
	return rec.Session.EncryptedCredential, nil
}

// MarkIdleSessions moves active sessions without recent activity to idle
// and returns their ids.
func (s *Store) MarkIdleSessions(ctx context.Context) []string {
	cutoff := s.now().Add(-s.opts.IdleAfter)
	s.mu.Lock()
	defer s.mu.Unlock()

	var idled []string
	for _, rec := range s.records {
		if rec.Session.Status != domain.StatusActive {
			continue
		}
		if rec.Session.LastActivityAt.After(cutoff) {
			continue
		}
		rec.Session.Status = domain.StatusIdle
		if err := s.backend.Save(ctx, rec); err != nil {
			s.log.Warn().Str("session_id", rec.Session.ID).Err(err).Msg("failed to persist idle transition")
		}
		idled = append(idled, rec.Session.ID)
	}
	if len(idled) > 0 {
		s.log.Info().Int("sessions", len(idled)).Msg("marked idle sessions")
	}
	return idled
}

// ReapExpiredSessions removes every session past its absolute expiry (or
// already expired) and returns the ids it removed.
func (s *Store) ReapExpiredSessions(ctx context.Context) []string {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []string
	for id, rec := range s.records {
		if rec.Session.Status != domain.StatusExpired && !rec.Session.ExpiredAt(now) {
			continue
		}
		if err := s.backend.Delete(ctx, id); err != nil {
			s.log.Warn().Str("session_id", id).Err(err).Msg("failed to delete expired session")
			continue
		}
		delete(s.records, id)
		s.dropUserIndex(rec)
		reaped = append(reaped, id)
	}
	if len(reaped) > 0 {
		s.log.Info().Int("sessions", len(reaped)).Msg("reaped expired sessions")
	}
	return reaped
}

// ActiveCount returns the number of active sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.Session.Status == domain.StatusActive {
			n++
		}
	}
	return n
}

// Summaries lists every session, most recently active first.
func (s *Store) Summaries() []domain.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Summary, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, domain.Summary{
			ID:             rec.Session.ID,
			UserID:         rec.Session.UserID,
			Email:          rec.Session.Email,
			Status:         rec.Session.Status,
			CreatedAt:      rec.Session.CreatedAt,
			LastActivityAt: rec.Session.LastActivityAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Close flushes nothing (every mutation is already persisted) and closes
// the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// update applies fn to the record under the write lock and persists the
// result.
func (s *Store) update(ctx context.Context, sessionID string, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return domain.E(domain.CodeSessionNotFound, "session not found")
	}
	if err := fn(rec); err != nil {
		return err
	}
	if err := s.backend.Save(ctx, rec); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// dropUserIndex removes the user mapping if it still points at rec.
func (s *Store) dropUserIndex(rec *Record) {
	if s.byUser[rec.Session.UserID] == rec.Session.ID {
		delete(s.byUser, rec.Session.UserID)
	}
}

func tail(msgs []domain.Message, n int) []domain.Message {
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
