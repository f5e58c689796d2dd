package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordwise/regent/internal/domain"
)

func testRecord(id, userID string, msgs int) *Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &Record{
		Session: domain.Session{
			ID:                  id,
			UserID:              userID,
			Email:               userID + "@example.com",
			Name:                "Test User",
			EncryptedCredential: "rgv1:sealed",
			CreatedAt:           now,
			LastActivityAt:      now,
			ExpiresAt:           now.Add(time.Hour),
			Status:              domain.StatusActive,
			Metadata:            map[string]any{"source": "test"},
		},
		Cache: domain.Cache{
			SessionID:           id,
			ConversationSummary: "summary",
			UserPreferences:     map[string]any{"format": "table"},
			State:               map[string]any{"step": "one"},
		},
	}
	for i := 0; i < msgs; i++ {
		rec.Conversation = append(rec.Conversation, domain.Message{
			ID:        id + "-m" + string(rune('a'+i)),
			SessionID: id,
			Role:      "user",
			Content:   "content",
			Timestamp: now.Add(time.Duration(i) * time.Second),
			ToolsUsed: []string{"search_records"},
		})
	}
	return rec
}

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:", testLog)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	rec := testRecord("s-1", "user-1", 3)
	require.NoError(t, b.Save(ctx, rec))

	recs, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got := recs[0]
	assert.Equal(t, rec.Session.ID, got.Session.ID)
	assert.Equal(t, rec.Session.UserID, got.Session.UserID)
	assert.Equal(t, "rgv1:sealed", got.Session.EncryptedCredential)
	assert.Equal(t, domain.StatusActive, got.Session.Status)
	assert.Equal(t, "test", got.Session.Metadata["source"])
	assert.True(t, rec.Session.ExpiresAt.Equal(got.Session.ExpiresAt))

	require.Len(t, got.Conversation, 3)
	assert.Equal(t, rec.Conversation[0].ID, got.Conversation[0].ID)
	assert.Equal(t, []string{"search_records"}, got.Conversation[0].ToolsUsed)

	assert.Equal(t, "summary", got.Cache.ConversationSummary)
	assert.Equal(t, "table", got.Cache.UserPreferences["format"])
	assert.Equal(t, "one", got.Cache.State["step"])
}

func TestSQLiteBackend_SaveReplaces(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:", testLog)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	rec := testRecord("s-1", "user-1", 5)
	require.NoError(t, b.Save(ctx, rec))

	rec.Conversation = rec.Conversation[3:]
	rec.Session.Status = domain.StatusIdle
	require.NoError(t, b.Save(ctx, rec))

	recs, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Conversation, 2)
	assert.Equal(t, domain.StatusIdle, recs[0].Session.Status)
}

func TestSQLiteBackend_Delete(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:", testLog)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, testRecord("s-1", "user-1", 2)))
	require.NoError(t, b.Delete(ctx, "s-1"))
	require.NoError(t, b.Delete(ctx, "s-1")) // deleting twice is fine

	recs, err := b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSQLiteBackend_CorruptColumnLoadsEmpty(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:", testLog)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, testRecord("s-1", "user-1", 1)))
	_, err = b.db.ExecContext(ctx, `UPDATE sessions SET metadata = '{not json'`)
	require.NoError(t, err)

	recs, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Session.Metadata)
	assert.Equal(t, "table", recs[0].Cache.UserPreferences["format"])
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	b, err := NewSQLiteBackend(path, testLog)
	require.NoError(t, err)
	require.NoError(t, b.Save(ctx, testRecord("s-1", "user-1", 1)))
	require.NoError(t, b.Close())

	b2, err := NewSQLiteBackend(path, testLog)
	require.NoError(t, err)
	defer b2.Close()

	recs, err := b2.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "s-1", recs[0].Session.ID)
	require.Len(t, recs[0].Conversation, 1)
}

func TestStore_WithSQLiteBackend(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:", testLog)
	require.NoError(t, err)
	ctx := context.Background()

	s, err := NewStore(ctx, b, Options{}, testLog)
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.Create(ctx, alice(), "rgv1:sealed", nil)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, sess.ID, "user", "hello", nil, nil)
	require.NoError(t, err)

	_, total, err := s.Conversation(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
