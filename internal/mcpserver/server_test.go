package mcpserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordwise/regent/internal/auth"
	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/keys"
	"github.com/recordwise/regent/internal/logging"
	"github.com/recordwise/regent/internal/records"
	"github.com/recordwise/regent/internal/session"
	"github.com/recordwise/regent/internal/workflow"
)

const (
	testIssuer   = "https://id.example.com"
	testAudience = "records-api"
)

type fixture struct {
	srv   *Server
	store *session.Store
	key   *rsa.PrivateKey
	ctx   context.Context
}

// token mints a credential for the fixture's trusted key.
func (f *fixture) token(t *testing.T, overrides map[string]any) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   "user-1",
		"email": "alice@example.com",
		"name":  "Alice Liddell",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.New(io.Discard, "silent")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pub := &key.PublicKey
		doc := map[string]any{"keys": []map[string]string{{
			"kty": "RSA", "kid": "k1", "alg": "RS256",
			"n": base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}}
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(jwksSrv.Close)

	recordsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("email") {
		case "alice@example.com":
			fmt.Fprint(w, `{"role":"Records Manager","display_name":"Alice Liddell"}`)
		case "iq@example.com":
			fmt.Fprint(w, `{"role":"Inquiry User"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(recordsSrv.Close)

	ctx := context.Background()
	backend, err := session.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)
	store, err := session.NewStore(ctx, backend, session.Options{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vault, err := auth.NewVault("server-test-secret")
	require.NoError(t, err)

	kc := keys.New(jwksSrv.URL, time.Hour, jwksSrv.Client(), log)
	validator := auth.NewValidator(kc, testIssuer, testAudience, log)
	policy := auth.NewPolicy(log)
	directory := records.New(recordsSrv.URL, recordsSrv.Client(), log)
	audit := logging.NewAuditWriter(io.Discard)
	guard := workflow.NewGuard(log)
	gateway := auth.NewGateway(validator, vault, policy, directory, store, audit, log)

	srv := New(Deps{
		Gateway:   gateway,
		Validator: validator,
		Store:     store,
		Guard:     guard,
		Directory: directory,
		Audit:     audit,
		Log:       log,
		Version:   "test",
	})
	return &fixture{srv: srv, store: store, key: key, ctx: ctx}
}

// call invokes a handler and decodes its JSON payload.
func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) map[string]any {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args

	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.False(t, res.IsError, "unexpected protocol error: %+v", res.Content)

	text, okType := mcp.AsTextContent(res.Content[0])
	require.True(t, okType)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func sessionID(t *testing.T, out map[string]any) string {
	t.Helper()
	sess, okType := out["session"].(map[string]any)
	require.True(t, okType, "no session in %v", out)
	id, _ := sess["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestAuthenticateUser(t *testing.T) {
	f := newFixture(t)
	out := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": f.token(t, nil)})

	require.Equal(t, true, out["ok"], "message: %v", out["message"])
	assert.Equal(t, "Records Manager", out["role"])
	assert.Contains(t, out["operations"], "update")
	assert.Equal(t, false, out["credential_expiring_soon"])

	sess := out["session"].(map[string]any)
	assert.Equal(t, "active", sess["status"])
	_, leaked := sess["encrypted_credential"]
	assert.False(t, leaked)
}

func TestAuthenticateUser_Failures(t *testing.T) {
	f := newFixture(t)

	t.Run("unregistered user", func(t *testing.T) {
		out := call(t, f.srv.handleAuthenticateUser, map[string]any{
			"bearer_token": f.token(t, map[string]any{"email": "nobody@example.com"}),
		})
		assert.Equal(t, false, out["ok"])
		assert.Equal(t, "not_authorized", out["error"])
		assert.NotEmpty(t, out["next_step"])
	})

	t.Run("garbage credential", func(t *testing.T) {
		out := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": "garbage"})
		assert.Equal(t, false, out["ok"])
		assert.Equal(t, "malformed_credential", out["error"])
	})

	t.Run("expired credential", func(t *testing.T) {
		out := call(t, f.srv.handleAuthenticateUser, map[string]any{
			"bearer_token": f.token(t, map[string]any{"exp": time.Now().Add(-2 * time.Hour).Unix()}),
		})
		assert.Equal(t, false, out["ok"])
		assert.Equal(t, "invalid_credential", out["error"])
	})
}

func TestValidateSession(t *testing.T) {
	f := newFixture(t)
	authed := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": f.token(t, nil)})
	id := sessionID(t, authed)

	t.Run("live session", func(t *testing.T) {
		out := call(t, f.srv.handleValidateSession, map[string]any{"session_id": id})
		assert.Equal(t, true, out["ok"])
	})

	t.Run("foreign subject rejected", func(t *testing.T) {
		out := call(t, f.srv.handleValidateSession, map[string]any{
			"session_id":   id,
			"bearer_token": f.token(t, map[string]any{"sub": "user-2", "email": "iq@example.com"}),
		})
		assert.Equal(t, false, out["ok"])
		assert.Equal(t, "invalid_credential", out["error"])
	})

	t.Run("unknown session", func(t *testing.T) {
		out := call(t, f.srv.handleValidateSession, map[string]any{"session_id": "nope"})
		assert.Equal(t, false, out["ok"])
		assert.Equal(t, "session_not_found", out["error"])
	})

	t.Run("resolved via bearer alone", func(t *testing.T) {
		out := call(t, f.srv.handleValidateSession, map[string]any{"bearer_token": f.token(t, nil)})
		require.Equal(t, true, out["ok"])
		assert.Equal(t, id, sessionID(t, out))
	})

	t.Run("idle session revives when require_active is false", func(t *testing.T) {
		require.NoError(t, f.store.SetStatus(f.ctx, id, domain.StatusIdle))

		out := call(t, f.srv.handleValidateSession, map[string]any{"session_id": id})
		assert.Equal(t, false, out["ok"])
		assert.Equal(t, "session_inactive", out["error"])

		out = call(t, f.srv.handleValidateSession, map[string]any{
			"session_id": id, "require_active": false,
		})
		require.Equal(t, true, out["ok"])

		revived, err := f.store.Get(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, revived.Status)
	})
}

func TestGatedToolsAcceptBearerInsteadOfSessionID(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, nil)
	authed := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": tok})
	id := sessionID(t, authed)

	out := call(t, f.srv.handleCheckAuthorization, map[string]any{"bearer_token": tok, "operation": "search"})
	assert.Equal(t, true, out["ok"])

	out = call(t, f.srv.handleGetSessionInfo, map[string]any{"bearer_token": tok})
	require.Equal(t, true, out["ok"])
	info := out["info"].(map[string]any)
	assert.Equal(t, id, info["session"].(map[string]any)["session_id"])

	res, err := f.srv.handleGetSessionState(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, res.IsError, "a call with neither identifier must be rejected")
}

func TestValidateEmail(t *testing.T) {
	f := newFixture(t)

	out := call(t, f.srv.handleValidateEmail, map[string]any{"email": "alice@example.com"})
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["exists"])
	assert.Equal(t, "Records Manager", out["role"])

	out = call(t, f.srv.handleValidateEmail, map[string]any{"email": "ghost@example.com"})
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, false, out["exists"])
}

func TestDetectIntent(t *testing.T) {
	f := newFixture(t)

	out := call(t, f.srv.handleDetectIntent, map[string]any{"message": "find the Smith contract"})
	assert.Equal(t, "search", out["intent"])
	assert.Equal(t, []any{"authenticate_user", "check_authorization", "execute"}, out["required_sequence"])

	// No session means no gate state to report.
	_, has := out["cleared_to_execute"]
	assert.False(t, has)

	out = call(t, f.srv.handleDetectIntent, map[string]any{
		"message":    "update the retention date",
		"session_id": "existing",
	})
	assert.Equal(t, "update", out["intent"])
	assert.Equal(t, []any{"validate_session", "check_authorization", "execute"}, out["required_sequence"])
}

func TestWorkflowGates(t *testing.T) {
	f := newFixture(t)
	authed := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": f.token(t, nil)})
	id := sessionID(t, authed)

	intentArgs := map[string]any{"message": "update the retention date", "session_id": id}

	// Authenticated and validated, but the update gate is still shut.
	out := call(t, f.srv.handleDetectIntent, intentArgs)
	assert.Equal(t, false, out["cleared_to_execute"])

	out = call(t, f.srv.handleCheckAuthorization, map[string]any{"session_id": id, "operation": "update"})
	require.Equal(t, true, out["ok"])

	out = call(t, f.srv.handleDetectIntent, intentArgs)
	assert.Equal(t, true, out["cleared_to_execute"])

	// The assistant's reply ends the turn and shuts the gates again.
	out = call(t, f.srv.handleRecordMessage, map[string]any{
		"session_id": id, "role": "assistant", "content": "done, the date is updated",
	})
	require.Equal(t, true, out["ok"])

	out = call(t, f.srv.handleDetectIntent, intentArgs)
	assert.Equal(t, false, out["cleared_to_execute"])

	// Revalidating reopens the turn; help needs no authorization gate.
	out = call(t, f.srv.handleValidateSession, map[string]any{"session_id": id})
	require.Equal(t, true, out["ok"])

	out = call(t, f.srv.handleDetectIntent, map[string]any{"message": "what can you do?", "session_id": id})
	assert.Equal(t, "help", out["intent"])
	assert.Equal(t, true, out["cleared_to_execute"])
}

func TestCheckAuthorization(t *testing.T) {
	f := newFixture(t)

	manager := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": f.token(t, nil)})
	managerID := sessionID(t, manager)
	inquiry := call(t, f.srv.handleAuthenticateUser, map[string]any{
		"bearer_token": f.token(t, map[string]any{"sub": "user-2", "email": "iq@example.com"}),
	})
	inquiryID := sessionID(t, inquiry)

	out := call(t, f.srv.handleCheckAuthorization, map[string]any{"session_id": managerID, "operation": "update"})
	assert.Equal(t, true, out["ok"])

	out = call(t, f.srv.handleCheckAuthorization, map[string]any{"session_id": inquiryID, "operation": "create"})
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "not_authorized", out["error"])
	assert.NotEmpty(t, out["next_step"])

	out = call(t, f.srv.handleCheckAuthorization, map[string]any{"session_id": inquiryID, "operation": "help"})
	assert.Equal(t, true, out["ok"])
}

func TestConversationRoundTrip(t *testing.T) {
	f := newFixture(t)
	authed := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": f.token(t, nil)})
	id := sessionID(t, authed)

	for i := 1; i <= 3; i++ {
		out := call(t, f.srv.handleRecordMessage, map[string]any{
			"session_id": id, "role": "user", "content": fmt.Sprintf("message %d", i),
			"metadata": map[string]any{"turn": fmt.Sprintf("%d", i)},
		})
		require.Equal(t, true, out["ok"])
	}

	out := call(t, f.srv.handleGetConversationHistory, map[string]any{"session_id": id})
	assert.Equal(t, float64(3), out["total"])
	msgs := out["messages"].([]any)
	require.Len(t, msgs, 3)
	assert.Equal(t, "message 1", msgs[0].(map[string]any)["content"])
	assert.Equal(t, map[string]any{"turn": "1"}, msgs[0].(map[string]any)["metadata"])

	// limit counts back from the tail; offset shifts the window further back.
	out = call(t, f.srv.handleGetConversationHistory, map[string]any{
		"session_id": id, "limit": float64(1), "offset": float64(2),
	})
	msgs = out["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "message 1", msgs[0].(map[string]any)["content"])
}

func TestMemoryAndState(t *testing.T) {
	f := newFixture(t)
	authed := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": f.token(t, nil)})
	id := sessionID(t, authed)

	out := call(t, f.srv.handleUpdateMemory, map[string]any{
		"session_id":  id,
		"summary":     "user is looking for March invoices",
		"preferences": map[string]any{"format": "table"},
	})
	assert.Equal(t, true, out["ok"])
	assert.ElementsMatch(t, []any{"summary", "preferences"}, out["updated"])

	out = call(t, f.srv.handleUpdateSessionState, map[string]any{
		"session_id": id, "state": map[string]any{"search": "pending"},
	})
	assert.Equal(t, true, out["ok"])

	out = call(t, f.srv.handleGetSessionState, map[string]any{"session_id": id})
	state := out["state"].(map[string]any)
	assert.Equal(t, "pending", state["search"])

	out = call(t, f.srv.handleGetSessionInfo, map[string]any{"session_id": id})
	info := out["info"].(map[string]any)
	cacheSummary := info["cache_summary"].(map[string]any)
	assert.Equal(t, true, cacheSummary["has_conversation_summary"])
	assert.Equal(t, []any{"search"}, cacheSummary["state_keys"])

	out = call(t, f.srv.handleClearSession, map[string]any{"session_id": id})
	assert.Equal(t, true, out["ok"])
	out = call(t, f.srv.handleGetConversationHistory, map[string]any{"session_id": id})
	assert.Equal(t, float64(0), out["total"])
}

func TestEndSession(t *testing.T) {
	f := newFixture(t)
	authed := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": f.token(t, nil)})
	id := sessionID(t, authed)

	out := call(t, f.srv.handleEndSession, map[string]any{"session_id": id})
	assert.Equal(t, true, out["ok"])

	out = call(t, f.srv.handleValidateSession, map[string]any{"session_id": id})
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "session_not_found", out["error"])
}

func TestValidateToken(t *testing.T) {
	f := newFixture(t)

	out := call(t, f.srv.handleValidateToken, map[string]any{"bearer_token": f.token(t, nil)})
	require.Equal(t, true, out["ok"])
	user := out["user"].(map[string]any)
	assert.Equal(t, "user-1", user["user_id"])
	assert.Equal(t, false, out["expiring_soon"])

	out = call(t, f.srv.handleValidateToken, map[string]any{"bearer_token": "garbage"})
	assert.Equal(t, false, out["ok"])
}

func TestCreateSessionFromToken(t *testing.T) {
	f := newFixture(t)

	out := call(t, f.srv.handleCreateSessionFromToken, map[string]any{
		"bearer_token": f.token(t, nil),
		"metadata":     map[string]any{"origin": "provisioning"},
	})
	require.Equal(t, true, out["ok"])
	id := sessionID(t, out)
	sess := out["session"].(map[string]any)
	assert.Equal(t, map[string]any{"origin": "provisioning"}, sess["metadata"])

	// The session is real: it validates like any other.
	validated := call(t, f.srv.handleValidateSession, map[string]any{"session_id": id})
	assert.Equal(t, true, validated["ok"])
}

// The full journey an agent walks for a returning user, end to end.
func TestAgentJourney(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, nil)

	// First contact: detect intent, authenticate, get clearance.
	intent := call(t, f.srv.handleDetectIntent, map[string]any{"message": "find all invoices from March"})
	assert.Equal(t, "search", intent["intent"])

	authed := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": tok})
	require.Equal(t, true, authed["ok"])
	id := sessionID(t, authed)

	cleared := call(t, f.srv.handleCheckAuthorization, map[string]any{"session_id": id, "operation": "search"})
	require.Equal(t, true, cleared["ok"])

	call(t, f.srv.handleRecordMessage, map[string]any{"session_id": id, "role": "user", "content": "find all invoices from March"})
	call(t, f.srv.handleRecordMessage, map[string]any{"session_id": id, "role": "assistant", "content": "I found 12 invoices."})

	// Second turn: validate instead of re-authenticating.
	validated := call(t, f.srv.handleValidateSession, map[string]any{"session_id": id, "bearer_token": tok})
	require.Equal(t, true, validated["ok"])

	// Re-authenticating resumes the same session.
	again := call(t, f.srv.handleAuthenticateUser, map[string]any{"bearer_token": tok})
	require.Equal(t, true, again["ok"])
	assert.Equal(t, id, sessionID(t, again))

	history := call(t, f.srv.handleGetConversationHistory, map[string]any{"session_id": id})
	assert.Equal(t, float64(2), history["total"])

	ended := call(t, f.srv.handleEndSession, map[string]any{"session_id": id})
	require.Equal(t, true, ended["ok"])
}
