package records

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/logging"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client(), logging.New(io.Discard, "silent"))
}

func TestClient_Lookup(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/lookup", r.URL.Path)
		switch r.URL.Query().Get("email") {
		case "alice@example.com":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"role":"Records Manager","display_name":"Alice Liddell"}`))
		case "ghost@example.com":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	t.Run("registered user", func(t *testing.T) {
		p, err := c.Lookup(context.Background(), "alice@example.com")
		require.NoError(t, err)
		assert.True(t, p.Exists)
		assert.Equal(t, "Records Manager", p.Role)
		assert.Equal(t, "Alice Liddell", p.DisplayName)
	})

	t.Run("unknown user is not an error", func(t *testing.T) {
		p, err := c.Lookup(context.Background(), "ghost@example.com")
		require.NoError(t, err)
		assert.False(t, p.Exists)
	})

	t.Run("server failure", func(t *testing.T) {
		_, err := c.Lookup(context.Background(), "broken@example.com")
		require.Error(t, err)
		assert.Equal(t, domain.CodeUpstreamUnavailable, domain.CodeOf(err))
	})

	t.Run("empty email", func(t *testing.T) {
		_, err := c.Lookup(context.Background(), "")
		require.Error(t, err)
	})
}

func TestClient_Lookup_ExplicitExistsFalse(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"exists":false}`))
	})

	p, err := c.Lookup(context.Background(), "pending@example.com")
	require.NoError(t, err)
	assert.False(t, p.Exists)
}

func TestClient_Lookup_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", nil, logging.New(io.Discard, "silent"))
	_, err := c.Lookup(context.Background(), "alice@example.com")
	require.Error(t, err)
	assert.Equal(t, domain.CodeUpstreamUnavailable, domain.CodeOf(err))
}

func TestClient_VerifyUser(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") == "alice@example.com" {
			w.Write([]byte(`{"role":"Contributor"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	ok, err := c.VerifyUser(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.VerifyUser(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}
