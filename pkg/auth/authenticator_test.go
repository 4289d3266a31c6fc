package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjadev/toolvault/pkg/apikey"
	"github.com/sjadev/toolvault/pkg/session"
)

type testFixture struct {
	auth     *Authenticator
	sessions *session.Authority
	keys     *apikey.Authority
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	dir := t.TempDir()

	users := map[string]any{
		"users": []session.UserAccount{
			{UserID: "alice", Password: "alice-secret", Tools: []string{"wb_get_countries"}, Enabled: true},
			{UserID: "root", Password: "root-secret", Roles: []string{session.AdminRole}, Enabled: true},
		},
	}
	data, err := json.Marshal(users)
	require.NoError(t, err)
	usersPath := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(usersPath, data, 0600))

	sessions, err := session.NewAuthority(session.Config{UsersPath: usersPath, Logger: zerolog.Nop()})
	require.NoError(t, err)
	keys, err := apikey.NewAuthority(apikey.Config{
		KeysPath: filepath.Join(dir, "apikeys.json"),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	return &testFixture{
		auth:     NewAuthenticator(sessions, keys, zerolog.Nop()),
		sessions: sessions,
		keys:     keys,
	}
}

func (f *testFixture) login(t *testing.T, userID, secret string) string {
	t.Helper()
	token, ok := f.sessions.Authenticate(context.Background(), userID, secret)
	require.True(t, ok)
	return token
}

func (f *testFixture) mintKey(t *testing.T, req apikey.CreateRequest) apikey.Record {
	t.Helper()
	record, err := f.keys.CreateKey(context.Background(), req)
	require.NoError(t, err)
	return record
}

func headers(pairs ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func TestAuthenticator_AuthenticateRequest(t *testing.T) {
	t.Run("should accept a bearer session token", func(t *testing.T) {
		f := newTestFixture(t)
		token := f.login(t, "alice", "alice-secret")

		ctx, ok, _ := f.auth.AuthenticateRequest(headers("Authorization", "Bearer "+token))
		require.True(t, ok)
		assert.Equal(t, TypeSession, ctx.Type)
		assert.Equal(t, "alice", ctx.UserID())
	})

	t.Run("should reject an invalid bearer token without falling through", func(t *testing.T) {
		f := newTestFixture(t)
		record := f.mintKey(t, apikey.CreateRequest{Name: "svc"})

		_, ok, message := f.auth.AuthenticateRequest(headers(
			"Authorization", "Bearer bogus-token",
			APIKeyHeader, record.Key,
		))
		assert.False(t, ok)
		assert.Contains(t, message, "session token")
	})

	t.Run("should accept an API key in the dedicated header", func(t *testing.T) {
		f := newTestFixture(t)
		record := f.mintKey(t, apikey.CreateRequest{Name: "svc", CreatedBy: "alice"})

		ctx, ok, _ := f.auth.AuthenticateRequest(headers(APIKeyHeader, record.Key))
		require.True(t, ok)
		assert.Equal(t, TypeAPIKey, ctx.Type)
		assert.Equal(t, record.Key, ctx.Key.Key)
	})

	t.Run("should accept a bare prefixed key in the authorization header", func(t *testing.T) {
		f := newTestFixture(t)
		record := f.mintKey(t, apikey.CreateRequest{Name: "svc"})

		ctx, ok, _ := f.auth.AuthenticateRequest(headers("Authorization", record.Key))
		require.True(t, ok)
		assert.Equal(t, TypeAPIKey, ctx.Type)
	})

	t.Run("should meter API key usage on success", func(t *testing.T) {
		f := newTestFixture(t)
		record := f.mintKey(t, apikey.CreateRequest{Name: "svc"})

		_, ok, _ := f.auth.AuthenticateRequest(headers(APIKeyHeader, record.Key))
		require.True(t, ok)

		got, found := f.keys.GetKey(record.Key, true)
		require.True(t, found)
		assert.Equal(t, int64(1), got.Usage.TotalRequests)
	})

	t.Run("should throttle a key over its rate limit", func(t *testing.T) {
		f := newTestFixture(t)
		record := f.mintKey(t, apikey.CreateRequest{
			Name:      "svc",
			RateLimit: &apikey.RateLimit{RequestsPerMinute: 1},
		})

		_, ok, _ := f.auth.AuthenticateRequest(headers(APIKeyHeader, record.Key))
		require.True(t, ok)
		_, ok, message := f.auth.AuthenticateRequest(headers(APIKeyHeader, record.Key))
		assert.False(t, ok)
		assert.Contains(t, message, "rate limit")
	})

	t.Run("should reject a request with no credential", func(t *testing.T) {
		f := newTestFixture(t)
		_, ok, message := f.auth.AuthenticateRequest(headers())
		assert.False(t, ok)
		assert.Contains(t, message, "no credential")
	})

	t.Run("should reject an unprefixed authorization value", func(t *testing.T) {
		f := newTestFixture(t)
		_, ok, _ := f.auth.AuthenticateRequest(headers("Authorization", "Basic dXNlcjpwYXNz"))
		assert.False(t, ok)
	})
}

func TestAuthenticator_CheckToolAccess(t *testing.T) {
	t.Run("should dispatch session contexts to the session authority", func(t *testing.T) {
		f := newTestFixture(t)
		token := f.login(t, "alice", "alice-secret")
		ctx, ok, _ := f.auth.AuthenticateRequest(headers("Authorization", "Bearer "+token))
		require.True(t, ok)

		allowed, _ := f.auth.CheckToolAccess(ctx, "wb_get_countries")
		assert.True(t, allowed)
		allowed, reason := f.auth.CheckToolAccess(ctx, "edgar_company_search")
		assert.False(t, allowed)
		assert.Contains(t, reason, "no access")
	})

	t.Run("should dispatch key contexts to the key authority", func(t *testing.T) {
		f := newTestFixture(t)
		record := f.mintKey(t, apikey.CreateRequest{
			Name:       "svc",
			AccessMode: apikey.ModeAllowlist,
			Tools:      []string{"wb_get_countries"},
		})
		ctx, ok, _ := f.auth.AuthenticateRequest(headers(APIKeyHeader, record.Key))
		require.True(t, ok)

		allowed, _ := f.auth.CheckToolAccess(ctx, "wb_get_countries")
		assert.True(t, allowed)
		allowed, _ = f.auth.CheckToolAccess(ctx, "edgar_company_search")
		assert.False(t, allowed)
	})

	t.Run("should deny an unauthenticated context", func(t *testing.T) {
		f := newTestFixture(t)
		allowed, _ := f.auth.CheckToolAccess(Context{}, "anything")
		assert.False(t, allowed)
	})
}

func TestAuthenticator_AccessibleTools(t *testing.T) {
	available := []string{"wb_get_countries", "edgar_company_search"}

	t.Run("should expand the admin wildcard to every available tool", func(t *testing.T) {
		f := newTestFixture(t)
		token := f.login(t, "root", "root-secret")
		ctx, ok, _ := f.auth.AuthenticateRequest(headers("Authorization", "Bearer "+token))
		require.True(t, ok)

		assert.Equal(t, available, f.auth.AccessibleTools(ctx, available))
	})

	t.Run("should filter by the key policy", func(t *testing.T) {
		f := newTestFixture(t)
		record := f.mintKey(t, apikey.CreateRequest{
			Name:       "svc",
			AccessMode: apikey.ModeDenylist,
			Tools:      []string{"edgar_company_search"},
		})
		ctx, ok, _ := f.auth.AuthenticateRequest(headers(APIKeyHeader, record.Key))
		require.True(t, ok)

		assert.Equal(t, []string{"wb_get_countries"}, f.auth.AccessibleTools(ctx, available))
	})
}
