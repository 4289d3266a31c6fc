// Package auth unifies session tokens and API keys behind one
// request-boundary check. Handlers never talk to the two authorities
// directly; they hand the request headers to the Authenticator and get a
// tagged context back.
package auth

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sjadev/toolvault/internal/observability"
	"github.com/sjadev/toolvault/pkg/apikey"
	"github.com/sjadev/toolvault/pkg/session"
)

// APIKeyHeader is the dedicated header API keys travel in.
const APIKeyHeader = "X-API-Key"

// Context types for an authenticated request.
const (
	TypeSession = "session"
	TypeAPIKey  = "apikey"
)

// Context is the tagged result of a successful authentication. Exactly one
// of Session/Key is populated, selected by Type.
type Context struct {
	Type    string
	Session session.Record
	Key     apikey.Record
}

// UserID returns the identity behind the context, for logs and tracing.
func (c Context) UserID() string {
	if c.Type == TypeSession {
		return c.Session.UserID
	}
	return c.Key.CreatedBy
}

// Authenticator resolves request credentials against both authorities.
type Authenticator struct {
	sessions *session.Authority
	keys     *apikey.Authority
	logger   zerolog.Logger
}

// NewAuthenticator wires the two authorities together.
func NewAuthenticator(sessions *session.Authority, keys *apikey.Authority, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		sessions: sessions,
		keys:     keys,
		logger:   logger.With().Str("component", "authenticator").Logger(),
	}
}

// AuthenticateRequest tries, in order: a bearer session token in the
// Authorization header, an API key in the dedicated header, and a bare
// prefixed API key placed in the Authorization header without the bearer
// marker. The first scheme whose credential validates wins; API key hits
// are metered.
func (a *Authenticator) AuthenticateRequest(headers http.Header) (Context, bool, string) {
	authorization := strings.TrimSpace(headers.Get("Authorization"))

	if token, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		record, valid := a.sessions.Validate(strings.TrimSpace(token))
		if valid {
			observability.RecordAuthAttempt("session", "success")
			return Context{Type: TypeSession, Session: record}, true, ""
		}
		observability.RecordAuthAttempt("session", "failure")
		return Context{}, false, "invalid or expired session token"
	}

	if key := strings.TrimSpace(headers.Get(APIKeyHeader)); key != "" {
		return a.authenticateKey(key)
	}

	if authorization != "" && strings.HasPrefix(authorization, a.keys.KeyPrefix()) {
		return a.authenticateKey(authorization)
	}

	observability.RecordAuthAttempt("none", "failure")
	return Context{}, false, "no credential presented"
}

func (a *Authenticator) authenticateKey(key string) (Context, bool, string) {
	record, err := a.keys.ValidateKey(key)
	if err != nil {
		observability.RecordAuthAttempt("apikey", "failure")
		a.logger.Debug().Str("key", apikey.MaskKey(key)).Err(err).Msg("API key rejected")
		return Context{}, false, err.Error()
	}

	if allowed, reason := a.keys.CheckRateLimit(key); !allowed {
		observability.RecordAuthAttempt("apikey", "throttled")
		return Context{}, false, reason
	}

	if err := a.keys.RecordUsage(key); err != nil {
		a.logger.Warn().Str("key", record.Masked()).Err(err).Msg("Failed to meter key usage")
	}

	observability.RecordAuthAttempt("apikey", "success")
	return Context{Type: TypeAPIKey, Key: record}, true, ""
}

// CheckToolAccess dispatches the access decision to whichever authority
// issued the context.
func (a *Authenticator) CheckToolAccess(ctx Context, toolName string) (bool, string) {
	switch ctx.Type {
	case TypeSession:
		if a.sessions.HasToolAccess(ctx.Session, toolName) {
			return true, ""
		}
		return false, "session has no access to tool " + toolName
	case TypeAPIKey:
		return a.keys.CheckToolAccess(ctx.Key.Key, toolName)
	default:
		return false, "unauthenticated context"
	}
}

// AccessibleTools lists what the context may call, wildcard for admins.
func (a *Authenticator) AccessibleTools(ctx Context, available []string) []string {
	switch ctx.Type {
	case TypeSession:
		tools := a.sessions.AccessibleTools(ctx.Session)
		if len(tools) == 1 && tools[0] == session.Wildcard {
			return available
		}
		return tools
	case TypeAPIKey:
		out := make([]string, 0, len(available))
		for _, name := range available {
			if allowed, _ := ctx.Key.Policy.Allows(name); allowed {
				out = append(out, name)
			}
		}
		return out
	default:
		return nil
	}
}
