package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/sjadev/toolvault/internal/observability"
	"github.com/sjadev/toolvault/internal/tracing"
)

const (
	// DefaultIdleTimeout is the sliding session idle timeout.
	DefaultIdleTimeout = 60 * time.Minute
	// DefaultMaxLoginAttempts is the failed-attempt lockout threshold.
	DefaultMaxLoginAttempts = 5
	// DefaultLockoutWindow is the trailing window failed attempts count in.
	DefaultLockoutWindow = 5 * time.Minute
	// DefaultAdminUser is the protected primary administrator account.
	DefaultAdminUser = "admin"

	tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	tokenLength   = 48
)

// Config holds session authority configuration.
type Config struct {
	UsersPath        string
	IdleTimeout      time.Duration
	MaxLoginAttempts int
	LockoutWindow    time.Duration
	AdminUser        string
	Logger           zerolog.Logger
}

// Authority owns the ephemeral session table and the durable user account
// collection. One mutex guards both; every critical section is a single
// lookup or a single mutate-and-persist.
type Authority struct {
	mu             sync.Mutex
	usersPath      string
	idleTimeout    time.Duration
	maxAttempts    int
	lockoutWindow  time.Duration
	adminUser      string
	users          map[string]*UserAccount
	sessions       map[string]*Record
	failedAttempts map[string][]time.Time
	logger         zerolog.Logger
	now            func() time.Time
}

// NewAuthority creates a session authority backed by a users file.
func NewAuthority(cfg Config) (*Authority, error) {
	observability.EnsureRegistered()

	if cfg.UsersPath == "" {
		return nil, fmt.Errorf("users path is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = DefaultMaxLoginAttempts
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = DefaultLockoutWindow
	}
	if cfg.AdminUser == "" {
		cfg.AdminUser = DefaultAdminUser
	}

	a := &Authority{
		usersPath:      cfg.UsersPath,
		idleTimeout:    cfg.IdleTimeout,
		maxAttempts:    cfg.MaxLoginAttempts,
		lockoutWindow:  cfg.LockoutWindow,
		adminUser:      cfg.AdminUser,
		sessions:       make(map[string]*Record),
		failedAttempts: make(map[string][]time.Time),
		logger:         cfg.Logger.With().Str("component", "session-authority").Logger(),
		now:            time.Now,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadUsersLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

// Authenticate verifies a user credential and opens a session. It returns
// the session token, or ok=false on any failure: unknown or disabled
// account, wrong secret, or an active lockout.
func (a *Authority) Authenticate(ctx context.Context, userID, secret string) (string, bool) {
	ctx, span := tracing.StartSpan(
		ctx,
		"toolvault.session",
		"session.authenticate",
		attribute.String("user_id", userID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()

	// Lockout check runs before credential verification: a locked-out user
	// is rejected even with the correct secret.
	if a.lockedOutLocked(userID, now) {
		observability.RecordLockout()
		observability.RecordAuthAttempt("session", "failure")
		logger.Warn().Str("user_id", userID).Msg("Login rejected by lockout policy")
		return "", false
	}

	account, ok := a.users[userID]
	if !ok || !account.Enabled || !verifySecret(account.Password, secret) {
		a.failedAttempts[userID] = append(a.failedAttempts[userID], now)
		observability.RecordAuthAttempt("session", "failure")
		logger.Warn().Str("user_id", userID).Msg("Login failed")
		return "", false
	}

	token, err := gonanoid.Generate(tokenAlphabet, tokenLength)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to generate session token")
		return "", false
	}

	record := &Record{
		Token:        token,
		UserID:       account.UserID,
		Roles:        append([]string(nil), account.Roles...),
		Tools:        append([]string(nil), account.Tools...),
		CreatedAt:    now,
		LastActivity: now,
	}
	a.sessions[token] = record
	delete(a.failedAttempts, userID)

	lastLogin := now
	account.LastLogin = &lastLogin
	if err := a.persistUsersLocked(); err != nil {
		// lastLogin is advisory; the session stays valid.
		logger.Warn().Err(err).Msg("Failed to persist last login")
	}

	observability.RecordAuthAttempt("session", "success")
	observability.SetActiveSessions(len(a.sessions))
	logger.Info().Str("user_id", userID).Msg("Session created")
	return token, true
}

// lockedOutLocked ages out failed attempts older than the lockout window
// and reports whether the remaining count reaches the threshold.
func (a *Authority) lockedOutLocked(userID string, now time.Time) bool {
	attempts := a.failedAttempts[userID]
	if len(attempts) == 0 {
		return false
	}

	cutoff := now.Add(-a.lockoutWindow)
	recent := attempts[:0]
	for _, at := range attempts {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	if len(recent) == 0 {
		delete(a.failedAttempts, userID)
		return false
	}
	a.failedAttempts[userID] = recent
	return len(recent) >= a.maxAttempts
}

// verifySecret accepts a bcrypt hash or, for legacy records, the plain
// secret compared in constant time.
func verifySecret(stored, secret string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) == 1
}

// Validate resolves a token to its session. An idle session past the
// timeout is deleted lazily here; a live one has its lastActivity advanced
// (sliding window, not absolute expiry) and a snapshot returned.
func (a *Authority) Validate(token string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.sessions[token]
	if !ok {
		return Record{}, false
	}

	now := a.now()
	if now.Sub(record.LastActivity) > a.idleTimeout {
		delete(a.sessions, token)
		observability.SetActiveSessions(len(a.sessions))
		a.logger.Debug().Str("user_id", record.UserID).Msg("Idle session expired")
		return Record{}, false
	}

	record.LastActivity = now
	return *record, true
}

// Logout deletes a session.
func (a *Authority) Logout(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.sessions[token]
	if !ok {
		return false
	}

	delete(a.sessions, token)
	observability.SetActiveSessions(len(a.sessions))
	a.logger.Info().Str("user_id", record.UserID).Msg("Session logged out")
	return true
}

// HasToolAccess reports whether a session may invoke a tool: a wildcard
// grant, an explicit grant, or an admin role all allow it.
func (a *Authority) HasToolAccess(record Record, toolName string) bool {
	if record.HasRole(AdminRole) {
		return true
	}
	for _, granted := range record.Tools {
		if granted == Wildcard || granted == toolName {
			return true
		}
	}
	return false
}

// AccessibleTools returns the tool names a session may invoke, or the
// wildcard when everything is accessible.
func (a *Authority) AccessibleTools(record Record) []string {
	if record.HasRole(AdminRole) {
		return []string{Wildcard}
	}
	for _, granted := range record.Tools {
		if granted == Wildcard {
			return []string{Wildcard}
		}
	}
	return append([]string(nil), record.Tools...)
}

// SweepIdle removes every session past the idle timeout and returns how
// many were reaped. Validation already reaps lazily; this exists for the
// scheduled sweep so abandoned sessions do not accumulate unboundedly.
func (a *Authority) SweepIdle() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	reaped := 0
	for token, record := range a.sessions {
		if now.Sub(record.LastActivity) > a.idleTimeout {
			delete(a.sessions, token)
			reaped++
		}
	}

	if reaped > 0 {
		observability.SetActiveSessions(len(a.sessions))
		a.logger.Info().Int("reaped", reaped).Msg("Idle sessions swept")
	}
	return reaped
}

// ActiveSessions returns the current session count.
func (a *Authority) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Reload re-reads the users file, replacing the in-memory account map.
// Sessions for accounts that no longer exist or are now disabled are
// invalidated.
func (a *Authority) Reload() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadUsersLocked(); err != nil {
		return err
	}

	for token, record := range a.sessions {
		account, ok := a.users[record.UserID]
		if !ok || !account.Enabled {
			delete(a.sessions, token)
		}
	}
	observability.SetActiveSessions(len(a.sessions))
	return nil
}

// Reset drops all sessions and failed-attempt history. Intended for test
// isolation.
func (a *Authority) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sessions = make(map[string]*Record)
	a.failedAttempts = make(map[string][]time.Time)
	observability.SetActiveSessions(0)
}
