package apikey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sjadev/toolvault/internal/observability"
	"github.com/sjadev/toolvault/internal/tracing"
)

const (
	// DefaultKeyPrefix marks key values on the wire and in storage.
	DefaultKeyPrefix = "sja_"
	// DefaultKeyLength is the random portion length after the prefix.
	DefaultKeyLength = 32
	// DefaultMaxKeysPerUser bounds how many keys one creator may hold.
	DefaultMaxKeysPerUser = 10

	keyAlphabet        = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxGenerateRetries = 5
	usagePersistEvery  = 100
)

// Validation failures callers may branch on.
var (
	ErrBadKeyFormat = errors.New("key does not match the expected format")
	ErrUnknownKey   = errors.New("key does not exist")
	ErrKeyDisabled  = errors.New("key is disabled")
	ErrKeyExpired   = errors.New("key is expired")
)

// Config holds API key authority configuration.
type Config struct {
	KeysPath string
	Settings Settings
	Logger   zerolog.Logger
}

// Authority owns the durable API key collection: lifecycle, policy
// evaluation, usage metering, and per-key rate limiting. One mutex guards
// the key map; each limiter carries its own lock so rate checks do not
// serialize behind persistence.
type Authority struct {
	mu       sync.Mutex
	keysPath string
	settings Settings
	keys     map[string]*Record
	limiters map[string]*slidingLimiter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAuthority creates an API key authority backed by a keys file. Settings
// found in the file override the configured ones.
func NewAuthority(cfg Config) (*Authority, error) {
	observability.EnsureRegistered()

	if cfg.KeysPath == "" {
		return nil, fmt.Errorf("keys path is required")
	}

	a := &Authority{
		keysPath: cfg.KeysPath,
		settings: cfg.Settings,
		limiters: make(map[string]*slidingLimiter),
		logger:   cfg.Logger.With().Str("component", "apikey-authority").Logger(),
		now:      time.Now,
	}
	a.applySettingsDefaults()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadKeysLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Authority) applySettingsDefaults() {
	if a.settings.KeyPrefix == "" {
		a.settings.KeyPrefix = DefaultKeyPrefix
	}
	if a.settings.KeyLength <= 0 {
		a.settings.KeyLength = DefaultKeyLength
	}
	if a.settings.MaxKeysPerUser <= 0 {
		a.settings.MaxKeysPerUser = DefaultMaxKeysPerUser
	}
}

// Settings returns the active settings block.
func (a *Authority) Settings() Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// KeyPrefix returns the literal prefix key values start with.
func (a *Authority) KeyPrefix() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.KeyPrefix
}

// CreateRequest describes a key to mint.
type CreateRequest struct {
	Name        string
	Description string
	CreatedBy   string
	AccessMode  string
	Tools       []string
	Patterns    []string
	ExpiresAt   string
	RateLimit   *RateLimit
	Metadata    map[string]string
}

// CreateKey mints a new key. Every regex pattern is validated up front and
// a failure aborts the whole operation with no record created. Unset rate
// limits are filled from the settings defaults. The create path is strongly
// consistent: a failed persist rolls the in-memory insert back.
func (a *Authority) CreateKey(ctx context.Context, req CreateRequest) (Record, error) {
	_, span := tracing.StartSpan(
		ctx,
		"toolvault.apikey",
		"apikey.create",
		attribute.String("key.name", req.Name),
		attribute.String("key.created_by", req.CreatedBy),
	)
	defer span.End()

	if req.Name == "" {
		return Record{}, fmt.Errorf("key name is required")
	}
	if req.AccessMode == "" {
		req.AccessMode = ModeAll
	}
	policy := ToolAccessPolicy{Mode: req.AccessMode, Tools: req.Tools, Patterns: req.Patterns}
	if err := policy.Validate(); err != nil {
		return Record{}, err
	}
	if req.ExpiresAt != "" {
		if _, err := time.Parse(time.RFC3339, req.ExpiresAt); err != nil {
			return Record{}, fmt.Errorf("invalid expiry %q: %w", req.ExpiresAt, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if req.CreatedBy != "" && a.settings.MaxKeysPerUser > 0 {
		owned := 0
		for _, record := range a.keys {
			if record.CreatedBy == req.CreatedBy {
				owned++
			}
		}
		if owned >= a.settings.MaxKeysPerUser {
			return Record{}, fmt.Errorf("user %q already holds %d keys", req.CreatedBy, owned)
		}
	}

	key, err := a.generateKeyLocked()
	if err != nil {
		return Record{}, err
	}

	limit := a.settings.DefaultRateLimit
	if req.RateLimit != nil {
		limit = *req.RateLimit
		if limit.RequestsPerMinute == 0 {
			limit.RequestsPerMinute = a.settings.DefaultRateLimit.RequestsPerMinute
		}
		if limit.RequestsPerHour == 0 {
			limit.RequestsPerHour = a.settings.DefaultRateLimit.RequestsPerHour
		}
	}

	record := &Record{
		Key:         key,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   a.now(),
		ExpiresAt:   req.ExpiresAt,
		Enabled:     true,
		Policy:      policy,
		RateLimit:   limit,
		Metadata:    req.Metadata,
	}
	a.keys[key] = record

	if err := a.persistKeysLocked(); err != nil {
		delete(a.keys, key)
		return Record{}, fmt.Errorf("failed to persist new key: %w", err)
	}

	a.logger.Info().
		Str("key", record.Masked()).
		Str("name", record.Name).
		Str("mode", policy.Mode).
		Msg("API key created")
	return *record, nil
}

// generateKeyLocked mints a unique key value, retrying a bounded number of
// times on the (vanishingly unlikely) collision.
func (a *Authority) generateKeyLocked() (string, error) {
	for attempt := 0; attempt < maxGenerateRetries; attempt++ {
		random, err := gonanoid.Generate(keyAlphabet, a.settings.KeyLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate key: %w", err)
		}
		key := a.settings.KeyPrefix + random
		if _, exists := a.keys[key]; !exists {
			return key, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique key after %d attempts", maxGenerateRetries)
}

// ValidateKey checks shape, existence, enablement, and expiry. An expiry
// that does not parse counts as expired.
func (a *Authority) ValidateKey(key string) (Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validateKeyLocked(key)
}

func (a *Authority) validateKeyLocked(key string) (Record, error) {
	if !strings.HasPrefix(key, a.settings.KeyPrefix) {
		return Record{}, ErrBadKeyFormat
	}
	record, ok := a.keys[key]
	if !ok {
		return Record{}, ErrUnknownKey
	}
	if !record.Enabled {
		return Record{}, ErrKeyDisabled
	}
	if record.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, record.ExpiresAt)
		if err != nil || !a.now().Before(expiry) {
			return Record{}, ErrKeyExpired
		}
	}
	return *record, nil
}

// CheckToolAccess revalidates the key, then evaluates its access policy
// against the tool name.
func (a *Authority) CheckToolAccess(key, toolName string) (bool, string) {
	a.mu.Lock()
	record, err := a.validateKeyLocked(key)
	a.mu.Unlock()
	if err != nil {
		observability.RecordAccessDenied("invalid_key")
		return false, err.Error()
	}

	allowed, reason := record.Policy.Allows(toolName)
	if !allowed {
		observability.RecordAccessDenied("policy")
		a.logger.Debug().
			Str("key", record.Masked()).
			Str("tool", toolName).
			Str("reason", reason).
			Msg("Tool access denied")
	}
	return allowed, reason
}

// RecordUsage meters one request against the key. The counter is persisted
// only every 100th increment, so up to 99 increments may be lost on crash.
func (a *Authority) RecordUsage(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.keys[key]
	if !ok {
		return ErrUnknownKey
	}

	record.Usage.TotalRequests++
	record.Usage.LastUsed = a.now().Format(time.RFC3339)
	observability.RecordKeyUsage(record.Masked())

	if record.Usage.TotalRequests%usagePersistEvery == 0 {
		if err := a.persistKeysLocked(); err != nil {
			return fmt.Errorf("failed to persist usage counters: %w", err)
		}
	}
	return nil
}

// CheckRateLimit applies the key's sliding-window limits. The limiter is
// created on first use and tracks the key's configured limits thereafter.
func (a *Authority) CheckRateLimit(key string) (bool, string) {
	a.mu.Lock()
	record, ok := a.keys[key]
	if !ok {
		a.mu.Unlock()
		return false, ErrUnknownKey.Error()
	}
	limiter, exists := a.limiters[key]
	if !exists {
		limiter = newSlidingLimiter(record.RateLimit, a.now)
		a.limiters[key] = limiter
	} else {
		limiter.UpdateLimits(record.RateLimit)
	}
	a.mu.Unlock()

	allowed, reason := limiter.Allow()
	if !allowed {
		observability.RecordAccessDenied("rate_limit")
	}
	return allowed, reason
}

// UpdateKey applies a mutation to a key record and persists the collection.
// The key value itself and the usage counters are immutable through this
// path, and a failed persist restores the previous record.
func (a *Authority) UpdateKey(key string, update func(*Record)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.keys[key]
	if !ok {
		return ErrUnknownKey
	}

	previous := *record
	update(record)
	record.Key = previous.Key
	record.CreatedAt = previous.CreatedAt
	record.Usage = previous.Usage

	if err := record.Policy.Validate(); err != nil {
		*record = previous
		return err
	}
	if err := a.persistKeysLocked(); err != nil {
		*record = previous
		return fmt.Errorf("failed to persist key update: %w", err)
	}
	return nil
}

// EnableKey re-enables a key. It reports whether a key was found.
func (a *Authority) EnableKey(key string) (bool, error) {
	return a.setEnabled(key, true)
}

// DisableKey disables a key without deleting its record.
func (a *Authority) DisableKey(key string) (bool, error) {
	return a.setEnabled(key, false)
}

func (a *Authority) setEnabled(key string, enabled bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.keys[key]
	if !ok {
		return false, nil
	}
	previous := record.Enabled
	record.Enabled = enabled
	if err := a.persistKeysLocked(); err != nil {
		record.Enabled = previous
		return false, fmt.Errorf("failed to persist key state: %w", err)
	}
	return true, nil
}

// DeleteKey removes a key record outright. It reports whether a key was
// found; a failed persist restores the record.
func (a *Authority) DeleteKey(key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.keys[key]
	if !ok {
		return false, nil
	}
	delete(a.keys, key)
	delete(a.limiters, key)

	if err := a.persistKeysLocked(); err != nil {
		a.keys[key] = record
		return false, fmt.Errorf("failed to persist key deletion: %w", err)
	}

	a.logger.Info().Str("key", record.Masked()).Msg("API key deleted")
	return true, nil
}

// GetKey returns one key record. Unless full disclosure is requested the
// key value is masked.
func (a *Authority) GetKey(key string, includeFullKey bool) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.keys[key]
	if !ok {
		return Record{}, false
	}
	out := *record
	if !includeFullKey {
		out.Key = out.Masked()
	}
	return out, true
}

// ListKeys returns every key record sorted by creation time. Unless full
// disclosure is requested the key values are masked.
func (a *Authority) ListKeys(includeFullKey bool) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Record, 0, len(a.keys))
	for _, record := range a.keys {
		entry := *record
		if !includeFullKey {
			entry.Key = entry.Masked()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// GetKeyByPartialMatch resolves a masked value ("sja_xxxx...yyyy"), a
// substring of the key, or a key's display name back to the full record,
// for administrative lookup.
func (a *Authority) GetKeyByPartialMatch(query string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prefix, suffix, ok := strings.Cut(query, "..."); ok {
		for _, record := range a.keys {
			if strings.HasPrefix(record.Key, prefix) && strings.HasSuffix(record.Key, suffix) {
				return *record, true
			}
		}
		return Record{}, false
	}
	for _, record := range a.keys {
		if strings.Contains(record.Key, query) {
			return *record, true
		}
	}
	for _, record := range a.keys {
		if record.Name == query {
			return *record, true
		}
	}
	return Record{}, false
}

// Reload re-reads the keys file, replacing the in-memory collection.
func (a *Authority) Reload() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadKeysLocked()
}

// Reset drops all in-memory state. Intended for test isolation.
func (a *Authority) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = make(map[string]*Record)
	a.limiters = make(map[string]*slidingLimiter)
}
