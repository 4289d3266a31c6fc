package apikey

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) (*Authority, *time.Time) {
	t.Helper()

	a, err := NewAuthority(Config{
		KeysPath: filepath.Join(t.TempDir(), "apikeys.json"),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	current := time.Now()
	a.now = func() time.Time { return current }
	return a, &current
}

func mustCreate(t *testing.T, a *Authority, req CreateRequest) Record {
	t.Helper()
	record, err := a.CreateKey(context.Background(), req)
	require.NoError(t, err)
	return record
}

func TestAuthority_CreateKey(t *testing.T) {
	t.Run("should mint a prefixed key of the configured length", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{Name: "svc", CreatedBy: "admin"})

		assert.True(t, strings.HasPrefix(record.Key, DefaultKeyPrefix))
		assert.Len(t, record.Key, len(DefaultKeyPrefix)+DefaultKeyLength)
		assert.True(t, record.Enabled)
		assert.Equal(t, ModeAll, record.Policy.Mode)
	})

	t.Run("should reject an invalid regex pattern with no partial record", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		_, err := a.CreateKey(context.Background(), CreateRequest{
			Name:       "svc",
			AccessMode: ModeRegex,
			Patterns:   []string{"wb_.*", "[unclosed"},
		})
		require.Error(t, err)
		assert.Empty(t, a.ListKeys(false))
	})

	t.Run("should reject an unknown access mode", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		_, err := a.CreateKey(context.Background(), CreateRequest{Name: "svc", AccessMode: "whitelist"})
		assert.Error(t, err)
	})

	t.Run("should fill unset rate limits from the defaults", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		a.settings.DefaultRateLimit = RateLimit{RequestsPerMinute: 60, RequestsPerHour: 1000}

		record := mustCreate(t, a, CreateRequest{
			Name:      "svc",
			RateLimit: &RateLimit{RequestsPerMinute: 5},
		})
		assert.Equal(t, 5, record.RateLimit.RequestsPerMinute)
		assert.Equal(t, 1000, record.RateLimit.RequestsPerHour)

		record = mustCreate(t, a, CreateRequest{Name: "svc2"})
		assert.Equal(t, 60, record.RateLimit.RequestsPerMinute)
	})

	t.Run("should cap keys per creator", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		a.settings.MaxKeysPerUser = 2

		mustCreate(t, a, CreateRequest{Name: "one", CreatedBy: "bob"})
		mustCreate(t, a, CreateRequest{Name: "two", CreatedBy: "bob"})
		_, err := a.CreateKey(context.Background(), CreateRequest{Name: "three", CreatedBy: "bob"})
		assert.Error(t, err)
	})

	t.Run("should survive a round trip through the keys file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "apikeys.json")
		a, err := NewAuthority(Config{KeysPath: path, Logger: zerolog.Nop()})
		require.NoError(t, err)
		record := mustCreate(t, a, CreateRequest{Name: "svc", AccessMode: ModeAllowlist, Tools: []string{"wb_get_countries"}})

		reopened, err := NewAuthority(Config{KeysPath: path, Logger: zerolog.Nop()})
		require.NoError(t, err)
		got, err := reopened.ValidateKey(record.Key)
		require.NoError(t, err)
		assert.Equal(t, ModeAllowlist, got.Policy.Mode)
	})
}

func TestAuthority_ValidateKey(t *testing.T) {
	t.Run("should reject a value without the key prefix", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		_, err := a.ValidateKey("Bearer something")
		assert.ErrorIs(t, err, ErrBadKeyFormat)
	})

	t.Run("should reject an unknown key", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		_, err := a.ValidateKey(DefaultKeyPrefix + strings.Repeat("x", DefaultKeyLength))
		assert.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("should reject a disabled key", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{Name: "svc"})

		found, err := a.DisableKey(record.Key)
		require.NoError(t, err)
		require.True(t, found)

		_, err = a.ValidateKey(record.Key)
		assert.ErrorIs(t, err, ErrKeyDisabled)
	})

	t.Run("should reject a key past its expiry", func(t *testing.T) {
		a, clock := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{
			Name:      "svc",
			ExpiresAt: clock.Add(time.Hour).Format(time.RFC3339),
		})

		_, err := a.ValidateKey(record.Key)
		require.NoError(t, err)

		*clock = clock.Add(2 * time.Hour)
		_, err = a.ValidateKey(record.Key)
		assert.ErrorIs(t, err, ErrKeyExpired)
	})

	t.Run("should treat an unparsable expiry as expired", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{Name: "svc"})
		a.keys[record.Key].ExpiresAt = "next tuesday"

		_, err := a.ValidateKey(record.Key)
		assert.ErrorIs(t, err, ErrKeyExpired)
	})
}

func TestAuthority_CheckToolAccess(t *testing.T) {
	t.Run("should honor an allowlist", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{
			Name:       "svc",
			AccessMode: ModeAllowlist,
			Tools:      []string{"wb_get_countries"},
		})

		allowed, _ := a.CheckToolAccess(record.Key, "wb_get_countries")
		assert.True(t, allowed)
		allowed, reason := a.CheckToolAccess(record.Key, "edgar_company_search")
		assert.False(t, allowed)
		assert.Contains(t, reason, "allowlist")
	})

	t.Run("should deny everything for an invalid key", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{Name: "svc"})
		_, err := a.DisableKey(record.Key)
		require.NoError(t, err)

		allowed, _ := a.CheckToolAccess(record.Key, "anything")
		assert.False(t, allowed)
	})
}

func TestAuthority_RecordUsage(t *testing.T) {
	t.Run("should count requests and stamp last use", func(t *testing.T) {
		a, clock := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{Name: "svc"})

		require.NoError(t, a.RecordUsage(record.Key))
		require.NoError(t, a.RecordUsage(record.Key))

		got, ok := a.GetKey(record.Key, true)
		require.True(t, ok)
		assert.Equal(t, int64(2), got.Usage.TotalRequests)
		assert.Equal(t, clock.Format(time.RFC3339), got.Usage.LastUsed)
	})

	t.Run("should persist counters only on every 100th increment", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{Name: "svc"})

		persisted := func() int64 {
			data, err := os.ReadFile(a.keysPath)
			require.NoError(t, err)
			var file keysFile
			require.NoError(t, json.Unmarshal(data, &file))
			require.Len(t, file.Keys, 1)
			return file.Keys[0].Usage.TotalRequests
		}

		for i := 0; i < usagePersistEvery-1; i++ {
			require.NoError(t, a.RecordUsage(record.Key))
		}
		assert.Equal(t, int64(0), persisted())

		require.NoError(t, a.RecordUsage(record.Key))
		assert.Equal(t, int64(usagePersistEvery), persisted())
	})

	t.Run("should fail for an unknown key", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		assert.ErrorIs(t, a.RecordUsage("sja_missing"), ErrUnknownKey)
	})
}

func TestAuthority_Masking(t *testing.T) {
	a, _ := newTestAuthority(t)
	record := mustCreate(t, a, CreateRequest{Name: "svc"})

	t.Run("should mask listed keys by default", func(t *testing.T) {
		keys := a.ListKeys(false)
		require.Len(t, keys, 1)
		assert.Equal(t, record.Key[:8]+"..."+record.Key[len(record.Key)-4:], keys[0].Key)
	})

	t.Run("should disclose the full key only on request", func(t *testing.T) {
		got, ok := a.GetKey(record.Key, true)
		require.True(t, ok)
		assert.Equal(t, record.Key, got.Key)

		got, ok = a.GetKey(record.Key, false)
		require.True(t, ok)
		assert.NotEqual(t, record.Key, got.Key)
	})

	t.Run("should resolve a masked value back to the record", func(t *testing.T) {
		got, ok := a.GetKeyByPartialMatch(record.Masked())
		require.True(t, ok)
		assert.Equal(t, record.Key, got.Key)
	})

	t.Run("should resolve a substring and a display name", func(t *testing.T) {
		got, ok := a.GetKeyByPartialMatch(record.Key[4:12])
		require.True(t, ok)
		assert.Equal(t, record.Key, got.Key)

		got, ok = a.GetKeyByPartialMatch("svc")
		require.True(t, ok)
		assert.Equal(t, record.Key, got.Key)

		_, ok = a.GetKeyByPartialMatch("no-such-key")
		assert.False(t, ok)
	})
}

func TestAuthority_UpdateKey(t *testing.T) {
	t.Run("should apply mutations but keep the key value immutable", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{Name: "svc"})

		err := a.UpdateKey(record.Key, func(r *Record) {
			r.Name = "renamed"
			r.Key = "sja_forged"
		})
		require.NoError(t, err)

		got, ok := a.GetKey(record.Key, true)
		require.True(t, ok)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, record.Key, got.Key)
	})

	t.Run("should restore the record when the new policy is invalid", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{Name: "svc"})

		err := a.UpdateKey(record.Key, func(r *Record) {
			r.Policy = ToolAccessPolicy{Mode: ModeRegex, Patterns: []string{"[bad"}}
		})
		require.Error(t, err)

		got, ok := a.GetKey(record.Key, true)
		require.True(t, ok)
		assert.Equal(t, ModeAll, got.Policy.Mode)
	})
}

func TestAuthority_DeleteKey(t *testing.T) {
	a, _ := newTestAuthority(t)
	record := mustCreate(t, a, CreateRequest{Name: "svc"})

	found, err := a.DeleteKey(record.Key)
	require.NoError(t, err)
	assert.True(t, found)

	_, err = a.ValidateKey(record.Key)
	assert.ErrorIs(t, err, ErrUnknownKey)

	found, err = a.DeleteKey(record.Key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAuthority_CheckRateLimit(t *testing.T) {
	t.Run("should cap requests inside the minute window", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{
			Name:      "svc",
			RateLimit: &RateLimit{RequestsPerMinute: 3},
		})

		for i := 0; i < 3; i++ {
			allowed, _ := a.CheckRateLimit(record.Key)
			assert.True(t, allowed)
		}
		allowed, reason := a.CheckRateLimit(record.Key)
		assert.False(t, allowed)
		assert.Contains(t, reason, "per-minute")
	})

	t.Run("should admit again once the window slides past", func(t *testing.T) {
		a, clock := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{
			Name:      "svc",
			RateLimit: &RateLimit{RequestsPerMinute: 1},
		})

		allowed, _ := a.CheckRateLimit(record.Key)
		require.True(t, allowed)
		allowed, _ = a.CheckRateLimit(record.Key)
		require.False(t, allowed)

		*clock = clock.Add(61 * time.Second)
		allowed, _ = a.CheckRateLimit(record.Key)
		assert.True(t, allowed)
	})

	t.Run("should enforce the hourly cap independently", func(t *testing.T) {
		a, clock := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{
			Name:      "svc",
			RateLimit: &RateLimit{RequestsPerHour: 2},
		})

		for i := 0; i < 2; i++ {
			allowed, _ := a.CheckRateLimit(record.Key)
			require.True(t, allowed)
			*clock = clock.Add(2 * time.Minute)
		}
		allowed, reason := a.CheckRateLimit(record.Key)
		assert.False(t, allowed)
		assert.Contains(t, reason, "hourly")
	})

	t.Run("should not limit a key with zero limits", func(t *testing.T) {
		a, _ := newTestAuthority(t)
		record := mustCreate(t, a, CreateRequest{Name: "svc"})

		for i := 0; i < 100; i++ {
			allowed, _ := a.CheckRateLimit(record.Key)
			require.True(t, allowed)
		}
	})
}
