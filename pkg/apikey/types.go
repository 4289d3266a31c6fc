package apikey

import "time"

// Access policy modes. Exactly one applies per key.
const (
	ModeAll       = "all"
	ModeAllowlist = "allowlist"
	ModeDenylist  = "denylist"
	ModeRegex     = "regex"
)

// ToolAccessPolicy decides which tools a key may invoke. Tools is consulted
// by allowlist/denylist, Patterns by regex mode; both are ignored when the
// mode is all.
type ToolAccessPolicy struct {
	Mode     string   `json:"mode"`
	Tools    []string `json:"tools,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

// RateLimit caps request throughput per key. A zero field means unlimited
// for that window.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
}

// Usage is the per-key metering state. LastUsed is an RFC 3339 timestamp.
type Usage struct {
	TotalRequests int64  `json:"total_requests"`
	LastUsed      string `json:"last_used,omitempty"`
}

// Record is one durable API key. ExpiresAt is kept as the raw string from
// the keys file; it is parsed at validation time (see Authority.ValidateKey).
type Record struct {
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   string            `json:"expires_at,omitempty"`
	Enabled     bool              `json:"enabled"`
	Policy      ToolAccessPolicy  `json:"tool_access_policy"`
	RateLimit   RateLimit         `json:"rate_limit"`
	Usage       Usage             `json:"usage"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Masked returns the key value reduced to its first 8 and last 4 characters.
// Values too short to mask meaningfully are returned whole.
func (r Record) Masked() string {
	return MaskKey(r.Key)
}

// MaskKey masks a raw key value for display and logs.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// Settings is the file-level configuration block stored alongside the keys.
type Settings struct {
	KeyPrefix        string    `json:"key_prefix"`
	KeyLength        int       `json:"key_length"`
	DefaultRateLimit RateLimit `json:"default_rate_limit"`
	MaxKeysPerUser   int       `json:"max_keys_per_user"`
}

type keysFile struct {
	Keys     []Record `json:"apikeys"`
	Settings Settings `json:"settings"`
}
