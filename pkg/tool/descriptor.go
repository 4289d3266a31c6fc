package tool

import (
	"time"
)

// ConfigRecord is the on-disk declarative record for a tool, one JSON file
// per tool under the descriptor directory. Exactly one of Implementation
// (a plugin executable path) or Type (a built-in constructor tag) selects
// how the tool is built.
type ConfigRecord struct {
	Name           string         `json:"name"`
	Implementation string         `json:"implementation,omitempty"`
	Type           string         `json:"type,omitempty"`
	Description    string         `json:"description,omitempty"`
	Version        string         `json:"version,omitempty"`
	Enabled        bool           `json:"enabled"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Descriptor is the registry's live record for a loaded tool. Descriptors
// are replaced wholesale on reload, never patched field by field.
type Descriptor struct {
	Name           string
	Tool           Tool
	Enabled        bool
	SourcePath     string
	Implementation string
	LoadedAt       time.Time
	Invocations    int64
	LastInvoked    *time.Time
}
