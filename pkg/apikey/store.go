package apikey

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sjadev/toolvault/internal/observability"
)

// loadKeysLocked reads the keys file into memory. A missing file is an
// empty collection with default settings.
func (a *Authority) loadKeysLocked() error {
	a.keys = make(map[string]*Record)

	data, err := os.ReadFile(a.keysPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read keys file: %w", err)
	}

	var file keysFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse keys file: %w", err)
	}

	for i := range file.Keys {
		record := file.Keys[i]
		a.keys[record.Key] = &record
	}
	if file.Settings.KeyPrefix != "" {
		a.settings = file.Settings
		a.applySettingsDefaults()
	}

	a.logger.Info().
		Int("count", len(a.keys)).
		Str("path", a.keysPath).
		Msg("API keys loaded")
	return nil
}

// persistKeysLocked writes the whole key collection and the settings block
// back to disk through a temp file and an atomic rename.
func (a *Authority) persistKeysLocked() error {
	start := time.Now()
	defer func() {
		observability.RecordPersist(time.Since(start))
	}()

	dir := filepath.Dir(a.keysPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	file := keysFile{
		Keys:     make([]Record, 0, len(a.keys)),
		Settings: a.settings,
	}
	for _, record := range a.keys {
		file.Keys = append(file.Keys, *record)
	}
	sort.Slice(file.Keys, func(i, j int) bool {
		if !file.Keys[i].CreatedAt.Equal(file.Keys[j].CreatedAt) {
			return file.Keys[i].CreatedAt.Before(file.Keys[j].CreatedAt)
		}
		return file.Keys[i].Key < file.Keys[j].Key
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys file: %w", err)
	}

	tmp := a.keysPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write keys file: %w", err)
	}
	if err := os.Rename(tmp, a.keysPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace keys file: %w", err)
	}
	return nil
}
