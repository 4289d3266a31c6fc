package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sjadev/toolvault/internal/observability"
)

// loadUsersLocked reads the users file into the in-memory account map. A
// missing file is an empty collection, not an error.
func (a *Authority) loadUsersLocked() error {
	a.users = make(map[string]*UserAccount)

	data, err := os.ReadFile(a.usersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read users file: %w", err)
	}

	var file usersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse users file: %w", err)
	}

	for i := range file.Users {
		account := file.Users[i]
		a.users[account.UserID] = &account
	}

	a.logger.Info().
		Int("count", len(a.users)).
		Str("path", a.usersPath).
		Msg("User accounts loaded")
	return nil
}

// persistUsersLocked writes the whole account collection back to disk. The
// write goes through a temp file and an atomic rename so a crash never
// leaves a truncated users file.
func (a *Authority) persistUsersLocked() error {
	start := time.Now()
	defer func() {
		observability.RecordPersist(time.Since(start))
	}()

	dir := filepath.Dir(a.usersPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	file := usersFile{Users: make([]UserAccount, 0, len(a.users))}
	for _, account := range a.users {
		file.Users = append(file.Users, *account)
	}
	sort.Slice(file.Users, func(i, j int) bool {
		return file.Users[i].UserID < file.Users[j].UserID
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}

	tempPath := a.usersPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}
	if err := os.Rename(tempPath, a.usersPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace users file: %w", err)
	}

	return nil
}
