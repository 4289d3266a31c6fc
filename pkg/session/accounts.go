package session

import (
	"fmt"
	"sort"

	"golang.org/x/crypto/bcrypt"
)

// CreateUser adds an account with a bcrypt-hashed secret and persists the
// whole collection. The in-memory insert is rolled back if the persist
// fails.
func (a *Authority) CreateUser(account UserAccount, secret string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if account.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if _, exists := a.users[account.UserID]; exists {
		return fmt.Errorf("user %s already exists", account.UserID)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}
	account.Password = string(hash)
	account.CreatedAt = a.now()

	a.users[account.UserID] = &account
	if err := a.persistUsersLocked(); err != nil {
		delete(a.users, account.UserID)
		return fmt.Errorf("failed to persist users: %w", err)
	}

	a.logger.Info().Str("user_id", account.UserID).Msg("User created")
	return nil
}

// UpdateUser applies a mutation to an account and persists the collection,
// restoring the previous state if the persist fails.
func (a *Authority) UpdateUser(userID string, update func(*UserAccount)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	account, ok := a.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}

	previous := *account
	update(account)
	account.UserID = previous.UserID // identity is immutable

	if err := a.persistUsersLocked(); err != nil {
		*account = previous
		return fmt.Errorf("failed to persist users: %w", err)
	}
	return nil
}

// SetPassword replaces an account's secret with a bcrypt hash.
func (a *Authority) SetPassword(userID, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}
	return a.UpdateUser(userID, func(account *UserAccount) {
		account.Password = string(hash)
	})
}

// EnableUser re-enables a disabled account.
func (a *Authority) EnableUser(userID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	account, ok := a.users[userID]
	if !ok {
		return false, nil
	}

	previous := account.Enabled
	account.Enabled = true
	if err := a.persistUsersLocked(); err != nil {
		account.Enabled = previous
		return false, fmt.Errorf("failed to persist users: %w", err)
	}
	return true, nil
}

// DisableUser disables an account and invalidates every session belonging
// to it. The primary administrator cannot be disabled.
func (a *Authority) DisableUser(userID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if userID == a.adminUser {
		a.logger.Warn().Str("user_id", userID).Msg("Refusing to disable primary administrator")
		return false, nil
	}

	account, ok := a.users[userID]
	if !ok {
		return false, nil
	}

	previous := account.Enabled
	account.Enabled = false
	if err := a.persistUsersLocked(); err != nil {
		account.Enabled = previous
		return false, fmt.Errorf("failed to persist users: %w", err)
	}

	a.invalidateUserSessionsLocked(userID)
	a.logger.Info().Str("user_id", userID).Msg("User disabled")
	return true, nil
}

// DeleteUser removes an account and invalidates its sessions. The primary
// administrator cannot be deleted.
func (a *Authority) DeleteUser(userID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if userID == a.adminUser {
		a.logger.Warn().Str("user_id", userID).Msg("Refusing to delete primary administrator")
		return false, nil
	}

	account, ok := a.users[userID]
	if !ok {
		return false, nil
	}

	delete(a.users, userID)
	if err := a.persistUsersLocked(); err != nil {
		a.users[userID] = account
		return false, fmt.Errorf("failed to persist users: %w", err)
	}

	a.invalidateUserSessionsLocked(userID)
	a.logger.Info().Str("user_id", userID).Msg("User deleted")
	return true, nil
}

// GetUser returns a snapshot of an account.
func (a *Authority) GetUser(userID string) (UserAccount, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	account, ok := a.users[userID]
	if !ok {
		return UserAccount{}, false
	}
	return *account, true
}

// ListUsers returns account snapshots sorted by user id.
func (a *Authority) ListUsers() []UserAccount {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]UserAccount, 0, len(a.users))
	for _, account := range a.users {
		out = append(out, *account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (a *Authority) invalidateUserSessionsLocked(userID string) {
	for token, record := range a.sessions {
		if record.UserID == userID {
			delete(a.sessions, token)
		}
	}
}
