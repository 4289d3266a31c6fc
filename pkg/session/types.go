package session

import (
	"time"
)

// Wildcard grants access to every tool.
const Wildcard = "*"

// AdminRole marks an account whose sessions may use every tool.
const AdminRole = "admin"

// UserAccount is a durable account record from the users file.
type UserAccount struct {
	UserID    string     `json:"user_id"`
	UserName  string     `json:"user_name"`
	Password  string     `json:"password"`
	Roles     []string   `json:"roles"`
	Tools     []string   `json:"tools"`
	Enabled   bool       `json:"enabled"`
	Email     string     `json:"email,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// HasRole reports whether the account carries a role.
func (u *UserAccount) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Record is an ephemeral session held only by the Session Authority. The
// token is the sole handle to it.
type Record struct {
	Token        string
	UserID       string
	Roles        []string
	Tools        []string
	CreatedAt    time.Time
	LastActivity time.Time
}

// HasRole reports whether the session carries a role.
func (r *Record) HasRole(role string) bool {
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// usersFile is the on-disk users collection shape.
type usersFile struct {
	Users []UserAccount `json:"users"`
}
