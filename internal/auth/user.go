// ABOUTME: User and session rows stored in each realm
// ABOUTME: Users are keyed by name; sessions are indexed by the user they belong to

package auth

import (
	"errors"
	"time"

	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/realm"
)

// UserData is an account that can log in to a realm.
type UserData struct {
	ID           database.DataIdentifier `cbor:"id" json:"-"`
	Username     string                  `cbor:"username" json:"username"`
	PasswordHash string                  `cbor:"password_hash" json:"-"`
	Admin        bool                    `cbor:"admin" json:"admin"`
	CreatedAt    time.Time               `cbor:"created_at" json:"created_at"`
}

// SessionData is a login that has not been revoked.
type SessionData struct {
	ID        database.DataIdentifier `cbor:"id"`
	Username  string                  `cbor:"username"`
	CreatedAt time.Time               `cbor:"created_at"`
	ExpiresAt time.Time               `cbor:"expires_at"`
}

// Register defines the user and session models.
func Register(reg *database.Registry) error {
	if err := database.Define(reg, database.Model[UserData]{
		Name:       "user",
		ID:         func(u *UserData) *database.DataIdentifier { return &u.ID },
		PrimaryKey: func(u *UserData) database.DataIdentifier { return database.DataIdentifier(u.Username) },
		Indexes: map[string]func(*UserData) database.KeyValue{
			"admin": func(u *UserData) database.KeyValue { return database.BoolKey(u.Admin) },
		},
		Validate: func(u *UserData) error {
			if err := realm.ValidateUserName(u.Username); err != nil {
				return err
			}
			if u.PasswordHash == "" {
				return errors.New("password hash is required")
			}
			return nil
		},
	}); err != nil {
		return err
	}

	return database.Define(reg, database.Model[SessionData]{
		Name: "session",
		ID:   func(s *SessionData) *database.DataIdentifier { return &s.ID },
		Indexes: map[string]func(*SessionData) database.KeyValue{
			"username": func(s *SessionData) database.KeyValue { return database.StringKey(s.Username) },
			"expires":  func(s *SessionData) database.KeyValue { return database.TimeKey(s.ExpiresAt) },
		},
	})
}
