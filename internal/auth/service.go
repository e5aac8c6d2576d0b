// ABOUTME: Service manages users, password logins and revocable sessions
// ABOUTME: Every session is a row in the user's realm; tokens only name the session

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/realm"
)

// Service errors
var (
	ErrAccessDenied    = errors.New("access denied")
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidPassword = errors.New("password must be at least 8 characters")
)

const minPasswordLength = 8

// dummyHash keeps failed lookups as slow as failed password checks.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Service authenticates users against the realms they belong to.
type Service struct {
	realms   *realm.Layer
	verifier *JWTVerifier
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service issuing tokens that live for ttl.
func NewService(realms *realm.Layer, secret []byte, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		realms:   realms,
		verifier: NewJWTVerifier(secret),
		ttl:      ttl,
		logger:   logger.With("component", "auth"),
		now:      time.Now,
	}
}

// CreateUser adds a user to a realm.
func (s *Service) CreateUser(ctx context.Context, realmName database.RealmName, username, password string, admin bool) (UserData, error) {
	if len(password) < minPasswordLength {
		return UserData{}, ErrInvalidPassword
	}
	db, err := s.realms.Realm(ctx, realmName)
	if err != nil {
		return UserData{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return UserData{}, fmt.Errorf("hashing password: %w", err)
	}

	user := UserData{
		Username:     username,
		PasswordHash: string(hash),
		Admin:        admin,
		CreatedAt:    s.now().UTC(),
	}
	err = db.Update(ctx, func(tx *database.Txn) error {
		return database.Insert(tx, &user)
	})
	if errors.Is(err, database.ErrAlreadyExists) {
		return UserData{}, fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	if err != nil {
		return UserData{}, err
	}
	s.logger.Info("user created", "realm", string(realmName), "username", username, "admin", admin)
	return user, nil
}

// Users lists the users of a realm in name order.
func (s *Service) Users(ctx context.Context, realmName database.RealmName) ([]UserData, error) {
	db, err := s.realms.Realm(ctx, realmName)
	if err != nil {
		return nil, err
	}
	var users []UserData
	err = db.View(ctx, func(tx *database.Txn) error {
		users, err = database.Scan[UserData](tx, database.All())
		return err
	})
	return users, err
}

// Login checks a password and opens a session, returning its token. Unknown
// realms, unknown users and wrong passwords all fail with ErrAccessDenied.
func (s *Service) Login(ctx context.Context, realmName database.RealmName, username, password string) (string, error) {
	db, err := s.realms.Realm(ctx, realmName)
	if errors.Is(err, realm.ErrUnknownRealm) || errors.Is(err, database.ErrValidation) {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return "", ErrAccessDenied
	}
	if err != nil {
		return "", err
	}

	// Password checks run outside the write transaction so slow hashing
	// never holds the realm's writer.
	var user UserData
	err = db.View(ctx, func(tx *database.Txn) error {
		user, err = database.Get[UserData](tx, database.DataIdentifier(username))
		return err
	})
	if errors.Is(err, database.ErrNotFound) || errors.Is(err, database.ErrValidation) {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		s.logger.Warn("login failed", "realm", string(realmName), "username", username)
		return "", ErrAccessDenied
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn("login failed", "realm", string(realmName), "username", username)
		return "", ErrAccessDenied
	}

	now := s.now()
	session := SessionData{
		Username:  username,
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(s.ttl).UTC(),
	}
	err = db.Update(ctx, func(tx *database.Txn) error {
		return database.Insert(tx, &session)
	})
	if err != nil {
		return "", err
	}

	token, err := s.verifier.Generate(Claims{
		Username:  username,
		Realm:     realmName,
		SessionID: session.ID,
	}, s.ttl)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	s.logger.Info("user logged in", "realm", string(realmName), "username", username, "session", string(session.ID))
	return token, nil
}

// Authenticate resolves a token to the identity behind it. Tokens whose
// session was revoked or whose user was removed fail with ErrAccessDenied.
func (s *Service) Authenticate(ctx context.Context, token string) (*AuthContext, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	db, err := s.realms.Realm(ctx, claims.Realm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}

	var auth *AuthContext
	err = db.View(ctx, func(tx *database.Txn) error {
		session, err := database.Get[SessionData](tx, claims.SessionID)
		if err != nil {
			return err
		}
		if session.Username != claims.Username {
			return ErrInvalidToken
		}
		if !s.now().Before(session.ExpiresAt) {
			return ErrExpiredToken
		}
		user, err := database.Get[UserData](tx, database.DataIdentifier(claims.Username))
		if err != nil {
			return err
		}
		auth = &AuthContext{
			Username:  user.Username,
			Realm:     claims.Realm,
			SessionID: session.ID,
			Admin:     user.Admin,
		}
		return nil
	})
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: session revoked", ErrAccessDenied)
	}
	return auth, err
}

// Logout revokes a session. Revoking an unknown session is not an error.
func (s *Service) Logout(ctx context.Context, realmName database.RealmName, sessionID database.DataIdentifier) error {
	db, err := s.realms.Realm(ctx, realmName)
	if err != nil {
		return err
	}
	return db.Update(ctx, func(tx *database.Txn) error {
		_, err := database.Delete[SessionData](tx, sessionID)
		return err
	})
}

// PruneSessions deletes the sessions of a realm that expired before now and
// returns how many were removed.
func (s *Service) PruneSessions(ctx context.Context, realmName database.RealmName) (int, error) {
	db, err := s.realms.Realm(ctx, realmName)
	if err != nil {
		return 0, err
	}
	cond := database.Range("expires", database.TimeKey(time.Unix(0, 0)), database.TimeKey(s.now()))
	removed := 0
	err = db.Update(ctx, func(tx *database.Txn) error {
		expired, err := database.Scan[SessionData](tx, cond)
		if err != nil {
			return err
		}
		for _, session := range expired {
			if _, err := database.Delete[SessionData](tx, session.ID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("pruned expired sessions", "realm", string(realmName), "count", removed)
	}
	return removed, nil
}

// PruneExpired prunes expired sessions in every realm and returns how many
// were removed in total.
func (s *Service) PruneExpired(ctx context.Context) (int, error) {
	total := 0
	for _, name := range s.realms.Names() {
		n, err := s.PruneSessions(ctx, name)
		if err != nil {
			return total, fmt.Errorf("pruning sessions in realm %s: %w", name, err)
		}
		total += n
	}
	return total, nil
}

// Run prunes expired sessions every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PruneExpired(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("pruning expired sessions failed", "error", err)
			}
		}
	}
}
