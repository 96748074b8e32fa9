// Package auth provides the session and identity layer: sign-up, sign-in,
// opaque-token sessions with sliding renewal, and session-change events.
package auth

import (
	"context"
	"net/mail"
	"sync"
	"time"

	"github.com/feedvault/feedvault/internal/apperr"
	"github.com/feedvault/feedvault/internal/database"
	"github.com/feedvault/feedvault/internal/model"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the minimum accepted password length.
const MinPasswordLength = 8

// EventType classifies a session-change notification.
type EventType int

const (
	EventSignIn EventType = iota
	EventSignOut
	EventTokenRefresh
)

// Event is delivered to subscribers on every session change.
type Event struct {
	Type   EventType
	UserID int64
}

// Listener receives session-change events.
type Listener func(Event)

// Service is the single source of truth for "who is logged in".
type Service struct {
	store database.Store
	ttl   time.Duration
	cost  int

	mu        sync.RWMutex
	listeners []Listener
}

// NewService creates the identity provider. ttl bounds session lifetime;
// cost is the bcrypt work factor.
func NewService(store database.Store, ttl time.Duration, cost int) *Service {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: store, ttl: ttl, cost: cost}
}

// Subscribe registers a listener for session-change events. Listeners are
// called synchronously and must not block.
func (s *Service) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(e Event) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}

// SignUp registers a new account and opens a session for it.
func (s *Service) SignUp(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, nil, apperr.New(apperr.Validation, "invalid email address")
	}
	if len(password) < MinPasswordLength {
		return nil, nil, apperr.Newf(apperr.Validation, "password must be at least %d characters", MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Store, "hash password", err)
	}
	user, err := s.store.CreateUser(ctx, email, string(hash))
	if err != nil {
		return nil, nil, err
	}

	session, err := s.openSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// SignIn verifies credentials and opens a session. Wrong email and wrong
// password fail identically.
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil, nil, apperr.New(apperr.Auth, "invalid email or password")
	}
	if err != nil {
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, apperr.New(apperr.Auth, "invalid email or password")
	}

	session, err := s.openSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

func (s *Service) openSession(ctx context.Context, userID int64) (*model.Session, error) {
	now := time.Now().UTC()
	session := &model.Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.notify(Event{Type: EventSignIn, UserID: userID})
	return session, nil
}

// SignOut ends the session for the given token. Unknown tokens are a no-op.
func (s *Service) SignOut(ctx context.Context, token string) error {
	session, err := s.store.GetSession(ctx, token)
	if apperr.IsKind(err, apperr.Auth) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, token); err != nil {
		return err
	}
	s.notify(Event{Type: EventSignOut, UserID: session.UserID})
	return nil
}

// UserFromToken resolves the session token to its user. Sessions past
// half their lifetime are silently renewed, emitting a token-refresh event.
func (s *Service) UserFromToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperr.New(apperr.Auth, "no active session")
	}
	session, err := s.store.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if now.After(session.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, token)
		return nil, apperr.New(apperr.Auth, "session expired")
	}
	if session.ExpiresAt.Sub(now) < s.ttl/2 {
		if err := s.store.TouchSession(ctx, token, now.Add(s.ttl)); err == nil {
			s.notify(Event{Type: EventTokenRefresh, UserID: session.UserID})
		}
	}

	return s.store.GetUserByID(ctx, session.UserID)
}

// UpdateProfile changes the user's display name and avatar.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, displayName, avatarURL string) (*model.User, error) {
	if err := s.store.UpdateUserProfile(ctx, userID, displayName, avatarURL); err != nil {
		return nil, err
	}
	return s.store.GetUserByID(ctx, userID)
}

// ChangePassword verifies the current password before setting a new one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return apperr.New(apperr.Auth, "current password is incorrect")
	}
	if len(next) < MinPasswordLength {
		return apperr.Newf(apperr.Validation, "password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return apperr.Wrap(apperr.Store, "hash password", err)
	}
	return s.store.UpdateUserPassword(ctx, userID, string(hash))
}
