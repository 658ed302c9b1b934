package service

import (
	"context"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/dto"
)

// AuthEventType names a change of authentication state.
type AuthEventType string

// Auth state changes.
const (
	AuthSignedIn  AuthEventType = "SIGNED_IN"
	AuthSignedOut AuthEventType = "SIGNED_OUT"
)

// AuthEvent is delivered to OnAuthStateChange listeners.
type AuthEvent struct {
	Type    AuthEventType
	Session backend.Session
}

// SessionService wraps the backend auth surface and broadcasts auth state changes.
type SessionService interface {
	SignUp(ctx context.Context, payload dto.AuthCredentialsRequest) (backend.Session, error)
	SignIn(ctx context.Context, payload dto.AuthCredentialsRequest) (backend.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	GetSession(ctx context.Context, accessToken string) (backend.Session, error)
	OnAuthStateChange(listener func(AuthEvent)) func()
}

type sessionService struct {
	auth      backend.Auth
	validator *validator.Validate
	logger    zerolog.Logger

	mu        sync.RWMutex
	listeners map[uint64]func(AuthEvent)
	nextID    uint64
}

// NewSessionService constructs a session service.
func NewSessionService(auth backend.Auth, validate *validator.Validate, logger zerolog.Logger) SessionService {
	return &sessionService{
		auth:      auth,
		validator: validate,
		logger:    logger.With().Str("component", "session_service").Logger(),
		listeners: make(map[uint64]func(AuthEvent)),
	}
}

func (s *sessionService) SignUp(ctx context.Context, payload dto.AuthCredentialsRequest) (backend.Session, error) {
	if err := s.validator.Struct(payload); err != nil {
		return backend.Session{}, err
	}

	session, err := s.auth.SignUp(ctx, payload.Email, payload.Password)
	if err != nil {
		return backend.Session{}, err
	}

	s.logger.Info().Str("user_id", session.User.ID).Msg("user signed up")
	s.emit(AuthEvent{Type: AuthSignedIn, Session: session})
	return session, nil
}

func (s *sessionService) SignIn(ctx context.Context, payload dto.AuthCredentialsRequest) (backend.Session, error) {
	if err := s.validator.Struct(payload); err != nil {
		return backend.Session{}, err
	}

	session, err := s.auth.SignIn(ctx, payload.Email, payload.Password)
	if err != nil {
		return backend.Session{}, err
	}

	s.emit(AuthEvent{Type: AuthSignedIn, Session: session})
	return session, nil
}

func (s *sessionService) SignOut(ctx context.Context, accessToken string) error {
	session, err := s.auth.Verify(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := s.auth.SignOut(ctx, accessToken); err != nil {
		return err
	}

	s.emit(AuthEvent{Type: AuthSignedOut, Session: session})
	return nil
}

func (s *sessionService) GetSession(ctx context.Context, accessToken string) (backend.Session, error) {
	return s.auth.Verify(ctx, strings.TrimSpace(accessToken))
}

// OnAuthStateChange registers listener and returns a function that removes it.
func (s *sessionService) OnAuthStateChange(listener func(AuthEvent)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *sessionService) emit(event AuthEvent) {
	s.mu.RLock()
	listeners := make([]func(AuthEvent), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}
