// Package auth reads the session cookie issued by the dashboard login flow.
package auth

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
)

func init() {
	gob.Register(uuid.UUID{})
	gob.Register(time.Time{})
}

const (
	// SessionName is the name of the session cookie.
	SessionName = "ferry_session"
	// UserIDKey is the session key for the authenticated user ID.
	UserIDKey = "user_id"
	// AuthenticatedAtKey is the session key for when the user authenticated.
	AuthenticatedAtKey = "authenticated_at"
)

// ErrNoSession is returned when the request carries no authenticated user.
var ErrNoSession = errors.New("no authenticated session")

// SessionConfig holds session store configuration.
type SessionConfig struct {
	Secret     []byte
	MaxAge     int  // seconds
	Secure     bool // require HTTPS
	HTTPOnly   bool
	SameSite   http.SameSite
	CookiePath string
}

// DefaultSessionConfig returns a SessionConfig with secure defaults.
func DefaultSessionConfig(secret []byte, secure bool) SessionConfig {
	return SessionConfig{
		Secret:     secret,
		MaxAge:     86400,
		Secure:     secure,
		HTTPOnly:   true,
		SameSite:   http.SameSiteLaxMode,
		CookiePath: "/",
	}
}

// SessionStore wraps a gorilla/sessions cookie store. Ferry only reads the
// user ID; SetUser exists for the login service sharing the secret and for tests.
type SessionStore struct {
	store  *sessions.CookieStore
	logger zerolog.Logger
}

// NewSessionStore creates a new session store.
func NewSessionStore(cfg SessionConfig, logger zerolog.Logger) (*SessionStore, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}

	store := sessions.NewCookieStore(cfg.Secret)
	store.Options = &sessions.Options{
		Path:     cfg.CookiePath,
		MaxAge:   cfg.MaxAge,
		HttpOnly: cfg.HTTPOnly,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
	}

	s := &SessionStore{
		store:  store,
		logger: logger.With().Str("component", "session").Logger(),
	}
	s.logger.Info().Bool("secure", cfg.Secure).Int("max_age", cfg.MaxAge).Msg("session store initialized")
	return s, nil
}

// UserID returns the authenticated user of the request.
func (s *SessionStore) UserID(r *http.Request) (uuid.UUID, error) {
	session, err := s.store.Get(r, SessionName)
	if err != nil {
		// A cookie signed with another secret decodes to an error and an empty session.
		s.logger.Debug().Err(err).Msg("invalid session cookie")
		return uuid.Nil, ErrNoSession
	}
	userID, ok := session.Values[UserIDKey].(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.Nil, ErrNoSession
	}
	return userID, nil
}

// SetUser stores userID in the session.
func (s *SessionStore) SetUser(r *http.Request, w http.ResponseWriter, userID uuid.UUID) error {
	session, err := s.store.Get(r, SessionName)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	session.Values[UserIDKey] = userID
	session.Values[AuthenticatedAtKey] = time.Now()
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
