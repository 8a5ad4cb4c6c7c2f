package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var testSecret = []byte("test-secret-that-is-at-least-32-bytes-long")

func newStore(t *testing.T, secret []byte) *SessionStore {
	t.Helper()
	store, err := NewSessionStore(DefaultSessionConfig(secret, false), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// login returns a request carrying a session cookie for userID.
func login(t *testing.T, store *SessionStore, userID uuid.UUID) *http.Request {
	t.Helper()
	w := httptest.NewRecorder()
	if err := store.SetUser(httptest.NewRequest(http.MethodGet, "/", nil), w, userID); err != nil {
		t.Fatalf("failed to set user: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, cookie := range w.Result().Cookies() {
		req.AddCookie(cookie)
	}
	return req
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig(testSecret, true)

	if cfg.MaxAge != 86400 {
		t.Errorf("expected MaxAge 86400, got %d", cfg.MaxAge)
	}
	if !cfg.Secure || !cfg.HTTPOnly {
		t.Errorf("expected Secure and HTTPOnly, got %v/%v", cfg.Secure, cfg.HTTPOnly)
	}
	if cfg.SameSite != http.SameSiteLaxMode {
		t.Errorf("expected SameSite Lax, got %v", cfg.SameSite)
	}
	if cfg.CookiePath != "/" {
		t.Errorf("expected CookiePath '/', got %s", cfg.CookiePath)
	}
}

func TestNewSessionStore_SecretTooShort(t *testing.T) {
	cfg := DefaultSessionConfig([]byte("short"), false)
	if _, err := NewSessionStore(cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestSessionStore_UserID(t *testing.T) {
	store := newStore(t, testSecret)
	userID := uuid.New()

	got, err := store.UserID(login(t, store, userID))
	if err != nil {
		t.Fatalf("UserID() error = %v", err)
	}
	if got != userID {
		t.Errorf("UserID() = %s, want %s", got, userID)
	}
}

func TestSessionStore_UserIDRejections(t *testing.T) {
	store := newStore(t, testSecret)
	other := newStore(t, []byte("another-secret-that-is-also-32-bytes-long"))

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"no cookie", httptest.NewRequest(http.MethodGet, "/", nil)},
		{"foreign secret", login(t, other, uuid.New())},
		{"garbage cookie", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.AddCookie(&http.Cookie{Name: SessionName, Value: "not-a-session"})
			return r
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.UserID(tt.req); !errors.Is(err, ErrNoSession) {
				t.Errorf("UserID() error = %v, want ErrNoSession", err)
			}
		})
	}
}
