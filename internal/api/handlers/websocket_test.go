package handlers

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
)

type recordingFeed struct {
	users []uuid.UUID
}

func (f *recordingFeed) HandleWebSocket(w http.ResponseWriter, _ *http.Request, userID uuid.UUID) {
	f.users = append(f.users, userID)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func TestWebSocketHandler_Connect(t *testing.T) {
	user := uuid.New()
	feed := &recordingFeed{}

	r, group := newTestRouter(user)
	NewWebSocketHandler(feed).RegisterRoutes(group)
	doRequest(r, http.MethodGet, "/api/v1/ws", nil)
	if len(feed.users) != 1 || feed.users[0] != user {
		t.Errorf("feed users = %v, want [%s]", feed.users, user)
	}

	anon, group := newTestRouter(uuid.Nil)
	NewWebSocketHandler(feed).RegisterRoutes(group)
	if w := doRequest(anon, http.MethodGet, "/api/v1/ws", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}
	if len(feed.users) != 1 {
		t.Error("anonymous request reached the feed")
	}
}
