package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestRequestLogger(t *testing.T) {
	mw := RequestLogger(zerolog.Nop())

	r := gin.New()
	r.Use(mw)
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/error", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fail"})
	})
	r.GET("/bad-request", func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad"})
	})

	t.Run("successful request", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test?q=hello", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
	})

	t.Run("server error request", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/error", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", w.Code)
		}
	})

	t.Run("client error request", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/bad-request", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", w.Code)
		}
	})
}

func TestRequestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	userID := uuid.New()

	r := gin.New()
	r.Use(RequestLogger(logger))
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Test-User") != "" {
			c.Set(string(UserIDContextKey), userID)
		}
		c.Next()
	})
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/health", ok)
	r.GET("/api/v1/deployments/:id/snapshots", ok)
	r.GET("/api/v1/snapshots/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.POST("/api/v1/migrations/:deployment_id/cancel", ok)

	deploymentID := uuid.New().String()
	snapshotID := uuid.New().String()

	tests := []struct {
		name   string
		method string
		path   string
		user   bool
		want   map[string]string
		absent []string
	}{
		{
			name:   "deployment route",
			method: http.MethodGet,
			path:   "/api/v1/deployments/" + deploymentID + "/snapshots",
			user:   true,
			want: map[string]string{
				"level":         "info",
				"user_id":       userID.String(),
				"deployment_id": deploymentID,
				"route":         "/api/v1/deployments/:id/snapshots",
			},
			absent: []string{"snapshot_id"},
		},
		{
			name:   "snapshot route",
			method: http.MethodGet,
			path:   "/api/v1/snapshots/" + snapshotID,
			user:   true,
			want:   map[string]string{"level": "warn", "snapshot_id": snapshotID},
			absent: []string{"deployment_id"},
		},
		{
			name:   "migration route",
			method: http.MethodPost,
			path:   "/api/v1/migrations/" + deploymentID + "/cancel",
			want:   map[string]string{"deployment_id": deploymentID},
			absent: []string{"user_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.user {
				req.Header.Set("X-Test-User", "1")
			}
			r.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("log line %q: %v", buf.String(), err)
			}
			for k, v := range tt.want {
				if entry[k] != v {
					t.Errorf("%s = %v, want %v", k, entry[k], v)
				}
			}
			for _, k := range tt.absent {
				if _, ok := entry[k]; ok {
					t.Errorf("unexpected field %s = %v", k, entry[k])
				}
			}
		})
	}

	t.Run("health is quiet", func(t *testing.T) {
		buf.Reset()
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
		if strings.TrimSpace(buf.String()) != "" {
			t.Errorf("health check logged at info: %s", buf.String())
		}
	})
}

func TestRedactQueryString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"q=hello", "q=hello"},
		{"token=abc&q=1", "q=1&token=%5BREDACTED%5D"},
		{"Session=xyz", "Session=%5BREDACTED%5D"},
	}
	for _, tt := range tests {
		if got := redactQueryString(tt.in); got != tt.want {
			t.Errorf("redactQueryString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
