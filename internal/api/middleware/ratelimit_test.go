package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestNewRateLimiter(t *testing.T) {
	t.Run("invalid configuration", func(t *testing.T) {
		if _, err := NewRateLimiter(0, time.Minute, nil); err == nil {
			t.Error("expected error for zero requests")
		}
		if _, err := NewRateLimiter(10, 0, nil); err == nil {
			t.Error("expected error for zero period")
		}
	})

	t.Run("requests exceeding limit rejected", func(t *testing.T) {
		mw, err := NewRateLimiter(2, time.Minute, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		gin.SetMode(gin.TestMode)
		r := gin.New()
		r.Use(mw)
		r.GET("/test", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})

		codes := make([]int, 0, 3)
		for range 3 {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "127.0.0.1:12345"
			r.ServeHTTP(w, req)
			codes = append(codes, w.Code)
		}
		if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
			t.Fatalf("first two requests = %v, want 200", codes[:2])
		}
		if codes[2] != http.StatusTooManyRequests {
			t.Errorf("third request = %d, want 429", codes[2])
		}

		// Another client has its own budget.
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.9:4000"
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("other client = %d, want 200", w.Code)
		}
	})
}
