package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// sensitiveParams lists query parameter names whose values must be redacted from logs.
var sensitiveParams = map[string]bool{
	"token":    true,
	"key":      true,
	"secret":   true,
	"password": true,
	"session":  true,
}

// quietRoutes are polled by monitors and logged at debug level when they succeed.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// redactQueryString replaces values of known sensitive query parameters with [REDACTED].
func redactQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	redacted := false
	for name, values := range params {
		if sensitiveParams[strings.ToLower(name)] {
			for i := range values {
				values[i] = "[REDACTED]"
			}
			params[name] = values
			redacted = true
		}
	}

	if !redacted {
		return rawQuery
	}

	return params.Encode()
}

// RequestLogger returns a middleware that logs each request with the
// authenticated user and the deployment or snapshot it addressed.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := redactQueryString(c.Request.URL.RawQuery)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()

		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		case quietRoutes[route]:
			event = log.Debug()
		default:
			event = log.Info()
		}
		if event == nil {
			return
		}

		if userID := GetUserID(c); userID != uuid.Nil {
			event.Str("user_id", userID.String())
		}
		resourceFields(event, c, route)

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", path).
			Str("query", query).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("request")
	}
}

// resourceFields names the IDs carried in the matched route's path parameters.
// The generic :id parameter belongs to whichever collection precedes it.
func resourceFields(event *zerolog.Event, c *gin.Context, route string) {
	if id := c.Param("deployment_id"); id != "" {
		event.Str("deployment_id", id)
	}
	id := c.Param("id")
	if id == "" {
		return
	}
	switch {
	case strings.Contains(route, "/deployments/:id"):
		event.Str("deployment_id", id)
	case strings.Contains(route, "/snapshots/:id"):
		event.Str("snapshot_id", id)
	default:
		event.Str("id", id)
	}
}
