package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MetricsHandler exposes Prometheus metrics.
type MetricsHandler struct {
	handler http.Handler
}

// NewMetricsHandler wraps a Prometheus exposition handler.
func NewMetricsHandler(handler http.Handler) *MetricsHandler {
	return &MetricsHandler{handler: handler}
}

// RegisterPublicRoutes registers GET /metrics.
func (h *MetricsHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(h.handler))
}
