package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/activity-ranking-service/internal/observability"
)

// RouterConfig holds the per-route middleware settings.
type RouterConfig struct {
	// Limiter throttles /rankings; nil disables rate limiting.
	Limiter *rate.Limiter
	// RequestTimeout bounds each /rankings request; 0 disables it.
	RequestTimeout time.Duration
}

// NewRouter wires the routes and middleware. Health and metrics bypass the rate limiter
// and the request timeout.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	rankings := router.PathPrefix("/rankings").Subrouter()
	rankings.Use(RateLimitMiddleware(cfg.Limiter))
	rankings.Use(TimeoutMiddleware(cfg.RequestTimeout))
	rankings.HandleFunc("/{city}", h.GetRanking).Methods(http.MethodGet)
	return router
}
