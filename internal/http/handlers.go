package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/activity-ranking-service/internal/circuitbreaker"
	"github.com/kjstillabower/activity-ranking-service/internal/client"
	"github.com/kjstillabower/activity-ranking-service/internal/lifecycle"
	"github.com/kjstillabower/activity-ranking-service/internal/models"
	"github.com/kjstillabower/activity-ranking-service/internal/observability"
	"github.com/kjstillabower/activity-ranking-service/internal/service"
	"github.com/kjstillabower/activity-ranking-service/internal/traffic"
)

// Ranker answers ranking queries. Implemented by *service.RankingService.
type Ranker interface {
	Rank(ctx context.Context, city string) (models.RankingResult, error)
}

// BreakerReporter exposes upstream circuit breaker states. Implemented by *client.OpenMeteoClient.
type BreakerReporter interface {
	BreakerStates() map[string]circuitbreaker.State
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	ranker           Ranker
	breakers         BreakerReporter
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. breakers and healthConfig may be nil.
func NewHandler(ranker Ranker, breakers BreakerReporter, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ranker:       ranker,
		breakers:     breakers,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetRanking handles GET /rankings/{city}.
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	city := mux.Vars(r)["city"]

	result, err := h.ranker.Rank(r.Context(), city)
	if err != nil {
		status, code, message := classifyError(err)
		if status >= http.StatusInternalServerError {
			traffic.Record(traffic.Error)
		} else {
			traffic.Record(traffic.Success)
		}
		observability.LoggerFromContext(r.Context()).Debug("ranking request failed",
			zap.String("code", code), zap.Error(err))
		writeError(w, r, status, code, message)
		return
	}
	traffic.Record(traffic.Success)
	writeJSON(w, http.StatusOK, result)
}

// classifyError maps a service error to an HTTP status, error code and client message.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidCity):
		return http.StatusBadRequest, "INVALID_CITY", err.Error()
	case errors.Is(err, service.ErrCityNotFound):
		return http.StatusNotFound, "CITY_NOT_FOUND", "No matching city found"
	case errors.Is(err, service.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch forecast data"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out"
	default:
		return http.StatusInternalServerError, "INTERNAL", "Unable to compute ranking"
	}
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
}

type healthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	states := h.breakerStates()
	result := h.computeHealthStatus(states)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string, len(states))
	for name, st := range states {
		checks[name] = st.String()
	}
	writeJSON(w, result.statusCode, healthResponse{
		Status:    result.status,
		Service:   "activity-ranking-service",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) breakerStates() map[string]circuitbreaker.State {
	if h.breakers == nil {
		return nil
	}
	return h.breakers.BreakerStates()
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(states map[string]circuitbreaker.State) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if cfg := h.healthConfig; cfg != nil && cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	// Marine is optional; only the upstreams a ranking cannot do without degrade health.
	for _, name := range []string{client.UpstreamGeocoding, client.UpstreamForecast} {
		if states[name] == circuitbreaker.StateOpen {
			return healthResult{"degraded", http.StatusServiceUnavailable, name + "_circuit_open"}
		}
	}
	if cfg := h.healthConfig; cfg != nil && cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errCount, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errCount)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body, carrying the correlation ID as requestId.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		RequestID: observability.CorrelationID(r.Context()),
	}})
}
