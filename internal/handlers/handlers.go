package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"presenceapi/internal/models"
	"presenceapi/internal/service"
)

// maxBatch caps the ids of one multi-presence request
const maxBatch = 100

// PresenceService defines the interface for presence operations
type PresenceService interface {
	GetUserView(ctx context.Context, userID string) (models.UserView, error)
	GetPresence(ctx context.Context, userID, contextID string) models.PresenceRecord
	GetPresences(ctx context.Context, userIDs []string, contextID string) map[string]models.PresenceRecord
	Invalidate(ctx context.Context, userID string)
	Health() service.Health
}

// BatchPresenceRequest represents the request body for batch presence queries
type BatchPresenceRequest struct {
	UserIDs []string `json:"user_ids"`
	GuildID string   `json:"guild_id,omitempty"`
}

// ServiceInfo is served at the root path
type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	NodeID  string `json:"node_id"`
}

// PresenceHandler handles HTTP requests for presence operations
type PresenceHandler struct {
	service PresenceService
	info    ServiceInfo
	logger  *zap.Logger
}

// NewPresenceHandler creates a new PresenceHandler
func NewPresenceHandler(service PresenceService, info ServiceInfo, logger *zap.Logger) *PresenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceHandler{service: service, info: info, logger: logger.Named("http")}
}

// Index handles GET /
func (h *PresenceHandler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.APIResponse{Success: true, Data: h.info})
}

// Ping handles GET /ping
func (h *PresenceHandler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("pong"))
}

// Health handles GET /v1/health
func (h *PresenceHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health()
	status := http.StatusOK
	if !health.UpstreamReady {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, models.APIResponse{Success: health.UpstreamReady, Data: health})
}

// GetUser handles GET /v1/users/{user_id}
func (h *PresenceHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	view, err := h.service.GetUserView(r.Context(), userID)
	if err != nil {
		switch {
		case service.IsNotFound(err):
			writeErrorResponse(w, http.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrUnavailable):
			writeErrorResponse(w, http.StatusServiceUnavailable, "upstream is not available, try again later")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeErrorResponse(w, http.StatusGatewayTimeout, "request cancelled")
		default:
			h.logger.Error("failed to get user", zap.String("user_id", userID), zap.Error(err))
			writeErrorResponse(w, http.StatusInternalServerError, "failed to get user")
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, models.APIResponse{Success: true, Data: view})
}

// GetPresence handles GET /v1/presence/{user_id}?guild_id=
func (h *PresenceHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	presence := h.service.GetPresence(r.Context(), userID, r.URL.Query().Get("guild_id"))
	writeJSONResponse(w, http.StatusOK, models.APIResponse{Success: true, Data: presence})
}

// GetMultiplePresences handles GET /v1/presence?users=user1,user2,user3
func (h *PresenceHandler) GetMultiplePresences(w http.ResponseWriter, r *http.Request) {
	usersParam := r.URL.Query().Get("users")
	if usersParam == "" {
		writeErrorResponse(w, http.StatusBadRequest, "users parameter is required")
		return
	}
	h.writePresences(w, r, strings.Split(usersParam, ","), r.URL.Query().Get("guild_id"))
}

// BatchPresence handles POST /v1/presence/batch
func (h *PresenceHandler) BatchPresence(w http.ResponseWriter, r *http.Request) {
	var req BatchPresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	h.writePresences(w, r, req.UserIDs, req.GuildID)
}

// InvalidateCache handles DELETE /v1/cache/{user_id}
func (h *PresenceHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}
	h.service.Invalidate(r.Context(), userID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandler) writePresences(w http.ResponseWriter, r *http.Request, ids []string, guildID string) {
	userIDs := cleanIDs(ids)
	if len(userIDs) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "user_ids is required")
		return
	}
	if len(userIDs) > maxBatch {
		writeErrorResponse(w, http.StatusBadRequest, "too many user ids")
		return
	}

	presences := h.service.GetPresences(r.Context(), userIDs, guildID)
	writeJSONResponse(w, http.StatusOK, models.APIResponse{Success: true, Data: presences})
}

func cleanIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, models.APIResponse{
		Success: false,
		Error:   &models.APIError{Code: statusCode, Message: message},
	})
}

