package handlers

import (
	"context"
	"net/http"
	"time"
)

// ReadinessChecker reports whether the upstream gateway can serve fetches
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ProbeResult is the body of the liveness and readiness probes
type ProbeResult struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	UptimeSec int64             `json:"uptimeSec"`
	Timestamp time.Time         `json:"ts"`
}

type HealthHandler struct {
	checker ReadinessChecker
	timeout time.Duration
	started time.Time
}

func NewHealthHandler(checker ReadinessChecker) *HealthHandler {
	return &HealthHandler{checker: checker, timeout: 2 * time.Second, started: time.Now()}
}

func (h *HealthHandler) probe(status string) ProbeResult {
	return ProbeResult{
		Status:    status,
		UptimeSec: int64(time.Since(h.started).Seconds()),
		Timestamp: nowUTC(),
	}
}

// Liveness answers as long as the process can serve HTTP
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.probe("ok"))
}

// Readiness fails while the upstream gateway is unreachable. A degraded
// cache backend does not fail readiness since reads fall back in-process.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		writeJSONResponse(w, http.StatusOK, h.probe("ready"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res := h.probe("ready")
	res.Checks = map[string]string{"upstream": "ok"}
	if err := h.checker.Ready(ctx); err != nil {
		res.Status = "unready"
		res.Checks["upstream"] = err.Error()
		writeJSONResponse(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSONResponse(w, http.StatusOK, res)
}

func nowUTC() time.Time { return time.Now().UTC() }
