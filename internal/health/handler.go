package health

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Handler /status 与 /healthz
type Handler struct {
	tracker *Tracker
	started time.Time
}

// NewHandler 创建状态查询处理器
func NewHandler(t *Tracker) *Handler {
	return &Handler{tracker: t, started: time.Now()}
}

// Status GET /status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants": h.tracker.Snapshot(),
	})
}

// TenantStatus GET /status/{tenant_id}
func (h *Handler) TenantStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/status/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ts, ok := h.tracker.Tenant(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not tracked"})
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// Healthz GET /healthz，进程存活即返回 200
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"tenants": len(h.tracker.Snapshot()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
