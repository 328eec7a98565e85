package handlers

import (
	"context"
	"net/http"
	"time"

	"task-sync-backend/pkg/app"
	"task-sync-backend/pkg/utils"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	app     *app.App
	version string
}

func NewHealthHandler(a *app.App, version string) *HealthHandler {
	return &HealthHandler{app: a, version: version}
}

// HealthCheck 健康检查
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if err := h.app.DB.HealthCheck(ctx); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}

	signedIn := h.app.Session.Current() != nil
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"service":      "kanband",
		"version":      h.version,
		"environment":  h.app.Config.Environment,
		"database":     h.databaseType(),
		"db_status":    dbStatus,
		"signed_in":    signedIn,
		"org_state":    h.app.Orgs.State().State,
		"stream_peers": h.app.Hub.Clients(),
		"timestamp":    time.Now().Unix(),
		"status":       "healthy",
	})
}

// databaseType 获取存储类型
func (h *HealthHandler) databaseType() string {
	switch {
	case h.app.Config.UsesSupabase():
		return "supabase"
	case h.app.Config.UsesLocalStore():
		return "local"
	}
	return "postgresql"
}
