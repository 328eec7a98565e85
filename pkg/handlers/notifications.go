package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"task-sync-backend/pkg/app"
	"task-sync-backend/pkg/utils"
)

// NotificationsHandler 通知处理器
type NotificationsHandler struct {
	app *app.App
}

// NewNotificationsHandler 创建通知处理器
func NewNotificationsHandler(a *app.App) *NotificationsHandler {
	return &NotificationsHandler{app: a}
}

// GET /api/notifications
func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccessResponse(w, h.app.Notifications.Snapshot())
}

// POST /api/notifications/{notificationID}/read
func (h *NotificationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Notifications.MarkRead(r.Context(), chi.URLParam(r, "notificationID")); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"unread": h.app.Notifications.UnreadCount()})
}

// POST /api/notifications/read-all
func (h *NotificationsHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Notifications.MarkAllRead(r.Context()); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"unread": h.app.Notifications.UnreadCount()})
}
