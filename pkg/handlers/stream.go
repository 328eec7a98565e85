package handlers

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"task-sync-backend/pkg/app"
	"task-sync-backend/pkg/stream"
)

// StreamHandler 推送通道处理器
type StreamHandler struct {
	app      *app.App
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

// NewStreamHandler 创建推送通道处理器；Origin 校验与CORS配置一致
func NewStreamHandler(a *app.App, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := a.Config.AllowedOrigins
	return &StreamHandler{
		app: a,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), r.Host, allowed)
			},
		},
		log: logger.With("component", "stream"),
	}
}

func originAllowed(origin, host string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == host
}

// GET /api/stream
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	stream.Serve(h.app.Hub, h.upgrader, w, r, h.log)
}
