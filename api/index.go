// Package handler builds the daemon's HTTP surface: one chi router for the JSON API, the push
// stream and the Prometheus endpoint.
package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"task-sync-backend/pkg/app"
	"task-sync-backend/pkg/handlers"
	customMiddleware "task-sync-backend/pkg/middleware"
	"task-sync-backend/pkg/utils"
)

// Version is reported by the health endpoint.
var Version = "dev"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

const defaultTimeout = 30 * time.Second

// NewRouter 创建Chi路由器
func NewRouter(a *app.App, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	router := chi.NewRouter()
	setupMiddleware(router, a, logger)
	setupRoutes(router, a, logger)
	return router
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, a *app.App, logger *slog.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	// Normalize path and restore scheme/host before logging and routing
	router.Use(customMiddleware.Normalize())
	router.Use(customMiddleware.RequestLogger(logger))
	router.Use(customMiddleware.Recovery(a.Config.Debug, logger))

	// CORS中间件
	router.Use(customMiddleware.CORS(a.Config))

	// 开发环境额外中间件
	if a.Config.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, a *app.App, logger *slog.Logger) {
	timeout := a.Config.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	healthHandler := handlers.NewHealthHandler(a, Version)
	authHandler := handlers.NewAuthHandler(a)
	orgsHandler := handlers.NewOrgsHandler(a)
	tasksHandler := handlers.NewTasksHandler(a)
	notificationsHandler := handlers.NewNotificationsHandler(a)
	streamHandler := handlers.NewStreamHandler(a, logger)

	// 健康检查端点
	router.Get("/", healthHandler.HealthCheck)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Use(customMiddleware.ValidateAPIKey(a.Config.APIKey))

		// 推送通道是长连接，不经过超时与压缩中间件
		r.With(customMiddleware.RequireSession(a.Session, nil, logger)).Get("/stream", streamHandler.Serve)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))
			r.Use(middleware.Compress(5))
			r.Use(customMiddleware.MaxBodySize(maxBodyBytes))
			r.Use(customMiddleware.ContentTypeJSON)

			// 公开路由（不需要登录）
			r.Route("/auth", func(r chi.Router) {
				r.Post("/signup", authHandler.SignUp)
				r.Post("/login", authHandler.Login)
				r.Post("/logout", authHandler.Logout)
				r.Post("/refresh", authHandler.Refresh)
				r.With(customMiddleware.RequireSession(a.Session, a, logger)).Get("/me", authHandler.Me)
			})

			// 需要登录的路由
			r.Group(func(r chi.Router) {
				r.Use(customMiddleware.RequireSession(a.Session, a, logger))

				r.Route("/orgs", func(r chi.Router) {
					r.Get("/", orgsHandler.List)
					r.Post("/", orgsHandler.Create)
					r.Put("/active", orgsHandler.SetActive)
					r.Post("/refetch", orgsHandler.Refetch)
					r.Get("/members", orgsHandler.Members)
				})

				r.Route("/tasks", func(r chi.Router) {
					r.Get("/", tasksHandler.List)
					r.Post("/", tasksHandler.Create)
					r.Post("/refresh", tasksHandler.Refresh)
					r.Patch("/{taskID}/status", tasksHandler.UpdateStatus)
					r.Get("/{taskID}/comments", tasksHandler.ListComments)
					r.Post("/{taskID}/comments", tasksHandler.AddComment)
				})
				r.Get("/board", tasksHandler.Board)
				r.Get("/dashboard", tasksHandler.Dashboard)

				r.Route("/notifications", func(r chi.Router) {
					r.Get("/", notificationsHandler.List)
					r.Post("/read-all", notificationsHandler.MarkAllRead)
					r.Post("/{notificationID}/read", notificationsHandler.MarkRead)
				})
			})
		})
	})

	// 404处理
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	// 405处理
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "")
	})
}
