package middleware

import (
	"net/http"

	"github.com/go-chi/cors"

	"task-sync-backend/pkg/config"
)

// CORS 创建CORS中间件
func CORS(cfg *config.Config) func(http.Handler) http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-API-Key",
			"X-Requested-With",
		},
		ExposedHeaders: []string{
			"X-Request-Id",
			"X-Snapshot-Version",
		},
		MaxAge: 300, // 5分钟
	}

	// 配置了具体来源时才允许凭据；通配符来源不能携带凭据
	if len(cfg.AllowedOrigins) > 0 && !contains(cfg.AllowedOrigins, "*") {
		corsOptions.AllowedOrigins = cfg.AllowedOrigins
		corsOptions.AllowCredentials = true
	}

	return cors.Handler(corsOptions)
}

// contains 检查切片是否包含指定的字符串
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
