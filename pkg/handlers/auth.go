package handlers

import (
	"net/http"

	"task-sync-backend/pkg/app"
	"task-sync-backend/pkg/middleware"
	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/utils"
)

// AuthHandler 认证处理器
type AuthHandler struct {
	app *app.App
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(a *app.App) *AuthHandler {
	return &AuthHandler{app: a}
}

// SignUp 用户注册
//
// A provider that requires email confirmation returns no session; the response is then 202 with
// pending_confirmation set and the daemon stays signed out.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req models.SignUpRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}

	id, pending, err := h.app.Session.SignUp(r.Context(), req)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	if pending {
		utils.WriteJSONResponse(w, http.StatusAccepted, map[string]interface{}{
			"pending_confirmation": true,
		})
		return
	}
	utils.WriteCreatedResponse(w, map[string]interface{}{
		"user":          id,
		"organizations": h.app.Orgs.State(),
	})
}

// Login 用户登录
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.SignInRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}

	id, err := h.app.Session.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"user":          id,
		"organizations": h.app.Orgs.State(),
	})
}

// Logout 用户登出；本地状态总会被清空
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Session.SignOut(r.Context()); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"signed_out": true})
}

// Refresh 刷新令牌
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.app.Session.Refresh(r.Context())
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"user":       tokens.User,
		"expires_at": tokens.ExpiresAt,
	})
}

// Me 当前登录身份
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		utils.WriteUnauthorizedResponse(w, "not signed in")
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"user": id})
}
