package handlers

import (
	"net/http"

	"task-sync-backend/pkg/app"
	"task-sync-backend/pkg/utils"
)

type OrgsHandler struct {
	app *app.App
}

func NewOrgsHandler(a *app.App) *OrgsHandler {
	return &OrgsHandler{app: a}
}

// GET /api/orgs
func (h *OrgsHandler) List(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccessResponse(w, h.app.Orgs.State())
}

// POST /api/orgs
func (h *OrgsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid body")
		return
	}
	org, err := h.app.Orgs.Create(r.Context(), req.Name)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, map[string]interface{}{"organization": org})
}

// PUT /api/orgs/active
func (h *OrgsHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID string `json:"org_id"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid body")
		return
	}
	if req.OrgID == "" {
		utils.WriteBadRequestResponse(w, "org_id required")
		return
	}
	if err := h.app.Orgs.Select(req.OrgID); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, h.app.Orgs.State())
}

// POST /api/orgs/refetch
func (h *OrgsHandler) Refetch(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Orgs.Refetch(r.Context()); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, h.app.Orgs.State())
}

// GET /api/orgs/members
func (h *OrgsHandler) Members(w http.ResponseWriter, r *http.Request) {
	members, err := h.app.Orgs.Members(r.Context())
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"members": members, "count": len(members)})
}
