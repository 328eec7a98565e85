package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"task-sync-backend/pkg/app"
	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/tasksync"
	"task-sync-backend/pkg/utils"
	"task-sync-backend/pkg/views"
)

// TasksHandler 任务处理器
type TasksHandler struct {
	app *app.App
}

// NewTasksHandler 创建任务处理器
func NewTasksHandler(a *app.App) *TasksHandler {
	return &TasksHandler{app: a}
}

// snapshotHeader exposes the snapshot version so a client can tell whether a push was already seen.
func snapshotHeader(w http.ResponseWriter, s tasksync.Snapshot) {
	w.Header().Set("X-Snapshot-Version", strconv.FormatUint(s.Version, 10))
}

// List 任务列表（支持搜索、状态、优先级、负责人过滤以及 all/mine 标签）
func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	f := views.ListFilter{
		Search:   r.URL.Query().Get("search"),
		Status:   r.URL.Query().Get("status"),
		Priority: r.URL.Query().Get("priority"),
		Assignee: r.URL.Query().Get("assignee"),
		Tab:      views.Tab(utils.GetQueryParam(r, "tab", string(views.TabAll))),
	}
	if f.Tab != views.TabAll && f.Tab != views.TabMine {
		utils.WriteBadRequestResponse(w, "tab must be all or mine")
		return
	}
	if f.Status != "" && f.Status != "all" && !models.TaskStatus(f.Status).Valid() {
		utils.WriteBadRequestResponse(w, "unknown status "+f.Status)
		return
	}
	if f.Priority != "" && f.Priority != "all" && !models.TaskPriority(f.Priority).Valid() {
		utils.WriteBadRequestResponse(w, "unknown priority "+f.Priority)
		return
	}

	snap := h.app.Tasks.Snapshot()
	tasks := views.List(h.app.Tasks.Partition(), f)
	snapshotHeader(w, snap)
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"org_id":     snap.OrgID,
		"version":    snap.Version,
		"loading":    snap.Loading,
		"last_error": snap.LastError,
		"tasks":      tasks,
		"count":      len(tasks),
	})
}

// Create 创建任务
func (h *TasksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.NewTaskRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	task, err := h.app.Tasks.CreateTask(r.Context(), req)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, map[string]interface{}{"task": task})
}

// Refresh 手动重新加载当前组织的任务
func (h *TasksHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Tasks.Refresh(r.Context()); err != nil {
		utils.WriteAppError(w, err)
		return
	}
	snap := h.app.Tasks.Snapshot()
	snapshotHeader(w, snap)
	utils.WriteSuccessResponse(w, snap)
}

// UpdateStatus 修改任务状态
//
// The snapshot is not touched here; the new status shows up once the change event has been
// applied. A request for the status the task already has answers changed=false.
func (h *TasksHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req struct {
		Status models.TaskStatus `json:"status"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}

	err := h.app.Tasks.UpdateStatus(r.Context(), taskID, req.Status)
	switch {
	case errors.Is(err, tasksync.ErrStatusUnchanged):
		utils.WriteSuccessResponse(w, map[string]interface{}{"task_id": taskID, "status": req.Status, "changed": false})
	case err != nil:
		utils.WriteAppError(w, err)
	default:
		utils.WriteSuccessResponse(w, map[string]interface{}{"task_id": taskID, "status": req.Status, "changed": true})
	}
}

// ListComments 任务评论（按时间升序）
func (h *TasksHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.app.Tasks.ListComments(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"comments": comments, "count": len(comments)})
}

// AddComment 添加评论
func (h *TasksHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	comment, err := h.app.Tasks.AddComment(r.Context(), chi.URLParam(r, "taskID"), req.Content)
	if err != nil {
		utils.WriteAppError(w, err)
		return
	}
	utils.WriteCreatedResponse(w, map[string]interface{}{"comment": comment})
}

// Board 看板视图
func (h *TasksHandler) Board(w http.ResponseWriter, r *http.Request) {
	snapshotHeader(w, h.app.Tasks.Snapshot())
	utils.WriteSuccessResponse(w, map[string]interface{}{"columns": views.BuildBoard(h.app.Tasks.Partition())})
}

// Dashboard 仪表盘视图
func (h *TasksHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	snapshotHeader(w, h.app.Tasks.Snapshot())
	utils.WriteSuccessResponse(w, views.BuildDashboard(h.app.Tasks.Partition()))
}
