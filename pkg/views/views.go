// Package views derives the dashboard, board and list projections from a task snapshot.
// Every function is pure and keeps the snapshot's newest-first order.
package views

import (
	"math"
	"strings"

	"task-sync-backend/pkg/models"
	"task-sync-backend/pkg/tasksync"
)

// RecentLimit is the number of tasks the dashboard lists.
const RecentLimit = 8

// StatusLabels are the column headings in pipeline order.
var StatusLabels = map[models.TaskStatus]string{
	models.StatusTodo:       "To do",
	models.StatusInProgress: "In progress",
	models.StatusInReview:   "In review",
	models.StatusDone:       "Done",
}

// Dashboard 仪表盘统计
type Dashboard struct {
	Counts          map[models.TaskStatus]int `json:"counts"`
	Total           int                       `json:"total"`
	ProgressPercent int                       `json:"progress_percent"`
	Recent          []models.Task             `json:"recent"`
}

// BuildDashboard counts tasks per status and computes the done share rounded to a whole percent.
func BuildDashboard(p tasksync.Partitions) Dashboard {
	d := Dashboard{
		Counts: make(map[models.TaskStatus]int, len(models.TaskStatuses)),
		Total:  len(p.All),
	}
	for _, s := range models.TaskStatuses {
		d.Counts[s] = len(p.Status(s))
	}
	if d.Total > 0 {
		d.ProgressPercent = int(math.Round(float64(d.Counts[models.StatusDone]) / float64(d.Total) * 100))
	}
	n := RecentLimit
	if len(p.All) < n {
		n = len(p.All)
	}
	d.Recent = append([]models.Task{}, p.All[:n]...)
	return d
}

// Column 看板列
type Column struct {
	Status models.TaskStatus `json:"status"`
	Label  string            `json:"label"`
	Count  int               `json:"count"`
	Tasks  []models.Task     `json:"tasks"`
}

// BuildBoard returns one column per status in pipeline order.
func BuildBoard(p tasksync.Partitions) []Column {
	cols := make([]Column, 0, len(models.TaskStatuses))
	for _, s := range models.TaskStatuses {
		tasks := p.Status(s)
		cols = append(cols, Column{Status: s, Label: StatusLabels[s], Count: len(tasks), Tasks: tasks})
	}
	return cols
}

// Tab selects the base set of the list view.
type Tab string

const (
	TabAll  Tab = "all"
	TabMine Tab = "mine"
)

// "all" disables a status or priority filter.
const filterAll = "all"

// ListFilter 列表过滤条件，空值表示不过滤
type ListFilter struct {
	Search   string
	Status   string
	Priority string
	Assignee string
	Tab      Tab
}

// Matches reports whether t passes every set criterion. Search is a case-insensitive substring
// match against the title or the description.
func (f ListFilter) Matches(t models.Task) bool {
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(t.Title), q) &&
			!strings.Contains(strings.ToLower(t.DescriptionText()), q) {
			return false
		}
	}
	if f.Status != "" && f.Status != filterAll && string(t.Status) != f.Status {
		return false
	}
	if f.Priority != "" && f.Priority != filterAll && string(t.Priority) != f.Priority {
		return false
	}
	if f.Assignee != "" {
		if t.AssignedTo == nil || *t.AssignedTo != f.Assignee {
			return false
		}
	}
	return true
}

// FilterTasks applies f to tasks.
func FilterTasks(tasks []models.Task, f ListFilter) []models.Task {
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// List picks the tab's base set from p and filters it.
func List(p tasksync.Partitions, f ListFilter) []models.Task {
	base := p.All
	if f.Tab == TabMine {
		base = p.Mine
	}
	return FilterTasks(base, f)
}
