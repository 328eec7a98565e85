package tasksync

import "task-sync-backend/pkg/models"

// Partitions groups a snapshot. Every slice keeps the snapshot order (newest first); the status
// groups are disjoint and together hold every task.
type Partitions struct {
	All      []models.Task                       `json:"all"`
	Mine     []models.Task                       `json:"mine"`
	ByStatus map[models.TaskStatus][]models.Task `json:"by_status"`
}

// Status returns the group for status, never nil.
func (p Partitions) Status(status models.TaskStatus) []models.Task {
	if tasks := p.ByStatus[status]; tasks != nil {
		return tasks
	}
	return []models.Task{}
}

// PartitionTasks splits tasks into all, created by userID, and one group per status.
func PartitionTasks(tasks []models.Task, userID string) Partitions {
	p := Partitions{
		All:      make([]models.Task, 0, len(tasks)),
		Mine:     make([]models.Task, 0),
		ByStatus: make(map[models.TaskStatus][]models.Task, len(models.TaskStatuses)),
	}
	for _, s := range models.TaskStatuses {
		p.ByStatus[s] = make([]models.Task, 0)
	}
	for _, t := range tasks {
		p.All = append(p.All, t)
		if userID != "" && t.CreatedBy == userID {
			p.Mine = append(p.Mine, t)
		}
		p.ByStatus[t.Status] = append(p.ByStatus[t.Status], t)
	}
	return p
}
