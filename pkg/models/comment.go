package models

import "time"

// Comment is an append-only note on a task
type Comment struct {
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CommentWithAuthor joins a comment with its author's profile
type CommentWithAuthor struct {
	Comment
	Author *Profile `json:"author,omitempty"`
}
