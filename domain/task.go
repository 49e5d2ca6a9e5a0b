package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task statuses. No transition table is enforced; any status may move to
// any other through an update.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Task represents a single task record owned by exactly one user.
// OwnerID is stamped on creation and never changes.
type Task struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	DueDate     string    `json:"dueDate,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TaskInput carries the client-supplied fields of a new task.
type TaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	DueDate     string `json:"dueDate"`
}

// TaskPatch is a partial update. Nil fields are left untouched. The id and
// owner of a task cannot be patched; there are deliberately no fields for
// them here.
type TaskPatch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	DueDate     *string `json:"dueDate"`
}

// NewTask validates the input and builds a task owned by ownerID with
// server-assigned id and timestamps. Status defaults to pending and
// priority to medium when omitted.
func NewTask(ownerID string, in TaskInput) (Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Task{}, &ValidationError{Field: "title", Reason: "title is required"}
	}
	status := in.Status
	if status == "" {
		status = StatusPending
	}
	if !validStatus(status) {
		return Task{}, &ValidationError{Field: "status", Reason: "invalid status"}
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !validPriority(priority) {
		return Task{}, &ValidationError{Field: "priority", Reason: "invalid priority"}
	}
	dueDate, err := normalizeDueDate(in.DueDate)
	if err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()
	return Task{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Status:      status,
		Priority:    priority,
		DueDate:     dueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Apply merges the patch into t, revalidating every changed field and
// bumping UpdatedAt. ID, OwnerID and CreatedAt are never touched.
func (p TaskPatch) Apply(t *Task) error {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return &ValidationError{Field: "title", Reason: "title must not be empty"}
		}
		t.Title = title
	}
	if p.Description != nil {
		t.Description = strings.TrimSpace(*p.Description)
	}
	if p.Status != nil {
		if !validStatus(*p.Status) {
			return &ValidationError{Field: "status", Reason: "invalid status"}
		}
		t.Status = *p.Status
	}
	if p.Priority != nil {
		if !validPriority(*p.Priority) {
			return &ValidationError{Field: "priority", Reason: "invalid priority"}
		}
		t.Priority = *p.Priority
	}
	if p.DueDate != nil {
		dueDate, err := normalizeDueDate(*p.DueDate)
		if err != nil {
			return err
		}
		t.DueDate = dueDate
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// SortTasks orders tasks by creation time descending, newest first. Equal
// timestamps fall back to id so the order is stable.
func SortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})
}

func validStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// normalizeDueDate accepts an RFC 3339 timestamp or a plain calendar date
// and stores the canonical RFC 3339 form. Empty input clears the due date.
func normalizeDueDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC().Format(time.RFC3339), nil
	}
	if day, err := time.Parse("2006-01-02", raw); err == nil {
		return day.UTC().Format(time.RFC3339), nil
	}
	return "", &ValidationError{Field: "dueDate", Reason: "invalid due date"}
}
