package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Task event types published to the event queue after each mutation.
const (
	eventTaskCreated = "task-created"
	eventTaskUpdated = "task-updated"
	eventTaskDeleted = "task-deleted"
)

// TaskEvent is the message enqueued for downstream consumers after a task
// mutation. It carries identifiers only, never task content.
type TaskEvent struct {
	OwnerID string    `json:"ownerId"`
	TaskID  string    `json:"taskId"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
}

// publishEvent sends a change notification to the event queue. Delivery is
// best effort: the mutation has already committed and must not fail because
// the queue is unavailable.
func (s *Storage) publishEvent(ctx context.Context, ownerID, taskID, eventType string) {
	if s.eventQueue == nil {
		return
	}
	ev := TaskEvent{OwnerID: ownerID, TaskID: taskID, Type: eventType, At: time.Now().UTC()}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = s.eventQueue.EnqueueMessage(ctx, string(data), nil)
}
