package client

import (
	"context"
	"sync"

	"taskfolio/domain"
)

// Status is the shared in-flight flag of a collection. Concurrent
// operations against the same collection overwrite it; the snapshot always
// reflects whichever response was reconciled last.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// TaskAPI is the API surface the tasks store consumes.
type TaskAPI interface {
	Tasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// TasksSnapshot is an immutable view of the local task collection. Each
// transition replaces the snapshot wholesale; readers never observe a
// half-applied change.
type TasksSnapshot struct {
	Items    []domain.Task
	Selected *domain.Task
	Status   Status
	Err      string
}

// TasksStore keeps the local task collection consistent with the server.
// Every mutation is confirm-then-apply: local state changes only after the
// server has acknowledged. Responses are sequence-tagged, and a response
// older than the last reconciled one is discarded rather than applied over
// newer state.
type TasksStore struct {
	mu       sync.Mutex
	api      TaskAPI
	snap     TasksSnapshot
	seq      uint64
	applied  uint64
	onChange func(TasksSnapshot)
}

// NewTasksStore creates an idle store. onChange, when non-nil, is invoked
// with the new snapshot after every transition; it runs under the store
// lock and must not call back into the store.
func NewTasksStore(api TaskAPI, onChange func(TasksSnapshot)) *TasksStore {
	return &TasksStore{
		api:      api,
		snap:     TasksSnapshot{Items: []domain.Task{}, Status: StatusIdle},
		onChange: onChange,
	}
}

// Snapshot returns a copy of the current state.
func (s *TasksStore) Snapshot() TasksSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTasks(s.snap)
}

// FetchAll replaces the whole collection with the server's list.
func (s *TasksStore) FetchAll(ctx context.Context) error {
	seq := s.begin()
	items, err := s.api.Tasks(ctx)
	return s.finish(seq, err, func(snap *TasksSnapshot) {
		snap.Items = items
		if snap.Selected != nil {
			if t, ok := findTask(items, snap.Selected.ID); ok {
				snap.Selected = &t
			} else {
				snap.Selected = nil
			}
		}
	})
}

// Create asks the server for a new task and appends the confirmed record.
func (s *TasksStore) Create(ctx context.Context, in domain.TaskInput) error {
	seq := s.begin()
	task, err := s.api.CreateTask(ctx, in)
	return s.finish(seq, err, func(snap *TasksSnapshot) {
		snap.Items = append(snap.Items, task)
	})
}

// Update patches a task and replaces the matching item by id.
func (s *TasksStore) Update(ctx context.Context, id string, patch domain.TaskPatch) error {
	seq := s.begin()
	task, err := s.api.UpdateTask(ctx, id, patch)
	return s.finish(seq, err, func(snap *TasksSnapshot) {
		for i := range snap.Items {
			if snap.Items[i].ID == task.ID {
				snap.Items[i] = task
				break
			}
		}
		if snap.Selected != nil && snap.Selected.ID == task.ID {
			snap.Selected = &task
		}
	})
}

// Remove deletes a task and filters it out of the collection.
func (s *TasksStore) Remove(ctx context.Context, id string) error {
	seq := s.begin()
	err := s.api.DeleteTask(ctx, id)
	return s.finish(seq, err, func(snap *TasksSnapshot) {
		kept := snap.Items[:0:0]
		for _, t := range snap.Items {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		snap.Items = kept
		if snap.Selected != nil && snap.Selected.ID == id {
			snap.Selected = nil
		}
	})
}

// Select marks a task as the current selection.
func (s *TasksStore) Select(task domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneTasks(s.snap)
	next.Selected = &task
	s.replaceLocked(next)
}

// ClearSelection drops the current selection.
func (s *TasksStore) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneTasks(s.snap)
	next.Selected = nil
	s.replaceLocked(next)
}

// ClearError drops the last error message.
func (s *TasksStore) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneTasks(s.snap)
	next.Err = ""
	s.replaceLocked(next)
}

// begin transitions to loading before the network call so bound UI reflects
// in-flight work immediately, and hands out this operation's sequence.
func (s *TasksStore) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	next := cloneTasks(s.snap)
	next.Status = StatusLoading
	next.Err = ""
	s.replaceLocked(next)
	return s.seq
}

// finish reconciles one response. Stale responses (older than the last
// reconciled one) are discarded. Failures keep the items intact: nothing
// was applied speculatively, so there is nothing to roll back.
func (s *TasksStore) finish(seq uint64, err error, apply func(*TasksSnapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.applied {
		return err
	}
	s.applied = seq
	next := cloneTasks(s.snap)
	if err != nil {
		next.Status = StatusFailed
		next.Err = errorMessage(err)
	} else {
		next.Status = StatusSucceeded
		next.Err = ""
		apply(&next)
	}
	s.replaceLocked(next)
	return err
}

func (s *TasksStore) replaceLocked(next TasksSnapshot) {
	s.snap = next
	if s.onChange != nil {
		s.onChange(cloneTasks(next))
	}
}

func cloneTasks(snap TasksSnapshot) TasksSnapshot {
	items := make([]domain.Task, len(snap.Items))
	copy(items, snap.Items)
	snap.Items = items
	if snap.Selected != nil {
		selected := *snap.Selected
		snap.Selected = &selected
	}
	return snap
}

func findTask(items []domain.Task, id string) (domain.Task, bool) {
	for _, t := range items {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

// errorMessage surfaces the server's message verbatim when there is one.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
