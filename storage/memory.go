package storage

import (
	"context"
	"strings"
	"sync"

	"taskfolio/domain"
)

// Memory is an in-process Store used by tests and local development. It
// mirrors the table-backed Storage semantics: uniqueness claims on email
// and handle, and (owner, id) task addressing so foreign tasks are
// indistinguishable from missing ones.
type Memory struct {
	mu      sync.Mutex
	users   map[string]domain.User // by id
	emails  map[string]string      // email -> user id
	handles map[string]string      // lowercased handle -> user id
	tasks   map[string]map[string]domain.Task // owner id -> task id -> task
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]domain.User),
		emails:  make(map[string]string),
		handles: make(map[string]string),
		tasks:   make(map[string]map[string]domain.Task),
	}
}

func (m *Memory) CreateUser(ctx context.Context, user domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.emails[user.Email]; exists {
		return domain.ErrDuplicateAccount
	}
	handle := strings.ToLower(user.Handle)
	if _, exists := m.handles[handle]; exists {
		return domain.ErrDuplicateAccount
	}
	m.emails[user.Email] = user.ID
	m.handles[handle] = user.ID
	m.users[user.ID] = user
	return nil
}

func (m *Memory) EnsureUser(ctx context.Context, user domain.User) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, exists := m.emails[user.Email]; exists {
		return m.users[id], false, nil
	}
	handle := strings.ToLower(user.Handle)
	if _, exists := m.handles[handle]; exists {
		user.Handle = user.Handle + "-" + user.ID[:8]
		handle = strings.ToLower(user.Handle)
	}
	m.emails[user.Email] = user.ID
	m.handles[handle] = user.ID
	m.users[user.ID] = user
	return user, true, nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return user, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.emails[email]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return m.users[id], nil
}

func (m *Memory) UpdateUserHandle(ctx context.Context, user domain.User, handle string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldHandle := strings.ToLower(user.Handle)
	newHandle := strings.ToLower(handle)
	if oldHandle != newHandle {
		if owner, exists := m.handles[newHandle]; exists && owner != user.ID {
			return domain.User{}, domain.ErrDuplicateAccount
		}
		delete(m.handles, oldHandle)
		m.handles[newHandle] = user.ID
	}
	user.Handle = handle
	m.users[user.ID] = user
	return user, nil
}

func (m *Memory) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := []domain.Task{}
	for _, t := range m.tasks[ownerID] {
		tasks = append(tasks, t)
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

func (m *Memory) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[ownerID][id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return task, nil
}

func (m *Memory) InsertTask(ctx context.Context, task domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owned := m.tasks[task.OwnerID]
	if owned == nil {
		owned = make(map[string]domain.Task)
		m.tasks[task.OwnerID] = owned
	}
	owned[task.ID] = task
	return nil
}

func (m *Memory) UpdateTask(ctx context.Context, task domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owned := m.tasks[task.OwnerID]
	if _, ok := owned[task.ID]; !ok {
		return domain.ErrNotFound
	}
	owned[task.ID] = task
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owned := m.tasks[ownerID]
	if _, ok := owned[id]; !ok {
		return domain.ErrNotFound
	}
	delete(owned, id)
	return nil
}
