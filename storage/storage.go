package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"taskfolio/domain"
)

// Partition keys inside the users table. User records live under one
// partition; email and handle claim rows live under their own partitions so
// a single AddEntity call is the uniqueness check.
const (
	userPartition   = "user"
	emailPartition  = "email"
	handlePartition = "handle"
)

// tableClient is the subset of the aztables API the user store needs.
// *aztables.Client satisfies it; tests substitute a fake.
type tableClient interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// Storage provides access to the underlying persistence mechanisms: an
// Azure table per entity and a queue carrying task change events.
type Storage struct {
	userTable  tableClient
	taskTable  *aztables.Client
	eventQueue *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, usersTable, tasksTable, eventQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	ut := svc.NewClient(usersTable)
	tt := svc.NewClient(tasksTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{userTable: ut, taskTable: tt, eventQueue: eq}, nil
}

type userEntity struct {
	aztables.Entity
	Handle       string `json:"Handle"`
	Email        string `json:"Email"`
	PasswordHash string `json:"PasswordHash"`
	CreatedAt    string `json:"CreatedAt"`
}

// claimEntity reserves an email or handle for a user. Inserting it is the
// atomic uniqueness check.
type claimEntity struct {
	aztables.Entity
	UserID string `json:"UserID"`
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	Priority    string `json:"Priority"`
	DueDate     string `json:"DueDate"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

// CreateUser persists a new user. The email claim is inserted first so two
// concurrent registrations for the same address cannot both succeed; a
// conflict on either claim surfaces as domain.ErrDuplicateAccount. Claims
// are released again when a later step fails, otherwise the email and
// handle would answer "already exists" with no account behind them.
func (s *Storage) CreateUser(ctx context.Context, user domain.User) error {
	if err := s.addClaim(ctx, emailPartition, user.Email, user.ID); err != nil {
		return err
	}
	handle := strings.ToLower(user.Handle)
	if err := s.addClaim(ctx, handlePartition, handle, user.ID); err != nil {
		s.releaseClaim(ctx, emailPartition, user.Email)
		return err
	}
	data, err := json.Marshal(userEntityFrom(user))
	if err == nil {
		_, err = s.userTable.AddEntity(ctx, data, nil)
	}
	if err != nil {
		s.releaseClaim(ctx, emailPartition, user.Email)
		s.releaseClaim(ctx, handlePartition, handle)
		return err
	}
	return nil
}

// EnsureUser returns the user owning the given email, creating one from the
// template when the address is unclaimed. The email claim insert is the
// only arbiter: two concurrent first logins converge on a single record.
// The returned bool reports whether a new user was created.
func (s *Storage) EnsureUser(ctx context.Context, user domain.User) (domain.User, bool, error) {
	err := s.addClaim(ctx, emailPartition, user.Email, user.ID)
	if errors.Is(err, domain.ErrDuplicateAccount) {
		existing, lookupErr := s.GetUserByEmail(ctx, user.Email)
		if lookupErr != nil {
			return domain.User{}, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}

	// Federated handles are not unique; fall back to a suffixed handle
	// instead of failing the login.
	handle := strings.ToLower(user.Handle)
	claimErr := s.addClaim(ctx, handlePartition, handle, user.ID)
	if errors.Is(claimErr, domain.ErrDuplicateAccount) {
		user.Handle = user.Handle + "-" + user.ID[:8]
		handle = strings.ToLower(user.Handle)
		claimErr = s.addClaim(ctx, handlePartition, handle, user.ID)
	}
	if claimErr != nil {
		s.releaseClaim(ctx, emailPartition, user.Email)
		return domain.User{}, false, claimErr
	}

	data, err := json.Marshal(userEntityFrom(user))
	if err == nil {
		_, err = s.userTable.AddEntity(ctx, data, nil)
	}
	if err != nil {
		s.releaseClaim(ctx, emailPartition, user.Email)
		s.releaseClaim(ctx, handlePartition, handle)
		return domain.User{}, false, err
	}
	return user, true, nil
}

// GetUser fetches a user record by id.
func (s *Storage) GetUser(ctx context.Context, id string) (domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, userPartition, id, nil)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.User{}, err
	}
	return ent.toUser(), nil
}

// GetUserByEmail resolves the email claim and fetches the owning user.
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, emailPartition, rowKey(email), nil)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	var claim claimEntity
	if err := json.Unmarshal(resp.Value, &claim); err != nil {
		return domain.User{}, err
	}
	return s.GetUser(ctx, claim.UserID)
}

// UpdateUserHandle renames a user, claiming the new handle before releasing
// the old one so the rename is atomic with respect to other registrations.
func (s *Storage) UpdateUserHandle(ctx context.Context, user domain.User, handle string) (domain.User, error) {
	oldHandle := strings.ToLower(user.Handle)
	newHandle := strings.ToLower(handle)
	if oldHandle != newHandle {
		if err := s.addClaim(ctx, handlePartition, newHandle, user.ID); err != nil {
			return domain.User{}, err
		}
	}
	user.Handle = handle
	data, err := json.Marshal(userEntityFrom(user))
	if err != nil {
		return domain.User{}, err
	}
	if _, err := s.userTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		if oldHandle != newHandle {
			s.releaseClaim(ctx, handlePartition, newHandle)
		}
		return domain.User{}, mapNotFound(err)
	}
	if oldHandle != newHandle {
		s.releaseClaim(ctx, handlePartition, oldHandle)
	}
	return user, nil
}

// ListTasks retrieves all tasks owned by ownerID, newest first. The
// partition filter is the ownership boundary: other users' tasks are never
// in the result set.
func (s *Storage) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + ownerID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toTask())
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// GetTask fetches one task. Tasks are keyed by (owner, id), so a task owned
// by someone else yields the same not-found outcome as a missing one.
func (s *Storage) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, ownerID, id, nil)
	if err != nil {
		return domain.Task{}, mapNotFound(err)
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, err
	}
	return ent.toTask(), nil
}

// InsertTask persists a new task and publishes a created event.
func (s *Storage) InsertTask(ctx context.Context, task domain.Task) error {
	data, err := json.Marshal(taskEntityFrom(task))
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, data, nil); err != nil {
		return err
	}
	s.publishEvent(ctx, task.OwnerID, task.ID, eventTaskCreated)
	return nil
}

// UpdateTask replaces an existing task and publishes an updated event.
func (s *Storage) UpdateTask(ctx context.Context, task domain.Task) error {
	data, err := json.Marshal(taskEntityFrom(task))
	if err != nil {
		return err
	}
	if _, err := s.taskTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return mapNotFound(err)
	}
	s.publishEvent(ctx, task.OwnerID, task.ID, eventTaskUpdated)
	return nil
}

// DeleteTask removes a task and publishes a deleted event.
func (s *Storage) DeleteTask(ctx context.Context, ownerID, id string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, ownerID, id, nil); err != nil {
		return mapNotFound(err)
	}
	s.publishEvent(ctx, ownerID, id, eventTaskDeleted)
	return nil
}

func (s *Storage) addClaim(ctx context.Context, partition, key, userID string) error {
	claim := claimEntity{
		Entity: aztables.Entity{PartitionKey: partition, RowKey: rowKey(key)},
		UserID: userID,
	}
	data, err := json.Marshal(claim)
	if err != nil {
		return err
	}
	if _, err := s.userTable.AddEntity(ctx, data, nil); err != nil {
		if isStatus(err, http.StatusConflict) {
			return domain.ErrDuplicateAccount
		}
		return err
	}
	return nil
}

// releaseClaim deletes a claim row, best effort. Used to roll back partial
// user writes so the claimed key does not stay reserved forever.
func (s *Storage) releaseClaim(ctx context.Context, partition, key string) {
	_, _ = s.userTable.DeleteEntity(ctx, partition, rowKey(key), nil)
}

func userEntityFrom(u domain.User) userEntity {
	return userEntity{
		Entity:       aztables.Entity{PartitionKey: userPartition, RowKey: u.ID},
		Handle:       u.Handle,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt.Format(time.RFC3339Nano),
	}
}

func (e userEntity) toUser() domain.User {
	createdAt, _ := time.Parse(time.RFC3339Nano, e.CreatedAt)
	return domain.User{
		ID:           e.RowKey,
		Handle:       e.Handle,
		Email:        e.Email,
		PasswordHash: e.PasswordHash,
		CreatedAt:    createdAt,
	}
}

func taskEntityFrom(t domain.Task) taskEntity {
	return taskEntity{
		Entity:      aztables.Entity{PartitionKey: t.OwnerID, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		DueDate:     t.DueDate,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (e taskEntity) toTask() domain.Task {
	createdAt, _ := time.Parse(time.RFC3339Nano, e.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339Nano, e.UpdatedAt)
	return domain.Task{
		ID:          e.RowKey,
		OwnerID:     e.PartitionKey,
		Title:       e.Title,
		Description: e.Description,
		Status:      e.Status,
		Priority:    e.Priority,
		DueDate:     e.DueDate,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
}

// rowKey sanitizes a value for use as an Azure table row key. The characters
// '/', '\', '#' and '?' are not allowed in keys.
func rowKey(v string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "#", "_", "?", "_").Replace(strings.ToLower(v))
}

func mapNotFound(err error) error {
	if isStatus(err, http.StatusNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func isStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
