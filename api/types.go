package api

import (
	"context"

	"taskfolio/domain"
)

// Store abstracts persistence for handlers and the identity service.
type Store interface {
	CreateUser(ctx context.Context, user domain.User) error
	EnsureUser(ctx context.Context, user domain.User) (domain.User, bool, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	UpdateUserHandle(ctx context.Context, user domain.User, handle string) (domain.User, error)

	ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error)
	GetTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	InsertTask(ctx context.Context, task domain.Task) error
	UpdateTask(ctx context.Context, task domain.Task) error
	DeleteTask(ctx context.Context, ownerID, id string) error
}

// FederatedVerifier validates a third-party identity assertion and returns
// the identity it attests.
type FederatedVerifier interface {
	Verify(idToken string) (FederatedIdentity, error)
}

// FederatedIdentity is the subset of identity-provider claims the service
// consumes.
type FederatedIdentity struct {
	Email string
	Name  string
}

// errorBody is the JSON shape of every client-visible failure.
type errorBody struct {
	Message string `json:"message"`
}

// authResponse is returned by register and the login routes.
type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}
