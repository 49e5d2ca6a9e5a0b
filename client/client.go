package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"taskfolio/domain"
)

// Session is the server's answer to a successful register or login.
type Session struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// APIError is a structured failure returned by the server. Message is the
// server's client-visible text, surfaced verbatim to the UI layer.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Client wraps http.Client with the service's JSON API. The bearer token is
// read from the credential store on every request, so login state changes
// take effect immediately.
type Client struct {
	BaseURL string
	Creds   CredentialStore
	HTTP    *http.Client
}

// New creates a Client against baseURL using creds for the session token.
func New(baseURL string, creds CredentialStore) *Client {
	return &Client{BaseURL: baseURL, Creds: creds, HTTP: &http.Client{}}
}

func (c *Client) Register(ctx context.Context, handle, email, password string) (Session, error) {
	var sess Session
	body := map[string]string{"handle": handle, "email": email, "password": password}
	err := c.do(ctx, http.MethodPost, "/api/auth/register", body, &sess)
	return sess, err
}

func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var sess Session
	body := map[string]string{"email": email, "password": password}
	err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &sess)
	return sess, err
}

func (c *Client) LoginGoogle(ctx context.Context, identityToken string) (Session, error) {
	var sess Session
	body := map[string]string{"identityToken": identityToken}
	err := c.do(ctx, http.MethodPost, "/api/auth/google", body, &sess)
	return sess, err
}

func (c *Client) Profile(ctx context.Context) (domain.User, error) {
	var user domain.User
	err := c.do(ctx, http.MethodGet, "/api/auth/profile", nil, &user)
	return user, err
}

func (c *Client) UpdateProfile(ctx context.Context, handle string) (domain.User, error) {
	var user domain.User
	err := c.do(ctx, http.MethodPut, "/api/auth/profile", map[string]string{"handle": handle}, &user)
	return user, err
}

func (c *Client) Tasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks)
	return tasks, err
}

func (c *Client) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	var task domain.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", in, &task)
	return task, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	var task domain.Task
	err := c.do(ctx, http.MethodPut, "/api/tasks/"+id, patch, &task)
	return task, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+id, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	buf := new(bytes.Buffer)
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.Creds.Token()
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		body.Message = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: body.Message}
}
