package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskfolio/domain"
	"taskfolio/storage"
)

var errTest = errors.New("verification failed")

func newTestServer(t *testing.T, verifier FederatedVerifier) *echo.Echo {
	t.Helper()
	store := storage.NewMemory()
	codec := NewTokenCodec([]byte("test-secret"), time.Hour)
	identity := NewIdentity(store, verifier)
	logger := log.New()
	logger.SetOutput(io.Discard)
	e := echo.New()
	e.Logger.SetOutput(io.Discard)
	Register(e, store, codec, identity, logger)
	return e
}

func doJSON(e *echo.Echo, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, e *echo.Echo, handle, email string) (string, domain.User) {
	t.Helper()
	rec := doJSON(e, http.MethodPost, "/api/auth/register",
		"", `{"handle":"`+handle+`","email":"`+email+`","password":"secret1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string      `json:"token"`
		User  domain.User `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("register response missing token")
	}
	return resp.Token, resp.User
}

func TestRegisterNeverLeaksPasswordHash(t *testing.T) {
	e := newTestServer(t, nil)
	rec := doJSON(e, http.MethodPost, "/api/auth/register",
		"", `{"handle":"ana","email":"ana@x.com","password":"secret1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "password") || strings.Contains(body, "Hash") {
		t.Fatalf("register response leaks password material: %s", body)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	e := newTestServer(t, nil)
	registerUser(t, e, "ana", "ana@x.com")
	rec := doJSON(e, http.MethodPost, "/api/auth/register",
		"", `{"handle":"other","email":"ana@x.com","password":"secret1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLoginBadCredentialsIndistinguishable(t *testing.T) {
	e := newTestServer(t, nil)
	registerUser(t, e, "ana", "ana@x.com")

	missing := doJSON(e, http.MethodPost, "/api/auth/login",
		"", `{"email":"nobody@x.com","password":"secret1"}`)
	wrong := doJSON(e, http.MethodPost, "/api/auth/login",
		"", `{"email":"ana@x.com","password":"wrong-password"}`)
	if missing.Code != http.StatusBadRequest || wrong.Code != http.StatusBadRequest {
		t.Fatalf("expected 400/400, got %d/%d", missing.Code, wrong.Code)
	}
	if missing.Body.String() != wrong.Body.String() {
		t.Fatal("login failures must be indistinguishable")
	}
}

func TestTaskRoutesRequireAuth(t *testing.T) {
	e := newTestServer(t, nil)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/tasks"},
		{http.MethodPost, "/api/tasks"},
		{http.MethodGet, "/api/tasks/some-id"},
		{http.MethodPut, "/api/tasks/some-id"},
		{http.MethodDelete, "/api/tasks/some-id"},
		{http.MethodGet, "/api/auth/profile"},
	} {
		rec := doJSON(e, route.method, route.path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s without token: expected 401, got %d", route.method, route.path, rec.Code)
		}
	}
}

func TestTaskLifecycleScopedToOwner(t *testing.T) {
	e := newTestServer(t, nil)
	anaToken, _ := registerUser(t, e, "ana", "ana@x.com")
	bobToken, _ := registerUser(t, e, "bob", "bob@x.com")

	rec := doJSON(e, http.MethodPost, "/api/tasks", anaToken,
		`{"title":"Write spec","priority":"high","dueDate":"2025-01-01"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var created domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if created.Status != domain.StatusPending {
		t.Fatalf("expected default status pending, got %s", created.Status)
	}

	// Ana sees her task.
	rec = doJSON(e, http.MethodGet, "/api/tasks", anaToken, "")
	var anaTasks []domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &anaTasks); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(anaTasks) != 1 || anaTasks[0].ID != created.ID {
		t.Fatalf("unexpected task list: %+v", anaTasks)
	}

	// Bob sees an empty list; ana's task is invisible.
	rec = doJSON(e, http.MethodGet, "/api/tasks", bobToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var bobTasks []domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &bobTasks); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(bobTasks) != 0 {
		t.Fatalf("bob must not see ana's tasks: %+v", bobTasks)
	}

	// Bob's reads and mutations of ana's task are plain not-found.
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/tasks/" + created.ID},
		{http.MethodPut, "/api/tasks/" + created.ID},
		{http.MethodDelete, "/api/tasks/" + created.ID},
	} {
		body := ""
		if route.method == http.MethodPut {
			body = `{"title":"hijack"}`
		}
		rec := doJSON(e, route.method, route.path, bobToken, body)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s as non-owner: expected 404, got %d", route.method, rec.Code)
		}
	}

	// The owner can still round-trip it.
	rec = doJSON(e, http.MethodGet, "/api/tasks/"+created.ID, anaToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner get returned %d", rec.Code)
	}
	var fetched domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if fetched.Title != created.Title || fetched.DueDate != created.DueDate {
		t.Fatalf("round trip mismatch: %+v vs %+v", fetched, created)
	}
}

func TestUpdateTaskPartial(t *testing.T) {
	e := newTestServer(t, nil)
	token, user := registerUser(t, e, "ana", "ana@x.com")

	rec := doJSON(e, http.MethodPost, "/api/tasks", token, `{"title":"Write spec"}`)
	var created domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	// ownerId and id in the body are ignored, not applied and not erred.
	rec = doJSON(e, http.MethodPut, "/api/tasks/"+created.ID, token,
		`{"status":"completed","ownerId":"intruder","id":"other"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update returned %d: %s", rec.Code, rec.Body.String())
	}
	var updated domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if updated.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}
	if updated.ID != created.ID || updated.OwnerID != user.ID {
		t.Fatal("id and ownerId must be immutable")
	}
	if updated.Title != created.Title || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("partial update touched unrelated fields")
	}

	rec = doJSON(e, http.MethodPut, "/api/tasks/"+created.ID, token, `{"status":"nonsense"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}
}

func TestDeleteTaskTwice(t *testing.T) {
	e := newTestServer(t, nil)
	token, _ := registerUser(t, e, "ana", "ana@x.com")

	rec := doJSON(e, http.MethodPost, "/api/tasks", token, `{"title":"ephemeral"}`)
	var created domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	if rec := doJSON(e, http.MethodDelete, "/api/tasks/"+created.ID, token, ""); rec.Code != http.StatusOK {
		t.Fatalf("first delete returned %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodDelete, "/api/tasks/"+created.ID, token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete returned %d, expected 404", rec.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	e := newTestServer(t, nil)
	token, _ := registerUser(t, e, "ana", "ana@x.com")

	for _, body := range []string{
		`{"title":""}`,
		`{"title":"a","status":"done"}`,
		`{"title":"a","priority":"urgent"}`,
		`{"title":"a","dueDate":"soon"}`,
		`not json`,
	} {
		rec := doJSON(e, http.MethodPost, "/api/tasks", token, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestGoogleLogin(t *testing.T) {
	verifier := &fakeVerifier{identity: FederatedIdentity{Email: "fed@x.com", Name: "Fed User"}}
	e := newTestServer(t, verifier)

	rec := doJSON(e, http.MethodPost, "/api/auth/google", "", `{"identityToken":"assertion"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("google login returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string      `json:"token"`
		User  domain.User `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.User.Email != "fed@x.com" {
		t.Fatalf("unexpected user: %+v", resp.User)
	}

	// The issued session works against gated routes.
	if rec := doJSON(e, http.MethodGet, "/api/tasks", resp.Token, ""); rec.Code != http.StatusOK {
		t.Fatalf("session from google login rejected: %d", rec.Code)
	}
}

func TestGoogleLoginVerificationFailure(t *testing.T) {
	e := newTestServer(t, &fakeVerifier{err: errTest})
	rec := doJSON(e, http.MethodPost, "/api/auth/google", "", `{"identityToken":"assertion"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestProfileRoutes(t *testing.T) {
	e := newTestServer(t, nil)
	token, user := registerUser(t, e, "ana", "ana@x.com")

	rec := doJSON(e, http.MethodGet, "/api/auth/profile", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("profile returned %d", rec.Code)
	}
	var got domain.User
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if got.ID != user.ID || got.Email != "ana@x.com" {
		t.Fatalf("unexpected profile: %+v", got)
	}

	rec = doJSON(e, http.MethodPut, "/api/auth/profile", token, `{"name":"ana-lima"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile update returned %d: %s", rec.Code, rec.Body.String())
	}
	var updated domain.User
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if updated.Handle != "ana-lima" {
		t.Fatalf("unexpected handle: %s", updated.Handle)
	}

	rec = doJSON(e, http.MethodPut, "/api/auth/profile", token, `{"name":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short handle, got %d", rec.Code)
	}
}
