package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskfolio/domain"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Store, codec *TokenCodec, identity *Identity, logger *log.Logger) {
	gate := AuthGate(codec, store)

	auth := e.Group("/api/auth")
	auth.POST("/register", registerAccount(identity, codec))
	auth.POST("/login", loginPassword(identity, codec))
	auth.POST("/google", loginGoogle(identity, codec))
	auth.GET("/profile", getProfile(), gate)
	auth.PUT("/profile", updateProfile(identity), gate)

	tasks := e.Group("/api/tasks", gate)
	tasks.GET("", listTasks(store, logger))
	tasks.POST("", createTask(store))
	tasks.GET("/:id", getTask(store))
	tasks.PUT("/:id", updateTask(store))
	tasks.DELETE("/:id", deleteTask(store))

	e.GET("/healthz", healthz())
}

type registerRequest struct {
	Handle   string `json:"handle"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleLoginRequest struct {
	IdentityToken string `json:"identityToken"`
}

type profileRequest struct {
	Handle string `json:"handle"`
	// Name is accepted as an alias for handle.
	Name string `json:"name"`
}

func registerAccount(identity *Identity, codec *TokenCodec) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req registerRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Message: "invalid body"})
		}
		user, err := identity.Register(c.Request().Context(), req.Handle, req.Email, req.Password)
		if err != nil {
			return writeError(c, err)
		}
		return issueSession(c, codec, user, http.StatusCreated)
	}
}

func loginPassword(identity *Identity, codec *TokenCodec) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Message: "invalid body"})
		}
		user, err := identity.LoginPassword(c.Request().Context(), req.Email, req.Password)
		if err != nil {
			return writeError(c, err)
		}
		return issueSession(c, codec, user, http.StatusOK)
	}
}

func loginGoogle(identity *Identity, codec *TokenCodec) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req googleLoginRequest
		if err := decodeBody(c, &req); err != nil || req.IdentityToken == "" {
			return c.JSON(http.StatusBadRequest, errorBody{Message: "invalid body"})
		}
		user, err := identity.LoginFederated(c.Request().Context(), req.IdentityToken)
		if err != nil {
			// Verification failures are server errors on this route; no
			// detail beyond that reaches the caller.
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorBody{Message: "google authentication failed"})
		}
		return issueSession(c, codec, user, http.StatusOK)
	}
}

func getProfile() echo.HandlerFunc {
	return func(c echo.Context) error {
		user, ok := principalFrom(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
		}
		return c.JSON(http.StatusOK, user)
	}
}

func updateProfile(identity *Identity) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, ok := principalFrom(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
		}
		var req profileRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Message: "invalid body"})
		}
		handle := req.Handle
		if handle == "" {
			handle = req.Name
		}
		updated, err := identity.UpdateProfile(c.Request().Context(), user, handle)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, updated)
	}
}

func listTasks(store Store, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newTaskRequestMetrics(logger)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		user, ok := principalFrom(c)
		if !ok {
			metrics.SetErrorStage("auth")
			err = c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
			return err
		}

		fetchStart := time.Now()
		tasks, fetchErr := store.ListTasks(c.Request().Context(), user.ID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.JSON(http.StatusInternalServerError, errorBody{Message: "server error"})
			return err
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasks)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func createTask(store Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, ok := principalFrom(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
		}
		var in domain.TaskInput
		if err := decodeBody(c, &in); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Message: "invalid body"})
		}
		task, err := domain.NewTask(user.ID, in)
		if err != nil {
			return writeError(c, err)
		}
		if err := store.InsertTask(c.Request().Context(), task); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func getTask(store Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, ok := principalFrom(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
		}
		task, err := store.GetTask(c.Request().Context(), user.ID, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func updateTask(store Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, ok := principalFrom(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
		}
		// Fetch scoped by the principal first, so patching a foreign task
		// is indistinguishable from patching a missing one.
		task, err := store.GetTask(c.Request().Context(), user.ID, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Message: "invalid body"})
		}
		if err := patch.Apply(&task); err != nil {
			return writeError(c, err)
		}
		if err := store.UpdateTask(c.Request().Context(), task); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(store Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, ok := principalFrom(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, errorBody{Message: "unauthorized"})
		}
		if err := store.DeleteTask(c.Request().Context(), user.ID, c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"message": "task deleted"})
	}
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func issueSession(c echo.Context, codec *TokenCodec, user domain.User, status int) error {
	token, err := codec.Issue(user.ID)
	if err != nil {
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorBody{Message: "server error"})
	}
	return c.JSON(status, authResponse{Token: token, User: user})
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	return sonic.ConfigStd.NewDecoder(lr).Decode(out)
}

// writeError maps the domain error taxonomy to HTTP responses. Anything
// outside it is logged and surfaced as a generic server error.
func writeError(c echo.Context, err error) error {
	switch {
	case domain.IsValidation(err):
		return c.JSON(http.StatusBadRequest, errorBody{Message: err.Error()})
	case errors.Is(err, domain.ErrDuplicateAccount):
		return c.JSON(http.StatusBadRequest, errorBody{Message: domain.ErrDuplicateAccount.Error()})
	case errors.Is(err, domain.ErrInvalidCredentials):
		return c.JSON(http.StatusBadRequest, errorBody{Message: domain.ErrInvalidCredentials.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Message: domain.ErrNotFound.Error()})
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return c.JSON(http.StatusInternalServerError, errorBody{Message: domain.ErrUpstreamUnavailable.Error()})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorBody{Message: "server error"})
	}
}
