package client

import (
	"context"
	"sync"

	"taskfolio/domain"
)

// AuthAPI is the API surface the auth store consumes.
type AuthAPI interface {
	Register(ctx context.Context, handle, email, password string) (Session, error)
	Login(ctx context.Context, email, password string) (Session, error)
	LoginGoogle(ctx context.Context, identityToken string) (Session, error)
	Profile(ctx context.Context) (domain.User, error)
	UpdateProfile(ctx context.Context, handle string) (domain.User, error)
}

// AuthSnapshot is an immutable view of the auth/profile singleton.
type AuthSnapshot struct {
	User          *domain.User
	Authenticated bool
	Status        Status
	Err           string
}

// AuthStore tracks the signed-in user and persists the session token
// through the injected credential store. Like TasksStore, it reconciles
// sequence-tagged responses into replaced-wholesale snapshots.
type AuthStore struct {
	mu       sync.Mutex
	api      AuthAPI
	creds    CredentialStore
	snap     AuthSnapshot
	seq      uint64
	applied  uint64
	onChange func(AuthSnapshot)
}

// NewAuthStore creates an idle store over api and creds.
func NewAuthStore(api AuthAPI, creds CredentialStore, onChange func(AuthSnapshot)) *AuthStore {
	return &AuthStore{
		api:      api,
		creds:    creds,
		snap:     AuthSnapshot{Status: StatusIdle},
		onChange: onChange,
	}
}

// Snapshot returns a copy of the current state.
func (s *AuthStore) Snapshot() AuthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAuth(s.snap)
}

// Register creates an account and signs in as it.
func (s *AuthStore) Register(ctx context.Context, handle, email, password string) error {
	seq := s.begin()
	sess, err := s.api.Register(ctx, handle, email, password)
	return s.finishSession(seq, sess, err)
}

// Login signs in with a password.
func (s *AuthStore) Login(ctx context.Context, email, password string) error {
	seq := s.begin()
	sess, err := s.api.Login(ctx, email, password)
	return s.finishSession(seq, sess, err)
}

// LoginGoogle signs in with a Google-issued identity token.
func (s *AuthStore) LoginGoogle(ctx context.Context, identityToken string) error {
	seq := s.begin()
	sess, err := s.api.LoginGoogle(ctx, identityToken)
	return s.finishSession(seq, sess, err)
}

// LoadProfile resolves the stored token to its user, typically at startup.
func (s *AuthStore) LoadProfile(ctx context.Context) error {
	seq := s.begin()
	user, err := s.api.Profile(ctx)
	return s.finish(seq, err, func(snap *AuthSnapshot) {
		snap.User = &user
		snap.Authenticated = true
	})
}

// UpdateProfile renames the signed-in account.
func (s *AuthStore) UpdateProfile(ctx context.Context, handle string) error {
	seq := s.begin()
	user, err := s.api.UpdateProfile(ctx, handle)
	return s.finish(seq, err, func(snap *AuthSnapshot) {
		snap.User = &user
	})
}

// Logout clears the stored token and resets the snapshot. It is local-only;
// the stateless session token simply stops being presented.
func (s *AuthStore) Logout() error {
	err := s.creds.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.applied = s.seq
	s.replaceLocked(AuthSnapshot{Status: StatusSucceeded})
	return err
}

func (s *AuthStore) finishSession(seq uint64, sess Session, err error) error {
	if err == nil {
		if storeErr := s.creds.SetToken(sess.Token); storeErr != nil {
			err = storeErr
		}
	}
	return s.finish(seq, err, func(snap *AuthSnapshot) {
		user := sess.User
		snap.User = &user
		snap.Authenticated = true
	})
}

func (s *AuthStore) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	next := cloneAuth(s.snap)
	next.Status = StatusLoading
	next.Err = ""
	s.replaceLocked(next)
	return s.seq
}

func (s *AuthStore) finish(seq uint64, err error, apply func(*AuthSnapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.applied {
		return err
	}
	s.applied = seq
	next := cloneAuth(s.snap)
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

func (s *AuthStore) replaceLocked(next AuthSnapshot) {
	s.snap = next
	if s.onChange != nil {
		s.onChange(cloneAuth(next))
	}
}

func cloneAuth(snap AuthSnapshot) AuthSnapshot {
	if snap.User != nil {
		user := *snap.User
		snap.User = &user
	}
	return snap
}
