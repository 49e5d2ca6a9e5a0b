package api

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"taskfolio/domain"
)

// Identity establishes who a login attempt belongs to. It is transport-free
// so password and federated verification stay independently testable.
type Identity struct {
	store     Store
	federated FederatedVerifier
}

// NewIdentity creates an identity service over the given store. The
// federated verifier may be nil, disabling federated login.
func NewIdentity(store Store, federated FederatedVerifier) *Identity {
	return &Identity{store: store, federated: federated}
}

// Register creates a password account. The plaintext password is hashed
// with bcrypt and never stored or logged; duplicate email or handle fails
// with domain.ErrDuplicateAccount via an atomic store insert.
func (s *Identity) Register(ctx context.Context, handle, email, password string) (domain.User, error) {
	if err := domain.ValidatePassword(password); err != nil {
		return domain.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}
	user, err := domain.NewUser(handle, email, string(hash))
	if err != nil {
		return domain.User{}, err
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// LoginPassword authenticates an email/password pair. An unknown email, a
// wrong password and a federated-only account all produce the same
// domain.ErrInvalidCredentials so accounts cannot be enumerated.
func (s *Identity) LoginPassword(ctx context.Context, email, password string) (domain.User, error) {
	email, err := domain.NormalizeEmail(email)
	if err != nil {
		return domain.User{}, domain.ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a comparison so the miss is not observably faster.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return domain.User{}, domain.ErrInvalidCredentials
	}
	if user.Federated() {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return domain.User{}, domain.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return domain.User{}, domain.ErrInvalidCredentials
	}
	return user, nil
}

// LoginFederated verifies a provider-issued identity token and resolves it
// to a local account, creating a federated-only one on first login. The
// upsert is keyed on the unique email inside the store, so two concurrent
// first logins yield a single user.
func (s *Identity) LoginFederated(ctx context.Context, idToken string) (domain.User, error) {
	if s.federated == nil {
		return domain.User{}, domain.ErrUpstreamUnavailable
	}
	identity, err := s.federated.Verify(idToken)
	if err != nil {
		return domain.User{}, err
	}
	email, err := domain.NormalizeEmail(identity.Email)
	if err != nil {
		return domain.User{}, err
	}
	handle := strings.TrimSpace(identity.Name)
	if len(handle) < 3 {
		handle = handleFromEmail(email)
	}
	// Empty password hash marks the account federated-only; password login
	// rejects it unconditionally.
	user, err := domain.NewUser(handle, email, "")
	if err != nil {
		return domain.User{}, err
	}
	user, _, err = s.store.EnsureUser(ctx, user)
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// UpdateProfile renames the account's display handle.
func (s *Identity) UpdateProfile(ctx context.Context, user domain.User, handle string) (domain.User, error) {
	handle, err := domain.NormalizeHandle(handle)
	if err != nil {
		return domain.User{}, err
	}
	return s.store.UpdateUserHandle(ctx, user, handle)
}

func handleFromEmail(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i > 0 {
		local = email[:i]
	}
	for len(local) < 3 {
		local += "_"
	}
	return local
}

// dummyHash is a bcrypt hash of an unguessable value, compared against when
// no real hash exists for the attempted account.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("taskfolio-no-such-account"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()
