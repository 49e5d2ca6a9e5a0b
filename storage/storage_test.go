package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskfolio/domain"
)

// fakeTable implements tableClient over a map, mimicking the table
// service's 409-on-duplicate and 404-on-missing behavior. failAdd and
// failUpdate inject faults into specific writes.
type fakeTable struct {
	mu         sync.Mutex
	rows       map[string][]byte
	failAdd    func(partition, row string) error
	failUpdate error
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: make(map[string][]byte)}
}

func entityKeys(entity []byte) (string, string, error) {
	var ent aztables.Entity
	if err := json.Unmarshal(entity, &ent); err != nil {
		return "", "", err
	}
	return ent.PartitionKey, ent.RowKey, nil
}

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	partition, row, err := entityKeys(entity)
	if err != nil {
		return aztables.AddEntityResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd != nil {
		if err := f.failAdd(partition, row); err != nil {
			return aztables.AddEntityResponse{}, err
		}
	}
	key := partition + "/" + row
	if _, exists := f.rows[key]; exists {
		return aztables.AddEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusConflict}
	}
	f.rows[key] = entity
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.rows[partitionKey+"/"+rowKey]
	if !ok {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	return aztables.GetEntityResponse{Value: data}, nil
}

func (f *fakeTable) UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	partition, row, err := entityKeys(entity)
	if err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return aztables.UpdateEntityResponse{}, f.failUpdate
	}
	key := partition + "/" + row
	if _, ok := f.rows[key]; !ok {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	f.rows[key] = entity
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := partitionKey + "/" + rowKey
	if _, ok := f.rows[key]; !ok {
		return aztables.DeleteEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	delete(f.rows, key)
	return aztables.DeleteEntityResponse{}, nil
}

func (f *fakeTable) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func testUser(id, handle, email string) domain.User {
	return domain.User{ID: id, Handle: handle, Email: email, PasswordHash: "hash"}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	table := newFakeTable()
	s := &Storage{userTable: table}
	ctx := context.Background()

	if err := s.CreateUser(ctx, testUser("u1", "ana", "ana@x.com")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateUser(ctx, testUser("u2", "other", "ana@x.com"))
	if !errors.Is(err, domain.ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
}

func TestCreateUserReleasesClaimsWhenRecordInsertFails(t *testing.T) {
	table := newFakeTable()
	insertFailure := errors.New("insert failed")
	table.failAdd = func(partition, row string) error {
		if partition == userPartition {
			return insertFailure
		}
		return nil
	}
	s := &Storage{userTable: table}
	ctx := context.Background()

	if err := s.CreateUser(ctx, testUser("u1", "ana", "ana@x.com")); !errors.Is(err, insertFailure) {
		t.Fatalf("expected insert failure, got %v", err)
	}
	if n := table.rowCount(); n != 0 {
		t.Fatalf("claims must be released on failure, %d rows left", n)
	}

	// The email and handle are available again once the table recovers.
	table.failAdd = nil
	if err := s.CreateUser(ctx, testUser("u1", "ana", "ana@x.com")); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestCreateUserReleasesEmailClaimOnHandleConflict(t *testing.T) {
	table := newFakeTable()
	s := &Storage{userTable: table}
	ctx := context.Background()

	if err := s.CreateUser(ctx, testUser("u1", "ana", "ana@x.com")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateUser(ctx, testUser("u2", "ana", "ana@y.com"))
	if !errors.Is(err, domain.ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}

	// The second email must not stay claimed by the failed registration.
	if err := s.CreateUser(ctx, testUser("u3", "bob", "ana@y.com")); err != nil {
		t.Fatalf("email leaked by failed registration: %v", err)
	}
}

func TestEnsureUserReleasesClaimsWhenRecordInsertFails(t *testing.T) {
	table := newFakeTable()
	insertFailure := errors.New("insert failed")
	table.failAdd = func(partition, row string) error {
		if partition == userPartition {
			return insertFailure
		}
		return nil
	}
	s := &Storage{userTable: table}
	ctx := context.Background()

	if _, _, err := s.EnsureUser(ctx, testUser("u1", "ana", "ana@x.com")); !errors.Is(err, insertFailure) {
		t.Fatalf("expected insert failure, got %v", err)
	}
	if n := table.rowCount(); n != 0 {
		t.Fatalf("claims must be released on failure, %d rows left", n)
	}

	table.failAdd = nil
	user, created, err := s.EnsureUser(ctx, testUser("u1", "ana", "ana@x.com"))
	if err != nil || !created {
		t.Fatalf("retry after failure: created=%v err=%v", created, err)
	}
	if user.Handle != "ana" {
		t.Fatalf("unexpected handle %q", user.Handle)
	}
}

func TestEnsureUserReturnsExistingByEmail(t *testing.T) {
	table := newFakeTable()
	s := &Storage{userTable: table}
	ctx := context.Background()

	first, created, err := s.EnsureUser(ctx, testUser("u1", "ana", "ana@x.com"))
	if err != nil || !created {
		t.Fatalf("first login: created=%v err=%v", created, err)
	}
	second, created, err := s.EnsureUser(ctx, testUser("u2", "other", "ana@x.com"))
	if err != nil || created {
		t.Fatalf("second login: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("concurrent logins must converge, got %q and %q", first.ID, second.ID)
	}
}

func TestEnsureUserSuffixesCollidingHandle(t *testing.T) {
	table := newFakeTable()
	s := &Storage{userTable: table}
	ctx := context.Background()

	if _, _, err := s.EnsureUser(ctx, testUser("11111111-aaaa", "ana", "ana@x.com")); err != nil {
		t.Fatalf("first: %v", err)
	}
	user, created, err := s.EnsureUser(ctx, testUser("22222222-bbbb", "ana", "ana@y.com"))
	if err != nil || !created {
		t.Fatalf("second: created=%v err=%v", created, err)
	}
	if user.Handle != "ana-22222222" {
		t.Fatalf("expected suffixed handle, got %q", user.Handle)
	}
}

func TestUpdateUserHandleReleasesNewClaimOnFailure(t *testing.T) {
	table := newFakeTable()
	s := &Storage{userTable: table}
	ctx := context.Background()

	user := testUser("u1", "ana", "ana@x.com")
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("create: %v", err)
	}

	table.failUpdate = errors.New("update failed")
	if _, err := s.UpdateUserHandle(ctx, user, "ana2"); err == nil {
		t.Fatal("expected update to fail")
	}
	table.failUpdate = nil

	// "ana2" must not stay reserved by the failed rename.
	if err := s.CreateUser(ctx, testUser("u2", "ana2", "bob@x.com")); err != nil {
		t.Fatalf("handle leaked by failed rename: %v", err)
	}
}

func TestUpdateUserHandleReleasesOldClaim(t *testing.T) {
	table := newFakeTable()
	s := &Storage{userTable: table}
	ctx := context.Background()

	user := testUser("u1", "ana", "ana@x.com")
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("create: %v", err)
	}
	renamed, err := s.UpdateUserHandle(ctx, user, "ana2")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Handle != "ana2" {
		t.Fatalf("unexpected handle %q", renamed.Handle)
	}

	// The old handle is free again for someone else.
	if err := s.CreateUser(ctx, testUser("u2", "ana", "bob@x.com")); err != nil {
		t.Fatalf("old handle not released: %v", err)
	}
}
