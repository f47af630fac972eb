package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *UserStore {
	t.Helper()
	store, err := NewUserStore(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("NewUserStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUserStore_CreateAndVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", "subject-1", "Alice")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if user.ID != "alice" || user.Subject != "subject-1" {
		t.Errorf("user = %+v, want alice/subject-1", user)
	}

	if err := store.VerifyIdentity(ctx, "subject-1", "alice"); err != nil {
		t.Errorf("VerifyIdentity() error = %v, want nil", err)
	}
}

func TestUserStore_VerifyUnknownUser(t *testing.T) {
	store := newTestStore(t)

	err := store.VerifyIdentity(context.Background(), "subject-1", "ghost")
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("VerifyIdentity() error = %v, want ErrIdentityMismatch", err)
	}
}

func TestUserStore_VerifyWrongSubject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "alice", "subject-1", ""); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	err := store.VerifyIdentity(ctx, "subject-2", "alice")
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("VerifyIdentity() error = %v, want ErrIdentityMismatch", err)
	}
}

func TestUserStore_GeneratedID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "", "subject-1", "")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected a generated user id")
	}

	other, err := store.CreateUser(ctx, "", "subject-2", "")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if other.ID == user.ID {
		t.Errorf("generated ids collide: %s", user.ID)
	}
}

func TestUserStore_DuplicateIDRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "alice", "subject-1", ""); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if _, err := store.CreateUser(ctx, "alice", "subject-2", ""); err == nil {
		t.Error("expected duplicate user id to be rejected")
	}
}

func TestUserStore_RequiresSubject(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateUser(context.Background(), "alice", "", ""); err == nil {
		t.Error("expected empty subject to be rejected")
	}
}

func TestUserStore_GetUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "alice", "subject-1", "Alice"); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	user, err := store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want Alice", user.DisplayName)
	}

	if _, err := store.GetUser(ctx, "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser(ghost) error = %v, want ErrUserNotFound", err)
	}
}

func TestUserStore_ListUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"alice", "bob", "carol"} {
		if _, err := store.CreateUser(ctx, id, "subject-"+id, ""); err != nil {
			t.Fatalf("CreateUser(%s) error = %v", id, err)
		}
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 3 {
		t.Errorf("len(users) = %d, want 3", len(users))
	}
}

func TestUserStore_DeleteUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, "alice", "subject-1", ""); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := store.DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if err := store.VerifyIdentity(ctx, "subject-1", "alice"); !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("VerifyIdentity() after delete error = %v, want ErrIdentityMismatch", err)
	}
	if err := store.DeleteUser(ctx, "alice"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("DeleteUser() twice error = %v, want ErrUserNotFound", err)
	}
}
