package store

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_GrantAndAuthorize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	authorized, err := s.IsAuthorized(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("IsAuthorized: %v", err)
	}
	if authorized {
		t.Error("authorized before grant")
	}

	if err := s.Grant(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	authorized, err = s.IsAuthorized(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("IsAuthorized: %v", err)
	}
	if !authorized {
		t.Error("not authorized after grant")
	}

	// Grants are scoped to the exact (user, thread) pair.
	if authorized, _ := s.IsAuthorized(ctx, "user-2", "thread-1"); authorized {
		t.Error("different user authorized")
	}
	if authorized, _ := s.IsAuthorized(ctx, "user-1", "thread-2"); authorized {
		t.Error("different thread authorized")
	}
}

func TestSQLiteStore_GrantIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Grant(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := s.Grant(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("second Grant: %v", err)
	}
}

func TestSQLiteStore_Revoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Grant(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := s.Revoke(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if authorized, _ := s.IsAuthorized(ctx, "user-1", "thread-1"); authorized {
		t.Error("authorized after revoke")
	}

	// Revoking a missing grant is a no-op.
	if err := s.Revoke(ctx, "user-1", "thread-1"); err != nil {
		t.Errorf("Revoke of missing grant: %v", err)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Grant(ctx, "user-1", "thread-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	authorized, err := reopened.IsAuthorized(ctx, "user-1", "thread-1")
	if err != nil {
		t.Fatalf("IsAuthorized: %v", err)
	}
	if !authorized {
		t.Error("grant did not survive reopen")
	}
}
