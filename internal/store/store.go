// Package store provides the session store collaborator. The core treats
// the store as an external dependency reached only through a circuit
// breaker; this package ships a minimal SQLite implementation so the
// server is runnable standalone.
package store

import (
	"context"
	"errors"
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("session store is closed")

// SessionStore answers whether a user may stream a thread.
type SessionStore interface {
	IsAuthorized(ctx context.Context, userID, threadID string) (bool, error)
}

// GrantStore extends SessionStore with grant management, used by the
// server's administrative surface.
type GrantStore interface {
	SessionStore
	Grant(ctx context.Context, userID, threadID string) error
	Revoke(ctx context.Context, userID, threadID string) error
	Close() error
}
