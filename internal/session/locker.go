package session

import (
	"context"
	"time"

	"github.com/jun/cadsync/internal/model"
)

// Locker defines the interface for file lease management.
// Implementations guarantee at most one live lease per file.
type Locker interface {
	// Claim takes or renews the lease on a file for the given session.
	Claim(ctx context.Context, fileID, sessionID, userID string, ttl time.Duration) (*model.Lease, error)

	// Release removes the lease if the session holds it.
	Release(ctx context.Context, fileID, sessionID string) error

	// Holder retrieves the current lease, nil when the file is free.
	Holder(ctx context.Context, fileID string) (*model.Lease, error)

	// List returns every live lease.
	List(ctx context.Context) ([]model.Lease, error)
}
