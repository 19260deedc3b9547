package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jun/cadsync/internal/model"
	"github.com/jun/cadsync/internal/store"
)

// LeaseTable describes the EditLeases table: one row per file, keyed by file_id.
func LeaseTable(name string) store.Table {
	return store.Table{Name: name, PartitionKey: "file_id"}
}

// LeaseManager hands out the single-writer lease on a file using conditional
// writes on the EditLeases table.
type LeaseManager struct {
	store *store.Store
	table store.Table
}

// NewLeaseManager creates a new LeaseManager.
func NewLeaseManager(st *store.Store, table store.Table) *LeaseManager {
	return &LeaseManager{store: st, table: table}
}

// Claim takes the lease on a file for the given session.
// It succeeds if:
// 1. No lease exists for the file.
// 2. The existing lease has expired (ttl < now).
// 3. The existing lease belongs to the same session (renewal).
// Otherwise a *LockedError naming the holder is returned.
func (m *LeaseManager) Claim(ctx context.Context, fileID, sessionID, userID string, ttl time.Duration) (*model.Lease, error) {
	now := m.store.Now()
	lease := model.Lease{
		FileID:    fileID,
		SessionID: sessionID,
		UserID:    userID,
		TTL:       now.Add(ttl).Unix(),
	}

	item, err := attributevalue.MarshalMap(lease)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}

	// attribute_not_exists(file_id) OR ttl < :now OR session_id = :sid
	rev, err := m.store.Put(ctx, m.table, item, &store.Condition{
		Vacant: true,
		Now:    now.Unix(),
		Match:  map[string]types.AttributeValue{"session_id": store.S(sessionID)},
	})
	if errors.Is(err, store.ErrConditionFailed) {
		holder, herr := m.Holder(ctx, fileID)
		if herr != nil {
			return nil, fmt.Errorf("failed to read lease holder: %w", herr)
		}
		locked := &LockedError{FileID: fileID}
		if holder != nil {
			locked.OwnerUserID = holder.UserID
			locked.OwnerSessionID = holder.SessionID
		}
		return nil, locked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim lease: %w", err)
	}
	lease.Rev = rev
	return &lease, nil
}

// Release removes the lease if the session holds it. Releasing a lease that
// is gone or held by someone else is not an error.
func (m *LeaseManager) Release(ctx context.Context, fileID, sessionID string) error {
	err := m.store.Delete(ctx, m.table, store.Key{PK: fileID}, &store.Condition{
		Match: map[string]types.AttributeValue{"session_id": store.S(sessionID)},
	})
	if err != nil && !errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Holder returns the current lease on a file, or nil when nobody holds it.
func (m *LeaseManager) Holder(ctx context.Context, fileID string) (*model.Lease, error) {
	item, _, err := m.store.Get(ctx, m.table, store.Key{PK: fileID}, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	var lease model.Lease
	if err := attributevalue.UnmarshalMap(item, &lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	return &lease, nil
}

// List returns every live lease.
func (m *LeaseManager) List(ctx context.Context) ([]model.Lease, error) {
	items, err := m.store.Scan(ctx, m.table)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	leases := make([]model.Lease, 0, len(items))
	for _, item := range items {
		var lease model.Lease
		if err := attributevalue.UnmarshalMap(item, &lease); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
		}
		leases = append(leases, lease)
	}
	return leases, nil
}
