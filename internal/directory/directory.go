// Package directory resolves user ids to display names.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"

	"github.com/jun/cadsync/internal/model"
	"github.com/jun/cadsync/internal/store"
)

// Directory looks up display names.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Table describes the Users table.
func Table(name string) store.Table {
	return store.Table{Name: name, PartitionKey: "user_id"}
}

// Users reads profiles from the Users table through the cache.
type Users struct {
	store *store.Store
	table store.Table
}

// NewUsers creates a Users directory.
func NewUsers(st *store.Store, table store.Table) *Users {
	return &Users{store: st, table: table}
}

// GetProfile returns a profile, or nil when the user is unknown.
func (u *Users) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	item, _, err := u.store.Get(ctx, u.table, store.Key{PK: userID}, true)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	var p model.UserProfile
	if err := attributevalue.UnmarshalMap(item, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &p, nil
}

// PutProfile stores a profile.
func (u *Users) PutProfile(ctx context.Context, p model.UserProfile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = u.store.Now().UTC()
	}
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if _, err := u.store.Put(ctx, u.table, item, nil); err != nil {
		return fmt.Errorf("failed to put profile: %w", err)
	}
	return nil
}

// DisplayName returns the user's display name, or the id itself when the
// profile is missing or has no name.
func (u *Users) DisplayName(ctx context.Context, userID string) (string, error) {
	p, err := u.GetProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	if p == nil || p.DisplayName == "" {
		return userID, nil
	}
	return p.DisplayName, nil
}

// Static is a fixed id-to-name map, used in DEV_MODE.
type Static map[string]string

func (s Static) DisplayName(_ context.Context, userID string) (string, error) {
	if name, ok := s[userID]; ok {
		return name, nil
	}
	return userID, nil
}
