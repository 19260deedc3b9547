// Package session keeps track of who has a file open, in which mode, and who
// holds the single-writer lease.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jun/cadsync/internal/model"
	"github.com/jun/cadsync/internal/store"
)

// LinkedSessionIndex is the secondary index on linked_user_session_id.
const LinkedSessionIndex = "linked_session_index"

const (
	DefaultEditTTL            = 30 * time.Minute
	DefaultMinRenewalInterval = 30 * time.Second
)

// SessionTable describes the EditSessions table.
func SessionTable(name string) store.Table {
	return store.Table{Name: name, PartitionKey: "file_id", SortKey: "session_id"}
}

// Config holds the registry's timing knobs.
type Config struct {
	// EditTTL is used when a caller passes no TTL.
	EditTTL time.Duration
	// MinRenewalInterval suppresses activity writes that come too close together.
	MinRenewalInterval time.Duration
}

// RequestClearer drops the pending edit requests of a file.
type RequestClearer interface {
	DeleteRequestsForFile(ctx context.Context, fileID string) error
}

// Metadata carries the optional attributes of a new session.
type Metadata struct {
	// TransferID reuses an existing session id instead of generating one.
	TransferID          string
	UserDisplayName     string
	LinkedUserSessionID string
	StorageType         string
	ExternalAccountID   string
	Device              string
	LatestVersionID     string
}

// Registry is CRUD over per-file sessions.
type Registry struct {
	store    *store.Store
	table    store.Table
	leases   Locker
	requests RequestClearer
	cfg      Config
	log      *zap.Logger
}

// NewRegistry creates a Registry. requests may be nil.
func NewRegistry(st *store.Store, table store.Table, leases Locker, requests RequestClearer, cfg Config, log *zap.Logger) *Registry {
	if cfg.EditTTL <= 0 {
		cfg.EditTTL = DefaultEditTTL
	}
	if cfg.MinRenewalInterval < 0 {
		cfg.MinRenewalInterval = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:    st,
		table:    table,
		leases:   leases,
		requests: requests,
		cfg:      cfg,
		log:      log,
	}
}

// CreateSession opens a session on a file and returns its id. An EDIT session
// first claims the file's lease; when another session holds it a *LockedError
// is returned and nothing is written. Creating an EDIT session clears the
// file's pending edit requests.
func (r *Registry) CreateSession(ctx context.Context, fileID, userID string, mode model.Mode, ttl time.Duration, md Metadata) (string, error) {
	if !mode.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if ttl <= 0 {
		ttl = r.cfg.EditTTL
	}
	sessionID := md.TransferID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if mode == model.ModeEdit {
		if _, err := r.leases.Claim(ctx, fileID, sessionID, userID, ttl); err != nil {
			return "", err
		}
	}

	now := r.store.Now()
	sess := model.Session{
		FileID:              fileID,
		SessionID:           sessionID,
		UserID:              userID,
		UserDisplayName:     md.UserDisplayName,
		Mode:                mode,
		State:               model.StateActive,
		CreatedAt:           now.Unix(),
		LastActivityAt:      now.Unix(),
		TTL:                 now.Add(ttl).Unix(),
		LinkedUserSessionID: md.LinkedUserSessionID,
		LatestVersionID:     md.LatestVersionID,
		StorageType:         md.StorageType,
		ExternalAccountID:   md.ExternalAccountID,
		Device:              md.Device,
	}
	if err := r.put(ctx, &sess); err != nil {
		if mode == model.ModeEdit {
			if rerr := r.leases.Release(ctx, fileID, sessionID); rerr != nil {
				r.log.Warn("failed to release lease after failed create",
					zap.String("file_id", fileID), zap.Error(rerr))
			}
		}
		return "", err
	}

	if mode == model.ModeEdit {
		r.clearRequests(ctx, fileID)
	}
	r.log.Info("session created",
		zap.String("file_id", fileID),
		zap.String("session_id", sessionID),
		zap.String("mode", string(mode)))
	return sessionID, nil
}

// GetSession returns a session, or nil when it is absent or has expired.
func (r *Registry) GetSession(ctx context.Context, fileID, sessionID string) (*model.Session, error) {
	return r.load(ctx, fileID, sessionID, true)
}

// GetActiveSessions lists the live sessions of a file. An empty mode selects
// every mode.
func (r *Registry) GetActiveSessions(ctx context.Context, fileID string, mode model.Mode) ([]model.Session, error) {
	items, err := r.store.Query(ctx, store.Query{Table: r.table, KeyValue: fileID, Consistent: true})
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	sessions, err := decodeSessions(items)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		return sessions, nil
	}
	out := sessions[:0]
	for _, s := range sessions {
		if s.Mode == mode {
			out = append(out, s)
		}
	}
	return out, nil
}

// UpdateActivity refreshes last_activity_at and the TTL of a live session.
// Renewals closer together than MinRenewalInterval return the session
// unchanged. An EDIT session renews its lease as well; if the lease was lost
// to another session in the meantime the session is downgraded to VIEW.
func (r *Registry) UpdateActivity(ctx context.Context, fileID, sessionID string, ttl time.Duration) (*model.Session, error) {
	cur, err := r.load(ctx, fileID, sessionID, true)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrSessionNotFound
	}
	if ttl <= 0 {
		ttl = r.cfg.EditTTL
	}

	now := r.store.Now()
	if now.Sub(time.Unix(cur.LastActivityAt, 0)) < r.cfg.MinRenewalInterval {
		return cur, nil
	}

	set := map[string]types.AttributeValue{
		"last_activity_at": store.N(now.Unix()),
		"ttl":              store.N(now.Add(ttl).Unix()),
	}
	var lost bool
	if cur.Mode == model.ModeEdit {
		_, err := r.leases.Claim(ctx, fileID, sessionID, cur.UserID, ttl)
		var locked *LockedError
		switch {
		case errors.As(err, &locked):
			lost = true
			set["mode"] = store.S(string(model.ModeView))
		case err != nil:
			return nil, err
		}
	}

	sess, err := r.update(ctx, fileID, sessionID, set, nil)
	if err != nil {
		return nil, err
	}
	if lost {
		r.log.Info("edit lease lost, session downgraded",
			zap.String("file_id", fileID), zap.String("session_id", sessionID))
	}
	return sess, nil
}

// SetMode switches a session between EDIT and VIEW. Upgrading claims the
// lease and clears the request queue; downgrading releases the lease.
func (r *Registry) SetMode(ctx context.Context, fileID, sessionID string, mode model.Mode) (*model.Session, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	cur, err := r.load(ctx, fileID, sessionID, false)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrSessionNotFound
	}
	if cur.Mode == mode {
		return cur, nil
	}

	now := r.store.Now()
	set := map[string]types.AttributeValue{"mode": store.S(string(mode))}
	if mode == model.ModeEdit {
		expires := max(cur.TTL, now.Add(r.cfg.EditTTL).Unix())
		if _, err := r.leases.Claim(ctx, fileID, sessionID, cur.UserID, time.Unix(expires, 0).Sub(now)); err != nil {
			return nil, err
		}
		set["ttl"] = store.N(expires)
		set["last_activity_at"] = store.N(now.Unix())
	}

	sess, err := r.update(ctx, fileID, sessionID, set, nil)
	if err != nil {
		if mode == model.ModeEdit {
			if rerr := r.leases.Release(ctx, fileID, sessionID); rerr != nil {
				r.log.Warn("failed to release lease after failed upgrade", zap.Error(rerr))
			}
		}
		return nil, err
	}

	if mode == model.ModeEdit {
		r.clearRequests(ctx, fileID)
	} else if err := r.leases.Release(ctx, fileID, sessionID); err != nil {
		return nil, err
	}
	return sess, nil
}

// Now is the registry's clock reading.
func (r *Registry) Now() time.Time {
	return r.store.Now()
}

// DowngradeToView gives up write access while keeping the session open.
func (r *Registry) DowngradeToView(ctx context.Context, fileID, sessionID string) (*model.Session, error) {
	return r.SetMode(ctx, fileID, sessionID, model.ModeView)
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to model.State) bool {
	if from == to {
		return true
	}
	switch from {
	case model.StateActive:
		return to == model.StateSavePending
	case model.StateSavePending:
		return to == model.StateActive || to == model.StateStale
	case model.StateStale:
		return to == model.StateActive
	}
	return false
}

// SetState moves a session through ACTIVE -> SAVE_PENDING -> ACTIVE | STALE.
// A STALE session returns to ACTIVE once the conflict is resolved. It also
// returns the state the session left, which equals state for a no-op.
func (r *Registry) SetState(ctx context.Context, fileID, sessionID string, state model.State) (*model.Session, model.State, error) {
	cur, err := r.load(ctx, fileID, sessionID, false)
	if err != nil {
		return nil, "", err
	}
	if cur == nil {
		return nil, "", ErrSessionNotFound
	}
	if !CanTransition(cur.State, state) {
		return nil, "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, state)
	}
	if cur.State == state {
		return cur, cur.State, nil
	}

	sess, err := r.update(ctx, fileID, sessionID,
		map[string]types.AttributeValue{"state": store.S(string(state))},
		map[string]types.AttributeValue{"state": store.S(string(cur.State))})
	if errors.Is(err, ErrSessionNotFound) {
		// Lost a race with another transition.
		return nil, "", fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, cur.State)
	}
	if err != nil {
		return nil, "", err
	}
	return sess, cur.State, nil
}

// RecordVersionID stores the last version written through a session.
func (r *Registry) RecordVersionID(ctx context.Context, fileID, sessionID, versionID string) (*model.Session, error) {
	return r.update(ctx, fileID, sessionID,
		map[string]types.AttributeValue{"latest_version_id": store.S(versionID)}, nil)
}

// TransferSession moves a session to a new file id: the new row is written
// first, the lease follows for EDIT sessions, and the old row is deleted last.
// The moved session is ACTIVE.
func (r *Registry) TransferSession(ctx context.Context, oldFileID, newFileID string, sess *model.Session) (*model.Session, error) {
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if oldFileID == newFileID {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransfer, newFileID)
	}
	now := r.store.Now()
	moved := *sess
	moved.FileID = newFileID
	moved.State = model.StateActive
	moved.LastActivityAt = now.Unix()
	moved.Rev = ""
	if moved.TTL < now.Unix() {
		moved.TTL = now.Add(r.cfg.EditTTL).Unix()
	}

	if moved.Mode == model.ModeEdit {
		ttl := time.Unix(moved.TTL, 0).Sub(now)
		if _, err := r.leases.Claim(ctx, newFileID, moved.SessionID, moved.UserID, ttl); err != nil {
			return nil, err
		}
	}
	if err := r.put(ctx, &moved); err != nil {
		return nil, err
	}

	if moved.Mode == model.ModeEdit {
		if err := r.leases.Release(ctx, oldFileID, moved.SessionID); err != nil {
			return nil, err
		}
	}
	if err := r.store.Delete(ctx, r.table, store.Key{PK: oldFileID, SK: moved.SessionID}, nil); err != nil {
		return nil, fmt.Errorf("failed to delete transferred session: %w", err)
	}
	r.log.Info("session transferred",
		zap.String("session_id", moved.SessionID),
		zap.String("from", oldFileID),
		zap.String("to", newFileID))
	return &moved, nil
}

// DeleteSession removes a session and, for EDIT sessions, its lease. It
// returns the removed session, or nil when there was none.
func (r *Registry) DeleteSession(ctx context.Context, fileID, sessionID string) (*model.Session, error) {
	cur, err := r.load(ctx, fileID, sessionID, false)
	if err != nil {
		return nil, err
	}
	if err := r.store.Delete(ctx, r.table, store.Key{PK: fileID, SK: sessionID}, nil); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	if cur != nil && cur.Mode == model.ModeEdit {
		if err := r.leases.Release(ctx, fileID, sessionID); err != nil {
			return cur, err
		}
	}
	return cur, nil
}

// DeleteLinkedSessions removes every session opened under a login session.
func (r *Registry) DeleteLinkedSessions(ctx context.Context, linkedUserSessionID string) ([]model.Session, error) {
	items, err := r.store.Query(ctx, store.Query{
		Table:    r.table,
		Index:    LinkedSessionIndex,
		KeyAttr:  "linked_user_session_id",
		KeyValue: linkedUserSessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query linked sessions: %w", err)
	}
	linked, err := decodeSessions(items)
	if err != nil {
		return nil, err
	}

	removed := make([]model.Session, 0, len(linked))
	for _, s := range linked {
		gone, err := r.DeleteSession(ctx, s.FileID, s.SessionID)
		if err != nil {
			return removed, err
		}
		if gone != nil {
			removed = append(removed, *gone)
		}
	}
	return removed, nil
}

// ActiveLeases lists every live edit lease.
func (r *Registry) ActiveLeases(ctx context.Context) ([]model.Lease, error) {
	return r.leases.List(ctx)
}

// LeaseHolder returns the lease on a file, or nil when it is free.
func (r *Registry) LeaseHolder(ctx context.Context, fileID string) (*model.Lease, error) {
	return r.leases.Holder(ctx, fileID)
}

func (r *Registry) clearRequests(ctx context.Context, fileID string) {
	if r.requests == nil {
		return
	}
	// Stale requests expire on their own, so a failed clear is not fatal.
	if err := r.requests.DeleteRequestsForFile(ctx, fileID); err != nil {
		r.log.Warn("failed to clear edit requests", zap.String("file_id", fileID), zap.Error(err))
	}
}

func (r *Registry) load(ctx context.Context, fileID, sessionID string, useCache bool) (*model.Session, error) {
	item, _, err := r.store.Get(ctx, r.table, store.Key{PK: fileID, SK: sessionID}, useCache)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(item)
}

func (r *Registry) put(ctx context.Context, sess *model.Session) error {
	item, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	rev, err := r.store.Put(ctx, r.table, item, nil)
	if err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}
	sess.Rev = rev
	return nil
}

// update applies set to a live session, optionally guarded by match.
func (r *Registry) update(ctx context.Context, fileID, sessionID string, set, match map[string]types.AttributeValue) (*model.Session, error) {
	item, err := r.store.Update(ctx, r.table, store.Key{PK: fileID, SK: sessionID}, store.Update{
		Set: set,
		Condition: &store.Condition{
			Live:  true,
			Now:   r.store.Now().Unix(),
			Match: match,
		},
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return decodeSession(item)
}

func decodeSession(item store.Item) (*model.Session, error) {
	var s model.Session
	if err := attributevalue.UnmarshalMap(item, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func decodeSessions(items []store.Item) ([]model.Session, error) {
	out := make([]model.Session, 0, len(items))
	for _, item := range items {
		s, err := decodeSession(item)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}
