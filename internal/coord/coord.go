// Package coord is the edit-session API used by the file-operations
// dispatcher: opening and closing sessions, lock checks, and the
// request/grant/deny handshake for the edit lease.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jun/cadsync/internal/directory"
	"github.com/jun/cadsync/internal/ledger"
	"github.com/jun/cadsync/internal/model"
	"github.com/jun/cadsync/internal/notify"
	"github.com/jun/cadsync/internal/request"
	"github.com/jun/cadsync/internal/session"
)

var (
	// ErrNotLocked is returned when edit access is requested on a file
	// nobody is editing.
	ErrNotLocked = errors.New("file is not locked")

	// ErrNotHolder is returned when a session acts on a lease it does not hold.
	ErrNotHolder = fmt.Errorf("session does not hold the lease: %w", session.ErrForbidden)
)

// AccessStatus is the answer to a requester polling for edit access.
type AccessStatus string

const (
	AccessGranted AccessStatus = "granted"
	AccessPending AccessStatus = "pending"
	AccessDenied  AccessStatus = "denied"
	// AccessExpired means the request is gone without being granted.
	AccessExpired AccessStatus = "expired"
)

// LockStatus describes who, if anyone, holds the edit lease on a file.
type LockStatus struct {
	Locked           bool   `json:"locked"`
	OwnerUserID      string `json:"ownerUserId,omitempty"`
	OwnerSessionID   string `json:"ownerSessionId,omitempty"`
	OwnerDisplayName string `json:"ownerDisplayName,omitempty"`
	ExpiresAt        int64  `json:"expiresAt,omitempty"`
}

// ConflictDetector decides whether a remote write since a session's base
// version is a conflict.
type ConflictDetector interface {
	Conflicts(baseVersionID, remoteVersionID string) bool
}

// Config holds the session lifetimes.
type Config struct {
	EditTTL time.Duration
	// LongTTL applies to sessions opened with LongSession.
	LongTTL time.Duration
}

// Deps are the components a Coordinator drives. Ledger, Conflicts, Notifier
// and Users are optional.
type Deps struct {
	Sessions  *session.Registry
	Requests  *request.Arbiter
	Ledger    *ledger.Ledger
	Conflicts ConflictDetector
	Notifier  notify.Notifier
	Users     directory.Directory
}

// Coordinator implements the edit-session operations.
type Coordinator struct {
	sessions  *session.Registry
	requests  *request.Arbiter
	ledger    *ledger.Ledger
	conflicts ConflictDetector
	notifier  notify.Notifier
	users     directory.Directory
	cfg       Config
	log       *zap.Logger
}

// New creates a Coordinator.
func New(deps Deps, cfg Config, log *zap.Logger) *Coordinator {
	if cfg.EditTTL <= 0 {
		cfg.EditTTL = session.DefaultEditTTL
	}
	if cfg.LongTTL < cfg.EditTTL {
		cfg.LongTTL = cfg.EditTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		sessions:  deps.Sessions,
		requests:  deps.Requests,
		ledger:    deps.Ledger,
		conflicts: deps.Conflicts,
		notifier:  deps.Notifier,
		users:     deps.Users,
		cfg:       cfg,
		log:       log,
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.users == nil {
		c.users = directory.Static{}
	}
	return c
}

// OpenRequest describes a caller opening a file.
type OpenRequest struct {
	FileID              string
	UserID              string
	Mode                model.Mode
	Device              string
	ExternalAccountID   string
	LinkedUserSessionID string
	StorageType         string
	// LongSession selects the extended TTL.
	LongSession bool
}

// OpenSession creates a session or joins the caller's existing one. A user
// reopening a file from the same device gets their live session back,
// renewed, and upgraded to EDIT if asked. EDIT while another session holds
// the lease fails with *session.LockedError.
func (c *Coordinator) OpenSession(ctx context.Context, req OpenRequest) (string, error) {
	ttl := c.cfg.EditTTL
	if req.LongSession {
		ttl = c.cfg.LongTTL
	}

	live, err := c.sessions.GetActiveSessions(ctx, req.FileID, "")
	if err != nil {
		return "", err
	}
	for _, s := range live {
		if s.UserID != req.UserID || s.Device != req.Device {
			continue
		}
		renewed, err := c.sessions.UpdateActivity(ctx, req.FileID, s.SessionID, ttl)
		if err != nil {
			return "", err
		}
		// Renewal downgrades a session whose lease was taken over.
		if req.Mode == model.ModeEdit && renewed.Mode != model.ModeEdit {
			if _, err := c.sessions.SetMode(ctx, req.FileID, s.SessionID, model.ModeEdit); err != nil {
				return "", c.withOwnerName(ctx, err)
			}
		}
		return s.SessionID, nil
	}

	name, err := c.users.DisplayName(ctx, req.UserID)
	if err != nil {
		c.log.Warn("display name lookup failed", zap.String("user_id", req.UserID), zap.Error(err))
		name = ""
	}
	id, err := c.sessions.CreateSession(ctx, req.FileID, req.UserID, req.Mode, ttl, session.Metadata{
		UserDisplayName:     name,
		LinkedUserSessionID: req.LinkedUserSessionID,
		StorageType:         req.StorageType,
		ExternalAccountID:   req.ExternalAccountID,
		Device:              req.Device,
	})
	if err != nil {
		return "", c.withOwnerName(ctx, err)
	}
	return id, nil
}

// GetSession returns a live session, or session.ErrSessionNotFound.
func (c *Coordinator) GetSession(ctx context.Context, fileID, sessionID string) (*model.Session, error) {
	s, err := c.sessions.GetSession(ctx, fileID, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

// CheckEditLock reports whether a file has an editor, and who it is.
func (c *Coordinator) CheckEditLock(ctx context.Context, fileID string) (LockStatus, error) {
	holder, err := c.sessions.LeaseHolder(ctx, fileID)
	if err != nil {
		return LockStatus{}, err
	}
	if holder == nil {
		return LockStatus{}, nil
	}
	return LockStatus{
		Locked:           true,
		OwnerUserID:      holder.UserID,
		OwnerSessionID:   holder.SessionID,
		OwnerDisplayName: c.displayName(ctx, holder.UserID),
		ExpiresAt:        holder.TTL,
	}, nil
}

// RequestEditAccess queues sessionID for the lease of fileID and tells the
// current holder.
func (c *Coordinator) RequestEditAccess(ctx context.Context, fileID, userID, sessionID string) (*model.EditRequest, error) {
	owner, err := c.owner(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, ErrNotLocked
	}

	req, err := c.requests.SaveRequest(ctx, owner, userID, sessionID)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, notify.Event{
		Kind:           notify.AccessRequested,
		FileID:         fileID,
		SessionID:      owner.SessionID,
		UserID:         owner.UserID,
		ActorSessionID: sessionID,
		ActorName:      c.displayName(ctx, userID),
	})
	return req, nil
}

// PollEditAccess tells a requester where its request stands.
func (c *Coordinator) PollEditAccess(ctx context.Context, fileID, requesterSessionID string) (AccessStatus, error) {
	holder, err := c.sessions.LeaseHolder(ctx, fileID)
	if err != nil {
		return "", err
	}
	if holder != nil && holder.SessionID == requesterSessionID {
		return AccessGranted, nil
	}

	req, err := c.requests.GetRequest(ctx, fileID, requesterSessionID)
	if err != nil {
		return "", err
	}
	switch {
	case req == nil:
		return AccessExpired, nil
	case req.Denied:
		return AccessDenied, nil
	}
	return AccessPending, nil
}

// GrantEditAccess hands the lease from its holder to a requester. The holder
// stays on the file in VIEW mode.
func (c *Coordinator) GrantEditAccess(ctx context.Context, fileID, ownerSessionID, requesterSessionID string) error {
	if err := c.requireHolder(ctx, fileID, ownerSessionID); err != nil {
		return err
	}
	req, err := c.requests.GetRequest(ctx, fileID, requesterSessionID)
	if err != nil {
		return err
	}
	if req == nil || req.Denied {
		return request.ErrRequestNotFound
	}

	// Other waiters lose their place once the requester is promoted.
	waiting, err := c.requests.GetAllPendingRequests(ctx, fileID, requesterSessionID)
	if err != nil {
		return err
	}

	if _, err := c.sessions.DowngradeToView(ctx, fileID, ownerSessionID); err != nil {
		return err
	}
	if _, err := c.sessions.SetMode(ctx, fileID, requesterSessionID, model.ModeEdit); err != nil {
		if _, rerr := c.sessions.SetMode(ctx, fileID, ownerSessionID, model.ModeEdit); rerr != nil {
			c.log.Error("failed to restore lease after failed grant",
				zap.String("file_id", fileID), zap.Error(rerr))
		}
		return err
	}

	c.notify(ctx, notify.Event{
		Kind:           notify.AccessGranted,
		FileID:         fileID,
		SessionID:      requesterSessionID,
		UserID:         req.RequesterUserID,
		ActorSessionID: ownerSessionID,
	})
	c.notifyWaiters(ctx, fileID, waiting, requesterSessionID)
	return nil
}

// DenyEditAccess rejects a request. The requester sees "denied" when polling.
func (c *Coordinator) DenyEditAccess(ctx context.Context, fileID, ownerSessionID, requesterSessionID string) error {
	if err := c.requireHolder(ctx, fileID, ownerSessionID); err != nil {
		return err
	}
	req, err := c.requests.GetRequest(ctx, fileID, requesterSessionID)
	if err != nil {
		return err
	}
	if req == nil {
		return request.ErrRequestNotFound
	}
	if err := c.requests.DenyRequest(ctx, req); err != nil {
		return err
	}
	c.notify(ctx, notify.Event{
		Kind:           notify.AccessDenied,
		FileID:         fileID,
		SessionID:      requesterSessionID,
		UserID:         req.RequesterUserID,
		ActorSessionID: ownerSessionID,
	})
	return nil
}

// Heartbeat renews a session. Sessions opened with the long TTL keep it.
func (c *Coordinator) Heartbeat(ctx context.Context, fileID, sessionID string) (*model.Session, error) {
	cur, err := c.sessions.GetSession(ctx, fileID, sessionID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, session.ErrSessionNotFound
	}
	ttl := c.cfg.EditTTL
	if time.Duration(cur.TTL-cur.LastActivityAt)*time.Second > c.cfg.EditTTL {
		ttl = c.cfg.LongTTL
	}
	return c.sessions.UpdateActivity(ctx, fileID, sessionID, ttl)
}

// CloseSession ends a session. When an editor leaves, the earliest waiting
// requester is promoted and the rest are told the lease moved on.
func (c *Coordinator) CloseSession(ctx context.Context, fileID, sessionID string) error {
	removed, err := c.sessions.DeleteSession(ctx, fileID, sessionID)
	if err != nil {
		return err
	}
	if removed == nil || removed.Mode != model.ModeEdit {
		return nil
	}
	return c.handOver(ctx, removed)
}

// SetSaveState moves a session through the save state machine. A confirmed
// save (SAVE_PENDING -> ACTIVE) also turns the unsaved change batch into a
// saved one. Any other move to ACTIVE leaves the batch unsaved.
func (c *Coordinator) SetSaveState(ctx context.Context, fileID, sessionID string, state model.State) (*model.Session, error) {
	s, prior, err := c.sessions.SetState(ctx, fileID, sessionID, state)
	if err != nil {
		return nil, err
	}
	if prior != model.StateSavePending || state != model.StateActive || c.ledger == nil {
		return s, nil
	}
	cur, err := c.ledger.GetCurrentChanges(ctx, fileID, sessionID)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		if _, err := c.ledger.MarkSaved(ctx, cur, sessionID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RecordVersionID stores the version a session just wrote.
func (c *Coordinator) RecordVersionID(ctx context.Context, fileID, sessionID, versionID string) (*model.Session, error) {
	return c.sessions.RecordVersionID(ctx, fileID, sessionID, versionID)
}

// CheckVersionConflict reports whether remoteVersionID diverges from the
// version the session last wrote.
func (c *Coordinator) CheckVersionConflict(ctx context.Context, fileID, sessionID, remoteVersionID string) (bool, error) {
	s, err := c.sessions.GetSession(ctx, fileID, sessionID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, session.ErrSessionNotFound
	}
	if c.conflicts == nil {
		return false, nil
	}
	return c.conflicts.Conflicts(s.LatestVersionID, remoteVersionID), nil
}

// ResolveConflictCopy moves a session and its change batches to the conflict
// copy created for it.
func (c *Coordinator) ResolveConflictCopy(ctx context.Context, oldFileID, newFileID, sessionID string) (*model.Session, error) {
	if oldFileID == newFileID {
		return nil, fmt.Errorf("%w: %s", session.ErrInvalidTransfer, newFileID)
	}
	s, err := c.sessions.GetSession(ctx, oldFileID, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, session.ErrSessionNotFound
	}
	moved, err := c.sessions.TransferSession(ctx, oldFileID, newFileID, s)
	if err != nil {
		return nil, err
	}
	if c.ledger != nil {
		if err := c.ledger.CopyToNewFile(ctx, newFileID, oldFileID, sessionID); err != nil {
			return nil, err
		}
	}
	c.log.Info("conflict copy resolved",
		zap.String("session_id", sessionID),
		zap.String("from", oldFileID),
		zap.String("to", newFileID))
	return moved, nil
}

// Logout closes every session opened under a login session and returns how
// many were closed.
func (c *Coordinator) Logout(ctx context.Context, linkedUserSessionID string) (int, error) {
	removed, err := c.sessions.DeleteLinkedSessions(ctx, linkedUserSessionID)
	if err != nil {
		return len(removed), err
	}
	for i := range removed {
		if removed[i].Mode != model.ModeEdit {
			continue
		}
		if err := c.handOver(ctx, &removed[i]); err != nil {
			return len(removed), err
		}
	}
	return len(removed), nil
}

// handOver promotes the next requester after an editor left.
func (c *Coordinator) handOver(ctx context.Context, former *model.Session) error {
	waiting, err := c.requests.GetAllPendingRequests(ctx, former.FileID)
	if err != nil {
		return err
	}

	var winner string
	for {
		next, err := c.requests.GetApplicantXSession(ctx, former)
		if err != nil {
			return err
		}
		if next == "" {
			break
		}
		_, err = c.sessions.SetMode(ctx, former.FileID, next, model.ModeEdit)
		if errors.Is(err, session.ErrSessionNotFound) {
			// The requester left without withdrawing; try the next one.
			continue
		}
		var locked *session.LockedError
		if errors.As(err, &locked) {
			c.log.Info("lease taken before hand-over",
				zap.String("file_id", former.FileID), zap.String("holder", locked.OwnerSessionID))
			break
		}
		if err != nil {
			return err
		}
		winner = next
		break
	}

	if winner != "" {
		var userID string
		for _, w := range waiting {
			if w.RequesterSessionID == winner {
				userID = w.RequesterUserID
			}
		}
		c.notify(ctx, notify.Event{
			Kind:           notify.AccessGranted,
			FileID:         former.FileID,
			SessionID:      winner,
			UserID:         userID,
			ActorSessionID: former.SessionID,
		})
	}
	c.notifyWaiters(ctx, former.FileID, waiting, winner)
	return nil
}

// notifyWaiters tells every waiting requester except winner that the lease
// changed hands, or that it is free when there is no winner.
func (c *Coordinator) notifyWaiters(ctx context.Context, fileID string, waiting []model.EditRequest, winner string) {
	kind := notify.LeaseAvailable
	if winner != "" {
		kind = notify.HolderChanged
	}
	for _, w := range waiting {
		if w.RequesterSessionID == winner {
			continue
		}
		c.notify(ctx, notify.Event{
			Kind:           kind,
			FileID:         fileID,
			SessionID:      w.RequesterSessionID,
			UserID:         w.RequesterUserID,
			ActorSessionID: winner,
		})
	}
}

func (c *Coordinator) requireHolder(ctx context.Context, fileID, sessionID string) error {
	holder, err := c.sessions.LeaseHolder(ctx, fileID)
	if err != nil {
		return err
	}
	if holder == nil || holder.SessionID != sessionID {
		return ErrNotHolder
	}
	return nil
}

// owner returns the session holding the lease, nil when the file is free.
func (c *Coordinator) owner(ctx context.Context, fileID string) (*model.Session, error) {
	holder, err := c.sessions.LeaseHolder(ctx, fileID)
	if err != nil || holder == nil {
		return nil, err
	}
	s, err := c.sessions.GetSession(ctx, fileID, holder.SessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = &model.Session{
			FileID:    fileID,
			SessionID: holder.SessionID,
			UserID:    holder.UserID,
			Mode:      model.ModeEdit,
		}
	}
	return s, nil
}

func (c *Coordinator) displayName(ctx context.Context, userID string) string {
	name, err := c.users.DisplayName(ctx, userID)
	if err != nil {
		c.log.Warn("display name lookup failed", zap.String("user_id", userID), zap.Error(err))
		return userID
	}
	return name
}

// withOwnerName decorates a *session.LockedError with the holder's name.
func (c *Coordinator) withOwnerName(ctx context.Context, err error) error {
	var locked *session.LockedError
	if errors.As(err, &locked) && locked.OwnerUserID != "" {
		locked.OwnerDisplayName = c.displayName(ctx, locked.OwnerUserID)
	}
	return err
}

func (c *Coordinator) notify(ctx context.Context, e notify.Event) {
	if e.At.IsZero() {
		e.At = c.sessions.Now().UTC()
	}
	if err := c.notifier.Notify(ctx, e); err != nil {
		c.log.Warn("notification failed",
			zap.String("kind", string(e.Kind)),
			zap.String("session_id", e.SessionID),
			zap.Error(err))
	}
}
