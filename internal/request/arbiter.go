// Package request queues bids for the edit lease of a file and picks the next
// holder when the lease is given up.
package request

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jun/cadsync/internal/model"
	"github.com/jun/cadsync/internal/store"
)

// DefaultTTL is how long a request waits for the lease.
const DefaultTTL = 5 * time.Minute

// deleteWorkers bounds concurrent deletes when a queue is cleared.
const deleteWorkers = 8

var (
	// ErrRequestNotFound is returned when a request is absent or has expired.
	ErrRequestNotFound = errors.New("edit request not found")

	// ErrSelfRequest is returned when the lease holder bids for its own lease.
	ErrSelfRequest = errors.New("session already holds the lease")
)

// Table describes the EditRequests table.
func Table(name string) store.Table {
	return store.Table{Name: name, PartitionKey: "file_id", SortKey: "requester_session_id"}
}

// Arbiter manages the per-file queue of edit requests.
type Arbiter struct {
	store *store.Store
	table store.Table
	ttl   time.Duration
	seq   *Sequencer
	log   *zap.Logger
}

// NewArbiter creates an Arbiter. A zero ttl selects DefaultTTL.
func NewArbiter(st *store.Store, table store.Table, ttl time.Duration, seq *Sequencer, log *zap.Logger) *Arbiter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if seq == nil {
		seq = NewSequencer(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Arbiter{store: st, table: table, ttl: ttl, seq: seq, log: log}
}

// SaveRequest queues a bid by requesterSessionID for the lease held by owner.
// Asking again replaces the earlier request, clearing a denial.
func (a *Arbiter) SaveRequest(ctx context.Context, owner *model.Session, requesterUserID, requesterSessionID string) (*model.EditRequest, error) {
	if owner == nil {
		return nil, fmt.Errorf("save request: %w", ErrRequestNotFound)
	}
	if owner.SessionID == requesterSessionID {
		return nil, ErrSelfRequest
	}

	now := a.store.Now()
	req := model.EditRequest{
		FileID:             owner.FileID,
		RequesterSessionID: requesterSessionID,
		RequesterUserID:    requesterUserID,
		OwnerSessionID:     owner.SessionID,
		TTL:                now.Add(a.ttl).Unix(),
		Seq:                a.seq.Next(),
		CreatedAt:          now.Unix(),
	}
	item, err := attributevalue.MarshalMap(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	rev, err := a.store.Put(ctx, a.table, item, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to save request: %w", err)
	}
	req.Rev = rev

	a.log.Info("edit requested",
		zap.String("file_id", req.FileID),
		zap.String("requester_session_id", requesterSessionID),
		zap.String("owner_session_id", owner.SessionID))
	return &req, nil
}

// GetRequest returns a live request, denied or not, or nil when there is none.
func (a *Arbiter) GetRequest(ctx context.Context, fileID, requesterSessionID string) (*model.EditRequest, error) {
	item, _, err := a.store.Get(ctx, a.table, store.Key{PK: fileID, SK: requesterSessionID}, true)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return decodeRequest(item)
}

// IsRequestAlive reports whether the request exists, has not expired and has
// not been denied.
func (a *Arbiter) IsRequestAlive(ctx context.Context, owner *model.Session, requesterSessionID string) (bool, error) {
	if owner == nil {
		return false, nil
	}
	req, err := a.GetRequest(ctx, owner.FileID, requesterSessionID)
	if err != nil {
		return false, err
	}
	return req != nil && !req.Denied, nil
}

// GetApplicantXSession picks the next lease holder for owner's file: the
// earliest live, non-denied request. Its row is removed and the requester
// session id returned; "" means nobody is waiting. A candidate taken by a
// concurrent arbitration is skipped.
func (a *Arbiter) GetApplicantXSession(ctx context.Context, owner *model.Session) (string, error) {
	if owner == nil {
		return "", nil
	}
	pending, err := a.GetAllPendingRequests(ctx, owner.FileID)
	if err != nil {
		return "", err
	}

	for _, req := range pending {
		err := a.store.Delete(ctx, a.table, store.Key{PK: req.FileID, SK: req.RequesterSessionID}, &store.Condition{
			Live:  true,
			Now:   a.store.Now().Unix(),
			Match: map[string]types.AttributeValue{"denied": store.Bool(false)},
		})
		if errors.Is(err, store.ErrConditionFailed) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to take request: %w", err)
		}
		a.log.Info("edit request granted",
			zap.String("file_id", req.FileID),
			zap.String("requester_session_id", req.RequesterSessionID))
		return req.RequesterSessionID, nil
	}
	return "", nil
}

// DenyRequest marks a request denied so its requester sees an explicit
// rejection.
func (a *Arbiter) DenyRequest(ctx context.Context, req *model.EditRequest) error {
	if req == nil {
		return ErrRequestNotFound
	}
	_, err := a.store.Update(ctx, a.table, store.Key{PK: req.FileID, SK: req.RequesterSessionID}, store.Update{
		Set:       map[string]types.AttributeValue{"denied": store.Bool(true)},
		Condition: &store.Condition{Live: true, Now: a.store.Now().Unix()},
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return ErrRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to deny request: %w", err)
	}
	return nil
}

// GetAllPendingRequests lists the live, non-denied requests of a file in
// arbitration order, leaving out the given requester sessions.
func (a *Arbiter) GetAllPendingRequests(ctx context.Context, fileID string, excluding ...string) ([]model.EditRequest, error) {
	all, err := a.list(ctx, fileID)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(excluding))
	for _, sid := range excluding {
		skip[sid] = true
	}

	pending := make([]model.EditRequest, 0, len(all))
	for _, req := range all {
		if req.Denied || skip[req.RequesterSessionID] {
			continue
		}
		pending = append(pending, req)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Before(&pending[j])
	})
	return pending, nil
}

// DeleteRequestsForFile clears the whole queue of a file.
func (a *Arbiter) DeleteRequestsForFile(ctx context.Context, fileID string) error {
	all, err := a.list(ctx, fileID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteWorkers)
	for _, req := range all {
		key := store.Key{PK: req.FileID, SK: req.RequesterSessionID}
		g.Go(func() error {
			return a.store.Delete(gctx, a.table, key, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to clear requests for %s: %w", fileID, err)
	}
	return nil
}

func (a *Arbiter) list(ctx context.Context, fileID string) ([]model.EditRequest, error) {
	items, err := a.store.Query(ctx, store.Query{Table: a.table, KeyValue: fileID, Consistent: true})
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	out := make([]model.EditRequest, 0, len(items))
	for _, item := range items {
		req, err := decodeRequest(item)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, nil
}

func decodeRequest(item store.Item) (*model.EditRequest, error) {
	var req model.EditRequest
	if err := attributevalue.UnmarshalMap(item, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &req, nil
}
