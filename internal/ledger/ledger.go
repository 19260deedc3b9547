// Package ledger tracks the unsaved and saved change batches of each session
// so in-flight edits can be recovered or discarded after a disconnect.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/jun/cadsync/internal/crypto"
	"github.com/jun/cadsync/internal/model"
	"github.com/jun/cadsync/internal/store"
)

// DefaultRetention is how long batches are kept.
const DefaultRetention = 30 * 24 * time.Hour

// ErrPayloadTooLarge is returned when a change cannot be sealed.
var ErrPayloadTooLarge = crypto.ErrPayloadTooLarge

// ErrNoCurrentBatch is returned by MarkSaved without a batch to save.
var ErrNoCurrentBatch = errors.New("no current change batch")

// ErrInvalidTransfer is returned by CopyToNewFile when both file ids match.
var ErrInvalidTransfer = errors.New("batches are already on the target file")

// Table describes the ChangeLedger table.
func Table(name string) store.Table {
	return store.Table{Name: name, PartitionKey: "file_id", SortKey: "batch_key"}
}

// CurrentKey is the sort key of a session's unsaved batch.
func CurrentKey(sessionID string) string {
	return sessionID + "#CURRENT"
}

func savedPrefix(sessionID string) string {
	return sessionID + "#SAVED#"
}

// Ledger records change batches per (file, session).
type Ledger struct {
	store     *store.Store
	table     store.Table
	retention time.Duration
	sealer    crypto.Sealer
	log       *zap.Logger
}

// New creates a Ledger. A nil sealer stores payloads in the clear.
func New(st *store.Store, table store.Table, retention time.Duration, sealer crypto.Sealer, log *zap.Logger) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: st, table: table, retention: retention, sealer: sealer, log: log}
}

// RecordCurrentChanges replaces the unsaved batch of a session.
func (l *Ledger) RecordCurrentChanges(ctx context.Context, fileID, sessionID string, changes []model.Change) (*model.ChangeBatch, error) {
	now := l.store.Now()
	batch := &model.ChangeBatch{
		FileID:    fileID,
		BatchKey:  CurrentKey(sessionID),
		SessionID: sessionID,
		Status:    model.BatchCurrent,
		Changes:   changes,
		UpdatedAt: now.Unix(),
		TTL:       now.Add(l.retention).Unix(),
	}
	if err := l.write(ctx, batch, nil); err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkSaved turns current into a new SAVED batch: the CURRENT row is deleted,
// then the SAVED row is written under a time-ordered key. SAVED rows are
// never overwritten.
func (l *Ledger) MarkSaved(ctx context.Context, current *model.ChangeBatch, sessionID string) (*model.ChangeBatch, error) {
	if current == nil {
		return nil, ErrNoCurrentBatch
	}
	if err := l.store.Delete(ctx, l.table, store.Key{PK: current.FileID, SK: CurrentKey(sessionID)}, nil); err != nil {
		return nil, fmt.Errorf("failed to delete current batch: %w", err)
	}

	now := l.store.Now()
	saved := &model.ChangeBatch{
		FileID:    current.FileID,
		BatchKey:  savedPrefix(sessionID) + ksuid.New().String(),
		SessionID: sessionID,
		Status:    model.BatchSaved,
		Changes:   current.Changes,
		UpdatedAt: now.Unix(),
		SavedAt:   now.Unix(),
		TTL:       now.Add(l.retention).Unix(),
	}
	if err := l.write(ctx, saved, &store.Condition{Vacant: true}); err != nil {
		return nil, err
	}
	l.log.Debug("changes saved",
		zap.String("file_id", saved.FileID),
		zap.String("batch_key", saved.BatchKey),
		zap.Int("changes", len(saved.Changes)))
	return saved, nil
}

// GetCurrentChanges returns the unsaved batch of a session, or nil.
func (l *Ledger) GetCurrentChanges(ctx context.Context, fileID, sessionID string) (*model.ChangeBatch, error) {
	item, _, err := l.store.Get(ctx, l.table, store.Key{PK: fileID, SK: CurrentKey(sessionID)}, true)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current batch: %w", err)
	}
	return l.decode(ctx, item)
}

// GetSavedChangesSince returns the SAVED batches of a session saved at or
// after since, oldest first.
func (l *Ledger) GetSavedChangesSince(ctx context.Context, fileID, sessionID string, since time.Time) ([]model.ChangeBatch, error) {
	items, err := l.store.Query(ctx, store.Query{
		Table:      l.table,
		KeyValue:   fileID,
		SortPrefix: savedPrefix(sessionID),
		Consistent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query saved batches: %w", err)
	}

	var out []model.ChangeBatch
	for _, item := range items {
		b, err := l.decode(ctx, item)
		if err != nil {
			return nil, err
		}
		if b.SavedAt < since.Unix() {
			continue
		}
		out = append(out, *b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SavedAt != out[j].SavedAt {
			return out[i].SavedAt < out[j].SavedAt
		}
		return out[i].BatchKey < out[j].BatchKey
	})
	return out, nil
}

// CopyToNewFile re-keys every batch of a session from oldFileID to
// newFileID. All copies are written before any original is removed.
func (l *Ledger) CopyToNewFile(ctx context.Context, newFileID, oldFileID, sessionID string) error {
	if newFileID == oldFileID {
		return fmt.Errorf("%w: %s", ErrInvalidTransfer, newFileID)
	}
	items, err := l.store.Query(ctx, store.Query{
		Table:      l.table,
		KeyValue:   oldFileID,
		SortPrefix: sessionID + "#",
		Consistent: true,
	})
	if err != nil {
		return fmt.Errorf("failed to query batches: %w", err)
	}

	for _, item := range items {
		moved := maps.Clone(item)
		moved["file_id"] = store.S(newFileID)
		if _, err := l.store.Put(ctx, l.table, moved, nil); err != nil {
			return fmt.Errorf("failed to copy batch: %w", err)
		}
	}
	for _, item := range items {
		key := store.Key{PK: oldFileID, SK: item.String("batch_key")}
		if err := l.store.Delete(ctx, l.table, key, nil); err != nil {
			return fmt.Errorf("failed to delete copied batch: %w", err)
		}
	}
	return nil
}

// DiscardCurrent drops the unsaved batch of a session.
func (l *Ledger) DiscardCurrent(ctx context.Context, fileID, sessionID string) error {
	if err := l.store.Delete(ctx, l.table, store.Key{PK: fileID, SK: CurrentKey(sessionID)}, nil); err != nil {
		return fmt.Errorf("failed to discard current batch: %w", err)
	}
	return nil
}

func scope(sessionID string) map[string]string {
	return map[string]string{"session_id": sessionID}
}

func (l *Ledger) write(ctx context.Context, batch *model.ChangeBatch, cond *store.Condition) error {
	stored := *batch
	if l.sealer != nil {
		stored.Changes = make([]model.Change, len(batch.Changes))
		for i, c := range batch.Changes {
			if !c.Sealed && c.Payload != "" {
				sealed, err := l.sealer.Seal(ctx, c.Payload, scope(batch.SessionID))
				if err != nil {
					return fmt.Errorf("change %d: %w", c.Seq, err)
				}
				c.Payload = sealed
				c.Sealed = true
			}
			stored.Changes[i] = c
		}
	}

	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	rev, err := l.store.Put(ctx, l.table, item, cond)
	if err != nil {
		return fmt.Errorf("failed to put batch: %w", err)
	}
	batch.Rev = rev
	return nil
}

func (l *Ledger) decode(ctx context.Context, item store.Item) (*model.ChangeBatch, error) {
	var b model.ChangeBatch
	if err := attributevalue.UnmarshalMap(item, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	for i, c := range b.Changes {
		if !c.Sealed {
			continue
		}
		if l.sealer == nil {
			return nil, fmt.Errorf("batch %s holds sealed changes but no sealer is configured", b.BatchKey)
		}
		plain, err := l.sealer.Open(ctx, c.Payload, scope(b.SessionID))
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		b.Changes[i].Payload = plain
		b.Changes[i].Sealed = false
	}
	return &b, nil
}
