// Package notify fans out edit-access events to interested listeners.
package notify

import (
	"context"
	"time"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

// Topic is the bus topic all access events are published on.
const Topic = "edit-access"

// Kind names an access event.
type Kind string

const (
	// AccessRequested tells a lease holder someone wants to edit.
	AccessRequested Kind = "ACCESS_REQUESTED"
	// AccessGranted tells a requester it now holds the lease.
	AccessGranted Kind = "ACCESS_GRANTED"
	// AccessDenied tells a requester the holder refused.
	AccessDenied Kind = "ACCESS_DENIED"
	// LeaseAvailable tells waiting requesters the file has no editor.
	LeaseAvailable Kind = "LEASE_AVAILABLE"
	// HolderChanged tells waiting requesters the lease went to someone else
	// and their request was dropped.
	HolderChanged Kind = "HOLDER_CHANGED"
)

// Event is one access change addressed to a session.
type Event struct {
	Kind           Kind      `json:"kind"`
	FileID         string    `json:"file_id"`
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	ActorSessionID string    `json:"actor_session_id,omitempty"`
	ActorName      string    `json:"actor_name,omitempty"`
	At             time.Time `json:"at"`
}

// Notifier accepts access events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Bus is an in-process Notifier backed by EventBus.
type Bus struct {
	bus EventBus.Bus
	log *zap.Logger
}

// NewBus creates an empty Bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{bus: EventBus.New(), log: log}
}

// Notify publishes e to every subscriber.
func (b *Bus) Notify(_ context.Context, e Event) error {
	b.log.Debug("access event",
		zap.String("kind", string(e.Kind)),
		zap.String("file_id", e.FileID),
		zap.String("session_id", e.SessionID))
	b.bus.Publish(Topic, e)
	return nil
}

// Subscribe registers fn to run synchronously on every event.
func (b *Bus) Subscribe(fn func(Event)) error {
	return b.bus.Subscribe(Topic, fn)
}

// SubscribeAsync registers fn to run on its own goroutine for every event.
func (b *Bus) SubscribeAsync(fn func(Event)) error {
	return b.bus.SubscribeAsync(Topic, fn, false)
}

// Wait blocks until asynchronous subscribers are done.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
