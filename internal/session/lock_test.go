package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/jun/cadsync/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	st := store.New(store.NewMemory(), store.Options{
		Clock: clk,
		Retry: store.RetryPolicy{Attempts: 1},
	})
	return st, clk
}

func newTestLeases(t *testing.T) (*LeaseManager, *testclock.Clock) {
	st, clk := newTestStore(t)
	return NewLeaseManager(st, LeaseTable("EditLeases")), clk
}

func TestLeaseManager_ClaimAndRelease(t *testing.T) {
	m, _ := newTestLeases(t)
	ctx := context.Background()

	l, err := m.Claim(ctx, "file1", "s1", "user1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if l.FileID != "file1" || l.SessionID != "s1" || l.UserID != "user1" {
		t.Errorf("Lease mismatch: got %+v", l)
	}
	if l.Rev == "" {
		t.Error("Expected a revision marker on the lease")
	}

	if err := m.Release(ctx, "file1", "s1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	holder, _ := m.Holder(ctx, "file1")
	if holder != nil {
		t.Error("Expected no holder after release")
	}
}

func TestLeaseManager_DoubleClaim_SameSession(t *testing.T) {
	m, clk := newTestLeases(t)
	ctx := context.Background()

	first, err := m.Claim(ctx, "file1", "s1", "user1", 5*time.Minute)
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	clk.Advance(time.Minute)
	renewed, err := m.Claim(ctx, "file1", "s1", "user1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Same session should be able to renew: %v", err)
	}
	if renewed.TTL <= first.TTL {
		t.Errorf("Expected renewal to extend ttl: first=%d, renewed=%d", first.TTL, renewed.TTL)
	}
}

func TestLeaseManager_DoubleClaim_DifferentSession(t *testing.T) {
	m, _ := newTestLeases(t)
	ctx := context.Background()

	if _, err := m.Claim(ctx, "file1", "s1", "user1", 5*time.Minute); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	_, err := m.Claim(ctx, "file1", "s2", "user2", 5*time.Minute)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("Expected *LockedError, got %v", err)
	}
	if locked.OwnerUserID != "user1" || locked.OwnerSessionID != "s1" {
		t.Errorf("Expected owner user1/s1, got %s/%s", locked.OwnerUserID, locked.OwnerSessionID)
	}
	if !errors.Is(err, ErrForbidden) {
		t.Error("Expected LockedError to match ErrForbidden")
	}
}

func TestLeaseManager_ExpiredLease(t *testing.T) {
	m, clk := newTestLeases(t)
	ctx := context.Background()

	if _, err := m.Claim(ctx, "file1", "s1", "user1", time.Minute); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	clk.Advance(2 * time.Minute)

	holder, err := m.Holder(ctx, "file1")
	if err != nil {
		t.Fatalf("Holder failed: %v", err)
	}
	if holder != nil {
		t.Errorf("Expected expired lease to be invisible, got %+v", holder)
	}

	if _, err := m.Claim(ctx, "file1", "s2", "user2", time.Minute); err != nil {
		t.Errorf("Should claim expired lease: %v", err)
	}
}

func TestLeaseManager_ReleaseByOtherSessionKeepsLease(t *testing.T) {
	m, _ := newTestLeases(t)
	ctx := context.Background()

	m.Claim(ctx, "file1", "s1", "user1", 5*time.Minute)

	if err := m.Release(ctx, "file1", "s2"); err != nil {
		t.Fatalf("Release by non-holder should not fail: %v", err)
	}
	holder, _ := m.Holder(ctx, "file1")
	if holder == nil || holder.SessionID != "s1" {
		t.Errorf("Expected s1 to keep the lease, got %+v", holder)
	}

	if err := m.Release(ctx, "nonexistent", "s1"); err != nil {
		t.Errorf("Releasing a missing lease should not fail: %v", err)
	}
}

func TestLeaseManager_List(t *testing.T) {
	m, clk := newTestLeases(t)
	ctx := context.Background()

	m.Claim(ctx, "file1", "s1", "user1", time.Minute)
	m.Claim(ctx, "file2", "s2", "user2", time.Hour)
	clk.Advance(2 * time.Minute)

	leases, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(leases) != 1 || leases[0].FileID != "file2" {
		t.Errorf("Expected only file2's lease, got %+v", leases)
	}
}
