package request

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/cadsync/internal/model"
	"github.com/jun/cadsync/internal/store"
)

type fixture struct {
	arb   *Arbiter
	mem   *store.Memory
	clock *testclock.Clock
	owner *model.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory()
	st := store.New(mem, store.Options{Clock: clk, Retry: store.RetryPolicy{Attempts: 1}})
	return &fixture{
		arb:   NewArbiter(st, Table("EditRequests"), 5*time.Minute, NewSequencer(nil), nil),
		mem:   mem,
		clock: clk,
		owner: &model.Session{FileID: "F1", SessionID: "A", UserID: "alice", Mode: model.ModeEdit},
	}
}

func TestSaveRequest_IsAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.arb.SaveRequest(ctx, f.owner, "bob", "B")
	require.NoError(t, err)
	assert.Equal(t, "F1", req.FileID)
	assert.Equal(t, "A", req.OwnerSessionID)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute).Unix(), req.TTL)

	alive, err := f.arb.IsRequestAlive(ctx, f.owner, "B")
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = f.arb.IsRequestAlive(ctx, f.owner, "nobody")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestSaveRequest_OwnerCannotRequestItself(t *testing.T) {
	f := newFixture(t)

	_, err := f.arb.SaveRequest(context.Background(), f.owner, "alice", "A")
	assert.ErrorIs(t, err, ErrSelfRequest)
}

func TestDenyRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.arb.SaveRequest(ctx, f.owner, "bob", "B")
	require.NoError(t, err)
	require.NoError(t, f.arb.DenyRequest(ctx, req))

	alive, err := f.arb.IsRequestAlive(ctx, f.owner, "B")
	require.NoError(t, err)
	assert.False(t, alive)

	got, err := f.arb.GetRequest(ctx, "F1", "B")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Denied, "denied rows stay visible to the requester")

	pending, err := f.arb.GetAllPendingRequests(ctx, "F1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Asking again clears the denial.
	_, err = f.arb.SaveRequest(ctx, f.owner, "bob", "B")
	require.NoError(t, err)
	alive, _ = f.arb.IsRequestAlive(ctx, f.owner, "B")
	assert.True(t, alive)
}

func TestDenyRequest_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.arb.SaveRequest(ctx, f.owner, "bob", "B")
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	assert.ErrorIs(t, f.arb.DenyRequest(ctx, req), ErrRequestNotFound)
}

func TestExpiredRequestIsNotAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.arb.SaveRequest(ctx, f.owner, "bob", "B")
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	alive, err := f.arb.IsRequestAlive(ctx, f.owner, "B")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestGetApplicantXSession_PicksSmallestTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, sid := range []string{"B", "C", "D"} {
		_, err := f.arb.SaveRequest(ctx, f.owner, "user-"+sid, sid)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Second)
	}
	// C is denied, so B then D.
	c, err := f.arb.GetRequest(ctx, "F1", "C")
	require.NoError(t, err)
	require.NoError(t, f.arb.DenyRequest(ctx, c))

	winner, err := f.arb.GetApplicantXSession(ctx, f.owner)
	require.NoError(t, err)
	assert.Equal(t, "B", winner)
	_, ok := f.mem.Raw(Table("EditRequests"), store.Key{PK: "F1", SK: "B"})
	assert.False(t, ok, "winning row is removed")
	assert.Equal(t, 2, f.mem.Len(Table("EditRequests")), "only the winner is removed")

	winner, err = f.arb.GetApplicantXSession(ctx, f.owner)
	require.NoError(t, err)
	assert.Equal(t, "D", winner)

	winner, err = f.arb.GetApplicantXSession(ctx, f.owner)
	require.NoError(t, err)
	assert.Empty(t, winner)
}

func TestGetApplicantXSession_TieBrokenBySequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Same clock second, so equal ttl.
	for _, sid := range []string{"Z", "Y", "X"} {
		_, err := f.arb.SaveRequest(ctx, f.owner, "u", sid)
		require.NoError(t, err)
	}

	for _, want := range []string{"Z", "Y", "X"} {
		got, err := f.arb.GetApplicantXSession(ctx, f.owner)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestGetApplicantXSession_SkipsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.arb.SaveRequest(ctx, f.owner, "bob", "B")
	require.NoError(t, err)
	f.clock.Advance(4 * time.Minute)
	_, err = f.arb.SaveRequest(ctx, f.owner, "carol", "C")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	winner, err := f.arb.GetApplicantXSession(ctx, f.owner)
	require.NoError(t, err)
	assert.Equal(t, "C", winner)
}

func TestGetApplicantXSession_SkipsCandidateTakenConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.arb.SaveRequest(ctx, f.owner, "bob", "B")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.arb.SaveRequest(ctx, f.owner, "carol", "C")
	require.NoError(t, err)

	// Another node removes B between our query and our delete.
	f.mem.Fault = func(op string, tbl store.Table) error {
		if op == "delete" {
			f.mem.Fault = nil
			_ = f.mem.Delete(ctx, tbl, store.Key{PK: "F1", SK: "B"}, nil)
		}
		return nil
	}

	winner, err := f.arb.GetApplicantXSession(ctx, f.owner)
	require.NoError(t, err)
	assert.Equal(t, "C", winner)
}

func TestGetAllPendingRequests_Excluding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, sid := range []string{"B", "C", "D"} {
		_, err := f.arb.SaveRequest(ctx, f.owner, "u", sid)
		require.NoError(t, err)
	}

	pending, err := f.arb.GetAllPendingRequests(ctx, "F1", "C")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "B", pending[0].RequesterSessionID)
	assert.Equal(t, "D", pending[1].RequesterSessionID)
}

func TestDeleteRequestsForFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := f.arb.SaveRequest(ctx, f.owner, "u", fmt.Sprintf("S%02d", i))
		require.NoError(t, err)
	}
	other := &model.Session{FileID: "F2", SessionID: "O"}
	_, err := f.arb.SaveRequest(ctx, other, "u", "keep")
	require.NoError(t, err)

	require.NoError(t, f.arb.DeleteRequestsForFile(ctx, "F1"))

	pending, err := f.arb.GetAllPendingRequests(ctx, "F1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, f.mem.Len(Table("EditRequests")))
}

func TestSequencer_StrictlyIncreasing(t *testing.T) {
	clk := testclock.NewClock(time.Unix(100, 0))
	seq := NewSequencer(clk)

	prev := seq.Next()
	for i := 0; i < 100; i++ {
		next := seq.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}
