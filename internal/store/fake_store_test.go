package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/galeforge/fulcrum-registry/internal/model"
)

func TestFakeStore_ReserveReleaseFamilyCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()
	s.SeedFamilyCapacity("srv-1", "family-a", 2)

	remaining, err := s.ReserveFamilyCapacity(ctx, "srv-1", "family-a")
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	remaining, err = s.ReserveFamilyCapacity(ctx, "srv-1", "family-a")
	require.NoError(t, err)
	require.Equal(t, 0, remaining)

	remaining, err = s.ReserveFamilyCapacity(ctx, "srv-1", "family-a")
	require.NoError(t, err)
	require.Equal(t, NoCapacity, remaining)

	remaining, err = s.ReleaseFamilyCapacity(ctx, "srv-1", "family-a")
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	servers, err := s.ServersForFamily(ctx, "family-a")
	require.NoError(t, err)
	require.Equal(t, []string{"srv-1"}, servers)
}

func TestFakeStore_OccupancyNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	v, err := s.DecrementOccupancy(ctx, "slot-1")
	require.NoError(t, err)
	require.Equal(t, 0, v)

	v, err = s.IncrementOccupancy(ctx, "slot-1")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = s.DecrementOccupancy(ctx, "slot-1")
	require.NoError(t, err)
	require.Equal(t, 0, v)
}

func TestFakeStore_ActiveSlotTracksPreviousAndEviction(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	prev, err := s.SetActiveSlot(ctx, "player-1", "slot-a")
	require.NoError(t, err)
	require.Empty(t, prev)

	prev, err = s.SetActiveSlot(ctx, "player-1", "slot-b")
	require.NoError(t, err)
	require.Equal(t, "slot-a", prev)

	evicted, err := s.RemoveActivePlayersForSlot(ctx, "slot-b")
	require.NoError(t, err)
	require.Equal(t, []string{"player-1"}, evicted)

	cur, err := s.GetActiveSlot(ctx, "player-1")
	require.NoError(t, err)
	require.Empty(t, cur)
}

func TestFakeStore_RecentSlotsTrimByAgeAndCount(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PushRecentSlot(ctx, "player-1", "slot-old", base))
	require.NoError(t, s.PushRecentSlot(ctx, "player-1", "slot-mid", base.Add(time.Minute)))
	require.NoError(t, s.PushRecentSlot(ctx, "player-1", "slot-new", base.Add(2*time.Minute)))

	require.NoError(t, s.TrimRecentSlots(ctx, "player-1", base.Add(2*time.Minute), 90*time.Second, 10))

	slots, err := s.GetRecentSlots(ctx, "player-1", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"slot-new", "slot-mid"}, slots)
}

func TestFakeStore_PartyReservationQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	first := model.PartyReservationSnapshot{ReservationID: "r1", FamilyID: "family-a", PartySize: 2}
	second := model.PartyReservationSnapshot{ReservationID: "r2", FamilyID: "family-a", PartySize: 3}

	require.NoError(t, s.EnqueuePartyReservation(ctx, "family-a", first))
	require.NoError(t, s.EnqueuePartyReservation(ctx, "family-a", second))

	polled, err := s.PollPartyReservation(ctx, "family-a")
	require.NoError(t, err)
	require.Equal(t, "r1", polled.ReservationID)

	polled, err = s.PollPartyReservation(ctx, "family-a")
	require.NoError(t, err)
	require.Equal(t, "r2", polled.ReservationID)

	polled, err = s.PollPartyReservation(ctx, "family-a")
	require.NoError(t, err)
	require.Nil(t, polled)
}

func TestFakeStore_PartyAllocationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	alloc := model.PartyReservationAllocation{
		Snapshot:   model.PartyReservationSnapshot{ReservationID: "r1", PartySize: 2},
		ServerID:   "srv-1",
		SlotID:     "slot-1",
		Dispatched: map[string]struct{}{"p1": {}},
		Claims:     map[string]bool{"p1": true, "p2": true},
	}
	require.NoError(t, s.SavePartyAllocation(ctx, alloc))

	got, err := s.GetPartyAllocation(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "slot-1", got.SlotID)
	require.True(t, got.AllClaimsIn())
	require.True(t, got.AllClaimsSuccessful())

	all, err := s.GetPartyAllocations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.RemovePartyAllocation(ctx, "r1"))
	got, err = s.GetPartyAllocation(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFakeStore_MatchRosterRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	roster := model.MatchRoster{SlotID: "slot-1", MatchID: "m1", Players: []string{"p1", "p2"}}
	require.NoError(t, s.StoreMatchRoster(ctx, roster))

	got, err := s.GetMatchRoster(ctx, "slot-1")
	require.NoError(t, err)
	require.Equal(t, roster.MatchID, got.MatchID)

	removed, err := s.RemoveMatchRoster(ctx, "slot-1")
	require.NoError(t, err)
	require.Equal(t, roster.MatchID, removed.MatchID)

	got, err = s.GetMatchRoster(ctx, "slot-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFakeStore_ZSetExpiryQueries(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	require.NoError(t, s.ZAdd(ctx, "expiry:shutdown", "ticket-1", 100))
	require.NoError(t, s.ZAdd(ctx, "expiry:shutdown", "ticket-2", 200))

	due, err := s.ZRangeByScore(ctx, "expiry:shutdown", 150, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"ticket-1"}, due)

	require.NoError(t, s.ZRem(ctx, "expiry:shutdown", "ticket-1"))
	due, err = s.ZRangeByScore(ctx, "expiry:shutdown", 150, 0)
	require.NoError(t, err)
	require.Empty(t, due)
}
