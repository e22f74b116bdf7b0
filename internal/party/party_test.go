package party

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/registry"
	"github.com/galeforge/fulcrum-registry/internal/store"
)

type fakeCallbacks struct {
	dispatched  []string
	disconnects []string
	provisions  int
	retried     []model.PlayerRequestContext
}

func (f *fakeCallbacks) DispatchWithReservation(ctx context.Context, req model.PlayerSlotRequest, serverID, slotID, token string) error {
	f.dispatched = append(f.dispatched, req.PlayerID)
	return nil
}

func (f *fakeCallbacks) SendDisconnect(ctx context.Context, playerID, proxyID, reason string) error {
	f.disconnects = append(f.disconnects, playerID+":"+reason)
	return nil
}

func (f *fakeCallbacks) TriggerProvision(ctx context.Context, familyID string, metadata map[string]string) {
	f.provisions++
}

func (f *fakeCallbacks) EnqueueContext(ctx context.Context, pctx model.PlayerRequestContext) error {
	return nil
}

func (f *fakeCallbacks) RetryRequest(ctx context.Context, pctx model.PlayerRequestContext) error {
	f.retried = append(f.retried, pctx)
	return nil
}

func setup(t *testing.T) (*Coordinator, *registry.Registry, store.Store, *fakeCallbacks) {
	t.Helper()
	s := store.NewFakeStore()
	reg := registry.New(s, zerolog.Nop())
	cb := &fakeCallbacks{}
	return New(reg, s, cb, zerolog.Nop()), reg, s, cb
}

func registerSlot(t *testing.T, reg *registry.Registry, ctx context.Context, serverID, suffix, family string, maxPlayers int) *model.LogicalSlot {
	t.Helper()
	_, err := reg.Register(ctx, &model.Backend{ID: serverID})
	require.NoError(t, err)
	slot := &model.LogicalSlot{
		SlotID:     serverID + "#" + suffix,
		ServerID:   serverID,
		Suffix:     suffix,
		FamilyID:   family,
		Status:     model.SlotAvailable,
		MaxPlayers: maxPlayers,
		Metadata:   map[string]string{"family": family},
	}
	reg.PutSlot(slot)
	return slot
}

func TestCoordinator_HandleReservationCreated_AllocatesEligibleSlot(t *testing.T) {
	ctx := context.Background()
	c, reg, s, cb := setup(t)
	registerSlot(t, reg, ctx, "srv-1", "1", "duel", 4)

	snap := model.PartyReservationSnapshot{
		ReservationID: "r1", FamilyID: "duel", PartySize: 2,
		Tokens: map[string]string{"p1": "tok1", "p2": "tok2"},
	}
	require.NoError(t, c.HandleReservationCreated(ctx, snap))

	alloc, err := s.GetPartyAllocation(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, alloc)
	require.Equal(t, "srv-1#1", alloc.SlotID)
	require.Equal(t, 0, alloc.TeamIndex)

	occ, err := s.GetOccupancy(ctx, "srv-1#1")
	require.NoError(t, err)
	require.Equal(t, 2, occ)
	require.Equal(t, 1, cb.provisions)
}

func TestCoordinator_HandleReservationCreated_NoSlotEnqueuesAndProvisions(t *testing.T) {
	ctx := context.Background()
	c, _, s, cb := setup(t)

	snap := model.PartyReservationSnapshot{ReservationID: "r1", FamilyID: "duel", PartySize: 2}
	require.NoError(t, c.HandleReservationCreated(ctx, snap))

	polled, err := s.PollPartyReservation(ctx, "duel")
	require.NoError(t, err)
	require.NotNil(t, polled)
	require.Equal(t, "r1", polled.ReservationID)
	require.Equal(t, 1, cb.provisions)
}

func TestCoordinator_HandlePartyPlayerRequest_TokenMissingDisconnects(t *testing.T) {
	ctx := context.Background()
	c, reg, _, cb := setup(t)
	registerSlot(t, reg, ctx, "srv-1", "1", "duel", 4)

	snap := model.PartyReservationSnapshot{
		ReservationID: "r1", FamilyID: "duel", PartySize: 1,
		Tokens: map[string]string{"p1": "tok1"},
	}
	require.NoError(t, c.HandleReservationCreated(ctx, snap))

	req := model.PlayerSlotRequest{PlayerID: "p-unknown", ProxyID: "proxy-1"}
	handled, err := c.HandlePartyPlayerRequest(ctx, model.PlayerRequestContext{Request: req}, "r1")
	require.NoError(t, err)
	require.True(t, handled)
	require.Contains(t, cb.disconnects, "p-unknown:party-token-missing")
}

func TestCoordinator_HandlePartyPlayerRequest_DispatchesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, reg, _, cb := setup(t)
	registerSlot(t, reg, ctx, "srv-1", "1", "duel", 4)

	snap := model.PartyReservationSnapshot{
		ReservationID: "r1", FamilyID: "duel", PartySize: 1,
		Tokens: map[string]string{"p1": "tok1"},
	}
	require.NoError(t, c.HandleReservationCreated(ctx, snap))

	req := model.PlayerSlotRequest{PlayerID: "p1", ProxyID: "proxy-1"}
	handled, err := c.HandlePartyPlayerRequest(ctx, model.PlayerRequestContext{Request: req}, "r1")
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, []string{"p1"}, cb.dispatched)

	// Second dispatch for the same player is a no-op, not a re-dispatch.
	handled, err = c.HandlePartyPlayerRequest(ctx, model.PlayerRequestContext{Request: req}, "r1")
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, []string{"p1"}, cb.dispatched)
}

func TestCoordinator_HandleRouteAck_ReleasesWhenAllAcked(t *testing.T) {
	ctx := context.Background()
	c, reg, s, _ := setup(t)
	registerSlot(t, reg, ctx, "srv-1", "1", "duel", 4)

	snap := model.PartyReservationSnapshot{
		ReservationID: "r1", FamilyID: "duel", PartySize: 1,
		Tokens: map[string]string{"p1": "tok1"},
	}
	require.NoError(t, c.HandleReservationCreated(ctx, snap))
	_, err := c.HandlePartyPlayerRequest(ctx, model.PlayerRequestContext{Request: model.PlayerSlotRequest{PlayerID: "p1"}}, "r1")
	require.NoError(t, err)

	require.NoError(t, c.HandleRouteAck(ctx, "r1", "p1"))

	alloc, err := s.GetPartyAllocation(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, alloc, "allocation should be released once fully acked")

	occ, err := s.GetOccupancy(ctx, "srv-1#1")
	require.NoError(t, err)
	require.Equal(t, 0, occ)
}

func TestCoordinator_HandleReservationClaimed_DisconnectsFailedClaimantsOnRelease(t *testing.T) {
	ctx := context.Background()
	c, reg, s, cb := setup(t)
	registerSlot(t, reg, ctx, "srv-1", "1", "duel", 4)

	snap := model.PartyReservationSnapshot{
		ReservationID: "r1", FamilyID: "duel", PartySize: 2,
		Tokens: map[string]string{"p1": "tok1", "p2": "tok2"},
	}
	require.NoError(t, c.HandleReservationCreated(ctx, snap))

	require.NoError(t, c.HandleReservationClaimed(ctx, "r1", "p1", true))
	require.NoError(t, c.HandleReservationClaimed(ctx, "r1", "p2", false))

	alloc, err := s.GetPartyAllocation(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, alloc, "allocation should be released once every claim is in")
	require.Contains(t, cb.disconnects, "p2:party-claim-failed")
	require.NotContains(t, cb.disconnects, "p1:party-claim-failed")
}

func TestCoordinator_ProcessPendingReservationsPreservesOrder(t *testing.T) {
	ctx := context.Background()
	c, reg, s, _ := setup(t)
	slot := registerSlot(t, reg, ctx, "srv-1", "1", "duel", 2)

	big := model.PartyReservationSnapshot{ReservationID: "big", FamilyID: "duel", PartySize: 5}
	small := model.PartyReservationSnapshot{ReservationID: "small", FamilyID: "duel", PartySize: 1}
	require.NoError(t, s.EnqueuePartyReservation(ctx, "duel", big))
	require.NoError(t, s.EnqueuePartyReservation(ctx, "duel", small))

	require.NoError(t, c.ProcessPendingReservations(ctx, "duel", slot))

	alloc, err := s.GetPartyAllocation(ctx, "small")
	require.NoError(t, err)
	require.NotNil(t, alloc, "small party should have been allocated onto the 2-seat slot")

	remaining, err := s.PollPartyReservation(ctx, "duel")
	require.NoError(t, err)
	require.NotNil(t, remaining)
	require.Equal(t, "big", remaining.ReservationID, "oversized party should be deferred, not dropped")
}
