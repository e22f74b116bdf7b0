package routing

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/galeforge/fulcrum-registry/internal/bus"
	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/party"
	"github.com/galeforge/fulcrum-registry/internal/provision"
	"github.com/galeforge/fulcrum-registry/internal/registry"
	"github.com/galeforge/fulcrum-registry/internal/store"
	"github.com/galeforge/fulcrum-registry/internal/tracker"
)

type fakeTickets struct{ tickets map[string]*model.ShutdownTicket }

func (f *fakeTickets) ConsumeTicketForPlayer(playerID string) (*model.ShutdownTicket, bool) {
	t, ok := f.tickets[playerID]
	return t, ok
}

func newService(t *testing.T, cfg Config) (*Service, *registry.Registry, store.Store, *bus.FakeTransport) {
	t.Helper()
	s := store.NewFakeStore()
	reg := registry.New(s, zerolog.Nop())
	transport := bus.NewFakeTransport()
	trk := tracker.New(s, 24*time.Hour, 20)
	prov := provision.New(reg, s, transport, func() string { return "req-1" }, zerolog.Nop())
	tickets := &fakeTickets{tickets: map[string]*model.ShutdownTicket{}}

	svc := New(reg, s, transport, trk, prov, tickets, cfg, zerolog.Nop())
	coord := party.New(reg, s, svc, zerolog.Nop())
	svc.SetParty(coord)
	return svc, reg, s, transport
}

func registerSlot(t *testing.T, reg *registry.Registry, ctx context.Context, s store.Store, serverID, suffix, family string, maxPlayers int) *model.LogicalSlot {
	t.Helper()
	_, err := reg.Register(ctx, &model.Backend{ID: serverID, Status: model.BackendRunning})
	require.NoError(t, err)
	slot := &model.LogicalSlot{
		SlotID: serverID + "#" + suffix, ServerID: serverID, Suffix: suffix,
		FamilyID: family, Status: model.SlotAvailable, MaxPlayers: maxPlayers,
	}
	reg.PutSlot(slot)
	require.NoError(t, s.StoreSlot(ctx, slot))
	return slot
}

func TestService_HandlePlayerSlotRequest_DispatchesToFittingSlot(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	svc, reg, s, transport := newService(t, cfg)
	registerSlot(t, reg, ctx, s, "srv-1", "1", "duel", 4)

	req := model.PlayerSlotRequest{PlayerID: "p1", FamilyID: "duel", ProxyID: "proxy-1"}
	require.NoError(t, svc.HandlePlayerSlotRequest(ctx, req))

	occ, err := s.GetOccupancy(ctx, "srv-1#1")
	require.NoError(t, err)
	require.Equal(t, 1, occ)

	msgs := transport.Published(bus.PlayerRouteChannel("proxy-1"))
	require.Len(t, msgs, 1)
	var cmd RouteCommand
	require.NoError(t, msgs[0].DecodePayload(&cmd))
	require.Equal(t, "srv-1#1", cmd.SlotID)
	require.False(t, cmd.PreReserved)
}

func TestService_HandlePlayerSlotRequest_NoCapacityEnqueuesAndProvisions(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	svc, _, _, _ := newService(t, cfg)

	req := model.PlayerSlotRequest{PlayerID: "p1", FamilyID: "duel", ProxyID: "proxy-1"}
	require.NoError(t, svc.HandlePlayerSlotRequest(ctx, req))

	svc.mu.Lock()
	q := svc.familyQueues["duel"]
	svc.mu.Unlock()
	require.Len(t, q, 1)
	require.Equal(t, "p1", q[0].Request.PlayerID)
}

func TestService_HandlePlayerSlotRequest_ExceedsRetriesDisconnectsNoCapacity(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxRoutingRetries = 0
	svc, _, _, transport := newService(t, cfg)

	req := model.PlayerSlotRequest{PlayerID: "p1", FamilyID: "duel", ProxyID: "proxy-1"}
	require.NoError(t, svc.HandlePlayerSlotRequest(ctx, req))

	msgs := transport.Published(bus.PlayerRouteChannel("proxy-1"))
	require.Len(t, msgs, 1)
	var cmd RouteCommand
	require.NoError(t, msgs[0].DecodePayload(&cmd))
	require.Equal(t, "no-capacity", cmd.Reason)
}

func TestService_PreferredSlotSurvivesRecentHistory(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	svc, reg, s, transport := newService(t, cfg)
	slotA := registerSlot(t, reg, ctx, s, "srv-1", "1", "duel", 4)
	registerSlot(t, reg, ctx, s, "srv-2", "1", "duel", 4)

	require.NoError(t, s.PushRecentSlot(ctx, "p1", slotA.SlotID, time.Now()))

	req := model.PlayerSlotRequest{PlayerID: "p1", FamilyID: "duel", ProxyID: "proxy-1", PreferredSlotID: slotA.SlotID}
	require.NoError(t, svc.HandlePlayerSlotRequest(ctx, req))

	msgs := transport.Published(bus.PlayerRouteChannel("proxy-1"))
	require.Len(t, msgs, 1)
	var cmd RouteCommand
	require.NoError(t, msgs[0].DecodePayload(&cmd))
	require.Equal(t, slotA.SlotID, cmd.SlotID, "a preferred slot should survive soft recent-history exclusion")
}

func TestService_HandlePlayerRouteNack_BlocksSlotAndRetries(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	svc, reg, s, transport := newService(t, cfg)
	slotA := registerSlot(t, reg, ctx, s, "srv-1", "1", "duel", 4)
	slotB := registerSlot(t, reg, ctx, s, "srv-2", "1", "duel", 4)
	_ = slotB

	req := model.PlayerSlotRequest{PlayerID: "p1", FamilyID: "duel", ProxyID: "proxy-1"}
	require.NoError(t, svc.HandlePlayerSlotRequest(ctx, req))

	msgs := transport.Published(bus.PlayerRouteChannel("proxy-1"))
	require.Len(t, msgs, 1)
	var first RouteCommand
	require.NoError(t, msgs[0].DecodePayload(&first))

	require.NoError(t, svc.HandlePlayerRouteNack(ctx, "p1", first.SlotID, "server-full"))

	occA, err := s.GetOccupancy(ctx, slotA.SlotID)
	require.NoError(t, err)
	occB, err := s.GetOccupancy(ctx, slotB.SlotID)
	require.NoError(t, err)
	require.Equal(t, 1, occA+occB, "exactly one slot should hold the retried reservation")

	msgs = transport.Published(bus.PlayerRouteChannel("proxy-1"))
	require.Len(t, msgs, 2, "the nack retry should have issued a second route command")
	var second RouteCommand
	require.NoError(t, msgs[1].DecodePayload(&second))
	require.NotEqual(t, first.SlotID, second.SlotID, "a nacked slot must not be retried")
}

func TestService_HandleSlotStatusUpdate_DrainsWaitingSolo(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	svc, reg, _, transport := newService(t, cfg)

	req := model.PlayerSlotRequest{PlayerID: "p1", FamilyID: "duel", ProxyID: "proxy-1"}
	require.NoError(t, svc.HandlePlayerSlotRequest(ctx, req))

	svc.mu.Lock()
	require.Len(t, svc.familyQueues["duel"], 1)
	svc.mu.Unlock()

	_, err := reg.Register(ctx, &model.Backend{ID: "srv-1", Status: model.BackendRunning})
	require.NoError(t, err)
	slot := &model.LogicalSlot{SlotID: "srv-1#1", ServerID: "srv-1", Suffix: "1", FamilyID: "duel", Status: model.SlotAvailable, MaxPlayers: 4}
	require.NoError(t, svc.HandleSlotStatusUpdate(ctx, slot))

	svc.mu.Lock()
	require.Empty(t, svc.familyQueues["duel"])
	svc.mu.Unlock()

	msgs := transport.Published(bus.PlayerRouteChannel("proxy-1"))
	require.Len(t, msgs, 1)
}
