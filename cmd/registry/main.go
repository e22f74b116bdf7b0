// Command registry runs the fulcrum registry control plane: it connects
// the routing store and message bus, wires every component together, and
// serves the admin live-feed until signaled to shut down. Bootstrap
// follows the teacher's own main.go shape: flags for the knobs that must
// be set before anything else can run, then a single long blocking
// run loop torn down on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/galeforge/fulcrum-registry/internal/adminws"
	"github.com/galeforge/fulcrum-registry/internal/bus"
	"github.com/galeforge/fulcrum-registry/internal/config"
	"github.com/galeforge/fulcrum-registry/internal/health"
	"github.com/galeforge/fulcrum-registry/internal/matchroster"
	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/party"
	"github.com/galeforge/fulcrum-registry/internal/provision"
	"github.com/galeforge/fulcrum-registry/internal/registry"
	"github.com/galeforge/fulcrum-registry/internal/routing"
	"github.com/galeforge/fulcrum-registry/internal/shutdown"
	"github.com/galeforge/fulcrum-registry/internal/store"
	"github.com/galeforge/fulcrum-registry/internal/sweeper"
	"github.com/galeforge/fulcrum-registry/internal/tracker"
)

var configPath = flag.String("config", "", "path to an optional YAML config overlay")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.Stamp,
	}).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	s, err := store.NewRedisStore(ctx, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	transport, err := bus.NewNatsTransport(bus.NatsConfig{
		Address:   cfg.Nats.Address,
		ClusterID: cfg.Nats.ClusterID,
		ClientID:  cfg.Nats.ClientID,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats streaming")
	}
	defer transport.Close()

	reg := registry.New(s, log.With().Str("component", "registry").Logger())
	trk := tracker.New(s, cfg.RecentSlotTTL, cfg.RecentSlotLimit)
	prov := provision.New(reg, s, transport, uuid.NewString, log.With().Str("component", "provision").Logger())
	shutdownMgr := shutdown.New(reg, transport, uuid.NewString, shutdown.Config{
		EvictBuffer:  cfg.EvictBuffer,
		TicketBuffer: cfg.TicketBuffer,
	}, log.With().Str("component", "shutdown").Logger())
	roster := matchroster.New(s, trk)
	hub := adminws.NewHub(log)

	routingCfg := routing.Config{
		MaxRoutingRetries: cfg.MaxRoutingRetries,
		RequestMaxAge:     cfg.RequestMaxAge,
		MaxQueueLen:       cfg.MaxQueueLen,
	}
	routeSvc := routing.New(reg, s, transport, trk, prov, shutdownMgr, routingCfg, log.With().Str("component", "routing").Logger())
	partyCoord := party.New(reg, s, routeSvc, log.With().Str("component", "party").Logger())
	routeSvc.SetParty(partyCoord)

	sw := sweeper.New(s, shutdownMgr, sweeper.Config{
		Schedule:             cfg.SweepSchedule,
		SocialBlockScanLimit: cfg.SocialBlockScanLimit,
		RecentSlotTTL:        cfg.SweeperRecentSlotTTL,
		RecentSlotLimit:      cfg.SweeperRecentLimit,
	}, log.With().Str("component", "sweeper").Logger())
	if err := sw.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}
	defer sw.Stop()

	watchdog := health.New(s, health.Config{
		PingInterval:     cfg.StoreHealthCheckInterval,
		FailoverDeadline: cfg.StoreFailoverDeadline,
	}, log.With().Str("component", "health").Logger())
	watchdog.Start(ctx)

	h := &handlers{
		reg: reg, store: s, transport: transport, party: partyCoord,
		routing: routeSvc, shutdown: shutdownMgr, roster: roster, hub: hub,
		health: watchdog, log: log,
	}
	unsubs := h.subscribeAll()
	defer func() {
		for _, unsub := range unsubs {
			_ = unsub()
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, result := range reg.SweepDeadBackends(time.Now(), cfg.HeartbeatTimeout) {
					log.Warn().Str("serverId", result.ServerID).Msg("backend heartbeat timeout, marked DEAD")
					reapDeadBackend(ctx, s, trk, partyCoord, result, log)
					hub.Broadcast(adminws.Event{Type: adminws.EventServerRemoved, Payload: result})
				}
			}
		}
	}()

	adminAPI := &adminAPI{shutdown: shutdownMgr, health: watchdog, log: log}
	mux := http.NewServeMux()
	mux.Handle("/admin/feed", hub)
	mux.HandleFunc("/admin/shutdown", adminAPI.handleShutdownCollection)
	mux.HandleFunc("/admin/shutdown/", adminAPI.handleShutdownItem)
	mux.HandleFunc("/admin/health", adminAPI.handleHealth)
	adminServer := &http.Server{Addr: cfg.AdminListenAddress, Handler: mux}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin feed server stopped")
		}
	}()

	log.Info().Msg("fulcrum registry started")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = adminServer.Shutdown(shutdownCtx)
}

// reapDeadBackend mirrors a heartbeat-timeout eviction into the routing
// store and the party coordinator, per spec § 4.B: every removed slot is
// dropped from the store's family/slot indexes, its active players are
// cleared into recent-slot history, and any party allocation still
// pointing at it is requeued to the front of its family queue.
func reapDeadBackend(ctx context.Context, s store.Store, trk *tracker.Tracker, p *party.Coordinator, result registry.DeadBackendResult, log zerolog.Logger) {
	allocs, err := s.GetPartyAllocations(ctx)
	if err != nil {
		log.Warn().Err(err).Str("serverId", result.ServerID).Msg("failed to list party allocations during dead-backend reap")
		allocs = nil
	}

	for _, slot := range result.RemovedSlots {
		if err := s.RemoveSlot(ctx, slot.SlotID, slot.FamilyID); err != nil {
			log.Warn().Err(err).Str("slotId", slot.SlotID).Msg("failed to remove dead backend's slot from store")
		}
		if _, err := trk.ClearActivePlayersForSlot(ctx, slot.SlotID); err != nil {
			log.Warn().Err(err).Str("slotId", slot.SlotID).Msg("failed to clear active players for dead backend's slot")
		}
		for i := range allocs {
			if allocs[i].SlotID == slot.SlotID {
				if err := p.RequeueAllocation(ctx, &allocs[i]); err != nil {
					log.Warn().Err(err).Str("slotId", slot.SlotID).Str("reservationId", allocs[i].Snapshot.ReservationID).
						Msg("failed to requeue party allocation on dead backend")
				}
			}
		}
	}
}

// handlers wires every bus channel to the component that owns it. Kept
// as a struct (rather than closures in main) so each handler method reads
// like the teacher's own per-event dispatch functions in manager.go.
type handlers struct {
	reg       *registry.Registry
	store     store.Store
	transport bus.Transport
	party     *party.Coordinator
	routing   *routing.Service
	shutdown  *shutdown.Manager
	roster    *matchroster.Service
	hub       *adminws.Hub
	health    *health.Watchdog
	log       zerolog.Logger
}

func (h *handlers) subscribeAll() []func() error {
	ctx := context.Background()
	subs := []struct {
		channel string
		fn      bus.Handler
	}{
		{bus.ChannelSlotFamily, h.onSlotFamily},
		{bus.ChannelSlotStatus, h.onSlotStatus},
		{bus.ChannelPlayerRequest, h.onPlayerRequest},
		{bus.ChannelPlayerRouteAck, h.onPlayerRouteAck},
		{bus.ChannelPartyCreated, h.onPartyCreated},
		{bus.ChannelPartyClaimed, h.onPartyClaimed},
		{bus.ChannelMatchRosterNew, h.onMatchRosterCreated},
		{bus.ChannelMatchRosterEnded, h.onMatchRosterEnded},
		{bus.ChannelShutdownUpdate, h.onShutdownUpdate},
	}

	var unsubs []func() error
	for _, sub := range subs {
		unsub, err := h.transport.Subscribe(sub.channel, sub.fn)
		if err != nil {
			h.log.Fatal().Err(err).Str("channel", sub.channel).Msg("failed to subscribe")
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	_ = ctx
	return unsubs
}

func (h *handlers) onSlotFamily(e bus.Envelope) {
	var w slotFamilyAdvertisement
	if err := e.DecodePayload(&w); err != nil {
		h.log.Warn().Err(err).Msg("bad slot family advertisement")
		return
	}
	ctx := context.Background()

	firstTime, err := h.reg.Register(ctx, &model.Backend{
		ID: w.ServerID, SoftPlayerCap: w.SoftCap, HardPlayerCap: w.HardCap,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("serverId", w.ServerID).Msg("failed to register backend")
		return
	}
	h.reg.SetFamilyCapacities(w.ServerID, w.Capacities, w.PlayerFactors, w.MinPlayers, w.MaxPlayers)
	h.reg.Heartbeat(w.ServerID)

	if firstTime {
		h.hub.Broadcast(adminws.Event{Type: adminws.EventServerAdded, Payload: w})
	}
}

func (h *handlers) onSlotStatus(e bus.Envelope) {
	var w slotStatusUpdateWire
	if err := e.DecodePayload(&w); err != nil {
		h.log.Warn().Err(err).Msg("bad slot status update")
		return
	}
	ctx := context.Background()
	h.reg.Heartbeat(w.ServerID)

	familyID := w.Metadata["family"]
	if existing, ok := h.reg.GetSlot(w.ServerID, w.SlotSuffix); ok {
		familyID = existing.FamilyID
	}

	slot := w.toSlot(familyID)
	if err := h.routing.HandleSlotStatusUpdate(ctx, slot); err != nil {
		h.log.Warn().Err(err).Str("slotId", w.SlotID).Msg("failed to apply slot status update")
		return
	}
	h.hub.Broadcast(adminws.Event{Type: adminws.EventSlotStatusChange, Payload: slot})
}

func (h *handlers) onPlayerRequest(e bus.Envelope) {
	if h.health.IsDown() {
		h.log.Warn().Msg("routing store unreachable, refusing player slot request")
		return
	}
	var w playerSlotRequestWire
	if err := e.DecodePayload(&w); err != nil {
		h.log.Warn().Err(err).Msg("bad player slot request")
		return
	}
	req := model.PlayerSlotRequest{
		PlayerID: w.PlayerID, PlayerName: w.PlayerName, FamilyID: w.FamilyID,
		VariantID: w.VariantID, PreferredSlotID: w.PreferredSlotID, Rejoin: w.Rejoin,
		ProxyID: e.SenderID, Metadata: w.Metadata,
	}
	if err := h.routing.HandlePlayerSlotRequest(context.Background(), req); err != nil {
		h.log.Warn().Err(err).Str("playerId", w.PlayerID).Msg("player slot request failed")
	}
}

func (h *handlers) onPlayerRouteAck(e bus.Envelope) {
	var w playerRouteAckWire
	if err := e.DecodePayload(&w); err != nil {
		h.log.Warn().Err(err).Msg("bad player route ack")
		return
	}
	ctx := context.Background()
	var err error
	if w.Success {
		err = h.routing.HandlePlayerRouteAck(ctx, w.PlayerID, w.SlotID, w.ReservationID)
	} else {
		err = h.routing.HandlePlayerRouteNack(ctx, w.PlayerID, w.SlotID, w.Reason)
	}
	if err != nil {
		h.log.Warn().Err(err).Str("playerId", w.PlayerID).Msg("failed to process player route ack/nack")
	}
}

func (h *handlers) onPartyCreated(e bus.Envelope) {
	if h.health.IsDown() {
		h.log.Warn().Msg("routing store unreachable, refusing party reservation")
		return
	}
	var w partyReservationCreatedWire
	if err := e.DecodePayload(&w); err != nil {
		h.log.Warn().Err(err).Msg("bad party reservation created")
		return
	}
	snap := model.PartyReservationSnapshot{
		ReservationID: w.ReservationID, FamilyID: w.FamilyID, VariantID: w.VariantID,
		PartySize: w.PartySize, Tokens: w.Tokens, TargetServerID: w.TargetServerID,
		AssignedTeam: -1, CreatedAt: time.Now(),
	}
	if err := h.party.HandleReservationCreated(context.Background(), snap); err != nil {
		h.log.Warn().Err(err).Str("reservationId", w.ReservationID).Msg("failed to handle party reservation")
	}
}

func (h *handlers) onPartyClaimed(e bus.Envelope) {
	var w partyReservationClaimedWire
	if err := e.DecodePayload(&w); err != nil {
		h.log.Warn().Err(err).Msg("bad party reservation claimed")
		return
	}
	if err := h.party.HandleReservationClaimed(context.Background(), w.ReservationID, w.PlayerID, w.Success); err != nil {
		h.log.Warn().Err(err).Str("reservationId", w.ReservationID).Msg("failed to handle party claim")
	}
}

func (h *handlers) onMatchRosterCreated(e bus.Envelope) {
	var w matchRosterCreatedWire
	if err := e.DecodePayload(&w); err != nil {
		h.log.Warn().Err(err).Msg("bad match roster created")
		return
	}
	if err := h.roster.RosterCreated(context.Background(), w.SlotID, w.MatchID, w.Players); err != nil {
		h.log.Warn().Err(err).Str("slotId", w.SlotID).Msg("failed to handle match roster created")
	}
}

func (h *handlers) onMatchRosterEnded(e bus.Envelope) {
	var w matchRosterEndedWire
	if err := e.DecodePayload(&w); err != nil {
		h.log.Warn().Err(err).Msg("bad match roster ended")
		return
	}
	if err := h.roster.RosterEnded(context.Background(), w.SlotID); err != nil {
		h.log.Warn().Err(err).Str("slotId", w.SlotID).Msg("failed to handle match roster ended")
	}
}

func (h *handlers) onShutdownUpdate(e bus.Envelope) {
	var w shutdownUpdateWire
	if err := e.DecodePayload(&w); err != nil {
		h.log.Warn().Err(err).Msg("bad shutdown update")
		return
	}
	if err := h.shutdown.HandleUpdate(context.Background(), w.IntentID, w.ServiceID, model.ServicePhase(w.Phase), w.PlayerIDs); err != nil {
		h.log.Warn().Err(err).Str("intentId", w.IntentID).Msg("failed to handle shutdown update")
		return
	}
	h.hub.Broadcast(adminws.Event{Type: adminws.EventShutdownUpdate, Payload: w})
}
