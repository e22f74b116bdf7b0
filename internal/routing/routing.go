// Package routing is the player routing service: the entry point for
// single-player slot requests. It selects a slot, enforces blocked/recent
// slot rules, triggers provisioning on starvation, and hands party
// requests off to the party reservation coordinator. It satisfies
// party.Callbacks so the coordinator can drive player-facing behavior
// without importing this package back.
package routing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galeforge/fulcrum-registry/internal/bus"
	"github.com/galeforge/fulcrum-registry/internal/fulcrumerr"
	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/party"
	"github.com/galeforge/fulcrum-registry/internal/provision"
	"github.com/galeforge/fulcrum-registry/internal/registry"
	"github.com/galeforge/fulcrum-registry/internal/store"
	"github.com/galeforge/fulcrum-registry/internal/tracker"
)

// RouteCommand is the per-player payload sent to a proxy on its route
// channel, per spec § 6's PlayerRouteCommand.
type RouteCommand struct {
	PlayerID          string `json:"playerId"`
	SlotID            string `json:"slotId,omitempty"`
	ReservationToken  string `json:"reservationToken,omitempty"`
	PreReserved       bool   `json:"preReserved"`
	Reason            string `json:"reason,omitempty"`
}

// TicketSource resolves a live shutdown transfer ticket for a player,
// satisfied by *shutdown.Manager.
type TicketSource interface {
	ConsumeTicketForPlayer(playerID string) (*model.ShutdownTicket, bool)
}

// Config bounds retry and back-pressure behavior.
type Config struct {
	MaxRoutingRetries int
	RequestMaxAge     time.Duration
	MaxQueueLen       int
}

// DefaultConfig matches the registry's own defaults.
func DefaultConfig() Config {
	return Config{MaxRoutingRetries: 3, RequestMaxAge: 30 * time.Second, MaxQueueLen: 256}
}

// Service is the player routing orchestrator.
type Service struct {
	reg         *registry.Registry
	store       store.Store
	transport   bus.Transport
	tracker     *tracker.Tracker
	provisioner *provision.Service
	tickets     TicketSource
	cfg         Config
	log         zerolog.Logger

	party *party.Coordinator

	mu           sync.Mutex
	familyQueues map[string][]model.PlayerRequestContext
	inFlight     map[string]model.PlayerRequestContext // playerId -> dispatched context
}

// New builds a Service. Call SetParty once the party coordinator exists,
// since the two packages are mutually dependent through party.Callbacks.
func New(reg *registry.Registry, s store.Store, transport bus.Transport, trk *tracker.Tracker, prov *provision.Service, tickets TicketSource, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		reg: reg, store: s, transport: transport, tracker: trk, provisioner: prov, tickets: tickets,
		cfg: cfg, log: log,
		familyQueues: make(map[string][]model.PlayerRequestContext),
		inFlight:     make(map[string]model.PlayerRequestContext),
	}
}

// SetParty wires the party coordinator this service delegates to.
func (svc *Service) SetParty(p *party.Coordinator) { svc.party = p }

// HandlePlayerSlotRequest is the entry point for a fresh inbound request.
func (svc *Service) HandlePlayerSlotRequest(ctx context.Context, req model.PlayerSlotRequest) error {
	pctx, err := svc.buildContext(ctx, req)
	if err != nil {
		return err
	}
	return svc.enterPipeline(ctx, pctx)
}

func (svc *Service) buildContext(ctx context.Context, req model.PlayerSlotRequest) (model.PlayerRequestContext, error) {
	recent, err := svc.tracker.ResolveRecentBlockedSlots(ctx, req.PlayerID)
	if err != nil {
		return model.PlayerRequestContext{}, err
	}
	return model.PlayerRequestContext{
		Request:       req,
		CreatedAt:     time.Now(),
		RecentSlotIDs: recent,
	}, nil
}

// enterPipeline runs steps 2-6: party delegation, then the solo pipeline.
func (svc *Service) enterPipeline(ctx context.Context, pctx model.PlayerRequestContext) error {
	if reservationID := pctx.Request.Metadata["partyReservationId"]; reservationID != "" {
		handled, err := svc.party.HandlePartyPlayerRequest(ctx, pctx, reservationID)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
	return svc.soloPipeline(ctx, pctx)
}

// soloPipeline runs steps 3-6 directly, used both for fresh solo requests
// and for contexts re-entering after a party fallback, a queue drain, or
// a nack retry.
func (svc *Service) soloPipeline(ctx context.Context, pctx model.PlayerRequestContext) error {
	if svc.cfg.RequestMaxAge > 0 && time.Since(pctx.CreatedAt) > svc.cfg.RequestMaxAge {
		return svc.SendDisconnect(ctx, pctx.Request.PlayerID, pctx.Request.ProxyID, fulcrumerr.ReasonTimeout)
	}

	if ticket, ok := svc.tickets.ConsumeTicketForPlayer(pctx.Request.PlayerID); ok {
		pctx.Request.FamilyID = ticket.FallbackFamily
		if ticket.Force {
			pctx.BlockedSlotIDs = nil
			pctx.RecentSlotIDs = nil
		}
	}

	candidates, err := svc.soloCandidates(ctx, pctx)
	if err != nil {
		return err
	}

	if len(candidates) > 0 {
		return svc.dispatchSolo(ctx, pctx, candidates[0])
	}

	if pctx.Retries < svc.cfg.MaxRoutingRetries {
		pctx.Retries++
		pctx.LastEnqueuedAt = time.Now()
		svc.enqueueFamily(ctx, pctx.Request.FamilyID, pctx)
		if _, err := svc.provisioner.RequestProvision(ctx, pctx.Request.FamilyID, pctx.Request.Metadata); err != nil {
			svc.log.Warn().Err(err).Str("family", pctx.Request.FamilyID).Msg("requestProvision failed during starvation retry")
		}
		return nil
	}

	return svc.SendDisconnect(ctx, pctx.Request.PlayerID, pctx.Request.ProxyID, fulcrumerr.ReasonNoCapacity)
}

type soloCandidate struct {
	slot      *model.LogicalSlot
	occupancy int
	preferred bool
}

func (svc *Service) soloCandidates(ctx context.Context, pctx model.PlayerRequestContext) ([]*model.LogicalSlot, error) {
	var candidates, recentFallback []soloCandidate
	for _, b := range svc.reg.AllBackends() {
		if b.Status != model.BackendRunning && b.Status != model.BackendAvailable {
			continue
		}
		for _, slot := range b.Slots {
			if slot.Status != model.SlotAvailable {
				continue
			}
			if !strings.EqualFold(slot.FamilyID, pctx.Request.FamilyID) {
				continue
			}
			if pctx.Request.VariantID != "" && !strings.EqualFold(slot.VariantID, pctx.Request.VariantID) {
				continue
			}
			if pctx.Blocked(slot.SlotID) {
				continue
			}
			preferred := pctx.Request.PreferredSlotID != "" && slot.SlotID == pctx.Request.PreferredSlotID
			occupancy, err := svc.store.GetOccupancy(ctx, slot.SlotID)
			if err != nil {
				return nil, err
			}
			if slot.RemainingCapacity(occupancy) < 1 {
				continue
			}
			c := soloCandidate{slot: slot, occupancy: occupancy, preferred: preferred}
			if pctx.RecentlyOn(slot.SlotID) && !preferred {
				recentFallback = append(recentFallback, c)
				continue
			}
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		candidates = recentFallback
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.preferred != b.preferred {
			return a.preferred
		}
		ra, rb := fillRatio(a.slot, a.occupancy), fillRatio(b.slot, b.occupancy)
		if ra != rb {
			return ra > rb
		}
		return a.slot.SlotID < b.slot.SlotID
	})

	out := make([]*model.LogicalSlot, len(candidates))
	for i, c := range candidates {
		out[i] = c.slot
	}
	return out, nil
}

func fillRatio(slot *model.LogicalSlot, occupancy int) float64 {
	if slot.MaxPlayers <= 0 {
		return 0
	}
	return float64(slot.OnlinePlayers+occupancy) / float64(slot.MaxPlayers)
}

func (svc *Service) dispatchSolo(ctx context.Context, pctx model.PlayerRequestContext, slot *model.LogicalSlot) error {
	if _, err := svc.store.IncrementOccupancy(ctx, slot.SlotID); err != nil {
		return err
	}
	if err := svc.recordActiveAndHistory(ctx, pctx.Request.PlayerID, slot.SlotID); err != nil {
		return err
	}

	svc.mu.Lock()
	svc.inFlight[pctx.Request.PlayerID] = pctx
	svc.mu.Unlock()

	return svc.sendRoute(ctx, pctx.Request.ProxyID, RouteCommand{
		PlayerID: pctx.Request.PlayerID, SlotID: slot.SlotID,
	})
}

func (svc *Service) recordActiveAndHistory(ctx context.Context, playerID, slotID string) error {
	prev, err := svc.store.SetActiveSlot(ctx, playerID, slotID)
	if err != nil {
		return err
	}
	if prev != "" && prev != slotID {
		return svc.store.PushRecentSlot(ctx, playerID, prev, time.Now())
	}
	return nil
}

func (svc *Service) sendRoute(ctx context.Context, proxyID string, cmd RouteCommand) error {
	envelope, err := bus.Encode("PlayerRouteCommand", "registry", proxyID, cmd.PlayerID, cmd)
	if err != nil {
		return err
	}
	return svc.transport.Publish(bus.PlayerRouteChannel(proxyID), envelope)
}

// HandlePlayerRouteAck processes step 7: an ack always decrements
// occupancy, since occupancy is a pre-allocation counter superseded by
// the backend's own online-player report.
func (svc *Service) HandlePlayerRouteAck(ctx context.Context, playerID, slotID, reservationID string) error {
	if _, err := svc.store.DecrementOccupancy(ctx, slotID); err != nil {
		return err
	}
	svc.mu.Lock()
	delete(svc.inFlight, playerID)
	svc.mu.Unlock()

	if reservationID != "" {
		return svc.party.HandleRouteAck(ctx, reservationID, playerID)
	}
	return nil
}

// HandlePlayerRouteNack processes step 8: decrement occupancy, add the
// slot to the player's hard block list, and retry with retries+1.
func (svc *Service) HandlePlayerRouteNack(ctx context.Context, playerID, slotID, reason string) error {
	if _, err := svc.store.DecrementOccupancy(ctx, slotID); err != nil {
		return err
	}

	svc.mu.Lock()
	pctx, ok := svc.inFlight[playerID]
	delete(svc.inFlight, playerID)
	svc.mu.Unlock()
	if !ok {
		return nil
	}

	pctx.Block(slotID)
	pctx.Retries++
	return svc.soloPipeline(ctx, pctx)
}

// HandleSlotStatusUpdate applies a backend's slot status report and, if
// the slot newly became AVAILABLE, drains that family's party queue then
// its solo queue (step 9).
func (svc *Service) HandleSlotStatusUpdate(ctx context.Context, slot *model.LogicalSlot) error {
	wasAvailable := false
	if existing, ok := svc.reg.GetSlot(slot.ServerID, slot.Suffix); ok {
		wasAvailable = existing.Status == model.SlotAvailable
	}

	svc.reg.PutSlot(slot)
	if err := svc.store.StoreSlot(ctx, slot); err != nil {
		return err
	}

	if slot.Status == model.SlotAvailable && !wasAvailable {
		return svc.drainFamily(ctx, slot.FamilyID, slot)
	}
	return nil
}

func (svc *Service) drainFamily(ctx context.Context, familyID string, slot *model.LogicalSlot) error {
	if svc.party != nil {
		if err := svc.party.ProcessPendingReservations(ctx, familyID, slot); err != nil {
			return err
		}
	}
	for {
		pctx, ok := svc.dequeueFamily(familyID)
		if !ok {
			break
		}
		if err := svc.soloPipeline(ctx, pctx); err != nil {
			svc.log.Warn().Err(err).Str("family", familyID).Str("player", pctx.Request.PlayerID).Msg("drain re-entry failed")
		}
	}
	return nil
}

// enqueueFamily appends pctx to familyID's FIFO, evicting the oldest
// waiter with a no-capacity reply if the bound is exceeded (fail-closed
// back-pressure).
func (svc *Service) enqueueFamily(ctx context.Context, familyID string, pctx model.PlayerRequestContext) {
	svc.mu.Lock()
	q := append(svc.familyQueues[familyID], pctx)
	var evicted *model.PlayerRequestContext
	if svc.cfg.MaxQueueLen > 0 && len(q) > svc.cfg.MaxQueueLen {
		e := q[0]
		evicted = &e
		q = q[1:]
	}
	svc.familyQueues[familyID] = q
	svc.mu.Unlock()

	if evicted != nil {
		if err := svc.SendDisconnect(ctx, evicted.Request.PlayerID, evicted.Request.ProxyID, fulcrumerr.ReasonNoCapacity); err != nil {
			svc.log.Warn().Err(err).Msg("failed to notify evicted waiter")
		}
	}
}

func (svc *Service) dequeueFamily(familyID string) (model.PlayerRequestContext, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	q := svc.familyQueues[familyID]
	if len(q) == 0 {
		return model.PlayerRequestContext{}, false
	}
	pctx := q[0]
	svc.familyQueues[familyID] = q[1:]
	return pctx, true
}

// DispatchWithReservation implements party.Callbacks: occupancy for a
// party member is already reserved in bulk at allocation time, so this
// only records active-slot state and sends the pre-reserved route command.
func (svc *Service) DispatchWithReservation(ctx context.Context, req model.PlayerSlotRequest, serverID, slotID, token string) error {
	if err := svc.recordActiveAndHistory(ctx, req.PlayerID, slotID); err != nil {
		return err
	}
	svc.mu.Lock()
	svc.inFlight[req.PlayerID] = model.PlayerRequestContext{Request: req, CreatedAt: time.Now()}
	svc.mu.Unlock()

	return svc.sendRoute(ctx, req.ProxyID, RouteCommand{
		PlayerID: req.PlayerID, SlotID: slotID, ReservationToken: token, PreReserved: true,
	})
}

// SendDisconnect implements party.Callbacks and is also used directly by
// the solo pipeline's timeout/no-capacity/back-pressure paths.
func (svc *Service) SendDisconnect(ctx context.Context, playerID, proxyID, reason string) error {
	if proxyID == "" {
		svc.log.Warn().Str("player", playerID).Str("reason", reason).Msg("disconnect with no proxy to notify")
		return nil
	}
	return svc.sendRoute(ctx, proxyID, RouteCommand{PlayerID: playerID, Reason: reason})
}

// TriggerProvision implements party.Callbacks.
func (svc *Service) TriggerProvision(ctx context.Context, familyID string, metadata map[string]string) {
	if _, err := svc.provisioner.RequestProvision(ctx, familyID, metadata); err != nil {
		svc.log.Warn().Err(err).Str("family", familyID).Msg("party-triggered provision failed")
	}
}

// EnqueueContext implements party.Callbacks.
func (svc *Service) EnqueueContext(ctx context.Context, pctx model.PlayerRequestContext) error {
	svc.enqueueFamily(ctx, pctx.Request.FamilyID, pctx)
	return nil
}

// RetryRequest implements party.Callbacks: re-enters the solo pipeline
// directly, skipping party delegation since the caller is draining a
// reservation that already failed or closed.
func (svc *Service) RetryRequest(ctx context.Context, pctx model.PlayerRequestContext) error {
	return svc.soloPipeline(ctx, pctx)
}
