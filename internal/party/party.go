// Package party implements the party reservation coordinator: allocating
// a whole party to a single slot atomically, tracking per-player
// claim/route progress, requeuing on failure, and releasing on
// completion. It never imports the routing package directly; instead it
// is handed a Callbacks implementation so routing can supply the
// player-facing behaviors (dispatch, disconnect, provisioning hints,
// solo-fallback retry) without a cyclic import between the two packages.
package party

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/galeforge/fulcrum-registry/internal/fulcrumerr"
	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/registry"
	"github.com/galeforge/fulcrum-registry/internal/store"
)

// Callbacks lets the coordinator invoke routing-level behaviors without
// importing the routing package.
type Callbacks interface {
	// DispatchWithReservation sends the per-player route command for a
	// pre-reserved party member.
	DispatchWithReservation(ctx context.Context, req model.PlayerSlotRequest, serverID, slotID, token string) error
	// SendDisconnect tells the originating proxy to drop the player with reason.
	SendDisconnect(ctx context.Context, playerID, proxyID, reason string) error
	// TriggerProvision asks the slot provision service to consider familyId.
	TriggerProvision(ctx context.Context, familyID string, metadata map[string]string)
	// EnqueueContext places pctx onto routing's in-process per-family queue.
	EnqueueContext(ctx context.Context, pctx model.PlayerRequestContext) error
	// RetryRequest re-enters pctx at the top of the routing pipeline.
	RetryRequest(ctx context.Context, pctx model.PlayerRequestContext) error
}

// Coordinator owns party reservation allocation and claim tracking.
type Coordinator struct {
	reg   *registry.Registry
	store store.Store
	cb    Callbacks
	log   zerolog.Logger
}

// New builds a Coordinator.
func New(reg *registry.Registry, s store.Store, cb Callbacks, log zerolog.Logger) *Coordinator {
	return &Coordinator{reg: reg, store: s, cb: cb, log: log}
}

const defaultTeamCount = 1

func teamCount(slot *model.LogicalSlot) int {
	v, ok := slot.Metadata["team.count"]
	if !ok {
		return defaultTeamCount
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return defaultTeamCount
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return defaultTeamCount
	}
	return n
}

func teamMax(slot *model.LogicalSlot) (int, bool) {
	v, ok := slot.Metadata["team.max"]
	if !ok {
		return 0, false
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// eligibleForParty checks the slot eligibility rules from the party
// reservation coordinator's contract against a party of size N and an
// optional variant v.
func eligibleForParty(slot *model.LogicalSlot, familyID, variantID string, partySize, occupancy, teamsInUse int) bool {
	if slot.Status != model.SlotAvailable {
		return false
	}
	if !strings.EqualFold(slot.FamilyID, familyID) {
		return false
	}
	if variantID != "" && !strings.EqualFold(slot.VariantID, variantID) {
		return false
	}
	if slot.RemainingCapacity(occupancy) < partySize {
		return false
	}
	if max, ok := teamMax(slot); ok && partySize > max {
		return false
	}
	if teamsInUse >= teamCount(slot) {
		return false
	}
	return true
}

func fillRatio(slot *model.LogicalSlot, occupancy int) float64 {
	if slot.MaxPlayers <= 0 {
		return 0
	}
	return float64(slot.OnlinePlayers+occupancy) / float64(slot.MaxPlayers)
}

// teamsInUse counts active allocations on slotID with a team index assigned.
func (c *Coordinator) teamsInUse(ctx context.Context, slotID string) (int, error) {
	allocs, err := c.store.GetPartyAllocations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range allocs {
		if a.SlotID == slotID && a.TeamIndex >= 0 {
			n++
		}
	}
	return n, nil
}

// nextFreeTeamIndex returns the lowest team index in [0, teamCount) not
// already used by an active allocation on slotID.
func (c *Coordinator) nextFreeTeamIndex(ctx context.Context, slot *model.LogicalSlot) (int, error) {
	allocs, err := c.store.GetPartyAllocations(ctx)
	if err != nil {
		return 0, err
	}
	used := make(map[int]struct{})
	for _, a := range allocs {
		if a.SlotID == slot.SlotID && a.TeamIndex >= 0 {
			used[a.TeamIndex] = struct{}{}
		}
	}
	for i := 0; i < teamCount(slot); i++ {
		if _, ok := used[i]; !ok {
			return i, nil
		}
	}
	return -1, nil
}

func (c *Coordinator) slotFits(ctx context.Context, slot *model.LogicalSlot, familyID, variantID string, partySize int) (bool, error) {
	occupancy, err := c.store.GetOccupancy(ctx, slot.SlotID)
	if err != nil {
		return false, err
	}
	teamsInUse, err := c.teamsInUse(ctx, slot.SlotID)
	if err != nil {
		return false, err
	}
	return eligibleForParty(slot, familyID, variantID, partySize, occupancy, teamsInUse), nil
}

func (c *Coordinator) findSlotOnServer(ctx context.Context, serverID, familyID, variantID string, partySize int) (*model.LogicalSlot, error) {
	b, ok := c.reg.Get(serverID)
	if !ok {
		return nil, nil
	}
	var suffixes []string
	for suffix := range b.Slots {
		suffixes = append(suffixes, suffix)
	}
	sort.Strings(suffixes)
	for _, suffix := range suffixes {
		slot := b.Slots[suffix]
		fits, err := c.slotFits(ctx, slot, familyID, variantID, partySize)
		if err != nil {
			return nil, err
		}
		if fits {
			return slot, nil
		}
	}
	return nil, nil
}

func (c *Coordinator) findAvailableSlotForParty(ctx context.Context, familyID, variantID string, partySize int) (*model.LogicalSlot, error) {
	type candidate struct {
		slot      *model.LogicalSlot
		occupancy int
	}
	var candidates []candidate
	for _, b := range c.reg.AllBackends() {
		for _, slot := range b.Slots {
			occupancy, err := c.store.GetOccupancy(ctx, slot.SlotID)
			if err != nil {
				return nil, err
			}
			teamsInUse, err := c.teamsInUse(ctx, slot.SlotID)
			if err != nil {
				return nil, err
			}
			if eligibleForParty(slot, familyID, variantID, partySize, occupancy, teamsInUse) {
				candidates = append(candidates, candidate{slot: slot, occupancy: occupancy})
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := fillRatio(candidates[i].slot, candidates[i].occupancy), fillRatio(candidates[j].slot, candidates[j].occupancy)
		if ri != rj {
			return ri > rj
		}
		return candidates[i].slot.SlotID < candidates[j].slot.SlotID
	})
	return candidates[0].slot, nil
}

// HandleReservationCreated allocates snap to an eligible slot, or enqueues
// it on the family queue and requests provisioning if none is available.
func (c *Coordinator) HandleReservationCreated(ctx context.Context, snap model.PartyReservationSnapshot) error {
	if snap.ReservationID == "" || snap.FamilyID == "" || snap.PartySize <= 0 {
		return fulcrumerr.New(fulcrumerr.KindProtocolViolation, "party-reservation-invalid", nil)
	}
	if existing, err := c.store.GetPartyAllocation(ctx, snap.ReservationID); err != nil {
		return err
	} else if existing != nil {
		return fulcrumerr.New(fulcrumerr.KindStateConflict, "party-reservation-exists", nil)
	}

	var slot *model.LogicalSlot
	var err error
	if snap.TargetServerID != "" {
		slot, err = c.findSlotOnServer(ctx, snap.TargetServerID, snap.FamilyID, snap.VariantID, snap.PartySize)
		if err != nil {
			return err
		}
		if slot == nil {
			c.log.Warn().Str("reservation", snap.ReservationID).Str("server", snap.TargetServerID).
				Msg("party target server ineligible, falling back to family-wide scan")
		}
	}
	if slot == nil {
		slot, err = c.findAvailableSlotForParty(ctx, snap.FamilyID, snap.VariantID, snap.PartySize)
		if err != nil {
			return err
		}
	}

	if slot != nil {
		return c.allocatePartyReservation(ctx, slot, snap)
	}

	if err := c.store.EnqueuePartyReservation(ctx, snap.FamilyID, snap); err != nil {
		return err
	}
	c.cb.TriggerProvision(ctx, snap.FamilyID, map[string]string{
		"partyReservationId": snap.ReservationID,
		"variant":            snap.VariantID,
	})
	return nil
}

func (c *Coordinator) allocatePartyReservation(ctx context.Context, slot *model.LogicalSlot, snap model.PartyReservationSnapshot) error {
	teamIndex, err := c.nextFreeTeamIndex(ctx, slot)
	if err != nil {
		return err
	}
	snap.TargetServerID = slot.ServerID
	snap.AssignedTeam = teamIndex

	alloc := model.PartyReservationAllocation{
		Snapshot:   snap,
		ServerID:   slot.ServerID,
		SlotSuffix: slot.Suffix,
		SlotID:     slot.SlotID,
		TeamIndex:  teamIndex,
		Dispatched: make(map[string]struct{}),
		Acked:      make(map[string]struct{}),
		Claims:     make(map[string]bool),
	}
	if err := c.store.SavePartyAllocation(ctx, alloc); err != nil {
		return err
	}
	for i := 0; i < snap.PartySize; i++ {
		if _, err := c.store.IncrementOccupancy(ctx, slot.SlotID); err != nil {
			return err
		}
	}

	c.cb.TriggerProvision(ctx, snap.FamilyID, map[string]string{"reason": "party-allocated"})

	pending, err := c.store.DrainPendingReservationPlayers(ctx, snap.ReservationID)
	if err != nil {
		return err
	}
	for _, pctx := range pending {
		handled, err := c.HandlePartyPlayerRequest(ctx, pctx, snap.ReservationID)
		if err != nil {
			c.log.Warn().Err(err).Str("reservation", snap.ReservationID).Msg("failed to redispatch pending party player")
			continue
		}
		if !handled {
			if err := c.cb.RetryRequest(ctx, pctx); err != nil {
				c.log.Warn().Err(err).Msg("failed to retry drained party player as solo request")
			}
		}
	}
	return nil
}

// HandlePartyPlayerRequest matches a per-player request against an
// existing allocation, returning true if it was fully handled here.
func (c *Coordinator) HandlePartyPlayerRequest(ctx context.Context, pctx model.PlayerRequestContext, reservationID string) (bool, error) {
	alloc, err := c.store.GetPartyAllocation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	if alloc == nil {
		if err := c.store.EnqueuePendingReservationPlayer(ctx, reservationID, pctx); err != nil {
			return false, err
		}
		return false, nil
	}

	playerID := pctx.Request.PlayerID
	token, ok := alloc.Snapshot.Tokens[playerID]
	if !ok {
		return true, c.cb.SendDisconnect(ctx, playerID, pctx.Request.ProxyID, fulcrumerr.ReasonPartyTokenMissing)
	}
	if supplied, ok := pctx.Request.Metadata["partyTokenId"]; ok && supplied != token {
		return true, c.cb.SendDisconnect(ctx, playerID, pctx.Request.ProxyID, fulcrumerr.ReasonPartyTokenMismatch)
	}

	b, ok := c.reg.Get(alloc.ServerID)
	var slot *model.LogicalSlot
	if ok {
		slot = b.Slots[alloc.SlotSuffix]
	}
	if !ok || slot == nil || slot.Status != model.SlotAvailable {
		if err := c.store.EnqueuePendingReservationPlayer(ctx, reservationID, pctx); err != nil {
			return true, err
		}
		return true, c.RequeueAllocation(ctx, alloc)
	}

	if !alloc.MarkDispatched(playerID) {
		return true, nil
	}
	if err := c.store.SavePartyAllocation(ctx, *alloc); err != nil {
		return true, err
	}
	return true, c.cb.DispatchWithReservation(ctx, pctx.Request, alloc.ServerID, alloc.SlotID, token)
}

// HandleRouteAck marks a party member's route as complete; when every
// dispatched player has acked, the allocation is released as a success.
func (c *Coordinator) HandleRouteAck(ctx context.Context, reservationID, playerID string) error {
	alloc, err := c.store.GetPartyAllocation(ctx, reservationID)
	if err != nil || alloc == nil {
		return err
	}
	alloc.MarkAcked(playerID)
	if !alloc.AllDispatchedAcked() {
		return c.store.SavePartyAllocation(ctx, *alloc)
	}
	return c.releasePartyReservation(ctx, reservationID, alloc, true, nil)
}

// HandleReservationClaimed records a per-player claim outcome; once every
// party member has reported in, the allocation is released. Any player
// whose claim came back unsuccessful is disconnected with a reason on
// release rather than routed.
func (c *Coordinator) HandleReservationClaimed(ctx context.Context, reservationID, playerID string, success bool) error {
	alloc, err := c.store.GetPartyAllocation(ctx, reservationID)
	if err != nil || alloc == nil {
		return err
	}
	if alloc.Claims == nil {
		alloc.Claims = make(map[string]bool)
	}
	alloc.Claims[playerID] = success
	if !alloc.AllClaimsIn() {
		return c.store.SavePartyAllocation(ctx, *alloc)
	}

	var failures map[string]string
	for claimant, claimed := range alloc.Claims {
		if !claimed {
			if failures == nil {
				failures = make(map[string]string)
			}
			failures[claimant] = fulcrumerr.ReasonPartyClaimFailed
		}
	}
	return c.releasePartyReservation(ctx, reservationID, alloc, alloc.AllClaimsSuccessful(), failures)
}

// RequeueAllocation undoes an allocation that can no longer be honored
// (its slot disappeared or closed), preserving queue priority by
// re-inserting the reservation at the front of its family queue.
func (c *Coordinator) RequeueAllocation(ctx context.Context, alloc *model.PartyReservationAllocation) error {
	if err := c.store.RemovePartyAllocation(ctx, alloc.Snapshot.ReservationID); err != nil {
		return err
	}
	for i := 0; i < alloc.Snapshot.PartySize; i++ {
		if _, err := c.store.DecrementOccupancy(ctx, alloc.SlotID); err != nil {
			return err
		}
	}
	if err := c.store.EnqueuePartyReservationFront(ctx, alloc.Snapshot.FamilyID, alloc.Snapshot); err != nil {
		return err
	}
	c.cb.TriggerProvision(ctx, alloc.Snapshot.FamilyID, map[string]string{
		"partyReservationId": alloc.Snapshot.ReservationID,
		"variant":            alloc.Snapshot.VariantID,
	})
	return nil
}

// ProcessPendingReservations is called whenever a new slot becomes
// available on familyID: it drains that family's party queue, allocating
// the first reservation that fits slot and deferring the rest, then
// restores the deferred entries' relative order at the front of the queue.
func (c *Coordinator) ProcessPendingReservations(ctx context.Context, familyID string, slot *model.LogicalSlot) error {
	var deferred []model.PartyReservationSnapshot
	for {
		snap, err := c.store.PollPartyReservation(ctx, familyID)
		if err != nil {
			return err
		}
		if snap == nil {
			break
		}
		fits, err := c.slotFits(ctx, slot, familyID, snap.VariantID, snap.PartySize)
		if err != nil {
			return err
		}
		if fits {
			if err := c.allocatePartyReservation(ctx, slot, *snap); err != nil {
				return err
			}
			break
		}
		deferred = append(deferred, *snap)
	}
	for i := len(deferred) - 1; i >= 0; i-- {
		if err := c.store.EnqueuePartyReservationFront(ctx, familyID, deferred[i]); err != nil {
			return err
		}
	}
	return nil
}

// releasePartyReservation drops alloc's allocation and occupancy hold,
// retries any pending party players as solo requests, and disconnects
// every player named in failures. success only affects the reason
// reported to TriggerProvision, for admin-feed/log visibility into why a
// slot came back up for grabs.
func (c *Coordinator) releasePartyReservation(ctx context.Context, reservationID string, alloc *model.PartyReservationAllocation, success bool, failures map[string]string) error {
	if err := c.store.RemovePartyAllocation(ctx, reservationID); err != nil {
		return err
	}
	for i := 0; i < alloc.Snapshot.PartySize; i++ {
		if _, err := c.store.DecrementOccupancy(ctx, alloc.SlotID); err != nil {
			return err
		}
	}
	pending, err := c.store.DrainPendingReservationPlayers(ctx, reservationID)
	if err != nil {
		return err
	}
	for _, pctx := range pending {
		if err := c.cb.RetryRequest(ctx, pctx); err != nil {
			c.log.Warn().Err(err).Msg("failed to retry pending party player after release")
		}
	}
	for playerID, reason := range failures {
		if err := c.cb.SendDisconnect(ctx, playerID, "", reason); err != nil {
			c.log.Warn().Err(err).Str("player", playerID).Msg("failed to disconnect failed party player")
		}
	}

	reason := "party-released"
	if !success {
		reason = "party-released-failed"
	}
	c.cb.TriggerProvision(ctx, alloc.Snapshot.FamilyID, map[string]string{"reason": reason})
	return nil
}
