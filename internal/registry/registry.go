// Package registry is the in-memory fleet index from the routing design:
// a concurrent map of backends and proxies, mirrored into the routing
// store for anything that must survive a restart. It owns the only
// authoritative copy of backend/proxy lifecycle state.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/store"
)

// validTransitions enumerates the backend status graph. EVACUATING is
// absorbing until a shutdown intent completes or is cancelled.
var validTransitions = map[model.BackendStatus]map[model.BackendStatus]bool{
	model.BackendRegistering: {model.BackendAvailable: true},
	model.BackendAvailable:   {model.BackendRunning: true, model.BackendEvacuating: true, model.BackendDead: true},
	model.BackendRunning:     {model.BackendFull: true, model.BackendEvacuating: true, model.BackendDead: true},
	model.BackendFull:        {model.BackendRunning: true, model.BackendEvacuating: true, model.BackendDead: true},
	model.BackendEvacuating:  {model.BackendStopping: true, model.BackendDead: true},
	model.BackendStopping:    {model.BackendDead: true},
}

// Registry holds backends and proxies in memory, mirroring declared
// capacity into a store.Store so provisioning survives a restart.
type Registry struct {
	log   zerolog.Logger
	store store.Store

	mu       sync.RWMutex
	backends map[string]*model.Backend
	proxies  map[string]*model.Proxy

	evacuating map[string]struct{} // serverId/proxyId currently EVACUATING
}

// New builds an empty Registry.
func New(s store.Store, log zerolog.Logger) *Registry {
	return &Registry{
		log:        log,
		store:      s,
		backends:   make(map[string]*model.Backend),
		proxies:    make(map[string]*model.Proxy),
		evacuating: make(map[string]struct{}),
	}
}

// Register is idempotent by id. Returns true if this was a first-time
// registration (caller should emit server.added).
func (r *Registry) Register(ctx context.Context, b *model.Backend) (bool, error) {
	r.mu.Lock()
	_, existed := r.backends[b.ID]
	if !existed {
		if b.Families == nil {
			b.Families = make(map[string]*model.FamilyCapacity)
		}
		if b.FamilySlotsFree == nil {
			b.FamilySlotsFree = make(map[string]int)
		}
		if b.Slots == nil {
			b.Slots = make(map[string]*model.LogicalSlot)
		}
		if b.Status == "" {
			b.Status = model.BackendRegistering
		}
		b.LastHeartbeatAt = time.Now()
		r.backends[b.ID] = b
	}
	r.mu.Unlock()

	if err := r.store.SyncServer(ctx, b); err != nil {
		return existed, err
	}
	return !existed, nil
}

// SetFamilyCapacities applies a backend's family-capacity advertisement.
// Families the registry has not seen before are added with their
// advertised count as the live free counter; families already known are
// left untouched so a re-advertisement never clobbers in-flight
// reservations against the live counter. factors/minPlayers/maxPlayers
// are looked up by family id; an unset or non-positive factor defaults to
// 1 (one slot costs one player-budget unit).
func (r *Registry) SetFamilyCapacities(serverID string, capacities map[string]int, factors map[string]float64, minPlayers, maxPlayers map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[serverID]
	if !ok {
		return
	}
	for familyID, max := range capacities {
		if _, known := b.Families[familyID]; known {
			continue
		}
		factor := factors[familyID]
		if factor <= 0 {
			factor = 1
		}
		b.Families[familyID] = &model.FamilyCapacity{
			FamilyID:               familyID,
			MaxConcurrentSlots:     max,
			PlayerEquivalentFactor: factor,
			MinPlayers:             minPlayers[familyID],
			MaxPlayers:             maxPlayers[familyID],
		}
		b.FamilySlotsFree[familyID] = max
	}
}

// BudgetStatus reports a backend's current committed player-equivalent
// budget against its declared soft/hard caps, per spec § 3's capacity
// invariant: Σ (active slots of family f × playerCost(f)) compared
// against softPlayerCap (warn) and hardPlayerCap (refuse).
type BudgetStatus struct {
	Committed    float64
	SoftExceeded bool
	HardExceeded bool
}

// CheckPlayerBudget computes serverID's committed budget from its
// currently-reserved family slots (declared − free), the same figure the
// capacity-conservation invariant in spec § 8 tracks as "reserved".
func (r *Registry) CheckPlayerBudget(serverID string) BudgetStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[serverID]
	if !ok {
		return BudgetStatus{}
	}
	var committed float64
	for familyID, fc := range b.Families {
		reserved := fc.MaxConcurrentSlots - b.FamilySlotsFree[familyID]
		if reserved < 0 {
			reserved = 0
		}
		committed += float64(reserved) * b.PlayerCost(familyID)
	}
	return BudgetStatus{
		Committed:    committed,
		SoftExceeded: b.SoftPlayerCap > 0 && committed > float64(b.SoftPlayerCap),
		HardExceeded: b.HardPlayerCap > 0 && committed > float64(b.HardPlayerCap),
	}
}

// Heartbeat refreshes a backend's lastHeartbeatAt.
func (r *Registry) Heartbeat(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[serverID]; ok {
		b.LastHeartbeatAt = time.Now()
	}
}

// UpdateStatus enforces the transition graph and tracks the evacuating set.
func (r *Registry) UpdateStatus(serverID string, status model.BackendStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.backends[serverID]
	if !ok {
		return false, nil
	}
	if b.Status == status {
		return true, nil
	}
	if !validTransitions[b.Status][status] {
		return false, nil
	}
	b.Status = status
	switch status {
	case model.BackendEvacuating:
		r.evacuating[serverID] = struct{}{}
	case model.BackendStopping, model.BackendDead:
		delete(r.evacuating, serverID)
	}
	return true, nil
}

// RestoreAvailable reverses an evacuating transition back to AVAILABLE,
// used when a shutdown intent is cancelled.
func (r *Registry) RestoreAvailable(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[serverID]; ok && b.Status == model.BackendEvacuating {
		b.Status = model.BackendAvailable
		delete(r.evacuating, serverID)
	}
}

// IsServerEvacuating reports whether serverID is currently evacuating.
func (r *Registry) IsServerEvacuating(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.evacuating[serverID]
	return ok
}

// ReserveFamilySlot decrements the in-memory counter for a family on a
// backend. Returns false if no slots remain (lost a race).
func (r *Registry) ReserveFamilySlot(serverID, familyID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[serverID]
	if !ok {
		return false
	}
	if b.FamilySlotsFree[familyID] <= 0 {
		return false
	}
	b.FamilySlotsFree[familyID]--
	return true
}

// ReleaseFamilySlot increments the in-memory counter.
func (r *Registry) ReleaseFamilySlot(serverID, familyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[serverID]; ok {
		b.FamilySlotsFree[familyID]++
	}
}

// GetSlot returns the slot identified by (serverID, suffix).
func (r *Registry) GetSlot(serverID, suffix string) (*model.LogicalSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[serverID]
	if !ok {
		return nil, false
	}
	s, ok := b.Slots[suffix]
	return s, ok
}

// GetSlots returns every slot on every backend.
func (r *Registry) GetSlots() []*model.LogicalSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.LogicalSlot
	for _, b := range r.backends {
		for _, s := range b.Slots {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out
}

// PutSlot inserts or replaces a slot under its backend's suffix index.
func (r *Registry) PutSlot(s *model.LogicalSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[s.ServerID]
	if !ok {
		return
	}
	b.Slots[s.Suffix] = s
}

// RemoveSlot drops a slot from its backend's suffix index.
func (r *Registry) RemoveSlot(serverID, suffix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[serverID]; ok {
		delete(b.Slots, suffix)
	}
}

// SupportsFamily reports whether serverID declared capacity for familyID.
func (r *Registry) SupportsFamily(serverID, familyID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[serverID]
	if !ok {
		return false
	}
	return b.SupportsFamily(familyID)
}

// GetAvailableFamilySlots returns the in-memory remaining counter.
func (r *Registry) GetAvailableFamilySlots(serverID, familyID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[serverID]
	if !ok {
		return 0
	}
	return b.FamilySlotsFree[familyID]
}

// Get returns the backend by id.
func (r *Registry) Get(serverID string) (*model.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[serverID]
	return b, ok
}

// AllBackends returns every registered backend, sorted by id.
func (r *Registry) AllBackends() []*model.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Candidates returns backends in RUNNING or AVAILABLE status that support
// familyID and have at least one free family slot, sorted per the slot
// provision service's candidate order: fewest remaining slots first,
// ties broken by more current players, then by id.
func (r *Registry) Candidates(familyID string) []*model.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Backend
	for _, b := range r.backends {
		if b.Status != model.BackendRunning && b.Status != model.BackendAvailable {
			continue
		}
		if !b.SupportsFamily(familyID) {
			continue
		}
		if b.FamilySlotsFree[familyID] <= 0 {
			continue
		}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		a, bb := out[i], out[j]
		if a.FamilySlotsFree[familyID] != bb.FamilySlotsFree[familyID] {
			return a.FamilySlotsFree[familyID] < bb.FamilySlotsFree[familyID]
		}
		if a.CurrentPlayers != bb.CurrentPlayers {
			return a.CurrentPlayers > bb.CurrentPlayers
		}
		return a.ID < bb.ID
	})
	return out
}

// RegisterProxy is idempotent by id.
func (r *Registry) RegisterProxy(p *model.Proxy) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.proxies[p.ID]
	if !existed {
		if p.Players == nil {
			p.Players = make(map[string]struct{})
		}
		p.LastHeartbeatAt = time.Now()
		r.proxies[p.ID] = p
	}
	return !existed
}

// UpdateProxyStatus sets a proxy's status and evacuating-set membership.
func (r *Registry) UpdateProxyStatus(proxyID string, status model.ProxyStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[proxyID]
	if !ok {
		return
	}
	p.Status = status
	switch status {
	case model.ProxyEvacuating:
		r.evacuating["proxy:"+proxyID] = struct{}{}
	case model.ProxyUnavailable, model.ProxyAvailable:
		delete(r.evacuating, "proxy:"+proxyID)
	}
}

// RestoreProxyAvailable reverses an evacuating transition for a proxy.
func (r *Registry) RestoreProxyAvailable(proxyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.proxies[proxyID]; ok && p.Status == model.ProxyEvacuating {
		p.Status = model.ProxyAvailable
		delete(r.evacuating, "proxy:"+proxyID)
	}
}

// DeadBackendResult describes the fallout of a heartbeat-timeout eviction.
type DeadBackendResult struct {
	ServerID       string
	RemovedSlotIDs []string
	RemovedSlots   []*model.LogicalSlot
}

// SweepDeadBackends transitions any backend whose heartbeat is older than
// timeout to DEAD, removes its slots, and returns the fallout so callers
// can mirror the removal to the routing store and requeue party
// allocations referencing it.
func (r *Registry) SweepDeadBackends(now time.Time, timeout time.Duration) []DeadBackendResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var results []DeadBackendResult
	for id, b := range r.backends {
		if b.Status == model.BackendDead {
			continue
		}
		if now.Sub(b.LastHeartbeatAt) <= timeout {
			continue
		}
		b.Status = model.BackendDead
		delete(r.evacuating, id)

		var removed []string
		var removedSlots []*model.LogicalSlot
		for suffix, slot := range b.Slots {
			removed = append(removed, slot.SlotID)
			removedSlots = append(removedSlots, slot)
			delete(b.Slots, suffix)
		}
		sort.Strings(removed)
		sort.Slice(removedSlots, func(i, j int) bool { return removedSlots[i].SlotID < removedSlots[j].SlotID })
		results = append(results, DeadBackendResult{ServerID: id, RemovedSlotIDs: removed, RemovedSlots: removedSlots})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ServerID < results[j].ServerID })
	return results
}
