package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/galeforge/fulcrum-registry/internal/model"
)

// FakeStore is an in-memory Store used by package tests across the
// registry, provision, tracker, matchroster, party, routing and shutdown
// packages, since no live Redis is available to exercise against.
type FakeStore struct {
	mu sync.Mutex

	familyCapacity map[string]map[string]int // serverId -> familyId -> remaining
	familyServers  map[string]map[string]struct{}

	slots          map[string]*model.LogicalSlot
	slotsByFamily  map[string]map[string]struct{}
	occupancy      map[string]int

	activeSlot map[string]string // playerId -> slotId

	recent map[string][]recentEntry // playerId -> slots, newest last

	rosters map[string]model.MatchRoster

	partyQueue map[string][]model.PartyReservationSnapshot // familyId -> FIFO
	partyAlloc map[string]model.PartyReservationAllocation
	partyPend  map[string][]model.PlayerRequestContext

	zsets map[string]map[string]float64

	pingErr error
}

type recentEntry struct {
	slotID string
	at     time.Time
}

// NewFakeStore builds an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		familyCapacity: make(map[string]map[string]int),
		familyServers:  make(map[string]map[string]struct{}),
		slots:          make(map[string]*model.LogicalSlot),
		slotsByFamily:  make(map[string]map[string]struct{}),
		occupancy:      make(map[string]int),
		activeSlot:     make(map[string]string),
		recent:         make(map[string][]recentEntry),
		rosters:        make(map[string]model.MatchRoster),
		partyQueue:     make(map[string][]model.PartyReservationSnapshot),
		partyAlloc:     make(map[string]model.PartyReservationAllocation),
		partyPend:      make(map[string][]model.PlayerRequestContext),
		zsets:          make(map[string]map[string]float64),
	}
}

// SeedFamilyCapacity lets tests preload a server's remaining family slots
// without going through SyncServer's full Backend shape.
func (f *FakeStore) SeedFamilyCapacity(serverID, familyID string, remaining int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.familyCapacity[serverID] == nil {
		f.familyCapacity[serverID] = make(map[string]int)
	}
	f.familyCapacity[serverID][familyID] = remaining
}

// SetPingError lets tests simulate routing-store connectivity loss.
func (f *FakeStore) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// Ping returns the error set via SetPingError, if any.
func (f *FakeStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *FakeStore) ReserveFamilyCapacity(ctx context.Context, serverID, familyID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.familyCapacity[serverID][familyID]
	if !ok || cur <= 0 {
		return NoCapacity, nil
	}
	cur--
	f.familyCapacity[serverID][familyID] = cur
	f.addFamilyServer(familyID, serverID)
	return cur, nil
}

func (f *FakeStore) ReleaseFamilyCapacity(ctx context.Context, serverID, familyID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.familyCapacity[serverID] == nil {
		f.familyCapacity[serverID] = make(map[string]int)
	}
	cur := f.familyCapacity[serverID][familyID] + 1
	f.familyCapacity[serverID][familyID] = cur
	if cur > 0 {
		f.addFamilyServer(familyID, serverID)
	}
	return cur, nil
}

func (f *FakeStore) addFamilyServer(familyID, serverID string) {
	if f.familyServers[familyID] == nil {
		f.familyServers[familyID] = make(map[string]struct{})
	}
	f.familyServers[familyID][serverID] = struct{}{}
}

func (f *FakeStore) SyncServer(ctx context.Context, b *model.Backend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.familyCapacity[b.ID] == nil {
		f.familyCapacity[b.ID] = make(map[string]int)
	}
	for familyID, free := range b.FamilySlotsFree {
		f.familyCapacity[b.ID][familyID] = free
		f.addFamilyServer(familyID, b.ID)
	}
	return nil
}

func (f *FakeStore) StoreSlot(ctx context.Context, s *model.LogicalSlot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.slots[s.SlotID] = &cp
	if f.slotsByFamily[s.FamilyID] == nil {
		f.slotsByFamily[s.FamilyID] = make(map[string]struct{})
	}
	f.slotsByFamily[s.FamilyID][s.SlotID] = struct{}{}
	return nil
}

func (f *FakeStore) RemoveSlot(ctx context.Context, slotID, familyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.slots, slotID)
	delete(f.slotsByFamily[familyID], slotID)
	delete(f.occupancy, slotID)
	return nil
}

func (f *FakeStore) ServersForFamily(ctx context.Context, familyID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.familyServers[familyID]))
	for id := range f.familyServers[familyID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (f *FakeStore) IncrementOccupancy(ctx context.Context, slotID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.occupancy[slotID]++
	return f.occupancy[slotID], nil
}

func (f *FakeStore) DecrementOccupancy(ctx context.Context, slotID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.occupancy[slotID] - 1
	if v < 0 {
		v = 0
	}
	f.occupancy[slotID] = v
	return v, nil
}

func (f *FakeStore) GetOccupancy(ctx context.Context, slotID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occupancy[slotID], nil
}

func (f *FakeStore) SetActiveSlot(ctx context.Context, playerID, slotID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.activeSlot[playerID]
	f.activeSlot[playerID] = slotID
	return prev, nil
}

func (f *FakeStore) GetActiveSlot(ctx context.Context, playerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeSlot[playerID], nil
}

func (f *FakeStore) RemoveActivePlayersForSlot(ctx context.Context, slotID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var evicted []string
	for playerID, sid := range f.activeSlot {
		if sid == slotID {
			evicted = append(evicted, playerID)
		}
	}
	for _, playerID := range evicted {
		delete(f.activeSlot, playerID)
	}
	sort.Strings(evicted)
	return evicted, nil
}

func (f *FakeStore) PushRecentSlot(ctx context.Context, playerID, slotID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent[playerID] = append(f.recent[playerID], recentEntry{slotID: slotID, at: now})
	return nil
}

func (f *FakeStore) RecentSlotPlayers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.recent))
	for playerID := range f.recent {
		out = append(out, playerID)
	}
	sort.Strings(out)
	return out, nil
}

func (f *FakeStore) GetRecentSlots(ctx context.Context, playerID string, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.recent[playerID]
	out := make([]string, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.slotID
	}
	return out, nil
}

func (f *FakeStore) TrimRecentSlots(ctx context.Context, playerID string, now time.Time, maxAge time.Duration, maxCount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.recent[playerID]
	cutoff := now.Add(-maxAge)
	kept := entries[:0:0]
	for _, e := range entries {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	if int64(len(kept)) > maxCount {
		kept = kept[int64(len(kept))-maxCount:]
	}
	f.recent[playerID] = kept
	return nil
}

func (f *FakeStore) StoreMatchRoster(ctx context.Context, roster model.MatchRoster) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosters[roster.SlotID] = roster
	return nil
}

func (f *FakeStore) GetMatchRoster(ctx context.Context, slotID string) (*model.MatchRoster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rosters[slotID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *FakeStore) RemoveMatchRoster(ctx context.Context, slotID string) (*model.MatchRoster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rosters[slotID]
	if !ok {
		return nil, nil
	}
	delete(f.rosters, slotID)
	return &r, nil
}

func (f *FakeStore) EnqueuePartyReservation(ctx context.Context, familyID string, snap model.PartyReservationSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partyQueue[familyID] = append(f.partyQueue[familyID], snap)
	return nil
}

func (f *FakeStore) EnqueuePartyReservationFront(ctx context.Context, familyID string, snap model.PartyReservationSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partyQueue[familyID] = append([]model.PartyReservationSnapshot{snap}, f.partyQueue[familyID]...)
	return nil
}

func (f *FakeStore) PollPartyReservation(ctx context.Context, familyID string) (*model.PartyReservationSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.partyQueue[familyID]
	if len(q) == 0 {
		return nil, nil
	}
	snap := q[0]
	f.partyQueue[familyID] = q[1:]
	return &snap, nil
}

func (f *FakeStore) SavePartyAllocation(ctx context.Context, alloc model.PartyReservationAllocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partyAlloc[alloc.Snapshot.ReservationID] = alloc
	return nil
}

func (f *FakeStore) GetPartyAllocation(ctx context.Context, reservationID string) (*model.PartyReservationAllocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.partyAlloc[reservationID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *FakeStore) RemovePartyAllocation(ctx context.Context, reservationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.partyAlloc, reservationID)
	delete(f.partyPend, reservationID)
	return nil
}

func (f *FakeStore) GetPartyAllocations(ctx context.Context) ([]model.PartyReservationAllocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.PartyReservationAllocation, 0, len(f.partyAlloc))
	for _, a := range f.partyAlloc {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Snapshot.ReservationID < out[j].Snapshot.ReservationID
	})
	return out, nil
}

func (f *FakeStore) EnqueuePendingReservationPlayer(ctx context.Context, reservationID string, pctx model.PlayerRequestContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partyPend[reservationID] = append(f.partyPend[reservationID], pctx)
	return nil
}

func (f *FakeStore) DrainPendingReservationPlayers(ctx context.Context, reservationID string) ([]model.PlayerRequestContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.partyPend[reservationID]
	delete(f.partyPend, reservationID)
	return out, nil
}

func (f *FakeStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	f.zsets[key][member] = score
	return nil
}

func (f *FakeStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, s := range f.zsets[key] {
		if s <= max {
			pairs = append(pairs, pair{m, s})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	if limit > 0 && int64(len(pairs)) > limit {
		pairs = pairs[:limit]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (f *FakeStore) ZRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.zsets[key], m)
	}
	return nil
}
