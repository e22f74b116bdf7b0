// Package store is the typed routing-store layer from spec § 4.A: a thin
// accessor over Redis for every piece of fleet state that must survive a
// registry restart, with server-side scripts backing the operations that
// must be atomic across keys.
package store

import (
	"context"
	"time"

	"github.com/galeforge/fulcrum-registry/internal/model"
)

// NoCapacity is the sentinel value ReserveFamilyCapacity returns when no
// capacity is available, per spec § 4.A.
const NoCapacity = -1

// Store is the full routing-store surface. RedisStore and FakeStore both
// satisfy it; every caller in the registry only ever depends on this
// interface so tests never need a live Redis.
type Store interface {
	// Ping reports whether the store is reachable, for the connectivity
	// watchdog behind spec § 7's Fatal error kind.
	Ping(ctx context.Context) error

	// Family capacity reserve/release (atomic).
	ReserveFamilyCapacity(ctx context.Context, serverID, familyID string) (int, error)
	ReleaseFamilyCapacity(ctx context.Context, serverID, familyID string) (int, error)

	// Server/slot mirrors.
	SyncServer(ctx context.Context, b *model.Backend) error
	StoreSlot(ctx context.Context, s *model.LogicalSlot) error
	RemoveSlot(ctx context.Context, slotID, familyID string) error
	ServersForFamily(ctx context.Context, familyID string) ([]string, error)

	// Occupancy counters.
	IncrementOccupancy(ctx context.Context, slotID string) (int, error)
	DecrementOccupancy(ctx context.Context, slotID string) (int, error)
	GetOccupancy(ctx context.Context, slotID string) (int, error)

	// Player active slot.
	SetActiveSlot(ctx context.Context, playerID, slotID string) (previous string, err error)
	GetActiveSlot(ctx context.Context, playerID string) (string, error)
	RemoveActivePlayersForSlot(ctx context.Context, slotID string) ([]string, error)

	// Recent-slot history.
	PushRecentSlot(ctx context.Context, playerID, slotID string, now time.Time) error
	GetRecentSlots(ctx context.Context, playerID string, now time.Time) ([]string, error)
	TrimRecentSlots(ctx context.Context, playerID string, now time.Time, maxAge time.Duration, maxCount int64) error
	RecentSlotPlayers(ctx context.Context) ([]string, error)

	// Match roster.
	StoreMatchRoster(ctx context.Context, roster model.MatchRoster) error
	RemoveMatchRoster(ctx context.Context, slotID string) (*model.MatchRoster, error)
	GetMatchRoster(ctx context.Context, slotID string) (*model.MatchRoster, error)

	// Party reservation queues (FIFO per family).
	EnqueuePartyReservation(ctx context.Context, familyID string, snap model.PartyReservationSnapshot) error
	EnqueuePartyReservationFront(ctx context.Context, familyID string, snap model.PartyReservationSnapshot) error
	PollPartyReservation(ctx context.Context, familyID string) (*model.PartyReservationSnapshot, error)

	// Active party allocations.
	SavePartyAllocation(ctx context.Context, alloc model.PartyReservationAllocation) error
	GetPartyAllocation(ctx context.Context, reservationID string) (*model.PartyReservationAllocation, error)
	RemovePartyAllocation(ctx context.Context, reservationID string) error
	GetPartyAllocations(ctx context.Context) ([]model.PartyReservationAllocation, error)

	// Pending-player-per-reservation lists.
	EnqueuePendingReservationPlayer(ctx context.Context, reservationID string, pctx model.PlayerRequestContext) error
	DrainPendingReservationPlayers(ctx context.Context, reservationID string) ([]model.PlayerRequestContext, error)

	// Generic expiry sorted set, shared by shutdown tickets and social blocks.
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
}
