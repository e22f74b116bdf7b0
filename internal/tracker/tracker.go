// Package tracker implements the active player tracker: it wraps the
// routing store's player/slot operations with the policies the rest of
// the registry relies on for blocklists and rejoin/recent history.
package tracker

import (
	"context"
	"sort"
	"time"

	"github.com/galeforge/fulcrum-registry/internal/store"
)

// Tracker wraps a store.Store with the active-player and recent-slot
// policies shared by the match roster service and the routing pipeline.
type Tracker struct {
	store       store.Store
	recentTTL   time.Duration
	recentLimit int64
}

// New builds a Tracker. recentTTL and recentLimit bound the recent-slot
// history kept per player.
func New(s store.Store, recentTTL time.Duration, recentLimit int64) *Tracker {
	return &Tracker{store: s, recentTTL: recentTTL, recentLimit: recentLimit}
}

// RecordActivePlayers sets each player's active slot to slotID; if a
// player had a different previous active slot, the previous slot is
// pushed into recent-slot history.
func (t *Tracker) RecordActivePlayers(ctx context.Context, slotID string, players []string) error {
	now := time.Now()
	for _, playerID := range players {
		prev, err := t.store.SetActiveSlot(ctx, playerID, slotID)
		if err != nil {
			return err
		}
		if prev != "" && prev != slotID {
			if err := t.store.PushRecentSlot(ctx, playerID, prev, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// ClearActivePlayersForSlot evicts every player currently active on
// slotID, pushing each into recent-slot history at now, and returns the
// set of evicted player ids.
func (t *Tracker) ClearActivePlayersForSlot(ctx context.Context, slotID string) ([]string, error) {
	evicted, err := t.store.RemoveActivePlayersForSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, playerID := range evicted {
		if err := t.store.PushRecentSlot(ctx, playerID, slotID, now); err != nil {
			return nil, err
		}
	}
	return evicted, nil
}

// ResolveRecentBlockedSlots returns the normalized recent-slot set for
// playerID for use as a routing blocklist, trimming old entries first.
func (t *Tracker) ResolveRecentBlockedSlots(ctx context.Context, playerID string) (map[string]struct{}, error) {
	now := time.Now()
	if err := t.store.TrimRecentSlots(ctx, playerID, now, t.recentTTL, t.recentLimit); err != nil {
		return nil, err
	}
	slots, err := t.store.GetRecentSlots(ctx, playerID, now)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(slots))
	for _, s := range slots {
		out[s] = struct{}{}
	}
	return out, nil
}

// sortedCopy is a small test/debug helper returning the blocklist as a
// deterministically ordered slice.
func sortedCopy(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
