// Package matchroster reacts to backend-reported match rosters, keeping
// the active player tracker in sync with which players are actually
// in-progress on a slot.
package matchroster

import (
	"context"
	"time"

	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/store"
	"github.com/galeforge/fulcrum-registry/internal/tracker"
)

// Service owns the MatchRosterCreated/MatchRosterEnded transitions.
type Service struct {
	store   store.Store
	tracker *tracker.Tracker
}

// New builds a Service.
func New(s store.Store, t *tracker.Tracker) *Service {
	return &Service{store: s, tracker: t}
}

// RosterCreated stores the roster and records its players as active. If
// players is empty, the roster is discarded and any previously active
// players for the slot are cleared instead.
func (s *Service) RosterCreated(ctx context.Context, slotID, matchID string, players []string) error {
	if len(players) == 0 {
		_, err := s.tracker.ClearActivePlayersForSlot(ctx, slotID)
		return err
	}

	roster := model.MatchRoster{
		SlotID:    slotID,
		MatchID:   matchID,
		Players:   players,
		CreatedAt: time.Now(),
	}
	if err := s.store.StoreMatchRoster(ctx, roster); err != nil {
		return err
	}
	return s.tracker.RecordActivePlayers(ctx, slotID, players)
}

// RosterEnded removes the roster and clears its players' active slots,
// pushing each into recent-slot history. Falls back to clearing whatever
// is active on the slot if no roster was stored.
func (s *Service) RosterEnded(ctx context.Context, slotID string) error {
	roster, err := s.store.RemoveMatchRoster(ctx, slotID)
	if err != nil {
		return err
	}
	if roster == nil {
		_, err := s.tracker.ClearActivePlayersForSlot(ctx, slotID)
		return err
	}

	now := time.Now()
	for _, playerID := range roster.Players {
		prev, err := s.store.SetActiveSlot(ctx, playerID, "")
		if err != nil {
			return err
		}
		if prev == slotID || prev == "" {
			if err := s.store.PushRecentSlot(ctx, playerID, slotID, now); err != nil {
				return err
			}
		}
	}
	return nil
}
