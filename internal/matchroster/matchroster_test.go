package matchroster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/galeforge/fulcrum-registry/internal/store"
	"github.com/galeforge/fulcrum-registry/internal/tracker"
)

func TestService_RosterCreatedRecordsActivePlayers(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()
	svc := New(s, tracker.New(s, time.Hour, 10))

	require.NoError(t, svc.RosterCreated(ctx, "slot-a", "match-1", []string{"p1", "p2"}))

	roster, err := s.GetMatchRoster(ctx, "slot-a")
	require.NoError(t, err)
	require.Equal(t, "match-1", roster.MatchID)

	active, err := s.GetActiveSlot(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "slot-a", active)
}

func TestService_RosterCreatedWithNoPlayersClearsSlot(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()
	svc := New(s, tracker.New(s, time.Hour, 10))

	_, err := s.SetActiveSlot(ctx, "p1", "slot-a")
	require.NoError(t, err)

	require.NoError(t, svc.RosterCreated(ctx, "slot-a", "match-1", nil))

	active, err := s.GetActiveSlot(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestService_RosterEndedPushesRecentAndClears(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()
	svc := New(s, tracker.New(s, time.Hour, 10))

	require.NoError(t, svc.RosterCreated(ctx, "slot-a", "match-1", []string{"p1"}))
	require.NoError(t, svc.RosterEnded(ctx, "slot-a"))

	active, err := s.GetActiveSlot(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, active)

	recent, err := s.GetRecentSlots(ctx, "p1", time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"slot-a"}, recent)

	roster, err := s.GetMatchRoster(ctx, "slot-a")
	require.NoError(t, err)
	require.Nil(t, roster)
}

func TestService_RosterEndedFallsBackWithoutStoredRoster(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()
	svc := New(s, tracker.New(s, time.Hour, 10))

	_, err := s.SetActiveSlot(ctx, "p1", "slot-a")
	require.NoError(t, err)

	require.NoError(t, svc.RosterEnded(ctx, "slot-a"))

	active, err := s.GetActiveSlot(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, active)
}
