package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/galeforge/fulcrum-registry/internal/store"
)

func TestTracker_RecordActivePlayersPushesPreviousToRecent(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()
	tr := New(s, time.Hour, 10)

	require.NoError(t, tr.RecordActivePlayers(ctx, "slot-a", []string{"p1"}))
	require.NoError(t, tr.RecordActivePlayers(ctx, "slot-b", []string{"p1"}))

	blocked, err := tr.ResolveRecentBlockedSlots(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"slot-a"}, sortedCopy(blocked))
}

func TestTracker_ClearActivePlayersForSlotPushesRecent(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()
	tr := New(s, time.Hour, 10)

	require.NoError(t, tr.RecordActivePlayers(ctx, "slot-a", []string{"p1", "p2"}))

	evicted, err := tr.ClearActivePlayersForSlot(ctx, "slot-a")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"p1", "p2"}, evicted)

	blocked, err := tr.ResolveRecentBlockedSlots(ctx, "p1")
	require.NoError(t, err)
	require.Contains(t, blocked, "slot-a")
}

func TestTracker_ResolveRecentBlockedSlotsTrimsOldEntries(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()
	tr := New(s, time.Minute, 10)

	require.NoError(t, s.PushRecentSlot(ctx, "p1", "slot-old", time.Now().Add(-time.Hour)))

	blocked, err := tr.ResolveRecentBlockedSlots(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, blocked)
}
