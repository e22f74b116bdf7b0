package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/galeforge/fulcrum-registry/internal/store"
)

type fakeTicketExpirer struct{ calls int }

func (f *fakeTicketExpirer) SweepExpiredTickets(now time.Time) int {
	f.calls++
	return 2
}

func TestSweeper_RunOnceSweepsAllThreeKinds(t *testing.T) {
	ctx := context.Background()
	s := store.NewFakeStore()
	now := time.Now()

	require.NoError(t, s.ZAdd(ctx, SocialBlocksKey, "stale-block", float64(now.Add(-time.Hour).UnixNano())))
	require.NoError(t, s.ZAdd(ctx, SocialBlocksKey, "fresh-block", float64(now.Add(time.Hour).UnixNano())))
	require.NoError(t, s.PushRecentSlot(ctx, "p1", "slot-old", now.Add(-48*time.Hour)))

	tickets := &fakeTicketExpirer{}
	sw := New(s, tickets, DefaultConfig(), zerolog.Nop())
	sw.runOnce(ctx)

	require.Equal(t, 1, tickets.calls)

	remaining, err := s.ZRangeByScore(ctx, SocialBlocksKey, float64(now.Add(2*time.Hour).UnixNano()), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"fresh-block"}, remaining)

	recent, err := s.GetRecentSlots(ctx, "p1", now)
	require.NoError(t, err)
	require.Empty(t, recent, "entries older than the configured TTL should be trimmed")
}
