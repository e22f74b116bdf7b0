package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestWatchdog_StaysUpUntilDeadlineElapses(t *testing.T) {
	ctx := context.Background()
	pinger := &fakePinger{err: errors.New("dial tcp: connection refused")}
	w := New(pinger, Config{PingInterval: time.Millisecond, FailoverDeadline: time.Hour}, zerolog.Nop())

	w.check(ctx)
	require.False(t, w.IsDown(), "a single failure within the deadline must not flip health to DOWN")
}

func TestWatchdog_GoesDownPastDeadline(t *testing.T) {
	ctx := context.Background()
	pinger := &fakePinger{err: errors.New("dial tcp: connection refused")}
	w := New(pinger, Config{PingInterval: time.Millisecond, FailoverDeadline: time.Millisecond}, zerolog.Nop())

	w.check(ctx)
	time.Sleep(5 * time.Millisecond)
	w.check(ctx)
	require.True(t, w.IsDown())
}

func TestWatchdog_RecoversOnSuccessfulPing(t *testing.T) {
	ctx := context.Background()
	pinger := &fakePinger{err: errors.New("dial tcp: connection refused")}
	w := New(pinger, Config{PingInterval: time.Millisecond, FailoverDeadline: time.Millisecond}, zerolog.Nop())

	w.check(ctx)
	time.Sleep(5 * time.Millisecond)
	w.check(ctx)
	require.True(t, w.IsDown())

	pinger.err = nil
	w.check(ctx)
	require.False(t, w.IsDown())
}
