// Package health implements the registry's connectivity watchdog: a
// periodic ping of the routing store that, once connectivity has been
// lost for longer than the configured failover deadline, raises a
// KindFatal error and flips the registry to health=DOWN so it stops
// accepting new work until the store comes back, per spec § 7's Fatal
// error kind.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galeforge/fulcrum-registry/internal/fulcrumerr"
)

// Config bounds how often the watchdog pings and how long a failure
// streak must run before it declares the registry down.
type Config struct {
	PingInterval     time.Duration
	FailoverDeadline time.Duration
}

// DefaultConfig matches the registry's own defaults.
func DefaultConfig() Config {
	return Config{PingInterval: 5 * time.Second, FailoverDeadline: 30 * time.Second}
}

// Pinger is satisfied by store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Watchdog tracks routing-store reachability and exposes a single
// IsDown gate the rest of the registry checks before accepting new work.
type Watchdog struct {
	pinger Pinger
	cfg    Config
	log    zerolog.Logger

	mu           sync.RWMutex
	down         bool
	failingSince time.Time
}

// New builds a Watchdog. Call Start to begin pinging.
func New(pinger Pinger, cfg Config, log zerolog.Logger) *Watchdog {
	return &Watchdog{pinger: pinger, cfg: cfg, log: log.With().Str("component", "health").Logger()}
}

// Start runs the ping loop until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check(ctx)
			}
		}
	}()
}

func (w *Watchdog) check(ctx context.Context) {
	err := w.pinger.Ping(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err == nil {
		if w.down {
			w.log.Info().Msg("routing store connectivity restored, health=UP")
		}
		w.down = false
		w.failingSince = time.Time{}
		return
	}

	if w.failingSince.IsZero() {
		w.failingSince = time.Now()
	}
	if w.down {
		return
	}
	if time.Since(w.failingSince) <= w.cfg.FailoverDeadline {
		return
	}

	w.down = true
	fatal := fulcrumerr.New(fulcrumerr.KindFatal, "store-unreachable", err)
	w.log.Error().Err(fatal).Dur("downFor", time.Since(w.failingSince)).
		Msg("routing store connectivity lost past failover deadline, health=DOWN")
}

// IsDown reports whether the registry should refuse new work and fail
// in-flight requests rather than wait on a store that may never answer.
func (w *Watchdog) IsDown() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.down
}
