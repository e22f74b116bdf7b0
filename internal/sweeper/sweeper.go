// Package sweeper runs the periodic expiry/purge pass: social blocks,
// shutdown tickets, and recent-slot history entries beyond their TTL and
// bound, on a robfig/cron schedule.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/galeforge/fulcrum-registry/internal/store"
)

// TicketExpirer is satisfied by *shutdown.Manager.
type TicketExpirer interface {
	SweepExpiredTickets(now time.Time) int
}

// SocialBlocksKey is the sorted-set key holding expiring social blocks;
// membership and scoring are owned by the social-graph collaborator this
// registry only purges on its behalf.
const SocialBlocksKey = "fulcrum:registry:social:blocks"

// Config bounds how much of each sweep runs per tick.
type Config struct {
	Schedule        string // cron spec, e.g. "@every 30s"
	SocialBlockScanLimit int64
	RecentSlotTTL   time.Duration
	RecentSlotLimit int64
}

// DefaultConfig matches the registry's own defaults for background sweeps.
func DefaultConfig() Config {
	return Config{
		Schedule:             "@every 30s",
		SocialBlockScanLimit: 500,
		RecentSlotTTL:        24 * time.Hour,
		RecentSlotLimit:      20,
	}
}

// Sweeper owns the cron-scheduled maintenance pass.
type Sweeper struct {
	store   store.Store
	tickets TicketExpirer
	cfg     Config
	log     zerolog.Logger
	cron    *cron.Cron
}

// New builds a Sweeper. Call Start to begin the schedule.
func New(s store.Store, tickets TicketExpirer, cfg Config, log zerolog.Logger) *Sweeper {
	return &Sweeper{store: s, tickets: tickets, cfg: cfg, log: log.With().Str("component", "sweeper").Logger()}
}

// Start registers the sweep job and begins the cron scheduler.
func (sw *Sweeper) Start(ctx context.Context) error {
	sw.cron = cron.New()
	_, err := sw.cron.AddFunc(sw.cfg.Schedule, func() { sw.runOnce(ctx) })
	if err != nil {
		return err
	}
	sw.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (sw *Sweeper) Stop() {
	if sw.cron != nil {
		ctx := sw.cron.Stop()
		<-ctx.Done()
	}
}

func (sw *Sweeper) runOnce(ctx context.Context) {
	now := time.Now()

	blocked, err := sw.sweepSocialBlocks(ctx, now)
	if err != nil {
		sw.log.Warn().Err(err).Msg("social block sweep failed")
	}

	dropped := 0
	if sw.tickets != nil {
		dropped = sw.tickets.SweepExpiredTickets(now)
	}

	recent, err := sw.sweepRecentSlotHistory(ctx, now)
	if err != nil {
		sw.log.Warn().Err(err).Msg("recent-slot sweep failed")
	}

	sw.log.Debug().
		Int("socialBlocksExpired", blocked).
		Int("ticketsExpired", dropped).
		Int("playersTrimmed", recent).
		Msg("sweep complete")
}

// sweepSocialBlocks drops expired entries from the social-blocks sorted
// set, a collaborator whose schema this registry does not own beyond the
// expiry convention (score = unix nanos of expiry).
func (sw *Sweeper) sweepSocialBlocks(ctx context.Context, now time.Time) (int, error) {
	expired, err := sw.store.ZRangeByScore(ctx, SocialBlocksKey, float64(now.UnixNano()), sw.cfg.SocialBlockScanLimit)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := sw.store.ZRem(ctx, SocialBlocksKey, expired...); err != nil {
		return 0, err
	}
	return len(expired), nil
}

func (sw *Sweeper) sweepRecentSlotHistory(ctx context.Context, now time.Time) (int, error) {
	players, err := sw.store.RecentSlotPlayers(ctx)
	if err != nil {
		return 0, err
	}
	for _, playerID := range players {
		if err := sw.store.TrimRecentSlots(ctx, playerID, now, sw.cfg.RecentSlotTTL, sw.cfg.RecentSlotLimit); err != nil {
			return 0, err
		}
	}
	return len(players), nil
}
