package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/galeforge/fulcrum-registry/internal/fulcrumerr"
	"github.com/galeforge/fulcrum-registry/internal/model"
)

// RedisStore is the production Store backed by a single go-redis/v8
// client, wired up exactly the way the teacher connects Redis in
// gateway/manager.go's NewManager (redis.NewClient + Ping).
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore pings rdb and wraps it as a Store.
func NewRedisStore(ctx context.Context, rdb *redis.Client) (*RedisStore, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{rdb: rdb}, nil
}

// Ping reports routing-store reachability for the connectivity watchdog.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) ReserveFamilyCapacity(ctx context.Context, serverID, familyID string) (int, error) {
	res, err := reserveFamilyCapacityScript.Run(ctx, s.rdb,
		[]string{serverFamilyCapacityKey(serverID), slotsByFamilyKey(familyID), serverFamiliesKey(serverID)},
		familyID, serverID,
	).Int()
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (s *RedisStore) ReleaseFamilyCapacity(ctx context.Context, serverID, familyID string) (int, error) {
	res, err := releaseFamilyCapacityScript.Run(ctx, s.rdb,
		[]string{serverFamilyCapacityKey(serverID), slotsByFamilyKey(familyID), serverFamiliesKey(serverID)},
		familyID, serverID,
	).Int()
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (s *RedisStore) SyncServer(ctx context.Context, b *model.Backend) error {
	pipe := s.rdb.TxPipeline()

	caps := make(map[string]interface{}, len(b.Families))
	totals := make(map[string]interface{}, len(b.Families))
	families := make([]interface{}, 0, len(b.Families))
	for familyID, fam := range b.Families {
		free := b.FamilySlotsFree[familyID]
		caps[familyID] = free
		totals[familyID] = fam.MaxConcurrentSlots
		families = append(families, familyID)
	}

	if len(caps) > 0 {
		pipe.HSet(ctx, serverFamilyCapacityKey(b.ID), caps)
		pipe.HSet(ctx, serverFamilyTotalKey(b.ID), totals)
		pipe.SAdd(ctx, serverFamiliesKey(b.ID), families...)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) StoreSlot(ctx context.Context, slot *model.LogicalSlot) error {
	fields := map[string]interface{}{
		"serverId":      slot.ServerID,
		"slotSuffix":    slot.Suffix,
		"family":        slot.FamilyID,
		"variant":       slot.VariantID,
		"status":        string(slot.Status),
		"maxPlayers":    slot.MaxPlayers,
		"onlinePlayers": slot.OnlinePlayers,
		"lastUpdated":   slot.LastUpdatedAt.UnixNano(),
	}
	for k, v := range slot.Metadata {
		fields["meta:"+k] = v
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, slotKey(slot.SlotID), fields)
	pipe.SAdd(ctx, slotsByFamilyKey(slot.FamilyID), slot.SlotID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RemoveSlot(ctx context.Context, slotID, familyID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, slotKey(slotID))
	pipe.SRem(ctx, slotsByFamilyKey(familyID), slotID)
	pipe.Del(ctx, occupancyKey(slotID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ServersForFamily(ctx context.Context, familyID string) ([]string, error) {
	return s.rdb.SMembers(ctx, slotsByFamilyKey(familyID)).Result()
}

func (s *RedisStore) IncrementOccupancy(ctx context.Context, slotID string) (int, error) {
	return incrDecrOccupancyScript.Run(ctx, s.rdb, []string{occupancyKey(slotID)}, 1).Int()
}

func (s *RedisStore) DecrementOccupancy(ctx context.Context, slotID string) (int, error) {
	return incrDecrOccupancyScript.Run(ctx, s.rdb, []string{occupancyKey(slotID)}, -1).Int()
}

func (s *RedisStore) GetOccupancy(ctx context.Context, slotID string) (int, error) {
	v, err := s.rdb.Get(ctx, occupancyKey(slotID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *RedisStore) SetActiveSlot(ctx context.Context, playerID, slotID string) (string, error) {
	prev, err := s.rdb.HGet(ctx, activeSlotHashKey(), playerID).Result()
	if err != nil && err != redis.Nil {
		return "", err
	}
	if err := s.rdb.HSet(ctx, activeSlotHashKey(), playerID, slotID).Err(); err != nil {
		return "", err
	}
	if err == redis.Nil {
		return "", nil
	}
	return prev, nil
}

func (s *RedisStore) GetActiveSlot(ctx context.Context, playerID string) (string, error) {
	v, err := s.rdb.HGet(ctx, activeSlotHashKey(), playerID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *RedisStore) RemoveActivePlayersForSlot(ctx context.Context, slotID string) ([]string, error) {
	all, err := s.rdb.HGetAll(ctx, activeSlotHashKey()).Result()
	if err != nil {
		return nil, err
	}

	var evicted []string
	pipe := s.rdb.TxPipeline()
	for playerID, sid := range all {
		if sid == slotID {
			evicted = append(evicted, playerID)
			pipe.HDel(ctx, activeSlotHashKey(), playerID)
		}
	}
	if len(evicted) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	return evicted, nil
}

func (s *RedisStore) PushRecentSlot(ctx context.Context, playerID, slotID string, now time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, recentSlotsKey(playerID), &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: slotID,
	})
	pipe.SAdd(ctx, recentSlotPlayersIndexKey(), playerID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RecentSlotPlayers(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, recentSlotPlayersIndexKey()).Result()
}

func (s *RedisStore) GetRecentSlots(ctx context.Context, playerID string, now time.Time) ([]string, error) {
	return s.rdb.ZRevRange(ctx, recentSlotsKey(playerID), 0, -1).Result()
}

func (s *RedisStore) TrimRecentSlots(ctx context.Context, playerID string, now time.Time, maxAge time.Duration, maxCount int64) error {
	cutoff := now.Add(-maxAge).UnixNano()
	if err := s.rdb.ZRemRangeByScore(ctx, recentSlotsKey(playerID), "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return err
	}
	// Bound by count: keep the maxCount most recent entries.
	return s.rdb.ZRemRangeByRank(ctx, recentSlotsKey(playerID), 0, -maxCount-1).Err()
}

func (s *RedisStore) StoreMatchRoster(ctx context.Context, roster model.MatchRoster) error {
	b, err := msgpack.Marshal(roster)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, matchRosterKey(roster.SlotID), b, 0).Err()
}

func (s *RedisStore) GetMatchRoster(ctx context.Context, slotID string) (*model.MatchRoster, error) {
	b, err := s.rdb.Get(ctx, matchRosterKey(slotID)).Bytes()
	if err == redis.Nil {
		return nil, fulcrumerr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var roster model.MatchRoster
	if err := msgpack.Unmarshal(b, &roster); err != nil {
		return nil, err
	}
	return &roster, nil
}

func (s *RedisStore) RemoveMatchRoster(ctx context.Context, slotID string) (*model.MatchRoster, error) {
	roster, err := s.GetMatchRoster(ctx, slotID)
	if err != nil {
		if err == fulcrumerr.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if err := s.rdb.Del(ctx, matchRosterKey(slotID)).Err(); err != nil {
		return nil, err
	}
	return roster, nil
}

func (s *RedisStore) EnqueuePartyReservation(ctx context.Context, familyID string, snap model.PartyReservationSnapshot) error {
	b, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, partyQueueKey(familyID), b).Err()
}

func (s *RedisStore) EnqueuePartyReservationFront(ctx context.Context, familyID string, snap model.PartyReservationSnapshot) error {
	b, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, partyQueueKey(familyID), b).Err()
}

func (s *RedisStore) PollPartyReservation(ctx context.Context, familyID string) (*model.PartyReservationSnapshot, error) {
	b, err := s.rdb.LPop(ctx, partyQueueKey(familyID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.PartyReservationSnapshot
	if err := msgpack.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *RedisStore) SavePartyAllocation(ctx context.Context, alloc model.PartyReservationAllocation) error {
	b, err := msgpack.Marshal(alloc)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, partyAllocationKey(alloc.Snapshot.ReservationID), b, 0)
	pipe.SAdd(ctx, partyAllocationIndexKey(), alloc.Snapshot.ReservationID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetPartyAllocation(ctx context.Context, reservationID string) (*model.PartyReservationAllocation, error) {
	b, err := s.rdb.Get(ctx, partyAllocationKey(reservationID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var alloc model.PartyReservationAllocation
	if err := msgpack.Unmarshal(b, &alloc); err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (s *RedisStore) RemovePartyAllocation(ctx context.Context, reservationID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, partyAllocationKey(reservationID))
	pipe.SRem(ctx, partyAllocationIndexKey(), reservationID)
	pipe.Del(ctx, partyPendingKey(reservationID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetPartyAllocations(ctx context.Context) ([]model.PartyReservationAllocation, error) {
	ids, err := s.rdb.SMembers(ctx, partyAllocationIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.PartyReservationAllocation, 0, len(ids))
	for _, id := range ids {
		alloc, err := s.GetPartyAllocation(ctx, id)
		if err != nil {
			return nil, err
		}
		if alloc != nil {
			out = append(out, *alloc)
		}
	}
	return out, nil
}

func (s *RedisStore) EnqueuePendingReservationPlayer(ctx context.Context, reservationID string, pctx model.PlayerRequestContext) error {
	b, err := msgpack.Marshal(pctx)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, partyPendingKey(reservationID), b).Err()
}

func (s *RedisStore) DrainPendingReservationPlayers(ctx context.Context, reservationID string) ([]model.PlayerRequestContext, error) {
	key := partyPendingKey(reservationID)
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return nil, err
	}
	out := make([]model.PlayerRequestContext, 0, len(vals))
	for _, v := range vals {
		var pctx model.PlayerRequestContext
		if err := msgpack.Unmarshal([]byte(v), &pctx); err != nil {
			return nil, err
		}
		out = append(out, pctx)
	}
	return out, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%f", max),
		Count: limit,
	}).Result()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, key, args...).Err()
}
