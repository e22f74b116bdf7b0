package store

import "github.com/go-redis/redis/v8"

// reserveFamilyCapacityScript implements spec § 4.A's
// reserveFamilyCapacity(serverId, familyId) -> remaining | -1: decrement
// atomically, re-index the family->servers and server->families sets, and
// never return a partially-mutated result, per § 4.A's failure semantics.
//
// KEYS[1] = servers:<serverId>:family-capacity (hash)
// KEYS[2] = slots:by-family:<familyId> (set, servers member)
// KEYS[3] = servers:<serverId>:families (set)
// ARGV[1] = familyId
// ARGV[2] = serverId
var reserveFamilyCapacityScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
	return -1
end
cur = tonumber(cur)
if cur <= 0 then
	return -1
end
local newval = cur - 1
redis.call('HSET', KEYS[1], ARGV[1], newval)
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
return newval
`)

// releaseFamilyCapacityScript implements the compensating release: it must
// be callable even when the reserve never happened (e.g. compensating a
// later failed leg), so it never errors on an absent hash field.
var releaseFamilyCapacityScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
	cur = 0
else
	cur = tonumber(cur)
end
local newval = cur + 1
redis.call('HSET', KEYS[1], ARGV[1], newval)
if newval > 0 then
	redis.call('SADD', KEYS[2], ARGV[2])
end
return newval
`)

// incrDecrOccupancyScript adjusts a per-slot occupancy counter without
// letting it go negative, since occupancy only ever tracks players
// pre-allocated but not yet reported online by the backend.
//
// KEYS[1] = occupancy:<slotId>
// ARGV[1] = delta (1 or -1)
var incrDecrOccupancyScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	cur = 0
else
	cur = tonumber(cur)
end
local delta = tonumber(ARGV[1])
local newval = cur + delta
if newval < 0 then
	newval = 0
end
redis.call('SET', KEYS[1], newval)
return newval
`)
