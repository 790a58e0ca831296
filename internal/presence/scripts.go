package presence

import "github.com/redis/go-redis/v9"

// The three mutating operations each execute as one server-side script, so a
// crash between commands can never leave aggregate entries pointing at a
// missing conn hash. Epochs are formatted with %.0f because Lua numbers are
// doubles and plain tostring falls back to exponent notation above 1e14.

// joinScript writes the conn hash and every room aggregate in one unit and
// allocates the epoch: max(storedEpoch+1, nowMs), strictly monotonic per
// connId even across process restarts.
//
// KEYS: 1=conn 2=roomConns 3=roomMembers 4=roomLastSeen 5=roomConnMeta
//
//	6=userConns 7=activeRooms
//
// ARGV: 1=connId 2=userId 3=roomId 4=stateJSON 5=nowMs 6=ttlMs
// Returns the allocated epoch as a decimal string.
var joinScript = redis.NewScript(`
local epoch = tonumber(ARGV[5])
local stored = redis.call('HGET', KEYS[1], 'epoch')
if stored and tonumber(stored) + 1 > epoch then
  epoch = tonumber(stored) + 1
end
local epochStr = string.format('%.0f', epoch)
redis.call('HSET', KEYS[1],
  'user_id', ARGV[2],
  'room_id', ARGV[3],
  'state', ARGV[4],
  'epoch', epochStr,
  'last_seen_ms', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
redis.call('ZADD', KEYS[4], tonumber(ARGV[5]), ARGV[1])
redis.call('HSET', KEYS[5], ARGV[1], '{"userId":' .. cjson.encode(ARGV[2]) .. ',"epoch":' .. epochStr .. '}')
redis.call('SADD', KEYS[6], ARGV[1])
redis.call('SADD', KEYS[7], ARGV[3])
return epochStr
`)

// heartbeatScript refreshes liveness and optionally overwrites the state
// field, fenced on the stored epoch. A supplied epoch below the stored one
// is a complete no-op: no TTL refresh, no last_seen update, no state write.
//
// KEYS: 1=conn 2=roomLastSeen
// ARGV: 1=connId 2=epoch 3=nowMs 4=ttlMs 5=changed("1"/"0") 6=stateJSON
// Returns {status, storedEpoch} with status one of missing|fenced|ok.
var heartbeatScript = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], 'epoch')
if not stored then
  return {'missing', '0'}
end
if tonumber(ARGV[2]) < tonumber(stored) then
  return {'fenced', stored}
end
redis.call('HSET', KEYS[1], 'last_seen_ms', ARGV[3])
if ARGV[5] == '1' then
  redis.call('HSET', KEYS[1], 'state', ARGV[6])
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
return {'ok', stored}
`)

// leaveScript removes one connection from a room and repairs the aggregates:
// membership recompute from the conn_meta sidecar, active_rooms removal when
// the room empties. It guards against two races: the conn re-joining a
// different room (conn hash untouched, 'moved'), and — on the reap path,
// when ARGV[4] is set — the conn heartbeating between scan and reap
// ('fresh'). The SREM result decides event publication: only the caller that
// actually removed the live entry reports 'removed', so concurrent leaves
// publish at most once.
//
// The script still works when the conn hash has already expired but the
// aggregates linger; that is the normal reaper case since the hash TTL is
// shorter than the reaper lookback.
//
// KEYS: 1=conn 2=roomConns 3=roomMembers 4=roomLastSeen 5=roomConnMeta
//
//	6=userConns 7=activeRooms
//
// ARGV: 1=connId 2=roomId 3=userId 4=staleBeforeMs("" = unconditional)
// Returns moved|fresh|gone|removed.
var leaveScript = redis.NewScript(`
local room = redis.call('HGET', KEYS[1], 'room_id')
if room and room ~= ARGV[2] then
  return 'moved'
end
if ARGV[4] ~= '' then
  local score = redis.call('ZSCORE', KEYS[4], ARGV[1])
  if not score then
    return 'gone'
  end
  if tonumber(score) >= tonumber(ARGV[4]) then
    return 'fresh'
  end
end
local present = redis.call('SREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('SREM', KEYS[6], ARGV[1])
local remaining = 0
local meta = redis.call('HGETALL', KEYS[5])
for i = 2, #meta, 2 do
  local ok, entry = pcall(cjson.decode, meta[i])
  if ok and entry['userId'] == ARGV[3] then
    remaining = remaining + 1
  end
end
if remaining == 0 then
  redis.call('SREM', KEYS[3], ARGV[3])
end
if redis.call('SCARD', KEYS[2]) == 0 then
  redis.call('SREM', KEYS[7], ARGV[2])
end
if present == 0 then
  return 'gone'
end
return 'removed'
`)
