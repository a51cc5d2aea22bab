package queue

import "github.com/redis/go-redis/v9"

// The three scripts below are the only places where jobs move between the
// pending, active and delayed sets. Keeping the moves inside Lua makes each
// transition atomic: a crash between two Redis commands can never leave a
// job in two sets or in none.

// reserveScript takes the oldest visible pending job into active.
//
//	KEYS[1] pending zset
//	KEYS[2] active zset
//	KEYS[3] job hash key prefix ("...:job:")
//	ARGV[1] now (ms), ARGV[2] lease expiry (ms), ARGV[3] lease id, ARGV[4] worker id
//
// Returns the reserved job id, or the empty string when nothing is visible.
var reserveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return ''
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3] .. id, 'status', 'active', 'lease', ARGV[3], 'worker', ARGV[4])
return id
`)

// promoteScript moves every delayed job whose visibility time has passed
// into pending, preserving its score so FIFO order within the same
// visibility instant holds.
//
//	KEYS[1] delayed zset
//	KEYS[2] pending zset
//	ARGV[1] now (ms)
//
// Returns the number of promoted jobs.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES')
local n = 0
for i = 1, #due, 2 do
  local id = due[i]
  local score = due[i + 1]
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], score, id)
  n = n + 1
end
return n
`)

// reapScript returns jobs with expired leases to pending and clears their
// lease so the previous holder can no longer ack or fail them.
//
//	KEYS[1] active zset
//	KEYS[2] pending zset
//	KEYS[3] job hash key prefix ("...:job:")
//	ARGV[1] now (ms)
//
// Returns the number of reaped jobs.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  redis.call('HSET', KEYS[3] .. id, 'status', 'pending')
  redis.call('HDEL', KEYS[3] .. id, 'lease')
end
return #expired
`)
