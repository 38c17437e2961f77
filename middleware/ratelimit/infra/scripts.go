package infra

import "github.com/redis/go-redis/v9"

// admitScript evaluates the global and route buckets for one request
// atomically. KEYS: 1=global limit key, 2=global count key,
// 3=route limit key, 4=route count key, 5=route reset_after key,
// 6=global lock key, 7=route lock key. ARGV: 1=lock token,
// 2="1"/"0" skip the global bucket entirely (DISABLE_GLOBAL_RATELIMIT).
//
// Reply is a flat array: {code, a, b, c} where code selects the
// outcome and the trailing fields carry whatever that outcome needs
// (rejected limit/reset info, or the admitted lock flags).
var admitScript = redis.NewScript(`
local global_limit_key = KEYS[1]
local global_count_key = KEYS[2]
local route_limit_key = KEYS[3]
local route_count_key = KEYS[4]
local route_reset_after_key = KEYS[5]
local global_lock_key = KEYS[6]
local route_lock_key = KEYS[7]
local lock_token = ARGV[1]
local skip_global = ARGV[2] == '1'

local global_known = true
local global_limit_raw = false
if not skip_global then
  global_limit_raw = redis.call('GET', global_limit_key)
  global_known = global_limit_raw ~= false
end

local route_limit_raw = redis.call('GET', route_limit_key)
local route_known = route_limit_raw ~= false

local global_incremented = false
local route_incremented = false

-- 1. global evaluation
if global_known and not skip_global then
  local global_limit = tonumber(global_limit_raw)
  local global_count = redis.call('INCR', global_count_key)
  global_incremented = true

  if tonumber(global_count) > global_limit then
    redis.call('DECR', global_count_key)
    return {0, global_limit}
  end
end

-- 2. route evaluation
if route_known then
  local route_limit = tonumber(route_limit_raw)
  local route_count = redis.call('INCR', route_count_key)
  route_incremented = true

  if tonumber(route_count) > route_limit then
    local reset_after_ttl = redis.call('PTTL', route_reset_after_key)

    if reset_after_ttl and reset_after_ttl > 0 then
      redis.call('DECR', route_count_key)
      if global_incremented then
        redis.call('DECR', global_count_key)
      end

      local now = redis.call('TIME')
      local now_ms = tonumber(now[1]) * 1000 + math.floor(tonumber(now[2]) / 1000)
      return {1, route_limit, now_ms + reset_after_ttl, reset_after_ttl}
    end

    -- stale route window: fall through to discovery below
    route_known = false
  end
end

-- 3. discovery for unknown buckets
local need_global = false
local need_route = false

if not global_known then
  local got = redis.call('SET', global_lock_key, lock_token, 'NX', 'EX', 5)
  if got then
    -- holder; proceed without counting this request against an
    -- unknown limit
  else
    need_global = true
  end
end

if not route_known then
  local got = redis.call('SET', route_lock_key, lock_token, 'NX', 'EX', 5)
  if got then
    -- holder
  else
    need_route = true
  end
end

if need_global or need_route then
  if global_incremented then
    local v = redis.call('DECR', global_count_key)
    if tonumber(v) <= 0 then redis.call('DEL', global_count_key) end
  end
  if route_incremented then
    local v = redis.call('DECR', route_count_key)
    if tonumber(v) <= 0 then redis.call('DEL', route_count_key) end
  end

  if need_global and need_route then
    return {4}
  elseif need_global then
    return {2}
  else
    return {3}
  end
end

local holds_global = (not global_known) and 1 or 0
local holds_route = (not route_known) and 1 or 0

return {5, holds_global, holds_route}
`)

// unlockGlobalScript publishes a discovered global limit if lockToken
// still holds the lock. ARGV: 1=lock token, 2=limit, 3=ttl ms (0 =
// no TTL). KEYS: 1=global limit key, 2=global lock key.
var unlockGlobalScript = redis.NewScript(`
local limit_key = KEYS[1]
local lock_key = KEYS[2]

local lock_token = ARGV[1]
local limit = ARGV[2]
local ttl_ms = tonumber(ARGV[3])

local current = redis.call('GET', lock_key)
if current ~= lock_token then
  return false
end

if ttl_ms > 0 then
  redis.call('SET', limit_key, limit, 'PX', ttl_ms)
else
  redis.call('SET', limit_key, limit)
end

redis.call('DEL', lock_key)
redis.call('PUBLISH', 'unlock', limit_key)
return true
`)

// unlockRouteScript publishes a discovered or refreshed route limit.
// KEYS: 1=route limit key, 2=route lock key, 3=route count key,
// 4=route reset_after key. ARGV: 1=lock token (may be empty),
// 2=limit, 3=reset-at ms, 4=reset-after ms, 5=limit ttl ms (0=none).
var unlockRouteScript = redis.NewScript(`
local limit_key = KEYS[1]
local lock_key = KEYS[2]
local count_key = KEYS[3]
local reset_after_key = KEYS[4]

local lock_token = ARGV[1]
local limit = ARGV[2]
local reset_at_ms = tonumber(ARGV[3])
local reset_after_ms = tonumber(ARGV[4])
local limit_ttl_ms = tonumber(ARGV[5])

if lock_token == '' then
  -- lockless refresh: never shorten an existing window
  redis.call('PEXPIREAT', count_key, reset_at_ms, 'GT')
  redis.call('SET', reset_after_key, '1', 'NX')
  redis.call('PEXPIREAT', reset_after_key, reset_at_ms, 'GT')

  if limit_ttl_ms > 0 then
    redis.call('SET', limit_key, limit, 'PX', limit_ttl_ms, 'XX')
  else
    redis.call('SET', limit_key, limit, 'XX')
  end

  return true
end

local current = redis.call('GET', lock_key)
if current ~= lock_token then
  return false
end

if limit_ttl_ms > 0 then
  redis.call('SET', limit_key, limit, 'PX', limit_ttl_ms)
else
  redis.call('SET', limit_key, limit)
end

if reset_after_ms > 0 then
  redis.call('SET', reset_after_key, '1', 'NX')
  redis.call('PEXPIREAT', reset_after_key, reset_at_ms)
  redis.call('PEXPIREAT', count_key, reset_at_ms)
end

redis.call('DEL', lock_key)
redis.call('PUBLISH', 'unlock', limit_key)
return true
`)

// expireCountsScript schedules autonomous expiry of both count keys.
// KEYS: 1=global count key, 2=route count key. ARGV: 1=global
// expire-at ms, 2=route expire-at ms.
var expireCountsScript = redis.NewScript(`
local global_count_key = KEYS[1]
local route_count_key = KEYS[2]

local global_expire_at = tonumber(ARGV[1])
local route_expire_at = tonumber(ARGV[2])

if global_expire_at and global_expire_at > 0 then
  redis.call('PEXPIREAT', global_count_key, global_expire_at, 'LT')
end

if route_expire_at and route_expire_at > 0 then
  redis.call('PEXPIREAT', route_count_key, route_expire_at)
end

return true
`)
