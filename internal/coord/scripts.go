package coord

// Script identifies a named server-side atomic script. Both backends
// implement the same script semantics: Redis via embedded Lua, the memory
// store via mutex-held Go equivalents.
type Script string

const (
	// ScriptBucketTake implements an atomic token-bucket take.
	//
	// KEYS[1] = bucket hash key
	// ARGV    = capacity, refill (tokens per window), window ms, requested, now ms
	// Returns  {allowed(0|1), remaining, retry_after_ms}
	ScriptBucketTake Script = "bucket_take"

	// ScriptSemAcquire counts live semaphore leases with an incremental
	// scan and creates a new lease key only while under capacity, as one
	// atomic unit so concurrent acquirers cannot over-admit.
	//
	// KEYS[1] = lease key to create
	// ARGV    = lease prefix match pattern, capacity, ttl ms
	// Returns  {acquired(0|1), live count}
	ScriptSemAcquire Script = "sem_acquire"

	// ScriptConnAcquire checks the global and per-identity connection caps
	// and increments both counters only when both are under their cap.
	// The counter TTL is refreshed on every acquire, so a counter only
	// expires once no connection has been admitted for a full TTL.
	//
	// KEYS[1] = global counter key, KEYS[2] = identity counter key
	// ARGV    = global cap, per-identity cap, counter ttl ms
	// Returns  {acquired(0|1), which(0 none, 1 global, 2 identity)}
	ScriptConnAcquire Script = "conn_acquire"

	// ScriptConnRelease decrements both connection counters, clamping at
	// zero so a stray double-release cannot drive a counter negative.
	//
	// KEYS[1] = global counter key, KEYS[2] = identity counter key
	ScriptConnRelease Script = "conn_release"
)

// Lua bodies for the Redis backend.
var luaScripts = map[Script]string{
	ScriptBucketTake: `
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local data = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + math.floor(elapsed * refill / window))
end

local allowed = 0
local retry = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
else
  retry = math.ceil((requested - tokens) * window / refill)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', now)
redis.call('PEXPIRE', KEYS[1], window)
return {allowed, tokens, retry}
`,

	ScriptSemAcquire: `
local cursor = '0'
local live = 0
repeat
  local res = redis.call('SCAN', cursor, 'MATCH', ARGV[1], 'COUNT', 100)
  cursor = res[1]
  live = live + #res[2]
until cursor == '0'
if live >= tonumber(ARGV[2]) then
  return {0, live}
end
redis.call('SET', KEYS[1], '1', 'PX', ARGV[3])
return {1, live + 1}
`,

	ScriptConnAcquire: `
local g = tonumber(redis.call('GET', KEYS[1]) or '0')
local i = tonumber(redis.call('GET', KEYS[2]) or '0')
if g >= tonumber(ARGV[1]) then
  return {0, 1}
end
if i >= tonumber(ARGV[2]) then
  return {0, 2}
end
for n = 1, 2 do
  redis.call('INCR', KEYS[n])
  redis.call('PEXPIRE', KEYS[n], ARGV[3])
end
return {1, 0}
`,

	ScriptConnRelease: `
for n = 1, 2 do
  local v = tonumber(redis.call('GET', KEYS[n]) or '0')
  if v <= 1 then
    redis.call('DEL', KEYS[n])
  else
    redis.call('DECR', KEYS[n])
  end
end
return 1
`,
}
