package credits

import "github.com/redis/go-redis/v9"

// Script return codes
const (
	codeMiss         = -1
	codeInsufficient = 0
	codeDebited      = 1
	codeUnmetered    = 2

	rollbackNone        = 0
	rollbackFromPending = 1
	rollbackInFlight    = 2
)

// decrementScript checks and subtracts in one step. A validity marker whose
// window has ended is removed and reported as a miss.
// KEYS: balance, valid, pending. ARGV: amount, tracking id, pending record, counter ttl seconds, now ms.
var decrementScript = redis.NewScript(`
local valid = redis.call('GET', KEYS[2])
if not valid then
  return {-1, 0}
end
local endsAt = tonumber(valid)
if not endsAt or (endsAt > 0 and endsAt <= tonumber(ARGV[5])) then
  redis.call('DEL', KEYS[2])
  return {-1, 0}
end
local balance = redis.call('GET', KEYS[1])
if not balance then
  return {-1, 0}
end
if balance == 'unmetered' then
  redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
  return {2, 0}
end
local amount = tonumber(ARGV[1])
local current = tonumber(balance)
if current < amount then
  return {0, current}
end
local remaining = redis.call('DECRBY', KEYS[1], amount)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
return {1, remaining}
`)

// rollbackScript refunds a debit that is still in the pending buffer.
// KEYS: balance, pending, reconciling. ARGV: amount, tracking id.
var rollbackScript = redis.NewScript(`
if redis.call('HDEL', KEYS[2], ARGV[2]) == 1 then
  local balance = redis.call('GET', KEYS[1])
  if balance and balance ~= 'unmetered' then
    redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]))
  end
  return 1
end
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then
  return 2
end
return 0
`)

// incrementIfPresentScript credits a cached metered counter without creating it.
// KEYS: balance. ARGV: amount.
var incrementIfPresentScript = redis.NewScript(`
local balance = redis.call('GET', KEYS[1])
if balance and balance ~= 'unmetered' then
  return redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]))
end
return -1
`)

// claimScript moves the pending buffer into the reconciling hash and returns
// everything that is now claimed, including leftovers of an interrupted run.
// KEYS: pending, reconciling.
var claimScript = redis.NewScript(`
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  redis.call('HSET', KEYS[2], entries[i], entries[i + 1])
end
redis.call('DEL', KEYS[1])
return redis.call('HGETALL', KEYS[2])
`)
