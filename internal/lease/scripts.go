// SPDX-License-Identifier: MIT

package lease

// This file contains the Lua scripts for atomic Redis operations on campaign
// scheduling state. Every script touches only keys sharing the campaign hash
// tag, and every script is idempotent under caller retry: lease mutations CAS
// on tokens, list/set mutations are structural.

import "github.com/redis/go-redis/v9"

// acquirePreScript is the single-attempt admission fast path: add a pre-dial
// member if the in-flight count is below the limit.
//
// Keys:
//
//	KEYS[1] - leases set
//	KEYS[2] - lease key for the pre-dial member
//	KEYS[3] - limit
//
// Args:
//
//	ARGV[1] - pre-dial member ("pre-<callId>")
//	ARGV[2] - lease token
//	ARGV[3] - TTL seconds
//
// Returns the token on success, empty string when at capacity.
var acquirePreScript = redis.NewScript(`
local limit = tonumber(redis.call('GET', KEYS[3]) or '0')
if limit < 1 then
  return ''
end
if redis.call('SCARD', KEYS[1]) >= limit then
  return ''
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
return ARGV[2]
`)

// releaseScript removes a lease member, fenced by its token.
//
// Keys:
//
//	KEYS[1] - leases set
//	KEYS[2] - lease key for the member
//
// Args:
//
//	ARGV[1] - member
//	ARGV[2] - expected token
//
// Returns 1 on release, 0 when the token did not match (stale caller).
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[1], ARGV[1])
return 1
`)

// renewScript extends a lease TTL, fenced by its token.
//
// Keys:
//
//	KEYS[1] - lease key for the member
//
// Args:
//
//	ARGV[1] - expected token
//	ARGV[2] - new TTL seconds
//
// Returns 1 on renewal, 0 when the lease is gone or owned by someone else.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// convertScript turns one ledger reservation into a pre-dial lease: removes
// the ledger entry, decrements the reserved counter and SADDs the pre-dial
// member with a fresh token. The three mutations are what keeps
// inflight + reserved <= limit true across the two admission phases.
//
// Keys:
//
//	KEYS[1] - leases set
//	KEYS[2] - lease key for the pre-dial member
//	KEYS[3] - reserved counter
//	KEYS[4] - reservation ledger
//
// Args:
//
//	ARGV[1] - ledger entry ("<origin>:<contactId>")
//	ARGV[2] - pre-dial member ("pre-<callId>")
//	ARGV[3] - lease token
//	ARGV[4] - TTL seconds
//
// Returns the token on success, empty string when the reservation no longer
// exists (janitor reaped it, or a duplicate convert).
var convertScript = redis.NewScript(`
if redis.call('ZREM', KEYS[4], ARGV[1]) == 0 then
  return ''
end
local r = tonumber(redis.call('GET', KEYS[3]) or '0')
if r > 0 then
  redis.call('DECRBY', KEYS[3], 1)
end
redis.call('SADD', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])
return ARGV[3]
`)

// promoteScript ages a pre-dial lease into an active lease on answer.
//
// Keys:
//
//	KEYS[1] - leases set
//	KEYS[2] - pre-dial lease key
//	KEYS[3] - active lease key
//
// Args:
//
//	ARGV[1] - call id
//	ARGV[2] - expected token
//	ARGV[3] - active TTL seconds
//
// Returns 1 on promotion, 0 when the pre-dial lease is gone.
var promoteScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[1], 'pre-' .. ARGV[1])
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2], 'EX', ARGV[3])
return 1
`)

// reservePromoteScript is the central scheduling primitive: it pops a
// batch from the priority waitlists, reserves capacity for as many as fit,
// records them in the ledger, bumps the promotion gate and pushes extras
// back to the head of their original class.
//
// Keys:
//
//	KEYS[1] - waitlist:high
//	KEYS[2] - waitlist:normal
//	KEYS[3] - leases set
//	KEYS[4] - limit
//	KEYS[5] - reserved counter
//	KEYS[6] - reservation ledger
//	KEYS[7] - fairness counter
//	KEYS[8] - promote-gate sequence counter
//	KEYS[9] - promote-gate
//
// Args:
//
//	ARGV[1] - maxBatch (>= 1)
//	ARGV[2] - reserve TTL seconds
//	ARGV[3] - gate TTL seconds
//	ARGV[4] - now (unix seconds; ledger score)
//	ARGV[5] - fairness high share (e.g. 3 for a 3:1 ratio)
//
// Returns {toPromote, seq, entry...} where each entry is "<origin>:<id>".
var reservePromoteScript = redis.NewScript(`
local maxBatch = tonumber(ARGV[1])
local reserveTTL = tonumber(ARGV[2])
local gateTTL = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local highShare = tonumber(ARGV[5])

local fairness = redis.call('INCR', KEYS[7])
redis.call('EXPIRE', KEYS[7], 300)

local popped = {}
local origin = {}

local function pop(list, tag, n)
  local taken = 0
  while taken < n do
    local id = redis.call('LPOP', list)
    if not id then
      break
    end
    table.insert(popped, id)
    table.insert(origin, tag)
    taken = taken + 1
  end
  return taken
end

if fairness % 4 == 0 then
  -- anti-starvation batch: one normal first, then fill from high
  pop(KEYS[2], 'N', 1)
  pop(KEYS[1], 'H', maxBatch - #popped)
  pop(KEYS[2], 'N', maxBatch - #popped)
else
  local highTarget = math.ceil(maxBatch * highShare / (highShare + 1))
  pop(KEYS[1], 'H', highTarget)
  pop(KEYS[2], 'N', maxBatch - #popped)
  while #popped < maxBatch do
    local before = #popped
    pop(KEYS[1], 'H', 1)
    if #popped < maxBatch then
      pop(KEYS[2], 'N', 1)
    end
    if #popped == before then
      break
    end
  end
end

local limit = tonumber(redis.call('GET', KEYS[4]) or '0')
local inflight = redis.call('SCARD', KEYS[3])
local reserved = tonumber(redis.call('GET', KEYS[5]) or '0')
local available = limit - inflight - reserved
if available < 0 then
  available = 0
end

local toPromote = math.min(#popped, available)
local seq = 0

if toPromote > 0 then
  redis.call('INCRBY', KEYS[5], toPromote)
  redis.call('EXPIRE', KEYS[5], reserveTTL)
  for i = 1, toPromote do
    redis.call('ZADD', KEYS[6], now, origin[i] .. ':' .. popped[i])
  end
  seq = redis.call('INCR', KEYS[8])
  redis.call('SET', KEYS[9], seq, 'EX', gateTTL)
end

-- push extras back to the head of their original class, reverse order so the
-- intra-batch FIFO order is preserved
for i = #popped, toPromote + 1, -1 do
  local list = KEYS[2]
  if origin[i] == 'H' then
    list = KEYS[1]
  end
  redis.call('LPUSH', list, popped[i])
end

local res = {toPromote, seq}
for i = 1, toPromote do
  table.insert(res, origin[i] .. ':' .. popped[i])
end
return res
`)

// janitorScanScript reaps ledger reservations older than the cutoff: each one
// decrements reserved and restores the contact to the head of its original
// priority class.
//
// Keys:
//
//	KEYS[1] - reservation ledger
//	KEYS[2] - reserved counter
//	KEYS[3] - waitlist:high
//	KEYS[4] - waitlist:normal
//
// Args:
//
//	ARGV[1] - cutoff (unix seconds); entries at or below are orphans
//
// Returns the number of reaped reservations.
var janitorScanScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, entry in ipairs(stale) do
  redis.call('ZREM', KEYS[1], entry)
  local r = tonumber(redis.call('GET', KEYS[2]) or '0')
  if r > 0 then
    redis.call('DECRBY', KEYS[2], 1)
  end
  local id = string.sub(entry, 3)
  if string.sub(entry, 1, 1) == 'H' then
    redis.call('LPUSH', KEYS[3], id)
  else
    redis.call('LPUSH', KEYS[4], id)
  end
end
return #stale
`)

// moveDueRetriesScript moves due retry jobs from the delay queue to the head
// of their priority waitlist.
//
// Keys:
//
//	KEYS[1] - retry delay queue (ZSET, score = due time)
//	KEYS[2] - waitlist:high
//	KEYS[3] - waitlist:normal
//
// Args:
//
//	ARGV[1] - now (unix seconds)
//	ARGV[2] - max jobs to move
//
// Returns the entries moved ("<origin>:<contactId>").
var moveDueRetriesScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, entry in ipairs(due) do
  redis.call('ZREM', KEYS[1], entry)
  local id = string.sub(entry, 3)
  if string.sub(entry, 1, 1) == 'H' then
    redis.call('LPUSH', KEYS[2], id)
  else
    redis.call('LPUSH', KEYS[3], id)
  end
end
return due
`)

// compactScript deduplicates a waitlist (keeping the first occurrence) and
// trims it to the per-campaign cap.
//
// Keys:
//
//	KEYS[1] - waitlist
//
// Args:
//
//	ARGV[1] - cap (maximum retained length)
//
// Returns the number of removed entries.
var compactScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local seen = {}
local kept = {}
for _, id in ipairs(items) do
  if not seen[id] then
    seen[id] = true
    table.insert(kept, id)
  end
end
local cap = tonumber(ARGV[1])
while #kept > cap do
  table.remove(kept)
end
redis.call('DEL', KEYS[1])
for i = #kept, 1, -1 do
  redis.call('LPUSH', KEYS[1], kept[i])
end
return #items - #kept
`)

// disownScript deletes an ownership key when the caller still holds it.
//
// Keys:
//
//	KEYS[1] - ownership key
//
// Args:
//
//	ARGV[1] - expected owner
//
// Returns 1 when released.
var disownScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// casStatusScript swaps the campaign status mirror if the current value is in
// the expected set, toggling the pause flag alongside.
//
// Keys:
//
//	KEYS[1] - status mirror
//	KEYS[2] - pause flag
//
// Args:
//
//	ARGV[1] - expected statuses, comma separated; the token "none" matches
//	          an absent status key (post-flush recovery)
//	ARGV[2] - new status
//	ARGV[3] - pause flag action: "set", "clear" or "keep"
//	ARGV[4] - pause flag TTL seconds (when set)
//
// Returns 1 on transition, 0 on CAS failure.
var casStatusScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
  cur = 'none'
end
local ok = false
for expected in string.gmatch(ARGV[1], '([^,]+)') do
  if cur == expected then
    ok = true
    break
  end
end
if not ok then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
if ARGV[3] == 'set' then
  redis.call('SET', KEYS[2], '1', 'EX', ARGV[4])
elseif ARGV[3] == 'clear' then
  redis.call('DEL', KEYS[2])
end
return 1
`)
