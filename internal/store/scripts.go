package store

import "github.com/redis/go-redis/v9"

// All state mutations run as single server-side scripts so index updates and
// notifications cannot interleave with concurrent writers. Channel names equal
// the modified key; the published payload is always the session id.

// presenceUpdateScript upserts one session's presence.
// ARGV[1]=sessionId ARGV[2]=userId ARGV[3]=locationId ARGV[4]=data
// ARGV[5]=lastModified ARGV[6]=connectionId ARGV[7]=ttl seconds
// ARGV[8]=modified (1 or 0)
// Returns 1 on a full write, 0 on the TTL-refresh fast path.
var presenceUpdateScript = redis.NewScript(`
local sid = ARGV[1]
local uid = ARGV[2]
local lid = ARGV[3]
local data = ARGV[4]
local lastModified = ARGV[5]
local cid = ARGV[6]
local ttl = tonumber(ARGV[7])
local modified = tonumber(ARGV[8]) == 1

local sessionKey = 'presence:sessionId='..sid
local userKey = 'presence:userId='..uid
local locationKey = 'presence:locationId='..lid
local connKey = 'presence:connectionId='..cid

local old = redis.call('HMGET', sessionKey, 'userId', 'locationId', 'connectionId')
local oldUid = old[1]
local oldLid = old[2]
local oldCid = old[3]

if oldCid and oldCid ~= cid then
    return redis.error_reply('connectionId mismatch')
end

if not modified and oldUid == uid and oldLid == lid then
    local a = redis.call('EXPIRE', sessionKey, ttl)
    local b = redis.call('EXPIRE', userKey, ttl)
    local c = redis.call('EXPIRE', locationKey, ttl)
    if a == 1 and b == 1 and c == 1 then
        return 0
    end
end

if oldUid and oldUid ~= uid then
    redis.call('SREM', 'presence:userId='..oldUid, sid)
    redis.call('PUBLISH', 'presence:userId='..oldUid, sid)
end
if oldLid and oldLid ~= lid then
    redis.call('SREM', 'presence:locationId='..oldLid, sid)
    redis.call('PUBLISH', 'presence:locationId='..oldLid, sid)
end

redis.call('HSET', sessionKey,
    'userId', uid,
    'locationId', lid,
    'data', data,
    'lastModified', lastModified,
    'connectionId', cid)
redis.call('EXPIRE', sessionKey, ttl)
redis.call('PUBLISH', sessionKey, sid)

redis.call('SADD', userKey, sid)
redis.call('EXPIRE', userKey, ttl)
redis.call('PUBLISH', userKey, sid)

redis.call('SADD', locationKey, sid)
redis.call('EXPIRE', locationKey, ttl)
redis.call('PUBLISH', locationKey, sid)

redis.call('SADD', connKey, sid)
return 1
`)

// deleteBody removes one session from the hash and every index, publishing
// removal on the session, user and location channels. Idempotent. Shared by
// the delete and delete-by-connection scripts.
const deleteBody = `
local function deletePresence(sid)
    local sessionKey = 'presence:sessionId='..sid
    local old = redis.call('HMGET', sessionKey, 'userId', 'locationId', 'connectionId')
    local uid = old[1]
    local lid = old[2]
    local cid = old[3]
    if not uid and not lid and not cid then
        return 0
    end
    redis.call('DEL', sessionKey)
    redis.call('PUBLISH', sessionKey, sid)
    if uid then
        redis.call('SREM', 'presence:userId='..uid, sid)
        redis.call('PUBLISH', 'presence:userId='..uid, sid)
    end
    if lid then
        redis.call('SREM', 'presence:locationId='..lid, sid)
        redis.call('PUBLISH', 'presence:locationId='..lid, sid)
    end
    if cid then
        redis.call('SREM', 'presence:connectionId='..cid, sid)
    end
    return 1
end
`

// presenceDeleteScript deletes one session. ARGV[1]=sessionId.
var presenceDeleteScript = redis.NewScript(deleteBody + `
return deletePresence(ARGV[1])
`)

// presenceDeleteByConnectionIDScript deletes every session owned by a
// connection. ARGV[1]=connectionId ARGV[2]=lock ('0' skips the lock check).
// With a real lock this is compare-and-delete against connections[cid]:
// a mismatch returns 0 without touching anything.
var presenceDeleteByConnectionIDScript = redis.NewScript(deleteBody + `
local cid = ARGV[1]
local lock = ARGV[2]

if lock ~= '' and lock ~= '0' then
    local held = redis.call('HGET', 'connections', cid)
    if held ~= lock then
        return 0
    end
    redis.call('HDEL', 'connections', cid)
end

local connKey = 'presence:connectionId='..cid
local sids = redis.call('SMEMBERS', connKey)
for _, sid in ipairs(sids) do
    deletePresence(sid)
end
redis.call('DEL', connKey)
return 1
`)

// presenceGetBySessionIDScript returns one
// [sessionId, userId, locationId, data, lastModified] tuple; missing hash
// fields come back as holes the decoder reads as "presence gone".
// ARGV[1]=sessionId.
var presenceGetBySessionIDScript = redis.NewScript(`
local sid = ARGV[1]
local f = redis.call('HMGET', 'presence:sessionId='..sid, 'userId', 'locationId', 'data', 'lastModified')
return {sid, f[1], f[2], f[3], f[4]}
`)

const getManyBody = `
local out = {}
for _, sid in ipairs(sids) do
    local f = redis.call('HMGET', 'presence:sessionId='..sid, 'userId', 'locationId', 'data', 'lastModified')
    table.insert(out, {sid, f[1], f[2], f[3], f[4]})
end
return out
`

// presenceGetByUserIDScript returns the tuples for every session in the user
// index. ARGV[1]=userId.
var presenceGetByUserIDScript = redis.NewScript(`
local sids = redis.call('SMEMBERS', 'presence:userId='..ARGV[1])
` + getManyBody)

// presenceGetByLocationIDScript returns the tuples for every session in the
// location index. ARGV[1]=locationId.
var presenceGetByLocationIDScript = redis.NewScript(`
local sids = redis.call('SMEMBERS', 'presence:locationId='..ARGV[1])
` + getManyBody)
