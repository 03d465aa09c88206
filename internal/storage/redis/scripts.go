package redis

const (
	// commitNamespaceScript atomically replaces a namespace hash with a new snapshot
	commitNamespaceScript = `
local ns_key = KEYS[1]          -- apconsole:kv:{namespace}

redis.call('DEL', ns_key)

-- ARGV holds field/value pairs
if #ARGV > 0 then
  redis.call('HSET', ns_key, unpack(ARGV))
end

return #ARGV / 2
`

	// createDHCPLeaseScript atomically creates or updates a DHCP lease
	createDHCPLeaseScript = `
local mac_key = KEYS[1]        -- apconsole:dhcp:mac:{mac}
local ip_key = KEYS[2]         -- apconsole:dhcp:ip:{ip}
local leases_set = KEYS[3]     -- apconsole:dhcp:leases
local old_ip_prefix = KEYS[4]  -- apconsole:dhcp:ip:

local mac = ARGV[1]
local ip = ARGV[2]
local hostname = ARGV[3]
local expires_at = ARGV[4]
local ttl_seconds = tonumber(ARGV[5])
local updated_at = ARGV[6]
local created_at = ARGV[7]

-- Keep created_at and drop the stale IP index when the lease moves
local existing_created = redis.call('HGET', mac_key, 'created_at')
if existing_created then
  created_at = existing_created
end
local existing_ip = redis.call('HGET', mac_key, 'ip')
if existing_ip and existing_ip ~= ip then
  redis.call('DEL', old_ip_prefix .. existing_ip)
end

redis.call('HSET', mac_key,
  'mac', mac,
  'ip', ip,
  'hostname', hostname,
  'expires_at', expires_at,
  'created_at', created_at,
  'updated_at', updated_at
)

-- Secondary index (IP -> MAC)
redis.call('SET', ip_key, mac)

redis.call('SADD', leases_set, mac)

if ttl_seconds > 0 then
  redis.call('EXPIRE', mac_key, ttl_seconds)
  redis.call('EXPIRE', ip_key, ttl_seconds)
end

return 'OK'
`
)
