package arp

import "time"

// entryLifetime is how long a cache entry remains valid after insertion.
// Entries are consulted but never refreshed on use. Lookup treats an
// entry past its lifetime as absent; the once-per-second sweep removes
// such entries from the cache.
const entryLifetime = 15 * time.Second

// cacheEntry binds a next-hop IPv4 address to its resolved hardware
// address, stamped with the time it was learned.
type cacheEntry struct {
	ip       [4]byte
	hw       [6]byte
	inserted time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.inserted) > entryLifetime
}

// Cache holds resolved next-hop IPv4-to-MAC bindings. The zero value is
// ready to use. Cache is not safe for concurrent use on its own; callers
// composing it with [Module] rely on Module's mutex.
type Cache struct {
	entries []cacheEntry
}

// Lookup returns a copy of the cache entry for ip, if present and not
// expired as of now.
func (c *Cache) Lookup(ip [4]byte, now time.Time) (hw [6]byte, ok bool) {
	for i := range c.entries {
		if c.entries[i].ip == ip {
			if c.entries[i].expired(now) {
				return hw, false
			}
			return c.entries[i].hw, true
		}
	}
	return hw, false
}

// Insert records or refreshes the binding ip -> hw, resetting its
// insertion timestamp.
func (c *Cache) Insert(ip [4]byte, hw [6]byte, now time.Time) {
	for i := range c.entries {
		if c.entries[i].ip == ip {
			c.entries[i].hw = hw
			c.entries[i].inserted = now
			return
		}
	}
	c.entries = append(c.entries, cacheEntry{ip: ip, hw: hw, inserted: now})
}

// sweepExpired drops entries past their lifetime. Called from the
// periodic sweep; cheap enough to run every tick since caches stay
// small (bounded by the number of distinct next hops).
func (c *Cache) sweepExpired(now time.Time) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if !e.expired(now) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}
