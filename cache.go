// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached read result stays fresh.
const DefaultCacheTTL = 5 * time.Second

// CacheKey identifies one cached read result. Two reads share an entry only
// when unit, starting address, quantity, and register type all match.
type CacheKey struct {
	Unit    UnitID
	Address uint16
	Count   uint16
	Type    RegisterType
}

type cacheEntry struct {
	values    []uint16
	expiresAt time.Time
}

// Cache is a TTL cache for read results. Expired entries are treated as
// absent on lookup and reclaimed by Sweep.
type Cache struct {
	mu      sync.RWMutex
	entries map[CacheKey]cacheEntry
	now     func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[CacheKey]cacheEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached values for key, or nil when the entry is
// missing or stale.
func (c *Cache) Get(key CacheKey) []uint16 {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return nil
	}
	out := make([]uint16, len(e.values))
	copy(out, e.values)
	return out
}

// Put stores values under key with the given TTL. A non-positive TTL is a
// no-op so callers can disable caching without branching.
func (c *Cache) Put(key CacheKey, values []uint16, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	stored := make([]uint16, len(values))
	copy(stored, values)

	c.mu.Lock()
	c.entries[key] = cacheEntry{
		values:    stored,
		expiresAt: c.now().Add(ttl),
	}
	c.mu.Unlock()
}

// Invalidate drops every entry for unit whose register range overlaps
// [address, address+count) in the given register type.
func (c *Cache) Invalidate(unit UnitID, rt RegisterType, address, count uint16) {
	if count == 0 {
		return
	}
	end := uint32(address) + uint32(count)

	c.mu.Lock()
	for key := range c.entries {
		if key.Unit != unit || key.Type != rt {
			continue
		}
		keyEnd := uint32(key.Address) + uint32(key.Count)
		if uint32(key.Address) < end && uint32(address) < keyEnd {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	dropped := 0

	c.mu.Lock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			dropped++
		}
	}
	c.mu.Unlock()
	return dropped
}

// Len returns the number of entries, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[CacheKey]cacheEntry)
	c.mu.Unlock()
}
