package resolver

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type cacheKey struct {
	realm string
	login string
}

// Cache holds resolved identities for a bounded time.
type Cache struct {
	lru *expirable.LRU[cacheKey, Identity]
}

// NewCache returns a cache holding at most size entries, each for ttl. size <= 0 disables caching.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		return &Cache{}
	}
	return &Cache{lru: expirable.NewLRU[cacheKey, Identity](size, nil, ttl)}
}

func key(realm, login string) cacheKey {
	return cacheKey{realm: strings.ToLower(realm), login: login}
}

// Get returns the cached identity for (realm, login).
func (c *Cache) Get(realm, login string) (Identity, bool) {
	if c.lru == nil {
		return Identity{}, false
	}
	return c.lru.Get(key(realm, login))
}

// Add caches id under (realm, login).
func (c *Cache) Add(realm, login string, id Identity) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key(realm, login), id)
}

// InvalidateRealm drops every entry of realm and returns how many were removed.
func (c *Cache) InvalidateRealm(realm string) int {
	if c.lru == nil {
		return 0
	}
	realm = strings.ToLower(realm)
	n := 0
	for _, k := range c.lru.Keys() {
		if k.realm == realm && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
