package common

import (
	lru "github.com/hashicorp/golang-lru"
)

// LRU is a thin wrapper around hashicorp's LRU cache which panics on
// construction errors instead of returning them. Cache construction only
// fails on a non-positive size, which is a programming error here.
type LRU struct {
	cache *lru.Cache
}

// NewLRU constructs an LRU of the given size with an optional eviction
// callback.
func NewLRU(size int, onEvicted func(key interface{}, value interface{})) *LRU {
	cache, err := lru.NewWithEvict(size, onEvicted)
	if err != nil {
		panic(err)
	}
	return &LRU{cache: cache}
}

// Get looks up a key's value from the cache.
func (l *LRU) Get(key interface{}) (interface{}, bool) {
	return l.cache.Get(key)
}

// Add adds a value to the cache.
func (l *LRU) Add(key, value interface{}) {
	l.cache.Add(key, value)
}

// Contains checks if a key is in the cache, without updating recentness.
func (l *LRU) Contains(key interface{}) bool {
	return l.cache.Contains(key)
}

// Remove removes the provided key from the cache.
func (l *LRU) Remove(key interface{}) {
	l.cache.Remove(key)
}

// Len returns the number of items in the cache.
func (l *LRU) Len() int {
	return l.cache.Len()
}

// Keys returns a slice of the keys in the cache, from oldest to newest.
func (l *LRU) Keys() []interface{} {
	return l.cache.Keys()
}
