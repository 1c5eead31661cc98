package sync

import lru "github.com/hashicorp/golang-lru"

// seenCache is a bounded recently-seen set used to drop duplicate
// block/transaction/certificate/signature relays before they reach the
// more expensive component-level dedup (store lookups, mempool conflict
// checks). Eviction is LRU, so a sustained flood of distinct IDs cannot
// grow memory unboundedly.
type seenCache struct {
	cache *lru.Cache
}

func newSeenCache(size int) *seenCache {
	c, err := lru.New(size)
	if err != nil {
		// Only returns an error for size <= 0, which callers control.
		panic(err)
	}
	return &seenCache{cache: c}
}

// markSeen returns true if key was already present (a duplicate), and
// records it as seen either way.
func (s *seenCache) markSeen(key [32]byte) bool {
	if s.cache.Contains(key) {
		return true
	}
	s.cache.Add(key, struct{}{})
	return false
}
