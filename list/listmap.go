package list

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Handle pairs a RoomList with the adapter feeding it, so the two always get
// torn down together.
type Handle struct {
	List    *RoomList
	Adapter *StreamAdapter
}

// ListMap holds the live room lists, keyed by whatever identifies a consumer
// (a user ID, or user+device). Lists idle for longer than the TTL are
// evicted and their feed subscriptions torn down, so an abandoned consumer
// never leaks its two subscriptions.
type ListMap struct {
	cache *ttlcache.Cache[string, *Handle]
	mu    *sync.Mutex
}

func NewListMap(ttl time.Duration) *ListMap {
	lm := &ListMap{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *Handle](ttl),
		),
		mu: &sync.Mutex{},
	}
	lm.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Handle]) {
		logger.Info().Str("key", item.Key()).Int("reason", int(reason)).Msg("ListMap: tearing down evicted list")
		item.Value().Adapter.Teardown()
	})
	go lm.cache.Start()
	return lm
}

// Get returns the handle for this key, bumping its TTL. Returns nil if no
// list exists for the key.
func (lm *ListMap) Get(key string) *Handle {
	item := lm.cache.Get(key)
	if item == nil {
		return nil
	}
	return item.Value()
}

// GetOrCreate atomically returns the existing handle for this key or stores
// the one produced by create. Returns the handle and true if it was created.
func (lm *ListMap) GetOrCreate(key string, create func() *Handle) (*Handle, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if item := lm.cache.Get(key); item != nil {
		return item.Value(), false
	}
	h := create()
	lm.cache.Set(key, h, ttlcache.DefaultTTL)
	return h, true
}

// Delete evicts the handle for this key, tearing down its subscriptions.
func (lm *ListMap) Delete(key string) {
	lm.cache.Delete(key)
}

// Close evicts every handle and stops the expiry loop.
func (lm *ListMap) Close() {
	lm.cache.DeleteAll()
	lm.cache.Stop()
}
