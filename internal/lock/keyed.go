package lock

import (
	"hash/fnv"
	"sync"
)

// Keyed provides mutual exclusion per string key via a fixed pool of shards.
// Two different keys may share a shard; the same key always maps to the same
// shard, so read-modify-write sequences for one contact are linearized
// without a global lock.
type Keyed struct {
	shards []sync.Mutex
}

// NewKeyed creates a keyed lock with the given shard count (minimum 1).
func NewKeyed(shards int) *Keyed {
	if shards < 1 {
		shards = 1
	}
	return &Keyed{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the shard for key.
func (k *Keyed) Lock(key string) {
	k.shards[k.index(key)].Lock()
}

// Unlock releases the shard for key.
func (k *Keyed) Unlock(key string) {
	k.shards[k.index(key)].Unlock()
}

func (k *Keyed) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.shards)))
}
