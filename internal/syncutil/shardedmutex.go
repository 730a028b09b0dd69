// Package syncutil provides small synchronization helpers shared by the
// in-memory stores.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

// ShardedMutex serializes work per key using a fixed pool of mutexes.
// Memory stays bounded no matter how many keys show up; two keys hashing to
// the same shard simply wait on each other.
//
// The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock blocks until the key's shard is held and returns the unlock function.
//
//	unlock := locks.Lock(tenantID)
//	defer unlock()
func (m *ShardedMutex) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &m.shards[h.Sum32()%shardCount]
	mu.Lock()
	return mu.Unlock
}
