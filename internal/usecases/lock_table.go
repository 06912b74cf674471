package usecases

import (
	"hash/fnv"
	"sync"
)

const defaultLockShards = 16

type lockShard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// LockTable grants at most one holder per key. It never blocks:
// a second TryLock for a held key fails immediately.
type LockTable struct {
	shards []*lockShard
}

// NewLockTable creates a table with the given number of shards
func NewLockTable(shardCount int) *LockTable {
	if shardCount < 1 {
		shardCount = defaultLockShards
	}
	shards := make([]*lockShard, shardCount)
	for i := range shards {
		shards[i] = &lockShard{held: make(map[string]struct{})}
	}
	return &LockTable{shards: shards}
}

func (t *LockTable) shard(key string) *lockShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return t.shards[hash.Sum32()%uint32(len(t.shards))]
}

// TryLock takes the key if free and reports whether it did
func (t *LockTable) TryLock(key string) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.held[key]; busy {
		return false
	}
	s.held[key] = struct{}{}
	return true
}

// Unlock releases the key
func (t *LockTable) Unlock(key string) {
	s := t.shard(key)
	s.mu.Lock()
	delete(s.held, key)
	s.mu.Unlock()
}

// Held reports whether the key is currently taken
func (t *LockTable) Held(key string) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, busy := s.held[key]
	return busy
}
