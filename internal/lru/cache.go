package lru

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

var ErrIllegalCapacity = errors.New("illegal lru cache capacity")
var ErrInvalidSharding = errors.New("invalid sharding")

// OnEvict is called with the id and encoded record pushed out of the cache.
type OnEvict func(id string, doc []byte)

// RecordCache keeps encoded records by id.
type RecordCache interface {
	Get(id string) ([]byte, bool)
	Add(id string, doc []byte) bool
	Remove(id string)
	Purge()
	Len() int
}

// Cache is a sharded, byte-bounded LRU. Ids are spread over shards by xxhash.
type Cache struct {
	shards []*shard
}

var _ RecordCache = (*Cache)(nil)

func New(shards int, maxTotalBytes uint64, onEvict OnEvict) (*Cache, error) {
	if shards < 1 {
		return nil, ErrInvalidSharding
	}

	if maxTotalBytes < uint64(shards) {
		return nil, errors.Wrapf(ErrIllegalCapacity, "%d bytes for %d shards", maxTotalBytes, shards)
	}

	c := &Cache{shards: make([]*shard, shards)}
	perShard := maxTotalBytes / uint64(shards)
	for i := range c.shards {
		c.shards[i] = newShard(perShard, onEvict)
	}

	return c, nil
}

func (c *Cache) Get(id string) ([]byte, bool) {
	return c.shardFor(id).get(id)
}

// Add caches doc under id and reports whether an eviction happened.
func (c *Cache) Add(id string, doc []byte) bool {
	return c.shardFor(id).add(id, doc)
}

func (c *Cache) Remove(id string) {
	c.shardFor(id).remove(id)
}

func (c *Cache) Purge() {
	var wg sync.WaitGroup
	wg.Add(len(c.shards))
	for i := range c.shards {
		go func(s *shard) {
			defer wg.Done()
			s.purge()
		}(c.shards[i])
	}
	wg.Wait()
}

func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.len()
	}
	return n
}

func (c *Cache) shardFor(id string) *shard {
	return c.shards[xxhash.Sum64String(id)%uint64(len(c.shards))]
}
