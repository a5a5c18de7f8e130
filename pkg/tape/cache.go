// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"strconv"
	"sync/atomic"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
	"github.com/golang/groupcache/singleflight"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	minCacheEntries = 64
	maxCacheEntries = 1 << 20
)

// blockKey identifies a compressed block by its byte range in the body.
type blockKey struct {
	offset, length uint32
}

type cachedBlock struct {
	data    []byte
	created time.Time
}

// blockCache holds decompressed entity blocks. It is split into shards,
// each with its own lock, so that queries for unrelated entities do not
// serialize on one mutex. Concurrent misses for the same block decompress
// it only once.
//
// Entries expire CacheTTI after their last use (the expirable LRU's own
// TTL, refreshed on every hit) and CacheTTL after they were created
// (checked on lookup).
type blockCache struct {
	shards []*expirable.LRU[blockKey, *cachedBlock]
	ttl    time.Duration
	tti    time.Duration
	flight singleflight.Group
	now    func() time.Time

	hits, misses atomic.Uint64
}

// newBlockCache returns a cache holding up to entries blocks in total.
func newBlockCache(entries, shards int, ttl, tti time.Duration) *blockCache {
	if shards > entries {
		shards = entries
	}
	lruTTL := tti
	if lruTTL <= 0 {
		lruTTL = ttl
	}
	c := &blockCache{
		shards: make([]*expirable.LRU[blockKey, *cachedBlock], shards),
		ttl:    ttl,
		tti:    tti,
		now:    time.Now,
	}
	per := (entries + shards - 1) / shards
	for i := range c.shards {
		c.shards[i] = expirable.NewLRU[blockKey, *cachedBlock](per, nil, lruTTL)
	}
	return c
}

func (c *blockCache) shard(k blockKey) *expirable.LRU[blockKey, *cachedBlock] {
	// Offsets are unique per block; mix the bits a little since block sizes
	// are similar and offsets would otherwise cluster.
	h := k.offset * 2654435761
	return c.shards[int(h>>16)%len(c.shards)]
}

// get returns the cached block, if any.
func (c *blockCache) get(k blockKey) ([]byte, bool) {
	s := c.shard(k)
	e, ok := s.Get(k)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.created) > c.ttl {
		s.Remove(k)
		return nil, false
	}
	if c.tti > 0 {
		// Re-adding an existing key resets its expiry.
		s.Add(k, e)
	}
	return e.data, true
}

// getOrLoad returns the cached block, calling load to produce it on a miss.
func (c *blockCache) getOrLoad(k blockKey, load func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.get(k); ok {
		c.hits.Add(1)
		metricCacheHits.Inc()
		return data, nil
	}
	c.misses.Add(1)
	metricCacheMisses.Inc()

	v, err := c.flight.Do(strconv.FormatUint(uint64(k.offset), 10), func() (interface{}, error) {
		data, err := load()
		if err != nil {
			return nil, err
		}
		c.shard(k).Add(k, &cachedBlock{data: data, created: c.now()})
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// len returns the number of cached blocks.
func (c *blockCache) len() int {
	n := 0
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}

// cacheEntriesFor sizes a cache to spend fraction of system memory on blocks
// of meanBlock bytes.
func cacheEntriesFor(fraction float64, meanBlock uint64) int {
	var mem sigar.Mem
	if err := mem.Get(); err != nil || mem.Total == 0 {
		log.Warningf("couldn't read system memory (%v), using %d cache entries", err, minCacheEntries)
		return minCacheEntries
	}
	if meanBlock == 0 {
		meanBlock = 1
	}
	n := uint64(float64(mem.Total)*fraction) / meanBlock
	switch {
	case n < minCacheEntries:
		return minCacheEntries
	case n > maxCacheEntries:
		return maxCacheEntries
	}
	return int(n)
}
