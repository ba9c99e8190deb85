package regfile

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/nnasim/fxp"
	"github.com/sarchlab/nnasim/timing/latency"
)

// CacheConfig holds block-cache configuration parameters.
type CacheConfig struct {
	// NumBlocks is the cache capacity in blocks.
	NumBlocks int
	// Associativity is the number of ways.
	Associativity int
	// HitLatency in cycles.
	HitLatency uint64
	// MissLatency in cycles (includes the register-file round trip).
	MissLatency uint64
}

// DefaultCacheConfig returns a small weight-block cache configuration with
// latencies taken from the timing config.
func DefaultCacheConfig(timing *latency.TimingConfig) CacheConfig {
	return CacheConfig{
		NumBlocks:     64,
		Associativity: 4,
		HitLatency:    timing.BlockFetchHitLatency,
		MissLatency:   timing.BlockFetchMissLatency,
	}
}

// AccessResult contains the result of a cache access.
type AccessResult struct {
	// Hit indicates whether the access was a cache hit.
	Hit bool
	// Latency is the number of cycles this access takes.
	Latency uint64
	// Block is the fetched block (for reads).
	Block fxp.Block
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// BlockBacking is the storage level behind the cache.
type BlockBacking interface {
	// ReadBlock fetches the block at a flat block address.
	ReadBlock(addr uint64) fxp.Block
	// WriteBlock stores the block at a flat block address.
	WriteBlock(addr uint64, block fxp.Block)
}

// BlockCache caches weight blocks in front of the register file. Tag and
// replacement state is managed by an Akita cache directory; the payload is
// one fixed-point block per way.
type BlockCache struct {
	config    CacheConfig
	format    *fxp.Format
	directory *akitacache.DirectoryImpl
	data      []fxp.Block
	backing   BlockBacking
	stats     Statistics
}

// NewBlockCache creates a block cache over the given backing store.
func NewBlockCache(format *fxp.Format, config CacheConfig, backing BlockBacking) *BlockCache {
	blockBytes := format.DataWidth / 8
	numSets := config.NumBlocks / config.Associativity

	data := make([]fxp.Block, config.NumBlocks)
	for i := range data {
		data[i] = fxp.NewBlock(format.ElementsPerBlock())
	}

	return &BlockCache{
		config: config,
		format: format,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			blockBytes,
			akitacache.NewLRUVictimFinder(),
		),
		data:    data,
		backing: backing,
	}
}

// Config returns the cache configuration.
func (c *BlockCache) Config() CacheConfig {
	return c.config
}

// Stats returns cache statistics.
func (c *BlockCache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *BlockCache) ResetStats() {
	c.stats = Statistics{}
}

// wayIndex computes the index into data for a directory block.
func (c *BlockCache) wayIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

// Read fetches the block at a flat block address, filling on miss.
func (c *BlockCache) Read(addr uint64) AccessResult {
	c.stats.Reads++

	block := c.directory.Lookup(0, addr)
	if block != nil && block.IsValid {
		c.stats.Hits++
		c.directory.Visit(block)
		return AccessResult{
			Hit:     true,
			Latency: c.config.HitLatency,
			Block:   c.data[c.wayIndex(block)].Clone(),
		}
	}

	c.stats.Misses++
	victim := c.fill(addr)
	return AccessResult{
		Hit:     false,
		Latency: c.config.MissLatency,
		Block:   c.data[c.wayIndex(victim)].Clone(),
	}
}

// Write stores a block through the cache with write-allocate semantics.
// The dirty block is written back on eviction.
func (c *BlockCache) Write(addr uint64, payload fxp.Block) AccessResult {
	c.stats.Writes++

	hit := true
	block := c.directory.Lookup(0, addr)
	if block == nil || !block.IsValid {
		hit = false
		c.stats.Misses++
		block = c.fill(addr)
	} else {
		c.stats.Hits++
		c.directory.Visit(block)
	}

	copy(c.data[c.wayIndex(block)], payload)
	block.IsDirty = true

	latency := c.config.HitLatency
	if !hit {
		latency = c.config.MissLatency
	}
	return AccessResult{
		Hit:     hit,
		Latency: latency,
	}
}

// fill fetches addr from the backing store into a victim way.
func (c *BlockCache) fill(addr uint64) *akitacache.Block {
	victim := c.directory.FindVictim(addr)

	victimData := c.data[c.wayIndex(victim)]
	if victim.IsValid {
		c.stats.Evictions++
		if victim.IsDirty && c.backing != nil {
			c.stats.Writebacks++
			c.backing.WriteBlock(victim.Tag, victimData)
		}
	}

	if c.backing != nil {
		copy(victimData, c.backing.ReadBlock(addr))
	} else {
		victimData.Clear()
	}

	victim.Tag = addr
	victim.IsValid = true
	victim.IsDirty = false
	c.directory.Visit(victim)

	return victim
}

// Flush writes back all dirty blocks and invalidates them.
func (c *BlockCache) Flush() {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty && c.backing != nil {
				c.stats.Writebacks++
				c.backing.WriteBlock(block.Tag, c.data[c.wayIndex(block)])
			}
			block.IsValid = false
			block.IsDirty = false
		}
	}
}

// Reset invalidates all lines without writeback and clears statistics.
func (c *BlockCache) Reset() {
	c.directory.Reset()
	c.stats = Statistics{}
}
