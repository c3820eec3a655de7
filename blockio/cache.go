package blockio

import (
	"fmt"
)

// lruBlock is one cached block, threaded into the cache's intrusive
// doubly-linked list. root.next is the most-recently-used end; root.prev is
// the least-recently-used end, the direction eviction scans from.
type lruBlock struct {
	lba      uint64
	data     []byte
	dirty    bool
	refcount int
	prev     *lruBlock
	next     *lruBlock
}

// Cache is an LRU block cache over a Device: a bounded set of resident
// blocks, each either pinned (held by a live Handle) or eligible for
// eviction, with a write-back guard that can defer dirty writes across a
// batch of operations.
type Cache struct {
	device         *Device
	maxBlocks      int
	cache          map[uint64]*lruBlock
	root           lruBlock
	writebackDepth int
}

// NewCache builds a cache over device holding at most maxBlocks resident
// blocks at a time.
func NewCache(device *Device, maxBlocks int) *Cache {
	c := &Cache{
		device:    device,
		maxBlocks: maxBlocks,
		cache:     make(map[uint64]*lruBlock),
	}
	c.root.next = &c.root
	c.root.prev = &c.root
	return c
}

// push inserts block at the most-recently-used end of the list.
func (c *Cache) push(block *lruBlock) {
	block.next = c.root.next
	block.prev = &c.root
	c.root.next.prev = block
	c.root.next = block
}

// unlink removes block from the list; it is a no-op if block is not linked.
func (c *Cache) unlink(block *lruBlock) {
	if block.next == nil || block.prev == nil {
		return
	}
	block.prev.next = block.next
	block.next.prev = block.prev
	block.next = nil
	block.prev = nil
}

// evict removes and returns one unpinned block from the least-recently-used
// end, writing it back first if dirty. Returns ErrNoResources if every
// resident block is pinned.
func (c *Cache) evict() (*lruBlock, error) {
	for b := c.root.prev; b != &c.root; b = b.prev {
		if b.refcount != 0 {
			continue
		}
		if b.dirty {
			if err := c.device.WriteBlock(b.lba, b.data); err != nil {
				return nil, err
			}
			b.dirty = false
		}
		c.unlink(b)
		delete(c.cache, b.lba)
		return b, nil
	}
	return nil, fmt.Errorf("%w: cache full at %d blocks, all pinned", ErrNoResources, c.maxBlocks)
}

// Handle is a pinned reference to one cached block. Callers must call
// Release when done; while any handle on a block is outstanding the block
// is not eligible for eviction.
type Handle struct {
	cache *Cache
	block *lruBlock
}

// Bytes returns the block's backing buffer. Mutations must be followed by
// MarkDirty for them to survive eviction or Flush.
func (h *Handle) Bytes() []byte {
	return h.block.data
}

// MarkDirty flags the block as modified. Outside a write-back guard this
// writes the block through to the device immediately; inside a guard the
// write is deferred until the guard's outermost DisableWriteback or an
// explicit FlushAll.
func (h *Handle) MarkDirty() error {
	h.block.dirty = true
	if h.cache.writebackDepth > 0 {
		return nil
	}
	if err := h.cache.device.WriteBlock(h.block.lba, h.block.data); err != nil {
		return err
	}
	h.block.dirty = false
	return nil
}

// Release decrements the block's pin count, making it eligible for eviction
// once no other handle references it. The final release moves the block to
// the most-recently-used end, so eviction picks the least-recently-released
// block.
func (h *Handle) Release() {
	if h.block.refcount > 0 {
		h.block.refcount--
		if h.block.refcount == 0 && h.block.next != nil {
			h.cache.unlink(h.block)
			h.cache.push(h.block)
		}
	}
}

// Get returns a pinned handle to the block at lba, reading it from the
// device if not already resident. The returned handle's refcount must be
// released by the caller.
func (c *Cache) Get(lba uint64) (*Handle, error) {
	if b, ok := c.cache[lba]; ok {
		c.unlink(b)
		c.push(b)
		b.refcount++
		return &Handle{cache: c, block: b}, nil
	}

	if len(c.cache) >= c.maxBlocks {
		if _, err := c.evict(); err != nil {
			return nil, err
		}
	}

	data := make([]byte, c.device.BlockSize())
	if err := c.device.ReadBlock(lba, data); err != nil {
		return nil, err
	}
	b := &lruBlock{lba: lba, data: data, refcount: 1}
	c.push(b)
	c.cache[lba] = b
	return &Handle{cache: c, block: b}, nil
}

// FlushAll writes back every dirty resident block, in least-recently-used
// order, and clears their dirty bits.
func (c *Cache) FlushAll() error {
	for b := c.root.prev; b != &c.root; b = b.prev {
		if !b.dirty {
			continue
		}
		if err := c.device.WriteBlock(b.lba, b.data); err != nil {
			return err
		}
		b.dirty = false
	}
	return c.device.Flush()
}

// EnableWriteback begins (or nests another level of) a write-back guard:
// MarkDirty calls no longer write through until the matching number of
// DisableWriteback calls unwind the nesting.
func (c *Cache) EnableWriteback() {
	c.writebackDepth++
}

// DisableWriteback unwinds one level of write-back guard. When the
// outermost guard is removed, every block dirtied while the guard was
// active is flushed to the device.
func (c *Cache) DisableWriteback() error {
	if c.writebackDepth == 0 {
		return nil
	}
	c.writebackDepth--
	if c.writebackDepth == 0 {
		return c.FlushAll()
	}
	return nil
}

// Len reports how many blocks are currently resident.
func (c *Cache) Len() int {
	return len(c.cache)
}
