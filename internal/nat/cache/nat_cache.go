// Package cache implements the NAT subsystem's in-memory write-back
// cache (C3): a map from nid to NatEntry with two intrusive lists (a
// clean, insertion-ordered list and a dirty, nid-ordered list), protected
// by a single reader-writer lock. It is the read-through/write-back
// layer in front of the NVM tree and checkpoint journal — ground rules
// for those two come from internal/nat/tree and the Checkpoint
// collaborator respectively.
package cache

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// listKind tags which of the two lists a NatEntry currently belongs to.
// Per the DESIGN NOTES on intrusive lists, this is tracked as a plain
// tagged field and asserted at transition time rather than modeled
// through the type system.
type listKind int

const (
	listNone listKind = iota
	listClean
	listDirty
)

// NatEntry is a cached nid -> NodeInfo mapping. It participates in
// exactly one of the cache's two lists at a time.
type NatEntry struct {
	ni      types.NodeInfo
	kind    listKind
	element *list.Element
}

// Info returns a copy of the entry's current NodeInfo.
func (e *NatEntry) Info() types.NodeInfo {
	return e.ni
}

// Dirty reports whether the entry is on the dirty list.
func (e *NatEntry) Dirty() bool {
	return e.kind == listDirty
}

// NatCache is the in-memory NAT cache (hmfs_nm_info's cache half): a map
// keyed by nid, a clean LRU-ish insertion-ordered list, a dirty
// ascending-nid-ordered list, and the reader-writer lock guarding all
// three.
type NatCache struct {
	mu sync.RWMutex

	byNid map[types.Nid]*NatEntry
	clean *list.List
	dirty *list.List

	natCnt atomic.Int64
	slab   *Slab

	// ID tags this cache instance for multi-arena diagnostics (see
	// cmd/hmfs-natctl stats), mirroring how the teacher's efi_jumpstart
	// tests use google/uuid to keep independently generated identifiers
	// apart.
	ID uuid.UUID
}

// NewNatCache builds an empty cache backed by the given entry slab. If
// slab is nil a private one is created.
func NewNatCache(slab *Slab) *NatCache {
	if slab == nil {
		slab = NewSlab()
	}
	return &NatCache{
		byNid: make(map[types.Nid]*NatEntry),
		clean: list.New(),
		dirty: list.New(),
		slab:  slab,
		ID:    uuid.New(),
	}
}

// Count returns the number of entries currently cached.
func (c *NatCache) Count() int64 {
	return c.natCnt.Load()
}

// Lookup probes the cache for nid, the first of get_node_info's three
// tiers. It takes only the read side of the lock.
func (c *NatCache) Lookup(nid types.Nid) (types.NodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byNid[nid]
	if !ok {
		return types.NodeInfo{}, false
	}
	return e.ni, true
}

// GrabNatEntry returns the cache entry for nid, creating one from the
// slab if absent. Unlike the original's alloc-then-insert-then-retry
// dance (needed only because its allocation and its radix-tree insert
// were two separate non-atomic steps), this performs both under the
// cache's write lock, so it always succeeds and the caller never needs
// to loop on a nil result.
func (c *NatCache) GrabNatEntry(nid types.Nid) *NatEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grabLocked(nid)
}

func (c *NatCache) grabLocked(nid types.Nid) *NatEntry {
	if e, ok := c.byNid[nid]; ok {
		return e
	}
	e := c.slab.Get()
	e.ni = types.NodeInfo{Nid: nid}
	e.element = c.clean.PushBack(e)
	e.kind = listClean
	c.byNid[nid] = e
	c.natCnt.Inc()
	return e
}

// UpdateNatEntry obtains (or creates) the cache entry for nid and sets
// its fields under the write lock. If dirty is true and the entry isn't
// already on the dirty list, it is moved there preserving ascending-nid
// order; the dirty list's sort order is load-bearing for the flush
// driver's leaf-grouping in internal/nat/tree.
func (c *NatCache) UpdateNatEntry(nid, ino types.Nid, blkAddr types.BlkAddr, version uint32, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.grabLocked(nid)
	e.ni.Ino = ino
	e.ni.Nid = nid
	e.ni.BlkAddr = blkAddr
	e.ni.Version = version

	if dirty && e.kind != listDirty {
		c.moveToDirtyLocked(e)
	}
}

// CacheClean installs ni into the cache on the clean list, the caching
// policy for a lookup that fell through to the NVM tree (get_node_info's
// resolved //TODO: add nat cache, clean branch).
func (c *NatCache) CacheClean(ni types.NodeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.grabLocked(ni.Nid)
	if e.kind == listDirty {
		// Already dirty takes precedence over a clean re-cache.
		return
	}
	e.ni = ni
	if e.kind != listClean {
		e.element = c.clean.PushBack(e)
		e.kind = listClean
	}
}

// moveToDirtyLocked unlinks e from whatever list it's on and inserts it
// into the dirty list at the position that keeps the list sorted by
// ascending nid. It explicitly checks for an empty dirty list before
// consulting the front entry, resolving the original's unguarded
// list_entry(dirty.next, ...) on an empty list.
func (c *NatCache) moveToDirtyLocked(e *NatEntry) {
	c.unlinkLocked(e)

	if c.dirty.Len() == 0 {
		e.element = c.dirty.PushBack(e)
		e.kind = listDirty
		return
	}

	front := c.dirty.Front().Value.(*NatEntry)
	if e.ni.Nid < front.ni.Nid {
		e.element = c.dirty.PushFront(e)
		e.kind = listDirty
		return
	}

	for el := c.dirty.Front(); el != nil; el = el.Next() {
		cur := el.Value.(*NatEntry)
		if e.ni.Nid < cur.ni.Nid {
			e.element = c.dirty.InsertBefore(e, el)
			e.kind = listDirty
			return
		}
	}
	e.element = c.dirty.PushBack(e)
	e.kind = listDirty
}

func (c *NatCache) unlinkLocked(e *NatEntry) {
	switch e.kind {
	case listClean:
		c.clean.Remove(e.element)
	case listDirty:
		c.dirty.Remove(e.element)
	}
	e.element = nil
	e.kind = listNone
}

// MarkClean removes nid from the dirty list, the counterpart call the
// checkpoint flush driver makes once an entry's image has been published.
func (c *NatCache) MarkClean(nid types.Nid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byNid[nid]
	if !ok || e.kind != listDirty {
		return
	}
	c.unlinkLocked(e)
	e.element = c.clean.PushBack(e)
	e.kind = listClean
}

// DirtySnapshot copies the dirty list, ascending by nid, into a plain
// slice under a read lock. The flush driver in internal/nat/tree
// iterates this snapshot rather than the live list so a concurrent
// UpdateNatEntry from another goroutine cannot mutate the list mid-flush,
// per the spec's concurrency note on flush-time dirty-list protection.
func (c *NatCache) DirtySnapshot() []types.NodeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.NodeInfo, 0, c.dirty.Len())
	for el := c.dirty.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*NatEntry).ni)
	}
	return out
}

// IsDirtySorted reports whether the dirty list is currently sorted by
// ascending nid. Exercised by property tests; not used on any hot path.
func (c *NatCache) IsDirtySorted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var prev types.Nid
	first := true
	for el := c.dirty.Front(); el != nil; el = el.Next() {
		nid := el.Value.(*NatEntry).ni.Nid
		if !first && nid < prev {
			return false
		}
		prev = nid
		first = false
	}
	return true
}
