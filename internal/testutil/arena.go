// Package testutil provides an in-memory NVM arena and fake collaborator
// implementations (BlockAllocator, Checkpoint, AddressTranslator,
// InodeHost) shared by the NAT subsystem's package tests, the way the
// teacher's internal/testutil equips its parser and service tests with
// fixture containers instead of real disk images.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// Arena is a growable, page-addressed byte store standing in for NVM.
// Addresses are 1-based page indices (not byte offsets) so that
// NullAddr (0) never aliases a real page.
type Arena struct {
	mu       sync.Mutex
	pageSize int
	pages    [][]byte
}

// NewArena creates an empty arena using the given page size.
func NewArena(pageSize int) *Arena {
	return &Arena{pageSize: pageSize}
}

// Alloc appends a fresh zeroed page and returns its address.
func (a *Arena) Alloc() types.BlkAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages = append(a.pages, make([]byte, a.pageSize))
	return types.BlkAddr(len(a.pages))
}

// Addr returns the byte slice backing addr. The slice aliases the
// arena's storage so writes through it are visible to later reads.
func (a *Arena) Addr(addr types.BlkAddr) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr == types.NullAddr || int(addr) > len(a.pages) {
		return nil, fmt.Errorf("hmfs/testutil: address %d out of range (%d pages)", addr, len(a.pages))
	}
	return a.pages[addr-1], nil
}

// CalPageAddr maps a (segment, offset) pair onto this arena's flat
// address space; segment is ignored since the fake has no segment
// geometry of its own.
func (a *Arena) CalPageAddr(segment, offset uint64) types.BlkAddr {
	return types.BlkAddr(offset + 1)
}

// PageCount reports how many pages have been allocated.
func (a *Arena) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}

// Allocator hands out fresh arena pages as node blocks and tracks
// invalidated addresses for tests that assert reclaim behavior.
type Allocator struct {
	Arena *Arena

	mu          sync.Mutex
	invalidated map[types.BlkAddr]bool
}

// NewAllocator creates an Allocator backed by arena.
func NewAllocator(arena *Arena) *Allocator {
	return &Allocator{Arena: arena, invalidated: make(map[types.BlkAddr]bool)}
}

func (a *Allocator) GetFreeNodeBlock(ctx context.Context) (types.BlkAddr, error) {
	return a.Arena.Alloc(), nil
}

func (a *Allocator) InvalidateBlock(ctx context.Context, addr types.BlkAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated[addr] = true
	return nil
}

// Invalidated reports whether addr was passed to InvalidateBlock.
func (a *Allocator) Invalidated(addr types.BlkAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invalidated[addr]
}

// Checkpoint is a fake in-progress checkpoint record: a NAT root/height
// pair, a small journal map, and the valid-node/inode counters.
type Checkpoint struct {
	mu sync.Mutex

	journalLock sync.RWMutex
	journal     map[types.Nid]types.RawNatEntry

	curNatRoot   types.BlkAddr
	natHeight    uint8
	storeVersion uint32
	nextScanNid  uint64
	validNodes   uint64
	validInodes  uint64
}

// NewCheckpoint creates a fake checkpoint at the given tree height with
// an empty root and journal.
func NewCheckpoint(layout config.Layout) *Checkpoint {
	return &Checkpoint{
		journal:     make(map[types.Nid]types.RawNatEntry),
		natHeight:   uint8(layout.NatTreeMaxHeight),
		nextScanNid: uint64(layout.HmfsRootIno) + 1,
	}
}

func (c *Checkpoint) StoreVersion() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeVersion
}

// SetStoreVersion bumps the generation a test is simulating.
func (c *Checkpoint) SetStoreVersion(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeVersion = v
}

func (c *Checkpoint) CurNatRoot() types.BlkAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curNatRoot
}

func (c *Checkpoint) SetCurNatRoot(addr types.BlkAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.curNatRoot = addr
}

func (c *Checkpoint) NatHeight() uint8 { return c.natHeight }

func (c *Checkpoint) ValidNodeCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validNodes
}

func (c *Checkpoint) LookupJournal(nid types.Nid) (types.RawNatEntry, bool) {
	c.journalLock.RLock()
	defer c.journalLock.RUnlock()
	e, ok := c.journal[nid]
	return e, ok
}

// PutJournal installs a journal record for nid, for tests seeding a
// checkpoint's fast-path hot updates.
func (c *Checkpoint) PutJournal(nid types.Nid, e types.RawNatEntry) {
	c.journalLock.Lock()
	defer c.journalLock.Unlock()
	c.journal[nid] = e
}

func (c *Checkpoint) RecycleFreeJournalSlots(release func(nid types.Nid, blk types.BlkAddr) bool) {
	for nid, e := range c.journal {
		if release(nid, e.BlockAddr) {
			delete(c.journal, nid)
		}
	}
}

func (c *Checkpoint) NextScanNid() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextScanNid
}

func (c *Checkpoint) SetNextScanNid(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextScanNid = n
}

func (c *Checkpoint) JournalLock() *sync.RWMutex { return &c.journalLock }

// IncValidNodeCount implements interfaces.NodeAccounting with an
// unbounded budget, sufficient for unit tests that don't exercise
// exhaustion.
func (c *Checkpoint) IncValidNodeCount(ctx context.Context, ino types.Nid, n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validNodes += uint64(n)
	return true
}

func (c *Checkpoint) DecValidNodeCount(ctx context.Context, ino types.Nid, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint64(n) > c.validNodes {
		c.validNodes = 0
		return
	}
	c.validNodes -= uint64(n)
}

func (c *Checkpoint) DecValidInodeCount(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.validInodes > 0 {
		c.validInodes--
	}
}
