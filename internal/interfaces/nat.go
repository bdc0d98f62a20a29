// Package interfaces declares the external collaborators the NAT
// subsystem depends on but does not implement: the block allocator, the
// node-accounting counters, the checkpoint's journal, address
// translation, and inode materialization. Production wiring supplies real
// implementations backed by the segment allocator and super block code
// (out of scope here); internal/testutil supplies fakes for tests.
package interfaces

import (
	"context"
	"sync"

	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// BlockAllocator provides fresh NVM block addresses and reclaims them.
// It is an opaque provider: the NAT subsystem never inspects segment
// layout or summary bookkeeping beyond what Checkpoint exposes.
type BlockAllocator interface {
	// GetFreeNodeBlock returns a fresh, page-aligned, disjoint NVM block
	// address.
	GetFreeNodeBlock(ctx context.Context) (types.BlkAddr, error)
	// InvalidateBlock marks addr reclaimable.
	InvalidateBlock(ctx context.Context, addr types.BlkAddr) error
}

// NodeAccounting tracks the global valid-node and valid-inode counters.
type NodeAccounting interface {
	// IncValidNodeCount attempts to grow the valid-node counter by n for
	// the given owning inode; it reports false if the budget cannot
	// grow.
	IncValidNodeCount(ctx context.Context, ino types.Nid, n int) bool
	// DecValidNodeCount shrinks the valid-node counter by n.
	DecValidNodeCount(ctx context.Context, ino types.Nid, n int)
	// DecValidInodeCount shrinks the valid-inode counter by one.
	DecValidInodeCount(ctx context.Context)
}

// Checkpoint exposes the in-progress checkpoint record's NAT-relevant
// fields: the store version, the current NAT root and height, the
// journal, and its lock.
type Checkpoint interface {
	// StoreVersion is the checkpoint generation currently being built.
	StoreVersion() uint32
	// CurNatRoot is the address of the NAT tree's current root.
	CurNatRoot() types.BlkAddr
	// SetCurNatRoot installs a new NAT tree root, published at the next
	// checkpoint.
	SetCurNatRoot(types.BlkAddr)
	// NatHeight is the NAT tree's height H.
	NatHeight() uint8
	// ValidNodeCount is the checkpoint's live valid-node counter.
	ValidNodeCount() uint64
	// LookupJournal returns the raw NAT record carried in the
	// checkpoint's journal for nid, if present.
	LookupJournal(nid types.Nid) (types.RawNatEntry, bool)
	// RecycleFreeJournalSlots invokes release for every journal slot
	// whose nid satisfies release, clearing slots for which release
	// returns true. Caller holds JournalLock for the duration.
	RecycleFreeJournalSlots(release func(nid types.Nid, blk types.BlkAddr) bool)
	// NextScanNid is the free-nid scan cursor persisted across pool
	// rebuilds.
	NextScanNid() uint64
	// SetNextScanNid persists the scan cursor for the next rebuild.
	SetNextScanNid(uint64)
	// JournalLock guards journal slot reads/writes during recycling and
	// flush.
	JournalLock() *sync.RWMutex
}

// AddressTranslator translates between NVM byte addresses and in-memory
// pointers, and between (segment, page) pairs and byte addresses.
type AddressTranslator interface {
	// Addr returns the byte slice backing the page at blk. The slice
	// aliases the NVM arena; callers must not retain it past the
	// following checkpoint if they mutate it in place.
	Addr(blk types.BlkAddr) ([]byte, error)
	// CalPageAddr maps a (segment, page-offset) pair to a byte address.
	CalPageAddr(segment, offset uint64) types.BlkAddr
}

// InodeHandle is the minimal inode view the NAT subsystem needs: its own
// nid/ino, whether it refuses new allocations, and its per-level node
// nid slots (direct1, direct2, indirect1, indirect2, double-indirect).
type InodeHandle interface {
	Ino() types.Nid
	IBlocks() uint64
	NoAlloc() bool
	NodeNid(slot int) types.Nid
	SetNodeNid(slot int, nid types.Nid)
	MarkDirty()
}

// InodeHost materializes inode handles, standing in for hmfs_iget.
type InodeHost interface {
	HmfsIget(ino types.Nid) (InodeHandle, error)
}
