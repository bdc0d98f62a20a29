package testutil

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-hmfs-nat/internal/interfaces"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// NodeSlots is the width of an inode's node-nid array: direct1, direct2,
// indirect1, indirect2, double-indirect.
const NodeSlots = 5

// Inode is a fake interfaces.InodeHandle: an ino, an iblocks counter, a
// no-alloc flag, and the five node-nid slots addressed via
// internal/nat/path's NodeDir1Block..NodeDindBlock tags.
type Inode struct {
	mu       sync.Mutex
	ino      types.Nid
	iblocks  uint64
	noAlloc  bool
	nids     [NodeSlots]types.Nid
	dirtyCnt int
}

// NewInode creates a fake inode handle for ino.
func NewInode(ino types.Nid) *Inode {
	return &Inode{ino: ino}
}

func (n *Inode) Ino() types.Nid { return n.ino }

func (n *Inode) IBlocks() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.iblocks
}

// SetIBlocks sets the fake iblocks counter directly, for test setup.
func (n *Inode) SetIBlocks(v uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.iblocks = v
}

func (n *Inode) NoAlloc() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.noAlloc
}

// SetNoAlloc toggles the FI_NO_ALLOC equivalent flag.
func (n *Inode) SetNoAlloc(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.noAlloc = v
}

func (n *Inode) NodeNid(slot int) types.Nid {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nids[slot]
}

func (n *Inode) SetNodeNid(slot int, nid types.Nid) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nids[slot] = nid
}

func (n *Inode) MarkDirty() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dirtyCnt++
}

// DirtyCount reports how many times MarkDirty was called.
func (n *Inode) DirtyCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dirtyCnt
}

// InodeHost is a fake interfaces.InodeHost backed by a plain map.
type InodeHost struct {
	mu     sync.Mutex
	inodes map[types.Nid]*Inode
}

// NewInodeHost creates an empty fake inode host.
func NewInodeHost() *InodeHost {
	return &InodeHost{inodes: make(map[types.Nid]*Inode)}
}

// Put registers an inode for later HmfsIget lookups.
func (h *InodeHost) Put(inode *Inode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inodes[inode.Ino()] = inode
}

func (h *InodeHost) HmfsIget(ino types.Nid) (interfaces.InodeHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inode, ok := h.inodes[ino]
	if !ok {
		return nil, fmt.Errorf("hmfs/testutil: no such inode %d", ino)
	}
	return inode, nil
}
