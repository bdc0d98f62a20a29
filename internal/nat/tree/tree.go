// Package tree implements the NAT subsystem's on-NVM tree (C2): the
// checkpoint-rooted radix tree of NatNode/NatBlock pages, its read path
// (get_nat_page) and its copy-on-write write path
// (recursive_flush_nat_pages), plus the checkpoint flush driver that
// drains a NatCache's dirty list into new tree pages.
package tree

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/interfaces"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/cache"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/freenid"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// Tree reads and writes the NAT tree's interior/leaf pages through an
// AddressTranslator, using the fan-out and block size carried in Layout.
type Tree struct {
	Xlat   interfaces.AddressTranslator
	Layout config.Layout
}

// NewTree builds a Tree over the given translator and layout.
func NewTree(xlat interfaces.AddressTranslator, layout config.Layout) *Tree {
	return &Tree{Xlat: xlat, Layout: layout}
}

func (t *Tree) readNode(addr types.BlkAddr) (*types.NatNode, error) {
	buf, err := t.Xlat.Addr(addr)
	if err != nil {
		return nil, err
	}
	return types.DecodeNatNode(buf, t.Layout.NatAddrPerNode)
}

func (t *Tree) readBlock(addr types.BlkAddr) (*types.NatBlock, error) {
	buf, err := t.Xlat.Addr(addr)
	if err != nil {
		return nil, err
	}
	return types.DecodeNatBlock(buf, t.Layout.NatEntryPerBlock)
}

func (t *Tree) childIndex(blkOrder uint64, height int) uint64 {
	shift := uint((height - 1)) * t.Layout.Log2NatAddrPerNode()
	return (blkOrder >> shift) & uint64(t.Layout.NatAddrPerNode-1)
}

// GetNatPageByOrder walks the tree rooted at cp's current NAT root,
// returning the leaf (NatBlock) address covering blkOrder, or ok=false if
// the covering subtree is uninitialized.
func (t *Tree) GetNatPageByOrder(cp interfaces.Checkpoint, blkOrder uint64) (types.BlkAddr, bool, error) {
	addr := cp.CurNatRoot()
	height := int(cp.NatHeight()) - 1

	for h := height; h > 0; h-- {
		if addr == types.NullAddr {
			return types.NullAddr, false, nil
		}
		node, err := t.readNode(addr)
		if err != nil {
			return types.NullAddr, false, err
		}
		idx := t.childIndex(blkOrder, h)
		addr = node.Children[idx]
	}
	if addr == types.NullAddr {
		return types.NullAddr, false, nil
	}
	return addr, true, nil
}

// GetNatPage is GetNatPageByOrder keyed by nid rather than a precomputed
// blk_order.
func (t *Tree) GetNatPage(cp interfaces.Checkpoint, nid types.Nid) (types.BlkAddr, bool, error) {
	return t.GetNatPageByOrder(cp, t.Layout.BlkOrder(uint64(nid)))
}

func (t *Tree) natBlockForNid(cp interfaces.Checkpoint, nid uint64) (*types.NatBlock, bool, error) {
	leafAddr, ok, err := t.GetNatPageByOrder(cp, t.Layout.BlkOrder(nid))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	block, err := t.readBlock(leafAddr)
	if err != nil {
		return nil, false, err
	}
	return block, true, nil
}

// boundReader adapts a Tree bound to one Checkpoint to the
// freenid.NatBlockReader interface, which (unlike Tree's own methods)
// carries no checkpoint parameter since the free-nid scanner only ever
// scans a single live checkpoint's tree at a time.
type boundReader struct {
	tree *Tree
	cp   interfaces.Checkpoint
}

func (b *boundReader) NatBlockForNid(nid uint64) (*types.NatBlock, bool, error) {
	return b.tree.natBlockForNid(b.cp, nid)
}

// BoundReader returns a freenid.NatBlockReader scoped to cp, for handing
// to Pool.BuildFreeNids/AllocNid.
func (t *Tree) BoundReader(cp interfaces.Checkpoint) freenid.NatBlockReader {
	return &boundReader{tree: t, cp: cp}
}

// RecursiveFlushNatPages publishes leafImage into the tree at blkOrder,
// allocating fresh NVM for every interior node on the root-to-leaf path
// that has not already been copied in this checkpoint, and mutating
// already-copied nodes in place. It returns the new address of the node
// at this level, or NullAddr if the node was mutated in place and the
// caller should keep the existing parent slot.
func (t *Tree) RecursiveFlushNatPages(
	ctx context.Context,
	oldRoot, curRoot types.BlkAddr,
	blkOrder uint64,
	height int,
	leafImage *types.NatBlock,
	alloc interfaces.BlockAllocator,
) (types.BlkAddr, error) {
	if height == 0 {
		addr, err := alloc.GetFreeNodeBlock(ctx)
		if err != nil {
			return types.NullAddr, err
		}
		encoded, err := types.EncodeNatBlock(leafImage, t.Layout.HmfsPageSize)
		if err != nil {
			return types.NullAddr, err
		}
		buf, err := t.Xlat.Addr(addr)
		if err != nil {
			return types.NullAddr, err
		}
		copy(buf, encoded)
		return addr, nil
	}

	var workAddr types.BlkAddr
	var workNode *types.NatNode
	freshlyAllocated := false

	switch {
	case curRoot == types.NullAddr:
		addr, err := alloc.GetFreeNodeBlock(ctx)
		if err != nil {
			return types.NullAddr, err
		}
		workAddr = addr
		workNode = types.NewNatNode(t.Layout.NatAddrPerNode)
		freshlyAllocated = true

	case curRoot == oldRoot:
		addr, err := alloc.GetFreeNodeBlock(ctx)
		if err != nil {
			return types.NullAddr, err
		}
		oldNode, err := t.readNode(oldRoot)
		if err != nil {
			return types.NullAddr, err
		}
		workAddr = addr
		workNode = &types.NatNode{Children: append([]types.BlkAddr(nil), oldNode.Children...)}
		freshlyAllocated = true

	default:
		node, err := t.readNode(curRoot)
		if err != nil {
			return types.NullAddr, err
		}
		workAddr = curRoot
		workNode = node
	}

	idx := t.childIndex(blkOrder, height)
	curChild := workNode.Children[idx]

	var oldChild types.BlkAddr
	switch {
	case curRoot == oldRoot:
		// workNode is a verbatim copy of oldRoot's contents, so the slot
		// we just read is also the pristine old child.
		oldChild = curChild
	case oldRoot == types.NullAddr:
		oldChild = types.NullAddr
	default:
		oldNode, err := t.readNode(oldRoot)
		if err != nil {
			return types.NullAddr, err
		}
		oldChild = oldNode.Children[idx]
	}

	newChild, err := t.RecursiveFlushNatPages(ctx, oldChild, curChild, blkOrder, height-1, leafImage, alloc)
	if err != nil {
		return types.NullAddr, err
	}
	if newChild != types.NullAddr {
		workNode.Children[idx] = newChild
	}

	encoded, err := types.EncodeNatNode(workNode, t.Layout.HmfsPageSize)
	if err != nil {
		return types.NullAddr, err
	}
	buf, err := t.Xlat.Addr(workAddr)
	if err != nil {
		return types.NullAddr, err
	}
	copy(buf, encoded)

	if freshlyAllocated {
		return workAddr, nil
	}
	return types.NullAddr, nil
}

type leafGroup struct {
	blkOrder uint64
	entries  []types.NodeInfo
}

func groupDirtyEntries(dirty []types.NodeInfo, layout config.Layout) []leafGroup {
	var groups []leafGroup
	for _, ni := range dirty {
		order := layout.BlkOrder(uint64(ni.Nid))
		if len(groups) == 0 || groups[len(groups)-1].blkOrder != order {
			groups = append(groups, leafGroup{blkOrder: order})
		}
		g := &groups[len(groups)-1]
		g.entries = append(g.entries, ni)
	}
	return groups
}

type flushedLeaf struct {
	blkOrder uint64
	nids     []types.Nid
	image    *types.NatBlock
}

// FlushDirtyEntries drains nc's dirty list into the NAT tree as one new
// checkpoint root. Per-leaf images are built concurrently with
// sourcegraph/conc/pool, since each group only reads/overlays its own
// leaf and shares no mutable state with the others; the tree mutations
// that publish those images are then applied sequentially in
// ascending-blk_order order, because sibling leaves under the same
// interior node must observe each other's copy-on-write so that node is
// copied at most once per checkpoint.
func (t *Tree) FlushDirtyEntries(ctx context.Context, nc *cache.NatCache, cp interfaces.Checkpoint, alloc interfaces.BlockAllocator) (types.BlkAddr, error) {
	dirty := nc.DirtySnapshot()
	if len(dirty) == 0 {
		return cp.CurNatRoot(), nil
	}
	// dirty is nid-ascending, and blk_order is a non-decreasing function
	// of nid, so groups already come out in ascending blk_order order.
	groups := groupDirtyEntries(dirty, t.Layout)

	leaves := make([]flushedLeaf, len(groups))
	p := pool.New().WithErrors().WithContext(ctx)
	for i, g := range groups {
		i, g := i, g
		p.Go(func(ctx context.Context) error {
			block, ok, err := t.GetNatPageByOrder(cp, g.blkOrder)
			var image *types.NatBlock
			if err != nil {
				return err
			}
			if !ok {
				image = types.NewNatBlock(t.Layout.NatEntryPerBlock)
			} else {
				image, err = t.readBlock(block)
				if err != nil {
					return err
				}
			}
			startNid := t.Layout.StartNid(uint64(g.entries[0].Nid))
			nids := make([]types.Nid, 0, len(g.entries))
			for _, ni := range g.entries {
				off := int(uint64(ni.Nid) - startNid)
				image.Entries[off] = types.NodeInfoToRawNat(ni)
				nids = append(nids, ni.Nid)
			}
			leaves[i] = flushedLeaf{blkOrder: g.blkOrder, nids: nids, image: image}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return types.NullAddr, err
	}

	oldRoot := cp.CurNatRoot()
	curRoot := oldRoot
	height := int(cp.NatHeight()) - 1

	var flushErr error
	flushedNids := make([]types.Nid, 0, len(dirty))
	for _, leaf := range leaves {
		newRoot, err := t.RecursiveFlushNatPages(ctx, oldRoot, curRoot, leaf.blkOrder, height, leaf.image, alloc)
		if err != nil {
			flushErr = multierr.Append(flushErr, err)
			continue
		}
		if newRoot != types.NullAddr {
			curRoot = newRoot
		}
		flushedNids = append(flushedNids, leaf.nids...)
	}
	if flushErr != nil {
		return types.NullAddr, flushErr
	}

	cp.SetCurNatRoot(curRoot)
	for _, nid := range flushedNids {
		nc.MarkClean(nid)
	}
	return curRoot, nil
}
