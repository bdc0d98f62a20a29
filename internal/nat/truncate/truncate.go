// Package truncate implements the hierarchical inode truncation driver
// (C6): freeing an inode's direct/indirect/double-indirect node subtrees
// from a given file-relative block index onward.
package truncate

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/iter"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/interfaces"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/node"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/path"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// Truncator drives TruncateInodeBlocks and its helpers over a node
// Manager and the external collaborators truncation needs directly
// (block allocator, node accounting).
type Truncator struct {
	Manager *node.Manager
	Alloc   interfaces.BlockAllocator
	Acct    interfaces.NodeAccounting
	CP      interfaces.Checkpoint
	Layout  config.Layout
}

// NewTruncator builds a Truncator over the given node manager.
func NewTruncator(m *node.Manager, alloc interfaces.BlockAllocator, acct interfaces.NodeAccounting, cp interfaces.Checkpoint, layout config.Layout) *Truncator {
	return &Truncator{Manager: m, Alloc: alloc, Acct: acct, CP: cp, Layout: layout}
}

// TruncateNode reclaims nid's NVM block and clears its NAT mapping. If
// nid is the owning inode itself, the valid-inode counter is decremented
// instead of marking the owner dirty (orphan-list removal is out of
// scope: no VFS layer is modeled here).
func (t *Truncator) TruncateNode(ctx context.Context, nid types.Nid, owner interfaces.InodeHandle) error {
	ni, err := t.Manager.GetNodeInfo(nid)
	if err != nil {
		return err
	}
	if err := t.Alloc.InvalidateBlock(ctx, ni.BlkAddr); err != nil {
		return err
	}
	t.Acct.DecValidNodeCount(ctx, ni.Ino, 1)

	version := t.CP.StoreVersion()
	t.Manager.Cache.UpdateNatEntry(nid, ni.Ino, types.NullAddr, version, true)

	if nid == owner.Ino() {
		t.Acct.DecValidInodeCount(ctx)
	} else {
		owner.MarkDirty()
	}
	return nil
}

// TruncateDnode frees a single direct node. A zero nid or one already
// absent from the tree counts as trivially accounted for (return 1, no
// error): the original's "no such entry on read" tolerance.
func (t *Truncator) TruncateDnode(ctx context.Context, nid types.Nid, owner interfaces.InodeHandle) (int, error) {
	if nid == 0 {
		return 1, nil
	}
	_, _, err := t.Manager.GetNode(nid)
	if errors.Is(err, types.ErrNoSuchEntry) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	// truncate_data_blocks is external to the NAT subsystem (segment
	// allocator territory); only the node-level bookkeeping below is
	// this package's responsibility.
	if err := t.TruncateNode(ctx, nid, owner); err != nil {
		return 0, err
	}
	return 1, nil
}

// TruncateNodes frees an interior node's child subtrees from slot ofs
// upward. depth 2 means children are direct nodes (TruncateDnode); depth
// 3 means children are themselves interior nodes one level shallower
// (recursive TruncateNodes). When ofs is 0 the node itself is truncated
// too and the full-subtree sentinel (NidsPerBlock+1) is returned so a
// depth-3 parent knows it may clear its own slot.
func (t *Truncator) TruncateNodes(ctx context.Context, nid types.Nid, depth, ofs int, owner interfaces.InodeHandle) (int, error) {
	if nid == 0 {
		return 1, nil
	}

	buf, _, err := t.Manager.GetNewNode(ctx, nid, owner, types.RoleIndirect)
	if errors.Is(err, types.ErrNoSuchEntry) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	block, err := types.DecodeNidBlock(buf, t.Layout.NidsPerBlock)
	if err != nil {
		return 0, err
	}

	count := 0
	if depth < 3 {
		for i := ofs; i < t.Layout.NidsPerBlock; i++ {
			n, err := t.TruncateDnode(ctx, block.Nids[i], owner)
			if err != nil {
				return 0, err
			}
			block.Nids[i] = 0
			count += n
		}
	} else {
		results, err := iter.MapErr(indices(ofs, t.Layout.NidsPerBlock), func(i *int) (int, error) {
			return t.TruncateNodes(ctx, block.Nids[*i], depth-1, 0, owner)
		})
		if err != nil {
			return 0, err
		}
		for offset, n := range results {
			i := ofs + offset
			if n == t.Layout.NidsPerBlock+1 {
				block.Nids[i] = 0
			}
			count += n
		}
	}

	encoded, err := types.EncodeNidBlock(block, t.Layout.HmfsPageSize)
	if err != nil {
		return 0, err
	}
	copy(buf, encoded)

	if ofs != 0 {
		return 0, nil
	}
	if err := t.TruncateNode(ctx, nid, owner); err != nil {
		return 0, err
	}
	return count + 1, nil
}

func indices(from, to int) []int {
	out := make([]int, to-from)
	for i := range out {
		out[i] = from + i
	}
	return out
}

// TruncatePartialNodes reclaims the tail direct-node children — those at
// or beyond p.Offset[p.Level-1] — of the interior node p partially enters,
// then advances p in place (p.Offset[depth-2]++, p.Offset[depth-1] = 0)
// so the caller's slot loop resumes past the now-fully-handled portion.
// Mirrors truncate_partial_nodes (node.c:328): for a level-2 path this
// frees direct nodes within the indirect node at p.Offset[0] directly;
// for a level-3 path it first descends through p.Offset[1] to the
// specific indirect child of the double-indirect node, then frees direct
// nodes within that child.
func (t *Truncator) TruncatePartialNodes(ctx context.Context, owner interfaces.InodeHandle, p *path.NodePath) error {
	depth := p.Level
	idx := depth - 2

	slot := p.Offset[0] - path.NodeDir1Block
	nid := owner.NodeNid(slot)
	if nid == 0 {
		return nil
	}
	for i := 0; i < idx; i++ {
		buf, _, err := t.Manager.GetNode(nid)
		if errors.Is(err, types.ErrNoSuchEntry) {
			return nil
		}
		if err != nil {
			return err
		}
		block, err := types.DecodeNidBlock(buf, t.Layout.NidsPerBlock)
		if err != nil {
			return err
		}
		nid = block.Nids[p.Offset[i+1]]
		if nid == 0 {
			return nil
		}
	}
	holder := nid

	buf, _, err := t.Manager.GetNewNode(ctx, holder, owner, types.RoleIndirect)
	if errors.Is(err, types.ErrNoSuchEntry) {
		return nil
	}
	if err != nil {
		return err
	}
	block, err := types.DecodeNidBlock(buf, t.Layout.NidsPerBlock)
	if err != nil {
		return err
	}

	for i := p.Offset[depth-1]; i < t.Layout.NidsPerBlock; i++ {
		childNid := block.Nids[i]
		if childNid == 0 {
			continue
		}
		if _, err := t.TruncateDnode(ctx, childNid, owner); err != nil {
			return err
		}
		block.Nids[i] = 0
	}
	encoded, err := types.EncodeNidBlock(block, t.Layout.HmfsPageSize)
	if err != nil {
		return err
	}
	copy(buf, encoded)

	if p.Offset[depth-1] == 0 {
		if err := t.TruncateNode(ctx, holder, owner); err != nil {
			return err
		}
	}

	p.Offset[idx]++
	p.Offset[depth-1] = 0
	return nil
}

// TruncateInodeBlocks frees inode's node subtrees governing file-relative
// blocks at or beyond from, for a from that lies past the inode's own
// direct address array. When from lies inside that array (level 0) it
// returns 0 at once: no direct, indirect or double-indirect subtree is
// freed in that case.
func (t *Truncator) TruncateInodeBlocks(ctx context.Context, inode interfaces.InodeHandle, from int64) (int, error) {
	p, err := path.GetNodePath(t.Layout, from)
	if err != nil {
		return 0, err
	}
	if p.Level == 0 {
		return 0, nil
	}

	if p.Level >= 2 && p.Offset[p.Level-1] != 0 {
		if err := t.TruncatePartialNodes(ctx, inode, &p); err != nil {
			return 0, err
		}
	}

	var errs error
	freed := 0
	startSlot := p.Offset[0]
	for slot := startSlot; slot <= path.NodeDindBlock; slot++ {
		idx := slot - path.NodeDir1Block
		nid := inode.NodeNid(idx)

		// Only the first iteration may resume a partially-truncated
		// subtree (the tail TruncatePartialNodes already advanced past);
		// every later slot is truncated in full, per node.c:433's
		// offset[1] = 0 reset at the end of each loop pass.
		ofs := 0
		if slot == startSlot {
			ofs = p.Offset[1]
		}

		var n int
		var err error
		switch slot {
		case path.NodeDir1Block, path.NodeDir2Block:
			n, err = t.TruncateDnode(ctx, nid, inode)
		case path.NodeInd1Block, path.NodeInd2Block:
			n, err = t.TruncateNodes(ctx, nid, 2, ofs, inode)
		case path.NodeDindBlock:
			n, err = t.TruncateNodes(ctx, nid, 3, ofs, inode)
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			break
		}

		// A slot requested in full (ofs == 0) has just had its node
		// truncated along with its children, so the inode's own pointer
		// to it must be cleared too, per node.c:433's offset[1]==0 check.
		if ofs == 0 && nid != 0 {
			if _, _, err := t.Manager.GetNewNode(ctx, inode.Ino(), inode, types.RoleInode); err != nil {
				errs = multierr.Append(errs, err)
				break
			}
			inode.SetNodeNid(idx, 0)
		}
		freed += n

		if slot == path.NodeDindBlock {
			break
		}
	}
	if errs != nil {
		return freed, errs
	}
	return freed, nil
}
