package truncate

import (
	"context"
	"testing"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/cache"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/node"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/path"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/tree"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
	"github.com/deploymenttheory/go-hmfs-nat/internal/testutil"
)

func newTruncator(t *testing.T) (*Truncator, *node.Manager, *testutil.Inode) {
	t.Helper()
	layout := config.Default()
	arena := testutil.NewArena(layout.HmfsPageSize)
	alloc := testutil.NewAllocator(arena)
	cp := testutil.NewCheckpoint(layout)
	tr := tree.NewTree(arena, layout)
	nc := cache.NewNatCache(nil)
	m := node.NewManager(nc, tr, cp, alloc, arena, cp, layout)
	inode := testutil.NewInode(types.Nid(layout.HmfsRootIno) + 1)

	if _, _, err := m.GetNewNode(context.Background(), inode.Ino(), inode, types.RoleInode); err != nil {
		t.Fatalf("seed inode node: %v", err)
	}
	return NewTruncator(m, alloc, cp, cp, layout), m, inode
}

func TestTruncateNodeOnFreshAllocation(t *testing.T) {
	tc, m, inode := newTruncator(t)
	ctx := context.Background()

	newNid := types.Nid(5000)
	_, newInfo, err := m.GetNewNode(ctx, newNid, inode, types.RoleDirect)
	if err != nil {
		t.Fatalf("GetNewNode: %v", err)
	}
	if newInfo.BlkAddr == types.NullAddr {
		t.Fatal("expected live address before truncation")
	}

	before := m.CP.ValidNodeCount()
	if err := tc.TruncateNode(ctx, newNid, inode); err != nil {
		t.Fatalf("TruncateNode: %v", err)
	}

	ni, err := m.GetNodeInfo(newNid)
	if err != nil {
		t.Fatalf("GetNodeInfo after truncate: %v", err)
	}
	if ni.BlkAddr != types.NullAddr {
		t.Fatalf("got blk_addr %v, want NullAddr", ni.BlkAddr)
	}
	if m.CP.ValidNodeCount() != before-1 {
		t.Fatalf("valid node count = %d, want %d", m.CP.ValidNodeCount(), before-1)
	}
}

func TestTruncateDnodeOnZeroNidIsNoop(t *testing.T) {
	tc, _, inode := newTruncator(t)
	n, err := tc.TruncateDnode(context.Background(), 0, inode)
	if err != nil {
		t.Fatalf("TruncateDnode: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d, want 1", n)
	}
}

func TestTruncateInodeBlocksIsIdempotent(t *testing.T) {
	tc, m, inode := newTruncator(t)
	ctx := context.Background()

	direct1 := types.Nid(6000)
	if _, _, err := m.GetNewNode(ctx, direct1, inode, types.RoleDirect); err != nil {
		t.Fatalf("seed direct1: %v", err)
	}
	inode.SetNodeNid(0, direct1)
	inode.SetIBlocks(10)

	from := int64(config.Default().NormalAddrsPerInode)

	firstFreed, err := tc.TruncateInodeBlocks(ctx, inode, from)
	if err != nil {
		t.Fatalf("first TruncateInodeBlocks: %v", err)
	}
	if firstFreed == 0 {
		t.Fatal("expected at least one slot freed on first call")
	}
	if inode.NodeNid(0) != 0 {
		t.Fatalf("expected direct1 slot cleared, got %d", inode.NodeNid(0))
	}

	secondFreed, err := tc.TruncateInodeBlocks(ctx, inode, from)
	if err != nil {
		t.Fatalf("second TruncateInodeBlocks: %v", err)
	}
	if secondFreed != firstFreed {
		t.Fatalf("freed-slot accounting changed on repeat call: first=%d second=%d", firstFreed, secondFreed)
	}
	if inode.NodeNid(0) != 0 {
		t.Fatalf("expected direct1 slot to stay cleared, got %d", inode.NodeNid(0))
	}
}

func TestTruncateInodeBlocksLevelZeroIsNoop(t *testing.T) {
	tc, _, inode := newTruncator(t)
	freed, err := tc.TruncateInodeBlocks(context.Background(), inode, 0)
	if err != nil {
		t.Fatalf("TruncateInodeBlocks: %v", err)
	}
	if freed != 0 {
		t.Fatalf("got %d, want 0", freed)
	}
}

// setNidBlockEntry writes nid into slot index of nid's own interior node
// page and persists it back through the node manager's writable handle.
func setNidBlockEntry(t *testing.T, m *node.Manager, layout config.Layout, owner *testutil.Inode, holder types.Nid, index int, child types.Nid) {
	t.Helper()
	buf, _, err := m.GetNewNode(context.Background(), holder, owner, types.RoleIndirect)
	if err != nil {
		t.Fatalf("GetNewNode(%d): %v", holder, err)
	}
	block, err := types.DecodeNidBlock(buf, layout.NidsPerBlock)
	if err != nil {
		t.Fatalf("DecodeNidBlock: %v", err)
	}
	block.Nids[index] = child
	encoded, err := types.EncodeNidBlock(block, layout.HmfsPageSize)
	if err != nil {
		t.Fatalf("EncodeNidBlock: %v", err)
	}
	copy(buf, encoded)
}

// TestTruncateInodeBlocksPartialIndirectPreservesLiveChildren drives a
// level-2 path whose starting offset lands mid-subtree (offset[1] != 0):
// direct-node children before the cut must survive, children at or past it
// must be freed, and since earlier siblings remain the indirect node
// itself must stay live and its inode slot must not be cleared. Exercises
// spec.md §8's partial-truncation property for the indirect level, which
// TestTruncateInodeBlocksIsIdempotent (aligned to a subtree boundary) does
// not reach.
func TestTruncateInodeBlocksPartialIndirectPreservesLiveChildren(t *testing.T) {
	tc, m, inode := newTruncator(t)
	ctx := context.Background()
	layout := config.Default()

	indirectNid := types.Nid(7000)
	if _, _, err := m.GetNewNode(ctx, indirectNid, inode, types.RoleIndirect); err != nil {
		t.Fatalf("seed indirect node: %v", err)
	}
	keepA, keepB := types.Nid(7001), types.Nid(7002)
	freeA, freeB := types.Nid(7003), types.Nid(7004)
	for _, nid := range []types.Nid{keepA, keepB, freeA, freeB} {
		if _, _, err := m.GetNewNode(ctx, nid, inode, types.RoleDirect); err != nil {
			t.Fatalf("seed direct child %d: %v", nid, err)
		}
	}
	setNidBlockEntry(t, m, layout, inode, indirectNid, 0, keepA)
	setNidBlockEntry(t, m, layout, inode, indirectNid, 1, keepB)
	setNidBlockEntry(t, m, layout, inode, indirectNid, 2, freeA)
	setNidBlockEntry(t, m, layout, inode, indirectNid, 3, freeB)

	const ind1Slot = 2 // NodeInd1Block - NodeDir1Block
	inode.SetNodeNid(ind1Slot, indirectNid)

	ind1Start := int64(layout.NormalAddrsPerInode) + 2*int64(layout.AddrsPerBlock)
	childIndex := int64(2)
	from := ind1Start + childIndex*int64(layout.AddrsPerBlock)

	p, err := path.GetNodePath(layout, from)
	if err != nil {
		t.Fatalf("GetNodePath: %v", err)
	}
	if p.Level != 2 || p.Offset[1] != int(childIndex) || p.Offset[2] != 0 {
		t.Fatalf("test setup drifted from intended offsets: level=%d offset=%v", p.Level, p.Offset)
	}

	if _, err := tc.TruncateInodeBlocks(ctx, inode, from); err != nil {
		t.Fatalf("TruncateInodeBlocks: %v", err)
	}

	for _, nid := range []types.Nid{keepA, keepB} {
		ni, err := m.GetNodeInfo(nid)
		if err != nil {
			t.Fatalf("GetNodeInfo(%d): %v", nid, err)
		}
		if ni.BlkAddr == types.NullAddr {
			t.Fatalf("child %d before the cut was freed, want preserved", nid)
		}
	}
	for _, nid := range []types.Nid{freeA, freeB} {
		ni, err := m.GetNodeInfo(nid)
		if err != nil {
			t.Fatalf("GetNodeInfo(%d): %v", nid, err)
		}
		if ni.BlkAddr != types.NullAddr {
			t.Fatalf("child %d at/past the cut survived, want freed", nid)
		}
	}
	indirectInfo, err := m.GetNodeInfo(indirectNid)
	if err != nil {
		t.Fatalf("GetNodeInfo(indirect): %v", err)
	}
	if indirectInfo.BlkAddr == types.NullAddr {
		t.Fatal("indirect node with live earlier children was freed, want preserved")
	}
	if inode.NodeNid(ind1Slot) != indirectNid {
		t.Fatalf("indirect slot cleared despite surviving children: got %d, want %d", inode.NodeNid(ind1Slot), indirectNid)
	}
}

// TestTruncateInodeBlocksPartialDoubleIndirectPreservesLiveChildren is the
// level-3 analogue: the cut lands mid-subtree one indirect child into the
// double-indirect node, so an untouched sibling indirect child (and its own
// live grandchildren) must survive the truncation.
func TestTruncateInodeBlocksPartialDoubleIndirectPreservesLiveChildren(t *testing.T) {
	tc, m, inode := newTruncator(t)
	ctx := context.Background()
	layout := config.Default()

	dindNid := types.Nid(8000)
	indirectChild := types.Nid(8100)
	if _, _, err := m.GetNewNode(ctx, dindNid, inode, types.RoleIndirect); err != nil {
		t.Fatalf("seed dind node: %v", err)
	}
	if _, _, err := m.GetNewNode(ctx, indirectChild, inode, types.RoleIndirect); err != nil {
		t.Fatalf("seed indirect child: %v", err)
	}
	setNidBlockEntry(t, m, layout, inode, dindNid, 1, indirectChild)

	keepA, keepB := types.Nid(8101), types.Nid(8102)
	freeA, freeB := types.Nid(8103), types.Nid(8104)
	for _, nid := range []types.Nid{keepA, keepB, freeA, freeB} {
		if _, _, err := m.GetNewNode(ctx, nid, inode, types.RoleDirect); err != nil {
			t.Fatalf("seed direct grandchild %d: %v", nid, err)
		}
	}
	setNidBlockEntry(t, m, layout, inode, indirectChild, 0, keepA)
	setNidBlockEntry(t, m, layout, inode, indirectChild, 1, keepB)
	setNidBlockEntry(t, m, layout, inode, indirectChild, 2, freeA)
	setNidBlockEntry(t, m, layout, inode, indirectChild, 3, freeB)

	const dindSlot = 4 // NodeDindBlock - NodeDir1Block
	inode.SetNodeNid(dindSlot, dindNid)

	indirectBlks := int64(layout.AddrsPerBlock) * int64(layout.NidsPerBlock)
	directBlks := int64(layout.AddrsPerBlock)
	dindStart := int64(layout.NormalAddrsPerInode) + 2*directBlks + 2*indirectBlks
	indirectChildIndex, directChildIndex := int64(1), int64(2)
	from := dindStart + indirectChildIndex*indirectBlks + directChildIndex*directBlks

	p, err := path.GetNodePath(layout, from)
	if err != nil {
		t.Fatalf("GetNodePath: %v", err)
	}
	if p.Level != 3 || p.Offset[1] != int(indirectChildIndex) || p.Offset[2] != int(directChildIndex) || p.Offset[3] != 0 {
		t.Fatalf("test setup drifted from intended offsets: level=%d offset=%v", p.Level, p.Offset)
	}

	if _, err := tc.TruncateInodeBlocks(ctx, inode, from); err != nil {
		t.Fatalf("TruncateInodeBlocks: %v", err)
	}

	for _, nid := range []types.Nid{keepA, keepB} {
		ni, err := m.GetNodeInfo(nid)
		if err != nil {
			t.Fatalf("GetNodeInfo(%d): %v", nid, err)
		}
		if ni.BlkAddr == types.NullAddr {
			t.Fatalf("grandchild %d before the cut was freed, want preserved", nid)
		}
	}
	for _, nid := range []types.Nid{freeA, freeB} {
		ni, err := m.GetNodeInfo(nid)
		if err != nil {
			t.Fatalf("GetNodeInfo(%d): %v", nid, err)
		}
		if ni.BlkAddr != types.NullAddr {
			t.Fatalf("grandchild %d at/past the cut survived, want freed", nid)
		}
	}
	childInfo, err := m.GetNodeInfo(indirectChild)
	if err != nil {
		t.Fatalf("GetNodeInfo(indirectChild): %v", err)
	}
	if childInfo.BlkAddr == types.NullAddr {
		t.Fatal("indirect child with live earlier grandchildren was freed, want preserved")
	}
	if inode.NodeNid(dindSlot) != dindNid {
		t.Fatalf("dind slot cleared despite a surviving indirect child: got %d, want %d", inode.NodeNid(dindSlot), dindNid)
	}
}

// sanity check that GetNodePath's NodeDir1Block constant lines up with the
// offset this test computes from, since NormalAddrsPerInode is exactly the
// boundary between level 0 and level 1.
func TestLevelBoundaryMatchesDirect1Block(t *testing.T) {
	layout := config.Default()
	p, err := path.GetNodePath(layout, int64(layout.NormalAddrsPerInode))
	if err != nil {
		t.Fatalf("GetNodePath: %v", err)
	}
	if p.Offset[0] != path.NodeDir1Block {
		t.Fatalf("got offset[0]=%d, want NodeDir1Block", p.Offset[0])
	}
}
