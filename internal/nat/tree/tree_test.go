package tree

import (
	"context"
	"testing"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/cache"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
	"github.com/deploymenttheory/go-hmfs-nat/internal/testutil"
)

func newHarness(t *testing.T) (*Tree, *testutil.Arena, *testutil.Allocator, *testutil.Checkpoint, config.Layout) {
	t.Helper()
	layout := config.Default()
	arena := testutil.NewArena(layout.HmfsPageSize)
	alloc := testutil.NewAllocator(arena)
	cp := testutil.NewCheckpoint(layout)
	tr := NewTree(arena, layout)
	return tr, arena, alloc, cp, layout
}

func TestFlushDirtyEntriesPublishesAllDirtyNids(t *testing.T) {
	tr, _, alloc, cp, layout := newHarness(t)
	nc := cache.NewNatCache(nil)

	// Three nids in three distinct leaf blocks, per spec.md §8 scenario 6:
	// the flush must produce one fresh leaf per block_order, and every
	// interior node on a shared path is allocated at most once.
	entryPerBlock := types.Nid(layout.NatEntryPerBlock)
	nids := []types.Nid{3, entryPerBlock + 4, entryPerBlock*2 + 10}
	for i, nid := range nids {
		nc.UpdateNatEntry(nid, nid, types.BlkAddr(1000+i), 1, true)
	}

	root, err := tr.FlushDirtyEntries(context.Background(), nc, cp, alloc)
	if err != nil {
		t.Fatalf("FlushDirtyEntries: %v", err)
	}
	if root == types.NullAddr {
		t.Fatal("expected a non-null new root")
	}
	if len(nc.DirtySnapshot()) != 0 {
		t.Fatal("expected dirty list empty after flush")
	}

	leaves := make(map[uint64]types.BlkAddr)
	for i, nid := range nids {
		addr, ok, err := tr.GetNatPage(cp, nid)
		if err != nil {
			t.Fatalf("GetNatPage(%d): %v", nid, err)
		}
		if !ok {
			t.Fatalf("GetNatPage(%d): leaf not found after flush", nid)
		}
		leaves[layout.BlkOrder(uint64(nid))] = addr

		block, err := tr.readBlock(addr)
		if err != nil {
			t.Fatalf("readBlock: %v", err)
		}
		off := int(uint64(nid) - layout.StartNid(uint64(nid)))
		if block.Entries[off].BlockAddr != types.BlkAddr(1000+i) {
			t.Fatalf("nid %d: got blk_addr %d, want %d", nid, block.Entries[off].BlockAddr, 1000+i)
		}
	}
	if len(leaves) != 3 {
		t.Fatalf("expected 3 distinct fresh leaf blocks, got %d", len(leaves))
	}
}

func TestFlushDirtyEntriesIsCOWAcrossCheckpoints(t *testing.T) {
	tr, _, alloc, cp, layout := newHarness(t)
	nc := cache.NewNatCache(nil)

	nc.UpdateNatEntry(3, 3, 100, 1, true)
	nc.UpdateNatEntry(4, 4, 200, 1, true)
	firstRoot, err := tr.FlushDirtyEntries(context.Background(), nc, cp, alloc)
	if err != nil {
		t.Fatalf("first flush: %v", err)
	}

	farNid := types.Nid(layout.NatEntryPerBlock * 3)
	nc.UpdateNatEntry(farNid, farNid, 999, 2, true)
	secondRoot, err := tr.FlushDirtyEntries(context.Background(), nc, cp, alloc)
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if secondRoot == firstRoot {
		t.Fatal("expected a new root after a second checkpoint's flush")
	}

	addr3, ok, err := tr.GetNatPageByOrder(cp, layout.BlkOrder(3))
	if err != nil || !ok {
		t.Fatalf("GetNatPageByOrder(3): ok=%v err=%v", ok, err)
	}
	block, err := tr.readBlock(addr3)
	if err != nil {
		t.Fatalf("readBlock: %v", err)
	}
	if block.Entries[3].BlockAddr != 100 {
		t.Fatalf("untouched leaf's entry for nid 3 changed: got %d, want 100", block.Entries[3].BlockAddr)
	}
}

func TestGetNatPageByOrderReportsUninitializedSubtree(t *testing.T) {
	tr, _, _, cp, layout := newHarness(t)
	_, ok, err := tr.GetNatPageByOrder(cp, layout.BlkOrder(999999))
	if err != nil {
		t.Fatalf("GetNatPageByOrder: %v", err)
	}
	if ok {
		t.Fatal("expected uninitialized subtree to report absent")
	}
}

func TestBoundReaderSatisfiesFreeNidScanner(t *testing.T) {
	tr, _, alloc, cp, _ := newHarness(t)
	nc := cache.NewNatCache(nil)
	nc.UpdateNatEntry(3, 3, 100, 1, true)
	if _, err := tr.FlushDirtyEntries(context.Background(), nc, cp, alloc); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reader := tr.BoundReader(cp)
	block, ok, err := reader.NatBlockForNid(tr.Layout.StartNid(3))
	if err != nil {
		t.Fatalf("NatBlockForNid: %v", err)
	}
	if !ok {
		t.Fatal("expected leaf to be found")
	}
	if block.Entries[3].BlockAddr != 100 {
		t.Fatalf("got %d, want 100", block.Entries[3].BlockAddr)
	}
}
