package cache

import (
	"math/rand"
	"testing"

	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

func TestUpdateNatEntryOnEmptyDirtyList(t *testing.T) {
	c := NewNatCache(nil)
	c.UpdateNatEntry(5, 5, 4096, 1, true)
	if !c.IsDirtySorted() {
		t.Fatal("dirty list should be trivially sorted with one entry")
	}
	snap := c.DirtySnapshot()
	if len(snap) != 1 || snap[0].Nid != 5 {
		t.Fatalf("unexpected dirty snapshot: %+v", snap)
	}
}

func TestDirtyListStaysSortedUnderRandomUpdates(t *testing.T) {
	c := NewNatCache(nil)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		nid := types.Nid(r.Intn(50))
		c.UpdateNatEntry(nid, 1, types.BlkAddr(i), uint32(i), true)
		if !c.IsDirtySorted() {
			t.Fatalf("dirty list out of order after update %d (nid=%d)", i, nid)
		}
	}
}

func TestUpdateNatEntryMovesCleanToDirty(t *testing.T) {
	c := NewNatCache(nil)
	c.CacheClean(types.NodeInfo{Nid: 10, Ino: 10, BlkAddr: 4096})
	ni, ok := c.Lookup(10)
	if !ok || ni.BlkAddr != 4096 {
		t.Fatalf("expected clean cache hit, got %+v ok=%v", ni, ok)
	}
	if len(c.DirtySnapshot()) != 0 {
		t.Fatal("entry should not be dirty yet")
	}
	c.UpdateNatEntry(10, 10, 8192, 2, true)
	snap := c.DirtySnapshot()
	if len(snap) != 1 || snap[0].BlkAddr != 8192 {
		t.Fatalf("expected entry to become dirty with new address, got %+v", snap)
	}
}

func TestGrabNatEntryIsIdempotent(t *testing.T) {
	c := NewNatCache(nil)
	a := c.GrabNatEntry(7)
	b := c.GrabNatEntry(7)
	if a != b {
		t.Fatal("GrabNatEntry should return the same entry for the same nid")
	}
	if c.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", c.Count())
	}
}

func TestMarkCleanRemovesFromDirtyList(t *testing.T) {
	c := NewNatCache(nil)
	c.UpdateNatEntry(3, 3, 1, 1, true)
	c.UpdateNatEntry(4, 4, 1, 1, true)
	c.MarkClean(3)
	snap := c.DirtySnapshot()
	if len(snap) != 1 || snap[0].Nid != 4 {
		t.Fatalf("expected only nid 4 to remain dirty, got %+v", snap)
	}
}
