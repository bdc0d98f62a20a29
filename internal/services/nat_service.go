// Package services wires the NAT subsystem's components (cache, tree,
// free-nid pool, node manager, truncator) behind one entry point with a
// fixed lock order, the way the teacher's container/object-locator
// services sit in front of the lower btree/object packages.
package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/interfaces"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/cache"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/freenid"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/node"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/tree"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/truncate"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// NatService is the NAT subsystem's single entry point. Its treeLock
// stands in for nat_tree_lock: AllocateNode/LookupNode/TruncateInode take
// the read side (many nids can be resolved/copied concurrently, each
// under the node manager's own per-nid work), and Checkpoint takes the
// write side so a flush's root-pointer swap never races a concurrent
// tree read. Everything below treeLock keeps its own finer-grained lock:
// the pool's buildLock, the checkpoint's journalLock and the pool's
// listLock are acquired in that order, never the reverse, and the
// cache's RWMutex is never held while any of them is taken.
type NatService struct {
	Cache     *cache.NatCache
	Tree      *tree.Tree
	Pool      *freenid.Pool
	Manager   *node.Manager
	Truncator *truncate.Truncator
	CP        interfaces.Checkpoint
	Alloc     interfaces.BlockAllocator
	Layout    config.Layout

	treeLock sync.RWMutex

	// ID tags this service instance, surfaced by cmd/hmfs-natctl's stats
	// subcommand when more than one arena is open at once.
	ID uuid.UUID
}

// NewNatService builds a NatService over the given layout and
// collaborators. cache may be nil, in which case a fresh one is created.
func NewNatService(c *cache.NatCache, xlat interfaces.AddressTranslator, cp interfaces.Checkpoint, alloc interfaces.BlockAllocator, acct interfaces.NodeAccounting, layout config.Layout) *NatService {
	if c == nil {
		c = cache.NewNatCache(nil)
	}
	t := tree.NewTree(xlat, layout)
	m := node.NewManager(c, t, cp, alloc, xlat, acct, layout)
	return &NatService{
		Cache:     c,
		Tree:      t,
		Pool:      freenid.NewPool(layout.BuildFreeNidCount),
		Manager:   m,
		Truncator: truncate.NewTruncator(m, alloc, acct, cp, layout),
		CP:        cp,
		Alloc:     alloc,
		Layout:    layout,
		ID:        uuid.New(),
	}
}

// AllocateNode draws a fresh nid from the free-nid pool and materializes
// it as a new node owned by inode, stamped with role. If materialization
// fails after the nid was drawn, the nid is rolled back into the pool so
// it isn't leaked.
func (s *NatService) AllocateNode(ctx context.Context, inode interfaces.InodeHandle, role types.NodeRole) (types.Nid, []byte, types.NodeInfo, error) {
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()

	nid, ok, err := s.Pool.AllocNid(ctx, s.CP, s.Layout, s.Tree.BoundReader(s.CP))
	if err != nil {
		return 0, nil, types.NodeInfo{}, fmt.Errorf("hmfs/nat: alloc nid: %w", err)
	}
	if !ok {
		return 0, nil, types.NodeInfo{}, types.ErrNoSpace
	}

	buf, info, err := s.Manager.GetNewNode(ctx, nid, inode, role)
	if err != nil {
		s.Pool.AllocNidFailed(nid)
		return 0, nil, types.NodeInfo{}, fmt.Errorf("hmfs/nat: materialize nid %d: %w", nid, err)
	}
	return nid, buf, info, nil
}

// LookupNode resolves nid to its current page and NodeInfo through the
// three-tier cache/journal/tree lookup.
func (s *NatService) LookupNode(nid types.Nid) ([]byte, types.NodeInfo, error) {
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()
	return s.Manager.GetNode(nid)
}

// GetNewNode exposes the node manager's copy-on-write wander directly,
// for callers (like the truncator's own slot re-stamping) that already
// hold an inode handle and a role.
func (s *NatService) GetNewNode(ctx context.Context, nid types.Nid, inode interfaces.InodeHandle, role types.NodeRole) ([]byte, types.NodeInfo, error) {
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()
	return s.Manager.GetNewNode(ctx, nid, inode, role)
}

// TruncateInode frees inode's node subtrees governing file-relative
// blocks at or beyond from.
func (s *NatService) TruncateInode(ctx context.Context, inode interfaces.InodeHandle, from int64) (int, error) {
	s.treeLock.RLock()
	defer s.treeLock.RUnlock()
	return s.Truncator.TruncateInodeBlocks(ctx, inode, from)
}

// Checkpoint drains the cache's dirty list into the NAT tree as a new
// root, publishing it on the checkpoint record. It takes the write side
// of treeLock, excluding every other operation for the duration of the
// flush.
func (s *NatService) Checkpoint(ctx context.Context) (types.BlkAddr, error) {
	s.treeLock.Lock()
	defer s.treeLock.Unlock()
	root, err := s.Tree.FlushDirtyEntries(ctx, s.Cache, s.CP, s.Alloc)
	if err != nil {
		return types.NullAddr, fmt.Errorf("hmfs/nat: checkpoint flush: %w", err)
	}
	return root, nil
}

// Stats is a snapshot of NatService's live counters, surfaced by
// cmd/hmfs-natctl's stats subcommand.
type Stats struct {
	ServiceID      uuid.UUID
	CacheID        uuid.UUID
	CachedEntries  int64
	FreeNidPoolLen int
	ValidNodeCount uint64
	StoreVersion   uint32
	CurNatRoot     types.BlkAddr
	NatHeight      uint8
}

// Snapshot reports NatService's current counters without taking
// treeLock: every field read is already independently synchronized by
// its owning component.
func (s *NatService) Snapshot() Stats {
	return Stats{
		ServiceID:      s.ID,
		CacheID:        s.Cache.ID,
		CachedEntries:  s.Cache.Count(),
		FreeNidPoolLen: s.Pool.Len(),
		ValidNodeCount: s.CP.ValidNodeCount(),
		StoreVersion:   s.CP.StoreVersion(),
		CurNatRoot:     s.CP.CurNatRoot(),
		NatHeight:      s.CP.NatHeight(),
	}
}
