// Package node implements node lookup and copy-on-write allocation (C5):
// the three-tier NAT lookup, resolving a nid to its current NVM page, and
// copying a node into a fresh block the first time it's touched in a
// checkpoint.
package node

import (
	"context"
	"sync"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/interfaces"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/cache"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/summary"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/tree"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// Manager is the node manager: the NAT cache, the on-NVM tree, and the
// external collaborators (checkpoint, allocator, translator, accounting)
// wired together behind GetNode/GetNewNode/GetNodeInfo.
//
// Summary records are kept in memory rather than on NVM: the summary
// information table that normally backs them is out of scope here, so the
// "already wandered this checkpoint" check is served from a plain map
// whose entries stop matching once store_version advances.
type Manager struct {
	Cache  *cache.NatCache
	Tree   *tree.Tree
	CP     interfaces.Checkpoint
	Alloc  interfaces.BlockAllocator
	Xlat   interfaces.AddressTranslator
	Acct   interfaces.NodeAccounting
	Layout config.Layout

	mu        sync.RWMutex
	summaries map[types.Nid]types.Summary
}

// NewManager builds a Manager over the given collaborators.
func NewManager(c *cache.NatCache, t *tree.Tree, cp interfaces.Checkpoint, alloc interfaces.BlockAllocator, xlat interfaces.AddressTranslator, acct interfaces.NodeAccounting, layout config.Layout) *Manager {
	return &Manager{
		Cache:     c,
		Tree:      t,
		CP:        cp,
		Alloc:     alloc,
		Xlat:      xlat,
		Acct:      acct,
		Layout:    layout,
		summaries: make(map[types.Nid]types.Summary),
	}
}

// GetNodeInfo resolves nid through the cache, then the checkpoint's NAT
// journal, then the NVM tree, caching the result per the read tier that
// served it.
func (m *Manager) GetNodeInfo(nid types.Nid) (types.NodeInfo, error) {
	if ni, ok := m.Cache.Lookup(nid); ok {
		return ni, nil
	}

	m.CP.JournalLock().RLock()
	raw, ok := m.CP.LookupJournal(nid)
	m.CP.JournalLock().RUnlock()
	if ok {
		ni := types.NodeInfoFromRawNat(nid, raw)
		m.Cache.UpdateNatEntry(ni.Nid, ni.Ino, ni.BlkAddr, ni.Version, true)
		return ni, nil
	}

	leafAddr, ok, err := m.Tree.GetNatPage(m.CP, nid)
	if err != nil {
		return types.NodeInfo{}, err
	}
	if !ok {
		return types.NodeInfo{}, types.ErrNoSuchEntry
	}
	buf, err := m.Xlat.Addr(leafAddr)
	if err != nil {
		return types.NodeInfo{}, err
	}
	block, err := types.DecodeNatBlock(buf, m.Layout.NatEntryPerBlock)
	if err != nil {
		return types.NodeInfo{}, err
	}
	off := int(uint64(nid) - m.Layout.StartNid(uint64(nid)))
	ni := types.NodeInfoFromRawNat(nid, block.Entries[off])
	m.Cache.CacheClean(ni)
	return ni, nil
}

// GetNode resolves nid to its current page bytes and NodeInfo, failing
// with ErrNoSuchEntry if unmapped or ErrInvalidAddr if the mapping holds
// a sentinel address rather than a live one.
func (m *Manager) GetNode(nid types.Nid) ([]byte, types.NodeInfo, error) {
	ni, err := m.GetNodeInfo(nid)
	if err != nil {
		return nil, types.NodeInfo{}, err
	}
	if ni.BlkAddr == types.NullAddr {
		return nil, types.NodeInfo{}, types.ErrNoSuchEntry
	}
	if ni.BlkAddr.IsSentinel() {
		return nil, types.NodeInfo{}, types.ErrInvalidAddr
	}
	buf, err := m.Xlat.Addr(ni.BlkAddr)
	if err != nil {
		return nil, types.NodeInfo{}, err
	}
	return buf, ni, nil
}

func (m *Manager) alreadyWandered(nid types.Nid) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[nid]
	if !ok {
		return false
	}
	return summary.AlreadyWandered(s, m.CP.StoreVersion())
}

func (m *Manager) stampSummary(s types.Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.Nid] = s
}

// GetNewNode returns the writable page for nid, copying it into a fresh
// NVM block the first time it is touched in the current checkpoint. If
// the node was already wandered this checkpoint, its existing page is
// returned unchanged. role selects the on-NVM summary type stamped on a
// fresh copy.
func (m *Manager) GetNewNode(ctx context.Context, nid types.Nid, inode interfaces.InodeHandle, role types.NodeRole) ([]byte, types.NodeInfo, error) {
	sourceBuf, sourceInfo, err := m.GetNode(nid)
	haveSource := err == nil
	if err != nil && err != types.ErrNoSuchEntry {
		return nil, types.NodeInfo{}, err
	}

	if haveSource && m.alreadyWandered(nid) {
		return sourceBuf, sourceInfo, nil
	}

	if !m.Acct.IncValidNodeCount(ctx, inode.Ino(), 1) {
		return nil, types.NodeInfo{}, types.ErrNoSpace
	}
	if inode.NoAlloc() {
		m.Acct.DecValidNodeCount(ctx, inode.Ino(), 1)
		return nil, types.NodeInfo{}, types.ErrNotPermitted
	}

	addr, err := m.Alloc.GetFreeNodeBlock(ctx)
	if err != nil {
		m.Acct.DecValidNodeCount(ctx, inode.Ino(), 1)
		return nil, types.NodeInfo{}, err
	}
	buf, err := m.Xlat.Addr(addr)
	if err != nil {
		m.Acct.DecValidNodeCount(ctx, inode.Ino(), 1)
		return nil, types.NodeInfo{}, err
	}

	version := m.CP.StoreVersion()
	if haveSource {
		copy(buf, sourceBuf)
	} else {
		for i := range buf {
			buf[i] = 0
		}
		footer := types.EncodeNodeFooter(types.NodeFooter{Ino: inode.Ino(), Nid: nid, CpVer: version})
		copy(buf[len(buf)-len(footer):], footer[:])
	}

	m.stampSummary(summary.MakeSummaryEntry(inode.Ino(), nid, version, role))
	m.Cache.UpdateNatEntry(nid, inode.Ino(), addr, version, true)

	newInfo := types.NodeInfo{Ino: inode.Ino(), Nid: nid, BlkAddr: addr, Version: version}
	return buf, newInfo, nil
}
