// Package natfs is the NAT subsystem's stable public surface: a factory
// that wires the lower internal/nat/* components behind one lifecycle,
// the way the teacher's pkg/services.ServiceFactory wires its container
// and filesystem services behind one initialization point.
package natfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/interfaces"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/cache"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
	"github.com/deploymenttheory/go-hmfs-nat/internal/services"
)

// Re-exported types so callers never need to import internal/nat/types
// directly.
type (
	Nid      = types.Nid
	BlkAddr  = types.BlkAddr
	NodeInfo = types.NodeInfo
	NodeRole = types.NodeRole
)

const (
	RoleInode    = types.RoleInode
	RoleIndirect = types.RoleIndirect
	RoleDirect   = types.RoleDirect
)

// Re-exported sentinel errors, per spec.md §7.
var (
	ErrNoSpace      = types.ErrNoSpace
	ErrNoSuchEntry  = types.ErrNoSuchEntry
	ErrInvalidAddr  = types.ErrInvalidAddr
	ErrNotPermitted = types.ErrNotPermitted
	ErrOutOfMemory  = types.ErrOutOfMemory
)

// Manager is the NAT subsystem's public entry point: a thin, lifecycle-
// managed wrapper over internal/services.NatService. Exactly one Manager
// should exist per mounted checkpoint's NAT tree.
type Manager struct {
	mu  sync.RWMutex
	svc *services.NatService
}

// Deps bundles the external collaborators a Manager needs, mirroring
// build_node_manager's parameter list (spec.md §6).
type Deps struct {
	Translator interfaces.AddressTranslator
	Checkpoint interfaces.Checkpoint
	Allocator  interfaces.BlockAllocator
	Accounting interfaces.NodeAccounting
	Layout     config.Layout
}

// Open builds a Manager over deps, the Go analogue of build_node_manager.
// It initializes the process-wide nat_entry slab the first time any
// Manager is opened.
func Open(deps Deps) (*Manager, error) {
	if deps.Translator == nil || deps.Checkpoint == nil || deps.Allocator == nil || deps.Accounting == nil {
		return nil, fmt.Errorf("hmfs/natfs: all of Translator, Checkpoint, Allocator, Accounting are required")
	}
	if err := deps.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("hmfs/natfs: invalid layout: %w", err)
	}
	if err := cache.CreateNodeManagerCaches(); err != nil {
		return nil, fmt.Errorf("hmfs/natfs: create node manager caches: %w", err)
	}
	svc := services.NewNatService(nil, deps.Translator, deps.Checkpoint, deps.Allocator, deps.Accounting, deps.Layout)
	return &Manager{svc: svc}, nil
}

// Close tears down the Manager, the analogue of destroy_node_manager.
// Process-wide caches are left for DestroyNodeManagerCaches, called once
// at process shutdown rather than once per Manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.svc = nil
	return nil
}

// DestroyCaches tears down the process-wide nat_entry slab, the analogue
// of destroy_node_manager_caches. Call once at process shutdown after
// every Manager has been closed.
func DestroyCaches() {
	cache.DestroyNodeManagerCaches()
}

// AllocateNode draws a fresh nid from the free-nid pool and materializes
// it as a new node owned by inode, stamped with role. On any failure
// after the nid is drawn, it is rolled back into the pool.
func (m *Manager) AllocateNode(ctx context.Context, inode interfaces.InodeHandle, role NodeRole) (Nid, []byte, NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.svc.AllocateNode(ctx, inode, role)
}

// LookupNode resolves nid to its current page and NodeInfo through the
// three-tier cache/journal/tree lookup.
func (m *Manager) LookupNode(nid Nid) ([]byte, NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.svc.LookupNode(nid)
}

// GetNewNode returns the writable page for nid, copying it into a fresh
// block the first time it is touched in the current checkpoint.
func (m *Manager) GetNewNode(ctx context.Context, nid Nid, inode interfaces.InodeHandle, role NodeRole) ([]byte, NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.svc.GetNewNode(ctx, nid, inode, role)
}

// TruncateInodeBlocks frees inode's node subtrees governing file-relative
// blocks at or beyond from.
func (m *Manager) TruncateInodeBlocks(ctx context.Context, inode interfaces.InodeHandle, from int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.svc.TruncateInode(ctx, inode, from)
}

// Checkpoint flushes every dirty NAT entry into a new tree root and
// returns it, the public entry point for the checkpoint orchestrator
// named in spec.md §6.
func (m *Manager) Checkpoint(ctx context.Context) (BlkAddr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.svc.Checkpoint(ctx)
}

// Stats is the services.Stats snapshot, re-exported so callers never need
// to import internal/services.
type Stats = services.Stats

// Stats returns a snapshot of the Manager's live counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.svc.Snapshot()
}
