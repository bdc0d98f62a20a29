// Package freenid implements the free-nid pool (C4): a bounded array of
// candidate free nids refilled by scanning NAT leaves and recycling the
// checkpoint's NAT journal, and the allocate/rollback operations built on
// top of it.
package freenid

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/interfaces"
	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// NatBlockReader resolves the current on-NVM NAT leaf covering a nid, the
// scanning half of build_free_nids. It is satisfied by internal/nat/tree.
type NatBlockReader interface {
	// NatBlockForNid returns the NAT leaf covering nid, or ok=false if
	// that subtree is uninitialized (meaning the whole block is free).
	NatBlockForNid(nid uint64) (block *types.NatBlock, ok bool, err error)
}

// Pool is the free-nid pool: a fixed-capacity stack of FreeNidSlot plus
// the mutex that serializes rebuilds. Pushes/pops take listLock only for
// the duration of the slice mutation, mirroring the original's
// free_nid_list_lock spinlock discipline — Go has no native spinlock and
// the corpus never reaches for one either, so a plain mutex held briefly
// is the idiomatic stand-in.
type Pool struct {
	listLock sync.Mutex
	slots    []types.FreeNidSlot

	buildLock sync.Mutex

	fcnt atomic.Int64
	cap  int
}

// NewPool creates a pool with the given capacity (BuildFreeNidCount is
// the usual choice).
func NewPool(capacity int) *Pool {
	return &Pool{slots: make([]types.FreeNidSlot, 0, capacity), cap: capacity}
}

// Len returns the number of candidate nids currently held.
func (p *Pool) Len() int {
	return int(p.fcnt.Load())
}

// AllocNidFailed rolls an allocated-but-unused nid back into the pool,
// tagged with the free bit set, since the on-NVM free bit for it was
// already consumed logically when it was handed out.
func (p *Pool) AllocNidFailed(nid types.Nid) {
	p.buildLock.Lock()
	defer p.buildLock.Unlock()

	p.listLock.Lock()
	p.slots = append(p.slots, types.MakeFreeNid(nid, true))
	p.fcnt.Inc()
	p.listLock.Unlock()
}

// Contains reports whether at least one pool slot equals slot — used by
// tests to check AllocNidFailed's postcondition (spec.md §8).
func (p *Pool) Contains(slot types.FreeNidSlot) bool {
	p.listLock.Lock()
	defer p.listLock.Unlock()
	for _, s := range p.slots {
		if s == slot {
			return true
		}
	}
	return false
}

func (p *Pool) pushLocked(slot types.FreeNidSlot) {
	p.slots = append(p.slots, slot)
	p.fcnt.Inc()
}

func (p *Pool) popLocked() (types.FreeNidSlot, bool) {
	n := len(p.slots)
	if n == 0 {
		return 0, false
	}
	slot := p.slots[n-1]
	p.slots = p.slots[:n-1]
	p.fcnt.Dec()
	return slot, true
}

// maxRebuildAttempts bounds AllocNid's retry loop. The original's
// alloc_nid busy-loops forever on "goto retry" whenever a rebuild comes
// back empty; since this is a library call with no caller-visible
// cancellation point, we bound the retries instead of blocking the
// calling goroutine indefinitely when the NAT space is genuinely
// exhausted (see DESIGN.md).
const maxRebuildAttempts = 1

// AllocNid pops a free nid from the pool, rebuilding it from the
// checkpoint's journal and the NVM tree if it is empty. It reports false
// if the valid-node budget is already exhausted or if the pool is still
// empty after maxRebuildAttempts rebuilds.
func (p *Pool) AllocNid(ctx context.Context, cp interfaces.Checkpoint, layout config.Layout, reader NatBlockReader) (types.Nid, bool, error) {
	if uint64(cp.ValidNodeCount())+1 >= layout.MaxNid() {
		return 0, false, nil
	}

	for attempt := 0; ; attempt++ {
		p.listLock.Lock()
		if slot, ok := p.popLocked(); ok {
			p.listLock.Unlock()
			return slot.Nid(), true, nil
		}
		p.listLock.Unlock()

		if attempt == maxRebuildAttempts {
			return 0, false, nil
		}
		if _, err := p.BuildFreeNids(ctx, cp, layout, reader); err != nil {
			return 0, false, err
		}
	}
}

// BuildFreeNids refills the pool: first it recycles any NAT journal slot
// tagged FreeAddr, then it scans NAT leaves from the persisted scan
// cursor forward until the pool is full or the nid space is exhausted.
// Callers must ensure the pool is empty before calling (the original
// asserts fcnt == 0 on entry); BuildFreeNids itself serializes concurrent
// rebuilders via buildLock.
func (p *Pool) BuildFreeNids(ctx context.Context, cp interfaces.Checkpoint, layout config.Layout, reader NatBlockReader) (int, error) {
	p.buildLock.Lock()
	defer p.buildLock.Unlock()

	if p.Len() >= p.cap {
		return p.Len(), nil
	}

	budget := p.cap - p.Len()
	filled := 0

	cp.JournalLock().Lock()
	cp.RecycleFreeJournalSlots(func(nid types.Nid, blk types.BlkAddr) bool {
		if filled >= budget {
			return false
		}
		if blk != types.FreeAddr || uint32(nid) <= layout.HmfsRootIno {
			return false
		}
		p.listLock.Lock()
		p.pushLocked(types.MakeFreeNid(nid, true))
		p.listLock.Unlock()
		filled++
		return true
	})
	cp.JournalLock().Unlock()

	nid := cp.NextScanNid()
	maxNid := layout.MaxNid()

	for filled < budget && nid < maxNid {
		select {
		case <-ctx.Done():
			cp.SetNextScanNid(nid)
			return filled, ctx.Err()
		default:
		}

		startNid := layout.StartNid(nid)
		block, ok, err := reader.NatBlockForNid(startNid)
		if err != nil {
			return filled, err
		}

		i := int(nid - startNid)
		for ; i < layout.NatEntryPerBlock && filled < budget; i, nid = i+1, nid+1 {
			if nid >= maxNid {
				break
			}
			var blkAddr types.BlkAddr
			if ok {
				blkAddr = block.Entries[i].BlockAddr
			} else {
				blkAddr = types.FreeAddr // whole leaf uninitialized: every slot is free
			}
			if blkAddr == types.FreeAddr {
				p.listLock.Lock()
				p.pushLocked(types.MakeFreeNid(types.Nid(nid), false))
				p.listLock.Unlock()
				filled++
			}
		}
	}

	cp.SetNextScanNid(nid)
	return filled, nil
}
