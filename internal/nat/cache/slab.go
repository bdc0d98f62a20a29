package cache

import (
	"sync"

	"github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"
)

// Slab is a process-wide pool of NatEntry allocations, the Go analogue of
// the original kmem_cache used for nat_entry objects. Implementations
// without an explicit module load/unload lifecycle can collapse this to
// one Slab per filesystem instance (per the DESIGN NOTES on process-wide
// slabs); NewNatCache does exactly that when given a nil slab, but a shared process
// Slab is also available via the package-level functions below for hosts
// that want CreateNodeManagerCaches/DestroyNodeManagerCaches semantics.
type Slab struct {
	pool sync.Pool
}

// NewSlab creates a fresh entry slab.
func NewSlab() *Slab {
	return &Slab{
		pool: sync.Pool{New: func() any { return &NatEntry{} }},
	}
}

// Get returns a zeroed NatEntry, reusing a freed one when available.
func (s *Slab) Get() *NatEntry {
	e := s.pool.Get().(*NatEntry)
	*e = NatEntry{}
	return e
}

// Put returns an entry to the slab for reuse. Callers must not touch the
// entry afterward.
func (s *Slab) Put(e *NatEntry) {
	if e == nil {
		return
	}
	*e = NatEntry{}
	s.pool.Put(e)
}

var (
	processSlabMu sync.Mutex
	processSlab   *Slab
)

// CreateNodeManagerCaches initializes the process-wide nat_entry slab.
// It is idempotent: calling it more than once keeps the existing slab.
func CreateNodeManagerCaches() error {
	processSlabMu.Lock()
	defer processSlabMu.Unlock()
	if processSlab == nil {
		processSlab = NewSlab()
	}
	return nil
}

// DestroyNodeManagerCaches tears down the process-wide nat_entry slab.
func DestroyNodeManagerCaches() {
	processSlabMu.Lock()
	defer processSlabMu.Unlock()
	processSlab = nil
}

// ProcessSlab returns the process-wide slab, or nil if
// CreateNodeManagerCaches hasn't been called.
func ProcessSlab() *Slab {
	processSlabMu.Lock()
	defer processSlabMu.Unlock()
	return processSlab
}

// assert NatEntry's zero value is a valid, absent NodeInfo (NullAddr==0).
var _ = types.NullAddr
