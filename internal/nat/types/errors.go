package types

import "errors"

// Error kinds from the NAT subsystem's error handling design. Each is a
// sentinel usable with errors.Is; call sites wrap them with fmt.Errorf's
// %w verb to attach context.
var (
	// ErrNoSpace means the allocator refused, or valid_node_count would
	// reach max_nid.
	ErrNoSpace = errors.New("hmfs/nat: no space")
	// ErrNoSuchEntry means a nid is absent from cache, journal, and NVM.
	ErrNoSuchEntry = errors.New("hmfs/nat: no such entry")
	// ErrInvalidAddr means blk_addr holds a sentinel where a live address
	// was required.
	ErrInvalidAddr = errors.New("hmfs/nat: invalid block address")
	// ErrNotPermitted means the inode has FI_NO_ALLOC set.
	ErrNotPermitted = errors.New("hmfs/nat: not permitted")
	// ErrOutOfMemory means cache or slab allocation failed.
	ErrOutOfMemory = errors.New("hmfs/nat: out of memory")
)
