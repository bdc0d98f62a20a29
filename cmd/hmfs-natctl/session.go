package main

import (
	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
	"github.com/deploymenttheory/go-hmfs-nat/internal/testutil"
	"github.com/deploymenttheory/go-hmfs-nat/pkg/natfs"
)

// session bundles one ephemeral arena, its fake allocator/checkpoint, and
// the natfs.Manager opened over them. Every subcommand builds exactly one
// per invocation: there is no cross-invocation persistence, since
// spec.md's Non-goals put the on-media super block/mount path out of
// scope.
type session struct {
	layout config.Layout
	arena  *testutil.Arena
	alloc  *testutil.Allocator
	cp     *testutil.Checkpoint
	mgr    *natfs.Manager
}

func newSession(layout config.Layout) (*session, error) {
	arena := testutil.NewArena(layout.HmfsPageSize)
	alloc := testutil.NewAllocator(arena)
	cp := testutil.NewCheckpoint(layout)

	mgr, err := natfs.Open(natfs.Deps{
		Translator: arena,
		Checkpoint: cp,
		Allocator:  alloc,
		Accounting: cp,
		Layout:     layout,
	})
	if err != nil {
		return nil, err
	}
	return &session{layout: layout, arena: arena, alloc: alloc, cp: cp, mgr: mgr}, nil
}
