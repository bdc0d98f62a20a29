package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-hmfs-nat/internal/testutil"
	"github.com/deploymenttheory/go-hmfs-nat/pkg/natfs"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Allocate --count dirty nodes, then flush them into a new NAT tree root",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := loadLayout()
		if err != nil {
			return err
		}
		s, err := newSession(layout)
		if err != nil {
			return err
		}
		ctx := context.Background()
		owner := testutil.NewInode(natfs.Nid(layout.HmfsRootIno + 1))

		for i := 0; i < allocCount; i++ {
			if _, _, _, err := s.mgr.AllocateNode(ctx, owner, natfs.RoleDirect); err != nil {
				return fmt.Errorf("allocate dirty node %d/%d: %w", i+1, allocCount, err)
			}
		}

		before := s.mgr.Stats()
		root, err := s.mgr.Checkpoint(ctx)
		if err != nil {
			return fmt.Errorf("checkpoint flush: %w", err)
		}
		after := s.mgr.Stats()

		fmt.Printf("flushed %d dirty node(s): root %#x -> %#x\n", allocCount, uint64(before.CurNatRoot), uint64(root))
		if verbose {
			fmt.Printf("pages allocated in arena: %d\n", s.arena.PageCount())
			fmt.Printf("free pool before=%d after=%d\n", before.FreeNidPoolLen, after.FreeNidPoolLen)
		}
		return nil
	},
}
