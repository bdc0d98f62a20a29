package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-hmfs-nat/internal/testutil"
	"github.com/deploymenttheory/go-hmfs-nat/pkg/natfs"
)

var truncateCmd = &cobra.Command{
	Use:   "truncate",
	Short: "Build a small direct-node tree and truncate it from --from",
	Long: `truncate materializes an inode's two direct-node slots (NodeDir1Block,
NodeDir2Block), then calls TruncateInodeBlocks(--from) against them and
reports how many node-tree slots were freed.`,
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
		owner.SetIBlocks(uint64(2 * layout.AddrsPerBlock))

		for _, slot := range []int{0, 1} {
			nid, _, _, err := s.mgr.AllocateNode(ctx, owner, natfs.RoleDirect)
			if err != nil {
				return fmt.Errorf("materialize direct node slot %d: %w", slot, err)
			}
			owner.SetNodeNid(slot, nid)
		}

		freed, err := s.mgr.TruncateInodeBlocks(ctx, owner, truncFrom)
		if err != nil {
			return fmt.Errorf("truncate from %d: %w", truncFrom, err)
		}
		fmt.Printf("freed %d node-tree slot(s) from block %d onward\n", freed, truncFrom)
		if verbose {
			fmt.Printf("owner dirty count: %d\n", owner.DirtyCount())
		}
		return nil
	},
}
