package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-hmfs-nat/internal/testutil"
	"github.com/deploymenttheory/go-hmfs-nat/pkg/natfs"
)

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Allocate and materialize --count fresh nodes owned by a synthetic inode",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := loadLayout()
		if err != nil {
			return err
		}
		s, err := newSession(layout)
		if err != nil {
			return err
		}
		owner := testutil.NewInode(natfs.Nid(layout.HmfsRootIno + 1))

		ctx := context.Background()
		for i := 0; i < allocCount; i++ {
			nid, _, ni, err := s.mgr.AllocateNode(ctx, owner, natfs.RoleDirect)
			if err != nil {
				return fmt.Errorf("allocate node %d/%d: %w", i+1, allocCount, err)
			}
			fmt.Printf("nid=%d blk=%#x version=%d\n", nid, uint64(ni.BlkAddr), ni.Version)
		}

		st := s.mgr.Stats()
		if verbose {
			fmt.Printf("\ncached entries: %d  free pool: %d  valid nodes: %d\n",
				st.CachedEntries, st.FreeNidPoolLen, st.ValidNodeCount)
		}
		return nil
	},
}
