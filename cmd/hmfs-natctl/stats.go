package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the layout geometry and an empty session's initial counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := loadLayout()
		if err != nil {
			return err
		}
		s, err := newSession(layout)
		if err != nil {
			return err
		}

		fmt.Printf("nat_entry_per_block=%d nat_addr_per_node=%d nat_tree_max_height=%d\n",
			layout.NatEntryPerBlock, layout.NatAddrPerNode, layout.NatTreeMaxHeight)
		fmt.Printf("normal_addrs_per_inode=%d addrs_per_block=%d nids_per_block=%d\n",
			layout.NormalAddrsPerInode, layout.AddrsPerBlock, layout.NidsPerBlock)
		fmt.Printf("max_nid=%d build_free_nid_count=%d\n", layout.MaxNid(), layout.BuildFreeNidCount)

		st := s.mgr.Stats()
		fmt.Printf("\nservice=%s cache=%s cached_entries=%d free_pool=%d store_version=%d nat_root=%#x nat_height=%d\n",
			st.ServiceID, st.CacheID, st.CachedEntries, st.FreeNidPoolLen, st.StoreVersion, uint64(st.CurNatRoot), st.NatHeight)
		return nil
	},
}
