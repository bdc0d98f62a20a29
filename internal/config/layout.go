// Package config holds the NAT subsystem's on-disk layout constants:
// block/page geometry, tree fan-out, and tunable pool sizes. Values are
// loaded through spf13/viper so a host process can override them from a
// config file or environment, the same way the teacher's disk/device
// packages source their settings.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Layout holds the geometry constants that every NAT component derives
// its arithmetic from. The defaults reproduce the literal example values
// used throughout the specification's end-to-end scenarios.
type Layout struct {
	// HmfsPageSize is the size in bytes of one NVM page (a NAT leaf, a
	// NAT interior node, or a node block all occupy one page).
	HmfsPageSize int

	// NatEntryPerBlock is the number of raw NAT records held by one NAT
	// leaf page.
	NatEntryPerBlock int

	// NatAddrPerNode is the number of child pointers held by one NAT
	// interior page. Must be a power of two; Log2NatAddrPerNode is
	// derived from it.
	NatAddrPerNode int

	// NatTreeMaxHeight is the height H of the NAT tree.
	NatTreeMaxHeight int

	// NormalAddrsPerInode is the number of direct data addresses that
	// live in the inode itself.
	NormalAddrsPerInode int

	// AddrsPerBlock is the number of data addresses per direct node.
	AddrsPerBlock int

	// NidsPerBlock is the number of nids per indirect node.
	NidsPerBlock int

	// BuildFreeNidCount is the target fill size of one free-nid pool
	// rebuild.
	BuildFreeNidCount int

	// NumNatJournalsInCp is the number of inline NAT journal slots
	// carried in the checkpoint record.
	NumNatJournalsInCp int

	// HmfsRootIno is the reserved inode number below which nids are
	// never recycled into the free pool.
	HmfsRootIno uint32
}

// Default returns the layout used throughout the specification's literal
// examples.
func Default() Layout {
	return Layout{
		HmfsPageSize:        8192,
		NatEntryPerBlock:    455,
		NatAddrPerNode:      512,
		NatTreeMaxHeight:    3,
		NormalAddrsPerInode: 923,
		AddrsPerBlock:       1018,
		NidsPerBlock:        1018,
		BuildFreeNidCount:   256,
		NumNatJournalsInCp:  64,
		HmfsRootIno:         2,
	}
}

// Load reads a Layout from v, falling back to Default() for any key that
// isn't set. v may be nil, in which case Default() is returned verbatim.
func Load(v *viper.Viper) (Layout, error) {
	l := Default()
	if v == nil {
		return l, nil
	}
	bind := func(key string, dst *int, def int) {
		v.SetDefault(key, def)
		*dst = v.GetInt(key)
	}
	bind("nat.page_size", &l.HmfsPageSize, l.HmfsPageSize)
	bind("nat.entry_per_block", &l.NatEntryPerBlock, l.NatEntryPerBlock)
	bind("nat.addr_per_node", &l.NatAddrPerNode, l.NatAddrPerNode)
	bind("nat.tree_max_height", &l.NatTreeMaxHeight, l.NatTreeMaxHeight)
	bind("nat.normal_addrs_per_inode", &l.NormalAddrsPerInode, l.NormalAddrsPerInode)
	bind("nat.addrs_per_block", &l.AddrsPerBlock, l.AddrsPerBlock)
	bind("nat.nids_per_block", &l.NidsPerBlock, l.NidsPerBlock)
	bind("nat.build_free_nid_count", &l.BuildFreeNidCount, l.BuildFreeNidCount)
	bind("nat.num_nat_journals_in_cp", &l.NumNatJournalsInCp, l.NumNatJournalsInCp)

	v.SetDefault("nat.root_ino", int(l.HmfsRootIno))
	l.HmfsRootIno = uint32(v.GetInt("nat.root_ino"))

	return l, l.Validate()
}

// Validate reports whether the layout is internally consistent enough to
// drive the NAT tree arithmetic.
func (l Layout) Validate() error {
	if l.NatAddrPerNode <= 0 || l.NatAddrPerNode&(l.NatAddrPerNode-1) != 0 {
		return fmt.Errorf("hmfs/nat: nat_addr_per_node must be a power of two, got %d", l.NatAddrPerNode)
	}
	if l.NatEntryPerBlock <= 0 {
		return fmt.Errorf("hmfs/nat: nat_entry_per_block must be positive, got %d", l.NatEntryPerBlock)
	}
	if l.NatTreeMaxHeight <= 0 {
		return fmt.Errorf("hmfs/nat: nat_tree_max_height must be positive, got %d", l.NatTreeMaxHeight)
	}
	if l.AddrsPerBlock <= 0 || l.NidsPerBlock <= 0 || l.NormalAddrsPerInode <= 0 {
		return fmt.Errorf("hmfs/nat: addrs/nids geometry must be positive")
	}
	return nil
}

// Log2NatAddrPerNode returns log2(NatAddrPerNode), the shift used to walk
// one level of the NAT interior tree.
func (l Layout) Log2NatAddrPerNode() uint {
	shift := uint(0)
	for n := l.NatAddrPerNode; n > 1; n >>= 1 {
		shift++
	}
	return shift
}

// MaxNid returns the maximum nid exclusive of this layout:
// NatEntryPerBlock * NatAddrPerNode^(H-1), per the data model's valid
// range [1, max_nid).
func (l Layout) MaxNid() uint64 {
	max := uint64(l.NatEntryPerBlock)
	for i := 1; i < l.NatTreeMaxHeight; i++ {
		max *= uint64(l.NatAddrPerNode)
	}
	return max
}

// StartNid returns the first nid covered by the NAT leaf that contains
// nid, i.e. nid - (nid mod NatEntryPerBlock).
func (l Layout) StartNid(nid uint64) uint64 {
	return nid - nid%uint64(l.NatEntryPerBlock)
}

// BlkOrder returns the NAT leaf's order (its index among all leaves),
// used to walk the interior tree from the root.
func (l Layout) BlkOrder(nid uint64) uint64 {
	return nid / uint64(l.NatEntryPerBlock)
}
