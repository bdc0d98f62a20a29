// Package path computes the traversal from an inode to the node that
// covers a given file-relative block index: which direct/indirect/
// double-indirect slot to follow, at what depth, and the pre-order
// bookkeeping index (noffset) the truncation driver uses to label
// interior nodes.
package path

import (
	"fmt"

	"github.com/deploymenttheory/go-hmfs-nat/internal/config"
)

// Node-path dispatch tags. These are symbolic markers stored into
// offset[0] by GetNodePath and switched on by the truncation driver; they
// are not themselves file-block indices. i_nid[offset[0]-NodeDir1Block]
// indexes the inode's five node-nid slots.
const (
	NodeDir1Block = iota + 2
	NodeDir2Block
	NodeInd1Block
	NodeInd2Block
	NodeDindBlock
)

// MaxDepth is the deepest a node path can go: inode -> double-indirect ->
// indirect -> direct -> data.
const MaxDepth = 4

// NodePath is the result of resolving a file-relative block index: the
// child index at each depth (Offset), the pre-order interior-node index
// at each depth (Noffset), and the depth itself (Level). Depths beyond
// Level are unused and left zero.
type NodePath struct {
	Offset  [MaxDepth]int
	Noffset [MaxDepth]uint
	Level   int
}

// ErrFileTooLarge is returned when block falls outside every range the
// node-path layout covers.
type ErrFileTooLarge struct {
	Block int64
}

func (e *ErrFileTooLarge) Error() string {
	return fmt.Sprintf("hmfs/nat: file block %d exceeds the node tree's addressable range", e.Block)
}

// GetNodePath returns the traversal from an inode to the node governing
// the given file-relative block index, per the six cumulative ranges of
// the layout: direct addresses in the inode, two direct nodes, two
// indirect nodes, and one double-indirect node.
func GetNodePath(l config.Layout, block int64) (NodePath, error) {
	var p NodePath
	if block < 0 {
		return p, &ErrFileTooLarge{Block: block}
	}
	fileBlock := block

	directIndex := int64(l.NormalAddrsPerInode)
	directBlks := int64(l.AddrsPerBlock)
	dptrsPerBlk := int64(l.NidsPerBlock)
	indirectBlks := directBlks * dptrsPerBlk
	dindirectBlks := indirectBlks * dptrsPerBlk

	n := 0
	p.Noffset[0] = 0

	if block < directIndex {
		p.Offset[n] = int(block)
		return p, nil
	}

	block -= directIndex
	if block < directBlks {
		p.Offset[n] = NodeDir1Block
		n++
		p.Noffset[n] = 1
		p.Offset[n] = int(block)
		p.Level = 1
		return p, nil
	}

	block -= directBlks
	if block < directBlks {
		p.Offset[n] = NodeDir2Block
		n++
		p.Noffset[n] = 2
		p.Offset[n] = int(block)
		p.Level = 1
		return p, nil
	}

	block -= directBlks
	if block < indirectBlks {
		p.Offset[n] = NodeInd1Block
		n++
		p.Noffset[n] = 3
		p.Offset[n] = int(block / directBlks)
		n++
		p.Noffset[n] = 4 + uint(p.Offset[n-1])
		p.Offset[n] = int(block % directBlks)
		p.Level = 2
		return p, nil
	}

	block -= indirectBlks
	if block < indirectBlks {
		p.Offset[n] = NodeInd2Block
		n++
		p.Noffset[n] = 4 + uint(dptrsPerBlk)
		p.Offset[n] = int(block / directBlks)
		n++
		p.Noffset[n] = 5 + uint(dptrsPerBlk) + uint(p.Offset[n-1])
		p.Offset[n] = int(block % directBlks)
		p.Level = 2
		return p, nil
	}

	block -= indirectBlks
	if block < dindirectBlks {
		p.Offset[n] = NodeDindBlock
		n++
		p.Noffset[n] = 5 + uint(dptrsPerBlk)*2
		p.Offset[n] = int(block / indirectBlks)
		n++
		p.Noffset[n] = 6 + uint(dptrsPerBlk)*2 + uint(p.Offset[n-1])*uint(dptrsPerBlk+1)
		p.Offset[n] = int((block / directBlks) % dptrsPerBlk)
		n++
		p.Noffset[n] = 7 + uint(dptrsPerBlk)*2 + uint(p.Offset[n-2])*uint(dptrsPerBlk+1) + uint(p.Offset[n-1])
		p.Offset[n] = int(block % directBlks)
		p.Level = 3
		return p, nil
	}

	return p, &ErrFileTooLarge{Block: fileBlock}
}
