package types

import (
	"encoding/binary"
	"fmt"
)

// rawNatEntrySize is the on-NVM byte size of one RawNatEntry: ino (4),
// block_addr (8), version (4).
const rawNatEntrySize = 16

// EncodeRawNatEntry writes a RawNatEntry to its little-endian wire form.
func EncodeRawNatEntry(e RawNatEntry) [rawNatEntrySize]byte {
	var buf [rawNatEntrySize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Ino))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(e.BlockAddr))
	binary.LittleEndian.PutUint32(buf[12:16], e.Version)
	return buf
}

// DecodeRawNatEntry reads a RawNatEntry from its little-endian wire form.
func DecodeRawNatEntry(buf [rawNatEntrySize]byte) RawNatEntry {
	return RawNatEntry{
		Ino:       Nid(binary.LittleEndian.Uint32(buf[0:4])),
		BlockAddr: BlkAddr(binary.LittleEndian.Uint64(buf[4:12])),
		Version:   binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// NatBlock is a fixed-count NVM leaf page: NatEntryPerBlock raw records.
// The record at offset (nid - startNid) holds the mapping for nid.
type NatBlock struct {
	Entries []RawNatEntry
}

// NewNatBlock allocates a zeroed NatBlock sized for entryCount entries.
func NewNatBlock(entryCount int) *NatBlock {
	return &NatBlock{Entries: make([]RawNatEntry, entryCount)}
}

// EncodeNatBlock serializes a NatBlock to a byte page of the given size,
// zero-padding any remainder after the packed entries.
func EncodeNatBlock(b *NatBlock, pageSize int) ([]byte, error) {
	need := len(b.Entries) * rawNatEntrySize
	if need > pageSize {
		return nil, fmt.Errorf("hmfs/nat: nat block needs %d bytes, page is %d", need, pageSize)
	}
	page := make([]byte, pageSize)
	for i, e := range b.Entries {
		raw := EncodeRawNatEntry(e)
		copy(page[i*rawNatEntrySize:], raw[:])
	}
	return page, nil
}

// DecodeNatBlock deserializes entryCount raw records from a byte page.
func DecodeNatBlock(page []byte, entryCount int) (*NatBlock, error) {
	need := entryCount * rawNatEntrySize
	if len(page) < need {
		return nil, fmt.Errorf("hmfs/nat: nat block page too small: have %d, need %d", len(page), need)
	}
	b := NewNatBlock(entryCount)
	for i := range b.Entries {
		var raw [rawNatEntrySize]byte
		copy(raw[:], page[i*rawNatEntrySize:(i+1)*rawNatEntrySize])
		b.Entries[i] = DecodeRawNatEntry(raw)
	}
	return b, nil
}

// NatNode is a fixed-count NVM interior page: child physical addresses.
type NatNode struct {
	Children []BlkAddr
}

// NewNatNode allocates a zeroed NatNode sized for childCount children.
func NewNatNode(childCount int) *NatNode {
	return &NatNode{Children: make([]BlkAddr, childCount)}
}

// EncodeNatNode serializes a NatNode to a byte page of the given size.
func EncodeNatNode(n *NatNode, pageSize int) ([]byte, error) {
	need := len(n.Children) * 8
	if need > pageSize {
		return nil, fmt.Errorf("hmfs/nat: nat node needs %d bytes, page is %d", need, pageSize)
	}
	page := make([]byte, pageSize)
	for i, c := range n.Children {
		binary.LittleEndian.PutUint64(page[i*8:i*8+8], uint64(c))
	}
	return page, nil
}

// DecodeNatNode deserializes childCount child addresses from a byte page.
func DecodeNatNode(page []byte, childCount int) (*NatNode, error) {
	need := childCount * 8
	if len(page) < need {
		return nil, fmt.Errorf("hmfs/nat: nat node page too small: have %d, need %d", len(page), need)
	}
	n := NewNatNode(childCount)
	for i := range n.Children {
		n.Children[i] = BlkAddr(binary.LittleEndian.Uint64(page[i*8 : i*8+8]))
	}
	return n, nil
}

// NidBlock is an indirect file-tree node's page: a fixed count of child
// nids (as opposed to NatNode's child physical addresses).
type NidBlock struct {
	Nids []Nid
}

// NewNidBlock allocates a zeroed NidBlock sized for count children.
func NewNidBlock(count int) *NidBlock {
	return &NidBlock{Nids: make([]Nid, count)}
}

// EncodeNidBlock serializes a NidBlock to a byte page of the given size.
func EncodeNidBlock(b *NidBlock, pageSize int) ([]byte, error) {
	need := len(b.Nids) * 4
	if need > pageSize {
		return nil, fmt.Errorf("hmfs/nat: nid block needs %d bytes, page is %d", need, pageSize)
	}
	page := make([]byte, pageSize)
	for i, nid := range b.Nids {
		binary.LittleEndian.PutUint32(page[i*4:i*4+4], uint32(nid))
	}
	return page, nil
}

// DecodeNidBlock deserializes count child nids from a byte page.
func DecodeNidBlock(page []byte, count int) (*NidBlock, error) {
	need := count * 4
	if len(page) < need {
		return nil, fmt.Errorf("hmfs/nat: nid block page too small: have %d, need %d", len(page), need)
	}
	b := NewNidBlock(count)
	for i := range b.Nids {
		b.Nids[i] = Nid(binary.LittleEndian.Uint32(page[i*4 : i*4+4]))
	}
	return b, nil
}

// EncodeNodeFooter writes a NodeFooter to its little-endian wire form.
func EncodeNodeFooter(f NodeFooter) [12]byte {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Ino))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.Nid))
	binary.LittleEndian.PutUint32(buf[8:12], f.CpVer)
	return buf
}

// DecodeNodeFooter reads a NodeFooter from its little-endian wire form.
func DecodeNodeFooter(buf [12]byte) NodeFooter {
	return NodeFooter{
		Ino:   Nid(binary.LittleEndian.Uint32(buf[0:4])),
		Nid:   Nid(binary.LittleEndian.Uint32(buf[4:8])),
		CpVer: binary.LittleEndian.Uint32(buf[8:12]),
	}
}
