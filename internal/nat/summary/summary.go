// Package summary stamps and reads the per-block summary record that
// GetNewNode uses to decide whether a node has already been wandered
// (copied) into the current checkpoint.
package summary

import "github.com/deploymenttheory/go-hmfs-nat/internal/nat/types"

// MakeSummaryEntry builds the summary record stamped on a freshly written
// node block, threading the node's role (inode/indirect/direct) through
// to the correct on-NVM summary type instead of hard-coding one, per the
// node-role discriminant resolved in this expansion.
func MakeSummaryEntry(ino, nid types.Nid, version uint32, role types.NodeRole) types.Summary {
	return types.Summary{
		Ino:          ino,
		Nid:          nid,
		Version:      version,
		Count:        1,
		Type:         types.SummaryTypeForRole(role),
		SummaryStart: version,
	}
}

// AlreadyWandered reports whether a block's summary shows it was already
// copied into the current checkpoint, meaning further mutation can happen
// on it in place rather than triggering another COW.
func AlreadyWandered(s types.Summary, storeVersion uint32) bool {
	return s.SummaryStart == storeVersion
}
