// Package backend declares the interface the sync-state core consumes from
// the content driver. The driver enumerates folders and items in the
// actual mail/PIM stores; the core only needs folder stats while applying
// server-side hierarchy changes.
package backend

import (
	"context"

	"github.com/maintaina-com/ActiveSync/syncstate/types"
)

// Backend is implemented by the content driver.
type Backend interface {
	// GetFolder returns the folder currently known under the given
	// backend server id.
	GetFolder(ctx context.Context, serverID string) (*types.FolderEntry, error)

	// StatFolder builds the folder record for the given identifiers.
	StatFolder(id, parentID, displayName, serverID string, folderType int) *types.FolderEntry
}
