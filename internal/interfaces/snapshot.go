// File: internal/interfaces/snapshot.go
package interfaces

import (
	"context"

	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// SnapshotBuilder builds a directory tree of existing and deleted items from
// one filesystem encoding. Each filesystem has its own implementation.
type SnapshotBuilder interface {
	// Update walks the volume metadata and returns a fresh tree
	Update(ctx context.Context, opts types.Options, progress types.ProgressFunc) (*snapshot.Tree, error)
}
