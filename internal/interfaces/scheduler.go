// File: internal/interfaces/scheduler.go
package interfaces

import "github.com/deploymenttheory/go-undelete/internal/types"

// ClusterRequest is one directory cluster waiting to be read
type ClusterRequest struct {
	// Cluster is the cluster number to read
	Cluster uint32

	// Owner is the directory record the cluster belongs to
	Owner types.RecordID

	// Seq is the position of the cluster within its directory's chain
	Seq int
}

// ClusterScheduler orders pending directory cluster reads. Every scheduled
// request must be returned by Next exactly once.
type ClusterScheduler interface {
	// Schedule queues a request
	Schedule(req ClusterRequest)

	// Next removes and returns the next request to read
	Next() (ClusterRequest, bool)

	// Pending returns the number of queued requests
	Pending() int
}
