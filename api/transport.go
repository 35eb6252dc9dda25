// Package api defines the narrow contracts a transport layer consumes from the shared memory core.
package api

import (
	"context"

	"github.com/srediag/fairmq-shm/pkg/shm"
)

// Allocator hands out reference counted chunks of the main segment.
type Allocator interface {
	NewOwner(ctx context.Context, size, recipients int) (*shm.Owner, error)
	Lookup(h shm.Handle) (*shm.Owner, error)
	Acquire(h shm.Handle) (*shm.Owner, error)
	Release(h shm.Handle) (bool, error)
}

// RegionMapper resolves regions by id and carries their acknowledgements.
type RegionMapper interface {
	GetRemoteRegion(ctx context.Context, id uint64) (*shm.Region, error)
	SetRegionCallback(messageID uint64, cb shm.RegionCallback)
	RemoveRegionCallback(messageID uint64) bool
	SendAck(ctx context.Context, regionID uint64, b shm.RegionBlock) error
}

var (
	_ Allocator    = (*shm.Manager)(nil)
	_ RegionMapper = (*shm.Manager)(nil)
)
