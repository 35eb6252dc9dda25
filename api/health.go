package api

import "github.com/srediag/fairmq-shm/pkg/shm"

// Health exposes the state health checks report on.
type Health interface {
	Initialized() bool
	Active() bool
	Interrupted() bool
	FreeMemory() uint64
	AttachedProcesses() uint32
}

var _ Health = (*shm.Manager)(nil)
