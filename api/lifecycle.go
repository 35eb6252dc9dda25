package api

import "github.com/srediag/fairmq-shm/pkg/shm"

// Lifecycle gates background activity in step with the host process.
type Lifecycle interface {
	Interrupt()
	Resume()
	Running() bool
	Interrupted() bool
	RemoveSegment() error
}

var _ Lifecycle = (*shm.Manager)(nil)
