// Package shm implements a shared-memory transport core for moving large
// payloads between processes on the same host without copying them through
// kernel sockets.
//
// A Manager owns one named main segment with an in-segment heap allocator,
// plus a small management segment holding cross-process state: the region id
// counter, the liveness flag and the allocator lock. Payloads are carved as
// Chunks and wrapped by reference counted Owners that any process mapping the
// segment can acquire and release. Regions are fixed size raw mappings paired
// with an acknowledgement queue drained by a background worker on the
// creator side.
//
// Example usage:
//
//	m, err := shm.NewManager(shm.DefaultConfig())
//	if err != nil {
//	  return err
//	}
//	defer m.Close()
//	if err := m.Initialize(ctx, shm.ModeOpenOrCreate, "payloads", 64<<20); err != nil {
//	  return err
//	}
//	owner, err := m.NewOwner(ctx, 4096, 1)
//	// write owner.Data(), send owner.Handle() to the peer
//
// Handles are offsets into the segment and are valid in every process that
// maps it.
package shm
