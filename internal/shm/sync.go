package shm

import (
	"sync/atomic"
	"time"
)

// Mutex is a futex-based lock whose state word lives in shared memory, so it
// serializes goroutines of every process that maps the word.
//
// State: 0 unlocked, 1 locked, 2 locked with waiters.
type Mutex struct {
	state *uint32
}

// NewMutex returns a Mutex over the given shared word. A zeroed word is unlocked.
func NewMutex(state *uint32) Mutex {
	return Mutex{state: state}
}

// Lock acquires the mutex, blocking as long as necessary.
func (m Mutex) Lock() {
	_ = m.lock(0)
}

// LockTimeout acquires the mutex or returns ErrTimeout once d has elapsed.
func (m Mutex) LockTimeout(d time.Duration) error {
	if d <= 0 {
		d = time.Nanosecond
	}
	return m.lock(d)
}

func (m Mutex) lock(d time.Duration) error {
	if atomic.CompareAndSwapUint32(m.state, 0, 1) {
		return nil
	}
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	for atomic.SwapUint32(m.state, 2) != 0 {
		var timeout int64
		if d > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrTimeout
			}
			timeout = int64(remaining)
		}
		if err := futexWait(m.state, 2, timeout); err == ErrUnsupported {
			return err
		}
	}
	return nil
}

// Unlock releases the mutex and wakes one waiter if there is any.
func (m Mutex) Unlock() {
	if atomic.AddUint32(m.state, ^uint32(0)) != 0 {
		atomic.StoreUint32(m.state, 0)
		_, _ = futexWake(m.state, 1)
	}
}

// Cond is a cross-process condition built on a sequence word in shared
// memory. Waiters snapshot Seq, re-check their predicate and then Wait on the
// snapshot; Broadcast bumps the sequence and wakes everyone.
type Cond struct {
	seq *uint32
}

// NewCond returns a Cond over the given shared word.
func NewCond(seq *uint32) Cond {
	return Cond{seq: seq}
}

// Seq returns the current sequence value.
func (c Cond) Seq() uint32 {
	return atomic.LoadUint32(c.seq)
}

// Wait blocks until the sequence moves past seq or timeout elapses.
// It returns ErrTimeout on timeout; a nil error means the caller should re-check.
func (c Cond) Wait(seq uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(c.seq) == seq {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		err := futexWait(c.seq, seq, int64(remaining))
		if err != nil {
			return err
		}
	}
	return nil
}

// Broadcast wakes every waiter in every process.
func (c Cond) Broadcast() {
	atomic.AddUint32(c.seq, 1)
	_, _ = futexWake(c.seq, 0)
}

