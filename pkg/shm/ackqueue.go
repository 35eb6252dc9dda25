/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	internalshm "github.com/srediag/fairmq-shm/internal/shm"
)

// RegionBlock is the acknowledgement record a consumer posts once it is done
// with a region block.
type RegionBlock struct {
	Handle    uint64
	Size      uint64
	MessageID uint64
}

// RegionBlockSize is the encoded size of a RegionBlock and the queue slot size.
const RegionBlockSize = 24

func (b RegionBlock) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], b.Handle)
	binary.LittleEndian.PutUint64(dst[8:], b.Size)
	binary.LittleEndian.PutUint64(dst[16:], b.MessageID)
}

func decodeRegionBlock(src []byte) RegionBlock {
	return RegionBlock{
		Handle:    binary.LittleEndian.Uint64(src[0:]),
		Size:      binary.LittleEndian.Uint64(src[8:]),
		MessageID: binary.LittleEndian.Uint64(src[16:]),
	}
}

// Ack queue header layout. head and tail are monotonic counters.
const (
	queueMagicOffset    = 0
	queueCapOffset      = 8
	queueSlotSizeOffset = 12
	queueLockOffset     = 16
	queueNotEmptyOffset = 20
	queueNotFullOffset  = 24
	queueStateOffset    = 28
	queueHeadOffset     = 32
	queueTailOffset     = 40
	queueClosedOffset   = 48
	queueHeaderSize     = 64

	queueMagic uint64 = 0x3151524b43414d46 // "FMACKRQ1"
)

// AckQueue is a bounded fixed-slot queue living in its own shared memory
// object. Any process mapping it can send; the region creator receives.
type AckQueue struct {
	name     string
	mapping  *internalshm.MappedRegion
	mem      []byte
	capacity uint64
	lock     internalshm.Mutex
	notEmpty internalshm.Cond
	notFull  internalshm.Cond
	head     *uint64
	tail     *uint64
	closed   *uint32
}

func queueObjectSize(capacity int) int {
	return queueHeaderSize + capacity*RegionBlockSize
}

// createAckQueue exclusively creates and formats a queue object.
func createAckQueue(ctx context.Context, name string, capacity int) (*AckQueue, error) {
	mapping, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:      name,
		Size:      queueObjectSize(capacity),
		Create:    true,
		Exclusive: true,
	})
	if err != nil {
		return nil, err
	}
	mem := mapping.Addr
	state := internalshm.Uint32At(mem, queueStateOffset)
	atomic.StoreUint32(state, stateInitializing)
	atomic.StoreUint32(internalshm.Uint32At(mem, queueCapOffset), uint32(capacity))
	atomic.StoreUint32(internalshm.Uint32At(mem, queueSlotSizeOffset), RegionBlockSize)
	atomic.StoreUint64(internalshm.Uint64At(mem, queueMagicOffset), queueMagic)
	atomic.StoreUint32(state, stateReady)
	return newAckQueue(mapping)
}

// openAckQueue maps a queue object and waits for its creator to create and
// format it.
func openAckQueue(ctx context.Context, name string, readyTimeout time.Duration) (*AckQueue, error) {
	mapping, err := mapObject(ctx, internalshm.MapOptions{Name: name}, true, readyTimeout)
	if err != nil {
		return nil, err
	}
	if len(mapping.Addr) < queueHeaderSize {
		_ = internalshm.UnmapRegion(ctx, mapping)
		return nil, fmt.Errorf("%s: %w", name, ErrInvalidLayout)
	}
	if err := waitReady(ctx, internalshm.Uint32At(mapping.Addr, queueStateOffset), readyTimeout); err != nil {
		_ = internalshm.UnmapRegion(ctx, mapping)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	q, err := newAckQueue(mapping)
	if err != nil {
		_ = internalshm.UnmapRegion(ctx, mapping)
	}
	return q, err
}

func newAckQueue(mapping *internalshm.MappedRegion) (*AckQueue, error) {
	mem := mapping.Addr
	h, err := readQueueHeader(mem)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mapping.Name, err)
	}
	return &AckQueue{
		name:     mapping.Name,
		mapping:  mapping,
		mem:      mem,
		capacity: uint64(h.capacity),
		lock:     internalshm.NewMutex(internalshm.Uint32At(mem, queueLockOffset)),
		notEmpty: internalshm.NewCond(internalshm.Uint32At(mem, queueNotEmptyOffset)),
		notFull:  internalshm.NewCond(internalshm.Uint32At(mem, queueNotFullOffset)),
		head:     internalshm.Uint64At(mem, queueHeadOffset),
		tail:     internalshm.Uint64At(mem, queueTailOffset),
		closed:   internalshm.Uint32At(mem, queueClosedOffset),
	}, nil
}

type queueHeader struct {
	capacity uint32
	slotSize uint32
	head     uint64
	tail     uint64
	closed   uint32
}

func readQueueHeader(mem []byte) (queueHeader, error) {
	if len(mem) < queueHeaderSize || binary.LittleEndian.Uint64(mem[queueMagicOffset:]) != queueMagic {
		return queueHeader{}, ErrInvalidLayout
	}
	h := queueHeader{
		capacity: binary.LittleEndian.Uint32(mem[queueCapOffset:]),
		slotSize: binary.LittleEndian.Uint32(mem[queueSlotSizeOffset:]),
		head:     binary.LittleEndian.Uint64(mem[queueHeadOffset:]),
		tail:     binary.LittleEndian.Uint64(mem[queueTailOffset:]),
		closed:   binary.LittleEndian.Uint32(mem[queueClosedOffset:]),
	}
	if h.capacity == 0 || h.slotSize != RegionBlockSize || len(mem) < queueObjectSize(int(h.capacity)) {
		return queueHeader{}, ErrInvalidLayout
	}
	return h, nil
}

// Name returns the OS object name of the queue.
func (q *AckQueue) Name() string { return q.name }

// Cap returns the number of slots.
func (q *AckQueue) Cap() int { return int(q.capacity) }

// Len returns the number of queued records.
func (q *AckQueue) Len() int {
	return int(atomic.LoadUint64(q.tail) - atomic.LoadUint64(q.head))
}

func (q *AckQueue) slot(i uint64) []byte {
	off := queueHeaderSize + (i%q.capacity)*RegionBlockSize
	return q.mem[off : off+RegionBlockSize]
}

func (q *AckQueue) isClosed() bool {
	return atomic.LoadUint32(q.closed) != 0
}

// TrySend enqueues b without waiting. It reports false when the queue is full.
func (q *AckQueue) TrySend(b RegionBlock) (bool, error) {
	q.lock.Lock()
	if q.isClosed() {
		q.lock.Unlock()
		return false, ErrClosed
	}
	ok := q.pushLocked(b)
	q.lock.Unlock()
	if ok {
		q.notEmpty.Broadcast()
	}
	return ok, nil
}

func (q *AckQueue) pushLocked(b RegionBlock) bool {
	tail := atomic.LoadUint64(q.tail)
	if tail-atomic.LoadUint64(q.head) >= q.capacity {
		return false
	}
	b.encode(q.slot(tail))
	atomic.StoreUint64(q.tail, tail+1)
	return true
}

// TimedSend enqueues b, waiting up to timeout for a free slot. It returns
// ErrTimeout when the queue stayed full.
func (q *AckQueue) TimedSend(b RegionBlock, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := q.lockUntil(deadline); err != nil {
			return err
		}
		if q.isClosed() {
			q.lock.Unlock()
			return ErrClosed
		}
		if q.pushLocked(b) {
			q.lock.Unlock()
			q.notEmpty.Broadcast()
			return nil
		}
		seq := q.notFull.Seq()
		q.lock.Unlock()
		if err := q.wait(q.notFull, seq, deadline); err != nil {
			return err
		}
	}
}

// TimedReceive dequeues one record, waiting up to timeout. It returns
// ErrTimeout when the queue stayed empty.
func (q *AckQueue) TimedReceive(timeout time.Duration) (RegionBlock, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := q.lockUntil(deadline); err != nil {
			return RegionBlock{}, err
		}
		head := atomic.LoadUint64(q.head)
		if head != atomic.LoadUint64(q.tail) {
			b := decodeRegionBlock(q.slot(head))
			atomic.StoreUint64(q.head, head+1)
			q.lock.Unlock()
			q.notFull.Broadcast()
			return b, nil
		}
		if q.isClosed() {
			q.lock.Unlock()
			return RegionBlock{}, ErrClosed
		}
		seq := q.notEmpty.Seq()
		q.lock.Unlock()
		if err := q.wait(q.notEmpty, seq, deadline); err != nil {
			return RegionBlock{}, err
		}
	}
}

// lockUntil bounds the wait for the queue lock by deadline, so a peer that
// died holding it cannot park the caller forever.
func (q *AckQueue) lockUntil(deadline time.Time) error {
	return mapPlatformError(q.lock.LockTimeout(time.Until(deadline)))
}

func (q *AckQueue) wait(c internalshm.Cond, seq uint32, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrTimeout
	}
	return mapPlatformError(c.Wait(seq, remaining))
}

// close marks the queue closed for every mapper and wakes blocked callers.
func (q *AckQueue) close() {
	q.lock.Lock()
	atomic.StoreUint32(q.closed, 1)
	q.lock.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *AckQueue) unmap(ctx context.Context) error {
	return internalshm.UnmapRegion(ctx, q.mapping)
}
