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
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/srediag/fairmq-shm/internal/shm"
)

// Handle is a segment-relative token identifying an allocation. It is valid
// in every process that maps the segment.
type Handle uint64

// InvalidHandle never identifies an allocation.
const InvalidHandle Handle = 0

// Main segment header layout.
const (
	segMagicOffset      = 0
	segVersionOffset    = 8
	segStateOffset      = 12
	segSizeOffset       = 16
	segFreeOffset       = 24
	segFreeHeadOffset   = 32
	segAllocCountOffset = 40
	segmentHeaderSize   = 64

	segmentMagic   uint64 = 0x31474553514d4646 // "FFMQSEG1"
	segmentVersion uint32 = 1

	stateUninit       uint32 = 0
	stateInitializing uint32 = 1
	stateReady        uint32 = 2
)

// Block layout. A block starts with its total size and a tag; free blocks
// keep the offset of the next free block right after the header.
const (
	blockHeaderSize = 16
	blockNextOffset = 16
	blockAlign      = 16
	minBlockSize    = 32

	tagFree uint64 = 0x45455246424d4646 // "FFMBFREE"
	tagUsed uint64 = 0x44455355424d4646 // "FFMBUSED"
)

// MinSegmentSize is the smallest main segment able to hold one allocation.
const MinSegmentSize = segmentHeaderSize + minBlockSize

// Segment is a named shared-memory mapping with an in-segment first-fit
// allocator. Allocator metadata lives in the mapping itself, so every process
// mapping the segment sees the same heap. Mutations are serialized by a
// cross-process mutex that lives in the management segment.
type Segment struct {
	name    string
	mapping *internalshm.MappedRegion
	mem     []byte
	lock    internalshm.Mutex
	freed   internalshm.Cond

	free       *uint64
	freeHead   *uint64
	allocCount *uint64
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// mapSegment maps the main segment and formats it when this process is the first mapper.
func mapSegment(ctx context.Context, mapping *internalshm.MappedRegion, lock internalshm.Mutex, freed internalshm.Cond, readyTimeout time.Duration) (*Segment, error) {
	mem := mapping.Addr
	if len(mem) < MinSegmentSize {
		return nil, fmt.Errorf("%s: size %d below minimum %d: %w", mapping.Name, len(mem), MinSegmentSize, ErrInvalidLayout)
	}
	s := &Segment{
		name:       mapping.Name,
		mapping:    mapping,
		mem:        mem,
		lock:       lock,
		freed:      freed,
		free:       internalshm.Uint64At(mem, segFreeOffset),
		freeHead:   internalshm.Uint64At(mem, segFreeHeadOffset),
		allocCount: internalshm.Uint64At(mem, segAllocCountOffset),
	}
	state := internalshm.Uint32At(mem, segStateOffset)
	if atomic.CompareAndSwapUint32(state, stateUninit, stateInitializing) {
		s.format()
		atomic.StoreUint32(state, stateReady)
	} else if err := waitReady(ctx, state, readyTimeout); err != nil {
		return nil, fmt.Errorf("%s: %w", mapping.Name, err)
	}
	if atomic.LoadUint64(internalshm.Uint64At(mem, segMagicOffset)) != segmentMagic ||
		atomic.LoadUint32(internalshm.Uint32At(mem, segVersionOffset)) != segmentVersion {
		return nil, fmt.Errorf("%s: %w", mapping.Name, ErrInvalidLayout)
	}
	return s, nil
}

func (s *Segment) format() {
	size := uint64(len(s.mem))
	heap := (size - segmentHeaderSize) &^ (blockAlign - 1)
	first := uint64(segmentHeaderSize)
	s.setBlock(first, heap, tagFree)
	s.setNext(first, 0)
	atomic.StoreUint64(s.freeHead, first)
	atomic.StoreUint64(s.free, heap)
	atomic.StoreUint64(s.allocCount, 0)
	atomic.StoreUint64(internalshm.Uint64At(s.mem, segSizeOffset), size)
	atomic.StoreUint32(internalshm.Uint32At(s.mem, segVersionOffset), segmentVersion)
	atomic.StoreUint64(internalshm.Uint64At(s.mem, segMagicOffset), segmentMagic)
}

func readyBackOff(ctx context.Context, timeout time.Duration) backoff.BackOff {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = timeout
	return backoff.WithContext(b, ctx)
}

// waitReady waits for another mapper to finish formatting a header.
func waitReady(ctx context.Context, state *uint32, timeout time.Duration) error {
	return backoff.Retry(func() error {
		if atomic.LoadUint32(state) != stateReady {
			return ErrNotInitialized
		}
		return nil
	}, readyBackOff(ctx, timeout))
}

// mapObject maps opts, retrying while the peer that created the object has
// not sized it yet. With waitCreate a missing object is retried as well.
func mapObject(ctx context.Context, opts internalshm.MapOptions, waitCreate bool, timeout time.Duration) (*internalshm.MappedRegion, error) {
	var mapping *internalshm.MappedRegion
	err := backoff.Retry(func() error {
		var err error
		mapping, err = internalshm.MapRegion(ctx, opts)
		switch {
		case err == nil, errors.Is(err, internalshm.ErrNotSized):
			return err
		case waitCreate && errors.Is(err, os.ErrNotExist):
			return err
		}
		return backoff.Permanent(err)
	}, readyBackOff(ctx, timeout))
	if err != nil {
		return nil, err
	}
	return mapping, nil
}

func (s *Segment) blockSize(off uint64) uint64 {
	return atomic.LoadUint64(internalshm.Uint64At(s.mem, off))
}

func (s *Segment) blockTag(off uint64) uint64 {
	return atomic.LoadUint64(internalshm.Uint64At(s.mem, off+8))
}

func (s *Segment) setBlock(off, size, tag uint64) {
	atomic.StoreUint64(internalshm.Uint64At(s.mem, off), size)
	atomic.StoreUint64(internalshm.Uint64At(s.mem, off+8), tag)
}

func (s *Segment) next(off uint64) uint64 {
	return atomic.LoadUint64(internalshm.Uint64At(s.mem, off+blockNextOffset))
}

func (s *Segment) setNext(off, next uint64) {
	atomic.StoreUint64(internalshm.Uint64At(s.mem, off+blockNextOffset), next)
}

// Name returns the OS object name of the segment.
func (s *Segment) Name() string { return s.name }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return len(s.mem) }

// FreeMemory returns the number of free heap bytes, block headers included.
func (s *Segment) FreeMemory() uint64 { return atomic.LoadUint64(s.free) }

// Allocations returns the number of live blocks.
func (s *Segment) Allocations() uint64 { return atomic.LoadUint64(s.allocCount) }

// Capacity returns the largest request the segment could ever satisfy.
func (s *Segment) Capacity() int {
	heap := (uint64(len(s.mem)) - segmentHeaderSize) &^ (blockAlign - 1)
	return int(heap - blockHeaderSize)
}

func blockSizeFor(size int) uint64 {
	need := alignUp(uint64(size)+blockHeaderSize, blockAlign)
	if need < minBlockSize {
		need = minBlockSize
	}
	return need
}

// Allocate carves size bytes from the heap in a single attempt. It returns
// ErrOutOfMemory when no free block is large enough right now and
// ErrTooLarge when the request can never fit.
func (s *Segment) Allocate(size int) (Handle, error) {
	if size < 0 {
		return InvalidHandle, fmt.Errorf("negative size %d: %w", size, ErrInvalidHandle)
	}
	if size > s.Capacity() {
		return InvalidHandle, fmt.Errorf("requested %d bytes, capacity %d: %w", size, s.Capacity(), ErrTooLarge)
	}
	need := blockSizeFor(size)

	s.lock.Lock()
	defer s.lock.Unlock()

	var prev uint64
	for cur := atomic.LoadUint64(s.freeHead); cur != 0; prev, cur = cur, s.next(cur) {
		bsize := s.blockSize(cur)
		if bsize < need {
			continue
		}
		next := s.next(cur)
		if bsize-need >= minBlockSize {
			rest := cur + need
			s.setBlock(rest, bsize-need, tagFree)
			s.setNext(rest, next)
			next = rest
			bsize = need
		}
		s.link(prev, next)
		s.setBlock(cur, bsize, tagUsed)
		atomic.AddUint64(s.free, ^(bsize - 1))
		atomic.AddUint64(s.allocCount, 1)
		return Handle(cur + blockHeaderSize), nil
	}
	return InvalidHandle, fmt.Errorf("requested %d bytes, free %d: %w", size, s.FreeMemory(), ErrOutOfMemory)
}

func (s *Segment) link(prev, next uint64) {
	if prev == 0 {
		atomic.StoreUint64(s.freeHead, next)
	} else {
		s.setNext(prev, next)
	}
}

// usedBlock returns the block offset of a live allocation.
func (s *Segment) usedBlock(h Handle) (uint64, error) {
	off := uint64(h) - blockHeaderSize
	if uint64(h) < segmentHeaderSize+blockHeaderSize || uint64(h) >= uint64(len(s.mem)) || off%blockAlign != 0 {
		return 0, fmt.Errorf("handle %d: %w", h, ErrInvalidHandle)
	}
	if s.blockTag(off) != tagUsed {
		return 0, fmt.Errorf("handle %d not allocated: %w", h, ErrInvalidHandle)
	}
	size := s.blockSize(off)
	if size < minBlockSize || off+size > uint64(len(s.mem)) {
		return 0, fmt.Errorf("handle %d corrupt block: %w", h, ErrInvalidHandle)
	}
	return off, nil
}

// Deallocate returns a block to the heap, merging it with free neighbours,
// and wakes allocators waiting for memory.
func (s *Segment) Deallocate(h Handle) error {
	s.lock.Lock()
	err := s.deallocateLocked(h)
	s.lock.Unlock()
	if err == nil {
		s.freed.Broadcast()
	}
	return err
}

func (s *Segment) deallocateLocked(h Handle) error {
	off, err := s.usedBlock(h)
	if err != nil {
		return err
	}
	size := s.blockSize(off)
	s.setBlock(off, size, tagFree)
	atomic.AddUint64(s.free, size)
	atomic.AddUint64(s.allocCount, ^uint64(0))

	// Free list is sorted by offset.
	var prev uint64
	cur := atomic.LoadUint64(s.freeHead)
	for cur != 0 && cur < off {
		prev, cur = cur, s.next(cur)
	}
	s.setNext(off, cur)
	s.link(prev, off)

	if cur != 0 && off+size == cur {
		size += s.blockSize(cur)
		s.setNext(off, s.next(cur))
		s.setBlock(off, size, tagFree)
		s.setBlock(cur, 0, 0)
	}
	if prev != 0 && prev+s.blockSize(prev) == off {
		s.setBlock(prev, s.blockSize(prev)+size, tagFree)
		s.setNext(prev, s.next(off))
		s.setBlock(off, 0, 0)
	}
	return nil
}

// Data returns the size bytes starting at h.
func (s *Segment) Data(h Handle, size int) ([]byte, error) {
	off, err := s.usedBlock(h)
	if err != nil {
		return nil, err
	}
	if size < 0 || uint64(h)+uint64(size) > off+s.blockSize(off) {
		return nil, fmt.Errorf("handle %d: %d bytes exceed block: %w", h, size, ErrInvalidHandle)
	}
	return s.mem[h : uint64(h)+uint64(size) : uint64(h)+uint64(size)], nil
}
