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
	"fmt"
	"sync/atomic"

	internalshm "github.com/srediag/fairmq-shm/internal/shm"
)

// Chunk is a variable size allocation inside the main segment.
type Chunk struct {
	Handle Handle
	Size   int
	seg    *Segment
}

// Data returns the chunk payload. It is nil for a chunk that no longer resolves.
func (c Chunk) Data() []byte {
	if c.seg == nil {
		return nil
	}
	d, err := c.seg.Data(c.Handle, c.Size)
	if err != nil {
		return nil
	}
	return d
}

// Owner record layout, stored in its own heap block.
const (
	ownerCountOffset  = 0
	ownerTagOffset    = 4
	ownerChunkOffset  = 8
	ownerSizeOffset   = 16
	ownerRecordSize   = 24
	ownerTag          = uint32(0x524e574f) // "OWNR"
	ownerTagDestroyed = uint32(0)
)

// Owner is a cross-process reference counted wrapper around one Chunk. The
// count lives in shared memory; the release that takes it to zero destroys
// the owner record and the chunk.
type Owner struct {
	seg    *Segment
	handle Handle
	chunk  Chunk
	count  *int32
}

// Handle identifies the owner record. Send it to receivers, which call Acquire or Release with it.
func (o *Owner) Handle() Handle { return o.handle }

// Chunk returns the owned chunk.
func (o *Owner) Chunk() Chunk { return o.chunk }

// Data returns the owned chunk payload.
func (o *Owner) Data() []byte { return o.chunk.Data() }

// Count returns the current reference count.
func (o *Owner) Count() int32 { return atomic.LoadInt32(o.count) }

func (s *Segment) initOwner(h Handle, chunk Chunk, count int32) (*Owner, error) {
	rec, err := s.Data(h, ownerRecordSize)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint64(internalshm.Uint64At(rec, ownerChunkOffset), uint64(chunk.Handle))
	atomic.StoreUint64(internalshm.Uint64At(rec, ownerSizeOffset), uint64(chunk.Size))
	cnt := internalshm.Int32At(rec, ownerCountOffset)
	atomic.StoreInt32(cnt, count)
	atomic.StoreUint32(internalshm.Uint32At(rec, ownerTagOffset), ownerTag)
	return &Owner{seg: s, handle: h, chunk: chunk, count: cnt}, nil
}

func (s *Segment) resolveOwner(h Handle) (*Owner, error) {
	rec, err := s.Data(h, ownerRecordSize)
	if err != nil {
		return nil, fmt.Errorf("owner %d: %w", h, ErrOwnerNotFound)
	}
	if atomic.LoadUint32(internalshm.Uint32At(rec, ownerTagOffset)) != ownerTag {
		return nil, fmt.Errorf("owner %d: %w", h, ErrOwnerNotFound)
	}
	chunk := Chunk{
		Handle: Handle(atomic.LoadUint64(internalshm.Uint64At(rec, ownerChunkOffset))),
		Size:   int(atomic.LoadUint64(internalshm.Uint64At(rec, ownerSizeOffset))),
		seg:    s,
	}
	return &Owner{seg: s, handle: h, chunk: chunk, count: internalshm.Int32At(rec, ownerCountOffset)}, nil
}

// acquireOwner increments the count of a live owner. A count that already
// reached zero is never revived.
func (s *Segment) acquireOwner(h Handle) (*Owner, error) {
	o, err := s.resolveOwner(h)
	if err != nil {
		return nil, err
	}
	for {
		c := atomic.LoadInt32(o.count)
		if c <= 0 {
			return nil, fmt.Errorf("owner %d released: %w", h, ErrOwnerNotFound)
		}
		if atomic.CompareAndSwapInt32(o.count, c, c+1) {
			return o, nil
		}
	}
}

// releaseOwner decrements the count. Exactly one caller observes the
// transition to zero and destroys the owner and its chunk.
func (s *Segment) releaseOwner(h Handle) (bool, error) {
	o, err := s.resolveOwner(h)
	if err != nil {
		return false, err
	}
	for {
		c := atomic.LoadInt32(o.count)
		if c <= 0 {
			return false, fmt.Errorf("owner %d released: %w", h, ErrOwnerNotFound)
		}
		if atomic.CompareAndSwapInt32(o.count, c, c-1) {
			if c-1 > 0 {
				return false, nil
			}
			return true, s.destroyOwner(o)
		}
	}
}

func (s *Segment) destroyOwner(o *Owner) error {
	s.lock.Lock()
	rec := s.mem[o.handle : uint64(o.handle)+ownerRecordSize]
	atomic.StoreUint32(internalshm.Uint32At(rec, ownerTagOffset), ownerTagDestroyed)
	errChunk := s.deallocateLocked(o.chunk.Handle)
	errOwner := s.deallocateLocked(o.handle)
	s.lock.Unlock()
	s.freed.Broadcast()
	if errChunk != nil {
		return errChunk
	}
	return errOwner
}
