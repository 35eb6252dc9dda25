//go:build linux

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
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"
)

type SegmentTestSuite struct {
	suite.Suite
	cfg Config
	m   *Manager
	seg *Segment
}

func (s *SegmentTestSuite) SetupTest() {
	s.cfg = newTestConfig(s.T())
	s.m = newTestManager(s.T(), s.cfg)
	s.Require().NoError(s.m.Initialize(context.Background(), ModeCreateOnly, segmentName(s.cfg), 64<<10))
	s.seg = s.m.Segment()
	s.Require().NotNil(s.seg)
}

func (s *SegmentTestSuite) TestFreshSegment() {
	heap := uint64(64<<10 - segmentHeaderSize)
	s.Equal(heap, s.seg.FreeMemory())
	s.Equal(s.seg.FreeMemory(), s.seg.freeListBytes())
	s.Equal(1, s.seg.freeBlocks())
	s.Equal(64<<10, s.seg.Size())
	s.Equal(segmentName(s.cfg), s.seg.Name())
	s.Equal(int(heap-blockHeaderSize), s.seg.Capacity())
}

func (s *SegmentTestSuite) TestAllocateDeallocate() {
	free := s.seg.FreeMemory()
	h, err := s.seg.Allocate(100)
	s.Require().NoError(err)
	s.Zero(uint64(h) % blockAlign)
	s.Equal(free-blockSizeFor(100), s.seg.FreeMemory())
	s.EqualValues(1, s.seg.Allocations())

	data, err := s.seg.Data(h, 100)
	s.Require().NoError(err)
	s.Len(data, 100)
	copy(data, "payload")

	_, err = s.seg.Data(h, int(blockSizeFor(100)))
	s.ErrorIs(err, ErrInvalidHandle)

	s.Require().NoError(s.seg.Deallocate(h))
	s.Equal(free, s.seg.FreeMemory())
	s.Equal(1, s.seg.freeBlocks())
	s.EqualValues(0, s.seg.Allocations())
}

func (s *SegmentTestSuite) TestZeroSizeAllocation() {
	h, err := s.seg.Allocate(0)
	s.Require().NoError(err)
	data, err := s.seg.Data(h, 0)
	s.Require().NoError(err)
	s.Empty(data)
	s.Require().NoError(s.seg.Deallocate(h))
}

func (s *SegmentTestSuite) TestInvalidHandles() {
	free := s.seg.FreeMemory()
	s.ErrorIs(s.seg.Deallocate(InvalidHandle), ErrInvalidHandle)
	s.ErrorIs(s.seg.Deallocate(Handle(3)), ErrInvalidHandle)
	s.ErrorIs(s.seg.Deallocate(Handle(1<<40)), ErrInvalidHandle)

	h, err := s.seg.Allocate(64)
	s.Require().NoError(err)
	s.Require().NoError(s.seg.Deallocate(h))
	s.ErrorIs(s.seg.Deallocate(h), ErrInvalidHandle)
	s.Equal(free, s.seg.FreeMemory())
}

func (s *SegmentTestSuite) TestTooLargeAndOutOfMemory() {
	_, err := s.seg.Allocate(s.seg.Capacity() + 1)
	s.ErrorIs(err, ErrTooLarge)

	h, err := s.seg.Allocate(s.seg.Capacity())
	s.Require().NoError(err)
	s.Zero(s.seg.FreeMemory())
	_, err = s.seg.Allocate(1)
	s.ErrorIs(err, ErrOutOfMemory)
	s.Require().NoError(s.seg.Deallocate(h))
}

func (s *SegmentTestSuite) TestCoalescing() {
	free := s.seg.FreeMemory()
	var hs []Handle
	for i := 0; i < 5; i++ {
		h, err := s.seg.Allocate(1000)
		s.Require().NoError(err)
		hs = append(hs, h)
	}
	// Free every other block, then the rest, in an order that merges on both sides.
	for _, i := range []int{1, 3, 0, 4, 2} {
		s.Require().NoError(s.seg.Deallocate(hs[i]))
		s.Equal(s.seg.FreeMemory(), s.seg.freeListBytes())
	}
	s.Equal(free, s.seg.FreeMemory())
	s.Equal(1, s.seg.freeBlocks())

	// The whole heap is usable again.
	h, err := s.seg.Allocate(s.seg.Capacity())
	s.Require().NoError(err)
	s.Require().NoError(s.seg.Deallocate(h))
}

func (s *SegmentTestSuite) TestRandomWorkloadAccounting() {
	free := s.seg.FreeMemory()
	rnd := rand.New(rand.NewSource(42))
	live := map[Handle]int{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			for h := range live {
				s.Require().NoError(s.seg.Deallocate(h))
				delete(live, h)
				break
			}
			continue
		}
		size := rnd.Intn(2048)
		h, err := s.seg.Allocate(size)
		if err != nil {
			s.Require().ErrorIs(err, ErrOutOfMemory)
			continue
		}
		_, dup := live[h]
		s.Require().False(dup)
		live[h] = size
	}
	var used uint64
	for _, size := range live {
		used += blockSizeFor(size)
	}
	s.Equal(free-used, s.seg.FreeMemory())
	s.Equal(s.seg.FreeMemory(), s.seg.freeListBytes())
	s.EqualValues(len(live), s.seg.Allocations())
	for h := range live {
		s.Require().NoError(s.seg.Deallocate(h))
	}
	s.Equal(free, s.seg.FreeMemory())
	s.Equal(1, s.seg.freeBlocks())
}

func (s *SegmentTestSuite) TestSharedAcrossMappings() {
	peer := newTestManager(s.T(), peerConfig(s.cfg))
	s.Require().NoError(peer.Initialize(context.Background(), ModeOpenOnly, segmentName(s.cfg), 0))
	pseg := peer.Segment()

	h, err := s.seg.Allocate(16)
	s.Require().NoError(err)
	data, _ := s.seg.Data(h, 16)
	copy(data, "cross-process!!!")

	pdata, err := pseg.Data(h, 16)
	s.Require().NoError(err)
	s.Equal("cross-process!!!", string(pdata))
	s.Equal(s.seg.FreeMemory(), pseg.FreeMemory())

	s.Require().NoError(pseg.Deallocate(h))
	s.ErrorIs(s.seg.Deallocate(h), ErrInvalidHandle)
}

func (s *SegmentTestSuite) TestConcurrentAllocateAcrossMappings() {
	peer := newTestManager(s.T(), peerConfig(s.cfg))
	s.Require().NoError(peer.Initialize(context.Background(), ModeOpenOnly, segmentName(s.cfg), 0))
	segs := []*Segment{s.seg, peer.Segment()}
	free := s.seg.FreeMemory()

	var wg sync.WaitGroup
	var failures int32
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seg *Segment) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h, err := seg.Allocate(64 + i%5*16)
				if err != nil {
					atomic.AddInt32(&failures, 1)
					continue
				}
				if err := seg.Deallocate(h); err != nil {
					atomic.AddInt32(&failures, 1)
				}
			}
		}(segs[g%2])
	}
	wg.Wait()
	s.Zero(atomic.LoadInt32(&failures))
	s.Equal(free, s.seg.FreeMemory())
	s.Equal(free, s.seg.freeListBytes())
	s.EqualValues(0, s.seg.Allocations())
}

func TestSegmentTestSuite(t *testing.T) {
	suite.Run(t, new(SegmentTestSuite))
}
