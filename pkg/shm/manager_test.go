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
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/fairmq-shm/internal/shm"
)

type ManagerTestSuite struct {
	suite.Suite
	cfg Config
}

func (s *ManagerTestSuite) SetupTest() {
	s.cfg = newTestConfig(s.T())
}

func (s *ManagerTestSuite) TestNewManagerRejectsBadConfig() {
	cfg := s.cfg
	cfg.OpenRetries = 0
	_, err := NewManager(cfg)
	s.Error(err)
}

func (s *ManagerTestSuite) TestManagementSegmentAlwaysMapped() {
	m := newTestManager(s.T(), s.cfg)
	s.True(internalshm.ObjectExists(s.cfg.managementName()))
	s.False(m.Initialized())
	s.True(m.Active())
	s.EqualValues(1, m.AttachedProcesses())
	s.Zero(m.FreeMemory())
}

func (s *ManagerTestSuite) TestCreateOnly() {
	ctx := context.Background()
	m := newTestManager(s.T(), s.cfg)
	s.Require().NoError(m.Initialize(ctx, ModeCreateOnly, segmentName(s.cfg), 32<<10))
	s.True(m.Initialized())
	// Same name again is a no-op.
	s.Require().NoError(m.Initialize(ctx, ModeCreateOnly, segmentName(s.cfg), 32<<10))
	s.ErrorIs(m.Initialize(ctx, ModeCreateOnly, "other", 32<<10), ErrAlreadyExists)

	peer := newTestManager(s.T(), peerConfig(s.cfg))
	s.ErrorIs(peer.Initialize(ctx, ModeCreateOnly, segmentName(s.cfg), 32<<10), ErrAlreadyExists)
	s.False(peer.Initialized())
}

func (s *ManagerTestSuite) TestCreateOnlyTooSmall() {
	m := newTestManager(s.T(), s.cfg)
	s.Error(m.Initialize(context.Background(), ModeCreateOnly, segmentName(s.cfg), 8))
	s.False(internalshm.ObjectExists(segmentName(s.cfg)))
}

func (s *ManagerTestSuite) TestOpenOrCreate() {
	ctx := context.Background()
	m := newTestManager(s.T(), s.cfg)
	s.Require().NoError(m.Initialize(ctx, ModeOpenOrCreate, segmentName(s.cfg), 32<<10))
	h, err := m.Segment().Allocate(100)
	s.Require().NoError(err)

	peer := newTestManager(s.T(), peerConfig(s.cfg))
	s.Require().NoError(peer.Initialize(ctx, ModeOpenOrCreate, segmentName(s.cfg), 32<<10))
	s.Equal(m.FreeMemory(), peer.FreeMemory())
	s.EqualValues(1, peer.Segment().Allocations())
	s.Require().NoError(peer.Segment().Deallocate(h))
}

func (s *ManagerTestSuite) TestOpenOnlyMissing() {
	cfg := s.cfg
	cfg.OpenRetries = 3
	m := newTestManager(s.T(), cfg)
	start := time.Now()
	err := m.Initialize(context.Background(), ModeOpenOnly, segmentName(cfg), 0)
	s.ErrorIs(err, ErrOpenFailed)
	s.GreaterOrEqual(time.Since(start), 2*cfg.OpenRetryInterval)
	s.False(m.Initialized())
}

func (s *ManagerTestSuite) TestOpenOnlyWaitsForCreator() {
	cfg := s.cfg
	cfg.OpenRetryInterval = 30 * time.Millisecond
	opener := newTestManager(s.T(), cfg)
	creator := newTestManager(s.T(), peerConfig(cfg))

	done := make(chan error, 1)
	go func() {
		done <- opener.Initialize(context.Background(), ModeOpenOnly, segmentName(cfg), 0)
	}()
	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(creator.Initialize(context.Background(), ModeCreateOnly, segmentName(cfg), 32<<10))
	s.Require().NoError(<-done)
	s.Equal(creator.FreeMemory(), opener.FreeMemory())
}

func (s *ManagerTestSuite) TestOpenOnlyCanceled() {
	m := newTestManager(s.T(), s.cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Initialize(ctx, ModeOpenOnly, segmentName(s.cfg), 0)
	s.ErrorIs(err, context.Canceled)
}

func (s *ManagerTestSuite) TestMustInitializeFatal() {
	code := withExitHook(s.T())
	m := newTestManager(s.T(), s.cfg)
	m.MustInitialize(context.Background(), ModeCreateOnly, segmentName(s.cfg), 32<<10)
	s.EqualValues(-1, atomic.LoadInt32(code))

	peer := newTestManager(s.T(), peerConfig(s.cfg))
	peer.MustInitialize(context.Background(), ModeCreateOnly, segmentName(s.cfg), 32<<10)
	s.EqualValues(1, atomic.LoadInt32(code))
}

func (s *ManagerTestSuite) TestSegmentBeforeInitializeIsFatal() {
	code := withExitHook(s.T())
	m := newTestManager(s.T(), s.cfg)
	s.Nil(m.Segment())
	s.EqualValues(1, atomic.LoadInt32(code))

	_, err := m.Allocate(context.Background(), 10)
	s.ErrorIs(err, ErrNotInitialized)
	_, err = m.Release(Handle(80))
	s.ErrorIs(err, ErrNotInitialized)
}

func (s *ManagerTestSuite) TestRemoveSegmentTwice() {
	m := newTestManager(s.T(), s.cfg)
	s.Require().NoError(m.Initialize(context.Background(), ModeCreateOnly, segmentName(s.cfg), 32<<10))

	s.Require().NoError(m.RemoveSegment())
	s.False(internalshm.ObjectExists(segmentName(s.cfg)))
	s.False(internalshm.ObjectExists(s.cfg.managementName()))
	// The mapping survives the unlink.
	_, err := m.Allocate(context.Background(), 64)
	s.Require().NoError(err)

	err = m.RemoveSegment()
	s.Require().Error(err)
	s.ErrorIs(err, ErrAlreadyRemoved)
}

func (s *ManagerTestSuite) TestAllocateWaitsForRelease() {
	ctx := context.Background()
	m := newTestManager(s.T(), s.cfg)
	s.Require().NoError(m.Initialize(ctx, ModeCreateOnly, segmentName(s.cfg), 8<<10))
	peer := newTestManager(s.T(), peerConfig(s.cfg))
	s.Require().NoError(peer.Initialize(ctx, ModeOpenOnly, segmentName(s.cfg), 0))

	// Fill the segment with owners.
	var owners []*Owner
	for {
		o, err := func() (*Owner, error) {
			c, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			return m.NewOwner(c, 512, 1)
		}()
		if err != nil {
			s.Require().ErrorIs(err, context.DeadlineExceeded)
			break
		}
		owners = append(owners, o)
	}
	s.Require().NotEmpty(owners)
	var fillers []Handle
	for {
		h, err := m.Segment().Allocate(16)
		if err != nil {
			s.Require().ErrorIs(err, ErrOutOfMemory)
			break
		}
		fillers = append(fillers, h)
	}
	s.Zero(m.FreeMemory())
	s.Equal(m.FreeMemory(), m.Segment().freeListBytes())

	got := make(chan error, 1)
	go func() {
		c, err := peer.Allocate(ctx, 512)
		if err == nil {
			err = peer.Deallocate(c)
		}
		got <- err
	}()
	select {
	case err := <-got:
		s.FailNow("allocation did not wait", "err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}
	s.Greater(counterValue(s.T(), peer.metrics.allocRetries), 0.0)

	destroyed, err := m.Release(owners[0].Handle())
	s.Require().NoError(err)
	s.True(destroyed)
	select {
	case err := <-got:
		s.Require().NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("allocation not woken by release")
	}

	for _, o := range owners[1:] {
		_, err := peer.Release(o.Handle())
		s.Require().NoError(err)
	}
	for _, h := range fillers {
		s.Require().NoError(m.Segment().Deallocate(h))
	}
	s.EqualValues(0, m.Segment().Allocations())
	s.Equal(m.FreeMemory(), m.Segment().freeListBytes())
	s.Equal(uint64(8<<10-segmentHeaderSize), m.FreeMemory())
}

func (s *ManagerTestSuite) TestAllocateInterrupted() {
	ctx := context.Background()
	m := newTestManager(s.T(), s.cfg)
	s.Require().NoError(m.Initialize(ctx, ModeCreateOnly, segmentName(s.cfg), 8<<10))
	c, err := m.Allocate(ctx, m.Segment().Capacity())
	s.Require().NoError(err)

	got := make(chan error, 1)
	go func() {
		_, err := m.Allocate(ctx, 16)
		got <- err
	}()
	time.Sleep(30 * time.Millisecond)
	m.Interrupt()
	select {
	case err := <-got:
		s.ErrorIs(err, ErrInterrupted)
	case <-time.After(time.Second):
		s.FailNow("allocation ignored interrupt")
	}
	s.True(m.Interrupted())

	_, err = m.Allocate(ctx, 16)
	s.ErrorIs(err, ErrInterrupted)
	m.Resume()
	s.Require().NoError(m.Deallocate(c))
	_, err = m.Allocate(ctx, 16)
	s.NoError(err)
}

func (s *ManagerTestSuite) TestAllocateTooLarge() {
	m := newTestManager(s.T(), s.cfg)
	s.Require().NoError(m.Initialize(context.Background(), ModeCreateOnly, segmentName(s.cfg), 8<<10))
	_, err := m.Allocate(context.Background(), 1<<20)
	s.ErrorIs(err, ErrTooLarge)
}

func (s *ManagerTestSuite) TestNextRegionIDUnique() {
	m := newTestManager(s.T(), s.cfg)
	peer := newTestManager(s.T(), peerConfig(s.cfg))
	s.EqualValues(1, m.NextRegionID())

	var mu sync.Mutex
	seen := map[uint64]bool{1: true}
	var wg sync.WaitGroup
	for _, mgr := range []*Manager{m, peer, m, peer} {
		wg.Add(1)
		go func(mgr *Manager) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				id := mgr.NextRegionID()
				mu.Lock()
				if seen[id] {
					mu.Unlock()
					s.Failf("duplicate id", "%d", id)
					return
				}
				seen[id] = true
				mu.Unlock()
			}
		}(mgr)
	}
	wg.Wait()
	s.Len(seen, 1001)
	s.EqualValues(1002, peer.NextRegionID())
}

func (s *ManagerTestSuite) TestActiveFlagAndAttachCount() {
	m := newTestManager(s.T(), s.cfg)
	peer, err := NewManager(peerConfig(s.cfg))
	s.Require().NoError(err)
	s.EqualValues(2, m.AttachedProcesses())

	peer.SetActive(false)
	s.False(m.Active())
	m.SetActive(true)
	s.True(peer.Active())

	s.Require().NoError(peer.Close())
	s.Require().NoError(peer.Close())
	s.EqualValues(1, m.AttachedProcesses())
	_, err = peer.CreateRegion(context.Background(), 4096, 1)
	s.ErrorIs(err, ErrClosed)
}

func (s *ManagerTestSuite) TestLifecycleControls() {
	m := newTestManager(s.T(), s.cfg)
	s.False(m.Running())
	s.False(m.Interrupted())
	m.Resume()
	s.True(m.Running())
	m.Interrupt()
	s.False(m.Running())
	s.True(m.Interrupted())
}

func (s *ManagerTestSuite) TestOpenOrCreateWhilePeerSizesObjects() {
	cfg := s.cfg
	cfg.OpenRetryInterval = 100 * time.Millisecond
	mgmtPath := internalshm.ObjectPath(cfg.managementName())
	mainPath := internalshm.ObjectPath(segmentName(cfg))
	// a peer created both objects exclusively and has not truncated them yet
	s.Require().NoError(os.WriteFile(mgmtPath, nil, 0600))
	s.Require().NoError(os.WriteFile(mainPath, nil, 0600))
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.Truncate(mgmtPath, int64(cfg.ManagementSize))
		time.Sleep(30 * time.Millisecond)
		_ = os.Truncate(mainPath, 32<<10)
	}()

	m := newTestManager(s.T(), cfg)
	s.EqualValues(1, m.AttachedProcesses())
	s.Require().NoError(m.Initialize(context.Background(), ModeOpenOrCreate, segmentName(cfg), 32<<10))
	s.Equal(32<<10, m.Segment().Size())
	_, err := m.Allocate(context.Background(), 128)
	s.NoError(err)
}

func (s *ManagerTestSuite) TestObjectNeverSized() {
	s.Require().NoError(os.WriteFile(internalshm.ObjectPath(s.cfg.managementName()), nil, 0600))
	start := time.Now()
	_, err := NewManager(s.cfg)
	s.ErrorIs(err, internalshm.ErrNotSized)
	s.Less(time.Since(start), 5*s.cfg.readyTimeout())
}

func (s *ManagerTestSuite) TestUseAfterCloseIsNotFatal() {
	code := withExitHook(s.T())
	m, err := NewManager(peerConfig(s.cfg))
	s.Require().NoError(err)
	s.Require().NoError(m.Initialize(context.Background(), ModeCreateOnly, segmentName(s.cfg), 32<<10))
	o, err := m.NewOwner(context.Background(), 64, 1)
	s.Require().NoError(err)
	s.Require().NoError(m.Close())

	_, err = m.Allocate(context.Background(), 10)
	s.ErrorIs(err, ErrClosed)
	_, err = m.Lookup(o.Handle())
	s.ErrorIs(err, ErrClosed)
	_, err = m.Release(o.Handle())
	s.ErrorIs(err, ErrClosed)
	s.Nil(m.Segment())
	s.EqualValues(-1, atomic.LoadInt32(code))
}

func (s *ManagerTestSuite) TestModeString() {
	s.Equal("create-only", ModeCreateOnly.String())
	s.Equal("open-or-create", ModeOpenOrCreate.String())
	s.Equal("open-only", ModeOpenOnly.String())
	s.Equal("Mode(9)", Mode(9).String())
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
