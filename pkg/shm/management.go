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
	"fmt"
	"sync/atomic"
	"time"

	internalshm "github.com/srediag/fairmq-shm/internal/shm"
)

// Management segment layout. A zeroed segment is a valid initial state, so
// every process maps it with open-or-create semantics and no formatting race.
const (
	mgmtMagicOffset       = 0
	mgmtVersionOffset     = 8
	mgmtInitLockOffset    = 12
	mgmtCounterOffset     = 16
	mgmtConstructedOffset = 24
	mgmtInactiveOffset    = 28
	mgmtAttachedOffset    = 32
	mgmtAllocLockOffset   = 36
	mgmtAllocCondOffset   = 40
	managementHeaderSize  = 64

	managementMagic   uint64 = 0x31544d474d514d46 // "FMQMGMT1"
	managementVersion uint32 = 1
)

// management is the always present segment holding cross-process state.
type management struct {
	mapping *internalshm.MappedRegion

	initLock    internalshm.Mutex
	counter     *uint64
	constructed *uint32
	inactive    *uint32
	attached    *uint32
	allocLock   internalshm.Mutex
	allocCond   internalshm.Cond
}

func openManagement(ctx context.Context, name string, size int, readyTimeout time.Duration) (*management, error) {
	mapping, err := mapObject(ctx, internalshm.MapOptions{
		Name:   name,
		Size:   size,
		Create: true,
	}, false, readyTimeout)
	if err != nil {
		return nil, fmt.Errorf("management segment %s: %w", name, err)
	}
	mem := mapping.Addr
	if len(mem) < managementHeaderSize {
		_ = internalshm.UnmapRegion(ctx, mapping)
		return nil, fmt.Errorf("management segment %s: size %d: %w", name, len(mem), ErrInvalidLayout)
	}
	magic := internalshm.Uint64At(mem, mgmtMagicOffset)
	version := internalshm.Uint32At(mem, mgmtVersionOffset)
	if atomic.CompareAndSwapUint64(magic, 0, managementMagic) {
		atomic.StoreUint32(version, managementVersion)
	}
	if atomic.LoadUint64(magic) != managementMagic {
		_ = internalshm.UnmapRegion(ctx, mapping)
		return nil, fmt.Errorf("management segment %s: %w", name, ErrInvalidLayout)
	}
	return &management{
		mapping:     mapping,
		initLock:    internalshm.NewMutex(internalshm.Uint32At(mem, mgmtInitLockOffset)),
		counter:     internalshm.Uint64At(mem, mgmtCounterOffset),
		constructed: internalshm.Uint32At(mem, mgmtConstructedOffset),
		inactive:    internalshm.Uint32At(mem, mgmtInactiveOffset),
		attached:    internalshm.Uint32At(mem, mgmtAttachedOffset),
		allocLock:   internalshm.NewMutex(internalshm.Uint32At(mem, mgmtAllocLockOffset)),
		allocCond:   internalshm.NewCond(internalshm.Uint32At(mem, mgmtAllocCondOffset)),
	}, nil
}

// nextRegionID finds or constructs the region counter, then increments it.
// The first id handed out is 1.
func (g *management) nextRegionID() uint64 {
	if atomic.LoadUint32(g.constructed) == 0 {
		g.initLock.Lock()
		if atomic.LoadUint32(g.constructed) == 0 {
			atomic.StoreUint64(g.counter, 0)
			atomic.StoreUint32(g.constructed, 1)
		}
		g.initLock.Unlock()
	}
	return atomic.AddUint64(g.counter, 1)
}

func (g *management) setActive(active bool) {
	var v uint32
	if !active {
		v = 1
	}
	atomic.StoreUint32(g.inactive, v)
}

func (g *management) active() bool {
	return atomic.LoadUint32(g.inactive) == 0
}

func (g *management) attach() uint32 {
	return atomic.AddUint32(g.attached, 1)
}

func (g *management) detach() uint32 {
	for {
		n := atomic.LoadUint32(g.attached)
		if n == 0 {
			return 0
		}
		if atomic.CompareAndSwapUint32(g.attached, n, n-1) {
			return n - 1
		}
	}
}

func (g *management) attachedCount() uint32 {
	return atomic.LoadUint32(g.attached)
}

func (g *management) close(ctx context.Context) error {
	return internalshm.UnmapRegion(ctx, g.mapping)
}
