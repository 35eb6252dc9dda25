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
	"sync"

	internalshm "github.com/srediag/fairmq-shm/internal/shm"
)

// RegionCallback is invoked once per acknowledged message with the exact
// region bytes the consumer released. It runs on the ack worker of the
// region; removing that region from inside the callback defers the unmap and
// unlink until the callback returns.
type RegionCallback func(data []byte)

// Region is a fixed size raw shared memory mapping paired with an
// acknowledgement queue. Exactly one process creates a region; every other
// process maps it as remote and never destroys it.
type Region struct {
	id      uint64
	remote  bool
	mapping *internalshm.MappedRegion
	queue   *AckQueue

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	dispatching   bool
	destroyOnExit bool
}

// ID returns the region id.
func (r *Region) ID() uint64 { return r.id }

// Size returns the mapped size in bytes.
func (r *Region) Size() int { return r.mapping.Size() }

// Data returns the whole mapping.
func (r *Region) Data() []byte { return r.mapping.Addr }

// Remote reports whether this process mapped a region it did not create.
func (r *Region) Remote() bool { return r.remote }

// Queue returns the acknowledgement queue of the region.
func (r *Region) Queue() *AckQueue { return r.queue }

// Block returns the region bytes described by b.
func (r *Region) Block(b RegionBlock) ([]byte, error) {
	end := b.Handle + b.Size
	if end < b.Handle || end > uint64(len(r.mapping.Addr)) {
		return nil, fmt.Errorf("region %d: block [%d, %d) out of range %d: %w",
			r.id, b.Handle, end, len(r.mapping.Addr), ErrInvalidHandle)
	}
	return r.mapping.Addr[b.Handle:end:end], nil
}

func (r *Region) setDispatching(v bool) {
	r.mu.Lock()
	r.dispatching = v
	r.mu.Unlock()
}

func (r *Region) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func createRegion(ctx context.Context, cfg Config, id uint64, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region %d: invalid size %d", id, size)
	}
	name := cfg.regionName(id)
	mapping, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:      name,
		Size:      size,
		Create:    true,
		Exclusive: true,
	})
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("region %d: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("region %d: %w", id, err)
	}
	q, err := createAckQueue(ctx, cfg.regionQueueName(id), cfg.AckQueueCapacity)
	if err != nil {
		_ = internalshm.UnmapRegion(ctx, mapping)
		_ = internalshm.RemoveObject(name)
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("region %d queue: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("region %d queue: %w", id, err)
	}
	return &Region{
		id:      id,
		mapping: mapping,
		queue:   q,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func openRegion(ctx context.Context, cfg Config, id uint64) (*Region, error) {
	mapping, err := mapObject(ctx, internalshm.MapOptions{Name: cfg.regionName(id)}, false, cfg.OpenRetryInterval)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("region %d: %w", id, ErrRegionNotFound)
		}
		return nil, fmt.Errorf("region %d: %w", id, err)
	}
	q, err := openAckQueue(ctx, cfg.regionQueueName(id), cfg.OpenRetryInterval)
	if err != nil {
		_ = internalshm.UnmapRegion(ctx, mapping)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("region %d queue: %w", id, ErrRegionNotFound)
		}
		return nil, fmt.Errorf("region %d queue: %w", id, err)
	}
	return &Region{id: id, remote: true, mapping: mapping, queue: q}, nil
}

// release stops the worker of a created region and unmaps. Only the creator
// unlinks the OS objects.
func (r *Region) release(ctx context.Context, cfg Config) error {
	if r.remote {
		return errors.Join(r.queue.unmap(ctx), internalshm.UnmapRegion(ctx, r.mapping))
	}
	r.stopOnce.Do(func() {
		close(r.stop)
		r.queue.close()
	})
	r.mu.Lock()
	if r.dispatching {
		// the worker is inside a callback, possibly the caller itself
		r.destroyOnExit = true
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	<-r.done
	return r.destroy(ctx, cfg)
}

func (r *Region) destroy(ctx context.Context, cfg Config) error {
	var errs []error
	errs = append(errs, r.queue.unmap(ctx), internalshm.UnmapRegion(ctx, r.mapping))
	for _, name := range []string{cfg.regionQueueName(r.id), cfg.regionName(r.id)} {
		if err := internalshm.RemoveObject(name); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = fmt.Errorf("%s: %w", name, ErrAlreadyRemoved)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runAckWorker drains the region queue while the gate runs and parks on the
// gate otherwise, until the region is stopped.
func (m *Manager) runAckWorker(r *Region) {
	defer func() {
		r.mu.Lock()
		destroy := r.destroyOnExit
		r.mu.Unlock()
		if destroy {
			if err := r.destroy(context.Background(), m.cfg); err != nil {
				m.log.warnf("remove region %d: %v", r.id, err)
			}
		}
		close(r.done)
	}()
	m.log.debugf("region %d ack worker started", r.id)
	for !r.stopped() {
		if !m.gate.WaitRunning(r.stop, m.cfg.ControlWaitTimeout) {
			continue
		}
		for m.gate.Running() && !r.stopped() {
			b, err := r.queue.TimedReceive(m.cfg.AckReceiveTimeout)
			switch {
			case err == nil:
				m.dispatchAck(r, b)
			case errors.Is(err, ErrTimeout):
			case errors.Is(err, ErrClosed):
				m.log.debugf("region %d ack queue closed", r.id)
				return
			default:
				m.log.errorf("region %d ack receive failed: %v", r.id, err)
			}
		}
	}
	m.log.debugf("region %d ack worker stopped", r.id)
}

// dispatchAck pops the callback registered for the message so it runs at most once.
func (m *Manager) dispatchAck(r *Region, b RegionBlock) {
	cb, ok := m.callbacks.Pop(b.MessageID)
	if !ok {
		m.metrics.acksDropped.Inc()
		m.log.errorf("region %d: no callback registered for message %d, dropping ack", r.id, b.MessageID)
		return
	}
	data, err := r.Block(b)
	if err != nil {
		m.metrics.acksDropped.Inc()
		m.log.errorf("message %d: %v", b.MessageID, err)
		return
	}
	r.setDispatching(true)
	defer func() {
		r.setDispatching(false)
		if p := recover(); p != nil {
			m.log.errorf("region %d: callback for message %d panicked: %v", r.id, b.MessageID, p)
		}
	}()
	m.metrics.acksDispatched.Inc()
	cb(data)
}
