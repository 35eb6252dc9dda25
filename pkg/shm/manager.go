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
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/fairmq-shm/adapter"
	internalshm "github.com/srediag/fairmq-shm/internal/shm"
	"github.com/srediag/fairmq-shm/pkg/lifecycle"
)

// Mode selects how Initialize obtains the main segment.
type Mode int

const (
	// ModeCreateOnly fails with ErrAlreadyExists if the segment exists.
	ModeCreateOnly Mode = iota
	// ModeOpenOrCreate opens the segment, creating it when missing.
	ModeOpenOrCreate
	// ModeOpenOnly opens an existing segment, retrying while its creator starts up.
	ModeOpenOnly
)

func (m Mode) String() string {
	switch m {
	case ModeCreateOnly:
		return "create-only"
	case ModeOpenOrCreate:
		return "open-or-create"
	case ModeOpenOnly:
		return "open-only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Manager is the per-process entry point to the shared memory core. It owns
// the main segment, the management segment, the local region registry and
// the region callback registry.
type Manager struct {
	cfg       Config
	log       *logger
	mgmt      *management
	gate      *lifecycle.Gate
	metrics   *metrics
	telemetry *adapter.Telemetry

	mu          sync.Mutex
	segment     *Segment
	segmentName string
	regions     map[uint64]*Region
	closed      bool

	callbacks cmap.ConcurrentMap[uint64, RegionCallback]
	pool      *ants.Pool
	pending   *queue.Queue
}

type pendingAck struct {
	regionID uint64
	block    RegionBlock
}

func shardMessageID(id uint64) uint32 {
	return uint32(id ^ id>>32)
}

// NewManager maps the management segment and registers this process in it.
func NewManager(cfg Config) (*Manager, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		if err := SetLogLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	telemetry, err := adapter.NewTelemetry(cfg.Meter, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	log := internalLogger.named(cfg.Prefix + "manager")
	pool, err := ants.NewPool(cfg.MaxRegions, ants.WithNonblocking(true), ants.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("region worker pool: %w", err)
	}
	mgmt, err := openManagement(context.Background(), cfg.managementName(), cfg.ManagementSize, cfg.readyTimeout())
	if err != nil {
		pool.Release()
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		log:       log,
		mgmt:      mgmt,
		gate:      lifecycle.NewGate(),
		telemetry: telemetry,
		regions:   make(map[uint64]*Region),
		callbacks: cmap.NewWithCustomShardingFunction[uint64, RegionCallback](shardMessageID),
		pool:      pool,
		pending:   queue.New(int64(cfg.AckQueueCapacity)),
	}
	m.metrics = newMetrics(cfg.Registerer, func() float64 {
		return float64(m.FreeMemory())
	})
	n := mgmt.attach()
	m.log.infof("attached to %s, %d processes attached", cfg.managementName(), n)
	return m, nil
}

// Config returns the configuration of the manager.
func (m *Manager) Config() Config { return m.cfg }

// Initialize maps the main segment. Calling it again with the same name is a no-op.
func (m *Manager) Initialize(ctx context.Context, mode Mode, name string, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.segment != nil {
		if name == m.segmentName {
			return nil
		}
		return fmt.Errorf("segment %s already initialized, cannot initialize %s: %w", m.segmentName, name, ErrAlreadyExists)
	}
	if mode != ModeOpenOnly && size < MinSegmentSize {
		return fmt.Errorf("segment %s: size %d below minimum %d", name, size, MinSegmentSize)
	}

	var (
		mapping *internalshm.MappedRegion
		err     error
	)
	switch mode {
	case ModeCreateOnly:
		mapping, err = internalshm.MapRegion(ctx, internalshm.MapOptions{Name: name, Size: size, Create: true, Exclusive: true})
		if errors.Is(err, os.ErrExist) {
			err = fmt.Errorf("segment %s: %w", name, ErrAlreadyExists)
		}
	case ModeOpenOrCreate:
		mapping, err = mapObject(ctx, internalshm.MapOptions{Name: name, Size: size, Create: true}, false, m.cfg.readyTimeout())
	case ModeOpenOnly:
		mapping, err = m.openWithRetry(ctx, name)
	default:
		err = fmt.Errorf("unknown mode %v", mode)
	}
	if err != nil {
		return err
	}

	seg, err := mapSegment(ctx, mapping, m.mgmt.allocLock, m.mgmt.allocCond, m.cfg.readyTimeout())
	if err != nil {
		_ = internalshm.UnmapRegion(ctx, mapping)
		if mapping.Created {
			_ = internalshm.RemoveObject(name)
		}
		return err
	}
	m.segment = seg
	m.segmentName = name
	m.log.infof("segment %s initialized (%s, created=%t, size=%d, free=%d)",
		name, mode, mapping.Created, seg.Size(), seg.FreeMemory())
	return nil
}

func (m *Manager) openWithRetry(ctx context.Context, name string) (*internalshm.MappedRegion, error) {
	var mapping *internalshm.MappedRegion
	op := func() error {
		var err error
		mapping, err = internalshm.MapRegion(ctx, internalshm.MapOptions{Name: name})
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.OpenRetryInterval), uint64(m.cfg.OpenRetries-1)),
		ctx)
	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		m.log.warnf("could not open segment %s: %v, retrying in %s", name, err, next)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("segment %s after %d attempts: %w: %v", name, m.cfg.OpenRetries, ErrOpenFailed, err)
	}
	return mapping, nil
}

// MustInitialize is Initialize for callers that cannot run without their
// shared memory backing: any failure terminates the process.
func (m *Manager) MustInitialize(ctx context.Context, mode Mode, name string, size int) {
	if err := m.Initialize(ctx, mode, name, size); err != nil {
		m.log.fatalf("failed to initialize segment %s (%s): %v", name, mode, err)
	}
}

// Initialized reports whether the main segment is mapped.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segment != nil
}

// Segment returns the main segment. Calling it before Initialize is a fatal
// startup ordering bug; after Close it returns nil.
func (m *Manager) Segment() *Segment {
	seg, _ := m.mustSegment()
	return seg
}

func (m *Manager) mustSegment() (*Segment, error) {
	m.mu.Lock()
	seg, closed := m.segment, m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if seg == nil {
		m.log.fatalf("segment accessed before initialization")
		return nil, ErrNotInitialized
	}
	return seg, nil
}

// FreeMemory returns the free bytes of the main segment, zero before Initialize.
func (m *Manager) FreeMemory() uint64 {
	m.mu.Lock()
	seg := m.segment
	m.mu.Unlock()
	if seg == nil {
		return 0
	}
	return seg.FreeMemory()
}

// RemoveSegment unlinks the main and management segment objects. Objects
// already gone are reported as ErrAlreadyRemoved. Other processes keep their
// existing mappings.
func (m *Manager) RemoveSegment() error {
	m.mu.Lock()
	names := []string{m.cfg.managementName()}
	if m.segmentName != "" {
		names = append([]string{m.segmentName}, names...)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		err := internalshm.RemoveObject(name)
		switch {
		case err == nil:
			m.log.infof("removed shared memory object %s", name)
		case errors.Is(err, os.ErrNotExist):
			m.log.warnf("shared memory object %s already removed", name)
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrAlreadyRemoved))
		default:
			m.log.errorf("failed to remove shared memory object %s: %v", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every region, unmaps the segments and detaches from the
// management segment. Regions created by this process are unlinked; the main
// and management segments are not.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	regions := m.regions
	m.regions = make(map[uint64]*Region)
	seg := m.segment
	m.segment = nil
	m.mu.Unlock()

	ctx := context.Background()
	var errs []error
	for _, r := range regions {
		if err := r.release(ctx, m.cfg); err != nil {
			errs = append(errs, err)
		}
		m.metrics.regions.Dec()
	}
	// workers still inside a callback finish before the segments are unmapped
	if err := m.pool.ReleaseTimeout(m.cfg.AckSendTimeout); err != nil {
		m.log.warnf("region workers still running after %s: %v", m.cfg.AckSendTimeout, err)
	}
	if left := m.pending.Len(); left > 0 {
		m.log.warnf("dropping %d pending acknowledgements", left)
	}
	m.pending.Dispose()
	if seg != nil {
		errs = append(errs, internalshm.UnmapRegion(ctx, seg.mapping))
	}
	n := m.mgmt.detach()
	errs = append(errs, m.mgmt.close(ctx))
	m.log.infof("detached from %s, %d processes attached", m.cfg.managementName(), n)
	return errors.Join(errs...)
}

// Allocate carves size bytes from the main segment. While the segment is
// exhausted it waits on the allocation condition and retries, until memory
// is freed, ctx is done or the manager is interrupted.
func (m *Manager) Allocate(ctx context.Context, size int) (Chunk, error) {
	seg, err := m.mustSegment()
	if err != nil {
		return Chunk{}, err
	}
	ctx, span := m.telemetry.StartSpan(ctx, "shm.Allocate")
	defer span.End()

	start := time.Now()
	for {
		if m.gate.Interrupted() {
			return Chunk{}, ErrInterrupted
		}
		seq := m.mgmt.allocCond.Seq()
		h, err := seg.Allocate(size)
		if err == nil {
			m.metrics.allocations.Inc()
			m.telemetry.RecordAllocation(ctx, size, time.Since(start))
			return Chunk{Handle: h, Size: size, seg: seg}, nil
		}
		if !errors.Is(err, ErrOutOfMemory) {
			span.RecordError(err)
			return Chunk{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Chunk{}, ctxErr
		}
		m.metrics.allocRetries.Inc()
		m.log.debugf("%v, waiting for free memory", err)
		_ = m.mgmt.allocCond.Wait(seq, m.cfg.AllocRetryInterval)
	}
}

// Deallocate frees a chunk not wrapped by an Owner.
func (m *Manager) Deallocate(c Chunk) error {
	seg, err := m.mustSegment()
	if err != nil {
		return err
	}
	return seg.Deallocate(c.Handle)
}

// NewOwner allocates a chunk of size bytes wrapped by an owner whose count
// starts at recipients.
func (m *Manager) NewOwner(ctx context.Context, size, recipients int) (*Owner, error) {
	if recipients < 1 {
		return nil, fmt.Errorf("recipients must be at least 1, got %d", recipients)
	}
	chunk, err := m.Allocate(ctx, size)
	if err != nil {
		return nil, err
	}
	rec, err := m.Allocate(ctx, ownerRecordSize)
	if err != nil {
		_ = m.Deallocate(chunk)
		return nil, err
	}
	o, err := chunk.seg.initOwner(rec.Handle, chunk, int32(recipients))
	if err != nil {
		_ = m.Deallocate(rec)
		_ = m.Deallocate(chunk)
		return nil, err
	}
	return o, nil
}

// Lookup resolves the live owner identified by h without changing its count.
// Receivers use it for the reference the producer reserved for them.
func (m *Manager) Lookup(h Handle) (*Owner, error) {
	seg, err := m.mustSegment()
	if err != nil {
		return nil, err
	}
	o, err := seg.resolveOwner(h)
	if err == nil && o.Count() <= 0 {
		err = fmt.Errorf("owner %d released: %w", h, ErrOwnerNotFound)
	}
	if err != nil {
		m.metrics.ownerNotFound.Inc()
		m.log.errorf("lookup: %v", err)
		return nil, err
	}
	return o, nil
}

// Acquire registers the caller as a holder of the owner identified by h.
func (m *Manager) Acquire(h Handle) (*Owner, error) {
	seg, err := m.mustSegment()
	if err != nil {
		return nil, err
	}
	o, err := seg.acquireOwner(h)
	if err != nil {
		m.metrics.ownerNotFound.Inc()
		m.log.errorf("acquire: %v", err)
		return nil, err
	}
	return o, nil
}

// Release drops one reference to the owner identified by h. It reports
// whether this call destroyed the owner and its chunk.
func (m *Manager) Release(h Handle) (bool, error) {
	seg, err := m.mustSegment()
	if err != nil {
		return false, err
	}
	destroyed, err := seg.releaseOwner(h)
	if errors.Is(err, ErrOwnerNotFound) {
		m.metrics.ownerNotFound.Inc()
		m.log.errorf("release: %v", err)
		return false, err
	}
	if err != nil {
		m.log.errorf("release owner %d: %v", h, err)
		return destroyed, err
	}
	if destroyed {
		m.metrics.ownersDestroyed.Inc()
	}
	return destroyed, nil
}

// NextRegionID returns a region id unique across every process attached to
// the management segment.
func (m *Manager) NextRegionID() uint64 {
	return m.mgmt.nextRegionID()
}

// CreateRegion creates region id of size bytes with its acknowledgement queue
// and starts its ack worker.
func (m *Manager) CreateRegion(ctx context.Context, size int, id uint64) (*Region, error) {
	ctx, span := m.telemetry.StartSpan(ctx, "shm.CreateRegion")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.regions[id]; ok {
		return nil, fmt.Errorf("region %d: %w", id, ErrAlreadyExists)
	}
	r, err := createRegion(ctx, m.cfg, id, size)
	if err != nil {
		return nil, err
	}
	if err := m.pool.Submit(func() { m.runAckWorker(r) }); err != nil {
		close(r.done)
		_ = r.release(ctx, m.cfg)
		if errors.Is(err, ants.ErrPoolOverload) {
			return nil, fmt.Errorf("region %d: %w", id, ErrTooManyRegions)
		}
		return nil, fmt.Errorf("region %d worker: %w", id, err)
	}
	m.regions[id] = r
	m.metrics.regions.Inc()
	m.log.infof("created region %d (%d bytes)", id, size)
	return r, nil
}

// NewRegion creates a region with an id from the shared counter.
func (m *Manager) NewRegion(ctx context.Context, size int) (*Region, error) {
	return m.CreateRegion(ctx, size, m.NextRegionID())
}

// GetRemoteRegion returns the local mapping of region id, mapping a region
// created by another process on first use.
func (m *Manager) GetRemoteRegion(ctx context.Context, id uint64) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.regions[id]; ok {
		return r, nil
	}
	if m.closed {
		return nil, ErrClosed
	}
	r, err := openRegion(ctx, m.cfg, id)
	if err != nil {
		return nil, err
	}
	m.regions[id] = r
	m.metrics.regions.Inc()
	m.log.debugf("mapped remote region %d (%d bytes)", id, r.Size())
	return r, nil
}

// RemoveRegion destroys a region this process created, or evicts the local
// mapping of a remote one.
func (m *Manager) RemoveRegion(id uint64) error {
	m.mu.Lock()
	r, ok := m.regions[id]
	if ok {
		delete(m.regions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("region %d: %w", id, ErrRegionNotFound)
	}
	m.metrics.regions.Dec()
	err := r.release(context.Background(), m.cfg)
	if err != nil {
		m.log.warnf("remove region %d: %v", id, err)
	}
	return err
}

// Regions returns the number of regions mapped by this process.
func (m *Manager) Regions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

// SetRegionCallback registers cb for the acknowledgement of messageID. It
// must be registered before the block can be acknowledged.
func (m *Manager) SetRegionCallback(messageID uint64, cb RegionCallback) {
	m.callbacks.Set(messageID, cb)
}

// RemoveRegionCallback drops the callback of messageID and reports whether one was registered.
func (m *Manager) RemoveRegionCallback(messageID uint64) bool {
	_, ok := m.callbacks.Pop(messageID)
	return ok
}

// PendingCallbacks returns the number of registered callbacks.
func (m *Manager) PendingCallbacks() int {
	return m.callbacks.Count()
}

// SendAck posts b to the acknowledgement queue of region regionID. A timeout
// is logged and returned as ErrTimeout; with RetryFailedAcks the block is kept
// and re-sent by FlushPendingAcks or the next SendAck.
func (m *Manager) SendAck(ctx context.Context, regionID uint64, b RegionBlock) error {
	ctx, span := m.telemetry.StartSpan(ctx, "shm.SendAck")
	defer span.End()

	if m.cfg.RetryFailedAcks && !m.pending.Empty() {
		if _, err := m.FlushPendingAcks(ctx); err != nil {
			m.log.warnf("flush pending acks: %v", err)
		}
	}
	r, err := m.GetRemoteRegion(ctx, regionID)
	if err != nil {
		return err
	}
	err = r.queue.TimedSend(b, m.cfg.AckSendTimeout)
	switch {
	case err == nil:
		m.metrics.acksSent.Inc()
		m.telemetry.RecordAck(ctx, false)
		return nil
	case errors.Is(err, ErrTimeout):
		m.metrics.ackTimeouts.Inc()
		m.telemetry.RecordAck(ctx, true)
		m.log.warnf("ack for message %d to region %d timed out after %s", b.MessageID, regionID, m.cfg.AckSendTimeout)
		if m.cfg.RetryFailedAcks {
			m.keepPending(pendingAck{regionID: regionID, block: b})
		}
		return fmt.Errorf("region %d message %d: %w", regionID, b.MessageID, ErrTimeout)
	default:
		span.RecordError(err)
		return fmt.Errorf("region %d message %d: %w", regionID, b.MessageID, err)
	}
}

func (m *Manager) keepPending(p pendingAck) {
	if m.pending.Len() >= int64(m.cfg.AckQueueCapacity) {
		m.log.errorf("pending ack queue full, dropping ack for message %d", p.block.MessageID)
		return
	}
	if err := m.pending.Put(p); err != nil {
		m.log.errorf("keep pending ack for message %d: %v", p.block.MessageID, err)
	}
}

// FlushPendingAcks re-sends acknowledgements that timed out earlier without
// blocking on full queues. It returns how many were delivered.
func (m *Manager) FlushPendingAcks(ctx context.Context) (int, error) {
	n := m.pending.Len()
	if n == 0 {
		return 0, nil
	}
	items, err := m.pending.Poll(n, time.Millisecond)
	if err != nil {
		if errors.Is(err, queue.ErrTimeout) {
			return 0, nil
		}
		return 0, err
	}
	sent := 0
	var errs []error
	for i, item := range items {
		p := item.(pendingAck)
		r, err := m.GetRemoteRegion(ctx, p.regionID)
		if err != nil {
			errs = append(errs, fmt.Errorf("dropping ack for message %d: %w", p.block.MessageID, err))
			continue
		}
		ok, err := r.queue.TrySend(p.block)
		if err != nil {
			errs = append(errs, fmt.Errorf("dropping ack for message %d: %w", p.block.MessageID, err))
			continue
		}
		if !ok {
			if err := m.pending.Put(items[i:]...); err != nil {
				errs = append(errs, err)
			}
			break
		}
		m.metrics.acksSent.Inc()
		sent++
	}
	return sent, errors.Join(errs...)
}

// PendingAcks returns the number of acknowledgements waiting for a retry.
func (m *Manager) PendingAcks() int {
	return int(m.pending.Len())
}

// Interrupt makes blocking allocation loops give up and pauses region ack workers.
func (m *Manager) Interrupt() {
	m.gate.Interrupt()
	m.log.debugf("interrupted")
}

// Resume clears the interrupt and lets region ack workers run.
func (m *Manager) Resume() {
	m.gate.Resume()
	m.log.debugf("resumed")
}

// Running reports whether region ack workers are active.
func (m *Manager) Running() bool { return m.gate.Running() }

// Interrupted reports whether Interrupt was called since the last Resume.
func (m *Manager) Interrupted() bool { return m.gate.Interrupted() }

// SetActive sets the shared liveness flag.
func (m *Manager) SetActive(active bool) { m.mgmt.setActive(active) }

// Active reports the shared liveness flag. A fresh management segment is active.
func (m *Manager) Active() bool { return m.mgmt.active() }

// AttachedProcesses returns the number of managers attached to the management segment.
func (m *Manager) AttachedProcesses() uint32 { return m.mgmt.attachedCount() }
