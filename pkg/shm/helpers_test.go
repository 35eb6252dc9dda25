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
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	internalshm "github.com/srediag/fairmq-shm/internal/shm"
)

var testPrefixSeq uint64

func newTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Prefix = fmt.Sprintf("fmq_test_%d_%d_", os.Getpid(), atomic.AddUint64(&testPrefixSeq, 1))
	cfg.OpenRetryInterval = 20 * time.Millisecond
	cfg.AllocRetryInterval = 10 * time.Millisecond
	cfg.AckQueueCapacity = 64
	cfg.AckSendTimeout = 100 * time.Millisecond
	cfg.AckReceiveTimeout = 20 * time.Millisecond
	cfg.ControlWaitTimeout = 20 * time.Millisecond
	cfg.MaxRegions = 8
	cfg.Registerer = prometheus.NewRegistry()
	t.Cleanup(func() { removeObjects(cfg.Prefix) })
	return cfg
}

func removeObjects(prefix string) {
	matches, _ := filepath.Glob(internalshm.ObjectPath(prefix + "*"))
	for _, p := range matches {
		_ = os.Remove(p)
	}
}

// peerConfig returns cfg as seen from a second process: same names, own registry.
func peerConfig(cfg Config) Config {
	cfg.Registerer = prometheus.NewRegistry()
	return cfg
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func segmentName(cfg Config) string {
	return cfg.Prefix + "main"
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// withExitHook records the exit code instead of terminating the test binary.
func withExitHook(t *testing.T) *int32 {
	t.Helper()
	code := int32(-1)
	old := exitFunc
	exitFunc = func(c int) { atomic.StoreInt32(&code, int32(c)) }
	t.Cleanup(func() { exitFunc = old })
	return &code
}

// freeListBytes walks the free list and sums block sizes.
func (s *Segment) freeListBytes() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	var total uint64
	for cur := atomic.LoadUint64(s.freeHead); cur != 0; cur = s.next(cur) {
		total += s.blockSize(cur)
	}
	return total
}

// freeBlocks returns the number of free blocks.
func (s *Segment) freeBlocks() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for cur := atomic.LoadUint64(s.freeHead); cur != 0; cur = s.next(cur) {
		n++
	}
	return n
}
