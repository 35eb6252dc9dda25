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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fmq_shm"

type metrics struct {
	registry prometheus.Registerer

	allocations     prometheus.Counter
	allocRetries    prometheus.Counter
	ownersDestroyed prometheus.Counter
	ownerNotFound   prometheus.Counter
	acksSent        prometheus.Counter
	ackTimeouts     prometheus.Counter
	acksDispatched  prometheus.Counter
	acksDropped     prometheus.Counter
	regions         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, freeBytes func() float64) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	counter := func(name, help string) prometheus.Counter {
		return register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}))
	}
	m := &metrics{
		registry:        reg,
		allocations:     counter("allocations_total", "Chunks allocated in the main segment."),
		allocRetries:    counter("allocation_retries_total", "Allocation attempts that waited for free memory."),
		ownersDestroyed: counter("owners_destroyed_total", "Shared owners destroyed by the last release."),
		ownerNotFound:   counter("owner_not_found_total", "Acquire or release calls on unknown handles."),
		acksSent:        counter("acks_sent_total", "Acknowledgements posted to region queues."),
		ackTimeouts:     counter("ack_timeouts_total", "Acknowledgements that timed out on send."),
		acksDispatched:  counter("acks_dispatched_total", "Acknowledgements delivered to region callbacks."),
		acksDropped:     counter("acks_dropped_total", "Acknowledgements dropped for unknown message ids."),
		regions: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "regions",
			Help:      "Regions mapped by this process.",
		})),
	}
	register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "segment_free_bytes",
		Help:      "Free bytes in the main segment.",
	}, freeBytes))
	return m
}

// register returns the already registered collector when another manager
// shares the registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		internalLogger.warnf("metrics register failed: %v", err)
	}
	return c
}
