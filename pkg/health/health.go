// Package health exposes liveness and readiness endpoints for a shared memory manager.
package health

import (
	"errors"
	"fmt"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/fairmq-shm/api"
)

// Options tunes the checks registered by NewHandler.
type Options struct {
	// Registerer, when set, also exports every check as a prometheus gauge.
	Registerer prometheus.Registerer
	// MinFreeBytes fails readiness while the segment has less free memory.
	MinFreeBytes uint64
	// MaxGoroutines fails liveness above this many goroutines. Zero disables the check.
	MaxGoroutines int
}

var (
	errInactive       = errors.New("management segment marked inactive")
	errNotInitialized = errors.New("main segment not initialized")
	errInterrupted    = errors.New("manager interrupted")
)

// NewHandler returns an http.Handler serving /live and /ready for src.
func NewHandler(src api.Health, opts Options) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, "fmq_shm")
	} else {
		h = healthcheck.NewHandler()
	}

	h.AddLivenessCheck("management-active", func() error {
		if !src.Active() {
			return errInactive
		}
		return nil
	})
	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}

	h.AddReadinessCheck("segment-initialized", func() error {
		if !src.Initialized() {
			return errNotInitialized
		}
		return nil
	})
	h.AddReadinessCheck("not-interrupted", func() error {
		if src.Interrupted() {
			return errInterrupted
		}
		return nil
	})
	h.AddReadinessCheck("segment-free-memory", func() error {
		if free := src.FreeMemory(); free < opts.MinFreeBytes {
			return fmt.Errorf("free memory %d below %d", free, opts.MinFreeBytes)
		}
		return nil
	})
	return h
}
